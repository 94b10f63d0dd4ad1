package model

import (
    "time"

    "github.com/iliyamo/keygate/internal/fingerprint"
)

// Hwid represents a row in the `hwids` table: the hardware fingerprint a
// license is bound to.  A reset detaches the row (LicenseID becomes nil)
// rather than deleting it, so the audit trail survives.
type Hwid struct {
    ID        uint64                  // hwids.id
    LicenseID *uint64                 // hwids.license_id (nil once detached)
    Print     fingerprint.Fingerprint // hwids.cpu, bios, ram, disk, display
    CreatedAt time.Time               // hwids.created_at
}
