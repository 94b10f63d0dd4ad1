package model

import "time"

// LicenseSession models an entry in the `license_sessions` table: one
// live device/network session of a license.  The raw authorization token
// is never stored; TokenHash holds its SHA-256 hex digest.  A nil TokenHash
// means the session was revoked and must be recreated through login.
type LicenseSession struct {
    ID          string     // license_sessions.id (UUID)
    LicenseID   uint64     // license_sessions.license_id
    HwidID      *uint64    // license_sessions.hwid_id (nil until bound)
    TokenHash   *string    // license_sessions.authorization_token (nullable)
    IP          string     // license_sessions.ip
    Active      bool       // license_sessions.active
    CreatedAt   time.Time  // license_sessions.created_at
    RefreshedAt *time.Time // license_sessions.refreshed_at (nullable)
}

// LastSeen returns the most recent of refresh and creation time.
func (s LicenseSession) LastSeen() time.Time {
    if s.RefreshedAt != nil {
        return *s.RefreshedAt
    }
    return s.CreatedAt
}
