package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/keygate/internal/fingerprint"
	"github.com/iliyamo/keygate/internal/model"
)

// HwidRepo provides data access to the hwids table.  At most one row is
// attached to a license at a time, and a cpu+bios pair may be attached to
// at most one license.
type HwidRepo struct{ DB *sql.DB }

func NewHwidRepo(db *sql.DB) *HwidRepo { return &HwidRepo{DB: db} }

const hwidColumns = "id, license_id, cpu, bios, ram, disk, display, created_at"

func scanHwid(row rowScanner) (model.Hwid, error) {
	var (
		h         model.Hwid
		licenseID sql.NullInt64
	)
	err := row.Scan(&h.ID, &licenseID, &h.Print.CPU, &h.Print.BIOS, &h.Print.RAM,
		&h.Print.Disk, &h.Print.Display, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Hwid{}, ErrNotFound
	}
	if err != nil {
		return model.Hwid{}, err
	}
	if licenseID.Valid {
		id := uint64(licenseID.Int64)
		h.LicenseID = &id
	}
	return h, nil
}

// GetByLicense returns the fingerprint currently attached to a license.
func (r *HwidRepo) GetByLicense(ctx context.Context, licenseID uint64) (model.Hwid, error) {
	return scanHwid(r.DB.QueryRowContext(ctx,
		"SELECT "+hwidColumns+" FROM hwids WHERE license_id=? LIMIT 1", licenseID))
}

// Attach stores f as the license's fingerprint.  It fails with ErrConflict
// when the license already has one (first seen wins) or when it loses a
// deadlock against a concurrent first bind, and with ErrHwidInUse when the
// machine is attached to a different license.
func (r *HwidRepo) Attach(ctx context.Context, licenseID uint64, f fingerprint.Fingerprint) (h model.Hwid, err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Hwid{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			err = lockConflict(err)
		}
	}()

	var existing uint64
	err = tx.QueryRowContext(ctx, "SELECT id FROM hwids WHERE license_id=? FOR UPDATE", licenseID).Scan(&existing)
	switch {
	case err == nil:
		return model.Hwid{}, ErrConflict
	case !errors.Is(err, sql.ErrNoRows):
		return model.Hwid{}, err
	}

	var owner uint64
	err = tx.QueryRowContext(ctx,
		"SELECT license_id FROM hwids WHERE cpu=? AND bios=? AND license_id IS NOT NULL LIMIT 1 FOR UPDATE",
		f.CPU, f.BIOS).Scan(&owner)
	switch {
	case err == nil:
		return model.Hwid{}, ErrHwidInUse
	case !errors.Is(err, sql.ErrNoRows):
		return model.Hwid{}, err
	}

	now := time.Now().UTC().Truncate(time.Second)
	res, err := tx.ExecContext(ctx,
		"INSERT INTO hwids (license_id, cpu, bios, ram, disk, display, created_at) VALUES (?,?,?,?,?,?,?)",
		licenseID, f.CPU, f.BIOS, f.RAM, f.Disk, f.Display, now)
	if err != nil {
		if isDuplicate(err) {
			err = ErrConflict
		}
		return model.Hwid{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Hwid{}, err
	}
	if err = tx.Commit(); err != nil {
		return model.Hwid{}, err
	}
	lid := licenseID
	return model.Hwid{ID: uint64(id), LicenseID: &lid, Print: f, CreatedAt: now}, nil
}

// Detach releases the license's fingerprint.  The row is kept for audit.
// Detaching a license without a fingerprint is a no-op.
func (r *HwidRepo) Detach(ctx context.Context, licenseID uint64) error {
	_, err := r.DB.ExecContext(ctx, "UPDATE hwids SET license_id=NULL WHERE license_id=?", licenseID)
	return err
}
