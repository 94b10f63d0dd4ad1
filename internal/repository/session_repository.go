package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/keygate/internal/model"
)

// SessionRepo persists license sessions.  Authorization tokens are stored
// as SHA-256 hashes (the same scheme refresh tokens use), never raw.
type SessionRepo struct{ DB *sql.DB }

func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{DB: db} }

const sessionColumns = "id, license_id, hwid_id, authorization_token, ip, active, created_at, refreshed_at"

func scanSession(row rowScanner) (model.LicenseSession, error) {
	var (
		s         model.LicenseSession
		hwidID    sql.NullInt64
		tokenHash sql.NullString
		refreshed sql.NullTime
	)
	err := row.Scan(&s.ID, &s.LicenseID, &hwidID, &tokenHash, &s.IP, &s.Active, &s.CreatedAt, &refreshed)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LicenseSession{}, ErrNotFound
	}
	if err != nil {
		return model.LicenseSession{}, err
	}
	if hwidID.Valid {
		id := uint64(hwidID.Int64)
		s.HwidID = &id
	}
	if tokenHash.Valid {
		h := tokenHash.String
		s.TokenHash = &h
	}
	if refreshed.Valid {
		t := refreshed.Time.UTC()
		s.RefreshedAt = &t
	}
	return s, nil
}

// CountActive returns the number of active sessions of a license.
func (r *SessionRepo) CountActive(ctx context.Context, licenseID uint64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM license_sessions WHERE license_id=? AND active=1", licenseID).Scan(&n)
	return n, err
}

// CreateCapped inserts s only if the license has fewer than maxSessions
// active sessions (maxSessions <= 0 means unlimited).  The license row is
// locked with SELECT ... FOR UPDATE so concurrent logins for the same
// license serialize on the count-then-insert sequence.
func (r *SessionRepo) CreateCapped(ctx context.Context, s *model.LicenseSession, maxSessions int) (err error) {
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var lid uint64
	if err = tx.QueryRowContext(ctx, "SELECT id FROM licenses WHERE id=? FOR UPDATE", s.LicenseID).Scan(&lid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrNotFound
		}
		return err
	}
	if maxSessions > 0 {
		var n int
		if err = tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM license_sessions WHERE license_id=? AND active=1", s.LicenseID).Scan(&n); err != nil {
			return err
		}
		if n >= maxSessions {
			err = ErrMaxSessions
			return err
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO license_sessions (id, license_id, hwid_id, authorization_token, ip, active, created_at)
		 VALUES (?,?,?,?,?,1,?)`,
		s.ID, s.LicenseID, nullUint(s.HwidID), nullStringPtr(s.TokenHash), s.IP, s.CreatedAt.UTC()); err != nil {
		return err
	}
	s.Active = true
	return tx.Commit()
}

// GetByID fetches a session by id.
func (r *SessionRepo) GetByID(ctx context.Context, id string) (model.LicenseSession, error) {
	return scanSession(r.DB.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM license_sessions WHERE id=? LIMIT 1", id))
}

// GetByTokenHash fetches the session currently holding an authorization token.
func (r *SessionRepo) GetByTokenHash(ctx context.Context, hash string) (model.LicenseSession, error) {
	return scanSession(r.DB.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM license_sessions WHERE authorization_token=? LIMIT 1", hash))
}

// Rotate swaps the token hash of an active session and stamps refreshed_at.
// oldHash guards against two concurrent refreshes both succeeding.
func (r *SessionRepo) Rotate(ctx context.Context, id, oldHash, newHash string, refreshedAt time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE license_sessions SET authorization_token=?, refreshed_at=?
		 WHERE id=? AND authorization_token=? AND active=1`,
		newHash, refreshedAt.UTC(), id, oldHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// BindHwid records which fingerprint a session runs on.
func (r *SessionRepo) BindHwid(ctx context.Context, id string, hwidID uint64) error {
	res, err := r.DB.ExecContext(ctx, "UPDATE license_sessions SET hwid_id=? WHERE id=?", hwidID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke clears the authorization token and deactivates the session.  The
// row stays for audit.  Revoking twice is not an error.
func (r *SessionRepo) Revoke(ctx context.Context, id string) error {
	var exists int
	if err := r.DB.QueryRowContext(ctx, "SELECT 1 FROM license_sessions WHERE id=?", id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	_, err := r.DB.ExecContext(ctx,
		"UPDATE license_sessions SET authorization_token=NULL, active=0 WHERE id=?", id)
	return err
}

// ListActive returns the active sessions of a license, newest first.
func (r *SessionRepo) ListActive(ctx context.Context, licenseID uint64) ([]model.LicenseSession, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM license_sessions WHERE license_id=? AND active=1 ORDER BY created_at DESC",
		licenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LicenseSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullUint(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
