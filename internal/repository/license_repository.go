package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/keygate/internal/model"
)

// LicenseRepo provides data access to the licenses table.
type LicenseRepo struct{ DB *sql.DB }

func NewLicenseRepo(db *sql.DB) *LicenseRepo { return &LicenseRepo{DB: db} }

const licenseColumns = `id, value, username, password_hash, email, max_sessions, created_at,
	expires_at, activated, paused, last_paused_at, external_id, persistence_token`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (model.License, error) {
	var (
		l                       model.License
		username, hash, email   sql.NullString
		externalID, persistHash sql.NullString
		lastPaused              sql.NullTime
	)
	err := row.Scan(&l.ID, &l.Value, &username, &hash, &email, &l.MaxSessions, &l.CreatedAt,
		&l.ExpiresAt, &l.Activated, &l.Paused, &lastPaused, &externalID, &persistHash)
	if errors.Is(err, sql.ErrNoRows) {
		return model.License{}, ErrNotFound
	}
	if err != nil {
		return model.License{}, err
	}
	l.Username = username.String
	l.PasswordHash = hash.String
	l.Email = email.String
	if lastPaused.Valid {
		t := lastPaused.Time.UTC()
		l.LastPausedAt = &t
	}
	if externalID.Valid {
		v := externalID.String
		l.ExternalID = &v
	}
	if persistHash.Valid {
		v := persistHash.String
		l.PersistenceTokenHash = &v
	}
	return l, nil
}

// Create inserts an unactivated license and fills in its ID and CreatedAt.
func (r *LicenseRepo) Create(ctx context.Context, l *model.License) error {
	now := time.Now().UTC().Truncate(time.Second)
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO licenses (value, max_sessions, created_at, expires_at) VALUES (?,?,?,?)",
		l.Value, l.MaxSessions, now, l.ExpiresAt)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	l.ID = uint64(id)
	l.CreatedAt = now
	return nil
}

// GetByValue fetches a license by its public value.
func (r *LicenseRepo) GetByValue(ctx context.Context, value string) (model.License, error) {
	return scanLicense(r.DB.QueryRowContext(ctx,
		"SELECT "+licenseColumns+" FROM licenses WHERE value=? LIMIT 1", value))
}

// GetByUsername fetches an activated license by normalized username.
func (r *LicenseRepo) GetByUsername(ctx context.Context, username string) (model.License, error) {
	return scanLicense(r.DB.QueryRowContext(ctx,
		"SELECT "+licenseColumns+" FROM licenses WHERE username=? LIMIT 1",
		strings.ToLower(strings.TrimSpace(username))))
}

// GetByID fetches a license by primary key.
func (r *LicenseRepo) GetByID(ctx context.Context, id uint64) (model.License, error) {
	return scanLicense(r.DB.QueryRowContext(ctx,
		"SELECT "+licenseColumns+" FROM licenses WHERE id=? LIMIT 1", id))
}

// Update locks the license row, lets fn mutate a copy and writes every
// mutable column back in the same transaction.  An error from fn aborts the
// transaction and is returned unchanged.
func (r *LicenseRepo) Update(ctx context.Context, id uint64, fn func(l *model.License) error) (updated model.License, err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.License{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	l, err := scanLicense(tx.QueryRowContext(ctx,
		"SELECT "+licenseColumns+" FROM licenses WHERE id=? FOR UPDATE", id))
	if err != nil {
		return model.License{}, err
	}
	if err = fn(&l); err != nil {
		return model.License{}, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE licenses SET username=?, password_hash=?, email=?, max_sessions=?, expires_at=?,
			activated=?, paused=?, last_paused_at=?, external_id=?, persistence_token=?
		 WHERE id=?`,
		nullString(strings.ToLower(l.Username)), nullString(l.PasswordHash), nullString(l.Email),
		l.MaxSessions, l.ExpiresAt, l.Activated, l.Paused, nullTime(l.LastPausedAt),
		nullStringPtr(l.ExternalID), nullStringPtr(l.PersistenceTokenHash), l.ID)
	if err != nil {
		if isDuplicate(err) {
			err = ErrUsernameTaken
		}
		return model.License{}, err
	}
	if err = tx.Commit(); err != nil {
		return model.License{}, fmt.Errorf("commit license update: %w", err)
	}
	return l, nil
}

// Delete removes a license; its sessions cascade and its fingerprint is
// detached by the foreign key.
func (r *LicenseRepo) Delete(ctx context.Context, value string) error {
	res, err := r.DB.ExecContext(ctx, "DELETE FROM licenses WHERE value=?", value)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
