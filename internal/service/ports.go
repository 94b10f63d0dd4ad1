package service

import (
	"context"
	"time"

	"github.com/iliyamo/keygate/internal/fingerprint"
	"github.com/iliyamo/keygate/internal/model"
)

// LicenseRepository is the license persistence boundary.  Update must run
// fn and the write inside one transaction holding the row.
type LicenseRepository interface {
	Create(ctx context.Context, l *model.License) error
	GetByValue(ctx context.Context, value string) (model.License, error)
	GetByUsername(ctx context.Context, username string) (model.License, error)
	GetByID(ctx context.Context, id uint64) (model.License, error)
	Update(ctx context.Context, id uint64, fn func(l *model.License) error) (model.License, error)
	Delete(ctx context.Context, value string) error
}

// HwidRepository stores the fingerprint bound to each license.
type HwidRepository interface {
	GetByLicense(ctx context.Context, licenseID uint64) (model.Hwid, error)
	Attach(ctx context.Context, licenseID uint64, f fingerprint.Fingerprint) (model.Hwid, error)
	Detach(ctx context.Context, licenseID uint64) error
}

// SessionRepository stores license sessions.  CreateCapped must count and
// insert atomically.
type SessionRepository interface {
	CountActive(ctx context.Context, licenseID uint64) (int, error)
	CreateCapped(ctx context.Context, s *model.LicenseSession, maxSessions int) error
	GetByID(ctx context.Context, id string) (model.LicenseSession, error)
	GetByTokenHash(ctx context.Context, hash string) (model.LicenseSession, error)
	Rotate(ctx context.Context, id, oldHash, newHash string, refreshedAt time.Time) error
	BindHwid(ctx context.Context, id string, hwidID uint64) error
	Revoke(ctx context.Context, id string) error
	ListActive(ctx context.Context, licenseID uint64) ([]model.LicenseSession, error)
}

// ClientRepository resolves OAuth clients.
type ClientRepository interface {
	GetByID(ctx context.Context, id string) (model.Client, error)
}

// Activity is one audit event emitted after a state change commits.
type Activity struct {
	Type         string            `json:"type"`
	LicenseValue string            `json:"license,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	ClientID     string            `json:"client_id,omitempty"`
	IP           string            `json:"ip,omitempty"`
	At           time.Time         `json:"at"`
	Detail       map[string]string `json:"detail,omitempty"`
}

// Activity types.
const (
	ActivityLogin          = "session.login"
	ActivityRefresh        = "session.refresh"
	ActivityLogout         = "session.logout"
	ActivityRevoke         = "session.revoke"
	ActivityHwidBound      = "hwid.bound"
	ActivityHwidReset      = "hwid.reset"
	ActivityActivated      = "license.activated"
	ActivityCreated        = "license.created"
	ActivityPaused         = "license.paused"
	ActivityResumed        = "license.resumed"
	ActivityDeleted        = "license.deleted"
	ActivityCredentials    = "license.credentials_changed"
	ActivityLinked         = "license.linked"
	ActivityTokenExchanged = "oauth.token_exchanged"
)

// ActivitySink receives audit events.  Publish is called outside every lock
// the services hold; failures are logged and never fail the operation.
type ActivitySink interface {
	Publish(ctx context.Context, a Activity) error
}

// NopSink discards activity.
type NopSink struct{}

func (NopSink) Publish(context.Context, Activity) error { return nil }
