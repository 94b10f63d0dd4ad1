package service

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/keygate/internal/credstore"
	"github.com/iliyamo/keygate/internal/metrics"
	"github.com/iliyamo/keygate/internal/model"
	"github.com/iliyamo/keygate/internal/repository"
	"github.com/iliyamo/keygate/internal/utils"
)

// MaxLicensesPerRequest bounds a single Create call.
const MaxLicensesPerRequest = 100

// LifecycleConfig controls license issuance and credential handling.
type LifecycleConfig struct {
	BcryptCost     int
	ValueBytes     int           // random bytes in a license value (16 = 128 bits)
	LinkCodeTTL    time.Duration // absolute
	LinkCodeLength int
	Now            func() time.Time
}

func (c *LifecycleConfig) setDefaults() {
	if c.ValueBytes <= 0 {
		c.ValueBytes = 16
	}
	if c.LinkCodeTTL <= 0 {
		c.LinkCodeTTL = 30 * time.Minute
	}
	if c.LinkCodeLength <= 0 {
		c.LinkCodeLength = 8
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// LifecycleService owns license state transitions: issuance, activation,
// pause accounting and credential changes.
type LifecycleService struct {
	cfg      LifecycleConfig
	licenses LicenseRepository
	hwids    HwidRepository
	links    *credstore.Store[model.DeviceLinkCode]
	sink     ActivitySink
	log      *slog.Logger
}

// NewLifecycleService wires the service.
func NewLifecycleService(cfg LifecycleConfig, licenses LicenseRepository, hwids HwidRepository,
	links *credstore.Store[model.DeviceLinkCode], sink ActivitySink, logger *slog.Logger) *LifecycleService {
	cfg.setDefaults()
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleService{cfg: cfg, licenses: licenses, hwids: hwids, links: links, sink: sink, log: logger}
}

// CreateLicenseRequest asks for Count unactivated licenses that run for
// Duration once activated.
type CreateLicenseRequest struct {
	Count       int
	Duration    time.Duration
	MaxSessions int
}

// Create mints unactivated licenses.  Until activation ExpiresAt holds the
// duration template in seconds.
func (s *LifecycleService) Create(ctx context.Context, req CreateLicenseRequest) (out []model.License, err error) {
	defer func() { metrics.LicenseOps.WithLabelValues("create", resultLabel(err)).Inc() }()

	if req.Count <= 0 || req.Count > MaxLicensesPerRequest {
		return nil, ErrInvalidRequest.With("count must be between 1 and %d", MaxLicensesPerRequest)
	}
	if req.Duration < time.Second {
		return nil, ErrInvalidRequest.With("duration must be at least one second")
	}
	if req.MaxSessions < 0 {
		return nil, ErrInvalidRequest.With("max_sessions must not be negative")
	}

	out = make([]model.License, 0, req.Count)
	for len(out) < req.Count {
		value, err := utils.RandomHex(s.cfg.ValueBytes)
		if err != nil {
			return nil, unavailable(err)
		}
		l := model.License{
			Value:       value,
			MaxSessions: req.MaxSessions,
			ExpiresAt:   int64(req.Duration / time.Second),
		}
		err = s.licenses.Create(ctx, &l)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, s.storeErr(ctx, "create license", err)
		}
		out = append(out, l)
	}

	now := s.cfg.Now().UTC()
	for _, l := range out {
		s.publish(ctx, Activity{Type: ActivityCreated, LicenseValue: l.Value, At: now})
	}
	return out, nil
}

// Get returns a license by value.
func (s *LifecycleService) Get(ctx context.Context, value string) (model.License, error) {
	l, err := s.licenses.GetByValue(ctx, value)
	if errors.Is(err, repository.ErrNotFound) {
		return model.License{}, ErrLicenseNotFound
	}
	if err != nil {
		return model.License{}, s.storeErr(ctx, "load license", err)
	}
	return l, nil
}

// ActivateRequest carries the owner credentials attached at activation.
type ActivateRequest struct {
	Value      string
	Username   string
	Password   string
	Email      string
	ExternalID *string
}

// Activate performs the one-time transition to activated.  The license
// clock starts now.
func (s *LifecycleService) Activate(ctx context.Context, req ActivateRequest) (l model.License, err error) {
	defer func() { metrics.LicenseOps.WithLabelValues("activate", resultLabel(err)).Inc() }()

	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || req.Password == "" {
		return model.License{}, ErrInvalidRequest.With("username and password are required")
	}
	if err := checkNewPassword(req.Password); err != nil {
		return model.License{}, err
	}
	if req.Email != "" && !validEmail(req.Email) {
		return model.License{}, ErrInvalidRequest.With("email is malformed")
	}
	cur, err := s.Get(ctx, req.Value)
	if err != nil {
		return model.License{}, err
	}
	if cur.Activated {
		return model.License{}, ErrLicenseAlreadyActivated
	}
	hash, err := utils.HashPassword(req.Password, s.cfg.BcryptCost)
	if err != nil {
		return model.License{}, unavailable(err)
	}

	now := s.cfg.Now().UTC()
	l, err = s.update(ctx, cur.ID, "activate", func(l *model.License) error {
		if l.Activated {
			return ErrLicenseAlreadyActivated
		}
		l.Username = username
		l.PasswordHash = hash
		l.Email = req.Email
		l.ExternalID = req.ExternalID
		l.ExpiresAt = now.Unix() + l.ExpiresAt
		l.Activated = true
		return nil
	})
	if err != nil {
		return model.License{}, err
	}
	s.publish(ctx, Activity{Type: ActivityActivated, LicenseValue: l.Value, At: now})
	return l, nil
}

// Pause stops the license clock.  Pausing a paused license is a no-op.
func (s *LifecycleService) Pause(ctx context.Context, value string) (l model.License, err error) {
	defer func() { metrics.LicenseOps.WithLabelValues("pause", resultLabel(err)).Inc() }()

	cur, err := s.Get(ctx, value)
	if err != nil {
		return model.License{}, err
	}
	now := s.cfg.Now().UTC().Truncate(time.Second)
	changed := false
	l, err = s.update(ctx, cur.ID, "pause", func(l *model.License) error {
		if !l.Activated {
			return ErrLicenseNotActivated
		}
		if l.Paused {
			return nil
		}
		l.Paused = true
		l.LastPausedAt = &now
		changed = true
		return nil
	})
	if err != nil {
		return model.License{}, err
	}
	if changed {
		s.publish(ctx, Activity{Type: ActivityPaused, LicenseValue: l.Value, At: now})
	}
	return l, nil
}

// Resume restarts the license clock, crediting the whole paused interval
// back to ExpiresAt.  Resuming a running license is a no-op.
func (s *LifecycleService) Resume(ctx context.Context, value string) (l model.License, err error) {
	defer func() { metrics.LicenseOps.WithLabelValues("resume", resultLabel(err)).Inc() }()

	cur, err := s.Get(ctx, value)
	if err != nil {
		return model.License{}, err
	}
	now := s.cfg.Now().UTC()
	var credited int64
	changed := false
	l, err = s.update(ctx, cur.ID, "resume", func(l *model.License) error {
		if !l.Paused {
			return nil
		}
		if l.LastPausedAt != nil {
			credited = now.Unix() - l.LastPausedAt.Unix()
			if credited < 0 {
				credited = 0
			}
			l.ExpiresAt += credited
		}
		l.Paused = false
		l.LastPausedAt = nil
		changed = true
		return nil
	})
	if err != nil {
		return model.License{}, err
	}
	if changed {
		s.publish(ctx, Activity{Type: ActivityResumed, LicenseValue: l.Value, At: now,
			Detail: map[string]string{"credited_seconds": strconv.FormatInt(credited, 10)}})
	}
	return l, nil
}

// ChangePassword replaces the password after checking the current one.
func (s *LifecycleService) ChangePassword(ctx context.Context, username, current, next string) (err error) {
	defer func() { metrics.LicenseOps.WithLabelValues("change_password", resultLabel(err)).Inc() }()

	if next == "" {
		return ErrInvalidRequest.With("new password is required")
	}
	if err := checkNewPassword(next); err != nil {
		return err
	}
	lic, err := s.authenticate(ctx, username, current)
	if err != nil {
		return err
	}
	hash, err := utils.HashPassword(next, s.cfg.BcryptCost)
	if err != nil {
		return unavailable(err)
	}
	_, err = s.update(ctx, lic.ID, "change_password", func(l *model.License) error {
		if l.PasswordHash != lic.PasswordHash {
			// changed since we verified it
			return ErrInvalidCredentials
		}
		l.PasswordHash = hash
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, Activity{Type: ActivityCredentials, LicenseValue: lic.Value, At: s.cfg.Now().UTC(),
		Detail: map[string]string{"field": "password"}})
	return nil
}

// ChangeEmail replaces the contact address after checking the password.
func (s *LifecycleService) ChangeEmail(ctx context.Context, username, password, email string) (err error) {
	defer func() { metrics.LicenseOps.WithLabelValues("change_email", resultLabel(err)).Inc() }()

	if !validEmail(email) {
		return ErrInvalidRequest.With("email is malformed")
	}
	lic, err := s.authenticate(ctx, username, password)
	if err != nil {
		return err
	}
	_, err = s.update(ctx, lic.ID, "change_email", func(l *model.License) error {
		if l.PasswordHash != lic.PasswordHash {
			return ErrInvalidCredentials
		}
		l.Email = email
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, Activity{Type: ActivityCredentials, LicenseValue: lic.Value, At: s.cfg.Now().UTC(),
		Detail: map[string]string{"field": "email"}})
	return nil
}

// RotatePersistenceToken issues a new "remember me" token and returns it
// raw.  Only its hash is stored, so the previous token stops working.
func (s *LifecycleService) RotatePersistenceToken(ctx context.Context, username, password string) (raw string, err error) {
	defer func() { metrics.LicenseOps.WithLabelValues("rotate_persistence", resultLabel(err)).Inc() }()

	lic, err := s.authenticate(ctx, username, password)
	if err != nil {
		return "", err
	}
	raw, err = utils.RandomHex(32)
	if err != nil {
		return "", unavailable(err)
	}
	hash := utils.HashToken(raw)
	_, err = s.update(ctx, lic.ID, "rotate_persistence", func(l *model.License) error {
		l.PersistenceTokenHash = &hash
		return nil
	})
	if err != nil {
		return "", err
	}
	s.publish(ctx, Activity{Type: ActivityCredentials, LicenseValue: lic.Value, At: s.cfg.Now().UTC(),
		Detail: map[string]string{"field": "persistence_token"}})
	return raw, nil
}

// ResetHwid detaches the fingerprint bound to a license so the next login
// binds a new device.
func (s *LifecycleService) ResetHwid(ctx context.Context, value string) (err error) {
	defer func() { metrics.LicenseOps.WithLabelValues("reset_hwid", resultLabel(err)).Inc() }()

	lic, err := s.Get(ctx, value)
	if err != nil {
		return err
	}
	if err := s.hwids.Detach(ctx, lic.ID); err != nil {
		return s.storeErr(ctx, "detach hwid", err)
	}
	s.publish(ctx, Activity{Type: ActivityHwidReset, LicenseValue: lic.Value, At: s.cfg.Now().UTC()})
	return nil
}

// CreateLinkCode issues a short code that links an external account to the
// license when redeemed.
func (s *LifecycleService) CreateLinkCode(ctx context.Context, value string) (model.DeviceLinkCode, string, error) {
	lic, err := s.Get(ctx, value)
	if err != nil {
		return model.DeviceLinkCode{}, "", err
	}
	code, err := utils.RandomString(s.cfg.LinkCodeLength)
	if err != nil {
		return model.DeviceLinkCode{}, "", unavailable(err)
	}
	entry := model.DeviceLinkCode{
		LicenseID:    lic.ID,
		LicenseValue: lic.Value,
		ExpiresAt:    s.cfg.Now().UTC().Add(s.cfg.LinkCodeTTL),
	}
	s.links.Put(code, entry, s.cfg.LinkCodeTTL)
	return entry, code, nil
}

// RedeemLinkCode consumes a link code and records externalID on its
// license.  A code can be redeemed once.
func (s *LifecycleService) RedeemLinkCode(ctx context.Context, code, externalID string) (l model.License, err error) {
	defer func() { metrics.LicenseOps.WithLabelValues("link", resultLabel(err)).Inc() }()

	if strings.TrimSpace(externalID) == "" {
		return model.License{}, ErrInvalidRequest.With("external_id is required")
	}
	entry, ok := s.links.Take(code)
	if !ok {
		return model.License{}, ErrInvalidLinkCode
	}
	ext := externalID
	l, err = s.update(ctx, entry.LicenseID, "link", func(l *model.License) error {
		l.ExternalID = &ext
		return nil
	})
	if err != nil {
		return model.License{}, err
	}
	s.publish(ctx, Activity{Type: ActivityLinked, LicenseValue: l.Value, At: s.cfg.Now().UTC(),
		Detail: map[string]string{"external_id": externalID}})
	return l, nil
}

// Delete removes a license with its sessions.
func (s *LifecycleService) Delete(ctx context.Context, value string) (err error) {
	defer func() { metrics.LicenseOps.WithLabelValues("delete", resultLabel(err)).Inc() }()

	err = s.licenses.Delete(ctx, value)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrLicenseNotFound
	}
	if err != nil {
		return s.storeErr(ctx, "delete license", err)
	}
	s.publish(ctx, Activity{Type: ActivityDeleted, LicenseValue: value, At: s.cfg.Now().UTC()})
	return nil
}

func (s *LifecycleService) authenticate(ctx context.Context, username, password string) (model.License, error) {
	lic, err := s.licenses.GetByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		utils.BurnPasswordCheck(password)
		return model.License{}, ErrInvalidCredentials
	}
	if err != nil {
		return model.License{}, s.storeErr(ctx, "load license", err)
	}
	if lic.PasswordHash == "" || !utils.VerifyPassword(lic.PasswordHash, password) {
		return model.License{}, ErrInvalidCredentials
	}
	return lic, nil
}

// update runs fn inside the repository transaction and maps repository
// sentinels to service errors.  Errors returned by fn pass through.
func (s *LifecycleService) update(ctx context.Context, id uint64, op string, fn func(l *model.License) error) (model.License, error) {
	l, err := s.licenses.Update(ctx, id, fn)
	var svcErr *Error
	switch {
	case err == nil:
		return l, nil
	case errors.As(err, &svcErr):
		return model.License{}, err
	case errors.Is(err, repository.ErrNotFound):
		return model.License{}, ErrLicenseNotFound
	case errors.Is(err, repository.ErrUsernameTaken):
		return model.License{}, ErrUsernameTaken
	default:
		return model.License{}, s.storeErr(ctx, op, err)
	}
}

func (s *LifecycleService) storeErr(ctx context.Context, op string, err error) error {
	s.log.ErrorContext(ctx, op, slog.Any("error", err))
	return unavailable(err)
}

func (s *LifecycleService) publish(ctx context.Context, a Activity) {
	if err := s.sink.Publish(ctx, a); err != nil {
		s.log.WarnContext(ctx, "publish activity", slog.String("type", a.Type), slog.Any("error", err))
	}
}

// checkNewPassword rejects passwords bcrypt cannot hash.
func checkNewPassword(p string) error {
	if len(p) > utils.MaxPasswordBytes {
		return ErrInvalidRequest.With("password must be at most %d bytes", utils.MaxPasswordBytes)
	}
	return nil
}

func validEmail(v string) bool {
	a, err := mail.ParseAddress(v)
	return err == nil && a.Address == v
}
