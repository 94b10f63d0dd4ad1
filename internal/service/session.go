package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/keygate/internal/fingerprint"
	"github.com/iliyamo/keygate/internal/metrics"
	"github.com/iliyamo/keygate/internal/model"
	"github.com/iliyamo/keygate/internal/repository"
	"github.com/iliyamo/keygate/internal/token"
	"github.com/iliyamo/keygate/internal/utils"
)

const tokenTypeSession = "session"

// SessionConfig controls session token lifetimes.
type SessionConfig struct {
	TokenTTL       time.Duration // lifetime of the signed session JWT
	ResumeWindow   time.Duration // Resume is a no-op inside this window
	AuthTokenBytes int           // random bytes in the authorization token
	Now            func() time.Time
}

func (c *SessionConfig) setDefaults() {
	if c.TokenTTL <= 0 {
		c.TokenTTL = 7 * 24 * time.Hour
	}
	if c.ResumeWindow <= 0 {
		c.ResumeWindow = 24 * time.Hour
	}
	if c.AuthTokenBytes <= 0 {
		c.AuthTokenBytes = 32
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// SessionManager runs the license login protocol for end-user installs.
type SessionManager struct {
	cfg      SessionConfig
	licenses LicenseRepository
	hwids    HwidRepository
	sessions SessionRepository
	issuer   *token.Issuer
	sink     ActivitySink
	log      *slog.Logger
	locks    *keyLock
}

// NewSessionManager wires the manager.
func NewSessionManager(cfg SessionConfig, licenses LicenseRepository, hwids HwidRepository, sessions SessionRepository,
	issuer *token.Issuer, sink ActivitySink, logger *slog.Logger) *SessionManager {
	cfg.setDefaults()
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		cfg:      cfg,
		licenses: licenses,
		hwids:    hwids,
		sessions: sessions,
		issuer:   issuer.WithClock(cfg.Now),
		sink:     sink,
		log:      logger,
		locks:    newKeyLock(),
	}
}

// LoginRequest is a username plus either a password or a persistence
// token.  HWID is optional; when present it is verified or bound.
type LoginRequest struct {
	Username         string
	Password         string
	PersistenceToken string
	HWID             *fingerprint.Fingerprint
	IP               string
}

// SessionGrant is returned by Login and Refresh.  Token is the signed JWT;
// Chunks is the same token encrypted for transport.
type SessionGrant struct {
	Session   model.LicenseSession
	Token     string
	Chunks    []string
	ExpiresAt time.Time
}

// SessionClaims are the fields a session JWT carries.
type SessionClaims struct {
	SessionID          string
	AuthorizationToken string
	LicenseValue       string
}

// ResumeResult reports whether Resume had to issue a fresh token.
type ResumeResult struct {
	Session   model.LicenseSession
	Refreshed bool
	Grant     *SessionGrant
}

// Authenticate verifies a session JWT and extracts its claims.
func (m *SessionManager) Authenticate(raw string) (SessionClaims, error) {
	c, err := m.issuer.Parse(raw)
	if err != nil {
		return SessionClaims{}, ErrInvalidToken
	}
	sc := SessionClaims{
		SessionID:          c.String("sid"),
		AuthorizationToken: c.String("ath"),
		LicenseValue:       c.Subject,
	}
	if c.String("typ") != tokenTypeSession || sc.SessionID == "" || sc.AuthorizationToken == "" {
		return SessionClaims{}, ErrInvalidToken
	}
	return sc, nil
}

// Login authenticates the license owner and opens a new session.  The
// session cap is enforced twice: a cheap count under the per-license lock
// and again inside the insert transaction.
func (m *SessionManager) Login(ctx context.Context, req LoginRequest) (grant SessionGrant, err error) {
	defer func() { metrics.SessionOps.WithLabelValues("login", resultLabel(err)).Inc() }()

	if strings.TrimSpace(req.Username) == "" || (req.Password == "" && req.PersistenceToken == "") {
		return SessionGrant{}, ErrInvalidRequest.With("username and a password or persistence token are required")
	}
	if req.HWID != nil {
		if err := fingerprint.Validate(*req.HWID); err != nil {
			return SessionGrant{}, ErrInvalidHwidFormat
		}
	}

	lic, err := m.licenses.GetByUsername(ctx, req.Username)
	if errors.Is(err, repository.ErrNotFound) {
		utils.BurnPasswordCheck(req.Password)
		return SessionGrant{}, ErrInvalidCredentials
	}
	if err != nil {
		return SessionGrant{}, m.storeErr(ctx, "load license", err)
	}
	if !checkSecret(lic, req.Password, req.PersistenceToken) {
		return SessionGrant{}, ErrInvalidCredentials
	}
	if !lic.Activated {
		return SessionGrant{}, ErrLicenseNotActivated
	}

	grant, bound, err := m.openSession(ctx, lic, req)
	if err != nil {
		return SessionGrant{}, err
	}

	now := m.cfg.Now().UTC()
	if bound {
		m.publish(ctx, Activity{Type: ActivityHwidBound, LicenseValue: lic.Value, SessionID: grant.Session.ID, IP: req.IP, At: now})
	}
	m.publish(ctx, Activity{Type: ActivityLogin, LicenseValue: lic.Value, SessionID: grant.Session.ID, IP: req.IP, At: now})
	return grant, nil
}

func checkSecret(lic model.License, password, persistence string) bool {
	if persistence != "" {
		if lic.PersistenceTokenHash == nil {
			return false
		}
		got := utils.HashToken(persistence)
		return subtle.ConstantTimeCompare([]byte(got), []byte(*lic.PersistenceTokenHash)) == 1
	}
	return lic.PasswordHash != "" && utils.VerifyPassword(lic.PasswordHash, password)
}

// openSession runs the capped part of Login under the per-license lock.
func (m *SessionManager) openSession(ctx context.Context, lic model.License, req LoginRequest) (SessionGrant, bool, error) {
	unlock := m.locks.Lock(lic.ID)
	defer unlock()

	if !lic.Unlimited() {
		n, err := m.sessions.CountActive(ctx, lic.ID)
		if err != nil {
			return SessionGrant{}, false, m.storeErr(ctx, "count sessions", err)
		}
		if n >= lic.MaxSessions {
			return SessionGrant{}, false, ErrMaxSessionsReached
		}
	}

	now := m.cfg.Now().UTC()
	if lic.Paused {
		return SessionGrant{}, false, ErrLicensePaused
	}
	if lic.Expired(now) {
		return SessionGrant{}, false, ErrLicenseExpired
	}

	var (
		hwidID *uint64
		bound  bool
	)
	if req.HWID != nil {
		h, attached, err := m.bindOrVerify(ctx, lic.ID, *req.HWID)
		if err != nil {
			return SessionGrant{}, false, err
		}
		hwidID, bound = &h.ID, attached
	}

	ath, err := utils.RandomHex(m.cfg.AuthTokenBytes)
	if err != nil {
		return SessionGrant{}, false, unavailable(err)
	}
	hash := utils.HashToken(ath)
	s := model.LicenseSession{
		ID:        uuid.NewString(),
		LicenseID: lic.ID,
		HwidID:    hwidID,
		TokenHash: &hash,
		IP:        req.IP,
		Active:    true,
		CreatedAt: now.Truncate(time.Second),
	}
	err = m.sessions.CreateCapped(ctx, &s, lic.MaxSessions)
	switch {
	case errors.Is(err, repository.ErrMaxSessions):
		m.unbind(ctx, lic.ID, bound)
		return SessionGrant{}, false, ErrMaxSessionsReached
	case err != nil:
		m.unbind(ctx, lic.ID, bound)
		return SessionGrant{}, false, m.storeErr(ctx, "create session", err)
	}

	grant, err := m.grant(s, lic.Value, ath)
	if err != nil {
		// Without a token the row would only hold a slot; give it back.
		if rerr := m.sessions.Revoke(ctx, s.ID); rerr != nil {
			m.log.ErrorContext(ctx, "revoke unissued session", slog.String("session_id", s.ID), slog.Any("error", rerr))
		}
		m.unbind(ctx, lic.ID, bound)
		return SessionGrant{}, false, err
	}
	return grant, bound, nil
}

// unbind drops a fingerprint this login attached when the login itself
// failed, so a rejected attempt never claims the license for its device.
func (m *SessionManager) unbind(ctx context.Context, licenseID uint64, bound bool) {
	if !bound {
		return
	}
	if err := m.hwids.Detach(ctx, licenseID); err != nil {
		m.log.ErrorContext(ctx, "detach hwid of failed login", slog.Uint64("license_id", licenseID), slog.Any("error", err))
	}
}

func (m *SessionManager) grant(s model.LicenseSession, licenseValue, ath string) (SessionGrant, error) {
	signed, err := m.issuer.Sign(token.Claims{
		Subject: licenseValue,
		Private: map[string]any{"typ": tokenTypeSession, "sid": s.ID, "ath": ath},
	}, m.cfg.TokenTTL)
	if err != nil {
		return SessionGrant{}, unavailable(err)
	}
	chunks, err := m.issuer.EncryptForTransport(signed.Token)
	if err != nil && !errors.Is(err, token.ErrNoTransportKey) {
		return SessionGrant{}, unavailable(err)
	}
	return SessionGrant{Session: s, Token: signed.Token, Chunks: chunks, ExpiresAt: signed.ExpiresAt}, nil
}

// bindOrVerify binds candidate to the license when it has no fingerprint
// yet, otherwise compares against the stored one.  The bool reports whether
// this call created the binding.
func (m *SessionManager) bindOrVerify(ctx context.Context, licenseID uint64, candidate fingerprint.Fingerprint) (model.Hwid, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		h, err := m.hwids.GetByLicense(ctx, licenseID)
		if err == nil {
			if !fingerprint.Matches(h.Print, candidate) {
				return model.Hwid{}, false, ErrInvalidHwid
			}
			return h, false, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return model.Hwid{}, false, m.storeErr(ctx, "load hwid", err)
		}

		h, err = m.hwids.Attach(ctx, licenseID, candidate)
		switch {
		case err == nil:
			return h, true, nil
		case errors.Is(err, repository.ErrHwidInUse):
			return model.Hwid{}, false, ErrHwidInUse
		case errors.Is(err, repository.ErrConflict):
			// another request bound first; compare against the winner
			continue
		default:
			return model.Hwid{}, false, m.storeErr(ctx, "attach hwid", err)
		}
	}
	return model.Hwid{}, false, ErrInvalidHwid
}

// SetupOrVerifyHwid binds candidate to the session's license on first use
// and checks it against the bound fingerprint afterwards.
func (m *SessionManager) SetupOrVerifyHwid(ctx context.Context, claims SessionClaims, candidate fingerprint.Fingerprint) (s model.LicenseSession, err error) {
	defer func() { metrics.SessionOps.WithLabelValues("hwid", resultLabel(err)).Inc() }()

	if err := fingerprint.Validate(candidate); err != nil {
		return model.LicenseSession{}, ErrInvalidHwidFormat
	}
	s, lic, err := m.current(ctx, claims)
	if err != nil {
		return model.LicenseSession{}, err
	}
	h, bound, err := m.bindOrVerify(ctx, lic.ID, candidate)
	if err != nil {
		return model.LicenseSession{}, err
	}
	if err := m.sessions.BindHwid(ctx, s.ID, h.ID); err != nil {
		return model.LicenseSession{}, m.storeErr(ctx, "bind session hwid", err)
	}
	s.HwidID = &h.ID
	if bound {
		m.publish(ctx, Activity{Type: ActivityHwidBound, LicenseValue: lic.Value, SessionID: s.ID, At: m.cfg.Now().UTC()})
	}
	return s, nil
}

// current loads the session named by claims and checks that it is still
// usable: active, holding the presented token, license running.
func (m *SessionManager) current(ctx context.Context, claims SessionClaims) (model.LicenseSession, model.License, error) {
	s, err := m.sessions.GetByID(ctx, claims.SessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.LicenseSession{}, model.License{}, ErrInvalidToken
	}
	if err != nil {
		return model.LicenseSession{}, model.License{}, m.storeErr(ctx, "load session", err)
	}
	if !s.Active || s.TokenHash == nil {
		return model.LicenseSession{}, model.License{}, ErrSessionInactive
	}
	presented := utils.HashToken(claims.AuthorizationToken)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(*s.TokenHash)) != 1 {
		return model.LicenseSession{}, model.License{}, ErrInvalidToken
	}

	lic, err := m.licenses.GetByID(ctx, s.LicenseID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.LicenseSession{}, model.License{}, ErrSessionInactive
	}
	if err != nil {
		return model.LicenseSession{}, model.License{}, m.storeErr(ctx, "load license", err)
	}
	if lic.Value != claims.LicenseValue {
		return model.LicenseSession{}, model.License{}, ErrInvalidToken
	}
	if lic.Paused {
		return model.LicenseSession{}, model.License{}, ErrLicensePaused
	}
	if lic.Expired(m.cfg.Now()) {
		return model.LicenseSession{}, model.License{}, ErrLicenseExpired
	}
	return s, lic, nil
}

// Refresh rotates the session's authorization token and returns a new
// session JWT.  The previous token stops working immediately.
func (m *SessionManager) Refresh(ctx context.Context, claims SessionClaims) (grant SessionGrant, err error) {
	defer func() { metrics.SessionOps.WithLabelValues("refresh", resultLabel(err)).Inc() }()

	s, lic, err := m.current(ctx, claims)
	if err != nil {
		return SessionGrant{}, err
	}
	return m.rotate(ctx, s, lic, claims)
}

func (m *SessionManager) rotate(ctx context.Context, s model.LicenseSession, lic model.License, claims SessionClaims) (SessionGrant, error) {
	ath, err := utils.RandomHex(m.cfg.AuthTokenBytes)
	if err != nil {
		return SessionGrant{}, unavailable(err)
	}
	now := m.cfg.Now().UTC().Truncate(time.Second)
	newHash := utils.HashToken(ath)
	err = m.sessions.Rotate(ctx, s.ID, utils.HashToken(claims.AuthorizationToken), newHash, now)
	switch {
	case errors.Is(err, repository.ErrConflict):
		// lost against a concurrent refresh or revoke
		return SessionGrant{}, ErrInvalidToken
	case err != nil:
		return SessionGrant{}, m.storeErr(ctx, "rotate session", err)
	}
	s.TokenHash = &newHash
	s.RefreshedAt = &now

	grant, err := m.grant(s, lic.Value, ath)
	if err != nil {
		return SessionGrant{}, err
	}
	m.publish(ctx, Activity{Type: ActivityRefresh, LicenseValue: lic.Value, SessionID: s.ID, At: now})
	return grant, nil
}

// Resume is called by a client coming back online.  A session seen within
// the resume window is returned as is; an older one is refreshed.
func (m *SessionManager) Resume(ctx context.Context, claims SessionClaims) (res ResumeResult, err error) {
	defer func() { metrics.SessionOps.WithLabelValues("resume", resultLabel(err)).Inc() }()

	s, lic, err := m.current(ctx, claims)
	if err != nil {
		return ResumeResult{}, err
	}
	if m.cfg.Now().Sub(s.LastSeen()) < m.cfg.ResumeWindow {
		return ResumeResult{Session: s}, nil
	}
	grant, err := m.rotate(ctx, s, lic, claims)
	if err != nil {
		return ResumeResult{}, err
	}
	return ResumeResult{Session: grant.Session, Refreshed: true, Grant: &grant}, nil
}

// Logout ends the caller's own session.
func (m *SessionManager) Logout(ctx context.Context, claims SessionClaims) (err error) {
	defer func() { metrics.SessionOps.WithLabelValues("logout", resultLabel(err)).Inc() }()

	s, err := m.sessions.GetByID(ctx, claims.SessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrInvalidToken
	}
	if err != nil {
		return m.storeErr(ctx, "load session", err)
	}
	if !s.Active || s.TokenHash == nil {
		return ErrSessionInactive
	}
	if subtle.ConstantTimeCompare([]byte(utils.HashToken(claims.AuthorizationToken)), []byte(*s.TokenHash)) != 1 {
		return ErrInvalidToken
	}
	if err := m.sessions.Revoke(ctx, s.ID); err != nil {
		return m.storeErr(ctx, "revoke session", err)
	}
	m.publish(ctx, Activity{Type: ActivityLogout, LicenseValue: claims.LicenseValue, SessionID: s.ID, At: m.cfg.Now().UTC()})
	return nil
}

// Revoke ends any session by id.  Used by license-management clients.
// Revoking an already revoked session succeeds.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string) (err error) {
	defer func() { metrics.SessionOps.WithLabelValues("revoke", resultLabel(err)).Inc() }()

	err = m.sessions.Revoke(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return m.storeErr(ctx, "revoke session", err)
	}
	m.publish(ctx, Activity{Type: ActivityRevoke, SessionID: sessionID, At: m.cfg.Now().UTC()})
	return nil
}

// ActiveSessions lists the live sessions of a license.
func (m *SessionManager) ActiveSessions(ctx context.Context, licenseValue string) ([]model.LicenseSession, error) {
	lic, err := m.licenses.GetByValue(ctx, licenseValue)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, m.storeErr(ctx, "load license", err)
	}
	out, err := m.sessions.ListActive(ctx, lic.ID)
	if err != nil {
		return nil, m.storeErr(ctx, "list sessions", err)
	}
	return out, nil
}

func (m *SessionManager) storeErr(ctx context.Context, op string, err error) error {
	m.log.ErrorContext(ctx, op, slog.Any("error", err))
	return unavailable(err)
}

func (m *SessionManager) publish(ctx context.Context, a Activity) {
	if err := m.sink.Publish(ctx, a); err != nil {
		m.log.WarnContext(ctx, "publish activity", slog.String("type", a.Type), slog.Any("error", err))
	}
}
