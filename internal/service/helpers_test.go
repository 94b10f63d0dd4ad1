package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/keygate/internal/credstore"
	"github.com/iliyamo/keygate/internal/fingerprint"
	"github.com/iliyamo/keygate/internal/model"
	"github.com/iliyamo/keygate/internal/repository"
	"github.com/iliyamo/keygate/internal/token"
	"github.com/iliyamo/keygate/internal/utils"
)

const (
	testClientID     = "integration"
	testClientSecret = "s3cret-value"
	testPassword     = "correct horse"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, token.KeyBits)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []Activity
}

func (s *recordingSink) Publish(_ context.Context, a Activity) error {
	s.mu.Lock()
	s.events = append(s.events, a)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type env struct {
	clock     *fakeClock
	repo      *repository.Memory
	sink      *recordingSink
	issuer    *token.Issuer
	codes     *credstore.Store[model.AuthorizationCode]
	tokens    *credstore.Store[model.AccessToken]
	links     *credstore.Store[model.DeviceLinkCode]
	oauth     *OAuthService
	sessions  *SessionManager
	lifecycle *LifecycleService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	key := signingKey(t)
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	issuer, err := token.NewIssuer(token.Config{Issuer: "keygate-test", Audience: "keygate"}, key, &key.PublicKey)
	require.NoError(t, err)

	e := &env{
		clock:  clock,
		repo:   repository.NewMemory(),
		sink:   &recordingSink{},
		issuer: issuer,
		codes:  credstore.New[model.AuthorizationCode](credstore.WithClock(clock.Now)),
		tokens: credstore.New[model.AccessToken](credstore.WithClock(clock.Now)),
		links:  credstore.New[model.DeviceLinkCode](credstore.WithClock(clock.Now)),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e.oauth = NewOAuthService(OAuthConfig{Now: clock.Now}, e.repo.Clients, e.codes, e.tokens, issuer, e.sink, logger)
	e.sessions = NewSessionManager(SessionConfig{Now: clock.Now}, e.repo.Licenses, e.repo.Hwids, e.repo.Sessions, issuer, e.sink, logger)
	e.lifecycle = NewLifecycleService(LifecycleConfig{BcryptCost: 4, Now: clock.Now}, e.repo.Licenses, e.repo.Hwids, e.links, e.sink, logger)

	secret, err := utils.HashPassword(testClientSecret, 4)
	require.NoError(t, err)
	e.repo.Clients.Put(model.Client{
		ID:         testClientID,
		SecretHash: secret,
		Scopes:     []string{ScopeOpenID, ScopeLicensesRead, ScopeLicensesWrite},
	})
	return e
}

// activated creates and activates one license owned by username.
func (e *env) activated(t *testing.T, username string, maxSessions int, duration time.Duration) model.License {
	t.Helper()
	ctx := context.Background()
	created, err := e.lifecycle.Create(ctx, CreateLicenseRequest{Count: 1, Duration: duration, MaxSessions: maxSessions})
	require.NoError(t, err)
	l, err := e.lifecycle.Activate(ctx, ActivateRequest{
		Value:    created[0].Value,
		Username: username,
		Password: testPassword,
		Email:    username + "@example.com",
	})
	require.NoError(t, err)
	return l
}

func (e *env) login(t *testing.T, username string, hwid *fingerprint.Fingerprint) (SessionGrant, SessionClaims) {
	t.Helper()
	g, err := e.sessions.Login(context.Background(), LoginRequest{Username: username, Password: testPassword, HWID: hwid, IP: "203.0.113.7"})
	require.NoError(t, err)
	c, err := e.sessions.Authenticate(g.Token)
	require.NoError(t, err)
	return g, c
}

// machine returns a valid fingerprint whose fields are derived from seed.
func machine(seed byte) fingerprint.Fingerprint {
	f := func(tag byte) string {
		b := make([]byte, fingerprint.FieldLength)
		for i := range b {
			b[i] = "0123456789abcdef"[(int(seed)*7+int(tag)+i)%16]
		}
		return string(b)
	}
	return fingerprint.Fingerprint{CPU: f(1), BIOS: f(2), RAM: f(3), Disk: f(4), Display: f(5)}
}
