package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/keygate/internal/fingerprint"
	"github.com/iliyamo/keygate/internal/model"
)

func machine(cpu byte) fingerprint.Fingerprint {
	r := func(c byte) string { return strings.Repeat(string(c), fingerprint.FieldLength) }
	return fingerprint.Fingerprint{CPU: r(cpu), BIOS: r('b'), RAM: r('c'), Disk: r('d'), Display: r('e')}
}

func newLicense(t *testing.T, m *Memory, value string, maxSessions int) model.License {
	t.Helper()
	l := model.License{Value: value, MaxSessions: maxSessions, ExpiresAt: 3600}
	require.NoError(t, m.Licenses.Create(context.Background(), &l))
	return l
}

func TestMemoryLicenseUpdateEnforcesUniqueUsername(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := newLicense(t, m, "a", 1)
	b := newLicense(t, m, "b", 1)

	_, err := m.Licenses.Update(ctx, a.ID, func(l *model.License) error {
		l.Username = "Alice"
		return nil
	})
	require.NoError(t, err)

	got, err := m.Licenses.GetByUsername(ctx, " alice ")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = m.Licenses.Update(ctx, b.ID, func(l *model.License) error {
		l.Username = "alice"
		return nil
	})
	assert.ErrorIs(t, err, ErrUsernameTaken)

	assert.ErrorIs(t, m.Licenses.Create(ctx, &model.License{Value: "a"}), ErrConflict)
}

func TestMemoryLicenseUpdateReturnsCallbackError(t *testing.T) {
	m := NewMemory()
	l := newLicense(t, m, "v", 1)
	boom := fmt.Errorf("boom")
	_, err := m.Licenses.Update(context.Background(), l.ID, func(l *model.License) error {
		l.MaxSessions = 99
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err := m.Licenses.GetByID(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MaxSessions, "failed update must not be applied")
}

func TestMemoryHwidAttach(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := newLicense(t, m, "a", 1)
	b := newLicense(t, m, "b", 1)

	h, err := m.Hwids.Attach(ctx, a.ID, machine('a'))
	require.NoError(t, err)
	require.NotNil(t, h.LicenseID)

	_, err = m.Hwids.Attach(ctx, a.ID, machine('z'))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = m.Hwids.Attach(ctx, b.ID, machine('a'))
	assert.ErrorIs(t, err, ErrHwidInUse)

	require.NoError(t, m.Hwids.Detach(ctx, a.ID))
	_, err = m.Hwids.GetByLicense(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Hwids.Attach(ctx, b.ID, machine('a'))
	assert.NoError(t, err, "a detached machine can be bound again")
}

func TestMemorySessionCreateCappedConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	l := newLicense(t, m, "v", 3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &model.LicenseSession{ID: fmt.Sprintf("s-%d", i), LicenseID: l.ID, CreatedAt: time.Now()}
			if err := m.Sessions.CreateCapped(ctx, s, l.MaxSessions); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrMaxSessions)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, created)
	n, err := m.Sessions.CountActive(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMemorySessionRotateAndRevoke(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	l := newLicense(t, m, "v", 0)
	hash := "old"
	s := &model.LicenseSession{ID: "s1", LicenseID: l.ID, TokenHash: &hash, CreatedAt: time.Now()}
	require.NoError(t, m.Sessions.CreateCapped(ctx, s, 0))

	now := time.Now()
	require.NoError(t, m.Sessions.Rotate(ctx, "s1", "old", "new", now))
	assert.ErrorIs(t, m.Sessions.Rotate(ctx, "s1", "old", "newer", now), ErrConflict)

	got, err := m.Sessions.GetByTokenHash(ctx, "new")
	require.NoError(t, err)
	require.NotNil(t, got.RefreshedAt)

	require.NoError(t, m.Sessions.Revoke(ctx, "s1"))
	got, err = m.Sessions.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got.TokenHash)
	assert.False(t, got.Active)
	assert.ErrorIs(t, m.Sessions.Revoke(ctx, "missing"), ErrNotFound)
}
