package token

import (
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSignKey      = mustKey()
	testTransportKey = mustKey()
)

func mustKey() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		panic(err)
	}
	return k
}

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer(Config{Issuer: "keygate", Audience: "keygate-clients"}, testSignKey, &testTransportKey.PublicKey)
	require.NoError(t, err)
	return iss
}

func TestSignAndParse(t *testing.T) {
	iss := newTestIssuer(t)

	signed, err := iss.Sign(Claims{
		Subject: "license-1",
		Private: map[string]any{"sid": "session-1", "iss": "spoofed"},
	}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, signed.ID)

	claims, err := iss.Parse(signed.Token)
	require.NoError(t, err)
	assert.Equal(t, "license-1", claims.Subject)
	assert.Equal(t, signed.ID, claims.ID)
	assert.Equal(t, "session-1", claims.String("sid"))
	assert.NotContains(t, claims.Private, "iss")
	assert.WithinDuration(t, signed.ExpiresAt, claims.ExpiresAt, time.Second)
	assert.False(t, claims.IssuedAt.IsZero())
}

func TestSignRequiresSubject(t *testing.T) {
	_, err := newTestIssuer(t).Sign(Claims{}, time.Minute)
	assert.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	iss := newTestIssuer(t)

	t.Run("expired", func(t *testing.T) {
		past := iss.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
		signed, err := past.Sign(Claims{Subject: "x"}, time.Hour)
		require.NoError(t, err)
		_, err = iss.Parse(signed.Token)
		assert.Error(t, err)
	})

	t.Run("wrong audience", func(t *testing.T) {
		signed, err := iss.Sign(Claims{Subject: "x", Audience: "client-a"}, time.Hour)
		require.NoError(t, err)
		_, err = iss.Parse(signed.Token)
		assert.Error(t, err)
		_, err = iss.Parse(signed.Token, "client-a")
		assert.NoError(t, err)
	})

	t.Run("foreign key", func(t *testing.T) {
		other, err := NewIssuer(Config{Issuer: "keygate", Audience: "keygate-clients"}, testTransportKey, nil)
		require.NoError(t, err)
		signed, err := other.Sign(Claims{Subject: "x"}, time.Hour)
		require.NoError(t, err)
		_, err = iss.Parse(signed.Token)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := iss.Parse("not.a.token")
		assert.Error(t, err)
	})
}

func TestNewIssuerValidation(t *testing.T) {
	_, err := NewIssuer(Config{Issuer: "a", Audience: "b"}, nil, nil)
	assert.Error(t, err)
	_, err = NewIssuer(Config{}, testSignKey, nil)
	assert.Error(t, err)
}

func TestTransportRoundTrip(t *testing.T) {
	iss := newTestIssuer(t)

	inputs := []string{
		"",
		"a",
		strings.Repeat("x", ChunkSize),
		strings.Repeat("y", ChunkSize+1),
		strings.Repeat("héllo wörld ", 90),
	}
	for _, in := range inputs {
		chunks, err := iss.EncryptForTransport(in)
		require.NoError(t, err)
		want := (len(in) + ChunkSize - 1) / ChunkSize
		assert.Len(t, chunks, want)

		out, err := DecryptTransport(testTransportKey, chunks)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestTransportReorderBreaksParse(t *testing.T) {
	iss := newTestIssuer(t)
	signed, err := iss.Sign(Claims{
		Subject: "license-1",
		Private: map[string]any{"sid": "0f2b5f34-9a9e-4a5d-9a83-5d1f3f4fb2a1", "ath": strings.Repeat("k", 64)},
	}, time.Hour)
	require.NoError(t, err)

	chunks, err := iss.EncryptForTransport(signed.Token)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)

	inOrder, err := DecryptTransport(testTransportKey, chunks)
	require.NoError(t, err)
	_, err = iss.Parse(inOrder)
	require.NoError(t, err)

	swapped := append([]string(nil), chunks...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	reordered, err := DecryptTransport(testTransportKey, swapped)
	require.NoError(t, err)
	assert.NotEqual(t, signed.Token, reordered)
	_, err = iss.Parse(reordered)
	assert.Error(t, err)
}

func TestEncryptWithoutRecipient(t *testing.T) {
	iss, err := NewIssuer(Config{Issuer: "a", Audience: "b"}, testSignKey, nil)
	require.NoError(t, err)
	_, err = iss.EncryptForTransport("x")
	assert.ErrorIs(t, err, ErrNoTransportKey)
}

func TestLoadOrGenerateKeys(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "keys", "signing.pem")

	first, err := LoadOrGeneratePrivateKey(privPath)
	require.NoError(t, err)
	info, err := os.Stat(privPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrGeneratePrivateKey(privPath)
	require.NoError(t, err)
	assert.True(t, first.Equal(second), "key must be persisted and reloaded")

	pubPath := filepath.Join(dir, "transport.pub.pem")
	transportPriv := filepath.Join(dir, "transport.pem")
	pub, err := LoadOrGeneratePublicKey(pubPath, transportPriv)
	require.NoError(t, err)
	again, err := LoadOrGeneratePublicKey(pubPath, transportPriv)
	require.NoError(t, err)
	assert.True(t, pub.Equal(again))

	priv, err := LoadOrGeneratePrivateKey(transportPriv)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&priv.PublicKey))
}

func TestLoadCorruptKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err := LoadOrGeneratePrivateKey(path)
	assert.Error(t, err)
}
