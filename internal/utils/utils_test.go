package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomString(t *testing.T) {
	s, err := RandomString(0)
	require.NoError(t, err)
	assert.Len(t, s, DefaultCodeLength)
	for _, r := range s {
		assert.True(t, strings.ContainsRune(Alphabet, r), "unexpected rune %q", r)
	}

	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		code, err := RandomString(8)
		require.NoError(t, err)
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

func TestRandomHex(t *testing.T) {
	v, err := RandomHex(16)
	require.NoError(t, err)
	assert.Len(t, v, 32)
}

func TestHashToken(t *testing.T) {
	h := HashToken("secret")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashToken("secret"))
	assert.NotEqual(t, h, HashToken("secret2"))
}

func TestVerifyPKCE(t *testing.T) {
	// RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.Equal(t, challenge, S256Challenge(verifier))
	assert.True(t, VerifyPKCE(challenge, verifier))
	assert.False(t, VerifyPKCE(challenge, verifier+"x"))
	assert.False(t, VerifyPKCE(challenge, ""))
	assert.False(t, VerifyPKCE("", verifier))
	assert.False(t, VerifyPKCE(S256Challenge("short"), "short"))
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("hunter22", 4)
	require.NoError(t, err)
	assert.True(t, VerifyPassword(hash, "hunter22"))
	assert.False(t, VerifyPassword(hash, "hunter23"))
	assert.False(t, VerifyPassword("not-a-hash", "hunter22"))
}
