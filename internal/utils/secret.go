package utils // package utils provides helpers for generating and hashing secrets

import (
    "crypto/rand"   // secure random number generation
    "crypto/sha256" // SHA-256 hashing for stored tokens
    "encoding/hex"  // hex encoding and decoding functions
    "math/big"      // uniform index selection for RandomString
)

// Alphabet is the 62-symbol set used for authorization codes and other
// producer-chosen store keys.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// DefaultCodeLength is the length of generated authorization codes.
const DefaultCodeLength = 20

// RandomString returns n characters drawn uniformly from Alphabet using
// crypto/rand.  Codes are never sequential, so guessing one is as hard as
// guessing n*log2(62) random bits.
func RandomString(n int) (string, error) {
    if n <= 0 {
        n = DefaultCodeLength
    }
    max := big.NewInt(int64(len(Alphabet)))
    out := make([]byte, n)
    for i := range out {
        idx, err := rand.Int(rand.Reader, max)
        if err != nil {
            return "", err
        }
        out[i] = Alphabet[idx.Int64()]
    }
    return string(out), nil
}

// RandomHex returns a hex-encoded string generated from n bytes of
// cryptographically secure random data.  16 bytes yield a 128-bit license
// value; 32 bytes are used for session authorization tokens.
func RandomHex(n int) (string, error) {
    // Allocate a slice of n bytes.
    buf := make([]byte, n)
    // Fill the slice with secure random data.
    if _, err := rand.Read(buf); err != nil {
        return "", err
    }
    // Convert the random bytes to a hex string and return.
    return hex.EncodeToString(buf), nil
}

// HashToken returns the SHA-256 hash of a raw token as a hex string.  Session
// authorization tokens and persistence tokens are stored only in this form
// so a leaked table cannot be replayed.
func HashToken(raw string) string {
    // Compute the SHA-256 digest of the raw bytes.
    sum := sha256.Sum256([]byte(raw))
    // Convert the binary digest to a hex string.
    return hex.EncodeToString(sum[:])
}
