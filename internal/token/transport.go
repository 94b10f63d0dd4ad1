package token

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
)

// ChunkSize is the plaintext size of each transport chunk.  It keeps every
// ciphertext inside one response field of the delivery channel.
const ChunkSize = 215

// ErrNoTransportKey is returned when the issuer was built without a
// recipient key.
var ErrNoTransportKey = errors.New("transport key not configured")

// EncryptForTransport splits the token into ChunkSize-byte pieces and
// encrypts each one independently with RSA PKCS#1 v1.5 under the recipient
// key.  The receiver must decrypt and concatenate the chunks in the returned
// order.
func (i *Issuer) EncryptForTransport(tok string) ([]string, error) {
	if i.recipient == nil {
		return nil, ErrNoTransportKey
	}
	return EncryptChunks(i.recipient, []byte(tok))
}

// EncryptChunks is the keyed primitive behind EncryptForTransport.
func EncryptChunks(pub *rsa.PublicKey, plain []byte) ([]string, error) {
	chunks := make([]string, 0, len(plain)/ChunkSize+1)
	for start := 0; start < len(plain); start += ChunkSize {
		end := start + ChunkSize
		if end > len(plain) {
			end = len(plain)
		}
		ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plain[start:end])
		if err != nil {
			return nil, fmt.Errorf("encrypt chunk %d: %w", len(chunks), err)
		}
		chunks = append(chunks, base64.StdEncoding.EncodeToString(ct))
	}
	return chunks, nil
}

// DecryptTransport reverses EncryptChunks on the receiving side.
func DecryptTransport(priv *rsa.PrivateKey, chunks []string) (string, error) {
	out := make([]byte, 0, len(chunks)*ChunkSize)
	for n, c := range chunks {
		ct, err := base64.StdEncoding.DecodeString(c)
		if err != nil {
			return "", fmt.Errorf("decode chunk %d: %w", n, err)
		}
		pt, err := rsa.DecryptPKCS1v15(nil, priv, ct)
		if err != nil {
			return "", fmt.Errorf("decrypt chunk %d: %w", n, err)
		}
		out = append(out, pt...)
	}
	return string(out), nil
}
