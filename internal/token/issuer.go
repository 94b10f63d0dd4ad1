// Package token signs bearer tokens and prepares them for delivery over
// channels with a per-field size ceiling.
package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Config fixes the issuer and audience stamped on every token.
type Config struct {
	Issuer   string
	Audience string
}

// Claims is the caller's view of a token's contents.  Private holds every
// claim that is not a registered one.
type Claims struct {
	ID        string
	Subject   string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Private   map[string]any
}

// String returns the private claim key as a string, or "" when absent.
func (c Claims) String(key string) string {
	v, _ := c.Private[key].(string)
	return v
}

// Signed is a freshly minted token.
type Signed struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// Issuer mints and verifies RS256 tokens and encrypts them for transport.
// Key material is set once at construction and never mutated.
type Issuer struct {
	cfg       Config
	signKey   *rsa.PrivateKey
	recipient *rsa.PublicKey
	now       func() time.Time
}

var registered = map[string]bool{"iss": true, "aud": true, "sub": true, "iat": true, "exp": true, "jti": true, "nbf": true}

// NewIssuer validates the key material.  recipient may be nil when transport
// encryption is not needed.
func NewIssuer(cfg Config, signKey *rsa.PrivateKey, recipient *rsa.PublicKey) (*Issuer, error) {
	if signKey == nil {
		return nil, errors.New("signing key is required")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}
	if recipient != nil && recipient.Size() < ChunkSize+11 {
		return nil, fmt.Errorf("transport key too small: %d bytes, need at least %d", recipient.Size(), ChunkSize+11)
	}
	return &Issuer{cfg: cfg, signKey: signKey, recipient: recipient, now: time.Now}, nil
}

// WithClock returns a copy of the issuer that reads time from now.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	cp := *i
	cp.now = now
	return &cp
}

// PublicKey returns the verification key.
func (i *Issuer) PublicKey() *rsa.PublicKey { return &i.signKey.PublicKey }

// Sign builds a token for c valid for ttl.  Issuer, audience, subject,
// issued-at, expiry and a random jti are always present; c.Audience overrides
// the configured audience when set.
func (i *Issuer) Sign(c Claims, ttl time.Duration) (Signed, error) {
	if c.Subject == "" {
		return Signed{}, errors.New("subject is required")
	}
	now := i.now().UTC()
	exp := now.Add(ttl)
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	aud := c.Audience
	if aud == "" {
		aud = i.cfg.Audience
	}

	mc := jwt.MapClaims{}
	for k, v := range c.Private {
		if !registered[k] {
			mc[k] = v
		}
	}
	mc["iss"] = i.cfg.Issuer
	mc["aud"] = aud
	mc["sub"] = c.Subject
	mc["iat"] = now.Unix()
	mc["exp"] = exp.Unix()
	mc["jti"] = id

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	signed, err := tok.SignedString(i.signKey)
	if err != nil {
		return Signed{}, err
	}
	return Signed{Token: signed, ID: id, ExpiresAt: time.Unix(exp.Unix(), 0).UTC()}, nil
}

// Parse verifies signature, issuer, expiry and audience (the configured one
// unless audience is given) and returns the claims.
func (i *Issuer) Parse(raw string, audience ...string) (Claims, error) {
	aud := i.cfg.Audience
	if len(audience) > 0 && audience[0] != "" {
		aud = audience[0]
	}
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return &i.signKey.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithAudience(aud),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return Claims{}, err
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token claims")
	}

	out := Claims{Audience: aud, Private: map[string]any{}}
	out.Subject, _ = mc.GetSubject()
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time.UTC()
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time.UTC()
	}
	out.ID, _ = mc["jti"].(string)
	for k, v := range mc {
		if !registered[k] {
			out.Private[k] = v
		}
	}
	return out, nil
}
