package model

import "time"

// AuthorizationCode is the payload kept in the credential store under a
// freshly generated code between /authorize and /token.  It is single-use.
type AuthorizationCode struct {
    ClientID            string
    Subject             string
    CodeChallenge       string
    CodeChallengeMethod string
    Scopes              []string
    CreatedAt           time.Time
}

// AccessToken is stored under the token's jti with a sliding expiry.
type AccessToken struct {
    ClientID  string
    Scopes    []string
    CreatedAt time.Time
}

// DeviceLinkCode binds a short human-enterable code to one license so an
// external account can be linked without exposing the license value.
type DeviceLinkCode struct {
    LicenseID    uint64
    LicenseValue string
    ExpiresAt    time.Time
}
