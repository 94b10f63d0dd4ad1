package model

import "strings"

// Client represents a registered OAuth client (third-party integration)
// from the `oauth_clients` table.  Clients are managed outside this
// service; the core only reads them.
type Client struct {
    ID          string   // oauth_clients.id
    SecretHash  string   // oauth_clients.secret_hash (bcrypt)
    Scopes      []string // oauth_clients.scopes (space-delimited in storage)
    RedirectURI string   // oauth_clients.redirect_uri (optional)
}

// Allows reports whether scope is among the client's allowed scopes.
func (c Client) Allows(scope string) bool {
    for _, s := range c.Scopes {
        if s == scope {
            return true
        }
    }
    return false
}

// ParseScopes splits a space-delimited scope string, dropping empties and
// duplicates while keeping order.
func ParseScopes(raw string) []string {
    seen := map[string]bool{}
    var out []string
    for _, s := range strings.Fields(raw) {
        if !seen[s] {
            seen[s] = true
            out = append(out, s)
        }
    }
    return out
}
