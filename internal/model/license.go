package model

import "time"

// License represents a row in the `licenses` table.  A license is
// created unactivated with only its value, session cap and duration
// template; activation attaches the owner's credentials.
//
// Fields:
//  ID                   – internal primary key.
//  Value                – 128-bit random value (32 hex chars) handed to the buyer.
//  Username             – login name, unique once activated.
//  PasswordHash         – bcrypt hash of the password.
//  Email                – contact address.
//  MaxSessions          – concurrent active session cap (0 = unlimited).
//  CreatedAt            – creation timestamp.
//  ExpiresAt            – epoch seconds.  Before activation this holds the
//                         duration template in seconds instead.
//  Activated            – whether Activate has run.
//  Paused               – whether the license clock is stopped.
//  LastPausedAt         – when the current pause began (nil when running).
//  ExternalID           – linked external account (nil when unlinked).
//  PersistenceTokenHash – SHA-256 hex of the "remember me" token (nil when unset).
type License struct {
    ID                   uint64     // licenses.id
    Value                string     // licenses.value
    Username             string     // licenses.username
    PasswordHash         string     // licenses.password_hash
    Email                string     // licenses.email
    MaxSessions          int        // licenses.max_sessions
    CreatedAt            time.Time  // licenses.created_at
    ExpiresAt            int64      // licenses.expires_at
    Activated            bool       // licenses.activated
    Paused               bool       // licenses.paused
    LastPausedAt         *time.Time // licenses.last_paused_at (nullable)
    ExternalID           *string    // licenses.external_id (nullable)
    PersistenceTokenHash *string    // licenses.persistence_token (nullable)
}

// Expired reports whether an activated license has run out at now.
func (l License) Expired(now time.Time) bool {
    return l.Activated && l.ExpiresAt < now.Unix()
}

// Unlimited reports whether the license has no session cap.
func (l License) Unlimited() bool { return l.MaxSessions <= 0 }
