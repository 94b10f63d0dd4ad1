// Package repository defines the persistence layer for licenses, hardware
// fingerprints, license sessions and OAuth clients, plus the sentinel
// errors shared by every implementation. Services translate these values
// into caller-facing error codes; no repository error text ever reaches a
// response body.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional write lost against existing
// state, e.g. binding a fingerprint to a license that already has one.
var ErrConflict = errors.New("conflict")

// ErrUsernameTaken is returned when activation or an update would give two
// licenses the same username.
var ErrUsernameTaken = errors.New("username already taken")

// ErrMaxSessions is returned by CreateCapped when the license already has
// as many active sessions as it is allowed.
var ErrMaxSessions = errors.New("max sessions reached")

// ErrHwidInUse is returned when a fingerprint's cpu+bios pair is already
// attached to another license.
var ErrHwidInUse = errors.New("hwid bound to another license")

// isDuplicate reports whether err is a MySQL duplicate-key violation (1062).
func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

// isDeadlock reports whether InnoDB aborted the transaction as a deadlock
// victim (1213).  Gap locks taken by FOR UPDATE on empty ranges make this
// possible when two first writes race.
func isDeadlock(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1213
}

// lockConflict maps a deadlock to ErrConflict so callers retry the same
// way they do for a lost insert race.
func lockConflict(err error) error {
	if isDeadlock(err) {
		return ErrConflict
	}
	return err
}
