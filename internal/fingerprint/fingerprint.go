// Package fingerprint compares hardware fingerprints (HWIDs) reported by
// licensed installs.
package fingerprint

import (
	"errors"
	"fmt"
	"strings"
)

// FieldLength is the length of every attribute hash in a fingerprint.
const FieldLength = 64

// ErrMalformed is returned by Validate when an attribute is not a 64-character
// hex string.
var ErrMalformed = errors.New("malformed hwid")

// Fingerprint is the five-attribute hardware identity of a machine.  Each
// field is an opaque hash computed on the client.
type Fingerprint struct {
	CPU     string `json:"cpu"`
	BIOS    string `json:"bios"`
	RAM     string `json:"ram"`
	Disk    string `json:"disk"`
	Display string `json:"display"`
}

// Matches reports whether candidate belongs to the same machine as stored.
// CPU and BIOS must be identical; of RAM, disk and display at most one may
// differ, so a single hardware upgrade does not force a re-bind.
func Matches(stored, candidate Fingerprint) bool {
	if stored.CPU != candidate.CPU || stored.BIOS != candidate.BIOS {
		return false
	}
	diff := 0
	if stored.RAM != candidate.RAM {
		diff++
	}
	if stored.Disk != candidate.Disk {
		diff++
	}
	if stored.Display != candidate.Display {
		diff++
	}
	return diff <= 1
}

// Validate checks that every attribute is exactly FieldLength hex characters.
func Validate(f Fingerprint) error {
	fields := []struct {
		name, value string
	}{
		{"cpu", f.CPU},
		{"bios", f.BIOS},
		{"ram", f.RAM},
		{"disk", f.Disk},
		{"display", f.Display},
	}
	for _, fl := range fields {
		if len(fl.value) != FieldLength || !isHex(fl.value) {
			return fmt.Errorf("%w: %s", ErrMalformed, fl.name)
		}
	}
	return nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Parse reads the compact "cpu:bios:ram:disk:display" form sent by clients
// and validates the result.
func Parse(raw string) (Fingerprint, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 5 {
		return Fingerprint{}, fmt.Errorf("%w: expected 5 attributes, got %d", ErrMalformed, len(parts))
	}
	f := Fingerprint{CPU: parts[0], BIOS: parts[1], RAM: parts[2], Disk: parts[3], Display: parts[4]}
	if err := Validate(f); err != nil {
		return Fingerprint{}, err
	}
	return f, nil
}

// String renders f in the form accepted by Parse.
func (f Fingerprint) String() string {
	return strings.Join([]string{f.CPU, f.BIOS, f.RAM, f.Disk, f.Display}, ":")
}
