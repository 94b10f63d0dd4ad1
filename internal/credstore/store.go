// Package credstore holds short-lived credentials (authorization codes,
// access tokens, device-link codes) in memory with per-entry expiry.
//
// Expiry is decided only by the stored deadline and the clock: Get treats an
// expired entry as missing even before the sweeper has removed it, so lazy and
// eager expiry always agree.
package credstore

import (
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
	ttl       time.Duration
	sliding   bool
}

func (e entry[V]) expired(now time.Time) bool { return !now.Before(e.expiresAt) }

// Store is a concurrency-safe TTL map.  Keys are chosen by the producer; the
// store never generates them.
type Store[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	now     func() time.Time
}

// Option configures a Store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates an empty store.
func New[V any](opts ...Option) *Store[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[V]{entries: make(map[string]entry[V]), now: o.now}
}

// Put stores value under key with an absolute expiry of now+ttl, replacing
// any previous entry.
func (s *Store[V]) Put(key string, value V, ttl time.Duration) {
	s.put(key, value, ttl, false)
}

// PutSliding stores value with a sliding expiry: every successful Get pushes
// the deadline to now+ttl.
func (s *Store[V]) PutSliding(key string, value V, ttl time.Duration) {
	s.put(key, value, ttl, true)
}

func (s *Store[V]) put(key string, value V, ttl time.Duration, sliding bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry[V]{value: value, expiresAt: s.now().Add(ttl), ttl: ttl, sliding: sliding}
}

// Get returns the live value for key.  Expired entries are dropped and
// reported as missing.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	e, ok := s.entries[key]
	if !ok {
		return zero, false
	}
	now := s.now()
	if e.expired(now) {
		delete(s.entries, key)
		return zero, false
	}
	if e.sliding {
		e.expiresAt = now.Add(e.ttl)
		s.entries[key] = e
	}
	return e.value, true
}

// Take removes key and returns its value if it was live.  Of any number of
// concurrent Take calls for the same key at most one reports true.
func (s *Store[V]) Take(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	e, ok := s.entries[key]
	if !ok {
		return zero, false
	}
	delete(s.entries, key)
	if e.expired(s.now()) {
		return zero, false
	}
	return e.value, true
}

// Remove deletes key if present.
func (s *Store[V]) Remove(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Len reports the number of stored entries, including expired ones that have
// not been swept yet.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *Store[V]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps the store every interval until ctx is cancelled.  onSweep, when
// non-nil, receives the number of entries removed by each pass.
func (s *Store[V]) Run(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n := s.Sweep()
			if onSweep != nil {
				onSweep(n)
			}
		case <-ctx.Done():
			return
		}
	}
}
