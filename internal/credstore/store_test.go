package credstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestStoreAbsoluteExpiry(t *testing.T) {
	const ttl = 30 * time.Second
	const eps = time.Millisecond

	t.Run("lazy lookup", func(t *testing.T) {
		clock := newFakeClock()
		s := New[string](WithClock(clock.Now))
		s.Put("k", "v", ttl)

		clock.Advance(ttl - eps)
		v, ok := s.Get("k")
		require.True(t, ok)
		assert.Equal(t, "v", v)

		clock.Advance(2 * eps)
		_, ok = s.Get("k")
		assert.False(t, ok)
	})

	t.Run("after sweep", func(t *testing.T) {
		clock := newFakeClock()
		s := New[string](WithClock(clock.Now))
		s.Put("k", "v", ttl)

		clock.Advance(ttl - eps)
		assert.Equal(t, 0, s.Sweep())
		_, ok := s.Get("k")
		assert.True(t, ok)

		clock.Advance(2 * eps)
		assert.Equal(t, 1, s.Sweep())
		assert.Equal(t, 0, s.Len())
		_, ok = s.Get("k")
		assert.False(t, ok)
	})

	t.Run("absolute entries do not slide", func(t *testing.T) {
		clock := newFakeClock()
		s := New[int](WithClock(clock.Now))
		s.Put("k", 1, ttl)
		clock.Advance(ttl / 2)
		_, ok := s.Get("k")
		require.True(t, ok)
		clock.Advance(ttl/2 + eps)
		_, ok = s.Get("k")
		assert.False(t, ok)
	})
}

func TestStoreSlidingExpiry(t *testing.T) {
	clock := newFakeClock()
	s := New[string](WithClock(clock.Now))
	s.PutSliding("tok", "client-1", 30*time.Minute)

	for i := 0; i < 5; i++ {
		clock.Advance(20 * time.Minute)
		_, ok := s.Get("tok")
		require.True(t, ok, "access %d should extend the deadline", i)
	}

	clock.Advance(30 * time.Minute)
	_, ok := s.Get("tok")
	assert.False(t, ok)
}

func TestStoreTakeIsSingleUse(t *testing.T) {
	s := New[string]()
	s.Put("code", "payload", time.Minute)

	v, ok := s.Take("code")
	require.True(t, ok)
	assert.Equal(t, "payload", v)

	_, ok = s.Take("code")
	assert.False(t, ok)
	_, ok = s.Get("code")
	assert.False(t, ok)
}

func TestStoreTakeExpired(t *testing.T) {
	clock := newFakeClock()
	s := New[string](WithClock(clock.Now))
	s.Put("code", "payload", time.Second)
	clock.Advance(time.Second)

	_, ok := s.Take("code")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestStoreConcurrentTake(t *testing.T) {
	s := New[int]()
	for i := 0; i < 20; i++ {
		s.Put(fmt.Sprintf("code-%d", i), i, time.Minute)
	}

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("code-%d", i)
		var wins int32
		var wg sync.WaitGroup
		for n := 0; n < 32; n++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok := s.Take(key); ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins, "key %s", key)
	}
}

func TestStoreRemove(t *testing.T) {
	s := New[string]()
	s.Put("a", "1", time.Minute)
	s.Remove("a")
	s.Remove("missing")
	_, ok := s.Get("a")
	assert.False(t, ok)
}

func TestStoreRunStopsWithContext(t *testing.T) {
	clock := newFakeClock()
	s := New[string](WithClock(clock.Now))
	s.Put("a", "1", time.Second)
	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	swept := make(chan int, 16)
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond, func(n int) {
			select {
			case swept <- n:
			default:
			}
		})
		close(done)
	}()

	select {
	case n := <-swept:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not run")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.Equal(t, 0, s.Len())
}
