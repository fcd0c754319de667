// memory.go -- Process-local keyed store.
//
// Degraded single-instance fallback for when Redis is unreachable. State is not
// shared across instances and is lost on exit. Expired entries are ignored on
// read and removed by Sweep, which Run calls on a ticker until its ctx is done.
package store

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryKV implements KV with a mutex-guarded map.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryKV returns an empty store using the wall clock.
func NewMemoryKV() *MemoryKV {
	return NewMemoryKVWithClock(time.Now)
}

// NewMemoryKVWithClock returns an empty store reading time from now.
// Tests pass a manual clock to drive expiry.
func NewMemoryKVWithClock(now func() time.Time) *MemoryKV {
	return &MemoryKV{
		entries: make(map[string]memEntry),
		now:     now,
	}
}

// lookupLocked returns the live entry for key. Caller holds m.mu.
func (m *MemoryKV) lookupLocked(key string, now time.Time) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryKV) expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (m *MemoryKV) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(key, m.now())
	if !ok {
		return Entry{}, ErrKeyNotFound
	}
	return Entry{Value: e.value, ExpiresAt: e.expiresAt}, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expiresAt: m.expiry(m.now(), ttl)}
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Incr treats a missing or non-numeric value as zero.
func (m *MemoryKV) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.lookupLocked(key, now)
	var n int64
	if ok {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	if n == 1 || e.expiresAt.IsZero() {
		e.expiresAt = m.expiry(now, ttl)
	}
	e.value = strconv.FormatInt(n, 10)
	m.entries[key] = e
	return n, e.expiresAt, nil
}

func (m *MemoryKV) SetIfAbsentOrEqual(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.lookupLocked(key, now); ok && e.value != value {
		return false, nil
	}
	m.entries[key] = memEntry{value: value, expiresAt: m.expiry(now, ttl)}
	return true, nil
}

func (m *MemoryKV) DeleteIfEqual(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookupLocked(key, m.now())
	if !ok || e.value != value {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

// Ping always succeeds.
func (m *MemoryKV) Ping(context.Context) error { return nil }

// Len returns the number of stored entries, expired or not.
func (m *MemoryKV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep removes expired entries and returns how many were dropped.
func (m *MemoryKV) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is cancelled. Blocks; start it in a goroutine
// owned by the caller so shutdown can stop it.
func (m *MemoryKV) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				slog.Debug("fallback store sweep complete", "component", "store.memory", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
