// Package lock provides a distributed, non-blocking try-lock over the shared keyed store.
//
// At most one unexpired holder exists per key across every instance. There is no
// queue and no fairness: a caller that loses must poll or reject its operation.
// Store errors fail closed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/aegis/internal/apperr"
	"github.com/MGallo-Code/aegis/internal/audit"
	"github.com/MGallo-Code/aegis/internal/metrics"
	"github.com/MGallo-Code/aegis/internal/store"
	"github.com/gofrs/uuid/v5"
)

// keyPrefix namespaces lock records in the shared store.
const keyPrefix = "lock:"

// releaseTimeout bounds the release call made after fn returns,
// including when the caller's context is already cancelled.
const releaseTimeout = 5 * time.Second

// ErrLocked is returned by WithLock when another owner holds the key.
// It matches apperr.ErrConflict.
var ErrLocked = fmt.Errorf("%w: resource is locked", apperr.ErrConflict)

// Lock is a held lock as seen in the store.
type Lock struct {
	Key       string    `json:"key"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Auditor records security events.
type Auditor interface {
	Emit(ctx context.Context, e audit.Entry)
}

// Manager acquires and releases locks. The KV must be the durable store,
// never a fallback: two instances each holding a local lock is a double acquire.
type Manager struct {
	kv         store.KV
	audit      Auditor
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewManager returns a manager over kv. auditor may be nil.
func NewManager(kv store.KV, auditor Auditor, defaultTTL time.Duration) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	return &Manager{
		kv:         kv,
		audit:      auditor,
		defaultTTL: defaultTTL,
		logger:     slog.Default().With("component", "lock"),
	}
}

// NewOwner returns an owner token unique to this holder and request.
func NewOwner(requestID string) string {
	id, err := uuid.NewV7()
	if err != nil {
		// crypto/rand failure; fall back to a time-based token, still unique per call site.
		return fmt.Sprintf("%s:%d", requestID, time.Now().UnixNano())
	}
	if requestID == "" {
		return id.String()
	}
	return requestID + ":" + id.String()
}

// Acquire takes key for owner until ttl elapses. Re-acquiring a lock the owner
// already holds refreshes its expiry. Returns false when another owner holds it
// or the store cannot be reached.
func (m *Manager) Acquire(ctx context.Context, key, owner string, ttl time.Duration) bool {
	if key == "" || owner == "" {
		m.logger.Warn("lock acquire rejected: empty key or owner", "key", key)
		metrics.RecordLockAcquire("invalid")
		return false
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	ok, err := m.kv.SetIfAbsentOrEqual(ctx, keyPrefix+key, owner, ttl)
	if err != nil {
		m.logger.Error("lock store unavailable, failing closed", "key", key, "error", err)
		metrics.RecordLockAcquire("error")
		m.emit(ctx, "lock.acquire", audit.ResultFailure, audit.SeverityCritical,
			audit.LockDetails{Key: key, Owner: owner, TTLMillis: ttl.Milliseconds()})
		return false
	}
	if !ok {
		m.logger.Debug("lock held by another owner", "key", key)
		metrics.RecordLockAcquire("contended")
		m.emit(ctx, "lock.acquire", audit.ResultDenied, audit.SeverityWarning,
			audit.LockDetails{Key: key, Owner: owner, TTLMillis: ttl.Milliseconds()})
		return false
	}

	metrics.RecordLockAcquire("acquired")
	m.logger.Debug("lock acquired", "key", key, "ttl", ttl)
	return true
}

// Release deletes the lock only if owner holds it. Returns false otherwise,
// including when the lock already expired.
func (m *Manager) Release(ctx context.Context, key, owner string) bool {
	if key == "" || owner == "" {
		metrics.RecordLockRelease("invalid")
		return false
	}
	ok, err := m.kv.DeleteIfEqual(ctx, keyPrefix+key, owner)
	if err != nil {
		// The record will still expire on its TTL.
		m.logger.Error("lock release failed", "key", key, "error", err)
		metrics.RecordLockRelease("error")
		return false
	}
	if !ok {
		m.logger.Warn("lock release by non-holder ignored", "key", key)
		metrics.RecordLockRelease("not_owner")
		return false
	}
	metrics.RecordLockRelease("released")
	return true
}

// Holder returns the current holder of key, or apperr.ErrNotFound when the lock is free.
func (m *Manager) Holder(ctx context.Context, key string) (*Lock, error) {
	if key == "" {
		return nil, apperr.Validation("key", "required")
	}
	e, err := m.kv.Get(ctx, keyPrefix+key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: lock %q", apperr.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrStoreUnavailable, err)
	}
	return &Lock{Key: key, Owner: e.Value, ExpiresAt: e.ExpiresAt}, nil
}

// WithLock runs fn while holding key. It returns ErrLocked without
// calling fn when the lock cannot be taken. fn's context is cancelled when ttl
// elapses, and the lock is released on every exit path, including panics.
func (m *Manager) WithLock(ctx context.Context, key, owner string, ttl time.Duration, fn func(context.Context) error) error {
	if key == "" {
		return apperr.Validation("lock_key", "required")
	}
	if owner == "" {
		return apperr.Validation("lock_owner", "required")
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if !m.Acquire(ctx, key, owner, ttl) {
		return fmt.Errorf("%w: %q", ErrLocked, key)
	}

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		m.Release(rctx, key, owner)
	}()

	fctx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	return fn(fctx)
}

func (m *Manager) emit(ctx context.Context, action string, result audit.Result, severity audit.Severity, d audit.LockDetails) {
	if m.audit == nil {
		return
	}
	m.audit.Emit(ctx, audit.Entry{
		Category: audit.CategoryLock,
		Action:   action,
		Actor:    audit.ActorSystem,
		Severity: severity,
		Result:   result,
		Details:  d,
	})
}
