// fallback.go -- Durable store with a process-local fallback.
//
// Serves each call from the durable backend; when that fails with an
// infrastructure error the call is served from the local MemoryKV instead.
// The local path is single-instance only, so entering and leaving degraded
// mode is logged and exported as a metric, never silent.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MGallo-Code/aegis/internal/metrics"
)

// FallbackKV implements KV over a durable and a local backend.
// Only components that tolerate availability-over-consistency (the rate limiter)
// should be given a FallbackKV; the lock manager uses the durable store directly.
type FallbackKV struct {
	durable  KV
	local    *MemoryKV
	logger   *slog.Logger
	degraded atomic.Bool
}

// NewFallbackKV wraps durable with local as the degraded path.
func NewFallbackKV(durable KV, local *MemoryKV) *FallbackKV {
	return &FallbackKV{
		durable: durable,
		local:   local,
		logger:  slog.Default().With("component", "store.fallback"),
	}
}

// Degraded reports whether the last durable call failed.
func (f *FallbackKV) Degraded() bool {
	return f.degraded.Load()
}

// useLocal decides whether err from the durable store should divert to the fallback.
// A miss is a normal answer and a cancelled caller is not evidence of an outage.
func (f *FallbackKV) useLocal(ctx context.Context, op string, err error) bool {
	if err == nil {
		if f.degraded.CompareAndSwap(true, false) {
			f.logger.Info("durable store reachable again, leaving local fallback", "op", op)
			metrics.SetStoreDegraded(false)
		}
		return false
	}
	if errors.Is(err, ErrKeyNotFound) || ctx.Err() != nil {
		return false
	}
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("durable store unreachable, serving from process-local fallback",
			"op", op, "error", err)
		metrics.SetStoreDegraded(true)
	}
	metrics.RecordStoreFallback(op)
	return true
}

func (f *FallbackKV) Get(ctx context.Context, key string) (Entry, error) {
	e, err := f.durable.Get(ctx, key)
	if f.useLocal(ctx, "get", err) {
		return f.local.Get(ctx, key)
	}
	return e, err
}

func (f *FallbackKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := f.durable.Set(ctx, key, value, ttl)
	if f.useLocal(ctx, "set", err) {
		return f.local.Set(ctx, key, value, ttl)
	}
	return err
}

func (f *FallbackKV) Delete(ctx context.Context, key string) error {
	err := f.durable.Delete(ctx, key)
	if f.useLocal(ctx, "delete", err) {
		return f.local.Delete(ctx, key)
	}
	return err
}

func (f *FallbackKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	n, exp, err := f.durable.Incr(ctx, key, ttl)
	if f.useLocal(ctx, "incr", err) {
		return f.local.Incr(ctx, key, ttl)
	}
	return n, exp, err
}

func (f *FallbackKV) SetIfAbsentOrEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := f.durable.SetIfAbsentOrEqual(ctx, key, value, ttl)
	if f.useLocal(ctx, "set_if_absent", err) {
		return f.local.SetIfAbsentOrEqual(ctx, key, value, ttl)
	}
	return ok, err
}

func (f *FallbackKV) DeleteIfEqual(ctx context.Context, key, value string) (bool, error) {
	ok, err := f.durable.DeleteIfEqual(ctx, key, value)
	if f.useLocal(ctx, "delete_if_equal", err) {
		return f.local.DeleteIfEqual(ctx, key, value)
	}
	return ok, err
}

// Ping reports the durable store's health; the fallback itself is always up.
func (f *FallbackKV) Ping(ctx context.Context) error {
	return f.durable.Ping(ctx)
}
