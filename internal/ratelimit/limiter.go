// Package ratelimit implements a fixed-window request counter over the shared keyed store.
//
// Each (scope, subject) pair gets one counter whose expiry is set on the first
// hit of a window. Bursts straddling a window boundary can admit up to twice the
// limit. When the store cannot be reached the limiter fails open.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/MGallo-Code/aegis/internal/apperr"
	"github.com/MGallo-Code/aegis/internal/audit"
	"github.com/MGallo-Code/aegis/internal/metrics"
	"github.com/MGallo-Code/aegis/internal/store"
)

// Result is the outcome of one counted request.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Count     int64     `json:"count"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// Degraded is set when the count came from the process-local fallback
	// or the store failed and the request was let through.
	Degraded bool `json:"degraded,omitempty"`
}

// RetryAfter returns how long until the window resets, at least one second.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}

// Auditor records security events.
type Auditor interface {
	Emit(ctx context.Context, e audit.Entry)
}

// degrader is implemented by *store.FallbackKV.
type degrader interface {
	Degraded() bool
}

// Limiter counts requests per (scope, subject).
type Limiter struct {
	kv       store.KV
	profiles *Profiles
	audit    Auditor
	now      func() time.Time
	logger   *slog.Logger
}

// NewLimiter returns a limiter over kv. Pass a *store.FallbackKV to keep
// counting locally while the durable store is down. auditor may be nil.
func NewLimiter(kv store.KV, profiles *Profiles, auditor Auditor) *Limiter {
	if profiles == nil {
		profiles = NewProfiles(nil)
	}
	return &Limiter{
		kv:       kv,
		profiles: profiles,
		audit:    auditor,
		now:      time.Now,
		logger:   slog.Default().With("component", "ratelimit"),
	}
}

// Profiles returns the named profile set used by Allow.
func (l *Limiter) Profiles() *Profiles {
	return l.profiles
}

// CheckAndIncrement counts one request for (scope, subject) and reports whether it
// fits in max per window. The only error is apperr.ErrValidation for bad arguments;
// store failures allow the request.
func (l *Limiter) CheckAndIncrement(ctx context.Context, scope, subject string, window time.Duration, max int) (Result, error) {
	if scope == "" {
		return Result{}, apperr.Validation("scope", "required")
	}
	if subject == "" {
		return Result{}, apperr.Validation("subject", "required")
	}
	if window <= 0 || max <= 0 {
		return Result{}, apperr.Validation("profile", "window and max must be positive")
	}

	now := l.now()
	count, resetAt, err := l.kv.Incr(ctx, counterKey(scope, subject), window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, failing open", "scope", scope, "error", err)
		metrics.RecordRateLimitFailOpen(scope)
		return Result{
			Allowed:   true,
			Limit:     max,
			Remaining: max,
			ResetAt:   now.Add(window),
			Degraded:  true,
		}, nil
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   count <= int64(max),
		Limit:     max,
		Count:     count,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if d, ok := l.kv.(degrader); ok {
		res.Degraded = d.Degraded()
	}

	metrics.RecordRateLimitCheck(scope, res.Allowed)
	if !res.Allowed {
		l.logger.Debug("rate limit exceeded", "scope", scope, "subject", subject, "count", count, "max", max)
		// Only the first rejection of a window is audited.
		if count == int64(max)+1 {
			l.emit(ctx, scope, subject, res)
		}
	}
	return res, nil
}

// Allow counts a request against the named profile.
func (l *Limiter) Allow(ctx context.Context, profile, subject string) (Result, error) {
	p, ok := l.profiles.Get(profile)
	if !ok {
		return Result{}, apperr.Validation("profile", fmt.Sprintf("unknown rate limit profile %q", profile))
	}
	return l.CheckAndIncrement(ctx, profile, subject, p.Window, p.Max)
}

// Check counts a request against the named profile and converts a rejection
// into a *apperr.RateLimitError.
func (l *Limiter) Check(ctx context.Context, profile, subject string) (Result, error) {
	res, err := l.Allow(ctx, profile, subject)
	if err != nil {
		return res, err
	}
	if !res.Allowed {
		return res, &apperr.RateLimitError{Scope: profile, RetryAfter: res.RetryAfter(l.now())}
	}
	return res, nil
}

func (l *Limiter) emit(ctx context.Context, scope, subject string, res Result) {
	if l.audit == nil {
		return
	}
	l.audit.Emit(ctx, audit.Entry{
		Category: audit.CategoryRateLimit,
		Action:   "rate_limit.exceeded",
		Actor:    audit.ActorSystem,
		Severity: audit.SeverityWarning,
		Result:   audit.ResultDenied,
		Details: audit.RateLimitDetails{
			Scope:    scope,
			Subject:  subject,
			Limit:    res.Limit,
			Count:    res.Count,
			Degraded: res.Degraded,
		},
	})
}

// counterKey length-prefixes scope so a colon in either part cannot make
// two (scope, subject) pairs share a counter.
func counterKey(scope, subject string) string {
	return "rl:" + strconv.Itoa(len(scope)) + ":" + scope + ":" + subject
}
