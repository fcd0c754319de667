// Package guard runs privileged operations through the access-control pipeline.
//
// Order is fixed: rate limit, then the resource lock (when the operation names
// one), then authorization by MFA token and/or API key, then the operation
// itself. An audit event is recorded for every outcome, including panics.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/aegis/internal/apikey"
	"github.com/MGallo-Code/aegis/internal/apperr"
	"github.com/MGallo-Code/aegis/internal/audit"
	"github.com/MGallo-Code/aegis/internal/lock"
	"github.com/MGallo-Code/aegis/internal/metrics"
	"github.com/MGallo-Code/aegis/internal/ratelimit"
	"github.com/gofrs/uuid/v5"
)

// defaultProfile is used when an operation names no rate limit profile.
const defaultProfile = "general"

// RateLimiter counts a request against a named profile.
type RateLimiter interface {
	Check(ctx context.Context, profile, subject string) (ratelimit.Result, error)
}

// Locker runs fn while holding a resource lock.
type Locker interface {
	WithLock(ctx context.Context, key, owner string, ttl time.Duration, fn func(context.Context) error) error
}

// MFAVerifier checks a TOTP token for an enrolled user.
type MFAVerifier interface {
	Verify(ctx context.Context, userID uuid.UUID, token string) error
}

// KeyValidator checks raw API key credentials.
type KeyValidator interface {
	Validate(ctx context.Context, plainKey, plainSecret, callerIP string) (*apikey.Info, error)
}

// Auditor records security events.
type Auditor interface {
	Emit(ctx context.Context, e audit.Entry)
}

// Credentials are raw API key credentials presented with an operation.
type Credentials struct {
	Key    string
	Secret string
}

// Operation describes one privileged call.
type Operation struct {
	// Name is recorded as the audit action, e.g. "funds.withdraw".
	Name     string
	Category audit.Category // default FINANCIAL
	Actor    audit.Actor    // default USER
	UserID   uuid.UUID

	// Profile and Subject select the rate limit counter. Subject defaults to UserID.
	Profile string
	Subject string

	// LockKey names the resource to lock, empty for none.
	LockKey string
	LockTTL time.Duration

	RequestID string
	IP        string
	Resource  string

	// RequireMFA demands a valid MFAToken for UserID.
	RequireMFA bool
	MFAToken   string

	// APIKey is an already validated key; Credentials are validated here when
	// APIKey is nil. RequiredScope is checked against whichever key applies.
	APIKey        *apikey.Info
	Credentials   *Credentials
	RequiredScope string
}

// Guard composes the limiter, locks, MFA and API keys around an operation.
// Any dependency may be nil if no operation needs it.
type Guard struct {
	limiter RateLimiter
	locks   Locker
	mfa     MFAVerifier
	keys    KeyValidator
	audit   Auditor
	now     func() time.Time
	logger  *slog.Logger
}

// New returns a Guard.
func New(limiter RateLimiter, locks Locker, mfa MFAVerifier, keys KeyValidator, auditor Auditor) *Guard {
	return &Guard{
		limiter: limiter,
		locks:   locks,
		mfa:     mfa,
		keys:    keys,
		audit:   auditor,
		now:     time.Now,
		logger:  slog.Default().With("component", "guard"),
	}
}

// stageError tags an error with the pipeline stage that produced it.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// Execute runs fn for op once every check passes. The returned error wraps the
// apperr class of the first check that failed, or fn's own error.
func (g *Guard) Execute(ctx context.Context, op Operation, fn func(context.Context) error) (err error) {
	if op.Name == "" {
		return apperr.Validation("operation", "name required")
	}
	if fn == nil {
		return apperr.Validation("operation", "fn required")
	}
	start := g.now()

	defer func() {
		if p := recover(); p != nil {
			g.record(ctx, op, &stageError{stage: "operation", err: fmt.Errorf("panic: %v", p)}, start)
			panic(p)
		}
		g.record(ctx, op, err, start)
	}()

	if err := g.rateLimit(ctx, op); err != nil {
		return err
	}

	if op.LockKey == "" {
		return g.authorizeAndRun(ctx, op, fn)
	}
	if g.locks == nil {
		return &stageError{stage: "lock", err: fmt.Errorf("%w: no lock manager configured", apperr.ErrStoreUnavailable)}
	}
	// Request IDs come from the client; the owner must be unique per call.
	owner := lock.NewOwner(op.RequestID)
	err = g.locks.WithLock(ctx, op.LockKey, owner, op.LockTTL, func(ctx context.Context) error {
		return g.authorizeAndRun(ctx, op, fn)
	})
	var se *stageError
	if err != nil && !errors.As(err, &se) {
		return &stageError{stage: "lock", err: err}
	}
	return err
}

func (g *Guard) rateLimit(ctx context.Context, op Operation) error {
	if g.limiter == nil {
		return nil
	}
	profile := op.Profile
	if profile == "" {
		profile = defaultProfile
	}
	subject := op.Subject
	if subject == "" {
		subject = op.UserID.String()
	}
	if _, err := g.limiter.Check(ctx, profile, subject); err != nil {
		return &stageError{stage: "rate_limit", err: err}
	}
	return nil
}

func (g *Guard) authorizeAndRun(ctx context.Context, op Operation, fn func(context.Context) error) error {
	if err := g.authorize(ctx, op); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return &stageError{stage: "operation", err: err}
	}
	return nil
}

func (g *Guard) authorize(ctx context.Context, op Operation) error {
	if op.RequireMFA {
		if g.mfa == nil {
			return &stageError{stage: "mfa", err: fmt.Errorf("%w: mfa verifier not configured", apperr.ErrStoreUnavailable)}
		}
		if err := g.mfa.Verify(ctx, op.UserID, op.MFAToken); err != nil {
			return &stageError{stage: "mfa", err: err}
		}
	}

	key := op.APIKey
	if key == nil && op.Credentials != nil {
		if g.keys == nil {
			return &stageError{stage: "api_key", err: fmt.Errorf("%w: key validator not configured", apperr.ErrStoreUnavailable)}
		}
		k, err := g.keys.Validate(ctx, op.Credentials.Key, op.Credentials.Secret, op.IP)
		if err != nil {
			return &stageError{stage: "api_key", err: err}
		}
		key = k
	}
	if key != nil && op.UserID != uuid.Nil && key.UserID != op.UserID {
		return &stageError{stage: "api_key", err: fmt.Errorf("%w: key belongs to another user", apperr.ErrUnauthorized)}
	}
	if op.RequiredScope != "" {
		if key == nil {
			return &stageError{stage: "scope", err: fmt.Errorf("%w: scope %q needs an api key", apperr.ErrAuthFailure, op.RequiredScope)}
		}
		if !apikey.HasPermission(key, op.RequiredScope) {
			return &stageError{stage: "scope", err: fmt.Errorf("%w: missing scope %q", apperr.ErrUnauthorized, op.RequiredScope)}
		}
	}
	return nil
}

// record emits the audit event and metrics for one outcome.
func (g *Guard) record(ctx context.Context, op Operation, err error, start time.Time) {
	result, severity, reason := classify(err)
	metrics.RecordGuardedOperation(op.Name, string(result))

	attrs := []any{"operation", op.Name, "user_id", op.UserID, "result", result}
	switch result {
	case audit.ResultSuccess:
		g.logger.Info("operation completed", attrs...)
	case audit.ResultDenied:
		g.logger.Warn("operation denied", append(attrs, "reason", reason, "error", err)...)
	default:
		g.logger.Error("operation failed", append(attrs, "reason", reason, "error", err)...)
	}

	if g.audit == nil {
		return
	}
	category := op.Category
	if category == "" {
		category = audit.CategoryFinancial
	}
	actor := op.Actor
	if actor == "" {
		actor = audit.ActorUser
	}
	var uid *uuid.UUID
	if op.UserID != uuid.Nil {
		u := op.UserID
		uid = &u
	}
	g.audit.Emit(ctx, audit.Entry{
		Category: category,
		Action:   op.Name,
		Actor:    actor,
		UserID:   uid,
		Severity: severity,
		Result:   result,
		Details: audit.OperationDetails{
			Operation:     op.Name,
			Resource:      op.Resource,
			IP:            op.IP,
			Reason:        reason,
			ElapsedMillis: g.now().Sub(start).Milliseconds(),
		},
	})
}

// classify maps an Execute error to its audit result. Rejections by a check
// are DENIED; store outages and operation errors are FAILURE.
func classify(err error) (audit.Result, audit.Severity, string) {
	if err == nil {
		return audit.ResultSuccess, audit.SeverityInfo, ""
	}
	stage := "operation"
	var se *stageError
	if errors.As(err, &se) {
		stage = se.stage
	}
	if stage == "operation" {
		return audit.ResultFailure, audit.SeverityCritical, stage
	}
	switch {
	case errors.Is(err, apperr.ErrStoreUnavailable):
		return audit.ResultFailure, audit.SeverityCritical, stage
	case errors.Is(err, apperr.ErrValidation):
		return audit.ResultFailure, audit.SeverityWarning, stage
	}
	return audit.ResultDenied, audit.SeverityWarning, stage
}
