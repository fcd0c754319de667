// service.go -- MFA enrollment state machine over a persisted credential.
//
// uninitialized -> pending (Setup) -> enabled (Enable) -> disabled (Disable).
// A failed verification never changes state.
package mfa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/aegis/internal/apperr"
	"github.com/MGallo-Code/aegis/internal/audit"
	"github.com/MGallo-Code/aegis/internal/metrics"
	"github.com/MGallo-Code/aegis/internal/ratelimit"
	"github.com/MGallo-Code/aegis/internal/store"
	"github.com/gofrs/uuid/v5"
)

// StatusUninitialized is reported for users with no credential row.
const StatusUninitialized store.MFAStatus = "uninitialized"

// attemptProfile is the rate limit profile every token or recovery code check counts against.
const attemptProfile = "auth"

// credentialLockTTL bounds a single read-modify-write of a credential.
const credentialLockTTL = 10 * time.Second

// Store persists MFA credentials.
// Satisfied by *store.PostgresStore and testutil.MockMFAStore.
type Store interface {
	GetMFACredential(ctx context.Context, userID uuid.UUID) (*store.MFACredential, error)
	UpsertMFACredential(ctx context.Context, c *store.MFACredential) error
}

// Auditor records security events.
type Auditor interface {
	Emit(ctx context.Context, e audit.Entry)
}

// Locker serializes credential updates across instances so a recovery code
// cannot be spent twice by concurrent requests. Satisfied by *lock.Manager.
type Locker interface {
	WithLock(ctx context.Context, key, owner string, ttl time.Duration, fn func(context.Context) error) error
}

// RateLimiter bounds guessing of tokens and recovery codes. Satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	Check(ctx context.Context, profile, subject string) (ratelimit.Result, error)
}

// Enrollment is returned by Setup and rendered by the authenticator app.
type Enrollment struct {
	Secret string `json:"secret"`
	URI    string `json:"otpauth_uri"`
}

// StatusInfo summarizes a user's MFA state. Never includes the secret.
type StatusInfo struct {
	Status                 store.MFAStatus `json:"status"`
	RecoveryCodesRemaining int             `json:"recovery_codes_remaining"`
	EnabledAt              *time.Time      `json:"enabled_at,omitempty"`
}

// Service drives enrollment, verification and recovery for persisted credentials.
type Service struct {
	st      Store
	audit   Auditor
	locker  Locker
	limiter RateLimiter
	sealer  *Sealer
	issuer  string
	now     func() time.Time
	logger  *slog.Logger
}

// NewService wires the MFA service. locker, limiter and sealer may be nil.
func NewService(st Store, auditor Auditor, locker Locker, limiter RateLimiter, sealer *Sealer, issuer string) *Service {
	return &Service{
		st:      st,
		audit:   auditor,
		locker:  locker,
		limiter: limiter,
		sealer:  sealer,
		issuer:  issuer,
		now:     time.Now,
		logger:  slog.Default().With("component", "mfa"),
	}
}

// Setup issues a fresh secret and leaves the credential PENDING until Enable confirms it.
// Re-running Setup while pending replaces the unconfirmed secret.
func (s *Service) Setup(ctx context.Context, userID uuid.UUID, email string) (*Enrollment, error) {
	if email == "" {
		return nil, apperr.Validation("email", "required")
	}

	var out *Enrollment
	err := s.withCredentialLock(ctx, userID, func(ctx context.Context) error {
		cred, err := s.load(ctx, userID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		if cred != nil && cred.Status == store.MFAEnabled {
			return fmt.Errorf("%w: mfa already enabled", apperr.ErrConflict)
		}

		secret, err := GenerateSecret()
		if err != nil {
			return err
		}
		uri, err := EnrollmentURI(s.issuer, secret, email)
		if err != nil {
			return err
		}
		sealed, err := s.sealer.Seal(secret)
		if err != nil {
			return fmt.Errorf("sealing secret: %w", err)
		}

		now := s.now().UTC()
		next := &store.MFACredential{
			UserID:    userID,
			Secret:    sealed,
			Status:    store.MFAPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if cred != nil {
			next.CreatedAt = cred.CreatedAt
		}
		if err := s.st.UpsertMFACredential(ctx, next); err != nil {
			return fmt.Errorf("saving pending credential: %w", err)
		}
		out = &Enrollment{Secret: secret, URI: uri}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, userID, "mfa.setup", audit.ResultSuccess, audit.MFADetails{})
	return out, nil
}

// Enable confirms a pending enrollment with a valid token and issues recovery codes.
// secret, when non-empty, must match the pending secret.
func (s *Service) Enable(ctx context.Context, userID uuid.UUID, secret, token string) ([]string, error) {
	if err := s.attempt(ctx, userID); err != nil {
		return nil, err
	}
	var codes []string
	err := s.withCredentialLock(ctx, userID, func(ctx context.Context) error {
		cred, err := s.load(ctx, userID)
		if err != nil {
			return err
		}
		if cred.Status != store.MFAPending {
			return fmt.Errorf("%w: no pending enrollment", apperr.ErrConflict)
		}
		plain, err := s.sealer.Open(cred.Secret)
		if err != nil {
			return err
		}
		if secret != "" && constantTimeEqual(secret, plain) != 1 {
			s.recordFailure(ctx, userID, "mfa.enable", "totp", "secret mismatch")
			return apperr.ErrAuthFailure
		}
		if !VerifyCode(plain, token, s.now()) {
			s.recordFailure(ctx, userID, "mfa.enable", "totp", "invalid token")
			return apperr.ErrAuthFailure
		}
		metrics.RecordMFAVerification("totp", true)

		rc, err := GenerateRecoveryCodes()
		if err != nil {
			return err
		}
		now := s.now().UTC()
		cred.Status = store.MFAEnabled
		cred.RecoveryCodes = rc
		cred.EnabledAt = &now
		cred.UpdatedAt = now
		if err := s.st.UpsertMFACredential(ctx, cred); err != nil {
			return fmt.Errorf("enabling credential: %w", err)
		}
		codes = codeStrings(rc)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, userID, "mfa.enable", audit.ResultSuccess, audit.MFADetails{Method: "totp", Remaining: len(codes)})
	return codes, nil
}

// Verify checks a TOTP token for an enabled user.
func (s *Service) Verify(ctx context.Context, userID uuid.UUID, token string) error {
	if err := s.attempt(ctx, userID); err != nil {
		return err
	}
	cred, err := s.loadEnabled(ctx, userID)
	if err != nil {
		return err
	}
	plain, err := s.sealer.Open(cred.Secret)
	if err != nil {
		return err
	}
	if !VerifyCode(plain, token, s.now()) {
		s.recordFailure(ctx, userID, "mfa.verify", "totp", "invalid token")
		return apperr.ErrAuthFailure
	}
	metrics.RecordMFAVerification("totp", true)
	s.emit(ctx, userID, "mfa.verify", audit.ResultSuccess, audit.MFADetails{Method: "totp"})
	return nil
}

// UseRecoveryCode spends one recovery code and returns how many remain.
func (s *Service) UseRecoveryCode(ctx context.Context, userID uuid.UUID, code string) (int, error) {
	if err := s.attempt(ctx, userID); err != nil {
		return 0, err
	}
	var remaining int
	err := s.withCredentialLock(ctx, userID, func(ctx context.Context) error {
		cred, err := s.loadEnabled(ctx, userID)
		if err != nil {
			return err
		}
		ok, updated := ConsumeRecoveryCode(cred.RecoveryCodes, code, s.now().UTC())
		if !ok {
			s.recordFailure(ctx, userID, "mfa.recovery", "recovery", "invalid or used code")
			return apperr.ErrAuthFailure
		}
		cred.RecoveryCodes = updated
		cred.UpdatedAt = s.now().UTC()
		if err := s.st.UpsertMFACredential(ctx, cred); err != nil {
			return fmt.Errorf("saving recovery codes: %w", err)
		}
		remaining = RemainingRecoveryCodes(updated)
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.RecordMFAVerification("recovery", true)
	severity := audit.SeverityWarning
	s.audit.Emit(ctx, audit.Entry{
		Category: audit.CategoryMFA,
		Action:   "mfa.recovery",
		Actor:    audit.ActorUser,
		UserID:   &userID,
		Severity: severity,
		Result:   audit.ResultSuccess,
		Details:  audit.MFADetails{Method: "recovery", Remaining: remaining},
	})
	return remaining, nil
}

// Disable turns MFA off after re-authenticating with a TOTP token or a recovery code.
// The secret and all recovery codes are discarded.
func (s *Service) Disable(ctx context.Context, userID uuid.UUID, code string) error {
	if err := s.attempt(ctx, userID); err != nil {
		return err
	}
	var method string
	err := s.withCredentialLock(ctx, userID, func(ctx context.Context) error {
		cred, err := s.loadEnabled(ctx, userID)
		if err != nil {
			return err
		}
		method, err = s.reauth(cred, code)
		if err != nil {
			s.recordFailure(ctx, userID, "mfa.disable", method, "re-authentication failed")
			return err
		}

		cred.Status = store.MFADisabled
		cred.Secret = ""
		cred.RecoveryCodes = nil
		cred.EnabledAt = nil
		cred.UpdatedAt = s.now().UTC()
		if err := s.st.UpsertMFACredential(ctx, cred); err != nil {
			return fmt.Errorf("disabling credential: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.emit(ctx, userID, "mfa.disable", audit.ResultSuccess, audit.MFADetails{Method: method})
	return nil
}

// RegenerateRecoveryCodes replaces every recovery code after a valid TOTP token.
// All previously issued codes stop working.
func (s *Service) RegenerateRecoveryCodes(ctx context.Context, userID uuid.UUID, token string) ([]string, error) {
	if err := s.attempt(ctx, userID); err != nil {
		return nil, err
	}
	var codes []string
	err := s.withCredentialLock(ctx, userID, func(ctx context.Context) error {
		cred, err := s.loadEnabled(ctx, userID)
		if err != nil {
			return err
		}
		plain, err := s.sealer.Open(cred.Secret)
		if err != nil {
			return err
		}
		if !VerifyCode(plain, token, s.now()) {
			s.recordFailure(ctx, userID, "mfa.regenerate", "totp", "invalid token")
			return apperr.ErrAuthFailure
		}
		rc, err := GenerateRecoveryCodes()
		if err != nil {
			return err
		}
		cred.RecoveryCodes = rc
		cred.UpdatedAt = s.now().UTC()
		if err := s.st.UpsertMFACredential(ctx, cred); err != nil {
			return fmt.Errorf("saving recovery codes: %w", err)
		}
		codes = codeStrings(rc)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, userID, "mfa.regenerate", audit.ResultSuccess, audit.MFADetails{Method: "totp", Remaining: len(codes)})
	return codes, nil
}

// Status reports a user's enrollment state.
func (s *Service) Status(ctx context.Context, userID uuid.UUID) (*StatusInfo, error) {
	cred, err := s.load(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return &StatusInfo{Status: StatusUninitialized}, nil
	}
	if err != nil {
		return nil, err
	}
	return &StatusInfo{
		Status:                 cred.Status,
		RecoveryCodesRemaining: RemainingRecoveryCodes(cred.RecoveryCodes),
		EnabledAt:              cred.EnabledAt,
	}, nil
}

// reauth accepts either a current TOTP token or an unused recovery code.
// A recovery code used here is not marked used; the credential is discarded anyway.
func (s *Service) reauth(cred *store.MFACredential, code string) (string, error) {
	if _, ok := normalizeCode(code); ok {
		plain, err := s.sealer.Open(cred.Secret)
		if err != nil {
			return "totp", err
		}
		if VerifyCode(plain, code, s.now()) {
			return "totp", nil
		}
		return "totp", apperr.ErrAuthFailure
	}
	if ok, _ := ConsumeRecoveryCode(cred.RecoveryCodes, code, s.now()); ok {
		return "recovery", nil
	}
	return "recovery", apperr.ErrAuthFailure
}

// attempt counts one token or recovery code check for userID, across every
// entry point and instance. Rejections are *apperr.RateLimitError.
func (s *Service) attempt(ctx context.Context, userID uuid.UUID) error {
	if s.limiter == nil {
		return nil
	}
	if _, err := s.limiter.Check(ctx, attemptProfile, "mfa:"+userID.String()); err != nil {
		s.logger.Warn("mfa attempt limited", "user_id", userID, "error", err)
		return err
	}
	return nil
}

func (s *Service) load(ctx context.Context, userID uuid.UUID) (*store.MFACredential, error) {
	cred, err := s.st.GetMFACredential(ctx, userID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: mfa credential", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading mfa credential: %w", err)
	}
	return cred, nil
}

func (s *Service) loadEnabled(ctx context.Context, userID uuid.UUID) (*store.MFACredential, error) {
	cred, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred.Status != store.MFAEnabled {
		return nil, fmt.Errorf("%w: mfa not enabled", apperr.ErrNotFound)
	}
	return cred, nil
}

func (s *Service) withCredentialLock(ctx context.Context, userID uuid.UUID, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	owner, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating lock owner: %w", err)
	}
	return s.locker.WithLock(ctx, "mfa:"+userID.String(), owner.String(), credentialLockTTL, fn)
}

func (s *Service) recordFailure(ctx context.Context, userID uuid.UUID, action, method, reason string) {
	metrics.RecordMFAVerification(method, false)
	s.logger.Debug("mfa check failed", "user_id", userID, "action", action, "reason", reason)
	s.emit(ctx, userID, action, audit.ResultFailure, audit.MFADetails{Method: method, Reason: reason})
}

func (s *Service) emit(ctx context.Context, userID uuid.UUID, action string, result audit.Result, d audit.MFADetails) {
	severity := audit.SeverityInfo
	if result != audit.ResultSuccess {
		severity = audit.SeverityWarning
	}
	s.audit.Emit(ctx, audit.Entry{
		Category: audit.CategoryMFA,
		Action:   action,
		Actor:    audit.ActorUser,
		UserID:   &userID,
		Severity: severity,
		Result:   result,
		Details:  d,
	})
}

func codeStrings(codes []store.RecoveryCode) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = c.Code
	}
	return out
}
