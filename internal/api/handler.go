// handler.go -- HTTP handlers for the /v1 access-control surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MGallo-Code/aegis/internal/apikey"
	"github.com/MGallo-Code/aegis/internal/audit"
	"github.com/MGallo-Code/aegis/internal/guard"
	"github.com/MGallo-Code/aegis/internal/lock"
	"github.com/MGallo-Code/aegis/internal/mfa"
	"github.com/MGallo-Code/aegis/internal/store"
	"github.com/gofrs/uuid/v5"
)

// MFAService drives enrollment and verification.
// Satisfied by *mfa.Service -- defined here (at consumer) per Go convention.
type MFAService interface {
	Setup(ctx context.Context, userID uuid.UUID, email string) (*mfa.Enrollment, error)
	Enable(ctx context.Context, userID uuid.UUID, secret, token string) ([]string, error)
	Verify(ctx context.Context, userID uuid.UUID, token string) error
	UseRecoveryCode(ctx context.Context, userID uuid.UUID, code string) (int, error)
	Disable(ctx context.Context, userID uuid.UUID, code string) error
	RegenerateRecoveryCodes(ctx context.Context, userID uuid.UUID, token string) ([]string, error)
	Status(ctx context.Context, userID uuid.UUID) (*mfa.StatusInfo, error)
}

// KeyManager issues and validates API keys.
// Satisfied by *apikey.Manager.
type KeyManager interface {
	CreateFor(ctx context.Context, parent *apikey.Info, p apikey.CreateParams) (*apikey.Created, error)
	Validate(ctx context.Context, plainKey, plainSecret, callerIP string) (*apikey.Info, error)
	Rotate(ctx context.Context, keyID, ownerUserID uuid.UUID) (string, error)
	Revoke(ctx context.Context, keyID, ownerUserID uuid.UUID) error
	Delete(ctx context.Context, keyID, ownerUserID uuid.UUID) error
	List(ctx context.Context, userID uuid.UUID) ([]apikey.Info, error)
}

// AuditLog queries and verifies the audit trail.
// Satisfied by *audit.Log.
type AuditLog interface {
	Search(ctx context.Context, f audit.Filter) (*audit.Page, error)
	VerifyIntegrity(ctx context.Context) (*audit.Report, error)
}

// LockInspector reports current lock holders.
// Satisfied by *lock.Manager.
type LockInspector interface {
	Holder(ctx context.Context, key string) (*lock.Lock, error)
}

// Executor runs privileged operations through rate limit, lock, authorization and audit.
// Satisfied by *guard.Guard.
type Executor interface {
	Execute(ctx context.Context, op guard.Operation, fn func(context.Context) error) error
}

// HealthChecker pings a dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Pinger pings the shared keyed store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Degrader reports whether the shared store is running on its local fallback.
type Degrader interface {
	Degraded() bool
}

// Handler holds dependencies for all /v1 handlers and middleware.
type Handler struct {
	MFA   MFAService
	Keys  KeyManager
	Audit AuditLog
	Locks LockInspector
	Guard Executor

	DB       HealthChecker
	KV       Pinger
	Fallback Degrader

	// MaxBodyBytes caps JSON request bodies; zero means 1 MiB.
	MaxBodyBytes int64
}

// decodeJSON reads a size-capped JSON body into v, writing a 400 on failure.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logWarn(r, "request body too large", "limit", limit)
			BadRequest(w, r, "request body too large")
			return false
		}
		logWarn(r, "failed to decode request body", "error", err)
		BadRequest(w, r, "error decoding request body")
		return false
	}
	return true
}

// caller returns the authenticated key and its owner, writing a 401 if absent.
func caller(w http.ResponseWriter, r *http.Request) (*apikey.Info, bool) {
	k, ok := APIKeyFromContext(r.Context())
	if !ok {
		Unauthorized(w, r, "unauthorized")
		return nil, false
	}
	return k, true
}

// --- MFA ---

// SetupMFA handles POST /v1/mfa/setup -- issues a pending secret and otpauth URI.
func (h *Handler) SetupMFA(w http.ResponseWriter, r *http.Request) {
	k, ok := caller(w, r)
	if !ok {
		return
	}
	var in struct {
		Account string `json:"account"`
	}
	if !h.decodeJSON(w, r, &in) {
		return
	}
	enr, err := h.MFA.Setup(r.Context(), k.UserID, in.Account)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	logInfo(r, "mfa setup started", "user_id", k.UserID)
	WriteJSON(w, http.StatusOK, enr)
}

// EnableMFA handles POST /v1/mfa/enable -- confirms enrollment and returns recovery codes once.
func (h *Handler) EnableMFA(w http.ResponseWriter, r *http.Request) {
	k, ok := caller(w, r)
	if !ok {
		return
	}
	var in struct {
		Secret string `json:"secret"`
		Token  string `json:"token"`
	}
	if !h.decodeJSON(w, r, &in) {
		return
	}
	codes, err := h.MFA.Enable(r.Context(), k.UserID, in.Secret, in.Token)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	logInfo(r, "mfa enabled", "user_id", k.UserID)
	WriteJSON(w, http.StatusOK, struct {
		RecoveryCodes []string `json:"recovery_codes"`
	}{codes})
}

// VerifyMFA handles POST /v1/mfa/verify.
func (h *Handler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	k, ok := caller(w, r)
	if !ok {
		return
	}
	var in struct {
		Token string `json:"token"`
	}
	if !h.decodeJSON(w, r, &in) {
		return
	}
	if err := h.MFA.Verify(r.Context(), k.UserID, in.Token); err != nil {
		WriteError(w, r, err)
		return
	}
	OK(w, "verified")
}

// UseRecoveryCode handles POST /v1/mfa/recovery -- spends one recovery code.
func (h *Handler) UseRecoveryCode(w http.ResponseWriter, r *http.Request) {
	k, ok := caller(w, r)
	if !ok {
		return
	}
	var in struct {
		Code string `json:"code"`
	}
	if !h.decodeJSON(w, r, &in) {
		return
	}
	remaining, err := h.MFA.UseRecoveryCode(r.Context(), k.UserID, in.Code)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, struct {
		Remaining int `json:"recovery_codes_remaining"`
	}{remaining})
}

// RegenerateRecoveryCodes handles POST /v1/mfa/recovery-codes.
func (h *Handler) RegenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	k, ok := caller(w, r)
	if !ok {
		return
	}
	var in struct {
		Token string `json:"token"`
	}
	if !h.decodeJSON(w, r, &in) {
		return
	}
	codes, err := h.MFA.RegenerateRecoveryCodes(r.Context(), k.UserID, in.Token)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, struct {
		RecoveryCodes []string `json:"recovery_codes"`
	}{codes})
}

// DisableMFA handles POST /v1/mfa/disable -- requires a TOTP token or recovery code.
func (h *Handler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	k, ok := caller(w, r)
	if !ok {
		return
	}
	var in struct {
		Code string `json:"code"`
	}
	if !h.decodeJSON(w, r, &in) {
		return
	}
	if err := h.MFA.Disable(r.Context(), k.UserID, in.Code); err != nil {
		WriteError(w, r, err)
		return
	}
	logInfo(r, "mfa disabled", "user_id", k.UserID)
	OK(w, "mfa disabled")
}

// MFAStatus handles GET /v1/mfa/status.
func (h *Handler) MFAStatus(w http.ResponseWriter, r *http.Request) {
	k, ok := caller(w, r)
	if !ok {
		return
	}
	st, err := h.MFA.Status(r.Context(), k.UserID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

// stepUp reports whether userID must present an MFA token for privileged calls.
func (h *Handler) stepUp(ctx context.Context, userID uuid.UUID) (bool, error) {
	st, err := h.MFA.Status(ctx, userID)
	if err != nil {
		return false, err
	}
	return st.Status == store.MFAEnabled, nil
}
