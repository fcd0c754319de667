// Package apikey issues, validates and manages scoped API keys.
//
// A key is ak_live_<64 hex>; its first 12 hex characters form the non-secret
// lookup prefix. Each key is paired with a 64-byte base64url secret. Only
// one-way hashes of both are stored; plaintexts are returned exactly once.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/MGallo-Code/aegis/internal/apperr"
	"github.com/MGallo-Code/aegis/internal/audit"
	"github.com/MGallo-Code/aegis/internal/metrics"
	"github.com/MGallo-Code/aegis/internal/ratelimit"
	"github.com/MGallo-Code/aegis/internal/store"
	"github.com/gofrs/uuid/v5"
)

const (
	// MaxKeysPerUser caps active keys per owner.
	MaxKeysPerUser = 10
	// KeyLiteral starts every key so operators can recognize one in logs or configs.
	KeyLiteral = "ak_live_"
	// AllAccessScope grants every permission.
	AllAccessScope = "*"
	// AdminScope reads across users and runs maintenance operations.
	AdminScope = "admin"
	// DefaultRateLimitPerMinute applies when a key is created without one.
	DefaultRateLimitPerMinute = 60

	keyBodyBytes          = 32
	secretBytes           = 64
	prefixHexLen          = 12
	maxRateLimitPerMinute = 10_000
	maxExpiryDays         = 3650
	maxNameLen            = 100
	rateLimitScope        = "apikey"
)

var scopePattern = regexp.MustCompile(`^(\*|[a-z][a-z0-9_.-]*(:[a-z0-9_.*-]+)*)$`)

// Store persists API keys. Satisfied by *store.PostgresStore and testutil.MockAPIKeyStore.
type Store interface {
	// InsertAPIKey fails with store.ErrQuotaExceeded when the owner already holds maxPerUser active keys.
	InsertAPIKey(ctx context.Context, k *store.APIKey, maxPerUser int) error
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]store.APIKey, error)
	GetAPIKeyByID(ctx context.Context, id uuid.UUID) (*store.APIKey, error)
	ListAPIKeysByUser(ctx context.Context, userID uuid.UUID) ([]store.APIKey, error)
	UpdateAPIKeySecretHash(ctx context.Context, id uuid.UUID, secretHash string) error
	DeactivateAPIKey(ctx context.Context, id uuid.UUID) error
	DeleteAPIKey(ctx context.Context, id uuid.UUID) error
	RecordAPIKeyUsage(ctx context.Context, id uuid.UUID, at time.Time, ip string) error
}

// Limiter enforces each key's per-minute budget. Satisfied by *ratelimit.Limiter.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, scope, subject string, window time.Duration, max int) (ratelimit.Result, error)
}

// Auditor records security events.
type Auditor interface {
	Emit(ctx context.Context, e audit.Entry)
}

// CreateParams describes a new key.
type CreateParams struct {
	Name               string   `json:"name"`
	Permissions        []string `json:"permissions"`
	IPWhitelist        []string `json:"ip_whitelist,omitempty"`
	ExpiryDays         int      `json:"expiry_days,omitempty"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute,omitempty"`
}

// Info is a stored key without its hashes.
type Info struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             uuid.UUID  `json:"user_id"`
	Name               string     `json:"name"`
	Prefix             string     `json:"prefix"`
	Permissions        []string   `json:"permissions"`
	IPWhitelist        []string   `json:"ip_whitelist"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	IsActive           bool       `json:"is_active"`
	UsageCount         int64      `json:"usage_count"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	LastUsedIP         *string    `json:"last_used_ip,omitempty"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Created is returned once by Create. Key and Secret are never retrievable again.
type Created struct {
	Info   Info   `json:"key_info"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Manager owns the key lifecycle.
type Manager struct {
	st        Store
	hasher    Hasher
	limiter   Limiter
	audit     Auditor
	dummyHash string
	now       func() time.Time
	logger    *slog.Logger
}

// NewManager wires a manager. limiter and auditor may be nil.
func NewManager(st Store, hasher Hasher, limiter Limiter, auditor Auditor) (*Manager, error) {
	dummy, err := hasher.Hash("aegis-dummy-key-material")
	if err != nil {
		return nil, fmt.Errorf("preparing dummy hash: %w", err)
	}
	return &Manager{
		st:        st,
		hasher:    hasher,
		limiter:   limiter,
		audit:     auditor,
		dummyHash: dummy,
		now:       time.Now,
		logger:    slog.Default().With("component", "apikey"),
	}, nil
}

// Create issues a key for userID. Fails with apperr.ErrLimitExceeded when the user
// already holds MaxKeysPerUser active keys, and apperr.ErrValidation on bad params.
func (m *Manager) Create(ctx context.Context, userID uuid.UUID, p CreateParams) (*Created, error) {
	whitelist, err := validateParams(&p)
	if err != nil {
		return nil, err
	}

	body := make([]byte, keyBodyBytes)
	if _, err := rand.Read(body); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	bodyHex := hex.EncodeToString(body)
	plainKey := KeyLiteral + bodyHex
	plainSecret, err := newSecret()
	if err != nil {
		return nil, err
	}

	keyHash, err := m.hasher.Hash(plainKey)
	if err != nil {
		return nil, fmt.Errorf("hashing key: %w", err)
	}
	secretHash, err := m.hasher.Hash(plainSecret)
	if err != nil {
		return nil, fmt.Errorf("hashing secret: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating key id: %w", err)
	}

	now := m.now().UTC()
	rec := &store.APIKey{
		ID:                 id,
		UserID:             userID,
		Name:               strings.TrimSpace(p.Name),
		Prefix:             KeyLiteral + bodyHex[:prefixHexLen],
		KeyHash:            keyHash,
		SecretHash:         secretHash,
		Permissions:        dedupe(p.Permissions),
		IPWhitelist:        whitelist,
		IsActive:           true,
		RateLimitPerMinute: p.RateLimitPerMinute,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if p.ExpiryDays > 0 {
		exp := now.Add(time.Duration(p.ExpiryDays) * 24 * time.Hour)
		rec.ExpiresAt = &exp
	}

	if err := m.st.InsertAPIKey(ctx, rec, MaxKeysPerUser); err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			m.emit(ctx, &userID, "api_key.create", audit.ResultDenied, audit.APIKeyDetails{Name: rec.Name, Reason: "key limit reached"})
			return nil, fmt.Errorf("%w: at most %d active keys per user", apperr.ErrLimitExceeded, MaxKeysPerUser)
		}
		return nil, fmt.Errorf("saving api key: %w", err)
	}

	m.logger.Info("api key created", "key_id", id, "user_id", userID, "prefix", rec.Prefix)
	m.emit(ctx, &userID, "api_key.create", audit.ResultSuccess, audit.APIKeyDetails{
		KeyID: id.String(), Prefix: rec.Prefix, Name: rec.Name, Permissions: rec.Permissions,
	})
	return &Created{Info: toInfo(rec), Key: plainKey, Secret: plainSecret}, nil
}

// CreateFor issues a key on behalf of an authenticated parent key, for the
// parent's owner. The new key may only carry scopes the parent holds; anything
// wider fails with apperr.ErrUnauthorized and is audited as DENIED.
func (m *Manager) CreateFor(ctx context.Context, parent *Info, p CreateParams) (*Created, error) {
	if parent == nil {
		return nil, fmt.Errorf("%w: no parent key", apperr.ErrAuthFailure)
	}
	if _, err := validateParams(&p); err != nil {
		return nil, err
	}
	if err := CanGrant(parent, p.Permissions); err != nil {
		userID := parent.UserID
		m.logger.Warn("api key scope escalation refused", "parent_key_id", parent.ID, "user_id", userID, "requested", p.Permissions)
		m.emit(ctx, &userID, "api_key.create", audit.ResultDenied, audit.APIKeyDetails{
			KeyID: parent.ID.String(), Name: strings.TrimSpace(p.Name), Permissions: p.Permissions, Reason: "scope not held by parent key",
		})
		return nil, err
	}
	return m.Create(ctx, parent.UserID, p)
}

// Validate authenticates a key/secret pair from callerIP. Every rejection except
// rate limiting returns the same apperr.ErrAuthFailure; the reason goes to the audit log.
func (m *Manager) Validate(ctx context.Context, plainKey, plainSecret, callerIP string) (*Info, error) {
	prefix, ok := parsePrefix(plainKey)
	if !ok || plainSecret == "" {
		return nil, m.reject(ctx, nil, prefix, callerIP, "malformed credentials")
	}

	candidates, err := m.st.GetAPIKeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: looking up api key: %v", apperr.ErrStoreUnavailable, err)
	}

	now := m.now()
	var match *store.APIKey
	reason := "unknown key"
	for i := range candidates {
		c := &candidates[i]
		if !c.IsActive {
			reason = "revoked key"
			continue
		}
		if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
			reason = "expired key"
			continue
		}
		ok, err := m.hasher.Verify(plainKey, c.KeyHash)
		if err != nil {
			m.logger.Error("stored key hash unreadable", "key_id", c.ID, "error", err)
			continue
		}
		if ok {
			match = c
			break
		}
	}
	if match == nil {
		// Same hashing work as the found-key path.
		_, _ = m.hasher.Verify(plainKey, m.dummyHash)
		return nil, m.reject(ctx, nil, prefix, callerIP, reason)
	}

	ok, err = m.hasher.Verify(plainSecret, match.SecretHash)
	if err != nil || !ok {
		return nil, m.reject(ctx, match, prefix, callerIP, "secret mismatch")
	}
	if !ipAllowed(match.IPWhitelist, callerIP) {
		return nil, m.reject(ctx, match, prefix, callerIP, "ip not whitelisted")
	}

	if m.limiter != nil {
		limit := match.RateLimitPerMinute
		if limit <= 0 {
			limit = DefaultRateLimitPerMinute
		}
		res, err := m.limiter.CheckAndIncrement(ctx, rateLimitScope, match.ID.String(), time.Minute, limit)
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			metrics.RecordAPIKeyValidation("rate_limited")
			m.emit(ctx, &match.UserID, "api_key.validate", audit.ResultDenied, audit.APIKeyDetails{
				KeyID: match.ID.String(), Prefix: prefix, IP: callerIP, Reason: "rate limited",
			})
			return nil, &apperr.RateLimitError{Scope: rateLimitScope, RetryAfter: res.RetryAfter(now)}
		}
	}

	if err := m.st.RecordAPIKeyUsage(ctx, match.ID, now.UTC(), callerIP); err != nil {
		m.logger.Warn("failed to record api key usage", "key_id", match.ID, "error", err)
	} else {
		match.UsageCount++
		at := now.UTC()
		match.LastUsedAt = &at
		match.LastUsedIP = &callerIP
	}

	metrics.RecordAPIKeyValidation("valid")
	info := toInfo(match)
	return &info, nil
}

// HasPermission reports whether k grants scope, directly or through AllAccessScope.
func HasPermission(k *Info, scope string) bool {
	if k == nil {
		return false
	}
	for _, p := range k.Permissions {
		if p == scope || p == AllAccessScope {
			return true
		}
	}
	return false
}

// CanGrant returns apperr.ErrUnauthorized unless parent holds every scope in
// scopes. Only an all-access key can grant AllAccessScope.
func CanGrant(parent *Info, scopes []string) error {
	for _, s := range scopes {
		if !HasPermission(parent, s) {
			return fmt.Errorf("%w: parent key lacks scope %q", apperr.ErrUnauthorized, s)
		}
	}
	return nil
}

// Rotate replaces the secret of keyID and returns the new plaintext secret.
// The old secret stops working immediately; there is no overlap window.
func (m *Manager) Rotate(ctx context.Context, keyID, ownerUserID uuid.UUID) (string, error) {
	k, err := m.owned(ctx, keyID, ownerUserID, "api_key.rotate")
	if err != nil {
		return "", err
	}
	if !k.IsActive {
		return "", fmt.Errorf("%w: key is revoked", apperr.ErrConflict)
	}

	secret, err := newSecret()
	if err != nil {
		return "", err
	}
	hash, err := m.hasher.Hash(secret)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	if err := m.st.UpdateAPIKeySecretHash(ctx, keyID, hash); err != nil {
		return "", m.storeErr(err, "rotating api key")
	}

	m.logger.Info("api key rotated", "key_id", keyID, "user_id", ownerUserID)
	m.emit(ctx, &ownerUserID, "api_key.rotate", audit.ResultSuccess, audit.APIKeyDetails{KeyID: keyID.String(), Prefix: k.Prefix})
	return secret, nil
}

// Revoke permanently deactivates keyID. Revoking an already revoked key is a no-op.
func (m *Manager) Revoke(ctx context.Context, keyID, ownerUserID uuid.UUID) error {
	k, err := m.owned(ctx, keyID, ownerUserID, "api_key.revoke")
	if err != nil {
		return err
	}
	if !k.IsActive {
		return nil
	}
	if err := m.st.DeactivateAPIKey(ctx, keyID); err != nil {
		return m.storeErr(err, "revoking api key")
	}

	m.logger.Info("api key revoked", "key_id", keyID, "user_id", ownerUserID)
	m.emit(ctx, &ownerUserID, "api_key.revoke", audit.ResultSuccess, audit.APIKeyDetails{KeyID: keyID.String(), Prefix: k.Prefix})
	return nil
}

// Delete removes keyID entirely.
func (m *Manager) Delete(ctx context.Context, keyID, ownerUserID uuid.UUID) error {
	k, err := m.owned(ctx, keyID, ownerUserID, "api_key.delete")
	if err != nil {
		return err
	}
	if err := m.st.DeleteAPIKey(ctx, keyID); err != nil {
		return m.storeErr(err, "deleting api key")
	}

	m.logger.Info("api key deleted", "key_id", keyID, "user_id", ownerUserID)
	m.emit(ctx, &ownerUserID, "api_key.delete", audit.ResultSuccess, audit.APIKeyDetails{KeyID: keyID.String(), Prefix: k.Prefix})
	return nil
}

// List returns userID's keys, newest first, without hashes.
func (m *Manager) List(ctx context.Context, userID uuid.UUID) ([]Info, error) {
	keys, err := m.st.ListAPIKeysByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	out := make([]Info, 0, len(keys))
	for i := range keys {
		out = append(out, toInfo(&keys[i]))
	}
	return out, nil
}

// owned loads keyID and checks it belongs to ownerUserID.
func (m *Manager) owned(ctx context.Context, keyID, ownerUserID uuid.UUID, action string) (*store.APIKey, error) {
	k, err := m.st.GetAPIKeyByID(ctx, keyID)
	if err != nil {
		return nil, m.storeErr(err, "loading api key")
	}
	if k.UserID != ownerUserID {
		m.emit(ctx, &ownerUserID, action, audit.ResultDenied, audit.APIKeyDetails{KeyID: keyID.String(), Reason: "not owner"})
		return nil, fmt.Errorf("%w: key not owned by caller", apperr.ErrUnauthorized)
	}
	return k, nil
}

func (m *Manager) storeErr(err error, doing string) error {
	if errors.Is(err, store.ErrRecordNotFound) {
		return fmt.Errorf("%w: api key", apperr.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", doing, err)
}

// reject audits a failed validation and returns the generic error.
func (m *Manager) reject(ctx context.Context, k *store.APIKey, prefix, ip, reason string) error {
	metrics.RecordAPIKeyValidation("rejected")
	m.logger.Debug("api key rejected", "prefix", prefix, "ip", ip, "reason", reason)

	d := audit.APIKeyDetails{Prefix: prefix, IP: ip, Reason: reason}
	var userID *uuid.UUID
	if k != nil {
		d.KeyID = k.ID.String()
		userID = &k.UserID
	}
	m.emit(ctx, userID, "api_key.validate", audit.ResultFailure, d)
	return apperr.ErrAuthFailure
}

func (m *Manager) emit(ctx context.Context, userID *uuid.UUID, action string, result audit.Result, d audit.APIKeyDetails) {
	if m.audit == nil {
		return
	}
	severity := audit.SeverityInfo
	if result != audit.ResultSuccess {
		severity = audit.SeverityWarning
	}
	m.audit.Emit(ctx, audit.Entry{
		Category: audit.CategoryAPIKey,
		Action:   action,
		Actor:    audit.ActorUser,
		UserID:   userID,
		Severity: severity,
		Result:   result,
		Details:  d,
	})
}

// parsePrefix checks the key shape and returns its lookup prefix.
func parsePrefix(key string) (string, bool) {
	if len(key) != len(KeyLiteral)+2*keyBodyBytes || !strings.HasPrefix(key, KeyLiteral) {
		return "", false
	}
	body := key[len(KeyLiteral):]
	if _, err := hex.DecodeString(body); err != nil || strings.ToLower(body) != body {
		return "", false
	}
	return KeyLiteral + body[:prefixHexLen], true
}

func newSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// validateParams checks and normalizes p in place, returning the cleaned whitelist.
func validateParams(p *CreateParams) ([]string, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, apperr.Validation("name", "required")
	}
	if len(name) > maxNameLen {
		return nil, apperr.Validation("name", fmt.Sprintf("at most %d characters", maxNameLen))
	}
	if len(p.Permissions) == 0 {
		return nil, apperr.Validation("permissions", "at least one scope required")
	}
	for _, s := range p.Permissions {
		if !scopePattern.MatchString(s) {
			return nil, apperr.Validation("permissions", fmt.Sprintf("invalid scope %q", s))
		}
	}
	if p.ExpiryDays < 0 || p.ExpiryDays > maxExpiryDays {
		return nil, apperr.Validation("expiry_days", fmt.Sprintf("must be between 0 and %d", maxExpiryDays))
	}
	if p.RateLimitPerMinute == 0 {
		p.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if p.RateLimitPerMinute < 0 || p.RateLimitPerMinute > maxRateLimitPerMinute {
		return nil, apperr.Validation("rate_limit_per_minute", fmt.Sprintf("must be between 1 and %d", maxRateLimitPerMinute))
	}
	return validateWhitelist(p.IPWhitelist)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func toInfo(k *store.APIKey) Info {
	perms, wl := k.Permissions, k.IPWhitelist
	if perms == nil {
		perms = []string{}
	}
	if wl == nil {
		wl = []string{}
	}
	return Info{
		ID:                 k.ID,
		UserID:             k.UserID,
		Name:               k.Name,
		Prefix:             k.Prefix,
		Permissions:        perms,
		IPWhitelist:        wl,
		ExpiresAt:          k.ExpiresAt,
		IsActive:           k.IsActive,
		UsageCount:         k.UsageCount,
		LastUsedAt:         k.LastUsedAt,
		LastUsedIP:         k.LastUsedIP,
		RateLimitPerMinute: k.RateLimitPerMinute,
		CreatedAt:          k.CreatedAt,
	}
}
