// models.go -- Shared record types for the store package.
// Used by the shared keyed store backends and the Postgres/SQLite record stores.
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrKeyNotFound is returned by KV.Get when the key is absent or expired.
// Callers use errors.Is to distinguish a true miss from an infrastructure failure.
var ErrKeyNotFound = errors.New("key not found")

// ErrRecordNotFound is returned by record lookups (API keys, MFA credentials) with no matching row.
var ErrRecordNotFound = errors.New("record not found")

// Entry is a value held in the shared keyed store.
// ExpiresAt is zero when the key has no expiry.
type Entry struct {
	Value     string
	ExpiresAt time.Time
}

// APIKey represents a row in the api_keys table.
// KeyHash and SecretHash are one-way hashes; plaintext never reaches the store.
type APIKey struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	Name               string
	Prefix             string
	KeyHash            string
	SecretHash         string
	Permissions        []string
	IPWhitelist        []string
	ExpiresAt          *time.Time
	IsActive           bool
	UsageCount         int64
	LastUsedAt         *time.Time
	LastUsedIP         *string
	RateLimitPerMinute int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// MFAStatus is the enrollment state of a user's MFA credential.
// A user with no row is uninitialized.
type MFAStatus string

const (
	MFAPending  MFAStatus = "pending"
	MFAEnabled  MFAStatus = "enabled"
	MFADisabled MFAStatus = "disabled"
)

// RecoveryCode is a single-use MFA recovery code.
// UsedAt is nil until consumed; set once to prevent replay.
type RecoveryCode struct {
	Code   string     `json:"code"`
	Used   bool       `json:"used"`
	UsedAt *time.Time `json:"used_at,omitempty"`
}

// MFACredential represents a row in the mfa_credentials table.
// Secret holds the Base32 TOTP secret, sealed when an encryption key is configured.
type MFACredential struct {
	UserID        uuid.UUID
	Secret        string
	Status        MFAStatus
	RecoveryCodes []RecoveryCode
	EnabledAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuditRecord is the stored form of an audit event.
// Details holds the JSON encoding of a typed payload named by DetailsKind.
// Digest covers every other field; see audit.ComputeDigest.
type AuditRecord struct {
	ID          uuid.UUID
	Category    string
	Action      string
	Actor       string
	UserID      *uuid.UUID
	Severity    string
	Result      string
	DetailsKind string
	Details     []byte
	Timestamp   time.Time
	Digest      string
}

// AuditFilter narrows an audit search. Zero values match everything.
type AuditFilter struct {
	UserID    *uuid.UUID
	Category  string
	Action    string
	Severity  string
	Result    string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Matches reports whether rec satisfies every set filter field.
// Shared by the in-memory backends so filter semantics match the SQL ones.
func (f AuditFilter) Matches(rec *AuditRecord) bool {
	if f.UserID != nil && (rec.UserID == nil || *rec.UserID != *f.UserID) {
		return false
	}
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if f.Severity != "" && rec.Severity != f.Severity {
		return false
	}
	if f.Result != "" && rec.Result != f.Result {
		return false
	}
	if f.StartTime != nil && rec.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && rec.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}
