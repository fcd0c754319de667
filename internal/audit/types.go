// Package audit is the append-only, per-record digested log of security events.
//
// types.go -- closed vocabularies and typed detail payloads.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Actor identifies who triggered an event.
type Actor string

const (
	ActorUser       Actor = "USER"
	ActorAI         Actor = "AI"
	ActorAdmin      Actor = "ADMIN"
	ActorSystem     Actor = "SYSTEM"
	ActorBotCouncil Actor = "BOT_COUNCIL"
)

// Valid reports whether a is one of the known actors.
func (a Actor) Valid() bool {
	switch a {
	case ActorUser, ActorAI, ActorAdmin, ActorSystem, ActorBotCouncil:
		return true
	}
	return false
}

// Category is the event type used for filtering.
type Category string

const (
	CategoryAuth      Category = "AUTH"
	CategoryMFA       Category = "MFA"
	CategoryAPIKey    Category = "API_KEY"
	CategoryLock      Category = "LOCK"
	CategoryRateLimit Category = "RATE_LIMIT"
	CategoryFinancial Category = "FINANCIAL"
	CategoryAdmin     Category = "ADMIN"
	CategorySystem    Category = "SYSTEM"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryAuth, CategoryMFA, CategoryAPIKey, CategoryLock,
		CategoryRateLimit, CategoryFinancial, CategoryAdmin, CategorySystem:
		return true
	}
	return false
}

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFailure Result = "FAILURE"
	ResultDenied  Result = "DENIED"
)

// Details is a typed event payload. Kind tags the payload in storage so it
// decodes back into the same struct; encoding is plain encoding/json over
// structs, which keeps field order stable for digests.
type Details interface {
	Kind() string
}

// MFADetails describes an enrollment or verification step.
type MFADetails struct {
	Method    string `json:"method,omitempty"` // totp, recovery
	Reason    string `json:"reason,omitempty"`
	Remaining int    `json:"recovery_codes_remaining,omitempty"`
}

func (MFADetails) Kind() string { return "mfa" }

// APIKeyDetails describes a key lifecycle or validation event.
type APIKeyDetails struct {
	KeyID       string   `json:"key_id,omitempty"`
	Prefix      string   `json:"prefix,omitempty"`
	Name        string   `json:"name,omitempty"`
	IP          string   `json:"ip,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func (APIKeyDetails) Kind() string { return "api_key" }

// LockDetails describes a lock acquisition or release.
type LockDetails struct {
	Key       string `json:"key"`
	Owner     string `json:"owner,omitempty"`
	TTLMillis int64  `json:"ttl_ms,omitempty"`
}

func (LockDetails) Kind() string { return "lock" }

// RateLimitDetails describes a rate limit rejection.
type RateLimitDetails struct {
	Scope    string `json:"scope"`
	Subject  string `json:"subject"`
	Limit    int    `json:"limit"`
	Count    int64  `json:"count"`
	Degraded bool   `json:"degraded,omitempty"`
}

func (RateLimitDetails) Kind() string { return "rate_limit" }

// OperationDetails describes a guarded privileged operation.
type OperationDetails struct {
	Operation     string `json:"operation"`
	Resource      string `json:"resource,omitempty"`
	IP            string `json:"ip,omitempty"`
	Reason        string `json:"reason,omitempty"`
	ElapsedMillis int64  `json:"elapsed_ms,omitempty"`
}

func (OperationDetails) Kind() string { return "operation" }

// IntegrityDetails describes an integrity check run.
type IntegrityDetails struct {
	Checked int `json:"checked"`
	Invalid int `json:"invalid"`
}

func (IntegrityDetails) Kind() string { return "integrity" }

// NoDetails is used when an entry carries no payload.
type NoDetails struct{}

func (NoDetails) Kind() string { return "none" }

// decodeDetails rebuilds a payload from its stored kind and JSON.
func decodeDetails(kind string, raw []byte) (Details, error) {
	switch kind {
	case MFADetails{}.Kind():
		return decodeAs[MFADetails](kind, raw)
	case APIKeyDetails{}.Kind():
		return decodeAs[APIKeyDetails](kind, raw)
	case LockDetails{}.Kind():
		return decodeAs[LockDetails](kind, raw)
	case RateLimitDetails{}.Kind():
		return decodeAs[RateLimitDetails](kind, raw)
	case OperationDetails{}.Kind():
		return decodeAs[OperationDetails](kind, raw)
	case IntegrityDetails{}.Kind():
		return decodeAs[IntegrityDetails](kind, raw)
	case NoDetails{}.Kind():
		return NoDetails{}, nil
	}
	return nil, fmt.Errorf("unknown details kind %q", kind)
}

func decodeAs[T Details](kind string, raw []byte) (Details, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding %s details: %w", kind, err)
	}
	return v, nil
}

// Entry is what callers hand to Log.Record.
// Severity defaults to INFO and Result to SUCCESS.
type Entry struct {
	Category Category
	Action   string
	Actor    Actor
	UserID   *uuid.UUID
	Severity Severity
	Result   Result
	Details  Details
}

// Event is a recorded entry as returned by Record and Search.
type Event struct {
	ID        uuid.UUID  `json:"id"`
	Category  Category   `json:"category"`
	Action    string     `json:"action"`
	Actor     Actor      `json:"actor"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	Severity  Severity   `json:"severity"`
	Result    Result     `json:"result"`
	Details   Details    `json:"details"`
	Timestamp time.Time  `json:"timestamp"`
	Digest    string     `json:"digest"`
}
