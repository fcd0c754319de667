// recovery.go -- Single-use recovery codes.
package mfa

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/MGallo-Code/aegis/internal/store"
)

// RecoveryCodeCount is how many codes a fresh set contains.
const RecoveryCodeCount = 10

// GenerateRecoveryCodes returns RecoveryCodeCount unused codes formatted XXXX-XXXX,
// each from 8 uppercase hex characters of crypto/rand output. Codes within a set are unique.
func GenerateRecoveryCodes() ([]store.RecoveryCode, error) {
	codes := make([]store.RecoveryCode, 0, RecoveryCodeCount)
	seen := make(map[string]struct{}, RecoveryCodeCount)
	for len(codes) < RecoveryCodeCount {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("generating recovery code: %w", err)
		}
		h := strings.ToUpper(hex.EncodeToString(b[:]))
		code := h[:4] + "-" + h[4:]
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, store.RecoveryCode{Code: code})
	}
	return codes, nil
}

// normalizeRecoveryCode accepts any case and optional spaces or hyphens.
// Returns the canonical XXXX-XXXX form, or "" if the input cannot be a code.
func normalizeRecoveryCode(input string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		switch {
		case r == '-' || r == ' ' || r == '\t':
			continue
		case (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F'):
			b.WriteRune(r)
		default:
			return ""
		}
	}
	s := b.String()
	if len(s) != 8 {
		return ""
	}
	return s[:4] + "-" + s[4:]
}

// ConsumeRecoveryCode marks the first unused code matching input as used at now.
// Returns whether a code matched and the full updated list for the caller to persist;
// the input slice is not modified. Every unused code is compared in constant time.
func ConsumeRecoveryCode(codes []store.RecoveryCode, input string, now time.Time) (bool, []store.RecoveryCode) {
	updated := make([]store.RecoveryCode, len(codes))
	copy(updated, codes)

	candidate := normalizeRecoveryCode(input)
	if candidate == "" {
		return false, updated
	}

	match := -1
	for i := range updated {
		if updated[i].Used {
			continue
		}
		if constantTimeEqual(updated[i].Code, candidate) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return false, updated
	}

	usedAt := now
	updated[match].Used = true
	updated[match].UsedAt = &usedAt
	return true, updated
}

// RemainingRecoveryCodes counts unused codes.
func RemainingRecoveryCodes(codes []store.RecoveryCode) int {
	n := 0
	for _, c := range codes {
		if !c.Used {
			n++
		}
	}
	return n
}
