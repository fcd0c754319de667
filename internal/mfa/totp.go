// Package mfa implements TOTP multi-factor authentication with recovery codes.
//
// totp.go -- RFC 6238 secret generation, enrollment URIs and code verification.
// Codes are SHA-1, 6 digits, 30 second period; verification accepts one period
// of clock drift in each direction and compares in constant time.
package mfa

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

const (
	// SecretSize is the raw TOTP secret length in bytes (160 bits).
	SecretSize = 20
	// Period is the TOTP time step.
	Period = 30 * time.Second
	// Digits is the code length.
	Digits = 6
	// Skew is how many periods either side of now are accepted.
	Skew = 1
)

var b32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateSecret returns 160 bits of crypto/rand output, Base32-encoded without padding.
func GenerateSecret() (string, error) {
	raw := make([]byte, SecretSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating totp secret: %w", err)
	}
	return b32NoPad.EncodeToString(raw), nil
}

// EnrollmentURI returns the otpauth://totp/ URI an authenticator app scans.
// Deterministic for a given issuer, secret and account label.
func EnrollmentURI(issuer, secret, account string) (string, error) {
	raw, err := b32NoPad.DecodeString(strings.ToUpper(secret))
	if err != nil {
		return "", fmt.Errorf("decoding totp secret: %w", err)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      uint(Period / time.Second),
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Secret:      raw,
	})
	if err != nil {
		return "", fmt.Errorf("building enrollment uri: %w", err)
	}
	return key.URL(), nil
}

// ComputeCode returns the 6-digit HOTP value of secret at counter:
// HMAC-SHA1 over the big-endian counter, RFC 4226 dynamic truncation, zero-padded.
func ComputeCode(secret string, counter uint64) (string, error) {
	code, err := hotp.GenerateCodeCustom(secret, counter, hotp.ValidateOpts{
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("computing totp code: %w", err)
	}
	return code, nil
}

// Counter returns the TOTP time step containing t.
func Counter(t time.Time) uint64 {
	return uint64(t.Unix()) / uint64(Period/time.Second)
}

// normalizeCode strips all whitespace and reports whether the rest is exactly six ASCII digits.
func normalizeCode(code string) (string, bool) {
	code = strings.Join(strings.Fields(code), "")
	if len(code) != Digits {
		return "", false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return "", false
		}
	}
	return code, true
}

// VerifyCode reports whether code matches secret for any step in [now-1, now+1].
// Every candidate is compared so timing does not reveal which step matched.
func VerifyCode(secret, code string, now time.Time) bool {
	code, ok := normalizeCode(code)
	if !ok {
		return false
	}

	counter := Counter(now)
	matched := 0
	for offset := -Skew; offset <= Skew; offset++ {
		c := int64(counter) + int64(offset)
		if c < 0 {
			continue
		}
		expected, err := ComputeCode(secret, uint64(c))
		if err != nil {
			return false
		}
		matched |= constantTimeEqual(expected, code)
	}
	return matched == 1
}

// constantTimeEqual returns 1 if a == b. Lengths are checked first; the byte
// comparison itself does not short-circuit.
func constantTimeEqual(a, b string) int {
	if len(a) != len(b) {
		return 0
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b))
}
