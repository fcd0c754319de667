// totp_test.go

// unit tests for secret generation, code computation and verification.
package mfa

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

// rfcSecret is the RFC 6238 SHA-1 test key "12345678901234567890" in Base32.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

// --- GenerateSecret ---

func TestGenerateSecret(t *testing.T) {
	s1, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	// 20 bytes -> 32 Base32 chars, no padding.
	if len(s1) != 32 {
		t.Errorf("expected 32 chars, got %d: %q", len(s1), s1)
	}
	if strings.Contains(s1, "=") {
		t.Errorf("secret should not be padded: %q", s1)
	}
	raw, err := b32NoPad.DecodeString(s1)
	if err != nil || len(raw) != SecretSize {
		t.Errorf("secret should decode to %d bytes, got %d (err %v)", SecretSize, len(raw), err)
	}

	s2, _ := GenerateSecret()
	if s1 == s2 {
		t.Error("two secrets should differ")
	}
}

// --- ComputeCode ---

func TestComputeCodeRFC6238(t *testing.T) {
	// Last six digits of the RFC 6238 appendix B SHA-1 values.
	cases := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
	}
	for _, tc := range cases {
		got, err := ComputeCode(rfcSecret, Counter(time.Unix(tc.unix, 0)))
		if err != nil {
			t.Fatalf("ComputeCode(%d): %v", tc.unix, err)
		}
		if got != tc.want {
			t.Errorf("T=%d: expected %s, got %s", tc.unix, tc.want, got)
		}
	}
}

// --- VerifyCode ---

func TestVerifyCode(t *testing.T) {
	// Aligned to a period boundary.
	base := time.Unix(1700000010, 0)
	code, err := ComputeCode(rfcSecret, Counter(base))
	if err != nil {
		t.Fatalf("ComputeCode: %v", err)
	}

	t.Run("current window accepted", func(t *testing.T) {
		if !VerifyCode(rfcSecret, code, base) {
			t.Error("code should verify at T")
		}
	})

	t.Run("next window still accepted", func(t *testing.T) {
		if !VerifyCode(rfcSecret, code, base.Add(31*time.Second)) {
			t.Error("code should verify at T+31s")
		}
	})

	t.Run("previous window accepted", func(t *testing.T) {
		if !VerifyCode(rfcSecret, code, base.Add(-29*time.Second)) {
			t.Error("code should verify one period early")
		}
	})

	t.Run("two windows later rejected", func(t *testing.T) {
		if VerifyCode(rfcSecret, code, base.Add(61*time.Second)) {
			t.Error("code should not verify at T+61s")
		}
	})

	t.Run("whitespace stripped", func(t *testing.T) {
		spaced := " " + code[:3] + " " + code[3:] + "\n"
		if !VerifyCode(rfcSecret, spaced, base) {
			t.Error("code with whitespace should verify")
		}
	})

	t.Run("malformed input rejected", func(t *testing.T) {
		for _, bad := range []string{"", "12345", "1234567", "12a456", "١٢٣٤٥٦"} {
			if VerifyCode(rfcSecret, bad, base) {
				t.Errorf("%q should be rejected", bad)
			}
		}
	})

	t.Run("wrong code rejected", func(t *testing.T) {
		wrong := "000000"
		if wrong == code {
			wrong = "111111"
		}
		if VerifyCode(rfcSecret, wrong, base) {
			t.Error("wrong code should be rejected")
		}
	})

	t.Run("bad secret rejected", func(t *testing.T) {
		if VerifyCode("not base32!", code, base) {
			t.Error("undecodable secret should not verify")
		}
	})
}

// --- EnrollmentURI ---

func TestEnrollmentURI(t *testing.T) {
	uri, err := EnrollmentURI("Aegis", rfcSecret, "alice@example.com")
	if err != nil {
		t.Fatalf("EnrollmentURI: %v", err)
	}
	u, err := url.Parse(uri)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Scheme != "otpauth" || u.Host != "totp" {
		t.Errorf("expected otpauth://totp, got %s://%s", u.Scheme, u.Host)
	}
	q := u.Query()
	checks := map[string]string{
		"secret":    rfcSecret,
		"issuer":    "Aegis",
		"algorithm": "SHA1",
		"digits":    "6",
		"period":    "30",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("%s: expected %q, got %q", k, want, got)
		}
	}

	again, _ := EnrollmentURI("Aegis", rfcSecret, "alice@example.com")
	if again != uri {
		t.Error("URI should be deterministic")
	}
}
