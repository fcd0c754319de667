// manager_test.go

// unit tests for the API key lifecycle.
package apikey

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/MGallo-Code/aegis/internal/apperr"
	"github.com/MGallo-Code/aegis/internal/audit"
	"github.com/MGallo-Code/aegis/internal/ratelimit"
	"github.com/MGallo-Code/aegis/internal/store"
	"github.com/MGallo-Code/aegis/internal/testutil"
	"github.com/gofrs/uuid/v5"
)

var keyPattern = regexp.MustCompile(`^ak_live_[0-9a-f]{64}$`)

// fastHasher keeps tests quick; production parameters are covered in hash_test.go.
var fastHasher = Argon2idHasher{Time: 1, Memory: 64, Threads: 1, SaltLen: 8, KeyLen: 16}

type managerFixture struct {
	m       *Manager
	st      *testutil.MockAPIKeyStore
	auditor *testutil.MockAuditor
	now     time.Time
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		st:      testutil.NewMockAPIKeyStore(),
		auditor: &testutil.MockAuditor{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	limiter := ratelimit.NewLimiter(store.NewMemoryKV(), nil, nil)
	m, err := NewManager(f.st, fastHasher, limiter, f.auditor)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.now = func() time.Time { return f.now }
	f.m = m
	return f
}

func (f *managerFixture) create(t *testing.T, userID uuid.UUID, p CreateParams) *Created {
	t.Helper()
	if p.Name == "" {
		p.Name = "bot"
	}
	if p.Permissions == nil {
		p.Permissions = []string{"trade:read"}
	}
	c, err := f.m.Create(context.Background(), userID, p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return c
}

// --- Lifecycle ---

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	user := uuid.Must(uuid.NewV7())
	c := f.create(t, user, CreateParams{})

	t.Run("key and secret format", func(t *testing.T) {
		if !keyPattern.MatchString(c.Key) {
			t.Errorf("key %q does not match %s", c.Key, keyPattern)
		}
		raw, err := base64.RawURLEncoding.DecodeString(c.Secret)
		if err != nil || len(raw) != 64 {
			t.Errorf("secret should be 64 base64url bytes, got %d (err %v)", len(raw), err)
		}
		if c.Info.Prefix != c.Key[:len(KeyLiteral)+prefixHexLen] {
			t.Errorf("prefix %q is not the key's leading fragment", c.Info.Prefix)
		}
	})

	t.Run("plaintexts not stored", func(t *testing.T) {
		stored := f.st.Key(c.Info.ID)
		if stored.KeyHash == c.Key || stored.SecretHash == c.Secret {
			t.Error("plaintext credential persisted")
		}
	})

	t.Run("correct credentials validate", func(t *testing.T) {
		info, err := f.m.Validate(ctx, c.Key, c.Secret, "203.0.113.9")
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if info.ID != c.Info.ID {
			t.Errorf("validated wrong key %s", info.ID)
		}
		stored := f.st.Key(c.Info.ID)
		if stored.UsageCount != 1 || stored.LastUsedIP == nil || *stored.LastUsedIP != "203.0.113.9" {
			t.Errorf("usage not recorded: %+v", stored)
		}
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		other, _ := newSecret()
		if _, err := f.m.Validate(ctx, c.Key, other, "203.0.113.9"); !errors.Is(err, apperr.ErrAuthFailure) {
			t.Errorf("expected ErrAuthFailure, got %v", err)
		}
	})

	t.Run("unknown key rejected with the same error", func(t *testing.T) {
		unknown := KeyLiteral + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
		if _, err := f.m.Validate(ctx, unknown, c.Secret, "203.0.113.9"); !errors.Is(err, apperr.ErrAuthFailure) {
			t.Errorf("expected ErrAuthFailure, got %v", err)
		}
	})

	t.Run("malformed key rejected", func(t *testing.T) {
		for _, bad := range []string{"", "ak_live_xyz", c.Key + "00", "sk_live_" + c.Key[len(KeyLiteral):]} {
			if _, err := f.m.Validate(ctx, bad, c.Secret, "203.0.113.9"); !errors.Is(err, apperr.ErrAuthFailure) {
				t.Errorf("%q: expected ErrAuthFailure, got %v", bad, err)
			}
		}
	})

	t.Run("revoked key rejected", func(t *testing.T) {
		if err := f.m.Revoke(ctx, c.Info.ID, user); err != nil {
			t.Fatalf("Revoke: %v", err)
		}
		if _, err := f.m.Validate(ctx, c.Key, c.Secret, "203.0.113.9"); !errors.Is(err, apperr.ErrAuthFailure) {
			t.Errorf("expected ErrAuthFailure after revoke, got %v", err)
		}
		if err := f.m.Revoke(ctx, c.Info.ID, user); err != nil {
			t.Errorf("second revoke should be a no-op, got %v", err)
		}
	})

	t.Run("failures audited with reasons", func(t *testing.T) {
		if n := f.auditor.Count("api_key.validate", audit.ResultFailure); n < 3 {
			t.Errorf("expected failed validations audited, got %d", n)
		}
	})
}

func TestValidateExpiry(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	c := f.create(t, uuid.Must(uuid.NewV7()), CreateParams{ExpiryDays: 1})

	if _, err := f.m.Validate(ctx, c.Key, c.Secret, "198.51.100.1"); err != nil {
		t.Fatalf("fresh key should validate: %v", err)
	}
	f.now = f.now.Add(25 * time.Hour)
	if _, err := f.m.Validate(ctx, c.Key, c.Secret, "198.51.100.1"); !errors.Is(err, apperr.ErrAuthFailure) {
		t.Errorf("expired key: expected ErrAuthFailure, got %v", err)
	}
}

func TestValidateRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	c := f.create(t, uuid.Must(uuid.NewV7()), CreateParams{RateLimitPerMinute: 2})

	for i := 0; i < 2; i++ {
		if _, err := f.m.Validate(ctx, c.Key, c.Secret, "198.51.100.1"); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	_, err := f.m.Validate(ctx, c.Key, c.Secret, "198.51.100.1")
	if !errors.Is(err, apperr.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if _, ok := apperr.RetryAfter(err); !ok {
		t.Error("rate limit error should carry retry-after")
	}
}

// --- Whitelist ---

func TestCIDRWhitelist(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	c := f.create(t, uuid.Must(uuid.NewV7()), CreateParams{IPWhitelist: []string{"10.0.0.0/24"}})

	if _, err := f.m.Validate(ctx, c.Key, c.Secret, "10.0.0.5"); err != nil {
		t.Errorf("10.0.0.5 should be inside 10.0.0.0/24: %v", err)
	}
	if _, err := f.m.Validate(ctx, c.Key, c.Secret, "10.0.1.5"); !errors.Is(err, apperr.ErrAuthFailure) {
		t.Errorf("10.0.1.5 should be rejected, got %v", err)
	}
}

func TestIPAllowed(t *testing.T) {
	cases := []struct {
		name      string
		whitelist []string
		ip        string
		want      bool
	}{
		{"empty whitelist", nil, "1.2.3.4", true},
		{"exact v4", []string{"192.0.2.7"}, "192.0.2.7", true},
		{"exact v4 miss", []string{"192.0.2.7"}, "192.0.2.8", false},
		{"cidr v4 hit", []string{"10.0.0.0/24"}, "10.0.0.255", true},
		{"cidr v4 miss", []string{"10.0.0.0/24"}, "10.0.1.0", false},
		{"slash zero", []string{"0.0.0.0/0"}, "8.8.8.8", true},
		{"slash 32", []string{"10.0.0.1/32"}, "10.0.0.1", true},
		{"cidr v6 hit", []string{"2001:db8::/32"}, "2001:db8:1::1", true},
		{"cidr v6 miss", []string{"2001:db8::/32"}, "2001:db9::1", false},
		{"exact v6", []string{"::1"}, "::1", true},
		{"mapped caller", []string{"10.0.0.0/8"}, "::ffff:10.1.2.3", true},
		{"v4 caller vs v6 block", []string{"2001:db8::/32"}, "10.0.0.1", false},
		{"garbage caller", []string{"10.0.0.0/8"}, "not-an-ip", false},
		{"second entry matches", []string{"192.0.2.0/24", "198.51.100.0/24"}, "198.51.100.20", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ipAllowed(tc.whitelist, tc.ip); got != tc.want {
				t.Errorf("ipAllowed(%v, %q) = %v, want %v", tc.whitelist, tc.ip, got, tc.want)
			}
		})
	}
}

// --- Create validation ---

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	user := uuid.Must(uuid.NewV7())

	cases := []struct {
		name string
		p    CreateParams
	}{
		{"missing name", CreateParams{Permissions: []string{"read"}}},
		{"no permissions", CreateParams{Name: "x"}},
		{"bad scope", CreateParams{Name: "x", Permissions: []string{"Trade Write"}}},
		{"bad whitelist entry", CreateParams{Name: "x", Permissions: []string{"read"}, IPWhitelist: []string{"10.0.0.0/33"}}},
		{"hostname in whitelist", CreateParams{Name: "x", Permissions: []string{"read"}, IPWhitelist: []string{"example.com"}}},
		{"negative expiry", CreateParams{Name: "x", Permissions: []string{"read"}, ExpiryDays: -1}},
		{"negative rate limit", CreateParams{Name: "x", Permissions: []string{"read"}, RateLimitPerMinute: -5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.m.Create(ctx, user, tc.p); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
	if len(f.st.Keys) != 0 {
		t.Error("invalid params must not reach the store")
	}
}

func TestCreateQuota(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	user := uuid.Must(uuid.NewV7())

	var first *Created
	for i := 0; i < MaxKeysPerUser; i++ {
		c := f.create(t, user, CreateParams{})
		if first == nil {
			first = c
		}
	}
	_, err := f.m.Create(ctx, user, CreateParams{Name: "one too many", Permissions: []string{"read"}})
	if !errors.Is(err, apperr.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}

	// Another user is unaffected.
	f.create(t, uuid.Must(uuid.NewV7()), CreateParams{})

	// Revoking frees a slot.
	if err := f.m.Revoke(ctx, first.Info.ID, user); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	f.create(t, user, CreateParams{})
}

// --- Rotate / Delete / List ---

func TestRotate(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	user := uuid.Must(uuid.NewV7())
	c := f.create(t, user, CreateParams{Permissions: []string{"trade:write"}})

	newSecret, err := f.m.Rotate(ctx, c.Info.ID, user)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if newSecret == c.Secret {
		t.Fatal("rotation should issue a new secret")
	}
	if _, err := f.m.Validate(ctx, c.Key, c.Secret, "198.51.100.1"); !errors.Is(err, apperr.ErrAuthFailure) {
		t.Errorf("old secret should be invalid immediately, got %v", err)
	}
	info, err := f.m.Validate(ctx, c.Key, newSecret, "198.51.100.1")
	if err != nil {
		t.Fatalf("new secret should validate: %v", err)
	}
	if !HasPermission(info, "trade:write") {
		t.Error("permissions should survive rotation")
	}

	t.Run("non-owner rejected", func(t *testing.T) {
		if _, err := f.m.Rotate(ctx, c.Info.ID, uuid.Must(uuid.NewV7())); !errors.Is(err, apperr.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		if _, err := f.m.Rotate(ctx, uuid.Must(uuid.NewV7()), user); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("revoked key cannot rotate", func(t *testing.T) {
		_ = f.m.Revoke(ctx, c.Info.ID, user)
		if _, err := f.m.Rotate(ctx, c.Info.ID, user); !errors.Is(err, apperr.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	user := uuid.Must(uuid.NewV7())
	a := f.create(t, user, CreateParams{Name: "a"})
	f.now = f.now.Add(time.Second)
	f.create(t, user, CreateParams{Name: "b"})

	list, err := f.m.List(ctx, user)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Name != "b" {
		t.Fatalf("expected [b a], got %+v", list)
	}

	if err := f.m.Delete(ctx, a.Info.ID, uuid.Must(uuid.NewV7())); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("non-owner delete: expected ErrUnauthorized, got %v", err)
	}
	if err := f.m.Delete(ctx, a.Info.ID, user); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.m.Validate(ctx, a.Key, a.Secret, "198.51.100.1"); !errors.Is(err, apperr.ErrAuthFailure) {
		t.Errorf("deleted key should not validate, got %v", err)
	}
	list, _ = f.m.List(ctx, user)
	if len(list) != 1 {
		t.Errorf("expected 1 key after delete, got %d", len(list))
	}
}

func TestHasPermission(t *testing.T) {
	k := &Info{Permissions: []string{"trade:read", "audit:read"}}
	if !HasPermission(k, "trade:read") {
		t.Error("listed scope should be granted")
	}
	if HasPermission(k, "trade:write") {
		t.Error("unlisted scope should be denied")
	}
	if !HasPermission(&Info{Permissions: []string{AllAccessScope}}, "admin") {
		t.Error("all-access scope should grant everything")
	}
	if HasPermission(nil, "trade:read") {
		t.Error("nil key grants nothing")
	}
}

func TestCreateFor(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	user := uuid.Must(uuid.NewV7())
	parent := f.create(t, user, CreateParams{Permissions: []string{"trade:read", "trade:write"}}).Info

	t.Run("subset is issued to the parent's user", func(t *testing.T) {
		c, err := f.m.CreateFor(ctx, &parent, CreateParams{Name: "child", Permissions: []string{"trade:read"}})
		if err != nil {
			t.Fatalf("CreateFor: %v", err)
		}
		if c.Info.UserID != user {
			t.Errorf("child owner: expected %s, got %s", user, c.Info.UserID)
		}
	})

	t.Run("wider scopes are refused and audited", func(t *testing.T) {
		for _, perms := range [][]string{{AllAccessScope}, {AdminScope}, {"trade:read", "audit:read"}} {
			_, err := f.m.CreateFor(ctx, &parent, CreateParams{Name: "wide", Permissions: perms})
			if !errors.Is(err, apperr.ErrUnauthorized) {
				t.Errorf("%v: expected ErrUnauthorized, got %v", perms, err)
			}
		}
		if n := f.auditor.Count("api_key.create", audit.ResultDenied); n != 3 {
			t.Errorf("expected 3 denied entries, got %d", n)
		}
		list, _ := f.m.List(ctx, user)
		if len(list) != 2 {
			t.Errorf("refused creates must not store keys, have %d", len(list))
		}
	})

	t.Run("malformed params stay validation errors", func(t *testing.T) {
		_, err := f.m.CreateFor(ctx, &parent, CreateParams{Name: "", Permissions: []string{"BAD SCOPE"}})
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("nil parent", func(t *testing.T) {
		if _, err := f.m.CreateFor(ctx, nil, CreateParams{Name: "x", Permissions: []string{"trade:read"}}); !errors.Is(err, apperr.ErrAuthFailure) {
			t.Errorf("expected ErrAuthFailure, got %v", err)
		}
	})

	t.Run("all-access parent grants anything", func(t *testing.T) {
		root := Info{UserID: user, Permissions: []string{AllAccessScope}}
		if err := CanGrant(&root, []string{AdminScope, AllAccessScope}); err != nil {
			t.Errorf("CanGrant: %v", err)
		}
	})
}

func TestValidateStoreError(t *testing.T) {
	f := newManagerFixture(t)
	c := f.create(t, uuid.Must(uuid.NewV7()), CreateParams{})
	f.st.GetByPrefixErr = errors.New("db down")
	if _, err := f.m.Validate(context.Background(), c.Key, c.Secret, "198.51.100.1"); !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}
