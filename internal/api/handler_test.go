// handler_test.go

// unit tests for the /v1 handlers, wired to in-memory backends.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MGallo-Code/aegis/internal/apikey"
	"github.com/MGallo-Code/aegis/internal/apperr"
	"github.com/MGallo-Code/aegis/internal/audit"
	"github.com/MGallo-Code/aegis/internal/guard"
	"github.com/MGallo-Code/aegis/internal/lock"
	"github.com/MGallo-Code/aegis/internal/mfa"
	"github.com/MGallo-Code/aegis/internal/ratelimit"
	"github.com/MGallo-Code/aegis/internal/store"
	"github.com/MGallo-Code/aegis/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/uuid/v5"
)

var fastHasher = apikey.Argon2idHasher{Time: 1, Memory: 64, Threads: 1, SaltLen: 8, KeyLen: 16}

type fakeDB struct{ err error }

func (f fakeDB) CheckHealth(context.Context) error { return f.err }

type fakeKV struct {
	err      error
	degraded bool
}

func (f fakeKV) Ping(context.Context) error { return f.err }
func (f fakeKV) Degraded() bool             { return f.degraded }

type apiFixture struct {
	h       *Handler
	router  http.Handler
	keys    *apikey.Manager
	mfa     *mfa.Service
	locks   *lock.Manager
	limiter *ratelimit.Limiter
	log     *audit.Log
	userID  uuid.UUID
}

type credential struct{ key, secret string }

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	auditLog := audit.NewLog(audit.NewMemoryStore())
	// Flow tests make more MFA attempts than the default auth budget allows.
	profiles := ratelimit.NewProfiles(map[string]ratelimit.Profile{"auth": {Window: 15 * time.Minute, Max: 50}})
	limiter := ratelimit.NewLimiter(store.NewMemoryKV(), profiles, auditLog)
	locks := lock.NewManager(store.NewMemoryKV(), auditLog, time.Second)
	keys, err := apikey.NewManager(testutil.NewMockAPIKeyStore(), fastHasher, limiter, auditLog)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	mfaSvc := mfa.NewService(testutil.NewMockMFAStore(), auditLog, locks, limiter, nil, "Aegis")

	h := &Handler{
		MFA:      mfaSvc,
		Keys:     keys,
		Audit:    auditLog,
		Locks:    locks,
		Guard:    guard.New(limiter, locks, mfaSvc, keys, auditLog),
		DB:       fakeDB{},
		KV:       fakeKV{},
		Fallback: fakeKV{},
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Get("/health", h.CheckHealth)
	r.Mount("/v1", h.Routes(nil))

	return &apiFixture{h: h, router: r, keys: keys, mfa: mfaSvc, locks: locks, limiter: limiter, log: auditLog, userID: uuid.Must(uuid.NewV7())}
}

// issue creates a key for the fixture user directly through the manager.
// No perms means a trade-only key.
func (f *apiFixture) issue(t *testing.T, perms ...string) credential {
	t.Helper()
	if len(perms) == 0 {
		perms = []string{"trade"}
	}
	c, err := f.keys.Create(context.Background(), f.userID, apikey.CreateParams{Name: "test", Permissions: perms})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return credential{c.Key, c.Secret}
}

func (f *apiFixture) do(t *testing.T, method, path string, c credential, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "198.51.100.4:5555"
	if c.key != "" {
		req.Header.Set(HeaderAPIKey, c.key)
		req.Header.Set(HeaderAPISecret, c.secret)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func currentCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := mfa.ComputeCode(secret, mfa.Counter(time.Now()))
	if err != nil {
		t.Fatalf("ComputeCode: %v", err)
	}
	return code
}

// --- RequireAPIKey ---

func TestRequireAPIKey(t *testing.T) {
	f := newAPIFixture(t)
	good := f.issue(t)

	t.Run("missing credentials", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/keys", credential{}, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/keys", credential{good.key, "nope"}, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"unauthorized"`) {
			t.Errorf("expected generic body, got %s", rec.Body.String())
		}
	})

	t.Run("unknown key gets same response", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/keys", credential{"ak_live_" + strings.Repeat("0", 64), good.secret}, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("valid key", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/keys", good, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		out := decode[struct{ Keys []apikey.Info }](t, rec)
		if len(out.Keys) != 1 {
			t.Errorf("expected 1 key, got %d", len(out.Keys))
		}
	})

	t.Run("per-key rate limit returns 429", func(t *testing.T) {
		c, err := f.keys.Create(context.Background(), f.userID, apikey.CreateParams{Name: "slow", Permissions: []string{"trade"}, RateLimitPerMinute: 1})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		cred := credential{c.Key, c.Secret}
		if rec := f.do(t, http.MethodGet, "/v1/keys", cred, nil); rec.Code != http.StatusOK {
			t.Fatalf("first call: %d", rec.Code)
		}
		rec := f.do(t, http.MethodGet, "/v1/keys", cred, nil)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("missing Retry-After")
		}
	})
}

// --- keys ---

func TestKeyLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	root := f.issue(t)

	rec := f.do(t, http.MethodPost, "/v1/keys", root, map[string]any{"name": "bot", "permissions": []string{"trade"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[apikey.Created](t, rec)
	if !strings.HasPrefix(created.Key, apikey.KeyLiteral) || created.Secret == "" {
		t.Fatalf("unexpected created key %+v", created)
	}
	bot := credential{created.Key, created.Secret}

	t.Run("invalid create params", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/keys", root, map[string]any{"name": "", "permissions": []string{"BAD SCOPE"}})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("rotate issues a new secret", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, fmt.Sprintf("/v1/keys/%s/rotate", created.Info.ID), root, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("rotate: expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		out := decode[struct{ Secret string }](t, rec)
		if f.do(t, http.MethodGet, "/v1/keys", bot, nil).Code != http.StatusUnauthorized {
			t.Error("old secret should stop working")
		}
		bot.secret = out.Secret
		if f.do(t, http.MethodGet, "/v1/keys", bot, nil).Code != http.StatusOK {
			t.Error("new secret should work")
		}
	})

	t.Run("rotate while locked returns 423", func(t *testing.T) {
		key := "apikey:" + created.Info.ID.String()
		if !f.locks.Acquire(context.Background(), key, "other", time.Second) {
			t.Fatal("setup acquire failed")
		}
		defer f.locks.Release(context.Background(), key, "other")
		rec := f.do(t, http.MethodPost, fmt.Sprintf("/v1/keys/%s/rotate", created.Info.ID), root, nil)
		if rec.Code != http.StatusLocked {
			t.Errorf("expected 423, got %d", rec.Code)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/keys/not-a-uuid/rotate", root, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, "/v1/keys/"+uuid.Must(uuid.NewV7()).String(), root, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("revoke", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, "/v1/keys/"+created.Info.ID.String(), root, nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
		}
		if f.do(t, http.MethodGet, "/v1/keys", bot, nil).Code != http.StatusUnauthorized {
			t.Error("revoked key should be rejected")
		}
	})

	t.Run("guarded operations are audited", func(t *testing.T) {
		page, err := f.log.Search(context.Background(), audit.Filter{Category: string(audit.CategoryAPIKey), Action: "api_key.rotate"})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if page.Total == 0 {
			t.Error("expected rotate events in audit log")
		}
	})
}

func TestCreateKeyScopeBound(t *testing.T) {
	f := newAPIFixture(t)
	trader := f.issue(t, "trade")

	for _, perms := range [][]string{{"*"}, {"admin"}, {"audit:read"}, {"trade", "withdraw"}} {
		rec := f.do(t, http.MethodPost, "/v1/keys", trader, map[string]any{"name": "escalate", "permissions": perms})
		if rec.Code != http.StatusForbidden {
			t.Errorf("%v: expected 403, got %d", perms, rec.Code)
		}
	}
	page, _ := f.log.Search(context.Background(), audit.Filter{Action: "api_key.create", Result: string(audit.ResultDenied)})
	if page.Total != 4 {
		t.Errorf("expected 4 denied creates audited, got %d", page.Total)
	}

	t.Run("subset of parent scopes is allowed", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/keys", trader, map[string]any{"name": "child", "permissions": []string{"trade"}})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		child := decode[apikey.Created](t, rec)
		if rec := f.do(t, http.MethodGet, "/v1/audit", credential{child.Key, child.Secret}, nil); rec.Code != http.StatusForbidden {
			t.Errorf("child key reading audit: expected 403, got %d", rec.Code)
		}
	})

	t.Run("all-access key grants anything", func(t *testing.T) {
		root := f.issue(t, "*")
		rec := f.do(t, http.MethodPost, "/v1/keys", root, map[string]any{"name": "ops", "permissions": []string{"admin", "audit:read"}})
		if rec.Code != http.StatusCreated {
			t.Errorf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	})
}

func TestKeyRotateRequiresMFAWhenEnabled(t *testing.T) {
	f := newAPIFixture(t)
	root := f.issue(t)
	ctx := context.Background()

	enr, err := f.mfa.Setup(ctx, f.userID, "user@example.com")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if _, err := f.mfa.Enable(ctx, f.userID, "", currentCode(t, enr.Secret)); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	c, err := f.keys.Create(ctx, f.userID, apikey.CreateParams{Name: "target", Permissions: []string{"trade"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	path := fmt.Sprintf("/v1/keys/%s/rotate", c.Info.ID)

	if rec := f.do(t, http.MethodPost, path, root, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("without token: expected 401, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, path, root, nil, HeaderMFAToken, currentCode(t, enr.Secret)); rec.Code != http.StatusOK {
		t.Errorf("with token: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

// --- MFA ---

func TestMFAFlow(t *testing.T) {
	f := newAPIFixture(t)
	c := f.issue(t)

	rec := f.do(t, http.MethodPost, "/v1/mfa/setup", c, map[string]string{"account": "user@example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("setup: %d %s", rec.Code, rec.Body.String())
	}
	enr := decode[mfa.Enrollment](t, rec)
	if !strings.HasPrefix(enr.URI, "otpauth://totp/") {
		t.Errorf("unexpected uri %q", enr.URI)
	}

	if rec := f.do(t, http.MethodPost, "/v1/mfa/enable", c, map[string]string{"token": "abcdef"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("enable with bad token: expected 401, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/mfa/enable", c, map[string]string{"secret": enr.Secret, "token": currentCode(t, enr.Secret)})
	if rec.Code != http.StatusOK {
		t.Fatalf("enable: %d %s", rec.Code, rec.Body.String())
	}
	codes := decode[struct {
		RecoveryCodes []string `json:"recovery_codes"`
	}](t, rec).RecoveryCodes
	if len(codes) != 10 {
		t.Fatalf("expected 10 recovery codes, got %d", len(codes))
	}

	if rec := f.do(t, http.MethodPost, "/v1/mfa/verify", c, map[string]string{"token": currentCode(t, enr.Secret)}); rec.Code != http.StatusOK {
		t.Errorf("verify: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/mfa/verify", c, map[string]string{"token": "abc"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("verify malformed: expected 401, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/mfa/recovery", c, map[string]string{"code": codes[0]})
	if rec.Code != http.StatusOK {
		t.Fatalf("recovery: %d", rec.Code)
	}
	if n := decode[struct {
		Remaining int `json:"recovery_codes_remaining"`
	}](t, rec).Remaining; n != 9 {
		t.Errorf("expected 9 remaining, got %d", n)
	}
	if rec := f.do(t, http.MethodPost, "/v1/mfa/recovery", c, map[string]string{"code": codes[0]}); rec.Code != http.StatusUnauthorized {
		t.Errorf("reused code: expected 401, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/mfa/status", c, nil)
	st := decode[mfa.StatusInfo](t, rec)
	if st.Status != store.MFAEnabled || st.RecoveryCodesRemaining != 9 {
		t.Errorf("unexpected status %+v", st)
	}

	if rec := f.do(t, http.MethodPost, "/v1/mfa/setup", c, map[string]string{"account": "user@example.com"}); rec.Code != http.StatusConflict {
		t.Errorf("setup while enabled: expected 409, got %d", rec.Code)
	}

	if rec := f.do(t, http.MethodPost, "/v1/mfa/disable", c, map[string]string{"code": codes[1]}); rec.Code != http.StatusOK {
		t.Errorf("disable: %d %s", rec.Code, rec.Body.String())
	}
	st = decode[mfa.StatusInfo](t, f.do(t, http.MethodGet, "/v1/mfa/status", c, nil))
	if st.Status != store.MFADisabled {
		t.Errorf("expected disabled, got %s", st.Status)
	}
}

func TestMFAAttemptLimit(t *testing.T) {
	f := newAPIFixture(t)
	f.limiter.Profiles().Replace(nil) // default auth: 5 per 15 minutes
	c := f.issue(t)
	ctx := context.Background()

	enr, err := f.mfa.Setup(ctx, f.userID, "user@example.com")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if _, err := f.mfa.Enable(ctx, f.userID, "", currentCode(t, enr.Secret)); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	// Enable used the first attempt of the window.
	for i := 2; i <= 5; i++ {
		if rec := f.do(t, http.MethodPost, "/v1/mfa/verify", c, map[string]string{"token": "000000"}); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
		}
	}
	rec := f.do(t, http.MethodPost, "/v1/mfa/verify", c, map[string]string{"token": "000000"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("6th attempt: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}

	t.Run("other entry points share the budget", func(t *testing.T) {
		if rec := f.do(t, http.MethodPost, "/v1/mfa/verify", c, map[string]string{"token": currentCode(t, enr.Secret)}); rec.Code != http.StatusTooManyRequests {
			t.Errorf("valid token: expected 429, got %d", rec.Code)
		}
		if rec := f.do(t, http.MethodPost, "/v1/mfa/recovery", c, map[string]string{"code": "AAAA-BBBB"}); rec.Code != http.StatusTooManyRequests {
			t.Errorf("recovery: expected 429, got %d", rec.Code)
		}
		if rec := f.do(t, http.MethodPost, "/v1/mfa/disable", c, map[string]string{"code": "000000"}); rec.Code != http.StatusTooManyRequests {
			t.Errorf("disable: expected 429, got %d", rec.Code)
		}
	})

	t.Run("guard step-up shares the budget", func(t *testing.T) {
		target, err := f.keys.Create(ctx, f.userID, apikey.CreateParams{Name: "target", Permissions: []string{"trade"}})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		path := fmt.Sprintf("/v1/keys/%s/rotate", target.Info.ID)
		if rec := f.do(t, http.MethodPost, path, c, nil, HeaderMFAToken, currentCode(t, enr.Secret)); rec.Code != http.StatusTooManyRequests {
			t.Errorf("rotate: expected 429, got %d", rec.Code)
		}
	})
}

func TestDecodeJSONLimits(t *testing.T) {
	f := newAPIFixture(t)
	f.h.MaxBodyBytes = 64
	c := f.issue(t)

	rec := f.do(t, http.MethodPost, "/v1/mfa/setup", c, map[string]string{"account": strings.Repeat("a", 200)})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "too large") {
		t.Errorf("expected 400 too large, got %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/mfa/verify", strings.NewReader("{not json"))
	req.Header.Set(HeaderAPIKey, c.key)
	req.Header.Set(HeaderAPISecret, c.secret)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed json: expected 400, got %d", rr.Code)
	}
}

// --- audit and locks ---

func TestAuditRoutes(t *testing.T) {
	f := newAPIFixture(t)
	plain := f.issue(t)
	reader := f.issue(t, "audit:read")
	admin := f.issue(t, "admin")

	t.Run("search needs audit:read", func(t *testing.T) {
		if rec := f.do(t, http.MethodGet, "/v1/audit", plain, nil); rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
		rec := f.do(t, http.MethodGet, "/v1/audit?category=API_KEY&limit=5", reader, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		page := decode[struct {
			Total int `json:"total"`
			Limit int `json:"limit"`
		}](t, rec)
		if page.Total < 3 {
			t.Errorf("expected key creation events, got total %d", page.Total)
		}
	})

	t.Run("non-admin search is limited to own user", func(t *testing.T) {
		other := uuid.Must(uuid.NewV7())
		if _, err := f.keys.Create(context.Background(), other, apikey.CreateParams{Name: "other", Permissions: []string{"trade"}}); err != nil {
			t.Fatalf("Create: %v", err)
		}

		rec := f.do(t, http.MethodGet, "/v1/audit?limit=500", reader, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		page := decode[struct {
			Events []struct {
				UserID *uuid.UUID `json:"user_id"`
			} `json:"events"`
		}](t, rec)
		if len(page.Events) == 0 {
			t.Fatal("expected own events")
		}
		for _, e := range page.Events {
			if e.UserID == nil || *e.UserID != f.userID {
				t.Fatalf("leaked event for user %v", e.UserID)
			}
		}

		if rec := f.do(t, http.MethodGet, "/v1/audit?user_id="+other.String(), reader, nil); rec.Code != http.StatusForbidden {
			t.Errorf("explicit other user: expected 403, got %d", rec.Code)
		}
		ops := f.issue(t, "admin", "audit:read")
		rec = f.do(t, http.MethodGet, "/v1/audit?user_id="+other.String(), ops, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("admin search: expected 200, got %d", rec.Code)
		}
		if p := decode[struct{ Total int }](t, rec); p.Total == 0 {
			t.Error("admin should see the other user's events")
		}
	})

	t.Run("all-access key passes any scope", func(t *testing.T) {
		all := f.issue(t, "*")
		if rec := f.do(t, http.MethodGet, "/v1/audit", all, nil); rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("bad query", func(t *testing.T) {
		for _, q := range []string{"user_id=x", "start=yesterday", "limit=-1", "offset=abc"} {
			if rec := f.do(t, http.MethodGet, "/v1/audit?"+q, reader, nil); rec.Code != http.StatusBadRequest {
				t.Errorf("%s: expected 400, got %d", q, rec.Code)
			}
		}
	})

	t.Run("verify needs admin", func(t *testing.T) {
		if rec := f.do(t, http.MethodPost, "/v1/audit/verify", reader, nil); rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
		rec := f.do(t, http.MethodPost, "/v1/audit/verify", admin, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		rep := decode[audit.Report](t, rec)
		if !rep.Valid || rep.Checked == 0 {
			t.Errorf("unexpected report %+v", rep)
		}
		page, _ := f.log.Search(context.Background(), audit.Filter{Action: "audit.verify"})
		if page.Total != 1 {
			t.Errorf("expected the verify run to be audited once, got %d", page.Total)
		}
	})

	t.Run("lock holder", func(t *testing.T) {
		if rec := f.do(t, http.MethodGet, "/v1/locks/wallet:1", admin, nil); rec.Code != http.StatusNotFound {
			t.Errorf("free lock: expected 404, got %d", rec.Code)
		}
		f.locks.Acquire(context.Background(), "wallet:1", "req-9", time.Second)
		rec := f.do(t, http.MethodGet, "/v1/locks/wallet:1", admin, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("held lock: expected 200, got %d", rec.Code)
		}
		if l := decode[lock.Lock](t, rec); l.Owner != "req-9" {
			t.Errorf("owner: expected req-9, got %q", l.Owner)
		}
		if rec := f.do(t, http.MethodGet, "/v1/locks/wallet:1", plain, nil); rec.Code != http.StatusForbidden {
			t.Errorf("non-admin: expected 403, got %d", rec.Code)
		}
	})
}

// --- health ---

func TestCheckHealth(t *testing.T) {
	cases := []struct {
		name     string
		db       error
		kv       fakeKV
		code     int
		degraded bool
	}{
		{"all ok", nil, fakeKV{}, http.StatusOK, false},
		{"postgres down", errors.New("dial"), fakeKV{}, http.StatusServiceUnavailable, false},
		{"redis down", nil, fakeKV{err: errors.New("dial")}, http.StatusOK, true},
		{"fallback active", nil, fakeKV{degraded: true}, http.StatusOK, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &Handler{DB: fakeDB{tc.db}, KV: tc.kv, Fallback: tc.kv}
			rec := httptest.NewRecorder()
			h.CheckHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tc.code {
				t.Errorf("status: expected %d, got %d", tc.code, rec.Code)
			}
			var body struct {
				Degraded bool `json:"degraded"`
			}
			json.Unmarshal(rec.Body.Bytes(), &body)
			if body.Degraded != tc.degraded {
				t.Errorf("degraded: expected %v, got %v", tc.degraded, body.Degraded)
			}
		})
	}
}

// --- WriteError ---

func TestWriteError(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{apperr.Validation("name", "required"), http.StatusBadRequest},
		{apperr.ErrAuthFailure, http.StatusUnauthorized},
		{apperr.ErrExpired, http.StatusUnauthorized},
		{apperr.ErrUnauthorized, http.StatusForbidden},
		{apperr.ErrNotFound, http.StatusNotFound},
		{apperr.ErrConflict, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", lock.ErrLocked), http.StatusLocked},
		{apperr.ErrLimitExceeded, http.StatusConflict},
		{&apperr.RateLimitError{Scope: "auth", RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests},
		{apperr.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		if rec.Code != tc.code {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "wrapped") || strings.Contains(rec.Body.String(), "boom") {
			t.Errorf("%v: error text leaked: %s", tc.err, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), &apperr.RateLimitError{RetryAfter: 1500 * time.Millisecond})
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After: expected 2, got %q", got)
	}
}
