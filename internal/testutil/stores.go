// stores.go
//
// Shared mock implementations of the record stores, keyed store and audit sink.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MGallo-Code/aegis/internal/audit"
	"github.com/MGallo-Code/aegis/internal/store"
	"github.com/gofrs/uuid/v5"
)

// MockAPIKeyStore implements apikey.Store for tests.

// Always stateful...Keys is a map, like a real table.
// Use *Err fields to inject errors for specific operations.
type MockAPIKeyStore struct {
	// Error injection...zero value means no error
	InsertErr      error
	GetByPrefixErr error
	GetByIDErr     error
	ListErr        error
	UpdateErr      error
	DeactivateErr  error
	DeleteErr      error
	UsageErr       error

	Keys map[uuid.UUID]*store.APIKey

	mu sync.Mutex
}

// NewMockAPIKeyStore returns an empty key table.
func NewMockAPIKeyStore() *MockAPIKeyStore {
	return &MockAPIKeyStore{Keys: make(map[uuid.UUID]*store.APIKey)}
}

func (m *MockAPIKeyStore) InsertAPIKey(_ context.Context, k *store.APIKey, maxPerUser int) error {
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Keys == nil {
		m.Keys = make(map[uuid.UUID]*store.APIKey)
	}
	active := 0
	for _, existing := range m.Keys {
		if existing.UserID == k.UserID && existing.IsActive {
			active++
		}
	}
	if active >= maxPerUser {
		return store.ErrQuotaExceeded
	}
	cp := *k
	m.Keys[k.ID] = &cp
	return nil
}

func (m *MockAPIKeyStore) GetAPIKeysByPrefix(_ context.Context, prefix string) ([]store.APIKey, error) {
	if m.GetByPrefixErr != nil {
		return nil, m.GetByPrefixErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.APIKey
	for _, k := range m.Keys {
		if k.Prefix == prefix {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (m *MockAPIKeyStore) GetAPIKeyByID(_ context.Context, id uuid.UUID) (*store.APIKey, error) {
	if m.GetByIDErr != nil {
		return nil, m.GetByIDErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.Keys[id]
	if !ok {
		return nil, store.ErrRecordNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *MockAPIKeyStore) ListAPIKeysByUser(_ context.Context, userID uuid.UUID) ([]store.APIKey, error) {
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.APIKey
	for _, k := range m.Keys {
		if k.UserID == userID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MockAPIKeyStore) UpdateAPIKeySecretHash(_ context.Context, id uuid.UUID, secretHash string) error {
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.Keys[id]
	if !ok {
		return store.ErrRecordNotFound
	}
	k.SecretHash = secretHash
	k.UpdatedAt = time.Now()
	return nil
}

func (m *MockAPIKeyStore) DeactivateAPIKey(_ context.Context, id uuid.UUID) error {
	if m.DeactivateErr != nil {
		return m.DeactivateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.Keys[id]
	if !ok {
		return store.ErrRecordNotFound
	}
	k.IsActive = false
	return nil
}

func (m *MockAPIKeyStore) DeleteAPIKey(_ context.Context, id uuid.UUID) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Keys[id]; !ok {
		return store.ErrRecordNotFound
	}
	delete(m.Keys, id)
	return nil
}

func (m *MockAPIKeyStore) RecordAPIKeyUsage(_ context.Context, id uuid.UUID, at time.Time, ip string) error {
	if m.UsageErr != nil {
		return m.UsageErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.Keys[id]
	if !ok {
		return store.ErrRecordNotFound
	}
	k.UsageCount++
	k.LastUsedAt = &at
	k.LastUsedIP = &ip
	return nil
}

// Key returns a copy of the stored key with id, or nil.
func (m *MockAPIKeyStore) Key(id uuid.UUID) *store.APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.Keys[id]
	if !ok {
		return nil
	}
	cp := *k
	return &cp
}

// MockMFAStore implements mfa.Store for tests.
type MockMFAStore struct {
	GetErr    error
	UpsertErr error

	Credentials map[uuid.UUID]*store.MFACredential

	mu sync.Mutex
}

// NewMockMFAStore returns an empty credential table.
func NewMockMFAStore() *MockMFAStore {
	return &MockMFAStore{Credentials: make(map[uuid.UUID]*store.MFACredential)}
}

func (m *MockMFAStore) GetMFACredential(_ context.Context, userID uuid.UUID) (*store.MFACredential, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Credentials[userID]
	if !ok {
		return nil, store.ErrRecordNotFound
	}
	cp := *c
	cp.RecoveryCodes = append([]store.RecoveryCode(nil), c.RecoveryCodes...)
	return &cp, nil
}

func (m *MockMFAStore) UpsertMFACredential(_ context.Context, c *store.MFACredential) error {
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Credentials == nil {
		m.Credentials = make(map[uuid.UUID]*store.MFACredential)
	}
	cp := *c
	cp.RecoveryCodes = append([]store.RecoveryCode(nil), c.RecoveryCodes...)
	m.Credentials[c.UserID] = &cp
	return nil
}

// MockKV wraps a MemoryKV with per-operation error injection.
// A zero MockKV is usable; set *Err fields to simulate an unreachable store.
type MockKV struct {
	GetErr                error
	SetErr                error
	DeleteErr             error
	IncrErr               error
	SetIfAbsentOrEqualErr error
	DeleteIfEqualErr      error
	PingErr               error

	once  sync.Once
	inner *store.MemoryKV
}

func (m *MockKV) kv() *store.MemoryKV {
	m.once.Do(func() {
		if m.inner == nil {
			m.inner = store.NewMemoryKV()
		}
	})
	return m.inner
}

func (m *MockKV) Get(ctx context.Context, key string) (store.Entry, error) {
	if m.GetErr != nil {
		return store.Entry{}, m.GetErr
	}
	return m.kv().Get(ctx, key)
}

func (m *MockKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if m.SetErr != nil {
		return m.SetErr
	}
	return m.kv().Set(ctx, key, value, ttl)
}

func (m *MockKV) Delete(ctx context.Context, key string) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	return m.kv().Delete(ctx, key)
}

func (m *MockKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	if m.IncrErr != nil {
		return 0, time.Time{}, m.IncrErr
	}
	return m.kv().Incr(ctx, key, ttl)
}

func (m *MockKV) SetIfAbsentOrEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if m.SetIfAbsentOrEqualErr != nil {
		return false, m.SetIfAbsentOrEqualErr
	}
	return m.kv().SetIfAbsentOrEqual(ctx, key, value, ttl)
}

func (m *MockKV) DeleteIfEqual(ctx context.Context, key, value string) (bool, error) {
	if m.DeleteIfEqualErr != nil {
		return false, m.DeleteIfEqualErr
	}
	return m.kv().DeleteIfEqual(ctx, key, value)
}

func (m *MockKV) Ping(ctx context.Context) error {
	return m.PingErr
}

// MockAuditor collects emitted audit entries.
type MockAuditor struct {
	Entries []audit.Entry

	mu sync.Mutex
}

func (m *MockAuditor) Emit(_ context.Context, e audit.Entry) {
	m.mu.Lock()
	m.Entries = append(m.Entries, e)
	m.mu.Unlock()
}

// Actions returns the action of every collected entry, in order.
func (m *MockAuditor) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		out[i] = e.Action
	}
	return out
}

// Count returns how many entries have the given action and result.
func (m *MockAuditor) Count(action string, result audit.Result) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.Entries {
		if e.Action == action && e.Result == result {
			n++
		}
	}
	return n
}
