package audit

import (
	"context"
	"sync"

	"github.com/MGallo-Code/aegis/internal/store"
)

// MemoryStore keeps the audit sequence in process memory.
// Single-instance only; contents are lost on exit.
type MemoryStore struct {
	mu      sync.RWMutex
	records []store.AuditRecord
}

// NewMemoryStore returns an empty sequence.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendAuditRecord(_ context.Context, rec *store.AuditRecord) error {
	cp := *rec
	cp.Details = append([]byte(nil), rec.Details...)
	m.mu.Lock()
	m.records = append(m.records, cp)
	m.mu.Unlock()
	return nil
}

// SearchAuditRecords pages over matches, newest first.
func (m *MemoryStore) SearchAuditRecords(_ context.Context, f store.AuditFilter) ([]store.AuditRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []store.AuditRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if f.Matches(&m.records[i]) {
			matches = append(matches, m.records[i])
		}
	}

	total := len(matches)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}
	return matches[f.Offset:end], total, nil
}

func (m *MemoryStore) ScanAuditRecords(_ context.Context, fn func(*store.AuditRecord) error) error {
	m.mu.RLock()
	snapshot := make([]store.AuditRecord, len(m.records))
	copy(snapshot, m.records)
	m.mu.RUnlock()

	for i := range snapshot {
		if err := fn(&snapshot[i]); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
