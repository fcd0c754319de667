package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/aegis/internal/apperr"
	"github.com/MGallo-Code/aegis/internal/metrics"
	"github.com/MGallo-Code/aegis/internal/store"
	"github.com/gofrs/uuid/v5"
)

const (
	// DefaultSearchLimit applies when a search sets no limit.
	DefaultSearchLimit = 50
	// MaxSearchLimit caps a single page.
	MaxSearchLimit = 500
)

// Store is the append-only backing sequence.
// Satisfied by *store.PostgresStore, *store.SQLiteAuditStore and *MemoryStore.
type Store interface {
	// AppendAuditRecord adds rec at the end of the sequence.
	AppendAuditRecord(ctx context.Context, rec *store.AuditRecord) error

	// SearchAuditRecords returns one page of matches (newest first) and the total match count.
	SearchAuditRecords(ctx context.Context, f store.AuditFilter) ([]store.AuditRecord, int, error)

	// ScanAuditRecords visits every record in append order.
	ScanAuditRecords(ctx context.Context, fn func(*store.AuditRecord) error) error
}

// Filter narrows a search; see store.AuditFilter.
type Filter = store.AuditFilter

// Page is one page of search results.
type Page struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Report is the outcome of an integrity check.
type Report struct {
	Valid      bool        `json:"valid"`
	Checked    int         `json:"checked"`
	InvalidIDs []uuid.UUID `json:"invalid_record_ids"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Log records and queries audit events.
type Log struct {
	st     Store
	now    func() time.Time
	logger *slog.Logger
}

// NewLog returns a Log appending to st.
func NewLog(st Store) *Log {
	return &Log{
		st:     st,
		now:    time.Now,
		logger: slog.Default().With("component", "audit"),
	}
}

// Record validates e, stamps id, timestamp and digest, and appends it.
// Timestamps are truncated to microseconds so they survive a Postgres round trip
// unchanged and the digest still verifies after reload.
func (l *Log) Record(ctx context.Context, e Entry) (*Event, error) {
	if !e.Category.Valid() {
		return nil, apperr.Validation("category", fmt.Sprintf("unknown category %q", e.Category))
	}
	if !e.Actor.Valid() {
		return nil, apperr.Validation("actor", fmt.Sprintf("unknown actor %q", e.Actor))
	}
	if e.Action == "" {
		return nil, apperr.Validation("action", "required")
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Result == "" {
		e.Result = ResultSuccess
	}
	if e.Details == nil {
		e.Details = NoDetails{}
	}

	raw, err := json.Marshal(e.Details)
	if err != nil {
		return nil, fmt.Errorf("encoding audit details: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating audit id: %w", err)
	}

	rec := &store.AuditRecord{
		ID:          id,
		Category:    string(e.Category),
		Action:      e.Action,
		Actor:       string(e.Actor),
		UserID:      e.UserID,
		Severity:    string(e.Severity),
		Result:      string(e.Result),
		DetailsKind: e.Details.Kind(),
		Details:     raw,
		Timestamp:   l.now().UTC().Truncate(time.Microsecond),
	}
	rec.Digest = ComputeDigest(rec)

	if err := l.st.AppendAuditRecord(ctx, rec); err != nil {
		l.logger.Error("failed to append audit event", "action", e.Action, "error", err)
		return nil, fmt.Errorf("recording audit event: %w", err)
	}
	metrics.RecordAuditAppend(rec.Category)
	l.logger.Debug("audit event recorded", "id", id, "category", rec.Category, "action", rec.Action, "result", rec.Result)

	return &Event{
		ID:        rec.ID,
		Category:  e.Category,
		Action:    e.Action,
		Actor:     e.Actor,
		UserID:    e.UserID,
		Severity:  e.Severity,
		Result:    e.Result,
		Details:   e.Details,
		Timestamp: rec.Timestamp,
		Digest:    rec.Digest,
	}, nil
}

// Emit records e and only logs a failure. For call sites where the audited
// operation has already been decided and must not fail on audit errors.
func (l *Log) Emit(ctx context.Context, e Entry) {
	if _, err := l.Record(ctx, e); err != nil {
		l.logger.Warn("audit event dropped", "action", e.Action, "error", err)
	}
}

// Search filters and paginates the sequence, newest first.
func (l *Log) Search(ctx context.Context, f Filter) (*Page, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultSearchLimit
	}
	if f.Limit > MaxSearchLimit {
		f.Limit = MaxSearchLimit
	}
	if f.Offset < 0 {
		return nil, apperr.Validation("offset", "must not be negative")
	}
	if f.StartTime != nil && f.EndTime != nil && f.EndTime.Before(*f.StartTime) {
		return nil, apperr.Validation("end_time", "before start_time")
	}

	recs, total, err := l.st.SearchAuditRecords(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("searching audit log: %w", err)
	}

	page := &Page{Events: make([]Event, 0, len(recs)), Total: total, Limit: f.Limit, Offset: f.Offset}
	for i := range recs {
		ev, err := toEvent(&recs[i])
		if err != nil {
			// Still return the record; VerifyIntegrity is where tampering gets reported.
			l.logger.Warn("undecodable audit details", "id", recs[i].ID, "error", err)
			ev.Details = NoDetails{}
		}
		page.Events = append(page.Events, *ev)
	}
	return page, nil
}

// VerifyIntegrity recomputes every record's digest and reports the mismatches.
// Detects field tampering within a record; whole-record deletion or reordering is not detected.
func (l *Log) VerifyIntegrity(ctx context.Context) (*Report, error) {
	report := &Report{InvalidIDs: []uuid.UUID{}}
	err := l.st.ScanAuditRecords(ctx, func(rec *store.AuditRecord) error {
		report.Checked++
		if ComputeDigest(rec) != rec.Digest {
			report.InvalidIDs = append(report.InvalidIDs, rec.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("verifying audit log: %w", err)
	}
	report.Valid = len(report.InvalidIDs) == 0
	report.CheckedAt = l.now().UTC()
	metrics.SetAuditInvalidRecords(len(report.InvalidIDs))

	if !report.Valid {
		l.logger.Error("audit integrity check failed", "checked", report.Checked, "invalid", len(report.InvalidIDs))
	}
	return report, nil
}

// toEvent converts a stored record. The event is always returned; err reports
// details that could not be decoded, in which case Details is nil.
func toEvent(rec *store.AuditRecord) (*Event, error) {
	details, err := decodeDetails(rec.DetailsKind, rec.Details)
	return &Event{
		ID:        rec.ID,
		Category:  Category(rec.Category),
		Action:    rec.Action,
		Actor:     Actor(rec.Actor),
		UserID:    rec.UserID,
		Severity:  Severity(rec.Severity),
		Result:    Result(rec.Result),
		Details:   details,
		Timestamp: rec.Timestamp,
		Digest:    rec.Digest,
	}, err
}
