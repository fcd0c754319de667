// sqlite.go -- SQLite backend for the audit log.
//
// Durable single-instance alternative to Postgres for the audit sequence.
// Runs in WAL mode with one connection, since SQLite has a single writer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteAuditStore appends audit records to a SQLite file.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore opens (or creates) the database at path and ensures the schema exists.
func NewSQLiteAuditStore(path string) (*SQLiteAuditStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteAuditStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteAuditStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_events (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		id           TEXT NOT NULL UNIQUE,
		category     TEXT NOT NULL,
		action       TEXT NOT NULL,
		actor        TEXT NOT NULL,
		user_id      TEXT,
		severity     TEXT NOT NULL,
		result       TEXT NOT NULL,
		details_kind TEXT NOT NULL,
		details      BLOB NOT NULL,
		occurred_at  INTEGER NOT NULL,
		digest       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_user_id ON audit_events(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_occurred_at ON audit_events(occurred_at);

	CREATE TRIGGER IF NOT EXISTS audit_events_no_update BEFORE UPDATE ON audit_events
	BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS audit_events_no_delete BEFORE DELETE ON audit_events
	BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END;
	`)
	return err
}

// Close closes the database.
func (s *SQLiteAuditStore) Close() error {
	return s.db.Close()
}

// AppendAuditRecord inserts one record at the end of the sequence.
func (s *SQLiteAuditStore) AppendAuditRecord(ctx context.Context, rec *AuditRecord) error {
	var userID sql.NullString
	if rec.UserID != nil {
		userID = sql.NullString{String: rec.UserID.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, category, action, actor, user_id, severity, result,
			details_kind, details, occurred_at, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID.String(), rec.Category, rec.Action, rec.Actor, userID, rec.Severity, rec.Result,
		rec.DetailsKind, rec.Details, rec.Timestamp.UnixNano(), rec.Digest)
	if err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAudit(row rowScanner) (*AuditRecord, error) {
	var (
		r        AuditRecord
		id       string
		userID   sql.NullString
		occurred int64
	)
	err := row.Scan(&id, &r.Category, &r.Action, &r.Actor, &userID, &r.Severity, &r.Result,
		&r.DetailsKind, &r.Details, &occurred, &r.Digest)
	if err != nil {
		return nil, err
	}
	if r.ID, err = uuid.FromString(id); err != nil {
		return nil, fmt.Errorf("parsing audit id: %w", err)
	}
	if userID.Valid {
		uid, err := uuid.FromString(userID.String)
		if err != nil {
			return nil, fmt.Errorf("parsing audit user id: %w", err)
		}
		r.UserID = &uid
	}
	r.Timestamp = time.Unix(0, occurred).UTC()
	return &r, nil
}

const sqliteAuditColumns = `id, category, action, actor, user_id, severity, result, details_kind, details, occurred_at, digest`

// SearchAuditRecords returns one page of matching records, newest first, and the total match count.
func (s *SQLiteAuditStore) SearchAuditRecords(ctx context.Context, f AuditFilter) ([]AuditRecord, int, error) {
	var conds []string
	var args []any
	if f.UserID != nil {
		conds, args = append(conds, "user_id = ?"), append(args, f.UserID.String())
	}
	if f.Category != "" {
		conds, args = append(conds, "category = ?"), append(args, f.Category)
	}
	if f.Action != "" {
		conds, args = append(conds, "action = ?"), append(args, f.Action)
	}
	if f.Severity != "" {
		conds, args = append(conds, "severity = ?"), append(args, f.Severity)
	}
	if f.Result != "" {
		conds, args = append(conds, "result = ?"), append(args, f.Result)
	}
	if f.StartTime != nil {
		conds, args = append(conds, "occurred_at >= ?"), append(args, f.StartTime.UnixNano())
	}
	if f.EndTime != nil {
		conds, args = append(conds, "occurred_at <= ?"), append(args, f.EndTime.UnixNano())
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting audit records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteAuditColumns+" FROM audit_events"+where+" ORDER BY seq DESC LIMIT ? OFFSET ?",
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("searching audit records: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		rec, err := scanSQLiteAudit(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}

// ScanAuditRecords calls fn for every record in append order.
func (s *SQLiteAuditStore) ScanAuditRecords(ctx context.Context, fn func(*AuditRecord) error) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sqliteAuditColumns+" FROM audit_events ORDER BY seq")
	if err != nil {
		return fmt.Errorf("scanning audit records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanSQLiteAudit(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}
