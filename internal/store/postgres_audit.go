// postgres_audit.go -- audit_events table queries.
// The table is append-only; a trigger rejects UPDATE and DELETE.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const auditColumns = `id, category, action, actor, user_id, severity, result, details_kind, details, occurred_at, digest`

func scanAuditRecord(row pgx.Row) (*AuditRecord, error) {
	var r AuditRecord
	err := row.Scan(&r.ID, &r.Category, &r.Action, &r.Actor, &r.UserID, &r.Severity, &r.Result,
		&r.DetailsKind, &r.Details, &r.Timestamp, &r.Digest)
	if err != nil {
		return nil, err
	}
	r.Timestamp = r.Timestamp.UTC()
	return &r, nil
}

// AppendAuditRecord inserts one record at the end of the sequence.
func (s *PostgresStore) AppendAuditRecord(ctx context.Context, rec *AuditRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.Category, rec.Action, rec.Actor, rec.UserID, rec.Severity, rec.Result,
		rec.DetailsKind, rec.Details, rec.Timestamp, rec.Digest)
	if err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// auditWhere builds the WHERE clause for f with positional args.
func auditWhere(f AuditFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.Result != "" {
		add("result = $%d", f.Result)
	}
	if f.StartTime != nil {
		add("occurred_at >= $%d", *f.StartTime)
	}
	if f.EndTime != nil {
		add("occurred_at <= $%d", *f.EndTime)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// SearchAuditRecords returns one page of matching records, newest first, and the total match count.
func (s *PostgresStore) SearchAuditRecords(ctx context.Context, f AuditFilter) ([]AuditRecord, int, error) {
	where, args := auditWhere(f)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_events"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting audit records: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf("SELECT %s FROM audit_events%s ORDER BY seq DESC LIMIT $%d OFFSET $%d",
		auditColumns, where, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("searching audit records: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning audit record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}

// ScanAuditRecords calls fn for every record in append order; stops at the first error from fn.
func (s *PostgresStore) ScanAuditRecords(ctx context.Context, fn func(*AuditRecord) error) error {
	rows, err := s.pool.Query(ctx, "SELECT "+auditColumns+" FROM audit_events ORDER BY seq")
	if err != nil {
		return fmt.Errorf("scanning audit records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return fmt.Errorf("scanning audit record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}
