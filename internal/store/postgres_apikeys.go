// postgres_apikeys.go -- api_keys table queries.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const apiKeyColumns = `id, user_id, name, prefix, key_hash, secret_hash, permissions, ip_whitelist,
	expires_at, is_active, usage_count, last_used_at, last_used_ip, rate_limit_per_minute,
	created_at, updated_at`

func scanAPIKey(row pgx.Row) (*APIKey, error) {
	var k APIKey
	err := row.Scan(
		&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.KeyHash, &k.SecretHash, &k.Permissions, &k.IPWhitelist,
		&k.ExpiresAt, &k.IsActive, &k.UsageCount, &k.LastUsedAt, &k.LastUsedIP, &k.RateLimitPerMinute,
		&k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func collectAPIKeys(rows pgx.Rows) ([]APIKey, error) {
	defer rows.Close()
	var keys []APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// InsertAPIKey stores k unless its owner already holds maxPerUser active keys.
// The count and insert share a transaction holding a per-user advisory lock,
// so concurrent creates for one user cannot overshoot the quota.
func (s *PostgresStore) InsertAPIKey(ctx context.Context, k *APIKey, maxPerUser int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning api key insert: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", k.UserID.String()); err != nil {
		return fmt.Errorf("locking user keys: %w", err)
	}

	var count int
	err = tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM api_keys WHERE user_id = $1 AND is_active",
		k.UserID,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("counting user keys: %w", err)
	}
	if count >= maxPerUser {
		return ErrQuotaExceeded
	}

	perms, whitelist := k.Permissions, k.IPWhitelist
	if perms == nil {
		perms = []string{}
	}
	if whitelist == nil {
		whitelist = []string{}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, name, prefix, key_hash, secret_hash, permissions, ip_whitelist,
			expires_at, is_active, rate_limit_per_minute, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, k.ID, k.UserID, k.Name, k.Prefix, k.KeyHash, k.SecretHash, perms, whitelist,
		k.ExpiresAt, k.IsActive, k.RateLimitPerMinute, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}

	return tx.Commit(ctx)
}

// GetAPIKeysByPrefix returns every key sharing the non-secret lookup prefix.
func (s *PostgresStore) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKey, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+apiKeyColumns+" FROM api_keys WHERE prefix = $1", prefix)
	if err != nil {
		return nil, fmt.Errorf("querying keys by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

// GetAPIKeyByID fetches one key. Returns ErrRecordNotFound if absent.
func (s *PostgresStore) GetAPIKeyByID(ctx context.Context, id uuid.UUID) (*APIKey, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+apiKeyColumns+" FROM api_keys WHERE id = $1", id)
	k, err := scanAPIKey(row)
	if err != nil {
		return nil, notFound(err)
	}
	return k, nil
}

// ListAPIKeysByUser returns the user's keys, newest first.
func (s *PostgresStore) ListAPIKeysByUser(ctx context.Context, userID uuid.UUID) ([]APIKey, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+apiKeyColumns+" FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return collectAPIKeys(rows)
}

// UpdateAPIKeySecretHash replaces the secret hash; the old secret stops validating immediately.
func (s *PostgresStore) UpdateAPIKeySecretHash(ctx context.Context, id uuid.UUID, secretHash string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE api_keys SET secret_hash = $2, updated_at = now() WHERE id = $1", id, secretHash)
	if err != nil {
		return fmt.Errorf("rotating secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// DeactivateAPIKey sets is_active = false. There is no reverse operation.
func (s *PostgresStore) DeactivateAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE api_keys SET is_active = FALSE, updated_at = now() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("revoking key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// DeleteAPIKey hard-deletes a key row.
func (s *PostgresStore) DeleteAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM api_keys WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// RecordAPIKeyUsage bumps usage_count and stamps the last use.
func (s *PostgresStore) RecordAPIKeyUsage(ctx context.Context, id uuid.UUID, at time.Time, ip string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE api_keys
		SET usage_count = usage_count + 1, last_used_at = $2, last_used_ip = $3
		WHERE id = $1
	`, id, at, ip)
	if err != nil {
		return fmt.Errorf("recording key usage: %w", err)
	}
	return nil
}
