// postgres_mfa.go -- mfa_credentials table queries.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// GetMFACredential fetches a user's credential. Returns ErrRecordNotFound if the user never enrolled.
func (s *PostgresStore) GetMFACredential(ctx context.Context, userID uuid.UUID) (*MFACredential, error) {
	var c MFACredential
	var codes []byte
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, secret, status, recovery_codes, enabled_at, created_at, updated_at
		FROM mfa_credentials WHERE user_id = $1
	`, userID).Scan(&c.UserID, &c.Secret, &c.Status, &codes, &c.EnabledAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(codes, &c.RecoveryCodes); err != nil {
		return nil, fmt.Errorf("parsing recovery codes: %w", err)
	}
	return &c, nil
}

// UpsertMFACredential writes the full credential row, replacing any previous one.
// Setup, enable, code consumption and regeneration all persist through here.
func (s *PostgresStore) UpsertMFACredential(ctx context.Context, c *MFACredential) error {
	codes := c.RecoveryCodes
	if codes == nil {
		codes = []RecoveryCode{}
	}
	raw, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("encoding recovery codes: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO mfa_credentials (user_id, secret, status, recovery_codes, enabled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			secret = excluded.secret,
			status = excluded.status,
			recovery_codes = excluded.recovery_codes,
			enabled_at = excluded.enabled_at,
			updated_at = excluded.updated_at
	`, c.UserID, c.Secret, string(c.Status), raw, c.EnabledAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting mfa credential: %w", err)
	}
	return nil
}
