package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore reads tenant credentials from the vendor_credentials table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get implements Store. The newest row for the tenant and vendor wins.
func (s *PostgresStore) Get(ctx context.Context, tenantID, vendor string) (*Record, error) {
	query := `
		SELECT id, api_key, is_active, expires_at
		FROM vendor_credentials
		WHERE tenant_id = $1 AND vendor = $2
		ORDER BY created_at DESC
		LIMIT 1`

	var rec Record
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, tenantID, vendor).Scan(&rec.ID, &rec.Value, &rec.Active, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query vendor credential: %w", err)
	}
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}
	return &rec, nil
}

// TouchUsage implements Store.
func (s *PostgresStore) TouchUsage(ctx context.Context, credentialID string) error {
	query := `
		UPDATE vendor_credentials
		SET last_used_at = NOW(), usage_count = usage_count + 1
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, credentialID); err != nil {
		return fmt.Errorf("update credential usage: %w", err)
	}
	return nil
}
