package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"agri_gateway/internal/models"
)

// APIKeyRepository resolves hashed credentials against the credential
// store. Lookups join the key with its developer and subscription so
// authentication is a single round trip.
type APIKeyRepository struct {
	db *DB
}

func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

type validationRow struct {
	KeyID               uuid.UUID      `db:"key_id"`
	DeveloperID         uuid.UUID      `db:"developer_id"`
	Email               string         `db:"email"`
	CompanyName         sql.NullString `db:"company_name"`
	SubscriptionID      uuid.UUID      `db:"subscription_id"`
	Tier                models.Tier    `db:"tier"`
	MonthlyRequestLimit int            `db:"monthly_request_limit"`
}

// LookupByHash returns the validated identity for an active key hash.
// A missing key, inactive key, or missing subscription row all yield
// ErrAPIKeyNotFound rather than a distinct error: the caller treats
// every one of them as an invalid credential.
func (r *APIKeyRepository) LookupByHash(ctx context.Context, keyHash string) (*models.KeyValidation, error) {
	const query = `
		SELECT k.id AS key_id,
		       d.id AS developer_id,
		       d.email,
		       d.company_name,
		       s.id AS subscription_id,
		       s.tier,
		       s.monthly_request_limit
		FROM api_keys k
		JOIN developers d ON d.id = k.developer_id
		JOIN subscriptions s ON s.developer_id = d.id
		WHERE k.key_hash = $1
		  AND k.is_active = TRUE`

	var row validationRow
	if err := r.db.conn.GetContext(ctx, &row, query, keyHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	return &models.KeyValidation{
		Valid: true,
		Developer: &models.Developer{
			ID:          row.DeveloperID,
			Email:       row.Email,
			CompanyName: row.CompanyName,
		},
		Subscription: &models.Subscription{
			ID:                  row.SubscriptionID,
			DeveloperID:         row.DeveloperID,
			Tier:                row.Tier,
			MonthlyRequestLimit: row.MonthlyRequestLimit,
		},
		KeyID: row.KeyID.String(),
	}, nil
}

// ListKeyPrefixes returns the cache-key prefixes of every key a
// developer owns, active or not, so invalidation covers revoked keys.
func (r *APIKeyRepository) ListKeyPrefixes(ctx context.Context, developerID string) ([]string, error) {
	const query = `SELECT key_prefix FROM api_keys WHERE developer_id = $1`

	var prefixes []string
	if err := r.db.conn.SelectContext(ctx, &prefixes, query, developerID); err != nil {
		return nil, fmt.Errorf("failed to list key prefixes: %w", err)
	}

	return prefixes, nil
}
