package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"agri_gateway/internal/models"
)

// ConnectionRepository owns the farmer_connections table.
type ConnectionRepository struct {
	db *DB
}

func NewConnectionRepository(db *DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// ListActiveProviders returns the providers a farmer has active
// connections for under this developer.
func (r *ConnectionRepository) ListActiveProviders(ctx context.Context, developerID, farmerID string) ([]string, error) {
	const query = `
		SELECT provider
		FROM farmer_connections
		WHERE developer_id = $1
		  AND farmer_identifier = $2
		  AND is_active = TRUE
		ORDER BY provider`

	var providers []string
	if err := r.db.conn.SelectContext(ctx, &providers, query, developerID, farmerID); err != nil {
		return nil, fmt.Errorf("failed to list farmer connections: %w", err)
	}

	return providers, nil
}

// GetActive fetches the active connection for (developer, farmer,
// provider), needs_reauth or not. The token manager decides what a
// flagged connection means; the repository just reports it.
func (r *ConnectionRepository) GetActive(ctx context.Context, developerID, farmerID, provider string) (*models.FarmerConnection, error) {
	const query = `
		SELECT *
		FROM farmer_connections
		WHERE developer_id = $1
		  AND farmer_identifier = $2
		  AND provider = $3
		  AND is_active = TRUE`

	var conn models.FarmerConnection
	if err := r.db.conn.GetContext(ctx, &conn, query, developerID, farmerID, provider); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get farmer connection: %w", err)
	}

	return &conn, nil
}

// ListExpiring returns active connections that are not flagged for
// re-auth and whose tokens expire before the threshold. Connections
// already needing re-auth are excluded at the query level so a sweep
// can never pick one up.
func (r *ConnectionRepository) ListExpiring(ctx context.Context, threshold time.Time) ([]models.FarmerConnection, error) {
	const query = `
		SELECT *
		FROM farmer_connections
		WHERE is_active = TRUE
		  AND needs_reauth = FALSE
		  AND token_expires_at < $1`

	var conns []models.FarmerConnection
	if err := r.db.conn.SelectContext(ctx, &conns, query, threshold); err != nil {
		return nil, fmt.Errorf("failed to list expiring connections: %w", err)
	}

	return conns, nil
}

// UpdateTokens stores freshly encrypted tokens after a successful
// refresh, clearing the re-auth flag and error diagnostics.
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, id uuid.UUID, accessEncrypted, refreshEncrypted string, expiresAt time.Time) error {
	const query = `
		UPDATE farmer_connections
		SET access_token_encrypted = $2,
		    refresh_token_encrypted = $3,
		    token_expires_at = $4,
		    needs_reauth = FALSE,
		    last_refresh_error = NULL,
		    last_refresh_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1`

	if _, err := r.db.conn.ExecContext(ctx, query, id, accessEncrypted, refreshEncrypted, expiresAt); err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}

	return nil
}

// MarkNeedsReauth flags a connection as requiring out-of-band
// re-authorization and records why.
func (r *ConnectionRepository) MarkNeedsReauth(ctx context.Context, id uuid.UUID, reason string) error {
	const query = `
		UPDATE farmer_connections
		SET needs_reauth = TRUE,
		    last_refresh_error = $2,
		    updated_at = NOW()
		WHERE id = $1`

	if _, err := r.db.conn.ExecContext(ctx, query, id, reason); err != nil {
		return fmt.Errorf("failed to mark connection for re-auth: %w", err)
	}

	return nil
}

// Upsert creates or replaces the connection for (developer, farmer,
// provider). Used by the OAuth callback flow via the token-store
// endpoint; a re-established connection clears needs_reauth.
func (r *ConnectionRepository) Upsert(ctx context.Context, conn *models.FarmerConnection) error {
	const query = `
		INSERT INTO farmer_connections (
			id, developer_id, farmer_identifier, provider, provider_user_id,
			access_token_encrypted, refresh_token_encrypted, token_expires_at,
			scopes, is_active, needs_reauth, last_refresh_error, last_refresh_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			TRUE, FALSE, NULL, NOW(), NOW(), NOW()
		)
		ON CONFLICT (developer_id, farmer_identifier, provider) DO UPDATE
		SET provider_user_id = EXCLUDED.provider_user_id,
		    access_token_encrypted = EXCLUDED.access_token_encrypted,
		    refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
		    token_expires_at = EXCLUDED.token_expires_at,
		    scopes = EXCLUDED.scopes,
		    is_active = TRUE,
		    needs_reauth = FALSE,
		    last_refresh_error = NULL,
		    last_refresh_at = NOW(),
		    updated_at = NOW()`

	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}

	_, err := r.db.conn.ExecContext(ctx, query,
		conn.ID,
		conn.DeveloperID,
		conn.FarmerIdentifier,
		conn.Provider,
		conn.ProviderUserID,
		conn.AccessTokenEncrypted,
		conn.RefreshTokenEncrypted,
		conn.TokenExpiresAt,
		pq.Array([]string(conn.Scopes)),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert farmer connection: %w", err)
	}

	return nil
}
