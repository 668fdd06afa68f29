package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// FarmerConnection links (developer, farmer, provider) to a stored OAuth
// credential pair. Tokens are kept encrypted at rest; the composite key
// (developer_id, farmer_identifier, provider) is unique.
//
// When NeedsReauth is set the connection is unusable until the farmer
// re-authorizes out-of-band: no refresh may be attempted against it.
type FarmerConnection struct {
	ID                    uuid.UUID      `db:"id"`
	DeveloperID           uuid.UUID      `db:"developer_id"`
	FarmerIdentifier      string         `db:"farmer_identifier"`
	Provider              string         `db:"provider"`
	ProviderUserID        sql.NullString `db:"provider_user_id"`
	AccessTokenEncrypted  string         `db:"access_token_encrypted"`
	RefreshTokenEncrypted string         `db:"refresh_token_encrypted"`
	TokenExpiresAt        time.Time      `db:"token_expires_at"`
	Scopes                pq.StringArray `db:"scopes"`
	IsActive              bool           `db:"is_active"`
	NeedsReauth           bool           `db:"needs_reauth"`
	LastRefreshError      sql.NullString `db:"last_refresh_error"`
	LastRefreshAt         sql.NullTime   `db:"last_refresh_at"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}
