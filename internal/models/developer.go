package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tier is a subscription level. It determines both rate-limit
// dimensions: the per-minute allowance (from the tier table in config)
// and the monthly request quota (stored on the subscription row).
type Tier string

const (
	TierFree       Tier = "free"
	TierDeveloper  Tier = "developer"
	TierEnterprise Tier = "enterprise"
)

// Developer is a tenant of the gateway. A developer owns API keys and
// exactly one active subscription.
type Developer struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	Email       string         `db:"email" json:"email"`
	CompanyName sql.NullString `db:"company_name" json:"company_name,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// Subscription carries the developer's tier and monthly request quota.
type Subscription struct {
	ID                  uuid.UUID `db:"id" json:"id"`
	DeveloperID         uuid.UUID `db:"developer_id" json:"developer_id"`
	Tier                Tier      `db:"tier" json:"tier"`
	MonthlyRequestLimit int       `db:"monthly_request_limit" json:"monthly_request_limit"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}
