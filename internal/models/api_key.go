package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey identifies a developer at request time. Only a one-way hash of
// the credential is stored, plus a short prefix used as a cache key so
// raw secret material never appears in the cache keyspace. Keys are
// revoked by flipping is_active, never deleted.
type APIKey struct {
	ID          uuid.UUID `db:"id" json:"id"`
	DeveloperID uuid.UUID `db:"developer_id" json:"developer_id"`
	Name        string    `db:"name" json:"name"`
	KeyHash     string    `db:"key_hash" json:"-"`
	KeyPrefix   string    `db:"key_prefix" json:"key_prefix"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// KeyValidation is the projection of (APIKey, Developer, Subscription)
// produced by authentication. It is what gets cached per key prefix;
// absence from the cache never implies invalidity, only a miss.
type KeyValidation struct {
	Valid        bool          `json:"valid"`
	Developer    *Developer    `json:"developer,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`
	KeyID        string        `json:"key_id,omitempty"`
}
