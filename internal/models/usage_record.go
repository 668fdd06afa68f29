package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is the append-only fact written once per gateway request.
// Records are never mutated after insert. JSON tags cover the queue
// encoding between the gateway and the usage worker.
type UsageRecord struct {
	ID                 uuid.UUID     `db:"id" json:"id"`
	DeveloperID        uuid.UUID     `db:"developer_id" json:"developer_id"`
	APIKeyID           uuid.UUID     `db:"api_key_id" json:"api_key_id"`
	FarmerConnectionID uuid.NullUUID `db:"farmer_connection_id" json:"farmer_connection_id,omitempty"`
	Provider           string        `db:"provider" json:"provider"`
	ToolName           string        `db:"tool_name" json:"tool_name"`
	ResponseTimeMS     int           `db:"response_time_ms" json:"response_time_ms"`
	StatusCode         int           `db:"status_code" json:"status_code"`
	ErrorType          string        `db:"error_type" json:"error_type,omitempty"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
}
