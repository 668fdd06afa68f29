package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"agri_gateway/internal/models"
)

// UsageRepository owns the append-only usage_logs table.
type UsageRepository struct {
	db *DB
}

func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

const insertUsageQuery = `
	INSERT INTO usage_logs (
		id, developer_id, api_key_id, farmer_connection_id,
		provider, tool_name, response_time_ms, status_code,
		error_type, created_at
	) VALUES (
		:id, :developer_id, :api_key_id, :farmer_connection_id,
		:provider, :tool_name, :response_time_ms, :status_code,
		:error_type, :created_at
	)`

// Insert writes a single usage record.
func (r *UsageRepository) Insert(ctx context.Context, record *models.UsageRecord) error {
	ensureRecordID(record)

	if _, err := r.db.conn.NamedExecContext(ctx, insertUsageQuery, record); err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	return nil
}

// InsertBatch writes a batch of records in one transaction.
func (r *UsageRepository) InsertBatch(ctx context.Context, records []*models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, record := range records {
		ensureRecordID(record)
		if err := r.insertTx(ctx, tx, record); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage batch: %w", err)
	}

	return nil
}

func (r *UsageRepository) insertTx(ctx context.Context, tx *sqlx.Tx, record *models.UsageRecord) error {
	if _, err := tx.NamedExecContext(ctx, insertUsageQuery, record); err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

func ensureRecordID(record *models.UsageRecord) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
}
