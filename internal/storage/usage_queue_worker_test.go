package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agri_gateway/internal/models"
	"agri_gateway/internal/queue"
)

type fakeInserter struct {
	mu        sync.Mutex
	inserted  []*models.UsageRecord
	batchErr  error
	insertErr error
}

func (f *fakeInserter) Insert(ctx context.Context, record *models.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, record)
	return nil
}

func (f *fakeInserter) InsertBatch(ctx context.Context, records []*models.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return f.batchErr
	}
	f.inserted = append(f.inserted, records...)
	return nil
}

func (f *fakeInserter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func workerConfig() *queue.Config {
	cfg := queue.DefaultConfig("usage-test")
	cfg.BatchSize = 10
	cfg.BatchTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 1
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func usageRecord() *models.UsageRecord {
	return &models.UsageRecord{
		ID:          uuid.New(),
		DeveloperID: uuid.New(),
		APIKeyID:    uuid.New(),
		Provider:    "john_deere",
		ToolName:    "get_fields",
		StatusCode:  200,
		CreatedAt:   time.Now().UTC(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestUsageQueueWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("drains records into the repository", func(t *testing.T) {
		cfg := workerConfig()
		q := queue.NewMemoryQueue(cfg)
		dlq := queue.NewMemoryDeadLetterQueue()
		repo := &fakeInserter{}

		worker := NewUsageQueueWorker(q, dlq, repo, nil, cfg, zerolog.Nop())
		worker.Start(ctx)
		defer worker.Stop()

		for i := 0; i < 3; i++ {
			require.NoError(t, worker.Enqueue(ctx, usageRecord()))
		}

		waitFor(t, func() bool { return repo.count() == 3 })
	})

	t.Run("falls back to individual inserts when the batch fails", func(t *testing.T) {
		cfg := workerConfig()
		q := queue.NewMemoryQueue(cfg)
		dlq := queue.NewMemoryDeadLetterQueue()
		repo := &fakeInserter{batchErr: errors.New("batch insert failed")}

		worker := NewUsageQueueWorker(q, dlq, repo, nil, cfg, zerolog.Nop())
		worker.Start(ctx)
		defer worker.Stop()

		require.NoError(t, worker.Enqueue(ctx, usageRecord()))
		require.NoError(t, worker.Enqueue(ctx, usageRecord()))

		waitFor(t, func() bool { return repo.count() == 2 })

		items, err := dlq.List(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("parks unrecoverable records in the dead letter queue", func(t *testing.T) {
		cfg := workerConfig()
		q := queue.NewMemoryQueue(cfg)
		dlq := queue.NewMemoryDeadLetterQueue()
		repo := &fakeInserter{
			batchErr:  errors.New("batch insert failed"),
			insertErr: errors.New("insert failed"),
		}

		worker := NewUsageQueueWorker(q, dlq, repo, nil, cfg, zerolog.Nop())
		worker.Start(ctx)
		defer worker.Stop()

		record := usageRecord()
		require.NoError(t, worker.Enqueue(ctx, record))

		waitFor(t, func() bool {
			items, err := dlq.List(ctx, 10)
			return err == nil && len(items) == 1
		})

		items, err := dlq.List(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, record.ID, items[0].Record.ID)
		assert.Equal(t, "insert failed", items[0].Error)
	})
}
