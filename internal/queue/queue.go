// Package queue buffers usage records between the request path and the
// usage worker. Two backends:
//
//  1. Memory queue (channel-based): no persistence, no external
//     dependencies; fine for single-instance deployments.
//  2. Redis queue (list-based): survives restarts and supports several
//     gateway instances feeding one worker pool.
//
// The worker drains in batches (BatchSize items or BatchTimeout,
// whichever first), retries failed batches per record with backoff, and
// parks records that exhaust their retries in a dead-letter queue.
package queue

import (
	"context"
	"time"

	"agri_gateway/internal/models"
)

// Queue is the transport between the gateway and the usage worker.
type Queue interface {
	// Enqueue adds a record. It must return quickly; the request
	// path waits on it only for durability, not for processing.
	Enqueue(ctx context.Context, record *models.UsageRecord) error

	// DequeueWithTimeout retrieves up to maxItems records, waiting at
	// most timeout for the first one. An empty slice means the
	// timeout elapsed with nothing queued.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]*models.UsageRecord, error)

	// Length returns the current queue depth.
	Length(ctx context.Context) (int, error)

	// Close shuts the queue down.
	Close() error
}

// DeadLetterQueue holds records that could not be persisted.
type DeadLetterQueue interface {
	Add(ctx context.Context, record *models.UsageRecord, err error) error
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// DeadLetterItem wraps a parked record with its failure context.
type DeadLetterItem struct {
	ID        string              `json:"id"`
	Record    *models.UsageRecord `json:"record"`
	Error     string              `json:"error"`
	Timestamp time.Time           `json:"timestamp"`
	Retries   int                 `json:"retries"`
}

// Config holds queue and worker tuning.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	QueueName    string
}

// DefaultConfig returns the default tuning for a named queue.
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		QueueName:    queueName,
	}
}
