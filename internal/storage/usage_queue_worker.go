package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"agri_gateway/internal/logging"
	"agri_gateway/internal/models"
	"agri_gateway/internal/queue"
)

// UsageQueueWorker drains the usage queue into PostgreSQL. Inserting is
// best-effort from the request's point of view: the gateway only waits
// on Enqueue, never on the insert, and a record that exhausts its
// retries goes to the dead-letter queue instead of failing anything.
type UsageQueueWorker struct {
	queue  queue.Queue
	dlq    queue.DeadLetterQueue
	repo   UsageInserter
	sink   logging.Sink
	config *queue.Config
	logger zerolog.Logger

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// UsageInserter is the slice of the usage repository the worker needs.
type UsageInserter interface {
	Insert(ctx context.Context, record *models.UsageRecord) error
	InsertBatch(ctx context.Context, records []*models.UsageRecord) error
}

func NewUsageQueueWorker(q queue.Queue, dlq queue.DeadLetterQueue, repo UsageInserter, sink logging.Sink, config *queue.Config, logger zerolog.Logger) *UsageQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("usage")
	}
	if sink == nil {
		sink = logging.NewNoopSink()
	}

	return &UsageQueueWorker{
		queue:       q,
		dlq:         dlq,
		repo:        repo,
		sink:        sink,
		config:      config,
		logger:      logger.With().Str("component", "usage-worker").Logger(),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Enqueue hands a record to the pipeline. The caller awaits only this.
func (w *UsageQueueWorker) Enqueue(ctx context.Context, record *models.UsageRecord) error {
	return w.queue.Enqueue(ctx, record)
}

// Start launches the worker goroutine.
func (w *UsageQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop drains the current batch and stops the worker.
func (w *UsageQueueWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

func (w *UsageQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info().Msg("usage worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info().Msg("usage worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

func (w *UsageQueueWorker) processBatch(ctx context.Context) {
	records, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error().Err(err).Msg("failed to dequeue usage records")
		time.Sleep(1 * time.Second)
		return
	}

	if len(records) == 0 {
		return
	}

	w.logger.Debug().Int("count", len(records)).Msg("processing usage batch")

	if err := w.repo.InsertBatch(ctx, records); err != nil {
		w.logger.Error().Err(err).Msg("batch insert failed, falling back to individual inserts")
		for _, record := range records {
			w.processRecord(ctx, record)
		}
	}

	for _, record := range records {
		if err := w.sink.Enqueue(record); err != nil {
			w.logger.Debug().Err(err).Msg("archival enqueue dropped")
		}
	}
}

// processRecord retries an individual insert with linear backoff before
// parking the record in the dead-letter queue.
func (w *UsageQueueWorker) processRecord(ctx context.Context, record *models.UsageRecord) {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * w.config.RetryBackoff):
			case <-ctx.Done():
				return
			}
		}

		if lastErr = w.repo.Insert(ctx, record); lastErr == nil {
			return
		}
	}

	w.logger.Error().Err(lastErr).
		Str("developer_id", record.DeveloperID.String()).
		Msg("usage record exhausted retries, sending to dead letter queue")

	if err := w.dlq.Add(ctx, record, lastErr); err != nil {
		w.logger.Error().Err(err).Msg("failed to add record to dead letter queue")
	}
}
