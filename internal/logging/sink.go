package logging

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"agri_gateway/internal/models"
)

// Sink receives usage records for long-term archival, decoupled from the
// relational usage table. Enqueue must be cheap and non-blocking; a full
// buffer drops the record rather than stalling the request path.
type Sink interface {
	Enqueue(rec *models.UsageRecord) error
	Shutdown(ctx context.Context) error
}

// ErrSinkFull is returned when the archival buffer is at capacity.
var ErrSinkFull = errors.New("archival sink buffer full")

// NoopSink discards records. Used when archival is disabled.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Enqueue(rec *models.UsageRecord) error { return nil }

func (s *NoopSink) Shutdown(ctx context.Context) error { return nil }

// BatchWriter persists a batch of usage records somewhere durable.
// The S3 writer is the production implementation.
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []*models.UsageRecord) (string, error)
}

// BufferedSink accumulates records in memory and flushes them through a
// BatchWriter when the batch is full or the flush interval elapses.
type BufferedSink struct {
	records       chan *models.UsageRecord
	writer        BatchWriter
	flushSize     int
	flushInterval time.Duration
	logger        zerolog.Logger

	done    chan struct{}
	stopped chan struct{}
}

// BufferedSinkConfig controls the sink's buffering behaviour.
type BufferedSinkConfig struct {
	BufferSize    int
	FlushSize     int
	FlushInterval time.Duration
}

func NewBufferedSink(writer BatchWriter, cfg BufferedSinkConfig, logger zerolog.Logger) *BufferedSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}

	s := &BufferedSink{
		records:       make(chan *models.UsageRecord, cfg.BufferSize),
		writer:        writer,
		flushSize:     cfg.FlushSize,
		flushInterval: cfg.FlushInterval,
		logger:        logger.With().Str("component", "archival-sink").Logger(),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go s.run()

	return s
}

func (s *BufferedSink) Enqueue(rec *models.UsageRecord) error {
	select {
	case s.records <- rec:
		return nil
	default:
		return ErrSinkFull
	}
}

// Shutdown flushes whatever is buffered and stops the background loop.
func (s *BufferedSink) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BufferedSink) run() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]*models.UsageRecord, 0, s.flushSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		key, err := s.writer.WriteBatch(ctx, batch)
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Int("count", len(batch)).Msg("archival flush failed, dropping batch")
		} else {
			s.logger.Debug().Str("key", key).Int("count", len(batch)).Msg("archived usage batch")
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.records:
			batch = append(batch, rec)
			if len(batch) >= s.flushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain anything still buffered before the final flush.
			for {
				select {
				case rec := <-s.records:
					batch = append(batch, rec)
					if len(batch) >= s.flushSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}
