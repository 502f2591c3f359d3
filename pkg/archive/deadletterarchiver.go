package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-telemetry-ingest/pkg/messagestore"
	"github.com/rs/zerolog"
)

// DeadLetterSource lists dead-letter records for archival sweeps. Satisfied
// by the messagestore implementations.
type DeadLetterSource interface {
	DeadLettersSince(ctx context.Context, since time.Time, limit int) ([]messagestore.DeadLetterRecord, error)
}

// DeadLetterArchiverConfig configures the archival sweep.
type DeadLetterArchiverConfig struct {
	// BucketName is the destination GCS bucket.
	BucketName string
	// ObjectPrefix prefixes every archived object name, e.g. "dead-letters".
	ObjectPrefix string
	// Interval schedules sweeps; zero selects one hour.
	Interval time.Duration
	// BatchLimit caps how many records one sweep reads.
	BatchLimit int
}

// DeadLetterArchiver periodically copies new dead-letter records into a
// JSONL object per sweep, named by date and a unique suffix. Sweeps resume
// from the newest record already archived.
type DeadLetterArchiver struct {
	cfg          DeadLetterArchiverConfig
	source       DeadLetterSource
	writerClient ObjectWriterClient
	logger       zerolog.Logger
	checkpoint   time.Time
	stopOnce     sync.Once
	stopChan     chan struct{}
	doneChan     chan struct{}
}

// NewDeadLetterArchiver creates a DeadLetterArchiver. Sweeps start from the
// zero time, i.e. the first sweep archives everything present.
func NewDeadLetterArchiver(cfg DeadLetterArchiverConfig, source DeadLetterSource, writerClient ObjectWriterClient, logger zerolog.Logger) (*DeadLetterArchiver, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if source == nil {
		return nil, errors.New("dead-letter source cannot be nil")
	}
	if writerClient == nil {
		return nil, errors.New("object writer client cannot be nil")
	}
	if cfg.ObjectPrefix == "" {
		cfg.ObjectPrefix = "dead-letters"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 1000
	}
	return &DeadLetterArchiver{
		cfg:          cfg,
		source:       source,
		writerClient: writerClient,
		logger:       logger.With().Str("component", "DeadLetterArchiver").Logger(),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}, nil
}

// Start runs the sweep loop in the background until Stop or context
// cancellation.
func (a *DeadLetterArchiver) Start(ctx context.Context) error {
	go func() {
		defer close(a.doneChan)
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopChan:
				return
			case <-ticker.C:
				if _, err := a.ArchiveOnce(ctx); err != nil {
					a.logger.Error().Err(err).Msg("Dead-letter archival sweep failed; will retry next interval.")
				}
			}
		}
	}()
	a.logger.Info().Str("bucket", a.cfg.BucketName).Dur("interval", a.cfg.Interval).Msg("Dead-letter archiver started.")
	return nil
}

// Stop halts the sweep loop.
func (a *DeadLetterArchiver) Stop(_ context.Context) error {
	a.stopOnce.Do(func() {
		close(a.stopChan)
	})
	<-a.doneChan
	a.logger.Info().Msg("Dead-letter archiver stopped.")
	return nil
}

// ArchiveOnce performs a single sweep and returns how many records it
// archived. The checkpoint only advances after the object is fully written,
// so a failed sweep re-reads the same records rather than skipping them.
func (a *DeadLetterArchiver) ArchiveOnce(ctx context.Context) (int, error) {
	records, err := a.source.DeadLettersSince(ctx, a.checkpoint, a.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	objectName := fmt.Sprintf("%s/%s/%s.jsonl", a.cfg.ObjectPrefix, time.Now().UTC().Format("2006-01-02"), uuid.NewString())
	writer := a.writerClient.NewObjectWriter(ctx, a.cfg.BucketName, objectName)
	encoder := json.NewEncoder(writer)
	for i := range records {
		if err := encoder.Encode(&records[i]); err != nil {
			_ = writer.Close()
			return 0, fmt.Errorf("encode dead letter: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close archive object %s: %w", objectName, err)
	}

	a.checkpoint = records[len(records)-1].RecordedAt
	a.logger.Info().Int("records", len(records)).Str("object", objectName).Msg("Archived dead-letter records.")
	return len(records), nil
}
