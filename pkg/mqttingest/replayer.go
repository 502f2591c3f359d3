package mqttingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-telemetry-ingest/pkg/messagestore"
	"github.com/rs/zerolog"
)

// BacklogReplayerConfig tunes the recovery sweep.
type BacklogReplayerConfig struct {
	// BatchSize bounds how many records one cursor page holds.
	BatchSize int
	// MaxAttempts bounds how many times a failed sweep restarts before the
	// replayer gives up and leaves the residue for the next run.
	MaxAttempts int
}

// NewBacklogReplayerDefaults returns the production sweep settings.
func NewBacklogReplayerDefaults() BacklogReplayerConfig {
	return BacklogReplayerConfig{BatchSize: 100, MaxAttempts: 3}
}

// BacklogReplayer sweeps write-ahead records that a previous run persisted
// but never finished processing, feeding them back through the Processor. It
// runs at startup and optionally on a periodic schedule; the registry's
// processing tier keeps it from colliding with live deliveries.
type BacklogReplayer struct {
	cfg       BacklogReplayerConfig
	store     messagestore.MessageStore
	processor *Processor
	logger    zerolog.Logger
}

// NewBacklogReplayer creates a BacklogReplayer.
func NewBacklogReplayer(cfg BacklogReplayerConfig, store messagestore.MessageStore, processor *Processor, logger zerolog.Logger) (*BacklogReplayer, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &BacklogReplayer{
		cfg:       cfg,
		store:     store,
		processor: processor,
		logger:    logger.With().Str("component", "BacklogReplayer").Logger(),
	}, nil
}

// Replay processes every record saved before the reference time. A failed
// sweep is restarted, up to the attempt budget, as long as records remain;
// it never loops forever. The returned error reports an exhausted budget
// with records left behind.
func (r *BacklogReplayer) Replay(ctx context.Context, before time.Time) error {
	for attempt := 1; ; attempt++ {
		sweepErr := r.store.StreamBacklog(ctx, before, r.cfg.BatchSize, func(ctx context.Context, record *messagestore.IncomingMessageRecord) error {
			return r.processor.Process(ctx, record.ID, record.Topic, record.Packet)
		})
		if sweepErr == nil {
			r.logger.Info().Time("before", before).Msg("Backlog replay complete.")
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("backlog replay canceled: %w", ctx.Err())
		}

		r.logger.Error().Err(sweepErr).Int("attempt", attempt).Time("before", before).Msg("Backlog sweep failed.")

		remaining, countErr := r.store.CountBacklog(ctx, before)
		if countErr != nil {
			r.logger.Error().Err(countErr).Msg("Failed to count remaining backlog after sweep failure.")
			remaining = -1
		}
		if remaining == 0 {
			r.logger.Info().Time("before", before).Msg("No records remain after sweep failure; replay complete.")
			return nil
		}
		if attempt >= r.cfg.MaxAttempts {
			r.logger.Warn().Int64("remaining", remaining).Int("attempts", attempt).Time("before", before).Msg("Exceeded replay attempt budget; leaving residual backlog for operator attention.")
			return fmt.Errorf("backlog replay gave up after %d attempts with %d records remaining: %w", attempt, remaining, sweepErr)
		}
		r.logger.Info().Int64("remaining", remaining).Int("attempt", attempt+1).Msg("Restarting backlog sweep.")
	}
}
