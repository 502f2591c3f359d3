package mqttingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-telemetry-ingest/pkg/dedup"
	"github.com/illmade-knight/go-telemetry-ingest/pkg/messagestore"
	"github.com/rs/zerolog"
)

// PacketSource is the connection surface the service consumes. Satisfied by
// ConnectionManager; tests substitute a channel-backed fake.
type PacketSource interface {
	Messages() <-chan PacketEnvelope
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
}

// ServiceConfig holds the assembly knobs for the ingestion service.
type ServiceConfig struct {
	// TelemetryTopic is the topic carrying meter telemetry.
	TelemetryTopic string
	// IntakeWorkers sets how many goroutines drain the packet channel.
	IntakeWorkers int
	// RegistrySeedLimit caps how many recent durable fingerprints seed the
	// registry at startup.
	RegistrySeedLimit int
	// ReplayInterval schedules periodic backlog sweeps after the startup
	// sweep; zero disables them.
	ReplayInterval time.Duration
	// Replayer tunes the sweep itself.
	Replayer BacklogReplayerConfig
	// Gate tunes packet intake.
	Gate AckGateConfig
}

// NewServiceConfigDefaults returns the production assembly settings.
func NewServiceConfigDefaults() ServiceConfig {
	return ServiceConfig{
		TelemetryTopic:    "meter/telemetry",
		IntakeWorkers:     4,
		RegistrySeedLimit: dedup.DefaultProcessedCapacity,
		ReplayInterval:    15 * time.Minute,
		Replayer:          NewBacklogReplayerDefaults(),
	}
}

// IngestionService assembles the pipeline: connection -> gate -> processor,
// with the replayer recovering whatever a previous run left behind. It is an
// explicitly constructed service with injected dependencies; tests create
// isolated instances with in-memory collaborators.
type IngestionService struct {
	cfg       ServiceConfig
	source    PacketSource
	registry  *dedup.Registry
	store     messagestore.MessageStore
	gate      *AckGate
	processor *Processor
	replayer  *BacklogReplayer
	logger    zerolog.Logger

	intakeWG  sync.WaitGroup
	processWG sync.WaitGroup
	stopOnce  sync.Once
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewIngestionService wires the pipeline. The mirror is optional (nil skips
// the distributed fingerprint check). Additional topic handlers may be
// registered via RegisterHandler before Start.
func NewIngestionService(
	cfg ServiceConfig,
	source PacketSource,
	registry *dedup.Registry,
	store messagestore.MessageStore,
	applier messagestore.TelemetryApplier,
	mirror FingerprintMirror,
	logger zerolog.Logger,
) (*IngestionService, error) {
	if source == nil {
		return nil, errors.New("packet source cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if applier == nil {
		return nil, errors.New("applier cannot be nil")
	}
	if cfg.TelemetryTopic == "" {
		cfg.TelemetryTopic = "meter/telemetry"
	}
	if cfg.IntakeWorkers <= 0 {
		cfg.IntakeWorkers = 4
	}
	if cfg.RegistrySeedLimit <= 0 {
		cfg.RegistrySeedLimit = dedup.DefaultProcessedCapacity
	}

	serviceLogger := logger.With().Str("service", "IngestionService").Logger()

	gate, err := NewAckGate(cfg.Gate, registry, mirror, store, serviceLogger)
	if err != nil {
		return nil, err
	}
	processor, err := NewProcessor(registry, store, serviceLogger)
	if err != nil {
		return nil, err
	}
	processor.RegisterHandler(cfg.TelemetryTopic, NewTelemetryHandler(applier))

	replayer, err := NewBacklogReplayer(cfg.Replayer, store, processor, serviceLogger)
	if err != nil {
		return nil, err
	}

	return &IngestionService{
		cfg:       cfg,
		source:    source,
		registry:  registry,
		store:     store,
		gate:      gate,
		processor: processor,
		replayer:  replayer,
		logger:    serviceLogger,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}, nil
}

// RegisterHandler routes an additional topic to a handler. Must be called
// before Start.
func (s *IngestionService) RegisterHandler(topic string, handler TopicHandler) {
	s.processor.RegisterHandler(topic, handler)
}

// Start seeds the registry from durable state, starts the packet source and
// the intake workers, then kicks the startup replay and the periodic sweep.
func (s *IngestionService) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting ingestion service...")

	fingerprints, err := s.store.RecentFingerprints(ctx, s.cfg.RegistrySeedLimit)
	if err != nil {
		// Seeding is an optimization: the durable Exists check still catches
		// redeliveries the registry no longer remembers.
		s.logger.Warn().Err(err).Msg("Failed to seed registry from durable records; continuing unseeded.")
	} else {
		s.registry.Seed(fingerprints)
		s.logger.Info().Int("fingerprints", len(fingerprints)).Msg("Registry seeded from durable records.")
	}

	if err := s.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start packet source: %w", err)
	}

	s.intakeWG.Add(s.cfg.IntakeWorkers)
	for i := 0; i < s.cfg.IntakeWorkers; i++ {
		go s.intakeWorker(ctx, i)
	}

	s.processWG.Add(1)
	go func() {
		defer s.processWG.Done()
		if err := s.replayer.Replay(ctx, time.Now().UTC()); err != nil {
			s.logger.Error().Err(err).Msg("Startup backlog replay did not finish cleanly.")
		}
	}()

	if s.cfg.ReplayInterval > 0 {
		s.processWG.Add(1)
		go func() {
			defer s.processWG.Done()
			s.periodicReplay(ctx)
		}()
	}

	s.logger.Info().Int("intake_workers", s.cfg.IntakeWorkers).Msg("Ingestion service started.")
	return nil
}

// Stop shuts the pipeline down in order: no new packets, drain scheduled
// work, then report done. Already-scheduled processing is allowed to finish.
func (s *IngestionService) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping ingestion service...")

		if err := s.source.Stop(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Error stopping packet source, continuing shutdown.")
		}
		close(s.stopChan)

		drained := make(chan struct{})
		go func() {
			s.intakeWG.Wait()
			s.processWG.Wait()
			close(drained)
		}()

		select {
		case <-drained:
			s.logger.Info().Msg("All in-flight processing drained.")
		case <-ctx.Done():
			s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for in-flight processing to drain.")
			stopErr = ctx.Err()
		}

		close(s.doneChan)
		s.logger.Info().Msg("Ingestion service stopped.")
	})
	return stopErr
}

// Done returns a channel that is closed once the service has fully stopped.
func (s *IngestionService) Done() <-chan struct{} {
	return s.doneChan
}

// intakeWorker drains the packet channel through the gate. Exits when the
// source closes the channel on shutdown.
func (s *IngestionService) intakeWorker(ctx context.Context, workerID int) {
	defer s.intakeWG.Done()
	s.logger.Debug().Int("worker_id", workerID).Msg("Intake worker started.")
	for envelope := range s.source.Messages() {
		s.handleEnvelope(ctx, envelope)
	}
	s.logger.Debug().Int("worker_id", workerID).Msg("Packet channel closed, intake worker exiting.")
}

// handleEnvelope routes one packet: QoS 0 skips dedup entirely, QoS >= 1 goes
// through the gate and, when newly stored, is scheduled for processing.
func (s *IngestionService) handleEnvelope(ctx context.Context, envelope PacketEnvelope) {
	if envelope.QoS == 0 {
		// No redelivery exists at QoS 0; ack immediately and apply directly.
		envelope.Ack()
		packet := messagestore.PublishPacket{QoS: envelope.QoS, Payload: envelope.Payload, MessageID: envelope.MessageID, Retained: envelope.Retained}
		s.processor.ProcessDirect(ctx, envelope.Topic, packet)
		return
	}

	intake := s.gate.HandlePacket(ctx, &envelope)
	switch intake.Decision {
	case DecisionAccept, DecisionQuarantine:
		envelope.Ack()
	case DecisionRequeue:
		// Withholding the ack is the nack: the broker will redeliver.
	}

	if intake.NewlyStored {
		packet := messagestore.PublishPacket{
			QoS:       envelope.QoS,
			Payload:   envelope.Payload,
			MessageID: envelope.MessageID,
			Duplicate: envelope.Duplicate,
			Retained:  envelope.Retained,
		}
		s.processWG.Add(1)
		go func() {
			defer s.processWG.Done()
			// Process classifies and logs its own failures; a transient error
			// here just means the record waits for the next replay sweep.
			_ = s.processor.Process(ctx, intake.Fingerprint, envelope.Topic, packet)
		}()
	}
}

// periodicReplay re-sweeps the backlog on the configured interval, picking up
// records whose transient failures outlived the startup sweep. Tracked by
// processWG so Stop drains a sweep in flight before reporting done.
func (s *IngestionService) periodicReplay(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReplayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			if err := s.replayer.Replay(ctx, time.Now().UTC()); err != nil {
				s.logger.Error().Err(err).Msg("Periodic backlog replay did not finish cleanly.")
			}
		}
	}
}
