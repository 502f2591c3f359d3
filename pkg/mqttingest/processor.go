package mqttingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-telemetry-ingest/pkg/dedup"
	"github.com/illmade-knight/go-telemetry-ingest/pkg/messagestore"
	"github.com/illmade-knight/go-telemetry-ingest/pkg/telemetry"
	"github.com/rs/zerolog"
)

// TopicHandler turns a stored packet's payload into a committed business
// update. Implementations must clear the write-ahead record for the
// fingerprint as part of their atomic apply. A *telemetry.ValidationError (or
// any permanently-classified error) sends the record to dead-letter; any
// other error leaves it in place for replay.
type TopicHandler func(ctx context.Context, fingerprint string, payload []byte) error

// NewTelemetryHandler builds the handler for the meter-telemetry topic:
// strict parse into a Sample, then one atomic apply (history entry, snapshot
// update if newer, write-ahead delete).
func NewTelemetryHandler(applier messagestore.TelemetryApplier) TopicHandler {
	return func(ctx context.Context, fingerprint string, payload []byte) error {
		sample, err := telemetry.ParseSample(payload)
		if err != nil {
			return err
		}
		return applier.Apply(ctx, sample, fingerprint)
	}
}

// Processor drives a stored packet through validation and the business
// update. It is invoked from the live delivery path and from backlog replay;
// the registry's processing tier arbitrates between the two.
type Processor struct {
	registry *dedup.Registry
	store    messagestore.MessageStore
	handlers map[string]TopicHandler
	logger   zerolog.Logger
}

// NewProcessor creates a Processor with no handlers registered.
func NewProcessor(registry *dedup.Registry, store messagestore.MessageStore, logger zerolog.Logger) (*Processor, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	return &Processor{
		registry: registry,
		store:    store,
		handlers: make(map[string]TopicHandler),
		logger:   logger.With().Str("component", "Processor").Logger(),
	}, nil
}

// RegisterHandler routes packets on the given topic to the handler. Not safe
// to call once processing has started.
func (p *Processor) RegisterHandler(topic string, handler TopicHandler) {
	p.handlers[topic] = handler
}

// Process runs one stored fingerprint to completion. The returned error is
// always transient (the record remains for replay); duplicates, successes and
// quarantines all return nil.
func (p *Processor) Process(ctx context.Context, fingerprint, topic string, packet messagestore.PublishPacket) error {
	if !p.registry.TryMarkProcessing(fingerprint) {
		// The other delivery path already owns this fingerprint.
		return nil
	}
	defer p.registry.DropProcessing(fingerprint)

	if p.registry.WasProcessed(fingerprint) {
		// A redelivery raced a completed run; only cleanup remains.
		if err := p.store.Delete(ctx, fingerprint); err != nil {
			p.logger.Error().Err(err).Str("fingerprint", fingerprint).Msg("Failed to delete write-ahead record for processed packet.")
			return err
		}
		p.registry.DropReceived(fingerprint)
		return nil
	}

	handler, ok := p.handlers[topic]
	if !ok {
		// Without a handler the record could linger forever; quarantine it so
		// every write-ahead record still leaves the store.
		return p.quarantine(ctx, fingerprint, topic, packet, fmt.Sprintf("no handler registered for topic %q", topic))
	}

	err := handler(ctx, fingerprint, packet.Payload)
	switch {
	case err == nil:
		p.registry.MarkProcessed(fingerprint)
		p.registry.DropReceived(fingerprint)
		p.logger.Debug().Str("fingerprint", fingerprint).Str("topic", topic).Msg("Packet processed.")
		return nil

	case messagestore.IsPermanent(err):
		p.logger.Error().Err(err).Str("fingerprint", fingerprint).Str("topic", topic).Msg("Payload failed validation; quarantining to dead-letter.")
		return p.quarantine(ctx, fingerprint, topic, packet, err.Error())

	default:
		// Transient: leave the write-ahead record and the received mark so
		// replay retries later and redeliveries stay suppressed meanwhile.
		p.logger.Error().Err(err).Str("fingerprint", fingerprint).Str("topic", topic).Msg("Transient failure applying packet; leaving record for replay.")
		return err
	}
}

// ProcessDirect applies a QoS 0 payload without dedup bookkeeping or a
// write-ahead record: there is no redelivery to suppress and nothing durable
// to clean up. Validation failures still land in dead-letter.
func (p *Processor) ProcessDirect(ctx context.Context, topic string, packet messagestore.PublishPacket) {
	handler, ok := p.handlers[topic]
	if !ok {
		p.logger.Warn().Str("topic", topic).Msg("Dropping fire-and-forget packet with no registered handler.")
		return
	}

	fingerprint := Fingerprint(topic, packet.QoS, packet.MessageID, packet.Payload, false)
	err := handler(ctx, fingerprint, packet.Payload)
	switch {
	case err == nil:
	case messagestore.IsPermanent(err):
		p.logger.Error().Err(err).Str("topic", topic).Msg("Fire-and-forget payload failed validation; archiving to dead-letter.")
		if dlErr := p.store.AddDeadLetter(ctx, topic, packet, err.Error()); dlErr != nil {
			p.logger.Error().Err(dlErr).Str("topic", topic).Msg("Failed to archive fire-and-forget packet to dead-letter.")
		}
	default:
		// QoS 0 carries no delivery guarantee; a transient failure here is
		// logged and the reading is lost, as the protocol allows.
		p.logger.Error().Err(err).Str("topic", topic).Msg("Transient failure applying fire-and-forget packet; reading dropped.")
	}
}

// quarantine moves the record to dead-letter atomically and, on success,
// marks the fingerprint processed so poison redeliveries stay suppressed.
func (p *Processor) quarantine(ctx context.Context, fingerprint, topic string, packet messagestore.PublishPacket, reason string) error {
	if err := p.store.MoveToDeadLetter(ctx, fingerprint, topic, packet, reason); err != nil {
		p.logger.Error().Err(err).Str("fingerprint", fingerprint).Msg("Failed to move record to dead-letter; leaving it for replay.")
		return err
	}
	p.registry.MarkProcessed(fingerprint)
	p.registry.DropReceived(fingerprint)
	return nil
}
