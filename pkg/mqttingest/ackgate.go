package mqttingest

import (
	"context"
	"errors"

	"github.com/illmade-knight/go-telemetry-ingest/pkg/dedup"
	"github.com/illmade-knight/go-telemetry-ingest/pkg/messagestore"
	"github.com/rs/zerolog"
)

// FingerprintMirror is an optional distributed copy of known fingerprints,
// consulted between the in-memory registry and the durable store. Satisfied
// by dedup.RedisMirror.
type FingerprintMirror interface {
	HasFingerprint(ctx context.Context, fingerprint string) (bool, error)
	Record(fingerprint string)
}

// Decision is the explicit outcome of packet intake. It replaces
// callback-and-reason-code control flow with a value the caller acts on.
type Decision int

const (
	// DecisionAccept acknowledges the packet; it is either newly persisted
	// or a known duplicate.
	DecisionAccept Decision = iota
	// DecisionRequeue withholds the acknowledgment so the broker redelivers
	// the packet after a transient failure.
	DecisionRequeue
	// DecisionQuarantine acknowledges the packet after archiving it to
	// dead-letter; redelivery of unfixable data is never wanted.
	DecisionQuarantine
)

func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "accept"
	case DecisionRequeue:
		return "requeue"
	case DecisionQuarantine:
		return "quarantine"
	default:
		return "unknown"
	}
}

// Intake is the gate's verdict on one packet.
type Intake struct {
	Decision    Decision
	Fingerprint string
	// NewlyStored is true when a fresh write-ahead record was created and
	// the packet should be scheduled for processing.
	NewlyStored bool
}

// AckGateConfig tunes intake behavior.
type AckGateConfig struct {
	// UseContentHash switches the fingerprint payload segment from a length
	// to a SHA-256 digest. Off by default: the weaker key matches the
	// historical dedup semantics. See Fingerprint.
	UseContentHash bool
}

// AckGate decides, once per inbound QoS >= 1 packet and before the broker
// retries delivery, whether to acknowledge it. A packet is acknowledged only
// after its raw bytes are durably persisted (or known to already be), so a
// crash between ack and processing can always be recovered by replay.
type AckGate struct {
	cfg      AckGateConfig
	registry *dedup.Registry
	mirror   FingerprintMirror
	store    messagestore.MessageStore
	logger   zerolog.Logger
}

// NewAckGate creates an AckGate. The mirror is optional; pass nil to check
// only the in-memory registry and the durable store.
func NewAckGate(cfg AckGateConfig, registry *dedup.Registry, mirror FingerprintMirror, store messagestore.MessageStore, logger zerolog.Logger) (*AckGate, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	return &AckGate{
		cfg:      cfg,
		registry: registry,
		mirror:   mirror,
		store:    store,
		logger:   logger.With().Str("component", "AckGate").Logger(),
	}, nil
}

// HandlePacket runs intake for one QoS >= 1 packet. QoS 0 packets must not be
// routed here; they carry no redelivery semantics and are acknowledged at the
// connection layer.
func (g *AckGate) HandlePacket(ctx context.Context, envelope *PacketEnvelope) Intake {
	fingerprint := Fingerprint(envelope.Topic, envelope.QoS, envelope.MessageID, envelope.Payload, g.cfg.UseContentHash)

	if envelope.Duplicate && g.isKnown(ctx, fingerprint) {
		g.logger.Debug().Str("fingerprint", fingerprint).Msg("Suppressing redelivered duplicate packet.")
		return Intake{Decision: DecisionAccept, Fingerprint: fingerprint}
	}

	record := &messagestore.IncomingMessageRecord{
		ID:    fingerprint,
		Topic: envelope.Topic,
		Packet: messagestore.PublishPacket{
			QoS:       envelope.QoS,
			Payload:   envelope.Payload,
			MessageID: envelope.MessageID,
			Duplicate: envelope.Duplicate,
			Retained:  envelope.Retained,
		},
	}

	err := g.store.Save(ctx, record)
	switch {
	case err == nil:
		g.registry.MarkReceived(fingerprint)
		if g.mirror != nil {
			g.mirror.Record(fingerprint)
		}
		return Intake{Decision: DecisionAccept, Fingerprint: fingerprint, NewlyStored: true}

	case errors.Is(err, messagestore.ErrAlreadyExists):
		// Storage-level uniqueness caught a redelivery the dup flag missed.
		g.registry.MarkReceived(fingerprint)
		g.logger.Debug().Str("fingerprint", fingerprint).Msg("Record already persisted; treating packet as received.")
		return Intake{Decision: DecisionAccept, Fingerprint: fingerprint}

	case messagestore.IsPermanent(err):
		g.logger.Error().Err(err).Str("fingerprint", fingerprint).Str("topic", envelope.Topic).Msg("Failed to persist packet permanently; quarantining to dead-letter.")
		if dlErr := g.store.AddDeadLetter(ctx, envelope.Topic, record.Packet, err.Error()); dlErr != nil {
			g.logger.Error().Err(dlErr).Str("fingerprint", fingerprint).Msg("Failed to quarantine packet; withholding ack for redelivery.")
			return Intake{Decision: DecisionRequeue, Fingerprint: fingerprint}
		}
		return Intake{Decision: DecisionQuarantine, Fingerprint: fingerprint}

	default:
		g.logger.Error().Err(err).Str("fingerprint", fingerprint).Str("topic", envelope.Topic).Msg("Transient failure persisting packet; withholding ack for redelivery.")
		return Intake{Decision: DecisionRequeue, Fingerprint: fingerprint}
	}
}

// isKnown checks the dedup tiers from cheapest to most durable: in-memory
// registry, optional distributed mirror, then the document store.
func (g *AckGate) isKnown(ctx context.Context, fingerprint string) bool {
	if g.registry.Has(fingerprint) {
		return true
	}
	if g.mirror != nil {
		known, err := g.mirror.HasFingerprint(ctx, fingerprint)
		if err != nil {
			g.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Fingerprint mirror lookup failed; falling back to durable store.")
		} else if known {
			return true
		}
	}
	exists, err := g.store.Exists(ctx, fingerprint)
	if err != nil {
		// Treat as unknown: Save's unique key still prevents a double write.
		g.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Durable fingerprint lookup failed; treating packet as new.")
		return false
	}
	return exists
}
