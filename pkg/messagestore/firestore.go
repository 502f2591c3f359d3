package messagestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-telemetry-ingest/pkg/telemetry"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig names the collections the pipeline reads and writes.
type FirestoreConfig struct {
	IncomingCollection   string
	DeadLetterCollection string
	DeviceCollection     string
	HistoryCollection    string
}

// NewFirestoreConfigDefaults returns the collection names used in production.
func NewFirestoreConfigDefaults() *FirestoreConfig {
	return &FirestoreConfig{
		IncomingCollection:   "mqtt-incoming-messages",
		DeadLetterCollection: "mqtt-dead-letters",
		DeviceCollection:     "devices",
		HistoryCollection:    "meter-telemetry",
	}
}

// FirestoreStore implements MessageStore and TelemetryApplier against
// Firestore. The client's lifecycle is managed by the caller.
type FirestoreStore struct {
	client     *firestore.Client
	incoming   *firestore.CollectionRef
	deadLetter *firestore.CollectionRef
	devices    *firestore.CollectionRef
	history    *firestore.CollectionRef
	logger     zerolog.Logger
}

// NewFirestoreStore creates a FirestoreStore for the configured collections.
func NewFirestoreStore(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg == nil {
		cfg = NewFirestoreConfigDefaults()
	}
	return &FirestoreStore{
		client:     client,
		incoming:   client.Collection(cfg.IncomingCollection),
		deadLetter: client.Collection(cfg.DeadLetterCollection),
		devices:    client.Collection(cfg.DeviceCollection),
		history:    client.Collection(cfg.HistoryCollection),
		logger:     logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// Exists reports whether a write-ahead record with the fingerprint is
// persisted.
func (s *FirestoreStore) Exists(ctx context.Context, fingerprint string) (bool, error) {
	_, err := s.incoming.Doc(fingerprint).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("firestore get for %s: %w", fingerprint, err)
	}
	return true, nil
}

// Save creates the write-ahead record. Create enforces unique-key semantics,
// so a concurrent or redelivered insert surfaces as ErrAlreadyExists.
func (s *FirestoreStore) Save(ctx context.Context, record *IncomingMessageRecord) error {
	_, err := s.incoming.Doc(record.ID).Create(ctx, record)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("save %s: %w", record.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("firestore create for %s: %w", record.ID, err)
	}
	return nil
}

// Delete removes the write-ahead record. Firestore deletes are idempotent, so
// a missing record is not an error.
func (s *FirestoreStore) Delete(ctx context.Context, fingerprint string) error {
	if _, err := s.incoming.Doc(fingerprint).Delete(ctx); err != nil {
		return fmt.Errorf("firestore delete for %s: %w", fingerprint, err)
	}
	return nil
}

// MoveToDeadLetter archives the packet and removes the write-ahead record in
// one transaction, so a crash mid-operation can neither lose nor duplicate
// the record.
func (s *FirestoreStore) MoveToDeadLetter(ctx context.Context, fingerprint, topic string, packet PublishPacket, reason string) error {
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(s.deadLetter.NewDoc(), &DeadLetterRecord{
			Topic:  topic,
			Packet: packet,
			Reason: reason,
		}); err != nil {
			return err
		}
		return tx.Delete(s.incoming.Doc(fingerprint))
	})
	if err != nil {
		return fmt.Errorf("move %s to dead-letter: %w", fingerprint, err)
	}
	s.logger.Warn().Str("fingerprint", fingerprint).Str("topic", topic).Str("reason", reason).Msg("Packet quarantined to dead-letter.")
	return nil
}

// AddDeadLetter archives a packet that has no write-ahead record to clean up.
func (s *FirestoreStore) AddDeadLetter(ctx context.Context, topic string, packet PublishPacket, reason string) error {
	_, _, err := s.deadLetter.Add(ctx, &DeadLetterRecord{
		Topic:  topic,
		Packet: packet,
		Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("firestore add dead letter: %w", err)
	}
	s.logger.Warn().Str("topic", topic).Str("reason", reason).Msg("Packet quarantined to dead-letter.")
	return nil
}

// RecentFingerprints returns the document IDs of the newest write-ahead
// records, for seeding the dedup registry at boot.
func (s *FirestoreStore) RecentFingerprints(ctx context.Context, limit int) ([]string, error) {
	iter := s.incoming.OrderBy("savedAt", firestore.Desc).Limit(limit).Select().Documents(ctx)
	defer iter.Stop()

	var fingerprints []string
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore recent fingerprints: %w", err)
		}
		fingerprints = append(fingerprints, doc.Ref.ID)
	}
	return fingerprints, nil
}

// CountBacklog counts write-ahead records saved before the reference time.
func (s *FirestoreStore) CountBacklog(ctx context.Context, before time.Time) (int64, error) {
	iter := s.incoming.Where("savedAt", "<", before).Select().Documents(ctx)
	defer iter.Stop()

	var count int64
	for {
		_, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("firestore count backlog: %w", err)
		}
		count++
	}
	return count, nil
}

// StreamBacklog pages through records saved before the reference time in
// savedAt order, batchSize at a time, invoking fn for each. The cursor is
// resilient to records deleted mid-stream by successful processing.
func (s *FirestoreStore) StreamBacklog(ctx context.Context, before time.Time, batchSize int, fn func(ctx context.Context, record *IncomingMessageRecord) error) error {
	if batchSize <= 0 {
		batchSize = 100
	}

	base := s.incoming.
		Where("savedAt", "<", before).
		OrderBy("savedAt", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(batchSize)

	var cursor *firestore.DocumentSnapshot
	for {
		query := base
		if cursor != nil {
			query = base.StartAfter(cursor)
		}

		iter := query.Documents(ctx)
		var fetched int
		var lastDoc *firestore.DocumentSnapshot
		for {
			doc, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				iter.Stop()
				return fmt.Errorf("firestore stream backlog: %w", err)
			}
			fetched++
			lastDoc = doc

			record := &IncomingMessageRecord{ID: doc.Ref.ID}
			if err := doc.DataTo(record); err != nil {
				iter.Stop()
				return fmt.Errorf("firestore decode record %s: %w", doc.Ref.ID, err)
			}
			if err := fn(ctx, record); err != nil {
				iter.Stop()
				return err
			}
		}
		iter.Stop()

		if fetched < batchSize {
			return nil
		}
		cursor = lastDoc
	}
}

// DeadLettersSince lists dead-letter records newer than the given time,
// oldest first.
func (s *FirestoreStore) DeadLettersSince(ctx context.Context, since time.Time, limit int) ([]DeadLetterRecord, error) {
	iter := s.deadLetter.
		Where("recordedAt", ">", since).
		OrderBy("recordedAt", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var records []DeadLetterRecord
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore dead letters: %w", err)
		}
		var record DeadLetterRecord
		if err := doc.DataTo(&record); err != nil {
			return nil, fmt.Errorf("firestore decode dead letter %s: %w", doc.Ref.ID, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// deviceDoc is the slice of the Device aggregate the applier reads.
type deviceDoc struct {
	Telemetry *telemetry.Snapshot `firestore:"telemetry"`
}

// Apply commits the telemetry sample in a single transaction: the history
// entry is created, the device snapshot is replaced only if the incoming
// timestamp is strictly newer, and the write-ahead record is deleted. A
// pre-existing history entry means a replayed fingerprint; the transaction
// then only clears the write-ahead record.
func (s *FirestoreStore) Apply(ctx context.Context, sample *telemetry.Sample, fingerprint string) error {
	historyRef := s.history.Doc(sample.HistoryID())
	deviceRef := s.devices.Doc(sample.DeviceID)
	recordRef := s.incoming.Doc(fingerprint)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// Firestore requires all reads before any write in a transaction.
		historyExists := true
		if _, err := tx.Get(historyRef); err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			historyExists = false
		}

		updateSnapshot := false
		deviceSnap, err := tx.Get(deviceRef)
		switch {
		case err == nil:
			var device deviceDoc
			if err := deviceSnap.DataTo(&device); err != nil {
				return err
			}
			updateSnapshot = device.Telemetry == nil || sample.Timestamp.After(device.Telemetry.Timestamp)
		case status.Code(err) == codes.NotFound:
			// Unknown device: keep the reading in history, leave no snapshot.
		default:
			return err
		}

		if historyExists {
			// Replay of an already-applied sample: clearing the write-ahead
			// record is the only remaining work.
			return tx.Delete(recordRef)
		}

		if err := tx.Create(historyRef, &HistoryEntry{
			DeviceID:    sample.DeviceID,
			Timestamp:   sample.Timestamp,
			TotalEnergy: sample.TotalEnergy,
			Voltage:     sample.Voltage,
			Current:     sample.Current,
			Power:       sample.Power,
			Status:      sample.Status,
			Uptime:      sample.Uptime,
		}); err != nil {
			return err
		}

		if updateSnapshot {
			if err := tx.Update(deviceRef, []firestore.Update{
				{Path: "telemetry", Value: sample.Snapshot()},
			}); err != nil {
				return err
			}
		}

		return tx.Delete(recordRef)
	})
	if err != nil {
		return fmt.Errorf("apply telemetry for %s: %w", fingerprint, err)
	}
	return nil
}
