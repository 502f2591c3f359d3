// Package messagestore owns the durable side of the ingestion pipeline: the
// write-ahead record kept for every packet until business processing
// completes, the append-only dead-letter archive for packets that can never
// be processed, and the atomic application of a validated telemetry sample to
// the business aggregates.
package messagestore

import (
	"context"
	"errors"
	"time"

	"github.com/illmade-knight/go-telemetry-ingest/pkg/telemetry"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrAlreadyExists is returned by Save when a record with the same
// fingerprint is already persisted. Callers treat it as "already received",
// never as a failure.
var ErrAlreadyExists = errors.New("record already exists")

// PublishPacket is the raw inbound packet as persisted alongside the
// write-ahead record, sufficient to replay processing after a restart.
type PublishPacket struct {
	QoS       byte   `firestore:"qos" json:"qos"`
	Payload   []byte `firestore:"payload" json:"payload"`
	MessageID uint16 `firestore:"messageId" json:"messageId"`
	Duplicate bool   `firestore:"dup" json:"dup"`
	Retained  bool   `firestore:"retain" json:"retain"`
}

// IncomingMessageRecord is the durable write-ahead entry for a packet. It is
// created on first receipt of a new fingerprint and only ever deleted, either
// after a successful transactional apply or as part of a move to dead-letter.
type IncomingMessageRecord struct {
	// ID is the packet fingerprint and the document key.
	ID      string        `firestore:"-" json:"id"`
	Topic   string        `firestore:"topic" json:"topic"`
	Packet  PublishPacket `firestore:"packet" json:"packet"`
	SavedAt time.Time     `firestore:"savedAt,serverTimestamp" json:"savedAt"`
}

// DeadLetterRecord archives a packet that permanently failed validation or
// has no processor. Write-once; the pipeline never deletes these.
type DeadLetterRecord struct {
	Topic      string        `firestore:"topic" json:"topic"`
	Packet     PublishPacket `firestore:"packet" json:"packet"`
	Reason     string        `firestore:"reason" json:"reason"`
	RecordedAt time.Time     `firestore:"recordedAt,serverTimestamp" json:"recordedAt"`
}

// HistoryEntry is the immutable telemetry history document written once per
// device reading, keyed by deviceID|timestamp.
type HistoryEntry struct {
	DeviceID    string    `firestore:"deviceId" json:"deviceId"`
	Timestamp   time.Time `firestore:"timeStamp" json:"timeStamp"`
	TotalEnergy float64   `firestore:"totalEnergy" json:"totalEnergy"`
	Voltage     float64   `firestore:"voltage" json:"voltage"`
	Current     float64   `firestore:"current" json:"current"`
	Power       float64   `firestore:"power" json:"power"`
	Status      bool      `firestore:"status" json:"status"`
	Uptime      float64   `firestore:"uptime" json:"uptime"`
}

// MessageStore is the durable write-ahead record and dead-letter archive.
type MessageStore interface {
	// Exists is the durable fallback for the in-memory registry after a
	// restart has reset it.
	Exists(ctx context.Context, fingerprint string) (bool, error)
	// Save persists a new write-ahead record. It is idempotent at the
	// storage layer: a duplicate insert returns ErrAlreadyExists.
	Save(ctx context.Context, record *IncomingMessageRecord) error
	// Delete removes a write-ahead record. Deleting a missing record is not
	// an error.
	Delete(ctx context.Context, fingerprint string) error
	// MoveToDeadLetter archives the packet and deletes the write-ahead
	// record as a single atomic unit.
	MoveToDeadLetter(ctx context.Context, fingerprint, topic string, packet PublishPacket, reason string) error
	// AddDeadLetter archives a packet that never made it into the
	// write-ahead store, e.g. one that failed at intake.
	AddDeadLetter(ctx context.Context, topic string, packet PublishPacket, reason string) error
	// RecentFingerprints returns the fingerprints of the most recently saved
	// records, newest first, used to seed the registry at boot.
	RecentFingerprints(ctx context.Context, limit int) ([]string, error)
	// CountBacklog returns how many write-ahead records were saved before
	// the reference time.
	CountBacklog(ctx context.Context, before time.Time) (int64, error)
	// StreamBacklog feeds every record saved before the reference time
	// through fn in bounded batches, using a cursor rather than loading the
	// backlog wholesale. The first error from fn or the store aborts the
	// stream.
	StreamBacklog(ctx context.Context, before time.Time, batchSize int, fn func(ctx context.Context, record *IncomingMessageRecord) error) error
	// DeadLettersSince lists dead-letter records recorded after the given
	// time, oldest first, for archival sweeps.
	DeadLettersSince(ctx context.Context, since time.Time, limit int) ([]DeadLetterRecord, error)
}

// TelemetryApplier applies a validated sample to the business aggregates and
// clears the write-ahead record in one atomic multi-write: history entry
// created, device snapshot conditionally replaced, record deleted, all or
// nothing.
type TelemetryApplier interface {
	Apply(ctx context.Context, sample *telemetry.Sample, fingerprint string) error
}

// IsPermanent reports whether the error can never succeed on retry. Permanent
// failures are quarantined to dead-letter; everything else is retried.
func IsPermanent(err error) bool {
	var validationErr *telemetry.ValidationError
	if errors.As(err, &validationErr) {
		return true
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.PermissionDenied, codes.Unauthenticated:
		return true
	}
	return false
}

// IsTransient reports whether the error should be retried, via broker
// redelivery or backlog replay. Unrecognized errors classify as transient:
// retrying is safer than silently dropping.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrAlreadyExists) {
		return false
	}
	return !IsPermanent(err)
}
