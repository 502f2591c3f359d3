package messagestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/illmade-knight/go-telemetry-ingest/pkg/telemetry"
)

// InMemoryStore is a mutex-guarded twin of the Firestore implementation,
// satisfying both MessageStore and TelemetryApplier. It backs unit tests and
// local development; semantics (unique-key Save, atomic move-to-dead-letter,
// monotonic snapshot update) mirror the durable backend.
type InMemoryStore struct {
	mu          sync.Mutex
	records     map[string]*IncomingMessageRecord
	deadLetters []DeadLetterRecord
	history     map[string]*HistoryEntry
	devices     map[string]*telemetry.Snapshot
	knownDevice map[string]bool
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:     make(map[string]*IncomingMessageRecord),
		history:     make(map[string]*HistoryEntry),
		devices:     make(map[string]*telemetry.Snapshot),
		knownDevice: make(map[string]bool),
	}
}

// Exists reports whether a write-ahead record is present.
func (s *InMemoryStore) Exists(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[fingerprint]
	return ok, nil
}

// Save persists the record, enforcing unique-key semantics.
func (s *InMemoryStore) Save(_ context.Context, record *IncomingMessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; ok {
		return fmt.Errorf("save %s: %w", record.ID, ErrAlreadyExists)
	}
	saved := *record
	if saved.SavedAt.IsZero() {
		saved.SavedAt = time.Now().UTC()
	}
	s.records[record.ID] = &saved
	return nil
}

// Delete removes the record if present.
func (s *InMemoryStore) Delete(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, fingerprint)
	return nil
}

// MoveToDeadLetter archives the packet and deletes the record atomically
// under the store lock.
func (s *InMemoryStore) MoveToDeadLetter(_ context.Context, fingerprint, topic string, packet PublishPacket, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, DeadLetterRecord{
		Topic:      topic,
		Packet:     packet,
		Reason:     reason,
		RecordedAt: time.Now().UTC(),
	})
	delete(s.records, fingerprint)
	return nil
}

// AddDeadLetter archives a packet that has no write-ahead record.
func (s *InMemoryStore) AddDeadLetter(_ context.Context, topic string, packet PublishPacket, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, DeadLetterRecord{
		Topic:      topic,
		Packet:     packet,
		Reason:     reason,
		RecordedAt: time.Now().UTC(),
	})
	return nil
}

// RecentFingerprints returns up to limit fingerprints, newest first.
func (s *InMemoryStore) RecentFingerprints(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.sortedRecordsLocked()
	var fingerprints []string
	for i := len(records) - 1; i >= 0 && len(fingerprints) < limit; i-- {
		fingerprints = append(fingerprints, records[i].ID)
	}
	return fingerprints, nil
}

// CountBacklog counts records saved before the reference time.
func (s *InMemoryStore) CountBacklog(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, record := range s.records {
		if record.SavedAt.Before(before) {
			count++
		}
	}
	return count, nil
}

// StreamBacklog feeds records saved before the reference time through fn in
// savedAt order. Unlike the Firestore implementation it ignores batchSize and
// snapshots the whole matching set up front; there is no cursor to exercise
// here, and the snapshot lets fn delete records as it goes.
func (s *InMemoryStore) StreamBacklog(ctx context.Context, before time.Time, _ int, fn func(ctx context.Context, record *IncomingMessageRecord) error) error {
	s.mu.Lock()
	var batch []*IncomingMessageRecord
	for _, record := range s.sortedRecordsLocked() {
		if record.SavedAt.Before(before) {
			copied := *record
			batch = append(batch, &copied)
		}
	}
	s.mu.Unlock()

	for _, record := range batch {
		if err := fn(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

// DeadLettersSince lists dead-letter records newer than the given time.
func (s *InMemoryStore) DeadLettersSince(_ context.Context, since time.Time, limit int) ([]DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeadLetterRecord
	for _, record := range s.deadLetters {
		if record.RecordedAt.After(since) {
			out = append(out, record)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Apply mirrors the Firestore transaction: history entry created once, device
// snapshot replaced only by a strictly newer timestamp, write-ahead record
// deleted. All under one lock, all or nothing.
func (s *InMemoryStore) Apply(_ context.Context, sample *telemetry.Sample, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	historyID := sample.HistoryID()
	if _, ok := s.history[historyID]; ok {
		delete(s.records, fingerprint)
		return nil
	}

	s.history[historyID] = &HistoryEntry{
		DeviceID:    sample.DeviceID,
		Timestamp:   sample.Timestamp,
		TotalEnergy: sample.TotalEnergy,
		Voltage:     sample.Voltage,
		Current:     sample.Current,
		Power:       sample.Power,
		Status:      sample.Status,
		Uptime:      sample.Uptime,
	}

	if s.knownDevice[sample.DeviceID] {
		current := s.devices[sample.DeviceID]
		if current == nil || sample.Timestamp.After(current.Timestamp) {
			snapshot := sample.Snapshot()
			s.devices[sample.DeviceID] = &snapshot
		}
	}

	delete(s.records, fingerprint)
	return nil
}

// PutDevice registers a device aggregate, optionally with an existing
// telemetry snapshot.
func (s *InMemoryStore) PutDevice(deviceID string, snapshot *telemetry.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knownDevice[deviceID] = true
	s.devices[deviceID] = snapshot
}

// DeviceSnapshot returns the current snapshot for a device, or nil.
func (s *InMemoryStore) DeviceSnapshot(deviceID string) *telemetry.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot := s.devices[deviceID]; snapshot != nil {
		copied := *snapshot
		return &copied
	}
	return nil
}

// HistoryEntryByID returns a history entry, or nil if absent.
func (s *InMemoryStore) HistoryEntryByID(historyID string) *HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry := s.history[historyID]; entry != nil {
		copied := *entry
		return &copied
	}
	return nil
}

// HistoryLen returns the number of history entries.
func (s *InMemoryStore) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// BacklogLen returns the number of write-ahead records currently held.
func (s *InMemoryStore) BacklogLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// DeadLetters returns a copy of every archived dead-letter record.
func (s *InMemoryStore) DeadLetters() []DeadLetterRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetterRecord, len(s.deadLetters))
	copy(out, s.deadLetters)
	return out
}

// sortedRecordsLocked returns records ordered by savedAt then ID. Callers
// must hold the lock.
func (s *InMemoryStore) sortedRecordsLocked() []*IncomingMessageRecord {
	records := make([]*IncomingMessageRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].SavedAt.Equal(records[j].SavedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].SavedAt.Before(records[j].SavedAt)
	})
	return records
}
