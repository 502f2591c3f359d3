package mqttingest_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-telemetry-ingest/pkg/messagestore"
	"github.com/illmade-knight/go-telemetry-ingest/pkg/mqttingest"
	"github.com/illmade-knight/go-telemetry-ingest/pkg/telemetry"
)

// fakeSource is a channel-backed PacketSource for driving the service in
// tests.
type fakeSource struct {
	ch        chan mqttingest.PacketEnvelope
	doneChan  chan struct{}
	startErr  error
	stopOnce  sync.Once
	startedAt atomic.Bool
}

func newFakeSource(capacity int) *fakeSource {
	return &fakeSource{
		ch:       make(chan mqttingest.PacketEnvelope, capacity),
		doneChan: make(chan struct{}),
	}
}

func (f *fakeSource) Messages() <-chan mqttingest.PacketEnvelope { return f.ch }

func (f *fakeSource) Start(_ context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.startedAt.Store(true)
	return nil
}

func (f *fakeSource) Stop(_ context.Context) error {
	f.stopOnce.Do(func() {
		close(f.ch)
		close(f.doneChan)
	})
	return nil
}

func (f *fakeSource) Done() <-chan struct{} { return f.doneChan }

func (f *fakeSource) deliver(envelope mqttingest.PacketEnvelope) {
	f.ch <- envelope
}

// flakyStore wraps the in-memory store with injectable failures.
type flakyStore struct {
	*messagestore.InMemoryStore
	saveErr   atomic.Value // error
	existsErr atomic.Value // error
}

func newFlakyStore() *flakyStore {
	return &flakyStore{InMemoryStore: messagestore.NewInMemoryStore()}
}

func (s *flakyStore) failSavesWith(err error) { s.saveErr.Store(err) }

func (s *flakyStore) Save(ctx context.Context, record *messagestore.IncomingMessageRecord) error {
	if err, ok := s.saveErr.Load().(error); ok && err != nil {
		return err
	}
	return s.InMemoryStore.Save(ctx, record)
}

func (s *flakyStore) Exists(ctx context.Context, fingerprint string) (bool, error) {
	if err, ok := s.existsErr.Load().(error); ok && err != nil {
		return false, err
	}
	return s.InMemoryStore.Exists(ctx, fingerprint)
}

// countingApplier decorates a TelemetryApplier with a call counter and an
// injectable failure budget.
type countingApplier struct {
	inner        messagestore.TelemetryApplier
	calls        atomic.Int32
	failuresLeft atomic.Int32
	failWith     error
}

func (a *countingApplier) Apply(ctx context.Context, sample *telemetry.Sample, fingerprint string) error {
	a.calls.Add(1)
	if a.failuresLeft.Load() != 0 {
		a.failuresLeft.Add(-1)
		return a.failWith
	}
	return a.inner.Apply(ctx, sample, fingerprint)
}

// mockMirror is a FingerprintMirror test double with injectable behavior.
type mockMirror struct {
	hasFunc  func(ctx context.Context, fingerprint string) (bool, error)
	recorded []string
	mu       sync.Mutex
}

func (m *mockMirror) HasFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	if m.hasFunc != nil {
		return m.hasFunc(ctx, fingerprint)
	}
	return false, nil
}

func (m *mockMirror) Record(fingerprint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, fingerprint)
}

func (m *mockMirror) recordedFingerprints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.recorded))
	copy(out, m.recorded)
	return out
}

// ackCounter builds an envelope Ack func that counts invocations.
type ackCounter struct {
	count atomic.Int32
}

func (a *ackCounter) fn() func() {
	return func() { a.count.Add(1) }
}

const testTelemetryTopic = "meter/telemetry"

func telemetryEnvelope(payload string, qos byte, messageID uint16, dup bool, ack func()) mqttingest.PacketEnvelope {
	if ack == nil {
		ack = func() {}
	}
	return mqttingest.PacketEnvelope{
		Topic:     testTelemetryTopic,
		Payload:   []byte(payload),
		QoS:       qos,
		MessageID: messageID,
		Duplicate: dup,
		Ack:       ack,
	}
}

func waitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}
