package mqttingest_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-telemetry-ingest/pkg/mqttingest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMqttMessage satisfies the paho mqtt.Message interface.
type fakeMqttMessage struct {
	topic     string
	payload   []byte
	qos       byte
	messageID uint16
	duplicate bool
	retained  bool
	acked     atomic.Bool
}

func (m *fakeMqttMessage) Duplicate() bool   { return m.duplicate }
func (m *fakeMqttMessage) Qos() byte         { return m.qos }
func (m *fakeMqttMessage) Retained() bool    { return m.retained }
func (m *fakeMqttMessage) Topic() string     { return m.topic }
func (m *fakeMqttMessage) MessageID() uint16 { return m.messageID }
func (m *fakeMqttMessage) Payload() []byte   { return m.payload }
func (m *fakeMqttMessage) Ack()              { m.acked.Store(true) }

func newTestConnectionConfig() *mqttingest.ConnectionConfig {
	return &mqttingest.ConnectionConfig{
		BrokerURL:      "tcp://localhost:1883",
		ClientIDPrefix: "test-ingest-",
		CleanSession:   true,
		ConnectTimeout: time.Second,
		Subscriptions: mqttingest.SubscriptionConfig{
			Topics: []string{testTelemetryTopic},
			QoS:    1,
		},
		ChannelCapacity: 8,
	}
}

func TestNewConnectionManager_Validation(t *testing.T) {
	t.Run("missing broker URL", func(t *testing.T) {
		cfg := newTestConnectionConfig()
		cfg.BrokerURL = ""
		_, err := mqttingest.NewConnectionManager(cfg, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("invalid subscription", func(t *testing.T) {
		cfg := newTestConnectionConfig()
		cfg.Subscriptions = mqttingest.SubscriptionConfig{Topics: []string{"meter/#/bad"}, QoS: 1}
		_, err := mqttingest.NewConnectionManager(cfg, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("normalized subscriptions exposed", func(t *testing.T) {
		manager, err := mqttingest.NewConnectionManager(newTestConnectionConfig(), zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, map[string]byte{testTelemetryTopic: 1}, manager.Subscriptions())
		assert.Equal(t, mqttingest.StateDisconnected, manager.State())
	})
}

func TestConnectionManager_HandleIncomingMessage(t *testing.T) {
	manager, err := mqttingest.NewConnectionManager(newTestConnectionConfig(), zerolog.Nop())
	require.NoError(t, err)

	msg := &fakeMqttMessage{
		topic:     testTelemetryTopic,
		payload:   []byte(`{"DeviceId":"DEV0000001"}`),
		qos:       1,
		messageID: 42,
		duplicate: true,
	}
	manager.GetMessageHandlerForTest()(nil, msg)

	select {
	case envelope := <-manager.Messages():
		assert.Equal(t, testTelemetryTopic, envelope.Topic)
		assert.Equal(t, msg.payload, envelope.Payload)
		assert.Equal(t, byte(1), envelope.QoS)
		assert.Equal(t, uint16(42), envelope.MessageID)
		assert.True(t, envelope.Duplicate)
		assert.False(t, envelope.Retained)

		assert.False(t, msg.acked.Load(), "ack must not fire on receipt")
		envelope.Ack()
		assert.True(t, msg.acked.Load(), "envelope ack reaches the transport message")
	case <-time.After(time.Second):
		t.Fatal("expected an envelope on the packet channel")
	}
}

func TestConnectionManager_HandlerCopiesPayload(t *testing.T) {
	manager, err := mqttingest.NewConnectionManager(newTestConnectionConfig(), zerolog.Nop())
	require.NoError(t, err)

	payload := []byte(`{"DeviceId":"DEV0000001"}`)
	msg := &fakeMqttMessage{topic: testTelemetryTopic, payload: payload, qos: 1, messageID: 1}
	manager.GetMessageHandlerForTest()(nil, msg)

	// The transport reuses its buffers; the envelope must not observe that.
	payload[0] = 'X'

	envelope := <-manager.Messages()
	assert.Equal(t, byte('{'), envelope.Payload[0])
}

func TestConnectionManager_StopDropsInFlightMessages(t *testing.T) {
	manager, err := mqttingest.NewConnectionManager(newTestConnectionConfig(), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, manager.Stop(context.Background()))
	select {
	case <-manager.Done():
	case <-time.After(time.Second):
		t.Fatal("manager did not report done")
	}

	// Transport callbacks arriving after shutdown must never panic on the
	// closed channel; the unacked packets are the broker's to redeliver.
	for i := 0; i < 200; i++ {
		msg := &fakeMqttMessage{topic: testTelemetryTopic, payload: []byte(`{}`), qos: 1, messageID: uint16(i + 1)}
		manager.GetMessageHandlerForTest()(nil, msg)
		assert.False(t, msg.acked.Load())
	}

	_, open := <-manager.Messages()
	assert.False(t, open, "packet channel closed on stop")
}

func TestConnectionManager_StopRacesConcurrentDeliveries(t *testing.T) {
	manager, err := mqttingest.NewConnectionManager(newTestConnectionConfig(), zerolog.Nop())
	require.NoError(t, err)

	// Drain so senders never block on a full channel.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range manager.Messages() {
		}
	}()

	handler := manager.GetMessageHandlerForTest()
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			<-start
			for j := 0; j < 50; j++ {
				msg := &fakeMqttMessage{topic: testTelemetryTopic, payload: []byte(`{}`), qos: 1, messageID: uint16(worker*50 + j + 1)}
				handler(nil, msg)
			}
		}(i)
	}

	close(start)
	require.NoError(t, manager.Stop(context.Background()))
	wg.Wait()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("packet channel never closed")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", mqttingest.StateDisconnected.String())
	assert.Equal(t, "connecting", mqttingest.StateConnecting.String())
	assert.Equal(t, "connected", mqttingest.StateConnected.String())
	assert.Equal(t, "reconnecting", mqttingest.StateReconnecting.String())
}
