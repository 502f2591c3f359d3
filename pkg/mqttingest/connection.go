package mqttingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle state, driven by transport events.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// subscriptionRejected is the broker's grant code for a refused subscription.
const subscriptionRejected byte = 0x80

// PacketEnvelope is the pipeline's view of one inbound publish packet. Ack
// confirms delivery to the broker; leaving a QoS >= 1 packet unacked makes
// the broker redeliver it with the duplicate flag set.
type PacketEnvelope struct {
	Topic     string
	Payload   []byte
	QoS       byte
	MessageID uint16
	Duplicate bool
	Retained  bool
	Ack       func()
}

// ConnectionManager owns the single broker connection: it normalizes and
// validates the subscription configuration up front, re-issues subscriptions
// when a connection arrives without a resumed session, compares granted QoS
// against requested QoS, and hands inbound packets to the pipeline on a
// buffered channel. Reconnection backoff belongs to the transport; this
// component only reacts to its events.
type ConnectionManager struct {
	cfg           *ConnectionConfig
	subscriptions map[string]byte
	logger        zerolog.Logger

	pahoClient mqtt.Client
	newClient  func(*mqtt.ClientOptions) mqtt.Client

	outputChan chan PacketEnvelope
	closing    chan struct{}
	doneChan   chan struct{}
	stopOnce   sync.Once

	// sendMu fences delivery callbacks against Stop closing outputChan: a
	// handler holds the read side across its send, Stop takes the write side
	// before the close.
	sendMu       sync.RWMutex
	outputClosed bool

	state         atomic.Int32
	everConnected atomic.Bool
}

// NewConnectionManager validates the configuration and creates a manager. It
// does not connect until Start is called.
func NewConnectionManager(cfg *ConnectionConfig, logger zerolog.Logger) (*ConnectionManager, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	subscriptions, err := cfg.Subscriptions.Normalize()
	if err != nil {
		return nil, fmt.Errorf("invalid subscription config: %w", err)
	}
	capacity := cfg.ChannelCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	return &ConnectionManager{
		cfg:           cfg,
		subscriptions: subscriptions,
		logger:        logger.With().Str("component", "ConnectionManager").Logger(),
		newClient:     mqtt.NewClient,
		outputChan:    make(chan PacketEnvelope, capacity),
		closing:       make(chan struct{}),
		doneChan:      make(chan struct{}),
	}, nil
}

// Messages returns the read-only channel of inbound packets.
func (c *ConnectionManager) Messages() <-chan PacketEnvelope {
	return c.outputChan
}

// State returns the current connection state.
func (c *ConnectionManager) State() State {
	return State(c.state.Load())
}

// Subscriptions returns the normalized topic-to-QoS map.
func (c *ConnectionManager) Subscriptions() map[string]byte {
	out := make(map[string]byte, len(c.subscriptions))
	for topic, qos := range c.subscriptions {
		out[topic] = qos
	}
	return out
}

// Start connects to the broker. The transport keeps retrying in the
// background if the initial attempt fails.
func (c *ConnectionManager) Start(ctx context.Context) error {
	opts := c.createMqttOptions()
	c.pahoClient = c.newClient(opts)

	c.state.Store(int32(StateConnecting))
	c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Attempting to connect to MQTT broker...")
	if token := c.pahoClient.Connect(); token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Msg("Failed to connect to MQTT broker on startup. The transport will continue to retry in the background.")
	}

	go func() {
		<-ctx.Done()
		c.logger.Info().Msg("Shutdown signal received, ensuring connection manager is stopped.")
		_ = c.Stop(context.Background())
	}()

	return nil
}

// Stop unsubscribes, disconnects and closes the packet channel. Safe to call
// more than once.
func (c *ConnectionManager) Stop(_ context.Context) error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping ConnectionManager...")
		close(c.closing)
		if c.pahoClient != nil && c.pahoClient.IsConnected() {
			topics := make([]string, 0, len(c.subscriptions))
			for topic := range c.subscriptions {
				topics = append(topics, topic)
			}
			if token := c.pahoClient.Unsubscribe(topics...); token.WaitTimeout(2*time.Second) && token.Error() != nil {
				c.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe from MQTT topics.")
			}
			c.pahoClient.Disconnect(500) // 500ms grace period
			c.logger.Info().Msg("Paho MQTT client disconnected.")
		}
		c.state.Store(int32(StateDisconnected))
		// Wait out any delivery callbacks still inside their send before the
		// channel close; closing is already shut, so none of them can block.
		c.sendMu.Lock()
		c.outputClosed = true
		c.sendMu.Unlock()
		close(c.outputChan)
		close(c.doneChan)
		c.logger.Info().Msg("ConnectionManager stopped.")
	})
	return nil
}

// Done returns a channel that is closed when the manager has fully stopped.
func (c *ConnectionManager) Done() <-chan struct{} {
	return c.doneChan
}

// IsConnected reports the connection status of the underlying client.
func (c *ConnectionManager) IsConnected() bool {
	return c.pahoClient != nil && c.pahoClient.IsConnected()
}

// handleIncomingMessage converts a transport message into a PacketEnvelope
// and hands it to the pipeline. Acks are manual: the gate decides.
func (c *ConnectionManager) handleIncomingMessage(_ mqtt.Client, msg mqtt.Message) {
	payloadCopy := make([]byte, len(msg.Payload()))
	copy(payloadCopy, msg.Payload())

	envelope := PacketEnvelope{
		Topic:     msg.Topic(),
		Payload:   payloadCopy,
		QoS:       msg.Qos(),
		MessageID: msg.MessageID(),
		Duplicate: msg.Duplicate(),
		Retained:  msg.Retained(),
		Ack:       msg.Ack,
	}
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.outputClosed {
		c.logger.Warn().Str("topic", msg.Topic()).Msg("Connection manager is stopped, dropping packet for broker redelivery.")
		return
	}
	select {
	case <-c.closing:
		c.logger.Warn().Str("topic", msg.Topic()).Msg("Connection manager is shutting down, dropping packet for broker redelivery.")
	case c.outputChan <- envelope:
	}
}

// GetMessageHandlerForTest exposes the internal message handler so unit tests
// can inject transport messages without a live broker.
func (c *ConnectionManager) GetMessageHandlerForTest() mqtt.MessageHandler {
	return c.handleIncomingMessage
}

// onConnect runs on every successful (re)connect. A clean session never
// resumes broker state, so subscriptions are re-issued each time; a
// persistent session only needs them once, the broker preserves them after
// that.
func (c *ConnectionManager) onConnect(client mqtt.Client) {
	previous := State(c.state.Swap(int32(StateConnected)))
	c.logger.Info().Str("broker", c.cfg.BrokerURL).Str("previous_state", previous.String()).Msg("Connected to MQTT broker.")

	firstConnect := c.everConnected.CompareAndSwap(false, true)
	if !c.cfg.CleanSession && !firstConnect {
		c.logger.Info().Msg("Persistent session resumed; broker retains subscriptions.")
		return
	}
	c.subscribeTopics(client)
}

// subscribeTopics issues all configured subscriptions and audits the grants:
// a QoS downgrade weakens redelivery guarantees and is logged as a warning,
// an outright rejection as an error.
func (c *ConnectionManager) subscribeTopics(client mqtt.Client) {
	if len(c.subscriptions) == 0 {
		c.logger.Info().Msg("No MQTT topics to subscribe.")
		return
	}
	c.logger.Info().Int("topic_count", len(c.subscriptions)).Msg("Subscribing MQTT topics.")

	token := client.SubscribeMultiple(c.subscriptions, c.handleIncomingMessage)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			c.logger.Error().Err(token.Error()).Msg("Failed to subscribe to MQTT topics.")
			return
		}
		subToken, ok := token.(*mqtt.SubscribeToken)
		if !ok {
			return
		}
		for topic, granted := range subToken.Result() {
			requested := c.subscriptions[topic]
			switch {
			case granted >= subscriptionRejected:
				c.logger.Error().Str("topic", topic).Uint8("requested_qos", requested).Msg("MQTT subscription rejected by broker.")
			case granted < requested:
				c.logger.Warn().Str("topic", topic).Uint8("requested_qos", requested).Uint8("granted_qos", granted).Msg("MQTT subscription downgraded; duplicate suppression weakens at lower QoS.")
			default:
				c.logger.Info().Str("topic", topic).Uint8("granted_qos", granted).Msg("MQTT topic subscribed.")
			}
		}
	}()
}

// createMqttOptions assembles the transport options from the config.
func (c *ConnectionManager) createMqttOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	if c.cfg.CleanSession {
		opts.SetClientID(fmt.Sprintf("%s%s", c.cfg.ClientIDPrefix, uuid.NewString()[:8]))
	} else {
		// Session resumption needs a client ID that is stable across
		// restarts; the broker redelivers in-flight packets against it.
		opts.SetClientID(c.cfg.ClientIDPrefix)
	}
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetCleanSession(c.cfg.CleanSession)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.cfg.ReconnectWaitMax)
	opts.SetOrderMatters(false)
	// Acks are issued by the gate once the packet is durably persisted, not
	// by the transport on receipt.
	opts.SetAutoAckDisabled(true)
	opts.SetResumeSubs(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.state.Store(int32(StateReconnecting))
		c.logger.Error().Err(err).Msg("Lost MQTT connection; transport will reconnect.")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.state.Store(int32(StateReconnecting))
		c.logger.Info().Msg("Reconnecting to MQTT broker...")
	})

	return opts
}
