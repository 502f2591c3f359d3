// Package mqttingest is the MQTT side of the telemetry pipeline: the broker
// connection, the per-packet acknowledgment gate, the processor that turns
// stored packets into business updates, and the backlog replayer that
// recovers records left over from a previous run.
package mqttingest

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxQoS is the highest MQTT quality-of-service level.
const MaxQoS byte = 2

// SubscriptionConfig declares the topics the connection subscribes to, either
// as a flat list sharing one QoS or as an explicit topic-to-QoS map. Exactly
// one form must be populated.
type SubscriptionConfig struct {
	// Topics is a list of topic filters all subscribed at QoS.
	Topics []string
	// QoS is the shared quality-of-service level for Topics.
	QoS byte
	// TopicQoS maps each topic filter to its own QoS level.
	TopicQoS map[string]byte
}

// Normalize collapses both configuration forms into a single topic-to-QoS
// map, rejecting malformed topic filters and invalid QoS levels up front so
// subscription never fails at connect time for a configuration mistake.
func (c *SubscriptionConfig) Normalize() (map[string]byte, error) {
	if len(c.Topics) > 0 && len(c.TopicQoS) > 0 {
		return nil, fmt.Errorf("subscription config must use either Topics or TopicQoS, not both")
	}

	normalized := make(map[string]byte)
	switch {
	case len(c.TopicQoS) > 0:
		for topic, qos := range c.TopicQoS {
			if err := ValidateTopicFilter(topic); err != nil {
				return nil, err
			}
			if qos > MaxQoS {
				return nil, fmt.Errorf("invalid QoS %d for topic %q", qos, topic)
			}
			normalized[topic] = qos
		}
	case len(c.Topics) > 0:
		if c.QoS > MaxQoS {
			return nil, fmt.Errorf("invalid shared QoS %d", c.QoS)
		}
		for _, topic := range c.Topics {
			if err := ValidateTopicFilter(topic); err != nil {
				return nil, err
			}
			normalized[topic] = c.QoS
		}
	default:
		return nil, fmt.Errorf("subscription config declares no topics")
	}
	return normalized, nil
}

// ValidateTopicFilter enforces the MQTT wildcard rules: no empty levels, "+"
// only as a whole level, "#" only as the final level.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("topic filter cannot be empty")
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if level == "" {
			return fmt.Errorf("topic filter %q has an empty level", filter)
		}
		if level == "+" {
			continue
		}
		if level == "#" {
			if i != len(levels)-1 {
				return fmt.Errorf("topic filter %q uses '#' before the final level", filter)
			}
			continue
		}
		if strings.ContainsAny(level, "+#") {
			return fmt.Errorf("topic filter %q embeds a wildcard inside a level", filter)
		}
	}
	return nil
}

// ConnectionConfig holds everything needed to run the broker connection.
type ConnectionConfig struct {
	// BrokerURL is the full URL of the MQTT broker, e.g. "tcp://broker:1883".
	BrokerURL string
	// ClientIDPrefix is prefixed to a unique suffix to form the client ID.
	ClientIDPrefix string
	// Username for authenticating with the MQTT broker.
	Username string
	// Password for authenticating with the MQTT broker.
	Password string
	// CleanSession requests a fresh broker session on every connect. With a
	// persistent session (false), the broker retains subscriptions and
	// undelivered QoS >= 1 packets across reconnects.
	CleanSession bool
	// KeepAlive is the interval at which the client pings the broker.
	KeepAlive time.Duration
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration
	// ReconnectWaitMax caps the transport's built-in reconnect backoff.
	ReconnectWaitMax time.Duration
	// Subscriptions declares the topics to subscribe after connecting.
	Subscriptions SubscriptionConfig
	// ChannelCapacity sizes the buffered packet channel handed to intake.
	ChannelCapacity int
}

// Env constants for connection settings.
const (
	EnvBrokerURL             = "MQTT_BROKER_URL"
	EnvBrokerUsername        = "MQTT_BROKER_USERNAME"
	EnvBrokerPassword        = "MQTT_BROKER_PASSWORD"
	EnvClientIDPrefix        = "MQTT_CLIENT_ID"
	EnvConnectTimeoutSeconds = "MQTT_CONNECT_TIMEOUT_SECONDS"
	EnvReconnectMaxSeconds   = "MQTT_RECONNECT_MAX_SECONDS"
)

// LoadConnectionConfigWithEnv loads connection configuration from environment
// variables, filling operational knobs with sensible defaults. Subscriptions
// are not loaded from the environment and must be set programmatically.
func LoadConnectionConfigWithEnv() *ConnectionConfig {
	cfg := &ConnectionConfig{
		BrokerURL:        os.Getenv(EnvBrokerURL),
		Username:         os.Getenv(EnvBrokerUsername),
		Password:         os.Getenv(EnvBrokerPassword),
		ClientIDPrefix:   "telemetry-ingest-",
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectWaitMax: 120 * time.Second,
		ChannelCapacity:  1000,
	}
	if prefix := os.Getenv(EnvClientIDPrefix); prefix != "" {
		cfg.ClientIDPrefix = prefix
		// A stable client ID means the broker can resume the session and
		// redeliver in-flight packets after a restart.
		cfg.CleanSession = false
	} else {
		cfg.CleanSession = true
	}
	if ct := os.Getenv(EnvConnectTimeoutSeconds); ct != "" {
		if d, err := time.ParseDuration(ct + "s"); err == nil {
			cfg.ConnectTimeout = d
		} else {
			log.Printf("mqttingest: error parsing connect timeout seconds: %s, using default", err)
		}
	}
	if rw := os.Getenv(EnvReconnectMaxSeconds); rw != "" {
		if d, err := time.ParseDuration(rw + "s"); err == nil {
			cfg.ReconnectWaitMax = d
		} else {
			log.Printf("mqttingest: error parsing reconnect max seconds: %s, using default", err)
		}
	}
	return cfg
}
