package mqttingest_test

import (
	"testing"
	"time"

	"github.com/illmade-knight/go-telemetry-ingest/pkg/mqttingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionConfig_Normalize_SharedQoS(t *testing.T) {
	cfg := mqttingest.SubscriptionConfig{
		Topics: []string{"meter/telemetry", "meter/+/status"},
		QoS:    1,
	}

	normalized, err := cfg.Normalize()
	require.NoError(t, err)

	assert.Equal(t, map[string]byte{
		"meter/telemetry": 1,
		"meter/+/status":  1,
	}, normalized)
}

func TestSubscriptionConfig_Normalize_PerTopicQoS(t *testing.T) {
	cfg := mqttingest.SubscriptionConfig{
		TopicQoS: map[string]byte{
			"meter/telemetry": 2,
			"meter/events/#":  0,
		},
	}

	normalized, err := cfg.Normalize()
	require.NoError(t, err)

	assert.Equal(t, byte(2), normalized["meter/telemetry"])
	assert.Equal(t, byte(0), normalized["meter/events/#"])
}

func TestSubscriptionConfig_Normalize_Errors(t *testing.T) {
	testCases := []struct {
		name string
		cfg  mqttingest.SubscriptionConfig
	}{
		{
			name: "both forms populated",
			cfg: mqttingest.SubscriptionConfig{
				Topics:   []string{"meter/telemetry"},
				TopicQoS: map[string]byte{"meter/telemetry": 1},
			},
		},
		{
			name: "no topics declared",
			cfg:  mqttingest.SubscriptionConfig{},
		},
		{
			name: "shared QoS out of range",
			cfg:  mqttingest.SubscriptionConfig{Topics: []string{"meter/telemetry"}, QoS: 3},
		},
		{
			name: "per-topic QoS out of range",
			cfg:  mqttingest.SubscriptionConfig{TopicQoS: map[string]byte{"meter/telemetry": 5}},
		},
		{
			name: "invalid filter in topic list",
			cfg:  mqttingest.SubscriptionConfig{Topics: []string{"meter/tele+metry"}, QoS: 1},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cfg.Normalize()
			assert.Error(t, err)
		})
	}
}

func TestValidateTopicFilter(t *testing.T) {
	valid := []string{
		"meter/telemetry",
		"meter/+/telemetry",
		"meter/#",
		"#",
		"+",
		"a/b/c/d",
	}
	for _, filter := range valid {
		assert.NoError(t, mqttingest.ValidateTopicFilter(filter), "filter %q", filter)
	}

	invalid := []string{
		"",
		"meter//telemetry",
		"meter/#/telemetry",
		"meter/tele#",
		"meter/tele+metry",
		"/meter",
		"meter/",
	}
	for _, filter := range invalid {
		assert.Error(t, mqttingest.ValidateTopicFilter(filter), "filter %q", filter)
	}
}

func TestLoadConnectionConfigWithEnv(t *testing.T) {
	t.Run("defaults with ephemeral session", func(t *testing.T) {
		t.Setenv(mqttingest.EnvBrokerURL, "tcp://broker.example.com:1883")
		t.Setenv(mqttingest.EnvClientIDPrefix, "")

		cfg := mqttingest.LoadConnectionConfigWithEnv()

		assert.Equal(t, "tcp://broker.example.com:1883", cfg.BrokerURL)
		assert.True(t, cfg.CleanSession)
		assert.Equal(t, "telemetry-ingest-", cfg.ClientIDPrefix)
		assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
		assert.Equal(t, 1000, cfg.ChannelCapacity)
	})

	t.Run("stable client ID selects persistent session", func(t *testing.T) {
		t.Setenv(mqttingest.EnvBrokerURL, "tcp://broker.example.com:1883")
		t.Setenv(mqttingest.EnvClientIDPrefix, "ingest-prod-1")
		t.Setenv(mqttingest.EnvConnectTimeoutSeconds, "30")

		cfg := mqttingest.LoadConnectionConfigWithEnv()

		assert.Equal(t, "ingest-prod-1", cfg.ClientIDPrefix)
		assert.False(t, cfg.CleanSession)
		assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	})
}
