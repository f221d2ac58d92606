package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, "balanced", c.Signal.Mode)
	assert.Equal(t, "simulation", c.Engine.Type)
	assert.Equal(t, 15*time.Minute, c.Engine.Expiry)
	assert.Len(t, c.Signal.Modes, 4)
	assert.NotEmpty(t, c.Feeds.Binance.URLs)
	assert.Equal(t, []string{"PAUSE_TRADING"}, c.Authorization.EmergencyActions)
}

func TestRepositoryConfigLoads(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "hitl", c.Authorization.Mode)
	assert.Equal(t, 2, len(c.Feeds.Binance.URLs))
	assert.False(t, c.Kafka.Enabled)
}

func TestParseKeepsExplicitFalse(t *testing.T) {
	c, err := Parse([]byte(`
feeds:
  binance:
    enabled: false
engine:
  auto_start: false
`))
	require.NoError(t, err)
	assert.False(t, c.Feeds.Binance.Enabled)
	assert.False(t, c.Engine.AutoStart)
	assert.True(t, c.Feeds.Polymarket.Enabled)
	assert.Equal(t, "btcusdt", c.Feeds.Binance.Symbol)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown signal mode", "signal:\n  mode: yolo\n"},
		{"unknown engine", "engine:\n  type: paper\n"},
		{"inverted fee range", "fees:\n  buy_min: 0.05\n  buy_max: 0.01\n"},
		{"live without credentials", "engine:\n  type: live\n"},
		{"kafka without brokers", "kafka:\n  enabled: true\n"},
		{"bad auth mode", "authorization:\n  mode: chaos\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kafka:\n  enabled: true\n  brokers: [\"x:9092\"]\n"), 0o600))

	t.Setenv("AUTH_MODE", "AUTO")
	t.Setenv("TRADING_MODE", "conservative")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("LIVE_MAX_PER_TRADE", "5")

	c, err := LoadWithEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "auto", c.Authorization.Mode)
	assert.Equal(t, "conservative", c.Signal.Mode)
	assert.Equal(t, []string{"a:9092", "b:9092"}, c.Kafka.Brokers)
	assert.Equal(t, 5.0, c.Engine.Live.MaxPerTrade)
}
