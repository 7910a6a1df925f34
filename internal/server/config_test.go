package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewConfig verifies the defaults used when nothing is configured.
func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(4096), cfg.MaxMessageSize)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 2*time.Minute, cfg.ReconnectGrace)
	assert.Equal(t, 256, cfg.SendBuffer)
	assert.False(t, cfg.VerifyReplies)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9090")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example,https://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "1024")
	t.Setenv("RATE_LIMIT_BURST", "10")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "500ms")
	t.Setenv("RECONNECT_GRACE", "30s")
	t.Setenv("VERIFY_REPLIES", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := NewConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(1024), cfg.MaxMessageSize)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, 500*time.Millisecond, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 30*time.Second, cfg.ReconnectGrace)
	assert.True(t, cfg.VerifyReplies)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 256, cfg.SendBuffer, "unset variables keep defaults")
}

func TestNewConfigFromEnvRejectsMalformed(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "large")

	_, err := NewConfigFromEnv()
	require.Error(t, err)
}

func TestSanitizeConfig(t *testing.T) {
	in := Config{
		MaxMessageSize: -1,
		RateLimit:      RateLimitConfig{Burst: 0, RefillInterval: -time.Second},
		ReconnectGrace: -time.Minute,
		AllowedOrigins: []string{"http://a.example"},
	}

	out := sanitizeConfig(in)

	assert.Equal(t, ":8080", out.Port)
	assert.Equal(t, int64(4096), out.MaxMessageSize)
	assert.Equal(t, 5, out.RateLimit.Burst)
	assert.Equal(t, time.Second, out.RateLimit.RefillInterval)
	assert.Zero(t, out.ReconnectGrace)
	assert.Equal(t, 256, out.SendBuffer)
	assert.Equal(t, 10*time.Second, out.ShutdownTimeout)

	out.AllowedOrigins[0] = "changed"
	assert.Equal(t, "http://a.example", in.AllowedOrigins[0], "sanitize must copy origins")
}
