package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "dev", cfg.Server.Environment)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 30, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 5, cfg.Prefetch.BatchMin)
	assert.Equal(t, 20, cfg.Prefetch.BatchMax)
	assert.True(t, cfg.Review.Enabled)
	assert.True(t, cfg.Dedupe.Enabled)
	assert.Empty(t, cfg.Auth.Keys())
	assert.False(t, cfg.Providers.Credentialed())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NDW_SERVER_PORT", "9090")
	t.Setenv("OPENROUTER_API_KEY", "sk-test")
	t.Setenv("API_KEYS", "key-a, key-b")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.Providers.OpenRouterKey)
	assert.True(t, cfg.Providers.Credentialed())

	keys := cfg.Auth.Keys()
	assert.True(t, keys["key-a"])
	assert.True(t, keys["key-b"])
	assert.Len(t, keys, 2)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("NDW_SERVER_PORT", "70000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestValidateBatchOrdering(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Prefetch.BatchMin = 10
	cfg.Prefetch.BatchMax = 5
	assert.Error(t, cfg.Validate())
}

func TestRedisAddr(t *testing.T) {
	c := RedisConfig{Host: "redis.internal", Port: 6380}
	assert.Equal(t, "redis.internal:6380", c.Addr())
}

func TestDedupeEffectiveMax(t *testing.T) {
	c := DedupeConfig{Max: 200}
	assert.Equal(t, 200, c.EffectiveMax(8))
	assert.Equal(t, 500, c.EffectiveMax(500))
}
