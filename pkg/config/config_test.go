package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	viper.Reset()
	setDefaults()

	var cfg Config
	require.NoError(t, viper.Unmarshal(&cfg))

	assert.Equal(t, "development", cfg.App.Env)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Pool.ReservationTTL)
	assert.Equal(t, 100*time.Millisecond, cfg.Pool.SlowQueryThreshold)
	assert.Equal(t, "pool:balance:changed", cfg.Pool.EventChannel)
	assert.Equal(t, "@every 1m", cfg.Pool.SweepSchedule)
	assert.Equal(t, 5, cfg.Pool.WorkerConcurrency)
}

func TestEnvOverride(t *testing.T) {
	viper.Reset()
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults()
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("POOL_LOCK_TTL", "2s")

	var cfg Config
	require.NoError(t, viper.Unmarshal(&cfg))

	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Pool.LockTTL)
}
