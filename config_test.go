package beancore

import (
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		got := ConfigFromEnv(testr.New(t))
		if diff := cmp.Diff(DefaultConfig(), got); diff != "" {
			t.Errorf("ConfigFromEnv() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Overrides", func(t *testing.T) {
		t.Setenv(EnvPoolSize, "8")
		t.Setenv(EnvMinPoolSize, "2")
		t.Setenv(EnvPoolIdleTimeout, "90s")
		t.Setenv(EnvSessionTimeout, "30m")
		t.Setenv(EnvSweepInterval, "250ms")
		t.Setenv(EnvReaperWorkers, "0")

		want := DefaultConfig()
		want.PoolSize = 8
		want.MinPoolSize = 2
		want.PoolIdleTimeout = 90 * time.Second
		want.SessionTimeout = 30 * time.Minute
		want.SweepInterval = 250 * time.Millisecond
		want.ReaperWorkers = 0

		got := ConfigFromEnv(testr.New(t))
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("ConfigFromEnv() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Malformed Values Fall Back", func(t *testing.T) {
		t.Setenv(EnvSessionCacheSize, "lots")
		t.Setenv(EnvSessionTimeout, "forever")

		got := ConfigFromEnv(testr.New(t))
		assert.Equal(t, DefaultSessionCacheSize, got.SessionCacheSize)
		assert.Equal(t, 10*time.Minute, got.SessionTimeout)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative pool", func(c *Config) { c.PoolSize = -1 }},
		{"negative workers", func(c *Config) { c.ReaperWorkers = -2 }},
		{"negative sweep", func(c *Config) { c.SweepInterval = -time.Second }},
		{"negative idle", func(c *Config) { c.PoolIdleTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.validate())
			_, err := New(WithConfig(cfg))
			assert.Error(t, err)
		})
	}
	require.NoError(t, DefaultConfig().validate())
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(true, DEBUG)
	require.NoError(t, err)
	assert.True(t, log.V(DEBUG).Enabled())
	assert.False(t, log.V(TRACE).Enabled())

	prod, err := NewLogger(false, DEFAULT)
	require.NoError(t, err)
	assert.True(t, prod.V(DEFAULT).Enabled())
	assert.False(t, prod.V(VERBOSE).Enabled())
}
