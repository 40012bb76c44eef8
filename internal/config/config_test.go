package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Batch.ChunkSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.LockTTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 5*time.Second, cfg.Retry.PollInterval)
	assert.Equal(t, 20, cfg.Retry.DrainMax)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
cache:
  backend: redis
  ttl: 12h
bus:
  backend: nats
warm_up_tenants: [a, b]
`), 0o600))

	t.Setenv("VIGIL_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("VIGIL_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 12*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "nats", cfg.Bus.Backend)
	assert.Equal(t, []string{"a", "b"}, cfg.WarmUpTenants)
	assert.Equal(t, "redis.internal:6380", cfg.Cache.Redis.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	// untouched sections keep their defaults
	assert.Equal(t, 5*time.Minute, cfg.Batch.UpdateTimeout)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"ttl above 24h", func(c *Config) { c.Cache.TTL = 25 * time.Hour }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"redis bus without redis cache", func(c *Config) { c.Bus.Backend = "redis" }},
		{"empty channel", func(c *Config) { c.Bus.Channel = "" }},
		{"zero chunk", func(c *Config) { c.Batch.ChunkSize = 0 }},
		{"kafka sink without brokers", func(c *Config) {
			c.Storage.AlertBackend = "kafka"
			c.Kafka.Brokers = nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	go func() { _ = Watch(ctx, path, func(c *Config) { changes <- c }) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))

	// a truncating write may surface an intermediate empty file first
	deadline := time.After(3 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Log.Level == "warn" {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
