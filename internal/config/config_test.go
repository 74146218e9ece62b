package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  port: "9090"
  cors_origins: ["https://host.example"]
redis:
  addr: localhost:6379
  ttl: 5m
session:
  grace_period: 45s
  resync_debounce: 50ms
log:
  level: debug
  format: console
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, []string{"https://host.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 45*time.Second, TTLDuration(cfg.Session.GracePeriod, time.Second))
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("NATS_URL", "nats://nats:4222")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := Load(writeConfig(t, "log:\n  format: xml\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "session:\n  grace_period: soon\n"))
	assert.ErrorContains(t, err, "session.grace_period")
}

func TestValidateRejectsNonPositiveDurations(t *testing.T) {
	for _, body := range []string{
		"redis:\n  ttl: 0s\n",
		"session:\n  reap_interval: 0s\n",
		"quiz:\n  ttl: -5m\n",
		"session:\n  grace_period: -1s\n",
	} {
		_, err := Load(writeConfig(t, body))
		assert.ErrorContains(t, err, "must be positive", body)
	}

	_, err := Load(writeConfig(t, "session:\n  resync_debounce: 0s\n  dedupe_window: 0s\n"))
	assert.NoError(t, err)
}

func TestTTLDuration(t *testing.T) {
	assert.Equal(t, time.Minute, TTLDuration("", time.Minute))
	assert.Equal(t, time.Second, TTLDuration("1s", time.Minute))
	assert.Equal(t, time.Minute, TTLDuration("bogus", time.Minute))
	assert.Equal(t, time.Minute, TTLDuration("-1s", time.Minute))
}
