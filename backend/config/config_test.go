package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collabConfig.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "running:\n  port: 9001\n"))
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Running.Port)
	assert.Equal(t, 60*time.Second, cfg.Hub.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Presence.TTL)
	assert.Equal(t, 500, cfg.Document.SnapshotThreshold)
	assert.Equal(t, "sqlite", cfg.Persistence.Driver)
	assert.Equal(t, []string{"127.0.0.1:6379"}, cfg.Redis.Addrs)
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
hub:
  idleTimeout: 90s
  submitTimeout: 150ms
presence:
  ttl: 10s
persistence:
  driver: memory
`))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Hub.IdleTimeout)
	assert.Equal(t, 150*time.Millisecond, cfg.Hub.SubmitTimeout)
	assert.Equal(t, 10*time.Second, cfg.Presence.TTL)
	assert.Equal(t, "memory", cfg.Persistence.Driver)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("COLLAB_RUNNING_PORT", "9100")
	t.Setenv("COLLAB_AUTH_SECRET", "from-env")
	cfg, err := Load(writeConfig(t, "running:\n  port: 9001\n"))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Running.Port)
	assert.Equal(t, "from-env", cfg.Auth.Secret)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	_, err := Load(writeConfig(t, "persistence:\n  driver: cassandra\n"))
	assert.ErrorContains(t, err, "unknown persistence driver")

	_, err = Load(writeConfig(t, "persistence:\n  driver: mysql\n"))
	assert.ErrorContains(t, err, "mysql.dsn")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
