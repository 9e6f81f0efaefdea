package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8081, cfg.Server.AdminPort)
	assert.Equal(t, 30*time.Second, cfg.Webhooks.Timeout)
	assert.Equal(t, 7*24*time.Hour, cfg.Detection.AutoBlockTTL)
	assert.Equal(t, "sqlite", cfg.Velocity.Backend)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_OverridesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
server:
  admin_port: 9000
detection:
  bot_score_threshold: 65
webhooks:
  workers: 8
  timeout: 5s
metrics:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.AdminPort)
	assert.Equal(t, 65, cfg.Detection.BotScoreThreshold)
	assert.Equal(t, 100, cfg.Detection.IPClickThreshold)
	assert.Equal(t, 8, cfg.Webhooks.Workers)
	assert.Equal(t, 5*time.Second, cfg.Webhooks.Timeout)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := Default()
	cfg.Tracker.RejectBlocked = true
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, loaded.Tracker.RejectBlocked)
}
