package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "/api/v1", cfg.Server.APIPrefix)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, int64(10*1024*1024), cfg.Upload.MaxFileSize)
	assert.Equal(t, 3, cfg.RAG.TopK)
	assert.Equal(t, time.Second, cfg.Client.Reconnect.InitialInterval)
	assert.Equal(t, 30*time.Second, cfg.Client.Reconnect.MaxInterval)
	assert.Equal(t, 5, cfg.Client.Reconnect.MaxAttempts)
	assert.Equal(t, 2, cfg.LLM.MaxAttempts)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "0.0.0.0:8000", cfg.Address())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "medichat.yaml")
	content := []byte(`
server:
  port: 9100
rag:
  enabled: false
client:
  base_url: http://example.test/api/v1
  reconnect:
    max_attempts: 2
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("MEDICHAT_ADMIN_API_KEY", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.False(t, cfg.RAG.Enabled)
	assert.Equal(t, "http://example.test/api/v1", cfg.Client.BaseURL)
	assert.Equal(t, 2, cfg.Client.Reconnect.MaxAttempts)
	assert.Equal(t, "secret", cfg.Admin.APIKey)
}
