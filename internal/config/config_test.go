package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultsAreValid(t *testing.T) {
	cfg := GetDefaults()
	require.NoError(t, validateConfig(cfg))

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "masked", cfg.Masking.HighlightClass)
	assert.True(t, cfg.Masking.RequireVerification)
	assert.Equal(t, 0.3, cfg.LLM.Temperature)
	assert.Equal(t, "/ws", cfg.WebSocket.Path)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"missing upload dir", func(c *Config) { c.Storage.UploadDir = "" }},
		{"no workers", func(c *Config) { c.Ingest.Workers = 0 }},
		{"temperature", func(c *Config) { c.LLM.Temperature = 3 }},
		{"llm rate", func(c *Config) { c.LLM.RequestsPerMinute = 0 }},
		{"rate limit burst", func(c *Config) { c.RateLimit.Burst = 0 }},
		{"ws path", func(c *Config) { c.WebSocket.Path = "ws" }},
		{"trusted proxy", func(c *Config) { c.Server.TrustedProxies = []string{"proxy.local"} }},
		{"trusted proxy range", func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/40"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaults()
			tt.mutate(cfg)
			assert.Error(t, validateConfig(cfg))
		})
	}

	t.Run("trusted proxies", func(t *testing.T) {
		cfg := GetDefaults()
		cfg.Server.TrustedProxies = []string{"127.0.0.1", "10.0.0.0/8", "fd00::/8"}
		assert.NoError(t, validateConfig(cfg))
	})

	t.Run("disabled rate limit ignores zero burst", func(t *testing.T) {
		cfg := GetDefaults()
		cfg.RateLimit.Enabled = false
		cfg.RateLimit.Burst = 0
		assert.NoError(t, validateConfig(cfg))
	})
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
  read_timeout: 5s
logging:
  level: debug
  format: console
llm:
  model: gemini-test
masking:
  require_verification: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "gemini-test", cfg.LLM.Model)
	assert.False(t, cfg.Masking.RequireVerification)
	// untouched sections keep their defaults
	assert.Equal(t, "uploads", cfg.Storage.UploadDir)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	t.Setenv("POLISIGHT_SERVER_PORT", "7070")
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "test-key", cfg.LLM.APIKey)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  format: xml\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
