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

	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:11434", cfg.OllamaURL)
	assert.Equal(t, 30, cfg.RequestTimeoutSeconds)
	assert.Equal(t, 2, cfg.MaxConcurrentPulls)
	assert.Equal(t, 50, cfg.RetentionJobs)
	assert.Equal(t, 0, cfg.PullTimeoutSeconds)
	assert.Empty(t, cfg.AllowedModels)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	content := `
listen_addr = "127.0.0.1:9000"
max_concurrent_pulls = 4
pull_timeout_seconds = 3600
allowed_models = ["llama3.2", "qwen2.5:3b"]
`
	path := filepath.Join(t.TempDir(), "ollamad.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.MaxConcurrentPulls)
	assert.Equal(t, 3600, cfg.PullTimeoutSeconds)
	assert.Equal(t, []string{"llama3.2", "qwen2.5:3b"}, cfg.AllowedModels)

	// fields absent from the file keep defaults
	assert.Equal(t, "http://localhost:11434", cfg.OllamaURL)
	assert.Equal(t, 50, cfg.RetentionJobs)
}

func TestLoadFromFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ollamad.toml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr = [broken"), 0o644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OLLAMAD_LISTEN_ADDR", ":9999")
	t.Setenv("OLLAMAD_MAX_CONCURRENT_PULLS", "8")
	t.Setenv("OLLAMAD_ALLOWED_MODELS", "llama3.2, qwen2.5:3b ,")

	cfg := Default()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.MaxConcurrentPulls)
	assert.Equal(t, []string{"llama3.2", "qwen2.5:3b"}, cfg.AllowedModels)
}

func TestLoadFromEnvOllamaHost(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "http://gpu-box:11434")

	cfg := Default()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "http://gpu-box:11434", cfg.OllamaURL)

	// the explicit daemon variable wins over OLLAMA_HOST
	t.Setenv("OLLAMAD_OLLAMA_URL", "http://other:11434")
	cfg = Default()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "http://other:11434", cfg.OllamaURL)
}

func TestLoadFromEnvInvalidNumber(t *testing.T) {
	t.Setenv("OLLAMAD_RETENTION_JOBS", "many")

	cfg := Default()
	assert.Error(t, cfg.LoadFromEnv())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}, wantErr: false},
		{name: "empty listen addr", mutate: func(c *Config) { c.ListenAddr = "" }, wantErr: true},
		{name: "empty ollama url", mutate: func(c *Config) { c.OllamaURL = "" }, wantErr: true},
		{name: "zero concurrency", mutate: func(c *Config) { c.MaxConcurrentPulls = 0 }, wantErr: true},
		{name: "zero retention", mutate: func(c *Config) { c.RetentionJobs = 0 }, wantErr: true},
		{name: "negative pull timeout", mutate: func(c *Config) { c.PullTimeoutSeconds = -1 }, wantErr: true},
		{name: "zero pull timeout allowed", mutate: func(c *Config) { c.PullTimeoutSeconds = 0 }, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDurations(t *testing.T) {
	cfg := Default()
	cfg.RequestTimeoutSeconds = 45
	cfg.PullTimeoutSeconds = 0

	assert.Equal(t, 45*time.Second, cfg.RequestTimeout())
	assert.Equal(t, time.Duration(0), cfg.PullTimeout())
}
