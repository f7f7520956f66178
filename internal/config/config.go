package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config defines configuration for the ollamad daemon.
type Config struct {
	ListenAddr            string   `toml:"listen_addr"`
	OllamaURL             string   `toml:"ollama_url"`
	RequestTimeoutSeconds int      `toml:"request_timeout_seconds"`
	MaxConcurrentPulls    int      `toml:"max_concurrent_pulls"`
	RetentionJobs         int      `toml:"retention_jobs"`
	PullTimeoutSeconds    int      `toml:"pull_timeout_seconds"`
	AllowedModels         []string `toml:"allowed_models"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:            ":8090",
		OllamaURL:             "http://localhost:11434",
		RequestTimeoutSeconds: 30,
		MaxConcurrentPulls:    2,
		RetentionJobs:         50,
		PullTimeoutSeconds:    0,
	}
}

// Load reads the config file at path if it exists, then applies
// environment overrides. A missing file is not an error; the daemon
// runs on defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		loaded, err := LoadFromFile(path)
		if errors.Is(err, os.ErrNotExist) {
			// fall through with defaults
		} else if err != nil {
			return Config{}, err
		} else {
			cfg = loaded
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a TOML file. Fields absent from
// the file keep their defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Variables use the OLLAMAD_ prefix, except OLLAMA_HOST which is
// honored for compatibility with the Ollama CLI.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		c.OllamaURL = v
	}
	if v := os.Getenv("OLLAMAD_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("OLLAMAD_OLLAMA_URL"); v != "" {
		c.OllamaURL = v
	}
	if v := os.Getenv("OLLAMAD_REQUEST_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse OLLAMAD_REQUEST_TIMEOUT_SECONDS: %w", err)
		}
		c.RequestTimeoutSeconds = n
	}
	if v := os.Getenv("OLLAMAD_MAX_CONCURRENT_PULLS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse OLLAMAD_MAX_CONCURRENT_PULLS: %w", err)
		}
		c.MaxConcurrentPulls = n
	}
	if v := os.Getenv("OLLAMAD_RETENTION_JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse OLLAMAD_RETENTION_JOBS: %w", err)
		}
		c.RetentionJobs = n
	}
	if v := os.Getenv("OLLAMAD_PULL_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse OLLAMAD_PULL_TIMEOUT_SECONDS: %w", err)
		}
		c.PullTimeoutSeconds = n
	}
	if v := os.Getenv("OLLAMAD_ALLOWED_MODELS"); v != "" {
		var models []string
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				models = append(models, name)
			}
		}
		c.AllowedModels = models
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: listen_addr is required")
	}
	if c.OllamaURL == "" {
		return errors.New("config: ollama_url is required")
	}
	if c.RequestTimeoutSeconds <= 0 {
		return errors.New("config: request_timeout_seconds must be positive")
	}
	if c.MaxConcurrentPulls <= 0 {
		return errors.New("config: max_concurrent_pulls must be positive")
	}
	if c.RetentionJobs <= 0 {
		return errors.New("config: retention_jobs must be positive")
	}
	if c.PullTimeoutSeconds < 0 {
		return errors.New("config: pull_timeout_seconds must not be negative")
	}
	return nil
}

// RequestTimeout returns the per-request upstream timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// PullTimeout returns the per-download deadline, zero meaning none.
func (c *Config) PullTimeout() time.Duration {
	return time.Duration(c.PullTimeoutSeconds) * time.Second
}
