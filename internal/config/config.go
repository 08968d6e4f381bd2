package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "opsync.yml"

// Config models opsync.yml.
type Config struct {
	Operation struct {
		DefaultMapURL string `yaml:"default_map_url"`
	} `yaml:"operation"`
	Validation struct {
		Delay time.Duration `yaml:"delay"`
	} `yaml:"validation"`
	Store struct {
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"store"`
	Server struct {
		Addr       string        `yaml:"addr"`
		BasePath   string        `yaml:"base_path"`
		SessionTTL time.Duration `yaml:"session_ttl"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one change-log subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Collections    []string `yaml:"collections"`
	Enabled        *bool    `yaml:"enabled"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ops config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Validation.Delay < 0 {
		return fmt.Errorf("config.validation.delay must not be negative")
	}
	if c.Store.WriteTimeout <= 0 {
		return fmt.Errorf("config.store.write_timeout must be positive")
	}
	if c.Server.SessionTTL <= 0 {
		return fmt.Errorf("config.server.session_ttl must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Operation.DefaultMapURL != "" {
		if _, err := url.ParseRequestURI(c.Operation.DefaultMapURL); err != nil {
			return fmt.Errorf("config.operation.default_map_url: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys left out
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `operation:
  default_map_url: https://picsum.photos/seed/airsoftmap/1200/800

validation:
  # time an operator must wait after joining before completing missions
  delay: 5m

store:
  write_timeout: 10s

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  session_ttl: 12h

webhooks: []
`
