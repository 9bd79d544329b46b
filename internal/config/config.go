package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Ledger limit defaults. CreateStream validation uses these unless the
// workspace config overrides them.
const (
	DefaultMinReleaseInterval = 60            // seconds
	DefaultMaxDuration        = 30 * 24 * 3600 // 30 days in seconds
)

// Config models payline.yml.
type Config struct {
	Ledger struct {
		MinReleaseIntervalSeconds int64 `yaml:"min_release_interval_seconds"`
		MaxDurationSeconds        int64 `yaml:"max_duration_seconds"`
	} `yaml:"ledger"`
	Admin struct {
		Principal string `yaml:"principal"`
	} `yaml:"admin"`
	Treasury struct {
		Mode     string `yaml:"mode" enum:"memory,http"`
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"treasury"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the workspace has no payline.yml.
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

// FromYAML parses and validates config from raw YAML bytes.
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

// Default returns a config carrying the standard ledger limits.
func Default() *Config {
	var cfg Config
	cfg.Ledger.MinReleaseIntervalSeconds = DefaultMinReleaseInterval
	cfg.Ledger.MaxDurationSeconds = DefaultMaxDuration
	cfg.Admin.Principal = "admin"
	cfg.Treasury.Mode = "memory"
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Ledger.MinReleaseIntervalSeconds < 1 {
		return fmt.Errorf("config.ledger.min_release_interval_seconds must be >= 1")
	}
	if c.Ledger.MaxDurationSeconds < c.Ledger.MinReleaseIntervalSeconds {
		return fmt.Errorf("config.ledger.max_duration_seconds must be >= min_release_interval_seconds")
	}
	if c.Admin.Principal == "" {
		return fmt.Errorf("config.admin.principal is required")
	}
	switch c.Treasury.Mode {
	case "", "memory":
	case "http":
		if c.Treasury.Endpoint == "" {
			return fmt.Errorf("config.treasury.endpoint is required for http mode")
		}
	default:
		return fmt.Errorf("config.treasury.mode must be memory or http")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "payline.yml")
}

// GenerateDefault returns default config YAML for pl init.
func GenerateDefault(admin string) string {
	if admin == "" {
		admin = "admin"
	}
	return fmt.Sprintf(defaultTemplate, admin)
}

const defaultTemplate = `ledger:
  min_release_interval_seconds: 60
  max_duration_seconds: 2592000

admin:
  principal: %s

treasury:
  mode: memory
  # mode: http
  # endpoint: https://wallet-provider.example/api/transfers
  # api_key: ""

# webhooks:
#   - url: https://indexer.example/hooks/payline
#     events: [stream.created, stream.released, earnings.claimed]
#     timeout_seconds: 5
`
