package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models pharmatrace.yml.
type Config struct {
	Ledger struct {
		Mode      string `yaml:"mode"`
		URL       string `yaml:"url"`
		Token     string `yaml:"token"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"ledger"`
	Compliance struct {
		MaxLogAttempts int `yaml:"max_log_attempts"`
	} `yaml:"compliance"`
	Sync struct {
		Parallelism int `yaml:"parallelism"`
	} `yaml:"sync"`
	Verification struct {
		HistoryLimit int `yaml:"history_limit"`
	} `yaml:"verification"`
	Server struct {
		Addr      string `yaml:"addr"`
		BaseURL   string `yaml:"base_url"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pt init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
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
	switch c.Ledger.Mode {
	case "embedded":
	case "rpc":
		if c.Ledger.URL == "" {
			return fmt.Errorf("config.ledger.url is required in rpc mode")
		}
	default:
		return fmt.Errorf("config.ledger.mode must be 'embedded' or 'rpc'")
	}
	if c.Ledger.TimeoutMS <= 0 {
		return fmt.Errorf("config.ledger.timeout_ms must be positive")
	}
	if c.Compliance.MaxLogAttempts < 1 {
		return fmt.Errorf("config.compliance.max_log_attempts must be at least 1")
	}
	if c.Sync.Parallelism < 1 {
		return fmt.Errorf("config.sync.parallelism must be at least 1")
	}
	if c.Verification.HistoryLimit < 1 {
		return fmt.Errorf("config.verification.history_limit must be at least 1")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	return nil
}

// LedgerTimeout returns the per-call ledger deadline.
func (c *Config) LedgerTimeout() time.Duration {
	return time.Duration(c.Ledger.TimeoutMS) * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pharmatrace.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
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

const defaultTemplate = `ledger:
  mode: embedded
  url: ""
  token: ""
  timeout_ms: 5000

compliance:
  max_log_attempts: 3

sync:
  parallelism: 4

verification:
  history_limit: 20

server:
  addr: ":8410"
  base_url: "http://localhost:8410"
  jwt_secret: ""
`
