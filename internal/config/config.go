package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"commandcenter/internal/draft"
)

// Config models commandcenter.yml.
type Config struct {
	Drafts struct {
		Expiry        time.Duration `yaml:"expiry"`
		Retention     time.Duration `yaml:"retention"`
		MaxQuestions  int           `yaml:"max_questions"`
		MinConfidence float64       `yaml:"min_confidence"`
	} `yaml:"drafts"`
	Timeouts struct {
		Interpret time.Duration `yaml:"interpret"`
		Create    time.Duration `yaml:"create"`
	} `yaml:"timeouts"`
	Sweep struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"sweep"`
	Interpreter struct {
		Provider    string `yaml:"provider"`
		Model       string `yaml:"model"`
		HintLimit   int    `yaml:"hint_limit"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"interpreter"`
	// Creators maps a draft type (lower or upper case) to its domain service.
	Creators map[string]CreatorConfig `yaml:"creators"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

type CreatorConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with cc config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Drafts.Expiry <= 0 {
		return fmt.Errorf("config.drafts.expiry must be positive")
	}
	if c.Drafts.Retention <= 0 {
		return fmt.Errorf("config.drafts.retention must be positive")
	}
	if c.Drafts.MaxQuestions <= 0 {
		return fmt.Errorf("config.drafts.max_questions must be positive")
	}
	if c.Drafts.MinConfidence < 0 || c.Drafts.MinConfidence > 1 {
		return fmt.Errorf("config.drafts.min_confidence must be within [0,1]")
	}
	if c.Timeouts.Interpret <= 0 || c.Timeouts.Create <= 0 {
		return fmt.Errorf("config.timeouts.interpret and create must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("config.sweep.interval must be positive")
	}
	switch c.Interpreter.Provider {
	case "gemini", "offline":
	default:
		return fmt.Errorf("config.interpreter.provider must be gemini or offline")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite":
	case "postgres", "postgresql", "pgx":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	for name, cc := range c.Creators {
		t, err := draft.ParseType(name)
		if err != nil {
			return fmt.Errorf("config.creators: %w", err)
		}
		if !t.Creatable() {
			return fmt.Errorf("config.creators: %s drafts cannot be created", t)
		}
		if cc.URL == "" {
			return fmt.Errorf("config.creators.%s.url is required", name)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "commandcenter.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
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

const defaultTemplate = `drafts:
  expiry: 48h
  retention: 720h
  max_questions: 5
  min_confidence: 0

timeouts:
  interpret: 30s
  create: 15s

sweep:
  interval: 10m

interpreter:
  provider: offline
  model: gemini-2.5-flash
  hint_limit: 10
  max_attempts: 3

# creators:
#   bill:
#     url: http://localhost:9000/bills
#     headers:
#       Authorization: Bearer change-me

database:
  driver: sqlite
  dsn: ""

server:
  addr: 127.0.0.1:8080
`
