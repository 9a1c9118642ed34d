package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"auditflow/internal/domain"
)

const FileName = "auditflow.yml"

// Config models auditflow.yml.
type Config struct {
	Database struct {
		// Driver is sqlite or memory.
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"database"`
	Server struct {
		Addr         string `yaml:"addr"`
		JWTSecret    string `yaml:"jwt_secret"`
		AllowActorID bool   `yaml:"allow_actor_header"`
		BasePath     string `yaml:"base_path"`
		// AdminRole, when set, is required to manage definitions, users
		// and deadline sweeps over HTTP.
		AdminRole string `yaml:"admin_role"`
	} `yaml:"server"`
	Engine struct {
		MaxAutoSteps int `yaml:"max_auto_steps"`
	} `yaml:"engine"`
	Deadlines struct {
		ApproachingWindow     time.Duration `yaml:"approaching_window"`
		ReminderInterval      time.Duration `yaml:"reminder_interval"`
		SweepInterval         time.Duration `yaml:"sweep_interval"`
		Concurrency           int           `yaml:"concurrency"`
		DefaultEscalationRole string        `yaml:"default_escalation_role"`
	} `yaml:"deadlines"`
	Notifications struct {
		Log bool `yaml:"log"`
		// Delivery runs on background workers fed by a buffer of QueueSize.
		QueueSize    int           `yaml:"queue_size"`
		Workers      int           `yaml:"workers"`
		DrainTimeout time.Duration `yaml:"drain_timeout"`
		Webhook      struct {
			URL        string        `yaml:"url"`
			Secret     string        `yaml:"secret"`
			Timeout    time.Duration `yaml:"timeout"`
			MaxRetries uint64        `yaml:"max_retries"`
		} `yaml:"webhook"`
	} `yaml:"notifications"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Directory struct {
		Users []domain.User `yaml:"users"`
	} `yaml:"directory"`
}

// Load reads and validates config from workspace. A missing file yields
// the defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	switch c.Database.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or memory, got %q", c.Database.Driver)
	}
	if c.Engine.MaxAutoSteps <= 0 {
		return fmt.Errorf("config.engine.max_auto_steps must be positive")
	}
	if c.Deadlines.ApproachingWindow <= 0 {
		return fmt.Errorf("config.deadlines.approaching_window must be positive")
	}
	if c.Deadlines.ReminderInterval <= 0 {
		return fmt.Errorf("config.deadlines.reminder_interval must be positive")
	}
	if c.Deadlines.SweepInterval < 0 {
		return fmt.Errorf("config.deadlines.sweep_interval must not be negative")
	}
	if c.Deadlines.Concurrency <= 0 {
		return fmt.Errorf("config.deadlines.concurrency must be positive")
	}
	if c.Notifications.QueueSize <= 0 || c.Notifications.Workers <= 0 {
		return fmt.Errorf("config.notifications.queue_size and workers must be positive")
	}
	if c.Notifications.DrainTimeout <= 0 {
		return fmt.Errorf("config.notifications.drain_timeout must be positive")
	}
	if c.Notifications.Webhook.URL != "" && c.Notifications.Webhook.Timeout <= 0 {
		return fmt.Errorf("config.notifications.webhook.timeout must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level must be debug, info, warn or error")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config.logging.format must be console or json")
	}
	seen := map[string]bool{}
	for _, u := range c.Directory.Users {
		if u.ID == "" {
			return fmt.Errorf("config.directory.users contains a user without id")
		}
		if seen[u.ID] {
			return fmt.Errorf("config.directory.users has duplicate id %s", u.ID)
		}
		seen[u.ID] = true
		for _, r := range u.Roles {
			if r == "" {
				return fmt.Errorf("user %s has empty role", u.ID)
			}
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

// FromYAML parses data over the defaults and validates the result.
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

const defaultTemplate = `database:
  driver: sqlite
  path: ""

server:
  addr: 127.0.0.1:8080
  jwt_secret: ""
  allow_actor_header: true
  base_path: /v1
  admin_role: ""

engine:
  max_auto_steps: 64

deadlines:
  approaching_window: 24h
  reminder_interval: 24h
  sweep_interval: 15m
  concurrency: 4
  default_escalation_role: ""

notifications:
  log: true
  queue_size: 256
  workers: 4
  drain_timeout: 10s
  webhook:
    url: ""
    secret: ""
    timeout: 5s
    max_retries: 3

logging:
  level: info
  format: console

directory:
  users: []
`
