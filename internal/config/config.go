package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"dealdesk/internal/lifecycle"
)

// Config models dealdesk.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Lifecycle struct {
		DefaultProfile string            `yaml:"default_profile"`
		ProfilesByKind map[string]string `yaml:"profiles_by_kind"`
	} `yaml:"lifecycle"`
	Deals struct {
		DefaultCurrency string `yaml:"default_currency"`
	} `yaml:"deals"`
	Admins   []string        `yaml:"admins"`
	Email    EmailConfig     `yaml:"email"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with dd config init", path)
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
	if c.Lifecycle.DefaultProfile == "" {
		return fmt.Errorf("config.lifecycle.default_profile is required")
	}
	if _, ok := lifecycle.Lookup(c.Lifecycle.DefaultProfile); !ok {
		return fmt.Errorf("config.lifecycle.default_profile %s is not a registered profile", c.Lifecycle.DefaultProfile)
	}
	for kind, profile := range c.Lifecycle.ProfilesByKind {
		if kind == "" {
			return fmt.Errorf("config.lifecycle.profiles_by_kind contains empty deal kind")
		}
		if _, ok := lifecycle.Lookup(profile); !ok {
			return fmt.Errorf("deal kind %s references unknown profile %s", kind, profile)
		}
	}
	if len(c.Deals.DefaultCurrency) != 3 {
		return fmt.Errorf("config.deals.default_currency must be a 3-letter code")
	}
	if c.Email.Enabled {
		if c.Email.Host == "" || c.Email.From == "" {
			return fmt.Errorf("config.email requires host and from when enabled")
		}
		if c.Email.Port == 0 {
			return fmt.Errorf("config.email.port is required when enabled")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ProfileFor resolves the lifecycle profile name for a deal kind.
func (c *Config) ProfileFor(kind string) string {
	if kind != "" {
		if profile, ok := c.Lifecycle.ProfilesByKind[kind]; ok {
			return profile
		}
	}
	return c.Lifecycle.DefaultProfile
}

// IsAdmin reports whether the actor holds the administrative capability.
func (c *Config) IsAdmin(actorID string) bool {
	for _, a := range c.Admins {
		if a == actorID {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealdesk.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  name: dealdesk

lifecycle:
  default_profile: standard
  profiles_by_kind:
    sponsored_post: standard
    product_review: standard
    broadcast: broadcast

deals:
  default_currency: INR

admins: []

email:
  enabled: false
  host: ""
  port: 0
  from: ""
`
