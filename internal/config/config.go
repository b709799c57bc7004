package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTTL applies when a cache TTL is configured but cannot be parsed.
const DefaultTTL = 7 * 24 * time.Hour

// Config models warden.yml.
type Config struct {
	Sources map[string]SourceConfig `yaml:"sources" json:"sources"`
	Server  struct {
		Addr     string `yaml:"addr" json:"addr,omitempty"`
		BasePath string `yaml:"base_path" json:"base_path,omitempty"`
	} `yaml:"server" json:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// WebhookConfig notifies the owner of events, typically actions waiting
// for review. An empty Events list matches every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// SourceConfig is the owner's configuration for one data source.
type SourceConfig struct {
	Connector ConnectorConfig `yaml:"connector" json:"connector"`
	Boundary  Boundary        `yaml:"boundary" json:"boundary"`
	Cache     *CacheConfig    `yaml:"cache,omitempty" json:"cache,omitempty"`
}

type ConnectorConfig struct {
	Kind string `yaml:"kind" json:"kind,omitempty"`
	Path string `yaml:"path" json:"path,omitempty"`
}

// Boundary limits what a connector is permitted to fetch for a source.
type Boundary struct {
	After  string   `yaml:"after" json:"after,omitempty"`
	Labels []string `yaml:"labels" json:"labels,omitempty"`
	Repos  []string `yaml:"repos" json:"repos,omitempty"`
}

type CacheConfig struct {
	TTL     string `yaml:"ttl" json:"ttl,omitempty"`
	Encrypt bool   `yaml:"encrypt" json:"encrypt"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wd init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, src := range c.Sources {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.sources contains empty source name")
		}
		switch src.Connector.Kind {
		case "", "none":
		case "file":
			if src.Connector.Path == "" {
				return fmt.Errorf("source %s: file connector requires path", name)
			}
		default:
			return fmt.Errorf("source %s: unknown connector kind %s", name, src.Connector.Kind)
		}
		if src.Boundary.After != "" {
			if _, err := time.Parse(time.RFC3339, src.Boundary.After); err != nil {
				return fmt.Errorf("source %s: boundary.after must be RFC3339: %w", name, err)
			}
		}
		for _, label := range src.Boundary.Labels {
			if label == "" {
				return fmt.Errorf("source %s has empty boundary label", name)
			}
		}
		for _, r := range src.Boundary.Repos {
			if r == "" {
				return fmt.Errorf("source %s has empty boundary repo", name)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d]: url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d]: timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Source returns the configuration for a named source.
func (c *Config) Source(name string) (SourceConfig, bool) {
	if c == nil || c.Sources == nil {
		return SourceConfig{}, false
	}
	s, ok := c.Sources[name]
	return s, ok
}

// WantsEncryption reports whether any source asks for encrypted caching.
func (c *Config) WantsEncryption() bool {
	if c == nil {
		return false
	}
	for _, s := range c.Sources {
		if s.Cache != nil && s.Cache.Encrypt {
			return true
		}
	}
	return false
}

// CacheTTL returns the cache lifetime for the source. ok is false when no
// TTL is configured, meaning cached rows never expire.
func (s SourceConfig) CacheTTL() (ttl time.Duration, ok bool) {
	if s.Cache == nil || strings.TrimSpace(s.Cache.TTL) == "" {
		return 0, false
	}
	d, err := ParseTTL(s.Cache.TTL)
	if err != nil {
		return DefaultTTL, true
	}
	return d, true
}

// ParseTTL parses "<N>d", "<N>h" or "<N>m".
func ParseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid ttl %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid ttl %q", s)
	}
	switch s[len(s)-1] {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	default:
		return 0, fmt.Errorf("invalid ttl unit in %q", s)
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "warden.yml")
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

const defaultTemplate = `sources:
  gmail:
    connector:
      kind: file
      path: fixtures/gmail.json
    boundary:
      after: "2024-01-01T00:00:00Z"
      labels: [INBOX]
    cache:
      ttl: 7d
      encrypt: true

  github:
    connector:
      kind: file
      path: fixtures/github.json
    boundary:
      repos: []
    cache:
      ttl: 12h
      encrypt: true

server:
  addr: 127.0.0.1:7878
  base_path: /v0

# webhooks:
#   - url: http://127.0.0.1:9000/warden
#     events: [action.staged]
`
