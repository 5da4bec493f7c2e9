package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models missionline.yml.
type Config struct {
	Rewards struct {
		DefaultXP       int `yaml:"default_xp"`
		SubmissionBonus int `yaml:"submission_bonus"`
	} `yaml:"rewards"`
	Realtime struct {
		LookupTimeout    time.Duration `yaml:"lookup_timeout"`
		SubscriberBuffer int           `yaml:"subscriber_buffer"`
		PollInterval     time.Duration `yaml:"poll_interval"`
		PollBatch        int           `yaml:"poll_batch"`
	} `yaml:"realtime"`
	Server struct {
		Addr             string `yaml:"addr"`
		BasePath         string `yaml:"base_path"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"server"`
	Redis struct {
		Addr          string        `yaml:"addr"`
		ChannelPrefix string        `yaml:"channel_prefix"`
		LockTTL       time.Duration `yaml:"lock_ttl"`
	} `yaml:"redis"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Log      struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace, falling back to defaults when the file is absent.
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
	if c.Rewards.DefaultXP < 0 {
		return fmt.Errorf("config.rewards.default_xp must be >= 0")
	}
	if c.Rewards.SubmissionBonus < 0 {
		return fmt.Errorf("config.rewards.submission_bonus must be >= 0")
	}
	if c.Realtime.LookupTimeout <= 0 {
		return fmt.Errorf("config.realtime.lookup_timeout must be positive")
	}
	if c.Realtime.PollInterval <= 0 {
		return fmt.Errorf("config.realtime.poll_interval must be positive")
	}
	if c.Realtime.SubscriberBuffer <= 0 {
		return fmt.Errorf("config.realtime.subscriber_buffer must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= 0 {
		return fmt.Errorf("config.redis.lock_ttl must be positive when redis is enabled")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
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

const defaultTemplate = `rewards:
  default_xp: 50
  submission_bonus: 10

realtime:
  lookup_timeout: 3s
  subscriber_buffer: 64
  poll_interval: 500ms
  poll_batch: 100

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_actor_header: false

redis:
  addr: ""
  channel_prefix: missionline
  lock_ttl: 10s

log:
  level: info
  file: ""
`
