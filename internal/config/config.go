package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ideafunnel/internal/tags"
)

// Config models funnel.yml.
type Config struct {
	Lifecycle struct {
		StepDeadline         time.Duration `yaml:"step_deadline"`
		MinDescriptionLength int           `yaml:"min_description_length"`
	} `yaml:"lifecycle"`
	Sweeper struct {
		Enabled     bool          `yaml:"enabled"`
		Interval    time.Duration `yaml:"interval"`
		Concurrency int           `yaml:"concurrency"`
		ItemTimeout time.Duration `yaml:"item_timeout"`
	} `yaml:"sweeper"`
	Tags struct {
		Title       []tags.Rule `yaml:"title"`
		Description []tags.Rule `yaml:"description"`
		Defaults    []string    `yaml:"defaults"`
	} `yaml:"tags"`
	Notify struct {
		Interval time.Duration `yaml:"interval"`
		Webhooks []Webhook     `yaml:"webhooks"`
		Redis    struct {
			Addr    string `yaml:"addr"`
			Channel string `yaml:"channel"`
		} `yaml:"redis"`
	} `yaml:"notify"`
	Server struct {
		Addr            string `yaml:"addr"`
		BasePath        string `yaml:"base_path"`
		AllowUserHeader bool   `yaml:"allow_user_header"`
	} `yaml:"server"`
	Log struct {
		Mode string `yaml:"mode"`
	} `yaml:"log"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
		Stdout  bool `yaml:"stdout"`
	} `yaml:"telemetry"`
}

// Webhook is one outbound notification target.
type Webhook struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled"`
}

// IsEnabled treats a missing enabled key as true.
func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Lifecycle.StepDeadline <= 0 {
		return fmt.Errorf("config.lifecycle.step_deadline must be positive")
	}
	if c.Lifecycle.MinDescriptionLength < 0 {
		return fmt.Errorf("config.lifecycle.min_description_length must not be negative")
	}
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("config.sweeper.interval must be positive")
	}
	if c.Sweeper.Concurrency < 1 {
		return fmt.Errorf("config.sweeper.concurrency must be at least 1")
	}
	if c.Sweeper.ItemTimeout < 0 {
		return fmt.Errorf("config.sweeper.item_timeout must not be negative")
	}
	for i, r := range append(append([]tags.Rule{}, c.Tags.Title...), c.Tags.Description...) {
		if r.Label == "" {
			return fmt.Errorf("tag rule %d has empty label", i)
		}
		if len(r.Keywords) == 0 {
			return fmt.Errorf("tag rule %s has no keywords", r.Label)
		}
	}
	if c.Notify.Interval <= 0 {
		return fmt.Errorf("config.notify.interval must be positive")
	}
	for i, hook := range c.Notify.Webhooks {
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("webhook %d url must be http(s)", i)
		}
		for _, ev := range hook.Events {
			if ev == "" {
				return fmt.Errorf("webhook %s has empty event filter", hook.URL)
			}
		}
	}
	if c.Notify.Redis.Addr != "" && c.Notify.Redis.Channel == "" {
		return fmt.Errorf("config.notify.redis.channel is required when addr is set")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Log.Mode) {
	case "", "dev", "development", "prod", "production":
	default:
		return fmt.Errorf("config.log.mode must be dev or prod")
	}
	return nil
}

// TagExtractor builds the dead-pool tagger from the configured vocabulary.
func (c *Config) TagExtractor() tags.Extractor {
	return tags.KeywordExtractor{
		Title:       c.Tags.Title,
		Description: c.Tags.Description,
		Defaults:    c.Tags.Defaults,
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "funnel.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with funnel config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML overlays raw YAML on the defaults and validates the result.
// Lists in the file replace the default lists.
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

const defaultTemplate = `lifecycle:
  step_deadline: 24h
  min_description_length: 100

sweeper:
  enabled: true
  interval: 1h
  concurrency: 4
  item_timeout: 30s

# Labels are stored verbatim on dead-pool entries and matched exactly by
# "pool list --tag". The defaults are English; deployments that used the
# Japanese labels (アイデア, 技術, イノベーション, 分析, 効率化, 自動化...)
# should set them here before the first sweep so filters keep matching.
tags:
  title:
    - label: AI
      keywords: [AI, 人工知能]
    - label: App
      keywords: [アプリ, application]
    - label: Service
      keywords: [サービス, service]
  description:
    - label: Analysis
      keywords: [分析, analysis]
    - label: Matching
      keywords: [マッチング, matching]
    - label: Automation
      keywords: [自動化, automation]
    - label: Efficiency
      keywords: [効率, efficiency]
    - label: AI
      keywords: [AI, 人工知能]
  defaults: [Idea, Technology, Innovation]

notify:
  interval: 2s
  webhooks: []
  redis:
    addr: ""
    channel: funnel.events

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allow_user_header: false

log:
  mode: dev

telemetry:
  enabled: false
  stdout: false
`
