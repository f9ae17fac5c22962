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

// Config models lexline.yml.
type Config struct {
	Orchestrator struct {
		SubtaskTimeoutSeconds int `yaml:"subtask_timeout_seconds"`
		MaxConcurrency        int `yaml:"max_concurrency"`
	} `yaml:"orchestrator"`
	Workflows    map[string][]string         `yaml:"workflows"`
	Capabilities map[string]CapabilityConfig `yaml:"capabilities"`
	Rules        struct {
		Paths []string `yaml:"paths"`
	} `yaml:"rules"`
	Notifications struct {
		QueueSize      int             `yaml:"queue_size"`
		Workers        int             `yaml:"workers"`
		DefaultTargets []string        `yaml:"default_targets"`
		LogDeliveries  bool            `yaml:"log_deliveries"`
		Webhooks       []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
	Temporal struct {
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	} `yaml:"temporal"`
}

// CapabilityConfig selects the provider behind one capability.
type CapabilityConfig struct {
	Kind           string            `yaml:"kind"`
	URL            string            `yaml:"url"`
	Command        []string          `yaml:"command"`
	Tool           string            `yaml:"tool"`
	BearerToken    string            `yaml:"bearer_token"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Format         string   `yaml:"format"`
	Secret         string   `yaml:"secret"`
	Severities     []string `yaml:"severities"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const (
	KindBuiltin = "builtin"
	KindHTTP    = "http"
	KindMCP     = "mcp"
)

var severities = map[string]bool{"critical": true, "high": true, "medium": true, "low": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lx init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Orchestrator.SubtaskTimeoutSeconds < 0 {
		return fmt.Errorf("config.orchestrator.subtask_timeout_seconds must be >= 0")
	}
	if c.Orchestrator.MaxConcurrency < 0 {
		return fmt.Errorf("config.orchestrator.max_concurrency must be >= 0")
	}
	for taskType, caps := range c.Workflows {
		if strings.TrimSpace(taskType) == "" {
			return fmt.Errorf("config.workflows contains empty task type")
		}
		if len(caps) == 0 {
			return fmt.Errorf("workflow %s has no capabilities", taskType)
		}
		seen := map[string]bool{}
		for _, name := range caps {
			if name == "" {
				return fmt.Errorf("workflow %s has empty capability", taskType)
			}
			if seen[name] {
				return fmt.Errorf("workflow %s lists capability %s twice", taskType, name)
			}
			seen[name] = true
		}
	}
	for name, cc := range c.Capabilities {
		switch cc.Kind {
		case KindBuiltin:
		case KindHTTP:
			if _, err := url.ParseRequestURI(cc.URL); err != nil {
				return fmt.Errorf("capability %s: invalid url %q", name, cc.URL)
			}
		case KindMCP:
			if len(cc.Command) == 0 && cc.URL == "" {
				return fmt.Errorf("capability %s: mcp needs command or url", name)
			}
		default:
			return fmt.Errorf("capability %s: unknown kind %q", name, cc.Kind)
		}
		if cc.TimeoutSeconds < 0 {
			return fmt.Errorf("capability %s: timeout_seconds must be >= 0", name)
		}
	}
	if c.Notifications.QueueSize < 0 || c.Notifications.Workers < 0 {
		return fmt.Errorf("config.notifications queue_size and workers must be >= 0")
	}
	for i, wh := range c.Notifications.Webhooks {
		if _, err := url.ParseRequestURI(wh.URL); err != nil {
			return fmt.Errorf("notifications.webhooks[%d]: invalid url %q", i, wh.URL)
		}
		switch wh.Format {
		case "", "json", "slack":
		default:
			return fmt.Errorf("notifications.webhooks[%d]: unknown format %q", i, wh.Format)
		}
		for _, s := range wh.Severities {
			if !severities[s] {
				return fmt.Errorf("notifications.webhooks[%d]: unknown severity %q", i, s)
			}
		}
	}
	return nil
}

// SubtaskTimeout falls back to 30s when unset.
func (c *Config) SubtaskTimeout() time.Duration {
	if c == nil || c.Orchestrator.SubtaskTimeoutSeconds == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Orchestrator.SubtaskTimeoutSeconds) * time.Second
}

// RulePaths resolves rule paths relative to the workspace.
func (c *Config) RulePaths(workspace string) []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Rules.Paths))
	for _, p := range c.Rules.Paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(workspace, p)
		}
		out = append(out, p)
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "lexline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `orchestrator:
  subtask_timeout_seconds: 30
  max_concurrency: 8

workflows:
  contract_analysis: [contract_review, risk_assessment, compliance]
  document_generation: [document_generation, compliance]
  legal_research: [legal_research, document_generation]
  risk_analysis: [risk_assessment, compliance]

capabilities:
  compliance:
    kind: builtin
  # contract_review:
  #   kind: http
  #   url: http://localhost:9001/process
  # risk_assessment:
  #   kind: mcp
  #   command: [risk-mcp]
  #   tool: assess_risk

rules:
  paths: [rules]

notifications:
  queue_size: 256
  workers: 2
  default_targets: []
  log_deliveries: true
  webhooks: []

temporal:
  host_port: localhost:7233
  namespace: default
  task_queue: LEXLINE_TASKS
`
