package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models clawcontrol.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Redis     struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Notify struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
		NATS     struct {
			URL     string `yaml:"url"`
			Subject string `yaml:"subject"`
		} `yaml:"nats"`
	} `yaml:"notify"`
	Access struct {
		// Policies are casbin p-lines: actor_type, action kind pattern, verb.
		Policies [][]string `yaml:"policies"`
	} `yaml:"access"`
	Workflows map[string]Workflow `yaml:"workflows"`
}

type DispatchConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Lock       string        `yaml:"lock"`
	LeaseTTL   time.Duration `yaml:"lease_ttl"`
	Wait       time.Duration `yaml:"wait"`
	BatchLimit int           `yaml:"batch_limit"`
}

type GatewayConfig struct {
	URL               string        `yaml:"url"`
	Token             string        `yaml:"token"`
	Timeout           time.Duration `yaml:"timeout"`
	DegradedThreshold time.Duration `yaml:"degraded_threshold"`
	StatusTTL         time.Duration `yaml:"status_ttl"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Events  []string      `yaml:"events"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled *bool         `yaml:"enabled"`
}

// Workflow is an ordered list of stages expanded into operations at intake.
type Workflow struct {
	Description string  `yaml:"description"`
	Stages      []Stage `yaml:"stages"`
}

type Stage struct {
	Name       string          `yaml:"name"`
	Operations []OperationSpec `yaml:"operations"`
}

type OperationSpec struct {
	Key       string   `yaml:"key"`
	Title     string   `yaml:"title"`
	Station   string   `yaml:"station"`
	DependsOn []string `yaml:"depends_on"`
}

// Dispatch lock backends.
const (
	LockMemory = "memory"
	LockLease  = "lease"
	LockRedis  = "redis"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with clawctl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config if the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
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
	switch c.Dispatch.Lock {
	case LockMemory, LockLease:
	case LockRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("config.redis.url is required when dispatch.lock is redis")
		}
	default:
		return fmt.Errorf("config.dispatch.lock must be one of memory, lease, redis")
	}
	if c.Dispatch.Interval < 0 || c.Dispatch.Wait < 0 || c.Dispatch.LeaseTTL < 0 {
		return fmt.Errorf("config.dispatch durations must not be negative")
	}
	if c.Dispatch.BatchLimit < 0 {
		return fmt.Errorf("config.dispatch.batch_limit must not be negative")
	}
	if c.Gateway.DegradedThreshold > 0 && c.Gateway.Timeout > 0 && c.Gateway.DegradedThreshold >= c.Gateway.Timeout {
		return fmt.Errorf("config.gateway.degraded_threshold must be below gateway.timeout")
	}
	for i, wh := range c.Notify.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	for i, p := range c.Access.Policies {
		if len(p) != 3 {
			return fmt.Errorf("config.access.policies[%d] must have 3 fields (actor_type, object, act)", i)
		}
	}
	if len(c.Workflows) == 0 {
		return fmt.Errorf("config.workflows must define at least one workflow")
	}
	for id, wf := range c.Workflows {
		if err := validateWorkflow(id, wf); err != nil {
			return err
		}
	}
	return nil
}

func validateWorkflow(id string, wf Workflow) error {
	if id == "" {
		return fmt.Errorf("config.workflows contains empty workflow id")
	}
	if len(wf.Stages) == 0 {
		return fmt.Errorf("workflow %s has no stages", id)
	}
	seen := map[string]bool{}
	for _, st := range wf.Stages {
		if st.Name == "" {
			return fmt.Errorf("workflow %s has a stage without name", id)
		}
		if len(st.Operations) == 0 {
			return fmt.Errorf("workflow %s stage %s has no operations", id, st.Name)
		}
		for _, op := range st.Operations {
			if op.Key == "" {
				return fmt.Errorf("workflow %s stage %s has an operation without key", id, st.Name)
			}
			if seen[op.Key] {
				return fmt.Errorf("workflow %s has duplicate operation key %s", id, op.Key)
			}
			for _, dep := range op.DependsOn {
				if !seen[dep] {
					return fmt.Errorf("workflow %s operation %s depends on unknown or later operation %s", id, op.Key, dep)
				}
			}
			seen[op.Key] = true
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "clawcontrol.yml")
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8787
  base_path: /v0

dispatch:
  interval: 20m
  lock: lease
  lease_ttl: 2m
  wait: 2s
  batch_limit: 25

gateway:
  url: http://127.0.0.1:18789
  timeout: 5s
  degraded_threshold: 1500ms
  status_ttl: 30s

logging:
  level: info
  format: json
  max_size_mb: 50
  max_backups: 5
  max_age_days: 14

telemetry:
  service_name: clawcontrol

notify:
  nats:
    subject: clawcontrol.activity

access:
  policies:
    - [operator, "*", execute]
    - [system, "dispatch.run", execute]
    - [system, "operation.complete", execute]
    - [agent, "operation.complete", execute]
    - [agent, "approval.create", execute]
    - [agent, "agent.turn", execute]

workflows:
  feature:
    description: "Plan, build, review and ship a change"
    stages:
      - name: plan
        operations:
          - key: plan
            title: "Write the plan"
            station: planning
      - name: build
        operations:
          - key: implement
            title: "Implement the change"
            station: build
            depends_on: [plan]
          - key: test
            title: "Write and run tests"
            station: qa
            depends_on: [implement]
      - name: review
        operations:
          - key: security
            title: "Security review"
            station: security
            depends_on: [test]
  bugfix:
    description: "Reproduce, fix and verify"
    stages:
      - name: fix
        operations:
          - key: reproduce
            title: "Reproduce the defect"
            station: qa
          - key: patch
            title: "Patch the defect"
            station: build
            depends_on: [reproduce]
      - name: verify
        operations:
          - key: verify
            title: "Verify the fix"
            station: qa
            depends_on: [patch]
`
