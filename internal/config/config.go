package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models dispatchline.yml.
type Config struct {
	Pipeline struct {
		Armed bool `yaml:"armed"`
	} `yaml:"pipeline"`
	Domains map[string]DomainTable `yaml:"domains"`
	Policy  struct {
		Chains map[string][]string `yaml:"chains"`
	} `yaml:"policy"`
	Subagents map[string]string `yaml:"subagents"`
	Lease     struct {
		DefaultTTLMinutes int `yaml:"default_ttl_minutes"`
		MaxTTLMinutes     int `yaml:"max_ttl_minutes"`
	} `yaml:"lease"`
	Verification struct {
		URL            string   `yaml:"url"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
		MaxRetries     int      `yaml:"max_retries"`
		SkipKeys       []string `yaml:"skip_keys"`
	} `yaml:"verification"`
	SensitivePatterns []string `yaml:"sensitive_patterns"`
}

// DomainTable holds the classifier and guardrail tables for one concrete
// domain. Patterns use path.Match syntax; keywords are matched
// case-insensitively against title and spec text.
type DomainTable struct {
	PathPatterns []string `yaml:"path_patterns"`
	Keywords     []string `yaml:"keywords"`
}

// Load reads and validates config from the workspace, falling back to
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
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
	if len(c.Domains) == 0 {
		return fmt.Errorf("config.domains is required")
	}
	for _, name := range []string{"frontend", "backend", "memory"} {
		tbl, ok := c.Domains[name]
		if !ok {
			return fmt.Errorf("config.domains.%s is required", name)
		}
		if len(tbl.PathPatterns) == 0 {
			return fmt.Errorf("config.domains.%s.path_patterns is required", name)
		}
	}
	for name := range c.Domains {
		switch name {
		case "frontend", "backend", "memory":
		default:
			return fmt.Errorf("config.domains contains unknown domain %s", name)
		}
	}
	if len(c.Policy.Chains) == 0 {
		return fmt.Errorf("config.policy.chains is required")
	}
	for domain, chain := range c.Policy.Chains {
		if len(chain) == 0 {
			return fmt.Errorf("policy chain for %s is empty", domain)
		}
		for _, rule := range chain {
			if rule == "" {
				return fmt.Errorf("policy chain for %s has empty rule id", domain)
			}
		}
	}
	for domain, target := range c.Subagents {
		if target == "" {
			return fmt.Errorf("subagent target for %s is empty", domain)
		}
	}
	if c.Lease.DefaultTTLMinutes <= 0 {
		return fmt.Errorf("config.lease.default_ttl_minutes must be positive")
	}
	if c.Lease.MaxTTLMinutes < c.Lease.DefaultTTLMinutes {
		return fmt.Errorf("config.lease.max_ttl_minutes must be >= default_ttl_minutes")
	}
	if c.Verification.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.verification.timeout_seconds must be positive")
	}
	if c.Verification.MaxRetries < 0 {
		return fmt.Errorf("config.verification.max_retries must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dispatchline.yml")
}

// DefaultYAML returns the default config as YAML text, suitable for
// seeding a new workspace's dispatchline.yml.
func DefaultYAML() string {
	return defaultTemplate
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

const defaultTemplate = `pipeline:
  armed: true

domains:
  frontend:
    path_patterns:
      - "src/components/*"
      - "src/pages/*"
      - "src/styles/*"
      - "*.css"
      - "*.tsx"
      - "*.jsx"
    keywords: [ui, css, layout, component, dashboard, page, style, render, button, form]
  backend:
    path_patterns:
      - "src/api/*"
      - "src/services/*"
      - "src/routes/*"
      - "src/lib/*"
      - "*.go"
    keywords: [api, endpoint, service, handler, route, auth, queue, worker, cron]
  memory:
    path_patterns:
      - "migrations/*"
      - "db/*"
      - "schema/*"
      - "*.sql"
    keywords: [schema, migration, table, index, database, column, embedding, vector]

policy:
  chains:
    frontend: [duplicate_work, path_sensitivity, accessibility]
    backend: [duplicate_work, path_sensitivity, structural_analysis]
    memory: [duplicate_work, path_sensitivity, schema_safety]

subagents:
  frontend: frontend-builder
  backend: backend-builder
  memory: memory-curator

lease:
  default_ttl_minutes: 60
  max_ttl_minutes: 240

verification:
  url: ""
  timeout_seconds: 30
  max_retries: 2
  skip_keys: []

sensitive_patterns:
  - "*.env"
  - "*.pem"
  - "*.key"
  - "*secrets*"
  - "*credentials*"
`
