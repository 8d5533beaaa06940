// Package config loads steward settings and derives the synthetic policy
// rules that settings imply.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calderhq/steward/pkg/policy"
)

// Default configuration values exported for documentation and validation.
const (
	DefaultMaxTurns      = 10
	DefaultMaxRunMinutes = 30
	DefaultGraceSeconds  = 60
)

// Config is the complete steward configuration.
type Config struct {
	Session SessionConfig `yaml:"session"`
	Policy  PolicyConfig  `yaml:"policy"`
	Tools   ToolsConfig   `yaml:"tools"`
	MCP     MCPConfig     `yaml:"mcp"`
	Audit   AuditConfig   `yaml:"audit"`
	Logging LoggingConfig `yaml:"logging"`
}

// SessionConfig bounds a run.
type SessionConfig struct {
	MaxTurns      int `yaml:"max_turns"`
	MaxRunMinutes int `yaml:"max_run_minutes"`
	GraceSeconds  int `yaml:"grace_seconds"`
}

// PolicyConfig locates the rule tiers and sets the fallback decision.
type PolicyConfig struct {
	DefaultDir      string `yaml:"default_dir"`
	UserDir         string `yaml:"user_dir"`
	AdminDir        string `yaml:"admin_dir"`
	DefaultDecision string `yaml:"default_decision"` // allow, deny, ask_user
	Watch           bool   `yaml:"watch"`
}

// ToolsConfig carries explicit allow/deny lists, typically populated
// from command-line flags.
type ToolsConfig struct {
	Allowed  []string `yaml:"allowed"`
	Excluded []string `yaml:"excluded"`
}

// MCPConfig configures MCP server trust.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server.
type MCPServerConfig struct {
	Trusted bool `yaml:"trusted"`
}

// AuditConfig locates the audit database.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// LoggingConfig locates the structured log directory.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// Load reads a YAML config file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Session.MaxTurns <= 0 {
		c.Session.MaxTurns = DefaultMaxTurns
	}
	if c.Session.MaxRunMinutes <= 0 {
		c.Session.MaxRunMinutes = DefaultMaxRunMinutes
	}
	if c.Session.GraceSeconds <= 0 {
		c.Session.GraceSeconds = DefaultGraceSeconds
	}
	if c.Policy.DefaultDecision == "" {
		c.Policy.DefaultDecision = string(policy.DecisionAskUser)
	}
}

func (c *Config) validate() error {
	if !policy.Decision(c.Policy.DefaultDecision).Valid() {
		return fmt.Errorf("policy.default_decision: unknown decision %q", c.Policy.DefaultDecision)
	}
	return nil
}

// TierDirs returns the three rule directories for the policy loader.
func (c *Config) TierDirs() policy.TierDirs {
	return policy.TierDirs{
		Default: c.Policy.DefaultDir,
		User:    c.Policy.UserDir,
		Admin:   c.Policy.AdminDir,
	}
}

// MaxRunDuration returns the wall-clock budget.
func (c *Config) MaxRunDuration() time.Duration {
	return time.Duration(c.Session.MaxRunMinutes) * time.Minute
}

// GracePeriod returns the recovery budget.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Session.GraceSeconds) * time.Second
}

// SyntheticRules derives policy rules from settings: explicit tool
// allow/deny lists and trusted MCP servers, merged into the user tier at
// fixed priorities so admins can still override them from their own tier.
func (c *Config) SyntheticRules() []policy.Rule {
	var rules []policy.Rule

	for _, name := range c.Tools.Allowed {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		rules = append(rules, policy.Rule{
			ToolPattern: name,
			Decision:    policy.DecisionAllow,
			Priority:    policy.PriorityAllowListed,
			Tier:        policy.TierUser,
			Source:      "settings:allow-list",
		})
	}

	for _, name := range c.Tools.Excluded {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		rules = append(rules, policy.Rule{
			ToolPattern: name,
			Decision:    policy.DecisionDeny,
			Priority:    policy.PriorityDenyListed,
			Tier:        policy.TierUser,
			Source:      "settings:deny-list",
		})
	}

	for server, sc := range c.MCP.Servers {
		if !sc.Trusted {
			continue
		}
		rules = append(rules, policy.Rule{
			ToolPattern: server + "__*",
			Decision:    policy.DecisionAllow,
			Priority:    policy.PriorityTrustedServer,
			Tier:        policy.TierUser,
			Source:      "settings:mcp-trust",
		})
	}

	return rules
}

// BuildPolicyEngine loads the tier directories, merges the synthetic
// rules, and constructs the engine. Per-rule load failures come back as
// diagnostics; they never fail engine construction. Synthetic rules are
// installed as runtime rules: they live for the session and must survive
// a static reload of the tier files.
func (c *Config) BuildPolicyEngine() (*policy.Engine, []policy.Diagnostic, error) {
	rules, diags := policy.LoadTiers(c.TierDirs())

	engine, err := policy.NewEngine(policy.Config{
		Rules:           rules,
		DefaultDecision: policy.Decision(c.Policy.DefaultDecision),
	})
	if err != nil {
		return nil, diags, err
	}
	for _, r := range c.SyntheticRules() {
		if err := engine.AddRule(r); err != nil {
			return nil, diags, err
		}
	}
	return engine, diags, nil
}
