// Package daemon wires the event bus, job store, persistence, and HTTP
// service into the long-running ralphd process.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default ports for the daemon and its agent-server children.
const (
	DefaultPort       = 4520
	DefaultAgentPort  = 4096
	DefaultBossOffset = 1
)

// Config holds the daemon's settings. Flags win over the optional
// config file at <prefix>/config.yaml, which wins over defaults.
type Config struct {
	// Prefix is the state root: jobs/, runs/, run/, logs/ live under it
	Prefix string `yaml:"prefix"`

	// Port the HTTP service listens on
	Port int `yaml:"port"`

	// Workspace is the mainline git checkout runs branch from
	Workspace string `yaml:"workspace"`

	// WorkerModel and BossModel are "providerID/modelID" pairs
	WorkerModel string `yaml:"workerModel"`
	BossModel   string `yaml:"bossModel"`

	// AgentPort is the base port for per-run worker agent servers;
	// BossPort defaults to AgentPort+1
	AgentPort int `yaml:"agentPort"`
	BossPort  int `yaml:"bossPort"`

	// AgentBinary overrides the agent-server executable name
	AgentBinary string `yaml:"agentBinary"`
}

// LoadConfigFile layers values from <prefix>/config.yaml onto cfg for
// every field the caller left unset. A missing file is not an error.
func LoadConfigFile(cfg *Config) error {
	if cfg.Prefix == "" {
		return nil
	}
	path := filepath.Join(cfg.Prefix, "config.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if cfg.Port == 0 {
		cfg.Port = file.Port
	}
	if cfg.Workspace == "" {
		cfg.Workspace = file.Workspace
	}
	if cfg.WorkerModel == "" {
		cfg.WorkerModel = file.WorkerModel
	}
	if cfg.BossModel == "" {
		cfg.BossModel = file.BossModel
	}
	if cfg.AgentPort == 0 {
		cfg.AgentPort = file.AgentPort
	}
	if cfg.BossPort == 0 {
		cfg.BossPort = file.BossPort
	}
	if cfg.AgentBinary == "" {
		cfg.AgentBinary = file.AgentBinary
	}
	return nil
}

// ApplyDefaults fills remaining zero values.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.AgentPort == 0 {
		c.AgentPort = DefaultAgentPort
	}
	if c.BossPort == 0 {
		c.BossPort = c.AgentPort + DefaultBossOffset
	}
	if c.BossModel == "" {
		c.BossModel = c.WorkerModel
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if c.WorkerModel == "" {
		return fmt.Errorf("worker model is required")
	}
	return nil
}

// State directory accessors.

func (c *Config) JobsDir() string      { return filepath.Join(c.Prefix, "jobs") }
func (c *Config) RunsDir() string      { return filepath.Join(c.Prefix, "runs") }
func (c *Config) RunDir() string       { return filepath.Join(c.Prefix, "run") }
func (c *Config) LogsDir() string      { return filepath.Join(c.Prefix, "logs") }
func (c *Config) WorktreesDir() string { return filepath.Join(c.Prefix, "worktrees") }

// EnsureDirectories creates the state tree under the prefix.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Prefix, c.JobsDir(), c.RunsDir(), c.RunDir(), c.LogsDir(), c.WorktreesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
