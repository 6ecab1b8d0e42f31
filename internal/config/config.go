// ABOUTME: Configuration loading and parsing for threadline
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete threadline configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Agent        AgentConfig        `yaml:"agent"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig holds the agent runtime connection settings
type AgentConfig struct {
	Endpoint string `yaml:"endpoint"`

	ConnectTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	ConnectTimeoutRaw string `yaml:"connect_timeout"`
}

// OrchestratorConfig holds turn lifecycle tuning
type OrchestratorConfig struct {
	// MaxRetries is the number of transient invoker retries per turn.
	// Zero is a valid setting (fail on the first transient error), so
	// the YAML field is a pointer to tell "unset" apart from 0.
	MaxRetries int `yaml:"-"`

	MaxRetriesRaw *int `yaml:"max_retries"`

	CancelGracePeriod time.Duration `yaml:"-"`
	IdleArchiveAfter  time.Duration `yaml:"-"`
	SweepInterval     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	CancelGracePeriodRaw string `yaml:"cancel_grace_period"`
	IdleArchiveAfterRaw  string `yaml:"idle_archive_after"`
	SweepIntervalRaw     string `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values for fields the file leaves unset.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "localhost:8080"
	}
	if c.Agent.ConnectTimeout == 0 {
		c.Agent.ConnectTimeout = 10 * time.Second
	}
	if c.Orchestrator.MaxRetriesRaw != nil {
		c.Orchestrator.MaxRetries = *c.Orchestrator.MaxRetriesRaw
	} else {
		c.Orchestrator.MaxRetries = 2
	}
	if c.Orchestrator.CancelGracePeriod == 0 {
		c.Orchestrator.CancelGracePeriod = 5 * time.Second
	}
	if c.Orchestrator.IdleArchiveAfter == 0 {
		c.Orchestrator.IdleArchiveAfter = 720 * time.Hour
	}
	if c.Orchestrator.SweepInterval == 0 {
		c.Orchestrator.SweepInterval = time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Agent.Endpoint == "" {
		return fmt.Errorf("agent.endpoint is required")
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Agent.ConnectTimeoutRaw, "agent.connect_timeout", &cfg.Agent.ConnectTimeout},
		{cfg.Orchestrator.CancelGracePeriodRaw, "orchestrator.cancel_grace_period", &cfg.Orchestrator.CancelGracePeriod},
		{cfg.Orchestrator.IdleArchiveAfterRaw, "orchestrator.idle_archive_after", &cfg.Orchestrator.IdleArchiveAfter},
		{cfg.Orchestrator.SweepIntervalRaw, "orchestrator.sweep_interval", &cfg.Orchestrator.SweepInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
