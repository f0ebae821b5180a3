// ABOUTME: Configuration loading and parsing for hearth-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hearth-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Agents    AgentsConfig    `yaml:"agents"`
	Frontends FrontendsConfig `yaml:"frontends"`
	Stream    StreamConfig    `yaml:"stream"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionsConfig holds backend pool configuration
type SessionsConfig struct {
	// MaxBackends caps simultaneously live backends; zero means unlimited.
	MaxBackends int `yaml:"max_backends"`

	TurnTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TurnTimeoutRaw string `yaml:"turn_timeout"`
}

// AgentsConfig holds agent identity configuration
type AgentsConfig struct {
	// Default is the agent used when a session has no stored binding
	// and the channel defines no override.
	Default string `yaml:"default"`

	// CommandPrefix is the reserved inbound prefix for agent switching.
	CommandPrefix string `yaml:"command_prefix"`

	Profiles map[string]AgentProfile `yaml:"profiles"`
}

// AgentProfile describes how one agent identity is provisioned.
type AgentProfile struct {
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
	APIKey       string   `yaml:"api_key"`
	Runner       string   `yaml:"runner"` // "local" or "proxy"
	Workspace    string   `yaml:"workspace"`
	SystemPrompt string   `yaml:"system_prompt"`
	BaseURL      string   `yaml:"base_url"` // proxy runner endpoint
	Command      []string `yaml:"command"`  // local runner argv
	ToolServers  []string `yaml:"tool_servers"`
}

// FrontendsConfig holds configuration for all frontend integrations
type FrontendsConfig struct {
	Matrix MatrixConfig `yaml:"matrix"`
}

// MatrixConfig holds Matrix integration configuration
type MatrixConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Homeserver   string   `yaml:"homeserver"`
	UserID       string   `yaml:"user_id"`
	AccessToken  string   `yaml:"access_token"`
	AllowedRooms []string `yaml:"allowed_rooms"`
	DefaultAgent string   `yaml:"default_agent"`
}

// StreamConfig holds outbound streaming configuration
type StreamConfig struct {
	EditInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	EditIntervalRaw string `yaml:"edit_interval"`
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
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values that have a sensible default when omitted.
func (c *Config) applyDefaults() {
	if c.Agents.CommandPrefix == "" {
		c.Agents.CommandPrefix = "/agent"
	}
	if c.Stream.EditInterval == 0 {
		c.Stream.EditInterval = 700 * time.Millisecond
	}
	if c.Sessions.TurnTimeout == 0 {
		c.Sessions.TurnTimeout = 5 * time.Minute
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Agents.Default == "" {
		return fmt.Errorf("agents.default is required")
	}

	if len(c.Agents.Profiles) == 0 {
		return fmt.Errorf("agents.profiles must define at least one agent")
	}

	if _, ok := c.Agents.Profiles[c.Agents.Default]; !ok {
		return fmt.Errorf("agents.default %q has no profile", c.Agents.Default)
	}

	for name, profile := range c.Agents.Profiles {
		switch profile.Runner {
		case "local":
			if len(profile.Command) == 0 {
				return fmt.Errorf("agents.profiles.%s: local runner requires command", name)
			}
		case "proxy":
			if profile.BaseURL == "" {
				return fmt.Errorf("agents.profiles.%s: proxy runner requires base_url", name)
			}
		default:
			return fmt.Errorf("agents.profiles.%s: runner must be \"local\" or \"proxy\", got %q", name, profile.Runner)
		}
	}

	if c.Frontends.Matrix.Enabled {
		if c.Frontends.Matrix.Homeserver == "" {
			return fmt.Errorf("frontends.matrix.homeserver is required when matrix is enabled")
		}
		if c.Frontends.Matrix.UserID == "" {
			return fmt.Errorf("frontends.matrix.user_id is required when matrix is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.TurnTimeoutRaw != "" {
		cfg.Sessions.TurnTimeout, err = time.ParseDuration(cfg.Sessions.TurnTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing turn_timeout %q: %w", cfg.Sessions.TurnTimeoutRaw, err)
		}
	}

	if cfg.Stream.EditIntervalRaw != "" {
		cfg.Stream.EditInterval, err = time.ParseDuration(cfg.Stream.EditIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing edit_interval %q: %w", cfg.Stream.EditIntervalRaw, err)
		}
	}

	return nil
}
