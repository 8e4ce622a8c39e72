// Package config loads the hatch server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file omits a field.
const (
	DefaultListenAddr        = "127.0.0.1:8420"
	DefaultModel             = "claude-sonnet-4-5"
	DefaultToolTimeout       = 120 * time.Second
	DefaultDecisionTimeout   = 5 * time.Minute
	DefaultAgentCommand      = "claude"
	DefaultStateDirName      = ".hatch"
	DefaultClientEventBuffer = 256
	DefaultRedactMode        = "basic"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level hatch configuration.
type Config struct {
	// ListenAddr is the host:port the serve command binds to.
	ListenAddr string `yaml:"listen_addr"`
	// StateDir holds durable session and message data.
	StateDir string `yaml:"state_dir"`
	// Agent configures how the external agent process is launched.
	Agent AgentConfig `yaml:"agent"`
	// DecisionTimeout bounds how long a permission or input request may stay
	// pending before it is auto-denied.
	DecisionTimeout Duration `yaml:"decision_timeout"`
	// ClientEventBuffer is the per-stream buffer between the orchestrator and
	// a live client consumer.
	ClientEventBuffer int `yaml:"client_event_buffer"`
	// Redact configures secret scrubbing of tool output.
	Redact RedactConfig `yaml:"redact"`
}

// RedactConfig configures scrubbing of secrets from streamed tool output.
type RedactConfig struct {
	// Mode is off, basic, or aggressive.
	Mode string `yaml:"mode"`
	// Keys are extra env key patterns whose assigned values are scrubbed.
	Keys []string `yaml:"keys"`
}

// AgentConfig configures the external agent subprocess.
type AgentConfig struct {
	// Command is the agent CLI binary to spawn.
	Command string `yaml:"command"`
	// Args are extra arguments prepended before the protocol flags.
	Args []string `yaml:"args"`
	// Model is the default model when a session has none.
	Model string `yaml:"model"`
	// ToolTimeout is the per-tool execution timeout handed to the agent.
	ToolTimeout Duration `yaml:"tool_timeout"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		ListenAddr: DefaultListenAddr,
		StateDir:   filepath.Join(home, DefaultStateDirName),
		Agent: AgentConfig{
			Command:     DefaultAgentCommand,
			Model:       DefaultModel,
			ToolTimeout: Duration(DefaultToolTimeout),
		},
		DecisionTimeout:   Duration(DefaultDecisionTimeout),
		ClientEventBuffer: DefaultClientEventBuffer,
		Redact:            RedactConfig{Mode: DefaultRedactMode},
	}
}

// Load reads the config file at path, fills in defaults, and applies
// environment overrides. A missing file is not an error; defaults are used.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	fillDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HATCH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("HATCH_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("HATCH_AGENT_COMMAND"); v != "" {
		cfg.Agent.Command = v
	}
	if v := os.Getenv("HATCH_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("HATCH_REDACT"); v != "" {
		cfg.Redact.Mode = v
	}
}

func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.StateDir == "" {
		cfg.StateDir = def.StateDir
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = def.Agent.Command
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = def.Agent.Model
	}
	if cfg.Agent.ToolTimeout <= 0 {
		cfg.Agent.ToolTimeout = def.Agent.ToolTimeout
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = def.DecisionTimeout
	}
	if cfg.ClientEventBuffer <= 0 {
		cfg.ClientEventBuffer = def.ClientEventBuffer
	}
	if cfg.Redact.Mode == "" {
		cfg.Redact.Mode = def.Redact.Mode
	}
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr must not be empty")
	}
	if c.StateDir == "" {
		return errors.New("state_dir must not be empty")
	}
	if c.Agent.Command == "" {
		return errors.New("agent.command must not be empty")
	}
	switch c.Redact.Mode {
	case "off", "basic", "aggressive":
	default:
		return fmt.Errorf("redact.mode must be off, basic, or aggressive, got %q", c.Redact.Mode)
	}
	return nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "hatch.yaml"
	}
	return filepath.Join(home, DefaultStateDirName, "hatch.yaml")
}
