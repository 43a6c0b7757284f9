package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete switchboard configuration
type Config struct {
	State     StateConfig     `mapstructure:"state"`
	Locks     LocksConfig     `mapstructure:"locks"`
	Messaging MessagingConfig `mapstructure:"messaging"`
	Ack       AckConfig       `mapstructure:"ack"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StateConfig controls where shared coordination state lives. Every agent
// sharing a workspace must point at the same directory.
type StateConfig struct {
	// Dir is the shared state directory (default: ".switchboard").
	// Supports ~ for home directory expansion.
	Dir string `mapstructure:"dir"`
}

// LocksConfig controls the file lock manager
type LocksConfig struct {
	// Root is the directory lock targets are resolved against. Absolute
	// targets outside it are rejected. Empty means the current directory.
	Root string `mapstructure:"root"`
	// StaleAfter is the age at which an unrefreshed lock may be reclaimed (default: 5m)
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// MessagingConfig controls the messaging substrate
type MessagingConfig struct {
	// RateLimit is the number of messages a sender may send per window (default: 10)
	RateLimit int `mapstructure:"rate_limit"`
	// RateWindow is the sliding window length (default: 60s)
	RateWindow time.Duration `mapstructure:"rate_window"`
	// Secret is the shared HMAC key. When empty, a key file in the state
	// directory is created on first use and shared by every agent.
	Secret string `mapstructure:"secret"`
	// AllowUnsigned accepts messages without a signature (default: false)
	AllowUnsigned bool `mapstructure:"allow_unsigned"`
	// Transport selects delivery: "file" (per-agent inbox) or "tmux" (default: "file")
	Transport string `mapstructure:"transport"`
	// TmuxSocket isolates tmux commands on a named socket (-L). Empty uses the default server.
	TmuxSocket string `mapstructure:"tmux_socket"`
}

// AckConfig controls acknowledgment tracking
type AckConfig struct {
	// Timeout is the base wait before the first retry (default: 30s).
	// Subsequent retries double it.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRetries is the number of re-sends before escalation (default: 3)
	MaxRetries int `mapstructure:"max_retries"`
	// Escalate broadcasts unacknowledged messages after MaxRetries.
	// When false they are dropped with a warning (default: true)
	Escalate bool `mapstructure:"escalate"`
}

// ConsensusConfig controls voting rounds
type ConsensusConfig struct {
	// Strategy is the tally strategy: "simple_majority" or "evidence_based" (default: "simple_majority")
	Strategy string `mapstructure:"strategy"`
	// PollInterval is how often collect polls a round (default: 500ms)
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// DefaultTimeout is the round deadline when none is given (default: 5m)
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// SchedulerConfig controls the background maintenance loop
type SchedulerConfig struct {
	// RetryInterval is how often pending acknowledgments are processed (default: 10s)
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	// SweepInterval is how often stale locks are swept (default: 1m)
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Enabled writes a log file into the state directory (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the log file size that triggers rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// Strategy names accepted by consensus.strategy.
const (
	StrategySimpleMajority = "simple_majority"
	StrategyEvidenceBased  = "evidence_based"
)

// Transport names accepted by messaging.transport.
const (
	TransportFile = "file"
	TransportTmux = "tmux"
)

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		State: StateConfig{
			Dir: ".switchboard",
		},
		Locks: LocksConfig{
			Root:       "",
			StaleAfter: 5 * time.Minute,
		},
		Messaging: MessagingConfig{
			RateLimit:     10,
			RateWindow:    60 * time.Second,
			AllowUnsigned: false,
			Transport:     TransportFile,
		},
		Ack: AckConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			Escalate:   true,
		},
		Consensus: ConsensusConfig{
			Strategy:       StrategySimpleMajority,
			PollInterval:   500 * time.Millisecond,
			DefaultTimeout: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			RetryInterval: 10 * time.Second,
			SweepInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	d := Default()

	viper.SetDefault("state.dir", d.State.Dir)

	viper.SetDefault("locks.root", d.Locks.Root)
	viper.SetDefault("locks.stale_after", d.Locks.StaleAfter)

	viper.SetDefault("messaging.rate_limit", d.Messaging.RateLimit)
	viper.SetDefault("messaging.rate_window", d.Messaging.RateWindow)
	viper.SetDefault("messaging.secret", d.Messaging.Secret)
	viper.SetDefault("messaging.allow_unsigned", d.Messaging.AllowUnsigned)
	viper.SetDefault("messaging.transport", d.Messaging.Transport)
	viper.SetDefault("messaging.tmux_socket", d.Messaging.TmuxSocket)

	viper.SetDefault("ack.timeout", d.Ack.Timeout)
	viper.SetDefault("ack.max_retries", d.Ack.MaxRetries)
	viper.SetDefault("ack.escalate", d.Ack.Escalate)

	viper.SetDefault("consensus.strategy", d.Consensus.Strategy)
	viper.SetDefault("consensus.poll_interval", d.Consensus.PollInterval)
	viper.SetDefault("consensus.default_timeout", d.Consensus.DefaultTimeout)

	viper.SetDefault("scheduler.retry_interval", d.Scheduler.RetryInterval)
	viper.SetDefault("scheduler.sweep_interval", d.Scheduler.SweepInterval)

	viper.SetDefault("logging.enabled", d.Logging.Enabled)
	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "switchboard")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".switchboard"
	}
	return filepath.Join(home, ".config", "switchboard")
}

// ConfigFile returns the path to the user-level config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// expandHome resolves a leading ~ to the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// StateDir returns the absolute shared state directory.
func (c *Config) StateDir() string {
	dir := expandHome(c.State.Dir)
	if dir == "" {
		dir = ".switchboard"
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

// LockRoot returns the absolute directory lock targets are resolved against.
func (c *Config) LockRoot() string {
	root := expandHome(c.Locks.Root)
	if root == "" {
		root = "."
	}
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return root
}

// LocksDir holds one record per held lock.
func (c *Config) LocksDir() string { return filepath.Join(c.StateDir(), "locks") }

// PendingDir holds one record per unacknowledged message.
func (c *Config) PendingDir() string { return filepath.Join(c.StateDir(), "pending") }

// RoundsDir holds snapshots of voting rounds shared between CLI invocations.
func (c *Config) RoundsDir() string { return filepath.Join(c.StateDir(), "rounds") }

// InboxDir holds per-agent inbox files for the file transport.
func (c *Config) InboxDir() string { return filepath.Join(c.StateDir(), "inbox") }

// AgentsFile is the agent directory.
func (c *Config) AgentsFile() string { return filepath.Join(c.StateDir(), "agents.yaml") }

// RateWindowsDir holds each sender's recent send times.
func (c *Config) RateWindowsDir() string { return filepath.Join(c.StateDir(), "ratelimit") }

// DeliveryLogPath is the append-only delivery log.
func (c *Config) DeliveryLogPath() string { return filepath.Join(c.StateDir(), "deliveries.jsonl") }

// AuditDBPath is the consensus result archive.
func (c *Config) AuditDBPath() string { return filepath.Join(c.StateDir(), "audit.db") }

// SecretFile is the generated signing key used when messaging.secret is unset.
func (c *Config) SecretFile() string { return filepath.Join(c.StateDir(), "secret") }
