package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

const (
	// DefaultMaxHostQueries caps concurrent host queries in bulk operations.
	DefaultMaxHostQueries = 32
	// DefaultShutdownGraceSeconds is the terminate-to-kill grace for supervised processes.
	DefaultShutdownGraceSeconds = 5
)

// Config holds global warren configuration.
type Config struct {
	// RootDir is the base directory for persistent data on this machine.
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// Prefix namespaces agent tmux session names ({prefix}{agent_name}).
	Prefix string `json:"prefix" mapstructure:"prefix"`
	// TmuxSocket is the -L socket name of warren's tmux server on every host.
	TmuxSocket string `json:"tmux_socket" mapstructure:"tmux_socket"`
	// PoolSize bounds concurrent provider queries in bulk operations.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// MaxHostQueries bounds concurrent host queries in bulk operations.
	MaxHostQueries int `json:"max_host_queries" mapstructure:"max_host_queries"`
	// ShutdownGraceSeconds is how long a terminated process gets before SIGKILL.
	ShutdownGraceSeconds int `json:"shutdown_grace_seconds" mapstructure:"shutdown_grace_seconds"`

	Local   LocalConfig   `json:"local" mapstructure:"local"`
	SSH     SSHConfig     `json:"ssh" mapstructure:"ssh"`
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	root := "/var/lib/warren"
	if home, err := os.UserHomeDir(); err == nil && os.Geteuid() != 0 {
		root = filepath.Join(home, ".warren")
	}
	return &Config{
		RootDir:              root,
		Prefix:               "warren-",
		TmuxSocket:           "warren",
		PoolSize:             8, //nolint:mnd
		MaxHostQueries:       DefaultMaxHostQueries,
		ShutdownGraceSeconds: DefaultShutdownGraceSeconds,
		Local:                LocalConfig{Enabled: true, Name: "local"},
		SSH:                  SSHConfig{Name: "ssh", HostDir: ".warren"},
		Sandbox: SandboxConfig{
			Name:                    "sandbox",
			APIKeyEnv:               "WARREN_SANDBOX_API_KEY",
			Namespace:               "default",
			Image:                   "ubuntu:24.04",
			HostDir:                 "/root/.warren",
			DestroyedRetentionHours: 72, //nolint:mnd
			CPU:                     2,  //nolint:mnd
			Memory:                  "4G",
			VolumeSize:              "10G",
		},
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from a JSON file, falling back to defaults.
// The CLI loads through viper instead; this is for embedders and tests.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	conf.Normalize()
	return conf, nil
}

// Normalize replaces zero or invalid values with defaults.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.RootDir == "" {
		c.RootDir = def.RootDir
	}
	if c.Prefix == "" {
		c.Prefix = def.Prefix
	}
	if c.TmuxSocket == "" {
		c.TmuxSocket = def.TmuxSocket
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.MaxHostQueries <= 0 {
		c.MaxHostQueries = DefaultMaxHostQueries
	}
	if c.ShutdownGraceSeconds <= 0 {
		c.ShutdownGraceSeconds = DefaultShutdownGraceSeconds
	}
	if c.Sandbox.DestroyedRetentionHours <= 0 {
		c.Sandbox.DestroyedRetentionHours = def.Sandbox.DestroyedRetentionHours
	}
}

// ShutdownGrace is ShutdownGraceSeconds as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}
