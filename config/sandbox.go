package config

import (
	"fmt"
	"path/filepath"
	"time"

	units "github.com/docker/go-units"

	"github.com/projecteru2/warren/utils"
)

// SandboxConfig configures the cloud-sandbox provider.
type SandboxConfig struct {
	Name string `json:"name" mapstructure:"name"`
	// Endpoint is the sandbox REST API base URL. Empty disables the provider.
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `json:"api_key_env" mapstructure:"api_key_env"`
	// Namespace isolates this caller's volumes and sandboxes.
	Namespace string `json:"namespace" mapstructure:"namespace"`
	Image     string `json:"image" mapstructure:"image"`
	HostDir   string `json:"host_dir" mapstructure:"host_dir"`
	CPU       int    `json:"cpu" mapstructure:"cpu"`
	// Memory and VolumeSize are human sizes ("4G", "512M").
	Memory     string `json:"memory" mapstructure:"memory"`
	VolumeSize string `json:"volume_size" mapstructure:"volume_size"`
	// DestroyedRetentionHours is how long destroyed hosts stay inspectable.
	DestroyedRetentionHours int `json:"destroyed_retention_hours" mapstructure:"destroyed_retention_hours"`
}

// EnsureSandboxDirs creates the sandbox provider's directories.
func (c *Config) EnsureSandboxDirs() error {
	return utils.EnsureDirs(c.sandboxDBDir())
}

func (c *Config) sandboxDBDir() string { return filepath.Join(c.RootDir, "sandbox", "db") }

// SandboxIndexDir holds the sandbox host index.
func (c *Config) SandboxIndexDir() string { return c.sandboxDBDir() }

// SandboxIndexFile and SandboxIndexLock are the sandbox host index paths.
func (c *Config) SandboxIndexFile() string { return filepath.Join(c.sandboxDBDir(), "hosts.json") }
func (c *Config) SandboxIndexLock() string { return filepath.Join(c.sandboxDBDir(), "hosts.lock") }

// DestroyedRetention is how long destroyed sandbox hosts are kept.
func (c *Config) DestroyedRetention() time.Duration {
	return time.Duration(c.Sandbox.DestroyedRetentionHours) * time.Hour
}

// SandboxMemoryBytes parses Sandbox.Memory.
func (c *Config) SandboxMemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Sandbox.Memory)
	if err != nil {
		return 0, fmt.Errorf("invalid sandbox.memory %q: %w", c.Sandbox.Memory, err)
	}
	return n, nil
}

// SandboxVolumeBytes parses Sandbox.VolumeSize.
func (c *Config) SandboxVolumeBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Sandbox.VolumeSize)
	if err != nil {
		return 0, fmt.Errorf("invalid sandbox.volume_size %q: %w", c.Sandbox.VolumeSize, err)
	}
	return n, nil
}
