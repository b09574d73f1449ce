package config

import (
	"path/filepath"

	"github.com/projecteru2/warren/utils"
)

// LocalConfig configures the local provider.
type LocalConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Name    string `json:"name" mapstructure:"name"`
	// HostDir overrides the agent state directory; default {root}/local/host.
	HostDir string `json:"host_dir" mapstructure:"host_dir"`
}

// EnsureLocalDirs creates the local provider's directories.
func (c *Config) EnsureLocalDirs() error {
	return utils.EnsureDirs(c.localDir(), c.LocalHostDir())
}

func (c *Config) localDir() string { return filepath.Join(c.RootDir, "local") }

// LocalHostIDFile holds the cached local host ID.
func (c *Config) LocalHostIDFile() string { return filepath.Join(c.localDir(), "host_id") }

// LocalTagsFile holds the local host's ordered tag list.
func (c *Config) LocalTagsFile() string { return filepath.Join(c.localDir(), "tags.json") }

// LocalLock guards the local provider's host ID and tag files.
func (c *Config) LocalLock() string { return filepath.Join(c.localDir(), "local.lock") }

// LocalHostDir is the agent state directory of the local host.
func (c *Config) LocalHostDir() string {
	if c.Local.HostDir != "" {
		return c.Local.HostDir
	}
	return filepath.Join(c.localDir(), "host")
}
