package config

import (
	"path/filepath"

	"github.com/projecteru2/warren/utils"
)

// SSHConfig configures the SSH-pool provider.
type SSHConfig struct {
	Name string `json:"name" mapstructure:"name"`
	// HostDir is the agent state directory on each machine, relative to the
	// login directory unless absolute.
	HostDir string `json:"host_dir" mapstructure:"host_dir"`
	// Binary is the ssh client; default "ssh".
	Binary string `json:"binary" mapstructure:"binary"`
	// Multiplex enables ssh ControlMaster sockets under {root}/ssh/control.
	Multiplex bool `json:"multiplex" mapstructure:"multiplex"`
	// Hosts are the machines that may be registered.
	Hosts []SSHHost `json:"hosts" mapstructure:"hosts"`
}

// SSHHost is one pre-declared machine.
type SSHHost struct {
	Name         string `json:"name" mapstructure:"name"`
	Address      string `json:"address" mapstructure:"address"`
	Port         int    `json:"port" mapstructure:"port"`
	User         string `json:"user" mapstructure:"user"`
	IdentityFile string `json:"identity_file" mapstructure:"identity_file"`
	// HostDir overrides SSHConfig.HostDir for this machine.
	HostDir string `json:"host_dir" mapstructure:"host_dir"`
}

// EnsureSSHDirs creates the SSH provider's directories.
func (c *Config) EnsureSSHDirs() error {
	return utils.EnsureDirs(c.sshDBDir(), c.SSHControlDir())
}

func (c *Config) sshDir() string   { return filepath.Join(c.RootDir, "ssh") }
func (c *Config) sshDBDir() string { return filepath.Join(c.sshDir(), "db") }

// SSHIndexDir holds the registered-host index.
func (c *Config) SSHIndexDir() string { return c.sshDBDir() }

// SSHIndexFile and SSHIndexLock are the registered-host index paths.
func (c *Config) SSHIndexFile() string { return filepath.Join(c.sshDBDir(), "hosts.json") }
func (c *Config) SSHIndexLock() string { return filepath.Join(c.sshDBDir(), "hosts.lock") }

// SSHControlDir holds ssh ControlMaster sockets.
func (c *Config) SSHControlDir() string { return filepath.Join(c.sshDir(), "control") }

// SSHHostByName returns the declared machine called name.
func (c *Config) SSHHostByName(name string) (SSHHost, bool) {
	for _, h := range c.SSH.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return SSHHost{}, false
}
