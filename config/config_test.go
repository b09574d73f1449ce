package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	conf, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "warren-", conf.Prefix)
	assert.Equal(t, DefaultMaxHostQueries, conf.MaxHostQueries)
	assert.Equal(t, 72*time.Hour, conf.DestroyedRetention())

	path := filepath.Join(t.TempDir(), "warren.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"root_dir": "/tmp/w",
		"max_host_queries": -1,
		"ssh": {"hosts": [{"name": "gpu1", "address": "10.0.0.5", "user": "dev"}]},
		"sandbox": {"memory": "8G"}
	}`), 0o600))
	conf, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/w", conf.RootDir)
	assert.Equal(t, DefaultMaxHostQueries, conf.MaxHostQueries)
	assert.Equal(t, "/tmp/w/local/host_id", conf.LocalHostIDFile())
	assert.Equal(t, "/tmp/w/local/host", conf.LocalHostDir())

	h, ok := conf.SSHHostByName("gpu1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", h.Address)
	_, ok = conf.SSHHostByName("nope")
	assert.False(t, ok)

	mem, err := conf.SandboxMemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(8<<30), mem)

	conf, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, "warren", conf.TmuxSocket)
}

func TestInvalidSizes(t *testing.T) {
	conf := DefaultConfig()
	conf.Sandbox.VolumeSize = "lots"
	_, err := conf.SandboxVolumeBytes()
	assert.Error(t, err)
}
