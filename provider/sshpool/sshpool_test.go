package sshpool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/warren/config"
	"github.com/projecteru2/warren/connector"
	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/hooks"
	"github.com/projecteru2/warren/provider"
	"github.com/projecteru2/warren/tmux/tmuxtest"
	"github.com/projecteru2/warren/types"
)

func testConf(t *testing.T) *config.Config {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.SSH.HostDir = t.TempDir()
	conf.SSH.Hosts = []config.SSHHost{
		{Name: "gpu1", Address: "10.0.0.5", User: "dev", Port: 2222},
		{Name: "gpu2", Address: "10.0.0.6"},
	}
	return conf
}

func doubleDialer(doubles map[string]*tmuxtest.Double) Dialer {
	return func(_ context.Context, name string, _ config.SSHHost) (connector.Connector, error) {
		d := tmuxtest.New(name)
		doubles[name] = d
		return d, nil
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	ctx := context.Background()
	reg := hooks.New()
	var fired []hooks.Point
	for _, pt := range []hooks.Point{hooks.BeforeHostCreate, hooks.AfterHostCreate, hooks.BeforeHostDestroy, hooks.AfterHostDestroy} {
		reg.Register(pt, "record", func(_ context.Context, ev hooks.Event) error {
			fired = append(fired, ev.Point)
			return nil
		})
	}
	doubles := map[string]*tmuxtest.Double{}
	p, err := New(testConf(t), provider.HostOptions{Hooks: reg}, WithDialer(doubleDialer(doubles)))
	require.NoError(t, err)
	defer p.Close() //nolint:errcheck

	info, err := p.CreateHost(ctx, types.HostConfig{Name: "gpu1"})
	require.NoError(t, err)
	assert.Equal(t, "dev@10.0.0.5:2222", info.Address)
	assert.Equal(t, types.HostStateRunning, info.State)
	first := doubles["gpu1"]

	// A rejected duplicate neither fires hooks nor dials the machine again.
	_, err = p.CreateHost(ctx, types.HostConfig{Name: "gpu1"})
	assert.ErrorContains(t, err, "already registered")
	assert.Same(t, first, doubles["gpu1"])
	assert.Equal(t, []hooks.Point{hooks.BeforeHostCreate, hooks.AfterHostCreate}, fired)
	_, err = p.CreateHost(ctx, types.HostConfig{Name: "undeclared"})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	h, err := p.GetHost(ctx, "gpu1")
	require.NoError(t, err)
	assert.Equal(t, info.ID, h.ID())
	_, err = h.CreateAgentState(ctx, "fixer", types.AgentConfig{Command: "claude"})
	require.NoError(t, err)
	_, err = h.StartAgent(ctx, "fixer")
	require.NoError(t, err)
	_, ok := doubles["gpu1"].Session("warren-fixer")
	assert.True(t, ok)

	hosts, err := p.ListHosts(ctx, false)
	require.NoError(t, err)
	require.Len(t, hosts, 1)

	require.NoError(t, p.DestroyHost(ctx, info.ID[:9]))
	_, err = p.InspectHost(ctx, info.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Equal(t, []hooks.Point{hooks.BeforeHostCreate, hooks.AfterHostCreate, hooks.BeforeHostDestroy, hooks.AfterHostDestroy}, fired)

	// Destroy only unregisters: the session on the machine is untouched.
	_, ok = doubles["gpu1"].Session("warren-fixer")
	assert.True(t, ok)
}

func TestCapabilities(t *testing.T) {
	ctx := context.Background()
	p, err := New(testConf(t), provider.HostOptions{}, WithDialer(doubleDialer(map[string]*tmuxtest.Double{})))
	require.NoError(t, err)
	info, err := p.CreateHost(ctx, types.HostConfig{Name: "gpu2"})
	require.NoError(t, err)

	assert.Equal(t, provider.Capabilities{}, p.Capabilities())
	tags, err := p.Tags(ctx, info.ID)
	require.NoError(t, err)
	assert.Empty(t, tags)

	for _, err := range []error{
		p.SetTags(ctx, info.ID, map[string]string{"a": "b"}),
		p.AddTags(ctx, info.ID, map[string]string{"a": "b"}),
		p.RemoveTags(ctx, info.ID, []string{"a"}),
		p.DeleteSnapshot(ctx, info.ID, "s"),
		p.DeleteVolume(ctx, "v"),
	} {
		assert.ErrorIs(t, err, errdefs.ErrUnsupported)
	}
	_, err = p.CreateSnapshot(ctx, info.ID, "s")
	assert.ErrorIs(t, err, errdefs.ErrUnsupported)
	_, err = p.StopHost(ctx, info.ID, false)
	assert.ErrorIs(t, err, errdefs.ErrUnsupported)
	_, err = p.HostVolume(ctx, info.ID)
	assert.ErrorIs(t, err, errdefs.ErrUnsupported)
}

func TestBadIdentityIsRejected(t *testing.T) {
	ctx := context.Background()
	conf := testConf(t)
	bad := filepath.Join(t.TempDir(), "id")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o600))
	conf.SSH.Hosts[0].IdentityFile = bad

	p, err := New(conf, provider.HostOptions{})
	require.NoError(t, err)
	_, err = p.CreateHost(ctx, types.HostConfig{Name: "gpu1"})
	assert.ErrorIs(t, err, errdefs.ErrSetup)
	hosts, err := p.ListHosts(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

// TestThroughSSHClient drives a host through a stand-in ssh binary that runs
// the remote command locally.
func TestThroughSSHClient(t *testing.T) {
	ctx := context.Background()
	bin := filepath.Join(t.TempDir(), "ssh")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nfor a in \"$@\"; do last=\"$a\"; done\nexec sh -c \"$last\"\n"), 0o700)) //nolint:gosec

	conf := testConf(t)
	conf.SSH.Binary = bin
	p, err := New(conf, provider.HostOptions{})
	require.NoError(t, err)
	defer p.Close() //nolint:errcheck

	_, err = p.CreateHost(ctx, types.HostConfig{Name: "gpu1"})
	require.NoError(t, err)
	h, err := p.GetHost(ctx, "gpu1")
	require.NoError(t, err)

	rec, err := h.CreateAgentState(ctx, "fixer", types.AgentConfig{Command: "claude"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(conf.SSH.HostDir, "agents", rec.ID, "data.json"))

	got, err := h.GetAgent(ctx, "fixer")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}
