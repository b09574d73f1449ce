package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/warren/config"
	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/gc"
	"github.com/projecteru2/warren/hooks"
	"github.com/projecteru2/warren/process"
	"github.com/projecteru2/warren/progress"
	sandboxProgress "github.com/projecteru2/warren/progress/sandbox"
	"github.com/projecteru2/warren/provider"
	"github.com/projecteru2/warren/provider/sandbox/api"
	"github.com/projecteru2/warren/types"
)

// fakeAPI is an in-memory sandbox API. Exec runs argv on this machine.
type fakeAPI struct {
	mu        sync.Mutex
	seq       int
	sandboxes map[string]*api.Sandbox
	volumes   map[string]*api.Volume
	snapshots map[string]*api.Snapshot
	failNext  bool
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{
		sandboxes: map[string]*api.Sandbox{},
		volumes:   map[string]*api.Volume{},
		snapshots: map[string]*api.Snapshot{},
	}
	mux := http.NewServeMux()
	const ns = "/v1/namespaces/test/"
	mux.HandleFunc("POST "+ns+"sandboxes", f.createSandbox)
	mux.HandleFunc("GET "+ns+"sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		sb, ok := f.sandboxes[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		reply(w, sb)
	})
	mux.HandleFunc("DELETE "+ns+"sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.sandboxes[r.PathValue("id")]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(f.sandboxes, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+ns+"sandboxes/{id}/exec", f.exec)
	mux.HandleFunc("POST "+ns+"sandboxes/{id}/snapshots", func(w http.ResponseWriter, r *http.Request) {
		var req api.CreateSnapshotRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.sandboxes[r.PathValue("id")]; !ok {
			http.NotFound(w, r)
			return
		}
		snap := &api.Snapshot{ID: f.id("snap"), Name: req.Name, SandboxID: r.PathValue("id"), CreatedAt: f.now()}
		f.snapshots[snap.ID] = snap
		reply(w, snap)
	})
	mux.HandleFunc("DELETE "+ns+"snapshots/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.snapshots, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+ns+"volumes", func(w http.ResponseWriter, r *http.Request) {
		var req api.CreateVolumeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		v := &api.Volume{ID: f.id("vol"), Name: req.Name, SizeBytes: req.SizeBytes, CreatedAt: f.now()}
		f.volumes[v.ID] = v
		reply(w, v)
	})
	mux.HandleFunc("GET "+ns+"volumes", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := struct {
			Volumes []api.Volume `json:"volumes"`
		}{Volumes: []api.Volume{}}
		for _, v := range f.volumes {
			out.Volumes = append(out.Volumes, *v)
		}
		reply(w, out)
	})
	mux.HandleFunc("DELETE "+ns+"volumes/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.volumes[r.PathValue("id")]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(f.volumes, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) id(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%03d", prefix, f.seq)
}

// now spaces creation times so recency order is deterministic.
func (f *fakeAPI) now() time.Time {
	return time.Date(2026, 1, 1, 0, 0, f.seq, 0, time.UTC)
}

func (f *fakeAPI) createSandbox(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSandboxRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		http.Error(w, "quota exceeded", http.StatusForbidden)
		return
	}
	if req.SnapshotID != "" {
		if _, ok := f.snapshots[req.SnapshotID]; !ok {
			http.NotFound(w, r)
			return
		}
	}
	sb := &api.Sandbox{
		ID: f.id("sb"), Name: req.Name, Image: req.Image, State: api.SandboxRunning,
		CPU: req.CPU, MemoryBytes: req.MemoryBytes, VolumeID: req.VolumeID, Labels: req.Labels, CreatedAt: f.now(),
	}
	f.sandboxes[sb.ID] = sb
	reply(w, sb)
}

func (f *fakeAPI) exec(w http.ResponseWriter, r *http.Request) {
	var req api.ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	_, ok := f.sandboxes[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	res, err := process.Run(r.Context(), req.Argv, process.Options{Dir: req.Dir, Env: req.Env, Stdin: bytes.NewReader(req.Stdin)})
	if err != nil && res.ExitCode == 0 {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	reply(w, api.ExecResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr})
}

func (f *fakeAPI) count(m string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch m {
	case "sandboxes":
		return len(f.sandboxes)
	case "volumes":
		return len(f.volumes)
	}
	return len(f.snapshots)
}

func reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newSandbox(t *testing.T, opts provider.HostOptions, options ...Option) (*Sandbox, *fakeAPI) {
	t.Helper()
	f, srv := newFakeAPI(t)
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.Sandbox.Endpoint = srv.URL
	conf.Sandbox.APIKeyEnv = ""
	conf.Sandbox.Namespace = "test"
	conf.Sandbox.HostDir = t.TempDir()
	s, err := New(conf, opts, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, f
}

func TestNewRequiresEndpointAndKey(t *testing.T) {
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	_, err := New(conf, provider.HostOptions{})
	assert.ErrorIs(t, err, errdefs.ErrSetup)

	conf.Sandbox.Endpoint = "http://127.0.0.1:1"
	conf.Sandbox.APIKeyEnv = "WARREN_TEST_UNSET_KEY"
	_, err = New(conf, provider.HostOptions{})
	assert.ErrorIs(t, err, errdefs.ErrSetup)

	t.Setenv("WARREN_TEST_UNSET_KEY", "k")
	_, err = New(conf, provider.HostOptions{})
	assert.NoError(t, err)
}

func TestCreateHost(t *testing.T) {
	ctx := context.Background()
	var phases []sandboxProgress.Phase
	var mu sync.Mutex
	tracker := progress.NewTracker(func(e sandboxProgress.Event) {
		mu.Lock()
		phases = append(phases, e.Phase)
		mu.Unlock()
	})
	reg := hooks.New()
	var fired []hooks.Point
	for _, pt := range []hooks.Point{hooks.BeforeHostCreate, hooks.AfterHostCreate} {
		reg.Register(pt, "record", func(_ context.Context, ev hooks.Event) error {
			fired = append(fired, ev.Point)
			return nil
		})
	}
	s, f := newSandbox(t, provider.HostOptions{Hooks: reg}, WithTracker(tracker))

	info, err := s.CreateHost(ctx, types.HostConfig{Name: "dev", Tags: map[string]string{"team": "infra"}})
	require.NoError(t, err)
	assert.Equal(t, types.HostStateRunning, info.State)
	assert.Equal(t, "index.docker.io/library/ubuntu:24.04", info.Image)
	assert.Equal(t, 2, info.Resources.CPUCount)
	assert.NotEmpty(t, info.Address)
	assert.Equal(t, []hooks.Point{hooks.BeforeHostCreate, hooks.AfterHostCreate}, fired)
	assert.Equal(t, []sandboxProgress.Phase{
		sandboxProgress.PhaseImage, sandboxProgress.PhaseVolume, sandboxProgress.PhaseSandbox,
		sandboxProgress.PhaseBootstrap, sandboxProgress.PhaseDone,
	}, phases)
	assert.Equal(t, 1, f.count("sandboxes"))
	assert.Equal(t, 1, f.count("volumes"))

	_, err = s.CreateHost(ctx, types.HostConfig{Name: "dev"})
	assert.ErrorContains(t, err, "already exists")
	assert.Equal(t, []hooks.Point{hooks.BeforeHostCreate, hooks.AfterHostCreate}, fired)
	assert.Len(t, phases, 5)
	_, err = s.CreateHost(ctx, types.HostConfig{Name: "bad/name"})
	assert.Error(t, err)

	h, err := s.GetHost(ctx, "dev")
	require.NoError(t, err)
	require.NoError(t, h.Connector().WriteFile(ctx, filepath.Join(s.conf.Sandbox.HostDir, "hello"), []byte("hi"), 0o644))
	data, err := os.ReadFile(filepath.Join(s.conf.Sandbox.HostDir, "hello"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	vol, err := s.HostVolume(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev", vol.Name)
	assert.Equal(t, info.ID, vol.HostID)
}

func TestCreateFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s, f := newSandbox(t, provider.HostOptions{})
	f.failNext = true
	_, err := s.CreateHost(ctx, types.HostConfig{Name: "dev"})
	require.Error(t, err)

	hosts, err := s.ListHosts(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, hosts)
	// The volume is kept and adopted by the next create.
	assert.Equal(t, 1, f.count("volumes"))
	_, err = s.CreateHost(ctx, types.HostConfig{Name: "dev"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.count("volumes"))
}

func TestStopStartRestoresLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	s, f := newSandbox(t, provider.HostOptions{})
	info, err := s.CreateHost(ctx, types.HostConfig{Name: "dev"})
	require.NoError(t, err)

	first, err := s.CreateSnapshot(ctx, "dev", "first")
	require.NoError(t, err)
	_, err = s.CreateSnapshot(ctx, "dev", "first")
	assert.ErrorContains(t, err, "already exists")

	stopped, err := s.StopHost(ctx, "dev", true)
	require.NoError(t, err)
	assert.Equal(t, types.HostStateStopped, stopped.State)
	require.NotNil(t, stopped.Certified)
	assert.Len(t, stopped.Certified.Snapshots, 2)
	assert.Empty(t, stopped.Address)
	assert.Equal(t, 0, f.count("sandboxes"))

	_, err = s.GetHost(ctx, "dev")
	assert.ErrorIs(t, err, provider.ErrHostOffline)
	_, err = s.CreateSnapshot(ctx, "dev", "offline")
	assert.ErrorIs(t, err, provider.ErrHostOffline)

	snaps, err := s.ListSnapshots(ctx, "dev")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 0, snaps[0].RecencyIdx)
	assert.NotEqual(t, first.ID, snaps[0].ID)

	started, err := s.StartHost(ctx, info.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.HostStateRunning, started.State)
	assert.Nil(t, started.Certified)

	f.mu.Lock()
	for _, sb := range f.sandboxes {
		assert.Equal(t, volumeOf(t, s, info.ID), sb.VolumeID)
	}
	f.mu.Unlock()

	_, err = s.StopHost(ctx, "dev", false)
	require.NoError(t, err)
	_, err = s.StartHost(ctx, "dev", "first")
	require.NoError(t, err)
	_, err = s.StopHost(ctx, "dev", false)
	require.NoError(t, err)
	_, err = s.StartHost(ctx, "dev", "missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestDestroyAndGC(t *testing.T) {
	ctx := context.Background()
	reg := hooks.New()
	var fired []hooks.Point
	for _, pt := range []hooks.Point{hooks.BeforeHostDestroy, hooks.AfterHostDestroy} {
		reg.Register(pt, "record", func(_ context.Context, ev hooks.Event) error {
			fired = append(fired, ev.Point)
			return nil
		})
	}
	s, f := newSandbox(t, provider.HostOptions{Hooks: reg})
	info, err := s.CreateHost(ctx, types.HostConfig{Name: "dev"})
	require.NoError(t, err)
	_, err = s.CreateSnapshot(ctx, "dev", "keep")
	require.NoError(t, err)

	require.NoError(t, s.DestroyHost(ctx, "dev"))
	require.NoError(t, s.DestroyHost(ctx, info.ID))
	assert.Equal(t, []hooks.Point{hooks.BeforeHostDestroy, hooks.AfterHostDestroy}, fired)

	hosts, err := s.ListHosts(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, hosts)
	got, err := s.InspectHost(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HostStateDestroyed, got.State)
	require.NotNil(t, got.Certified)
	_, err = s.StartHost(ctx, "dev", "")
	assert.ErrorIs(t, err, ErrHostDestroyed)

	// The volume of a destroyed host is free to delete.
	require.NoError(t, s.DeleteVolume(ctx, volumeOf(t, s, info.ID)))

	o := gc.New()
	s.RegisterGC(o)
	collected, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, collected["sandbox"])

	s.conf.Sandbox.DestroyedRetentionHours = 0
	require.NoError(t, s.store.Update(ctx, func(idx *hostIndex) error {
		past := time.Now().Add(-time.Hour)
		idx.Hosts[info.ID].DestroyedAt = &past
		return nil
	}))
	collected, err = o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, collected["sandbox"])
	assert.Equal(t, 0, f.count("snapshots"))
	_, err = s.InspectHost(ctx, info.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func volumeOf(t *testing.T, s *Sandbox, hostID string) string {
	t.Helper()
	rec, err := s.record(context.Background(), hostID)
	require.NoError(t, err)
	return rec.VolumeID
}

func TestVolumeInUseAndDeleteHost(t *testing.T) {
	ctx := context.Background()
	s, f := newSandbox(t, provider.HostOptions{})
	info, err := s.CreateHost(ctx, types.HostConfig{Name: "dev"})
	require.NoError(t, err)
	_, err = s.CreateSnapshot(ctx, "dev", "s1")
	require.NoError(t, err)

	vols, err := s.ListVolumes(ctx)
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, info.ID, vols[0].HostID)
	assert.ErrorContains(t, s.DeleteVolume(ctx, vols[0].ID), "in use")

	require.NoError(t, s.DeleteHost(ctx, "dev"))
	assert.Equal(t, 0, f.count("sandboxes"))
	assert.Equal(t, 0, f.count("snapshots"))
	assert.Equal(t, 1, f.count("volumes"))
	_, err = s.InspectHost(ctx, info.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	require.NoError(t, s.DeleteVolume(ctx, vols[0].ID))
}

func TestTagsAndCapabilities(t *testing.T) {
	ctx := context.Background()
	s, _ := newSandbox(t, provider.HostOptions{})
	assert.Equal(t, provider.Capabilities{Snapshots: true, ShutdownHosts: true, Volumes: true, MutableTags: true}, s.Capabilities())
	_, err := s.CreateHost(ctx, types.HostConfig{Name: "dev", Tags: map[string]string{"a": "1"}})
	require.NoError(t, err)

	require.NoError(t, s.AddTags(ctx, "dev", map[string]string{"b": "2"}))
	require.NoError(t, s.RemoveTags(ctx, "dev", []string{"a"}))
	tags, err := s.Tags(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2"}, tags)

	require.NoError(t, s.SetTags(ctx, "dev", map[string]string{"c": "3"}))
	info, err := s.InspectHost(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c": "3"}, info.Tags)

	assert.ErrorIs(t, s.AddTags(ctx, "nope", nil), errdefs.ErrNotFound)
}
