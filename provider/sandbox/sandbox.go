// Package sandbox is the provider for ephemeral cloud sandboxes reached
// through a REST API. Each host owns a namespace-scoped volume that outlives
// its sandboxes; stopping a host deletes the sandbox and keeps the record,
// starting it again restores from a snapshot.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/warren/config"
	"github.com/projecteru2/warren/connector"
	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/hooks"
	"github.com/projecteru2/warren/host"
	"github.com/projecteru2/warren/lock"
	"github.com/projecteru2/warren/lock/flock"
	"github.com/projecteru2/warren/progress"
	sandboxProgress "github.com/projecteru2/warren/progress/sandbox"
	"github.com/projecteru2/warren/provider"
	"github.com/projecteru2/warren/provider/sandbox/api"
	"github.com/projecteru2/warren/storage"
	storejson "github.com/projecteru2/warren/storage/json"
	"github.com/projecteru2/warren/types"
)

const typ = "sandbox"

// ErrHostDestroyed is returned when starting or snapshotting a destroyed host.
var ErrHostDestroyed = errors.New("host is destroyed")

var _ provider.Provider = (*Sandbox)(nil)

// hostRecord is the persisted record for a single sandbox host.
type hostRecord struct {
	types.HostInfo

	// SandboxID is the live sandbox; empty while the host is offline.
	SandboxID string `json:"sandbox_id,omitempty"`
	// VolumeID is the host's backing volume; kept across stop/start.
	VolumeID string `json:"volume_id,omitempty"`
	// Snapshots taken of this host, in creation order.
	Snapshots []types.Snapshot `json:"snapshots,omitempty"`
}

func (r *hostRecord) Info() *types.HostInfo { return &r.HostInfo }

// view is what callers get: HostInfo with the backend address filled in.
func (r *hostRecord) view() *types.HostInfo {
	info := r.HostInfo
	info.Address = r.SandboxID
	return &info
}

type hostIndex = provider.Index[hostRecord]

// Sandbox implements provider.Provider over the sandbox REST API.
type Sandbox struct {
	conf    *config.Config
	name    string
	opts    provider.HostOptions
	client  *api.Client
	store   storage.Store[hostIndex]
	locker  lock.Locker
	tracker progress.Tracker

	mu    sync.Mutex
	conns map[string]*connector.Remote // sandbox ID → connector
}

// Option customises a Sandbox.
type Option func(*Sandbox)

// WithTracker receives sandboxProgress.Event values during create and start.
func WithTracker(t progress.Tracker) Option { return func(s *Sandbox) { s.tracker = t } }

// WithAPIOptions passes options to the API client.
func WithAPIOptions(opts ...api.Option) Option {
	return func(s *Sandbox) {
		s.client = api.NewClient(s.conf.Sandbox.Endpoint, s.apiKey(), s.conf.Sandbox.Namespace, opts...)
	}
}

// New creates the sandbox provider. A missing endpoint or API key is a
// setup error.
func New(conf *config.Config, opts provider.HostOptions, options ...Option) (*Sandbox, error) {
	if conf.Sandbox.Endpoint == "" {
		return nil, &errdefs.SetupError{Op: "sandbox provider", Err: errors.New("sandbox.endpoint not configured")}
	}
	if conf.Sandbox.APIKeyEnv != "" && os.Getenv(conf.Sandbox.APIKeyEnv) == "" {
		return nil, &errdefs.SetupError{Op: "sandbox provider", Err: fmt.Errorf("%s is not set", conf.Sandbox.APIKeyEnv)}
	}
	if err := conf.EnsureSandboxDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	name := conf.Sandbox.Name
	if name == "" {
		name = typ
	}
	locker := flock.New(conf.SandboxIndexLock())
	s := &Sandbox{
		conf:    conf,
		name:    name,
		opts:    opts,
		store:   storejson.New[hostIndex](conf.SandboxIndexFile(), locker),
		locker:  locker,
		tracker: progress.Nop,
		conns:   make(map[string]*connector.Remote),
	}
	s.client = api.NewClient(conf.Sandbox.Endpoint, s.apiKey(), conf.Sandbox.Namespace)
	for _, o := range options {
		o(s)
	}
	return s, nil
}

func (s *Sandbox) Name() string { return s.name }
func (s *Sandbox) Type() string { return typ }

func (s *Sandbox) Capabilities() provider.Capabilities {
	return provider.Capabilities{Snapshots: true, ShutdownHosts: true, Volumes: true, MutableTags: true}
}

// CreateHost provisions a sandbox and its volume.
//
// A placeholder record in "creating" state is written first so the name is
// reserved; every later failure removes it again.
func (s *Sandbox) CreateHost(ctx context.Context, cfg types.HostConfig) (*types.HostInfo, error) {
	logger := log.WithFunc("sandbox.CreateHost")
	if err := provider.ValidateHostName(cfg.Name); err != nil {
		return nil, err
	}
	image, err := normalizeImage(firstNonEmpty(cfg.Image, s.conf.Sandbox.Image))
	if err != nil {
		return nil, err
	}
	cpu, mem, err := s.resources(cfg.Resources)
	if err != nil {
		return nil, err
	}

	if err := s.store.With(ctx, func(idx *hostIndex) error {
		if dup, ok := idx.ClaimedBy(cfg.Name); ok {
			return errNameTaken(cfg.Name, dup)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	id := types.NewHostID()
	s.tracker.OnEvent(sandboxProgress.Event{Phase: sandboxProgress.PhaseImage, HostID: id, Detail: image})
	if err := s.opts.FireHost(ctx, hooks.BeforeHostCreate, s.name, nil, cfg.Name); err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.store.Update(ctx, func(idx *hostIndex) error {
		if dup, ok := idx.ClaimedBy(cfg.Name); ok {
			return errNameTaken(cfg.Name, dup)
		}
		idx.Hosts[id] = &hostRecord{HostInfo: types.HostInfo{
			ID: id, Name: cfg.Name, Provider: s.name, State: types.HostStateCreating,
			Tags: cfg.Tags, Image: image, CreatedAt: now, UpdatedAt: now,
		}}
		idx.Names[cfg.Name] = id
		return nil
	}); err != nil {
		return nil, fmt.Errorf("reserve host record: %w", err)
	}

	vol, err := s.ensureVolume(ctx, cfg.Name)
	if err != nil {
		s.rollbackCreate(ctx, id, cfg.Name)
		return nil, err
	}
	s.tracker.OnEvent(sandboxProgress.Event{Phase: sandboxProgress.PhaseVolume, HostID: id, Detail: vol.ID})

	req := api.CreateSandboxRequest{
		Name: s.opts.Prefix + cfg.Name, Image: image, VolumeID: vol.ID,
		CPU: cpu, MemoryBytes: mem, Labels: s.labels(id),
	}
	if cfg.SnapshotID != "" {
		req.SnapshotID = cfg.SnapshotID
		s.tracker.OnEvent(sandboxProgress.Event{Phase: sandboxProgress.PhaseRestore, HostID: id, Detail: cfg.SnapshotID})
	}
	sb, err := s.client.CreateSandbox(ctx, req)
	if err != nil {
		s.rollbackCreate(ctx, id, cfg.Name)
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	s.tracker.OnEvent(sandboxProgress.Event{Phase: sandboxProgress.PhaseSandbox, HostID: id, Detail: sb.ID})

	if err := s.bootstrap(ctx, id, sb.ID); err != nil {
		_ = s.client.DeleteSandbox(ctx, sb.ID)
		s.rollbackCreate(ctx, id, cfg.Name)
		return nil, err
	}

	var info *types.HostInfo
	if err := s.store.Update(ctx, func(idx *hostIndex) error {
		rec := idx.Hosts[id]
		if rec == nil {
			return errdefs.NotFound("host", id)
		}
		rec.State = types.HostStateRunning
		rec.SandboxID = sb.ID
		rec.VolumeID = vol.ID
		rec.Resources = types.Resources{CPUCount: cpu, MemoryBytes: mem, DiskBytes: vol.SizeBytes}
		rec.UpdatedAt = time.Now()
		info = rec.view()
		return nil
	}); err != nil {
		_ = s.client.DeleteSandbox(ctx, sb.ID)
		s.rollbackCreate(ctx, id, cfg.Name)
		return nil, fmt.Errorf("finalize host record: %w", err)
	}
	s.tracker.OnEvent(sandboxProgress.Event{Phase: sandboxProgress.PhaseDone, HostID: id, Detail: sb.ID})
	logger.Infof(ctx, "host %s (%s) online in sandbox %s", cfg.Name, id, sb.ID)
	_ = s.opts.FireHost(ctx, hooks.AfterHostCreate, s.name, info, cfg.Name)
	return info, nil
}

// StopHost deletes the sandbox and keeps certified data. With snapshot set
// a snapshot is taken first so StartHost can restore it.
func (s *Sandbox) StopHost(ctx context.Context, ref string, snapshot bool) (*types.HostInfo, error) {
	rec, err := s.record(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case types.HostStateDestroyed:
		return nil, fmt.Errorf("stop %s: %w", rec.Name, ErrHostDestroyed)
	case types.HostStateRunning:
	default:
		return rec.view(), nil
	}
	if snapshot {
		if _, err := s.CreateSnapshot(ctx, rec.ID, "stop-"+time.Now().UTC().Format("20060102-150405")); err != nil {
			return nil, fmt.Errorf("snapshot before stop: %w", err)
		}
		if rec, err = s.record(ctx, rec.ID); err != nil {
			return nil, err
		}
	}
	return s.takeOffline(ctx, rec, types.HostStateStopped)
}

// StartHost creates a fresh sandbox for an offline host, restoring snapshotID
// (ID or name) or, when empty, the most recent snapshot.
func (s *Sandbox) StartHost(ctx context.Context, ref, snapshotID string) (*types.HostInfo, error) {
	logger := log.WithFunc("sandbox.StartHost")
	rec, err := s.record(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case types.HostStateRunning:
		return rec.view(), nil
	case types.HostStateDestroyed:
		return nil, fmt.Errorf("start %s: %w", rec.Name, ErrHostDestroyed)
	}

	snap, err := pickSnapshot(rec, snapshotID)
	if err != nil {
		return nil, err
	}
	req := api.CreateSandboxRequest{
		Name: s.opts.Prefix + rec.Name, Image: rec.Image, VolumeID: rec.VolumeID,
		CPU: rec.Resources.CPUCount, MemoryBytes: rec.Resources.MemoryBytes, Labels: s.labels(rec.ID),
	}
	if snap != nil {
		req.SnapshotID = snap.ID
		s.tracker.OnEvent(sandboxProgress.Event{Phase: sandboxProgress.PhaseRestore, HostID: rec.ID, Detail: snap.ID})
	}
	sb, err := s.client.CreateSandbox(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	s.tracker.OnEvent(sandboxProgress.Event{Phase: sandboxProgress.PhaseSandbox, HostID: rec.ID, Detail: sb.ID})
	if err := s.bootstrap(ctx, rec.ID, sb.ID); err != nil {
		_ = s.client.DeleteSandbox(ctx, sb.ID)
		return nil, err
	}

	var info *types.HostInfo
	if err := s.store.Update(ctx, func(idx *hostIndex) error {
		r := idx.Hosts[rec.ID]
		if r == nil {
			return errdefs.NotFound("host", rec.ID)
		}
		r.State = types.HostStateRunning
		r.SandboxID = sb.ID
		r.StoppedAt = nil
		r.Certified = nil
		r.UpdatedAt = time.Now()
		info = r.view()
		return nil
	}); err != nil {
		_ = s.client.DeleteSandbox(ctx, sb.ID)
		return nil, fmt.Errorf("update host record: %w", err)
	}
	s.tracker.OnEvent(sandboxProgress.Event{Phase: sandboxProgress.PhaseDone, HostID: rec.ID, Detail: sb.ID})
	logger.Infof(ctx, "host %s started in sandbox %s", rec.Name, sb.ID)
	return info, nil
}

// DestroyHost deletes the sandbox and marks the record destroyed. The record
// and its snapshots are removed by GC once the retention period has passed.
func (s *Sandbox) DestroyHost(ctx context.Context, ref string) error {
	rec, err := s.record(ctx, ref)
	if err != nil {
		return err
	}
	if rec.State == types.HostStateDestroyed {
		return nil
	}
	info := rec.view()
	if err := s.opts.FireHost(ctx, hooks.BeforeHostDestroy, s.name, info, rec.Name); err != nil {
		return err
	}
	if info, err = s.takeOffline(ctx, rec, types.HostStateDestroyed); err != nil {
		return err
	}
	_ = s.opts.FireHost(ctx, hooks.AfterHostDestroy, s.name, info, rec.Name)
	return nil
}

// DeleteHost removes the host record now, deleting any live sandbox and all
// of the host's snapshots. The volume is kept.
func (s *Sandbox) DeleteHost(ctx context.Context, ref string) error {
	rec, err := s.record(ctx, ref)
	if err != nil {
		return err
	}
	if rec.SandboxID != "" {
		if err := s.client.DeleteSandbox(ctx, rec.SandboxID); err != nil {
			return fmt.Errorf("delete sandbox %s: %w", rec.SandboxID, err)
		}
		s.dropConn(rec.SandboxID)
	}
	if err := s.deleteSnapshots(ctx, rec.Snapshots); err != nil {
		return err
	}
	return s.store.Update(ctx, func(idx *hostIndex) error {
		removeRecord(idx, rec.ID)
		return nil
	})
}

// GetHost returns a handle to an online host; offline hosts give
// provider.ErrHostOffline.
func (s *Sandbox) GetHost(ctx context.Context, ref string) (*host.Host, error) {
	rec, err := s.record(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec.State != types.HostStateRunning {
		return nil, provider.Offline(&rec.HostInfo)
	}
	return s.opts.NewHost(*rec.view(), s.conn(rec.SandboxID), s.conf.Sandbox.HostDir), nil
}

func (s *Sandbox) InspectHost(ctx context.Context, ref string) (*types.HostInfo, error) {
	rec, err := s.record(ctx, ref)
	if err != nil {
		return nil, err
	}
	return rec.view(), nil
}

func (s *Sandbox) ListHosts(ctx context.Context, includeDestroyed bool) ([]*types.HostInfo, error) {
	var result []*types.HostInfo
	return result, s.store.With(ctx, func(idx *hostIndex) error {
		for _, rec := range idx.Hosts {
			if rec == nil || (rec.State == types.HostStateDestroyed && !includeDestroyed) {
				continue
			}
			result = append(result, rec.view())
		}
		provider.SortInfos(result)
		return nil
	})
}

func (s *Sandbox) Connector(ctx context.Context, ref string) (connector.Connector, error) {
	rec, err := s.record(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec.State != types.HostStateRunning {
		return nil, provider.Offline(&rec.HostInfo)
	}
	return s.conn(rec.SandboxID), nil
}

// Close drops cached connectors; sandboxes keep running.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.conns)
	return nil
}

// takeOffline certifies the host, deletes its sandbox and records state.
func (s *Sandbox) takeOffline(ctx context.Context, rec *hostRecord, state types.HostState) (*types.HostInfo, error) {
	logger := log.WithFunc("sandbox.takeOffline")
	var h *host.Host
	if rec.State == types.HostStateRunning && rec.SandboxID != "" {
		h = s.opts.NewHost(*rec.view(), s.conn(rec.SandboxID), s.conf.Sandbox.HostDir)
	}
	cd := rec.Certified
	if h != nil || cd == nil {
		cd = provider.Certify(ctx, h, rec.Tags, rec.Snapshots)
	}
	if rec.SandboxID != "" {
		if err := s.client.DeleteSandbox(ctx, rec.SandboxID); err != nil {
			return nil, fmt.Errorf("delete sandbox %s: %w", rec.SandboxID, err)
		}
		s.dropConn(rec.SandboxID)
	}

	var info *types.HostInfo
	err := s.store.Update(ctx, func(idx *hostIndex) error {
		r := idx.Hosts[rec.ID]
		if r == nil {
			return errdefs.NotFound("host", rec.ID)
		}
		now := time.Now()
		r.State = state
		r.SandboxID = ""
		r.Certified = cd
		r.UpdatedAt = now
		if state == types.HostStateDestroyed {
			r.DestroyedAt = &now
		} else {
			r.StoppedAt = &now
		}
		info = r.view()
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Infof(ctx, "host %s is now %s (%d agents certified)", rec.Name, state, len(cd.Agents))
	return info, nil
}

// bootstrap prepares the host state directory inside a new sandbox.
func (s *Sandbox) bootstrap(ctx context.Context, hostID, sandboxID string) error {
	if err := s.conn(sandboxID).MkdirAll(ctx, s.conf.Sandbox.HostDir); err != nil {
		return fmt.Errorf("bootstrap sandbox %s: %w", sandboxID, err)
	}
	s.tracker.OnEvent(sandboxProgress.Event{Phase: sandboxProgress.PhaseBootstrap, HostID: hostID, Detail: s.conf.Sandbox.HostDir})
	return nil
}

// ensureVolume returns the host's volume, creating it on first use. A volume
// left behind by a deleted host of the same name is adopted.
func (s *Sandbox) ensureVolume(ctx context.Context, hostName string) (*api.Volume, error) {
	volName := s.opts.Prefix + hostName
	vols, err := s.client.ListVolumes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	for i := range vols {
		if vols[i].Name == volName {
			return &vols[i], nil
		}
	}
	size, err := s.conf.SandboxVolumeBytes()
	if err != nil {
		return nil, err
	}
	vol, err := s.client.CreateVolume(ctx, api.CreateVolumeRequest{Name: volName, SizeBytes: size})
	if err != nil {
		return nil, fmt.Errorf("create volume: %w", err)
	}
	return vol, nil
}

func (s *Sandbox) rollbackCreate(ctx context.Context, id, hostName string) {
	if err := s.store.Update(ctx, func(idx *hostIndex) error {
		removeRecord(idx, id)
		return nil
	}); err != nil {
		log.WithFunc("sandbox.rollbackCreate").Warnf(ctx, "remove placeholder %s (%s): %v", hostName, id, err)
	}
}

func (s *Sandbox) record(ctx context.Context, ref string) (*hostRecord, error) {
	var rec hostRecord
	return &rec, s.store.With(ctx, func(idx *hostIndex) error {
		id, err := idx.Resolve(ref)
		if err != nil {
			return err
		}
		rec = *idx.Hosts[id]
		return nil
	})
}

func (s *Sandbox) conn(sandboxID string) *connector.Remote {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.conns[sandboxID]; c != nil {
		return c
	}
	c := connector.NewRemote(sandboxID, &executor{client: s.client, sandboxID: sandboxID}, nil)
	s.conns[sandboxID] = c
	return c
}

func (s *Sandbox) dropConn(sandboxID string) {
	s.mu.Lock()
	delete(s.conns, sandboxID)
	s.mu.Unlock()
}

func (s *Sandbox) resources(req types.Resources) (cpu int, mem int64, err error) {
	cpu = s.conf.Sandbox.CPU
	if req.CPUCount > 0 {
		cpu = req.CPUCount
	}
	if req.MemoryBytes > 0 {
		return cpu, req.MemoryBytes, nil
	}
	mem, err = s.conf.SandboxMemoryBytes()
	return cpu, mem, err
}

func (s *Sandbox) labels(hostID string) map[string]string {
	return map[string]string{"warren.host-id": hostID, "warren.provider": s.name}
}

func (s *Sandbox) apiKey() string {
	if s.conf.Sandbox.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(s.conf.Sandbox.APIKeyEnv)
}

func removeRecord(idx *hostIndex, id string) {
	rec := idx.Hosts[id]
	if rec == nil {
		return
	}
	if idx.Names[rec.Name] == id {
		delete(idx.Names, rec.Name)
	}
	delete(idx.Hosts, id)
}

// normalizeImage returns the fully qualified form of an image reference.
func errNameTaken(name, id string) error {
	return fmt.Errorf("host name %q already exists (id: %s)", name, id)
}

func normalizeImage(image string) (string, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return "", fmt.Errorf("invalid image %q: %w", image, err)
	}
	return ref.Name(), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
