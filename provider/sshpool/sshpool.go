// Package sshpool is the provider for machines declared in config and
// reached over SSH. Hosts are never provisioned: creating one registers a
// declared machine, destroying it unregisters it.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/warren/config"
	"github.com/projecteru2/warren/connector"
	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/gc"
	"github.com/projecteru2/warren/hooks"
	"github.com/projecteru2/warren/host"
	"github.com/projecteru2/warren/lock"
	"github.com/projecteru2/warren/lock/flock"
	"github.com/projecteru2/warren/provider"
	"github.com/projecteru2/warren/storage"
	storejson "github.com/projecteru2/warren/storage/json"
	"github.com/projecteru2/warren/types"
	"github.com/projecteru2/warren/utils"
)

const typ = "ssh"

var _ provider.Provider = (*Pool)(nil)

// Dialer opens a connector to a declared machine.
type Dialer func(ctx context.Context, name string, m config.SSHHost) (connector.Connector, error)

// hostRecord is a registered machine.
type hostRecord struct {
	types.HostInfo

	// Machine is the config name of the declared machine.
	Machine string `json:"machine"`
	// Fingerprint of the identity validated at registration.
	Fingerprint string `json:"fingerprint,omitempty"`
}

func (r *hostRecord) Info() *types.HostInfo { return &r.HostInfo }

type hostIndex = provider.Index[hostRecord]

// Pool implements provider.Provider over SSH-reachable machines.
type Pool struct {
	conf   *config.Config
	name   string
	opts   provider.HostOptions
	store  storage.Store[hostIndex]
	locker lock.Locker
	dial   Dialer

	mu    sync.Mutex
	conns map[string]connector.Connector // host ID → open connector
}

// Option customises a Pool.
type Option func(*Pool)

// WithDialer replaces the ssh client connector, e.g. in tests.
func WithDialer(d Dialer) Option { return func(p *Pool) { p.dial = d } }

// New creates the SSH-pool provider.
func New(conf *config.Config, opts provider.HostOptions, options ...Option) (*Pool, error) {
	if err := conf.EnsureSSHDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	name := conf.SSH.Name
	if name == "" {
		name = typ
	}
	locker := flock.New(conf.SSHIndexLock())
	p := &Pool{
		conf:   conf,
		name:   name,
		opts:   opts,
		store:  storejson.New[hostIndex](conf.SSHIndexFile(), locker),
		locker: locker,
		conns:  make(map[string]connector.Connector),
	}
	p.dial = p.dialSSH
	for _, o := range options {
		o(p)
	}
	return p, nil
}

// checkFree fails when the machine is already registered, before any hook
// fires or the machine is dialed.
func (p *Pool) checkFree(ctx context.Context, name string) error {
	return p.store.With(ctx, func(idx *hostIndex) error {
		if dup, ok := idx.ClaimedBy(name); ok {
			return errRegistered(name, dup)
		}
		return nil
	})
}

func errRegistered(name, id string) error {
	return fmt.Errorf("machine %q already registered (id: %s)", name, id)
}

func (p *Pool) Name() string                        { return p.name }
func (p *Pool) Type() string                        { return typ }
func (p *Pool) Capabilities() provider.Capabilities { return provider.Capabilities{} }

// CreateHost registers the declared machine named cfg.Name.
func (p *Pool) CreateHost(ctx context.Context, cfg types.HostConfig) (*types.HostInfo, error) {
	logger := log.WithFunc("sshpool.CreateHost")
	m, ok := p.conf.SSHHostByName(cfg.Name)
	if !ok {
		return nil, errdefs.NotFound("ssh machine", cfg.Name)
	}
	if err := p.checkFree(ctx, cfg.Name); err != nil {
		return nil, err
	}
	if err := p.opts.FireHost(ctx, hooks.BeforeHostCreate, p.name, nil, cfg.Name); err != nil {
		return nil, err
	}

	// Validates the identity file before anything is recorded.
	conn, err := p.dial(ctx, cfg.Name, m)
	if err != nil {
		return nil, err
	}
	var fp string
	if s, ok := conn.(*connector.SSH); ok {
		fp = s.Fingerprint()
	}

	now := time.Now()
	rec := &hostRecord{
		HostInfo: types.HostInfo{
			ID:        types.NewHostID(),
			Name:      cfg.Name,
			Provider:  p.name,
			State:     types.HostStateRunning,
			Resources: cfg.Resources,
			Address:   address(m),
			CreatedAt: now,
			UpdatedAt: now,
		},
		Machine:     cfg.Name,
		Fingerprint: fp,
	}
	if err := p.store.Update(ctx, func(idx *hostIndex) error {
		if dup, ok := idx.ClaimedBy(cfg.Name); ok {
			return errRegistered(cfg.Name, dup)
		}
		idx.Hosts[rec.ID] = rec
		idx.Names[cfg.Name] = rec.ID
		return nil
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("register host: %w", err)
	}
	p.mu.Lock()
	p.conns[rec.ID] = conn
	p.mu.Unlock()

	info := rec.HostInfo
	logger.Infof(ctx, "registered %s (%s) as %s", cfg.Name, info.Address, info.ID)
	_ = p.opts.FireHost(ctx, hooks.AfterHostCreate, p.name, &info, cfg.Name)
	return &info, nil
}

func (p *Pool) StopHost(context.Context, string, bool) (*types.HostInfo, error) {
	return nil, provider.Unsupported(p.name, provider.CapShutdownHosts, "stop host")
}

// StartHost reports the registered machine; it is assumed to be running.
func (p *Pool) StartHost(ctx context.Context, ref, _ string) (*types.HostInfo, error) {
	return p.InspectHost(ctx, ref)
}

// DestroyHost unregisters the machine. Nothing on it is touched.
func (p *Pool) DestroyHost(ctx context.Context, ref string) error {
	info, err := p.InspectHost(ctx, ref)
	if err != nil {
		return err
	}
	if err := p.opts.FireHost(ctx, hooks.BeforeHostDestroy, p.name, info, info.Name); err != nil {
		return err
	}
	if err := p.unregister(ctx, info.ID); err != nil {
		return err
	}
	log.WithFunc("sshpool.DestroyHost").Infof(ctx, "unregistered %s (%s)", info.Name, info.ID)
	_ = p.opts.FireHost(ctx, hooks.AfterHostDestroy, p.name, info, info.Name)
	return nil
}

// DeleteHost unregisters without firing hooks.
func (p *Pool) DeleteHost(ctx context.Context, ref string) error {
	info, err := p.InspectHost(ctx, ref)
	if err != nil {
		return err
	}
	return p.unregister(ctx, info.ID)
}

func (p *Pool) GetHost(ctx context.Context, ref string) (*host.Host, error) {
	rec, err := p.record(ctx, ref)
	if err != nil {
		return nil, err
	}
	conn, err := p.connect(ctx, rec)
	if err != nil {
		return nil, err
	}
	m, _ := p.conf.SSHHostByName(rec.Machine)
	return p.opts.NewHost(rec.HostInfo, conn, p.hostDir(m)), nil
}

func (p *Pool) InspectHost(ctx context.Context, ref string) (*types.HostInfo, error) {
	rec, err := p.record(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &rec.HostInfo, nil
}

func (p *Pool) ListHosts(ctx context.Context, includeDestroyed bool) ([]*types.HostInfo, error) {
	var result []*types.HostInfo
	return result, p.store.With(ctx, func(idx *hostIndex) error {
		result = provider.Infos(idx.Hosts, includeDestroyed)
		return nil
	})
}

func (p *Pool) CreateSnapshot(context.Context, string, string) (*types.Snapshot, error) {
	return nil, provider.Unsupported(p.name, provider.CapSnapshots, "create snapshot")
}

func (p *Pool) ListSnapshots(context.Context, string) ([]types.Snapshot, error) {
	return nil, provider.Unsupported(p.name, provider.CapSnapshots, "list snapshots")
}

func (p *Pool) DeleteSnapshot(context.Context, string, string) error {
	return provider.Unsupported(p.name, provider.CapSnapshots, "delete snapshot")
}

func (p *Pool) ListVolumes(context.Context) ([]types.Volume, error) {
	return nil, provider.Unsupported(p.name, provider.CapVolumes, "list volumes")
}

func (p *Pool) DeleteVolume(context.Context, string) error {
	return provider.Unsupported(p.name, provider.CapVolumes, "delete volume")
}

func (p *Pool) HostVolume(context.Context, string) (*types.Volume, error) {
	return nil, provider.Unsupported(p.name, provider.CapVolumes, "host volume")
}

// Tags is always empty: SSH machines carry no tags.
func (p *Pool) Tags(ctx context.Context, ref string) (map[string]string, error) {
	if _, err := p.record(ctx, ref); err != nil {
		return nil, err
	}
	return map[string]string{}, nil
}

func (p *Pool) SetTags(context.Context, string, map[string]string) error {
	return provider.Unsupported(p.name, provider.CapMutableTags, "set tags")
}

func (p *Pool) AddTags(context.Context, string, map[string]string) error {
	return provider.Unsupported(p.name, provider.CapMutableTags, "add tags")
}

func (p *Pool) RemoveTags(context.Context, string, []string) error {
	return provider.Unsupported(p.name, provider.CapMutableTags, "remove tags")
}

func (p *Pool) Connector(ctx context.Context, ref string) (connector.Connector, error) {
	rec, err := p.record(ctx, ref)
	if err != nil {
		return nil, err
	}
	return p.connect(ctx, rec)
}

// RegisterGC registers temp-file cleanup for the host index directory.
func (p *Pool) RegisterGC(orch *gc.Orchestrator) {
	gc.Register(orch, gc.TempFiles(p.name, p.locker, utils.StaleTempAge, p.conf.SSHIndexDir()))
}

// Close closes every open connector.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for id, c := range p.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		delete(p.conns, id)
	}
	return errors.Join(errs...)
}

func (p *Pool) record(ctx context.Context, ref string) (*hostRecord, error) {
	var rec hostRecord
	return &rec, p.store.With(ctx, func(idx *hostIndex) error {
		id, err := idx.Resolve(ref)
		if err != nil {
			return err
		}
		rec = *idx.Hosts[id]
		return nil
	})
}

func (p *Pool) unregister(ctx context.Context, id string) error {
	if err := p.store.Update(ctx, func(idx *hostIndex) error {
		rec := idx.Hosts[id]
		if rec == nil {
			return errdefs.NotFound("host", id)
		}
		delete(idx.Names, rec.Name)
		delete(idx.Hosts, id)
		return nil
	}); err != nil {
		return err
	}
	p.mu.Lock()
	conn := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

func (p *Pool) connect(ctx context.Context, rec *hostRecord) (connector.Connector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.conns[rec.ID]; c != nil {
		return c, nil
	}
	m, ok := p.conf.SSHHostByName(rec.Machine)
	if !ok {
		return nil, &errdefs.SetupError{Op: "ssh " + rec.Name, Err: fmt.Errorf("machine %q no longer declared in config", rec.Machine)}
	}
	c, err := p.dial(ctx, rec.Name, m)
	if err != nil {
		return nil, err
	}
	p.conns[rec.ID] = c
	return c, nil
}

func (p *Pool) dialSSH(ctx context.Context, name string, m config.SSHHost) (connector.Connector, error) {
	target := connector.SSHTarget{
		Address:      m.Address,
		Port:         m.Port,
		User:         m.User,
		IdentityFile: m.IdentityFile,
		Binary:       p.conf.SSH.Binary,
	}
	if p.conf.SSH.Multiplex {
		target.ControlDir = p.conf.SSHControlDir()
	}
	return connector.NewSSH(ctx, name, target)
}

func (p *Pool) hostDir(m config.SSHHost) string {
	if m.HostDir != "" {
		return m.HostDir
	}
	if p.conf.SSH.HostDir != "" {
		return p.conf.SSH.HostDir
	}
	return ".warren"
}

func address(m config.SSHHost) string {
	addr := m.Address
	if m.User != "" {
		addr = m.User + "@" + addr
	}
	if m.Port != 0 {
		addr += ":" + strconv.Itoa(m.Port)
	}
	return addr
}
