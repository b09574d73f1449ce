// Package local is the provider for the machine warren runs on: exactly one
// host that is always online and can be neither stopped nor destroyed.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/warren/config"
	"github.com/projecteru2/warren/connector"
	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/gc"
	"github.com/projecteru2/warren/host"
	"github.com/projecteru2/warren/lock"
	"github.com/projecteru2/warren/lock/flock"
	"github.com/projecteru2/warren/provider"
	"github.com/projecteru2/warren/storage"
	storejson "github.com/projecteru2/warren/storage/json"
	"github.com/projecteru2/warren/types"
	"github.com/projecteru2/warren/utils"
)

const typ = "local"

// ErrCannotDestroy is returned by DestroyHost and DeleteHost.
var ErrCannotDestroy = errors.New("the local host cannot be destroyed")

var _ provider.Provider = (*Local)(nil)

// Local implements provider.Provider for this machine.
type Local struct {
	conf   *config.Config
	name   string
	opts   provider.HostOptions
	locker lock.Locker
	tags   storage.Store[[]types.Tag]
	conn   *connector.Local

	mu     sync.Mutex
	loaded bool
	info   types.HostInfo
	host   *host.Host
}

// New creates the local provider.
func New(conf *config.Config, opts provider.HostOptions) (*Local, error) {
	if err := conf.EnsureLocalDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	name := conf.Local.Name
	if name == "" {
		name = typ
	}
	locker := flock.New(conf.LocalLock())
	return &Local{
		conf:   conf,
		name:   name,
		opts:   opts,
		locker: locker,
		tags:   storejson.New[[]types.Tag](conf.LocalTagsFile(), locker),
		conn:   connector.NewLocal(name),
	}, nil
}

func (l *Local) Name() string { return l.name }
func (l *Local) Type() string { return typ }

func (l *Local) Capabilities() provider.Capabilities {
	return provider.Capabilities{MutableTags: true}
}

func (l *Local) CreateHost(context.Context, types.HostConfig) (*types.HostInfo, error) {
	return nil, provider.Unsupported(l.name, "create_hosts", "create host")
}

func (l *Local) StopHost(context.Context, string, bool) (*types.HostInfo, error) {
	return nil, provider.Unsupported(l.name, provider.CapShutdownHosts, "stop host")
}

// StartHost is a no-op: the local host is always running.
func (l *Local) StartHost(ctx context.Context, ref, _ string) (*types.HostInfo, error) {
	return l.InspectHost(ctx, ref)
}

func (l *Local) DestroyHost(context.Context, string) error {
	return fmt.Errorf("%w: %w", ErrCannotDestroy, provider.Unsupported(l.name, provider.CapDestroyHosts, "destroy host"))
}

func (l *Local) DeleteHost(context.Context, string) error {
	return fmt.Errorf("%w: %w", ErrCannotDestroy, provider.Unsupported(l.name, provider.CapDestroyHosts, "delete host"))
}

func (l *Local) GetHost(ctx context.Context, ref string) (*host.Host, error) {
	if err := l.resolve(ctx, ref); err != nil {
		return nil, err
	}
	return l.host, nil
}

func (l *Local) InspectHost(ctx context.Context, ref string) (*types.HostInfo, error) {
	if err := l.resolve(ctx, ref); err != nil {
		return nil, err
	}
	tags, err := l.readTags(ctx)
	if err != nil {
		return nil, err
	}
	info := l.info
	info.Tags = tags
	info.UpdatedAt = time.Now()
	return &info, nil
}

func (l *Local) ListHosts(ctx context.Context, _ bool) ([]*types.HostInfo, error) {
	info, err := l.InspectHost(ctx, "")
	if err != nil {
		return nil, err
	}
	return []*types.HostInfo{info}, nil
}

func (l *Local) CreateSnapshot(context.Context, string, string) (*types.Snapshot, error) {
	return nil, provider.Unsupported(l.name, provider.CapSnapshots, "create snapshot")
}

func (l *Local) ListSnapshots(context.Context, string) ([]types.Snapshot, error) {
	return nil, provider.Unsupported(l.name, provider.CapSnapshots, "list snapshots")
}

func (l *Local) DeleteSnapshot(context.Context, string, string) error {
	return provider.Unsupported(l.name, provider.CapSnapshots, "delete snapshot")
}

func (l *Local) ListVolumes(context.Context) ([]types.Volume, error) {
	return nil, provider.Unsupported(l.name, provider.CapVolumes, "list volumes")
}

func (l *Local) DeleteVolume(context.Context, string) error {
	return provider.Unsupported(l.name, provider.CapVolumes, "delete volume")
}

func (l *Local) HostVolume(context.Context, string) (*types.Volume, error) {
	return nil, provider.Unsupported(l.name, provider.CapVolumes, "host volume")
}

func (l *Local) Tags(ctx context.Context, ref string) (map[string]string, error) {
	if err := l.resolve(ctx, ref); err != nil {
		return nil, err
	}
	return l.readTags(ctx)
}

func (l *Local) SetTags(ctx context.Context, ref string, tags map[string]string) error {
	return l.updateTags(ctx, ref, func(map[string]string) map[string]string {
		return provider.MergeTags(nil, tags)
	})
}

func (l *Local) AddTags(ctx context.Context, ref string, tags map[string]string) error {
	return l.updateTags(ctx, ref, func(cur map[string]string) map[string]string {
		return provider.MergeTags(cur, tags)
	})
}

func (l *Local) RemoveTags(ctx context.Context, ref string, keys []string) error {
	return l.updateTags(ctx, ref, func(cur map[string]string) map[string]string {
		return provider.DropTags(cur, keys)
	})
}

func (l *Local) Connector(ctx context.Context, ref string) (connector.Connector, error) {
	if err := l.resolve(ctx, ref); err != nil {
		return nil, err
	}
	return l.conn, nil
}

// RegisterGC registers the cleanup of stale temp files under the local
// host's state directory and the provider's own files.
func (l *Local) RegisterGC(orch *gc.Orchestrator) {
	gc.Register(orch, gc.TempFiles(l.name, l.locker, utils.StaleTempAge,
		l.conf.LocalHostDir(), filepath.Dir(l.conf.LocalTagsFile())))
}

func (l *Local) Close() error { return l.conn.Close() }

// resolve loads the host identity on first use and checks ref against it.
// An empty ref means the one local host. A failed load is retried by the
// next caller.
func (l *Local) resolve(ctx context.Context, ref string) error {
	l.mu.Lock()
	if !l.loaded {
		if err := l.load(ctx); err != nil {
			l.mu.Unlock()
			return err
		}
		l.loaded = true
	}
	l.mu.Unlock()
	if ref == "" || ref == l.info.ID || ref == l.info.Name || ref == l.name {
		return nil
	}
	if len(ref) >= 3 && (strings.HasPrefix(l.info.ID, ref) || strings.HasPrefix(l.info.ID, "host-"+ref)) { //nolint:mnd
		return nil
	}
	return errdefs.NotFound("host", ref)
}

func (l *Local) load(ctx context.Context) error {
	id, created, err := l.hostID(ctx)
	if err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = typ
	}
	cpus, mhz, mem, disk, gpu := readResources(l.conf.LocalHostDir())
	l.info = types.HostInfo{
		ID:       id,
		Name:     hostname,
		Provider: l.name,
		State:    types.HostStateRunning,
		Resources: types.Resources{
			CPUCount: cpus, CPUFrequencyMHz: mhz,
			MemoryBytes: mem, DiskBytes: disk, GPU: gpu,
		},
		Address:   "localhost",
		CreatedAt: created,
		UpdatedAt: time.Now(),
	}
	l.host = l.opts.NewHost(l.info, l.conn, l.conf.LocalHostDir())
	return nil
}

// hostID returns the cached host ID, generating and persisting it on first
// use. The file's mtime is the host's creation time.
func (l *Local) hostID(ctx context.Context) (id string, created time.Time, err error) {
	path := l.conf.LocalHostIDFile()
	err = lock.WithLock(ctx, l.locker, func() error {
		data, readErr := os.ReadFile(path) //nolint:gosec
		if readErr == nil && strings.TrimSpace(string(data)) != "" {
			id = strings.TrimSpace(string(data))
			if st, statErr := os.Stat(path); statErr == nil {
				created = st.ModTime()
			}
			return nil
		}
		if readErr != nil && !os.IsNotExist(readErr) {
			return fmt.Errorf("read host id: %w", readErr)
		}
		id = types.NewHostID()
		created = time.Now()
		log.WithFunc("local.hostID").Infof(ctx, "generated local host id %s", id)
		return utils.AtomicWriteFile(path, []byte(id+"\n"), 0o644) //nolint:mnd
	})
	return id, created, err
}

func (l *Local) readTags(ctx context.Context) (map[string]string, error) {
	var tags map[string]string
	return tags, l.tags.With(ctx, func(list *[]types.Tag) error {
		tags = types.TagMap(*list)
		return nil
	})
}

func (l *Local) updateTags(ctx context.Context, ref string, fn func(map[string]string) map[string]string) error {
	if err := l.resolve(ctx, ref); err != nil {
		return err
	}
	return l.tags.Update(ctx, func(list *[]types.Tag) error {
		*list = types.TagList(fn(types.TagMap(*list)))
		return nil
	})
}
