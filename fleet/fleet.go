// Package fleet is the explicitly constructed context object every caller
// works through: the configured providers, the hook registry, and the
// bulk operations that fan out across them.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/warren/config"
	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/gc"
	"github.com/projecteru2/warren/hooks"
	"github.com/projecteru2/warren/host"
	"github.com/projecteru2/warren/progress"
	"github.com/projecteru2/warren/provider"
	"github.com/projecteru2/warren/provider/local"
	"github.com/projecteru2/warren/provider/sandbox"
	"github.com/projecteru2/warren/provider/sshpool"
	"github.com/projecteru2/warren/types"
)

// Fleet holds one invocation's providers. It is not a singleton: build one
// per command and Close it when done.
type Fleet struct {
	conf      *config.Config
	hooks     *hooks.Registry
	tracker   progress.Tracker
	providers []provider.Provider
}

// Option customises a Fleet.
type Option func(*Fleet)

// WithHooks sets the lifecycle hook registry handed to every provider.
func WithHooks(r *hooks.Registry) Option { return func(f *Fleet) { f.hooks = r } }

// WithTracker receives provider progress events (sandbox create/start).
func WithTracker(t progress.Tracker) Option { return func(f *Fleet) { f.tracker = t } }

// WithProviders uses ps instead of building providers from config.
func WithProviders(ps ...provider.Provider) Option {
	return func(f *Fleet) { f.providers = append(f.providers, ps...) }
}

// New builds the providers enabled in conf: local when enabled, the SSH
// pool when machines are declared, the sandbox backend when an endpoint
// is configured.
func New(conf *config.Config, opts ...Option) (*Fleet, error) {
	f := &Fleet{conf: conf, tracker: progress.Nop}
	for _, o := range opts {
		o(f)
	}
	if f.hooks == nil {
		f.hooks = hooks.New()
	}
	if len(f.providers) > 0 {
		return f, nil
	}

	hostOpts := f.HostOptions()
	if conf.Local.Enabled {
		p, err := local.New(conf, hostOpts)
		if err != nil {
			return nil, fmt.Errorf("init local provider: %w", err)
		}
		f.providers = append(f.providers, p)
	}
	if len(conf.SSH.Hosts) > 0 {
		p, err := sshpool.New(conf, hostOpts)
		if err != nil {
			f.Close() //nolint:errcheck,gosec
			return nil, fmt.Errorf("init ssh provider: %w", err)
		}
		f.providers = append(f.providers, p)
	}
	if conf.Sandbox.Endpoint != "" {
		p, err := sandbox.New(conf, hostOpts, sandbox.WithTracker(f.tracker))
		if err != nil {
			f.Close() //nolint:errcheck,gosec
			return nil, fmt.Errorf("init sandbox provider: %w", err)
		}
		f.providers = append(f.providers, p)
	}
	if len(f.providers) == 0 {
		return nil, &errdefs.SetupError{Op: "fleet", Err: errors.New("no provider enabled")}
	}
	return f, nil
}

// HostOptions are the per-host settings derived from config.
func (f *Fleet) HostOptions() provider.HostOptions {
	return provider.HostOptions{Prefix: f.conf.Prefix, TmuxSocket: f.conf.TmuxSocket, Hooks: f.hooks}
}

func (f *Fleet) Config() *config.Config          { return f.conf }
func (f *Fleet) Hooks() *hooks.Registry          { return f.hooks }
func (f *Fleet) Providers() []provider.Provider { return f.providers }

// Provider returns the provider instance called name.
func (f *Fleet) Provider(name string) (provider.Provider, error) {
	for _, p := range f.providers {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, errdefs.NotFound("provider", name)
}

// CreateHost creates a host on the named provider.
func (f *Fleet) CreateHost(ctx context.Context, providerName string, cfg types.HostConfig) (*types.HostInfo, error) {
	p, err := f.Provider(providerName)
	if err != nil {
		return nil, err
	}
	return p.CreateHost(ctx, cfg)
}

// FindHost resolves ref across providers. "provider:ref" pins the search
// to one provider; a bare ref must match in exactly one.
func (f *Fleet) FindHost(ctx context.Context, ref string) (provider.Provider, *types.HostInfo, error) {
	if pname, href, ok := strings.Cut(ref, ":"); ok {
		p, err := f.Provider(pname)
		if err != nil {
			return nil, nil, err
		}
		info, err := p.InspectHost(ctx, href)
		if err != nil {
			return nil, nil, err
		}
		return p, info, nil
	}

	var (
		found     provider.Provider
		foundInfo *types.HostInfo
		errs      []error
	)
	for _, p := range f.providers {
		info, err := p.InspectHost(ctx, ref)
		switch {
		case errors.Is(err, errdefs.ErrNotFound):
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		if found != nil {
			return nil, nil, fmt.Errorf("ambiguous host ref %q: matches in %s and %s", ref, found.Name(), p.Name())
		}
		found, foundInfo = p, info
	}
	if found != nil {
		return found, foundInfo, nil
	}
	if len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}
	return nil, nil, errdefs.NotFound("host", ref)
}

// GetHost returns a handle to an online host.
func (f *Fleet) GetHost(ctx context.Context, ref string) (*host.Host, error) {
	p, info, err := f.FindHost(ctx, ref)
	if err != nil {
		return nil, err
	}
	return p.GetHost(ctx, info.ID)
}

// StartHost brings a host online and starts its boot agents. The host is
// returned even when some boot agents fail; those failures are the error.
func (f *Fleet) StartHost(ctx context.Context, ref, snapshotID string) (*types.HostInfo, []string, error) {
	p, info, err := f.FindHost(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	if info, err = p.StartHost(ctx, info.ID, snapshotID); err != nil {
		return nil, nil, err
	}
	h, err := p.GetHost(ctx, info.ID)
	if err != nil {
		return info, nil, err
	}
	started, err := h.StartBootAgents(ctx)
	return info, started, err
}

// StopHosts stops each ref; see provider.ForEach for bestEffort.
func (f *Fleet) StopHosts(ctx context.Context, refs []string, snapshot, bestEffort bool) ([]string, error) {
	return provider.ForEach(ctx, refs, "stop", bestEffort, func(ctx context.Context, ref string) error {
		p, info, err := f.FindHost(ctx, ref)
		if err != nil {
			return err
		}
		_, err = p.StopHost(ctx, info.ID, snapshot)
		return err
	})
}

// DestroyHosts destroys each ref, or deletes its record when purge is set.
func (f *Fleet) DestroyHosts(ctx context.Context, refs []string, purge, bestEffort bool) ([]string, error) {
	op := "destroy"
	if purge {
		op = "delete"
	}
	return provider.ForEach(ctx, refs, op, bestEffort, func(ctx context.Context, ref string) error {
		p, info, err := f.FindHost(ctx, ref)
		if err != nil {
			return err
		}
		if purge {
			return p.DeleteHost(ctx, info.ID)
		}
		return p.DestroyHost(ctx, info.ID)
	})
}

// RunGC registers every provider's GC modules and runs one cycle.
func (f *Fleet) RunGC(ctx context.Context) (map[string]int, error) {
	o := gc.New()
	for _, p := range f.providers {
		p.RegisterGC(o)
	}
	return o.Run(ctx)
}

// Close closes every provider.
func (f *Fleet) Close() error {
	var errs []error
	for _, p := range f.providers {
		if err := p.Close(); err != nil {
			log.WithFunc("fleet.Close").Warnf(context.Background(), "close %s: %v", p.Name(), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
