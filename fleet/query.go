package fleet

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/host"
	"github.com/projecteru2/warren/provider"
	"github.com/projecteru2/warren/scope"
	"github.com/projecteru2/warren/types"
)

// HostAgents is one host with the agents found on it. Offline hosts list
// their certified agent references as stopped.
type HostAgents struct {
	Host   *types.HostInfo   `json:"host"`
	Agents []types.AgentInfo `json:"agents"`
}

// fanout collects results and error records for one bulk operation.
// Under Abort the first failure cancels the scope and is returned by err.
type fanout struct {
	behavior errdefs.ErrorBehavior
	scope    *scope.Scope
	records  errdefs.Collector

	mu    sync.Mutex
	first error
}

func (o *fanout) fail(rec errdefs.ErrorRecord) error {
	if o.behavior == errdefs.Continue {
		log.WithFunc("fleet.fanout").Warnf(o.scope.Context(), "%s: %v", o.scope.Name(), rec)
		o.records.Add(rec)
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.first == nil {
		o.first = rec
		o.scope.Cancel()
	}
	return rec
}

func (o *fanout) err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.first
}

// ListHosts lists every provider's hosts concurrently. Under Continue a
// failing provider becomes an ErrorRecord and the others are still listed;
// under Abort the first failure is returned with no hosts.
func (f *Fleet) ListHosts(ctx context.Context, includeDestroyed bool, behavior errdefs.ErrorBehavior) ([]*types.HostInfo, []errdefs.ErrorRecord, error) {
	sc := scope.New(ctx, "list-hosts", scope.WithGrace(f.conf.ShutdownGrace()))
	defer sc.Close() //nolint:errcheck
	o := &fanout{behavior: behavior, scope: sc}

	var mu sync.Mutex
	var all []*types.HostInfo
	pool := sc.Pool(f.conf.PoolSize)
	for _, p := range f.providers {
		pool.Go(func(ctx context.Context) error {
			hosts, err := p.ListHosts(ctx, includeDestroyed)
			if err != nil {
				return o.fail(errdefs.ErrorRecord{Provider: p.Name(), Err: err})
			}
			mu.Lock()
			all = append(all, hosts...)
			mu.Unlock()
			return nil
		})
	}
	_ = pool.Wait()
	if err := o.err(); err != nil {
		return nil, nil, err
	}
	provider.SortInfos(all)
	return all, o.records.Records(), nil
}

// LoadAgents loads every agent on every host: per provider, then per host,
// with at most MaxHostQueries hosts queried at once. Under Continue an
// unreachable host or an unreadable agent becomes an ErrorRecord and never
// hides the others; under Abort the first one is returned.
func (f *Fleet) LoadAgents(ctx context.Context, behavior errdefs.ErrorBehavior) ([]HostAgents, []errdefs.ErrorRecord, error) {
	sc := scope.New(ctx, "load-agents", scope.WithGrace(f.conf.ShutdownGrace()))
	defer sc.Close() //nolint:errcheck
	o := &fanout{behavior: behavior, scope: sc}

	var mu sync.Mutex
	var result []HostAgents
	add := func(ha HostAgents) {
		mu.Lock()
		result = append(result, ha)
		mu.Unlock()
	}

	hostPool := sc.Pool(f.conf.MaxHostQueries)
	providerPool := sc.Pool(f.conf.PoolSize)
	for _, p := range f.providers {
		providerPool.Go(func(ctx context.Context) error {
			hosts, err := p.ListHosts(ctx, false)
			if err != nil {
				return o.fail(errdefs.ErrorRecord{Provider: p.Name(), Err: err})
			}
			for _, info := range hosts {
				if !info.State.Online() {
					add(HostAgents{Host: info, Agents: certifiedAgents(info)})
					continue
				}
				hostPool.Go(func(ctx context.Context) error {
					agents, failed, err := loadHost(ctx, p, info)
					if err != nil {
						return o.fail(errdefs.ErrorRecord{Provider: p.Name(), HostID: info.ID, Err: err})
					}
					for _, rec := range failed {
						rec.Provider, rec.HostID = p.Name(), info.ID
						if err := o.fail(rec); err != nil {
							return err
						}
					}
					add(HostAgents{Host: info, Agents: agents})
					return nil
				})
			}
			return nil
		})
	}
	_ = providerPool.Wait()
	_ = hostPool.Wait()
	if err := o.err(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	slices.SortFunc(result, func(a, b HostAgents) int {
		if c := a.Host.CreatedAt.Compare(b.Host.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Host.Name, b.Host.Name)
	})
	return result, o.records.Records(), nil
}

func loadHost(ctx context.Context, p provider.Provider, info *types.HostInfo) ([]types.AgentInfo, []errdefs.ErrorRecord, error) {
	h, err := p.GetHost(ctx, info.ID)
	if err != nil {
		return nil, nil, err
	}
	return h.LoadAgents(ctx)
}

func certifiedAgents(info *types.HostInfo) []types.AgentInfo {
	if info.Certified == nil {
		return nil
	}
	out := make([]types.AgentInfo, 0, len(info.Certified.Agents))
	for _, ref := range info.Certified.Agents {
		out = append(out, types.AgentInfo{
			AgentRecord: types.AgentRecord{ID: ref.ID, Name: ref.Name, HostID: info.ID},
			State:       types.AgentStopped,
		})
	}
	return out
}

// FindAgent resolves "agent" or "agent@host". Without a host every online
// host is searched and the agent must match on exactly one. When it matches
// nowhere, hosts that failed to load are reported with the not-found error.
func (f *Fleet) FindAgent(ctx context.Context, ref string) (*host.Host, *types.AgentRecord, error) {
	agentRef, hostRef, pinned := strings.Cut(ref, "@")
	if pinned {
		h, err := f.GetHost(ctx, hostRef)
		if err != nil {
			return nil, nil, err
		}
		rec, err := h.GetAgent(ctx, agentRef)
		if err != nil {
			return nil, nil, err
		}
		return h, rec, nil
	}

	all, records, err := f.LoadAgents(ctx, errdefs.Continue)
	if err != nil {
		return nil, nil, err
	}
	var matches []HostAgents
	for _, ha := range all {
		if !ha.Host.State.Online() {
			continue
		}
		for _, a := range ha.Agents {
			if a.ID == agentRef || a.Name == agentRef {
				matches = append(matches, ha)
				break
			}
		}
	}
	switch len(matches) {
	case 0:
		notFound := errdefs.NotFound("agent", agentRef)
		if len(records) > 0 {
			// The agent may live on a host that could not be searched.
			return nil, nil, fmt.Errorf("%w; %w", notFound, HasErrors(records))
		}
		return nil, nil, notFound
	case 1:
	default:
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.Host.Name)
		}
		return nil, nil, fmt.Errorf("ambiguous agent ref %q: on hosts %s (use agent@host)", agentRef, strings.Join(names, ", "))
	}
	p, err := f.Provider(matches[0].Host.Provider)
	if err != nil {
		return nil, nil, err
	}
	h, err := p.GetHost(ctx, matches[0].Host.ID)
	if err != nil {
		return nil, nil, err
	}
	rec, err := h.GetAgent(ctx, agentRef)
	if err != nil {
		return nil, nil, err
	}
	return h, rec, nil
}

// HasErrors is a convenience for CLI surfaces, which exit non-zero whenever
// any record was collected.
func HasErrors(records []errdefs.ErrorRecord) error {
	if len(records) == 0 {
		return nil
	}
	return fmt.Errorf("%d error(s) during query: %w", len(records), errdefs.Join(records))
}
