// Package hooks is an ordered registry of lifecycle handlers invoked at
// named points around host and agent create/destroy.
package hooks

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/warren/types"
)

// Point is a named extension point.
type Point string

const (
	BeforeHostCreate   Point = "before_host_create"
	AfterHostCreate    Point = "after_host_create"
	BeforeHostDestroy  Point = "before_host_destroy"
	AfterHostDestroy   Point = "after_host_destroy"
	BeforeAgentCreate  Point = "before_agent_create"
	AfterAgentCreate   Point = "after_agent_create"
	BeforeAgentDestroy Point = "before_agent_destroy"
	AfterAgentDestroy  Point = "after_agent_destroy"
)

// Points lists every extension point.
var Points = []Point{
	BeforeHostCreate, AfterHostCreate, BeforeHostDestroy, AfterHostDestroy,
	BeforeAgentCreate, AfterAgentCreate, BeforeAgentDestroy, AfterAgentDestroy,
}

// Before reports whether handler errors at p veto the operation.
func (p Point) Before() bool { return strings.HasPrefix(string(p), "before_") }

// Event is the view of the transition a handler receives. Host and Agent
// are copies; mutating them has no effect.
type Event struct {
	Point    Point
	Provider string
	HostID   string
	AgentID  string
	Name     string

	Host  *types.HostInfo
	Agent *types.AgentRecord
}

// Handler reacts to an event. At a before_* point a non-nil error cancels
// the operation.
type Handler func(ctx context.Context, ev Event) error

type entry struct {
	name string
	fn   Handler
}

// Registry holds handlers in registration order. The zero value and a nil
// *Registry are both usable and fire nothing.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Point][]entry
}

// New returns an empty Registry.
func New() *Registry { return &Registry{} }

// Register appends fn at point p under name.
func (r *Registry) Register(p Point, name string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[Point][]entry)
	}
	r.handlers[p] = append(r.handlers[p], entry{name: name, fn: fn})
}

// Names returns the handler names registered at p, in order.
func (r *Registry) Names(p Point) []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers[p]))
	for _, e := range r.handlers[p] {
		names = append(names, e.name)
	}
	return names
}

// Fire runs the handlers at ev.Point in order. A panicking handler is
// recovered and treated as an error. At a before_* point the first error
// stops the chain and is returned; at an after_* point errors are logged
// and every handler still runs.
func (r *Registry) Fire(ctx context.Context, ev Event) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	chain := append([]entry(nil), r.handlers[ev.Point]...)
	r.mu.RUnlock()

	logger := log.WithFunc("hooks.Fire")
	for _, e := range chain {
		err := call(ctx, e, ev)
		if err == nil {
			continue
		}
		if ev.Point.Before() {
			return fmt.Errorf("%s hook %s: %w", ev.Point, e.name, err)
		}
		logger.Warnf(ctx, "%s hook %s: %v", ev.Point, e.name, err)
	}
	return nil
}

func call(ctx context.Context, e entry, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.WithFunc("hooks.call").Warnf(ctx, "hook %s panicked: %v\n%s", e.name, p, debug.Stack())
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	ev.Host, ev.Agent = cloneHost(ev.Host), cloneAgent(ev.Agent)
	return e.fn(ctx, ev)
}

func cloneHost(in *types.HostInfo) *types.HostInfo {
	if in == nil {
		return nil
	}
	h := *in
	h.Tags = maps.Clone(in.Tags)
	if in.Certified != nil {
		c := *in.Certified
		c.Tags = maps.Clone(c.Tags)
		c.Agents = slices.Clone(c.Agents)
		c.Snapshots = slices.Clone(c.Snapshots)
		h.Certified = &c
	}
	return &h
}

func cloneAgent(in *types.AgentRecord) *types.AgentRecord {
	if in == nil {
		return nil
	}
	a := *in
	a.Config.Env = maps.Clone(in.Config.Env)
	a.Config.Permissions = slices.Clone(in.Config.Permissions)
	return &a
}
