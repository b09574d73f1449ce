// Package scope owns the processes and worker pools of one logical
// operation. Cancelling or closing a scope tears down everything it
// started, including child scopes.
package scope

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/warren/process"
)

// Scope tracks processes, pools and child scopes started under one context.
type Scope struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	grace  time.Duration

	mu       sync.Mutex
	procs    []*process.RunningProcess
	pools    []*Pool
	children []*Scope
	closed   bool
}

// Option customizes a Scope.
type Option func(*Scope)

// WithGrace sets the SIGTERM to SIGKILL window used for tracked processes.
func WithGrace(d time.Duration) Option {
	return func(s *Scope) {
		if d > 0 {
			s.grace = d
		}
	}
}

// New derives a scope from parent. Cancelling parent cancels the scope.
func New(parent context.Context, name string, opts ...Option) *Scope {
	ctx, cancel := context.WithCancel(parent)
	s := &Scope{name: name, ctx: ctx, cancel: cancel, grace: process.DefaultShutdownGrace}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scope) Name() string { return s.name }

// Context is cancelled when the scope is cancelled or closed.
func (s *Scope) Context() context.Context { return s.ctx }

// Err reports why the scope ended, or nil while it is live.
func (s *Scope) Err() error { return s.ctx.Err() }

// Spawn starts a supervised process owned by the scope. The process is
// terminated when the scope is cancelled.
func (s *Scope) Spawn(argv []string, opts process.Options) (*process.RunningProcess, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = s.grace
	}
	p, err := process.Spawn(s.ctx, argv, opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	return p, nil
}

// Run spawns argv under the scope and waits for it.
func (s *Scope) Run(argv []string, opts process.Options) (process.Result, error) {
	if err := s.ctx.Err(); err != nil {
		return process.Result{}, err
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = s.grace
	}
	return process.Run(s.ctx, argv, opts)
}

// Child returns a nested scope. Closing the parent closes the child.
func (s *Scope) Child(name string) *Scope {
	c := New(s.ctx, s.name+"/"+name, WithGrace(s.grace))
	s.mu.Lock()
	s.children = append(s.children, c)
	s.mu.Unlock()
	return c
}

// Pool returns a worker pool running at most width tasks at once. width <= 0
// means unbounded.
func (s *Scope) Pool(width int) *Pool {
	g, gctx := errgroup.WithContext(s.ctx)
	if width > 0 {
		g.SetLimit(width)
	}
	p := &Pool{g: g, ctx: gctx, width: width}
	s.mu.Lock()
	s.pools = append(s.pools, p)
	s.mu.Unlock()
	return p
}

// Cancel cancels the scope context. Tracked processes start terminating
// and pool tasks observe ctx.Done. It does not wait.
func (s *Scope) Cancel() { s.cancel() }

// Close cancels the scope, terminates its processes, and waits for pools
// and children to finish. Safe to call more than once.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	procs, pools, children := s.procs, s.pools, s.children
	s.mu.Unlock()

	s.cancel()
	var errs []error
	for _, c := range children {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Terminate(s.grace); err != nil {
				log.WithFunc("scope.Close").Warnf(context.Background(), "%s: terminate pid %d: %v", s.name, p.PID(), err)
			}
		}()
	}
	wg.Wait()
	for _, p := range pools {
		if err := p.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pool is a bounded errgroup tied to its scope. The first task error
// cancels the pool context.
type Pool struct {
	g     *errgroup.Group
	ctx   context.Context
	width int
}

// Width is the maximum number of concurrent tasks.
func (p *Pool) Width() int { return p.width }

// Context is cancelled by the first failing task or by the owning scope.
func (p *Pool) Context() context.Context { return p.ctx }

// Go queues fn, blocking while the pool is full. Tasks that start after
// cancellation return the context error without running.
func (p *Pool) Go(fn func(ctx context.Context) error) {
	p.g.Go(func() error {
		if err := p.ctx.Err(); err != nil {
			return err
		}
		return fn(p.ctx)
	})
}

// Wait blocks until every queued task returns and reports the first error.
func (p *Pool) Wait() error { return p.g.Wait() }
