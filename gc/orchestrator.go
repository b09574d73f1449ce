package gc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"
)

// Orchestrator runs GC across all registered modules.
type Orchestrator struct {
	modules []runner
}

// New creates an empty Orchestrator.
func New() *Orchestrator { return &Orchestrator{} }

// Register adds a typed Module. Go methods cannot take type parameters,
// hence a function.
func Register[S any](o *Orchestrator, m Module[S]) {
	o.modules = append(o.modules, m)
}

// Names lists registered modules in registration order.
func (o *Orchestrator) Names() []string {
	names := make([]string, 0, len(o.modules))
	for _, m := range o.modules {
		names = append(names, m.getName())
	}
	return names
}

// Run executes one GC cycle:
//
//  1. TryLock every module; any busy module aborts the cycle.
//  2. ReadDB each module to build a snapshot.
//  3. Resolve targets per module, with every snapshot visible.
//  4. Collect targets.
//
// Locks are held for the whole cycle so all phases see one consistent view.
// Run returns the number of collected items per module.
func (o *Orchestrator) Run(ctx context.Context) (map[string]int, error) {
	logger := log.WithFunc("gc.Run")

	var locked []runner
	var skipped []string
	for _, m := range o.modules {
		ok, err := m.getLocker().TryLock(ctx)
		if err != nil {
			logger.Warnf(ctx, "skip %s: TryLock error: %v", m.getName(), err)
			skipped = append(skipped, m.getName())
			continue
		}
		if !ok {
			logger.Warnf(ctx, "skip %s: lock held by another operation", m.getName())
			skipped = append(skipped, m.getName())
			continue
		}
		locked = append(locked, m)
	}
	defer func() {
		for _, m := range locked {
			m.getLocker().Unlock(ctx) //nolint:errcheck,gosec
		}
	}()

	if len(skipped) > 0 {
		return nil, fmt.Errorf("gc aborted: modules skipped (lock busy): %s", strings.Join(skipped, ", "))
	}

	snapshots := make(map[string]any, len(locked))
	for _, m := range locked {
		snap, err := m.readSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("gc aborted: snapshot %s: %w", m.getName(), err)
		}
		snapshots[m.getName()] = snap
	}

	targets := make(map[string][]string)
	for _, m := range locked {
		if ids := m.resolveTargets(snapshots[m.getName()], snapshots); len(ids) > 0 {
			targets[m.getName()] = ids
		}
	}

	collected := make(map[string]int, len(targets))
	var errs []error
	for _, m := range locked {
		ids := targets[m.getName()]
		if len(ids) == 0 {
			continue
		}
		if err := m.collect(ctx, ids); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.getName(), err))
			continue
		}
		collected[m.getName()] = len(ids)
		logger.Infof(ctx, "%s: collected %d", m.getName(), len(ids))
	}
	if len(errs) > 0 {
		return collected, fmt.Errorf("gc errors: %w", errors.Join(errs...))
	}
	return collected, nil
}
