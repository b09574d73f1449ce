// Package gc removes state nobody references any more: destroyed-host
// records past their retention and temp files left by interrupted writes.
package gc

import (
	"context"

	"github.com/projecteru2/warren/lock"
)

// Module is one participant in a GC cycle. S is the module's snapshot type.
type Module[S any] struct {
	Name string

	// Locker is held for the whole cycle. A busy lock aborts the cycle.
	Locker lock.Locker

	// ReadDB builds the snapshot. Called with Locker held; must not re-acquire it.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve returns the IDs to collect. others holds every module's
	// snapshot keyed by module name.
	Resolve func(snap S, others map[string]any) []string

	// Collect removes ids. Called with Locker held.
	Collect func(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string        { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	if m.Resolve == nil {
		return nil
	}
	s, _ := snap.(S)
	return m.Resolve(s, others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}
