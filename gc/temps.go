package gc

import (
	"context"
	"errors"
	"time"

	"github.com/projecteru2/warren/lock"
	"github.com/projecteru2/warren/utils"
)

type tempSnapshot struct {
	stale []string
}

// TempFiles returns a module that removes temp files older than age left
// under roots by interrupted atomic writes.
func TempFiles(name string, locker lock.Locker, age time.Duration, roots ...string) Module[tempSnapshot] {
	return Module[tempSnapshot]{
		Name:   name,
		Locker: locker,
		ReadDB: func(_ context.Context) (tempSnapshot, error) {
			var snap tempSnapshot
			for _, root := range roots {
				stale, err := utils.FindStaleTemps(root, age)
				if err != nil {
					return snap, err
				}
				snap.stale = append(snap.stale, stale...)
			}
			return snap, nil
		},
		Resolve: func(snap tempSnapshot, _ map[string]any) []string { return snap.stale },
		Collect: func(ctx context.Context, paths []string) error {
			return errors.Join(utils.RemovePaths(ctx, paths)...)
		},
	}
}
