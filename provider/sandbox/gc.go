package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/warren/gc"
	"github.com/projecteru2/warren/types"
	"github.com/projecteru2/warren/utils"
)

// staleCreatingAge is how long a "creating" placeholder may exist before it
// is considered abandoned by a crashed create.
const staleCreatingAge = 24 * time.Hour

type gcSnapshot struct {
	expired []string
	temps   []string
}

// RegisterGC registers one module per index: records of hosts destroyed
// longer than the retention period, abandoned placeholders, and stale temp
// files next to the index.
func (s *Sandbox) RegisterGC(orch *gc.Orchestrator) {
	gc.Register(orch, gc.Module[gcSnapshot]{
		Name:   s.name,
		Locker: s.locker,
		ReadDB: func(_ context.Context) (gcSnapshot, error) {
			var snap gcSnapshot
			now := time.Now()
			retention := s.conf.DestroyedRetention()
			if err := s.store.Read(func(idx *hostIndex) error {
				for id, rec := range idx.Hosts {
					switch {
					case rec == nil:
					case rec.DestroyedAt != nil && now.Sub(*rec.DestroyedAt) > retention:
						snap.expired = append(snap.expired, id)
					case rec.SandboxID == "" && rec.CreatedAt.Add(staleCreatingAge).Before(now) && rec.State == types.HostStateCreating:
						snap.expired = append(snap.expired, id)
					}
				}
				return nil
			}); err != nil {
				return snap, err
			}
			temps, err := utils.FindStaleTemps(s.conf.SandboxIndexDir(), utils.StaleTempAge)
			snap.temps = temps
			return snap, err
		},
		Resolve: func(snap gcSnapshot, _ map[string]any) []string {
			return append(append([]string(nil), snap.expired...), snap.temps...)
		},
		Collect: func(ctx context.Context, ids []string) error {
			var hostIDs, paths []string
			for _, id := range ids {
				if strings.ContainsRune(id, filepath.Separator) {
					paths = append(paths, id)
				} else {
					hostIDs = append(hostIDs, id)
				}
			}
			errs := utils.RemovePaths(ctx, paths)
			errs = append(errs, s.purge(ctx, hostIDs))
			return errors.Join(errs...)
		},
	})
}

// purge deletes the snapshots of expired hosts and drops their records.
// Called with the index lock held.
func (s *Sandbox) purge(ctx context.Context, hostIDs []string) error {
	if len(hostIDs) == 0 {
		return nil
	}
	logger := log.WithFunc("sandbox.purge")
	var errs []error
	if err := s.store.Write(func(idx *hostIndex) error {
		for _, id := range hostIDs {
			rec := idx.Hosts[id]
			if rec == nil {
				continue
			}
			if err := s.deleteSnapshots(ctx, rec.Snapshots); err != nil {
				errs = append(errs, err)
				continue
			}
			removeRecord(idx, id)
			logger.Infof(ctx, "purged host record %s (%s)", rec.Name, id)
		}
		return nil
	}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
