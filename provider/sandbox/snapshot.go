package sandbox

import (
	"context"
	"fmt"
	"slices"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/provider"
	"github.com/projecteru2/warren/provider/sandbox/api"
	"github.com/projecteru2/warren/types"
)

// CreateSnapshot snapshots a running host. Snapshots outlive the sandbox and
// are what StartHost restores from.
func (s *Sandbox) CreateSnapshot(ctx context.Context, ref, snapName string) (*types.Snapshot, error) {
	rec, err := s.record(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec.State == types.HostStateDestroyed {
		return nil, fmt.Errorf("snapshot %s: %w", rec.Name, ErrHostDestroyed)
	}
	if rec.State != types.HostStateRunning || rec.SandboxID == "" {
		return nil, provider.Offline(&rec.HostInfo)
	}
	if snapName == "" {
		snapName = fmt.Sprintf("%s-%d", rec.Name, len(rec.Snapshots)+1)
	}
	if slices.ContainsFunc(rec.Snapshots, func(sn types.Snapshot) bool { return sn.Name == snapName }) {
		return nil, fmt.Errorf("snapshot %q already exists on %s", snapName, rec.Name)
	}

	created, err := s.client.CreateSnapshot(ctx, rec.SandboxID, api.CreateSnapshotRequest{Name: snapName})
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	snap := types.Snapshot{ID: created.ID, Name: snapName, HostID: rec.ID, CreatedAt: created.CreatedAt}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = rec.UpdatedAt
	}
	if err := s.store.Update(ctx, func(idx *hostIndex) error {
		r := idx.Hosts[rec.ID]
		if r == nil {
			return errdefs.NotFound("host", rec.ID)
		}
		r.Snapshots = append(r.Snapshots, snap)
		return nil
	}); err != nil {
		_ = s.client.DeleteSnapshot(ctx, created.ID)
		return nil, fmt.Errorf("record snapshot: %w", err)
	}
	log.WithFunc("sandbox.CreateSnapshot").Infof(ctx, "snapshot %s (%s) of %s", snapName, snap.ID, rec.Name)
	return &snap, nil
}

// ListSnapshots returns the host's snapshots newest first. Works offline.
func (s *Sandbox) ListSnapshots(ctx context.Context, ref string) ([]types.Snapshot, error) {
	rec, err := s.record(ctx, ref)
	if err != nil {
		return nil, err
	}
	return types.OrderSnapshots(rec.Snapshots), nil
}

// DeleteSnapshot deletes one snapshot, matched by ID or name.
func (s *Sandbox) DeleteSnapshot(ctx context.Context, ref, snapshotID string) error {
	rec, err := s.record(ctx, ref)
	if err != nil {
		return err
	}
	snap, err := pickSnapshot(rec, snapshotID)
	if err != nil {
		return err
	}
	if snap == nil {
		return errdefs.NotFound("snapshot", snapshotID)
	}
	if err := s.client.DeleteSnapshot(ctx, snap.ID); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", snap.ID, err)
	}
	return s.store.Update(ctx, func(idx *hostIndex) error {
		if r := idx.Hosts[rec.ID]; r != nil {
			r.Snapshots = slices.DeleteFunc(r.Snapshots, func(sn types.Snapshot) bool { return sn.ID == snap.ID })
		}
		return nil
	})
}

// pickSnapshot finds ref (ID or name) among the host's snapshots. An empty
// ref means the most recent one, or nil when there are none.
func pickSnapshot(rec *hostRecord, ref string) (*types.Snapshot, error) {
	ordered := types.OrderSnapshots(rec.Snapshots)
	if ref == "" {
		if len(ordered) == 0 {
			return nil, nil
		}
		return &ordered[0], nil
	}
	for i := range ordered {
		if ordered[i].ID == ref || ordered[i].Name == ref {
			return &ordered[i], nil
		}
	}
	return nil, errdefs.NotFound("snapshot", ref)
}

func (s *Sandbox) deleteSnapshots(ctx context.Context, snaps []types.Snapshot) error {
	for _, snap := range snaps {
		if err := s.client.DeleteSnapshot(ctx, snap.ID); err != nil {
			return fmt.Errorf("delete snapshot %s: %w", snap.ID, err)
		}
	}
	return nil
}
