package sandbox

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/provider"
	"github.com/projecteru2/warren/types"
)

// ListVolumes lists the namespace's volumes, attributed to the hosts that
// use them.
func (s *Sandbox) ListVolumes(ctx context.Context) ([]types.Volume, error) {
	vols, err := s.client.ListVolumes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	owners, err := s.volumeOwners(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]types.Volume, 0, len(vols))
	for _, v := range vols {
		out = append(out, types.Volume{ID: v.ID, Name: v.Name, HostID: owners[v.ID], SizeBytes: v.SizeBytes, CreatedAt: v.CreatedAt})
	}
	slices.SortFunc(out, func(a, b types.Volume) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// DeleteVolume deletes a volume no live host is using. Volumes of destroyed
// hosts may be deleted.
func (s *Sandbox) DeleteVolume(ctx context.Context, volumeID string) error {
	owners, err := s.volumeOwners(ctx, false)
	if err != nil {
		return err
	}
	if hostID, ok := owners[volumeID]; ok {
		return fmt.Errorf("volume %s is in use by host %s", volumeID, hostID)
	}
	if err := s.client.DeleteVolume(ctx, volumeID); err != nil {
		return fmt.Errorf("delete volume %s: %w", volumeID, err)
	}
	return nil
}

// HostVolume returns the volume backing a host.
func (s *Sandbox) HostVolume(ctx context.Context, ref string) (*types.Volume, error) {
	rec, err := s.record(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec.VolumeID == "" {
		return nil, errdefs.NotFound("volume", "of host "+rec.Name)
	}
	vols, err := s.client.ListVolumes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	for _, v := range vols {
		if v.ID == rec.VolumeID {
			return &types.Volume{ID: v.ID, Name: v.Name, HostID: rec.ID, SizeBytes: v.SizeBytes, CreatedAt: v.CreatedAt}, nil
		}
	}
	return nil, errdefs.NotFound("volume", rec.VolumeID)
}

// volumeOwners maps volume ID → host ID.
func (s *Sandbox) volumeOwners(ctx context.Context, includeDestroyed bool) (map[string]string, error) {
	owners := map[string]string{}
	return owners, s.store.With(ctx, func(idx *hostIndex) error {
		for id, rec := range idx.Hosts {
			if rec == nil || rec.VolumeID == "" {
				continue
			}
			if rec.State == types.HostStateDestroyed && !includeDestroyed {
				continue
			}
			owners[rec.VolumeID] = id
		}
		return nil
	})
}

func (s *Sandbox) Tags(ctx context.Context, ref string) (map[string]string, error) {
	rec, err := s.record(ctx, ref)
	if err != nil {
		return nil, err
	}
	return provider.MergeTags(nil, rec.Tags), nil
}

func (s *Sandbox) SetTags(ctx context.Context, ref string, tags map[string]string) error {
	return s.updateTags(ctx, ref, func(map[string]string) map[string]string {
		return provider.MergeTags(nil, tags)
	})
}

func (s *Sandbox) AddTags(ctx context.Context, ref string, tags map[string]string) error {
	return s.updateTags(ctx, ref, func(cur map[string]string) map[string]string {
		return provider.MergeTags(cur, tags)
	})
}

func (s *Sandbox) RemoveTags(ctx context.Context, ref string, keys []string) error {
	return s.updateTags(ctx, ref, func(cur map[string]string) map[string]string {
		return provider.DropTags(cur, keys)
	})
}

// updateTags replaces the whole tag map under the index lock.
func (s *Sandbox) updateTags(ctx context.Context, ref string, fn func(map[string]string) map[string]string) error {
	return s.store.Update(ctx, func(idx *hostIndex) error {
		id, err := idx.Resolve(ref)
		if err != nil {
			return err
		}
		rec := idx.Hosts[id]
		rec.Tags = fn(rec.Tags)
		rec.UpdatedAt = time.Now()
		return nil
	})
}
