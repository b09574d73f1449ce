// Package provider defines the contract every compute backend implements:
// host lifecycle, discovery, snapshots, volumes, tags and the connector a
// Host runs its commands through.
package provider

import (
	"context"
	"errors"

	"github.com/projecteru2/warren/connector"
	"github.com/projecteru2/warren/gc"
	"github.com/projecteru2/warren/hooks"
	"github.com/projecteru2/warren/host"
	"github.com/projecteru2/warren/types"
)

// ErrHostOffline is returned when an operation needs a running host.
var ErrHostOffline = errors.New("host is offline")

// Capability names, as reported in CapabilityError.Capability.
const (
	CapSnapshots     = "snapshots"
	CapShutdownHosts = "shutdown_hosts"
	CapVolumes       = "volumes"
	CapMutableTags   = "mutable_tags"
	CapDestroyHosts  = "destroy_hosts"
)

// Capabilities tells callers which optional operations a provider supports.
// Operations behind a false flag return a *errdefs.CapabilityError.
type Capabilities struct {
	Snapshots     bool `json:"supports_snapshots"`
	ShutdownHosts bool `json:"supports_shutdown_hosts"`
	Volumes       bool `json:"supports_volumes"`
	MutableTags   bool `json:"supports_mutable_tags"`
}

// Provider is one configured backend instance.
type Provider interface {
	// Name is the instance name from config; Type is the backend kind.
	Name() string
	Type() string
	Capabilities() Capabilities

	CreateHost(ctx context.Context, cfg types.HostConfig) (*types.HostInfo, error)
	// StopHost takes the host offline, snapshotting first when snapshot is set.
	StopHost(ctx context.Context, ref string, snapshot bool) (*types.HostInfo, error)
	// StartHost brings an offline host back, restoring snapshotID, or the
	// most recent snapshot when empty.
	StartHost(ctx context.Context, ref, snapshotID string) (*types.HostInfo, error)
	// DestroyHost tears the host down and keeps its record for inspection.
	DestroyHost(ctx context.Context, ref string) error
	// DeleteHost forgets the host record entirely.
	DeleteHost(ctx context.Context, ref string) error

	// GetHost returns a handle to an online host. ref is an ID, a name or
	// a unique ID prefix of at least three characters.
	GetHost(ctx context.Context, ref string) (*host.Host, error)
	// InspectHost works for offline hosts too, from certified data.
	InspectHost(ctx context.Context, ref string) (*types.HostInfo, error)
	ListHosts(ctx context.Context, includeDestroyed bool) ([]*types.HostInfo, error)

	CreateSnapshot(ctx context.Context, ref, name string) (*types.Snapshot, error)
	ListSnapshots(ctx context.Context, ref string) ([]types.Snapshot, error)
	DeleteSnapshot(ctx context.Context, ref, snapshotID string) error

	ListVolumes(ctx context.Context) ([]types.Volume, error)
	DeleteVolume(ctx context.Context, volumeID string) error
	HostVolume(ctx context.Context, ref string) (*types.Volume, error)

	Tags(ctx context.Context, ref string) (map[string]string, error)
	SetTags(ctx context.Context, ref string, tags map[string]string) error
	AddTags(ctx context.Context, ref string, tags map[string]string) error
	RemoveTags(ctx context.Context, ref string, keys []string) error

	Connector(ctx context.Context, ref string) (connector.Connector, error)

	RegisterGC(*gc.Orchestrator)
	Close() error
}

// HostOptions are the per-host settings every provider passes to host.New.
type HostOptions struct {
	Prefix     string
	TmuxSocket string
	Hooks      *hooks.Registry
}

// NewHost builds a host.Host for info with state under dir.
func (o HostOptions) NewHost(info types.HostInfo, conn connector.Connector, dir string) *host.Host {
	return host.New(info, conn, host.Options{
		Dir:        dir,
		Prefix:     o.Prefix,
		TmuxSocket: o.TmuxSocket,
		Hooks:      o.Hooks,
	})
}

// FireHost runs the host hooks registered at p.
func (o HostOptions) FireHost(ctx context.Context, p hooks.Point, providerName string, info *types.HostInfo, name string) error {
	ev := hooks.Event{Point: p, Provider: providerName, Name: name, Host: info}
	if info != nil {
		ev.HostID = info.ID
	}
	return o.Hooks.Fire(ctx, ev)
}
