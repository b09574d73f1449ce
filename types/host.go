package types

import (
	"slices"
	"time"
)

// HostState is the lifecycle state of a host as seen by its provider.
type HostState string

const (
	HostStateRunning   HostState = "running"   // online and reachable
	HostStateStopped   HostState = "stopped"   // shut down, may be restarted
	HostStatePaused    HostState = "paused"    // suspended by the backend
	HostStateCrashed   HostState = "crashed"   // went away without a stop
	HostStateDestroyed HostState = "destroyed" // gone, record kept for inspection
	HostStateFailed    HostState = "failed"    // create or start failed
	HostStateCreating  HostState = "creating"  // placeholder while provisioning
)

// Online reports whether commands can run on the host.
func (s HostState) Online() bool { return s == HostStateRunning }

// Resources describes a host's compute capacity.
type Resources struct {
	CPUCount        int     `json:"cpu_count"`
	CPUFrequencyMHz float64 `json:"cpu_frequency_mhz,omitempty"`
	MemoryBytes     int64   `json:"memory_bytes"`
	DiskBytes       int64   `json:"disk_bytes"`
	GPU             string  `json:"gpu,omitempty"`
}

// Tag is one entry of an ordered tag file.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TagList converts a tag map to a list ordered by key.
func TagList(m map[string]string) []Tag {
	tags := make([]Tag, 0, len(m))
	for k, v := range m {
		tags = append(tags, Tag{Key: k, Value: v})
	}
	slices.SortFunc(tags, func(a, b Tag) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return tags
}

// TagMap converts a tag list to a map; later duplicates win.
func TagMap(tags []Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.Key] = t.Value
	}
	return m
}

// AgentRef names an agent without its config.
type AgentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Snapshot is a point-in-time restore point of one host.
type Snapshot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	HostID    string    `json:"host_id"`
	CreatedAt time.Time `json:"created_at"`
	// RecencyIdx is 0 for the most recent snapshot of the host.
	RecencyIdx int `json:"recency_idx"`
}

// OrderSnapshots sorts newest first and assigns RecencyIdx.
func OrderSnapshots(snaps []Snapshot) []Snapshot {
	out := slices.Clone(snaps)
	slices.SortStableFunc(out, func(a, b Snapshot) int { return b.CreatedAt.Compare(a.CreatedAt) })
	for i := range out {
		out[i].RecencyIdx = i
	}
	return out
}

// Volume is persistent storage that outlives hosts.
type Volume struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	HostID    string    `json:"host_id,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CertifiedData is what was known about a host at last contact, kept so an
// offline host can still be inspected.
type CertifiedData struct {
	Tags       map[string]string `json:"tags,omitempty"`
	Agents     []AgentRef        `json:"agents,omitempty"`
	Snapshots  []Snapshot        `json:"snapshots,omitempty"`
	CapturedAt time.Time         `json:"captured_at"`
}

// HostConfig is what a caller asks for when creating a host.
type HostConfig struct {
	Name      string            `json:"name"`
	Image     string            `json:"image,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Resources Resources         `json:"resources"`
	// SnapshotID restores from a snapshot instead of a fresh image.
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// HostInfo is the provider's record of a host.
type HostInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Provider  string            `json:"provider"`
	State     HostState         `json:"state"`
	Tags      map[string]string `json:"tags,omitempty"`
	Resources Resources         `json:"resources"`
	Image     string            `json:"image,omitempty"`
	// Address is backend specific: an SSH address or a sandbox ID.
	Address string `json:"address,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	DestroyedAt *time.Time `json:"destroyed_at,omitempty"`

	// Certified is set once the host has gone offline.
	Certified *CertifiedData `json:"certified,omitempty"`
}
