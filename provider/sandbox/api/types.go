package api

import "time"

// SandboxState is the backend's view of a sandbox.
type SandboxState string

const (
	SandboxPending SandboxState = "pending"
	SandboxRunning SandboxState = "running"
	SandboxError   SandboxState = "error"
)

// Sandbox is an ephemeral compute instance.
type Sandbox struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	State       SandboxState      `json:"state"`
	CPU         int               `json:"cpu"`
	MemoryBytes int64             `json:"memory_bytes"`
	VolumeID    string            `json:"volume_id,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// CreateSandboxRequest provisions a sandbox. Image is ignored when
// SnapshotID is set.
type CreateSandboxRequest struct {
	Name        string            `json:"name"`
	Image       string            `json:"image,omitempty"`
	SnapshotID  string            `json:"snapshot_id,omitempty"`
	VolumeID    string            `json:"volume_id,omitempty"`
	CPU         int               `json:"cpu,omitempty"`
	MemoryBytes int64             `json:"memory_bytes,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Volume is namespace-scoped persistent storage.
type Volume struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateVolumeRequest provisions a volume.
type CreateVolumeRequest struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// Snapshot is a point-in-time image of a sandbox; it outlives the sandbox.
type Snapshot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SandboxID string    `json:"sandbox_id"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateSnapshotRequest snapshots a running sandbox.
type CreateSnapshotRequest struct {
	Name string `json:"name"`
}

// ExecRequest runs argv inside a sandbox and waits for it.
type ExecRequest struct {
	Argv           []string          `json:"argv"`
	Dir            string            `json:"dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Stdin          []byte            `json:"stdin,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty"`
}

// ExecResult is the outcome of an ExecRequest.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}
