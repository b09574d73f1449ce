package sandbox

// Phase represents a stage in bringing a sandbox host online.
type Phase int

const (
	PhaseImage    Phase = iota // Image reference resolved.
	PhaseVolume                // Backing volume found or created.
	PhaseSandbox               // Sandbox requested from the API.
	PhaseRestore               // Restoring from a snapshot instead of an image.
	PhaseBootstrap             // Host state directory prepared inside the sandbox.
	PhaseDone                  // Host is online.
)

// Event describes a single sandbox provisioning update.
type Event struct {
	Phase  Phase
	HostID string
	// Detail is the image, volume, sandbox or snapshot ID for the phase.
	Detail string
}

func (p Phase) String() string {
	switch p {
	case PhaseImage:
		return "image"
	case PhaseVolume:
		return "volume"
	case PhaseSandbox:
		return "sandbox"
	case PhaseRestore:
		return "restore"
	case PhaseBootstrap:
		return "bootstrap"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}
