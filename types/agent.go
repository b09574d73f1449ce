package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentState is derived on every query from the agent's tmux session.
type AgentState string

const (
	AgentStopped  AgentState = "STOPPED"  // no session
	AgentWaiting  AgentState = "WAITING"  // expected process alive, idle
	AgentRunning  AgentState = "RUNNING"  // expected process alive, activity marker present
	AgentReplaced AgentState = "REPLACED" // another program took over the session
	AgentDone     AgentState = "DONE"     // only the idle shell is left
)

// DefaultReadyTimeout bounds how long StartAgent waits for WAITING before
// delivering the initial or resume message.
const DefaultReadyTimeout = 30 * time.Second

// AgentConfig is what the agent runs and how.
type AgentConfig struct {
	Command        string            `json:"command"`
	WorkDir        string            `json:"work_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Permissions    []string          `json:"permissions,omitempty"`
	StartOnBoot    bool              `json:"start_on_boot"`
	InitialMessage string            `json:"initial_message,omitempty"`
	ResumeMessage  string            `json:"resume_message,omitempty"`

	ReadyTimeoutSeconds float64 `json:"ready_timeout_seconds,omitempty"`
}

// ReadyTimeout returns the configured ready timeout or the default.
func (c AgentConfig) ReadyTimeout() time.Duration {
	if c.ReadyTimeoutSeconds <= 0 {
		return DefaultReadyTimeout
	}
	return time.Duration(c.ReadyTimeoutSeconds * float64(time.Second))
}

// AgentRecord is persisted as data.json in the agent's state directory.
type AgentRecord struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	HostID    string      `json:"host_id"`
	Config    AgentConfig `json:"config"`
	CreatedAt time.Time   `json:"created_at"`

	// StartCount decides between the initial and the resume message.
	StartCount    int        `json:"start_count"`
	LastStartedAt *time.Time `json:"last_started_at,omitempty"`
}

// Ref returns the agent's reference.
func (r AgentRecord) Ref() AgentRef { return AgentRef{ID: r.ID, Name: r.Name} }

// AgentInfo is an agent record with its live state.
type AgentInfo struct {
	AgentRecord
	State AgentState `json:"state"`
}

// ActivitySource names who reported activity.
type ActivitySource string

const (
	ActivityUser  ActivitySource = "user"
	ActivityAgent ActivitySource = "agent"
	ActivitySSH   ActivitySource = "ssh"
)

// AgentStatus is what an agent publishes about itself.
type AgentStatus struct {
	Summary  string `json:"summary"`
	Markdown string `json:"markdown,omitempty"`
	HTML     string `json:"html,omitempty"`
}

// NewHostID returns a fresh host ID.
func NewHostID() string { return NewID("host") }

// NewAgentID returns a fresh agent ID.
func NewAgentID() string { return NewID("agent") }

// NewID returns prefix-<32 hex>, random (uuid v4).
func NewID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
