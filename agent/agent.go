// Package agent holds the agent lifecycle state machine. Classify is a pure
// function of what was observed on the host; WaitForState is the bounded
// poll loop callers use to ride out transient observations.
package agent

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/projecteru2/warren/types"
	"github.com/projecteru2/warren/utils"
)

// DefaultPollInterval is how often WaitForState re-observes.
const DefaultPollInterval = 100 * time.Millisecond

// Signals is one observation of an agent's session.
type Signals struct {
	SessionExists bool
	// PaneCommand is the pane's foreground process name.
	PaneCommand string
	// PaneDead is true when the pane's own process has exited.
	PaneDead bool
	// Descendants are the names of processes under the pane process.
	Descendants []string
	// ActivityMarker is true when the agent's active file exists.
	ActivityMarker bool
}

var shells = map[string]struct{}{
	"sh": {}, "bash": {}, "zsh": {}, "fish": {}, "dash": {},
	"ksh": {}, "mksh": {}, "tcsh": {}, "csh": {}, "ash": {}, "busybox": {},
}

// IsShell reports whether name is an interactive shell, including login
// shells shown as "-bash".
func IsShell(name string) bool {
	_, ok := shells[strings.TrimPrefix(path.Base(name), "-")]
	return ok
}

// ExpectedProcessName is the basename of the first word of command that is
// not a VAR=value assignment, or of the program run by a leading env.
func ExpectedProcessName(command string) string {
	words := strings.Fields(command)
	for i := 0; i < len(words); i++ {
		w := strings.Trim(words[i], `"'`)
		if isAssignment(w) {
			continue
		}
		if path.Base(w) == "env" && i+1 < len(words) {
			continue
		}
		return path.Base(w)
	}
	return ""
}

func isAssignment(w string) bool {
	eq := strings.IndexByte(w, '=')
	if eq <= 0 {
		return false
	}
	for _, r := range w[:eq] {
		if r != '_' && (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// SessionName is the tmux session of an agent: {prefix}{name}.
func SessionName(prefix, name string) string { return prefix + name }

// Classify derives the agent state from one observation.
//
// No session is STOPPED. The expected process in the pane's foreground or
// below it is RUNNING with the activity marker and WAITING without. Some
// other non-shell process is REPLACED. An idle shell or a dead pane is DONE.
func Classify(expected string, s Signals) types.AgentState {
	if !s.SessionExists {
		return types.AgentStopped
	}
	if s.PaneDead {
		return types.AgentDone
	}
	if matches(expected, s) {
		if s.ActivityMarker {
			return types.AgentRunning
		}
		return types.AgentWaiting
	}
	fg := path.Base(s.PaneCommand)
	if s.PaneCommand != "" && !IsShell(fg) {
		return types.AgentReplaced
	}
	for _, d := range s.Descendants {
		if !IsShell(d) {
			return types.AgentReplaced
		}
	}
	return types.AgentDone
}

func matches(expected string, s Signals) bool {
	if expected == "" {
		return false
	}
	if path.Base(s.PaneCommand) == expected {
		return true
	}
	for _, d := range s.Descendants {
		if path.Base(d) == expected {
			return true
		}
	}
	return false
}

// Observer takes one observation of the agent's state.
type Observer func(ctx context.Context) (types.AgentState, error)

// WaitForState polls observe until it reports one of want or timeout
// elapses. Observations in between are treated as transient. Returns the
// last observed state, and an *errdefs.TimeoutError on expiry.
func WaitForState(ctx context.Context, observe Observer, timeout time.Duration, want ...types.AgentState) (types.AgentState, error) {
	var last types.AgentState
	err := utils.WaitFor(ctx, "wait for agent state "+joinStates(want), timeout, DefaultPollInterval, func() (bool, error) {
		st, err := observe(ctx)
		if err != nil {
			return false, err
		}
		last = st
		for _, w := range want {
			if st == w {
				return true, nil
			}
		}
		return false, nil
	})
	return last, err
}

func joinStates(states []types.AgentState) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, "|")
}
