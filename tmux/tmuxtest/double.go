// Package tmuxtest provides Double, an in-memory tmux server (plus ps) behind
// a connector. File operations go to the real local filesystem, so host
// state directories behave normally while sessions are simulated.
package tmuxtest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/projecteru2/warren/agent"
	"github.com/projecteru2/warren/connector"
	"github.com/projecteru2/warren/process"
)

// Session is the simulated state of one tmux session.
type Session struct {
	Name string
	Dir  string
	Env  map[string]string
	// Foreground is what #{pane_current_command} reports.
	Foreground  string
	PID         int
	Dead        bool
	Descendants []string
	// Typed holds every literal send-keys, in order.
	Typed []string
}

// Double is a fake tmux server. Typing a command into a session whose
// foreground is a shell "execs" it after ExecDelay pane queries.
type Double struct {
	*connector.Local

	mu       sync.Mutex
	sessions map[string]*Session
	nextPID  int

	// Shell is the foreground of a fresh session.
	Shell string
	// ExecDelay is how many pane queries still show the shell after a
	// command is typed, simulating the exec race.
	ExecDelay int
	// NoExec keeps typed commands from ever taking the foreground.
	NoExec bool
	// Unreachable makes every command fail like a dead SSH link.
	Unreachable bool

	pending map[string]pendingExec
}

type pendingExec struct {
	name      string
	remaining int
}

var _ connector.Connector = (*Double)(nil)

// New returns an empty Double named name.
func New(name string) *Double {
	return &Double{
		Local:    connector.NewLocal(name),
		sessions: map[string]*Session{},
		pending:  map[string]pendingExec{},
		nextPID:  1000,
		Shell:    "bash",
	}
}

// IsLocal reports false so code paths for remote hosts are exercised.
func (d *Double) IsLocal() bool { return false }

// Session returns a copy of the named session.
func (d *Double) Session(name string) (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[name]
	if !ok {
		return Session{}, false
	}
	c := *s
	c.Env = maps.Clone(s.Env)
	c.Typed = slices.Clone(s.Typed)
	return c, true
}

// SetForeground changes what the session's pane reports, e.g. to simulate
// another program taking over or the agent exiting to the shell.
func (d *Double) SetForeground(name, fg string, descendants ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[name]; ok {
		s.Foreground = fg
		s.Descendants = descendants
		delete(d.pending, name)
	}
}

// Sessions returns the names of live sessions.
func (d *Double) Sessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Sorted(maps.Keys(d.sessions))
}

// Run simulates tmux and ps; everything else runs locally.
func (d *Double) Run(ctx context.Context, argv []string, opts connector.RunOptions) (process.Result, error) {
	if d.Unreachable {
		return process.Result{ExitCode: 255, Stderr: "ssh: connect to host: Connection refused\n"}, //nolint:mnd
			fmt.Errorf("%s unreachable", d.Name())
	}
	if len(argv) == 0 {
		return d.Local.Run(ctx, argv, opts)
	}
	switch argv[0] {
	case "tmux":
		return d.tmux(argv), nil
	case "ps":
		return d.ps(), nil
	}
	return d.Local.Run(ctx, argv, opts)
}

func (d *Double) tmux(argv []string) process.Result {
	args := argv[1:]
	// Skip server flags: -L socket, -f file.
	for len(args) >= 2 && (args[0] == "-L" || args[0] == "-f" || args[0] == "-S") {
		args = args[2:]
	}
	if len(args) == 0 {
		return fail("usage")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, rest := args[0], args[1:]
	target := strings.TrimSuffix(strings.TrimPrefix(flagValue(rest, "-t"), "="), ":")
	switch sub {
	case "new-session":
		name := flagValue(rest, "-s")
		if _, ok := d.sessions[name]; ok {
			return fail("duplicate session: " + name)
		}
		env := map[string]string{}
		for i := 0; i < len(rest)-1; i++ {
			if rest[i] == "-e" {
				k, v, _ := strings.Cut(rest[i+1], "=")
				env[k] = v
			}
		}
		d.nextPID++
		d.sessions[name] = &Session{Name: name, Dir: flagValue(rest, "-c"), Env: env, Foreground: d.Shell, PID: d.nextPID}
		return process.Result{}
	case "has-session":
		if len(d.sessions) == 0 {
			return fail("no server running on /tmp/tmux-test/default")
		}
		if _, ok := d.sessions[target]; !ok {
			return fail("can't find session: " + target)
		}
		return process.Result{}
	case "kill-session":
		if _, ok := d.sessions[target]; !ok {
			return fail("can't find session: " + target)
		}
		delete(d.sessions, target)
		delete(d.pending, target)
		return process.Result{}
	case "kill-server":
		d.sessions = map[string]*Session{}
		return process.Result{}
	case "list-sessions":
		if len(d.sessions) == 0 {
			return fail("no server running on /tmp/tmux-test/default")
		}
		var b strings.Builder
		for _, n := range slices.Sorted(maps.Keys(d.sessions)) {
			b.WriteString(n + "\n")
		}
		return process.Result{Stdout: b.String()}
	case "display-message":
		s, ok := d.sessions[target]
		if !ok {
			return fail("can't find pane: " + target)
		}
		d.advance(target, s)
		dead := "0"
		if s.Dead {
			dead = "1"
		}
		return process.Result{Stdout: fmt.Sprintf("%s\t%d\t%s\n", dead, s.PID, s.Foreground)}
	case "send-keys":
		s, ok := d.sessions[target]
		if !ok {
			return fail("can't find pane: " + target)
		}
		if slices.Contains(rest, "-l") {
			text := rest[len(rest)-1]
			s.Typed = append(s.Typed, text)
			if agent.IsShell(s.Foreground) && !d.NoExec {
				if name := agent.ExpectedProcessName(text); name != "" {
					d.pending[target] = pendingExec{name: name, remaining: d.ExecDelay}
				}
			}
		}
		return process.Result{}
	case "capture-pane":
		s, ok := d.sessions[target]
		if !ok {
			return fail("can't find pane: " + target)
		}
		return process.Result{Stdout: strings.Join(s.Typed, "\n") + "\n"}
	case "set-option":
		return process.Result{}
	}
	return fail("unknown command: " + sub)
}

// advance applies a pending exec once its delay has elapsed.
func (d *Double) advance(name string, s *Session) {
	p, ok := d.pending[name]
	if !ok {
		return
	}
	if p.remaining > 0 {
		p.remaining--
		d.pending[name] = p
		return
	}
	s.Foreground = p.name
	delete(d.pending, name)
}

func (d *Double) ps() process.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	b.WriteString("    1     0 init\n")
	pid := 50000
	for _, n := range slices.Sorted(maps.Keys(d.sessions)) {
		s := d.sessions[n]
		fmt.Fprintf(&b, "%5d %5d %s\n", s.PID, 1, d.Shell)
		parent := s.PID
		for _, c := range s.Descendants {
			pid++
			fmt.Fprintf(&b, "%5d %5d %s\n", pid, parent, c)
			parent = pid
		}
	}
	return process.Result{Stdout: b.String()}
}

func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func fail(stderr string) process.Result {
	return process.Result{ExitCode: 1, Stderr: stderr + "\n"}
}
