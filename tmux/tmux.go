// Package tmux drives a dedicated tmux server through a connector, so the
// same calls work on the local machine, an SSH machine, or a sandbox.
//
// Every command is run with -L <socket>, which keeps warren's sessions on
// their own server and away from the user's interactive tmux.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/projecteru2/warren/connector"
	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/process"
	"github.com/projecteru2/warren/utils"
)

var (
	ErrNoServer        = errors.New("tmux: no server running")
	ErrSessionExists   = errors.New("tmux: session already exists")
	ErrSessionNotFound = errors.New("tmux: session not found")
)

// DefaultSocket is the -L socket name used when none is configured.
const DefaultSocket = "warren"

// Client talks to one tmux server over a connector.
type Client struct {
	conn   connector.Connector
	socket string
	binary string
}

// New returns a Client for the tmux server named socket on conn.
func New(conn connector.Connector, socket string) *Client {
	if socket == "" {
		socket = DefaultSocket
	}
	return &Client{conn: conn, socket: socket, binary: "tmux"}
}

// Socket returns the -L socket name.
func (c *Client) Socket() string { return c.socket }

// Session describes a session to create.
type Session struct {
	Name string
	Dir  string
	Env  map[string]string
	// Command is run instead of the default shell when non-empty.
	Command []string
	Width   int
	Height  int
}

// Pane is the state of a session's active pane.
type Pane struct {
	// Command is the pane's foreground process name (#{pane_current_command}).
	Command string
	PID     int
	Dead    bool
}

// Argv returns the full command line for a tmux subcommand on this server.
func (c *Client) Argv(args ...string) []string {
	return append([]string{c.binary, "-L", c.socket}, args...)
}

// Run executes a tmux subcommand and returns its stdout. Non-zero exits are
// classified into ErrNoServer, ErrSessionExists or ErrSessionNotFound when
// tmux says so, and always carry an *errdefs.ProcessError.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	argv := c.Argv(args...)
	res, err := c.conn.Run(ctx, argv, connector.RunOptions{})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return res.Stdout, wrapError(argv, res)
	}
	return res.Stdout, nil
}

// NewSession starts a detached session. The server is started with an empty
// config file so user settings cannot change pane behavior.
func (c *Client) NewSession(ctx context.Context, s Session) error {
	args := []string{"-f", "/dev/null", "new-session", "-d", "-s", s.Name}
	if s.Dir != "" {
		args = append(args, "-c", s.Dir)
	}
	if s.Width > 0 && s.Height > 0 {
		args = append(args, "-x", strconv.Itoa(s.Width), "-y", strconv.Itoa(s.Height))
	}
	for _, k := range utils.SortedKeys(s.Env) {
		args = append(args, "-e", k+"="+s.Env[k])
	}
	args = append(args, s.Command...)
	if _, err := c.Run(ctx, args...); err != nil {
		return fmt.Errorf("new session %s: %w", s.Name, err)
	}
	return nil
}

// HasSession reports whether a session with exactly this name exists.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := c.Run(ctx, "has-session", "-t", sessionTarget(name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrNoServer):
		return false, nil
	default:
		var pe *errdefs.ProcessError
		// has-session exits 1 with no message on some tmux versions.
		if errors.As(err, &pe) && pe.ExitCode == 1 && strings.TrimSpace(pe.Stderr) == "" {
			return false, nil
		}
		return false, err
	}
}

// KillSession kills the session. A missing session or server is not an error.
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.Run(ctx, "kill-session", "-t", sessionTarget(name))
	if err == nil || errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return fmt.Errorf("kill session %s: %w", name, err)
}

// ListSessions returns session names on this server. No server means none.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	out, err := c.Run(ctx, "list-sessions", "-F", "#{session_name}")
	if errors.Is(err, ErrNoServer) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Pane returns the foreground command, PID and liveness of the session's
// active pane in one round trip.
func (c *Client) Pane(ctx context.Context, name string) (Pane, error) {
	out, err := c.Run(ctx, "display-message", "-p", "-t", paneTarget(name),
		"#{pane_dead}\t#{pane_pid}\t#{pane_current_command}")
	if err != nil {
		return Pane{}, fmt.Errorf("inspect pane %s: %w", name, err)
	}
	return parsePane(out)
}

// PanePID returns the PID of the process tmux launched in the pane.
func (c *Client) PanePID(ctx context.Context, name string) (int, error) {
	p, err := c.Pane(ctx, name)
	if err != nil {
		return 0, err
	}
	return p.PID, nil
}

// SendKeys types text literally into the pane, then presses Enter.
func (c *Client) SendKeys(ctx context.Context, name, text string) error {
	if text != "" {
		if _, err := c.Run(ctx, "send-keys", "-t", paneTarget(name), "-l", "--", text); err != nil {
			return fmt.Errorf("send keys to %s: %w", name, err)
		}
	}
	if _, err := c.Run(ctx, "send-keys", "-t", paneTarget(name), "Enter"); err != nil {
		return fmt.Errorf("send enter to %s: %w", name, err)
	}
	return nil
}

// CapturePane returns the pane's history and visible area. maxLines limits
// the result to the last N lines; 0 means everything.
func (c *Client) CapturePane(ctx context.Context, name string, maxLines int) (string, error) {
	out, err := c.Run(ctx, "capture-pane", "-p", "-t", paneTarget(name), "-S", "-", "-E", "-")
	if err != nil {
		return "", fmt.Errorf("capture pane %s: %w", name, err)
	}
	out = strings.TrimRight(out, "\n") + "\n"
	if maxLines <= 0 {
		return out, nil
	}
	return tailString(out, maxLines), nil
}

// SetOption sets a session option.
func (c *Client) SetOption(ctx context.Context, name, key, value string) error {
	if _, err := c.Run(ctx, "set-option", "-t", sessionTarget(name), key, value); err != nil {
		return fmt.Errorf("set %s on %s: %w", key, name, err)
	}
	return nil
}

// KillServer stops the whole server. No server is not an error.
func (c *Client) KillServer(ctx context.Context) error {
	_, err := c.Run(ctx, "kill-server")
	if err == nil || errors.Is(err, ErrNoServer) {
		return nil
	}
	var pe *errdefs.ProcessError
	if errors.As(err, &pe) && strings.Contains(pe.Stderr, "server exited unexpectedly") {
		return nil
	}
	return err
}

// AttachArgv is the command line that attaches a terminal to the session.
func (c *Client) AttachArgv(name string) []string {
	return c.Argv("attach-session", "-t", sessionTarget(name))
}

// sessionTarget forces an exact name match; a bare name also matches prefixes.
func sessionTarget(name string) string { return "=" + name }

func paneTarget(name string) string { return "=" + name + ":" }

func parsePane(out string) (Pane, error) {
	parts := strings.SplitN(strings.TrimRight(out, "\n"), "\t", 3)
	if len(parts) < 2 {
		return Pane{}, fmt.Errorf("unexpected pane output %q", out)
	}
	var p Pane
	p.Dead = strings.TrimSpace(parts[0]) == "1"
	if pid := strings.TrimSpace(parts[1]); pid != "" {
		n, err := strconv.Atoi(pid)
		if err != nil {
			return Pane{}, fmt.Errorf("parse pane pid %q: %w", pid, err)
		}
		p.PID = n
	}
	if len(parts) == 3 {
		p.Command = strings.TrimSpace(parts[2])
	}
	return p, nil
}

func wrapError(argv []string, res process.Result) error {
	pe := &errdefs.ProcessError{Argv: argv, ExitCode: res.ExitCode, Stderr: res.Stderr}
	stderr := res.Stderr
	switch {
	case strings.Contains(stderr, "no server running"),
		strings.Contains(stderr, "error connecting to"),
		strings.Contains(stderr, "No such file or directory") && strings.Contains(stderr, "tmux"):
		return fmt.Errorf("%w: %w", ErrNoServer, pe)
	case strings.Contains(stderr, "duplicate session"):
		return fmt.Errorf("%w: %w", ErrSessionExists, pe)
	case strings.Contains(stderr, "session not found"),
		strings.Contains(stderr, "can't find session"),
		strings.Contains(stderr, "can't find pane"),
		strings.Contains(stderr, "can't find window"):
		return fmt.Errorf("%w: %w", ErrSessionNotFound, pe)
	}
	return pe
}

// tailString returns the last n lines of s with tail -n semantics.
func tailString(s string, n int) string {
	if s == "" {
		return s
	}
	from := len(s) - 1
	if s[from] == '\n' {
		from--
	}
	count := 0
	for i := from; i >= 0; i-- {
		if s[i] == '\n' {
			count++
			if count == n {
				return s[i+1:]
			}
		}
	}
	return s
}
