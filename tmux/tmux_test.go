package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/warren/connector"
	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/process"
	"github.com/projecteru2/warren/utils"
)

func hasTmux() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// testClient returns a client on a private server that is killed on cleanup.
func testClient(t *testing.T) *Client {
	t.Helper()
	if !hasTmux() {
		t.Skip("tmux not installed")
	}
	c := New(connector.NewLocal("local"), fmt.Sprintf("warren-test-%d", time.Now().UnixNano()))
	t.Cleanup(func() { _ = c.KillServer(context.Background()) })
	return c
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		stderr string
		want   error
	}{
		{"no server running on /tmp/tmux-0/warren", ErrNoServer},
		{"error connecting to /tmp/tmux-0/warren (No such file or directory)", ErrNoServer},
		{"duplicate session: warren-a", ErrSessionExists},
		{"session not found: warren-a", ErrSessionNotFound},
		{"can't find session: warren-a", ErrSessionNotFound},
		{"can't find pane: warren-a", ErrSessionNotFound},
	}
	for _, tt := range tests {
		err := wrapError([]string{"tmux"}, process.Result{ExitCode: 1, Stderr: tt.stderr})
		assert.ErrorIs(t, err, tt.want, tt.stderr)
		assert.ErrorIs(t, err, errdefs.ErrProcess, tt.stderr)
	}

	err := wrapError([]string{"tmux"}, process.Result{ExitCode: 1, Stderr: "unknown command: bogus"})
	assert.NotErrorIs(t, err, ErrNoServer)
	assert.ErrorIs(t, err, errdefs.ErrProcess)
}

func TestParsePane(t *testing.T) {
	p, err := parsePane("0\t4242\tclaude\n")
	require.NoError(t, err)
	assert.Equal(t, Pane{Command: "claude", PID: 4242}, p)

	p, err = parsePane("1\t17\t\n")
	require.NoError(t, err)
	assert.True(t, p.Dead)
	assert.Empty(t, p.Command)

	_, err = parsePane("garbage")
	assert.Error(t, err)
}

func TestTailString(t *testing.T) {
	assert.Equal(t, "", tailString("", 3))
	assert.Equal(t, "c\nd\n", tailString("a\nb\nc\nd\n", 2))
	assert.Equal(t, "a\nb\n", tailString("a\nb\n", 5))
	assert.Equal(t, "d", tailString("a\nb\nc\nd", 1))
}

func TestProcessTree(t *testing.T) {
	out := `    1     0 init
  100     1 tmux: server
  200   100 bash
  300   200 node
  301   300 /usr/bin/claude
  400   100 zsh
`
	procs := ParseProcessTable(out)
	require.Len(t, procs, 6)
	assert.Equal(t, "tmux: server", procs[1].Name)
	assert.Equal(t, "claude", procs[4].Name)

	assert.Equal(t, []string{"node", "claude"}, Descendants(procs, 200))
	assert.Empty(t, Descendants(procs, 400))
	assert.Empty(t, Descendants(procs, 999))
}

func TestSessionLifecycle(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	names, err := c.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	ok, err := c.HasSession(ctx, "warren-a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.NewSession(ctx, Session{
		Name:    "warren-a",
		Dir:     t.TempDir(),
		Command: []string{"sh"},
		Env:     map[string]string{"WARREN_AGENT": "a"},
	}))
	err = c.NewSession(ctx, Session{Name: "warren-a", Command: []string{"sh"}})
	assert.ErrorIs(t, err, ErrSessionExists)

	ok, err = c.HasSession(ctx, "warren-a")
	require.NoError(t, err)
	assert.True(t, ok)

	// Exact-match targeting: a prefix must not resolve.
	ok, err = c.HasSession(ctx, "warren-")
	require.NoError(t, err)
	assert.False(t, ok)

	names, err = c.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"warren-a"}, names)

	pane, err := c.Pane(ctx, "warren-a")
	require.NoError(t, err)
	assert.Positive(t, pane.PID)
	assert.False(t, pane.Dead)

	require.NoError(t, c.SendKeys(ctx, "warren-a", "echo marker-$WARREN_AGENT"))
	require.NoError(t, utils.WaitFor(ctx, "echo", 5*time.Second, 50*time.Millisecond, func() (bool, error) {
		out, err := c.CapturePane(ctx, "warren-a", 0)
		return err == nil && containsLine(out, "marker-a"), err
	}))

	require.NoError(t, c.SendKeys(ctx, "warren-a", "sleep 30"))
	require.NoError(t, utils.WaitFor(ctx, "sleep", 5*time.Second, 50*time.Millisecond, func() (bool, error) {
		names, err := c.PaneDescendants(ctx, pane.PID)
		if err != nil {
			return false, err
		}
		for _, n := range names {
			if n == "sleep" {
				return true, nil
			}
		}
		return false, nil
	}))

	require.NoError(t, c.KillSession(ctx, "warren-a"))
	require.NoError(t, c.KillSession(ctx, "warren-a"))
	ok, err = c.HasSession(ctx, "warren-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPaneOnMissingSession(t *testing.T) {
	c := testClient(t)
	_, err := c.Pane(context.Background(), "nope")
	assert.Error(t, err)
	assert.True(t, isMissing(err))
}

func isMissing(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer)
}

func containsLine(out, want string) bool {
	for _, l := range strings.Split(out, "\n") {
		if l == want {
			return true
		}
	}
	return false
}
