package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/hooks"
	"github.com/projecteru2/warren/tmux/tmuxtest"
	"github.com/projecteru2/warren/types"
)

func newTestHost(t *testing.T) (*Host, *tmuxtest.Double) {
	t.Helper()
	d := tmuxtest.New("box")
	h := New(types.HostInfo{ID: types.NewHostID(), Name: "box", Provider: "local", State: types.HostStateRunning}, d, Options{
		Dir:    t.TempDir(),
		Prefix: "warren-",
	})
	return h, d
}

func TestCreateAndResolveAgents(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHost(t)

	a, err := h.CreateAgentState(ctx, "fixer", types.AgentConfig{Command: "claude"})
	require.NoError(t, err)
	b, err := h.CreateAgentState(ctx, "reviewer", types.AgentConfig{Command: "codex"})
	require.NoError(t, err)

	_, err = h.CreateAgentState(ctx, "fixer", types.AgentConfig{Command: "claude"})
	assert.ErrorContains(t, err, "already exists")
	_, err = h.CreateAgentState(ctx, "bad name", types.AgentConfig{Command: "claude"})
	assert.Error(t, err)
	_, err = h.CreateAgentState(ctx, "nocmd", types.AgentConfig{})
	assert.Error(t, err)

	assert.FileExists(t, filepath.Join(h.Dir(), "agents", a.ID, "data.json"))
	assert.DirExists(t, filepath.Join(h.Dir(), "agents", a.ID, "status"))

	recs, err := h.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "fixer", recs[0].Name)
	assert.Equal(t, h.ID(), recs[0].HostID)

	got, err := h.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "fixer", got.Name)
	got, err = h.GetAgent(ctx, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	got, err = h.GetAgent(ctx, strings.TrimPrefix(b.ID, "agent-")[:8])
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = h.GetAgent(ctx, "ghost")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = h.GetAgent(ctx, "../..")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestStateMachine(t *testing.T) {
	ctx := context.Background()
	h, d := newTestHost(t)
	rec, err := h.CreateAgentState(ctx, "fixer", types.AgentConfig{Command: "ANTHROPIC_LOG=debug claude --resume"})
	require.NoError(t, err)
	session := h.SessionName("fixer")

	// (a) no session.
	st, err := h.AgentState(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStopped, st)

	info, err := h.StartAgent(ctx, "fixer")
	require.NoError(t, err)
	assert.Equal(t, 1, info.StartCount)
	s, ok := d.Session(session)
	require.True(t, ok)
	assert.Equal(t, []string{"ANTHROPIC_LOG=debug claude --resume"}, s.Typed)

	// (c) expected process, no marker.
	st, err = h.WaitForAgentState(ctx, "fixer", 2*time.Second, types.AgentWaiting)
	require.NoError(t, err)
	assert.Equal(t, types.AgentWaiting, st)

	// (b)+(d) marker appears after WAITING.
	require.NoError(t, h.SetActive(ctx, rec.ID, true))
	st, err = h.WaitForAgentState(ctx, "fixer", 2*time.Second, types.AgentRunning)
	require.NoError(t, err)
	assert.Equal(t, types.AgentRunning, st)

	// Back to WAITING when the marker goes.
	require.NoError(t, h.SetActive(ctx, rec.ID, false))
	st, err = h.AgentState(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, types.AgentWaiting, st)

	// (e) a different program in the foreground.
	d.SetForeground(session, "vim")
	st, err = h.AgentState(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, types.AgentReplaced, st)

	// (f) idle shell only.
	d.SetForeground(session, "bash")
	st, err = h.AgentState(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, types.AgentDone, st)

	// The expected process as a descendant of the shell still counts.
	d.SetForeground(session, "bash", "node", "claude")
	st, err = h.AgentState(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, types.AgentWaiting, st)

	require.NoError(t, h.SetActive(ctx, rec.ID, true))
	require.NoError(t, h.StopAgent(ctx, "fixer"))
	st, err = h.AgentState(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStopped, st)
	_, err = os.Stat(filepath.Join(h.Dir(), "agents", rec.ID, "active"))
	assert.True(t, os.IsNotExist(err), "marker cleared on stop")
}

func TestStartDeliversMessagesAcrossExecRace(t *testing.T) {
	ctx := context.Background()
	h, d := newTestHost(t)
	d.ExecDelay = 3
	_, err := h.CreateAgentState(ctx, "fixer", types.AgentConfig{
		Command:             "claude",
		InitialMessage:      "fix the build",
		ResumeMessage:       "carry on",
		ReadyTimeoutSeconds: 5,
	})
	require.NoError(t, err)
	session := h.SessionName("fixer")

	info, err := h.StartAgent(ctx, "fixer")
	require.NoError(t, err)
	assert.Equal(t, types.AgentWaiting, info.State)
	s, _ := d.Session(session)
	assert.Equal(t, []string{"claude", "fix the build"}, s.Typed)

	// Already running: a second start is a no-op.
	_, err = h.StartAgent(ctx, "fixer")
	require.NoError(t, err)
	s, _ = d.Session(session)
	assert.Len(t, s.Typed, 2)

	require.NoError(t, h.StopAgent(ctx, "fixer"))
	info, err = h.StartAgent(ctx, "fixer")
	require.NoError(t, err)
	assert.Equal(t, 2, info.StartCount)
	s, _ = d.Session(session)
	assert.Equal(t, []string{"claude", "carry on"}, s.Typed)
}

func TestStartTimesOutWhenAgentNeverReady(t *testing.T) {
	ctx := context.Background()
	h, d := newTestHost(t)
	d.NoExec = true
	_, err := h.CreateAgentState(ctx, "slow", types.AgentConfig{
		Command:             "claude",
		InitialMessage:      "hi",
		ReadyTimeoutSeconds: 0.3,
	})
	require.NoError(t, err)

	info, err := h.StartAgent(ctx, "slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrTimeout)
	assert.Equal(t, types.AgentDone, info.State)
	s, _ := d.Session(h.SessionName("slow"))
	assert.Equal(t, []string{"claude"}, s.Typed, "message not delivered")
}

func TestStartWithoutMessageWaitsForCommand(t *testing.T) {
	ctx := context.Background()
	h, d := newTestHost(t)
	d.ExecDelay = 3
	_, err := h.CreateAgentState(ctx, "quiet", types.AgentConfig{Command: "claude"})
	require.NoError(t, err)

	info, err := h.StartAgent(ctx, "quiet")
	require.NoError(t, err)
	assert.Equal(t, types.AgentWaiting, info.State)

	d.NoExec = true
	_, err = h.CreateAgentState(ctx, "stuck", types.AgentConfig{Command: "claude", ReadyTimeoutSeconds: 0.3})
	require.NoError(t, err)
	info, err = h.StartAgent(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, types.AgentDone, info.State)
}

func TestStartReplacesFinishedSession(t *testing.T) {
	ctx := context.Background()
	h, d := newTestHost(t)
	_, err := h.CreateAgentState(ctx, "fixer", types.AgentConfig{Command: "claude", Env: map[string]string{"A": "1"}})
	require.NoError(t, err)
	rec, err := h.GetAgent(ctx, "fixer")
	require.NoError(t, err)
	require.NoError(t, h.WriteEnv(ctx, rec.ID, map[string]string{"A": "2", "B": "3"}))

	_, err = h.StartAgent(ctx, "fixer")
	require.NoError(t, err)
	session := h.SessionName("fixer")
	d.SetForeground(session, "bash")

	_, err = h.StartAgent(ctx, "fixer")
	require.NoError(t, err)
	s, _ := d.Session(session)
	assert.Equal(t, []string{"claude"}, s.Typed, "fresh session")
	assert.Equal(t, "2", s.Env["A"])
	assert.Equal(t, "3", s.Env["B"])
	assert.Equal(t, rec.ID, s.Env[EnvAgentID])
	assert.Equal(t, h.ID(), s.Env[EnvHostID])
}

func TestMessagesAndCapture(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHost(t)
	rec, err := h.CreateAgentState(ctx, "fixer", types.AgentConfig{Command: "claude"})
	require.NoError(t, err)

	err = h.SendMessage(ctx, "fixer", "hello")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = h.StartAgent(ctx, "fixer")
	require.NoError(t, err)
	require.NoError(t, h.SendMessage(ctx, "fixer", "hello"))

	out, err := h.CaptureOutput(ctx, "fixer", 0)
	require.NoError(t, err)
	assert.Contains(t, out, "hello")

	at, ok, err := h.ReadActivity(ctx, rec.ID, types.ActivityUser)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), at, time.Minute)

	argv, err := h.ConnectArgv(ctx, "fixer")
	require.NoError(t, err)
	assert.Equal(t, "attach-session", argv[3])
	assert.Equal(t, "=warren-fixer", argv[len(argv)-1])
}

func TestDestroyAgentFiresHooks(t *testing.T) {
	ctx := context.Background()
	reg := hooks.New()
	var seen []string
	for _, p := range []hooks.Point{hooks.BeforeAgentCreate, hooks.AfterAgentCreate, hooks.BeforeAgentDestroy, hooks.AfterAgentDestroy} {
		reg.Register(p, "spy", func(_ context.Context, ev hooks.Event) error {
			seen = append(seen, string(ev.Point)+":"+ev.Name)
			return nil
		})
	}
	reg.Register(hooks.BeforeAgentCreate, "deny-tmp", func(_ context.Context, ev hooks.Event) error {
		if strings.HasPrefix(ev.Name, "tmp") {
			return errors.New("tmp agents not allowed")
		}
		return nil
	})

	d := tmuxtest.New("box")
	h := New(types.HostInfo{ID: "host-1", Name: "box"}, d, Options{Dir: t.TempDir(), Hooks: reg})

	_, err := h.CreateAgentState(ctx, "tmp1", types.AgentConfig{Command: "claude"})
	require.Error(t, err)
	recs, err := h.ListAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	rec, err := h.CreateAgentState(ctx, "keeper", types.AgentConfig{Command: "claude"})
	require.NoError(t, err)
	_, err = h.StartAgent(ctx, "keeper")
	require.NoError(t, err)
	require.NoError(t, h.DestroyAgent(ctx, rec.ID))

	assert.Empty(t, d.Sessions())
	assert.NoDirExists(t, filepath.Join(h.Dir(), "agents", rec.ID))
	assert.Equal(t, []string{
		"before_agent_create:tmp1",
		"before_agent_create:keeper",
		"after_agent_create:keeper",
		"before_agent_destroy:keeper",
		"after_agent_destroy:keeper",
	}, seen)

	_, err = h.GetAgent(ctx, rec.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestStartBootAgents(t *testing.T) {
	ctx := context.Background()
	h, d := newTestHost(t)
	_, err := h.CreateAgentState(ctx, "boot", types.AgentConfig{Command: "claude", StartOnBoot: true})
	require.NoError(t, err)
	_, err = h.CreateAgentState(ctx, "manual", types.AgentConfig{Command: "claude"})
	require.NoError(t, err)

	started, err := h.StartBootAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"boot"}, started)
	assert.Equal(t, []string{"warren-boot"}, d.Sessions())
}

func TestLoadAgents(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHost(t)
	_, err := h.CreateAgentState(ctx, "a", types.AgentConfig{Command: "claude"})
	require.NoError(t, err)
	_, err = h.CreateAgentState(ctx, "b", types.AgentConfig{Command: "claude"})
	require.NoError(t, err)
	_, err = h.StartAgent(ctx, "b")
	require.NoError(t, err)

	infos, failed, err := h.LoadAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
	require.Len(t, infos, 2)
	assert.Equal(t, types.AgentStopped, infos[0].State)
	assert.Equal(t, types.AgentWaiting, infos[1].State)

	refs, err := h.AgentRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.AgentRef{{ID: infos[0].ID, Name: "a"}, {ID: infos[1].ID, Name: "b"}}, refs)
}

func TestLoadAgentsReportsCorruptRecord(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHost(t)
	good, err := h.CreateAgentState(ctx, "good", types.AgentConfig{Command: "claude"})
	require.NoError(t, err)
	bad, err := h.CreateAgentState(ctx, "bad", types.AgentConfig{Command: "claude"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.Dir(), "agents", bad.ID, "data.json"), []byte("{not json"), 0o644))

	infos, failed, err := h.LoadAgents(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, good.ID, infos[0].ID)
	require.Len(t, failed, 1)
	assert.Equal(t, bad.ID, failed[0].AgentID)
	assert.Equal(t, h.ID(), failed[0].HostID)
	assert.Equal(t, "local", failed[0].Provider)
	assert.ErrorContains(t, failed[0], "decode")

	recs, err := h.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSideChannels(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHost(t)
	rec, err := h.CreateAgentState(ctx, "fixer", types.AgentConfig{Command: "claude"})
	require.NoError(t, err)

	_, ok, err := h.ReadActivity(ctx, rec.ID, types.ActivityAgent)
	require.NoError(t, err)
	assert.False(t, ok)

	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	recent := time.Now().Truncate(time.Second)
	require.NoError(t, h.RecordActivity(ctx, rec.ID, types.ActivitySSH, old))
	require.NoError(t, h.RecordActivity(ctx, rec.ID, types.ActivityAgent, recent))
	at, src, err := h.LatestActivity(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, recent.Equal(at))
	assert.Equal(t, types.ActivityAgent, src)

	require.NoError(t, h.WriteStatus(ctx, rec.ID, "Fixing tests\nignored", "# Progress\n\n- [x] build\n"))
	st, err := h.ReadStatus(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fixing tests", st.Summary)
	assert.Contains(t, st.Markdown, "# Progress")
	assert.Contains(t, st.HTML, "<h1>Progress</h1>")

	require.NoError(t, h.WriteStatus(ctx, rec.ID, "Idle", ""))
	st, err = h.ReadStatus(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatus{Summary: "Idle"}, st)

	type review struct {
		PR    int      `json:"pr"`
		Files []string `json:"files"`
	}
	var got review
	ok, err = h.ReadPluginData(ctx, rec.ID, "review", &got)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, h.WritePluginData(ctx, rec.ID, "review", review{PR: 7, Files: []string{"a.go"}}))
	ok, err = h.ReadPluginData(ctx, rec.ID, "review", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, review{PR: 7, Files: []string{"a.go"}}, got)
	assert.Error(t, h.WritePluginData(ctx, rec.ID, "../escape", got))

	env, err := h.ReadEnv(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, env)
	require.NoError(t, h.WriteEnv(ctx, rec.ID, map[string]string{"TOKEN": "x"}))
	env, err = h.ReadEnv(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TOKEN": "x"}, env)

	entries, err := os.ReadDir(filepath.Join(h.Dir(), "agents", rec.ID))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp"), "no temp files left: %s", e.Name())
	}
}
