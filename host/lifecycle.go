package host

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/warren/agent"
	"github.com/projecteru2/warren/connector"
	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/tmux"
	"github.com/projecteru2/warren/types"
)

// Environment variables every agent session starts with.
const (
	EnvAgentID   = "WARREN_AGENT_ID"
	EnvAgentName = "WARREN_AGENT_NAME"
	EnvAgentDir  = "WARREN_AGENT_STATE_DIR"
	EnvHostID    = "WARREN_HOST_ID"
)

// settleTimeout bounds how long StartAgent waits for the command to come up
// when there is no message to deliver.
const settleTimeout = 3 * time.Second

// StartAgent starts the agent's session: a shell with the agent's
// environment, into which the command is typed. An agent that is already
// WAITING or RUNNING is left alone; a DONE or REPLACED session is replaced.
//
// On the first start the initial message is delivered, on later starts the
// resume message, each once the agent reaches WAITING or RUNNING within its
// ready timeout. Without a message StartAgent still waits briefly for the
// command to come up and reports whatever state it last saw.
func (h *Host) StartAgent(ctx context.Context, ref string) (*types.AgentInfo, error) {
	logger := log.WithFunc("host.StartAgent")
	rec, err := h.GetAgent(ctx, ref)
	if err != nil {
		return nil, err
	}
	session := h.SessionName(rec.Name)

	st, err := h.AgentState(ctx, rec)
	if err != nil {
		return nil, err
	}
	switch st {
	case types.AgentWaiting, types.AgentRunning:
		logger.Infof(ctx, "agent %s already %s", rec.Name, st)
		return &types.AgentInfo{AgentRecord: *rec, State: st}, nil
	case types.AgentDone, types.AgentReplaced:
		if err := h.tmux.KillSession(ctx, session); err != nil {
			return nil, err
		}
	}

	env, err := h.sessionEnv(ctx, rec)
	if err != nil {
		return nil, err
	}
	if err := h.tmux.NewSession(ctx, tmux.Session{Name: session, Dir: rec.Config.WorkDir, Env: env}); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", rec.Name, err)
	}
	if err := h.tmux.SendKeys(ctx, session, rec.Config.Command); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", rec.Name, err)
	}

	message := rec.Config.ResumeMessage
	if rec.StartCount == 0 {
		message = rec.Config.InitialMessage
	}
	now := time.Now()
	rec.StartCount++
	rec.LastStartedAt = &now
	if err := h.writeRecord(ctx, rec); err != nil {
		return nil, err
	}
	logger.Infof(ctx, "agent %s started on %s (session %s)", rec.Name, h.info.Name, session)

	if message == "" {
		st, err := agent.WaitForState(ctx, h.observer(rec), min(rec.Config.ReadyTimeout(), settleTimeout), types.AgentWaiting, types.AgentRunning)
		if err != nil && !errors.Is(err, errdefs.ErrTimeout) {
			return nil, err
		}
		return &types.AgentInfo{AgentRecord: *rec, State: st}, nil
	}
	st, err = agent.WaitForState(ctx, h.observer(rec), rec.Config.ReadyTimeout(), types.AgentWaiting, types.AgentRunning)
	if err != nil {
		return &types.AgentInfo{AgentRecord: *rec, State: st}, fmt.Errorf("agent %s not ready for its message (last state %s): %w", rec.Name, st, err)
	}
	if err := h.tmux.SendKeys(ctx, session, message); err != nil {
		return nil, fmt.Errorf("deliver message to %s: %w", rec.Name, err)
	}
	return &types.AgentInfo{AgentRecord: *rec, State: st}, nil
}

// StopAgent kills the agent's session and clears its activity marker. The
// record and state directory are kept.
func (h *Host) StopAgent(ctx context.Context, ref string) error {
	rec, err := h.GetAgent(ctx, ref)
	if err != nil {
		return err
	}
	if err := h.tmux.KillSession(ctx, h.SessionName(rec.Name)); err != nil {
		return err
	}
	if err := h.conn.Remove(ctx, h.activePath(rec.ID)); err != nil {
		return fmt.Errorf("clear activity marker: %w", err)
	}
	log.WithFunc("host.StopAgent").Infof(ctx, "agent %s stopped on %s", rec.Name, h.info.Name)
	return nil
}

// WaitForAgentState polls the agent until it reaches one of want.
func (h *Host) WaitForAgentState(ctx context.Context, ref string, timeout time.Duration, want ...types.AgentState) (types.AgentState, error) {
	rec, err := h.GetAgent(ctx, ref)
	if err != nil {
		return "", err
	}
	return agent.WaitForState(ctx, h.observer(rec), timeout, want...)
}

// SendMessage types msg into the agent's session followed by Enter.
func (h *Host) SendMessage(ctx context.Context, ref, msg string) error {
	rec, session, err := h.liveSession(ctx, ref)
	if err != nil {
		return err
	}
	if err := h.tmux.SendKeys(ctx, session, msg); err != nil {
		return err
	}
	return h.RecordActivity(ctx, rec.ID, types.ActivityUser, time.Now())
}

// CaptureOutput returns the last lines of the agent's pane; 0 means all.
func (h *Host) CaptureOutput(ctx context.Context, ref string, lines int) (string, error) {
	_, session, err := h.liveSession(ctx, ref)
	if err != nil {
		return "", err
	}
	return h.tmux.CapturePane(ctx, session, lines)
}

// ConnectArgv is the command that attaches the caller's terminal to the
// agent's session.
func (h *Host) ConnectArgv(ctx context.Context, ref string) ([]string, error) {
	inter, ok := h.conn.(connector.Interactive)
	if !ok {
		return nil, &errdefs.CapabilityError{Provider: h.info.Provider, Capability: "interactive", Op: "connect"}
	}
	_, session, err := h.liveSession(ctx, ref)
	if err != nil {
		return nil, err
	}
	return inter.InteractiveArgv(h.tmux.AttachArgv(session)), nil
}

// StartBootAgents starts every agent marked start_on_boot. All are
// attempted; the names started are returned with the joined failures.
func (h *Host) StartBootAgents(ctx context.Context) ([]string, error) {
	logger := log.WithFunc("host.StartBootAgents")
	recs, err := h.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	var started []string
	var errs []error
	for _, rec := range recs {
		if !rec.Config.StartOnBoot {
			continue
		}
		if _, err := h.StartAgent(ctx, rec.ID); err != nil {
			logger.Warnf(ctx, "start agent %s on %s: %v", rec.Name, h.info.Name, err)
			errs = append(errs, fmt.Errorf("agent %s: %w", rec.Name, err))
			continue
		}
		started = append(started, rec.Name)
	}
	return started, errors.Join(errs...)
}

func (h *Host) liveSession(ctx context.Context, ref string) (*types.AgentRecord, string, error) {
	rec, err := h.GetAgent(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	session := h.SessionName(rec.Name)
	ok, err := h.tmux.HasSession(ctx, session)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("agent %s is stopped: %w", rec.Name, errdefs.NotFound("session", session))
	}
	return rec, session, nil
}

func (h *Host) observer(rec *types.AgentRecord) agent.Observer {
	return func(ctx context.Context) (types.AgentState, error) { return h.AgentState(ctx, rec) }
}

// sessionEnv is the config env, overlaid by env.json, plus the WARREN_* variables.
func (h *Host) sessionEnv(ctx context.Context, rec *types.AgentRecord) (map[string]string, error) {
	env := maps.Clone(rec.Config.Env)
	if env == nil {
		env = map[string]string{}
	}
	extra, err := h.ReadEnv(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	maps.Copy(env, extra)
	env[EnvAgentID] = rec.ID
	env[EnvAgentName] = rec.Name
	env[EnvAgentDir] = h.agentDir(rec.ID)
	env[EnvHostID] = h.info.ID
	return env, nil
}
