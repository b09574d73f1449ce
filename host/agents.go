package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/warren/agent"
	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/hooks"
	"github.com/projecteru2/warren/tmux"
	"github.com/projecteru2/warren/types"
)

// minPrefixLen is the shortest ID prefix accepted as an agent reference.
const minPrefixLen = 3

// CreateAgentState validates the agent, persists its record and creates its
// state directory. The agent is not started.
func (h *Host) CreateAgentState(ctx context.Context, name string, cfg types.AgentConfig) (*types.AgentRecord, error) {
	if err := ValidateAgentName(name); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("agent %s: command is required", name)
	}

	h.createMu.Lock()
	defer h.createMu.Unlock()

	existing, err := h.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range existing {
		if r.Name == name {
			return nil, fmt.Errorf("agent name %q already exists on %s (id: %s)", name, h.info.Name, r.ID)
		}
	}

	rec := types.AgentRecord{
		ID:        types.NewAgentID(),
		Name:      name,
		HostID:    h.info.ID,
		Config:    cfg,
		CreatedAt: time.Now(),
	}
	if err := h.fire(ctx, hooks.BeforeAgentCreate, &rec); err != nil {
		return nil, err
	}
	for _, dir := range []string{h.statusDir(rec.ID), h.activityDir(rec.ID)} {
		if err := h.conn.MkdirAll(ctx, dir); err != nil {
			h.removeAgentDir(ctx, rec.ID)
			return nil, fmt.Errorf("create agent dir: %w", err)
		}
	}
	if err := h.writeRecord(ctx, &rec); err != nil {
		h.removeAgentDir(ctx, rec.ID)
		return nil, err
	}
	log.WithFunc("host.CreateAgentState").Infof(ctx, "agent %s (%s) created on %s", name, rec.ID, h.info.Name)
	_ = h.fire(ctx, hooks.AfterAgentCreate, &rec)
	return &rec, nil
}

// GetAgent resolves ref (exact ID, name, or unique ID prefix) to a record.
func (h *Host) GetAgent(ctx context.Context, ref string) (*types.AgentRecord, error) {
	if ref == "" {
		return nil, errdefs.NotFound("agent", ref)
	}
	if rec, err := h.readRecord(ctx, ref); err == nil {
		return rec, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	recs, err := h.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Name == ref {
			return &recs[i], nil
		}
	}
	if len(ref) >= minPrefixLen {
		var match *types.AgentRecord
		for i := range recs {
			if strings.HasPrefix(recs[i].ID, ref) || strings.HasPrefix(recs[i].ID, "agent-"+ref) {
				if match != nil {
					return nil, fmt.Errorf("ambiguous agent ref %q: multiple matches", ref)
				}
				match = &recs[i]
			}
		}
		if match != nil {
			return match, nil
		}
	}
	return nil, errdefs.NotFound("agent", ref)
}

// ListAgents returns every agent record on the host, ordered by creation.
// Unreadable records are logged and skipped; LoadAgents reports them.
func (h *Host) ListAgents(ctx context.Context) ([]types.AgentRecord, error) {
	recs, failed, err := h.scanAgents(ctx)
	if err != nil {
		return nil, err
	}
	logger := log.WithFunc("host.ListAgents")
	for _, f := range failed {
		logger.Warnf(ctx, "skip agent %s on %s: %v", f.AgentID, h.info.Name, f.Err)
	}
	return recs, nil
}

// scanAgents reads every agent directory. A directory whose record is not
// written yet is skipped; one whose record cannot be read or decoded is
// returned as a failure.
func (h *Host) scanAgents(ctx context.Context) ([]types.AgentRecord, []errdefs.ErrorRecord, error) {
	ids, err := h.conn.ListDir(ctx, h.agentsDir())
	if err != nil {
		return nil, nil, fmt.Errorf("list agents on %s: %w", h.info.Name, err)
	}
	recs := make([]types.AgentRecord, 0, len(ids))
	var failed []errdefs.ErrorRecord
	for _, id := range ids {
		if strings.HasPrefix(id, ".") {
			continue
		}
		rec, err := h.readRecord(ctx, id)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			failed = append(failed, h.agentFailure(id, err))
			continue
		}
		recs = append(recs, *rec)
	}
	sortRecords(recs)
	return recs, failed, nil
}

func (h *Host) agentFailure(agentID string, err error) errdefs.ErrorRecord {
	return errdefs.ErrorRecord{Provider: h.info.Provider, HostID: h.info.ID, AgentID: agentID, Err: err}
}

// AgentState inspects the agent's session and classifies it.
func (h *Host) AgentState(ctx context.Context, rec *types.AgentRecord) (types.AgentState, error) {
	sig, err := h.Observe(ctx, rec)
	if err != nil {
		return "", err
	}
	return agent.Classify(agent.ExpectedProcessName(rec.Config.Command), sig), nil
}

// Observe collects the live signals the state machine classifies.
func (h *Host) Observe(ctx context.Context, rec *types.AgentRecord) (agent.Signals, error) {
	var sig agent.Signals
	session := h.SessionName(rec.Name)
	ok, err := h.tmux.HasSession(ctx, session)
	if err != nil || !ok {
		return sig, err
	}
	pane, err := h.tmux.Pane(ctx, session)
	if errors.Is(err, tmux.ErrSessionNotFound) || errors.Is(err, tmux.ErrNoServer) {
		// Killed between the two queries.
		return sig, nil
	}
	if err != nil {
		return sig, err
	}
	sig.SessionExists = true
	sig.PaneCommand = pane.Command
	sig.PaneDead = pane.Dead
	if !pane.Dead && pane.PID > 0 {
		if sig.Descendants, err = h.tmux.PaneDescendants(ctx, pane.PID); err != nil {
			return sig, err
		}
	}
	if sig.ActivityMarker, err = h.conn.Exists(ctx, h.activePath(rec.ID)); err != nil {
		return sig, err
	}
	return sig, nil
}

// InspectAgent resolves ref and returns the record with its live state.
func (h *Host) InspectAgent(ctx context.Context, ref string) (*types.AgentInfo, error) {
	rec, err := h.GetAgent(ctx, ref)
	if err != nil {
		return nil, err
	}
	st, err := h.AgentState(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &types.AgentInfo{AgentRecord: *rec, State: st}, nil
}

// LoadAgents returns every agent with its live state. The session list is
// fetched once so hosts with many stopped agents stay cheap. Agents whose
// record or state cannot be read come back as failures next to the rest;
// the error is only for the host as a whole.
func (h *Host) LoadAgents(ctx context.Context) ([]types.AgentInfo, []errdefs.ErrorRecord, error) {
	recs, failed, err := h.scanAgents(ctx)
	if err != nil {
		return nil, nil, err
	}
	sessions, err := h.tmux.ListSessions(ctx)
	if err != nil {
		return nil, nil, err
	}
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s] = true
	}
	infos := make([]types.AgentInfo, 0, len(recs))
	for i := range recs {
		info := types.AgentInfo{AgentRecord: recs[i], State: types.AgentStopped}
		if live[h.SessionName(recs[i].Name)] {
			if info.State, err = h.AgentState(ctx, &recs[i]); err != nil {
				failed = append(failed, h.agentFailure(recs[i].ID, fmt.Errorf("agent %s: %w", recs[i].Name, err)))
				continue
			}
		}
		infos = append(infos, info)
	}
	return infos, failed, nil
}

// DestroyAgent kills the agent's session and removes its state directory.
func (h *Host) DestroyAgent(ctx context.Context, ref string) error {
	rec, err := h.GetAgent(ctx, ref)
	if err != nil {
		return err
	}
	if err := h.fire(ctx, hooks.BeforeAgentDestroy, rec); err != nil {
		return err
	}
	if err := h.tmux.KillSession(ctx, h.SessionName(rec.Name)); err != nil {
		return err
	}
	if err := h.conn.Remove(ctx, h.agentDir(rec.ID)); err != nil {
		return fmt.Errorf("remove agent dir: %w", err)
	}
	log.WithFunc("host.DestroyAgent").Infof(ctx, "agent %s (%s) destroyed on %s", rec.Name, rec.ID, h.info.Name)
	_ = h.fire(ctx, hooks.AfterAgentDestroy, rec)
	return nil
}

// ValidateAgentName rejects names that cannot be a tmux session suffix or a
// path component.
func ValidateAgentName(name string) error {
	if name == "" {
		return errors.New("agent name is required")
	}
	if strings.ContainsAny(name, "/\\:. \t\n") || strings.HasPrefix(name, "-") {
		return fmt.Errorf("invalid agent name %q: must not contain '/', ':', '.', whitespace or start with '-'", name)
	}
	return nil
}

func (h *Host) readRecord(ctx context.Context, id string) (*types.AgentRecord, error) {
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return nil, fs.ErrNotExist
	}
	raw, err := h.conn.ReadFile(ctx, h.dataPath(id))
	if err != nil {
		return nil, err
	}
	var rec types.AgentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", h.dataPath(id), err)
	}
	return &rec, nil
}

func (h *Host) writeRecord(ctx context.Context, rec *types.AgentRecord) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode agent %s: %w", rec.ID, err)
	}
	if err := h.conn.WriteFile(ctx, h.dataPath(rec.ID), raw, 0o644); err != nil { //nolint:mnd
		return fmt.Errorf("write agent %s: %w", rec.ID, err)
	}
	return nil
}

func (h *Host) removeAgentDir(ctx context.Context, id string) {
	if err := h.conn.Remove(ctx, h.agentDir(id)); err != nil {
		log.WithFunc("host.removeAgentDir").Warnf(ctx, "rollback agent %s: %v", id, err)
	}
}

func (h *Host) fire(ctx context.Context, p hooks.Point, rec *types.AgentRecord) error {
	info := h.info
	return h.hooks.Fire(ctx, hooks.Event{
		Point:    p,
		Provider: h.info.Provider,
		HostID:   h.info.ID,
		AgentID:  rec.ID,
		Name:     rec.Name,
		Host:     &info,
		Agent:    rec,
	})
}

func sortRecords(recs []types.AgentRecord) {
	slices.SortFunc(recs, func(a, b types.AgentRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
}
