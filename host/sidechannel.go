package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/projecteru2/warren/types"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// SetActive creates or removes the agent's activity marker. Normally an
// agent-side hook does this; the marker's existence is the only signal.
func (h *Host) SetActive(ctx context.Context, agentID string, active bool) error {
	if !active {
		return h.conn.Remove(ctx, h.activePath(agentID))
	}
	return h.conn.WriteFile(ctx, h.activePath(agentID), []byte(time.Now().UTC().Format(time.RFC3339Nano)+"\n"), 0o644) //nolint:mnd
}

// RecordActivity stores the time source last reported activity.
func (h *Host) RecordActivity(ctx context.Context, agentID string, source types.ActivitySource, at time.Time) error {
	p := path.Join(h.activityDir(agentID), string(source))
	if err := h.conn.WriteFile(ctx, p, []byte(at.UTC().Format(time.RFC3339Nano)+"\n"), 0o644); err != nil { //nolint:mnd
		return fmt.Errorf("record %s activity: %w", source, err)
	}
	return nil
}

// ReadActivity returns the last time source reported activity; ok is false
// when it never has.
func (h *Host) ReadActivity(ctx context.Context, agentID string, source types.ActivitySource) (at time.Time, ok bool, err error) {
	raw, err := h.conn.ReadFile(ctx, path.Join(h.activityDir(agentID), string(source)))
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	at, err = time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s activity: %w", source, err)
	}
	return at, true, nil
}

// LatestActivity returns the most recent activity over all sources.
func (h *Host) LatestActivity(ctx context.Context, agentID string) (time.Time, types.ActivitySource, error) {
	var latest time.Time
	var from types.ActivitySource
	for _, src := range []types.ActivitySource{types.ActivityUser, types.ActivityAgent, types.ActivitySSH} {
		at, ok, err := h.ReadActivity(ctx, agentID, src)
		if err != nil {
			return time.Time{}, "", err
		}
		if ok && at.After(latest) {
			latest, from = at, src
		}
	}
	return latest, from, nil
}

// WriteStatus publishes the agent's status: the first line of summary, the
// full markdown, and the markdown rendered to HTML.
func (h *Host) WriteStatus(ctx context.Context, agentID, summary, md string) error {
	dir := h.statusDir(agentID)
	line, _, _ := strings.Cut(strings.TrimSpace(summary), "\n")
	if err := h.conn.WriteFile(ctx, path.Join(dir, statusSummaryFile), []byte(line+"\n"), 0o644); err != nil { //nolint:mnd
		return fmt.Errorf("write status summary: %w", err)
	}
	if md == "" {
		for _, name := range []string{statusMarkdownFile, statusHTMLFile} {
			if err := h.conn.Remove(ctx, path.Join(dir, name)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := h.conn.WriteFile(ctx, path.Join(dir, statusMarkdownFile), []byte(md), 0o644); err != nil { //nolint:mnd
		return fmt.Errorf("write status markdown: %w", err)
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return fmt.Errorf("render status: %w", err)
	}
	if err := h.conn.WriteFile(ctx, path.Join(dir, statusHTMLFile), buf.Bytes(), 0o644); err != nil { //nolint:mnd
		return fmt.Errorf("write status html: %w", err)
	}
	return nil
}

// ReadStatus returns whatever status files exist; missing ones are empty.
func (h *Host) ReadStatus(ctx context.Context, agentID string) (types.AgentStatus, error) {
	var st types.AgentStatus
	dir := h.statusDir(agentID)
	for name, dst := range map[string]*string{
		statusSummaryFile:  &st.Summary,
		statusMarkdownFile: &st.Markdown,
		statusHTMLFile:     &st.HTML,
	} {
		raw, err := h.conn.ReadFile(ctx, path.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return st, fmt.Errorf("read %s: %w", name, err)
		}
		*dst = string(raw)
	}
	st.Summary = strings.TrimSpace(st.Summary)
	return st, nil
}

// WritePluginData stores v as plugins/<plugin>.json.
func (h *Host) WritePluginData(ctx context.Context, agentID, plugin string, v any) error {
	if err := validPluginName(plugin); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plugin %s data: %w", plugin, err)
	}
	return h.conn.WriteFile(ctx, h.pluginPath(agentID, plugin), raw, 0o644) //nolint:mnd
}

// ReadPluginData decodes plugins/<plugin>.json into v; ok is false when absent.
func (h *Host) ReadPluginData(ctx context.Context, agentID, plugin string, v any) (bool, error) {
	if err := validPluginName(plugin); err != nil {
		return false, err
	}
	raw, err := h.conn.ReadFile(ctx, h.pluginPath(agentID, plugin))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode plugin %s data: %w", plugin, err)
	}
	return true, nil
}

// WriteEnv replaces the agent's extra environment (env.json).
func (h *Host) WriteEnv(ctx context.Context, agentID string, env map[string]string) error {
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	return h.conn.WriteFile(ctx, h.envPath(agentID), raw, 0o600) //nolint:mnd
}

// ReadEnv returns the agent's extra environment; none is an empty map.
func (h *Host) ReadEnv(ctx context.Context, agentID string) (map[string]string, error) {
	env := map[string]string{}
	raw, err := h.conn.ReadFile(ctx, h.envPath(agentID))
	if errors.Is(err, fs.ErrNotExist) {
		return env, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return env, nil
}

func validPluginName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid plugin name %q", name)
	}
	return nil
}
