// Package host is the handle callers use to manage agents on one host. All
// commands and file access go through the host's connector, so the same
// code drives local, SSH and sandbox hosts.
package host

import (
	"context"
	"path"
	"sync"

	"github.com/projecteru2/warren/connector"
	"github.com/projecteru2/warren/hooks"
	"github.com/projecteru2/warren/tmux"
	"github.com/projecteru2/warren/types"
)

// DefaultPrefix namespaces agent session names.
const DefaultPrefix = "warren-"

const (
	agentsDirName  = "agents"
	dataFile       = "data.json"
	activeFile     = "active"
	envFile        = "env.json"
	statusDirName  = "status"
	activityDir    = "activity"
	pluginsDirName = "plugins"

	statusSummaryFile  = "summary.txt"
	statusMarkdownFile = "status.md"
	statusHTMLFile     = "status.html"
)

// Options configures a Host.
type Options struct {
	// Dir is the state directory on the host itself.
	Dir        string
	Prefix     string
	TmuxSocket string
	Hooks      *hooks.Registry
}

// Host is one online host.
type Host struct {
	info   types.HostInfo
	conn   connector.Connector
	tmux   *tmux.Client
	dir    string
	prefix string
	hooks  *hooks.Registry

	// createMu keeps agent names unique among concurrent creators in this process.
	createMu sync.Mutex
}

// New returns a Host for info reached through conn.
func New(info types.HostInfo, conn connector.Connector, opts Options) *Host {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	return &Host{
		info:   info,
		conn:   conn,
		tmux:   tmux.New(conn, opts.TmuxSocket),
		dir:    opts.Dir,
		prefix: opts.Prefix,
		hooks:  opts.Hooks,
	}
}

func (h *Host) ID() string                     { return h.info.ID }
func (h *Host) Name() string                   { return h.info.Name }
func (h *Host) Provider() string               { return h.info.Provider }
func (h *Host) Info() types.HostInfo           { return h.info }
func (h *Host) Connector() connector.Connector { return h.conn }
func (h *Host) Tmux() *tmux.Client             { return h.tmux }
func (h *Host) Dir() string                    { return h.dir }
func (h *Host) Prefix() string                 { return h.prefix }

// SessionName is the tmux session of the named agent.
func (h *Host) SessionName(agentName string) string { return h.prefix + agentName }

// AgentRefs lists the host's agents by reference, for certified data.
func (h *Host) AgentRefs(ctx context.Context) ([]types.AgentRef, error) {
	recs, err := h.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]types.AgentRef, 0, len(recs))
	for _, r := range recs {
		refs = append(refs, r.Ref())
	}
	return refs, nil
}

func (h *Host) agentsDir() string            { return path.Join(h.dir, agentsDirName) }
func (h *Host) agentDir(id string) string    { return path.Join(h.agentsDir(), id) }
func (h *Host) dataPath(id string) string    { return path.Join(h.agentDir(id), dataFile) }
func (h *Host) activePath(id string) string  { return path.Join(h.agentDir(id), activeFile) }
func (h *Host) envPath(id string) string     { return path.Join(h.agentDir(id), envFile) }
func (h *Host) statusDir(id string) string   { return path.Join(h.agentDir(id), statusDirName) }
func (h *Host) activityDir(id string) string { return path.Join(h.agentDir(id), activityDir) }
func (h *Host) pluginPath(id, plugin string) string {
	return path.Join(h.agentDir(id), pluginsDirName, plugin+".json")
}
