package provider

import (
	"fmt"
	"strings"

	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/types"
)

// Record is what a provider persists per host. Backends embed it and add
// their own fields.
type Record interface {
	Info() *types.HostInfo
}

// Index is the persisted host index shared by indexed backends. Each backend
// stores its hosts under its own file (e.g. {root}/sandbox/db/hosts.json).
type Index[R any] struct {
	Hosts map[string]*R     `json:"hosts"`
	Names map[string]string `json:"names"` // name → host ID
}

// Init implements storage.Initer.
func (idx *Index[R]) Init() {
	if idx.Hosts == nil {
		idx.Hosts = make(map[string]*R)
	}
	if idx.Names == nil {
		idx.Names = make(map[string]string)
	}
}

// ClaimedBy returns the ID of the host already using name.
func (idx *Index[R]) ClaimedBy(name string) (string, bool) {
	id, ok := idx.Names[name]
	return id, ok
}

// Resolve resolves ref against idx. See ResolveRef.
func (idx *Index[R]) Resolve(ref string) (string, error) {
	return ResolveRef(idx.Hosts, idx.Names, ref)
}

// ResolveRef resolves a user-supplied reference (exact ID, name, or ID prefix)
// to a full host ID. Resolution order: exact ID → name → ID prefix (≥3 chars).
// The "host-" prefix may be omitted from ID prefixes.
func ResolveRef[R any](hosts map[string]*R, names map[string]string, ref string) (string, error) {
	if hosts[ref] != nil {
		return ref, nil
	}
	if id, ok := names[ref]; ok && hosts[id] != nil {
		return id, nil
	}
	if len(ref) >= 3 { //nolint:mnd
		var match string
		for id := range hosts {
			if strings.HasPrefix(id, ref) || strings.HasPrefix(id, "host-"+ref) {
				if match != "" && match != id {
					return "", fmt.Errorf("ambiguous host ref %q: multiple matches", ref)
				}
				match = id
			}
		}
		if match != "" {
			return match, nil
		}
	}
	return "", errdefs.NotFound("host", ref)
}

// Infos returns copies of every record's HostInfo, skipping destroyed hosts
// unless includeDestroyed.
func Infos[R any, PR interface {
	*R
	Record
}](hosts map[string]*R, includeDestroyed bool) []*types.HostInfo {
	var out []*types.HostInfo
	for _, rec := range hosts {
		if rec == nil {
			continue
		}
		info := *PR(rec).Info()
		if info.State == types.HostStateDestroyed && !includeDestroyed {
			continue
		}
		out = append(out, &info)
	}
	SortInfos(out)
	return out
}
