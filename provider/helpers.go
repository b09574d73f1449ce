package provider

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/host"
	"github.com/projecteru2/warren/types"
)

// Unsupported returns the capability error for op on providerName.
func Unsupported(providerName, capability, op string) error {
	return &errdefs.CapabilityError{Provider: providerName, Capability: capability, Op: op}
}

// Offline wraps ErrHostOffline with the host and its state.
func Offline(info *types.HostInfo) error {
	return fmt.Errorf("%w: %s (%s)", ErrHostOffline, info.Name, info.State)
}

// ForEach runs fn for each ref, collects successes, and logs failures.
// In bestEffort mode all refs are attempted and errors are joined;
// otherwise the first error stops processing. The returned succeeded slice
// is always valid, even when err != nil.
func ForEach(ctx context.Context, refs []string, op string, bestEffort bool, fn func(context.Context, string) error) ([]string, error) {
	logger := log.WithFunc("provider." + op)
	var succeeded []string
	var errs []error
	for _, ref := range refs {
		if err := fn(ctx, ref); err != nil {
			if !bestEffort {
				return succeeded, fmt.Errorf("%s host %s: %w", op, ref, err)
			}
			logger.Warnf(ctx, "%s host %s: %v", op, ref, err)
			errs = append(errs, fmt.Errorf("host %s: %w", ref, err))
			continue
		}
		succeeded = append(succeeded, ref)
	}
	return succeeded, errors.Join(errs...)
}

// Certify captures what an online host knows about itself so it can be
// inspected once offline. A host that cannot list its agents still gets
// certified with what the provider knows.
func Certify(ctx context.Context, h *host.Host, tags map[string]string, snaps []types.Snapshot) *types.CertifiedData {
	cd := &types.CertifiedData{
		Tags:       maps.Clone(tags),
		Snapshots:  types.OrderSnapshots(snaps),
		CapturedAt: time.Now(),
	}
	if h == nil {
		return cd
	}
	refs, err := h.AgentRefs(ctx)
	if err != nil {
		log.WithFunc("provider.Certify").Warnf(ctx, "list agents on %s: %v", h.Name(), err)
		return cd
	}
	cd.Agents = refs
	return cd
}

// MergeTags returns base with add applied.
func MergeTags(base, add map[string]string) map[string]string {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]string, len(add))
	}
	maps.Copy(out, add)
	return out
}

// DropTags returns base without keys.
func DropTags(base map[string]string, keys []string) map[string]string {
	out := maps.Clone(base)
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// SortInfos orders hosts by creation time, then name.
func SortInfos(infos []*types.HostInfo) {
	slices.SortFunc(infos, func(a, b *types.HostInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
}

// ValidateHostName rejects names that cannot be a volume name or a path
// component.
func ValidateHostName(name string) error {
	if name == "" {
		return errors.New("host name is required")
	}
	if strings.ContainsAny(name, "/\\:. \t\n") || strings.HasPrefix(name, "-") {
		return fmt.Errorf("invalid host name %q: must not contain '/', ':', '.', whitespace or start with '-'", name)
	}
	return nil
}
