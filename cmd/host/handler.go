package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/warren/cmd/core"
	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/fleet"
	"github.com/projecteru2/warren/provider"
	sandboxProgress "github.com/projecteru2/warren/progress/sandbox"
	"github.com/projecteru2/warren/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Create(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd, cmdcore.WithPrinter(printSandboxEvent))
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	cfg, err := cmdcore.HostConfigFromFlags(cmd, args[0])
	if err != nil {
		return err
	}
	providerName, _ := cmd.Flags().GetString("provider")
	p, err := pickProvider(f, providerName)
	if err != nil {
		return err
	}
	info, err := p.CreateHost(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create host: %w", err)
	}
	logger := log.WithFunc("cmd.host.create")
	logger.Infof(ctx, "host created: %s (name: %s, provider: %s, state: %s)", info.ID, info.Name, info.Provider, info.State)
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	behavior, err := cmdcore.ErrorBehavior(cmd)
	if err != nil {
		return err
	}
	all, _ := cmd.Flags().GetBool("all")
	asJSON, _ := cmd.Flags().GetBool("json")

	hosts, records, err := f.ListHosts(ctx, all, behavior)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if asJSON {
		if hosts == nil {
			hosts = []*types.HostInfo{}
		}
		if err := cmdcore.PrintJSON(hosts); err != nil {
			return err
		}
		return cmdcore.ReportRecords(records)
	}
	if len(hosts) == 0 {
		fmt.Println("No hosts found.")
		return cmdcore.ReportRecords(records)
	}

	w := cmdcore.Table(os.Stdout)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tSTATE\tCPU\tMEMORY\tADDRESS\tCREATED")
	for _, info := range hosts {
		cpu := "-"
		if info.Resources.CPUCount > 0 {
			cpu = fmt.Sprint(info.Resources.CPUCount)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			info.ID,
			info.Name,
			info.Provider,
			info.State,
			cpu,
			cmdcore.FormatSize(info.Resources.MemoryBytes),
			orDash(info.Address),
			info.CreatedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return cmdcore.ReportRecords(records)
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	_, info, err := f.FindHost(ctx, args[0])
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	return cmdcore.PrintJSON(info)
}

func (h Handler) Start(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd, cmdcore.WithPrinter(printSandboxEvent))
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	snapshot, _ := cmd.Flags().GetString("snapshot")
	info, started, err := f.StartHost(ctx, args[0], snapshot)
	logger := log.WithFunc("cmd.host.start")
	if info != nil {
		logger.Infof(ctx, "host started: %s (name: %s)", info.ID, info.Name)
	}
	for _, name := range started {
		logger.Infof(ctx, "boot agent started: %s", name)
	}
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	snapshot, _ := cmd.Flags().GetBool("snapshot")
	bestEffort, _ := cmd.Flags().GetBool("best-effort")
	done, err := f.StopHosts(ctx, args, snapshot, bestEffort)
	return report(ctx, "stop", "stopped", done, err)
}

// RM destroys hosts. Hosts handled before a failure are always reported.
func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	purge, _ := cmd.Flags().GetBool("purge")
	bestEffort, _ := cmd.Flags().GetBool("best-effort")
	done, err := f.DestroyHosts(ctx, args, purge, bestEffort)
	if purge {
		return report(ctx, "delete", "deleted", done, err)
	}
	return report(ctx, "destroy", "destroyed", done, err)
}

func (h Handler) Tags(cmd *cobra.Command, args []string) error {
	return h.withHost(cmd, args[0], func(ctx context.Context, p provider.Provider, info *types.HostInfo) error {
		tags, err := p.Tags(ctx, info.ID)
		if err != nil {
			return err
		}
		for _, t := range types.TagList(tags) {
			fmt.Printf("%s=%s\n", t.Key, t.Value)
		}
		return nil
	})
}

func (h Handler) SetTags(cmd *cobra.Command, args []string) error {
	tags, err := cmdcore.ParseTags(args[1:])
	if err != nil {
		return err
	}
	return h.withHost(cmd, args[0], func(ctx context.Context, p provider.Provider, info *types.HostInfo) error {
		return p.SetTags(ctx, info.ID, tags)
	})
}

func (h Handler) AddTags(cmd *cobra.Command, args []string) error {
	tags, err := cmdcore.ParseTags(args[1:])
	if err != nil {
		return err
	}
	return h.withHost(cmd, args[0], func(ctx context.Context, p provider.Provider, info *types.HostInfo) error {
		return p.AddTags(ctx, info.ID, tags)
	})
}

func (h Handler) RemoveTags(cmd *cobra.Command, args []string) error {
	return h.withHost(cmd, args[0], func(ctx context.Context, p provider.Provider, info *types.HostInfo) error {
		return p.RemoveTags(ctx, info.ID, args[1:])
	})
}

func (h Handler) Snapshot(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) > 1 {
		name = args[1]
	}
	return h.withHost(cmd, args[0], func(ctx context.Context, p provider.Provider, info *types.HostInfo) error {
		snap, err := p.CreateSnapshot(ctx, info.ID, name)
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		log.WithFunc("cmd.host.snapshot").Infof(ctx, "snapshot created: %s (name: %s, host: %s)", snap.ID, snap.Name, info.Name)
		return nil
	})
}

func (h Handler) Snapshots(cmd *cobra.Command, args []string) error {
	return h.withHost(cmd, args[0], func(ctx context.Context, p provider.Provider, info *types.HostInfo) error {
		snaps, err := p.ListSnapshots(ctx, info.ID)
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots found.")
			return nil
		}
		w := cmdcore.Table(os.Stdout)
		_, _ = fmt.Fprintln(w, "#\tID\tNAME\tCREATED")
		for _, s := range snaps {
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.RecencyIdx, s.ID, s.Name, cmdcore.FormatAge(s.CreatedAt))
		}
		return w.Flush()
	})
}

func (h Handler) RMSnapshot(cmd *cobra.Command, args []string) error {
	return h.withHost(cmd, args[0], func(ctx context.Context, p provider.Provider, info *types.HostInfo) error {
		if err := p.DeleteSnapshot(ctx, info.ID, args[1]); err != nil {
			return fmt.Errorf("rm snapshot: %w", err)
		}
		log.WithFunc("cmd.host.snapshot").Infof(ctx, "snapshot deleted: %s", args[1])
		return nil
	})
}

func (h Handler) Volumes(cmd *cobra.Command, _ []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	only, _ := cmd.Flags().GetString("provider")
	var records []errdefs.ErrorRecord
	w := cmdcore.Table(os.Stdout)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tHOST\tSIZE\tCREATED")
	for _, p := range f.Providers() {
		if only != "" && p.Name() != only {
			continue
		}
		if !p.Capabilities().Volumes {
			continue
		}
		vols, err := p.ListVolumes(ctx)
		if err != nil {
			records = append(records, errdefs.ErrorRecord{Provider: p.Name(), Err: err})
			continue
		}
		for _, v := range vols {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				v.ID, orDash(v.Name), p.Name(), orDash(v.HostID), cmdcore.FormatSize(v.SizeBytes), cmdcore.FormatAge(v.CreatedAt))
		}
	}
	w.Flush() //nolint:errcheck,gosec
	return cmdcore.ReportRecords(records)
}

func (h Handler) RMVolume(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	name, _ := cmd.Flags().GetString("provider")
	var candidates []provider.Provider
	for _, p := range f.Providers() {
		if p.Capabilities().Volumes && (name == "" || p.Name() == name) {
			candidates = append(candidates, p)
		}
	}
	switch len(candidates) {
	case 0:
		if name != "" {
			if _, err := f.Provider(name); err != nil {
				return err
			}
			return provider.Unsupported(name, provider.CapVolumes, "delete volume")
		}
		return fmt.Errorf("no enabled provider supports volumes")
	case 1:
	default:
		return fmt.Errorf("several providers support volumes, pick one with --provider")
	}
	if err := candidates[0].DeleteVolume(ctx, args[0]); err != nil {
		return fmt.Errorf("rm volume: %w", err)
	}
	log.WithFunc("cmd.host.volume").Infof(ctx, "volume deleted: %s", args[0])
	return nil
}

func (h Handler) withHost(cmd *cobra.Command, ref string, fn func(context.Context, provider.Provider, *types.HostInfo) error) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	p, info, err := f.FindHost(ctx, ref)
	if err != nil {
		return err
	}
	return fn(ctx, p, info)
}

// pickProvider returns the named provider, or the only one enabled.
func pickProvider(f *fleet.Fleet, name string) (provider.Provider, error) {
	if name != "" {
		return f.Provider(name)
	}
	ps := f.Providers()
	if len(ps) == 1 {
		return ps[0], nil
	}
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		names = append(names, p.Name())
	}
	return nil, errors.New("several providers enabled, pick one with --provider: " + strings.Join(names, ", "))
}

func report(ctx context.Context, name, pastTense string, done []string, err error) error {
	logger := log.WithFunc("cmd.host." + name)
	for _, ref := range done {
		logger.Infof(ctx, "%s: %s", pastTense, ref)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if len(done) == 0 {
		logger.Infof(ctx, "no hosts %s", pastTense)
	}
	return nil
}

func printSandboxEvent(e sandboxProgress.Event) {
	if e.Detail == "" {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", e.HostID, e.Phase)
		return
	}
	fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", e.HostID, e.Phase, e.Detail)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
