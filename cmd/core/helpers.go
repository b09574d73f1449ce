package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/projecteru2/warren/config"
	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/fleet"
	"github.com/projecteru2/warren/progress"
	"github.com/projecteru2/warren/types"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// Fleet builds the command's fleet. Callers Close it when done.
func (h BaseHandler) Fleet(cmd *cobra.Command, opts ...fleet.Option) (context.Context, *fleet.Fleet, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	f, err := fleet.New(conf, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("init fleet: %w", err)
	}
	return ctx, f, nil
}

// WithPrinter returns a fleet option that prints provider progress events
// of type E with fn.
func WithPrinter[E any](fn func(E)) fleet.Option {
	return fleet.WithTracker(progress.NewTracker(fn))
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// AddErrorBehaviorFlag adds --on-error to a fan-out command.
func AddErrorBehaviorFlag(cmd *cobra.Command) {
	cmd.Flags().String("on-error", "continue", "error behavior for multi-host queries: abort|continue")
}

// ErrorBehavior reads --on-error.
func ErrorBehavior(cmd *cobra.Command) (errdefs.ErrorBehavior, error) {
	s, _ := cmd.Flags().GetString("on-error")
	return errdefs.ParseErrorBehavior(s)
}

// ReportRecords prints collected errors to stderr and returns a non-nil
// error when there were any, so the command exits non-zero after printing
// its partial results.
func ReportRecords(records []errdefs.ErrorRecord) error {
	for _, r := range records {
		fmt.Fprintf(os.Stderr, "error: %v\n", r)
	}
	return fleet.HasErrors(records)
}

// HostConfigFromFlags builds a HostConfig for "host create".
func HostConfigFromFlags(cmd *cobra.Command, name string) (types.HostConfig, error) {
	image, _ := cmd.Flags().GetString("image")
	cpu, _ := cmd.Flags().GetInt("cpu")
	memStr, _ := cmd.Flags().GetString("memory")
	snapshot, _ := cmd.Flags().GetString("snapshot")
	tagArgs, _ := cmd.Flags().GetStringArray("tag")

	cfg := types.HostConfig{Name: name, Image: image, SnapshotID: snapshot, Resources: types.Resources{CPUCount: cpu}}
	if memStr != "" {
		mem, err := units.RAMInBytes(memStr)
		if err != nil {
			return cfg, fmt.Errorf("invalid --memory %q: %w", memStr, err)
		}
		cfg.Resources.MemoryBytes = mem
	}
	tags, err := ParseTags(tagArgs)
	if err != nil {
		return cfg, err
	}
	cfg.Tags = tags
	return cfg, nil
}

// ParseTags parses KEY=VALUE pairs.
func ParseTags(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid tag %q: want KEY=VALUE", a)
		}
		tags[k] = v
	}
	return tags, nil
}

// PrintJSON writes v as indented JSON to stdout.
func PrintJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table returns a tabwriter for column output; callers Flush it.
func Table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0) //nolint:mnd
}

func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "-"
	}
	return units.BytesSize(float64(bytes))
}

// FormatAge renders t as a human duration ago.
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return units.HumanDuration(time.Since(t)) + " ago"
}
