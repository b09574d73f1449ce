package others

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/warren/cmd/core"
	"github.com/projecteru2/warren/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	collected, err := f.RunGC(ctx)
	logger := log.WithFunc("cmd.gc")
	for _, name := range slices.Sorted(maps.Keys(collected)) {
		logger.Infof(ctx, "%s: collected %d", name, collected[name])
	}
	if err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	logger.Infof(ctx, "GC completed")
	return nil
}

func (h Handler) Providers(cmd *cobra.Command, _ []string) error {
	_, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	w := cmdcore.Table(os.Stdout)
	_, _ = fmt.Fprintln(w, "NAME\tTYPE\tSNAPSHOTS\tSHUTDOWN\tVOLUMES\tMUTABLE TAGS")
	for _, p := range f.Providers() {
		c := p.Capabilities()
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Name(), p.Type(), yesNo(c.Snapshots), yesNo(c.ShutdownHosts), yesNo(c.Volumes), yesNo(c.MutableTags))
	}
	return w.Flush()
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
