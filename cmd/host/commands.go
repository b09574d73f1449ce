package host

import (
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/warren/cmd/core"
)

// Actions defines host lifecycle, snapshot, volume and tag operations.
type Actions interface {
	Create(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	Start(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error

	Tags(cmd *cobra.Command, args []string) error
	SetTags(cmd *cobra.Command, args []string) error
	AddTags(cmd *cobra.Command, args []string) error
	RemoveTags(cmd *cobra.Command, args []string) error

	Snapshot(cmd *cobra.Command, args []string) error
	Snapshots(cmd *cobra.Command, args []string) error
	RMSnapshot(cmd *cobra.Command, args []string) error

	Volumes(cmd *cobra.Command, args []string) error
	RMVolume(cmd *cobra.Command, args []string) error
}

// Command builds the "host" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	hostCmd := &cobra.Command{
		Use:   "host",
		Short: "Manage hosts across providers",
	}

	createCmd := &cobra.Command{
		Use:   "create [flags] NAME",
		Short: "Create a host on a provider",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Create,
	}
	createCmd.Flags().String("provider", "", "provider instance name (required when several are enabled)")
	createCmd.Flags().String("image", "", "image reference (sandbox)")
	createCmd.Flags().Int("cpu", 0, "CPU count (0 = provider default)")
	createCmd.Flags().String("memory", "", "memory size, e.g. 4G (empty = provider default)")
	createCmd.Flags().String("snapshot", "", "restore from a snapshot instead of an image")
	createCmd.Flags().StringArray("tag", nil, "tag KEY=VALUE (repeatable)")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List hosts of every provider",
		RunE:    h.List,
	}
	listCmd.Flags().BoolP("all", "a", false, "include destroyed hosts")
	listCmd.Flags().Bool("json", false, "print JSON")
	cmdcore.AddErrorBehaviorFlag(listCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect HOST",
		Short: "Show detailed host info (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Inspect,
	}

	startCmd := &cobra.Command{
		Use:   "start [flags] HOST",
		Short: "Start a stopped host and its boot agents",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Start,
	}
	startCmd.Flags().String("snapshot", "", "snapshot to restore (default: most recent)")

	stopCmd := &cobra.Command{
		Use:   "stop [flags] HOST [HOST...]",
		Short: "Stop host(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Stop,
	}
	stopCmd.Flags().Bool("snapshot", false, "snapshot before stopping")
	stopCmd.Flags().Bool("best-effort", false, "keep going after a failure")

	rmCmd := &cobra.Command{
		Use:     "destroy [flags] HOST [HOST...]",
		Aliases: []string{"rm"},
		Short:   "Destroy host(s), keeping the record for inspection",
		Args:    cobra.MinimumNArgs(1),
		RunE:    h.RM,
	}
	rmCmd.Flags().Bool("purge", false, "delete the host record too")
	rmCmd.Flags().Bool("best-effort", false, "keep going after a failure")

	tagCmd := &cobra.Command{
		Use:   "tag HOST",
		Short: "Show or change host tags",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Tags,
	}
	tagCmd.AddCommand(
		&cobra.Command{
			Use:   "set HOST KEY=VALUE...",
			Short: "Replace all tags",
			Args:  cobra.MinimumNArgs(1),
			RunE:  h.SetTags,
		},
		&cobra.Command{
			Use:   "add HOST KEY=VALUE...",
			Short: "Add or overwrite tags",
			Args:  cobra.MinimumNArgs(2), //nolint:mnd
			RunE:  h.AddTags,
		},
		&cobra.Command{
			Use:   "rm HOST KEY...",
			Short: "Remove tags",
			Args:  cobra.MinimumNArgs(2), //nolint:mnd
			RunE:  h.RemoveTags,
		},
	)

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage host snapshots",
	}
	snapshotCmd.AddCommand(
		&cobra.Command{
			Use:   "create HOST [NAME]",
			Short: "Snapshot a running host",
			Args:  cobra.RangeArgs(1, 2), //nolint:mnd
			RunE:  h.Snapshot,
		},
		&cobra.Command{
			Use:     "list HOST",
			Aliases: []string{"ls"},
			Short:   "List a host's snapshots, newest first",
			Args:    cobra.ExactArgs(1),
			RunE:    h.Snapshots,
		},
		&cobra.Command{
			Use:   "rm HOST SNAPSHOT",
			Short: "Delete a snapshot",
			Args:  cobra.ExactArgs(2), //nolint:mnd
			RunE:  h.RMSnapshot,
		},
	)

	volumeCmd := &cobra.Command{
		Use:   "volume",
		Short: "Manage persistent volumes",
	}
	volumeListCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List volumes of every provider",
		RunE:    h.Volumes,
	}
	volumeListCmd.Flags().String("provider", "", "only this provider")
	volumeRMCmd := &cobra.Command{
		Use:   "rm VOLUME",
		Short: "Delete a volume not in use",
		Args:  cobra.ExactArgs(1),
		RunE:  h.RMVolume,
	}
	volumeRMCmd.Flags().String("provider", "", "provider owning the volume")
	volumeCmd.AddCommand(volumeListCmd, volumeRMCmd)

	hostCmd.AddCommand(
		createCmd,
		listCmd,
		inspectCmd,
		startCmd,
		stopCmd,
		rmCmd,
		tagCmd,
		snapshotCmd,
		volumeCmd,
	)
	return hostCmd
}
