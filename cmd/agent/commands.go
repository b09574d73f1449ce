package agent

import (
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/warren/cmd/core"
)

// Actions defines agent lifecycle and side-channel operations.
type Actions interface {
	Create(cmd *cobra.Command, args []string) error
	Start(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	State(cmd *cobra.Command, args []string) error
	Message(cmd *cobra.Command, args []string) error
	Output(cmd *cobra.Command, args []string) error
	Connect(cmd *cobra.Command, args []string) error
	Status(cmd *cobra.Command, args []string) error
}

// Command builds the "agent" parent command. Agents are referenced as
// AGENT or AGENT@HOST.
func Command(h Actions) *cobra.Command {
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents running in tmux sessions on hosts",
	}

	createCmd := &cobra.Command{
		Use:   "create [flags] NAME",
		Short: "Create an agent on a host",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Create,
	}
	createCmd.Flags().String("host", "", "host to create the agent on (required)")
	createCmd.Flags().String("command", "", "command the agent runs (required)")
	createCmd.Flags().String("workdir", "", "working directory")
	createCmd.Flags().StringArray("env", nil, "environment KEY=VALUE (repeatable)")
	createCmd.Flags().StringArray("permission", nil, "permission granted to the agent (repeatable)")
	createCmd.Flags().Bool("start-on-boot", false, "start when the host starts")
	createCmd.Flags().String("initial-message", "", "message sent on first start")
	createCmd.Flags().String("resume-message", "", "message sent on later starts")
	createCmd.Flags().Duration("ready-timeout", 0, "wait for the agent before messaging (0 = default)")
	createCmd.Flags().Bool("start", false, "start the agent after creating it")
	_ = createCmd.MarkFlagRequired("host")
	_ = createCmd.MarkFlagRequired("command")

	startCmd := &cobra.Command{
		Use:   "start AGENT",
		Short: "Start an agent's session",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Start,
	}

	stopCmd := &cobra.Command{
		Use:   "stop AGENT",
		Short: "Kill an agent's session",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Stop,
	}

	rmCmd := &cobra.Command{
		Use:   "rm AGENT",
		Short: "Stop an agent and delete its state",
		Args:  cobra.ExactArgs(1),
		RunE:  h.RM,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List agents on every host",
		RunE:    h.List,
	}
	listCmd.Flags().Bool("json", false, "print JSON")
	cmdcore.AddErrorBehaviorFlag(listCmd)

	stateCmd := &cobra.Command{
		Use:   "state [flags] AGENT",
		Short: "Print an agent's state",
		Args:  cobra.ExactArgs(1),
		RunE:  h.State,
	}
	stateCmd.Flags().StringSlice("wait", nil, "wait until the agent reaches one of these states")
	stateCmd.Flags().Duration("timeout", 0, "how long to wait (0 = default)")

	messageCmd := &cobra.Command{
		Use:   "message AGENT TEXT...",
		Short: "Type a message into an agent's session",
		Args:  cobra.MinimumNArgs(2), //nolint:mnd
		RunE:  h.Message,
	}

	outputCmd := &cobra.Command{
		Use:   "output [flags] AGENT",
		Short: "Print an agent's recent pane output",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Output,
	}
	outputCmd.Flags().IntP("lines", "n", 50, "lines to print (0 = whole history)") //nolint:mnd

	connectCmd := &cobra.Command{
		Use:   "connect AGENT",
		Short: "Attach the terminal to an agent's session",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Connect,
	}

	statusCmd := &cobra.Command{
		Use:   "status [flags] AGENT",
		Short: "Show or publish an agent's status",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Status,
	}
	statusCmd.Flags().String("set", "", "publish this summary")
	statusCmd.Flags().String("markdown-file", "", "publish markdown details from a file (- for stdin)")
	statusCmd.Flags().Bool("html", false, "print the rendered HTML")

	agentCmd.AddCommand(
		createCmd,
		startCmd,
		stopCmd,
		rmCmd,
		listCmd,
		stateCmd,
		messageCmd,
		outputCmd,
		connectCmd,
		statusCmd,
	)
	return agentCmd
}
