package agent

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	cmdcore "github.com/projecteru2/warren/cmd/core"
	"github.com/projecteru2/warren/fleet"
	"github.com/projecteru2/warren/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Create(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	cfg, err := agentConfigFromFlags(cmd)
	if err != nil {
		return err
	}
	hostRef, _ := cmd.Flags().GetString("host")
	hst, err := f.GetHost(ctx, hostRef)
	if err != nil {
		return err
	}
	rec, err := hst.CreateAgentState(ctx, args[0], cfg)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	logger := log.WithFunc("cmd.agent.create")
	logger.Infof(ctx, "agent created: %s (name: %s, host: %s)", rec.ID, rec.Name, hst.Name())

	if start, _ := cmd.Flags().GetBool("start"); !start {
		logger.Infof(ctx, "start with: warren agent start %s@%s", rec.Name, hst.Name())
		return nil
	}
	info, err := hst.StartAgent(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	logger.Infof(ctx, "agent started: %s (state: %s)", info.Name, info.State)
	return nil
}

func (h Handler) Start(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	hst, rec, err := f.FindAgent(ctx, args[0])
	if err != nil {
		return err
	}
	info, err := hst.StartAgent(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.WithFunc("cmd.agent.start").Infof(ctx, "agent %s on %s: %s", info.Name, hst.Name(), info.State)
	return nil
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	hst, rec, err := f.FindAgent(ctx, args[0])
	if err != nil {
		return err
	}
	if err := hst.StopAgent(ctx, rec.ID); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	hst, rec, err := f.FindAgent(ctx, args[0])
	if err != nil {
		return err
	}
	if err := hst.DestroyAgent(ctx, rec.ID); err != nil {
		return fmt.Errorf("rm: %w", err)
	}
	return nil
}

// List prints what could be loaded, then fails if any host could not be.
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
	result, records, err := f.LoadAgents(ctx, behavior)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		if result == nil {
			result = []fleet.HostAgents{}
		}
		if err := cmdcore.PrintJSON(result); err != nil {
			return err
		}
		return cmdcore.ReportRecords(records)
	}

	w := cmdcore.Table(os.Stdout)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tHOST\tSTATE\tCOMMAND\tCREATED")
	n := 0
	for _, ha := range result {
		for _, a := range ha.Agents {
			n++
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.Name, ha.Host.Name, a.State, orDash(a.Config.Command), cmdcore.FormatAge(a.CreatedAt))
		}
	}
	if n == 0 {
		fmt.Println("No agents found.")
	} else {
		w.Flush() //nolint:errcheck,gosec
	}
	return cmdcore.ReportRecords(records)
}

func (h Handler) State(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	hst, rec, err := f.FindAgent(ctx, args[0])
	if err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetStringSlice("wait")
	if len(wait) == 0 {
		st, err := hst.AgentState(ctx, rec)
		if err != nil {
			return err
		}
		fmt.Println(st)
		return nil
	}

	want := make([]types.AgentState, 0, len(wait))
	for _, w := range wait {
		want = append(want, types.AgentState(strings.ToUpper(w)))
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		timeout = rec.Config.ReadyTimeout()
	}
	st, err := hst.WaitForAgentState(ctx, rec.ID, timeout, want...)
	if st != "" {
		fmt.Println(st)
	}
	return err
}

func (h Handler) Message(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	hst, rec, err := f.FindAgent(ctx, args[0])
	if err != nil {
		return err
	}
	return hst.SendMessage(ctx, rec.ID, strings.Join(args[1:], " "))
}

func (h Handler) Output(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	hst, rec, err := f.FindAgent(ctx, args[0])
	if err != nil {
		return err
	}
	lines, _ := cmd.Flags().GetInt("lines")
	out, err := hst.CaptureOutput(ctx, rec.ID, lines)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

// Connect replaces this process with the attach command so the terminal
// belongs to tmux until it detaches.
func (h Handler) Connect(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("stdin is not a terminal")
	}
	hst, rec, err := f.FindAgent(ctx, args[0])
	if err != nil {
		return err
	}
	argv, err := hst.ConnectArgv(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	_ = hst.RecordActivity(ctx, rec.ID, types.ActivityUser, time.Now())
	return syscall.Exec(bin, argv, os.Environ()) //nolint:gosec
}

func (h Handler) Status(cmd *cobra.Command, args []string) error {
	ctx, f, err := h.Fleet(cmd)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	hst, rec, err := f.FindAgent(ctx, args[0])
	if err != nil {
		return err
	}

	summary, _ := cmd.Flags().GetString("set")
	mdFile, _ := cmd.Flags().GetString("markdown-file")
	if summary != "" || mdFile != "" {
		md, err := readMarkdown(mdFile)
		if err != nil {
			return err
		}
		return hst.WriteStatus(ctx, rec.ID, summary, md)
	}

	st, err := hst.ReadStatus(ctx, rec.ID)
	if err != nil {
		return err
	}
	if asHTML, _ := cmd.Flags().GetBool("html"); asHTML {
		fmt.Print(st.HTML)
		return nil
	}
	fmt.Println(orDash(st.Summary))
	if st.Markdown != "" {
		fmt.Println()
		fmt.Print(st.Markdown)
	}
	return nil
}

func agentConfigFromFlags(cmd *cobra.Command) (types.AgentConfig, error) {
	command, _ := cmd.Flags().GetString("command")
	workdir, _ := cmd.Flags().GetString("workdir")
	envArgs, _ := cmd.Flags().GetStringArray("env")
	perms, _ := cmd.Flags().GetStringArray("permission")
	boot, _ := cmd.Flags().GetBool("start-on-boot")
	initial, _ := cmd.Flags().GetString("initial-message")
	resume, _ := cmd.Flags().GetString("resume-message")
	ready, _ := cmd.Flags().GetDuration("ready-timeout")

	env, err := cmdcore.ParseTags(envArgs)
	if err != nil {
		return types.AgentConfig{}, fmt.Errorf("--env: %w", err)
	}
	return types.AgentConfig{
		Command:             command,
		WorkDir:             workdir,
		Env:                 env,
		Permissions:         perms,
		StartOnBoot:         boot,
		InitialMessage:      initial,
		ResumeMessage:       resume,
		ReadyTimeoutSeconds: ready.Seconds(),
	}, nil
}

func readMarkdown(path string) (string, error) {
	switch path {
	case "":
		return "", nil
	case "-":
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
