package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/projecteru2/warren/connector"
	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/process"
	"github.com/projecteru2/warren/provider/sandbox/api"
)

// executor runs commands inside one sandbox through the exec API.
type executor struct {
	client    *api.Client
	sandboxID string
}

var _ connector.Executor = (*executor)(nil)

func (e *executor) Exec(ctx context.Context, argv []string, opts connector.RunOptions) (process.Result, error) {
	req := api.ExecRequest{Argv: argv, Dir: opts.Dir, Env: opts.Env}
	if opts.Stdin != nil {
		data, err := io.ReadAll(opts.Stdin)
		if err != nil {
			return process.Result{}, fmt.Errorf("read stdin: %w", err)
		}
		req.Stdin = data
	}
	if opts.Timeout > 0 {
		req.TimeoutSeconds = opts.Timeout.Seconds()
	}
	out, err := e.client.Exec(ctx, e.sandboxID, req)
	if err != nil {
		if api.IsNotFound(err) {
			return process.Result{}, &errdefs.SetupError{Op: "exec in sandbox " + e.sandboxID, Err: err}
		}
		return process.Result{}, err
	}
	res := process.Result{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}
	if opts.Sink != nil {
		pushLines(opts.Sink, res.Stdout, true)
		pushLines(opts.Sink, res.Stderr, false)
	}
	if opts.Checked && res.ExitCode != 0 {
		return res, &errdefs.ProcessError{Argv: argv, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// pushLines replays buffered output to a sink; the exec API is not streaming.
func pushLines(sink process.Sink, text string, stdout bool) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024) //nolint:mnd
	for scanner.Scan() {
		sink.Push(process.Line{Text: scanner.Text(), Stdout: stdout})
	}
}
