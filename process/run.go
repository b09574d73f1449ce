package process

import (
	"context"

	"github.com/projecteru2/warren/errdefs"
)

// Result is the outcome of a process run to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run spawns argv and waits for it. Cancelling ctx terminates the process
// and returns ctx.Err() once it is gone. A Timeout expiry returns
// *errdefs.TimeoutError; Checked turns a non-zero exit into *errdefs.ProcessError.
func Run(ctx context.Context, argv []string, opts Options) (Result, error) {
	p, err := Spawn(ctx, argv, opts)
	if err != nil {
		return Result{}, err
	}
	<-p.Done()
	code, err := p.result()
	res := Result{ExitCode: code, Stdout: p.ReadStdout(), Stderr: p.ReadStderr()}
	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()
	case p.TimedOut():
		return res, &errdefs.TimeoutError{Op: "run " + argv[0], Timeout: opts.Timeout}
	}
	return res, err
}
