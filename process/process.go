// Package process supervises single OS processes: it captures their output
// line by line, exposes poll/wait/terminate, and tears them down when a
// shutdown signal fires.
package process

import (
	"bytes"
	"context"
	"errors"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/utils"
)

const (
	// DefaultShutdownGrace is the SIGTERM to SIGKILL window.
	DefaultShutdownGrace = 5 * time.Second
	// pipeDrainDelay bounds how long Wait keeps reading after the child exits
	// when a descendant still holds the output pipes open.
	pipeDrainDelay = 2 * time.Second
	// exitCodeUnknown is reported when the wait status carries no code.
	exitCodeUnknown = -1
)

// Options configures Spawn. The zero value runs argv in the current
// directory with the inherited environment and no stdin.
type Options struct {
	Dir string
	// Env entries are added on top of the inherited environment.
	Env   map[string]string
	Stdin io.Reader
	// Sink receives every output line in real time, in addition to the buffers.
	Sink Sink
	// Shutdown, when it fires, terminates the process (SIGTERM, grace, SIGKILL).
	Shutdown      Signal
	ShutdownGrace time.Duration
	// Timeout > 0 terminates the process if it is still running after Timeout.
	Timeout time.Duration
	// Checked makes Wait and WaitAndRead return *errdefs.ProcessError for a non-zero exit.
	Checked bool
}

// RunningProcess is a spawned child. All methods are safe for concurrent use.
type RunningProcess struct {
	argv []string
	opts Options
	cmd  *exec.Cmd
	pid  int

	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
	code   int

	outW, errW *lineWriter

	done      chan struct{}
	timedOut  atomic.Bool
	termOnce  sync.Once
	startedAt time.Time
}

// Spawn starts argv. Failing to start at all (missing binary, bad working
// directory) returns *errdefs.SetupError; nothing is left running.
func Spawn(ctx context.Context, argv []string, opts Options) (*RunningProcess, error) {
	if len(argv) == 0 {
		return nil, &errdefs.SetupError{Op: "spawn", Err: errors.New("empty argv")}
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	p := &RunningProcess{
		argv: slices.Clone(argv),
		opts: opts,
		code: exitCodeUnknown,
		done: make(chan struct{}),
	}
	p.outW = &lineWriter{p: p, stdout: true}
	p.errW = &lineWriter{p: p}

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // argv is the caller's command
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(opts.Env)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = p.outW
	cmd.Stderr = p.errW
	cmd.WaitDelay = pipeDrainDelay
	// Own process group so terminate reaches every descendant.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, &errdefs.SetupError{Op: "spawn " + argv[0], Err: err}
	}
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	log.WithFunc("process.Spawn").Debugf(ctx, "started %s (pid %d)", argv[0], p.pid)

	go p.reap()
	go p.watch(ctx)
	return p, nil
}

// PID returns the OS process id, which is also the process group id.
func (p *RunningProcess) PID() int { return p.pid }

// Argv returns the command line.
func (p *RunningProcess) Argv() []string { return slices.Clone(p.argv) }

// Done is closed once the process has exited and its output is fully read.
func (p *RunningProcess) Done() <-chan struct{} { return p.done }

// Poll returns the exit code and true once finished, or (0, false) while running.
func (p *RunningProcess) Poll() (int, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.code, true
	default:
		return 0, false
	}
}

// IsFinished reports whether the process has exited.
func (p *RunningProcess) IsFinished() bool {
	_, ok := p.Poll()
	return ok
}

// TimedOut reports whether the Timeout option terminated the process.
func (p *RunningProcess) TimedOut() bool { return p.timedOut.Load() }

// Wait blocks until exit or until timeout elapses (timeout <= 0 waits forever).
// On timeout it returns *errdefs.TimeoutError and leaves the process running.
func (p *RunningProcess) Wait(timeout time.Duration) (int, error) {
	if timeout <= 0 {
		<-p.done
		return p.result()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return p.result()
	case <-t.C:
		return 0, &errdefs.TimeoutError{Op: "wait " + p.argv[0], Timeout: timeout}
	}
}

// WaitContext is Wait bounded by ctx instead of a duration. Cancelling ctx
// does not touch the process.
func (p *RunningProcess) WaitContext(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.result()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// WaitAndRead waits like Wait, then returns the full captured output.
func (p *RunningProcess) WaitAndRead(timeout time.Duration) (string, string, error) {
	if _, err := p.Wait(timeout); err != nil {
		return p.ReadStdout(), p.ReadStderr(), err
	}
	return p.ReadStdout(), p.ReadStderr(), nil
}

// ReadStdout returns everything read from stdout so far.
func (p *RunningProcess) ReadStdout() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout.String()
}

// ReadStderr returns everything read from stderr so far.
func (p *RunningProcess) ReadStderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr.String()
}

// Terminate sends SIGTERM to the process group and SIGKILL if it is still
// alive after forceKillAfter (<= 0 uses the spawn grace). It returns once the
// process has exited. Calling it again, or after exit, is a no-op.
func (p *RunningProcess) Terminate(forceKillAfter time.Duration) error {
	if p.IsFinished() {
		return nil
	}
	if forceKillAfter <= 0 {
		forceKillAfter = p.opts.ShutdownGrace
	}
	var sigErr error
	p.termOnce.Do(func() {
		if err := utils.SignalGroup(p.pid, syscall.SIGTERM); err != nil {
			sigErr = err
			_ = utils.SignalGroup(p.pid, syscall.SIGKILL)
			return
		}
		go p.escalate(forceKillAfter)
	})
	<-p.done
	return sigErr
}

func (p *RunningProcess) escalate(grace time.Duration) {
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
		log.WithFunc("process.Terminate").Warnf(context.Background(), "%s (pid %d) ignored SIGTERM for %s, killing", p.argv[0], p.pid, grace)
		_ = utils.SignalGroup(p.pid, syscall.SIGKILL)
	}
}

func (p *RunningProcess) result() (int, error) {
	p.mu.Lock()
	code := p.code
	stderr := p.stderr.String()
	p.mu.Unlock()
	if p.opts.Checked && code != 0 {
		return code, &errdefs.ProcessError{Argv: p.Argv(), ExitCode: code, Stderr: stderr}
	}
	return code, nil
}

// reap waits for the child, flushes unterminated output, and publishes the code.
func (p *RunningProcess) reap() {
	err := p.cmd.Wait()
	p.outW.flush()
	p.errW.flush()
	code := exitCode(p.cmd.ProcessState, err)
	p.mu.Lock()
	p.code = code
	p.mu.Unlock()
	close(p.done)
}

// watch terminates the process when ctx, the shutdown signal, or the
// timeout fires first.
func (p *RunningProcess) watch(ctx context.Context) {
	var shutdown <-chan struct{}
	if p.opts.Shutdown != nil {
		shutdown = p.opts.Shutdown.Done()
	}
	var timeout <-chan time.Time
	if p.opts.Timeout > 0 {
		t := time.NewTimer(p.opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-p.done:
		return
	case <-ctx.Done():
	case <-shutdown:
	case <-timeout:
		p.timedOut.Store(true)
	}
	_ = p.Terminate(p.opts.ShutdownGrace)
}

func (p *RunningProcess) emit(text string, stdout bool) {
	p.mu.Lock()
	if stdout {
		p.stdout.WriteString(text)
	} else {
		p.stderr.WriteString(text)
	}
	p.mu.Unlock()
	if p.opts.Sink != nil {
		p.opts.Sink.Push(Line{Text: strings.TrimSuffix(text, "\n"), Stdout: stdout})
	}
}

// lineWriter splits one output stream into lines. exec copies each stream on
// its own goroutine, so per-stream order is preserved.
type lineWriter struct {
	mu      sync.Mutex
	p       *RunningProcess
	stdout  bool
	partial []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial = append(w.partial, b...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.p.emit(string(w.partial[:i+1]), w.stdout)
		w.partial = w.partial[i+1:]
	}
	return len(b), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.p.emit(string(w.partial), w.stdout)
		w.partial = nil
	}
}

// exitCode maps a wait status to a shell-style code: the exit status, or
// 128+signal when the process was killed.
func exitCode(ps *os.ProcessState, waitErr error) int {
	if ps == nil {
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			ps = ee.ProcessState
		}
	}
	if ps == nil {
		return exitCodeUnknown
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()) //nolint:mnd
	}
	return ps.ExitCode()
}

func mergeEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, k+"="+extra[k])
	}
	return env
}
