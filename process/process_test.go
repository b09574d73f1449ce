package process

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/warren/errdefs"
)

func sh(script string) []string { return []string{"sh", "-c", script} }

func TestNoOutputGivesEmptyBuffers(t *testing.T) {
	p, err := Spawn(context.Background(), []string{"true"}, Options{})
	require.NoError(t, err)

	code, err := p.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "", p.ReadStdout())
	assert.Equal(t, "", p.ReadStderr())
	assert.True(t, p.IsFinished())
}

func TestMissingBinaryIsSetupError(t *testing.T) {
	_, err := Spawn(context.Background(), []string{"/nonexistent/warren-no-such-binary"}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrSetup)
	assert.NotErrorIs(t, err, errdefs.ErrProcess)

	_, err = Spawn(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, errdefs.ErrSetup)
}

func TestLineOrderPreservedPerStream(t *testing.T) {
	const n = 200
	q := NewQueue()
	p, err := Spawn(context.Background(),
		sh(fmt.Sprintf(`i=0; while [ $i -lt %d ]; do echo "line-$i"; i=$((i+1)); done`, n)),
		Options{Sink: q})
	require.NoError(t, err)
	_, err = p.Wait(10 * time.Second)
	require.NoError(t, err)

	lines := q.Drain()
	require.Len(t, lines, n)
	for i, l := range lines {
		assert.True(t, l.Stdout)
		assert.Equal(t, fmt.Sprintf("line-%d", i), l.Text)
	}
	assert.Equal(t, n, strings.Count(p.ReadStdout(), "\n"))
}

func TestTrailingChunkWithoutNewline(t *testing.T) {
	q := NewQueue()
	p, err := Spawn(context.Background(), sh(`printf 'a\nb'; printf 'err' >&2`), Options{Sink: q})
	require.NoError(t, err)
	stdout, stderr, err := p.WaitAndRead(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a\nb", stdout)
	assert.Equal(t, "err", stderr)

	var out, errs []string
	for _, l := range q.Drain() {
		if l.Stdout {
			out = append(out, l.Text)
		} else {
			errs = append(errs, l.Text)
		}
	}
	assert.Equal(t, []string{"a", "b"}, out)
	assert.Equal(t, []string{"err"}, errs)
}

func TestLargeOutputDoesNotBlockChild(t *testing.T) {
	p, err := Spawn(context.Background(), sh(`head -c 4000000 /dev/zero | tr '\0' 'x'`), Options{})
	require.NoError(t, err)
	_, err = p.Wait(20 * time.Second)
	require.NoError(t, err)
	assert.Len(t, p.ReadStdout(), 4000000)
}

func TestWaitTimeoutLeavesProcessRunning(t *testing.T) {
	p, err := Spawn(context.Background(), []string{"sleep", "30"}, Options{})
	require.NoError(t, err)
	defer p.Terminate(time.Second) //nolint:errcheck

	_, err = p.Wait(50 * time.Millisecond)
	assert.ErrorIs(t, err, errdefs.ErrTimeout)
	assert.False(t, p.IsFinished())
	code, done := p.Poll()
	assert.False(t, done)
	assert.Zero(t, code)
}

func TestWaitContext(t *testing.T) {
	p, err := Spawn(context.Background(), []string{"sleep", "30"}, Options{})
	require.NoError(t, err)
	defer p.Terminate(time.Second) //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.WaitContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.IsFinished())

	q, err := Spawn(context.Background(), sh("exit 3"), Options{})
	require.NoError(t, err)
	code, _ := q.WaitContext(context.Background())
	assert.Equal(t, 3, code)
}

func TestTerminateIsIdempotent(t *testing.T) {
	p, err := Spawn(context.Background(), []string{"sleep", "30"}, Options{})
	require.NoError(t, err)

	require.NoError(t, p.Terminate(2*time.Second))
	require.NoError(t, p.Terminate(2*time.Second))
	assert.True(t, p.IsFinished())
	code, _ := p.Poll()
	assert.NotZero(t, code)

	q, err := Spawn(context.Background(), []string{"true"}, Options{})
	require.NoError(t, err)
	_, err = q.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.NoError(t, q.Terminate(time.Second))
	assert.True(t, q.IsFinished())
}

func TestTerminateEscalatesToKill(t *testing.T) {
	p, err := Spawn(context.Background(), sh(`trap '' TERM; echo ready; while :; do sleep 0.05; done`), Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(p.ReadStdout(), "ready") }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Terminate(200*time.Millisecond))
	assert.Less(t, time.Since(start), 5*time.Second)
	code, done := p.Poll()
	require.True(t, done)
	assert.Equal(t, 128+9, code)
}

func TestShutdownFlagRoundTrip(t *testing.T) {
	flag := NewFlag()
	const grace = 500 * time.Millisecond
	p, err := Spawn(context.Background(), []string{"sleep", "30"}, Options{Shutdown: flag, ShutdownGrace: grace})
	require.NoError(t, err)

	flag.Set()
	assert.True(t, flag.IsSet())
	require.Eventually(t, p.IsFinished, grace+3*time.Second, 10*time.Millisecond)
	code, _ := p.Poll()
	assert.NotZero(t, code)
}

func TestCompoundSignal(t *testing.T) {
	a, b := NewFlag(), NewFlag()
	c := Any(a, b, nil)
	defer c.Release()

	p, err := Spawn(context.Background(), []string{"sleep", "30"}, Options{Shutdown: c, ShutdownGrace: time.Second})
	require.NoError(t, err)
	assert.False(t, c.IsSet())

	b.Set()
	require.Eventually(t, p.IsFinished, 5*time.Second, 10*time.Millisecond)
	assert.True(t, c.IsSet())
	assert.False(t, a.IsSet())
}

func TestContextCancelTerminates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := Spawn(ctx, []string{"sleep", "30"}, Options{ShutdownGrace: time.Second})
	require.NoError(t, err)
	cancel()
	require.Eventually(t, p.IsFinished, 5*time.Second, 10*time.Millisecond)
}

func TestTimeoutOption(t *testing.T) {
	p, err := Spawn(context.Background(), []string{"sleep", "30"}, Options{Timeout: 100 * time.Millisecond, ShutdownGrace: time.Second})
	require.NoError(t, err)
	require.Eventually(t, p.IsFinished, 5*time.Second, 10*time.Millisecond)
	assert.True(t, p.TimedOut())
}

func TestCheckedMode(t *testing.T) {
	p, err := Spawn(context.Background(), sh(`echo oops >&2; exit 3`), Options{Checked: true})
	require.NoError(t, err)
	code, err := p.Wait(5 * time.Second)
	assert.Equal(t, 3, code)
	var pe *errdefs.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, pe.ExitCode)
	assert.Contains(t, pe.Stderr, "oops")

	u, err := Spawn(context.Background(), sh(`exit 3`), Options{})
	require.NoError(t, err)
	code, err = u.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestConcurrentPollReadWait(t *testing.T) {
	p, err := Spawn(context.Background(), sh(`for i in 1 2 3 4 5; do echo $i; sleep 0.02; done; exit 7`), Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !p.IsFinished() {
				_, _ = p.Poll()
				_ = p.ReadStdout()
				_ = p.ReadStderr()
			}
		}()
	}
	wg.Wait()
	code, done := p.Poll()
	require.True(t, done)
	assert.Equal(t, 7, code)
	assert.Equal(t, "1\n2\n3\n4\n5\n", p.ReadStdout())
}

func TestEnvAndDir(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	res, err := Run(context.Background(), sh(`echo "$WARREN_X"; pwd -P`), Options{Dir: dir, Env: map[string]string{"WARREN_X": "hello"}})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "hello\n")
	assert.Contains(t, res.Stdout, dir)
}

func TestRunCheckedAndCancelled(t *testing.T) {
	_, err := Run(context.Background(), sh(`exit 2`), Options{Checked: true})
	assert.ErrorIs(t, err, errdefs.ErrProcess)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Run(ctx, []string{"sleep", "30"}, Options{ShutdownGrace: time.Second})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = Run(context.Background(), []string{"sleep", "30"}, Options{Timeout: 50 * time.Millisecond, ShutdownGrace: time.Second})
	assert.ErrorIs(t, err, errdefs.ErrTimeout)
}

func TestQueuePop(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(Line{Text: "x", Stdout: true})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", l.Text)

	short, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	_, err = q.Pop(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
