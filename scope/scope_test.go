package scope

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/warren/process"
)

func TestPoolWidthIsRespected(t *testing.T) {
	s := New(context.Background(), "test")
	defer s.Close() //nolint:errcheck

	pool := s.Pool(4)
	var running, peak atomic.Int32
	for range 32 {
		pool.Go(func(context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}
	require.NoError(t, pool.Wait())
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Equal(t, 4, pool.Width())
}

func TestPoolFirstErrorCancelsSiblings(t *testing.T) {
	s := New(context.Background(), "test")
	defer s.Close() //nolint:errcheck

	boom := errors.New("boom")
	pool := s.Pool(2)
	pool.Go(func(context.Context) error { return boom })
	pool.Go(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	assert.ErrorIs(t, pool.Wait(), boom)
}

func TestCloseTerminatesProcesses(t *testing.T) {
	s := New(context.Background(), "test", WithGrace(500*time.Millisecond))
	p, err := s.Spawn([]string{"sleep", "30"}, process.Options{})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.True(t, p.IsFinished())
	require.NoError(t, s.Close())

	_, err = s.Spawn([]string{"true"}, process.Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParentCancelPropagatesToChildren(t *testing.T) {
	parent := New(context.Background(), "parent", WithGrace(500*time.Millisecond))
	child := parent.Child("child")
	grandchild := child.Child("grandchild")
	assert.Equal(t, "parent/child/grandchild", grandchild.Name())

	p, err := grandchild.Spawn([]string{"sleep", "30"}, process.Options{})
	require.NoError(t, err)

	parent.Cancel()
	require.Eventually(t, p.IsFinished, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, child.Err(), context.Canceled)
	assert.ErrorIs(t, grandchild.Err(), context.Canceled)
	require.NoError(t, parent.Close())
}

func TestCancelStopsQueuedPoolTasks(t *testing.T) {
	s := New(context.Background(), "test")
	pool := s.Pool(1)
	var ran atomic.Int32
	release := make(chan struct{})
	pool.Go(func(ctx context.Context) error {
		ran.Add(1)
		<-release
		return nil
	})
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Cancel()
		close(release)
	}()
	pool.Go(func(context.Context) error {
		ran.Add(1)
		return nil
	})
	err := pool.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), ran.Load())
	require.NoError(t, s.Close())
}

func TestRunUnderScope(t *testing.T) {
	s := New(context.Background(), "test")
	defer s.Close() //nolint:errcheck
	res, err := s.Run([]string{"sh", "-c", "echo hi"}, process.Options{})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)
}
