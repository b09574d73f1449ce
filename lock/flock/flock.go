package flock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/projecteru2/warren/lock"
)

const retryDelay = 50 * time.Millisecond

var _ lock.Locker = (*Lock)(nil)

// Lock serializes access to one provider resource (index, tag file, host id).
//
// A one-slot channel holds the in-process token so Lock can honour ctx and
// TryLock can fail fast without a syscall. The flock(2) on path excludes other
// warren processes; each acquisition opens a fresh fd.
type Lock struct {
	path  string
	token chan struct{}
	held  *flock.Flock
}

// New returns a Lock on path. The parent directory is created on first use.
func New(path string) *Lock {
	return &Lock{path: path, token: make(chan struct{}, 1)}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Lock blocks until both the token and the file lock are held or ctx ends.
func (l *Lock) Lock(ctx context.Context) error {
	select {
	case l.token <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", l.path, ctx.Err())
	}
	ok, err := l.acquire(func(fl *flock.Flock) (bool, error) {
		return fl.TryLockContext(ctx, retryDelay)
	})
	switch {
	case err != nil:
		return fmt.Errorf("flock %s: %w", l.path, err)
	case !ok:
		return fmt.Errorf("flock %s: %w", l.path, ctx.Err())
	}
	return nil
}

// TryLock returns (false, nil) when another holder has the lock.
func (l *Lock) TryLock(_ context.Context) (bool, error) {
	select {
	case l.token <- struct{}{}:
	default:
		return false, nil
	}
	return l.acquire(func(fl *flock.Flock) (bool, error) { return fl.TryLock() })
}

// Unlock releases the file lock and the token. Unlocking an unheld Lock is a no-op.
func (l *Lock) Unlock(_ context.Context) error {
	var err error
	if l.held != nil {
		err = l.held.Unlock()
		l.held = nil
	}
	select {
	case <-l.token:
	default:
	}
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}

// acquire runs fn on a fresh flock handle. On failure the token is given back
// so Lock/TryLock never leave the lock half-held.
func (l *Lock) acquire(fn func(*flock.Flock) (bool, error)) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		<-l.token
		return false, err
	}
	fl := flock.New(l.path)
	ok, err := fn(fl)
	if err != nil || !ok {
		<-l.token
		return false, err
	}
	l.held = fl
	return true, nil
}
