package utils

import (
	"context"
	"time"

	"github.com/projecteru2/warren/errdefs"
)

// WaitFor calls check every interval until it reports done, fails, or the
// budget runs out. Expiry returns an *errdefs.TimeoutError naming op.
func WaitFor(ctx context.Context, op string, timeout, interval time.Duration, check func() (done bool, err error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !time.Now().Before(deadline) {
			return &errdefs.TimeoutError{Op: op, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
