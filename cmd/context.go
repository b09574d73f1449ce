package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// newCommandContext is cancelled on SIGINT or SIGTERM so scopes tear down
// the processes they started.
func newCommandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
