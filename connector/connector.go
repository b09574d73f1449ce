// Package connector is the channel a host runs commands and touches files
// through: the local machine, an SSH target, or a sandbox exec API.
package connector

import (
	"context"
	"io"
	"io/fs"
	"time"

	"github.com/projecteru2/warren/process"
)

// RunOptions configures one command run through a Connector.
type RunOptions struct {
	Dir     string
	Env     map[string]string
	Stdin   io.Reader
	Sink    process.Sink
	Timeout time.Duration
	Checked bool
}

// Connector runs commands and reads/writes files on one host.
// Missing files surface as errors satisfying errors.Is(err, fs.ErrNotExist).
type Connector interface {
	Name() string
	IsLocal() bool

	Run(ctx context.Context, argv []string, opts RunOptions) (process.Result, error)

	ReadFile(ctx context.Context, path string) ([]byte, error)
	// WriteFile replaces path atomically, creating parent directories.
	WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error
	// Remove deletes path recursively. A missing path is not an error.
	Remove(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	MkdirAll(ctx context.Context, path string) error
	// ListDir returns entry names in path. A missing directory is empty.
	ListDir(ctx context.Context, path string) ([]string, error)

	Close() error
}

// Interactive is implemented by connectors that can hand the caller's
// terminal to a command (agent connect).
type Interactive interface {
	InteractiveArgv(argv []string) []string
}

// Executor runs a fully formed argv on some remote target. Remote builds
// every Connector operation on top of it.
type Executor interface {
	Exec(ctx context.Context, argv []string, opts RunOptions) (process.Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, argv []string, opts RunOptions) (process.Result, error)

func (f ExecutorFunc) Exec(ctx context.Context, argv []string, opts RunOptions) (process.Result, error) {
	return f(ctx, argv, opts)
}

func (o RunOptions) toProcess() process.Options {
	return process.Options{
		Dir:     o.Dir,
		Env:     o.Env,
		Stdin:   o.Stdin,
		Sink:    o.Sink,
		Timeout: o.Timeout,
		Checked: o.Checked,
	}
}
