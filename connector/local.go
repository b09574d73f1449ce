package connector

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/projecteru2/warren/process"
	"github.com/projecteru2/warren/utils"
)

var (
	_ Connector   = (*Local)(nil)
	_ Interactive = (*Local)(nil)
)

// Local runs everything on this machine.
type Local struct {
	name string
}

// NewLocal returns a Connector for the local machine.
func NewLocal(name string) *Local { return &Local{name: name} }

func (l *Local) Name() string  { return l.name }
func (l *Local) IsLocal() bool { return true }

func (l *Local) Run(ctx context.Context, argv []string, opts RunOptions) (process.Result, error) {
	return process.Run(ctx, argv, opts.toProcess())
}

func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path) //nolint:gosec // host state path
}

func (l *Local) WriteFile(_ context.Context, path string, data []byte, perm fs.FileMode) error {
	return utils.AtomicWriteFile(path, data, perm)
}

func (l *Local) Remove(_ context.Context, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (l *Local) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

func (l *Local) MkdirAll(_ context.Context, path string) error {
	return utils.EnsureDirs(path)
}

func (l *Local) ListDir(_ context.Context, path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (l *Local) InteractiveArgv(argv []string) []string { return argv }

func (l *Local) Close() error { return nil }
