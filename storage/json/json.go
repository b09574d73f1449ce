package json

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/projecteru2/warren/lock"
	"github.com/projecteru2/warren/storage"
	"github.com/projecteru2/warren/utils"
)

var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// Store keeps a T as an indented JSON file, guarded by locker.
// A missing file reads as the zero T (after Init, if *T is a storage.Initer).
type Store[T any] struct {
	path   string
	locker lock.Locker
}

// New returns a Store for the JSON document at path.
func New[T any](path string, locker lock.Locker) *Store[T] {
	return &Store[T]{path: path, locker: locker}
}

func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error { return s.Read(fn) })
}

func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error { return s.Write(fn) })
}

func (s *Store[T]) Read(fn func(*T) error) error {
	data, err := s.load()
	if err != nil {
		return err
	}
	return fn(data)
}

func (s *Store[T]) Write(fn func(*T) error) error {
	data, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	return utils.AtomicWriteJSON(s.path, data)
}

func (s *Store[T]) TryLock(ctx context.Context) (bool, error) { return s.locker.TryLock(ctx) }

func (s *Store[T]) Unlock(ctx context.Context) error { return s.locker.Unlock(ctx) }

func (s *Store[T]) load() (*T, error) {
	var data T
	raw, err := os.ReadFile(s.path) //nolint:gosec // provider-owned state file
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	case len(raw) > 0:
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
	}
	if initer, ok := any(&data).(storage.Initer); ok {
		initer.Init()
	}
	return &data, nil
}
