// Package storage defines the locked read-modify-write contract used for
// every piece of provider state warren persists (host index, tag list,
// cached host identity).
package storage

import (
	"context"
)

// Initer is optionally implemented by *T to fill zero-value fields (nil maps)
// after loading, or when nothing has been written yet.
type Initer interface {
	Init()
}

// Store gives locked access to one persisted document of type T.
type Store[T any] interface {
	// With loads T under the lock and calls fn; nothing is written back.
	With(ctx context.Context, fn func(*T) error) error
	// Update loads T under the lock, calls fn, and persists T if fn returns nil.
	Update(ctx context.Context, fn func(*T) error) error

	// Read and Write are the lock-free variants for callers already holding
	// the lock through TryLock (the GC cycle).
	Read(fn func(*T) error) error
	Write(fn func(*T) error) error
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}
