package process

import (
	"sync"
)

// Signal is anything that can announce shutdown. context.Context satisfies it.
type Signal interface {
	Done() <-chan struct{}
}

// Flag is a settable shutdown signal. The zero value is not usable; use NewFlag.
type Flag struct {
	once sync.Once
	ch   chan struct{}
}

// NewFlag returns an unset Flag.
func NewFlag() *Flag { return &Flag{ch: make(chan struct{})} }

// Set raises the flag. Repeated calls are no-ops.
func (f *Flag) Set() { f.once.Do(func() { close(f.ch) }) }

// IsSet reports whether Set has been called.
func (f *Flag) IsSet() bool { return isClosed(f.ch) }

func (f *Flag) Done() <-chan struct{} { return f.ch }

// Compound fires as soon as any of its member signals fires.
type Compound struct {
	done    chan struct{}
	stop    chan struct{}
	once    sync.Once
	release sync.Once
}

// Any combines signals with OR semantics. Nil members are ignored. Call
// Release when the compound is no longer needed to stop its watchers.
func Any(signals ...Signal) *Compound {
	c := &Compound{done: make(chan struct{}), stop: make(chan struct{})}
	for _, s := range signals {
		if s == nil {
			continue
		}
		go func(ch <-chan struct{}) {
			select {
			case <-ch:
				c.once.Do(func() { close(c.done) })
			case <-c.stop:
			}
		}(s.Done())
	}
	return c
}

func (c *Compound) Done() <-chan struct{} { return c.done }

// IsSet reports whether any member has fired.
func (c *Compound) IsSet() bool { return isClosed(c.done) }

// Release stops the member watchers. Done never fires afterwards unless it already had.
func (c *Compound) Release() { c.release.Do(func() { close(c.stop) }) }

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
