// Package errbus carries the per-database critical-error signal. An allocator
// or storage failure raises the bus; every loop over series and points on the
// apply path checks it before each step and unwinds without touching the
// series index again.
package errbus

import (
	"sync"
	"sync/atomic"
)

// Bus is a one-way latch: once raised it stays raised until Reset. The first
// raising error is kept; later errors are dropped.
type Bus struct {
	raised atomic.Bool

	mu  sync.Mutex
	err error
}

// New returns a fresh, unraised bus.
func New() *Bus {
	return &Bus{}
}

// Raise latches the bus with err. Only the first call stores its error.
func (b *Bus) Raise(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.raised.Store(true)
}

// Raised reports whether the bus is latched. Safe for hot loops.
func (b *Bus) Raised() bool {
	return b.raised.Load()
}

// Err returns the first error the bus was raised with, or nil.
func (b *Bus) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Reset clears the bus. Only used by tests and recovery paths that have
// quiesced every writer first.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.err = nil
	b.mu.Unlock()
	b.raised.Store(false)
}
