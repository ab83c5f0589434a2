// Package cell provides the timestamped-value primitive backing every
// device reading: a guarded (value, timestamp) pair with update callbacks
// and a multi-cell blocking wait combinator. A cell is distinct from a bus
// message; it holds the latest decoded value of one quantity.
package cell

import (
	"sync"
	"time"
)

// Snapshot is one atomic (value, timestamp) observation. The pair always
// originates from a single Update call.
type Snapshot[T any] struct {
	Value     T
	Timestamp time.Time
}

// CallbackHandle identifies a registered update callback.
type CallbackHandle uint64

// Cell holds the current value and receive timestamp of one quantity.
// All methods are safe for concurrent use. Updates normally arrive from the
// dispatch goroutine; reads come from arbitrary caller goroutines.
type Cell[T any] struct {
	mu        sync.Mutex
	value     T
	timestamp time.Time

	nextHandle CallbackHandle
	callbacks  map[CallbackHandle]func(T, time.Time)

	waits []waitRef
}

// New creates an empty cell. Until the first Update, Snapshot returns the
// zero value with a zero timestamp.
func New[T any]() *Cell[T] {
	return &Cell[T]{callbacks: make(map[CallbackHandle]func(T, time.Time))}
}

// Update atomically replaces the stored pair, hands a snapshot to every
// attached wait registration, then invokes every registered callback with
// the new snapshot on the calling goroutine. Callbacks must be fast and
// non-blocking: they run inline with dispatch and gate delivery of the
// rest of the batch.
func (c *Cell[T]) Update(value T, timestamp time.Time) {
	c.mu.Lock()
	c.value = value
	c.timestamp = timestamp
	for _, w := range c.waits {
		w.set.satisfy(w.idx, Snapshot[any]{Value: value, Timestamp: timestamp})
	}
	var cbs []func(T, time.Time)
	if len(c.callbacks) > 0 {
		cbs = make([]func(T, time.Time), 0, len(c.callbacks))
		for _, fn := range c.callbacks {
			cbs = append(cbs, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range cbs {
		fn(value, timestamp)
	}
}

// Snapshot returns a consistent (value, timestamp) pair.
func (c *Cell[T]) Snapshot() (T, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.timestamp
}

// Value returns the current value.
func (c *Cell[T]) Value() T {
	v, _ := c.Snapshot()
	return v
}

// Timestamp returns the receive time of the current value.
func (c *Cell[T]) Timestamp() time.Time {
	_, ts := c.Snapshot()
	return ts
}

// AddCallback registers fn to run on every update and returns a handle for
// removal.
func (c *Cell[T]) AddCallback(fn func(T, time.Time)) CallbackHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	h := c.nextHandle
	c.callbacks[h] = fn
	return h
}

// RemoveCallback drops the callback registered under h. It is idempotent
// and reports whether anything was removed.
func (c *Cell[T]) RemoveCallback(h CallbackHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.callbacks[h]
	delete(c.callbacks, h)
	return ok
}

// waitRef attaches one slot of a waitSet to this cell.
type waitRef struct {
	set *waitSet
	idx int
}

func (c *Cell[T]) attachWait(ws *waitSet, idx int) {
	c.mu.Lock()
	c.waits = append(c.waits, waitRef{set: ws, idx: idx})
	c.mu.Unlock()
}

func (c *Cell[T]) detachWait(ws *waitSet) {
	c.mu.Lock()
	kept := c.waits[:0]
	for _, w := range c.waits {
		if w.set != ws {
			kept = append(kept, w)
		}
	}
	c.waits = kept
	c.mu.Unlock()
}

// waiterCount reports attached wait registrations; used by tests to verify
// cleanup.
func (c *Cell[T]) waiterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waits)
}
