package cell

import (
	"sync"
	"time"
)

// Waitable is a handle WaitForAll can block on. Cells of any value type
// satisfy it, so one call may span heterogeneous cells.
type Waitable interface {
	attachWait(ws *waitSet, idx int)
	detachWait(ws *waitSet)
}

// waitSet is the shared state of one WaitForAll call: a single mutex
// guarding per-slot pending snapshots, with a channel standing in for the
// condition signal so the wait can be bounded by a timeout. Registrations
// are attached under each cell's own lock, so an update racing the call is
// either observed by the registration or precedes it entirely; there is no
// window where a post-call update can be missed.
type waitSet struct {
	mu        sync.Mutex
	remaining int
	got       []bool
	results   []Snapshot[any]
	done      chan struct{}
}

// satisfy records the first post-registration snapshot for slot idx.
// Subsequent updates to the same slot are ignored.
func (ws *waitSet) satisfy(idx int, snap Snapshot[any]) {
	ws.mu.Lock()
	if !ws.got[idx] {
		ws.got[idx] = true
		ws.results[idx] = snap
		ws.remaining--
		if ws.remaining == 0 {
			close(ws.done)
		}
	}
	ws.mu.Unlock()
}

// WaitForAll blocks until every given cell has produced at least one update
// strictly after the call began, or the timeout elapses.
//
// On success it returns the first post-call snapshot of each cell, in
// argument order, and true. On timeout it returns nil and false; there are
// no partial results. A zero timeout performs a single non-blocking check.
// On every return path each registration has been detached from its cell.
//
// No simultaneity across cells is promised, only "each updated at least
// once since the call began".
func WaitForAll(timeout time.Duration, cells ...Waitable) ([]Snapshot[any], bool) {
	if len(cells) == 0 {
		return nil, true
	}

	ws := &waitSet{
		remaining: len(cells),
		got:       make([]bool, len(cells)),
		results:   make([]Snapshot[any], len(cells)),
		done:      make(chan struct{}),
	}
	for i, c := range cells {
		c.attachWait(ws, i)
	}
	defer func() {
		for _, c := range cells {
			c.detachWait(ws)
		}
	}()

	if timeout <= 0 {
		select {
		case <-ws.done:
			return ws.results, true
		default:
			return nil, false
		}
	}

	select {
	case <-ws.done:
		return ws.results, true
	case <-time.After(timeout):
		return nil, false
	}
}
