package settings

import (
	"sync"
	"time"

	"github.com/perimetric/cansense/canbus"
)

// commandAttempts bounds resends of a device-wide command awaiting its ack.
const commandAttempts = 3

// Engine synchronizes one device's settings map against the bus.
//
// HandleSetting and HandleCommandAck are fed by the dispatch goroutine; the
// blocking operations (FetchAll, SetOne, SendCommand) run on caller
// goroutines, bounded by their timeouts. Timeouts surface as absence or
// false, never as errors.
//
// Because echoes carry only the setting id, concurrent operations against
// the same id from different goroutines would cross-consume each other's
// echoes. A single per-device operation mutex serializes them; device
// firmware depends on the resulting last-write-wins ordering, so this is a
// protocol constraint rather than a tunable.
type Engine struct {
	addr canbus.DeviceAddress
	send func(canbus.Msg) canbus.Status

	op sync.Mutex // serializes FetchAll/SetOne/SendCommand

	mu       sync.Mutex
	values   map[uint8]Value
	waiters  map[uint8][]chan Value
	cmdWait  map[uint8][]chan struct{}
	progress []chan struct{}
}

// NewEngine creates an engine for the device at addr, transmitting through
// send (typically Hub.Send).
func NewEngine(addr canbus.DeviceAddress, send func(canbus.Msg) canbus.Status) *Engine {
	return &Engine{
		addr:    addr,
		send:    send,
		values:  make(map[uint8]Value),
		waiters: make(map[uint8][]chan Value),
		cmdWait: make(map[uint8][]chan struct{}),
	}
}

// FetchAll synchronizes the settings map. It sends one fetch-all command
// and accumulates echoes for up to timeout, then makes up to attempts
// passes over the required ids still absent, re-requesting each
// individually and waiting missingRetryTimeout per id, stopping early once
// all required ids are present.
//
// The returned snapshot may be partial; absence is not an error. Callers
// decide completeness by checking for the required ids. With no required
// ids the call waits out the whole timeout, accumulating whatever the
// device streams.
func (e *Engine) FetchAll(timeout, missingRetryTimeout time.Duration, attempts int, required []uint8) map[uint8]Value {
	e.op.Lock()
	defer e.op.Unlock()

	notify := e.addProgress()
	e.send(commandMsg(e.addr, OpFetchAll, nil))

	deadline := time.Now().Add(timeout)
	for len(required) == 0 || !e.hasAll(required) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		select {
		case <-notify:
		case <-time.After(remaining):
		}
	}
	e.removeProgress(notify)

	for pass := 0; pass < attempts && !e.hasAll(required); pass++ {
		for _, id := range required {
			if e.has(id) {
				continue
			}
			ch := e.addWaiter(id)
			e.send(commandMsg(e.addr, OpFetchOne, []byte{id}))
			select {
			case <-ch:
			case <-time.After(missingRetryTimeout):
			}
			e.removeWaiter(id, ch)
		}
	}

	return e.Known()
}

// FetchOne requests a single setting and waits for its echo. It reports the
// received value and whether one arrived in time.
func (e *Engine) FetchOne(id uint8, timeout time.Duration) (Value, bool) {
	e.op.Lock()
	defer e.op.Unlock()

	ch := e.addWaiter(id)
	defer e.removeWaiter(id, ch)
	e.send(commandMsg(e.addr, OpFetchOne, []byte{id}))

	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		return Value{}, false
	}
}

// SetOne writes a setting and waits for a confirming echo, retrying up to
// attempts times. A zero timeout sends once without waiting and reports
// false; callers may check Known later for the async echo.
func (e *Engine) SetOne(id uint8, raw uint64, timeout time.Duration, attempts int) bool {
	e.op.Lock()
	defer e.op.Unlock()

	msg := setMsg(e.addr, id, raw)
	if timeout <= 0 {
		e.send(msg)
		return false
	}

	for try := 0; try < attempts; try++ {
		ch := e.addWaiter(id)
		if st := e.send(msg); !st.OK() {
			e.removeWaiter(id, ch)
			continue
		}
		select {
		case v := <-ch:
			e.removeWaiter(id, ch)
			if v.Confirmed() {
				return true
			}
		case <-time.After(timeout):
			e.removeWaiter(id, ch)
		}
	}
	return false
}

// SendCommand issues a device-wide command. With expectReply it waits for
// the opcode's ack, resending up to the attempt bound; otherwise it reports
// whether the send was accepted. A confirmed factory reset clears the map,
// which repopulates from the echoes the device streams afterwards.
func (e *Engine) SendCommand(opcode uint8, payload []byte, timeout time.Duration, expectReply bool) bool {
	e.op.Lock()
	defer e.op.Unlock()

	msg := commandMsg(e.addr, opcode, payload)
	if !expectReply || timeout <= 0 {
		return e.send(msg).OK()
	}

	for try := 0; try < commandAttempts; try++ {
		ch := e.addCmdWaiter(opcode)
		if st := e.send(msg); !st.OK() {
			e.removeCmdWaiter(opcode, ch)
			continue
		}
		select {
		case <-ch:
			e.removeCmdWaiter(opcode, ch)
			if opcode == OpFactoryReset {
				e.clear()
			}
			return true
		case <-time.After(timeout):
			e.removeCmdWaiter(opcode, ch)
		}
	}
	return false
}

// HandleSetting decodes a "report setting" echo, stores it and wakes any
// waiter blocked on that id. Runs on the dispatch goroutine; malformed
// echoes are silently dropped.
func (e *Engine) HandleSetting(m canbus.Msg) {
	id, v, ok := decodeReport(m)
	if !ok {
		return
	}
	e.mu.Lock()
	e.values[id] = v
	for _, ch := range e.waiters[id] {
		select {
		case ch <- v:
		default:
		}
	}
	for _, n := range e.progress {
		select {
		case n <- struct{}{}:
		default:
		}
	}
	e.mu.Unlock()
}

// HandleCommandAck routes a setting-command ack (payload byte 0 is the
// opcode) to its waiter. Runs on the dispatch goroutine.
func (e *Engine) HandleCommandAck(m canbus.Msg) {
	if len(m.Data) < 1 {
		return
	}
	opcode := m.Data[0]
	e.mu.Lock()
	for _, ch := range e.cmdWait[opcode] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	e.mu.Unlock()
}

// Known returns a copy of the settings map as currently synchronized.
func (e *Engine) Known() map[uint8]Value {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[uint8]Value, len(e.values))
	for id, v := range e.values {
		out[id] = v
	}
	return out
}

// Get returns one known setting, if present.
func (e *Engine) Get(id uint8) (Value, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[id]
	return v, ok
}

func (e *Engine) has(id uint8) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.values[id]
	return ok
}

func (e *Engine) hasAll(ids []uint8) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if _, ok := e.values[id]; !ok {
			return false
		}
	}
	return true
}

func (e *Engine) clear() {
	e.mu.Lock()
	e.values = make(map[uint8]Value)
	e.mu.Unlock()
}

func (e *Engine) addWaiter(id uint8) chan Value {
	ch := make(chan Value, 1)
	e.mu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) removeWaiter(id uint8, ch chan Value) {
	e.mu.Lock()
	ws := e.waiters[id]
	for i, w := range ws {
		if w == ch {
			e.waiters[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
}

func (e *Engine) addCmdWaiter(opcode uint8) chan struct{} {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	e.cmdWait[opcode] = append(e.cmdWait[opcode], ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) removeCmdWaiter(opcode uint8, ch chan struct{}) {
	e.mu.Lock()
	ws := e.cmdWait[opcode]
	for i, w := range ws {
		if w == ch {
			e.cmdWait[opcode] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
}

func (e *Engine) addProgress() chan struct{} {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	e.progress = append(e.progress, ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) removeProgress(ch chan struct{}) {
	e.mu.Lock()
	for i, n := range e.progress {
		if n == ch {
			e.progress = append(e.progress[:i], e.progress[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
}
