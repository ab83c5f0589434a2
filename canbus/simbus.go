package canbus

import (
	"sync"
	"time"
)

// SimBus is an in-memory Transport for tests and simulation. Messages are
// injected with Inject and drained in batches by ReceiveBatch. An optional
// echo function simulates device firmware by answering sent messages.
type SimBus struct {
	mu       sync.Mutex
	pending  []Msg
	closed   bool
	revision int

	sent []Msg
	echo func(Msg) []Msg

	notify chan struct{}
}

// NewSimBus creates an open simulated bus at the required revision.
func NewSimBus() *SimBus {
	return &SimBus{
		revision: RequiredRevision,
		notify:   make(chan struct{}, 1),
	}
}

// SetRevision overrides the reported interface revision.
func (b *SimBus) SetRevision(rev int) {
	b.mu.Lock()
	b.revision = rev
	b.mu.Unlock()
}

// SetEcho installs a scripted device: every sent message is handed to fn
// and any returned messages are injected back as inbound traffic.
func (b *SimBus) SetEcho(fn func(Msg) []Msg) {
	b.mu.Lock()
	b.echo = fn
	b.mu.Unlock()
}

// Inject queues inbound messages as if they arrived from the wire.
// A zero timestamp is replaced with the current time.
func (b *SimBus) Inject(msgs ...Msg) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	now := time.Now()
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		b.pending = append(b.pending, m)
	}
	// Signal under the lock so Close cannot race the send.
	select {
	case b.notify <- struct{}{}:
	default:
	}
	b.mu.Unlock()
}

// ReceiveBatch blocks until injected messages are available or the bus is
// closed, then drains the whole queue as one batch.
func (b *SimBus) ReceiveBatch() ([]Msg, Status) {
	for {
		b.mu.Lock()
		if len(b.pending) > 0 {
			batch := b.pending
			b.pending = nil
			b.mu.Unlock()
			return batch, StatusOK
		}
		if b.closed {
			b.mu.Unlock()
			return nil, StatusBusClosed
		}
		b.mu.Unlock()

		<-b.notify
	}
}

// Send records the message and runs the scripted echo, if any.
func (b *SimBus) Send(m Msg) Status {
	if err := m.Validate(); err != nil {
		return StatusInvalidFrame
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return StatusBusClosed
	}
	b.sent = append(b.sent, m)
	echo := b.echo
	b.mu.Unlock()

	if echo != nil {
		if replies := echo(m); len(replies) > 0 {
			b.Inject(replies...)
		}
	}
	return StatusOK
}

// Close marks the bus closed and releases any blocked ReceiveBatch.
func (b *SimBus) Close() Status {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return StatusOK
	}
	b.closed = true
	close(b.notify)
	b.mu.Unlock()
	return StatusOK
}

// InterfaceRevision reports the configured revision.
func (b *SimBus) InterfaceRevision() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revision
}

// Sent returns a copy of every message sent so far.
func (b *SimBus) Sent() []Msg {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Msg, len(b.sent))
	copy(out, b.sent)
	return out
}

// TxCount returns how many messages have been sent.
func (b *SimBus) TxCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}
