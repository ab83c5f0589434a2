package canbus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perimetric/cansense/logging"
)

var (
	// ErrRevisionMismatch means the transport driver speaks a different
	// protocol revision. Continuing would corrupt framing, so the hub
	// refuses to start; callers are expected to treat this as fatal.
	ErrRevisionMismatch = errors.New("canbus: transport interface revision mismatch")
)

// Listener is the capability contract a device object must satisfy to
// receive bus traffic. PreHandle runs before HandleMessage on every
// matching message; both run on the dispatch goroutine and must return
// quickly, since they gate delivery of the rest of the batch.
type Listener interface {
	AddressMatches(Msg) bool
	PreHandle(Msg)
	HandleMessage(Msg)
}

// Hub owns the transport for receiving and runs the single dispatch
// goroutine that routes inbound traffic to registered listeners, plus the
// low-frequency connectivity checker. It is the process-scoped context for
// one bus network: construct it once, pass it to devices, Stop it on the
// way out.
type Hub struct {
	transport Transport
	log       *logging.Logger

	mu      sync.Mutex
	entries []*registryEntry

	startMu sync.Mutex
	started bool
	run     atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup

	checkPeriod  time.Duration
	startupGrace time.Duration
	warnings     bool
	onWarning    func(ConnectivityEvent)
	startedAt    time.Time
}

// Option adjusts Hub construction.
type Option func(*Hub)

// WithCheckPeriod overrides the connectivity check interval.
func WithCheckPeriod(d time.Duration) Option {
	return func(h *Hub) { h.checkPeriod = d }
}

// WithStartupGrace overrides the initial period during which connectivity
// checks are suppressed after start.
func WithStartupGrace(d time.Duration) Option {
	return func(h *Hub) { h.startupGrace = d }
}

// WithWarningsDisabled suppresses all connectivity warnings globally.
func WithWarningsDisabled() Option {
	return func(h *Hub) { h.warnings = false }
}

// WithWarningHandler routes connectivity warning events to fn instead of
// the logger. fn runs on the checker goroutine and must not block.
func WithWarningHandler(fn func(ConnectivityEvent)) Option {
	return func(h *Hub) { h.onWarning = fn }
}

// NewHub creates a hub over the given transport. The hub does not start
// dispatching until EnsureRunning is called.
func NewHub(t Transport, log *logging.Logger, opts ...Option) *Hub {
	if log == nil {
		log = logging.Default()
	}
	h := &Hub{
		transport:    t,
		log:          log.With("component", "canbus"),
		stop:         make(chan struct{}),
		checkPeriod:  defaultCheckPeriod,
		startupGrace: defaultStartupGrace,
		warnings:     true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// EnsureRunning starts the dispatch and connectivity goroutines if they are
// not already running. The transport revision is verified on the first
// call; a mismatch is fatal and the hub stays stopped.
func (h *Hub) EnsureRunning() error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return nil
	}

	if rev := h.transport.InterfaceRevision(); rev != RequiredRevision {
		return fmt.Errorf("%w: driver reports %d, require %d", ErrRevisionMismatch, rev, RequiredRevision)
	}

	h.started = true
	h.startedAt = time.Now()
	h.run.Store(true)
	h.wg.Add(2)
	go h.dispatch()
	go h.checker()
	return nil
}

// Stop halts the dispatch goroutine, joins it, then closes the transport.
// Safe to call more than once.
func (h *Hub) Stop() {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if !h.started {
		return
	}
	h.started = false

	h.run.Store(false)
	close(h.stop)
	// Closing the transport bounds the dispatch goroutine's blocking wait.
	h.transport.Close()
	h.wg.Wait()
	h.stop = make(chan struct{})
}

// Send transmits a message on the underlying transport.
func (h *Hub) Send(m Msg) Status {
	return h.transport.Send(m)
}

// RegisterListener adds a listener to the registry. Registration and
// dispatch are mutually exclusive: once this returns, the listener observes
// every subsequent matching batch, in registration order relative to other
// listeners.
func (h *Hub) RegisterListener(l Listener, cfg ConnectivityConfig) {
	cfg.applyDefaults()
	h.mu.Lock()
	h.entries = append(h.entries, &registryEntry{listener: l, cfg: cfg})
	h.mu.Unlock()
}

// UnregisterListener removes a listener. After it returns the listener is
// never dispatched to again; callers must unregister before discarding a
// device.
func (h *Hub) UnregisterListener(l Listener) {
	h.mu.Lock()
	for i, e := range h.entries {
		if e.listener == l {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
}

// dispatch is the single ingress goroutine: it drains the transport batch
// by batch and routes each message to every matching listener under one
// held registry lock, preserving message and registration order.
func (h *Hub) dispatch() {
	defer h.wg.Done()
	for h.run.Load() {
		batch, st := h.transport.ReceiveBatch()
		switch st {
		case StatusOK:
		case StatusBusClosed:
			return
		default:
			h.log.Error("receive failed", "status", st.String())
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if len(batch) == 0 {
			continue
		}

		h.mu.Lock()
		for _, e := range h.entries {
			for _, msg := range batch {
				if e.listener.AddressMatches(msg) {
					e.observe(msg)
					h.deliver(e, msg)
				}
			}
		}
		h.mu.Unlock()
	}
}

// deliver runs one listener's handlers for one message, isolating panics so
// a faulty handler cannot take down the batch or other listeners.
func (h *Hub) deliver(e *registryEntry, msg Msg) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("listener handler panicked",
				"device", e.cfg.Label, "id", fmt.Sprintf("0x%X", msg.ID), "panic", r)
		}
	}()
	e.listener.PreHandle(msg)
	e.listener.HandleMessage(msg)
}

func (h *Hub) checker() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.checkPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			h.tick(now)
		}
	}
}

// tick runs one checker iteration. Devices get the startup grace period to
// come up before any connectivity state is judged.
func (h *Hub) tick(now time.Time) {
	if now.Sub(h.startedAt) < h.startupGrace {
		return
	}
	h.checkConnectivity(now)
}
