package canbus

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver"
)

// ConnectivityState is the per-device liveness state, owned by the registry
// entry and mutated only by the periodic checker.
type ConnectivityState int

const (
	StateUnchecked ConnectivityState = iota
	StateWaitingOnFirmwareVersion
	StateConnected
	StateDisconnected
	StateSuppressed
)

func (s ConnectivityState) String() string {
	switch s {
	case StateUnchecked:
		return "unchecked"
	case StateWaitingOnFirmwareVersion:
		return "waiting on firmware version"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateSuppressed:
		return "suppressed"
	}
	return "unknown"
}

const (
	defaultCheckPeriod       = 500 * time.Millisecond
	defaultStartupGrace      = 2 * time.Second
	defaultPresenceThreshold = 2 * time.Second
	defaultWarnRepeatTicks   = 20
)

// ConnectivityConfig describes how the checker treats one listener.
type ConnectivityConfig struct {
	// Label names the device in warnings and status reports.
	Label string
	// Addr is the device's bus address, used to probe firmware version.
	Addr DeviceAddress
	// PresenceThreshold is the maximum silence before the device is
	// considered disconnected. Defaults to 2s.
	PresenceThreshold time.Duration
	// WarnRepeatTicks is how many check ticks pass between repeated
	// missing-device warnings. Defaults to 20.
	WarnRepeatTicks int
	// MinFirmware is an optional semver constraint (e.g. ">=1.2.0").
	// A reported version below it warns once but does not block the
	// connected transition.
	MinFirmware string
	// NoCheck freezes the device outside the state machine entirely.
	NoCheck bool
	// DisableWarnings suppresses warnings for this device only.
	DisableWarnings bool
}

func (c *ConnectivityConfig) applyDefaults() {
	if c.PresenceThreshold <= 0 {
		c.PresenceThreshold = defaultPresenceThreshold
	}
	if c.WarnRepeatTicks <= 0 {
		c.WarnRepeatTicks = defaultWarnRepeatTicks
	}
	if c.Label == "" {
		c.Label = c.Addr.String()
	}
}

// ConnectivityEvent is one warning raised by the checker.
type ConnectivityEvent struct {
	Label   string
	Addr    DeviceAddress
	State   ConnectivityState
	Message string
}

// registryEntry binds a listener to its connectivity bookkeeping. The
// listener reference is non-owning; the registry never outlives an
// unregistered listener.
type registryEntry struct {
	listener Listener
	cfg      ConnectivityConfig

	state       ConnectivityState
	lastMessage time.Time
	repeat      int

	firmware       string
	versionChecked bool
}

// observe is the registry's pre-handle hook, run on the dispatch goroutine
// for every matching message: it records the last-message timestamp and
// opportunistically decodes firmware-version echoes.
func (e *registryEntry) observe(msg Msg) {
	e.lastMessage = msg.Timestamp
	if msg.APIIndex() == APIFirmwareVersion && len(msg.Data) >= 3 {
		e.firmware = fmt.Sprintf("%d.%d.%d", msg.Data[0], msg.Data[1], msg.Data[2])
	}
}

// ListenerStatus is a point-in-time connectivity report for one listener.
type ListenerStatus struct {
	Label       string
	Addr        DeviceAddress
	State       ConnectivityState
	LastMessage time.Time
	Firmware    string
}

// Statuses reports the current connectivity state of every registered
// listener, in registration order.
func (h *Hub) Statuses() []ListenerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ListenerStatus, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, ListenerStatus{
			Label:       e.cfg.Label,
			Addr:        e.cfg.Addr,
			State:       e.state,
			LastMessage: e.lastMessage,
			Firmware:    e.firmware,
		})
	}
	return out
}

// checkConnectivity runs one tick of the state machine for every entry.
func (h *Hub) checkConnectivity(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.entries {
		h.checkEntry(e, now)
	}
}

func (h *Hub) checkEntry(e *registryEntry, now time.Time) {
	if e.cfg.NoCheck {
		e.state = StateSuppressed
		return
	}

	switch e.state {
	case StateSuppressed:
		// NoCheck was cleared; restart the handshake.
		e.state = StateUnchecked
		fallthrough

	case StateUnchecked:
		h.transport.Send(Msg{
			Bus: e.cfg.Addr.Bus,
			ID:  BuildID(e.cfg.Addr, APIFirmwareVersion),
		})
		e.state = StateWaitingOnFirmwareVersion

	case StateWaitingOnFirmwareVersion:
		if e.firmware != "" {
			h.checkFirmware(e)
			e.state = StateConnected
			e.repeat = e.cfg.WarnRepeatTicks
			break
		}
		e.state = StateDisconnected
		e.repeat = e.cfg.WarnRepeatTicks
		h.warn(e, "device did not report a firmware version; check bus wiring and id")

	case StateConnected:
		if now.Sub(e.lastMessage) > e.cfg.PresenceThreshold {
			e.state = StateDisconnected
			e.repeat = e.cfg.WarnRepeatTicks
			h.warn(e, fmt.Sprintf("no messages for over %s; device disconnected", e.cfg.PresenceThreshold))
		}

	case StateDisconnected:
		if !e.lastMessage.IsZero() && now.Sub(e.lastMessage) <= e.cfg.PresenceThreshold {
			e.state = StateConnected
			e.repeat = e.cfg.WarnRepeatTicks
			break
		}
		e.repeat--
		if e.repeat <= 0 {
			h.warn(e, "device still disconnected")
			e.repeat = e.cfg.WarnRepeatTicks
		}
	}
}

// checkFirmware compares the reported version against the configured
// minimum. A version below the constraint warns but is not fatal. Runs at
// most once per entry.
func (h *Hub) checkFirmware(e *registryEntry) {
	if e.versionChecked || e.cfg.MinFirmware == "" {
		return
	}
	e.versionChecked = true

	constraint, err := semver.NewConstraint(e.cfg.MinFirmware)
	if err != nil {
		h.log.Warn("bad firmware constraint", "device", e.cfg.Label, "constraint", e.cfg.MinFirmware)
		return
	}
	version, err := semver.NewVersion(e.firmware)
	if err != nil {
		h.warn(e, fmt.Sprintf("unparseable firmware version %q", e.firmware))
		return
	}
	if !constraint.Check(version) {
		h.warn(e, fmt.Sprintf("firmware %s is below required %s; update recommended", e.firmware, e.cfg.MinFirmware))
	}
}

func (h *Hub) warn(e *registryEntry, msg string) {
	if !h.warnings || e.cfg.DisableWarnings {
		return
	}
	ev := ConnectivityEvent{
		Label:   e.cfg.Label,
		Addr:    e.cfg.Addr,
		State:   e.state,
		Message: msg,
	}
	if h.onWarning != nil {
		h.onWarning(ev)
		return
	}
	h.log.Warn("connectivity", "device", ev.Label, "state", ev.State.String(), "detail", ev.Message)
}
