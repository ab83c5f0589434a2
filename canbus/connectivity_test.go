package canbus

import (
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/perimetric/cansense/logging"
)

// checkerHarness drives the state machine directly with synthetic clock
// values; no goroutines are started.
type checkerHarness struct {
	bus    *SimBus
	hub    *Hub
	events []ConnectivityEvent
}

func newCheckerHarness(cfg ConnectivityConfig) (*checkerHarness, *registryEntry) {
	h := &checkerHarness{bus: NewSimBus()}
	h.hub = NewHub(h.bus, logging.Default(),
		WithWarningHandler(func(ev ConnectivityEvent) {
			h.events = append(h.events, ev)
		}))
	l := newTestListener(cfg.Addr)
	h.hub.RegisterListener(l, cfg)
	return h, h.hub.entries[0]
}

func (h *checkerHarness) tick(now time.Time) {
	h.hub.checkConnectivity(now)
}

func firmwareEcho(addr DeviceAddress, major, minor, patch byte, ts time.Time) Msg {
	return Msg{
		Bus:       addr.Bus,
		ID:        BuildID(addr, APIFirmwareVersion),
		Timestamp: ts,
		Data:      []byte{major, minor, patch},
	}
}

func TestFirmwareHandshake(t *testing.T) {
	addr := DeviceAddress{Bus: 0, Type: 4, ID: 2}
	now := time.Now()

	Convey("an unchecked device is probed for its firmware version", t, func() {
		h, e := newCheckerHarness(ConnectivityConfig{Label: "enc", Addr: addr})

		h.tick(now)
		So(e.state, ShouldEqual, StateWaitingOnFirmwareVersion)

		sent := h.bus.Sent()
		So(sent, ShouldHaveLength, 1)
		So(sent[0].APIIndex(), ShouldEqual, APIFirmwareVersion)

		Convey("a version echo connects it", func() {
			e.observe(firmwareEcho(addr, 1, 4, 0, now))
			h.tick(now.Add(500 * time.Millisecond))

			So(e.state, ShouldEqual, StateConnected)
			So(e.firmware, ShouldEqual, "1.4.0")
			So(h.events, ShouldBeEmpty)
		})

		Convey("silence disconnects it with one warning", func() {
			h.tick(now.Add(500 * time.Millisecond))

			So(e.state, ShouldEqual, StateDisconnected)
			So(h.events, ShouldHaveLength, 1)
		})
	})

	Convey("a version below the configured minimum warns but still connects", t, func() {
		h, e := newCheckerHarness(ConnectivityConfig{
			Label: "enc", Addr: addr, MinFirmware: ">=2.0.0",
		})

		h.tick(now)
		e.observe(firmwareEcho(addr, 1, 0, 3, now))
		h.tick(now.Add(500 * time.Millisecond))

		So(e.state, ShouldEqual, StateConnected)
		So(h.events, ShouldHaveLength, 1)
		So(strings.Contains(h.events[0].Message, "1.0.3"), ShouldBeTrue)

		Convey("the version check does not repeat", func() {
			h.tick(now.Add(time.Second))
			So(h.events, ShouldHaveLength, 1)
		})
	})
}

func TestPresenceThreshold(t *testing.T) {
	addr := DeviceAddress{Bus: 0, Type: 4, ID: 0}
	start := time.Now()

	connect := func(h *checkerHarness, e *registryEntry) {
		h.tick(start)
		e.observe(firmwareEcho(addr, 1, 0, 0, start))
		h.tick(start.Add(500 * time.Millisecond))
		So(e.state, ShouldEqual, StateConnected)
	}

	Convey("2.5s of silence against a 2s threshold disconnects with exactly one warning", t, func() {
		h, e := newCheckerHarness(ConnectivityConfig{
			Label: "enc", Addr: addr,
			PresenceThreshold: 2 * time.Second,
			WarnRepeatTicks:   3,
		})
		connect(h, e)
		e.lastMessage = start

		h.tick(start.Add(2500 * time.Millisecond))
		So(e.state, ShouldEqual, StateDisconnected)
		So(h.events, ShouldHaveLength, 1)

		Convey("continued silence stays quiet until the repeat counter elapses", func() {
			h.tick(start.Add(3 * time.Second))
			h.tick(start.Add(3500 * time.Millisecond))
			So(h.events, ShouldHaveLength, 1)

			h.tick(start.Add(4 * time.Second))
			So(h.events, ShouldHaveLength, 2)

			Convey("and the counter resets after re-warning", func() {
				h.tick(start.Add(4500 * time.Millisecond))
				h.tick(start.Add(5 * time.Second))
				So(h.events, ShouldHaveLength, 2)
			})
		})

		Convey("resumed traffic reconnects without a warning", func() {
			e.observe(Msg{Bus: 0, ID: BuildID(addr, APIStatus), Timestamp: start.Add(3 * time.Second)})
			h.tick(start.Add(3100 * time.Millisecond))

			So(e.state, ShouldEqual, StateConnected)
			So(h.events, ShouldHaveLength, 1)
		})
	})

	Convey("per-device warning disable suppresses events but not transitions", t, func() {
		h, e := newCheckerHarness(ConnectivityConfig{
			Label: "enc", Addr: addr,
			PresenceThreshold: 2 * time.Second,
			DisableWarnings:   true,
		})
		connect(h, e)
		e.lastMessage = start

		h.tick(start.Add(3 * time.Second))
		So(e.state, ShouldEqual, StateDisconnected)
		So(h.events, ShouldBeEmpty)
	})
}

func TestStartupGrace(t *testing.T) {
	addr := DeviceAddress{Bus: 0, Type: 4, ID: 0}

	Convey("ticks inside the grace period judge nothing", t, func() {
		h, e := newCheckerHarness(ConnectivityConfig{Label: "enc", Addr: addr})
		start := time.Now()
		h.hub.startedAt = start
		h.hub.startupGrace = 2 * time.Second

		h.hub.tick(start.Add(500 * time.Millisecond))
		h.hub.tick(start.Add(1900 * time.Millisecond))

		So(e.state, ShouldEqual, StateUnchecked)
		So(h.bus.Sent(), ShouldBeEmpty)
		So(h.events, ShouldBeEmpty)

		Convey("the first tick at or past the boundary starts the handshake", func() {
			h.hub.tick(start.Add(2 * time.Second))

			So(e.state, ShouldEqual, StateWaitingOnFirmwareVersion)
			So(h.bus.Sent(), ShouldHaveLength, 1)
			So(h.bus.Sent()[0].APIIndex(), ShouldEqual, APIFirmwareVersion)
		})
	})
}

func TestNoCheck(t *testing.T) {
	addr := DeviceAddress{Bus: 0, Type: 4, ID: 0}

	Convey("a do-not-check device is frozen outside the machine", t, func() {
		h, e := newCheckerHarness(ConnectivityConfig{Label: "enc", Addr: addr, NoCheck: true})

		h.tick(time.Now())
		So(e.state, ShouldEqual, StateSuppressed)
		So(h.bus.Sent(), ShouldBeEmpty)
		So(h.events, ShouldBeEmpty)
	})
}

func TestStatuses(t *testing.T) {
	Convey("Statuses reports registration order with labels", t, func() {
		bus := NewSimBus()
		hub := NewHub(bus, logging.Default())
		a := DeviceAddress{Bus: 0, Type: 4, ID: 0}
		b := DeviceAddress{Bus: 0, Type: 7, ID: 1}
		hub.RegisterListener(newTestListener(a), ConnectivityConfig{Label: "alpha", Addr: a})
		hub.RegisterListener(newTestListener(b), ConnectivityConfig{Label: "beta", Addr: b})

		sts := hub.Statuses()
		So(sts, ShouldHaveLength, 2)
		So(sts[0].Label, ShouldEqual, "alpha")
		So(sts[1].Label, ShouldEqual, "beta")
		So(sts[0].State, ShouldEqual, StateUnchecked)
	})
}
