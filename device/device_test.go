package device

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/perimetric/cansense/canbus"
	"github.com/perimetric/cansense/cell"
	"github.com/perimetric/cansense/logging"
)

// testRig is a hub over a simulated bus with the checker held off, so tests
// observe only the traffic they inject.
type testRig struct {
	bus *canbus.SimBus
	hub *canbus.Hub
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	bus := canbus.NewSimBus()
	hub := canbus.NewHub(bus, logging.Default(),
		canbus.WithStartupGrace(time.Minute),
		canbus.WithWarningsDisabled())
	t.Cleanup(hub.Stop)
	return &testRig{bus: bus, hub: hub}
}

func dataFrame(addr canbus.DeviceAddress, raw uint64) canbus.Msg {
	data := make([]byte, 6)
	for i := range data {
		data[i] = byte(raw >> (8 * i))
	}
	return canbus.Msg{
		Bus:  addr.Bus,
		ID:   canbus.BuildID(addr, canbus.APIDataBase),
		Data: data,
	}
}

func TestSensorRouting(t *testing.T) {
	Convey("data frames reach only the addressed sensor", t, func() {
		rig := newTestRig(t)
		a := NewGenericSensor(rig.hub, canbus.DeviceAddress{Bus: 0, Type: 4, ID: 0})
		b := NewGenericSensor(rig.hub, canbus.DeviceAddress{Bus: 0, Type: 7, ID: 1})
		So(a.Register(canbus.ConnectivityConfig{Label: "a"}), ShouldBeNil)
		So(b.Register(canbus.ConnectivityConfig{Label: "b"}), ShouldBeNil)

		rig.bus.Inject(dataFrame(a.Address(), 1234))

		_, ok := cell.WaitForAll(time.Second, a.Reading)
		So(ok, ShouldBeTrue)
		So(a.Reading.Value(), ShouldEqual, uint64(1234))
		So(b.Reading.Timestamp().IsZero(), ShouldBeTrue)

		Convey("and a closed device stops receiving", func() {
			a.Close()
			rig.bus.Inject(dataFrame(a.Address(), 5678))
			rig.bus.Inject(dataFrame(b.Address(), 42))

			_, ok := cell.WaitForAll(time.Second, b.Reading)
			So(ok, ShouldBeTrue)
			So(a.Reading.Value(), ShouldEqual, uint64(1234))
		})
	})
}

func TestStatusFrame(t *testing.T) {
	addr := canbus.DeviceAddress{Bus: 0, Type: 4, ID: 3}

	Convey("the periodic status frame fills the fault and temperature cells", t, func() {
		rig := newTestRig(t)
		d := New(rig.hub, addr)
		So(d.Register(canbus.ConnectivityConfig{Label: "dut"}), ShouldBeNil)

		rig.bus.Inject(canbus.Msg{
			Bus:  addr.Bus,
			ID:   canbus.BuildID(addr, canbus.APIStatus),
			Data: []byte{0x05, 0x0F, 0x34, 0x12, 0xD0, 0x2E, 0, 0},
		})

		_, ok := cell.WaitForAll(time.Second, d.Faults, d.StickyFaults, d.Temperature, d.BusVoltage)
		So(ok, ShouldBeTrue)
		So(d.Faults.Value(), ShouldEqual, uint8(0x05))
		So(d.StickyFaults.Value(), ShouldEqual, uint8(0x0F))
		So(d.Temperature.Value(), ShouldEqual, uint16(0x1234))
		So(d.BusVoltage.Value(), ShouldEqual, uint16(0x2ED0))

		Convey("frames of any other length are dropped", func() {
			beforeVal, beforeTS := d.Faults.Snapshot()
			rig.bus.Inject(canbus.Msg{
				Bus:  addr.Bus,
				ID:   canbus.BuildID(addr, canbus.APIStatus),
				Data: []byte{0xFF, 0xFF, 0xFF},
			})
			// A data frame behind the short one proves dispatch drained it.
			d2 := NewGenericSensor(rig.hub, canbus.DeviceAddress{Bus: 0, Type: 4, ID: 4})
			So(d2.Register(canbus.ConnectivityConfig{Label: "marker"}), ShouldBeNil)
			rig.bus.Inject(dataFrame(d2.Address(), 1))
			_, ok := cell.WaitForAll(time.Second, d2.Reading)
			So(ok, ShouldBeTrue)

			afterVal, afterTS := d.Faults.Snapshot()
			So(afterVal, ShouldEqual, beforeVal)
			So(afterTS, ShouldResemble, beforeTS)
		})
	})
}

func TestFirmwareVersion(t *testing.T) {
	addr := canbus.DeviceAddress{Bus: 0, Type: 4, ID: 3}

	Convey("a firmware echo lands in the Firmware cell", t, func() {
		rig := newTestRig(t)
		d := New(rig.hub, addr)
		So(d.Register(canbus.ConnectivityConfig{Label: "dut"}), ShouldBeNil)

		rig.bus.SetEcho(func(m canbus.Msg) []canbus.Msg {
			if m.APIIndex() != canbus.APIFirmwareVersion {
				return nil
			}
			return []canbus.Msg{{
				Bus:  addr.Bus,
				ID:   canbus.BuildID(addr, canbus.APIFirmwareVersion),
				Data: []byte{2, 1, 7},
			}}
		})

		So(d.RequestFirmwareVersion(), ShouldEqual, canbus.StatusOK)

		_, ok := cell.WaitForAll(time.Second, d.Firmware)
		So(ok, ShouldBeTrue)
		So(d.Firmware.Value(), ShouldEqual, "2.1.7")
	})
}

func TestSettingsOverBus(t *testing.T) {
	addr := canbus.DeviceAddress{Bus: 0, Type: 4, ID: 3}

	Convey("a settings write completes against simulated firmware", t, func() {
		rig := newTestRig(t)
		d := New(rig.hub, addr)
		So(d.Register(canbus.ConnectivityConfig{Label: "dut"}), ShouldBeNil)

		rig.bus.SetEcho(func(m canbus.Msg) []canbus.Msg {
			if m.APIIndex() != canbus.APISetSetting || len(m.Data) != 7 {
				return nil
			}
			echo := make([]byte, 8)
			copy(echo, m.Data)
			echo[7] = 0x01
			return []canbus.Msg{{
				Bus:  addr.Bus,
				ID:   canbus.BuildID(addr, canbus.APIReportSetting),
				Data: echo,
			}}
		})

		So(d.Settings.SetOne(9, 0xABCD, time.Second, 3), ShouldBeTrue)

		v, known := d.Settings.Get(9)
		So(known, ShouldBeTrue)
		So(v.Raw, ShouldEqual, uint64(0xABCD))
	})

	Convey("device commands resolve on their acks", t, func() {
		rig := newTestRig(t)
		d := New(rig.hub, addr)
		So(d.Register(canbus.ConnectivityConfig{Label: "dut"}), ShouldBeNil)

		rig.bus.SetEcho(func(m canbus.Msg) []canbus.Msg {
			if m.APIIndex() != canbus.APISettingCommand || len(m.Data) == 0 {
				return nil
			}
			return []canbus.Msg{{
				Bus:  addr.Bus,
				ID:   canbus.BuildID(addr, canbus.APISettingCommand),
				Data: []byte{m.Data[0]},
			}}
		})

		So(d.ClearStickyFaults(time.Second), ShouldBeTrue)

		Convey("and a confirmed factory reset clears the local map", func() {
			d.Settings.HandleSetting(canbus.Msg{
				Bus:  addr.Bus,
				ID:   canbus.BuildID(addr, canbus.APIReportSetting),
				Data: []byte{1, 9, 0, 0, 0, 0, 0},
			})
			So(d.Settings.Known(), ShouldHaveLength, 1)

			So(d.FactoryReset(time.Second), ShouldBeTrue)
			So(d.Settings.Known(), ShouldBeEmpty)
		})
	})
}
