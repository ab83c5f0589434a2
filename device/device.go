// Package device provides the base device object built on the canbus core:
// it routes a device's inbound traffic to its settings engine and
// timestamped cells, decodes the fixed status frame, and exposes the
// firmware version. Concrete sensor types embed Device and hook their own
// data messages; the core itself never interprets sensor semantics.
package device

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/perimetric/cansense/canbus"
	"github.com/perimetric/cansense/cell"
	"github.com/perimetric/cansense/settings"
)

// Device-wide command opcode extensions beyond the core settings opcodes.
const (
	opClearStickyFaults uint8 = 0x3
)

// statusFrameLen is the exact length of the periodic status message. The
// frame cannot be disabled by configuration; anything of another length is
// dropped.
const statusFrameLen = 8

// Device is one physical device on the bus network. It implements
// canbus.Listener; all cell updates happen on the dispatch goroutine.
type Device struct {
	hub  *canbus.Hub
	addr canbus.DeviceAddress

	Settings *settings.Engine

	// Firmware holds the reported version string (e.g. "1.2.3").
	Firmware *cell.Cell[string]

	// Status frame cells. Values are raw wire counts; unit conversion is
	// a higher layer's concern.
	Faults       *cell.Cell[uint8]
	StickyFaults *cell.Cell[uint8]
	Temperature  *cell.Cell[uint16]
	BusVoltage   *cell.Cell[uint16]

	// OnMessage, when set before Register, receives every message in the
	// device's own api space (api index >= APIDataBase). It runs on the
	// dispatch goroutine and must not block.
	OnMessage func(canbus.Msg)
}

// New creates a device bound to the hub at the given address.
func New(hub *canbus.Hub, addr canbus.DeviceAddress) *Device {
	return &Device{
		hub:          hub,
		addr:         addr,
		Settings:     settings.NewEngine(addr, hub.Send),
		Firmware:     cell.New[string](),
		Faults:       cell.New[uint8](),
		StickyFaults: cell.New[uint8](),
		Temperature:  cell.New[uint16](),
		BusVoltage:   cell.New[uint16](),
	}
}

// Address returns the device's bus address.
func (d *Device) Address() canbus.DeviceAddress {
	return d.addr
}

// Register adds the device to the hub's registry and ensures the dispatch
// loop is running. cfg.Addr is filled in from the device.
func (d *Device) Register(cfg canbus.ConnectivityConfig) error {
	cfg.Addr = d.addr
	d.hub.RegisterListener(d, cfg)
	return d.hub.EnsureRunning()
}

// Close removes the device from the registry. The device must be closed
// before being discarded.
func (d *Device) Close() {
	d.hub.UnregisterListener(d)
}

// AddressMatches implements canbus.Listener.
func (d *Device) AddressMatches(m canbus.Msg) bool {
	return d.addr.Matches(m)
}

// PreHandle decodes connectivity-relevant fields ahead of the main handler.
func (d *Device) PreHandle(m canbus.Msg) {
	if m.APIIndex() == canbus.APIFirmwareVersion && len(m.Data) >= 3 {
		d.Firmware.Update(fmt.Sprintf("%d.%d.%d", m.Data[0], m.Data[1], m.Data[2]), m.Timestamp)
	}
}

// HandleMessage routes one inbound message by api index.
func (d *Device) HandleMessage(m canbus.Msg) {
	switch api := m.APIIndex(); {
	case api == canbus.APIReportSetting:
		d.Settings.HandleSetting(m)
	case api == canbus.APISettingCommand:
		d.Settings.HandleCommandAck(m)
	case api == canbus.APIStatus:
		d.handleStatus(m)
	case api >= canbus.APIDataBase:
		if d.OnMessage != nil {
			d.OnMessage(m)
		}
	}
}

func (d *Device) handleStatus(m canbus.Msg) {
	if len(m.Data) != statusFrameLen {
		return
	}
	d.Faults.Update(m.Data[0], m.Timestamp)
	d.StickyFaults.Update(m.Data[1], m.Timestamp)
	d.Temperature.Update(binary.LittleEndian.Uint16(m.Data[2:4]), m.Timestamp)
	d.BusVoltage.Update(binary.LittleEndian.Uint16(m.Data[4:6]), m.Timestamp)
}

// RequestFirmwareVersion asks the device to report its firmware version.
// The reply lands in the Firmware cell via PreHandle.
func (d *Device) RequestFirmwareVersion() canbus.Status {
	return d.hub.Send(canbus.Msg{
		Bus: d.addr.Bus,
		ID:  canbus.BuildID(d.addr, canbus.APIFirmwareVersion),
	})
}

// ClearStickyFaults commands the device to clear latched fault flags and
// waits for the ack.
func (d *Device) ClearStickyFaults(timeout time.Duration) bool {
	return d.Settings.SendCommand(opClearStickyFaults, nil, timeout, true)
}

// FactoryReset restores the device's settings to defaults. On a confirmed
// ack the local settings map clears and repopulates from the echoes the
// device streams afterwards.
func (d *Device) FactoryReset(timeout time.Duration) bool {
	return d.Settings.SendCommand(settings.OpFactoryReset, nil, timeout, true)
}
