package canbus

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxDeviceData is the largest payload a device frame may carry.
	MaxDeviceData = 8
	// MaxTransportData is the largest payload the transport layer accepts.
	MaxTransportData = 64
)

// DeviceClass is the manufacturer/class code embedded in every arbitration
// id this library produces or matches. Traffic from other vendors on the
// same bus never routes to our listeners.
const DeviceClass = 0x0A

// Arbitration id layout, 29-bit extended identifier:
//
//	bits 24..28  device type  (5 bits)
//	bits 16..23  device class (8 bits)
//	bits  6..15  api index    (10 bits)
//	bits  0..5   device id    (6 bits)
const (
	deviceTypeShift = 24
	classShift      = 16
	apiShift        = 6

	deviceTypeMask = 0x1F
	classMask      = 0xFF
	apiMask        = 0x3FF
	deviceIDMask   = 0x3F
)

var (
	ErrDataTooLong = errors.New("canbus: payload exceeds device frame limit")
)

// Msg is one bus message. It is owned by the dispatch loop for the duration
// of a handler call; handlers must not retain Data past that call.
type Msg struct {
	Bus       int
	ID        uint32
	Timestamp time.Time
	Data      []byte
}

// Validate checks the payload length against the device frame limit.
func (m Msg) Validate() error {
	if len(m.Data) > MaxDeviceData {
		return ErrDataTooLong
	}
	return nil
}

// APIIndex extracts the api index field from the message's arbitration id.
func (m Msg) APIIndex() uint16 {
	return APIIndex(m.ID)
}

// DeviceAddress identifies one physical device on one bus. It is immutable
// for a device object's lifetime; changing the physical id changes which
// traffic an object observes, not the object itself.
type DeviceAddress struct {
	Bus  int
	Type uint8 // 5 bits
	ID   uint8 // 6 bits
}

func (a DeviceAddress) String() string {
	return fmt.Sprintf("bus%d/type%d/id%d", a.Bus, a.Type, a.ID)
}

// Matches reports whether an inbound message originates from this address.
// The api index is deliberately ignored; routing by api is the device's job.
func (a DeviceAddress) Matches(m Msg) bool {
	if m.Bus != a.Bus {
		return false
	}
	id := m.ID
	if uint8(id>>classShift)&classMask != DeviceClass {
		return false
	}
	return uint8(id>>deviceTypeShift)&deviceTypeMask == a.Type&deviceTypeMask &&
		uint8(id)&deviceIDMask == a.ID&deviceIDMask
}

// BuildID assembles the arbitration id for a message addressed to (or
// reported by) the given device at the given api index.
func BuildID(a DeviceAddress, api uint16) uint32 {
	return uint32(a.Type&deviceTypeMask)<<deviceTypeShift |
		uint32(DeviceClass)<<classShift |
		uint32(api&apiMask)<<apiShift |
		uint32(a.ID&deviceIDMask)
}

// APIIndex extracts the api index field from an arbitration id.
func APIIndex(id uint32) uint16 {
	return uint16(id>>apiShift) & apiMask
}

// DeviceTypeOf extracts the device type field from an arbitration id.
func DeviceTypeOf(id uint32) uint8 {
	return uint8(id>>deviceTypeShift) & deviceTypeMask
}

// DeviceIDOf extracts the device id field from an arbitration id.
func DeviceIDOf(id uint32) uint8 {
	return uint8(id) & deviceIDMask
}

// Core api indexes shared by every device type. Indexes at or above
// APIDataBase belong to the device's own message space.
const (
	APISettingCommand  = 0x002
	APISetSetting      = 0x003
	APIReportSetting   = 0x004
	APIFirmwareVersion = 0x005
	APIStatus          = 0x006
	APIDataBase        = 0x010
)
