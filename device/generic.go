package device

import (
	"github.com/perimetric/cansense/canbus"
	"github.com/perimetric/cansense/cell"
)

// GenericSensor is a minimal concrete device: one raw reading cell fed by
// the first data api index. It is what the diagnostic tooling registers
// when no richer device type is available, and it doubles as the reference
// implementation for building device types on top of Device.
type GenericSensor struct {
	*Device

	// Reading is the latest raw sample, up to 48 bits, uninterpreted.
	Reading *cell.Cell[uint64]
}

// NewGenericSensor creates a generic sensor at addr.
func NewGenericSensor(hub *canbus.Hub, addr canbus.DeviceAddress) *GenericSensor {
	s := &GenericSensor{
		Device:  New(hub, addr),
		Reading: cell.New[uint64](),
	}
	s.Device.OnMessage = s.onData
	return s
}

func (s *GenericSensor) onData(m canbus.Msg) {
	if m.APIIndex() != canbus.APIDataBase || len(m.Data) == 0 {
		return
	}
	var raw uint64
	for i := 0; i < len(m.Data) && i < 6; i++ {
		raw |= uint64(m.Data[i]) << (8 * i)
	}
	s.Reading.Update(raw, m.Timestamp)
}
