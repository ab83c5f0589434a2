// Package settings implements the per-device settings synchronization
// engine: it turns an unordered stream of asynchronous "report setting"
// echoes into completed fetch, set-and-confirm and device-command
// operations with bounded retries. The wire protocol carries no request
// correlation ids; echoes are matched by setting id alone.
package settings

import (
	"time"

	"github.com/perimetric/cansense/canbus"
)

// Setting-command opcodes carried in the first payload byte of a
// APISettingCommand message.
const (
	OpFetchAll     uint8 = 0x0
	OpFactoryReset uint8 = 0x1
	OpFetchOne     uint8 = 0x2
)

// Raw setting values are at most 48 bits wide on the wire.
const (
	rawBytes = 6
	MaxRaw   = uint64(1)<<48 - 1

	// report payload: id byte + 6 raw bytes, optionally + flags byte
	reportMinLen = 1 + rawBytes
	reportMaxLen = 1 + rawBytes + 1

	flagSetSuccess = 0x01
)

// Value is one known setting: the raw wire value plus the optional flags
// byte some firmware revisions append to echoes.
type Value struct {
	Raw       uint64
	Flags     byte
	HasFlags  bool
	Timestamp time.Time
}

// Confirmed reports whether the echo confirms the operation. Echoes without
// a flags byte are taken as confirmation by presence alone.
func (v Value) Confirmed() bool {
	return !v.HasFlags || v.Flags&flagSetSuccess != 0
}

func commandMsg(addr canbus.DeviceAddress, opcode uint8, payload []byte) canbus.Msg {
	data := make([]byte, 0, 1+len(payload))
	data = append(data, opcode)
	data = append(data, payload...)
	return canbus.Msg{
		Bus:  addr.Bus,
		ID:   canbus.BuildID(addr, canbus.APISettingCommand),
		Data: data,
	}
}

func setMsg(addr canbus.DeviceAddress, id uint8, raw uint64) canbus.Msg {
	data := make([]byte, 1+rawBytes)
	data[0] = id
	putRaw(data[1:], raw)
	return canbus.Msg{
		Bus:  addr.Bus,
		ID:   canbus.BuildID(addr, canbus.APISetSetting),
		Data: data,
	}
}

// decodeReport parses a "report setting" echo. Malformed echoes report
// ok=false and are dropped by the caller without logging.
func decodeReport(m canbus.Msg) (id uint8, v Value, ok bool) {
	if len(m.Data) < reportMinLen || len(m.Data) > reportMaxLen {
		return 0, Value{}, false
	}
	id = m.Data[0]
	v.Raw = getRaw(m.Data[1 : 1+rawBytes])
	if len(m.Data) == reportMaxLen {
		v.Flags = m.Data[1+rawBytes]
		v.HasFlags = true
	}
	v.Timestamp = m.Timestamp
	return id, v, true
}

// putRaw writes the low 48 bits of raw little-endian into buf[0:6].
func putRaw(buf []byte, raw uint64) {
	for i := 0; i < rawBytes; i++ {
		buf[i] = byte(raw >> (8 * i))
	}
}

func getRaw(buf []byte) uint64 {
	var raw uint64
	for i := 0; i < rawBytes; i++ {
		raw |= uint64(buf[i]) << (8 * i)
	}
	return raw
}
