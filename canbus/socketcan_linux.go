//go:build linux

package canbus

import (
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	canFrameSize = 16
	canEffFlag   = 0x80000000
	canEffMask   = 0x1FFFFFFF

	// maxBatch bounds how many frames one ReceiveBatch drains.
	maxBatch = 32

	// recvTimeout bounds each blocking read. can_raw sockets have no
	// shutdown, so a blocked ReceiveBatch can only observe Close between
	// reads; this is the worst-case Stop latency on a silent bus.
	recvTimeout = 250 * time.Millisecond
)

// SocketCAN is a Transport over a raw Linux SocketCAN interface.
type SocketCAN struct {
	fd     int
	bus    int
	closed atomic.Bool
}

// OpenSocketCAN binds a raw CAN socket to the named interface (e.g. "can0").
// The bus number is carried on every received Msg.
func OpenSocketCAN(ifname string, bus int) (*SocketCAN, Status) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, StatusDriver
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, StatusDriver
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, StatusDriver
	}
	if err := setRecvTimeout(fd); err != nil {
		unix.Close(fd)
		return nil, StatusDriver
	}

	return &SocketCAN{fd: fd, bus: bus}, StatusOK
}

func setRecvTimeout(fd int) error {
	tv := unix.NsecToTimeval(recvTimeout.Nanoseconds())
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

// ReceiveBatch blocks for the next frame, then opportunistically drains any
// further frames already queued in the kernel into the same batch. Reads are
// bounded by recvTimeout so a close can be observed without inbound traffic.
func (s *SocketCAN) ReceiveBatch() ([]Msg, Status) {
	buf := make([]byte, canFrameSize)
	for {
		n, err := unix.Read(s.fd, buf)
		if s.closed.Load() {
			return nil, StatusBusClosed
		}
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil || n < canFrameSize {
			return nil, StatusDriver
		}

		now := time.Now()
		batch := []Msg{s.decode(buf, now)}

		for len(batch) < maxBatch {
			n, _, err := unix.Recvfrom(s.fd, buf, unix.MSG_DONTWAIT)
			if err != nil || n < canFrameSize {
				break
			}
			batch = append(batch, s.decode(buf, now))
		}
		return batch, StatusOK
	}
}

func (s *SocketCAN) decode(buf []byte, ts time.Time) Msg {
	id := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	id &= canEffMask
	dlc := int(buf[4])
	if dlc > MaxDeviceData {
		dlc = MaxDeviceData
	}
	data := make([]byte, dlc)
	copy(data, buf[8:8+dlc])
	return Msg{Bus: s.bus, ID: id, Timestamp: ts, Data: data}
}

// Send transmits one frame with an extended identifier.
func (s *SocketCAN) Send(m Msg) Status {
	if err := m.Validate(); err != nil {
		return StatusInvalidFrame
	}
	if s.closed.Load() {
		return StatusBusClosed
	}

	id := m.ID&canEffMask | canEffFlag
	buf := make([]byte, canFrameSize)
	buf[0] = byte(id)
	buf[1] = byte(id >> 8)
	buf[2] = byte(id >> 16)
	buf[3] = byte(id >> 24)
	buf[4] = byte(len(m.Data))
	copy(buf[8:], m.Data)

	if _, err := unix.Write(s.fd, buf); err != nil {
		return StatusDriver
	}
	return StatusOK
}

// Close marks the socket closed and releases the fd. A ReceiveBatch blocked
// on a silent bus returns StatusBusClosed within one recvTimeout tick.
func (s *SocketCAN) Close() Status {
	if s.closed.Swap(true) {
		return StatusOK
	}
	if err := unix.Close(s.fd); err != nil {
		return StatusDriver
	}
	return StatusOK
}

// InterfaceRevision reports the compiled-in driver revision.
func (s *SocketCAN) InterfaceRevision() int {
	return RequiredRevision
}
