//go:build !linux

package canbus

// SocketCAN is only available on Linux; this stub keeps callers compiling
// elsewhere for development against SimBus.
type SocketCAN struct{}

func OpenSocketCAN(ifname string, bus int) (*SocketCAN, Status) {
	return nil, StatusNotSupported
}

func (s *SocketCAN) ReceiveBatch() ([]Msg, Status) { return nil, StatusNotSupported }
func (s *SocketCAN) Send(Msg) Status               { return StatusNotSupported }
func (s *SocketCAN) Close() Status                 { return StatusNotSupported }
func (s *SocketCAN) InterfaceRevision() int        { return 0 }
