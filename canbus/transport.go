package canbus

// RequiredRevision is the transport interface revision this library was
// built against. Hub.EnsureRunning refuses to start on a mismatch, since a
// disagreement here silently corrupts protocol framing.
const RequiredRevision = 3

// Transport delivers batches of arrived messages and accepts outgoing
// messages. Implementations must be safe for concurrent use: the dispatch
// goroutine calls ReceiveBatch while arbitrary caller goroutines Send.
type Transport interface {
	// ReceiveBatch blocks until one or more messages arrive or the
	// transport closes. An empty batch with StatusOK is permitted.
	ReceiveBatch() ([]Msg, Status)

	// Send queues one message for transmission.
	Send(Msg) Status

	// Close releases the transport. A blocked ReceiveBatch must return
	// with StatusBusClosed.
	Close() Status

	// InterfaceRevision reports the driver's protocol revision.
	InterfaceRevision() int
}
