package canbus

// Status is the numeric result code returned by transport operations.
// The zero value means success.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusBusClosed
	StatusInvalidFrame
	StatusDriver
	StatusNotSupported
)

var statusText = map[Status]string{
	StatusOK:           "ok",
	StatusTimeout:      "timed out",
	StatusBusClosed:    "bus closed",
	StatusInvalidFrame: "invalid frame",
	StatusDriver:       "driver error",
	StatusNotSupported: "not supported on this platform",
}

// String returns the human-readable message for a status code.
func (s Status) String() string {
	if t, ok := statusText[s]; ok {
		return t
	}
	return "unknown status"
}

// OK reports whether the status indicates success.
func (s Status) OK() bool {
	return s == StatusOK
}
