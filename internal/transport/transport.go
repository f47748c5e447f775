package transport

// FrameSink is a generic frame transmission target. Implementations may queue
// the frame, so callers hand over ownership.
type FrameSink interface {
	SendFrame([]byte) error
}

// SinkFunc adapts a function to FrameSink.
type SinkFunc func([]byte) error

// SendFrame calls f(fr).
func (f SinkFunc) SendFrame(fr []byte) error { return f(fr) }

// Compile-time assertion that *AsyncTx satisfies FrameSink.
var _ FrameSink = (*AsyncTx)(nil)
