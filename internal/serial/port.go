package serial

import (
	"errors"
	"time"

	"github.com/tarm/serial"
)

// Port abstracts the byte source/sink behind a backend (tarm/serial, a raw
// device fd, or a TCP bridge) for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// ErrStreamReset is returned (wrapped) by a Port whose byte stream restarted,
// e.g. after a reconnect. Readers must drop any partial frame they hold.
var ErrStreamReset = errors.New("stream reset")

// Open opens a serial device in raw 8N1 mode. A read that times out returns
// 0 bytes, letting callers poll for shutdown.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}
