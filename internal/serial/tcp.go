package serial

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrNotConnected is returned by TCPPort.Write while no connection is up.
var ErrNotConnected = errors.New("tcp port not connected")

// TCPPort is a Port backed by a serial-over-TCP bridge (ser2net and friends).
// It dials lazily on Read and redials after the peer goes away; the first Read
// on a new connection after a drop reports ErrStreamReset so the reader can
// discard the partial frame of the old connection.
type TCPPort struct {
	addr        string
	dialTimeout time.Duration
	readTimeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	dropped bool
	closed  bool
}

// dialFn is swapped in tests.
var dialFn = net.DialTimeout

// DialTCP connects to addr and returns a reconnecting port.
func DialTCP(addr string, dialTimeout, readTimeout time.Duration) (*TCPPort, error) {
	p := &TCPPort{addr: addr, dialTimeout: dialTimeout, readTimeout: readTimeout}
	if _, err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *TCPPort) connect() (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, net.ErrClosed
	}
	if p.conn != nil {
		return p.conn, nil
	}
	c, err := dialFn("tcp", p.addr, p.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.addr, err)
	}
	p.conn = c
	return c, nil
}

func (p *TCPPort) drop(c net.Conn) {
	p.mu.Lock()
	if p.conn == c {
		_ = c.Close()
		p.conn = nil
		p.dropped = true
	}
	p.mu.Unlock()
}

// Read reads from the current connection, dialling first if needed. A read
// deadline expiry returns 0, nil.
func (p *TCPPort) Read(b []byte) (int, error) {
	c, err := p.connect()
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	reset := p.dropped
	p.dropped = false
	p.mu.Unlock()
	if reset {
		return 0, fmt.Errorf("%w: reconnected to %s", ErrStreamReset, p.addr)
	}
	if p.readTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(p.readTimeout))
	}
	n, err := c.Read(b)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, nil
		}
		// EOF or a broken connection: redial on the next Read.
		if !errors.Is(err, net.ErrClosed) {
			p.drop(c)
		}
	}
	return n, err
}

// Write writes to the current connection.
func (p *TCPPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return 0, ErrNotConnected
	}
	n, err := c.Write(b)
	if err != nil {
		p.drop(c)
	}
	return n, err
}

// Close closes the connection and stops further dialling.
func (p *TCPPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
