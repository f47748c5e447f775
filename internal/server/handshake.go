package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrBadHello is returned when the peer's hello does not match.
var ErrBadHello = errors.New("bad hello")

// Handshake runs the hello exchange configured with WithHello. It is a no-op
// when no hello is set.
func (s *Server) Handshake(ctx context.Context, c net.Conn) error {
	if s.hello == "" {
		return nil
	}
	return exchangeHello(ctx, c, s.hello, s.handshakeTimeout)
}

// exchangeHello writes hello and concurrently reads the peer's, so neither
// side has to go first. On failure the deadline is moved to now so both IO
// goroutines return; it is only cleared after a successful exchange.
func exchangeHello(ctx context.Context, c net.Conn, hello string, timeout time.Duration) error {
	if deadlineErr := c.SetDeadline(time.Now().Add(timeout)); deadlineErr != nil {
		return fmt.Errorf("set deadline: %w", deadlineErr)
	}

	errCh := make(chan error, 2)
	go func() {
		_, err := io.WriteString(c, hello)
		errCh <- err
	}()
	go func() {
		buf := make([]byte, len(hello))
		_, err := io.ReadFull(c, buf)
		if err == nil && string(buf) != hello {
			err = fmt.Errorf("%w: %q", ErrBadHello, buf)
		}
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			_ = c.SetDeadline(time.Now())
			return ctx.Err()
		case err := <-errCh:
			if err != nil {
				_ = c.SetDeadline(time.Now())
				return fmt.Errorf("handshake: %w", err)
			}
		}
	}
	_ = c.SetDeadline(time.Time{})
	return nil
}
