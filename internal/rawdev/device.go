//go:build linux

// Package rawdev opens an already-configured character device or FIFO as a
// byte stream (a tty set up by stty, a pty from socat, a named pipe fed by
// another process).
package rawdev

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

type Device struct {
	fd          int
	readTimeout time.Duration
}

// Open opens path read/write without making it the controlling terminal. A
// read that waits longer than readTimeout returns 0 bytes so callers can poll
// for shutdown; readTimeout <= 0 blocks.
func Open(path string, readTimeout time.Duration) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Device{fd: fd, readTimeout: readTimeout}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// Read waits for input with poll(2) and reads what is available.
func (d *Device) Read(p []byte) (int, error) {
	timeout := -1
	if d.readTimeout > 0 {
		timeout = int(d.readTimeout / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return 0, nil
		}
		break
	}
	for {
		n, err := unix.Read(d.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

// Write blocks until all of p is written.
func (d *Device) Write(p []byte) (int, error) {
	var total int
	for total < len(p) {
		n, err := unix.Write(d.fd, p[total:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLOUT}}
			if _, perr := unix.Poll(fds, -1); perr != nil && !errors.Is(perr, unix.EINTR) {
				return total, fmt.Errorf("poll: %w", perr)
			}
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
