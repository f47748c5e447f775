// Package rx runs the backend receive loop: it reads chunks from a port,
// reassembles delimiter-terminated frames and hands each one to a sink.
package rx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/kstaniek/go-deframe/internal/deframe"
	"github.com/kstaniek/go-deframe/internal/metrics"
	"github.com/kstaniek/go-deframe/internal/serial"
)

const (
	DefaultBackoffMin = 20 * time.Millisecond
	DefaultBackoffMax = 500 * time.Millisecond
	DefaultReadSize   = 256
)

// Config sizes the loop. ReadSize should not exceed Capacity, otherwise a
// single read can overflow a healthy stream.
type Config struct {
	Capacity   int
	ReadSize   int
	Delimiter  deframe.Delimiter
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Loop owns a Deframer and is driven by a single goroutine (Run).
type Loop struct {
	r    io.Reader
	cfg  Config
	df   *deframe.Deframer
	det  deframe.Detector
	sink func([]byte)
	emit func([]byte)
	l    *slog.Logger

	resync bool
}

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// New builds a loop reading from r. sink receives frames (delimiter included)
// that alias the loop's storage; it must copy anything it keeps.
func New(r io.Reader, cfg Config, sink func([]byte), l *slog.Logger) *Loop {
	if len(cfg.Delimiter) == 0 {
		cfg.Delimiter = deframe.LF
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = DefaultReadSize
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = DefaultBackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = max(DefaultBackoffMax, cfg.BackoffMin)
	}
	if l == nil {
		l = slog.Default()
	}
	lp := &Loop{
		r:    r,
		cfg:  cfg,
		df:   deframe.New(cfg.Capacity),
		det:  cfg.Delimiter,
		sink: sink,
		l:    l,
	}
	lp.emit = lp.deliver
	return lp
}

// Run reads until ctx is cancelled, the port is closed or a fatal (path)
// error occurs. Transient read errors back off exponentially.
func (lp *Loop) Run(ctx context.Context) error {
	buf := make([]byte, lp.cfg.ReadSize)
	backoff := lp.cfg.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := lp.r.Read(buf)
		if n > 0 {
			lp.feed(buf[:n])
			backoff = lp.cfg.BackoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil { // shutting down
			return nil
		}
		var perr *os.PathError
		switch {
		case errors.As(err, &perr):
			return err // device removed or fatal
		case errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
			return nil
		case errors.Is(err, serial.ErrStreamReset):
			lp.l.Info("rx_stream_reset", "error", err, "dropped", lp.df.Len())
			metrics.AddDiscarded(lp.df.Len())
			lp.df.Reset()
			lp.resync = false
			metrics.SetRemainder(0)
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			continue // ignore transient EOF
		}
		metrics.IncError(metrics.ErrRxRead)
		lp.l.Warn("rx_read_error", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff *= 2
		if backoff > lp.cfg.BackoffMax {
			backoff = lp.cfg.BackoffMax
		}
	}
}

// feed pushes one chunk through the deframer. After an overflow the held
// bytes are dropped and input is discarded up to and including the next
// delimiter, so delivery resumes on a frame boundary.
func (lp *Loop) feed(chunk []byte) {
	for {
		if lp.resync {
			i := lp.cfg.Delimiter.FirstBoundary(chunk)
			if i < 0 {
				metrics.AddDiscarded(len(chunk))
				return
			}
			metrics.AddDiscarded(i + 1)
			chunk = chunk[i+1:]
			lp.resync = false
			lp.l.Debug("deframe_resync")
		}
		run, err := lp.df.Deframe(chunk, lp.det)
		if err != nil {
			lp.overflow(err, len(chunk))
			continue
		}
		if tail := lp.cfg.Delimiter.EachFrame(run, lp.emit); len(tail) > 0 {
			run, err = lp.df.Rescan(tail, lp.det)
			if err != nil {
				// The chunk is already consumed; drop the tail and wait for
				// the next delimiter.
				metrics.AddDiscarded(len(tail))
				lp.overflow(err, 0)
				return
			}
			// A rescanned run is split from its start, so it leaves no tail.
			lp.cfg.Delimiter.EachFrame(run, lp.emit)
		}
		metrics.SetRemainder(lp.df.Len())
		return
	}
}

func (lp *Loop) overflow(err error, chunk int) {
	metrics.IncOverflow(metrics.StreamBackend)
	lp.l.Warn("deframe_overflow", "error", err, "held", lp.df.Len(), "chunk", chunk)
	metrics.AddDiscarded(lp.df.Len())
	lp.df.Reset()
	lp.resync = true
	metrics.SetRemainder(0)
}

func (lp *Loop) deliver(frame []byte) {
	metrics.IncRxFrame(len(frame))
	lp.sink(frame)
}

// Held reports the partial frame length currently buffered.
func (lp *Loop) Held() int { return lp.df.Len() }
