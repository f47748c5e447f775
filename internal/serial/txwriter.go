package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/go-deframe/internal/logging"
	"github.com/kstaniek/go-deframe/internal/metrics"
	"github.com/kstaniek/go-deframe/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all port writes through one goroutine.
type TXWriter struct{ base *transport.AsyncTx }

var _ transport.FrameSink = (*TXWriter)(nil)

// NewTXWriter creates a TXWriter with a buffered queue of buf frames. Frames
// are written verbatim, delimiter included; pass transport.WithCoalesce to
// join queued frames into larger writes.
func NewTXWriter(parent context.Context, sp Port, buf int, opts ...transport.Option) *TXWriter {
	send := func(fr []byte) error {
		for len(fr) > 0 {
			n, err := sp.Write(fr)
			if err != nil {
				return err
			}
			fr = fr[n:]
		}
		return nil
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrTxWrite)
			logging.L().Error("tx_write_error", "error", err)
		},
		OnAfter: metrics.AddTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrTxOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks, opts...)}
}

// SendFrame queues a frame for asynchronous write (drops with ErrTxOverflow if buffer full).
func (w *TXWriter) SendFrame(fr []byte) error { return w.base.SendFrame(fr) }

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() { w.base.Close() }
