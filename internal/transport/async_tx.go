package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// AsyncTx is a reusable asynchronous frame transmitter that funnels frame
// writes through a single goroutine (fan-in). Enqueue never blocks: if the
// internal buffer is full, SendFrame invokes the configured OnDrop hook and
// returns its error (usually an overflow sentinel), so producers are not held
// up by a slow or wedged device.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendFrame(frame)
//	a.Close()
//
// Frames are queued by reference; callers must not modify a frame after
// handing it to SendFrame. With WithCoalesce, frames already waiting in the
// queue are joined into one send: delimiter-terminated frames concatenate into
// the same byte stream, so a slow port sees fewer, larger writes.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func([]byte) error
	hooks  Hooks
	closed atomic.Bool // set when Close is called; prevents enqueue after shutdown

	coalesce int
	scratch  []byte
}

// Option configures an AsyncTx.
type Option func(*AsyncTx)

// WithCoalesce joins queued frames into sends of at most max bytes. A frame
// longer than max is sent on its own. Joined frames share a scratch buffer, so
// send must not retain its argument.
func WithCoalesce(max int) Option {
	return func(a *AsyncTx) {
		if max > 0 {
			a.coalesce = max
		}
	}
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful send with the number of
	// frames it carried.
	OnAfter func(frames int)
	// OnDrop is called when the buffer is full; its returned error is returned
	// from SendFrame. If nil, the overflow is silent (best-effort fire-and-forget).
	OnDrop func() error
}

// ErrAsyncTxClosed is returned by SendFrame after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx(parent context.Context, buf int, send func([]byte) error, hooks Hooks, opts ...Option) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:     make(chan []byte, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	for _, o := range opts {
		o(a)
	}
	if a.coalesce > 0 {
		a.scratch = make([]byte, 0, a.coalesce)
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	var (
		pending    []byte
		hasPending bool
	)
	for {
		fr := pending
		if !hasPending {
			select {
			case f, ok := <-a.ch:
				if !ok { // channel closed
					return
				}
				fr = f
			case <-a.ctx.Done():
				return
			}
		}
		n := 1
		pending, hasPending = nil, false
		if a.coalesce > 0 && len(a.ch) > 0 && len(fr) < a.coalesce {
			fr, n, pending, hasPending = a.gather(fr)
		}
		if err := a.send(fr); err != nil {
			if a.hooks.OnError != nil {
				a.hooks.OnError(err)
			}
			continue
		}
		if a.hooks.OnAfter != nil {
			a.hooks.OnAfter(n)
		}
	}
}

// gather copies fr and the frames queued behind it into scratch while they
// fit. The first frame that does not fit is handed back as pending.
func (a *AsyncTx) gather(fr []byte) (out []byte, n int, pending []byte, hasPending bool) {
	out = append(a.scratch[:0], fr...)
	n = 1
	for {
		select {
		case next, ok := <-a.ch:
			if !ok {
				return out, n, nil, false
			}
			if len(out)+len(next) > a.coalesce {
				return out, n, next, true
			}
			out = append(out, next...)
			n++
		default:
			return out, n, nil, false
		}
	}
}

// SendFrame queues a frame for asynchronous transmission or returns the drop
// error if the buffer is full.
func (a *AsyncTx) SendFrame(fr []byte) error {
	// Fast-path check so steady-state sends avoid taking the lock when already shut down.
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for all pending operations to finish.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) { // already closed
		return
	}
	// Cancel context to stop loop, then close channel under the send lock to avoid races.
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
