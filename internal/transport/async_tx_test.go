package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

// TestAsyncTxSuccess verifies frames are sent and hooks fire.
func TestAsyncTxSuccess(t *testing.T) {
	var sent atomic.Int64
	var after atomic.Int64
	ax := NewAsyncTx(context.Background(), 4, func(fr []byte) error {
		sent.Add(1)
		return nil
	}, Hooks{OnAfter: func(n int) { after.Add(int64(n)) }})
	defer ax.Close()
	for i := 0; i < 3; i++ {
		if err := ax.SendFrame([]byte{byte(i), '\n'}); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	// Allow worker to drain
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && sent.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if sent.Load() != 3 || after.Load() != 3 {
		t.Fatalf("expected 3 sent & after, got sent=%d after=%d", sent.Load(), after.Load())
	}
}

// TestAsyncTxOverflow ensures OnDrop is invoked when buffer full.
func TestAsyncTxOverflow(t *testing.T) {
	// Slow send function blocks until context cancelled -> fill buffer quickly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drops atomic.Int64
	ax := NewAsyncTx(ctx, 1, func(fr []byte) error { time.Sleep(150 * time.Millisecond); return nil }, Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	// One frame in flight plus one buffered; the third has nowhere to go.
	var dropErr error
	for i := 0; i < 3; i++ {
		if err := ax.SendFrame([]byte("x\n")); err != nil && dropErr == nil {
			dropErr = err
		}
	}
	if !errors.Is(dropErr, errOverflow) {
		t.Fatalf("expected overflow error, got %v", dropErr)
	}
	if drops.Load() < 1 {
		t.Fatalf("expected at least 1 drop, got %d", drops.Load())
	}
}

// TestAsyncTxSendError triggers OnError hook.
func TestAsyncTxSendError(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(fr []byte) error { return errSendFail }, Hooks{OnError: func(error) { errs.Add(1) }})
	defer ax.Close()
	_ = ax.SendFrame([]byte("x\n"))
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && errs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
}

// TestAsyncTxClose stops processing further frames.
func TestAsyncTxClose(t *testing.T) {
	var sent atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(fr []byte) error { sent.Add(1); return nil }, Hooks{})
	_ = ax.SendFrame([]byte("x\n"))
	ax.Close()
	countAfterClose := sent.Load()
	// Try sending after close (undefined but should not panic or increment)
	_ = ax.SendFrame([]byte("x\n"))
	// Give some time in case worker erroneously processed second frame.
	time.Sleep(50 * time.Millisecond)
	if sent.Load() != countAfterClose {
		t.Fatalf("frame processed after close: before=%d after=%d", countAfterClose, sent.Load())
	}
}

func TestAsyncTxSendAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tx := NewAsyncTx(ctx, 2, func(fr []byte) error { return nil }, Hooks{})
	tx.Close()
	if err := tx.SendFrame([]byte("late\n")); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func(fr []byte) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() {
			done <- ax.SendFrame([]byte("x\n"))
		}()
		time.Sleep(1 * time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}

// coalesceRig holds the worker inside its first send so later frames queue up.
type coalesceRig struct {
	mu      sync.Mutex
	sends   []string
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newCoalesceRig() *coalesceRig {
	return &coalesceRig{started: make(chan struct{}), release: make(chan struct{})}
}

func (r *coalesceRig) send(fr []byte) error {
	r.once.Do(func() {
		close(r.started)
		<-r.release
	})
	r.mu.Lock()
	r.sends = append(r.sends, string(fr))
	r.mu.Unlock()
	return nil
}

func (r *coalesceRig) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.sends) >= n {
			out := append([]string(nil), r.sends...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Fatalf("expected %d sends, got %q", n, r.sends)
	return nil
}

func TestAsyncTxCoalescesQueuedFrames(t *testing.T) {
	rig := newCoalesceRig()
	var after atomic.Int64
	ax := NewAsyncTx(context.Background(), 8, rig.send, Hooks{OnAfter: func(n int) { after.Add(int64(n)) }}, WithCoalesce(6))
	defer ax.Close()
	_ = ax.SendFrame([]byte("a\n"))
	<-rig.started
	for _, fr := range []string{"b\n", "c\n", "d\n", "e\n"} {
		if err := ax.SendFrame([]byte(fr)); err != nil {
			t.Fatalf("SendFrame: %v", err)
		}
	}
	close(rig.release)
	got := rig.wait(t, 3)
	want := []string{"a\n", "b\nc\nd\n", "e\n"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sends %q want %q", got, want)
		}
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && after.Load() < 5 {
		time.Sleep(2 * time.Millisecond)
	}
	if after.Load() != 5 {
		t.Fatalf("OnAfter counted %d frames, want 5", after.Load())
	}
}

func TestAsyncTxCoalesceOversizedFrameAlone(t *testing.T) {
	rig := newCoalesceRig()
	ax := NewAsyncTx(context.Background(), 8, rig.send, Hooks{}, WithCoalesce(4))
	defer ax.Close()
	_ = ax.SendFrame([]byte("a\n"))
	<-rig.started
	for _, fr := range []string{"b\n", "long-frame\n", "c\n"} {
		_ = ax.SendFrame([]byte(fr))
	}
	close(rig.release)
	got := rig.wait(t, 4)
	want := []string{"a\n", "b\n", "long-frame\n", "c\n"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sends %q want %q", got, want)
		}
	}
}
