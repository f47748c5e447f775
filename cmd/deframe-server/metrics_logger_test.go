package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-deframe/internal/metrics"
)

func TestLogSnapshot(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, nil))
	logSnapshot(l, metrics.Snapshot{RxFrames: 7, Overflows: 2})
	out := buf.String()
	if !strings.Contains(out, "metrics_snapshot") || !strings.Contains(out, "rx_frames=7") || !strings.Contains(out, "overflows=2") {
		t.Fatalf("unexpected log %q", out)
	}
}

func TestStartMetricsLogger_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	startMetricsLogger(ctx, time.Millisecond, testLogger(), &wg)
	time.Sleep(5 * time.Millisecond)
	cancel()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("metrics logger did not stop")
	}
	// Disabled interval starts nothing.
	startMetricsLogger(context.Background(), 0, testLogger(), &wg)
	wg.Wait()
}
