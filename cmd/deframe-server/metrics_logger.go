package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-deframe/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"rx_frames", snap.RxFrames,
		"rx_bytes", snap.RxBytes,
		"tx_frames", snap.TxFrames,
		"tcp_rx", snap.TCPRx,
		"tcp_tx", snap.TCPTx,
		"ws_tx", snap.WSTx,
		"overflows", snap.Overflows,
		"resync_discarded", snap.Discarded,
		"remainder", snap.Remainder,
		"hub_clients", snap.HubClients,
		"hub_drops", snap.HubDrops,
		"errors", snap.Errors,
	)
}
