package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-deframe/internal/hub"
	"github.com/kstaniek/go-deframe/internal/rawdev"
	"github.com/kstaniek/go-deframe/internal/rx"
	"github.com/kstaniek/go-deframe/internal/serial"
	"github.com/kstaniek/go-deframe/internal/server"
	"github.com/kstaniek/go-deframe/internal/transport"
)

// Port openers are hooks for tests (overridden in unit tests).
var (
	openSerialPort = serial.Open
	openRawDevice  = defaultOpenRawDevice
	dialTCPPort    = defaultDialTCPPort
)

func defaultOpenRawDevice(path string, readTimeout time.Duration) (serial.Port, error) {
	d, err := rawdev.Open(path, readTimeout)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func defaultDialTCPPort(addr string, dialTimeout, readTimeout time.Duration) (serial.Port, error) {
	p, err := serial.DialTCP(addr, dialTimeout, readTimeout)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// openPort opens the byte source selected by cfg.backend.
func openPort(cfg *appConfig, l *slog.Logger) (serial.Port, error) {
	switch cfg.backend {
	case "serial":
		sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		if err != nil {
			return nil, fmt.Errorf("open serial: %w", err)
		}
		l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
		return sp, nil
	case "raw":
		d, err := openRawDevice(cfg.rawDev, cfg.serialReadTO)
		if err != nil {
			return nil, fmt.Errorf("open raw device: %w", err)
		}
		l.Info("raw_device_open", "device", cfg.rawDev)
		return d, nil
	case "tcp":
		p, err := dialTCPPort(cfg.remoteAddr, cfg.dialTO, cfg.serialReadTO)
		if err != nil {
			return nil, fmt.Errorf("dial bridge: %w", err)
		}
		l.Info("bridge_connected", "addr", cfg.remoteAddr)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use serial|raw|tcp)", cfg.backend)
	}
}

// initBackend opens the backend, starts its RX loop feeding the hub and returns
// a frame sender and cleanup. It returns an error instead of exiting the
// process to allow graceful handling by the caller.
func initBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (server.SendFunc, func(), error) {
	port, err := openPort(cfg, l)
	if err != nil {
		return nil, func() {}, err
	}
	w := serial.NewTXWriter(ctx, port, txQueueSize, transport.WithCoalesce(txCoalesce))
	loop := rx.New(port, rx.Config{
		Capacity:   cfg.frameCap,
		ReadSize:   cfg.readChunk,
		Delimiter:  cfg.delim,
		BackoffMin: rxBackoffMin,
		BackoffMax: rxBackoffMax,
	}, h.Broadcast, l)
	l.Info("deframer_config", "delimiter", cfg.delim.String(), "capacity", cfg.frameCap, "read_chunk", cfg.readChunk)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("backend_rx_end")
		if err := loop.Run(ctx); err != nil {
			l.Error("backend_rx_fatal", "error", err)
		}
	}()
	return w.SendFrame, func() { _ = port.Close(); w.Close() }, nil
}
