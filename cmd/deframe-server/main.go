package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/kstaniek/go-deframe/internal/metrics"
	"github.com/kstaniek/go-deframe/internal/server"
	"github.com/kstaniek/go-deframe/internal/wsfeed"
)

func main() {
	cfg, showVersion, err := parseFlags(flag.CommandLine, os.Args[1:])
	if showVersion {
		fmt.Printf("deframe-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	if cfg.configPath != "" {
		l.Info("config_loaded", "path", cfg.configPath)
	}
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	sendFunc, cleanup, berr := initBackend(ctx, cfg, h, l, &wg)
	if berr != nil {
		l.Error("backend_init_error", "error", berr)
		return
	}

	srv := server.NewServer(
		server.WithHub(h),
		server.WithSend(sendFunc),
		server.WithLogger(l),
		server.WithDelimiter(cfg.delim),
		server.WithClientFrameCapacity(cfg.clientFrameCap),
		server.WithHello(cfg.hello),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	srv.SetListenAddr(cfg.listenAddr)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	// Start mDNS advertisement once listener is ready.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		portNum := listenPort(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready when server listener is bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		var routes []metrics.Route
		if cfg.wsPath != "" {
			feed := wsfeed.New(h, wsfeed.WithLogger(l), wsfeed.WithMaxClients(cfg.maxClients))
			defer feed.Close()
			routes = append(routes, metrics.Route{Path: cfg.wsPath, Handler: feed})
			l.Info("ws_feed", "addr", cfg.metricsAddr, "path", cfg.wsPath)
		}
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr, routes...)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	sdCtx, sdCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		l.Warn("tcp_shutdown_error", "error", err)
	}
	cleanup()
	wg.Wait()
}

// listenPort extracts the port from a bound address (host:port or :port).
func listenPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, perr := strconv.Atoi(p); perr == nil {
			return pn
		}
	}
	return 0
}
