package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// startMDNS registers the service via mDNS and returns a cleanup function.
// It is safe to call even if disabled (no-op).
const mdnsServiceType = "_deframe._tcp"

// registerFn is swapped in tests.
var registerFn = zeroconf.Register

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("deframe-server-%s", host)
}

// mdnsTXT lets clients pick the right framing before connecting.
func mdnsTXT(cfg *appConfig) []string {
	txt := []string{
		"backend=" + cfg.backend,
		"delimiter=" + fmt.Sprintf("0x%X", []byte(cfg.delim)),
		"version=" + version,
		"commit=" + commit,
	}
	if cfg.hello != "" {
		txt = append(txt, "hello="+cfg.hello)
	}
	return txt
}

func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	svc, err := registerFn(mdnsInstance(cfg), mdnsServiceType, "local.", port, mdnsTXT(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}
