// Package wsfeed streams hub frames to WebSocket clients, one binary message
// per frame.
package wsfeed

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kstaniek/go-deframe/internal/hub"
	"github.com/kstaniek/go-deframe/internal/logging"
	"github.com/kstaniek/go-deframe/internal/metrics"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Feed is an http.Handler upgrading requests to WebSocket and registering each
// connection as a hub client.
type Feed struct {
	hub          *hub.Hub
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
	maxClients   int
	logger       *slog.Logger

	// mu orders wg.Add in ServeHTTP against Close.
	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Feed)

func WithPingInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.pingInterval = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.writeTimeout = d
		}
	}
}

// WithMaxClients caps the hub size (TCP and WebSocket clients together).
func WithMaxClients(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

// New returns a feed broadcasting frames from h.
func New(h *hub.Hub, opts ...Option) *Feed {
	f := &Feed{
		hub:          h,
		pingInterval: defaultPingInterval,
		writeTimeout: defaultWriteTimeout,
		logger:       logging.L(),
		done:         make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	f.wg.Add(1)
	f.mu.Unlock()
	defer f.wg.Done()

	if f.maxClients > 0 && f.hub.Count() >= f.maxClients {
		metrics.IncHubReject()
		f.logger.Warn("ws_reject_max", "remote", r.RemoteAddr, "max_clients", f.maxClients)
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		f.logger.Debug("ws_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	logger := f.logger.With("remote", r.RemoteAddr, "transport", "ws")
	cl := hub.NewClient(f.hub.OutBufSize)
	f.hub.Add(cl)
	logger.Info("ws_client_connected")
	defer func() {
		f.hub.Remove(cl)
		_ = conn.Close()
		logger.Info("ws_client_disconnected")
	}()

	go f.readPump(conn, cl)
	f.writePump(conn, cl, logger)
}

// readPump drains inbound messages so control frames (pong, close) are
// processed; the feed itself is one-way.
func (f *Feed) readPump(conn *websocket.Conn, cl *hub.Client) {
	defer cl.Close()
	readWait := 2 * f.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (f *Feed) writePump(conn *websocket.Conn, cl *hub.Client, logger *slog.Logger) {
	ping := time.NewTicker(f.pingInterval)
	defer ping.Stop()
	for {
		select {
		case fr := <-cl.Out:
			_ = conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, fr); err != nil {
				metrics.IncError(metrics.ErrWSWrite)
				logger.Warn("ws_write_error", "error", err)
				return
			}
			metrics.IncWSTx()
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.writeTimeout)); err != nil {
				logger.Debug("ws_ping_failed", "error", err)
				return
			}
		case <-cl.Closed:
			f.sayGoodbye(conn, websocket.CloseGoingAway, "")
			return
		case <-f.done:
			f.sayGoodbye(conn, websocket.CloseGoingAway, "shutdown")
			return
		}
	}
}

func (f *Feed) sayGoodbye(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(f.writeTimeout))
}

// Close disconnects every WebSocket client and waits for their handlers.
func (f *Feed) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	f.mu.Unlock()
	f.wg.Wait()
}
