package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-deframe/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_frames_total",
		Help: "Total frames reassembled from the backend byte stream.",
	})
	RxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rx_frame_bytes_total",
		Help: "Total bytes of reassembled frames, delimiters included.",
	})
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tx_frames_total",
		Help: "Total frames written to the backend device.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total frames reassembled from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total frames sent to TCP clients.",
	})
	WSTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_tx_frames_total",
		Help: "Total frames sent to WebSocket clients.",
	})
	Overflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deframe_overflows_total",
		Help: "Deframer capacity overflows by stream.",
	}, []string{"stream"})
	ResyncDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deframe_resync_discarded_bytes_total",
		Help: "Bytes dropped while resynchronising after an overflow.",
	})
	RemainderBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deframe_remainder_bytes",
		Help: "Partial frame bytes held by the backend deframer after the last chunk.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead    = "tcp_read"
	ErrTCPWrite   = "tcp_write"
	ErrHandshake  = "handshake"
	ErrRxRead     = "rx_read"
	ErrTxWrite    = "tx_write"
	ErrTxOverflow = "tx_overflow"
	ErrWSWrite    = "ws_write"
)

// Overflow stream labels.
const (
	StreamBackend = "backend"
	StreamClient  = "client"
)

// Route mounts an extra handler on the metrics HTTP server.
type Route struct {
	Path    string
	Handler http.Handler
}

// Handler returns the metrics mux: Prometheus at /metrics, readiness at
// /ready, plus any extra routes.
func Handler(routes ...Route) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	for _, rt := range routes {
		if rt.Path != "" && rt.Handler != nil {
			mux.Handle(rt.Path, rt.Handler)
		}
	}
	return mux
}

// StartHTTP serves Handler(routes...) on addr in the background.
func StartHTTP(addr string, routes ...Route) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: Handler(routes...),
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRxFrames   uint64
	localRxBytes    uint64
	localTxFrames   uint64
	localTCPRx      uint64
	localTCPTx      uint64
	localWSTx       uint64
	localOverflows  uint64
	localDiscarded  uint64
	localRemainder  uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localErrors     uint64
	localHubClients uint64
	localFanout     uint64
	localQDMax      uint64
	localQDAvg      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	RxFrames      uint64
	RxBytes       uint64
	TxFrames      uint64
	TCPRx         uint64
	TCPTx         uint64
	WSTx          uint64
	Overflows     uint64 // sum across streams
	Discarded     uint64
	Remainder     uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	Errors        uint64 // sum across error labels
	HubClients    uint64
	Fanout        uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
}

func Snap() Snapshot {
	return Snapshot{
		RxFrames:      atomic.LoadUint64(&localRxFrames),
		RxBytes:       atomic.LoadUint64(&localRxBytes),
		TxFrames:      atomic.LoadUint64(&localTxFrames),
		TCPRx:         atomic.LoadUint64(&localTCPRx),
		TCPTx:         atomic.LoadUint64(&localTCPTx),
		WSTx:          atomic.LoadUint64(&localWSTx),
		Overflows:     atomic.LoadUint64(&localOverflows),
		Discarded:     atomic.LoadUint64(&localDiscarded),
		Remainder:     atomic.LoadUint64(&localRemainder),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		HubRejects:    atomic.LoadUint64(&localHubReject),
		Errors:        atomic.LoadUint64(&localErrors),
		HubClients:    atomic.LoadUint64(&localHubClients),
		Fanout:        atomic.LoadUint64(&localFanout),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
		QueueDepthAvg: atomic.LoadUint64(&localQDAvg),
	}
}

// Wrapper helpers to keep call sites simple.
func IncRxFrame(size int) {
	RxFrames.Inc()
	RxBytes.Add(float64(size))
	atomic.AddUint64(&localRxFrames, 1)
	atomic.AddUint64(&localRxBytes, uint64(size))
}

func AddTx(frames int) {
	TxFrames.Add(float64(frames))
	atomic.AddUint64(&localTxFrames, uint64(frames))
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncWSTx() {
	WSTxFrames.Inc()
	atomic.AddUint64(&localWSTx, 1)
}

// IncOverflow counts a deframer overflow on the given stream (StreamBackend or StreamClient).
func IncOverflow(stream string) {
	Overflows.WithLabelValues(stream).Inc()
	atomic.AddUint64(&localOverflows, 1)
}

func AddDiscarded(n int) {
	ResyncDiscarded.Add(float64(n))
	atomic.AddUint64(&localDiscarded, uint64(n))
}

func SetRemainder(n int) {
	RemainderBytes.Set(float64(n))
	atomic.StoreUint64(&localRemainder, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register label series so the first increment does not create them lazily.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrRxRead, ErrTxWrite, ErrTxOverflow, ErrWSWrite,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, s := range []string{StreamBackend, StreamClient} {
		Overflows.WithLabelValues(s).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
