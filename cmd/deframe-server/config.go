package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-deframe/internal/deframe"
)

type appConfig struct {
	configPath      string
	backend         string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	rawDev          string
	remoteAddr      string
	dialTO          time.Duration
	listenAddr      string
	delimiter       string
	frameCap        int
	readChunk       int
	clientFrameCap  int
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	maxClients      int
	hello           string
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	wsPath          string

	// delim is the parsed delimiter, filled by validate.
	delim deframe.Delimiter
}

// parseFlags builds the configuration with precedence flag > DEFRAME_* env >
// config file > default.
func parseFlags(fs *flag.FlagSet, args []string) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs.StringVar(&cfg.configPath, "config", "", "TOML config file (env DEFRAME_CONFIG)")
	fs.StringVar(&cfg.backend, "backend", "serial", "Byte source: serial|raw|tcp")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path (--backend=serial)")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Backend read timeout")
	fs.StringVar(&cfg.rawDev, "raw-device", "", "Pre-configured tty, pty or FIFO path (--backend=raw)")
	fs.StringVar(&cfg.remoteAddr, "remote-addr", "", "Serial-over-TCP bridge host:port (--backend=tcp)")
	fs.DurationVar(&cfg.dialTO, "dial-timeout", 5*time.Second, "Bridge dial timeout (--backend=tcp)")
	fs.StringVar(&cfg.listenAddr, "listen", ":20100", "TCP listen address")
	fs.StringVar(&cfg.delimiter, "delimiter", "lf", "Frame delimiter: lf|cr|crlf|nul|etx, hex (0x0D0A) or escaped text")
	fs.IntVar(&cfg.frameCap, "frame-capacity", 1024, "Backend deframer capacity in bytes")
	fs.IntVar(&cfg.readChunk, "read-chunk", 256, "Backend read size in bytes (<= frame-capacity)")
	fs.IntVar(&cfg.clientFrameCap, "client-frame-capacity", 1024, "Per-client deframer capacity in bytes")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous clients, TCP and WebSocket (0 = unlimited)")
	fs.StringVar(&cfg.hello, "hello", "", "Hello string exchanged with TCP clients before streaming (empty = none)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default deframe-server-<hostname>)")
	fs.StringVar(&cfg.wsPath, "ws-path", "/frames", "WebSocket feed path on the metrics server; empty disables")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	// Track which flags were explicitly set to give them precedence.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	path := cfg.configPath
	if _, ok := setFlags["config"]; !ok {
		if v, ok := os.LookupEnv("DEFRAME_CONFIG"); ok && strings.TrimSpace(v) != "" {
			path = strings.TrimSpace(v)
		}
	}
	if path != "" {
		cfg.configPath = path
		if err := applyFileConfig(cfg, path, setFlags); err != nil {
			return nil, false, err
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

// validate performs semantic validation of the parsed configuration and
// parses the delimiter. It does not open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "serial":
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
	case "raw":
		if c.rawDev == "" {
			return errors.New("raw-device is required with backend raw")
		}
	case "tcp":
		if c.remoteAddr == "" {
			return errors.New("remote-addr is required with backend tcp")
		}
		if c.dialTO <= 0 {
			return errors.New("dial-timeout must be > 0")
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	d, err := deframe.ParseDelimiter(c.delimiter)
	if err != nil {
		return fmt.Errorf("invalid delimiter: %w", err)
	}
	if c.frameCap <= 0 {
		return fmt.Errorf("frame-capacity must be > 0 (got %d)", c.frameCap)
	}
	if c.readChunk <= 0 || c.readChunk > c.frameCap {
		return fmt.Errorf("read-chunk must be in 1..frame-capacity (got %d, capacity %d)", c.readChunk, c.frameCap)
	}
	if c.clientFrameCap <= 0 {
		return fmt.Errorf("client-frame-capacity must be > 0 (got %d)", c.clientFrameCap)
	}
	if len(d) > c.frameCap || len(d) > c.clientFrameCap {
		return fmt.Errorf("delimiter %v longer than frame capacity", d)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	if c.wsPath != "" && !strings.HasPrefix(c.wsPath, "/") {
		return fmt.Errorf("ws-path must start with / (got %q)", c.wsPath)
	}
	c.delim = d
	return nil
}

// envName turns a flag name into its environment variable, e.g.
// serial-read-timeout -> DEFRAME_SERIAL_READ_TIMEOUT.
func envName(flagName string) string {
	return "DEFRAME_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides maps DEFRAME_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations use time.ParseDuration syntax.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	lookup := func(name string) (string, string, bool) {
		if _, ok := set[name]; ok {
			return "", "", false
		}
		key := envName(name)
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return key, v, ok && v != ""
	}
	str := func(name string, dst *string) {
		if _, v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name string, lo int, dst *int) {
		key, v, ok := lookup(name)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err == nil && n < lo {
			err = fmt.Errorf("%d below %d", n, lo)
		}
		if err != nil {
			fail(key, err)
			return
		}
		*dst = n
	}
	dur := func(name string, dst *time.Duration) {
		key, v, ok := lookup(name)
		if !ok {
			return
		}
		d, err := time.ParseDuration(v)
		if err == nil && d < 0 {
			err = fmt.Errorf("negative duration %s", v)
		}
		if err != nil {
			fail(key, err)
			return
		}
		*dst = d
	}

	str("backend", &c.backend)
	str("serial", &c.serialDev)
	num("baud", 1, &c.baud)
	dur("serial-read-timeout", &c.serialReadTO)
	str("raw-device", &c.rawDev)
	str("remote-addr", &c.remoteAddr)
	dur("dial-timeout", &c.dialTO)
	str("listen", &c.listenAddr)
	str("delimiter", &c.delimiter)
	num("frame-capacity", 1, &c.frameCap)
	num("read-chunk", 1, &c.readChunk)
	num("client-frame-capacity", 1, &c.clientFrameCap)
	str("log-format", &c.logFormat)
	str("log-level", &c.logLevel)
	num("hub-buffer", 1, &c.hubBuffer)
	str("hub-policy", &c.hubPolicy)
	num("max-clients", 0, &c.maxClients)
	str("hello", &c.hello)
	dur("handshake-timeout", &c.handshakeTO)
	dur("client-read-timeout", &c.clientReadTO)
	dur("log-metrics-interval", &c.logMetricsEvery)
	str("mdns-name", &c.mdnsName)

	// Empty values are meaningful here (disable the endpoint).
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv("DEFRAME_METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	if _, ok := set["ws-path"]; !ok {
		if v, ok := os.LookupEnv("DEFRAME_WS_PATH"); ok {
			c.wsPath = strings.TrimSpace(v)
		}
	}
	if key, v, ok := lookup("mdns-enable"); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			c.mdnsEnable = true
		case "0", "false", "no", "off":
			c.mdnsEnable = false
		default:
			fail(key, fmt.Errorf("not a boolean: %q", v))
		}
	}
	return firstErr
}
