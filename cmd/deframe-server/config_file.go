package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the flags; keys use underscores (serial_read_timeout).
type fileConfig struct {
	Backend             string `toml:"backend"`
	Serial              string `toml:"serial"`
	Baud                int    `toml:"baud"`
	SerialReadTimeout   string `toml:"serial_read_timeout"`
	RawDevice           string `toml:"raw_device"`
	RemoteAddr          string `toml:"remote_addr"`
	DialTimeout         string `toml:"dial_timeout"`
	Listen              string `toml:"listen"`
	Delimiter           string `toml:"delimiter"`
	FrameCapacity       int    `toml:"frame_capacity"`
	ReadChunk           int    `toml:"read_chunk"`
	ClientFrameCapacity int    `toml:"client_frame_capacity"`
	LogFormat           string `toml:"log_format"`
	LogLevel            string `toml:"log_level"`
	MetricsAddr         string `toml:"metrics_addr"`
	HubBuffer           int    `toml:"hub_buffer"`
	HubPolicy           string `toml:"hub_policy"`
	MaxClients          int    `toml:"max_clients"`
	Hello               string `toml:"hello"`
	HandshakeTimeout    string `toml:"handshake_timeout"`
	ClientReadTimeout   string `toml:"client_read_timeout"`
	LogMetricsInterval  string `toml:"log_metrics_interval"`
	MDNSEnable          bool   `toml:"mdns_enable"`
	MDNSName            string `toml:"mdns_name"`
	WSPath              string `toml:"ws_path"`
}

// applyFileConfig loads a TOML file and applies every key it defines, except
// those whose flag was set explicitly. Unknown keys are rejected so typos do
// not pass silently.
func applyFileConfig(c *appConfig, path string, set map[string]struct{}) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	use := func(key string) bool {
		if !meta.IsDefined(key) {
			return false
		}
		_, flagSet := set[strings.ReplaceAll(key, "_", "-")]
		return !flagSet
	}
	var firstErr error
	dur := func(key, v string, dst *time.Duration) {
		if !use(key) {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("config %s: parse %s: %w", path, key, err)
			}
			return
		}
		*dst = d
	}

	if use("backend") {
		c.backend = strings.TrimSpace(raw.Backend)
	}
	if use("serial") {
		c.serialDev = strings.TrimSpace(raw.Serial)
	}
	if use("baud") {
		c.baud = raw.Baud
	}
	dur("serial_read_timeout", raw.SerialReadTimeout, &c.serialReadTO)
	if use("raw_device") {
		c.rawDev = strings.TrimSpace(raw.RawDevice)
	}
	if use("remote_addr") {
		c.remoteAddr = strings.TrimSpace(raw.RemoteAddr)
	}
	dur("dial_timeout", raw.DialTimeout, &c.dialTO)
	if use("listen") {
		c.listenAddr = strings.TrimSpace(raw.Listen)
	}
	if use("delimiter") {
		c.delimiter = raw.Delimiter
	}
	if use("frame_capacity") {
		c.frameCap = raw.FrameCapacity
	}
	if use("read_chunk") {
		c.readChunk = raw.ReadChunk
	}
	if use("client_frame_capacity") {
		c.clientFrameCap = raw.ClientFrameCapacity
	}
	if use("log_format") {
		c.logFormat = strings.TrimSpace(raw.LogFormat)
	}
	if use("log_level") {
		c.logLevel = strings.TrimSpace(raw.LogLevel)
	}
	if use("metrics_addr") {
		c.metricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if use("hub_buffer") {
		c.hubBuffer = raw.HubBuffer
	}
	if use("hub_policy") {
		c.hubPolicy = strings.TrimSpace(raw.HubPolicy)
	}
	if use("max_clients") {
		c.maxClients = raw.MaxClients
	}
	if use("hello") {
		c.hello = raw.Hello
	}
	dur("handshake_timeout", raw.HandshakeTimeout, &c.handshakeTO)
	dur("client_read_timeout", raw.ClientReadTimeout, &c.clientReadTO)
	dur("log_metrics_interval", raw.LogMetricsInterval, &c.logMetricsEvery)
	if use("mdns_enable") {
		c.mdnsEnable = raw.MDNSEnable
	}
	if use("mdns_name") {
		c.mdnsName = strings.TrimSpace(raw.MDNSName)
	}
	if use("ws_path") {
		c.wsPath = strings.TrimSpace(raw.WSPath)
	}
	return firstErr
}
