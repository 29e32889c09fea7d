// Package config loads and validates the gateway's YAML configuration:
// listener and admission settings, the buffer pool, the service table,
// the admin status surface, scheduled jobs, and the playlist source.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig is the top-level shape of a gateway YAML config file.
type GatewayConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Pool      PoolConfig      `yaml:"pool"`
	Services  []ServiceConfig `yaml:"services"`
	Rejoin    RejoinConfig    `yaml:"rejoin"`
	Status    StatusConfig    `yaml:"status"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Playlist  PlaylistConfig  `yaml:"playlist"`
	Logging   LoggingInfo     `yaml:"logging"`
	TLS       TLSAdmin        `yaml:"tls"`
}

// ServerConfig configures the client-facing listener and the optional
// admission controls spec.md §6 names: hostname match, bearer token,
// and a global client cap.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`        // default: "0.0.0.0:8080"
	Workers      int           `yaml:"workers"`        // default: runtime.NumCPU()
	UserTimeout  time.Duration `yaml:"user_timeout"`   // TCP_USER_TIMEOUT, default 10s
	TickInterval time.Duration `yaml:"tick_interval"`  // worker shard tick, default 250ms
	MaxClients   int           `yaml:"max_clients"`    // 0 disables the cap
	Hostname     string        `yaml:"hostname"`       // "" disables the Host header check
	BearerToken  string        `yaml:"bearer_token"`   // "" disables the token check
	FCCBurstBps  int64         `yaml:"fcc_burst_bps"`  // token-bucket cap on FCC unicast catch-up delivery, default 50Mbps
	DSCP         string        `yaml:"dscp"`           // DSCP name (EF, AF11..AF43, CS0..CS7) marked on client sockets; "" disables marking
}

// PoolConfig configures the per-worker buffer pool.
type PoolConfig struct {
	BufferSize     string `yaml:"buffer_size"`     // e.g. "64kb", default "64kb"
	BufferSizeRaw  int64  `yaml:"-"`
	InitialBuffers int64  `yaml:"initial_buffers"` // default 512
	MaxBuffers     int64  `yaml:"max_buffers"`     // default 8192
	LowWatermark   int64  `yaml:"low_watermark"`   // default MaxBuffers/16
	HighWatermark  int64  `yaml:"high_watermark"`  // default MaxBuffers/2
	ControlReserve int64  `yaml:"control_reserve"` // default 64
}

// ServiceConfig names one streamable service: either a multicast group
// (with an optional FCC rendezvous) or an RTSP upstream.
type ServiceConfig struct {
	Name string `yaml:"name"`

	Group      string `yaml:"group"`      // multicast form
	Source     string `yaml:"source"`     // "" unless source-specific
	Port       int    `yaml:"port"`
	Rendezvous string `yaml:"rendezvous"` // "" unless FCC-assisted

	RTSPURL  string `yaml:"rtsp_url"` // RTSP form
	Playseek string `yaml:"playseek"`

	// RTSPTransport selects the Transport SETUP negotiates: "interleaved"
	// (default, RTP/AVP/TCP;interleaved=0-1) or "udp"
	// (RTP/AVP;unicast;client_port=p-p+1). Ignored for multicast services.
	RTSPTransport string `yaml:"rtsp_transport"`
}

// RejoinConfig configures the periodic full multicast rejoin spec.md §4.G
// describes, distinct from the stream context's per-tick liveness check.
type RejoinConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 disables periodic rejoin
}

// StatusConfig configures the admin status/SSE/JSON surface.
type StatusConfig struct {
	Route        string   `yaml:"route"`         // default "status"
	Listen       string   `yaml:"listen"`         // "" serves status on Server.Listen
	AllowOrigins []string `yaml:"allow_origins"` // IP or CIDR (deny-by-default)
	ParsedCIDRs  []*net.IPNet `yaml:"-"`
}

// SchedulerConfig configures the cron expressions driving the scheduled
// rejoin and playlist-refresh jobs.
type SchedulerConfig struct {
	RejoinSchedule           string `yaml:"rejoin_schedule"`            // "" disables the scheduled (vs. per-tick) rejoin job
	PlaylistRefreshSchedule  string `yaml:"playlist_refresh_schedule"`  // "" disables scheduled playlist refetch
}

// PlaylistConfig configures the upstream M3U source this gateway
// transforms into its own `/playlist.m3u`.
type PlaylistConfig struct {
	SourceURL    string        `yaml:"source_url"`    // "" disables /playlist.m3u
	FetchTimeout time.Duration `yaml:"fetch_timeout"` // default 10s
}

// LoggingInfo configures the structured logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // default "info"
	Format string `yaml:"format"` // "json" or "text", default "json"
	File   string `yaml:"file"`   // "" logs to stderr
}

// TLSAdmin configures the optional mTLS-protected admin surface. Leaving
// every field empty disables mTLS; the admin surface is then plain HTTP,
// guarded only by StatusConfig.AllowOrigins.
type TLSAdmin struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// Enabled reports whether the operator configured mTLS for the admin
// surface.
func (t TLSAdmin) Enabled() bool {
	return t.CACert != "" || t.ServerCert != "" || t.ServerKey != ""
}

// LoadGatewayConfig reads, parses, and validates a gateway YAML config.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gateway config: %w", err)
	}

	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing gateway config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating gateway config: %w", err)
	}

	return &cfg, nil
}

func (c *GatewayConfig) validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0:8080"
	}
	if c.Server.UserTimeout <= 0 {
		c.Server.UserTimeout = 10 * time.Second
	}
	if c.Server.TickInterval <= 0 {
		c.Server.TickInterval = 250 * time.Millisecond
	}
	if c.Server.MaxClients < 0 {
		return fmt.Errorf("server.max_clients must not be negative, got %d", c.Server.MaxClients)
	}
	if c.Server.FCCBurstBps < 0 {
		return fmt.Errorf("server.fcc_burst_bps must not be negative, got %d", c.Server.FCCBurstBps)
	}
	if c.Server.FCCBurstBps == 0 {
		c.Server.FCCBurstBps = 50_000_000
	}

	if c.Pool.BufferSize == "" {
		c.Pool.BufferSize = "64kb"
	}
	bufSize, err := ParseByteSize(c.Pool.BufferSize)
	if err != nil {
		return fmt.Errorf("pool.buffer_size: %w", err)
	}
	c.Pool.BufferSizeRaw = bufSize
	if c.Pool.InitialBuffers <= 0 {
		c.Pool.InitialBuffers = 512
	}
	if c.Pool.MaxBuffers <= 0 {
		c.Pool.MaxBuffers = 8192
	}
	if c.Pool.MaxBuffers < c.Pool.InitialBuffers {
		return fmt.Errorf("pool.max_buffers (%d) must be >= pool.initial_buffers (%d)", c.Pool.MaxBuffers, c.Pool.InitialBuffers)
	}
	if c.Pool.LowWatermark <= 0 {
		c.Pool.LowWatermark = c.Pool.MaxBuffers / 16
	}
	if c.Pool.HighWatermark <= 0 {
		c.Pool.HighWatermark = c.Pool.MaxBuffers / 2
	}
	if c.Pool.HighWatermark < c.Pool.LowWatermark {
		return fmt.Errorf("pool.high_watermark (%d) must be >= pool.low_watermark (%d)", c.Pool.HighWatermark, c.Pool.LowWatermark)
	}
	if c.Pool.ControlReserve < 0 {
		c.Pool.ControlReserve = 64
	}

	if len(c.Services) == 0 {
		return fmt.Errorf("services must have at least one entry")
	}
	seen := make(map[string]bool, len(c.Services))
	for i, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("services[%d].name is required", i)
		}
		if seen[svc.Name] {
			return fmt.Errorf("services[%d]: duplicate service name %q", i, svc.Name)
		}
		seen[svc.Name] = true

		isMulticast := svc.Group != ""
		isRTSP := svc.RTSPURL != ""
		if isMulticast == isRTSP {
			return fmt.Errorf("services[%d] (%s): exactly one of group or rtsp_url must be set", i, svc.Name)
		}
		if isMulticast {
			if net.ParseIP(svc.Group) == nil {
				return fmt.Errorf("services[%d] (%s): group %q is not a valid IP", i, svc.Name, svc.Group)
			}
			if svc.Source != "" && net.ParseIP(svc.Source) == nil {
				return fmt.Errorf("services[%d] (%s): source %q is not a valid IP", i, svc.Name, svc.Source)
			}
			if svc.Port <= 0 || svc.Port > 65535 {
				return fmt.Errorf("services[%d] (%s): port %d out of range", i, svc.Name, svc.Port)
			}
			if svc.Rendezvous != "" {
				if _, _, err := net.SplitHostPort(svc.Rendezvous); err != nil {
					return fmt.Errorf("services[%d] (%s): rendezvous %q: %w", i, svc.Name, svc.Rendezvous, err)
				}
			}
		}
		switch svc.RTSPTransport {
		case "", "interleaved", "udp":
		default:
			return fmt.Errorf("services[%d] (%s): rtsp_transport %q must be \"interleaved\" or \"udp\"", i, svc.Name, svc.RTSPTransport)
		}
	}

	if c.Rejoin.Interval < 0 {
		return fmt.Errorf("rejoin.interval must not be negative")
	}

	if c.Status.Route == "" {
		c.Status.Route = "status"
	}
	c.Status.Route = strings.Trim(c.Status.Route, "/")
	for _, origin := range c.Status.AllowOrigins {
		_, cidr, err := net.ParseCIDR(origin)
		if err != nil {
			ip := net.ParseIP(strings.TrimSpace(origin))
			if ip == nil {
				return fmt.Errorf("status.allow_origins: %q is not a valid IP or CIDR", origin)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			_, cidr, _ = net.ParseCIDR(fmt.Sprintf("%s/%d", ip.String(), bits))
		}
		c.Status.ParsedCIDRs = append(c.Status.ParsedCIDRs, cidr)
	}

	if c.Playlist.SourceURL != "" && c.Playlist.FetchTimeout <= 0 {
		c.Playlist.FetchTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.TLS.Enabled() {
		if c.TLS.CACert == "" || c.TLS.ServerCert == "" || c.TLS.ServerKey == "" {
			return fmt.Errorf("tls: ca_cert, server_cert and server_key must all be set to enable admin mTLS")
		}
	}

	return nil
}

// ParseByteSize converts human-readable sizes like "256mb", "1gb" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
