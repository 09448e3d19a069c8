// Package config loads the SFU settings from defaults, an optional YAML
// file, SFU_* environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const DefaultSTUNServer = "stun:stun.l.google.com:19302"

type Config struct {
	BindAddr string `yaml:"bind_addr"`

	ICEServers    []string `yaml:"ice_servers"`
	ICEUsername   string   `yaml:"ice_username"`
	ICECredential string   `yaml:"ice_credential"`
	ICELoopback   bool     `yaml:"ice_loopback"`
	UDPPortMin    int      `yaml:"udp_port_min"`
	UDPPortMax    int      `yaml:"udp_port_max"`

	GatherTimeout  time.Duration `yaml:"gather_timeout"`
	PLIInterval    time.Duration `yaml:"pli_interval"`
	MaxRoomViewers int           `yaml:"max_room_viewers"`

	CORSOrigin string `yaml:"cors_origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	WSReadLimit    int64         `yaml:"ws_read_limit_bytes"`
	WSPingInterval time.Duration `yaml:"ws_ping_interval"`
	WSPongWait     time.Duration `yaml:"ws_pong_wait"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// Warnings collects env values that were rejected and replaced by
	// their previous value. The caller logs them once a logger exists.
	Warnings []string `yaml:"-"`
}

func Default() Config {
	return Config{
		BindAddr:          ":37003",
		ICEServers:        []string{DefaultSTUNServer},
		GatherTimeout:     10 * time.Second,
		PLIInterval:       3 * time.Second,
		CORSOrigin:        "*",
		LogLevel:          "info",
		LogFormat:         "text",
		WSReadLimit:       1024 * 1024,
		WSPingInterval:    20 * time.Second,
		WSPongWait:        45 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Load resolves the configuration for the given command-line arguments
// (without the program name).
func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	flags := pflag.NewFlagSet("screenshare-sfu", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	addr := flags.String("addr", cfg.BindAddr, "HTTP bind address")
	port := flags.Int("port", 0, "HTTP port (overrides the port of --addr)")
	iceServers := flags.StringSlice("ice-server", nil, "ICE server URL (repeatable)")
	loopback := flags.Bool("ice-loopback", false, "gather loopback ICE candidates")
	udpMin := flags.Int("udp-port-min", 0, "lowest UDP port for ICE")
	udpMax := flags.Int("udp-port-max", 0, "highest UDP port for ICE")
	gatherTimeout := flags.Duration("gather-timeout", cfg.GatherTimeout, "maximum wait for ICE gathering")
	pliInterval := flags.Duration("pli-interval", cfg.PLIInterval, "interval between keyframe requests to broadcasters")
	maxViewers := flags.Int("max-room-viewers", 0, "viewer cap per room (0 = unlimited)")
	corsOrigin := flags.String("cors-origin", cfg.CORSOrigin, "Access-Control-Allow-Origin value")
	logLevel := flags.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	logFormat := flags.String("log-format", cfg.LogFormat, "log format (text, json)")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	path := *configPath
	if path == "" {
		path, _ = lookup("SFU_CONFIG")
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnv(lookup)

	if flags.Changed("addr") {
		cfg.BindAddr = *addr
	}
	if flags.Changed("port") {
		cfg.BindAddr = withPort(cfg.BindAddr, *port)
	}
	if flags.Changed("ice-server") {
		cfg.ICEServers = *iceServers
	}
	if flags.Changed("ice-loopback") {
		cfg.ICELoopback = *loopback
	}
	if flags.Changed("udp-port-min") {
		cfg.UDPPortMin = *udpMin
	}
	if flags.Changed("udp-port-max") {
		cfg.UDPPortMax = *udpMax
	}
	if flags.Changed("gather-timeout") {
		cfg.GatherTimeout = *gatherTimeout
	}
	if flags.Changed("pli-interval") {
		cfg.PLIInterval = *pliInterval
	}
	if flags.Changed("max-room-viewers") {
		cfg.MaxRoomViewers = *maxViewers
	}
	if flags.Changed("cors-origin") {
		cfg.CORSOrigin = *corsOrigin
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = *logFormat
	}

	if cfg.WSPingInterval >= cfg.WSPongWait {
		cfg.WSPingInterval = cfg.WSPongWait / 2
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	c.BindAddr = c.envOrDefault(lookup, "SFU_BIND_ADDR", c.BindAddr)
	if port := c.envIntOrDefault(lookup, "SFU_PORT", 0); port > 0 {
		c.BindAddr = withPort(c.BindAddr, port)
	}

	if servers := parseICEServers(c.envOrDefault(lookup, "SFU_ICE_SERVERS", "")); servers != nil {
		c.ICEServers = servers
	}
	c.ICEUsername = c.envOrDefault(lookup, "SFU_ICE_USERNAME", c.ICEUsername)
	c.ICECredential = c.envOrDefault(lookup, "SFU_ICE_CREDENTIAL", c.ICECredential)
	c.ICELoopback = c.envBoolOrDefault(lookup, "SFU_ICE_LOOPBACK", c.ICELoopback)
	c.UDPPortMin = c.envIntOrDefault(lookup, "SFU_UDP_PORT_MIN", c.UDPPortMin)
	c.UDPPortMax = c.envIntOrDefault(lookup, "SFU_UDP_PORT_MAX", c.UDPPortMax)

	c.GatherTimeout = c.envDurationOrDefault(lookup, "SFU_GATHER_TIMEOUT", c.GatherTimeout)
	c.PLIInterval = c.envDurationOrDefault(lookup, "SFU_PLI_INTERVAL", c.PLIInterval)
	c.MaxRoomViewers = c.envIntOrDefault(lookup, "SFU_MAX_ROOM_VIEWERS", c.MaxRoomViewers)
	c.CORSOrigin = c.envOrDefault(lookup, "SFU_CORS_ORIGIN", c.CORSOrigin)

	c.LogLevel = c.envOrDefault(lookup, "SFU_LOG_LEVEL", c.LogLevel)
	c.LogFormat = c.envOrDefault(lookup, "SFU_LOG_FORMAT", c.LogFormat)

	c.WSReadLimit = int64(c.envIntOrDefault(lookup, "SFU_WS_READ_LIMIT_BYTES", int(c.WSReadLimit)))
	c.WSPingInterval = c.envDurationOrDefault(lookup, "SFU_WS_PING_INTERVAL", c.WSPingInterval)
	c.WSPongWait = c.envDurationOrDefault(lookup, "SFU_WS_PONG_WAIT", c.WSPongWait)
	c.ReadHeaderTimeout = c.envDurationOrDefault(lookup, "SFU_READ_HEADER_TIMEOUT", c.ReadHeaderTimeout)
	c.ShutdownTimeout = c.envDurationOrDefault(lookup, "SFU_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
}

func (c *Config) Validate() error {
	var errs []error
	if c.BindAddr == "" {
		errs = append(errs, errors.New("bind address is empty"))
	}
	if c.UDPPortMin != 0 || c.UDPPortMax != 0 {
		if c.UDPPortMin <= 0 || c.UDPPortMax < c.UDPPortMin || c.UDPPortMax > 65535 {
			errs = append(errs, fmt.Errorf("invalid UDP port range %d-%d", c.UDPPortMin, c.UDPPortMax))
		}
	}
	if c.GatherTimeout <= 0 {
		errs = append(errs, fmt.Errorf("gather timeout must be positive, got %s", c.GatherTimeout))
	}
	if c.PLIInterval <= 0 {
		errs = append(errs, fmt.Errorf("PLI interval must be positive, got %s", c.PLIInterval))
	}
	if c.MaxRoomViewers < 0 {
		errs = append(errs, fmt.Errorf("max room viewers must not be negative, got %d", c.MaxRoomViewers))
	}
	return errors.Join(errs...)
}

func (c *Config) envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	v, _ := lookup(key)
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	return v
}

func (c *Config) envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) int {
	raw := c.envOrDefault(lookup, key, "")
	if raw == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid int env %s=%q (using %d)", key, raw, fallback))
		return fallback
	}
	return parsed
}

func (c *Config) envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	raw := c.envOrDefault(lookup, key, "")
	if raw == "" {
		return fallback
	}

	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid bool env %s=%q (using %t)", key, raw, fallback))
		return fallback
	}
	return parsed
}

func (c *Config) envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	raw := c.envOrDefault(lookup, key, "")
	if raw == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid duration env %s=%q (using %s)", key, raw, fallback))
		return fallback
	}
	return parsed
}

// parseICEServers splits a comma-separated URL list. It returns nil for an
// empty input so callers can tell "unset" from "explicitly empty".
func parseICEServers(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	entries := strings.Split(raw, ",")
	servers := make([]string, 0, len(entries))
	for _, entry := range entries {
		url := strings.TrimSpace(entry)
		if url == "" {
			continue
		}
		servers = append(servers, url)
	}
	return servers
}

func withPort(addr string, port int) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
