// Package config parses the relay's environment/flag configuration.
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the relay needs at startup. Most fields have
// sane defaults drawn from spec.md; only Addr and BaseDomain are commonly
// overridden in practice.
type Config struct {
	Addr       string // listen address, e.g. ":8080"
	BaseDomain string // e.g. "agent.osaurus.ai"
	LogLevel   string

	// Auth / tunnel lifecycle.
	AuthTimeout       time.Duration // time allowed to complete the challenge/auth handshake
	MaxAgentsPerTunnel int
	NonceExpiry       time.Duration // add-agent nonce slot expiry
	AuthSkew          time.Duration // max |now-timestamp| accepted by the verifier
	KeepaliveInterval time.Duration
	MaxMissedPings    int

	// Multiplexer.
	MaxBodyBytes      int64
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration

	// Rate limiters: capacity (token bucket size) and refill window.
	ConnectLimitCapacity float64
	ConnectLimitWindow   time.Duration
	RequestLimitCapacity float64
	RequestLimitWindow   time.Duration
	StatsLimitCapacity   float64
	StatsLimitWindow     time.Duration
	LimiterCleanupEvery  time.Duration
}

const (
	defaultAddr       = ":8080"
	defaultBaseDomain = "agent.osaurus.ai"

	defaultAuthTimeout        = 10 * time.Second
	defaultMaxAgentsPerTunnel = 50
	defaultNonceExpiry        = 30 * time.Second
	defaultAuthSkew           = 30 * time.Second
	defaultKeepaliveInterval  = 30 * time.Second
	defaultMaxMissedPings     = 3

	defaultMaxBodyBytes      = 10 * 1024 * 1024
	defaultRequestTimeout    = 30 * time.Second
	defaultStreamIdleTimeout = 30 * time.Second

	defaultConnectLimitCapacity = 5.0
	defaultConnectLimitWindow   = time.Minute
	defaultRequestLimitCapacity = 100.0
	defaultRequestLimitWindow   = time.Minute
	defaultStatsLimitCapacity   = 10.0
	defaultStatsLimitWindow     = time.Minute
	defaultLimiterCleanupEvery  = 5 * time.Minute
)

// Parse builds a Config from environment variables layered with flag
// overrides, in the teacher's envOrDefault-then-flag.NewFlagSet style.
func Parse(args []string) (Config, error) {
	cfg := Config{
		Addr:       envOrDefault("PORT_ADDR", envPortToAddr(envOrDefault("PORT", "8080"))),
		BaseDomain: envOrDefault("BASE_DOMAIN", defaultBaseDomain),
		LogLevel:   envOrDefault("LOG_LEVEL", "info"),

		AuthTimeout:        envDurationOrDefault("AUTH_TIMEOUT", defaultAuthTimeout),
		MaxAgentsPerTunnel: envIntOrDefault("MAX_AGENTS_PER_TUNNEL", defaultMaxAgentsPerTunnel),
		NonceExpiry:        envDurationOrDefault("NONCE_EXPIRY", defaultNonceExpiry),
		AuthSkew:           envDurationOrDefault("AUTH_SKEW", defaultAuthSkew),
		KeepaliveInterval:  envDurationOrDefault("KEEPALIVE_INTERVAL", defaultKeepaliveInterval),
		MaxMissedPings:     envIntOrDefault("MAX_MISSED_PINGS", defaultMaxMissedPings),

		MaxBodyBytes:      envInt64OrDefault("MAX_BODY_BYTES", defaultMaxBodyBytes),
		RequestTimeout:    envDurationOrDefault("REQUEST_TIMEOUT", defaultRequestTimeout),
		StreamIdleTimeout: envDurationOrDefault("STREAM_IDLE_TIMEOUT", defaultStreamIdleTimeout),

		ConnectLimitCapacity: envFloatOrDefault("CONNECT_LIMIT_CAPACITY", defaultConnectLimitCapacity),
		ConnectLimitWindow:   envDurationOrDefault("CONNECT_LIMIT_WINDOW", defaultConnectLimitWindow),
		RequestLimitCapacity: envFloatOrDefault("REQUEST_LIMIT_CAPACITY", defaultRequestLimitCapacity),
		RequestLimitWindow:   envDurationOrDefault("REQUEST_LIMIT_WINDOW", defaultRequestLimitWindow),
		StatsLimitCapacity:   envFloatOrDefault("STATS_LIMIT_CAPACITY", defaultStatsLimitCapacity),
		StatsLimitWindow:     envDurationOrDefault("STATS_LIMIT_WINDOW", defaultStatsLimitWindow),
		LimiterCleanupEvery:  envDurationOrDefault("LIMITER_CLEANUP_INTERVAL", defaultLimiterCleanupEvery),
	}

	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "listen", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.BaseDomain, "domain", cfg.BaseDomain, "base domain agents are routed under, e.g. agent.osaurus.ai")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.BaseDomain = normalizeDomainHost(cfg.BaseDomain)
	if cfg.BaseDomain == "" {
		return cfg, errors.New("missing --domain or BASE_DOMAIN")
	}
	if cfg.MaxAgentsPerTunnel <= 0 {
		return cfg, errors.New("max agents per tunnel must be > 0")
	}
	if cfg.MaxMissedPings <= 0 {
		return cfg, errors.New("max missed pings must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("max body bytes must be > 0")
	}

	return cfg, nil
}

func envPortToAddr(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return defaultAddr
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64OrDefault(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloatOrDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.HasPrefix(v, "[") {
		if end := strings.Index(v, "]"); end >= 0 {
			v = v[1:end]
		}
	} else if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
