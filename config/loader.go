package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the SOCKETKIT_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Timeouts are given in
// milliseconds, like the matching flags.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SOCKETKIT_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("SOCKETKIT_PORT"); v > 0 {
		cfg.LocalPort = v
	}
	if envBool("SOCKETKIT_LISTEN") {
		cfg.Listen = true
	}
	if envBool("SOCKETKIT_SESSION") {
		cfg.Session = true
	}
	if envBool("SOCKETKIT_NO_DNS") {
		cfg.NoDNS = true
	}

	// Payload
	if v := os.Getenv("SOCKETKIT_CHARSET"); v != "" {
		cfg.Charset = v
	}
	if v := os.Getenv("SOCKETKIT_DECODE_CHARSET"); v != "" {
		cfg.DecodeCharset = v
	}

	// I/O bounds
	if v := envInt("SOCKETKIT_CONNECT_TIMEOUT"); v > 0 {
		cfg.ConnectTimeout = millisDuration(v)
	}
	if v := envInt("SOCKETKIT_READ_TIMEOUT"); v > 0 {
		cfg.ReadTimeout = millisDuration(v)
	}
	if v := envInt("SOCKETKIT_READ_BUFFER"); v > 0 {
		cfg.ReadBufferSize = v
	}
	if v := envInt("SOCKETKIT_RETRIES"); v > 0 {
		cfg.Retries = v
	}
	if v := envInt("SOCKETKIT_BREAKER"); v > 0 {
		cfg.Breaker = v
	}

	// Server
	if v := envInt("SOCKETKIT_WORKERS"); v > 0 {
		cfg.Workers = v
	}
	if v := envInt("SOCKETKIT_QUEUE"); v > 0 {
		cfg.QueueSize = v
	}

	// SSH jump host
	if v := os.Getenv("SOCKETKIT_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("SOCKETKIT_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("SOCKETKIT_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("SOCKETKIT_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("SOCKETKIT_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("SOCKETKIT_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v := envInt("SOCKETKIT_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if v := os.Getenv("SOCKETKIT_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("SOCKETKIT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func millisDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
