// Package config defines the runtime configuration for socketkit and
// provides helpers for parsing endpoints and SSH jump specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"socketkit/internal/charset"
	skerr "socketkit/internal/errors"
)

// Config holds every tuneable for a single socketkit run.  The
// mapstructure tags are the keys accepted in a --config file.
type Config struct {
	// ── Endpoint ─────────────────────────────────────────────────────
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	NoDNS bool   `mapstructure:"no_dns"`

	// ── Mode ─────────────────────────────────────────────────────────
	Listen      bool   `mapstructure:"listen"`  // -l: multiplexing server
	Session     bool   `mapstructure:"session"` // -s: one exchange per stdin line
	LocalPort   int    `mapstructure:"local_port"`
	BindAddress string `mapstructure:"bind_address"`

	// ── Payload ──────────────────────────────────────────────────────
	Data          string `mapstructure:"data"`
	Charset       string `mapstructure:"charset"`
	DecodeCharset string `mapstructure:"decode_charset"`

	// ── I/O bounds ───────────────────────────────────────────────────
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	ReadBufferSize int           `mapstructure:"read_buffer"`
	Retries        int           `mapstructure:"retries"`
	Breaker        int           `mapstructure:"breaker"` // consecutive failures before an endpoint is refused; 0 = off

	// ── Server ───────────────────────────────────────────────────────
	Workers    int `mapstructure:"workers"`
	QueueSize  int `mapstructure:"queue"`
	MaxPending int `mapstructure:"max_pending"`

	// ── SSH jump host ────────────────────────────────────────────────
	TunnelSpec     string `mapstructure:"tunnel"` // raw user@host[:port] from -T
	TunnelEnabled  bool   `mapstructure:"-"`
	TunnelUser     string `mapstructure:"-"`
	TunnelHost     string `mapstructure:"-"`
	TunnelPort     int    `mapstructure:"-"`
	SSHKeyPath     string `mapstructure:"ssh_key"`
	SSHPassword    bool   `mapstructure:"ssh_password"` // true → prompt interactively
	UseSSHAgent    bool   `mapstructure:"ssh_agent"`
	StrictHostKey  bool   `mapstructure:"strict_hostkey"`
	KnownHostsPath string `mapstructure:"known_hosts"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose     int    `mapstructure:"verbose"`
	LogFile     string `mapstructure:"log_file"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	DryRun      bool   `mapstructure:"-"`
}

// Defaults returns a Config populated from defaults.go.
func Defaults() *Config {
	return &Config{
		Charset:        DefaultCharset,
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
		ReadBufferSize: DefaultReadBufferSize,
		Workers:        DefaultWorkers,
		QueueSize:      DefaultQueueSize,
		MaxPending:     DefaultMaxPending,
	}
}

// ── Parsers ──────────────────────────────────────────────────────────

// ParsePort accepts a decimal port in 1-65535.
func ParsePort(spec string) (int, error) {
	port, err := strconv.Atoi(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", spec)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q, expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}

// ApplyTunnelSpec parses TunnelSpec into the Tunnel* fields.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		c.TunnelEnabled = false
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &skerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec, Message: err.Error(),
			Hint: "use -T user@bastion.example.com[:port]"}
	}
	c.TunnelEnabled = true
	c.TunnelUser, c.TunnelHost, c.TunnelPort = user, host, port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent and
// returns a *errors.ConfigError describing the first problem.
func (c *Config) Validate() error {
	if c.Listen {
		if c.LocalPort < 1 || c.LocalPort > 65535 {
			return &skerr.ConfigError{Field: "port", Value: nilIfZero(c.LocalPort),
				Message: "listen mode requires a local port in 1-65535",
				Hint:    "socketkit -l -p 9000"}
		}
		if c.Session {
			return &skerr.ConfigError{Field: "session", Message: "-s and -l are mutually exclusive",
				Hint: "run the server and the session client as two processes"}
		}
		if c.TunnelEnabled {
			return &skerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec,
				Message: "listen mode cannot run through an SSH jump host"}
		}
		if c.Workers < 1 {
			return &skerr.ConfigError{Field: "workers", Value: c.Workers, Message: "must be at least 1"}
		}
		if c.QueueSize < 1 {
			return &skerr.ConfigError{Field: "queue", Value: c.QueueSize, Message: "must be at least 1"}
		}
		if c.MaxPending < 1 {
			return &skerr.ConfigError{Field: "max-pending", Value: c.MaxPending, Message: "must be at least 1"}
		}
	} else {
		if c.Host == "" {
			return &skerr.ConfigError{Field: "host", Message: "hostname is required",
				Hint: "socketkit [options] host port (use --help for usage)"}
		}
		if c.Port < 1 || c.Port > 65535 {
			return &skerr.ConfigError{Field: "port", Value: nilIfZero(c.Port),
				Message: "destination port must be in 1-65535"}
		}
		if c.Session && c.Data != "" {
			return &skerr.ConfigError{Field: "data", Value: c.Data,
				Message: "session mode reads its payloads from stdin",
				Hint:    "pipe one request per line into socketkit -s"}
		}
	}

	if c.ConnectTimeout <= 0 {
		return &skerr.ConfigError{Field: "connect-timeout", Value: c.ConnectTimeout, Message: "must be positive"}
	}
	if c.ReadTimeout <= 0 {
		return &skerr.ConfigError{Field: "read-timeout", Value: c.ReadTimeout, Message: "must be positive"}
	}
	if c.ReadBufferSize < 1 || c.ReadBufferSize > MaxReadBufferSize {
		return &skerr.ConfigError{Field: "read-buffer", Value: c.ReadBufferSize,
			Message: fmt.Sprintf("must be in 1-%d bytes", MaxReadBufferSize)}
	}
	if c.Retries < 0 {
		return &skerr.ConfigError{Field: "retries", Value: c.Retries, Message: "must not be negative"}
	}
	if c.Breaker < 0 {
		return &skerr.ConfigError{Field: "breaker", Value: c.Breaker, Message: "must not be negative",
			Hint: "0 disables the circuit breaker"}
	}

	if _, err := charset.Lookup(c.Charset); err != nil {
		return &skerr.ConfigError{Field: "charset", Value: c.Charset, Message: err.Error(),
			Hint: "use an IANA name such as UTF-8, EUC-KR, Shift_JIS or ISO-8859-1"}
	}
	if _, err := charset.Lookup(c.DecodeCharset); err != nil {
		return &skerr.ConfigError{Field: "decode-charset", Value: c.DecodeCharset, Message: err.Error()}
	}

	if c.TunnelEnabled && c.TunnelHost == "" {
		return &skerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec, Message: "tunnel host is required"}
	}
	return nil
}

func nilIfZero(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
