package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultConnectTimeout bounds connection establishment.
	DefaultConnectTimeout = 20 * time.Second

	// DefaultReadTimeout bounds every read after the connection is up.
	DefaultReadTimeout = 20 * time.Second

	// DefaultReadBufferSize is the size of the single bounded read.
	DefaultReadBufferSize = 4096

	// MaxReadBufferSize caps --read-buffer.
	MaxReadBufferSize = 1 << 20

	// DefaultCharset is used when no -C is given.
	DefaultCharset = "UTF-8"

	// DefaultWorkers is the server's handler pool size.
	DefaultWorkers = 8

	// DefaultQueueSize bounds jobs waiting for a worker.
	DefaultQueueSize = 1024

	// DefaultMaxPending is how many unhandled chunks a peer may queue
	// before the server stops reading from it.
	DefaultMaxPending = 16

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultKeepAliveInterval is the SSH keepalive interval in seconds.
	DefaultKeepAliveInterval = 30

	// DefaultRetryDelay is the first backoff step for --retries.
	DefaultRetryDelay = 200 * time.Millisecond

	// DefaultMaxRetryDelay caps the backoff between retries.
	DefaultMaxRetryDelay = 5 * time.Second

	// DefaultBreakerReset is how long an endpoint refused by --breaker
	// stays refused before one probe exchange is let through.
	DefaultBreakerReset = 30 * time.Second

	// DefaultGracePeriod is how long shutdown waits for the server loop.
	DefaultGracePeriod = 5 * time.Second

	// Log rotation for --log-file.
	DefaultLogMaxSizeMB  = 10
	DefaultLogMaxBackups = 3
	DefaultLogMaxAgeDays = 28
)
