package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPDialer establishes plain TCP connections, optionally from a fixed
// source port.
type TCPDialer struct {
	// Timeout bounds the connect; the caller's context may end it
	// sooner.
	Timeout time.Duration
	// LocalPort binds the source port (0 = ephemeral).
	LocalPort int
	// KeepAlive is the TCP keepalive period.  Zero uses the Go default,
	// a negative value disables keepalives.
	KeepAlive time.Duration
}

// Dial connects to address over TCP.  Only the tcp networks are
// accepted.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("tcp dialer: unsupported network %q", network)
	}

	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	if d.LocalPort > 0 {
		dialer.LocalAddr = &net.TCPAddr{Port: d.LocalPort}
	}
	return dialer.DialContext(ctx, network, address)
}

// Close is a no-op; a TCP dialer holds nothing between calls.
func (d *TCPDialer) Close() error { return nil }
