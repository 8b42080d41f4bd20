// Package transport provides the connection-level building blocks shared
// by the clients: how a connection is established (plain TCP or through
// an SSH jump host) and the two I/O primitives every exchange is made of,
// a full write and a single bounded read.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.  Implementations include
// a plain TCP dialer and an SSH-tunnelled dialer that routes traffic
// through a jump host.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}
