package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"socketkit/tunnel"
	"socketkit/util"
)

// SSHDialer reaches endpoints through an SSH jump host.  The tunnel is
// opened on the first Dial and reopened by a later Dial if the gateway
// connection has dropped, so a session can reconnect through it.
type SSHDialer struct {
	tunnel *tunnel.SSHTunnel
	config *tunnel.SSHConfig
	logger *util.Logger

	mu     sync.Mutex
	opened bool
}

// NewSSHDialer creates a dialer that forwards connections through the
// gateway described by cfg.  Nothing is dialed until the first Dial.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger) *SSHDialer {
	return &SSHDialer{
		tunnel: tunnel.NewSSHTunnel(cfg, logger),
		config: cfg,
		logger: logger,
	}
}

// ensure opens the tunnel, or reopens it after the gateway went away.
func (d *SSHDialer) ensure(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opened {
		if d.tunnel.IsAlive() {
			return nil
		}
		d.logger.Warn("SSH tunnel to %s went away, reopening", d.config.Host)
		d.tunnel.Close()
		d.opened = false
	}

	d.logger.Verbose("opening SSH tunnel to %s@%s:%d",
		d.config.User, d.config.Host, d.config.Port)
	if err := d.tunnel.Connect(ctx); err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	d.opened = true
	d.logger.Verbose("SSH tunnel to %s open", d.config.Host)
	return nil
}

// Dial connects to address from the gateway.  The returned conn
// honours deadlines like a plain TCP conn.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.ensure(ctx); err != nil {
		return nil, err
	}
	return d.tunnel.Dial(ctx, network, address)
}

// Close tears down the tunnel.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.opened {
		return nil
	}
	d.opened = false
	return d.tunnel.Close()
}
