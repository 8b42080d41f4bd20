package tunnel

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"socketkit/config"
	skerr "socketkit/internal/errors"
	"socketkit/util"
)

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
	// KeepAlive is the interval between keepalive@openssh.com
	// requests.  Zero disables them.
	KeepAlive time.Duration
	// Prompt reads passwords and key passphrases.  Nil means the
	// controlling terminal.
	Prompt Prompter
}

// SSHTunnel implements [Tunnel] by opening an SSH connection and
// forwarding traffic with ssh.Client.Dial.
type SSHTunnel struct {
	config *SSHConfig
	client *ssh.Client
	logger *util.Logger
	auth   *Auth
	mu     sync.RWMutex
	alive  bool
	done   chan struct{}
}

// NewSSHTunnel creates a tunnel that is ready to [Connect].
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = config.DefaultSSHPort
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = config.DefaultConnectTimeout
	}
	return &SSHTunnel{config: cfg, logger: logger}
}

// Connect dials the SSH gateway and completes the handshake.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	hkCallback, err := hostKeyCallback(t.config)
	if err != nil {
		return skerr.WrapSSH("hostkey", t.config.Host, t.config.Port, err)
	}

	auth, err := BuildAuth(t.config)
	if err != nil {
		return skerr.WrapSSH("auth", t.config.Host, t.config.Port, fmt.Errorf("%w: %v", skerr.ErrAuthFailed, err))
	}
	t.logger.Debug("SSH: offering %s", auth)

	sshCfg := &ssh.ClientConfig{
		User:            t.config.User,
		Auth:            auth.Methods,
		HostKeyCallback: hkCallback,
		Timeout:         t.config.ConnTimeout,
	}

	addr := util.FormatAddr(t.config.Host, t.config.Port)
	t.logger.Debug("SSH: dialing %s as %s", addr, t.config.User)

	// Use a context-aware TCP dial so callers can cancel.
	dialer := net.Dialer{Timeout: t.config.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		auth.Close()
		return skerr.Classify("dial", addr, err)
	}

	// The handshake is bounded by the same timeout as the dial.
	tcpConn.SetDeadline(time.Now().Add(t.config.ConnTimeout)) //nolint:errcheck
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		auth.Close()
		var keyErr *knownhosts.KeyError
		switch {
		case skerr.As(err, &keyErr) && len(keyErr.Want) > 0:
			err = fmt.Errorf("%w: %v", skerr.ErrHostKeyMismatch, err)
		case strings.Contains(err.Error(), "unable to authenticate"):
			err = fmt.Errorf("%w: tried %s: %v", skerr.ErrAuthFailed, auth, err)
		}
		return skerr.WrapSSH("handshake", t.config.Host, t.config.Port, err)
	}
	tcpConn.SetDeadline(time.Time{}) //nolint:errcheck

	client := ssh.NewClient(sshConn, chans, reqs)

	t.mu.Lock()
	t.client = client
	if t.auth != nil {
		t.auth.Close()
	}
	t.auth = auth
	t.alive = true
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.monitor(client, t.done)
	if t.config.KeepAlive > 0 {
		go t.keepalive(client, t.done)
	}
	return nil
}

// Dial opens a direct-tcpip channel to address.  The returned conn
// supports deadlines.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client := t.client
	alive := t.alive
	t.mu.RUnlock()

	if !alive || client == nil {
		return nil, skerr.ErrNotConnected
	}

	t.logger.Debug("tunnel: dialing %s %s", network, address)
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := client.Dial(network, address)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("tunnel dial %s: %w", address, r.err)
		}
		return withDeadlines(r.conn), nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("tunnel dial %s: %w", address, ctx.Err())
	}
}

// Close shuts down the SSH connection.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	var err error
	if t.client != nil {
		err = t.client.Close()
		t.client = nil
	}
	if t.auth != nil {
		t.auth.Close()
		t.auth = nil
	}
	return err
}

// IsAlive reports whether the tunnel is still connected.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// monitor blocks until the SSH connection closes and flips the alive flag.
func (t *SSHTunnel) monitor(client *ssh.Client, done chan struct{}) {
	err := client.Wait()
	close(done)

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Debug("SSH tunnel closed: %v", err)
	} else {
		t.logger.Debug("SSH tunnel closed")
	}
}

// keepalive probes the gateway so dead connections are noticed before
// the next Dial.
func (t *SSHTunnel) keepalive(client *ssh.Client, done chan struct{}) {
	tick := time.NewTicker(t.config.KeepAlive)
	defer tick.Stop()

	for {
		select {
		case <-done:
			return
		case <-tick.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Warn("SSH keepalive to %s failed: %v", t.config.Host, err)
				client.Close()
				return
			}
		}
	}
}
