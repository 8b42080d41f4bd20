// Package session implements the persistent client: one TCP connection
// opened by Start and kept across any number of Send/Receive exchanges
// until Stop.
//
// A Session has a single owner.  Calls are serialized by a mutex, but
// the protocol is strictly turn-based: a Send must be answered by a
// Receive before the next Send.  Every connect and every read is
// bounded, so the owner is never blocked indefinitely.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"socketkit/config"
	"socketkit/internal/charset"
	skerr "socketkit/internal/errors"
	"socketkit/internal/metrics"
	"socketkit/internal/retry"
	"socketkit/internal/transport"
	"socketkit/util"
)

// ── State ────────────────────────────────────────────────────────────

// State is the lifecycle stage of a Session.
type State int

const (
	StateNew        State = iota // created, Start not yet called
	StateConnecting              // Start or Reconnect in progress
	StateOpen                    // connected, exchanges allowed
	StateBroken                  // peer went away; Reconnect or Stop
	StateClosed                  // stopped, terminal
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBroken:
		return "broken"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ── Session ──────────────────────────────────────────────────────────

// Config tunes a Session.  Zero values fall back to the defaults in
// package config.
type Config struct {
	Dialer         transport.Dialer // nil → plain TCP
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ReadBufferSize int
	// DecodeCharset decodes replies.  Empty means the charset passed to
	// Start.
	DecodeCharset string
	// Retry paces Reconnect.  nil means a single attempt.
	Retry *retry.Backoff
}

// Session is a long-lived client connection.
type Session struct {
	id      string
	cfg     Config
	logger  *util.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	state    State
	conn     net.Conn
	endpoint transport.Endpoint
	cs       *charset.Charset // payload charset from Start
	decode   *charset.Charset
	awaiting bool // a Send has not been answered yet
}

// New returns an unstarted Session.  logger and m may be nil.
func New(cfg *Config, logger *util.Logger, m *metrics.Collector) *Session {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = config.DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = config.DefaultReadTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = config.DefaultReadBufferSize
	}
	if c.Dialer == nil {
		c.Dialer = &transport.TCPDialer{Timeout: c.ConnectTimeout}
	}
	return &Session{
		id:      uuid.NewString(),
		cfg:     c,
		logger:  logger,
		metrics: m,
	}
}

// ID returns the session's unique identifier, used in log lines.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Alive reports whether exchanges are currently possible.
func (s *Session) Alive() bool { return s.State() == StateOpen }

// Endpoint returns the address given to Start.
func (s *Session) Endpoint() transport.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Start connects to ep.  charsetName is used by SendText and, unless
// the Config names another one, to decode replies.  Start may be
// called once; if it fails the session stays new and Start may be
// tried again.
func (s *Session) Start(ctx context.Context, ep transport.Endpoint, charsetName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateNew {
		return &skerr.StateError{Op: "start", State: s.state.String()}
	}
	if err := ep.Validate(); err != nil {
		return err
	}
	cs, err := charset.Lookup(charsetName)
	if err != nil {
		return err
	}
	decode := cs
	if s.cfg.DecodeCharset != "" {
		if decode, err = charset.Lookup(s.cfg.DecodeCharset); err != nil {
			return fmt.Errorf("decode charset: %w", err)
		}
	}

	s.state = StateConnecting
	conn, err := s.dial(ctx, ep)
	if err != nil {
		s.state = StateNew
		s.logger.Error("session %s: start %s: %v", s.short(), ep, err)
		return err
	}

	s.conn = conn
	s.endpoint = ep
	s.cs = cs
	s.decode = decode
	s.state = StateOpen
	s.logger.Verbose("session %s: connected to %s", s.short(), ep)
	return nil
}

// Send writes p in full without closing the connection.  It fails with
// ErrIllegalState before Start, after Stop, on a broken session, or
// while the previous Send is still unanswered.
func (s *Session) Send(ctx context.Context, p transport.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ready("send"); err != nil {
		return err
	}
	return s.send(ctx, p.Data)
}

// SendText encodes text with the session charset and sends it.
func (s *Session) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ready("send"); err != nil {
		return err
	}
	data, err := s.cs.Encode(text)
	if err != nil {
		return err
	}
	return s.send(ctx, data)
}

// Receive performs one bounded read.  A Receive without a preceding
// Send is allowed, for servers that speak first.  When the peer has
// closed the connection the session becomes broken.
func (s *Session) Receive(ctx context.Context) (*transport.Received, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return nil, &skerr.StateError{Op: "receive", State: s.state.String()}
	}

	addr := s.endpoint.Address()
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return nil, s.fail(ctx, "read", addr, err)
	}
	stop := transport.InterruptOnCancel(ctx, s.conn)
	got, err := transport.ReadOnce(s.conn, s.cfg.ReadBufferSize, s.decode)
	stop()
	if err != nil {
		// A timed-out reply may still arrive, so the turn stays open.
		return nil, s.fail(ctx, "read", addr, err)
	}

	s.awaiting = false
	s.metrics.BytesReceived(int64(got.Len()))
	s.logger.Debug("session %s: received %d bytes (%s): %q", s.short(), got.Len(), got.Charset, got.Text)
	return got, nil
}

// Exchange sends p and reads the reply.
func (s *Session) Exchange(ctx context.Context, p transport.Payload) (*transport.Received, error) {
	if err := s.Send(ctx, p); err != nil {
		return nil, err
	}
	return s.Receive(ctx)
}

// Reconnect replaces the connection of a started session with a fresh
// one to the same endpoint, retrying per Config.Retry.  It is the way
// out of the broken state and is not allowed before Start or after
// Stop.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateOpen, StateBroken:
	default:
		return &skerr.StateError{Op: "reconnect", State: s.state.String()}
	}
	s.closeConn()
	s.state = StateConnecting
	s.awaiting = false

	var conn net.Conn
	attempt := func(n int) error {
		if n > 1 {
			s.logger.Verbose("session %s: reconnect attempt %d", s.short(), n)
		}
		c, err := s.dial(ctx, s.endpoint)
		conn = c
		return err
	}

	var err error
	if s.cfg.Retry != nil {
		err = s.cfg.Retry.Do(ctx, func(n int) error {
			return retry.OnlyRetryable(attempt(n))
		})
	} else {
		err = attempt(1)
	}
	if err != nil {
		s.state = StateBroken
		s.logger.Error("session %s: reconnect %s: %v", s.short(), s.endpoint, err)
		return err
	}

	s.conn = conn
	s.state = StateOpen
	s.metrics.Reconnected()
	s.logger.Info("session %s: reconnected to %s", s.short(), s.endpoint)
	return nil
}

// Stop closes the connection.  It is idempotent; only the first call
// closes anything.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.awaiting = false
	err := s.closeConn()
	s.logger.Verbose("session %s: stopped", s.short())
	return err
}

// ── internals (s.mu held) ────────────────────────────────────────────

func (s *Session) ready(op string) error {
	if s.state != StateOpen {
		return &skerr.StateError{Op: op, State: s.state.String()}
	}
	if s.awaiting {
		return &skerr.StateError{Op: op, State: "awaiting reply"}
	}
	return nil
}

func (s *Session) send(ctx context.Context, data []byte) error {
	addr := s.endpoint.Address()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return s.fail(ctx, "write", addr, err)
	}
	stop := transport.InterruptOnCancel(ctx, s.conn)
	n, err := transport.WriteFull(s.conn, data)
	stop()
	s.metrics.BytesSent(int64(n))
	if err != nil {
		// A partial write leaves the stream unusable.
		s.state = StateBroken
		return s.fail(ctx, "write", addr, err)
	}

	s.awaiting = true
	s.logger.Debug("session %s: sent %d bytes", s.short(), n)
	return nil
}

func (s *Session) dial(ctx context.Context, ep transport.Endpoint) (net.Conn, error) {
	addr := ep.Address()
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.cfg.Dialer.Dial(dialCtx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, skerr.Wrap("dial", addr, ctx.Err())
		}
		err = skerr.Classify("dial", addr, err)
		if skerr.Is(err, skerr.ErrConnectTimeout) {
			s.metrics.TimedOut()
		}
		return nil, err
	}
	s.metrics.ConnectionOpened()
	return conn, nil
}

func (s *Session) fail(ctx context.Context, op, addr string, err error) error {
	if ctx.Err() != nil {
		return skerr.Wrap(op, addr, ctx.Err())
	}
	err = skerr.Classify(op, addr, err)
	switch {
	case skerr.Is(err, skerr.ErrPeerClosed):
		s.state = StateBroken
		s.awaiting = false
		s.logger.Warn("session %s: %s closed the connection", s.short(), addr)
	case skerr.Is(err, skerr.ErrReadTimeout), skerr.Is(err, skerr.ErrTimeout):
		s.metrics.TimedOut()
	}
	s.metrics.RecordError(err.Error())
	return err
}

func (s *Session) closeConn() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.metrics.ConnectionClosed()
	return err
}

func (s *Session) short() string { return s.id[:8] }
