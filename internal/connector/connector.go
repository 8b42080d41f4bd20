// Package connector implements the one-shot blocking client: open a TCP
// connection, write the whole payload, perform exactly one bounded read
// of the reply and close.
//
// A single read is the only framing.  Replies longer than the read
// buffer are truncated and replies that arrive in several segments are
// returned partially; [transport.Received.Saturated] flags the first
// case.  Callers that need more must frame at a higher level.
package connector

import (
	"context"
	"fmt"
	"net"
	"time"

	"socketkit/config"
	"socketkit/internal/charset"
	skerr "socketkit/internal/errors"
	"socketkit/internal/metrics"
	"socketkit/internal/retry"
	"socketkit/internal/transport"
	"socketkit/util"
)

// Config tunes a Connector.  Zero values fall back to the defaults in
// package config.
type Config struct {
	Dialer         transport.Dialer // nil → plain TCP
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ReadBufferSize int
	DecodeCharset  string // charset used to decode replies

	// Retry, when set, re-runs the whole exchange after retryable
	// failures (timeouts, resets).
	Retry *retry.Backoff
	// Breaker, when set, short-circuits exchanges with an endpoint
	// after repeated failures.
	Breaker *retry.CircuitBreaker
}

// Connector performs independent request/response exchanges.  It holds
// no connection between calls and is safe for concurrent use.
type Connector struct {
	cfg     Config
	decode  *charset.Charset
	logger  *util.Logger
	metrics *metrics.Collector
}

// New validates cfg and returns a Connector.  logger and m may be nil.
func New(cfg *Config, logger *util.Logger, m *metrics.Collector) (*Connector, error) {
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

	decode, err := charset.Lookup(c.DecodeCharset)
	if err != nil {
		return nil, fmt.Errorf("decode charset: %w", err)
	}
	return &Connector{cfg: c, decode: decode, logger: logger, metrics: m}, nil
}

// Exchange is the one-call form: connect to host:port, send data, and
// return the single bounded reply.  Replies are decoded with the
// platform default charset; charsetName only labels the payload.
func Exchange(ctx context.Context, host string, port int, data []byte, charsetName string,
	connectTimeout, readTimeout time.Duration) (*transport.Received, error) {
	c, err := New(&Config{ConnectTimeout: connectTimeout, ReadTimeout: readTimeout}, nil, nil)
	if err != nil {
		return nil, err
	}
	return c.Connect(ctx, transport.Endpoint{Host: host, Port: port},
		transport.Payload{Data: data, Charset: charsetName})
}

// Connect runs one exchange against ep.  On failure the error is logged
// and returned; the Received is nil, never an ambiguous empty value.
// The connection is closed before Connect returns, whatever happened.
func (c *Connector) Connect(ctx context.Context, ep transport.Endpoint, p transport.Payload) (*transport.Received, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	var got *transport.Received
	once := func() error {
		r, err := c.exchange(ctx, ep, p)
		got = r
		return err
	}

	var err error
	if c.cfg.Retry != nil {
		err = c.cfg.Retry.Do(ctx, func(attempt int) error {
			if attempt > 1 {
				c.logger.Verbose("retrying %s (attempt %d)", ep, attempt)
			}
			return retry.OnlyRetryable(c.guard(ep.Address(), once))
		})
	} else {
		err = c.guard(ep.Address(), once)
	}

	if err != nil {
		c.logger.Error("exchange with %s: %v", ep, err)
		c.metrics.RecordError(err.Error())
		return nil, err
	}
	return got, nil
}

// Close releases the dialer (an SSH jump host, for instance).
func (c *Connector) Close() error { return c.cfg.Dialer.Close() }

func (c *Connector) guard(addr string, fn func() error) error {
	if c.cfg.Breaker == nil {
		return fn()
	}
	return c.cfg.Breaker.Execute(addr, fn)
}

func (c *Connector) exchange(ctx context.Context, ep transport.Endpoint, p transport.Payload) (*transport.Received, error) {
	addr := ep.Address()
	c.logger.Verbose("connecting to %s", addr)

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.metrics.ConnectionOpened()
	defer func() {
		conn.Close()
		c.metrics.ConnectionClosed()
		c.logger.Debug("closed connection to %s", addr)
	}()

	stop := transport.InterruptOnCancel(ctx, conn)
	defer stop()

	// One deadline bounds both the write and the single read.
	if err := conn.SetDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return nil, c.fail(ctx, "read", addr, err)
	}

	if c.logger.Enabled(util.LogDebug) {
		c.logger.Debug("sending %d bytes to %s (%s): %q",
			p.Len(), addr, payloadCharset(p), payloadText(p))
	}
	n, err := transport.WriteFull(conn, p.Data)
	c.metrics.BytesSent(int64(n))
	if err != nil {
		return nil, c.fail(ctx, "write", addr, err)
	}

	got, err := transport.ReadOnce(conn, c.cfg.ReadBufferSize, c.decode)
	if err != nil {
		return nil, c.fail(ctx, "read", addr, err)
	}
	c.metrics.BytesReceived(int64(got.Len()))
	c.logger.Verbose("received %d bytes from %s", got.Len(), addr)
	c.logger.Debug("reply (%s): %q", got.Charset, got.Text)
	if got.Saturated {
		c.logger.Debug("read buffer of %d bytes filled; reply may be truncated", c.cfg.ReadBufferSize)
	}
	return got, nil
}

func (c *Connector) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.cfg.Dialer.Dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, c.fail(ctx, "dial", addr, err)
	}
	return conn, nil
}

// fail classifies err.  When the caller's own context ended, that is
// reported instead of a timeout so retries stop.
func (c *Connector) fail(ctx context.Context, op, addr string, err error) error {
	if ctx.Err() != nil {
		return skerr.Wrap(op, addr, ctx.Err())
	}
	err = skerr.Classify(op, addr, err)
	if skerr.Is(err, skerr.ErrConnectTimeout) || skerr.Is(err, skerr.ErrReadTimeout) || skerr.Is(err, skerr.ErrTimeout) {
		c.metrics.TimedOut()
	}
	return err
}

func payloadCharset(p transport.Payload) string {
	if p.Charset == "" {
		return charset.Default
	}
	return p.Charset
}

func payloadText(p transport.Payload) string {
	cs, err := charset.Lookup(p.Charset)
	if err != nil {
		return string(p.Data)
	}
	return cs.Decode(p.Data)
}
