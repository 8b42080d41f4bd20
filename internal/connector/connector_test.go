package connector

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	skerr "socketkit/internal/errors"
	"socketkit/internal/metrics"
	"socketkit/internal/retry"
	"socketkit/internal/transport"
)

// ── helpers ──────────────────────────────────────────────────────────

// serve starts a loopback listener that runs handle for every accepted
// connection and closes it afterwards.
func serve(t testing.TB, handle func(net.Conn)) transport.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()

	ep, err := transport.ParseEndpoint(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func echoOnce(conn net.Conn) {
	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	conn.Write(buf[:n]) //nolint:errcheck
}

// blockingDialer never connects; it waits for the dial context.
type blockingDialer struct{}

func (blockingDialer) Dial(ctx context.Context, _, _ string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (blockingDialer) Close() error { return nil }

// countingDialer records how often the connections it hands out are
// closed.
type countingDialer struct {
	transport.TCPDialer
	closes atomic.Int32
}

type countingConn struct {
	net.Conn
	d *countingDialer
}

func (c *countingConn) Close() error {
	c.d.closes.Add(1)
	return c.Conn.Close()
}

func (d *countingDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.TCPDialer.Dial(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &countingConn{Conn: conn, d: d}, nil
}

// flakyDialer fails the first n dials with a timeout.
type flakyDialer struct {
	transport.TCPDialer
	fail  int32
	calls atomic.Int32
}

func (d *flakyDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if d.calls.Add(1) <= d.fail {
		return nil, &net.OpError{Op: "dial", Net: network, Err: os.ErrDeadlineExceeded}
	}
	return d.TCPDialer.Dial(ctx, network, address)
}

func newConnector(t *testing.T, cfg *Config) *Connector {
	t.Helper()
	c, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// ── Connect ──────────────────────────────────────────────────────────

func TestConnect_EchoRoundTrip(t *testing.T) {
	ep := serve(t, echoOnce)
	c := newConnector(t, &Config{ConnectTimeout: time.Second, ReadTimeout: 2 * time.Second})

	tests := []struct {
		name string
		data []byte
	}{
		{"short", []byte("ping")},
		{"line", []byte("hello, world\n")},
		{"buffer-sized", bytes.Repeat([]byte{'a'}, 4096)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Connect(context.Background(), ep, transport.Payload{Data: tt.data})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			// A single read may return a prefix on a busy host.
			if !bytes.HasPrefix(tt.data, got.Data) || got.Len() == 0 {
				t.Fatalf("got %d bytes, not a prefix of the %d sent", got.Len(), len(tt.data))
			}
			if len(tt.data) < 1024 && !bytes.Equal(got.Data, tt.data) {
				t.Errorf("got %q, want %q", got.Data, tt.data)
			}
			if got.Text != string(got.Data) {
				t.Errorf("Text = %q, want UTF-8 decoding of Data", got.Text)
			}
		})
	}
}

func TestConnect_TruncatesWithoutError(t *testing.T) {
	big := bytes.Repeat([]byte{'x'}, 10000)
	ep := serve(t, func(conn net.Conn) {
		buf := make([]byte, 64)
		conn.Read(buf)  //nolint:errcheck
		conn.Write(big) //nolint:errcheck
	})

	c := newConnector(t, &Config{ConnectTimeout: time.Second, ReadTimeout: 2 * time.Second})
	start := time.Now()
	got, err := c.Connect(context.Background(), ep, transport.Payload{Data: []byte("give")})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got.Len() == 0 || got.Len() > 4096 {
		t.Fatalf("got %d bytes, want 1..4096", got.Len())
	}
	if got.Len() == 4096 && !got.Saturated {
		t.Error("full buffer should be flagged Saturated")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("truncated exchange took %v", elapsed)
	}
}

func TestConnect_ConnectTimeout(t *testing.T) {
	c := newConnector(t, &Config{
		Dialer:         blockingDialer{},
		ConnectTimeout: 200 * time.Millisecond,
		ReadTimeout:    time.Second,
	})

	start := time.Now()
	_, err := c.Connect(context.Background(), transport.Endpoint{Host: "10.255.255.1", Port: 80},
		transport.Payload{Data: []byte("x")})
	elapsed := time.Since(start)

	if !skerr.Is(err, skerr.ErrConnectTimeout) {
		t.Fatalf("err = %v, want ErrConnectTimeout", err)
	}
	if elapsed < 190*time.Millisecond || elapsed > 250*time.Millisecond {
		t.Errorf("timed out after %v, want 200-250ms", elapsed)
	}
}

// TestConnect_ConnectTimeoutUnroutable uses a real non-routable address.
// Some sandboxes reject it immediately, in which case the test skips.
func TestConnect_ConnectTimeoutUnroutable(t *testing.T) {
	if testing.Short() {
		t.Skip("network-dependent")
	}
	c := newConnector(t, &Config{ConnectTimeout: 200 * time.Millisecond})

	start := time.Now()
	_, err := c.Connect(context.Background(), transport.Endpoint{Host: "10.255.255.1", Port: 80},
		transport.Payload{Data: []byte("x")})
	elapsed := time.Since(start)

	if !skerr.Is(err, skerr.ErrConnectTimeout) {
		t.Skipf("non-routable address not silently dropped here: %v", err)
	}
	if elapsed > 250*time.Millisecond {
		t.Errorf("timed out after %v, want 200-250ms", elapsed)
	}
}

func TestConnect_ReadTimeout(t *testing.T) {
	ep := serve(t, func(conn net.Conn) {
		buf := make([]byte, 64)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	c := newConnector(t, &Config{ConnectTimeout: time.Second, ReadTimeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := c.Connect(context.Background(), ep, transport.Payload{Data: []byte("anyone?")})
	if !skerr.Is(err, skerr.ErrReadTimeout) {
		t.Fatalf("err = %v, want ErrReadTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("read timeout took %v", elapsed)
	}
}

func TestConnect_PeerClosed(t *testing.T) {
	ep := serve(t, func(conn net.Conn) {
		buf := make([]byte, 64)
		conn.Read(buf) //nolint:errcheck
	})

	c := newConnector(t, &Config{ConnectTimeout: time.Second, ReadTimeout: 2 * time.Second})
	_, err := c.Connect(context.Background(), ep, transport.Payload{Data: []byte("bye")})
	if !skerr.Is(err, skerr.ErrPeerClosed) {
		t.Fatalf("err = %v, want ErrPeerClosed", err)
	}
}

func TestConnect_ContextCancel(t *testing.T) {
	ep := serve(t, func(conn net.Conn) {
		buf := make([]byte, 64)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	c := newConnector(t, &Config{ConnectTimeout: time.Second, ReadTimeout: 10 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.Connect(ctx, ep, transport.Payload{Data: []byte("wait")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancel took %v", elapsed)
	}
}

func TestConnect_InvalidEndpoint(t *testing.T) {
	c := newConnector(t, nil)
	if _, err := c.Connect(context.Background(), transport.Endpoint{Host: "localhost", Port: 0},
		transport.Payload{}); err == nil {
		t.Fatal("expected error for port 0")
	}
}

func TestConnect_ClosesOnEveryPath(t *testing.T) {
	tests := []struct {
		name    string
		handle  func(net.Conn)
		wantErr error
	}{
		{"success", echoOnce, nil},
		{"peer-closed", func(conn net.Conn) {
			buf := make([]byte, 64)
			conn.Read(buf) //nolint:errcheck
		}, skerr.ErrPeerClosed},
		{"read-timeout", func(conn net.Conn) {
			time.Sleep(300 * time.Millisecond)
		}, skerr.ErrReadTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := serve(t, tt.handle)
			d := &countingDialer{TCPDialer: transport.TCPDialer{Timeout: time.Second}}
			c := newConnector(t, &Config{Dialer: d, ConnectTimeout: time.Second, ReadTimeout: 100 * time.Millisecond})

			_, err := c.Connect(context.Background(), ep, transport.Payload{Data: []byte("x")})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Connect: %v", err)
			}
			if tt.wantErr != nil && !skerr.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if n := d.closes.Load(); n != 1 {
				t.Errorf("connection closed %d times, want 1", n)
			}
		})
	}
}

func TestConnect_Metrics(t *testing.T) {
	ep := serve(t, echoOnce)
	m := metrics.New()
	c, err := New(&Config{ConnectTimeout: time.Second, ReadTimeout: time.Second}, nil, m)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Connect(context.Background(), ep, transport.Payload{Data: []byte("abc")}); err != nil {
		t.Fatal(err)
	}
	if m.TotalConnections() != 1 || m.ActiveConnections() != 0 {
		t.Errorf("connections total=%d active=%d, want 1/0", m.TotalConnections(), m.ActiveConnections())
	}
	if m.TotalBytesOut() != 3 || m.TotalBytesIn() != 3 {
		t.Errorf("bytes out=%d in=%d, want 3/3", m.TotalBytesOut(), m.TotalBytesIn())
	}
}

// ── Retry / breaker ──────────────────────────────────────────────────

func TestConnect_RetriesTimeouts(t *testing.T) {
	ep := serve(t, echoOnce)
	d := &flakyDialer{TCPDialer: transport.TCPDialer{Timeout: time.Second}, fail: 1}
	c := newConnector(t, &Config{
		Dialer:         d,
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
		Retry:          &retry.Backoff{InitialDelay: time.Millisecond, MaxAttempts: 3},
	})

	got, err := c.Connect(context.Background(), ep, transport.Payload{Data: []byte("again")})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got.Text != "again" {
		t.Errorf("got %q", got.Text)
	}
	if n := d.calls.Load(); n != 2 {
		t.Errorf("dialed %d times, want 2", n)
	}
}

func TestConnect_DoesNotRetryPermanent(t *testing.T) {
	// Nothing listens on this port once the listener is closed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ep, _ := transport.ParseEndpoint(ln.Addr().String())
	ln.Close()

	var attempts int
	c := newConnector(t, &Config{
		ConnectTimeout: time.Second,
		Retry: &retry.Backoff{
			InitialDelay: time.Millisecond,
			MaxAttempts:  5,
			OnRetry:      func(int, error, time.Duration) { attempts++ },
		},
	})

	if _, err := c.Connect(context.Background(), ep, transport.Payload{Data: []byte("x")}); err == nil {
		t.Fatal("expected connection refused")
	}
	if attempts != 0 {
		t.Errorf("refused connection retried %d times", attempts)
	}
}

func TestConnect_CircuitBreaker(t *testing.T) {
	c := newConnector(t, &Config{
		Dialer:         blockingDialer{},
		ConnectTimeout: 10 * time.Millisecond,
		Breaker:        retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute}),
	})
	ep := transport.Endpoint{Host: "127.0.0.1", Port: 9}

	for i := 0; i < 2; i++ {
		if _, err := c.Connect(context.Background(), ep, transport.Payload{}); !skerr.Is(err, skerr.ErrConnectTimeout) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	if _, err := c.Connect(context.Background(), ep, transport.Payload{}); !skerr.Is(err, skerr.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

// dialCounter is a blockingDialer that counts its dials.
type dialCounter struct {
	blockingDialer
	calls atomic.Int32
}

func (d *dialCounter) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls.Add(1)
	return d.blockingDialer.Dial(ctx, network, address)
}

func TestConnect_BreakerEndsRetries(t *testing.T) {
	d := &dialCounter{}
	c := newConnector(t, &Config{
		Dialer:         d,
		ConnectTimeout: 10 * time.Millisecond,
		Retry:          &retry.Backoff{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 5},
		Breaker:        retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute}),
	})

	_, err := c.Connect(context.Background(), transport.Endpoint{Host: "127.0.0.1", Port: 9}, transport.Payload{})
	if !skerr.Is(err, skerr.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if got := d.calls.Load(); got != 2 {
		t.Errorf("dialed %d times, want 2", got)
	}
}

// ── Exchange ─────────────────────────────────────────────────────────

func TestExchange(t *testing.T) {
	ep := serve(t, echoOnce)
	got, err := Exchange(context.Background(), ep.Host, ep.Port, []byte("hi"), "UTF-8", time.Second, time.Second)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if got.Text != "hi" || got.Charset != "UTF-8" {
		t.Errorf("got %q (%s)", got.Text, got.Charset)
	}
}

// TestExchange_DecodesWithDefaultCharset checks that the payload charset
// does not change how the reply is decoded.
func TestExchange_DecodesWithDefaultCharset(t *testing.T) {
	ep := serve(t, echoOnce)
	euckr := []byte{0xbe, 0xc8, 0xb3, 0xe7} // "안녕" in EUC-KR

	got, err := Exchange(context.Background(), ep.Host, ep.Port, euckr, "EUC-KR", time.Second, time.Second)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !bytes.Equal(got.Data, euckr) {
		t.Errorf("raw bytes changed: % x", got.Data)
	}
	if got.Text == "안녕" {
		t.Error("reply decoded with the payload charset, want platform default")
	}
}

func TestNew_UnknownDecodeCharset(t *testing.T) {
	if _, err := New(&Config{DecodeCharset: "no-such-charset"}, nil, nil); err == nil {
		t.Fatal("expected error for unknown charset")
	}
}

func TestConnect_Concurrent(t *testing.T) {
	ep := serve(t, echoOnce)
	c := newConnector(t, &Config{ConnectTimeout: time.Second, ReadTimeout: 2 * time.Second})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := []byte{byte('a' + i)}
			got, err := c.Connect(context.Background(), ep, transport.Payload{Data: msg})
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got.Data, msg) {
				errs <- errors.New("cross-talk: got " + got.Text)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
