package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	skerr "socketkit/internal/errors"
	"socketkit/internal/metrics"
)

// ── helpers ──────────────────────────────────────────────────────────

// stateLog records ConnState callbacks.
type stateLog struct {
	mu     sync.Mutex
	states map[uint64][]PeerState
	closed chan uint64
}

func newStateLog() *stateLog {
	return &stateLog{states: make(map[uint64][]PeerState), closed: make(chan uint64, 256)}
}

func (l *stateLog) record(id uint64, _ string, st PeerState) {
	l.mu.Lock()
	l.states[id] = append(l.states[id], st)
	l.mu.Unlock()
	if st.Closed() {
		l.closed <- id
	}
}

func (l *stateLog) last(id uint64) PeerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.states[id]
	if len(s) == 0 {
		return PeerState(-1)
	}
	return s[len(s)-1]
}

func (l *stateLog) waitClosed(t *testing.T) uint64 {
	t.Helper()
	select {
	case id := <-l.closed:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no peer closed")
		return 0
	}
}

// start runs a server on a loopback port until the test ends.
func start(t *testing.T, cfg *Config, h Handler, m *metrics.Collector) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	s, err := New(cfg, h, nil, m)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Listen(); err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			t.Skip("no readiness backend on this platform")
		}
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-served; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return s
}

func dial(t testing.TB, s *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	return conn
}

// roundTrip writes msg and reads exactly len(want) bytes back.
func roundTrip(conn net.Conn, msg, want []byte) error {
	if _, err := conn.Write(msg); err != nil {
		return err
	}
	got := make([]byte, len(want))
	if _, err := io.ReadFull(conn, got); err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("got %q, want %q", got, want)
	}
	return nil
}

// ── Tests ────────────────────────────────────────────────────────────

func TestPeerState_String(t *testing.T) {
	tests := []struct {
		s      PeerState
		want   string
		closed bool
	}{
		{PeerAccepted, "accepted", false},
		{PeerReadable, "readable", false},
		{PeerClosedByPeer, "closed-by-peer", true},
		{PeerClosedByError, "closed-by-error", true},
		{PeerClosedByShutdown, "closed-by-shutdown", true},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if tt.s.Closed() != tt.closed {
			t.Errorf("%s.Closed() = %v", tt.s, !tt.closed)
		}
	}
}

func TestServer_Echo(t *testing.T) {
	s := start(t, nil, nil, nil)
	conn := dial(t, s)
	defer conn.Close()

	for _, msg := range []string{"hello", "second line\n", "안녕하세요"} {
		if err := roundTrip(conn, []byte(msg), []byte(msg)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestServer_ConcurrentPeers(t *testing.T) {
	s := start(t, &Config{Workers: 4}, nil, nil)

	const peers, rounds = 50, 5
	var g errgroup.Group
	for i := 0; i < peers; i++ {
		i := i
		g.Go(func() error {
			conn, err := net.DialTimeout("tcp", s.Addr().String(), 2*time.Second)
			if err != nil {
				return err
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck

			for r := 0; r < rounds; r++ {
				msg := []byte(fmt.Sprintf("peer-%02d round-%d;", i, r))
				if err := roundTrip(conn, msg, msg); err != nil {
					return fmt.Errorf("peer %d round %d: %w", i, r, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestServer_AbruptCloseIsolated(t *testing.T) {
	log := newStateLog()
	s := start(t, &Config{ConnState: log.record}, nil, nil)

	stable := dial(t, s)
	defer stable.Close()
	if err := roundTrip(stable, []byte("before"), []byte("before")); err != nil {
		t.Fatal(err)
	}

	victim := dial(t, s)
	victim.Write([]byte("half a request")) //nolint:errcheck
	victim.(*net.TCPConn).SetLinger(0)     //nolint:errcheck // RST instead of FIN
	victim.Close()

	id := log.waitClosed(t)
	if st := log.last(id); st != PeerClosedByPeer && st != PeerClosedByError {
		t.Errorf("victim state = %s", st)
	}

	if err := roundTrip(stable, []byte("after"), []byte("after")); err != nil {
		t.Fatalf("surviving peer: %v", err)
	}
}

func TestServer_OrderedReplies(t *testing.T) {
	// Later requests finish faster; replies must still come back in order.
	h := HandlerFunc(func(_ context.Context, req *Request) ([]byte, error) {
		n, _ := strconv.Atoi(string(bytes.TrimSpace(req.Data[:1])))
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		return req.Data, nil
	})
	s := start(t, &Config{Workers: 8}, h, nil)
	conn := dial(t, s)
	defer conn.Close()

	var want bytes.Buffer
	for i := 0; i < 10; i++ {
		msg := []byte(strconv.Itoa(i) + "\n")
		want.Write(msg)
		if _, err := conn.Write(msg); err != nil {
			t.Fatal(err)
		}
	}
	got := make([]byte, want.Len())
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("got %q, want %q", got, want.Bytes())
	}
}

func TestServer_HandlerFailureContained(t *testing.T) {
	h := HandlerFunc(func(_ context.Context, req *Request) ([]byte, error) {
		switch req.Text {
		case "boom":
			return nil, errors.New("handler refused")
		case "panic":
			panic("handler exploded")
		}
		return req.Data, nil
	})
	log := newStateLog()
	m := metrics.New()
	s := start(t, &Config{ConnState: log.record}, h, m)

	good := dial(t, s)
	defer good.Close()

	for _, trigger := range []string{"boom", "panic"} {
		bad := dial(t, s)
		bad.Write([]byte(trigger)) //nolint:errcheck
		if _, err := bad.Read(make([]byte, 16)); err == nil {
			t.Errorf("%s: expected the failing peer to be closed", trigger)
		}
		bad.Close()

		id := log.waitClosed(t)
		if st := log.last(id); st != PeerClosedByError {
			t.Errorf("%s: state = %s, want closed-by-error", trigger, st)
		}
		if err := roundTrip(good, []byte("still here"), []byte("still here")); err != nil {
			t.Fatalf("%s: other peer disturbed: %v", trigger, err)
		}
	}
	if m.ErrorCount() < 2 {
		t.Errorf("errors recorded = %d, want >= 2", m.ErrorCount())
	}
}

func TestServer_HalfCloseStillAnswered(t *testing.T) {
	log := newStateLog()
	s := start(t, &Config{ConnState: log.record}, nil, nil)
	conn := dial(t, s)
	defer conn.Close()

	if _, err := conn.Write([]byte("last words")); err != nil {
		t.Fatal(err)
	}
	conn.(*net.TCPConn).CloseWrite() //nolint:errcheck

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "last words" {
		t.Errorf("got %q", got)
	}
	if st := log.last(log.waitClosed(t)); st != PeerClosedByPeer {
		t.Errorf("state = %s, want closed-by-peer", st)
	}
}

func TestServer_Charset(t *testing.T) {
	h := HandlerFunc(func(_ context.Context, req *Request) ([]byte, error) {
		return []byte(req.Charset + ":" + req.Text), nil
	})
	s := start(t, &Config{Charset: "EUC-KR"}, h, nil)
	conn := dial(t, s)
	defer conn.Close()

	want := []byte("EUC-KR:안녕")
	if err := roundTrip(conn, []byte{0xbe, 0xc8, 0xb3, 0xe7}, want); err != nil {
		t.Fatal(err)
	}
}

func TestServer_Backpressure(t *testing.T) {
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, req *Request) ([]byte, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return req.Data, nil
	})
	s := start(t, &Config{Workers: 1, QueueSize: 1, MaxPending: 1}, h, nil)
	conn := dial(t, s)
	defer conn.Close()

	var want bytes.Buffer
	for i := 0; i < 5; i++ {
		msg := []byte(fmt.Sprintf("[%d]", i))
		want.Write(msg)
		if _, err := conn.Write(msg); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)

	got := make([]byte, want.Len())
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("got %q, want %q", got, want.Bytes())
	}
}

// A peer that writes without reading must not make the server buffer
// its replies without limit, nor stall the other peers.
func TestServer_UnreadRepliesPauseReads(t *testing.T) {
	m := metrics.New()
	s := start(t, &Config{MaxPending: 4, ReadBufferSize: 1024}, nil, m)
	greedy := dial(t, s)
	defer greedy.Close()

	const limit = 64 << 20
	chunk := make([]byte, 64<<10)
	sent := 0
	for sent < limit {
		greedy.SetWriteDeadline(time.Now().Add(500 * time.Millisecond)) //nolint:errcheck
		n, err := greedy.Write(chunk)
		sent += n
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			t.Fatalf("write: %v", err)
		}
	}
	if sent >= limit {
		t.Fatalf("server accepted %d bytes from a peer that never reads", sent)
	}

	other := dial(t, s)
	defer other.Close()
	if err := roundTrip(other, []byte("still here"), []byte("still here")); err != nil {
		t.Fatalf("other peer: %v", err)
	}

	// Reading the replies lets the server resume the stalled peer.
	greedy.SetReadDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
	got, err := io.CopyN(io.Discard, greedy, int64(sent))
	if err != nil {
		t.Fatalf("read back %d of %d bytes: %v", got, sent, err)
	}
}

func TestServer_BindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	s, err := New(&Config{Address: taken.Addr().String()}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Listen()
	if errors.Is(err, errors.ErrUnsupported) {
		t.Skip("no readiness backend on this platform")
	}
	if !skerr.Is(err, skerr.ErrListenBind) {
		t.Fatalf("err = %v, want ErrListenBind", err)
	}
}

func TestStartServer_BindFailure(t *testing.T) {
	taken, err := net.Listen("tcp4", "0.0.0.0:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	_, err = StartServer(context.Background(), port, "UTF-8", nil, nil)
	if errors.Is(err, errors.ErrUnsupported) {
		t.Skip("no readiness backend on this platform")
	}
	if !skerr.Is(err, skerr.ErrListenBind) {
		t.Fatalf("err = %v, want ErrListenBind", err)
	}
}

func TestStartServer_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := StartServer(ctx, 0, "", nil, nil)
	if errors.Is(err, errors.ErrUnsupported) {
		t.Skip("no readiness backend on this platform")
	}
	if err != nil {
		t.Fatal(err)
	}

	port := s.Addr().(*net.TCPAddr).Port
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	if err := roundTrip(conn, []byte("ping"), []byte("ping")); err != nil {
		t.Fatal(err)
	}

	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err after cancel = %v, want nil", err)
	}
}

// failingPoller breaks the loop on its first wait.
type failingPoller struct {
	poller
	err error
}

func (f failingPoller) wait([]event, int) (int, error) { return 0, f.err }

func TestServer_LoopFailureReported(t *testing.T) {
	s, err := New(&Config{Address: "127.0.0.1:0"}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Listen(); err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			t.Skip("no readiness backend on this platform")
		}
		t.Fatal(err)
	}
	broken := errors.New("wait failed")
	s.poll = failingPoller{poller: s.poll, err: broken}

	s.serveBackground(context.Background())
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after the loop failed")
	}
	if err := s.Err(); !errors.Is(err, broken) {
		t.Fatalf("Err = %v, want %v", err, broken)
	}
}

func TestServer_ShutdownReleasesEverything(t *testing.T) {
	log := newStateLog()
	m := metrics.New()
	s, err := New(&Config{Address: "127.0.0.1:0", ConnState: log.record}, nil, nil, m)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Listen(); err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			t.Skip("no readiness backend on this platform")
		}
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background()) }()

	conn := dial(t, s)
	defer conn.Close()
	if err := roundTrip(conn, []byte("x"), []byte("x")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-served; err != nil {
		t.Errorf("Serve: %v", err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}

	if st := log.last(log.waitClosed(t)); st != PeerClosedByShutdown {
		t.Errorf("peer state = %s, want closed-by-shutdown", st)
	}
	if n := m.ActiveConnections(); n != 0 {
		t.Errorf("active connections = %d after shutdown", n)
	}
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("peer connection still open after shutdown")
	}
	if c, err := net.DialTimeout("tcp", s.Addr().String(), time.Second); err == nil {
		c.Close()
		t.Error("listener still accepting after shutdown")
	}
}

func TestServer_Lifecycle(t *testing.T) {
	s, err := New(&Config{Address: "127.0.0.1:0"}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Serve(context.Background()); !skerr.Is(err, skerr.ErrIllegalState) {
		t.Errorf("Serve before Listen: err = %v, want ErrIllegalState", err)
	}
	if s.Addr() != nil {
		t.Errorf("Addr before Listen = %v", s.Addr())
	}

	if err := s.Listen(); err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			t.Skip("no readiness backend on this platform")
		}
		t.Fatal(err)
	}
	if err := s.Listen(); !skerr.Is(err, skerr.ErrIllegalState) {
		t.Errorf("second Listen: err = %v, want ErrIllegalState", err)
	}

	// Shutdown without Serve only releases the listener.
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestNew_UnknownCharset(t *testing.T) {
	if _, err := New(&Config{Charset: "no-such-charset"}, nil, nil, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestServer_Metrics(t *testing.T) {
	m := metrics.New()
	s := start(t, nil, nil, m)
	conn := dial(t, s)

	if err := roundTrip(conn, []byte("12345"), []byte("12345")); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.ActiveConnections() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	snap := m.Snapshot()
	if snap.ConnectionsTotal != 1 || snap.ConnectionsActive != 0 {
		t.Errorf("connections total=%d active=%d", snap.ConnectionsTotal, snap.ConnectionsActive)
	}
	if snap.BytesIn != 5 || snap.BytesOut != 5 {
		t.Errorf("bytes in=%d out=%d, want 5/5", snap.BytesIn, snap.BytesOut)
	}
}

func BenchmarkServer_Echo(b *testing.B) {
	s, err := New(&Config{Address: "127.0.0.1:0"}, nil, nil, nil)
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Listen(); err != nil {
		b.Skip(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx) //nolint:errcheck

	conn := dial(b, s)
	defer conn.Close()
	msg := []byte("benchmark")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		conn.SetDeadline(time.Now().Add(time.Second)) //nolint:errcheck
		if err := roundTrip(conn, msg, msg); err != nil {
			b.Fatal(err)
		}
	}
}
