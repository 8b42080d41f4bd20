// Package server implements the multiplexing TCP server: one listening
// socket and any number of peers served by a single readiness loop
// (epoll on Linux, kqueue on the BSDs and macOS).
//
// The loop goroutine owns every socket.  It accepts, reads and writes
// without blocking and hands each chunk it reads to a bounded worker
// pool running the Handler.  A peer has at most one job in flight, so
// replies are written in the order the requests arrived.  A failing
// peer is logged and closed; it never disturbs the others.
package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"socketkit/config"
	"socketkit/internal/charset"
	skerr "socketkit/internal/errors"
	"socketkit/internal/metrics"
	"socketkit/util"
)

// Config tunes a Server.  Zero values fall back to the defaults in
// package config.
type Config struct {
	Address        string // host:port to bind; ":0" picks a free port
	Charset        string // decodes request bytes for the handler
	Workers        int
	QueueSize      int
	ReadBufferSize int
	// MaxPending bounds the chunks a peer may have waiting for the
	// handler.  A peer at the limit is not read until its queue drains.
	// Unwritten replies are bounded too: a peer holding
	// MaxPending*ReadBufferSize reply bytes is neither read nor handed
	// to the handler until it reads them.
	MaxPending int

	// ConnState, when set, is called from the loop goroutine on every
	// peer state change.  It must not block.
	ConnState func(id uint64, remote string, state PeerState)
}

type phase int

const (
	phaseIdle phase = iota
	phaseListening
	phaseServing
	phaseClosed
)

// Server is a multiplexing TCP server.
type Server struct {
	cfg     Config
	handler Handler
	decode  *charset.Charset
	logger  *util.Logger
	metrics *metrics.Collector

	mu       sync.Mutex // guards phase, poll and addr
	phase    phase
	poll     poller
	lfd      int
	addr     *net.TCPAddr
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error // why the loop ended, set before done is closed

	nextID atomic.Uint64

	// loop-owned
	peers   map[int]*peer
	stalled map[int]struct{} // peers whose next job did not fit the queue
	pool    *workerPool
}

// New returns a Server that has not yet bound its socket.  A nil
// handler echoes.  logger and m may be nil.
func New(cfg *Config, h Handler, logger *util.Logger, m *metrics.Collector) (*Server, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.Address == "" {
		c.Address = ":0"
	}
	if c.Workers <= 0 {
		c.Workers = config.DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = config.DefaultQueueSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = config.DefaultReadBufferSize
	}
	if c.MaxPending <= 0 {
		c.MaxPending = config.DefaultMaxPending
	}
	if h == nil {
		h = Echo()
	}

	decode, err := charset.Lookup(c.Charset)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      c,
		handler:  h,
		decode:   decode,
		logger:   logger,
		metrics:  m,
		lfd:      -1,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		peers:    make(map[int]*peer),
		stalled:  make(map[int]struct{}),
	}, nil
}

// StartServer binds port on all interfaces and serves in the
// background until ctx is cancelled.  Bind failures are returned as
// ErrListenBind.  A failure of the running loop is reported by Err once
// Done is closed.
func StartServer(ctx context.Context, port int, charsetName string, h Handler, logger *util.Logger) (*Server, error) {
	s, err := New(&Config{Address: net.JoinHostPort("", strconv.Itoa(port)), Charset: charsetName}, h, logger, nil)
	if err != nil {
		return nil, err
	}
	if err := s.Listen(); err != nil {
		return nil, err
	}
	s.serveBackground(ctx)
	return s, nil
}

func (s *Server) serveBackground(ctx context.Context) {
	go func() {
		if err := s.Serve(ctx); err != nil {
			s.logger.Error("server on %s: %v", s.Addr(), err)
		}
	}()
}

// Listen binds the listening socket and creates the poller.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseIdle {
		return &skerr.StateError{Op: "listen", State: s.phase.String()}
	}

	poll, err := newPoller()
	if err != nil {
		return skerr.Classify("listen", s.cfg.Address, err)
	}
	lfd, addr, err := listenTCP(s.cfg.Address)
	if err != nil {
		poll.close()
		return skerr.Classify("listen", s.cfg.Address, err)
	}
	if err := poll.add(lfd); err != nil {
		closeFd(lfd)
		poll.close()
		return skerr.Classify("listen", s.cfg.Address, err)
	}

	s.poll, s.lfd, s.addr = poll, lfd, addr
	s.phase = phaseListening
	s.logger.Info("listening on %s", addr)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return nil
	}
	return s.addr
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the loop on the calling goroutine until ctx is cancelled
// or Shutdown is called, then closes every peer, the listener and the
// poller.  A requested stop returns nil.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != phaseListening {
		s.mu.Unlock()
		return &skerr.StateError{Op: "serve", State: s.phase.String()}
	}
	s.phase = phaseServing
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.requestStop)
	defer stop()

	s.pool = newWorkerPool(s.cfg.Workers, s.cfg.QueueSize, s.handler, s.decode, s.logger, s.wake)
	s.pool.start(ctx)

	err := s.loop()
	s.teardown(err)
	return err
}

// Shutdown stops the server and waits for the loop to finish or ctx to
// end.  It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	switch s.phase {
	case phaseIdle:
		s.phase = phaseClosed
		close(s.done)
		s.mu.Unlock()
		return nil
	case phaseListening:
		// Never served: nothing but the listener to release.
		s.phase = phaseClosed
		closeFd(s.lfd)
		s.poll.close()
		close(s.done)
		s.mu.Unlock()
		s.logger.Verbose("closed listener on %s", s.addr)
		return nil
	}
	s.mu.Unlock()

	s.requestStop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the server has released all its resources.
func (s *Server) Done() <-chan struct{} { return s.done }

// Err returns the error that stopped the loop, or nil if the server
// was stopped on request or has not stopped yet.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Server) requestStop() {
	s.stopOnce.Do(func() { close(s.stopping) })
	s.wake()
}

func (s *Server) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == phaseServing {
		if err := s.poll.wake(); err != nil {
			s.logger.Debug("wake: %v", err)
		}
	}
}

// ── loop ─────────────────────────────────────────────────────────────

func (s *Server) loop() error {
	events := make([]event, 128)
	for {
		select {
		case <-s.stopping:
			return nil
		default:
		}

		n, err := s.poll.wait(events, -1)
		if err != nil {
			return skerr.Wrap("poll", s.addr.String(), err)
		}
		s.metrics.RecordPoll()

		for _, ev := range events[:n] {
			if ev.fd == s.lfd {
				s.acceptAll()
				continue
			}
			p := s.peers[ev.fd]
			if p == nil {
				continue
			}
			switch {
			case ev.hangup && p.eof:
				s.closePeer(p, PeerClosedByPeer, nil)
				continue
			case ev.readable:
				s.readPeer(p)
			}
			if ev.writable && s.peers[ev.fd] == p {
				s.flush(p)
			}
		}

		s.drainCompletions()
		s.retryStalled()
	}
}

func (s *Server) acceptAll() {
	for {
		fd, remote, err := acceptConn(s.lfd)
		if err != nil {
			if wouldBlock(err) {
				return
			}
			if acceptRetry(err) {
				continue
			}
			s.logger.Warn("accept on %s: %v", s.addr, err)
			s.metrics.RecordError(err.Error())
			return
		}

		p := &peer{
			id:      s.nextID.Add(1),
			fd:      fd,
			remote:  remote,
			state:   PeerAccepted,
			readBuf: make([]byte, s.cfg.ReadBufferSize),
		}
		if err := s.poll.add(fd); err != nil {
			s.logger.Warn("register %s: %v", p, err)
			closeFd(fd)
			continue
		}
		p.reading = true
		s.peers[fd] = p
		s.metrics.ConnectionOpened()
		s.logger.Verbose("accepted %s", p)
		s.setState(p, PeerAccepted)
	}
}

func (s *Server) readPeer(p *peer) {
	n, err := readFd(p.fd, p.readBuf)
	switch {
	case err != nil && wouldBlock(err):
		return
	case err != nil:
		s.closePeer(p, PeerClosedByError, skerr.Classify("read", p.remote, err))
		return
	case n == 0:
		if p.eof {
			return
		}
		p.eof = true
		if p.idle() {
			s.closePeer(p, PeerClosedByPeer, nil)
			return
		}
		// Finish the outstanding work, then close.
		s.updateInterest(p)
		return
	}

	if p.state == PeerAccepted {
		s.setState(p, PeerReadable)
	}
	chunk := make([]byte, n)
	copy(chunk, p.readBuf[:n])
	p.pending = append(p.pending, chunk)
	s.metrics.BytesReceived(int64(n))

	s.dispatch(p)
	s.updateInterest(p)
}

// dispatch submits p's oldest pending chunk unless a job is already in
// flight for p.
func (s *Server) dispatch(p *peer) {
	if p.busy || len(p.pending) == 0 {
		return
	}
	if s.outFull(p) {
		// flush dispatches again once the peer has read its replies.
		delete(s.stalled, p.fd)
		return
	}
	j := &job{fd: p.fd, id: p.id, remote: p.remote, data: p.pending[0]}
	if !s.pool.submit(j) {
		s.stalled[p.fd] = struct{}{}
		return
	}
	p.pending[0] = nil
	p.pending = p.pending[1:]
	p.busy = true
	delete(s.stalled, p.fd)
}

func (s *Server) retryStalled() {
	for fd := range s.stalled {
		p := s.peers[fd]
		if p == nil {
			delete(s.stalled, fd)
			continue
		}
		s.dispatch(p)
		if _, still := s.stalled[fd]; still {
			return // queue is full again
		}
		s.updateInterest(p)
	}
}

func (s *Server) drainCompletions() {
	for {
		select {
		case c := <-s.pool.done:
			s.complete(c)
		default:
			return
		}
	}
}

func (s *Server) complete(c completion) {
	p := s.peers[c.fd]
	if p == nil || p.id != c.id {
		return // peer closed while its job ran
	}
	p.busy = false

	if c.err != nil {
		s.closePeer(p, PeerClosedByError, c.err)
		return
	}
	if len(c.reply) > 0 {
		p.out = append(p.out, c.reply...)
		if !s.flush(p) {
			return
		}
	}
	s.dispatch(p)
	if p.eof && p.idle() {
		s.closePeer(p, PeerClosedByPeer, nil)
		return
	}
	s.updateInterest(p)
}

// flush writes as much of p.out as the socket takes.  It returns false
// if p was closed.
func (s *Server) flush(p *peer) bool {
	for len(p.out) > 0 {
		n, err := writeFd(p.fd, p.out)
		if err != nil {
			if wouldBlock(err) {
				break
			}
			s.closePeer(p, PeerClosedByError, skerr.Classify("write", p.remote, err))
			return false
		}
		s.metrics.BytesSent(int64(n))
		p.out = p.out[n:]
	}
	if len(p.out) == 0 {
		p.out = nil
		if p.eof && p.idle() {
			s.closePeer(p, PeerClosedByPeer, nil)
			return false
		}
	}
	s.dispatch(p)
	s.updateInterest(p)
	return s.peers[p.fd] == p
}

// outFull reports whether p holds as many unwritten reply bytes as it
// is allowed.
func (s *Server) outFull(p *peer) bool {
	return len(p.out) >= s.cfg.MaxPending*s.cfg.ReadBufferSize
}

func (s *Server) updateInterest(p *peer) {
	read := !p.eof && len(p.pending) < s.cfg.MaxPending && !s.outFull(p)
	write := len(p.out) > 0
	if read == p.reading && write == p.writing {
		return
	}
	if err := s.poll.modify(p.fd, read, write); err != nil {
		s.closePeer(p, PeerClosedByError, err)
		return
	}
	if !read && p.reading && !p.eof {
		s.logger.Debug("%s: %d chunks pending, %d bytes unwritten, pausing reads",
			p, len(p.pending), len(p.out))
	}
	p.reading, p.writing = read, write
}

func (s *Server) closePeer(p *peer, state PeerState, err error) {
	if s.peers[p.fd] != p {
		return
	}
	s.poll.remove(p.fd) //nolint:errcheck // closing the fd unregisters it anyway
	if cerr := closeFd(p.fd); cerr != nil {
		s.logger.Debug("close %s: %v", p, cerr)
	}
	delete(s.peers, p.fd)
	delete(s.stalled, p.fd)
	p.pending, p.out = nil, nil
	s.metrics.ConnectionClosed()

	switch state {
	case PeerClosedByError:
		s.logger.Warn("%s: %v", p, err)
		s.metrics.RecordError(err.Error())
	default:
		s.logger.Verbose("%s: %s", p, state)
	}
	s.setState(p, state)
}

func (s *Server) setState(p *peer, state PeerState) {
	p.state = state
	if s.cfg.ConnState != nil {
		s.cfg.ConnState(p.id, p.remote, state)
	}
}

// teardown runs on the loop goroutine once the loop has exited.  err
// is what ended the loop.
func (s *Server) teardown(err error) {
	s.pool.stop()
	for _, p := range s.peers {
		s.closePeer(p, PeerClosedByShutdown, nil)
	}

	s.mu.Lock()
	s.phase = phaseClosed
	s.err = err
	if err := closeFd(s.lfd); err != nil {
		s.logger.Debug("close listener: %v", err)
	}
	if err := s.poll.close(); err != nil {
		s.logger.Debug("close poller: %v", err)
	}
	close(s.done)
	s.mu.Unlock()

	s.logger.Info("server on %s stopped", s.addr)
}

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseListening:
		return "listening"
	case phaseServing:
		return "serving"
	default:
		return "closed"
	}
}
