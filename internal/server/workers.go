package server

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"socketkit/internal/charset"
	"socketkit/util"
)

// job is one chunk of peer input bound for the handler.  fd and id
// together identify the peer; a completion whose id no longer matches
// the registry entry for fd belongs to a peer that has gone.
type job struct {
	fd     int
	id     uint64
	remote string
	data   []byte
}

type completion struct {
	fd    int
	id    uint64
	reply []byte
	err   error
}

// workerPool runs handler calls off the loop goroutine.  Jobs are
// submitted without blocking; results come back on done and the pool
// wakes the loop after each one.
type workerPool struct {
	workers int
	jobs    chan *job
	done    chan completion

	handler Handler
	decode  *charset.Charset
	logger  *util.Logger
	wake    func()

	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

func newWorkerPool(workers, queue int, h Handler, decode *charset.Charset, logger *util.Logger, wake func()) *workerPool {
	return &workerPool{
		workers: workers,
		jobs:    make(chan *job, queue),
		done:    make(chan completion, queue+workers),
		handler: h,
		decode:  decode,
		logger:  logger,
		wake:    wake,
	}
}

func (wp *workerPool) start(ctx context.Context) {
	wp.ctx, wp.cancel = context.WithCancel(ctx)
	wp.g, wp.ctx = errgroup.WithContext(wp.ctx)
	for i := 0; i < wp.workers; i++ {
		wp.g.Go(wp.worker)
	}
	wp.logger.Debug("started %d workers (queue %d)", wp.workers, cap(wp.jobs))
}

// submit queues j.  It returns false when the queue is full.
func (wp *workerPool) submit(j *job) bool {
	select {
	case wp.jobs <- j:
		return true
	default:
		return false
	}
}

// stop cancels running handlers, drops queued jobs and waits for every
// worker to return.  Only the loop goroutine may call it.
func (wp *workerPool) stop() {
	wp.cancel()
	close(wp.jobs)
	wp.g.Wait() //nolint:errcheck // workers never fail the group
}

func (wp *workerPool) worker() error {
	for j := range wp.jobs {
		if wp.ctx.Err() != nil {
			continue
		}
		reply, err := wp.run(j)
		select {
		case wp.done <- completion{fd: j.fd, id: j.id, reply: reply, err: err}:
			wp.wake()
		case <-wp.ctx.Done():
		}
	}
	return nil
}

func (wp *workerPool) run(j *job) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	req := &Request{
		PeerID:  j.id,
		Remote:  j.remote,
		Data:    j.data,
		Text:    wp.decode.Decode(j.data),
		Charset: wp.decode.Name(),
	}
	wp.logger.Debug("peer %d: %d bytes (%s): %q", j.id, len(j.data), req.Charset, req.Text)
	return wp.handler.Handle(wp.ctx, req)
}
