package tunnel

import (
	"context"
	"io"
	"net"
	"sync"
)

// bridgeConns copies data bidirectionally between two connections
// until one side closes or the context is cancelled.  It returns the
// number of bytes transferred in each direction.
func bridgeConns(ctx context.Context, a, b net.Conn) (aToB, bToA int64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(b, a)
		aToB = n
		cancel()
	}()

	go func() {
		defer wg.Done()
		n, _ := io.Copy(a, b)
		bToA = n
		cancel()
	}()

	<-ctx.Done()
	a.Close()
	b.Close()
	wg.Wait()
	return aToB, bToA
}

// withDeadlines returns a conn for ch that honours deadlines.  SSH
// channels reject SetDeadline, so the caller gets one end of a
// net.Pipe and bridgeConns shuttles bytes between the other end and
// ch.  Bytes that arrive after a read deadline stay queued for the
// next read.
func withDeadlines(ch net.Conn) net.Conn {
	local, remote := net.Pipe()
	go bridgeConns(context.Background(), remote, ch)
	return &pipeConn{Conn: local, laddr: ch.LocalAddr(), raddr: ch.RemoteAddr()}
}

// pipeConn reports the channel's addresses instead of the pipe's.
type pipeConn struct {
	net.Conn
	laddr, raddr net.Addr
}

func (c *pipeConn) LocalAddr() net.Addr  { return c.laddr }
func (c *pipeConn) RemoteAddr() net.Addr { return c.raddr }
