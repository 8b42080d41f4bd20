package server

import "fmt"

// PeerState is the lifecycle stage of one accepted connection.
type PeerState int

const (
	PeerAccepted         PeerState = iota // registered for reads, nothing read yet
	PeerReadable                          // at least one chunk read
	PeerClosedByPeer                      // orderly EOF from the remote end
	PeerClosedByError                     // I/O or handler failure
	PeerClosedByShutdown                  // server stopped
)

func (s PeerState) String() string {
	switch s {
	case PeerAccepted:
		return "accepted"
	case PeerReadable:
		return "readable"
	case PeerClosedByPeer:
		return "closed-by-peer"
	case PeerClosedByError:
		return "closed-by-error"
	case PeerClosedByShutdown:
		return "closed-by-shutdown"
	default:
		return fmt.Sprintf("PeerState(%d)", int(s))
	}
}

// Closed reports whether s is terminal.
func (s PeerState) Closed() bool { return s >= PeerClosedByPeer }

// peer is the registry entry for one accepted socket.  It is owned by
// the loop goroutine; workers only ever see copies of its data.
type peer struct {
	id     uint64
	fd     int
	remote string
	state  PeerState

	readBuf []byte
	pending [][]byte // chunks waiting for the handler, oldest first
	busy    bool     // one job in flight
	out     []byte   // reply bytes not yet written

	reading bool // read interest registered
	writing bool // write interest registered
	eof     bool
}

// idle reports whether nothing is queued, running or unwritten.
func (p *peer) idle() bool {
	return !p.busy && len(p.pending) == 0 && len(p.out) == 0
}

func (p *peer) String() string {
	return fmt.Sprintf("peer %d (%s)", p.id, p.remote)
}
