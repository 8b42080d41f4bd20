package server

import (
	"context"
)

// Request is one chunk of bytes read from a peer, handed to a Handler
// on a worker goroutine.
type Request struct {
	PeerID  uint64
	Remote  string
	Data    []byte // owned by the handler
	Text    string // Data decoded with the server charset
	Charset string
}

// Handler turns a request into the bytes written back to the same
// peer.  A nil or empty reply writes nothing.  Returning an error
// closes that peer; other peers are unaffected.  ctx is cancelled when
// the server shuts down.
type Handler interface {
	Handle(ctx context.Context, req *Request) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

// Echo returns a handler that writes every request back unchanged.
func Echo() Handler {
	return HandlerFunc(func(_ context.Context, req *Request) ([]byte, error) {
		return req.Data, nil
	})
}
