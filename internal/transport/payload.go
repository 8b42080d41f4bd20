package transport

import (
	"socketkit/internal/charset"
)

// Payload is an opaque byte sequence.  Charset records how the bytes
// were produced from text, which only matters for logging.
type Payload struct {
	Data    []byte
	Charset string
}

// NewTextPayload encodes text with the named charset.
func NewTextPayload(text, charsetName string) (Payload, error) {
	cs, err := charset.Lookup(charsetName)
	if err != nil {
		return Payload{}, err
	}
	data, err := cs.Encode(text)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Data: data, Charset: cs.Name()}, nil
}

// Len returns the payload size in bytes.
func (p Payload) Len() int { return len(p.Data) }

// Received is what a single bounded read produced.
type Received struct {
	// Data holds the raw bytes; it is never longer than the read buffer.
	Data []byte
	// Text is Data decoded with Charset.
	Text string
	// Charset names the decode charset, not necessarily the sender's.
	Charset string
	// Saturated is set when the read filled the whole buffer, in which
	// case the peer may have sent more than was captured.
	Saturated bool
}

// Len returns the number of bytes received.
func (r *Received) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Data)
}

func (r *Received) String() string {
	if r == nil {
		return ""
	}
	return r.Text
}
