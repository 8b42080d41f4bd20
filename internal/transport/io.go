package transport

import (
	"context"
	"io"
	"net"
	"time"

	"socketkit/internal/charset"
	"socketkit/util"
)

// WriteFull writes all of data, retrying short writes until every byte
// is flushed or the writer fails.
func WriteFull(w io.Writer, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := w.Write(data[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// ReadOnce performs exactly one Read into a buffer of size bytes and
// decodes what arrived with cs.  It does not loop: whatever the peer
// sent beyond size bytes in that read is left unread, and a reply split
// across several segments is returned partially.
func ReadOnce(r io.Reader, size int, cs *charset.Charset) (*Received, error) {
	if size <= 0 {
		size = util.DefaultBufSize
	}
	if cs == nil {
		cs = charset.UTF8
	}

	var buf []byte
	if size == util.DefaultBufSize {
		p := util.GetBuf()
		defer util.PutBuf(p)
		buf = *p
	} else {
		buf = make([]byte, size)
	}

	n, err := r.Read(buf)
	if n == 0 && err != nil {
		return nil, err
	}

	data := make([]byte, n)
	copy(data, buf[:n])
	return &Received{
		Data:      data,
		Text:      cs.Decode(data),
		Charset:   cs.Name(),
		Saturated: n == size,
	}, nil
}

// InterruptOnCancel makes pending I/O on conn fail as soon as ctx is
// done by pulling its deadline into the past.  Call the returned stop
// function once the I/O is finished.
func InterruptOnCancel(ctx context.Context, conn net.Conn) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0)) //nolint:errcheck
	})
}
