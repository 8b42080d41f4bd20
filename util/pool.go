package util

import "sync"

// DefaultBufSize is the size of the single bounded read every client
// exchange performs (4 KiB).
const DefaultBufSize = 4 * 1024

// BufPool provides reusable read buffers, reducing GC pressure for
// clients that run many short exchanges.
var BufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// GetBuf retrieves a buffer from the pool.  Callers must return it
// with [PutBuf] when finished.
func GetBuf() *[]byte {
	return BufPool.Get().(*[]byte)
}

// PutBuf returns a buffer to the pool for reuse.
func PutBuf(buf *[]byte) {
	if buf == nil || len(*buf) != DefaultBufSize {
		return
	}
	BufPool.Put(buf)
}
