package frame

import (
	"io"
	"sync"
)

const maxPooledBuffer = 64 * 1024

// Buffer pool for encoding requests
var bufferPool = sync.Pool{
	New: func() any {
		// Typical request is header plus a short key, allocate 256 bytes
		b := make([]byte, 0, 256)
		return &b
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(b *[]byte) {
	if cap(*b) > maxPooledBuffer {
		return
	}
	*b = (*b)[:0]
	bufferPool.Put(b)
}

// WriteRequest encodes req and writes it to w in a single Write call, so a
// frame is never interleaved with another writer's bytes.
// Write failures are returned as *ConnectionError.
func WriteRequest(w io.Writer, req *Request) error {
	bp := getBuffer()
	defer putBuffer(bp)

	buf, err := AppendRequest((*bp)[:0], req)
	if err != nil {
		return err
	}
	*bp = buf

	if _, err := w.Write(buf); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// WriteResponse is the response counterpart of WriteRequest.
func WriteResponse(w io.Writer, f *Frame) error {
	bp := getBuffer()
	defer putBuffer(bp)

	buf, err := AppendResponse((*bp)[:0], f)
	if err != nil {
		return err
	}
	*bp = buf

	if _, err := w.Write(buf); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}
