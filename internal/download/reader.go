// Package download exposes the transport's inbound byte stream as a lazy,
// forward-only sequence of chunks. The stream is finite and not restartable;
// reading the object again requires a fresh GET.
package download

import (
	"errors"
	"fmt"
	"io"

	"github.com/tablestream/s3pipe/internal/monitoring"
)

// DefaultChunkSize is the granularity of NextChunk when the caller does not
// bring its own buffer.
const DefaultChunkSize = 64 * 1024

// ReadInterruptedError is returned when the stream breaks mid-read. The
// sequence terminates; whether the partial data is usable is the caller's
// decision.
type ReadInterruptedError struct {
	Err error
}

func (e *ReadInterruptedError) Error() string {
	return fmt.Sprintf("object read stream interrupted: %v", e.Err)
}

func (e *ReadInterruptedError) Unwrap() error { return e.Err }

// Reader wraps the store's byte-stream handle. It buffers nothing beyond the
// chunk currently being handed out.
type Reader struct {
	rc        io.ReadCloser
	chunk     []byte
	exhausted bool
}

// NewReader wraps an open object stream.
func NewReader(rc io.ReadCloser) *Reader {
	return &Reader{
		rc:    rc,
		chunk: make([]byte, DefaultChunkSize),
	}
}

// Read implements io.Reader. Stream failures other than EOF surface as
// ReadInterruptedError.
func (r *Reader) Read(p []byte) (int, error) {
	if r.exhausted {
		return 0, io.EOF
	}
	n, err := r.rc.Read(p)
	if n > 0 {
		monitoring.BytesRead.Add(float64(n))
	}
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		r.exhausted = true
		return n, io.EOF
	default:
		r.exhausted = true
		return n, &ReadInterruptedError{Err: err}
	}
}

// NextChunk returns the next chunk of the stream, or nil once the stream is
// exhausted. The returned slice is only valid until the next call.
func (r *Reader) NextChunk() ([]byte, error) {
	if r.exhausted {
		return nil, nil
	}
	n, err := r.Read(r.chunk)
	if err != nil && !errors.Is(err, io.EOF) {
		// Hand back whatever arrived before the break alongside the error.
		return r.chunk[:n], err
	}
	if n > 0 {
		return r.chunk[:n], nil
	}
	return nil, nil
}

// Close releases the underlying stream.
func (r *Reader) Close() error {
	r.exhausted = true
	return r.rc.Close()
}
