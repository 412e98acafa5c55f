// Package chunkreader implements the finite chunk-stream reader the
// sender pulls file data from: a thin, buffered wrapper that yields blocks
// of at most config.DataSize bytes.
package chunkreader

import (
	"bufio"
	"io"
	"os"

	"dirsync/config"
)

// Reader reads a file as a sequence of chunks of at most config.DataSize
// bytes. A zero-length final chunk is valid: empty files still produce
// exactly one chunk.
type Reader struct {
	f        *os.File
	br       *bufio.Reader
	finished bool
}

// Open opens path for chunked reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{f: f, br: bufio.NewReaderSize(f, config.DataSize)}, nil
}

// Finished reports whether the final chunk has already been returned.
func (r *Reader) Finished() bool {
	return r.finished
}

// Next returns the next chunk (possibly empty) and whether the reader is
// exhausted. Calling Next after Finished returns (nil, true, nil) without
// touching the underlying file again.
func (r *Reader) Next() ([]byte, bool, error) {
	if r.finished {
		return nil, true, nil
	}

	buf := make([]byte, config.DataSize)
	n, err := io.ReadFull(r.br, buf)
	switch {
	case err == nil:
		// Got a full DataSize chunk; more may follow.
		return buf, false, nil
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		r.finished = true
		return buf[:n], true, nil
	default:
		r.finished = true
		return nil, true, err
	}
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}
