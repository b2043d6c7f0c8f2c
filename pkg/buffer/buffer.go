// Package buffer spools byte payloads that may outgrow memory: writes stay
// in an in-memory buffer up to a threshold, then the whole payload moves to
// a temporary file. The Wire Codec uses it to hold unframed response bodies
// whose size is unknown until the origin closes the connection.
package buffer

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/nullwire/interceptproxy/pkg/errors"
)

// DefaultMemoryLimit is the in-memory threshold before a payload spills to
// disk.
const DefaultMemoryLimit = 4 * 1024 * 1024

// Buffer accumulates a payload in memory, spilling to a temp file once past
// its limit. Safe for concurrent use; Close is idempotent.
type Buffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	file   *os.File
	path   string
	size   int64
	limit  int64
	closed bool
}

// New returns an empty Buffer with the given spill threshold; limit <= 0
// uses DefaultMemoryLimit.
func New(limit int64) *Buffer {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Buffer{limit: limit}
}

// Write appends p, moving the accumulated payload to a temp file the first
// time the threshold is crossed.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.NewIOError("buffer is closed", nil)
	}

	b.size += int64(len(p))

	if b.file == nil && int64(b.buf.Len()+len(p)) <= b.limit {
		return b.buf.Write(p)
	}

	if b.file == nil {
		tmp, err := os.CreateTemp("", "interceptproxy-spool-*.tmp")
		if err != nil {
			return 0, errors.NewIOError("creating spool file", err)
		}
		// Record the file before writing so Close can always clean it up.
		b.file = tmp
		b.path = tmp.Name()

		if b.buf.Len() > 0 {
			if _, err := tmp.Write(b.buf.Bytes()); err != nil {
				b.closeLocked()
				return 0, errors.NewIOError("spilling to spool file", err)
			}
		}
		b.buf.Reset()
	}

	n, err := b.file.Write(p)
	if err != nil {
		return n, errors.NewIOError("writing spool file", err)
	}
	return n, nil
}

// Bytes returns the payload when it is still in memory, nil once spilled.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		return nil
	}
	return b.buf.Bytes()
}

// Path returns the spool file's path, empty while the payload is in memory.
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Size returns the total number of bytes written.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsSpilled reports whether the payload has moved to disk.
func (b *Buffer) IsSpilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file != nil
}

// Reader returns a fresh reader over the whole payload, wherever it lives.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewIOError("buffer is closed", nil)
	}

	if b.file != nil {
		if err := b.file.Sync(); err != nil {
			return nil, errors.NewIOError("syncing spool file", err)
		}
		f, err := os.Open(b.path)
		if err != nil {
			return nil, errors.NewIOError("reopening spool file", err)
		}
		return f, nil
	}

	return io.NopCloser(bytes.NewReader(b.buf.Bytes())), nil
}

// Close releases the spool file, if any, and removes it. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *Buffer) closeLocked() error {
	if b.closed {
		return nil
	}
	b.closed = true

	if b.file != nil {
		err := b.file.Close()
		if removeErr := os.Remove(b.path); removeErr != nil && err == nil {
			err = removeErr
		}
		b.file = nil
		b.path = ""
		if err != nil {
			return errors.NewIOError("closing spool file", err)
		}
	}
	return nil
}

// Reset discards the payload (removing any spool file) and readies the
// Buffer for reuse.
func (b *Buffer) Reset() error {
	if err := b.Close(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	b.size = 0
	b.closed = false
	return nil
}
