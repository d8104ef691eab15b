// Package collector captures bounded process output and assembles execution results.
package collector

import (
	"sync"
)

// BoundedBuffer keeps the first limit bytes written to it and drops the rest.
// Writes never fail, so a producer piping into it is drained until it exits.
type BoundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int64
	total     int64
	truncated bool
}

// NewBoundedBuffer creates a buffer holding at most limit bytes.
// A non-positive limit keeps nothing and flags any output as truncated.
func NewBoundedBuffer(limit int64) *BoundedBuffer {
	if limit < 0 {
		limit = 0
	}
	initial := limit
	if initial > 4096 {
		initial = 4096
	}
	return &BoundedBuffer{buf: make([]byte, 0, initial), limit: limit}
}

// Write implements io.Writer.
func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	room := b.limit - int64(len(b.buf))
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// String returns the retained bytes.
func (b *BoundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Len returns the number of retained bytes.
func (b *BoundedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Truncated reports whether any output was discarded.
func (b *BoundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Total returns the number of bytes offered, retained or not.
func (b *BoundedBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
