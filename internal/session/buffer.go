package session

import (
	"context"
	"sync"
)

// outputBuffer accumulates shell output from the PTY reader goroutine and
// lets scanners wait for growth. The buffer is append-only until the PTY
// closes.
type outputBuffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
	notify chan struct{}
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{notify: make(chan struct{})}
}

func (b *outputBuffer) append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.data = append(b.data, p...)
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
}

// closeBuffer marks the stream finished (shell exited or PTY torn down) and
// wakes all waiters.
func (b *outputBuffer) closeBuffer() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.notify)
		b.notify = make(chan struct{})
	}
	b.mu.Unlock()
}

// snapshot returns the bytes appended since off, the new length, and whether
// the stream has finished.
func (b *outputBuffer) snapshot(off int) ([]byte, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off > len(b.data) {
		off = len(b.data)
	}
	chunk := append([]byte(nil), b.data[off:]...)
	return chunk, len(b.data), b.closed
}

// len returns the current total length.
func (b *outputBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// wait blocks until the buffer grows past off, closes, or ctx expires. Data
// appended between the caller's snapshot and this call returns immediately:
// the length check and the channel grab happen under the same lock.
func (b *outputBuffer) wait(ctx context.Context, off int) error {
	b.mu.Lock()
	if len(b.data) > off || b.closed {
		b.mu.Unlock()
		return nil
	}
	ch := b.notify
	b.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
