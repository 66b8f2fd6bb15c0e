package ioqueue

import (
	"container/list"

	"github.com/edgelink/gwsock/internal/status"
)

// AbortFunc is the one-shot callback attached to a Buffer. It fires at most
// once: either from Abort with status.Aborted, or from Release if it has not
// fired yet.
type AbortFunc func(ctx any, code status.Code)

// Buffer is one payload-carrying node of a Queue. It lives in exactly one of
// the queue's three lists, or is detached while a caller holds it between a
// pop and the next transition. The payload region is a pooled allocation
// owned by the queue's factory.
type Buffer struct {
	q    *Queue
	cur  *list.List    // list currently holding the node, nil when detached
	elem *list.Element // element within cur, nil when detached

	abort    AbortFunc
	abortCtx any

	// Result is set by the upper layer when the operation consuming this
	// buffer settles, before the buffer moves to the done list.
	Result status.Code

	data []byte
	roff int
	woff int
}

// Cap returns the payload capacity in bytes.
func (b *Buffer) Cap() int { return len(b.data) }

// Written returns the number of bytes written so far.
func (b *Buffer) Written() int { return b.woff }

// Unread returns the bytes written but not yet read.
func (b *Buffer) Unread() []byte { return b.data[b.roff:b.woff] }

// Free returns the unwritten tail of the payload region, for in-place fills
// (the receive path writes into it directly, then calls Advance).
func (b *Buffer) Free() []byte { return b.data[b.woff:] }

// Advance moves the write offset forward by n after an in-place fill.
// n is clamped to the remaining capacity.
func (b *Buffer) Advance(n int) {
	if n < 0 {
		return
	}
	if n > len(b.data)-b.woff {
		n = len(b.data) - b.woff
	}
	b.woff += n
}

// Write copies p into the payload region at the write offset, advancing it.
// Writes past capacity are clamped: the semantics are "copy as much as
// fits". Returns the number of bytes copied. A zero-length write succeeds
// trivially.
func (b *Buffer) Write(p []byte) int {
	n := copy(b.data[b.woff:], p)
	b.woff += n
	return n
}

// Skip advances the read offset by n without copying, clamped to the unread
// region. Used when bytes were consumed in place.
func (b *Buffer) Skip(n int) {
	if n < 0 {
		return
	}
	if n > b.woff-b.roff {
		n = b.woff - b.roff
	}
	b.roff += n
}

// Read copies up to len(p) unread bytes into p, advancing the read offset.
// Returns the number of bytes copied.
func (b *Buffer) Read(p []byte) int {
	n := copy(p, b.data[b.roff:b.woff])
	b.roff += n
	return n
}

// SetAbort attaches the abort callback and its context. Passing nil clears
// any previous attachment.
func (b *Buffer) SetAbort(fn AbortFunc, ctx any) {
	b.q.mu.Lock()
	b.abort = fn
	b.abortCtx = ctx
	b.q.mu.Unlock()
}

// fireAbort runs the abort callback if still attached, nulling it first so
// it can fire at most once. Caller holds the queue lock; the callback runs
// outside it.
func (b *Buffer) fireAbort(code status.Code) func() {
	fn, ctx := b.abort, b.abortCtx
	b.abort = nil
	b.abortCtx = nil
	if fn == nil {
		return nil
	}
	return func() { fn(ctx, code) }
}
