// Package ioqueue implements the tri-state buffer queue the message pump uses
// to serialize payloads flowing through a socket. Every buffer is in exactly
// one of three lists — ready, in-progress, done — or detached while the
// caller holds it. All list transitions happen under a single per-queue lock.
package ioqueue

import (
	"container/list"
	"sync"

	"github.com/edgelink/gwsock/internal/bufpool"
	"github.com/edgelink/gwsock/internal/status"
)

// Queue is a thread-safe tri-state queue of Buffers. Payload memory comes
// from the shared factory passed at construction.
type Queue struct {
	mu      sync.Mutex
	ready   *list.List
	inprog  *list.List
	done    *list.List
	factory *bufpool.Pool
}

// New creates an empty queue drawing payload memory from factory.
func New(factory *bufpool.Pool) *Queue {
	return &Queue{
		ready:   list.New(),
		inprog:  list.New(),
		done:    list.New(),
		factory: factory,
	}
}

// CreateBuffer allocates a buffer with the given payload capacity and copies
// the optional initial payload into it. The buffer starts detached from all
// lists.
func (q *Queue) CreateBuffer(payload []byte, size int) (*Buffer, error) {
	if size < 0 || len(payload) > size {
		return nil, status.Fault
	}
	data := q.factory.Get(size)
	if data == nil && size > 0 {
		return nil, status.OutOfMemory
	}
	b := &Buffer{q: q, data: data}
	b.Write(payload)
	return b, nil
}

// detachLocked removes b from whichever list currently holds it.
func (q *Queue) detachLocked(b *Buffer) {
	if b.cur != nil {
		b.cur.Remove(b.elem)
		b.cur, b.elem = nil, nil
	}
}

// moveTail detaches b and appends it to the tail of dst.
func (q *Queue) moveTail(b *Buffer, dst *list.List) {
	q.mu.Lock()
	q.detachLocked(b)
	b.elem = dst.PushBack(b)
	b.cur = dst
	q.mu.Unlock()
}

// SetReady moves b to the tail of the ready list.
func (q *Queue) SetReady(b *Buffer) { q.moveTail(b, q.ready) }

// SetInProgress moves b to the tail of the in-progress list.
func (q *Queue) SetInProgress(b *Buffer) { q.moveTail(b, q.inprog) }

// SetDone moves b to the tail of the done list.
func (q *Queue) SetDone(b *Buffer) { q.moveTail(b, q.done) }

// pop removes and returns the head of l, or nil when l is empty. The
// returned buffer is detached.
func (q *Queue) pop(l *list.List) *Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := l.Front()
	if front == nil {
		return nil
	}
	b := front.Value.(*Buffer)
	q.detachLocked(b)
	return b
}

// PopReady removes and returns the oldest ready buffer, or nil.
func (q *Queue) PopReady() *Buffer { return q.pop(q.ready) }

// PopInProgress removes and returns the oldest in-progress buffer, or nil.
func (q *Queue) PopInProgress() *Buffer { return q.pop(q.inprog) }

// PopDone removes and returns the oldest done buffer, or nil.
func (q *Queue) PopDone() *Buffer { return q.pop(q.done) }

// HasReady reports whether the ready list is non-empty.
func (q *Queue) HasReady() bool { return q.peek(q.ready) }

// HasInProgress reports whether the in-progress list is non-empty.
func (q *Queue) HasInProgress() bool { return q.peek(q.inprog) }

// HasDone reports whether the done list is non-empty.
func (q *Queue) HasDone() bool { return q.peek(q.done) }

func (q *Queue) peek(l *list.List) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return l.Len() > 0
}

// Release detaches b from its list, fires the abort callback if it has not
// fired yet, and returns the payload memory to the factory. The buffer must
// not be used afterwards.
func (q *Queue) Release(b *Buffer) {
	q.mu.Lock()
	q.detachLocked(b)
	cb := b.fireAbort(status.Aborted)
	data := b.data
	b.data = nil
	q.mu.Unlock()

	if cb != nil {
		cb()
	}
	if data != nil {
		q.factory.Put(data)
	}
}

// ReleaseAll releases every buffer in all three lists.
func (q *Queue) ReleaseAll() {
	for {
		b := q.PopReady()
		if b == nil {
			b = q.PopInProgress()
		}
		if b == nil {
			b = q.PopDone()
		}
		if b == nil {
			return
		}
		q.Release(b)
	}
}

// Rollback moves every in-progress buffer to the head of the ready list,
// preserving their relative order. Used when a batch handed to an external
// worker has to be retried as a unit: after Rollback the in-progress list is
// empty and the batch sits in front of anything still waiting in ready.
func (q *Queue) Rollback() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.inprog.Back(); e != nil; e = q.inprog.Back() {
		b := e.Value.(*Buffer)
		q.inprog.Remove(e)
		b.elem = q.ready.PushFront(b)
		b.cur = q.ready
	}
}

// Abort fires the abort callback of every buffer in all three lists with
// status.Aborted. The buffers remain in their lists; Abort severs user
// callbacks without freeing memory, and Release remains the caller's job.
func (q *Queue) Abort() {
	q.mu.Lock()
	var cbs []func()
	for _, l := range []*list.List{q.ready, q.inprog, q.done} {
		for e := l.Front(); e != nil; e = e.Next() {
			if cb := e.Value.(*Buffer).fireAbort(status.Aborted); cb != nil {
				cbs = append(cbs, cb)
			}
		}
	}
	q.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}
