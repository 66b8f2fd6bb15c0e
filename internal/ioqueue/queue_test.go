package ioqueue

import (
	"bytes"
	"sync"
	"testing"

	"github.com/edgelink/gwsock/internal/bufpool"
	"github.com/edgelink/gwsock/internal/status"
)

func newTestQueue() *Queue {
	return New(bufpool.New())
}

func TestWriteReadRoundTrip(t *testing.T) {
	q := newTestQueue()
	data := []byte("hello, gateway")

	b, err := q.CreateBuffer(nil, 64)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	if n := b.Write(data); n != len(data) {
		t.Fatalf("Write = %d, want %d", n, len(data))
	}
	if b.Written() != len(data) {
		t.Fatalf("Written = %d, want %d", b.Written(), len(data))
	}

	out := make([]byte, 64)
	n := b.Read(out)
	if n != len(data) || !bytes.Equal(out[:n], data) {
		t.Fatalf("Read = %q (%d bytes), want %q", out[:n], n, data)
	}
	q.Release(b)
}

func TestCreateBufferWithPayload(t *testing.T) {
	q := newTestQueue()
	b, err := q.CreateBuffer([]byte("abc"), 8)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	if got := b.Unread(); !bytes.Equal(got, []byte("abc")) {
		t.Fatalf("Unread = %q, want %q", got, "abc")
	}
	q.Release(b)
}

func TestCreateBufferBadArgs(t *testing.T) {
	q := newTestQueue()
	if _, err := q.CreateBuffer([]byte("too long"), 2); err != status.Fault {
		t.Fatalf("oversized payload: err = %v, want fault", err)
	}
	if _, err := q.CreateBuffer(nil, -1); err != status.Fault {
		t.Fatalf("negative size: err = %v, want fault", err)
	}
}

func TestZeroLengthWrite(t *testing.T) {
	q := newTestQueue()
	b, _ := q.CreateBuffer(nil, 16)
	if n := b.Write(nil); n != 0 {
		t.Fatalf("zero-length write = %d, want 0", n)
	}
	if b.Written() != 0 {
		t.Fatalf("offsets moved on zero-length write")
	}
	q.Release(b)
}

func TestWritePastCapacityClamps(t *testing.T) {
	q := newTestQueue()
	b, _ := q.CreateBuffer(nil, 4)
	n := b.Write([]byte("abcdefgh"))
	if n != 4 {
		t.Fatalf("clamped write = %d, want 4", n)
	}
	if got := b.Unread(); !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("Unread = %q, want %q", got, "abcd")
	}
	// A second write has nowhere to go.
	if n := b.Write([]byte("x")); n != 0 {
		t.Fatalf("write into full buffer = %d, want 0", n)
	}
	q.Release(b)
}

func TestSetReadyPopReady(t *testing.T) {
	q := newTestQueue()
	b, _ := q.CreateBuffer([]byte("x"), 1)
	q.SetReady(b)
	if !q.HasReady() {
		t.Fatal("HasReady = false after SetReady")
	}
	if got := q.PopReady(); got != b {
		t.Fatalf("PopReady returned %p, want %p", got, b)
	}
	if q.HasReady() {
		t.Fatal("HasReady = true after pop")
	}
	q.Release(b)
}

func TestPopEmptyLists(t *testing.T) {
	q := newTestQueue()
	if q.PopReady() != nil || q.PopInProgress() != nil || q.PopDone() != nil {
		t.Fatal("pop on empty list should return nil")
	}
}

func TestTransitions(t *testing.T) {
	q := newTestQueue()
	b, _ := q.CreateBuffer([]byte("x"), 1)

	q.SetReady(b)
	q.SetInProgress(b)
	if q.HasReady() || !q.HasInProgress() {
		t.Fatal("buffer should have moved ready → in-progress")
	}
	q.SetDone(b)
	if q.HasInProgress() || !q.HasDone() {
		t.Fatal("buffer should have moved in-progress → done")
	}
	if got := q.PopDone(); got != b {
		t.Fatal("PopDone should return the transitioned buffer")
	}
	q.Release(b)
}

func TestRollbackPreservesOrder(t *testing.T) {
	q := newTestQueue()
	b1, _ := q.CreateBuffer([]byte("1"), 1)
	b2, _ := q.CreateBuffer([]byte("2"), 1)
	b3, _ := q.CreateBuffer([]byte("3"), 1)

	for _, b := range []*Buffer{b1, b2, b3} {
		q.SetReady(b)
	}
	for _, b := range []*Buffer{b1, b2, b3} {
		q.SetInProgress(b)
	}

	q.Rollback()

	if q.HasInProgress() {
		t.Fatal("in-progress should be empty after rollback")
	}
	for i, want := range []*Buffer{b1, b2, b3} {
		if got := q.PopReady(); got != want {
			t.Fatalf("ready[%d] = %p, want %p", i, got, want)
		}
	}
}

func TestRollbackPrependsToReady(t *testing.T) {
	q := newTestQueue()
	waiting, _ := q.CreateBuffer([]byte("w"), 1)
	inflight, _ := q.CreateBuffer([]byte("f"), 1)

	q.SetReady(inflight)
	q.SetInProgress(inflight)
	q.SetReady(waiting)

	q.Rollback()

	if got := q.PopReady(); got != inflight {
		t.Fatal("rolled-back buffer should precede buffers already in ready")
	}
	if got := q.PopReady(); got != waiting {
		t.Fatal("pre-existing ready buffer lost its place")
	}
}

func TestAbortFiresOnceAndKeepsBuffers(t *testing.T) {
	q := newTestQueue()
	b, _ := q.CreateBuffer([]byte("x"), 1)
	q.SetInProgress(b)

	var mu sync.Mutex
	var calls []status.Code
	b.SetAbort(func(_ any, code status.Code) {
		mu.Lock()
		calls = append(calls, code)
		mu.Unlock()
	}, nil)

	q.Abort()
	q.Abort() // one-shot: second pass finds the callback gone

	mu.Lock()
	if len(calls) != 1 || calls[0] != status.Aborted {
		t.Fatalf("abort calls = %v, want exactly one aborted", calls)
	}
	mu.Unlock()

	if got := q.PopInProgress(); got != b {
		t.Fatal("abort must not remove buffers from their lists")
	}
	q.Release(b)
}

func TestReleaseFiresPendingAbort(t *testing.T) {
	q := newTestQueue()
	b, _ := q.CreateBuffer([]byte("x"), 1)
	q.SetReady(b)

	fired := 0
	b.SetAbort(func(_ any, _ status.Code) { fired++ }, nil)
	q.Release(b)

	if fired != 1 {
		t.Fatalf("release fired abort %d times, want 1", fired)
	}
	if q.HasReady() {
		t.Fatal("released buffer left in ready list")
	}
}

func TestAbortThenReleaseDoesNotRefire(t *testing.T) {
	q := newTestQueue()
	b, _ := q.CreateBuffer([]byte("x"), 1)
	q.SetDone(b)

	fired := 0
	b.SetAbort(func(_ any, _ status.Code) { fired++ }, nil)
	q.Abort()
	q.Release(b)

	if fired != 1 {
		t.Fatalf("callback fired %d times across abort+release, want 1", fired)
	}
}

func TestReleaseAll(t *testing.T) {
	q := newTestQueue()
	b1, _ := q.CreateBuffer([]byte("1"), 1)
	b2, _ := q.CreateBuffer([]byte("2"), 1)
	b3, _ := q.CreateBuffer([]byte("3"), 1)
	q.SetReady(b1)
	q.SetInProgress(b2)
	q.SetDone(b3)

	q.ReleaseAll()

	if q.HasReady() || q.HasInProgress() || q.HasDone() {
		t.Fatal("ReleaseAll left buffers behind")
	}
}

func TestConcurrentTransitions(t *testing.T) {
	q := newTestQueue()
	const n = 64

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := q.CreateBuffer([]byte("p"), 8)
			if err != nil {
				t.Errorf("CreateBuffer: %v", err)
				return
			}
			q.SetReady(b)
			q.SetInProgress(b)
			q.SetDone(b)
		}()
	}
	wg.Wait()

	count := 0
	for q.PopDone() != nil {
		count++
	}
	if count != n {
		t.Fatalf("done list held %d buffers, want %d", count, n)
	}
}
