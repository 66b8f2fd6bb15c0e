package engine

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/edgelink/gwsock/internal/poller"
	"github.com/edgelink/gwsock/internal/status"
)

// asyncOp is the reusable placeholder for one outstanding operation flavor
// on a socket. The embedded poller.Operation is the overlapped handle: it
// must stay the first field so a completion always maps back to its op.
//
// The pending counter is the op's whole synchronization story: it is
// positive while the OS owns the op or while a begin/complete chain is
// executing, and only the holder of a count may touch the op-scoped state
// below it. drive enters the begin loop only by winning the 0→1 transition;
// the completion callback enters holding the count it takes on entry.
type asyncOp struct {
	op   poller.Operation
	sock *Socket

	pending atomic.Int32

	begin    func(*asyncOp) bool
	complete func(*asyncOp, status.Code, int, uint32)

	// Shutdown silence: a silenced direction stops soliciting begin events
	// but still settles whatever is in flight.
	silenced atomic.Bool

	// Operation-scoped state, valid between begin and complete.
	buf          []byte
	raddr        unix.Sockaddr // sendto destination / recvfrom source
	opCtx        any
	acceptClient Client
	acceptedFD   int
	connectBegan bool
}

// clear resets the op-scoped state after a completion has been dispatched.
func (op *asyncOp) clear() {
	op.buf = nil
	op.raddr = nil
	op.opCtx = nil
	op.acceptClient = nil
	op.acceptedFD = -1
	op.connectBegan = false
}

// drive runs the begin loop if the op is quiescent. Winning the CAS stands
// in for "pending is zero and we now own the loop"; losing it means either
// an OS call is outstanding or another thread is already driving, and in
// both cases that thread continues the chain.
func (op *asyncOp) drive() {
	if !op.pending.CompareAndSwap(0, 1) {
		return
	}
	for op.begin(op) {
	}
	if op.pending.Add(-1) == 0 {
		op.sock.closeCheck()
	}
}

// onCompletion is the single entry point from the completion port. It takes
// a count for the duration of the chain, settles the finished operation,
// then re-drives the begin loop so the next operation starts strictly after
// this one's end event.
func (op *asyncOp) onCompletion(code status.Code, n int, flags uint32) {
	op.pending.Add(1)
	op.complete(op, code, n, flags)
	for op.begin(op) {
	}
	if op.pending.Add(-1) == 0 {
		op.sock.closeCheck()
	}
}

// solicit reports whether the op should ask the client for more work.
// A closing socket and a silenced direction both stop solicitation; closing
// additionally nudges closeCheck, which is the close shim's entire job.
func (op *asyncOp) solicit() bool {
	if op.sock.closing.Load() {
		op.sock.closeCheck()
		return false
	}
	return !op.silenced.Load()
}

// submit hands the op to the completion port, holding a pending count for
// the outstanding OS call. On synchronous submit failure it completes the
// op locally with the translated code; the true return (loop again) only
// applies when that local completion was ok, which a failed submit never is.
func (op *asyncOp) submit() bool {
	op.pending.Add(1)
	op.op.FD = op.sock.fd()
	if code := op.sock.port.Submit(&op.op); code != status.OK {
		op.complete(op, code, 0, 0)
		return code == status.OK
	}
	return false
}

// ---------------------------------------------------------------------------
// Begin flavors
// ---------------------------------------------------------------------------

// beginNop never solicits work. Installed on the send slot of listeners and
// on the open op outside the connect cascade.
func beginNop(op *asyncOp) bool {
	if op.sock.closing.Load() {
		op.sock.closeCheck()
	}
	return false
}

// beginSend solicits one buffer and submits a send (or sendto, when the
// client supplied a destination address on a message-oriented socket).
func beginSend(op *asyncOp) bool {
	if !op.solicit() {
		return false
	}
	ev := Event{Kind: EventBeginSend}
	op.sock.client.OnEvent(&ev)
	if ev.Buf == nil {
		return false
	}
	op.buf = ev.Buf
	op.opCtx = ev.OpCtx
	op.raddr = nil
	if ev.Addr != nil {
		sa, _, err := toSockaddr(ev.Addr)
		if err != nil {
			op.pending.Add(1)
			op.complete(op, status.Fault, 0, 0)
			return false
		}
		op.raddr = sa
	}
	return op.submit()
}

// beginRecv solicits one buffer and submits a receive.
func beginRecv(op *asyncOp) bool {
	if !op.solicit() {
		return false
	}
	ev := Event{Kind: EventBeginRecv}
	op.sock.client.OnEvent(&ev)
	if ev.Buf == nil {
		return false
	}
	op.buf = ev.Buf
	op.opCtx = ev.OpCtx
	op.raddr = nil
	return op.submit()
}

// beginAccept solicits the client surface for the next accepted socket and
// submits an accept.
func beginAccept(op *asyncOp) bool {
	if !op.solicit() {
		return false
	}
	ev := Event{Kind: EventBeginAccept}
	op.sock.client.OnEvent(&ev)
	if ev.AcceptClient == nil {
		return false
	}
	op.acceptClient = ev.AcceptClient
	op.opCtx = ev.OpCtx
	op.acceptedFD = -1
	return op.submit()
}

// ---------------------------------------------------------------------------
// Complete flavors
// ---------------------------------------------------------------------------

// releasePending drops the count taken at begin time and joins teardown when
// it was the last one.
func (op *asyncOp) releasePending() {
	if op.pending.Add(-1) == 0 {
		op.sock.closeCheck()
	}
}

// completeSend settles send and sendto.
func completeSend(op *asyncOp, code status.Code, n int, _ uint32) {
	ev := Event{
		Kind:   EventEndSend,
		Status: code,
		Buf:    op.buf,
		N:      n,
		OpCtx:  op.opCtx,
	}
	op.clear()
	op.sock.client.OnEvent(&ev)
	op.releasePending()
}

// completeRecv settles recv on connection-oriented sockets.
func completeRecv(op *asyncOp, code status.Code, n int, flags uint32) {
	ev := Event{
		Kind:   EventEndRecv,
		Status: code,
		Buf:    op.buf,
		N:      n,
		Flags:  fromOSMsgFlags(flags),
		OpCtx:  op.opCtx,
	}
	op.clear()
	op.sock.client.OnEvent(&ev)
	op.releasePending()
}

// completeRecvFrom settles recvfrom: as recv, plus the translated source
// address (nil on failure or when the OS reported none).
func completeRecvFrom(op *asyncOp, code status.Code, n int, flags uint32) {
	var addr *AddressSpec
	if code == status.OK && op.raddr != nil {
		addr = fromSockaddr(op.raddr)
	}
	ev := Event{
		Kind:   EventEndRecv,
		Status: code,
		Buf:    op.buf,
		N:      n,
		Addr:   addr,
		Flags:  fromOSMsgFlags(flags),
		OpCtx:  op.opCtx,
	}
	op.clear()
	op.sock.client.OnEvent(&ev)
	op.releasePending()
}

// completeAccept settles accept: on success the new descriptor becomes a
// fully wired Socket handed to the listener's client; on failure the
// descriptor is closed and the error is still delivered.
func completeAccept(op *asyncOp, code status.Code, _ int, _ uint32) {
	var accepted *Socket
	if code == status.OK {
		accepted, code = op.sock.adoptAccepted(op.acceptClient, op.acceptedFD, op.raddr)
	} else if op.acceptedFD >= 0 {
		unix.Close(op.acceptedFD)
	}
	ev := Event{
		Kind:     EventEndAccept,
		Status:   code,
		Accepted: accepted,
		OpCtx:    op.opCtx,
	}
	op.clear()
	op.sock.client.OnEvent(&ev)
	op.releasePending()
}

// ---------------------------------------------------------------------------
// Attempt closures (run on poller workers)
// ---------------------------------------------------------------------------

func (op *asyncOp) attemptSend() (int, uint32, error) {
	n, err := unix.SendmsgN(op.op.FD, op.buf, nil, op.raddr, unix.MSG_NOSIGNAL)
	return n, 0, err
}

func (op *asyncOp) attemptRecv() (int, uint32, error) {
	n, _, recvflags, from, err := unix.Recvmsg(op.op.FD, op.buf, nil, 0)
	if err == nil {
		op.raddr = from
	}
	return n, uint32(recvflags), err
}

func (op *asyncOp) attemptAccept() (int, uint32, error) {
	nfd, sa, err := unix.Accept4(op.op.FD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return 0, 0, err
	}
	op.acceptedFD = nfd
	op.raddr = sa
	return 0, 0, nil
}

func (op *asyncOp) attemptConnect() (int, uint32, error) {
	if !op.connectBegan {
		op.connectBegan = true
		err := unix.Connect(op.op.FD, op.raddr)
		if err == unix.EINTR {
			// The kernel continues the connect; wait for writability.
			err = unix.EINPROGRESS
		}
		return 0, 0, err
	}
	// Writable after EINPROGRESS: the result is in SO_ERROR.
	soerr, err := unix.GetsockoptInt(op.op.FD, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return 0, 0, err
	}
	if soerr != 0 {
		return 0, 0, unix.Errno(soerr)
	}
	return 0, 0, nil
}
