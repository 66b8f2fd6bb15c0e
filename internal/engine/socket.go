package engine

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/edgelink/gwsock/internal/poller"
	"github.com/edgelink/gwsock/internal/status"
)

// Socket is one remote-driven socket on the gateway. It owns three asyncOps
// (open, send, recv), the descriptor, and the cached local/peer addresses.
// All its operations are asynchronous: outcomes arrive through the Client's
// OnEvent, on poller worker goroutines or, when an outcome is settled without
// an OS operation (a synchronous bind, a close with nothing pending), on the
// caller's goroutine.
type Socket struct {
	client   Client
	props    *Properties
	port     *poller.Poller
	resolver Resolver

	fdv atomic.Int32

	closing   atomic.Bool
	closeDone atomic.Bool

	mu       sync.Mutex // guards local, peer, openCtx, closeCtx
	local    *AddressSpec
	peer     *AddressSpec
	openCtx  any
	closeCtx any

	// Owned by the open cascade between Open and the opened event.
	addrs  []AddressSpec
	cursor int

	openOp asyncOp
	sendOp asyncOp
	recvOp asyncOp
}

// New creates a socket bound to the given client. The operation flavors are
// fixed here from the client's properties: message-oriented sockets get
// sendto/recvfrom, passive stream sockets get accept with a silent send
// side, active stream sockets get plain send/recv. The descriptor stays
// invalid until Open.
func New(port *poller.Poller, resolver Resolver, client Client) (*Socket, error) {
	if port == nil || client == nil {
		return nil, status.Fault
	}
	props := client.Properties()
	if props == nil {
		return nil, status.Fault
	}
	s := &Socket{
		client:   client,
		props:    props,
		port:     port,
		resolver: resolver,
	}
	s.fdv.Store(-1)

	for _, op := range []*asyncOp{&s.openOp, &s.sendOp, &s.recvOp} {
		op.sock = s
		op.acceptedFD = -1
		op.op.Complete = op.onCompletion
	}

	s.openOp.begin = beginNop
	s.openOp.complete = completeConnect
	s.openOp.op.Dir = poller.Out
	s.openOp.op.Attempt = s.openOp.attemptConnect

	switch {
	case !props.streamLike():
		// dgram / raw / rdm: message-oriented, address per message.
		s.sendOp.begin = beginSend
		s.sendOp.complete = completeSend
		s.sendOp.op.Dir = poller.Out
		s.sendOp.op.Attempt = s.sendOp.attemptSend
		s.recvOp.begin = beginRecv
		s.recvOp.complete = completeRecvFrom
		s.recvOp.op.Dir = poller.In
		s.recvOp.op.Attempt = s.recvOp.attemptRecv
	case props.passive():
		// Listener: accepts on the recv slot, never sends.
		s.sendOp.begin = beginNop
		s.sendOp.complete = completeSend
		s.recvOp.begin = beginAccept
		s.recvOp.complete = completeAccept
		s.recvOp.op.Dir = poller.In
		s.recvOp.op.Attempt = s.recvOp.attemptAccept
	default:
		s.sendOp.begin = beginSend
		s.sendOp.complete = completeSend
		s.sendOp.op.Dir = poller.Out
		s.sendOp.op.Attempt = s.sendOp.attemptSend
		s.recvOp.begin = beginRecv
		s.recvOp.complete = completeRecv
		s.recvOp.op.Dir = poller.In
		s.recvOp.op.Attempt = s.recvOp.attemptRecv
	}
	return s, nil
}

func (s *Socket) fd() int      { return int(s.fdv.Load()) }
func (s *Socket) setFD(fd int) { s.fdv.Store(int32(fd)) }

// Properties returns the socket description.
func (s *Socket) Properties() *Properties { return s.props }

// LocalAddr returns the cached local address, available after opened.
func (s *Socket) LocalAddr() *AddressSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// PeerAddr returns the cached peer address, available after a successful
// connect or accept.
func (s *Socket) PeerAddr() *AddressSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// CanSend signals that the client has buffers to hand over on the send
// side. With ready true it drives the send op; false is a no-op.
func (s *Socket) CanSend(ready bool) error {
	if !ready {
		return nil
	}
	if s.closing.Load() || s.fd() < 0 {
		return status.Closed
	}
	s.sendOp.drive()
	return nil
}

// CanRecv signals readiness on the receive side (accepts, for a listener).
func (s *Socket) CanRecv(ready bool) error {
	if !ready {
		return nil
	}
	if s.closing.Load() || s.fd() < 0 {
		return status.Closed
	}
	s.recvOp.drive()
	return nil
}

// Close begins teardown. Solicitation stops on all three ops, outstanding
// OS operations are cancelled, and once every pending count has settled the
// descriptor is closed and exactly one closed event fires with opCtx.
func (s *Socket) Close(opCtx any) error {
	if !s.closing.CompareAndSwap(false, true) {
		return status.Closed
	}
	s.mu.Lock()
	s.closeCtx = opCtx
	s.mu.Unlock()

	if fd := s.fd(); fd >= 0 {
		s.port.Cancel(fd)
	}
	s.closeCheck()
	return nil
}

// closeCheck completes teardown iff close was requested and all three ops
// are quiescent. The CAS makes the closed event fire exactly once no matter
// how many settling ops race through here.
func (s *Socket) closeCheck() {
	if !s.closing.Load() {
		return
	}
	if s.openOp.pending.Load() != 0 ||
		s.sendOp.pending.Load() != 0 ||
		s.recvOp.pending.Load() != 0 {
		return
	}
	if !s.closeDone.CompareAndSwap(false, true) {
		return
	}
	if fd := s.fd(); fd >= 0 {
		s.setFD(-1)
		unix.Close(fd)
	}
	s.mu.Lock()
	ctx := s.closeCtx
	s.closeCtx = nil
	s.mu.Unlock()

	ev := Event{Kind: EventClosed, Status: status.OK, OpCtx: ctx}
	s.client.OnEvent(&ev)
}

// adoptAccepted wires a freshly accepted descriptor into a new Socket bound
// to the client the listener supplied at begin-accept. The accepted
// client's properties are rewritten with the actual family and peer
// endpoint before the socket is handed up.
func (s *Socket) adoptAccepted(client Client, nfd int, peerSA unix.Sockaddr) (*Socket, status.Code) {
	if client == nil || nfd < 0 {
		if nfd >= 0 {
			unix.Close(nfd)
		}
		return nil, status.Fault
	}
	a, err := New(s.port, s.resolver, client)
	if err != nil {
		unix.Close(nfd)
		return nil, status.FromErrno(err)
	}
	a.setFD(nfd)

	localSA, err := unix.Getsockname(nfd)
	if err != nil {
		a.setFD(-1)
		unix.Close(nfd)
		return nil, status.FromErrno(err)
	}
	a.mu.Lock()
	a.local = fromSockaddr(localSA)
	a.peer = fromSockaddr(peerSA)
	a.mu.Unlock()

	props := a.props
	if a.peer != nil {
		props.Addr = *a.peer
		if a.peer.Kind == AddrInet6 {
			props.Family = FamilyInet6
		} else {
			props.Family = FamilyInet4
		}
	}
	return a, status.OK
}

// cacheNames queries and caches the descriptor's local and peer names.
func (s *Socket) cacheNames(withPeer bool) error {
	fd := s.fd()
	localSA, err := unix.Getsockname(fd)
	if err != nil {
		return err
	}
	var peer *AddressSpec
	if withPeer {
		peerSA, err := unix.Getpeername(fd)
		if err != nil {
			return err
		}
		peer = fromSockaddr(peerSA)
	}
	s.mu.Lock()
	s.local = fromSockaddr(localSA)
	if withPeer {
		s.peer = peer
	}
	s.mu.Unlock()
	return nil
}
