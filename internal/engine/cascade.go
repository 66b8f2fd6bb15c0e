package engine

import (
	"golang.org/x/sys/unix"

	"github.com/edgelink/gwsock/internal/status"
)

// Open begins the connect cascade. It returns immediately; the outcome —
// exactly one opened event per call — arrives through the client callback.
// Proxy-by-name addresses are resolved first (the passive flag is forwarded
// to the resolver), then each resolved endpoint is tried in order: stream
// sockets connect, everything else binds and, if stream-like, listens.
// Failures close the descriptor and advance to the next address; when the
// list runs out, opened fires with Connecting.
func (s *Socket) Open(opCtx any) error {
	if s.closing.Load() {
		return status.Closed
	}
	if s.fd() >= 0 || s.addrs != nil {
		return status.Fault
	}
	s.mu.Lock()
	s.openCtx = opCtx
	s.mu.Unlock()

	// Resolution can block on the network, so the whole cascade runs off
	// the caller's stack when a lookup is needed.
	addr := s.props.Addr
	if addr.Kind == AddrName {
		if s.resolver == nil {
			s.completeOpen(status.Fault)
			return nil
		}
		go func() {
			list, err := s.resolver.Resolve(addr.Host, addr.Port, s.props.Family, s.props.passive())
			if err != nil || len(list) == 0 {
				s.completeOpen(status.Connecting)
				return
			}
			s.addrs = list
			s.cursor = 0
			s.nextAddress()
		}()
		return nil
	}

	s.addrs = []AddressSpec{addr}
	s.cursor = 0
	s.nextAddress()
	return nil
}

// nextAddress walks the resolved list from the cursor. Exactly one of
// {address list present, descriptor valid} holds at every quiescent point
// of the cascade: the list is freed the moment the open completes.
func (s *Socket) nextAddress() {
	for {
		if s.closing.Load() {
			s.completeOpen(status.Aborted)
			return
		}
		if s.cursor >= len(s.addrs) {
			s.completeOpen(status.Connecting)
			return
		}
		addr := s.addrs[s.cursor]

		sa, family, err := toSockaddr(&addr)
		if err != nil {
			s.cursor++
			continue
		}
		s.props.Family = family

		fd, err := s.newDescriptor(family)
		if err != nil {
			s.cursor++
			continue
		}
		s.setFD(fd)

		if s.props.streamLike() && !s.props.passive() {
			if code := s.connectBegin(sa); code == status.Waiting {
				return // the completion callback carries on
			}
			s.dropDescriptor()
			s.cursor++
			continue
		}

		// Bind-and-maybe-listen path, synchronous.
		if err := s.bindListen(fd, sa); err != nil {
			s.dropDescriptor()
			s.cursor++
			continue
		}
		if err := s.cacheNames(false); err != nil {
			s.dropDescriptor()
			s.cursor++
			continue
		}
		s.completeOpen(status.OK)
		return
	}
}

// newDescriptor creates a nonblocking descriptor for the socket's
// properties with the family chosen by the cascade.
func (s *Socket) newDescriptor(family Family) (int, error) {
	typ, err := osType(s.props.Type)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(osFamily(family),
		typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, osProto(s.props.Protocol))
	if err != nil {
		return -1, err
	}
	if s.props.passive() {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	return fd, nil
}

// bindListen binds fd and, for stream-like types (implicitly passive on
// this path), listens with the maximum backlog.
func (s *Socket) bindListen(fd int, sa unix.Sockaddr) error {
	if err := unix.Bind(fd, sa); err != nil {
		return err
	}
	if s.props.streamLike() {
		return unix.Listen(fd, unix.SOMAXCONN)
	}
	return nil
}

// dropDescriptor closes the cascade's current descriptor after a failed
// attempt so the next address starts clean.
func (s *Socket) dropDescriptor() {
	if fd := s.fd(); fd >= 0 {
		s.setFD(-1)
		unix.Close(fd)
	}
}

// connectBegin issues the overlapped connect for the current address.
// Waiting means the attempt is in flight and the completion callback owns
// the rest; any other code is a synchronous failure and the caller advances.
func (s *Socket) connectBegin(sa unix.Sockaddr) status.Code {
	op := &s.openOp
	op.raddr = sa
	op.connectBegan = false
	op.pending.Add(1)
	op.op.FD = s.fd()
	if code := s.port.Submit(&op.op); code != status.OK {
		op.pending.Add(-1)
		return code
	}
	return status.Waiting
}

// completeConnect runs when an overlapped connect settles. On success the
// local and peer names are cached and the open completes; on failure the
// descriptor is dropped and the cascade advances to the next address.
func completeConnect(op *asyncOp, code status.Code, _ int, _ uint32) {
	s := op.sock
	op.clear()

	if code == status.OK {
		if err := s.cacheNames(true); err != nil {
			code = status.FromErrno(err)
		}
	}
	if code == status.OK {
		op.pending.Add(-1)
		s.completeOpen(status.OK)
		return
	}

	s.dropDescriptor()
	s.cursor++
	op.pending.Add(-1)
	if code == status.Aborted || s.closing.Load() {
		s.completeOpen(status.Aborted)
		return
	}
	s.nextAddress()
}

// completeOpen frees the address list and dispatches the single opened
// event for this Open call.
func (s *Socket) completeOpen(code status.Code) {
	s.addrs = nil
	s.cursor = 0
	s.mu.Lock()
	ctx := s.openCtx
	s.openCtx = nil
	s.mu.Unlock()

	ev := Event{Kind: EventOpened, Status: code, OpCtx: ctx}
	s.client.OnEvent(&ev)
}
