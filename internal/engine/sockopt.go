package engine

import (
	"golang.org/x/sys/unix"

	"github.com/edgelink/gwsock/internal/status"
)

// Option is a portable socket option identifier.
type Option uint32

const (
	OptNonblocking Option = iota
	OptAvailable
	OptShutdown
	OptLinger
	OptReuseAddr
	OptKeepAlive
	OptBroadcast
	OptSendBuffer
	OptRecvBuffer
	OptTTL
	OptNoDelay
	OptOOBInline
	OptAcceptConn
	OptMulticastTTL
	OptMulticastLoop
)

// ShutdownHow selects the direction(s) silenced by OptShutdown. Values
// match shutdown(2).
const (
	ShutRead  = unix.SHUT_RD
	ShutWrite = unix.SHUT_WR
	ShutBoth  = unix.SHUT_RDWR
)

// optPair maps a plain integer option to its OS level/name pair.
type optPair struct{ level, name int }

var optTable = map[Option]optPair{
	OptReuseAddr:     {unix.SOL_SOCKET, unix.SO_REUSEADDR},
	OptKeepAlive:     {unix.SOL_SOCKET, unix.SO_KEEPALIVE},
	OptBroadcast:     {unix.SOL_SOCKET, unix.SO_BROADCAST},
	OptSendBuffer:    {unix.SOL_SOCKET, unix.SO_SNDBUF},
	OptRecvBuffer:    {unix.SOL_SOCKET, unix.SO_RCVBUF},
	OptTTL:           {unix.IPPROTO_IP, unix.IP_TTL},
	OptNoDelay:       {unix.IPPROTO_TCP, unix.TCP_NODELAY},
	OptOOBInline:     {unix.SOL_SOCKET, unix.SO_OOBINLINE},
	OptMulticastTTL:  {unix.IPPROTO_IP, unix.IP_MULTICAST_TTL},
	OptMulticastLoop: {unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP},
}

// SetOption applies a portable option. A handful of options change engine
// behavior rather than descriptor state and are handled specially:
// shutdown silences the named direction(s) so no further begin events are
// solicited there, linger composes the OS struct from a single integer, and
// nonblocking is accepted and ignored because the engine is nonblocking by
// construction.
func (s *Socket) SetOption(opt Option, value int) error {
	fd := s.fd()
	if fd < 0 || s.closing.Load() {
		return status.Closed
	}
	switch opt {
	case OptNonblocking:
		return nil
	case OptAvailable, OptAcceptConn:
		return status.NotSupported
	case OptLinger:
		l := &unix.Linger{Linger: int32(value)}
		if value != 0 {
			l.Onoff = 1
		}
		return statusErr(unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, l))
	case OptShutdown:
		return s.shutdown(fd, value)
	}
	pair, ok := optTable[opt]
	if !ok {
		return status.NotSupported
	}
	return statusErr(unix.SetsockoptInt(fd, pair.level, pair.name, value))
}

// GetOption reads a portable option. OptAvailable returns the number of
// bytes queued for reading on the descriptor.
func (s *Socket) GetOption(opt Option) (int, error) {
	fd := s.fd()
	if fd < 0 || s.closing.Load() {
		return 0, status.Closed
	}
	switch opt {
	case OptNonblocking:
		return 1, nil
	case OptShutdown, OptAcceptConn:
		return 0, status.NotSupported
	case OptAvailable:
		n, err := unix.IoctlGetInt(fd, unix.TIOCINQ)
		return n, statusErr(err)
	case OptLinger:
		l, err := unix.GetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER)
		if err != nil {
			return 0, statusErr(err)
		}
		if l.Onoff == 0 {
			return 0, nil
		}
		return int(l.Linger), nil
	}
	pair, ok := optTable[opt]
	if !ok {
		return 0, status.NotSupported
	}
	n, err := unix.GetsockoptInt(fd, pair.level, pair.name)
	return n, statusErr(err)
}

// shutdown runs shutdown(2) and additionally silences the corresponding
// operation(s) so the drive loop stops soliciting begin events for them.
// In-flight operations still settle normally.
func (s *Socket) shutdown(fd, how int) error {
	switch how {
	case ShutRead, ShutWrite, ShutBoth:
	default:
		return status.Fault
	}
	if err := unix.Shutdown(fd, how); err != nil {
		return statusErr(err)
	}
	if how == ShutRead || how == ShutBoth {
		s.recvOp.silenced.Store(true)
	}
	if how == ShutWrite || how == ShutBoth {
		s.sendOp.silenced.Store(true)
	}
	return nil
}

// JoinMulticastGroup joins the socket to the given group, dispatching to v4
// or v6 membership as the address requires.
func (s *Socket) JoinMulticastGroup(group *AddressSpec, ifindex int) error {
	return s.membership(group, ifindex, true)
}

// LeaveMulticastGroup leaves a previously joined group.
func (s *Socket) LeaveMulticastGroup(group *AddressSpec, ifindex int) error {
	return s.membership(group, ifindex, false)
}

func (s *Socket) membership(group *AddressSpec, ifindex int, join bool) error {
	fd := s.fd()
	if fd < 0 || s.closing.Load() {
		return status.Closed
	}
	if group == nil {
		return status.Fault
	}
	switch group.Kind {
	case AddrInet4:
		ip4 := group.IP.To4()
		if ip4 == nil {
			return status.Fault
		}
		mreq := &unix.IPMreq{}
		copy(mreq.Multiaddr[:], ip4)
		name := unix.IP_ADD_MEMBERSHIP
		if !join {
			name = unix.IP_DROP_MEMBERSHIP
		}
		return statusErr(unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, name, mreq))
	case AddrInet6:
		ip6 := group.IP.To16()
		if ip6 == nil {
			return status.Fault
		}
		mreq := &unix.IPv6Mreq{Interface: uint32(ifindex)}
		copy(mreq.Multiaddr[:], ip6)
		name := unix.IPV6_JOIN_GROUP
		if !join {
			name = unix.IPV6_LEAVE_GROUP
		}
		return statusErr(unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, name, mreq))
	default:
		return status.Fault
	}
}

// statusErr converts a syscall error to its portable code, keeping nil nil.
func statusErr(err error) error {
	if err == nil {
		return nil
	}
	return status.FromErrno(err)
}
