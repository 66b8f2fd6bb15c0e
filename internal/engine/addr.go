package engine

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/edgelink/gwsock/internal/status"
)

// toSockaddr translates a concrete AddressSpec into the OS form, returning
// the family the descriptor must be created with.
func toSockaddr(a *AddressSpec) (unix.Sockaddr, Family, error) {
	switch a.Kind {
	case AddrInet4:
		ip4 := a.IP.To4()
		if ip4 == nil {
			return nil, FamilyUnspec, status.Fault
		}
		sa := &unix.SockaddrInet4{Port: int(a.Port)}
		copy(sa.Addr[:], ip4)
		return sa, FamilyInet4, nil
	case AddrInet6:
		ip6 := a.IP.To16()
		if ip6 == nil || a.IP.To4() != nil {
			return nil, FamilyUnspec, status.Fault
		}
		sa := &unix.SockaddrInet6{Port: int(a.Port)}
		copy(sa.Addr[:], ip6)
		return sa, FamilyInet6, nil
	default:
		return nil, FamilyUnspec, status.Fault
	}
}

// fromSockaddr translates an OS sockaddr back into the portable form.
// Returns nil for families the engine does not surface.
func fromSockaddr(sa unix.Sockaddr) *AddressSpec {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, v.Addr[:])
		return &AddressSpec{Kind: AddrInet4, IP: ip, Port: uint16(v.Port)}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		return &AddressSpec{Kind: AddrInet6, IP: ip, Port: uint16(v.Port)}
	default:
		return nil
	}
}

// osFamily maps a Family to the AF_* constant.
func osFamily(f Family) int {
	switch f {
	case FamilyInet4:
		return unix.AF_INET
	case FamilyInet6:
		return unix.AF_INET6
	default:
		return unix.AF_UNSPEC
	}
}

// osType maps a SockType to the SOCK_* constant.
func osType(t SockType) (int, error) {
	switch t {
	case TypeStream:
		return unix.SOCK_STREAM, nil
	case TypeDgram:
		return unix.SOCK_DGRAM, nil
	case TypeRaw:
		return unix.SOCK_RAW, nil
	case TypeSeqPacket:
		return unix.SOCK_SEQPACKET, nil
	case TypeRDM:
		return unix.SOCK_RDM, nil
	default:
		return 0, status.Fault
	}
}

// osProto maps a Protocol to the IPPROTO_* constant.
func osProto(p Protocol) int {
	switch p {
	case ProtoTCP:
		return unix.IPPROTO_TCP
	case ProtoUDP:
		return unix.IPPROTO_UDP
	default:
		return 0
	}
}

// fromOSMsgFlags translates recvmsg flag bits to the portable set.
func fromOSMsgFlags(f uint32) MsgFlags {
	var out MsgFlags
	if f&unix.MSG_TRUNC != 0 {
		out |= FlagTruncated
	}
	if f&unix.MSG_CTRUNC != 0 {
		out |= FlagCtrlTruncated
	}
	if f&unix.MSG_OOB != 0 {
		out |= FlagOOB
	}
	return out
}
