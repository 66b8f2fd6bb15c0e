// Package engine implements the per-socket asynchronous I/O machine at the
// core of the gateway: sockets whose open, accept, send and receive
// operations are fully overlapped with completion-style dispatch, driven from
// above through a single callback surface.
package engine

import (
	"net"
	"strconv"

	"github.com/edgelink/gwsock/internal/status"
)

// Family selects the address family of a socket.
type Family uint8

const (
	FamilyUnspec Family = iota
	FamilyInet4
	FamilyInet6
)

// SockType selects the socket type.
type SockType uint8

const (
	TypeStream SockType = iota + 1
	TypeDgram
	TypeRaw
	TypeSeqPacket
	TypeRDM
)

// Protocol selects the transport protocol. ProtoAny lets the OS pick the
// default for the socket type.
type Protocol uint8

const (
	ProtoAny Protocol = iota
	ProtoTCP
	ProtoUDP
)

// PropFlags is the socket property flag set.
type PropFlags uint32

// FlagPassive marks a listener: the open cascade binds and listens instead
// of connecting.
const FlagPassive PropFlags = 1 << 0

// AddrKind tags an AddressSpec variant.
type AddrKind uint8

const (
	AddrInet4 AddrKind = iota
	AddrInet6
	AddrName // host string + port, resolved during open
)

// AddressSpec is a portable socket address: a concrete v4/v6 endpoint or a
// name to be resolved by the external resolver.
type AddressSpec struct {
	Kind AddrKind
	IP   net.IP // AddrInet4 / AddrInet6
	Port uint16
	Host string // AddrName only
}

func (a AddressSpec) String() string {
	if a.Kind == AddrName {
		return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// Properties describes a socket at construction time. The accept path
// rewrites Family and Addr on the accepted client's properties once the peer
// is known.
type Properties struct {
	Family   Family
	Type     SockType
	Protocol Protocol
	Addr     AddressSpec
	Flags    PropFlags
}

func (p *Properties) passive() bool { return p.Flags&FlagPassive != 0 }

func (p *Properties) streamLike() bool {
	return p.Type == TypeStream || p.Type == TypeSeqPacket
}

// MsgFlags are portable per-message flags surfaced on receive completions.
type MsgFlags uint32

const (
	FlagTruncated MsgFlags = 1 << iota // datagram larger than the buffer
	FlagCtrlTruncated
	FlagOOB
)

// EventKind identifies one of the eight callback events.
type EventKind uint8

const (
	EventOpened EventKind = iota
	EventClosed
	EventBeginAccept
	EventEndAccept
	EventBeginSend
	EventEndSend
	EventBeginRecv
	EventEndRecv
)

var eventNames = [...]string{
	"opened", "closed",
	"begin-accept", "end-accept",
	"begin-send", "end-send",
	"begin-recv", "end-recv",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event is the argument block of one Client callback. Which fields are
// inputs and which are outputs depends on Kind:
//
//   - Begin events ask the client to supply work. BeginSend/BeginRecv expect
//     Buf (nil means "no more work", ending the drive loop), optionally Addr
//     (sendto destination) and OpCtx; Flags is not read on begin events.
//     BeginAccept expects
//     AcceptClient, the callback surface for the socket about to be
//     accepted (nil means stop accepting).
//   - End events deliver results: Status, Buf (the buffer handed over at
//     begin), N, Flags, Addr (recvfrom source), Accepted (end-accept) and
//     the OpCtx supplied at begin.
//   - Opened/Closed carry Status and the OpCtx passed to Open/Close.
type Event struct {
	Kind   EventKind
	Status status.Code

	Buf   []byte
	N     int
	Addr  *AddressSpec
	Flags MsgFlags
	OpCtx any

	AcceptClient Client  // BeginAccept out
	Accepted     *Socket // EndAccept in
}

// Client is the upward callback surface the engine drives. OnEvent may be
// re-entered: the engine dispatches the next begin event while the client is
// still inside the end handler of the same flavor, for as long as the client
// keeps supplying buffers.
type Client interface {
	// Properties returns the socket description. The engine keeps the
	// pointer and the accept path mutates it for accepted sockets.
	Properties() *Properties

	// OnEvent handles one engine event. It is called from poller worker
	// goroutines and from the caller of Open/Close/CanSend/CanRecv.
	OnEvent(ev *Event)
}
