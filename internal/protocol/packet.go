// Package protocol defines the packet format for the relayed message stream
// that remote-drives gateway sockets.
package protocol

// Packet type constants.
const (
	TypeOpen       uint8 = 0x01 // open a socket (body: SocketProps)
	TypeOpenReply  uint8 = 0x02 // open outcome (body: Reply with bound address)
	TypeSend       uint8 = 0x03 // payload to write to the socket
	TypeSendReply  uint8 = 0x04 // send outcome (body: Reply with byte count)
	TypeData       uint8 = 0x05 // payload received from the socket
	TypeAccepted   uint8 = 0x06 // listener accepted a peer (body: Reply with new id + peer)
	TypeClose      uint8 = 0x07 // close request
	TypeCloseReply uint8 = 0x08 // close outcome (body: Reply)
	TypeSetOpt     uint8 = 0x09 // set a socket option (body: Option)
	TypeGetOpt     uint8 = 0x0a // read a socket option (body: Option)
	TypeOptReply   uint8 = 0x0b // option outcome (body: Reply with value)
)

// HeaderSize is the fixed header size: Type(1) + SocketID(4) + SeqNum(4).
const HeaderSize = 9

// Packet is one message of the relayed stream. Typed bodies are carried in
// Payload and marshalled by the body codecs in this package.
type Packet struct {
	Type     uint8
	SocketID uint32 // remote-assigned socket identifier
	SeqNum   uint32 // per-socket sequence number
	Payload  []byte
}

// SocketProps is the body of TypeOpen: everything the gateway needs to
// construct and open a socket.
type SocketProps struct {
	Family   uint8
	SockType uint8
	Protocol uint8
	Flags    uint32
	Port     uint16
	IP       []byte // 4 or 16 bytes for concrete addresses, empty for by-name
	Host     string // non-empty selects the proxy-by-name variant
}

// Reply is the body of the *Reply and Accepted packet types.
type Reply struct {
	Status uint8
	Value  uint32 // byte count, option value, accepted socket id
	Addr   []byte // optional peer/bound address bytes
	Port   uint16
}

// Option is the body of TypeSetOpt / TypeGetOpt.
type Option struct {
	Opt   uint32
	Value int32
}
