package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a Packet for stream transmission.
func Encode(pkt *Packet) []byte {
	size := HeaderSize + len(pkt.Payload)
	buf := make([]byte, size)
	buf[0] = pkt.Type
	binary.BigEndian.PutUint32(buf[1:5], pkt.SocketID)
	binary.BigEndian.PutUint32(buf[5:9], pkt.SeqNum)
	if len(pkt.Payload) > 0 {
		copy(buf[HeaderSize:], pkt.Payload)
	}
	return buf
}

// Decode deserializes a byte slice into a Packet.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	pkt := &Packet{
		Type:     data[0],
		SocketID: binary.BigEndian.Uint32(data[1:5]),
		SeqNum:   binary.BigEndian.Uint32(data[5:9]),
	}
	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}

// EncodeProps serializes a SocketProps body:
// Family(1) SockType(1) Protocol(1) Flags(4) Port(2) IPLen(1) IP HostLen(2) Host.
func EncodeProps(p *SocketProps) []byte {
	buf := make([]byte, 0, 12+len(p.IP)+len(p.Host))
	buf = append(buf, p.Family, p.SockType, p.Protocol)
	buf = binary.BigEndian.AppendUint32(buf, p.Flags)
	buf = binary.BigEndian.AppendUint16(buf, p.Port)
	buf = append(buf, byte(len(p.IP)))
	buf = append(buf, p.IP...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Host)))
	buf = append(buf, p.Host...)
	return buf
}

// DecodeProps deserializes a SocketProps body.
func DecodeProps(data []byte) (*SocketProps, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("props body too short: %d bytes", len(data))
	}
	p := &SocketProps{
		Family:   data[0],
		SockType: data[1],
		Protocol: data[2],
		Flags:    binary.BigEndian.Uint32(data[3:7]),
		Port:     binary.BigEndian.Uint16(data[7:9]),
	}
	ipLen := int(data[9])
	rest := data[10:]
	if len(rest) < ipLen+2 {
		return nil, fmt.Errorf("props body truncated")
	}
	if ipLen > 0 {
		p.IP = make([]byte, ipLen)
		copy(p.IP, rest[:ipLen])
	}
	rest = rest[ipLen:]
	hostLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < hostLen {
		return nil, fmt.Errorf("props body truncated")
	}
	p.Host = string(rest[:hostLen])
	return p, nil
}

// EncodeReply serializes a Reply body:
// Status(1) Value(4) Port(2) AddrLen(1) Addr.
func EncodeReply(r *Reply) []byte {
	buf := make([]byte, 0, 8+len(r.Addr))
	buf = append(buf, r.Status)
	buf = binary.BigEndian.AppendUint32(buf, r.Value)
	buf = binary.BigEndian.AppendUint16(buf, r.Port)
	buf = append(buf, byte(len(r.Addr)))
	buf = append(buf, r.Addr...)
	return buf
}

// DecodeReply deserializes a Reply body.
func DecodeReply(data []byte) (*Reply, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("reply body too short: %d bytes", len(data))
	}
	r := &Reply{
		Status: data[0],
		Value:  binary.BigEndian.Uint32(data[1:5]),
		Port:   binary.BigEndian.Uint16(data[5:7]),
	}
	addrLen := int(data[7])
	if len(data) < 8+addrLen {
		return nil, fmt.Errorf("reply body truncated")
	}
	if addrLen > 0 {
		r.Addr = make([]byte, addrLen)
		copy(r.Addr, data[8:8+addrLen])
	}
	return r, nil
}

// EncodeDatagram serializes a datagram body for message-oriented sockets:
// AddrLen(1) Addr Port(2) Data. A zero AddrLen means "no address".
func EncodeDatagram(addr []byte, port uint16, data []byte) []byte {
	buf := make([]byte, 0, 3+len(addr)+len(data))
	buf = append(buf, byte(len(addr)))
	buf = append(buf, addr...)
	buf = binary.BigEndian.AppendUint16(buf, port)
	buf = append(buf, data...)
	return buf
}

// DecodeDatagram splits a datagram body into address, port and payload.
func DecodeDatagram(body []byte) (addr []byte, port uint16, data []byte, err error) {
	if len(body) < 3 {
		return nil, 0, nil, fmt.Errorf("datagram body too short: %d bytes", len(body))
	}
	addrLen := int(body[0])
	if len(body) < 3+addrLen {
		return nil, 0, nil, fmt.Errorf("datagram body truncated")
	}
	if addrLen > 0 {
		addr = body[1 : 1+addrLen]
	}
	port = binary.BigEndian.Uint16(body[1+addrLen : 3+addrLen])
	data = body[3+addrLen:]
	return addr, port, data, nil
}

// EncodeOption serializes an Option body: Opt(4) Value(4).
func EncodeOption(o *Option) []byte {
	buf := make([]byte, 0, 8)
	buf = binary.BigEndian.AppendUint32(buf, o.Opt)
	buf = binary.BigEndian.AppendUint32(buf, uint32(o.Value))
	return buf
}

// DecodeOption deserializes an Option body.
func DecodeOption(data []byte) (*Option, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("option body too short: %d bytes", len(data))
	}
	return &Option{
		Opt:   binary.BigEndian.Uint32(data[:4]),
		Value: int32(binary.BigEndian.Uint32(data[4:8])),
	}, nil
}
