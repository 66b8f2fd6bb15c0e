// Package pump is the message layer between the relayed stream and the
// socket engine. It decodes inbound packets into socket operations, keeps a
// route table of links (one per remote-driven socket), and buffers payloads
// in per-link I/O queues so requests and responses stay serialized across
// the asynchronous boundary.
package pump

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/edgelink/gwsock/internal/bufpool"
	"github.com/edgelink/gwsock/internal/engine"
	"github.com/edgelink/gwsock/internal/poller"
	"github.com/edgelink/gwsock/internal/protocol"
	"github.com/edgelink/gwsock/internal/status"
	"github.com/edgelink/gwsock/internal/transport"
	"github.com/edgelink/gwsock/internal/util"
)

// Pump drives gateway sockets from a remote packet stream.
type Pump struct {
	port     *poller.Poller
	resolver engine.Resolver
	pool     *bufpool.Pool
	recvSize int

	links *xsync.Map[uint32, *link]

	ctx    context.Context
	stream atomic.Pointer[streamBox]
}

// streamBox lets the active stream swap atomically across reconnects.
type streamBox struct{ s transport.Stream }

// New creates a pump. recvSize is the receive buffer size handed to sockets
// on begin-recv.
func New(port *poller.Poller, resolver engine.Resolver, pool *bufpool.Pool, recvSize int) *Pump {
	if recvSize <= 0 {
		recvSize = 16 * 1024
	}
	return &Pump{
		port:     port,
		resolver: resolver,
		pool:     pool,
		recvSize: recvSize,
		links:    xsync.NewMap[uint32, *link](),
	}
}

// Run attaches the pump to a stream and blocks until the stream dies or ctx
// is cancelled. It does not tear the links down: the caller either calls
// Resume with a fresh stream (relay reconnect) or Shutdown.
func (p *Pump) Run(ctx context.Context, stream transport.Stream) error {
	p.ctx = ctx
	p.attach(stream)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stream.Done():
		return nil
	}
}

// Resume reattaches after a reconnect. Every link's in-progress batch rolls
// back to the head of its ready list and the send side is re-driven, so the
// payloads that were in flight when the old stream died go out again first.
func (p *Pump) Resume(stream transport.Stream) {
	p.attach(stream)
	p.links.Range(func(_ uint32, l *link) bool {
		l.txq.Rollback()
		if l.txq.HasReady() {
			l.sock.CanSend(true)
		}
		return true
	})
}

// Shutdown severs all buffer callbacks and closes every socket. Buffers are
// released when each socket's closed event lands.
func (p *Pump) Shutdown() {
	p.links.Range(func(_ uint32, l *link) bool {
		l.txq.Abort()
		l.sock.Close(nil)
		return true
	})
}

func (p *Pump) attach(stream transport.Stream) {
	p.stream.Store(&streamBox{s: stream})
	stream.OnPacket(func(pkt *protocol.Packet, err error) {
		if err != nil {
			util.LogWarning("packet decode failed: %v", err)
			return
		}
		p.dispatch(pkt)
	})
}

// send writes a packet to the current stream; failures are logged, not
// fatal — a dead stream surfaces through Run.
func (p *Pump) send(pkt *protocol.Packet) {
	box := p.stream.Load()
	if box == nil {
		return
	}
	if err := box.s.Send(p.ctx, pkt); err != nil {
		util.LogDebug("[%08x] send failed: %v", pkt.SocketID, err)
	}
}

// dispatch routes one inbound packet.
func (p *Pump) dispatch(pkt *protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeOpen:
		p.handleOpen(pkt)
		return
	}

	l, ok := p.links.Load(pkt.SocketID)
	if !ok {
		// Stale packets for torn-down sockets are expected after a close.
		if pkt.Type != protocol.TypeClose {
			util.LogDebug("[%08x] unknown socket id, dropping packet", pkt.SocketID)
		}
		return
	}

	switch pkt.Type {
	case protocol.TypeSend:
		l.handleSend(pkt)
	case protocol.TypeClose:
		l.handleClose()
	case protocol.TypeSetOpt:
		l.handleSetOpt(pkt)
	case protocol.TypeGetOpt:
		l.handleGetOpt(pkt)
	default:
		util.LogDebug("[%08x] unexpected packet type %d", pkt.SocketID, pkt.Type)
	}
}

// handleOpen creates a link and its socket and starts the open cascade.
func (p *Pump) handleOpen(pkt *protocol.Packet) {
	props, err := protocol.DecodeProps(pkt.Payload)
	if err != nil {
		util.LogWarning("[%08x] bad open request: %v", pkt.SocketID, err)
		p.send(replyPacket(protocol.TypeOpenReply, pkt.SocketID, 0, &protocol.Reply{
			Status: uint8(status.Fault),
		}))
		return
	}

	l := newLink(p, pkt.SocketID, toEngineProps(props))
	sock, nerr := engine.New(p.port, p.resolver, l)
	if nerr != nil {
		p.send(replyPacket(protocol.TypeOpenReply, pkt.SocketID, 0, &protocol.Reply{
			Status: uint8(status.FromErrno(nerr)),
		}))
		return
	}
	l.sock = sock

	if _, loaded := p.links.LoadOrStore(pkt.SocketID, l); loaded {
		util.LogWarning("[%08x] duplicate open, dropping", pkt.SocketID)
		return
	}
	util.Stats.AddSocket()
	sock.Open(nil)
}

// unregister removes a settled link from the route table.
func (p *Pump) unregister(id uint32) {
	p.links.Delete(id)
	util.Stats.RemoveSocket()
}

// toEngineProps translates the wire properties into the engine form.
func toEngineProps(w *protocol.SocketProps) *engine.Properties {
	props := &engine.Properties{
		Family:   engine.Family(w.Family),
		Type:     engine.SockType(w.SockType),
		Protocol: engine.Protocol(w.Protocol),
		Flags:    engine.PropFlags(w.Flags),
	}
	switch {
	case len(w.IP) == 16:
		props.Addr = engine.AddressSpec{Kind: engine.AddrInet6, IP: w.IP, Port: w.Port}
	case len(w.IP) == 4:
		props.Addr = engine.AddressSpec{Kind: engine.AddrInet4, IP: w.IP, Port: w.Port}
	default:
		// No concrete address: resolve by name. An empty host yields the
		// wildcard (passive) or loopback (active) endpoint.
		props.Addr = engine.AddressSpec{Kind: engine.AddrName, Host: w.Host, Port: w.Port}
	}
	return props
}

func replyPacket(typ uint8, id, seq uint32, r *protocol.Reply) *protocol.Packet {
	return &protocol.Packet{
		Type:     typ,
		SocketID: id,
		SeqNum:   seq,
		Payload:  protocol.EncodeReply(r),
	}
}
