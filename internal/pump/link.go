package pump

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/edgelink/gwsock/internal/engine"
	"github.com/edgelink/gwsock/internal/ioqueue"
	"github.com/edgelink/gwsock/internal/protocol"
	"github.com/edgelink/gwsock/internal/status"
	"github.com/edgelink/gwsock/internal/util"
)

// link is the pump's per-socket state and the engine's Client for that
// socket. Outbound payloads wait in txq (ready), move to in-progress while a
// send is in flight, and land in done once settled; inbound payloads flow
// straight back as DATA packets.
type link struct {
	p     *Pump
	id    uint32
	props *engine.Properties
	sock  *engine.Socket

	seq atomic.Uint32
	txq *ioqueue.Queue

	// Destination addresses for message-oriented sends, FIFO alongside txq.
	mu    sync.Mutex
	dests []*engine.AddressSpec

	eof            atomic.Bool
	closeRequested atomic.Bool
}

func newLink(p *Pump, id uint32, props *engine.Properties) *link {
	return &link{
		p:     p,
		id:    id,
		props: props,
		txq:   ioqueue.New(p.pool),
	}
}

func (l *link) Properties() *engine.Properties { return l.props }

func (l *link) nextSeq() uint32 { return l.seq.Add(1) }

// OnEvent is the engine callback: it turns socket events into stream
// packets and feeds the engine from the link's queues.
func (l *link) OnEvent(ev *engine.Event) {
	switch ev.Kind {
	case engine.EventOpened:
		l.onOpened(ev)
	case engine.EventClosed:
		l.onClosed()
	case engine.EventBeginSend:
		l.onBeginSend(ev)
	case engine.EventEndSend:
		l.onEndSend(ev)
	case engine.EventBeginRecv:
		l.onBeginRecv(ev)
	case engine.EventEndRecv:
		l.onEndRecv(ev)
	case engine.EventBeginAccept:
		l.onBeginAccept(ev)
	case engine.EventEndAccept:
		l.onEndAccept(ev)
	}
}

func (l *link) onOpened(ev *engine.Event) {
	r := &protocol.Reply{Status: uint8(ev.Status)}
	if ev.Status == status.OK {
		if local := l.sock.LocalAddr(); local != nil {
			r.Addr = local.IP
			r.Port = local.Port
		}
	}
	l.p.send(replyPacket(protocol.TypeOpenReply, l.id, l.nextSeq(), r))

	if ev.Status != status.OK {
		l.p.unregister(l.id)
		return
	}
	util.LogDebug("[%08x] opened, local %s", l.id, l.sock.LocalAddr())
	l.sock.CanRecv(true)
}

func (l *link) onClosed() {
	if l.closeRequested.Load() {
		l.p.send(replyPacket(protocol.TypeCloseReply, l.id, l.nextSeq(), &protocol.Reply{
			Status: uint8(status.OK),
		}))
	}
	l.txq.ReleaseAll()
	l.p.unregister(l.id)
	util.LogDebug("[%08x] closed", l.id)
}

// onBeginSend hands the oldest ready payload to the engine, moving it to
// in-progress for the duration of the operation.
func (l *link) onBeginSend(ev *engine.Event) {
	b := l.txq.PopReady()
	if b == nil {
		return
	}
	l.txq.SetInProgress(b)
	ev.Buf = b.Unread()
	ev.OpCtx = b
	ev.Addr = l.popDest()
}

// onEndSend settles the in-flight payload. Short writes roll the remainder
// back to the head of ready so it goes out before anything queued after it;
// settled buffers pass through done and are acknowledged and released.
func (l *link) onEndSend(ev *engine.Event) {
	b, ok := ev.OpCtx.(*ioqueue.Buffer)
	if !ok {
		return
	}
	b.Skip(ev.N)

	if ev.Status == status.OK && len(b.Unread()) > 0 {
		l.txq.Rollback()
		return
	}

	b.Result = ev.Status
	l.txq.SetDone(b)
	l.flushDone()
}

// flushDone acknowledges and releases every settled payload in order.
func (l *link) flushDone() {
	for {
		b := l.txq.PopDone()
		if b == nil {
			return
		}
		l.p.send(replyPacket(protocol.TypeSendReply, l.id, l.nextSeq(), &protocol.Reply{
			Status: uint8(b.Result),
			Value:  uint32(b.Cap()),
		}))
		l.txq.Release(b)
	}
}

// onBeginRecv supplies a pooled receive buffer unless the stream has hit
// end-of-file or teardown started.
func (l *link) onBeginRecv(ev *engine.Event) {
	if l.eof.Load() {
		return
	}
	ev.Buf = l.p.pool.Get(l.p.recvSize)
}

// onEndRecv forwards received bytes as a DATA packet. A zero-byte read on a
// stream socket is end-of-file: an empty DATA packet marks it for the
// remote and the socket shuts down.
func (l *link) onEndRecv(ev *engine.Event) {
	buf := ev.Buf
	defer func() {
		if buf != nil {
			l.p.pool.Put(buf)
		}
	}()

	if ev.Status != status.OK {
		if ev.Status != status.Aborted {
			util.LogDebug("[%08x] recv failed: %s", l.id, ev.Status)
			l.eof.Store(true)
			l.sock.Close(nil)
		}
		return
	}

	// The stream may hold on to the packet past this callback, so the
	// pooled receive buffer cannot be handed over directly.
	payload := make([]byte, ev.N)
	copy(payload, buf[:ev.N])

	if l.props.Type == engine.TypeDgram || l.props.Type == engine.TypeRaw {
		var addr []byte
		var port uint16
		if ev.Addr != nil {
			addr = ev.Addr.IP
			port = ev.Addr.Port
		}
		l.p.send(&protocol.Packet{
			Type:     protocol.TypeData,
			SocketID: l.id,
			SeqNum:   l.nextSeq(),
			Payload:  protocol.EncodeDatagram(addr, port, payload),
		})
		return
	}

	l.p.send(&protocol.Packet{
		Type:     protocol.TypeData,
		SocketID: l.id,
		SeqNum:   l.nextSeq(),
		Payload:  payload,
	})

	if ev.N == 0 {
		l.eof.Store(true)
		l.sock.Close(nil)
	}
}

// onBeginAccept offers a fresh link as the client surface for the socket
// about to be accepted.
func (l *link) onBeginAccept(ev *engine.Event) {
	child := newLink(l.p, uuid.New().ID(), &engine.Properties{
		Family:   l.props.Family,
		Type:     l.props.Type,
		Protocol: l.props.Protocol,
	})
	ev.AcceptClient = child
	ev.OpCtx = child
}

// onEndAccept registers the accepted socket under its new id and announces
// it to the remote with the peer endpoint.
func (l *link) onEndAccept(ev *engine.Event) {
	child, ok := ev.OpCtx.(*link)
	if !ok {
		return
	}
	if ev.Status != status.OK || ev.Accepted == nil {
		if ev.Status != status.Aborted {
			util.LogDebug("[%08x] accept failed: %s", l.id, ev.Status)
		}
		return
	}
	child.sock = ev.Accepted
	l.p.links.Store(child.id, child)
	util.Stats.AddSocket()

	r := &protocol.Reply{Status: uint8(status.OK), Value: child.id}
	if peer := ev.Accepted.PeerAddr(); peer != nil {
		r.Addr = peer.IP
		r.Port = peer.Port
	}
	l.p.send(replyPacket(protocol.TypeAccepted, l.id, l.nextSeq(), r))

	ev.Accepted.CanRecv(true)
}

// ---------------------------------------------------------------------------
// Inbound packet handlers
// ---------------------------------------------------------------------------

// handleSend queues an outbound payload and nudges the send side. For
// message-oriented sockets the body carries the destination endpoint.
func (l *link) handleSend(pkt *protocol.Packet) {
	payload := pkt.Payload
	var dest *engine.AddressSpec

	if l.props.Type == engine.TypeDgram || l.props.Type == engine.TypeRaw {
		addr, port, data, err := protocol.DecodeDatagram(pkt.Payload)
		if err != nil {
			util.LogWarning("[%08x] bad datagram body: %v", l.id, err)
			return
		}
		payload = data
		if len(addr) > 0 {
			kind := engine.AddrInet4
			if len(addr) == 16 {
				kind = engine.AddrInet6
			}
			ip := make([]byte, len(addr))
			copy(ip, addr)
			dest = &engine.AddressSpec{Kind: kind, IP: ip, Port: port}
		}
	}

	b, err := l.txq.CreateBuffer(payload, len(payload))
	if err != nil {
		util.LogWarning("[%08x] buffer allocation failed: %v", l.id, err)
		return
	}
	b.SetAbort(func(_ any, code status.Code) {
		util.LogDebug("[%08x] queued payload aborted: %s", l.id, code)
	}, nil)

	l.pushDest(dest)
	l.txq.SetReady(b)
	if err := l.sock.CanSend(true); err != nil {
		util.LogDebug("[%08x] send refused: %v", l.id, err)
	}
}

func (l *link) handleClose() {
	l.closeRequested.Store(true)
	l.sock.Close(nil)
}

func (l *link) handleSetOpt(pkt *protocol.Packet) {
	opt, err := protocol.DecodeOption(pkt.Payload)
	code := status.OK
	if err != nil {
		code = status.Fault
	} else if serr := l.sock.SetOption(engine.Option(opt.Opt), int(opt.Value)); serr != nil {
		code = status.FromErrno(serr)
	}
	l.p.send(replyPacket(protocol.TypeOptReply, l.id, pkt.SeqNum, &protocol.Reply{
		Status: uint8(code),
	}))
}

func (l *link) handleGetOpt(pkt *protocol.Packet) {
	opt, err := protocol.DecodeOption(pkt.Payload)
	var value int
	code := status.OK
	if err != nil {
		code = status.Fault
	} else {
		var gerr error
		value, gerr = l.sock.GetOption(engine.Option(opt.Opt))
		if gerr != nil {
			code = status.FromErrno(gerr)
		}
	}
	l.p.send(replyPacket(protocol.TypeOptReply, l.id, pkt.SeqNum, &protocol.Reply{
		Status: uint8(code),
		Value:  uint32(value),
	}))
}

// ---------------------------------------------------------------------------
// Destination FIFO for message-oriented sends
// ---------------------------------------------------------------------------

func (l *link) pushDest(a *engine.AddressSpec) {
	if l.props.Type != engine.TypeDgram && l.props.Type != engine.TypeRaw {
		return
	}
	l.mu.Lock()
	l.dests = append(l.dests, a)
	l.mu.Unlock()
}

func (l *link) popDest() *engine.AddressSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.dests) == 0 {
		return nil
	}
	a := l.dests[0]
	l.dests = l.dests[1:]
	return a
}
