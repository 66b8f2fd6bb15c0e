package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgelink/gwsock/internal/protocol"
	"github.com/edgelink/gwsock/internal/util"
)

const (
	relayWriteWait  = 10 * time.Second
	relayPongWait   = 60 * time.Second
	relayPingPeriod = 45 * time.Second
)

// Relay is the cloud-relayed message stream: a WebSocket connection to the
// relay endpoint carrying binary protocol packets. It is the default link
// when no direct P2P path is available.
type Relay struct {
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}

	sendMu sync.Mutex

	handlerMu sync.RWMutex
	handler   func(*protocol.Packet, error)
}

var _ Stream = (*Relay)(nil)

// DialRelay connects to the relay endpoint and starts the read and
// keepalive loops. The returned stream is ready immediately.
func DialRelay(ctx context.Context, url string) (*Relay, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", url, err)
	}
	return NewRelay(ctx, conn), nil
}

// NewRelay wraps an established WebSocket connection as a Stream. DialRelay
// uses it for the connection it dials.
func NewRelay(ctx context.Context, conn *websocket.Conn) *Relay {
	rCtx, rCancel := context.WithCancel(ctx)
	r := &Relay{
		conn:   conn,
		ctx:    rCtx,
		cancel: rCancel,
		ready:  make(chan struct{}),
	}
	close(r.ready)

	conn.SetReadDeadline(time.Now().Add(relayPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})

	go r.readLoop()
	go r.pingLoop()
	return r
}

// Ready returns a channel that is closed once the relay carries traffic;
// for a dialed relay that is immediately.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Done returns a channel that is closed when the relay link is down.
func (r *Relay) Done() <-chan struct{} { return r.ctx.Done() }

// Close tears the link down.
func (r *Relay) Close() error {
	r.cancel()
	return r.conn.Close()
}

// Send writes one packet as a binary WebSocket message. Writes are
// serialized; backpressure is the socket's own.
func (r *Relay) Send(ctx context.Context, pkt *protocol.Packet) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return r.ctx.Err()
	default:
	}

	data := protocol.Encode(pkt)

	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	r.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	if err := r.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		r.cancel()
		return err
	}
	util.Stats.AddSent(len(data))
	return nil
}

// OnPacket registers the inbound packet callback.
func (r *Relay) OnPacket(fn func(*protocol.Packet, error)) {
	r.handlerMu.Lock()
	r.handler = fn
	r.handlerMu.Unlock()
}

// readLoop decodes inbound binary messages until the connection dies.
func (r *Relay) readLoop() {
	defer r.cancel()
	for {
		kind, data, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case <-r.ctx.Done():
			default:
				util.LogDebug("relay read closed: %v", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		util.Stats.AddRecv(len(data))

		r.handlerMu.RLock()
		fn := r.handler
		r.handlerMu.RUnlock()
		if fn != nil {
			pkt, err := protocol.Decode(data)
			fn(pkt, err)
		}
	}
}

// pingLoop keeps the relay connection alive through idle periods.
func (r *Relay) pingLoop() {
	ticker := time.NewTicker(relayPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sendMu.Lock()
			r.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			err := r.conn.WriteMessage(websocket.PingMessage, nil)
			r.sendMu.Unlock()
			if err != nil {
				r.cancel()
				return
			}
		case <-r.ctx.Done():
			return
		}
	}
}
