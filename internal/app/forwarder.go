package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/edgelink/gwsock/internal/config"
	"github.com/edgelink/gwsock/internal/protocol"
	"github.com/edgelink/gwsock/internal/signaling"
	"github.com/edgelink/gwsock/internal/status"
	"github.com/edgelink/gwsock/internal/transport"
	"github.com/edgelink/gwsock/internal/util"
)

const forwardChunk = 16 * 1024

// RunForwarder runs the remote side: a local TCP listener whose accepted
// connections each drive one gateway socket through the packet protocol.
// Data read locally becomes SEND packets; DATA packets come back as local
// writes. It blocks until ctx is cancelled or the link dies.
func RunForwarder(ctx context.Context, cfg *config.Config) error {
	stream, err := establishForwarder(ctx, cfg)
	if err != nil {
		return err
	}
	defer stream.Close()

	f := &forwarder{
		stream: stream,
		target: cfg.TargetHost,
		port:   uint16(cfg.TargetPort),
		conns:  make(map[uint32]net.Conn),
	}
	stream.OnPacket(f.onPacket)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.LocalPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	util.LogSuccess("virtual service listening on %s", addr)

	g, gctx := errgroup.WithContext(ctx)

	// Close the listener when the link or context goes down so Accept
	// returns.
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-stream.Done():
		}
		listener.Close()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-gctx.Done():
					return nil
				case <-stream.Done():
					return errors.New("link lost")
				default:
					return fmt.Errorf("accept error: %w", err)
				}
			}
			id := util.SocketIDFromConn(conn)
			util.LogDebug("[%08x] new connection from %s", id, conn.RemoteAddr())
			f.register(id, conn)
			go f.serve(gctx, id, conn)
		}
	})

	return g.Wait()
}

func establishForwarder(ctx context.Context, cfg *config.Config) (transport.Stream, error) {
	if cfg.Mode == config.ModeP2P {
		return signaling.EstablishAsClient(ctx, cfg.RelayURL)
	}
	return transport.DialRelay(ctx, cfg.RelayURL)
}

// forwarder bridges local TCP connections to remote gateway sockets.
type forwarder struct {
	stream transport.Stream
	target string
	port   uint16

	mu    sync.Mutex
	conns map[uint32]net.Conn
}

func (f *forwarder) register(id uint32, conn net.Conn) {
	f.mu.Lock()
	f.conns[id] = conn
	f.mu.Unlock()
}

// drop removes and closes the connection for id, once.
func (f *forwarder) drop(id uint32) {
	f.mu.Lock()
	conn := f.conns[id]
	delete(f.conns, id)
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (f *forwarder) lookup(id uint32) net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[id]
}

// serve opens the remote socket and pumps local reads into SEND packets.
func (f *forwarder) serve(ctx context.Context, id uint32, conn net.Conn) {
	defer f.drop(id)

	props := &protocol.SocketProps{
		SockType: 1, // stream
		Host:     f.target,
		Port:     f.port,
	}
	var seq uint32
	next := func() uint32 { seq++; return seq }

	err := f.stream.Send(ctx, &protocol.Packet{
		Type:     protocol.TypeOpen,
		SocketID: id,
		SeqNum:   next(),
		Payload:  protocol.EncodeProps(props),
	})
	if err != nil {
		return
	}

	buf := make([]byte, forwardChunk)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if err := f.stream.Send(ctx, &protocol.Packet{
				Type:     protocol.TypeSend,
				SocketID: id,
				SeqNum:   next(),
				Payload:  payload,
			}); err != nil {
				return
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) && ctx.Err() == nil {
				util.LogDebug("[%08x] local read error: %v", id, rerr)
			}
			f.stream.Send(ctx, &protocol.Packet{
				Type:     protocol.TypeClose,
				SocketID: id,
				SeqNum:   next(),
			})
			return
		}
	}
}

// onPacket routes gateway replies and data back onto the local connection.
func (f *forwarder) onPacket(pkt *protocol.Packet, err error) {
	if err != nil {
		util.LogWarning("packet decode failed: %v", err)
		return
	}
	switch pkt.Type {
	case protocol.TypeData:
		conn := f.lookup(pkt.SocketID)
		if conn == nil {
			return
		}
		if len(pkt.Payload) == 0 {
			// End-of-file marker from the gateway side.
			f.drop(pkt.SocketID)
			return
		}
		if _, werr := conn.Write(pkt.Payload); werr != nil {
			util.LogDebug("[%08x] local write error: %v", pkt.SocketID, werr)
			f.drop(pkt.SocketID)
		}

	case protocol.TypeOpenReply:
		r, derr := protocol.DecodeReply(pkt.Payload)
		if derr != nil || status.Code(r.Status) != status.OK {
			util.LogWarning("[%08x] remote open failed", pkt.SocketID)
			f.drop(pkt.SocketID)
		}

	case protocol.TypeSendReply:
		if r, derr := protocol.DecodeReply(pkt.Payload); derr == nil {
			if status.Code(r.Status) != status.OK {
				util.LogDebug("[%08x] remote send failed: %s", pkt.SocketID, status.Code(r.Status))
				f.drop(pkt.SocketID)
			}
		}

	case protocol.TypeCloseReply:
		f.drop(pkt.SocketID)
	}
}
