package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgelink/gwsock/internal/protocol"
)

func echoWSServer(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRelayRoundTrip(t *testing.T) {
	ctx := context.Background()
	relay, err := DialRelay(ctx, echoWSServer(t))
	if err != nil {
		t.Fatalf("DialRelay: %v", err)
	}
	defer relay.Close()

	select {
	case <-relay.Ready():
	default:
		t.Fatal("dialed relay should be ready immediately")
	}

	got := make(chan *protocol.Packet, 1)
	relay.OnPacket(func(pkt *protocol.Packet, err error) {
		if err == nil {
			got <- pkt
		}
	})

	sent := &protocol.Packet{Type: protocol.TypeData, SocketID: 9, SeqNum: 1, Payload: []byte("ping")}
	if err := relay.Send(ctx, sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case pkt := <-got:
		if pkt.Type != sent.Type || pkt.SocketID != sent.SocketID || string(pkt.Payload) != "ping" {
			t.Fatalf("echoed packet = %+v", pkt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed packet")
	}
}

func TestRelayCloseSignalsDone(t *testing.T) {
	relay, err := DialRelay(context.Background(), echoWSServer(t))
	if err != nil {
		t.Fatalf("DialRelay: %v", err)
	}
	relay.Close()

	select {
	case <-relay.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}

	if err := relay.Send(context.Background(), &protocol.Packet{Type: protocol.TypeClose}); err == nil {
		t.Fatal("Send after Close should fail")
	}
}

func TestDialRelayBadURL(t *testing.T) {
	if _, err := DialRelay(context.Background(), "ws://127.0.0.1:1/ws"); err == nil {
		t.Fatal("dial to a dead endpoint should fail")
	}
}
