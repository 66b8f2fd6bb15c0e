// Package transport provides the message streams the gateway speaks over:
// a WebSocket relay through the cloud, and a direct WebRTC DataChannel for
// peers that can reach each other. Both carry the same packet protocol and
// satisfy Stream.
package transport

import (
	"context"

	"github.com/edgelink/gwsock/internal/protocol"
)

// Stream is one established bidirectional packet link to the remote client.
type Stream interface {
	// Send enqueues a packet. It blocks under backpressure until the link
	// drains or ctx is cancelled.
	Send(ctx context.Context, pkt *protocol.Packet) error

	// OnPacket registers the callback invoked for every inbound packet.
	// The callback receives the decoded packet and any decoding error.
	OnPacket(fn func(*protocol.Packet, error))

	// Ready is closed when the link can carry traffic.
	Ready() <-chan struct{}

	// Done is closed when the link is shut down.
	Done() <-chan struct{}

	Close() error
}
