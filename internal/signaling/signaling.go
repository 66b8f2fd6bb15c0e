package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/edgelink/gwsock/internal/transport"
	"github.com/edgelink/gwsock/internal/util"
)

// EstablishAsGateway executes the full gateway-side signaling flow:
//  1. Start a WS server with the given PIN
//  2. Wait for the remote client to connect
//  3. Create a Transport and perform the SDP/ICE exchange (gateway offers)
//  4. Wait for the DataChannel to open
//  5. Close the WS server and connection
//  6. Return the ready Transport
func EstablishAsGateway(ctx context.Context, addr, pin string) (*transport.Transport, error) {
	spinner, _ := pterm.DefaultSpinner.
		WithRemoveWhenDone(true).
		Start("Starting signaling server...")

	srv := newServer(pin)
	port, err := srv.start(addr)
	if err != nil {
		spinner.Fail("Failed to start signaling server")
		return nil, err
	}
	defer srv.close()

	spinner.UpdateText(
		fmt.Sprintf("Signaling server listening on port %d — waiting for remote client...", port),
	)

	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		spinner.Fail("Failed while waiting for remote client")
		return nil, err
	}
	defer wsConn.Close()

	spinner.UpdateText("Remote client connected — negotiating direct link...")

	tr, err := transport.NewTransport(ctx)
	if err != nil {
		spinner.Fail("Failed to create Transport")
		return nil, err
	}

	if err := exchange(ctx, wsConn, tr, true); err != nil {
		tr.Close()
		spinner.Fail("Signaling exchange failed")
		return nil, err
	}

	spinner.Success("Direct DataChannel established")
	return tr, nil
}

// EstablishAsClient executes the remote-client-side signaling flow: connect
// to the gateway's WS endpoint, answer its offer, and return the ready
// Transport.
func EstablishAsClient(ctx context.Context, wsURL string) (*transport.Transport, error) {
	spinner, _ := pterm.DefaultSpinner.
		WithRemoveWhenDone(true).
		Start("Connecting to gateway signaling endpoint...")

	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		spinner.Fail("Failed to connect to signaling endpoint")
		return nil, err
	}
	defer wsConn.Close()

	spinner.UpdateText("Connected — negotiating direct link...")

	tr, err := transport.NewTransport(ctx)
	if err != nil {
		spinner.Fail("Failed to create Transport")
		return nil, err
	}

	if err := exchange(ctx, wsConn, tr, false); err != nil {
		tr.Close()
		spinner.Fail("Signaling exchange failed")
		return nil, err
	}

	spinner.Success("Direct DataChannel established")
	return tr, nil
}

// exchange runs the SDP/ICE conversation over wsConn until the DataChannel
// opens. The offering side sends the offer; the other side answers. ICE
// candidates trickle both ways throughout.
func exchange(ctx context.Context, wsConn *websocket.Conn, tr *transport.Transport, offer bool) error {
	var wsMu sync.Mutex
	wsSend := func(msg message) {
		wsMu.Lock()
		defer wsMu.Unlock()
		if err := wsConn.WriteJSON(msg); err != nil {
			// If WS closed because tr.Ready() already fired, that's fine.
			select {
			case <-tr.Ready():
			default:
				util.LogWarning("signaling send failed: %v", err)
			}
		}
	}

	// Trickle ICE candidates.
	tr.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		wsSend(message{Type: msgTypeCandidate, Candidate: string(data)})
	})

	if offer {
		sdp, err := tr.CreateOffer()
		if err != nil {
			return fmt.Errorf("CreateOffer: %w", err)
		}
		if err := tr.SetLocalDescription(sdp); err != nil {
			return fmt.Errorf("SetLocalDescription: %w", err)
		}
		wsSend(message{Type: msgTypeOffer, SDP: sdp.SDP})
	}

	// Read loop: counterpart SDP + ICE candidates.
	errCh := make(chan error, 1)
	go func() {
		for {
			var msg message
			if err := wsConn.ReadJSON(&msg); err != nil {
				errCh <- err
				return
			}
			switch msg.Type {
			case msgTypeOffer:
				if err := tr.SetRemoteDescription(webrtc.SessionDescription{
					Type: webrtc.SDPTypeOffer,
					SDP:  msg.SDP,
				}); err != nil {
					util.LogWarning("SetRemoteDescription failed: %v", err)
					continue
				}
				answer, err := tr.CreateAnswer()
				if err != nil {
					util.LogWarning("CreateAnswer failed: %v", err)
					continue
				}
				if err := tr.SetLocalDescription(answer); err != nil {
					util.LogWarning("SetLocalDescription failed: %v", err)
					continue
				}
				wsSend(message{Type: msgTypeAnswer, SDP: answer.SDP})

			case msgTypeAnswer:
				if err := tr.SetRemoteDescription(webrtc.SessionDescription{
					Type: webrtc.SDPTypeAnswer,
					SDP:  msg.SDP,
				}); err != nil {
					util.LogWarning("SetRemoteDescription failed: %v", err)
				}

			case msgTypeCandidate:
				var init webrtc.ICECandidateInit
				if err := json.Unmarshal([]byte(msg.Candidate), &init); err == nil {
					if err := tr.AddICECandidate(init); err != nil {
						util.LogWarning("AddICECandidate failed: %v", err)
					}
				}
			}
		}
	}()

	// Wait for the DataChannel to open, then drop the WS.
	select {
	case <-tr.Ready():
		wsConn.Close()
		return nil
	case err := <-errCh:
		select {
		case <-tr.Ready():
			return nil
		default:
			return fmt.Errorf("signaling read error: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
