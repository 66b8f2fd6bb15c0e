// Package signaling orchestrates the direct-link (p2p mode) setup: a
// PIN-authenticated WebSocket exchange of SDP/ICE that connects a gateway
// and its remote client over a peer-to-peer DataChannel instead of the cloud
// relay. Callers receive a ready-to-use Transport.
package signaling

// messageType identifies the kind of signaling message.
type messageType string

const (
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
)

// message is the JSON structure exchanged over the WebSocket during signaling.
type message struct {
	Type      messageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}
