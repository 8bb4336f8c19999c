// Package domain contains the bridge's entities and wire shapes, with no transport logic.
package domain

// PeerID is the rendezvous UUID of a remote peer.
type PeerID string

// Short returns the 8-char prefix used in log lines.
func (p PeerID) Short() string {
	if len(p) > 8 {
		return string(p[:8])
	}
	if p == "" {
		return "?"
	}
	return string(p)
}

// SessionState is the lifecycle position of a peer session.
type SessionState int32

const (
	StateNew SessionState = iota
	StateNegotiating
	StateChannelOpen
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateChannelOpen:
		return "channel_open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SessionDescription is an SDP payload tagged with its role.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

const (
	SDPOffer  = "offer"
	SDPAnswer = "answer"
)

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SessionEvent is published whenever a peer session changes state.
type SessionEvent struct {
	Peer       PeerID       `json:"peer"`
	Generation string       `json:"generation"`
	State      SessionState `json:"-"`
	StateName  string       `json:"state"`
}

func NewSessionEvent(peer PeerID, generation string, state SessionState) SessionEvent {
	return SessionEvent{Peer: peer, Generation: generation, State: state, StateName: state.String()}
}
