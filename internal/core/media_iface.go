package core

import (
	"errors"

	"github.com/dkeye/colastream/internal/domain"
)

// ErrNotTerminated is returned by connections that leave SDP to the far end.
var ErrNotTerminated = errors.New("webrtc is not terminated by the bridge")

type MediaEventKind int

const (
	// MediaCandidate carries a locally gathered ICE candidate.
	MediaCandidate MediaEventKind = iota
	// MediaChannelOpen means the application channel can carry messages.
	MediaChannelOpen
	// MediaMessage carries one inbound application payload.
	MediaMessage
	// MediaClosed means the connection failed or was closed underneath us.
	MediaClosed
)

type MediaEvent struct {
	Kind      MediaEventKind
	Candidate domain.ICECandidate
	Data      []byte
}

// MediaConnection is the per-peer capability that terminates (or relays) the
// WebRTC session and exposes its application channel.
type MediaConnection interface {
	// CreateOffer opens the application channel, sets and returns the local offer.
	CreateOffer() (domain.SessionDescription, error)
	// AcceptOffer applies a remote offer, sets and returns the local answer.
	AcceptOffer(domain.SessionDescription) (domain.SessionDescription, error)
	AcceptAnswer(domain.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(domain.ICECandidate) error
	// Send writes one application payload on the open channel.
	Send([]byte) error
	// Events delivers candidates, channel readiness, payloads and closure in order.
	Events() <-chan MediaEvent
	// Close releases the underlying resources.
	Close() error
}

type MediaFactory interface {
	NewConnection(peer domain.PeerID, servers []domain.ICEServer) (MediaConnection, error)
}
