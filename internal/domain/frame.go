package domain

import (
	"bytes"
	"encoding/json"
	"errors"
)

var (
	ErrEmptyPayload = errors.New("empty payload")
	ErrNoCandidate  = errors.New("no candidate")
)

// Request discriminators used on the rendezvous bus.
const (
	RequestJoinRoom = "joinroom"
	RequestSeed     = "seed"
	RequestOfferSDP = "offerSDP"
	RequestListing  = "listing"
	RequestBye      = "bye"
)

// FrameKind is the classified variant of a signaling frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameJoinRoom
	FrameSeed
	FrameOfferRequest
	FrameListing
	FrameBye
	FrameSessionDescription
	FrameCandidate
	FrameApplication
)

func (k FrameKind) String() string {
	switch k {
	case FrameJoinRoom:
		return "joinroom"
	case FrameSeed:
		return "seed"
	case FrameOfferRequest:
		return "offer_request"
	case FrameListing:
		return "listing"
	case FrameBye:
		return "bye"
	case FrameSessionDescription:
		return "sdp"
	case FrameCandidate:
		return "candidate"
	case FrameApplication:
		return "application"
	}
	return "unknown"
}

// Frame is the loosely typed JSON envelope exchanged with the rendezvous bus.
// Which fields are populated decides its variant, see Kind.
type Frame struct {
	Request   string          `json:"request,omitempty"`
	UUID      PeerID          `json:"UUID,omitempty"`
	RoomID    RoomID          `json:"roomid,omitempty"`
	StreamID  string          `json:"streamID,omitempty"`
	Type      string          `json:"type,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	List      json.RawMessage `json:"list,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Kind classifies the frame. Peer-scoped variants without a UUID are unknown.
func (f Frame) Kind() FrameKind {
	if f.Request != "" {
		switch f.Request {
		case RequestJoinRoom:
			return FrameJoinRoom
		case RequestSeed:
			return FrameSeed
		case RequestListing:
			return FrameListing
		case RequestOfferSDP:
			if f.UUID == "" {
				return FrameUnknown
			}
			return FrameOfferRequest
		case RequestBye:
			if f.UUID == "" {
				return FrameUnknown
			}
			return FrameBye
		}
		return FrameUnknown
	}
	if f.UUID == "" {
		return FrameUnknown
	}
	switch {
	case f.SDP != "":
		return FrameSessionDescription
	case present(f.Candidate):
		return FrameCandidate
	case present(f.Payload):
		return FrameApplication
	}
	return FrameUnknown
}

// Description returns the SDP carried by the frame. A missing type means answer.
func (f Frame) Description() SessionDescription {
	t := f.Type
	if t == "" {
		t = SDPAnswer
	}
	return SessionDescription{Type: t, SDP: f.SDP}
}

// ICECandidate decodes the candidate field, which is either an object or a bare string.
func (f Frame) ICECandidate() (ICECandidate, error) {
	if !present(f.Candidate) {
		return ICECandidate{}, ErrNoCandidate
	}
	var c ICECandidate
	if bytes.HasPrefix(bytes.TrimSpace(f.Candidate), []byte(`"`)) {
		if err := json.Unmarshal(f.Candidate, &c.Candidate); err != nil {
			return ICECandidate{}, err
		}
		return c, nil
	}
	if err := json.Unmarshal(f.Candidate, &c); err != nil {
		return ICECandidate{}, err
	}
	return c, nil
}

// Members decodes the listing, tolerating any element shape.
func (f Frame) Members() []json.RawMessage {
	var out []json.RawMessage
	if err := json.Unmarshal(f.List, &out); err != nil {
		return nil
	}
	return out
}

func JoinRoomFrame(room RoomID) Frame {
	return Frame{Request: RequestJoinRoom, RoomID: room}
}

func SeedFrame(streamID string) Frame {
	return Frame{Request: RequestSeed, StreamID: streamID}
}

func DescriptionFrame(peer PeerID, d SessionDescription) Frame {
	return Frame{UUID: peer, Type: d.Type, SDP: d.SDP}
}

func CandidateFrame(peer PeerID, c ICECandidate) (Frame, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return Frame{}, err
	}
	return Frame{UUID: peer, Candidate: raw}, nil
}

func ApplicationFrame(peer PeerID, payload []byte) Frame {
	return Frame{UUID: peer, Payload: json.RawMessage(payload)}
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
