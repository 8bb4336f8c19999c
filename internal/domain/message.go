package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageType discriminates application messages on the data channel.
type MessageType string

const (
	MessageWHIP       MessageType = "whip"
	MessageWHEP       MessageType = "whep"
	MessagePing       MessageType = "ping"
	MessagePong       MessageType = "pong"
	MessageError      MessageType = "error"
	MessageWHIPAnswer MessageType = "whip-answer"
	MessageWHEPAnswer MessageType = "whep-answer"
)

const DefaultStreamPath = "live"

// AppMessage is a request or reply carried over the application channel.
// RequestID is kept raw so it is echoed back byte for byte.
type AppMessage struct {
	Type       MessageType     `json:"type"`
	RequestID  json.RawMessage `json:"requestId,omitempty"`
	StreamPath string          `json:"streamPath,omitempty"`
	SDP        string          `json:"sdp,omitempty"`
	Error      string          `json:"error,omitempty"`
	ICEServers []ICEServer     `json:"iceServers,omitempty"`
}

// ParseAppMessage accepts a JSON object or a JSON string holding one.
func ParseAppMessage(data []byte) (AppMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return AppMessage{}, ErrEmptyPayload
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return AppMessage{}, fmt.Errorf("decode string payload: %w", err)
		}
		data = []byte(inner)
	}
	var m AppMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return AppMessage{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// IsMediaRequest reports whether the message must be proxied to the media server.
func (m AppMessage) IsMediaRequest() bool {
	return m.Type == MessageWHIP || m.Type == MessageWHEP
}

func (m AppMessage) Path() string {
	if m.StreamPath == "" {
		return DefaultStreamPath
	}
	return m.StreamPath
}

// AnswerType maps whip/whep to its reply type.
func (m AppMessage) AnswerType() MessageType {
	return MessageType(string(m.Type) + "-answer")
}

func ErrorReply(requestID json.RawMessage, err error) AppMessage {
	return AppMessage{Type: MessageError, RequestID: requestID, Error: err.Error()}
}

func Pong() AppMessage {
	return AppMessage{Type: MessagePong}
}
