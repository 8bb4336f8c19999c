package core

import (
	"errors"

	"github.com/dkeye/colastream/internal/domain"
)

var ErrTransportClosed = errors.New("signaling transport closed")

// Frame is a raw JSON payload read from or written to the rendezvous bus.
type Frame []byte

// SignalConnection abstracts the persistent rendezvous socket.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues a frame for the single writer without blocking.
	TrySend(Frame) error
	// Frames yields inbound frames and is closed once the socket is gone.
	Frames() <-chan Frame
	Close()
}

// ICEServerSource serves the ICE server list fetched at startup.
type ICEServerSource interface {
	Servers() []domain.ICEServer
}

// SessionObserver is told about every peer session transition.
type SessionObserver interface {
	SessionChanged(domain.SessionEvent)
}
