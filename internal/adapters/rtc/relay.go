package rtc

import (
	"sync"

	"github.com/dkeye/colastream/internal/core"
	"github.com/dkeye/colastream/internal/domain"
)

// RelayFactory builds connections for peers that terminate WebRTC themselves.
// The rendezvous bus doubles as the application channel, so it is usable at once.
type RelayFactory struct {
	signal core.SignalConnection
}

func NewRelayFactory(signal core.SignalConnection) *RelayFactory {
	return &RelayFactory{signal: signal}
}

func (f *RelayFactory) NewConnection(peer domain.PeerID, _ []domain.ICEServer) (core.MediaConnection, error) {
	c := &RelayConnection{
		peer:   peer,
		signal: f.signal,
		events: make(chan core.MediaEvent, 1),
		done:   make(chan struct{}),
	}
	c.events <- core.MediaEvent{Kind: core.MediaChannelOpen}
	return c, nil
}

type RelayConnection struct {
	peer   domain.PeerID
	signal core.SignalConnection

	events    chan core.MediaEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (c *RelayConnection) CreateOffer() (domain.SessionDescription, error) {
	return domain.SessionDescription{}, core.ErrNotTerminated
}

func (c *RelayConnection) AcceptOffer(domain.SessionDescription) (domain.SessionDescription, error) {
	return domain.SessionDescription{}, core.ErrNotTerminated
}

func (c *RelayConnection) AcceptAnswer(domain.SessionDescription) error {
	return core.ErrNotTerminated
}

func (c *RelayConnection) AddICECandidate(domain.ICECandidate) error { return nil }

func (c *RelayConnection) Send(data []byte) error {
	select {
	case <-c.done:
		return core.ErrTransportClosed
	default:
	}
	return core.SendFrame(c.signal, domain.ApplicationFrame(c.peer, data))
}

func (c *RelayConnection) Events() <-chan core.MediaEvent { return c.events }

func (c *RelayConnection) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
