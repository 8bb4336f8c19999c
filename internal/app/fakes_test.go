package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/colastream/internal/core"
	"github.com/dkeye/colastream/internal/domain"
)

// fakeSignal records outbound frames and lets tests inject inbound ones.
type fakeSignal struct {
	mu     sync.Mutex
	sent   []domain.Frame
	frames chan core.Frame
	closed bool
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{frames: make(chan core.Frame, 16)}
}

func (s *fakeSignal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrTransportClosed
	}
	parsed, err := domain.ParseFrame(f)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, parsed)
	return nil
}

func (s *fakeSignal) Frames() <-chan core.Frame { return s.frames }

func (s *fakeSignal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSignal) Sent() []domain.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Frame(nil), s.sent...)
}

func (s *fakeSignal) inject(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	s.frames <- b
}

// fakeConn is a scripted MediaConnection.
type fakeConn struct {
	peer   domain.PeerID
	events chan core.MediaEvent

	offerErr  error
	acceptErr error

	mu         sync.Mutex
	sent       [][]byte
	candidates []domain.ICECandidate
	answers    []domain.SessionDescription
	offers     []domain.SessionDescription
	closeCount int
}

func (c *fakeConn) CreateOffer() (domain.SessionDescription, error) {
	if c.offerErr != nil {
		return domain.SessionDescription{}, c.offerErr
	}
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0 local-offer"}, nil
}

func (c *fakeConn) AcceptOffer(offer domain.SessionDescription) (domain.SessionDescription, error) {
	if c.acceptErr != nil {
		return domain.SessionDescription{}, c.acceptErr
	}
	c.mu.Lock()
	c.offers = append(c.offers, offer)
	c.mu.Unlock()
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: "v=0 local-answer"}, nil
}

func (c *fakeConn) AcceptAnswer(answer domain.SessionDescription) error {
	if c.acceptErr != nil {
		return c.acceptErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, answer)
	return nil
}

func (c *fakeConn) AddICECandidate(ci domain.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Events() <-chan core.MediaEvent { return c.events }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	return nil
}

func (c *fakeConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, b := range c.sent {
		out[i] = string(b)
	}
	return out
}

func (c *fakeConn) Candidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candidates)
}

func (c *fakeConn) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.answers)
}

func (c *fakeConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// fakeFactory hands out fakeConns and remembers them per peer.
type fakeFactory struct {
	// openOnStart emits MediaChannelOpen as soon as a connection is built.
	openOnStart bool
	offerErr    error
	err         error

	mu    sync.Mutex
	conns map[domain.PeerID][]*fakeConn
	total int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{conns: make(map[domain.PeerID][]*fakeConn)}
}

func (f *fakeFactory) NewConnection(peer domain.PeerID, _ []domain.ICEServer) (core.MediaConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{peer: peer, events: make(chan core.MediaEvent, 8), offerErr: f.offerErr}
	if f.openOnStart {
		c.events <- core.MediaEvent{Kind: core.MediaChannelOpen}
	}
	f.mu.Lock()
	f.conns[peer] = append(f.conns[peer], c)
	f.total++
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) Last(peer domain.PeerID) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.conns[peer]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (f *fakeFactory) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

type staticICE []domain.ICEServer

func (s staticICE) Servers() []domain.ICEServer { return s }

func (s staticICE) Load(context.Context) []domain.ICEServer { return s }

// recordingObserver collects state names per peer.
type recordingObserver struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (o *recordingObserver) SessionChanged(ev domain.SessionEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) States() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.events))
	for i, ev := range o.events {
		out[i] = ev.StateName
	}
	return out
}

// echoHandler answers ping with pong and whip/whep with a fixed answer.
type echoHandler struct {
	mu    sync.Mutex
	calls int
}

func (h *echoHandler) Handle(_ context.Context, _ domain.PeerID, msg domain.AppMessage, reply func(domain.AppMessage)) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	switch {
	case msg.Type == domain.MessagePing:
		reply(domain.Pong())
	case msg.IsMediaRequest():
		reply(domain.AppMessage{Type: msg.AnswerType(), RequestID: msg.RequestID, SDP: "v=0 remote-answer"})
	}
}

func (h *echoHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

var errBoom = errors.New("boom")

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
