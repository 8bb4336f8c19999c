package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/colastream/internal/core"
	"github.com/dkeye/colastream/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxPending         = 32
	DefaultNegotiationTimeout = 30 * time.Second

	maxPendingCandidates = 64
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrWrongState    = errors.New("wrong session state")
)

type SessionOptions struct {
	// MaxPending bounds messages queued before the channel opens; oldest are dropped.
	MaxPending int
	// NegotiationTimeout closes sessions that never reach ChannelOpen. Zero disables it.
	NegotiationTimeout time.Duration
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	return o
}

// MessageHandler receives application payloads read from a session's channel.
type MessageHandler func(s *PeerSession, data []byte)

// SessionInfo is a read-only view for the status API.
type SessionInfo struct {
	Peer       domain.PeerID `json:"peer"`
	Generation string        `json:"generation"`
	State      string        `json:"state"`
	Pending    int           `json:"pending"`
	Dropped    int           `json:"dropped"`
	CreatedAt  time.Time     `json:"created_at"`
}

// PeerSession is the state machine for one remote peer.
// New -> Negotiating -> ChannelOpen -> Closed; Closed is terminal.
type PeerSession struct {
	peer       domain.PeerID
	generation string
	createdAt  time.Time

	conn      core.MediaConnection
	signal    core.SignalConnection
	observer  core.SessionObserver
	onMessage MessageHandler
	onClosed  func(*PeerSession)
	opts      SessionOptions

	mu                sync.Mutex
	state             domain.SessionState
	offerer           bool
	localSet          bool
	remoteSet         bool
	pending           [][]byte
	pendingCandidates []domain.ICECandidate
	dropped           int
	timer             *time.Timer

	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

func newPeerSession(
	peer domain.PeerID,
	conn core.MediaConnection,
	signal core.SignalConnection,
	opts SessionOptions,
	observer core.SessionObserver,
	onMessage MessageHandler,
	onClosed func(*PeerSession),
) *PeerSession {
	gen := uuid.NewString()
	return &PeerSession{
		peer:       peer,
		generation: gen,
		createdAt:  time.Now(),
		conn:       conn,
		signal:     signal,
		observer:   observer,
		onMessage:  onMessage,
		onClosed:   onClosed,
		opts:       opts.withDefaults(),
		state:      domain.StateNew,
		done:       make(chan struct{}),
		logger: log.With().
			Str("module", "app.session").
			Str("peer", peer.Short()).
			Str("generation", gen[:8]).
			Logger(),
	}
}

// start arms the negotiation timer and begins consuming connection events.
func (s *PeerSession) start() {
	s.mu.Lock()
	if s.opts.NegotiationTimeout > 0 {
		s.timer = time.AfterFunc(s.opts.NegotiationTimeout, s.negotiationExpired)
	}
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Info().Msg("session created")
	go s.run()
}

func (s *PeerSession) Peer() domain.PeerID { return s.peer }
func (s *PeerSession) Generation() string  { return s.generation }
func (s *PeerSession) Done() <-chan struct{} { return s.done }

func (s *PeerSession) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *PeerSession) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		Peer:       s.peer,
		Generation: s.generation,
		State:      s.state.String(),
		Pending:    len(s.pending),
		Dropped:    s.dropped,
		CreatedAt:  s.createdAt,
	}
}

// InitiateOffer opens the application channel and sends our offer to the peer.
func (s *PeerSession) InitiateOffer() error {
	s.mu.Lock()
	if s.state != domain.StateNew {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: initiate offer in %s", ErrWrongState, st)
	}
	offer, err := s.conn.CreateOffer()
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, core.ErrNotTerminated) {
			return err
		}
		s.fail(err, "create offer")
		return err
	}
	s.offerer = true
	s.localSet = true
	s.setStateLocked(domain.StateNegotiating)
	err = s.sendFrameLocked(domain.DescriptionFrame(s.peer, offer))
	s.mu.Unlock()
	if err != nil {
		s.fail(err, "send offer")
		return err
	}

	s.logger.Info().Msg("offer sent")
	return nil
}

// AcceptOffer applies the peer's offer and replies with our answer.
// A second offer for this generation is ignored.
func (s *PeerSession) AcceptOffer(offer domain.SessionDescription) error {
	s.mu.Lock()
	switch {
	case s.state == domain.StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.remoteSet:
		s.mu.Unlock()
		s.logger.Warn().Msg("duplicate offer ignored")
		return nil
	case s.state != domain.StateNew:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: offer in %s", ErrWrongState, st)
	}

	answer, err := s.conn.AcceptOffer(offer)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, core.ErrNotTerminated) {
			return err
		}
		s.fail(err, "accept offer")
		return err
	}
	s.remoteSet = true
	s.localSet = true
	s.setStateLocked(domain.StateNegotiating)
	err = s.sendFrameLocked(domain.DescriptionFrame(s.peer, answer))
	if err == nil {
		s.flushCandidatesLocked()
	}
	s.mu.Unlock()
	if err != nil {
		s.fail(err, "send answer")
		return err
	}

	s.logger.Info().Msg("answer sent")
	return nil
}

// AcceptAnswer applies the peer's answer to our offer.
// A duplicate answer for this generation is ignored.
func (s *PeerSession) AcceptAnswer(answer domain.SessionDescription) error {
	s.mu.Lock()
	switch {
	case s.state == domain.StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.state != domain.StateNegotiating || !s.offerer:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: answer in %s", ErrWrongState, st)
	case s.remoteSet:
		s.mu.Unlock()
		s.logger.Warn().Msg("duplicate answer ignored")
		return nil
	}

	if err := s.conn.AcceptAnswer(answer); err != nil {
		s.mu.Unlock()
		if errors.Is(err, core.ErrNotTerminated) {
			return err
		}
		s.fail(err, "accept answer")
		return err
	}
	s.remoteSet = true
	s.flushCandidatesLocked()
	s.mu.Unlock()

	s.logger.Info().Msg("answer applied")
	return nil
}

// AddICECandidate applies a remote candidate, holding it until the remote
// description is known.
func (s *PeerSession) AddICECandidate(c domain.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateClosed {
		return ErrSessionClosed
	}
	if !s.remoteSet {
		if len(s.pendingCandidates) >= maxPendingCandidates {
			s.logger.Warn().Msg("candidate buffer full, dropping candidate")
			return nil
		}
		s.pendingCandidates = append(s.pendingCandidates, c)
		return nil
	}
	return s.conn.AddICECandidate(c)
}

// Send transmits one application payload, or queues it until the channel opens.
func (s *PeerSession) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case domain.StateClosed:
		return ErrSessionClosed
	case domain.StateChannelOpen:
		return s.conn.Send(data)
	}
	if len(s.pending) >= s.opts.MaxPending {
		copy(s.pending, s.pending[1:])
		s.pending = s.pending[:len(s.pending)-1]
		s.dropped++
		s.logger.Warn().Int("depth", s.opts.MaxPending).Msg("pending queue full, dropped oldest message")
	}
	s.pending = append(s.pending, data)
	return nil
}

func (s *PeerSession) SendMessage(msg domain.AppMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.Send(b)
}

// Close releases the connection exactly once and removes the session from its table.
func (s *PeerSession) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.setStateLocked(domain.StateClosed)
		if s.timer != nil {
			s.timer.Stop()
		}
		s.pending = nil
		s.pendingCandidates = nil
		s.mu.Unlock()

		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.Error().Err(err).Msg("close connection")
		}
		if s.onClosed != nil {
			s.onClosed(s)
		}
		s.logger.Info().Msg("session closed")
	})
}

func (s *PeerSession) run() {
	events := s.conn.Events()
	for {
		select {
		case <-s.done:
			return
		case ev := <-events:
			s.handleEvent(ev)
		}
	}
}

func (s *PeerSession) handleEvent(ev core.MediaEvent) {
	switch ev.Kind {
	case core.MediaCandidate:
		f, err := domain.CandidateFrame(s.peer, ev.Candidate)
		if err != nil {
			s.logger.Error().Err(err).Msg("encode candidate")
			return
		}
		s.mu.Lock()
		if s.state != domain.StateClosed {
			if err := s.sendFrameLocked(f); err != nil {
				s.logger.Warn().Err(err).Msg("send candidate")
			}
		}
		s.mu.Unlock()
	case core.MediaChannelOpen:
		s.channelReady()
	case core.MediaMessage:
		if s.onMessage != nil {
			s.onMessage(s, ev.Data)
		}
	case core.MediaClosed:
		s.logger.Warn().Msg("connection lost")
		s.Close()
	}
}

// channelReady moves to ChannelOpen and flushes queued messages in order.
func (s *PeerSession) channelReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateChannelOpen || s.state == domain.StateClosed {
		return
	}
	s.setStateLocked(domain.StateChannelOpen)
	if s.timer != nil {
		s.timer.Stop()
	}
	for _, data := range s.pending {
		if err := s.conn.Send(data); err != nil {
			s.logger.Error().Err(err).Msg("flush pending message")
		}
	}
	if n := len(s.pending); n > 0 {
		s.logger.Info().Int("count", n).Msg("flushed pending messages")
	}
	s.pending = nil
	s.logger.Info().Msg("channel open")
}

func (s *PeerSession) negotiationExpired() {
	st := s.State()
	if st != domain.StateNew && st != domain.StateNegotiating {
		return
	}
	s.logger.Warn().Str("state", st.String()).Dur("timeout", s.opts.NegotiationTimeout).Msg("negotiation timed out")
	s.Close()
}

func (s *PeerSession) fail(err error, op string) {
	s.logger.Error().Err(err).Str("op", op).Msg("negotiation failed")
	s.Close()
}

func (s *PeerSession) flushCandidatesLocked() {
	for _, c := range s.pendingCandidates {
		if err := s.conn.AddICECandidate(c); err != nil {
			s.logger.Warn().Err(err).Msg("apply buffered candidate")
		}
	}
	s.pendingCandidates = nil
}

func (s *PeerSession) sendFrameLocked(f domain.Frame) error {
	return core.SendFrame(s.signal, f)
}

func (s *PeerSession) setStateLocked(st domain.SessionState) {
	if s.state == st {
		return
	}
	s.state = st
	s.notifyLocked()
}

func (s *PeerSession) notifyLocked() {
	if s.observer != nil {
		s.observer.SessionChanged(domain.NewSessionEvent(s.peer, s.generation, s.state))
	}
}
