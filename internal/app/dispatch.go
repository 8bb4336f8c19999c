package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/colastream/internal/core"
	"github.com/dkeye/colastream/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var ErrRateLimited = errors.New("rate limited")

// RequestHandler answers application messages. It must call reply at most once.
type RequestHandler interface {
	Handle(ctx context.Context, peer domain.PeerID, msg domain.AppMessage, reply func(domain.AppMessage))
}

// Dispatcher classifies inbound signaling frames and routes them to sessions.
// Frames are dispatched one at a time; request handling fans out per message.
type Dispatcher struct {
	table   *SessionTable
	handler RequestHandler
	limiter *RequestRateLimiter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	stopped  bool
	inflight conc.WaitGroup
	stopOnce sync.Once
}

func NewDispatcher(cfg TableConfig, handler RequestHandler, limiter *RequestRateLimiter) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		handler: handler,
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
	}
	cfg.Observer = sessionObserver{next: cfg.Observer, limiter: limiter}
	d.table = NewSessionTable(cfg, d.handleChannelMessage)
	return d
}

func (d *Dispatcher) Sessions() *SessionTable { return d.table }

// Run dispatches frames until ctx is done or the transport closes, then
// tears every session down.
func (d *Dispatcher) Run(ctx context.Context, frames <-chan core.Frame) error {
	defer d.Shutdown()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.dispatch").Msg("dispatch loop stopped")
			return nil
		case f, ok := <-frames:
			if !ok {
				log.Warn().Str("module", "app.dispatch").Msg("transport closed")
				return core.ErrTransportClosed
			}
			d.Dispatch(f)
		}
	}
}

// Shutdown closes all sessions, cancels in-flight requests and waits for them.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()

		d.table.CloseAll()
		d.cancel()
		d.inflight.Wait()
	})
}

// Dispatch handles one raw frame. Bad frames are dropped, never fatal.
func (d *Dispatcher) Dispatch(data core.Frame) {
	f, err := domain.ParseFrame(data)
	if err != nil {
		log.Debug().Err(err).Str("module", "app.dispatch").Msg("unparsable frame dropped")
		return
	}

	kind := f.Kind()
	log.Debug().Str("module", "app.dispatch").Str("kind", kind.String()).Str("peer", f.UUID.Short()).Msg("frame")

	switch kind {
	case domain.FrameOfferRequest:
		d.onOfferRequest(f.UUID)
	case domain.FrameSessionDescription:
		d.onDescription(f.UUID, f.Description())
	case domain.FrameCandidate:
		d.onCandidate(f)
	case domain.FrameApplication:
		d.onEnvelope(f.UUID, f.Payload)
	case domain.FrameBye:
		if d.table.Close(f.UUID) {
			log.Info().Str("module", "app.dispatch").Str("peer", f.UUID.Short()).Msg("peer left")
		}
	case domain.FrameListing:
		log.Info().Str("module", "app.dispatch").Int("members", len(f.Members())).Msg("room listing")
	case domain.FrameJoinRoom, domain.FrameSeed:
		log.Debug().Str("module", "app.dispatch").Str("request", f.Request).Msg("room echo")
	default:
		log.Debug().Str("module", "app.dispatch").Str("request", f.Request).Msg("unrecognized frame dropped")
	}
}

func (d *Dispatcher) onOfferRequest(peer domain.PeerID) {
	logger := log.With().Str("module", "app.dispatch").Str("peer", peer.Short()).Logger()
	logger.Info().Msg("peer requests connection")

	s, created, err := d.table.GetOrCreate(peer)
	if err != nil {
		logger.Error().Err(err).Msg("create session")
		return
	}
	if !created && s.State() != domain.StateNew {
		logger.Info().Str("state", s.State().String()).Msg("replacing stale session")
		if s, err = d.table.Replace(peer); err != nil {
			logger.Error().Err(err).Msg("replace session")
			return
		}
	}
	if err := s.InitiateOffer(); err != nil {
		logNegotiation(logger, err, "initiate offer")
	}
}

func (d *Dispatcher) onDescription(peer domain.PeerID, desc domain.SessionDescription) {
	logger := log.With().Str("module", "app.dispatch").Str("peer", peer.Short()).Str("sdp_type", desc.Type).Logger()

	switch desc.Type {
	case domain.SDPOffer:
		s, _, err := d.table.GetOrCreate(peer)
		if err != nil {
			logger.Error().Err(err).Msg("create session")
			return
		}
		if err := s.AcceptOffer(desc); err != nil {
			logNegotiation(logger, err, "accept offer")
		}
	case domain.SDPAnswer:
		s, ok := d.table.Get(peer)
		if !ok || s.State() != domain.StateNegotiating {
			logger.Warn().Msg("answer without negotiating session dropped")
			return
		}
		if err := s.AcceptAnswer(desc); err != nil {
			logNegotiation(logger, err, "accept answer")
		}
	default:
		logger.Debug().Msg("unsupported sdp type dropped")
	}
}

func (d *Dispatcher) onCandidate(f domain.Frame) {
	s, ok := d.table.Get(f.UUID)
	if !ok {
		log.Debug().Str("module", "app.dispatch").Str("peer", f.UUID.Short()).Msg("candidate without session dropped")
		return
	}
	c, err := f.ICECandidate()
	if err != nil {
		log.Debug().Err(err).Str("module", "app.dispatch").Str("peer", f.UUID.Short()).Msg("bad candidate dropped")
		return
	}
	if err := s.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "app.dispatch").Str("peer", f.UUID.Short()).Msg("add ice candidate")
	}
}

func (d *Dispatcher) onEnvelope(peer domain.PeerID, payload json.RawMessage) {
	s, _, err := d.table.GetOrCreate(peer)
	if err != nil {
		log.Error().Err(err).Str("module", "app.dispatch").Str("peer", peer.Short()).Msg("create session")
		return
	}
	d.handleApplication(s, payload)
}

func (d *Dispatcher) handleChannelMessage(s *PeerSession, data []byte) {
	d.handleApplication(s, data)
}

func (d *Dispatcher) handleApplication(s *PeerSession, data []byte) {
	peer := s.Peer()
	msg, err := domain.ParseAppMessage(data)
	if err != nil {
		log.Debug().Err(err).Str("module", "app.dispatch").Str("peer", peer.Short()).Msg("bad application message dropped")
		return
	}

	reply := func(r domain.AppMessage) {
		if err := s.SendMessage(r); err != nil {
			log.Warn().Err(err).Str("module", "app.dispatch").Str("peer", peer.Short()).Str("type", string(r.Type)).Msg("reply not delivered")
		}
	}

	if d.limiter != nil && msg.IsMediaRequest() && !d.limiter.Allow(peer) {
		log.Warn().Str("module", "app.dispatch").Str("peer", peer.Short()).Msg("request rate limited")
		reply(domain.ErrorReply(msg.RequestID, ErrRateLimited))
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return
	}
	d.inflight.Go(func() {
		d.handler.Handle(d.ctx, peer, msg, reply)
	})
}

func logNegotiation(logger zerolog.Logger, err error, op string) {
	switch {
	case errors.Is(err, core.ErrNotTerminated):
		logger.Debug().Str("op", op).Msg("sdp ignored, peer terminates webrtc")
	case errors.Is(err, ErrWrongState), errors.Is(err, ErrSessionClosed):
		logger.Warn().Err(err).Str("op", op).Msg("frame dropped")
	default:
		logger.Error().Err(err).Str("op", op).Msg("negotiation failed")
	}
}

// sessionObserver forgets rate-limit history of closed sessions before
// forwarding the event.
type sessionObserver struct {
	next    core.SessionObserver
	limiter *RequestRateLimiter
}

func (o sessionObserver) SessionChanged(ev domain.SessionEvent) {
	if ev.State == domain.StateClosed && o.limiter != nil {
		o.limiter.Forget(ev.Peer)
	}
	if o.next != nil {
		o.next.SessionChanged(ev)
	}
}
