package app

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/dkeye/colastream/internal/core"
	"github.com/dkeye/colastream/internal/domain"
	"github.com/rs/zerolog/log"
)

// ICELoader fetches the ICE server list once and then serves it.
type ICELoader interface {
	core.ICEServerSource
	Load(ctx context.Context) []domain.ICEServer
}

type BridgeConfig struct {
	Room          domain.RoomID
	StreamID      string
	ViewerBaseURL string

	// Dial opens the rendezvous transport; its error aborts Run.
	Dial func(ctx context.Context) (core.SignalConnection, error)
	// Media picks who terminates WebRTC for sessions on this transport.
	Media func(signal core.SignalConnection) (core.MediaFactory, error)

	ICE      ICELoader
	Handler  RequestHandler
	Limiter  *RequestRateLimiter
	Observer core.SessionObserver
	Session  SessionOptions
}

// Bridge wires the transport, session table and dispatcher for one room.
type Bridge struct {
	cfg BridgeConfig

	mu         sync.RWMutex
	dispatcher *Dispatcher
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.StreamID == "" {
		cfg.StreamID = domain.DefaultStreamID
	}
	return &Bridge{cfg: cfg}
}

func (b *Bridge) Room() domain.RoomID { return b.cfg.Room }

// Run blocks until ctx is done (nil) or the transport drops (core.ErrTransportClosed).
// A failed initial connect is returned as is.
func (b *Bridge) Run(ctx context.Context) error {
	log.Info().Str("module", "app.bridge").Str("room", string(b.cfg.Room)).Msg("starting bridge")

	b.cfg.ICE.Load(ctx)

	conn, err := b.cfg.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect rendezvous: %w", err)
	}
	defer conn.Close()

	media, err := b.cfg.Media(conn)
	if err != nil {
		return fmt.Errorf("media factory: %w", err)
	}

	d := NewDispatcher(TableConfig{
		Media:    media,
		Signal:   conn,
		ICE:      b.cfg.ICE,
		Observer: b.cfg.Observer,
		Options:  b.cfg.Session,
	}, b.cfg.Handler, b.cfg.Limiter)
	b.mu.Lock()
	b.dispatcher = d
	b.mu.Unlock()

	if err := b.join(conn); err != nil {
		d.Shutdown()
		return fmt.Errorf("join room: %w", err)
	}
	b.logReady()

	if err := d.Run(ctx, conn.Frames()); err != nil {
		return err
	}
	log.Info().Str("module", "app.bridge").Msg("bridge stopped")
	return nil
}

func (b *Bridge) join(conn core.SignalConnection) error {
	if err := core.SendFrame(conn, domain.JoinRoomFrame(b.cfg.Room)); err != nil {
		return err
	}
	if err := core.SendFrame(conn, domain.SeedFrame(b.cfg.StreamID)); err != nil {
		return err
	}
	log.Info().Str("module", "app.bridge").Str("room", string(b.cfg.Room)).Str("stream_id", b.cfg.StreamID).Msg("joined room")
	return nil
}

func (b *Bridge) logReady() {
	ev := log.Info().Str("module", "app.bridge").Str("room", string(b.cfg.Room))
	if b.cfg.ViewerBaseURL != "" {
		q := url.Values{"room": {string(b.cfg.Room)}}.Encode()
		ev = ev.
			Str("publish_url", b.cfg.ViewerBaseURL+"/publish.html?"+q).
			Str("view_url", b.cfg.ViewerBaseURL+"/view.html?"+q)
	}
	ev.Msg("bridge ready, waiting for connections")
}

// Sessions lists live sessions; empty before the transport is up.
func (b *Bridge) Sessions() []SessionInfo {
	b.mu.RLock()
	d := b.dispatcher
	b.mu.RUnlock()
	if d == nil {
		return []SessionInfo{}
	}
	return d.Sessions().Snapshot()
}

// CloseSession tears down one peer's session, reporting whether it existed.
func (b *Bridge) CloseSession(peer domain.PeerID) bool {
	b.mu.RLock()
	d := b.dispatcher
	b.mu.RUnlock()
	if d == nil {
		return false
	}
	return d.Sessions().Close(peer)
}
