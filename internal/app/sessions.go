package app

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/colastream/internal/core"
	"github.com/dkeye/colastream/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrTableClosed = errors.New("session table closed")

type TableConfig struct {
	Media    core.MediaFactory
	Signal   core.SignalConnection
	ICE      core.ICEServerSource
	Observer core.SessionObserver
	Options  SessionOptions
}

// SessionTable owns every PeerSession, at most one per peer UUID.
type SessionTable struct {
	cfg       TableConfig
	onMessage MessageHandler

	mu       sync.RWMutex
	sessions map[domain.PeerID]*PeerSession
	closed   bool
}

func NewSessionTable(cfg TableConfig, onMessage MessageHandler) *SessionTable {
	return &SessionTable{
		cfg:       cfg,
		onMessage: onMessage,
		sessions:  make(map[domain.PeerID]*PeerSession),
	}
}

func (t *SessionTable) Get(peer domain.PeerID) (*PeerSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[peer]
	return s, ok
}

// GetOrCreate returns the live session for peer, creating it atomically if absent.
func (t *SessionTable) GetOrCreate(peer domain.PeerID) (*PeerSession, bool, error) {
	t.mu.RLock()
	s, ok := t.sessions[peer]
	t.mu.RUnlock()
	if ok {
		return s, false, nil
	}

	t.mu.Lock()
	if s, ok = t.sessions[peer]; ok {
		t.mu.Unlock()
		return s, false, nil
	}
	if t.closed {
		t.mu.Unlock()
		return nil, false, ErrTableClosed
	}
	var servers []domain.ICEServer
	if t.cfg.ICE != nil {
		servers = t.cfg.ICE.Servers()
	}
	conn, err := t.cfg.Media.NewConnection(peer, servers)
	if err != nil {
		t.mu.Unlock()
		return nil, false, err
	}
	s = newPeerSession(peer, conn, t.cfg.Signal, t.cfg.Options, t.cfg.Observer, t.onMessage, t.remove)
	t.sessions[peer] = s
	t.mu.Unlock()

	s.start()
	return s, true, nil
}

// Replace closes any session for peer and creates a fresh generation.
func (t *SessionTable) Replace(peer domain.PeerID) (*PeerSession, error) {
	if old, ok := t.Get(peer); ok {
		old.Close()
	}
	s, _, err := t.GetOrCreate(peer)
	return s, err
}

// Close tears down the session for peer, reporting whether one existed.
func (t *SessionTable) Close(peer domain.PeerID) bool {
	s, ok := t.Get(peer)
	if !ok {
		return false
	}
	s.Close()
	return true
}

// CloseAll closes every session and refuses new ones.
func (t *SessionTable) CloseAll() {
	t.mu.Lock()
	t.closed = true
	all := make([]*PeerSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		all = append(all, s)
	}
	t.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	log.Info().Str("module", "app.sessions").Int("count", len(all)).Msg("closed all sessions")
}

func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *SessionTable) Snapshot() []SessionInfo {
	t.mu.RLock()
	all := make([]*PeerSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		all = append(all, s)
	}
	t.mu.RUnlock()

	out := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.Peer), string(b.Peer))
	})
	return out
}

// remove drops s only if it is still the table's session for its peer.
func (t *SessionTable) remove(s *PeerSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.sessions[s.peer]; ok && cur == s {
		delete(t.sessions, s.peer)
	}
}
