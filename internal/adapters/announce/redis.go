package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dkeye/colastream/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTTL = 30 * time.Second

	eventBuffer = 64
)

type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Presence is the value stored under the bridge's presence key.
type Presence struct {
	Room      domain.RoomID `json:"room"`
	StreamID  string        `json:"stream_id"`
	StartedAt time.Time     `json:"started_at"`
}

// Publisher announces the bridge and its session transitions on Redis.
// SessionChanged never blocks; events are dropped when the buffer is full.
type Publisher struct {
	client   redis.UniversalClient
	presence Presence
	ttl      time.Duration

	events  chan domain.SessionEvent
	dropped atomic.Int64
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func NewPublisher(client redis.UniversalClient, room domain.RoomID, streamID string, ttl time.Duration) *Publisher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Publisher{
		client:   client,
		presence: Presence{Room: room, StreamID: streamID, StartedAt: time.Now().UTC()},
		ttl:      ttl,
		events:   make(chan domain.SessionEvent, eventBuffer),
	}
}

func PresenceKey(room domain.RoomID) string { return "colastream:bridge:" + string(room) }
func SessionsChannel(room domain.RoomID) string {
	return "colastream:" + string(room) + ":sessions"
}

func (p *Publisher) SessionChanged(ev domain.SessionEvent) {
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Dropped counts events lost to a full buffer.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Run refreshes the presence key every ttl/2 and publishes session events
// until ctx is done, then removes the key.
func (p *Publisher) Run(ctx context.Context) error {
	logger := log.With().Str("module", "adapters.announce").Str("room", string(p.presence.Room)).Logger()

	if err := p.refresh(ctx); err != nil {
		return fmt.Errorf("announce presence: %w", err)
	}
	logger.Info().Dur("ttl", p.ttl).Msg("presence announced")

	ticker := time.NewTicker(p.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := p.client.Del(cleanup, PresenceKey(p.presence.Room)).Err(); err != nil {
				logger.Warn().Err(err).Msg("remove presence")
			}
			cancel()
			logger.Info().Msg("presence withdrawn")
			return nil
		case <-ticker.C:
			if err := p.refresh(ctx); err != nil {
				logger.Warn().Err(err).Msg("refresh presence")
			}
		case ev := <-p.events:
			if err := p.publish(ctx, ev); err != nil {
				logger.Warn().Err(err).Str("peer", ev.Peer.Short()).Msg("publish session event")
			}
		}
	}
}

func (p *Publisher) refresh(ctx context.Context) error {
	b, err := json.Marshal(p.presence)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, PresenceKey(p.presence.Room), b, p.ttl).Err()
}

func (p *Publisher) publish(ctx context.Context, ev domain.SessionEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, SessionsChannel(p.presence.Room), b).Err()
}
