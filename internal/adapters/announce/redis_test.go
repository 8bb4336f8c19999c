package announce

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/colastream/internal/domain"
	"github.com/redis/go-redis/v9"
)

// fakeRedis records the commands the publisher issues.
type fakeRedis struct {
	redis.UniversalClient

	mu        sync.Mutex
	sets      map[string]time.Duration
	published map[string][]string
	deleted   []string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{sets: make(map[string]time.Duration), published: make(map[string][]string)}
}

func (f *fakeRedis) Set(_ context.Context, key string, _ any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, msg any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel] = append(f.published[channel], string(msg.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, keys...)
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (f *fakeRedis) Published(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published[channel]...)
}

func TestPublisherRun(t *testing.T) {
	const room = domain.RoomID("colastream-abc123")
	rdb := newFakeRedis()
	p := NewPublisher(rdb, room, domain.DefaultStreamID, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.SessionChanged(domain.NewSessionEvent("peer-1", "gen-1", domain.StateNegotiating))
	p.SessionChanged(domain.NewSessionEvent("peer-1", "gen-1", domain.StateChannelOpen))

	deadline := time.Now().Add(2 * time.Second)
	for len(rdb.Published(SessionsChannel(room))) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := rdb.Published(SessionsChannel(room))
	if len(msgs) != 2 {
		t.Fatalf("published = %v", msgs)
	}
	var ev struct {
		Peer  string `json:"peer"`
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(msgs[1]), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Peer != "peer-1" || ev.State != "channel_open" {
		t.Errorf("event = %+v", ev)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rdb.mu.Lock()
	defer rdb.mu.Unlock()
	if ttl, ok := rdb.sets[PresenceKey(room)]; !ok || ttl != time.Minute {
		t.Errorf("presence set = %v, %v", ttl, ok)
	}
	if len(rdb.deleted) != 1 || rdb.deleted[0] != PresenceKey(room) {
		t.Errorf("deleted = %v", rdb.deleted)
	}
}

func TestPublisherNeverBlocks(t *testing.T) {
	p := NewPublisher(newFakeRedis(), "r", "s", 0)
	for range eventBuffer + 5 {
		p.SessionChanged(domain.NewSessionEvent("p", "g", domain.StateNew))
	}
	if got := p.Dropped(); got != 5 {
		t.Errorf("Dropped() = %d, want 5", got)
	}
	if p.ttl != DefaultTTL {
		t.Errorf("ttl = %v", p.ttl)
	}
}

func TestConnectFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Connect(ctx, Config{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatal("Connect() expected error")
	}
}

func TestKeys(t *testing.T) {
	if got := PresenceKey("room1"); got != "colastream:bridge:room1" {
		t.Errorf("PresenceKey() = %q", got)
	}
	if got := SessionsChannel("room1"); got != "colastream:room1:sessions" {
		t.Errorf("SessionsChannel() = %q", got)
	}
}
