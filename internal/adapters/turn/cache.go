// Package turn fetches the ICE server list handed to peers and to the embedded
// WebRTC stack. Lookup failures never escape: the public STUN default is used.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dkeye/colastream/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultURL     = "https://turnservers.vdo.ninja/"
	DefaultTimeout = 5 * time.Second

	maxBody = 1 << 20
)

var ErrNoServers = errors.New("lookup returned no ice servers")

type lookupResponse struct {
	Servers []domain.ICEServer `json:"servers"`
}

// Cache holds the list fetched once at startup. Reads are lock-free.
type Cache struct {
	url     string
	client  *http.Client
	servers atomic.Pointer[[]domain.ICEServer]
}

func NewCache(url string, timeout time.Duration) *Cache {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Cache{url: url, client: &http.Client{Timeout: timeout}}
}

// Load performs the lookup and stores the result, or the default on any failure.
func (c *Cache) Load(ctx context.Context) []domain.ICEServer {
	servers, err := c.fetch(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "turn").Msg("using default STUN server")
		servers = domain.DefaultICEServers()
	} else {
		log.Info().Str("module", "turn").Int("count", len(servers)).Msg("fetched ICE servers")
	}
	c.servers.Store(&servers)
	return servers
}

// Servers returns the loaded list, or the default before Load has run.
func (c *Cache) Servers() []domain.ICEServer {
	if p := c.servers.Load(); p != nil {
		return *p
	}
	return domain.DefaultICEServers()
}

func (c *Cache) fetch(ctx context.Context) ([]domain.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("lookup status %d", resp.StatusCode)
	}
	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode lookup: %w", err)
	}
	servers := domain.Flatten(body.Servers)
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	return servers, nil
}
