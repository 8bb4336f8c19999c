package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/colastream/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

const (
	DefaultURL = "wss://wss.vdo.ninja"

	sendBuffer   = 32
	framesBuffer = 64
	writeWait    = 5 * time.Second
)

type Options struct {
	// PingPeriod enables WebSocket keepalive pings when positive.
	PingPeriod time.Duration
	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Client is the bridge's end of the rendezvous socket.
// It implements core.SignalConnection.
type Client struct {
	conn   *websocket.Conn
	send   chan core.Frame
	frames chan core.Frame
	done   chan struct{}

	pingPeriod time.Duration

	mu     sync.RWMutex
	closed bool
}

// Dial connects to the rendezvous bus. A failure here is fatal to startup.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	ws, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	log.Info().Str("module", "signal").Str("url", url).Msg("connected to rendezvous")
	return newClient(ws, opts), nil
}

func newClient(ws *websocket.Conn, opts Options) *Client {
	c := &Client{
		conn:       ws,
		send:       make(chan core.Frame, sendBuffer),
		frames:     make(chan core.Frame, framesBuffer),
		done:       make(chan struct{}),
		pingPeriod: opts.PingPeriod,
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (c *Client) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) Frames() <-chan core.Frame { return c.frames }

// Done is closed once the client has been closed locally or by the peer.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	close(c.done)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.conn.Close()
	c.mu.Unlock()
	log.Info().Str("module", "signal").Msg("connection closed")
}
