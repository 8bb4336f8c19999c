// Package proxy forwards WHIP/WHEP offers received from peers to the local
// media server and turns the outcome into exactly one reply.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dkeye/colastream/internal/core"
	"github.com/dkeye/colastream/internal/domain"
	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMediaServerURL = "http://localhost:8889"
	DefaultTimeout        = 10 * time.Second

	contentTypeSDP = "application/sdp"
	maxAnswerBytes = 1 << 20
	errBodyPreview = 100
)

var ErrInvalidStreamPath = errors.New("invalid stream path")

// Proxy implements app.RequestHandler.
type Proxy struct {
	baseURL string
	client  *http.Client
	ice     core.ICEServerSource
}

func New(baseURL string, timeout time.Duration, ice core.ICEServerSource) *Proxy {
	if baseURL == "" {
		baseURL = DefaultMediaServerURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Proxy{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		ice:     ice,
	}
}

func (p *Proxy) Handle(ctx context.Context, peer domain.PeerID, msg domain.AppMessage, reply func(domain.AppMessage)) {
	logger := log.With().Str("module", "proxy").Str("peer", peer.Short()).Logger()

	switch {
	case msg.IsMediaRequest():
		logger.Info().Str("type", string(msg.Type)).Str("path", msg.Path()).Int("media", mediaSections(msg.SDP)).Msg("proxying request")
		answer, err := p.forward(ctx, msg)
		if err != nil {
			logger.Error().Err(err).Str("type", string(msg.Type)).Msg("proxy failed")
			reply(domain.ErrorReply(msg.RequestID, err))
			return
		}
		reply(domain.AppMessage{
			Type:       msg.AnswerType(),
			RequestID:  msg.RequestID,
			SDP:        answer,
			ICEServers: p.servers(),
		})
		logger.Info().Str("type", string(msg.Type)).Msg("answer sent")
	case msg.Type == domain.MessagePing:
		reply(domain.Pong())
	default:
		logger.Info().Str("type", string(msg.Type)).Msg("unknown message type ignored")
	}
}

// URL builds {base}/{streamPath}/{whip|whep}, escaping every path segment.
func (p *Proxy) URL(msg domain.AppMessage) (string, error) {
	var segments []string
	for _, seg := range strings.Split(msg.Path(), "/") {
		if seg != "" {
			segments = append(segments, url.PathEscape(seg))
		}
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidStreamPath, msg.StreamPath)
	}
	return fmt.Sprintf("%s/%s/%s", p.baseURL, strings.Join(segments, "/"), msg.Type), nil
}

func (p *Proxy) forward(ctx context.Context, msg domain.AppMessage) (string, error) {
	target, err := p.URL(msg)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewBufferString(msg.SDP))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentTypeSDP)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", fmt.Errorf("read media server response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		text := string(body)
		if utf8.RuneCountInString(text) > errBodyPreview {
			text = string([]rune(text)[:errBodyPreview])
		}
		return "", fmt.Errorf("media server %d: %s", resp.StatusCode, text)
	}
	return string(body), nil
}

func (p *Proxy) servers() []domain.ICEServer {
	if p.ice == nil {
		return domain.DefaultICEServers()
	}
	return p.ice.Servers()
}

// mediaSections counts m= lines of an offer, -1 when it does not parse.
func mediaSections(raw string) int {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return -1
	}
	return len(desc.MediaDescriptions)
}
