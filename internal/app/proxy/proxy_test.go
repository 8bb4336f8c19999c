package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dkeye/colastream/internal/domain"
)

const testOffer = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:96 VP8/90000\r\n"

type staticICE []domain.ICEServer

func (s staticICE) Servers() []domain.ICEServer { return s }

type request struct {
	method      string
	path        string
	contentType string
	body        string
}

func mediaServer(t *testing.T, status int, body string, delay time.Duration) (*httptest.Server, *[]request) {
	t.Helper()
	var mu sync.Mutex
	var seen []request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, request{r.Method, r.URL.Path, r.Header.Get("Content-Type"), string(b)})
		mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func handle(t *testing.T, p *Proxy, raw string) []domain.AppMessage {
	t.Helper()
	msg, err := domain.ParseAppMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseAppMessage() error = %v", err)
	}
	var replies []domain.AppMessage
	p.Handle(context.Background(), "peer-1", msg, func(m domain.AppMessage) { replies = append(replies, m) })
	return replies
}

func TestProxyWHIP(t *testing.T) {
	srv, seen := mediaServer(t, http.StatusCreated, "v=0 answer", 0)
	ice := staticICE{{URLs: domain.URLList{"turn:t1"}, Username: "u", Credential: "c"}}
	p := New(srv.URL+"/", time.Second, ice)

	body, _ := json.Marshal(map[string]any{"type": "whip", "requestId": 42, "streamPath": "cam1", "sdp": testOffer})
	replies := handle(t, p, string(body))

	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
	r := replies[0]
	if r.Type != domain.MessageWHIPAnswer || string(r.RequestID) != "42" || r.SDP != "v=0 answer" {
		t.Errorf("reply = %+v", r)
	}
	if len(r.ICEServers) != 1 || r.ICEServers[0].Username != "u" {
		t.Errorf("iceServers = %+v", r.ICEServers)
	}

	if len(*seen) != 1 {
		t.Fatalf("requests = %d", len(*seen))
	}
	req := (*seen)[0]
	if req.method != http.MethodPost || req.path != "/cam1/whip" {
		t.Errorf("request = %s %s", req.method, req.path)
	}
	if req.contentType != "application/sdp" || req.body != testOffer {
		t.Errorf("request content = %q %q", req.contentType, req.body)
	}
}

func TestProxyWHEPDefaultPath(t *testing.T) {
	srv, seen := mediaServer(t, http.StatusOK, "v=0 answer", 0)
	p := New(srv.URL, time.Second, nil)

	replies := handle(t, p, `{"type":"whep","requestId":"abc","sdp":"v=0"}`)
	if len(replies) != 1 || replies[0].Type != domain.MessageWHEPAnswer {
		t.Fatalf("replies = %+v", replies)
	}
	if string(replies[0].RequestID) != `"abc"` {
		t.Errorf("requestId = %s", replies[0].RequestID)
	}
	if got := replies[0].ICEServers; len(got) != 1 || got[0].URLs[0] != domain.DefaultSTUN {
		t.Errorf("iceServers = %+v", got)
	}
	if (*seen)[0].path != "/live/whep" {
		t.Errorf("path = %s", (*seen)[0].path)
	}
}

func TestProxyMediaServerError(t *testing.T) {
	srv, _ := mediaServer(t, http.StatusInternalServerError, strings.Repeat("x", 300), 0)
	p := New(srv.URL, time.Second, nil)

	replies := handle(t, p, `{"type":"whip","requestId":7,"sdp":"v=0"}`)
	if len(replies) != 1 {
		t.Fatalf("replies = %d", len(replies))
	}
	r := replies[0]
	if r.Type != domain.MessageError || string(r.RequestID) != "7" {
		t.Errorf("reply = %+v", r)
	}
	if !strings.Contains(r.Error, "500") {
		t.Errorf("error = %q, want status code", r.Error)
	}
	if len(r.Error) > 130 {
		t.Errorf("error body not truncated: %d chars", len(r.Error))
	}
}

func TestProxyTimeout(t *testing.T) {
	srv, _ := mediaServer(t, http.StatusCreated, "late", 500*time.Millisecond)
	p := New(srv.URL, 50*time.Millisecond, nil)

	replies := handle(t, p, `{"type":"whep","requestId":1,"sdp":"v=0"}`)
	if len(replies) != 1 || replies[0].Type != domain.MessageError {
		t.Fatalf("replies = %+v", replies)
	}
}

func TestProxyUnreachable(t *testing.T) {
	p := New("http://127.0.0.1:1", 100*time.Millisecond, nil)
	replies := handle(t, p, `{"type":"whip","requestId":1,"sdp":"v=0"}`)
	if len(replies) != 1 || replies[0].Type != domain.MessageError || replies[0].Error == "" {
		t.Fatalf("replies = %+v", replies)
	}
}

func TestProxyPing(t *testing.T) {
	p := New("", 0, nil)
	replies := handle(t, p, `{"type":"ping"}`)
	if len(replies) != 1 || replies[0].Type != domain.MessagePong {
		t.Fatalf("replies = %+v", replies)
	}
}

func TestProxyUnknownTypeIgnored(t *testing.T) {
	p := New("", 0, nil)
	if replies := handle(t, p, `{"type":"hello"}`); len(replies) != 0 {
		t.Fatalf("replies = %+v", replies)
	}
}

func TestProxyURL(t *testing.T) {
	p := New("http://media:8889/", 0, nil)
	tests := []struct {
		msg     domain.AppMessage
		want    string
		wantErr bool
	}{
		{msg: domain.AppMessage{Type: domain.MessageWHIP}, want: "http://media:8889/live/whip"},
		{msg: domain.AppMessage{Type: domain.MessageWHEP, StreamPath: "/cam/"}, want: "http://media:8889/cam/whep"},
		{msg: domain.AppMessage{Type: domain.MessageWHIP, StreamPath: "site/cam1"}, want: "http://media:8889/site/cam1/whip"},
		{msg: domain.AppMessage{Type: domain.MessageWHIP, StreamPath: "cam?x#y"}, want: "http://media:8889/cam%3Fx%23y/whip"},
		{msg: domain.AppMessage{Type: domain.MessageWHIP, StreamPath: "/"}, wantErr: true},
		{msg: domain.AppMessage{Type: domain.MessageWHEP, StreamPath: "//"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := p.URL(tt.msg)
		if (err != nil) != tt.wantErr {
			t.Errorf("URL(%q) error = %v, wantErr %v", tt.msg.StreamPath, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidStreamPath) {
			t.Errorf("URL(%q) error = %v, want ErrInvalidStreamPath", tt.msg.StreamPath, err)
		}
		if got != tt.want {
			t.Errorf("URL(%q) = %q, want %q", tt.msg.StreamPath, got, tt.want)
		}
	}
}

func TestProxyEscapesStreamPath(t *testing.T) {
	srv, seen := mediaServer(t, http.StatusCreated, "v=0 answer", 0)
	p := New(srv.URL, time.Second, nil)

	replies := handle(t, p, `{"type":"whip","requestId":1,"streamPath":"cam?x","sdp":"v=0"}`)
	if len(replies) != 1 || replies[0].Type != domain.MessageWHIPAnswer {
		t.Fatalf("replies = %+v", replies)
	}
	if len(*seen) != 1 || (*seen)[0].path != "/cam?x/whip" {
		t.Errorf("requests = %+v", *seen)
	}
}

func TestProxyRejectsEmptyStreamPath(t *testing.T) {
	srv, seen := mediaServer(t, http.StatusCreated, "v=0 answer", 0)
	p := New(srv.URL, time.Second, nil)

	replies := handle(t, p, `{"type":"whep","requestId":3,"streamPath":"/","sdp":"v=0"}`)
	if len(replies) != 1 || replies[0].Type != domain.MessageError || string(replies[0].RequestID) != "3" {
		t.Fatalf("replies = %+v", replies)
	}
	if len(*seen) != 0 {
		t.Errorf("media server called: %+v", *seen)
	}
}

func TestProxyErrorPreviewKeepsRunes(t *testing.T) {
	srv, _ := mediaServer(t, http.StatusBadGateway, strings.Repeat("é", 150), 0)
	p := New(srv.URL, time.Second, nil)

	replies := handle(t, p, `{"type":"whip","requestId":1,"sdp":"v=0"}`)
	if len(replies) != 1 || replies[0].Type != domain.MessageError {
		t.Fatalf("replies = %+v", replies)
	}
	msg := replies[0].Error
	if !utf8.ValidString(msg) {
		t.Fatalf("error is not valid UTF-8: %q", msg)
	}
	if want := "media server 502: " + strings.Repeat("é", 100); msg != want {
		t.Errorf("error = %q, want %q", msg, want)
	}
}

func TestMediaSections(t *testing.T) {
	if got := mediaSections(testOffer); got != 1 {
		t.Errorf("mediaSections() = %d, want 1", got)
	}
	if got := mediaSections("garbage"); got != -1 {
		t.Errorf("mediaSections(garbage) = %d, want -1", got)
	}
}
