package rtc

import (
	"errors"
	"sync"

	"github.com/dkeye/colastream/internal/core"
	"github.com/dkeye/colastream/internal/domain"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ChannelLabel is the data channel the browser pages expect.
const ChannelLabel = "colastream"

const eventBuffer = 64

var ErrNoChannel = errors.New("data channel not established")

// Factory builds pion-backed connections that terminate WebRTC inside the bridge.
type Factory struct {
	api *webrtc.API
}

func NewFactory(lf logging.LoggerFactory) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{LoggerFactory: lf}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))
	return &Factory{api: api}, nil
}

func (f *Factory) NewConnection(peer domain.PeerID, servers []domain.ICEServer) (core.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(Configuration(servers))
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{
		pc:     pc,
		peer:   peer,
		events: make(chan core.MediaEvent, eventBuffer),
		done:   make(chan struct{}),
	}
	c.start()
	return c, nil
}

// Configuration converts the cached descriptors, falling back to public STUN.
func Configuration(servers []domain.ICEServer) webrtc.Configuration {
	if len(servers) == 0 {
		servers = domain.DefaultICEServers()
	}
	cfg := webrtc.Configuration{ICEServers: make([]webrtc.ICEServer, 0, len(servers))}
	for _, s := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       []string(s.URLs),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return cfg
}

type WebRTCConnection struct {
	pc   *webrtc.PeerConnection
	peer domain.PeerID

	mu sync.Mutex
	dc *webrtc.DataChannel

	events    chan core.MediaEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (c *WebRTCConnection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", c.peer.Short()).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", c.peer.Short()).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			c.emit(core.MediaEvent{Kind: core.MediaClosed})
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.emit(core.MediaEvent{Kind: core.MediaCandidate, Candidate: fromInit(cand.ToJSON())})
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		log.Info().Str("module", "rtc").Str("peer", c.peer.Short()).Str("label", dc.Label()).Msg("remote data channel")
		c.bindChannel(dc)
	})
}

func (c *WebRTCConnection) bindChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		log.Info().Str("module", "rtc").Str("peer", c.peer.Short()).Str("label", dc.Label()).Msg("data channel open")
		c.emit(core.MediaEvent{Kind: core.MediaChannelOpen})
	})
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		c.emit(core.MediaEvent{Kind: core.MediaMessage, Data: m.Data})
	})
}

func (c *WebRTCConnection) emit(ev core.MediaEvent) {
	select {
	case <-c.done:
	case c.events <- ev:
	}
}

func (c *WebRTCConnection) CreateOffer() (domain.SessionDescription, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return domain.SessionDescription{}, err
	}
	c.bindChannel(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, err
	}
	return toDomain(offer), nil
}

func (c *WebRTCConnection) AcceptOffer(offer domain.SessionDescription) (domain.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(fromDomain(offer)); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, err
	}
	return toDomain(answer), nil
}

func (c *WebRTCConnection) AcceptAnswer(answer domain.SessionDescription) error {
	return c.pc.SetRemoteDescription(fromDomain(answer))
}

func (c *WebRTCConnection) AddICECandidate(ci domain.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	})
}

func (c *WebRTCConnection) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return ErrNoChannel
	}
	return dc.SendText(string(data))
}

func (c *WebRTCConnection) Events() <-chan core.MediaEvent { return c.events }

func (c *WebRTCConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if err = c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", c.peer.Short()).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("peer", c.peer.Short()).Msg("closed")
		}
	})
	return err
}

func toDomain(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func fromDomain(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromInit(ci webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	}
}
