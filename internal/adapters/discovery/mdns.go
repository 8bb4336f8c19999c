package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/dkeye/colastream/internal/domain"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
)

const (
	ServiceType   = "_colastream._tcp"
	DefaultDomain = "local."
)

var ErrNoPort = errors.New("status address has no port")

// Server is a running mDNS registration.
type Server interface {
	Shutdown()
}

// RegisterFunc matches zeroconf.Register so tests can swap it.
type RegisterFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// Advertiser publishes the status API of one bridge on the local network.
type Advertiser struct {
	register RegisterFunc
	server   Server
}

func NewAdvertiser(register RegisterFunc) *Advertiser {
	if register == nil {
		register = zeroconfRegister
	}
	return &Advertiser{register: register}
}

// Start registers the room as an instance of _colastream._tcp on the port of statusAddr.
func (a *Advertiser) Start(room domain.RoomID, streamID, statusAddr string) error {
	port, err := Port(statusAddr)
	if err != nil {
		return err
	}
	txt := []string{"room=" + string(room), "stream=" + streamID}
	server, err := a.register(string(room), ServiceType, DefaultDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns registration failed: %w", err)
	}
	a.server = server
	log.Info().Str("module", "adapters.discovery").Str("room", string(room)).Int("port", port).Msg("mdns service registered")
	return nil
}

func (a *Advertiser) Shutdown() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Port extracts the numeric port from a listen address such as ":8080".
func Port(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNoPort, addr)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: %q", ErrNoPort, addr)
	}
	return port, nil
}
