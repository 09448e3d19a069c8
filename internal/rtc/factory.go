// Package rtc wraps the pion WebRTC stack for the SFU: building peer
// connections, negotiating answers and moving RTP/RTCP between them.
package rtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

type FactoryConfig struct {
	ICEServers    []string
	ICEUsername   string
	ICECredential string

	// PLIInterval is how often the receiver pipeline asks a broadcaster
	// for a keyframe. Zero uses the interceptor default.
	PLIInterval time.Duration

	UDPPortMin      uint16
	UDPPortMax      uint16
	IncludeLoopback bool
}

// Factory builds independent peer connections. It holds no per-connection
// state and is safe for concurrent use.
type Factory struct {
	iceServers []webrtc.ICEServer
	settings   webrtc.SettingEngine
	pli        time.Duration
}

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	settings := webrtc.SettingEngine{}
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax >= cfg.UDPPortMin {
		if err := settings.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("UDP port range %d-%d: %w", cfg.UDPPortMin, cfg.UDPPortMax, err)
		}
	}
	settings.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return &Factory{
		iceServers: iceServers(cfg.ICEServers, cfg.ICEUsername, cfg.ICECredential),
		settings:   settings,
		pli:        cfg.PLIInterval,
	}, nil
}

func iceServers(urls []string, username, credential string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, url := range urls {
		server := webrtc.ICEServer{URLs: []string{url}}
		if username != "" {
			server.Username = username
		}
		if credential != "" {
			server.Credential = credential
		}
		servers = append(servers, server)
	}
	return servers
}

// NewConnection returns a peer connection with the default codecs, the
// default interceptors plus a periodic PLI generator, and the configured
// ICE servers.
func (f *Factory) NewConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	var pliOptions []intervalpli.GeneratorOption
	if f.pli > 0 {
		pliOptions = append(pliOptions, intervalpli.GeneratorInterval(f.pli))
	}
	pliFactory, err := intervalpli.NewReceiverInterceptor(pliOptions...)
	if err != nil {
		return nil, fmt.Errorf("create PLI interceptor: %w", err)
	}
	registry.Add(pliFactory)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(f.settings),
	)
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
}
