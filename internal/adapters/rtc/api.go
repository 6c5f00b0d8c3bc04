package rtc

import (
	"fmt"
	"sync/atomic"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/core"
)

var (
	DefaultICEServers = []string{
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
	}
	DefaultCandidatePoolSize uint8 = 10
)

// Settings configures every PeerConnection a Factory builds.
type Settings struct {
	ICEServers        []string
	CandidatePoolSize uint8
	IncludeLoopback   bool
	// Net replaces the OS network stack, e.g. with a vnet in tests.
	Net transport.Net
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: DefaultICEServers,
			},
		},
		ICECandidatePoolSize: DefaultCandidatePoolSize,
	}
}

// NewAPI builds a pion API with default codecs, zerolog-backed pion logs and
// the network settings from s.
func NewAPI(s Settings) (*webrtc.API, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(),
	}
	if s.Net != nil {
		se.SetNet(s.Net)
	}
	se.SetIncludeLoopbackCandidate(s.IncludeLoopback)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// Configuration turns s into a pion Configuration, falling back to the
// default STUN servers.
func (s Settings) Configuration() webrtc.Configuration {
	cfg := DefaultWebRTCConfig()
	if s.ICEServers != nil {
		cfg.ICEServers = nil
		if len(s.ICEServers) > 0 {
			cfg.ICEServers = []webrtc.ICEServer{{URLs: s.ICEServers}}
		}
	}
	if s.CandidatePoolSize != 0 {
		cfg.ICECandidatePoolSize = s.CandidatePoolSize
	}
	return cfg
}

// NewFactory returns a core.PeerFactory building connections from one API.
func NewFactory(s Settings) (core.PeerFactory, error) {
	api, err := NewAPI(s)
	if err != nil {
		return nil, err
	}
	cfg := s.Configuration()
	var seq atomic.Uint64
	return func() (core.PeerConnection, error) {
		label := fmt.Sprintf("pc-%d", seq.Add(1))
		return NewWebRTCConnection(api, cfg, label)
	}, nil
}
