package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

// WebRTCConnection adapts a pion PeerConnection to core.PeerConnection.
type WebRTCConnection struct {
	pc    *webrtc.PeerConnection
	label string

	mu      sync.RWMutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(core.PeerStatus)
	status  core.PeerStatus
	closed  bool
}

// NewWebRTCConnection builds a PeerConnection from api and binds its pion
// callbacks once; application callbacks can be swapped afterwards.
func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, label string) (*WebRTCConnection, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{
		pc:    pc,
		label: label,
		status: core.PeerStatus{
			Peer: webrtc.PeerConnectionStateNew,
			ICE:  webrtc.ICEConnectionStateNew,
		},
	}
	c.bind()
	return c, nil
}

func (c *WebRTCConnection) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("peer", c.label).Str("ice_state", s.String()).Msg("ICE state")
		c.mu.Lock()
		c.status.ICE = s
		st, fn := c.status, c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(st)
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "rtc").Str("peer", c.label).Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		c.status.Peer = s
		st, fn := c.status, c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(st)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", c.label).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go drainRTCP(receiver)
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(track)
		}
	})
}

// drainRTCP keeps interceptors running for the receiver until it is stopped.
func drainRTCP(receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}

func (c *WebRTCConnection) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *WebRTCConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *WebRTCConnection) HasRemoteDescription() bool {
	return c.pc.CurrentRemoteDescription() != nil || c.pc.PendingRemoteDescription() != nil
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnStateChange(fn func(core.PeerStatus)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) Status() core.PeerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *WebRTCConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onICE, c.onTrack, c.onState = nil, nil, nil
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", c.label).Msg("close error")
		return err
	}
	log.Info().Str("module", "rtc").Str("peer", c.label).Msg("closed")
	return nil
}
