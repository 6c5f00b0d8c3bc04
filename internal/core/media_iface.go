package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerStatus is the pair of states the connection primitive reports.
type PeerStatus struct {
	Peer webrtc.PeerConnectionState
	ICE  webrtc.ICEConnectionState
}

// RemoteTrack is the part of an incoming track the manager cares about.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// PeerConnection is the point-to-point media connection negotiated by the
// signaling manager. Callbacks may fire on any goroutine.
type PeerConnection interface {
	// AddLocalTrack registers a track so it becomes part of the next offer or answer.
	AddLocalTrack(track webrtc.TrackLocal) error
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	HasRemoteDescription() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	OnStateChange(func(PeerStatus))
	// Close aborts negotiation and stops all underlying media resources.
	Close() error
}

// PeerFactory builds a fresh connection primitive for every call attempt.
type PeerFactory func() (PeerConnection, error)

// LocalTrack is a captured track that can be negotiated and released.
type LocalTrack interface {
	webrtc.TrackLocal
	Stop() error
}

// MediaConstraints selects which kinds to capture.
type MediaConstraints struct {
	Audio bool
	Video bool
}

// CaptureDevice supplies local media on request.
type CaptureDevice interface {
	Capture(ctx context.Context, c MediaConstraints) (*LocalStream, error)
}

// LocalStream owns the captured tracks of one session.
type LocalStream struct {
	ID     string
	tracks []LocalTrack

	stopOnce sync.Once
}

func NewLocalStream(id string, tracks ...LocalTrack) *LocalStream {
	return &LocalStream{ID: id, tracks: tracks}
}

func (s *LocalStream) Tracks() []LocalTrack {
	if s == nil {
		return nil
	}
	out := make([]LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Track returns the first track of the given kind.
func (s *LocalStream) Track(kind webrtc.RTPCodecType) (LocalTrack, bool) {
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			return t, true
		}
	}
	return nil, false
}

// Stop releases every track. A failing or panicking track does not prevent
// the others from stopping; the errors are returned in track order.
func (s *LocalStream) Stop() []error {
	if s == nil {
		return nil
	}
	var errs []error
	s.stopOnce.Do(func() {
		for _, t := range s.tracks {
			if err := stopTrack(t); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errs
}

func stopTrack(t LocalTrack) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stop track %s: panic: %v", t.ID(), r)
		}
	}()
	return t.Stop()
}
