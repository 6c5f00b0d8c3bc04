package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/adapters/store/memory"
	"github.com/dkeye/peercall/internal/core"
)

var errNoRemote = errors.New("remote description not set")

type fakePeer struct {
	label string

	mu         sync.Mutex
	tracks     []webrtc.TrackLocal
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	remoteSets int
	candidates []webrtc.ICECandidateInit
	early      int
	closed     bool
	failOffer  error

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(core.PeerStatus)
}

func (p *fakePeer) AddLocalTrack(t webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOffer != nil {
		return webrtc.SessionDescription{}, p.failOffer
	}
	d := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer %s tracks=%d", p.label, len(p.tracks))}
	p.local = &d
	return d, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errNoRemote
	}
	d := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer %s tracks=%d", p.label, len(p.tracks))}
	p.local = &d
	return d, nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("closed")
	}
	p.remote = &d
	p.remoteSets++
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) AddICECandidate(ci webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.early++
		return errNoRemote
	}
	p.candidates = append(p.candidates, ci)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(core.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnStateChange(fn func(core.PeerStatus)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// Close keeps the callbacks so tests can fire late events at a closed peer.
func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) gather(candidate string) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

func (p *fakePeer) track(id string, kind webrtc.RTPCodecType) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(fakeRemoteTrack{id: id, stream: "remote-" + p.label, kind: kind})
	}
}

func (p *fakePeer) status(peer webrtc.PeerConnectionState, ice webrtc.ICEConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(core.PeerStatus{Peer: peer, ICE: ice})
	}
}

func (p *fakePeer) remoteSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ""
	}
	return p.remote.SDP
}

func (p *fakePeer) localSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil {
		return ""
	}
	return p.local.SDP
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.candidates))
	for _, c := range p.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePeer) snapshot() (tracks, remoteSets, early int, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks), p.remoteSets, p.early, p.closed
}

type fakeRemoteTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (t fakeRemoteTrack) ID() string                { return t.id }
func (t fakeRemoteTrack) StreamID() string          { return t.stream }
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

type peerFactory struct {
	name string

	mu        sync.Mutex
	peers     []*fakePeer
	failNew   error
	failOffer error
}

func (f *peerFactory) New() (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew != nil {
		return nil, f.failNew
	}
	p := &fakePeer{label: fmt.Sprintf("%s-%d", f.name, len(f.peers)+1), failOffer: f.failOffer}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *peerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

func (f *peerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

type stopTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	stopped bool
	stopErr error
	crash   string
}

func (t *stopTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.crash != "" {
		panic(t.crash)
	}
	t.stopped = true
	return t.stopErr
}

// breakStop makes Stop return err, or panic with crash when it is set.
func (t *stopTrack) breakStop(err error, crash string) {
	t.mu.Lock()
	t.stopErr, t.crash = err, crash
	t.mu.Unlock()
}

func (t *stopTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeDevice struct {
	mu       sync.Mutex
	err      error
	captured []*stopTrack
}

func (d *fakeDevice) Capture(ctx context.Context, c core.MediaConstraints) (*core.LocalStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var tracks []core.LocalTrack
	add := func(mime, id string) error {
		s, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "local")
		if err != nil {
			return err
		}
		t := &stopTrack{TrackLocalStaticSample: s}
		d.captured = append(d.captured, t)
		tracks = append(tracks, t)
		return nil
	}
	if c.Audio {
		if err := add(webrtc.MimeTypeOpus, "audio"); err != nil {
			return nil, err
		}
	}
	if c.Video {
		if err := add(webrtc.MimeTypeVP8, "video"); err != nil {
			return nil, err
		}
	}
	return core.NewLocalStream("local", tracks...), nil
}

func (d *fakeDevice) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDevice) tracks() []*stopTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*stopTrack(nil), d.captured...)
}

// flakyStore fails selected operations of an otherwise working memory store.
type flakyStore struct {
	*memory.Store

	mu         sync.Mutex
	failCreate error
	failSet    error
	failUpdate error
	failGet    error
}

func (s *flakyStore) Create(ctx context.Context, collection string) (core.DocRef, error) {
	if err := s.failure(&s.failCreate); err != nil {
		return core.DocRef{}, err
	}
	return s.Store.Create(ctx, collection)
}

func (s *flakyStore) Set(ctx context.Context, ref core.DocRef, f core.Fields) error {
	if err := s.failure(&s.failSet); err != nil {
		return err
	}
	return s.Store.Set(ctx, ref, f)
}

func (s *flakyStore) Update(ctx context.Context, ref core.DocRef, f core.Fields) error {
	if err := s.failure(&s.failUpdate); err != nil {
		return err
	}
	return s.Store.Update(ctx, ref, f)
}

func (s *flakyStore) Get(ctx context.Context, ref core.DocRef) (*core.Snapshot, error) {
	if err := s.failure(&s.failGet); err != nil {
		return nil, err
	}
	return s.Store.Get(ctx, ref)
}

func (s *flakyStore) failure(p *error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *p
}

func (s *flakyStore) set(p *error, err error) {
	s.mu.Lock()
	*p = err
	s.mu.Unlock()
}

// stateLog records state notifications in order.
type stateLog struct {
	mu     sync.Mutex
	states []core.ConnectionState
}

func (l *stateLog) record(s core.ConnectionState) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) all() []core.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.ConnectionState(nil), l.states...)
}
