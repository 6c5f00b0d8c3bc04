// Package call runs one local peer's side of a two-party call: it captures
// local media, negotiates a PeerConnection through the shared document store
// and tracks the connection lifecycle until hang up.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

const DefaultRelayTimeout = 10 * time.Second

type Option func(*Manager)

// WithConstraints selects the kinds StartLocalCapture requests. Both audio
// and video are requested by default.
func WithConstraints(c core.MediaConstraints) Option {
	return func(m *Manager) { m.constraints = c }
}

// WithRelayTimeout bounds every background candidate write.
func WithRelayTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.relayTimeout = d
		}
	}
}

// Manager owns a single call session. All methods are safe for concurrent
// use; listeners are invoked without internal locks held, from whichever
// goroutine caused the change.
//
// Every session is tagged with an epoch. HangUp and rollbacks bump it, and
// callbacks carrying an older epoch are dropped, so late snapshots and
// primitive events of an abandoned attempt never touch the next one.
type Manager struct {
	calls        callRecords
	device       core.CaptureDevice
	newPeer      core.PeerFactory
	constraints  core.MediaConstraints
	relayTimeout time.Duration

	mu          sync.Mutex
	epoch       uint64
	pc          core.PeerConnection
	dirty       bool
	state       core.ConnectionState
	capturing   bool
	attempt     bool
	callID      domain.CallID
	side        domain.Side
	local       *core.LocalStream
	remote      *RemoteStream
	subs        []core.Subscription
	remoteReady bool
	answered    bool
	pending     []webrtc.ICECandidateInit
	seen        map[string]struct{}
	queued      []func()

	stateListeners listeners[core.ConnectionState]
	trackListeners listeners[core.RemoteTrack]
}

func NewManager(store core.DocumentStore, device core.CaptureDevice, newPeer core.PeerFactory, opts ...Option) (*Manager, error) {
	if store == nil || device == nil || newPeer == nil {
		return nil, errors.New("call: store, capture device and peer factory are required")
	}
	m := &Manager{
		calls:        callRecords{store: store},
		device:       device,
		newPeer:      newPeer,
		constraints:  core.MediaConstraints{Audio: true, Video: true},
		relayTimeout: DefaultRelayTimeout,
		state:        core.StateIdle,
		remote:       newRemoteStream(),
		seen:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	pc, err := newPeer()
	if err != nil {
		return nil, &core.NegotiationError{Op: "new peer", Err: err}
	}
	m.mu.Lock()
	m.installLocked(pc)
	m.mu.Unlock()
	return m, nil
}

func (m *Manager) State() core.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CallID returns the id of the held call, or "" when none is held.
func (m *Manager) CallID() domain.CallID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callID
}

func (m *Manager) LocalStream() *core.LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// RemoteStream returns the aggregate of the current session. HangUp replaces
// it with a fresh empty one.
func (m *Manager) RemoteStream() *RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// OnStateChange registers fn for every state transition.
func (m *Manager) OnStateChange(fn func(core.ConnectionState)) (unsubscribe func()) {
	return m.stateListeners.add(fn)
}

// OnRemoteTrack registers fn for every track added to the remote stream.
func (m *Manager) OnRemoteTrack(fn func(core.RemoteTrack)) (unsubscribe func()) {
	return m.trackListeners.add(fn)
}

// StartLocalCapture captures local media and registers its tracks on the
// connection so they take part in the next negotiation. A second call returns
// the stream already held.
func (m *Manager) StartLocalCapture(ctx context.Context) (*core.LocalStream, error) {
	m.mu.Lock()
	if m.local != nil {
		stream := m.local
		m.mu.Unlock()
		return stream, nil
	}
	if m.capturing {
		m.mu.Unlock()
		return nil, core.ErrCaptureInProgress
	}
	if m.attempt {
		m.mu.Unlock()
		return nil, core.ErrCallActive
	}
	m.capturing = true
	epoch := m.epoch
	m.setStateLocked(core.StateStarting)
	m.unlock()

	stream, err := m.device.Capture(ctx, m.constraints)

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		if err == nil {
			stream.Stop()
		}
		return nil, &core.CaptureError{Err: core.ErrHungUp}
	}
	m.capturing = false
	if err != nil {
		m.setStateLocked(core.StateFailed)
		m.unlock()
		log.Warn().Err(err).Str("module", "call").Msg("Local capture failed")
		return nil, &core.CaptureError{Err: err}
	}

	pc, err := m.ensurePeerLocked()
	if err != nil {
		m.setStateLocked(core.StateFailed)
		m.unlock()
		stream.Stop()
		return nil, &core.NegotiationError{Op: "new peer", Err: err}
	}
	m.local = stream
	m.dirty = true
	if err := addTracks(pc, stream); err != nil {
		m.setStateLocked(core.StateFailed)
		m.unlock()
		log.Error().Err(err).Str("module", "call").Msg("Add local tracks failed")
		return nil, &core.NegotiationError{Op: "add local tracks", Err: err}
	}
	m.unlock()

	log.Info().
		Str("module", "call").
		Str("stream_id", stream.ID).
		Int("tracks", len(stream.Tracks())).
		Msg("Local capture started")
	return stream, nil
}

// CreateCall allocates a call record, publishes an offer and waits for the
// answer and the joiner's candidates in the background.
func (m *Manager) CreateCall(ctx context.Context) (domain.CallID, error) {
	m.mu.Lock()
	if err := m.beginLocked(); err != nil {
		m.mu.Unlock()
		return "", err
	}
	prev, epoch := m.state, m.epoch
	pc, err := m.ensurePeerLocked()
	if err != nil {
		m.attempt = false
		m.mu.Unlock()
		return "", &core.NegotiationError{Op: "new peer", Err: err}
	}
	m.mu.Unlock()

	id, err := m.calls.create(ctx)
	if err != nil {
		m.rollback(epoch, prev, false)
		return "", &core.SignalingError{Op: "create call", Err: err}
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return "", core.ErrHungUp
	}
	m.callID, m.side = id, domain.SideOfferer
	m.dirty = true
	m.setStateLocked(core.StateConnecting)
	m.unlock()

	pc.OnICECandidate(m.relay(epoch, id, domain.SideOfferer))
	offer, err := pc.CreateOffer()
	if err != nil {
		m.fail(epoch, "create offer", err)
		return "", &core.NegotiationError{Op: "create offer", Err: err}
	}
	if err := m.calls.setOffer(ctx, id, offer); err != nil {
		m.rollback(epoch, prev, true)
		return "", &core.SignalingError{Op: "write offer", Err: err}
	}

	sub, err := m.calls.watch(ctx, id, func(c *domain.Call, err error) {
		m.onCallUpdate(epoch, c, err)
	})
	if err != nil {
		m.rollback(epoch, prev, true)
		return "", &core.SignalingError{Op: "watch call", Err: err}
	}
	if !m.hold(epoch, sub) {
		return "", core.ErrHungUp
	}
	if err := m.watchRemoteCandidates(ctx, epoch, id, domain.SideOfferer.Remote()); err != nil {
		if errors.Is(err, core.ErrHungUp) {
			return "", err
		}
		m.rollback(epoch, prev, true)
		return "", &core.SignalingError{Op: "watch candidates", Err: err}
	}

	log.Info().Str("module", "call").Str("call_id", string(id)).Msg("Call created")
	return id, nil
}

// JoinCall answers the offer stored under id. A record without an offer is
// reported as NotFoundError and leaves the session as it was.
func (m *Manager) JoinCall(ctx context.Context, id domain.CallID) error {
	if id == "" {
		return domain.ErrCallIDEmpty
	}
	m.mu.Lock()
	if err := m.beginLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	prev, epoch := m.state, m.epoch
	pc, err := m.ensurePeerLocked()
	if err != nil {
		m.attempt = false
		m.mu.Unlock()
		return &core.NegotiationError{Op: "new peer", Err: err}
	}
	m.mu.Unlock()

	c, err := m.calls.get(ctx, id)
	if err != nil {
		m.rollback(epoch, prev, false)
		return &core.SignalingError{Op: "read call", Err: err}
	}
	if c.Offer == nil {
		m.rollback(epoch, prev, false)
		log.Warn().Str("module", "call").Str("call_id", string(id)).Msg("Join: no offer")
		return &core.NotFoundError{CallID: string(id)}
	}
	offer, err := toWebRTC(*c.Offer, webrtc.SDPTypeOffer)
	if err != nil {
		m.rollback(epoch, prev, false)
		return &core.NegotiationError{Op: "decode offer", Err: err}
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return core.ErrHungUp
	}
	m.callID, m.side = id, domain.SideAnswerer
	m.dirty = true
	m.setStateLocked(core.StateConnecting)
	m.unlock()

	pc.OnICECandidate(m.relay(epoch, id, domain.SideAnswerer))
	if err := pc.SetRemoteDescription(offer); err != nil {
		m.fail(epoch, "apply offer", err)
		return &core.NegotiationError{Op: "apply offer", Err: err}
	}
	m.flushPending(epoch, pc)

	answer, err := pc.CreateAnswer()
	if err != nil {
		m.fail(epoch, "create answer", err)
		return &core.NegotiationError{Op: "create answer", Err: err}
	}
	if err := m.calls.setAnswer(ctx, id, answer); err != nil {
		m.rollback(epoch, prev, true)
		return &core.SignalingError{Op: "write answer", Err: err}
	}
	if err := m.watchRemoteCandidates(ctx, epoch, id, domain.SideAnswerer.Remote()); err != nil {
		if errors.Is(err, core.ErrHungUp) {
			return err
		}
		m.rollback(epoch, prev, true)
		return &core.SignalingError{Op: "watch candidates", Err: err}
	}

	log.Info().Str("module", "call").Str("call_id", string(id)).Msg("Call joined")
	return nil
}

// HangUp tears the session down and prepares a fresh one. It is safe to call
// at any time and any number of times.
func (m *Manager) HangUp() {
	m.mu.Lock()
	if m.pristineLocked() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	fresh, ferr := m.newPeer()

	m.mu.Lock()
	old, subs, local, id := m.pc, m.subs, m.local, m.callID
	m.resetSessionLocked()
	m.local = nil
	m.capturing = false
	m.remote.clear()
	m.remote = newRemoteStream()
	m.pc = nil
	if ferr == nil {
		m.installLocked(fresh)
	}
	m.setStateLocked(core.StateIdle)
	m.unlock()

	cancelAll(subs)
	if old != nil {
		if err := old.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("Close peer")
		}
	}
	for _, err := range local.Stop() {
		log.Warn().Err(err).Str("module", "call").Msg("Stop local track")
	}
	if ferr != nil {
		log.Error().Err(ferr).Str("module", "call").Msg("Prepare next peer")
	}
	log.Info().Str("module", "call").Str("call_id", string(id)).Msg("Hung up")
}

func (m *Manager) beginLocked() error {
	if m.attempt {
		return core.ErrCallActive
	}
	if m.capturing {
		return core.ErrCaptureInProgress
	}
	m.attempt = true
	return nil
}

func (m *Manager) pristineLocked() bool {
	return m.state == core.StateIdle && m.pc != nil && !m.dirty &&
		m.local == nil && !m.attempt && !m.capturing && len(m.subs) == 0
}

// resetSessionLocked forgets the call attempt and invalidates its callbacks.
func (m *Manager) resetSessionLocked() {
	m.epoch++
	m.attempt = false
	m.callID = ""
	m.side = domain.SideOfferer
	m.subs = nil
	m.remoteReady = false
	m.answered = false
	m.pending = nil
	m.seen = make(map[string]struct{})
}

// installLocked makes pc the session primitive and binds its callbacks to
// the current epoch.
func (m *Manager) installLocked(pc core.PeerConnection) {
	epoch := m.epoch
	m.pc = pc
	m.dirty = false
	pc.OnICECandidate(nil)
	pc.OnTrack(func(t core.RemoteTrack) { m.onRemoteTrack(epoch, t) })
	pc.OnStateChange(func(st core.PeerStatus) { m.onPeerStatus(epoch, st) })
}

func (m *Manager) ensurePeerLocked() (core.PeerConnection, error) {
	if m.pc != nil {
		return m.pc, nil
	}
	pc, err := m.newPeer()
	if err != nil {
		return nil, err
	}
	m.installLocked(pc)
	if m.local != nil {
		if err := addTracks(pc, m.local); err != nil {
			return nil, err
		}
		m.dirty = true
	}
	return pc, nil
}

// rollback undoes a call attempt that failed on the store side. With rebuild
// the primitive, which already holds negotiation state, is replaced by a fresh
// one carrying the local tracks.
func (m *Manager) rollback(epoch uint64, prev core.ConnectionState, rebuild bool) {
	var fresh core.PeerConnection
	if rebuild {
		pc, err := m.newPeer()
		if err != nil {
			log.Error().Err(err).Str("module", "call").Msg("Rollback: new peer")
		}
		fresh = pc
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		if fresh != nil {
			_ = fresh.Close()
		}
		return
	}
	old, subs := m.pc, m.subs
	m.resetSessionLocked()
	if rebuild {
		m.pc = nil
		if fresh != nil {
			m.installLocked(fresh)
			if m.local != nil {
				if err := addTracks(fresh, m.local); err != nil {
					log.Error().Err(err).Str("module", "call").Msg("Rollback: re-add local tracks")
				}
				m.dirty = true
			}
		}
	} else if old != nil {
		dirty := m.dirty
		m.installLocked(old)
		m.dirty = dirty
	}
	m.remote.clear()
	m.setStateLocked(prev)
	m.unlock()

	cancelAll(subs)
	if rebuild && old != nil {
		_ = old.Close()
	}
}

// fail marks the attempt failed. The call stays held until HangUp.
func (m *Manager) fail(epoch uint64, op string, err error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	id := m.callID
	m.setStateLocked(core.StateFailed)
	m.unlock()
	log.Error().Err(err).Str("module", "call").Str("call_id", string(id)).Str("op", op).Msg("Negotiation failed")
}

// hold attaches sub to the session, or cancels it when the session is gone.
func (m *Manager) hold(epoch uint64, sub core.Subscription) bool {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		sub.Cancel()
		return false
	}
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	go func() {
		<-sub.Done()
		if err := sub.Err(); err != nil {
			m.lost(epoch, err)
		}
	}()
	return true
}

// lost handles a signaling subscription that the store ended on its own. A
// call still negotiating can no longer complete and fails; an established
// media path does not depend on signaling and is left alone.
func (m *Manager) lost(epoch uint64, err error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	id, state := m.callID, m.state
	if state == core.StateConnecting {
		m.setStateLocked(core.StateFailed)
	}
	m.unlock()
	if state == core.StateConnecting {
		log.Error().Err(err).Str("module", "call").Str("call_id", string(id)).Msg("Signaling lost")
		return
	}
	log.Warn().Err(err).Str("module", "call").Str("call_id", string(id)).Str("state", state.String()).Msg("Signaling lost")
}

func (m *Manager) watchRemoteCandidates(ctx context.Context, epoch uint64, id domain.CallID, from domain.Side) error {
	sub, err := m.calls.watchCandidates(ctx, id, from,
		func(cands []remoteCandidate) { m.onRemoteCandidates(epoch, cands) },
		func(changeID string, err error) {
			log.Warn().Err(err).Str("module", "call").Str("call_id", string(id)).Str("candidate", changeID).Msg("Skip malformed candidate")
		},
	)
	if err != nil {
		return err
	}
	if !m.hold(epoch, sub) {
		return core.ErrHungUp
	}
	return nil
}

// relay publishes local candidates into the own side's group. Writes run in
// the background; a write still in flight after HangUp is left to finish.
func (m *Manager) relay(epoch uint64, id domain.CallID, side domain.Side) func(webrtc.ICECandidateInit) {
	return func(ci webrtc.ICECandidateInit) {
		m.mu.Lock()
		stale := m.epoch != epoch
		m.mu.Unlock()
		if stale {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.relayTimeout)
			defer cancel()
			if err := m.calls.appendCandidate(ctx, id, side, ci); err != nil {
				log.Warn().Err(err).Str("module", "call").Str("call_id", string(id)).Str("side", side.String()).Msg("Relay candidate failed")
			}
		}()
	}
}

func (m *Manager) onCallUpdate(epoch uint64, c *domain.Call, err error) {
	if err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("Undecodable call record")
		return
	}
	if c == nil || c.Answer == nil {
		return
	}

	m.mu.Lock()
	if m.epoch != epoch || m.side != domain.SideOfferer || m.answered || m.pc == nil {
		m.mu.Unlock()
		return
	}
	pc := m.pc
	if pc.HasRemoteDescription() {
		m.answered = true
		m.mu.Unlock()
		return
	}
	m.answered = true
	m.mu.Unlock()

	answer, err := toWebRTC(*c.Answer, webrtc.SDPTypeAnswer)
	if err == nil {
		err = pc.SetRemoteDescription(answer)
	}
	if err != nil {
		m.fail(epoch, "apply answer", err)
		return
	}
	log.Info().Str("module", "call").Str("call_id", string(c.ID)).Msg("Answer applied")
	m.flushPending(epoch, pc)
}

// flushPending applies the candidates that arrived before the remote
// description. From here on candidates are applied on arrival.
func (m *Manager) flushPending(epoch uint64, pc core.PeerConnection) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.remoteReady = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, ci := range pending {
		applyCandidate(pc, ci)
	}
}

func (m *Manager) onRemoteCandidates(epoch uint64, cands []remoteCandidate) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	var ready []webrtc.ICECandidateInit
	for _, c := range cands {
		if _, dup := m.seen[c.id]; dup {
			continue
		}
		m.seen[c.id] = struct{}{}
		if m.remoteReady {
			ready = append(ready, c.init)
		} else {
			m.pending = append(m.pending, c.init)
		}
	}
	pc := m.pc
	m.mu.Unlock()

	for _, ci := range ready {
		applyCandidate(pc, ci)
	}
}

func (m *Manager) onRemoteTrack(epoch uint64, t core.RemoteTrack) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	if m.remote.add(t) {
		m.queued = append(m.queued, func() { m.trackListeners.emit(t) })
	}
	m.unlock()
}

// onPeerStatus maps primitive states onto the session state. Connected needs
// both the peer and the ICE layer to report it.
func (m *Manager) onPeerStatus(epoch uint64, st core.PeerStatus) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	switch {
	case st.Peer == webrtc.PeerConnectionStateFailed ||
		st.Peer == webrtc.PeerConnectionStateDisconnected ||
		st.ICE == webrtc.ICEConnectionStateFailed ||
		st.ICE == webrtc.ICEConnectionStateDisconnected:
		if m.state.Active() {
			m.setStateLocked(core.StateFailed)
		}
	case st.Peer == webrtc.PeerConnectionStateConnected &&
		(st.ICE == webrtc.ICEConnectionStateConnected || st.ICE == webrtc.ICEConnectionStateCompleted):
		if m.state == core.StateConnecting {
			m.setStateLocked(core.StateConnected)
		}
	}
	m.unlock()
}

func (m *Manager) setStateLocked(s core.ConnectionState) {
	if m.state == s {
		return
	}
	log.Debug().
		Str("module", "call").
		Str("from", m.state.String()).
		Str("to", s.String()).
		Str("call_id", string(m.callID)).
		Msg("State change")
	m.state = s
	m.queued = append(m.queued, func() { m.stateListeners.emit(s) })
}

// unlock releases mu and then runs the listener notifications queued while it
// was held.
func (m *Manager) unlock() {
	q := m.queued
	m.queued = nil
	m.mu.Unlock()
	for _, fn := range q {
		fn()
	}
}

func addTracks(pc core.PeerConnection, stream *core.LocalStream) error {
	for _, t := range stream.Tracks() {
		if err := pc.AddLocalTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func applyCandidate(pc core.PeerConnection, ci webrtc.ICECandidateInit) {
	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(ci); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("candidate", ci.Candidate).Msg("Add remote candidate failed")
	}
}

// cancelAll cancels every subscription. A panicking Cancel does not stop the
// rest from being cancelled.
func cancelAll(subs []core.Subscription) {
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn().Str("module", "call").Interface("panic", r).Msg("Subscription cancel")
				}
			}()
			s.Cancel()
		}()
	}
}
