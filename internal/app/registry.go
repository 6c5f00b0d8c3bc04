package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrDuplicateSub   = errors.New("subscription id already in use")
)

type sessionEntry struct {
	ClientToken string
	Cancel      context.CancelFunc
	subs        map[string]core.Subscription
}

// Registry tracks live store-service connections and the subscriptions each
// of them holds, so closing a connection releases everything it opened.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
	}
}

func (r *Registry) Bind(sid core.SessionID, clientToken string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{
		ClientToken: clientToken,
		Cancel:      cancel,
		subs:        make(map[string]core.Subscription),
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("client", clientToken).Msg("bound session")
}

// AddSubscription attaches sub to the session. On error sub is cancelled.
func (r *Registry) AddSubscription(sid core.SessionID, subID string, sub core.Subscription) error {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	if !ok {
		r.mu.Unlock()
		sub.Cancel()
		return ErrUnknownSession
	}
	if _, dup := e.subs[subID]; dup {
		r.mu.Unlock()
		sub.Cancel()
		return ErrDuplicateSub
	}
	e.subs[subID] = sub
	r.mu.Unlock()
	return nil
}

// HasSubscription reports whether subID is live on the session.
func (r *Registry) HasSubscription(sid core.SessionID, subID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	_, ok = e.subs[subID]
	return ok
}

func (r *Registry) CancelSubscription(sid core.SessionID, subID string) bool {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	if !ok {
		r.mu.Unlock()
		return false
	}
	sub, ok := e.subs[subID]
	delete(e.subs, subID)
	r.mu.Unlock()
	if ok {
		sub.Cancel()
	}
	return ok
}

// DropEnded removes sub, which the store has already ended, if it is still the
// one registered under subID.
func (r *Registry) DropEnded(sid core.SessionID, subID string, sub core.Subscription) bool {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	if !ok || e.subs[subID] != sub {
		r.mu.Unlock()
		return false
	}
	delete(e.subs, subID)
	r.mu.Unlock()
	sub.Cancel()
	return true
}

func (r *Registry) Subscriptions(sid core.SessionID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return len(e.subs)
	}
	return 0
}

func (r *Registry) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) SessionIDs() []core.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.SessionID, 0, len(r.sessions))
	for sid := range r.sessions {
		out = append(out, sid)
	}
	return out
}

func (r *Registry) ClientOf(sid core.SessionID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return "", false
	}
	return e.ClientToken, true
}

// Unbind forgets the session and cancels all of its subscriptions.
func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	delete(r.sessions, sid)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, sub := range e.subs {
		sub.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Int("subs", len(e.subs)).Msg("unbind session")
}

// Cancel stops the session's connection; its pumps unbind it on the way out.
func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
