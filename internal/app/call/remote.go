package call

import (
	"sync"

	"github.com/dkeye/peercall/internal/core"
)

// RemoteStream aggregates the tracks the remote peer sent during one session.
// A track is added once no matter how many times the primitive reports it.
type RemoteStream struct {
	mu     sync.RWMutex
	tracks []core.RemoteTrack
	ids    map[string]struct{}
}

func newRemoteStream() *RemoteStream {
	return &RemoteStream{ids: make(map[string]struct{})}
}

func (r *RemoteStream) add(t core.RemoteTrack) bool {
	key := t.StreamID() + "/" + t.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ids[key]; dup {
		return false
	}
	r.ids[key] = struct{}{}
	r.tracks = append(r.tracks, t)
	return true
}

func (r *RemoteStream) clear() {
	r.mu.Lock()
	r.tracks = nil
	r.ids = make(map[string]struct{})
	r.mu.Unlock()
}

// Tracks returns the tracks in arrival order.
func (r *RemoteStream) Tracks() []core.RemoteTrack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.RemoteTrack, len(r.tracks))
	copy(out, r.tracks)
	return out
}

func (r *RemoteStream) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks)
}
