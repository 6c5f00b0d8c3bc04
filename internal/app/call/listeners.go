package call

import "sync"

// listeners is a registry of callbacks keyed by a monotonic id, so a
// subscriber can remove itself without comparing funcs.
type listeners[T any] struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	l.next++
	id := l.next
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}
