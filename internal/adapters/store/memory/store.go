// Package memory is an in-process DocumentStore. It backs the store service in
// single-node deployments and every test that needs a rendezvous.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/adapters/store/dispatch"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

type child struct {
	id   string
	data json.RawMessage
}

type docWatcher struct {
	box *dispatch.Mailbox
	sub *core.FuncSubscription
	fn  func(*core.Snapshot)
}

type collWatcher struct {
	box *dispatch.Mailbox
	sub *core.FuncSubscription
	fn  func([]core.Change)
}

// Store is a threadsafe in-memory document store.
type Store struct {
	mu       sync.Mutex
	closed   bool
	docs     map[core.DocRef]core.Fields
	used     map[core.DocRef]struct{}
	children map[core.CollectionRef][]child

	docWatchers  map[core.DocRef]map[*docWatcher]struct{}
	collWatchers map[core.CollectionRef]map[*collWatcher]struct{}

	newID func() string
}

type Option func(*Store)

// WithIDGenerator replaces the document id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

func New(opts ...Option) *Store {
	s := &Store{
		docs:         make(map[core.DocRef]core.Fields),
		used:         make(map[core.DocRef]struct{}),
		children:     make(map[core.CollectionRef][]child),
		docWatchers:  make(map[core.DocRef]map[*docWatcher]struct{}),
		collWatchers: make(map[core.CollectionRef]map[*collWatcher]struct{}),
		newID:        domain.NewDocumentID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(ctx context.Context, collection string) (core.DocRef, error) {
	if err := ctx.Err(); err != nil {
		return core.DocRef{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.DocRef{}, core.ErrStoreClosed
	}
	var ref core.DocRef
	for {
		ref = core.DocRef{Collection: collection, ID: s.newID()}
		if _, taken := s.used[ref]; !taken {
			break
		}
	}
	s.used[ref] = struct{}{}
	s.docs[ref] = core.Fields{}
	s.notifyDocLocked(ref)
	log.Debug().Str("module", "store.memory").Str("doc", ref.Path()).Msg("created")
	return ref, nil
}

func (s *Store) Set(ctx context.Context, ref core.DocRef, fields core.Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}
	s.used[ref] = struct{}{}
	s.docs[ref] = cloneFields(fields)
	s.notifyDocLocked(ref)
	return nil
}

func (s *Store) Update(ctx context.Context, ref core.DocRef, fields core.Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}
	doc, ok := s.docs[ref]
	if !ok {
		return core.ErrNoDocument
	}
	for k, v := range fields {
		doc[k] = append(json.RawMessage(nil), v...)
	}
	s.notifyDocLocked(ref)
	return nil
}

func (s *Store) Get(ctx context.Context, ref core.DocRef) (*core.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrStoreClosed
	}
	return s.snapshotLocked(ref), nil
}

func (s *Store) Watch(ctx context.Context, ref core.DocRef, fn func(*core.Snapshot)) (core.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrStoreClosed
	}
	w := &docWatcher{box: dispatch.NewMailbox(), fn: fn}
	set, ok := s.docWatchers[ref]
	if !ok {
		set = make(map[*docWatcher]struct{})
		s.docWatchers[ref] = set
	}
	set[w] = struct{}{}
	snap := s.snapshotLocked(ref)
	w.box.Push(func() { fn(snap) })

	w.sub = core.NewFuncSubscription(func() {
		w.box.Cancel()
		s.mu.Lock()
		delete(s.docWatchers[ref], w)
		if len(s.docWatchers[ref]) == 0 {
			delete(s.docWatchers, ref)
		}
		s.mu.Unlock()
	})
	return w.sub, nil
}

func (s *Store) Append(ctx context.Context, ref core.CollectionRef, data json.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", core.ErrStoreClosed
	}
	c := child{id: uuid.NewString(), data: append(json.RawMessage(nil), data...)}
	s.children[ref] = append(s.children[ref], c)

	for w := range s.collWatchers[ref] {
		changes := []core.Change{{Type: core.ChangeAdded, ID: c.id, Data: append(json.RawMessage(nil), c.data...)}}
		fn := w.fn
		w.box.Push(func() { fn(changes) })
	}
	return c.id, nil
}

func (s *Store) WatchCollection(ctx context.Context, ref core.CollectionRef, fn func([]core.Change)) (core.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrStoreClosed
	}
	w := &collWatcher{box: dispatch.NewMailbox(), fn: fn}
	set, ok := s.collWatchers[ref]
	if !ok {
		set = make(map[*collWatcher]struct{})
		s.collWatchers[ref] = set
	}
	set[w] = struct{}{}

	existing := s.children[ref]
	initial := make([]core.Change, 0, len(existing))
	for _, c := range existing {
		initial = append(initial, core.Change{Type: core.ChangeAdded, ID: c.id, Data: append(json.RawMessage(nil), c.data...)})
	}
	w.box.Push(func() { fn(initial) })

	w.sub = core.NewFuncSubscription(func() {
		w.box.Cancel()
		s.mu.Lock()
		delete(s.collWatchers[ref], w)
		if len(s.collWatchers[ref]) == 0 {
			delete(s.collWatchers, ref)
		}
		s.mu.Unlock()
	})
	return w.sub, nil
}

// Children returns the number of children in a collection.
func (s *Store) Children(ref core.CollectionRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children[ref])
}

func (s *Store) CountChildren(ctx context.Context, ref core.CollectionRef) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.Children(ref), nil
}

// Watchers returns the number of live document and collection subscriptions.
func (s *Store) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, set := range s.docWatchers {
		n += len(set)
	}
	for _, set := range s.collWatchers {
		n += len(set)
	}
	return n
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, set := range s.docWatchers {
		for w := range set {
			w.box.Cancel()
			w.sub.End(core.ErrStoreClosed)
		}
	}
	for _, set := range s.collWatchers {
		for w := range set {
			w.box.Cancel()
			w.sub.End(core.ErrStoreClosed)
		}
	}
	s.docWatchers = make(map[core.DocRef]map[*docWatcher]struct{})
	s.collWatchers = make(map[core.CollectionRef]map[*collWatcher]struct{})
	return nil
}

func (s *Store) notifyDocLocked(ref core.DocRef) {
	for w := range s.docWatchers[ref] {
		snap := s.snapshotLocked(ref)
		fn := w.fn
		w.box.Push(func() { fn(snap) })
	}
}

func (s *Store) snapshotLocked(ref core.DocRef) *core.Snapshot {
	doc, ok := s.docs[ref]
	if !ok {
		return &core.Snapshot{Ref: ref}
	}
	return &core.Snapshot{Ref: ref, Exists: true, Fields: cloneFields(doc)}
}

func cloneFields(f core.Fields) core.Fields {
	out := make(core.Fields, len(f))
	for k, v := range f {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
