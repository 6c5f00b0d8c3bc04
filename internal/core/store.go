package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoDocument is returned by Update when the target document does not exist.
	ErrNoDocument = errors.New("no such document")
	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("store closed")
)

// DocRef addresses one document, e.g. calls/{id}.
type DocRef struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func (d DocRef) Path() string { return d.Collection + "/" + d.ID }

// Sub returns the named child collection of the document.
func (d DocRef) Sub(name string) CollectionRef {
	return CollectionRef{Parent: d, Name: name}
}

// CollectionRef addresses an append-only child collection, e.g.
// calls/{id}/offerCandidates.
type CollectionRef struct {
	Parent DocRef `json:"parent"`
	Name   string `json:"name"`
}

func (c CollectionRef) Path() string { return c.Parent.Path() + "/" + c.Name }

// Fields holds top-level document fields as raw JSON values.
type Fields map[string]json.RawMessage

// Snapshot is a point-in-time view of a document.
type Snapshot struct {
	Ref    DocRef `json:"ref"`
	Exists bool   `json:"exists"`
	Fields Fields `json:"fields,omitempty"`
}

// Decode unmarshals field into v. It reports false when the field is absent.
func (s *Snapshot) Decode(field string, v any) (bool, error) {
	if s == nil || !s.Exists {
		return false, nil
	}
	raw, ok := s.Fields[field]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode field %q: %w", field, err)
	}
	return true, nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{Ref: s.Ref, Exists: s.Exists}
	if s.Fields != nil {
		out.Fields = make(Fields, len(s.Fields))
		for k, v := range s.Fields {
			out.Fields[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one entry of an incremental child collection update.
type Change struct {
	Type ChangeType      `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Subscription is a live listener registration. Cancel is idempotent and no
// callback starts after it returns.
//
// Done is closed once the subscription has ended, either through Cancel or
// because the store dropped it. Err is nil after Cancel and wraps
// ErrSubscriptionClosed otherwise.
type Subscription interface {
	Cancel()
	Done() <-chan struct{}
	Err() error
}

// Lifetime records how a subscription ended. Stores embed it in their
// subscription types.
type Lifetime struct {
	mu    sync.Mutex
	done  chan struct{}
	ended bool
	err   error
}

func (l *Lifetime) doneLocked() chan struct{} {
	if l.done == nil {
		l.done = make(chan struct{})
	}
	return l.done
}

func (l *Lifetime) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doneLocked()
}

func (l *Lifetime) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// End marks the subscription ended. A nil cause means it was cancelled. Only
// the first call has an effect; End reports whether it was that call.
func (l *Lifetime) End(cause error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return false
	}
	l.ended = true
	if cause != nil && !errors.Is(cause, ErrSubscriptionClosed) {
		cause = fmt.Errorf("%w: %w", ErrSubscriptionClosed, cause)
	}
	l.err = cause
	close(l.doneLocked())
	return true
}

// FuncSubscription is a Subscription whose Cancel runs a cleanup func once.
type FuncSubscription struct {
	Lifetime
	once    sync.Once
	cleanup func()
}

func NewFuncSubscription(cleanup func()) *FuncSubscription {
	return &FuncSubscription{cleanup: cleanup}
}

func (s *FuncSubscription) Cancel() {
	s.End(nil)
	s.once.Do(s.cleanup)
}

// DocumentStore is the shared rendezvous store both peers talk to.
//
// Watch delivers the current snapshot first and then one snapshot per write.
// WatchCollection delivers every existing child as added in its first batch and
// incremental batches afterwards. Deliveries of one subscription are ordered as
// the writes were, and may repeat after a reconnect.
type DocumentStore interface {
	// Create allocates an empty document with a generated id.
	Create(ctx context.Context, collection string) (DocRef, error)
	// Set writes fields, replacing the document.
	Set(ctx context.Context, ref DocRef, fields Fields) error
	// Update merges fields into an existing document.
	Update(ctx context.Context, ref DocRef, fields Fields) error
	Get(ctx context.Context, ref DocRef) (*Snapshot, error)
	Watch(ctx context.Context, ref DocRef, fn func(*Snapshot)) (Subscription, error)
	// Append adds a child and returns its generated id.
	Append(ctx context.Context, ref CollectionRef, data json.RawMessage) (string, error)
	WatchCollection(ctx context.Context, ref CollectionRef, fn func([]Change)) (Subscription, error)
	Close() error
}
