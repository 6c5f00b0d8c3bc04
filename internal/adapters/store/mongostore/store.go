// Package mongostore is a DocumentStore backed by MongoDB change streams. Change
// streams need a replica set or sharded cluster; a single-node replica set
// is enough for development.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

const (
	idField      = "_id"
	fieldsField  = "fields"
	createdField = "created_at"
	parentField  = "parent"
	dataField    = "data"

	createAttempts = 5
)

var errChangeStreamClosed = errors.New("change stream closed")

// document is the stored form of a top-level document. Field values are kept
// as JSON text so arbitrary client payloads round-trip byte for byte.
type document struct {
	ID        string            `bson:"_id"`
	Fields    map[string]string `bson:"fields"`
	CreatedAt time.Time         `bson:"created_at"`
}

type childDocument struct {
	ID     primitive.ObjectID `bson:"_id"`
	Parent string             `bson:"parent"`
	Data   string             `bson:"data"`
}

type changeEvent struct {
	OperationType string   `bson:"operationType"`
	FullDocument  bson.Raw `bson:"fullDocument"`
}

type Store struct {
	db     *mongo.Database
	client *mongo.Client
	newID  func() string
	expire time.Duration

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

type Option func(*Store)

func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithExpireAfter lets MongoDB drop call documents and their children after d.
func WithExpireAfter(d time.Duration) Option {
	return func(s *Store) { s.expire = d }
}

// Connect dials uri, verifies the connection and returns a store that owns
// the client.
func Connect(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s := New(client.Database(database), opts...)
	s.client = client
	log.Info().Str("module", "store.mongo").Str("db", database).Msg("connected")
	return s, nil
}

// New wraps an existing database. The caller keeps ownership of its client.
func New(db *mongo.Database, opts ...Option) *Store {
	s := &Store{
		db:    db,
		newID: domain.NewDocumentID,
		subs:  make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureIndexes creates the parent index of every child collection and, with
// WithExpireAfter, the TTL indexes.
func (s *Store) EnsureIndexes(ctx context.Context, collection string, children ...string) error {
	if s.expire > 0 {
		secs := int32(s.expire.Seconds())
		if _, err := s.db.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: createdField, Value: 1}},
			Options: options.Index().SetName(collection + "_expire").SetExpireAfterSeconds(secs),
		}); err != nil {
			return err
		}
	}
	for _, name := range children {
		models := []mongo.IndexModel{{Keys: bson.D{{Key: parentField, Value: 1}, {Key: idField, Value: 1}}}}
		if _, err := s.childColl(core.CollectionRef{Parent: core.DocRef{Collection: collection}, Name: name}).
			Indexes().CreateMany(ctx, models); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) childColl(ref core.CollectionRef) *mongo.Collection {
	return s.db.Collection(ref.Parent.Collection + "_" + ref.Name)
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}
	return nil
}

func (s *Store) Create(ctx context.Context, collection string) (core.DocRef, error) {
	if err := s.checkOpen(); err != nil {
		return core.DocRef{}, err
	}
	coll := s.db.Collection(collection)
	for i := 0; i < createAttempts; i++ {
		doc := document{ID: s.newID(), Fields: map[string]string{}, CreatedAt: time.Now()}
		_, err := coll.InsertOne(ctx, doc)
		if err == nil {
			return core.DocRef{Collection: collection, ID: doc.ID}, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return core.DocRef{}, err
		}
	}
	return core.DocRef{}, errors.New("mongo: could not allocate a free document id")
}

func (s *Store) Set(ctx context.Context, ref core.DocRef, fields core.Fields) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	doc := document{ID: ref.ID, Fields: encodeFields(fields), CreatedAt: time.Now()}
	_, err := s.db.Collection(ref.Collection).ReplaceOne(ctx,
		bson.D{{Key: idField, Value: ref.ID}}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) Update(ctx context.Context, ref core.DocRef, fields core.Fields) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	set := bson.D{}
	for k, v := range encodeFields(fields) {
		set = append(set, bson.E{Key: fieldsField + "." + k, Value: v})
	}
	res, err := s.db.Collection(ref.Collection).UpdateOne(ctx,
		bson.D{{Key: idField, Value: ref.ID}}, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return core.ErrNoDocument
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ref core.DocRef) (*core.Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var doc document
	err := s.db.Collection(ref.Collection).FindOne(ctx, bson.D{{Key: idField, Value: ref.ID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &core.Snapshot{Ref: ref}, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.snapshot(ref), nil
}

// Watch opens the change stream before reading the current document, so a
// write landing in between is seen at least once.
func (s *Store) Watch(ctx context.Context, ref core.DocRef, fn func(*core.Snapshot)) (core.Subscription, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cs, err := s.db.Collection(ref.Collection).Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: ref.ID}}}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, err
	}
	initial, err := s.Get(ctx, ref)
	if err != nil {
		_ = cs.Close(context.Background())
		return nil, err
	}

	sub := s.track(cs)
	go sub.run(func(deliver func(func())) {
		deliver(func() { fn(initial) })
		for sub.cs.Next(sub.ctx) {
			var ev changeEvent
			if err := sub.cs.Decode(&ev); err != nil {
				log.Warn().Err(err).Str("module", "store.mongo").Str("ref", ref.Path()).Msg("decode change")
				continue
			}
			snap := &core.Snapshot{Ref: ref}
			if ev.OperationType != "delete" && len(ev.FullDocument) > 0 {
				var doc document
				if err := bson.Unmarshal(ev.FullDocument, &doc); err != nil {
					log.Warn().Err(err).Str("module", "store.mongo").Str("ref", ref.Path()).Msg("decode document")
					continue
				}
				snap = doc.snapshot(ref)
			}
			deliver(func() { fn(snap) })
		}
	})
	return sub, nil
}

func (s *Store) Append(ctx context.Context, ref core.CollectionRef, data json.RawMessage) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	c := childDocument{ID: primitive.NewObjectID(), Parent: ref.Parent.ID, Data: string(data)}
	if _, err := s.childColl(ref).InsertOne(ctx, c); err != nil {
		return "", err
	}
	return c.ID.Hex(), nil
}

// WatchCollection replays existing children in insertion order, then streams
// inserts. Children seen in both phases are delivered once.
func (s *Store) WatchCollection(ctx context.Context, ref core.CollectionRef, fn func([]core.Change)) (core.Subscription, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	coll := s.childColl(ref)
	cs, err := coll.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument." + parentField, Value: ref.Parent.ID},
		}}},
	})
	if err != nil {
		return nil, err
	}
	cur, err := coll.Find(ctx, bson.D{{Key: parentField, Value: ref.Parent.ID}},
		options.Find().SetSort(bson.D{{Key: idField, Value: 1}}))
	if err != nil {
		_ = cs.Close(context.Background())
		return nil, err
	}
	var existing []childDocument
	if err := cur.All(ctx, &existing); err != nil {
		_ = cs.Close(context.Background())
		return nil, err
	}

	seen := make(map[primitive.ObjectID]struct{}, len(existing))
	initial := make([]core.Change, 0, len(existing))
	for _, c := range existing {
		seen[c.ID] = struct{}{}
		initial = append(initial, c.change())
	}

	sub := s.track(cs)
	go sub.run(func(deliver func(func())) {
		deliver(func() { fn(initial) })
		for sub.cs.Next(sub.ctx) {
			var ev changeEvent
			if err := sub.cs.Decode(&ev); err != nil {
				log.Warn().Err(err).Str("module", "store.mongo").Str("ref", ref.Path()).Msg("decode change")
				continue
			}
			var c childDocument
			if err := bson.Unmarshal(ev.FullDocument, &c); err != nil {
				log.Warn().Err(err).Str("module", "store.mongo").Str("ref", ref.Path()).Msg("decode child")
				continue
			}
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			changes := []core.Change{c.change()}
			deliver(func() { fn(changes) })
		}
	})
	return sub, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[*subscription]struct{})
	s.mu.Unlock()

	for sub := range subs {
		sub.End(core.ErrStoreClosed)
		sub.Cancel()
	}
	if s.client != nil {
		return s.client.Disconnect(context.Background())
	}
	return nil
}

func (s *Store) track(cs *mongo.ChangeStream) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cs: cs, ctx: ctx, cancelCtx: cancel, store: s}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

func (s *Store) untrack(sub *subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// subscription owns one change stream and the goroutine reading it.
type subscription struct {
	core.Lifetime

	cs        *mongo.ChangeStream
	ctx       context.Context
	cancelCtx context.CancelFunc
	store     *Store
	cancelled atomic.Bool
}

func (sub *subscription) run(loop func(deliver func(func()))) {
	defer func() {
		_ = sub.cs.Close(context.Background())
		sub.store.untrack(sub)
	}()
	loop(func(fn func()) {
		if !sub.cancelled.Load() {
			fn()
		}
	})
	if sub.cancelled.Load() {
		return
	}
	err := sub.cs.Err()
	if err == nil {
		err = errChangeStreamClosed
	}
	log.Error().Err(err).Str("module", "store.mongo").Msg("change stream ended")
	sub.End(err)
}

func (sub *subscription) Cancel() {
	if sub.cancelled.Swap(true) {
		return
	}
	sub.End(nil)
	sub.cancelCtx()
}

func (d document) snapshot(ref core.DocRef) *core.Snapshot {
	fields := make(core.Fields, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = json.RawMessage(v)
	}
	return &core.Snapshot{Ref: ref, Exists: true, Fields: fields}
}

func (c childDocument) change() core.Change {
	return core.Change{Type: core.ChangeAdded, ID: c.ID.Hex(), Data: json.RawMessage(c.Data)}
}

func encodeFields(fields core.Fields) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = string(v)
	}
	return out
}

func (s *Store) CountChildren(ctx context.Context, ref core.CollectionRef) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n, err := s.childColl(ref).CountDocuments(ctx, bson.D{{Key: parentField, Value: ref.Parent.ID}})
	return int(n), err
}
