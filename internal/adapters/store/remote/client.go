// Package remote is a DocumentStore client for the store service WebSocket
// protocol. Subscriptions survive reconnects: after redialing, every live
// subscription is re-issued and the server replays its current state.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/adapters/store/dispatch"
	"github.com/dkeye/peercall/internal/core"
)

const codeDisconnected = "disconnected"

var ErrDisconnected = errors.New("store connection lost")

// ServerError is an error frame returned by the service.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string { return fmt.Sprintf("store service: %s: %s", e.Code, e.Message) }

type Option func(*Client)

// WithRequestTimeout bounds requests whose context carries no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithReconnectBackoff sets the first and the maximum redial delay.
func WithReconnectBackoff(first, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.backoff, c.maxBackoff = first, maxDelay
	}
}

type subscription struct {
	core.Lifetime

	client *Client
	id     string
	req    signal.Request
	box    *dispatch.Mailbox
	onSnap func(*core.Snapshot)
	onChg  func([]core.Change)
}

type Client struct {
	url        string
	dialer     *websocket.Dialer
	timeout    time.Duration
	backoff    time.Duration
	maxBackoff time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	gen     uint64
	ready   chan struct{}
	pending map[string]chan signal.Frame
	subs    map[string]*subscription
	closed  bool
	done    chan struct{}

	writeMu sync.Mutex
}

// Dial connects to the service at url, e.g. ws://host:8080/api/ws/store.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		url:        url,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Jar: jar},
		timeout:    10 * time.Second,
		backoff:    100 * time.Millisecond,
		maxBackoff: 5 * time.Second,
		ready:      make(chan struct{}),
		pending:    make(map[string]chan signal.Frame),
		subs:       make(map[string]*subscription),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	conn, _, err := c.dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial store %s: %w", url, err)
	}
	c.attach(conn)
	log.Info().Str("module", "store.remote").Str("url", url).Msg("connected")
	return c, nil
}

// attach installs conn as the live connection and starts reading it.
func (c *Client) attach(conn *websocket.Conn) uint64 {
	c.mu.Lock()
	c.conn = conn
	c.gen++
	gen := c.gen
	close(c.ready)
	c.mu.Unlock()
	go c.readLoop(conn, gen)
	return gen
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.disconnected(gen, err)
			return
		}
		var f signal.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("module", "store.remote").Msg("bad frame")
			continue
		}
		switch f.Type {
		case signal.TypeSnapshot, signal.TypeChanges:
			c.mu.Lock()
			sub := c.subs[f.Sub]
			c.mu.Unlock()
			if sub != nil {
				sub.deliver(f)
			}
		case signal.TypeClosed:
			c.mu.Lock()
			sub := c.subs[f.Sub]
			c.mu.Unlock()
			if sub != nil {
				c.end(sub, &ServerError{Code: f.Code, Message: f.Error})
			}
		default:
			c.mu.Lock()
			ch, ok := c.pending[f.Req]
			delete(c.pending, f.Req)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func (s *subscription) deliver(f signal.Frame) {
	switch {
	case f.Type == signal.TypeSnapshot && s.onSnap != nil:
		snap := f.Snapshot
		if snap == nil {
			snap = &core.Snapshot{}
		}
		s.box.Push(func() { s.onSnap(snap) })
	case f.Type == signal.TypeChanges && s.onChg != nil:
		changes := f.Changes
		s.box.Push(func() { s.onChg(changes) })
	}
}

// disconnected fails in-flight requests and starts redialing.
func (c *Client) disconnected(gen uint64, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = make(map[string]chan signal.Frame)
	c.conn = nil
	c.ready = make(chan struct{})
	c.mu.Unlock()

	for req, ch := range pending {
		ch <- signal.Frame{Type: signal.TypeError, Req: req, Code: codeDisconnected, Error: cause.Error()}
	}
	log.Warn().Err(cause).Str("module", "store.remote").Msg("disconnected, redialing")
	go c.reconnect()
}

func (c *Client) reconnect() {
	delay := c.backoff
	for {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		conn, _, err := c.dialer.DialContext(ctx, c.url, http.Header{})
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("module", "store.remote").Dur("retry_in", delay).Msg("redial failed")
			delay *= 2
			if delay > c.maxBackoff {
				delay = c.maxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.mu.Unlock()
		c.attach(conn)

		c.mu.Lock()
		subs := make([]*subscription, 0, len(c.subs))
		for _, s := range c.subs {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		for _, s := range subs {
			_, err := c.roundTrip(context.Background(), s.req)
			if err == nil {
				continue
			}
			log.Error().Err(err).Str("module", "store.remote").Str("sub", s.id).Msg("resubscribe")
			// A lost connection is retried by the next reconnect; any other
			// failure means the service refused the subscription.
			if !errors.Is(err, ErrDisconnected) && !errors.Is(err, core.ErrStoreClosed) {
				c.end(s, err)
			}
		}
		log.Info().Str("module", "store.remote").Int("subs", len(subs)).Msg("reconnected")
		return
	}
}

func (c *Client) waitConn(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, core.ErrStoreClosed
		}
		conn, ready := c.conn, c.ready
		c.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ready:
		case <-c.done:
			return nil, core.ErrStoreClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, req signal.Request) (signal.Frame, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	conn, err := c.waitConn(ctx)
	if err != nil {
		return signal.Frame{}, err
	}

	req.Req = uuid.NewString()
	ch := make(chan signal.Frame, 1)
	c.mu.Lock()
	c.pending[req.Req] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, req.Req)
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	err = conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return signal.Frame{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case f := <-ch:
		if f.Type == signal.TypeError {
			return f, frameError(f)
		}
		return f, nil
	case <-ctx.Done():
		forget()
		return signal.Frame{}, ctx.Err()
	case <-c.done:
		return signal.Frame{}, core.ErrStoreClosed
	}
}

func frameError(f signal.Frame) error {
	switch f.Code {
	case signal.CodeNotFound:
		return fmt.Errorf("%w: %s", core.ErrNoDocument, f.Error)
	case codeDisconnected:
		return fmt.Errorf("%w: %s", ErrDisconnected, f.Error)
	}
	return &ServerError{Code: f.Code, Message: f.Error}
}

func (c *Client) Create(ctx context.Context, collection string) (core.DocRef, error) {
	f, err := c.roundTrip(ctx, signal.Request{Type: signal.TypeCreate, Collection: collection})
	if err != nil {
		return core.DocRef{}, err
	}
	if f.Ref == nil {
		return core.DocRef{}, errors.New("store service: create returned no ref")
	}
	return *f.Ref, nil
}

func (c *Client) Set(ctx context.Context, ref core.DocRef, fields core.Fields) error {
	_, err := c.roundTrip(ctx, signal.Request{Type: signal.TypeSet, Ref: &ref, Fields: fields})
	return err
}

func (c *Client) Update(ctx context.Context, ref core.DocRef, fields core.Fields) error {
	_, err := c.roundTrip(ctx, signal.Request{Type: signal.TypeUpdate, Ref: &ref, Fields: fields})
	return err
}

func (c *Client) Get(ctx context.Context, ref core.DocRef) (*core.Snapshot, error) {
	f, err := c.roundTrip(ctx, signal.Request{Type: signal.TypeGet, Ref: &ref})
	if err != nil {
		return nil, err
	}
	if f.Snapshot == nil {
		return &core.Snapshot{Ref: ref}, nil
	}
	return f.Snapshot, nil
}

func (c *Client) Append(ctx context.Context, ref core.CollectionRef, data json.RawMessage) (string, error) {
	f, err := c.roundTrip(ctx, signal.Request{Type: signal.TypeAppend, Coll: &ref, Data: data})
	if err != nil {
		return "", err
	}
	return f.ID, nil
}

func (c *Client) Watch(ctx context.Context, ref core.DocRef, fn func(*core.Snapshot)) (core.Subscription, error) {
	id := uuid.NewString()
	return c.subscribe(ctx, &subscription{
		id:     id,
		req:    signal.Request{Type: signal.TypeWatch, Ref: &ref, Sub: id},
		onSnap: fn,
	})
}

func (c *Client) WatchCollection(ctx context.Context, ref core.CollectionRef, fn func([]core.Change)) (core.Subscription, error) {
	id := uuid.NewString()
	return c.subscribe(ctx, &subscription{
		id:    id,
		req:   signal.Request{Type: signal.TypeWatchCollection, Coll: &ref, Sub: id},
		onChg: fn,
	})
}

// subscribe registers the handler before sending, since the first push may
// overtake the result frame.
func (c *Client) subscribe(ctx context.Context, s *subscription) (core.Subscription, error) {
	s.client = c
	s.box = dispatch.NewMailbox()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.box.Cancel()
		return nil, core.ErrStoreClosed
	}
	c.subs[s.id] = s
	c.mu.Unlock()

	if _, err := c.roundTrip(ctx, s.req); err != nil {
		c.drop(s)
		return nil, err
	}
	return s, nil
}

func (c *Client) drop(s *subscription) bool {
	s.box.Cancel()
	c.mu.Lock()
	_, ok := c.subs[s.id]
	delete(c.subs, s.id)
	c.mu.Unlock()
	return ok
}

// end drops s after the service or a failed resubscribe ended it.
func (c *Client) end(s *subscription, cause error) {
	if !c.drop(s) {
		return
	}
	log.Warn().Err(cause).Str("module", "store.remote").Str("sub", s.id).Msg("subscription ended")
	s.End(cause)
}

// Cancel stops local delivery at once and tells the service in the background.
func (s *subscription) Cancel() {
	s.End(nil)
	if !s.client.drop(s) {
		return
	}
	go func() {
		ctx := context.Background()
		if s.client.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.client.timeout)
			defer cancel()
		}
		_, err := s.client.roundTrip(ctx, signal.Request{Type: signal.TypeCancel, Sub: s.id})
		if err != nil && !errors.Is(err, core.ErrStoreClosed) {
			log.Debug().Err(err).Str("module", "store.remote").Str("sub", s.id).Msg("cancel")
		}
	}()
}

// Ping round-trips a ping frame.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, signal.Request{Type: signal.TypePing})
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, s := range subs {
		s.box.Cancel()
		s.End(core.ErrStoreClosed)
	}
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
