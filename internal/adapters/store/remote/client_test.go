package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/adapters/store/memory"
	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/core"
)

type testServer struct {
	url   string
	store *memory.Store
	reg   *app.Registry
}

// refusingStore fails new watches while refuse is set.
type refusingStore struct {
	*memory.Store
	refuse atomic.Bool
}

func (s *refusingStore) Watch(ctx context.Context, ref core.DocRef, fn func(*core.Snapshot)) (core.Subscription, error) {
	if s.refuse.Load() {
		return nil, errors.New("watch refused")
	}
	return s.Store.Watch(ctx, ref, fn)
}

func newTestServer(t *testing.T, limiter *signal.RateLimiter) *testServer {
	t.Helper()
	store := memory.New()
	return serve(t, store, store, limiter)
}

func serve(t *testing.T, backing core.DocumentStore, store *memory.Store, limiter *signal.RateLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := app.NewRegistry()
	ctl := signal.NewStoreWSController(backing, reg, app.SimplePolicy{}, limiter, signal.Options{})

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", "test-client")
		ctl.HandleStore(context.Background(), c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{
		url:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		store: store,
		reg:   reg,
	}
}

func dial(t *testing.T, ts *testServer) *Client {
	t.Helper()
	c, err := Dial(context.Background(), ts.url,
		WithRequestTimeout(2*time.Second),
		WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDocumentOperations(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dial(t, ts)
	ctx := context.Background()

	ref, err := c.Create(ctx, "calls")
	require.NoError(t, err)
	assert.Equal(t, "calls", ref.Collection)
	assert.NotEmpty(t, ref.ID)

	require.NoError(t, c.Set(ctx, ref, core.Fields{"offer": json.RawMessage(`{"sdp":"x"}`)}))
	require.NoError(t, c.Update(ctx, ref, core.Fields{"answer": json.RawMessage(`{"sdp":"y"}`)}))

	snap, err := c.Get(ctx, ref)
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.JSONEq(t, `{"sdp":"x"}`, string(snap.Fields["offer"]))
	assert.JSONEq(t, `{"sdp":"y"}`, string(snap.Fields["answer"]))

	err = c.Update(ctx, core.DocRef{Collection: "calls", ID: "missing"}, core.Fields{"a": json.RawMessage(`1`)})
	assert.ErrorIs(t, err, core.ErrNoDocument)

	missing, err := c.Get(ctx, core.DocRef{Collection: "calls", ID: "missing"})
	require.NoError(t, err)
	assert.False(t, missing.Exists)

	id, err := c.Append(ctx, ref.Sub("offerCandidates"), json.RawMessage(`{"candidate":"c"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, ts.store.Children(ref.Sub("offerCandidates")))

	require.NoError(t, c.Ping(ctx))
}

func TestBadRequestsReturnServerErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dial(t, ts)

	err := c.Set(context.Background(), core.DocRef{}, nil)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, signal.CodeBadPayload, se.Code)
}

func TestWatchDeliversAcrossTheWire(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dial(t, ts)
	ctx := context.Background()
	ref, err := c.Create(ctx, "calls")
	require.NoError(t, err)

	snaps := make(chan *core.Snapshot, 8)
	sub, err := c.Watch(ctx, ref, func(s *core.Snapshot) { snaps <- s })
	require.NoError(t, err)

	first := <-snaps
	assert.True(t, first.Exists)
	assert.Empty(t, first.Fields)

	require.NoError(t, ts.store.Update(ctx, ref, core.Fields{"answer": json.RawMessage(`"a"`)}))
	select {
	case s := <-snaps:
		assert.JSONEq(t, `"a"`, string(s.Fields["answer"]))
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}

	sub.Cancel()
	sub.Cancel()
	require.Eventually(t, func() bool { return ts.store.Watchers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatchCollectionReplaysAndStreams(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dial(t, ts)
	ctx := context.Background()
	group := core.DocRef{Collection: "calls", ID: "c1"}.Sub("answerCandidates")

	_, err := ts.store.Append(ctx, group, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	sub, err := c.WatchCollection(ctx, group, func(changes []core.Change) {
		mu.Lock()
		for _, ch := range changes {
			got = append(got, string(ch.Data))
		}
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Cancel()

	_, err = c.Append(ctx, group, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, got)
	mu.Unlock()
}

func TestResubscribesAfterReconnect(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dial(t, ts)
	ctx := context.Background()
	ref, err := c.Create(ctx, "calls")
	require.NoError(t, err)

	var mu sync.Mutex
	var answers []string
	_, err = c.Watch(ctx, ref, func(s *core.Snapshot) {
		if raw, ok := s.Fields["answer"]; ok {
			mu.Lock()
			answers = append(answers, string(raw))
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	before := ts.reg.SessionIDs()
	require.Len(t, before, 1)
	ts.reg.Cancel(before[0])
	require.Eventually(t, func() bool {
		ids := ts.reg.SessionIDs()
		return len(ids) == 1 && ids[0] != before[0] && ts.reg.Subscriptions(ids[0]) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, ts.store.Update(ctx, ref, core.Fields{"answer": json.RawMessage(`"late"`)}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(answers) > 0 && answers[len(answers)-1] == `"late"`
	}, 3*time.Second, 10*time.Millisecond)

	_, err = c.Get(ctx, ref)
	assert.NoError(t, err)
}

func TestRateLimitedWrites(t *testing.T) {
	ts := newTestServer(t, signal.NewRateLimiter(2, time.Minute))
	c := dial(t, ts)
	ctx := context.Background()

	_, err := c.Create(ctx, "calls")
	require.NoError(t, err)
	_, err = c.Create(ctx, "calls")
	require.NoError(t, err)
	_, err = c.Create(ctx, "calls")
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, signal.CodeRateLimited, se.Code)

	_, err = c.Get(ctx, core.DocRef{Collection: "calls", ID: "x"})
	assert.NoError(t, err, "reads are not limited")
}

func TestClosedClientRejects(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dial(t, ts)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Create(context.Background(), "calls")
	assert.ErrorIs(t, err, core.ErrStoreClosed)
	require.Eventually(t, func() bool { return ts.reg.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func waitEnded(t *testing.T, sub core.Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not end")
	}
}

func TestStoreEndedSubscriptionReachesClient(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dial(t, ts)
	ctx := context.Background()
	ref, err := c.Create(ctx, "calls")
	require.NoError(t, err)

	sub, err := c.WatchCollection(ctx, ref.Sub("offerCandidates"), func([]core.Change) {})
	require.NoError(t, err)
	ids := ts.reg.SessionIDs()
	require.Len(t, ids, 1)

	require.NoError(t, ts.store.Close())
	waitEnded(t, sub)

	assert.ErrorIs(t, sub.Err(), core.ErrSubscriptionClosed)
	var se *ServerError
	require.ErrorAs(t, sub.Err(), &se)
	assert.Equal(t, signal.CodeSubClosed, se.Code)
	assert.Zero(t, ts.reg.Subscriptions(ids[0]))

	sub.Cancel()
	assert.ErrorIs(t, sub.Err(), core.ErrSubscriptionClosed)
}

func TestRefusedResubscribeEndsSubscription(t *testing.T) {
	store := &refusingStore{Store: memory.New()}
	ts := serve(t, store, store.Store, nil)
	c := dial(t, ts)
	ctx := context.Background()
	ref, err := c.Create(ctx, "calls")
	require.NoError(t, err)

	sub, err := c.Watch(ctx, ref, func(*core.Snapshot) {})
	require.NoError(t, err)

	store.refuse.Store(true)
	before := ts.reg.SessionIDs()
	require.Len(t, before, 1)
	ts.reg.Cancel(before[0])

	waitEnded(t, sub)
	assert.ErrorIs(t, sub.Err(), core.ErrSubscriptionClosed)

	_, err = c.Get(ctx, ref)
	assert.NoError(t, err, "the connection itself is back")
}

func TestRequestWithoutDeadlineAfterOneWithDeadline(t *testing.T) {
	ts := newTestServer(t, nil)
	c, err := Dial(context.Background(), ts.url, WithRequestTimeout(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	short, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	require.NoError(t, c.Ping(short))
	cancel()
	time.Sleep(150 * time.Millisecond)

	assert.NoError(t, c.Ping(context.Background()))
}
