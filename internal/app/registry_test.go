package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/core"
)

type countingSub struct {
	core.Lifetime
	n int
}

func (s *countingSub) Cancel() {
	s.End(nil)
	s.n++
}

func TestRegistryReleasesSubscriptionsOnUnbind(t *testing.T) {
	r := NewRegistry()
	var cancelled bool
	r.Bind("s1", "client", func() { cancelled = true })

	a, b := &countingSub{}, &countingSub{}
	require.NoError(t, r.AddSubscription("s1", "a", a))
	require.NoError(t, r.AddSubscription("s1", "b", b))
	assert.Equal(t, 2, r.Subscriptions("s1"))
	assert.True(t, r.HasSubscription("s1", "a"))

	assert.True(t, r.CancelSubscription("s1", "a"))
	assert.False(t, r.CancelSubscription("s1", "a"))
	assert.Equal(t, 1, a.n)

	assert.True(t, r.Cancel("s1"))
	assert.True(t, cancelled)

	r.Unbind("s1")
	assert.Equal(t, 1, b.n)
	assert.Zero(t, r.Sessions())
	r.Unbind("s1")
	assert.Equal(t, 1, b.n)
}

func TestRegistryRejectsUnknownAndDuplicate(t *testing.T) {
	r := NewRegistry()
	orphan := &countingSub{}
	assert.ErrorIs(t, r.AddSubscription("nope", "x", orphan), ErrUnknownSession)
	assert.Equal(t, 1, orphan.n, "rejected subscription is cancelled")

	r.Bind("s1", "client", nil)
	require.NoError(t, r.AddSubscription("s1", "x", &countingSub{}))
	dup := &countingSub{}
	assert.ErrorIs(t, r.AddSubscription("s1", "x", dup), ErrDuplicateSub)
	assert.Equal(t, 1, dup.n)

	token, ok := r.ClientOf("s1")
	assert.True(t, ok)
	assert.Equal(t, "client", token)
}

func TestSimplePolicy(t *testing.T) {
	var p Policy = SimplePolicy{}
	assert.Equal(t, Disconnect, p.OnBackPressure(core.SessionID("s"), true))
	assert.Equal(t, DropFrame, p.OnBackPressure(core.SessionID("s"), false))
}

func TestRegistryDropEndedOnlyRemovesSameSubscription(t *testing.T) {
	r := NewRegistry()
	r.Bind("s1", "client", nil)

	first := &countingSub{}
	require.NoError(t, r.AddSubscription("s1", "x", first))
	first.End(core.ErrStoreClosed)

	stale := &countingSub{}
	assert.False(t, r.DropEnded("s1", "x", stale))
	assert.True(t, r.HasSubscription("s1", "x"))

	assert.True(t, r.DropEnded("s1", "x", first))
	assert.False(t, r.HasSubscription("s1", "x"))
	assert.Equal(t, 1, first.n)
	assert.ErrorIs(t, first.Err(), core.ErrStoreClosed)
	assert.False(t, r.DropEnded("nope", "x", first))
}
