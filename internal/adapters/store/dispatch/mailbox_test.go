package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxRunsInPushOrder(t *testing.T) {
	m := NewMailbox()
	defer m.Cancel()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		m.Push(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 50
	}, time.Second, time.Millisecond)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestMailboxPushNeverBlocks(t *testing.T) {
	m := NewMailbox()
	defer m.Cancel()
	release := make(chan struct{})
	m.Push(func() { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.Push(func() {})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked behind a slow callback")
	}
	close(release)
}

func TestMailboxCancelDropsQueued(t *testing.T) {
	m := NewMailbox()
	release := make(chan struct{})
	started := make(chan struct{})
	m.Push(func() {
		close(started)
		<-release
	})
	<-started

	var ran bool
	m.Push(func() { ran = true })
	m.Cancel()
	m.Cancel()
	close(release)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran)
	m.Push(func() { ran = true })
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran)
}
