// Package dispatch runs subscription callbacks off the writer's goroutine.
package dispatch

import (
	"sync"
	"sync/atomic"
)

// Mailbox runs the deliveries of one subscription on its own goroutine, in
// push order, without ever blocking the writer.
type Mailbox struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}

	cancelled atomic.Bool
	closeOnce sync.Once
}

func NewMailbox() *Mailbox {
	m := &Mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

// Push queues fn. It is a no-op after Cancel.
func (m *Mailbox) Push(fn func()) {
	if m.cancelled.Load() {
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			batch := m.queue
			m.queue = nil
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				if m.cancelled.Load() {
					return
				}
				fn()
			}
		}
	}
}

// Cancel drops queued deliveries; no fn starts after it returns, except one
// already running.
func (m *Mailbox) Cancel() {
	m.cancelled.Store(true)
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		m.queue = nil
		m.mu.Unlock()
	})
}
