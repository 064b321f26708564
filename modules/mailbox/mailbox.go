// Package mailbox provides single-slot, latest-value delivery between one
// producer goroutine and one consumer goroutine.
//
// Drop values, never queue: Publish overwrites any value the consumer has not
// taken yet and never blocks, so a slow consumer costs freshness instead of
// latency on the producer side. Values that carry an event (a counted rep,
// end of stream, a failure) are the exception; PublishKeep queues them in
// order behind the pending value so each one is delivered exactly once.
package mailbox

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Next once the mailbox is closed and drained.
var ErrClosed = errors.New("mailbox: closed")

// Mailbox is a single-slot mailbox with overwrite semantics.
//
// Publish and PublishKeep may be called from any goroutine. Next must be
// called from a single consumer goroutine.
type Mailbox[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	latest    T
	hasLatest bool
	kept      []T

	closed bool

	published      uint64
	delivered      uint64
	drops          uint64
	consecutive    uint64
	lastDeliveryAt time.Time
}

// New creates an empty mailbox.
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Publish stores v as the latest value, dropping any undelivered one.
// It is a no-op after Close.
func (m *Mailbox[T]) Publish(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.published++
	if m.hasLatest {
		m.drops++
		m.consecutive++
	}
	m.latest = v
	m.hasLatest = true

	m.cond.Signal()
}

// PublishKeep enqueues v so that it is delivered after the currently
// pending value, if any, and is never overwritten.
func (m *Mailbox[T]) PublishKeep(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.published++
	if m.hasLatest {
		m.kept = append(m.kept, m.latest)
		var zero T
		m.latest = zero
		m.hasLatest = false
	}
	m.kept = append(m.kept, v)

	m.cond.Signal()
}

// Next blocks until a value is available and returns it. After Close it keeps
// returning pending kept values, then ErrClosed.
func (m *Mailbox[T]) Next() (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.kept) == 0 && !m.hasLatest && !m.closed {
		m.cond.Wait()
	}

	var zero T
	switch {
	case len(m.kept) > 0:
		v := m.kept[0]
		m.kept[0] = zero
		m.kept = m.kept[1:]
		m.markDeliveredLocked()
		return v, nil
	case m.hasLatest && !m.closed:
		v := m.latest
		m.latest = zero
		m.hasLatest = false
		m.markDeliveredLocked()
		return v, nil
	default:
		return zero, ErrClosed
	}
}

// Close wakes the consumer. Undelivered latest values are discarded, pending
// kept values are still delivered. Close is idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	if m.hasLatest {
		m.drops++
	}
	var zero T
	m.latest = zero
	m.hasLatest = false

	m.cond.Broadcast()
}

func (m *Mailbox[T]) markDeliveredLocked() {
	m.delivered++
	m.consecutive = 0
	m.lastDeliveryAt = time.Now()
}
