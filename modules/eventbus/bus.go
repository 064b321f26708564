// Package eventbus distributes counter and pipeline events to independent
// subscribers (MQTT emitter, status endpoint) without letting any of them
// slow down the capture loop.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type subscriber struct {
	id     string
	policy DropPolicy

	sent    atomic.Uint64
	dropped atomic.Uint64

	ch     chan<- Event
	latest *latestHolder
}

type bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
}

// New creates an empty bus.
func New() Bus {
	return &bus{subscribers: make(map[string]*subscriber)}
}

func (b *bus) Subscribe(id string, ch chan<- Event) error {
	if ch == nil {
		return ErrNilChannel
	}
	return b.add(&subscriber{id: id, policy: DropNew, ch: ch})
}

func (b *bus) SubscribeLatest(id string) (Receiver, error) {
	s := &subscriber{id: id, policy: DropOld, latest: newLatestHolder()}
	if err := b.add(s); err != nil {
		return nil, err
	}
	return s.latest, nil
}

func (b *bus) add(s *subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[s.id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[s.id] = s
	return nil
}

// Publish stamps missing ID and Timestamp fields and hands ev to every
// subscriber.
func (b *bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, s := range b.subscribers {
		switch s.policy {
		case DropNew:
			select {
			case s.ch <- ev:
				s.sent.Add(1)
			default:
				s.dropped.Add(1)
			}
		case DropOld:
			if s.latest.set(ev) {
				s.dropped.Add(1)
			}
			s.sent.Add(1)
		}
	}
}

func (b *bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if s.latest != nil {
		s.latest.close()
	}
	delete(b.subscribers, id)
	return nil
}

func (b *bus) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}, nil
}

// Close detaches every subscriber. Channels handed to Subscribe are owned by
// their callers and are not closed.
func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, s := range b.subscribers {
		if s.latest != nil {
			s.latest.close()
		}
	}
	b.subscribers = nil
}

// latestHolder implements Receiver for DropOld subscribers.
type latestHolder struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ev     Event
	unread bool
	has    bool
	closed bool
}

func newLatestHolder() *latestHolder {
	h := &latestHolder{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// set stores ev and reports whether an unread event was replaced.
func (h *latestHolder) set(ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	replaced := h.unread
	h.ev = ev
	h.has = true
	h.unread = true
	h.cond.Broadcast()
	return replaced
}

func (h *latestHolder) Receive() (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for !h.unread && !h.closed {
		h.cond.Wait()
	}
	if h.closed {
		return Event{}, false
	}
	h.unread = false
	return h.ev, true
}

func (h *latestHolder) TryReceive() (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.has {
		return Event{}, false
	}
	h.unread = false
	return h.ev, true
}

func (h *latestHolder) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.cond.Broadcast()
}
