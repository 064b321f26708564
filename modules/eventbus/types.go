package eventbus

import (
	"errors"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindRepCounted        Kind = "rep_counted"
	KindCountAdjusted     Kind = "count_adjusted"
	KindCounterReset      Kind = "counter_reset"
	KindExerciseChanged   Kind = "exercise_changed"
	KindSourceChanged     Kind = "source_changed"
	KindSourceFailed      Kind = "source_failed"
	KindModelChanged      Kind = "model_changed"
	KindModelChangeFailed Kind = "model_change_failed"
	KindStreamEnded       Kind = "stream_ended"
	KindRecordConfirmed   Kind = "record_confirmed"
	KindPipelineFailed    Kind = "pipeline_failed"
)

// Event is a count, stage or lifecycle notification for external recorders.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`

	Exercise  string `json:"exercise,omitempty"`
	Count     int    `json:"count"`
	Stage     string `json:"stage,omitempty"`
	Milestone bool   `json:"is_milestone,omitempty"`

	ModelMode string `json:"model_mode,omitempty"`
	Source    string `json:"source,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DropPolicy selects how a slow subscriber loses events.
type DropPolicy int

const (
	// DropNew discards the incoming event when the subscriber channel is full.
	DropNew DropPolicy = iota
	// DropOld keeps only the most recent event.
	DropOld
)

// Receiver is the consumer side of a DropOld subscription.
type Receiver interface {
	// Receive blocks until an event is available or the receiver is closed.
	// ok is false once closed.
	Receive() (ev Event, ok bool)
	// TryReceive returns the latest event without blocking.
	TryReceive() (Event, bool)
}

// SubscriberStats counts deliveries for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Bus fans events out to named subscribers. Publish never blocks.
type Bus interface {
	Subscribe(id string, ch chan<- Event) error
	SubscribeLatest(id string) (Receiver, error)
	Unsubscribe(id string) error
	Publish(ev Event)
	Stats(id string) (SubscriberStats, error)
	Close()
}

var (
	ErrBusClosed          = errors.New("eventbus: bus is closed")
	ErrSubscriberExists   = errors.New("eventbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("eventbus: subscriber not found")
	ErrNilChannel         = errors.New("eventbus: channel is nil")
)
