package mailbox

import "time"

// Stats is a snapshot of mailbox counters.
type Stats struct {
	Published        uint64
	Delivered        uint64
	Drops            uint64
	ConsecutiveDrops uint64 // overwrites since the last delivery
	LastDeliveryAt   time.Time
	Closed           bool
}

// DropRate is the fraction of published values that were overwritten.
func (s Stats) DropRate() float64 {
	if s.Published == 0 {
		return 0
	}
	return float64(s.Drops) / float64(s.Published)
}

// IsIdle reports whether the consumer has not taken a value for longer than
// threshold while values keep being dropped.
func (s Stats) IsIdle(threshold time.Duration) bool {
	if s.ConsecutiveDrops == 0 {
		return false
	}
	return time.Since(s.LastDeliveryAt) > threshold
}

// Stats returns the current counters.
func (m *Mailbox[T]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Published:        m.published,
		Delivered:        m.delivered,
		Drops:            m.drops,
		ConsecutiveDrops: m.consecutive,
		LastDeliveryAt:   m.lastDeliveryAt,
		Closed:           m.closed,
	}
}
