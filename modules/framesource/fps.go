package framesource

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// fpsMeter measures frame rate over a sliding window of arrival times.
type fpsMeter struct {
	mu     sync.Mutex
	window []time.Time
	next   int
	filled bool
}

func newFPSMeter(size int) *fpsMeter {
	if size < 2 {
		size = 2
	}
	return &fpsMeter{window: make([]time.Time, size)}
}

// tick records a frame arrival and returns the current rate.
func (m *fpsMeter) tick(t time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window[m.next] = t
	m.next = (m.next + 1) % len(m.window)
	if m.next == 0 {
		m.filled = true
	}
	mean, _ := m.statsLocked()
	return mean
}

// reset forgets past arrivals, e.g. after a loop seek.
func (m *fpsMeter) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.window {
		m.window[i] = time.Time{}
	}
	m.next = 0
	m.filled = false
}

// stats returns the mean rate and the standard deviation of instantaneous
// rates in the window.
func (m *fpsMeter) stats() (mean, stdDev float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *fpsMeter) statsLocked() (float64, float64) {
	ordered := m.orderedLocked()
	if len(ordered) < 2 {
		return 0, 0
	}

	span := ordered[len(ordered)-1].Sub(ordered[0]).Seconds()
	if span <= 0 {
		return 0, 0
	}
	mean := float64(len(ordered)-1) / span

	rates := make([]float64, 0, len(ordered)-1)
	for i := 1; i < len(ordered); i++ {
		if dt := ordered[i].Sub(ordered[i-1]).Seconds(); dt > 0 {
			rates = append(rates, 1/dt)
		}
	}
	if len(rates) < 2 {
		return mean, 0
	}
	return mean, stat.StdDev(rates, nil)
}

func (m *fpsMeter) orderedLocked() []time.Time {
	if !m.filled {
		return m.window[:m.next]
	}
	out := make([]time.Time, 0, len(m.window))
	out = append(out, m.window[m.next:]...)
	return append(out, m.window[:m.next]...)
}
