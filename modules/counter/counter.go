// Package counter implements the repetition state machine.
//
// A Counter turns a stream of joint angles into a rep count with hysteresis:
// an angle inside the down band arms the counter, an angle inside the up band
// completes the rep, and anything between the two thresholds is ignored. A
// rep is counted only on the down→up transition, so jitter that lingers in a
// band or oscillates across one threshold never double counts.
//
// All methods are safe for concurrent use. The capture loop drives Observe
// while operator actions (Reset, Increment, Decrement, SetExercise) may run
// from other goroutines; every read-modify-write of count and stage happens
// under one mutex.
package counter

import (
	"sync"

	"github.com/xixigan/Good-GYM/modules/exercise"
)

// Stage is the phase of the current repetition.
type Stage int

const (
	StageUnknown Stage = iota
	StageDown
	StageUp
)

// String returns the wire name of the stage.
func (s Stage) String() string {
	switch s {
	case StageDown:
		return "down"
	case StageUp:
		return "up"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DefaultMilestoneEvery is the rep interval that marks a milestone.
const DefaultMilestoneEvery = 10

// Options configures a Counter.
type Options struct {
	// MilestoneEvery marks every Nth rep as a milestone. Zero uses
	// DefaultMilestoneEvery; a negative value disables milestones.
	MilestoneEvery int
}

// State is a point-in-time copy of the counter.
type State struct {
	Exercise exercise.Type
	Count    int
	Stage    Stage
	// LastAngle is the most recent valid angle; HasAngle is false after a
	// reset until the next valid observation.
	LastAngle float64
	HasAngle  bool
}

// Update describes the counter after an operation.
type Update struct {
	State
	// Incremented is true when this operation raised the count by one.
	Incremented bool
	// Milestone is true on the single increment that first reaches a
	// multiple of the milestone interval.
	Milestone bool
	// Changed is true when count or stage differ from before the operation.
	Changed bool
}

// Counter is the repetition state machine for one exercise session.
type Counter struct {
	mu             sync.Mutex
	milestoneEvery int

	exercise exercise.Type
	rule     exercise.Rule

	count     int
	stage     Stage
	lastAngle float64
	hasAngle  bool

	// lastMilestone is the highest milestone already announced this session.
	lastMilestone int
}

// New creates a counter for t in StageUnknown with a zero count.
func New(t exercise.Type, opts Options) *Counter {
	every := opts.MilestoneEvery
	if every == 0 {
		every = DefaultMilestoneEvery
	}
	return &Counter{
		milestoneEvery: every,
		exercise:       t,
		rule:           exercise.RuleFor(t),
	}
}

// Observe feeds one tick's angle, computed for exercise t.
//
// ok=false (missing keypoints) is a no-op. An observation computed for an
// exercise other than the current one is discarded, which keeps a tick that
// raced with SetExercise from leaking into the new session.
func (c *Counter) Observe(t exercise.Type, angle float64, ok bool) Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !ok || t != c.exercise {
		return Update{State: c.snapshotLocked()}
	}

	c.lastAngle = angle
	c.hasAngle = true

	prevStage := c.stage
	var u Update

	switch {
	case c.rule.InDownBand(angle):
		c.stage = StageDown
	case c.rule.InUpBand(angle):
		if c.stage == StageDown {
			c.count++
			u.Incremented = true
			u.Milestone = c.markMilestoneLocked()
		}
		c.stage = StageUp
	}

	u.Changed = u.Incremented || c.stage != prevStage
	u.State = c.snapshotLocked()
	return u
}

// Reset sets count to zero, stage to unknown and clears the angle memory.
func (c *Counter) Reset() Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := c.count != 0 || c.stage != StageUnknown
	c.resetLocked()
	return Update{State: c.snapshotLocked(), Changed: changed}
}

// SetExercise switches to t and resets the session. Switching to the current
// exercise still resets.
func (c *Counter) SetExercise(t exercise.Type) Update {
	rule := exercise.RuleFor(t)

	c.mu.Lock()
	defer c.mu.Unlock()

	changed := c.count != 0 || c.stage != StageUnknown || c.exercise != t
	c.exercise = t
	c.rule = rule
	c.resetLocked()
	return Update{State: c.snapshotLocked(), Changed: changed}
}

// Increment adds one rep without touching the stage.
func (c *Counter) Increment() Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.count++
	milestone := c.markMilestoneLocked()
	return Update{
		State:       c.snapshotLocked(),
		Incremented: true,
		Milestone:   milestone,
		Changed:     true,
	}
}

// Decrement removes one rep, clamped at zero, without touching the stage.
func (c *Counter) Decrement() Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := c.count > 0
	if changed {
		c.count--
	}
	return Update{State: c.snapshotLocked(), Changed: changed}
}

// Snapshot returns the current state.
func (c *Counter) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Exercise returns the current exercise.
func (c *Counter) Exercise() exercise.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exercise
}

func (c *Counter) resetLocked() {
	c.count = 0
	c.stage = StageUnknown
	c.lastAngle = 0
	c.hasAngle = false
	c.lastMilestone = 0
}

func (c *Counter) markMilestoneLocked() bool {
	if c.milestoneEvery <= 0 || c.count%c.milestoneEvery != 0 {
		return false
	}
	if c.count <= c.lastMilestone {
		return false
	}
	c.lastMilestone = c.count
	return true
}

func (c *Counter) snapshotLocked() State {
	return State{
		Exercise:  c.exercise,
		Count:     c.count,
		Stage:     c.stage,
		LastAngle: c.lastAngle,
		HasAngle:  c.hasAngle,
	}
}
