package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/xixigan/Good-GYM/modules/counter"
	"github.com/xixigan/Good-GYM/modules/eventbus"
	"github.com/xixigan/Good-GYM/modules/exercise"
	"github.com/xixigan/Good-GYM/modules/framesource"
	"github.com/xixigan/Good-GYM/modules/pose"
)

// ErrNothingToRecord is returned by ConfirmRecord with a zero count.
var ErrNothingToRecord = errors.New("pipeline: no reps to record")

// ConsumerStallAfter is how long the consumer may go without taking a result
// before Status reports it stalled.
const ConsumerStallAfter = 2 * time.Second

// SetExerciseType switches the exercise and starts a new count. The loop
// keeps running; a tick measured for the previous exercise is discarded by
// the counter.
func (p *Pipeline) SetExerciseType(t exercise.Type) (counter.State, error) {
	if !t.Valid() {
		return counter.State{}, fmt.Errorf("pipeline: invalid exercise %s", t)
	}
	prev := p.counter.Exercise()
	upd := p.counter.SetExercise(t)

	slog.Info("pipeline: exercise changed", "from", prev.String(), "to", t.String())
	p.publish(eventbus.KindExerciseChanged, nil)
	return upd.State, nil
}

// SetSource replaces the frame source. The capture loop is stopped and the
// old source closed before the new one is opened. If opening fails the
// pipeline halts and the *framesource.SourceError is returned.
func (p *Pipeline) SetSource(ctx context.Context, spec framesource.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	p.switchMu.Lock()
	defer p.switchMu.Unlock()

	if err := p.switchableLocked(); err != nil {
		return err
	}

	p.stopLoopLocked()

	p.mu.Lock()
	old := p.state.active
	p.state.active = nil
	prev := p.state.Source
	p.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			slog.Warn("pipeline: failed to close previous source", "source", prev.String(), "error", err)
		}
	}

	slog.Info("pipeline: switching source", "from", prev.String(), "to", spec.String())
	if err := p.openLocked(ctx, spec); err != nil {
		return err
	}

	p.publish(eventbus.KindSourceChanged, func(ev *eventbus.Event) {
		ev.Source = spec.String()
	})
	p.startLoopLocked()
	return nil
}

// SetModelMode switches the pose model with the capture loop stopped.
//
// A *pose.ModelLoadError leaves the previous mode running. A
// *pose.RollbackFailure is fatal: the loop stays down and Run returns it.
func (p *Pipeline) SetModelMode(ctx context.Context, mode pose.ModelMode) error {
	p.switchMu.Lock()
	defer p.switchMu.Unlock()

	if err := p.switchableLocked(); err != nil {
		return err
	}

	p.stopLoopLocked()

	err := p.adapter.SetMode(ctx, mode)

	var rf *pose.RollbackFailure
	switch {
	case err == nil:
		p.publish(eventbus.KindModelChanged, nil)
	case errors.As(err, &rf):
		p.fail(rf)
		return err
	default:
		slog.Warn("pipeline: model mode unchanged", "attempted", mode.String(), "error", err)
		p.publish(eventbus.KindModelChangeFailed, func(ev *eventbus.Event) {
			ev.Error = err.Error()
		})
	}

	p.startLoopLocked()
	return err
}

// switchableLocked reports why a switch cannot run now.
func (p *Pipeline) switchableLocked() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Phase == PhaseFailed {
		return p.state.Err
	}
	if p.runCtx == nil {
		return ErrNotRunning
	}
	return nil
}

// SetRotation turns the 90° rotation on or off, live on the active source
// and for every source opened later.
func (p *Pipeline) SetRotation(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.Rotate = enabled
	if p.state.active != nil {
		p.state.active.SetRotation(enabled)
	}
	slog.Info("pipeline: rotation set", "enabled", enabled)
}

// SetMirror flips emitted display frames and overlay keypoints. Counting is
// not affected.
func (p *Pipeline) SetMirror(enabled bool) {
	p.mu.Lock()
	p.state.Mirror = enabled
	p.mu.Unlock()
	slog.Info("pipeline: mirror set", "enabled", enabled)
}

// SetSkeletonVisible controls whether results carry overlay keypoints.
func (p *Pipeline) SetSkeletonVisible(visible bool) {
	p.adapter.SetSkeletonVisible(visible)
	slog.Info("pipeline: skeleton overlay set", "visible", visible)
}

// ResetCounter sets count to zero and stage to unknown.
func (p *Pipeline) ResetCounter() counter.State {
	upd := p.counter.Reset()
	p.publish(eventbus.KindCounterReset, nil)
	return upd.State
}

// IncrementCounter adds one rep by hand.
func (p *Pipeline) IncrementCounter() counter.State {
	upd := p.counter.Increment()
	p.publish(eventbus.KindCountAdjusted, func(ev *eventbus.Event) {
		ev.Count = upd.Count
		ev.Milestone = upd.Milestone
	})
	return upd.State
}

// DecrementCounter removes one rep by hand, never going below zero.
func (p *Pipeline) DecrementCounter() counter.State {
	upd := p.counter.Decrement()
	if upd.Changed {
		p.publish(eventbus.KindCountAdjusted, func(ev *eventbus.Event) {
			ev.Count = upd.Count
		})
	}
	return upd.State
}

// ConfirmRecord publishes the current count for external recorders.
func (p *Pipeline) ConfirmRecord() (counter.State, error) {
	st := p.counter.Snapshot()
	if st.Count == 0 {
		return st, ErrNothingToRecord
	}
	p.publish(eventbus.KindRecordConfirmed, func(ev *eventbus.Event) {
		ev.Count = st.Count
		ev.Exercise = st.Exercise.String()
	})
	slog.Info("pipeline: record confirmed", "exercise", st.Exercise.String(), "count", st.Count)
	return st, nil
}

// Status returns a snapshot of state and counters.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	st := Status{
		SessionID: p.sessionID,
		Phase:     p.state.Phase,
		StartedAt: p.started,
		Source:    p.state.Source.String(),
		Rotate:    p.state.Rotate,
		Mirror:    p.state.Mirror,
	}
	if p.state.Err != nil {
		st.Error = p.state.Err.Error()
	}
	src := p.state.active
	p.mu.Unlock()

	if src != nil {
		st.SourceStats = src.Stats()
	}

	c := p.counter.Snapshot()
	st.Exercise = c.Exercise.String()
	st.Count = c.Count
	st.Stage = c.Stage.String()

	st.PoseStats = p.adapter.Stats()
	st.ModelMode = st.PoseStats.Mode
	st.SkeletonVisible = st.PoseStats.SkeletonVisible

	st.FPS = math.Float64frombits(p.lastFPS.Load())
	st.Ticks = p.ticks.Load()
	st.Results = p.results.Load()
	st.CaptureErrors = p.captureErrors.Load()
	st.InferenceErrors = p.inferenceErrors.Load()
	st.EmptyPoses = p.emptyPoses.Load()

	mb := p.out.Stats()
	st.DeliveryDrops = mb.Drops
	st.DeliveryDropRate = mb.DropRate()
	st.ConsumerStalled = mb.IsIdle(ConsumerStallAfter)
	return st
}
