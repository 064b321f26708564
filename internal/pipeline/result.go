package pipeline

import (
	"github.com/xixigan/Good-GYM/modules/counter"
	"github.com/xixigan/Good-GYM/modules/exercise"
	"github.com/xixigan/Good-GYM/modules/framesource"
	"github.com/xixigan/Good-GYM/modules/pose"
)

// FrameResult is what one tick hands to the consumer.
type FrameResult struct {
	// Display is the frame to present, mirrored when mirror is on
	Display framesource.Frame
	Stage   counter.Stage
	Count   int
	FPS     float64

	Exercise exercise.Type
	// Angle is the measured joint angle; HasAngle is false when the joint
	// triple was not fully visible this tick
	Angle    float64
	HasAngle bool

	// Keypoints are in display coordinates and follow the mirror setting.
	// Nil when the skeleton overlay is hidden or nobody was detected.
	Keypoints []pose.Keypoint

	// Incremented is true on the tick that completed a rep
	Incremented bool
	// Milestone is true on the tick whose rep first reached a milestone count
	Milestone bool

	Seq     uint64
	TraceID string
}

// TickKind classifies the outcome of one pipeline tick.
type TickKind int

const (
	// TickResult produced a FrameResult
	TickResult TickKind = iota
	// TickSkipped absorbed a transient failure; the loop continues
	TickSkipped
	// TickEnded saw the end of a non-looping file
	TickEnded
	// TickFatal lost the source; the loop halts until a new one is set
	TickFatal
)

func (k TickKind) String() string {
	switch k {
	case TickResult:
		return "result"
	case TickSkipped:
		return "skipped"
	case TickEnded:
		return "ended"
	case TickFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// TickOutcome is the result of one read → infer → count step.
//
// Err is set for skipped and fatal ticks, and for result ticks whose
// inference failed (the result then carries no keypoints).
type TickOutcome struct {
	Kind   TickKind
	Result FrameResult
	Err    error
}

// Consumer receives pipeline output on the delivery goroutine.
//
// Calls are sequential. A slow consumer misses intermediate frame results
// but always receives stream ends and errors.
type Consumer interface {
	OnFrameResult(FrameResult)
	OnStreamEnded()
	// OnPipelineError reports a halted source (*framesource.SourceError) or
	// a fatal model failure (*pose.RollbackFailure).
	OnPipelineError(error)
}

// ConsumerFuncs adapts plain functions to Consumer. Nil fields are skipped.
type ConsumerFuncs struct {
	FrameResult   func(FrameResult)
	StreamEnded   func()
	PipelineError func(error)
}

func (c ConsumerFuncs) OnFrameResult(r FrameResult) {
	if c.FrameResult != nil {
		c.FrameResult(r)
	}
}

func (c ConsumerFuncs) OnStreamEnded() {
	if c.StreamEnded != nil {
		c.StreamEnded()
	}
}

func (c ConsumerFuncs) OnPipelineError(err error) {
	if c.PipelineError != nil {
		c.PipelineError(err)
	}
}

// delivery is one mailbox entry.
type delivery struct {
	result *FrameResult
	ended  bool
	err    error
}
