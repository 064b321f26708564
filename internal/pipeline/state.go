package pipeline

import (
	"time"

	"github.com/xixigan/Good-GYM/modules/framesource"
	"github.com/xixigan/Good-GYM/modules/pose"
)

// Phase is the lifecycle position of the pipeline.
type Phase int

const (
	// PhaseIdle is before Run
	PhaseIdle Phase = iota
	// PhaseRunning has an open source and a running capture loop
	PhaseRunning
	// PhaseHalted lost its source and waits for SetSource
	PhaseHalted
	// PhaseEnded reached the end of a non-looping file
	PhaseEnded
	// PhaseFailed has no usable model; Run has returned or is returning
	PhaseFailed
	// PhaseStopped is after Run returned on cancellation
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseHalted:
		return "halted"
	case PhaseEnded:
		return "ended"
	case PhaseFailed:
		return "failed"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// PipelineState is the mutable session state owned by a Pipeline. It is
// only touched under the pipeline mutex.
type PipelineState struct {
	Source framesource.Spec
	Rotate bool
	Mirror bool

	Phase Phase
	// Err is the error behind PhaseHalted or PhaseFailed
	Err error

	// active is the open source; nil unless a loop may run
	active framesource.Source
	loop   *loopHandle
}

// Status is a point-in-time view of the pipeline for health and control
// endpoints.
type Status struct {
	SessionID string    `json:"session_id"`
	Phase     Phase     `json:"phase"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`

	Source          string `json:"source"`
	Rotate          bool   `json:"rotate"`
	Mirror          bool   `json:"mirror"`
	SkeletonVisible bool   `json:"skeleton_visible"`
	ModelMode       string `json:"model_mode"`

	Exercise string  `json:"exercise"`
	Count    int     `json:"count"`
	Stage    string  `json:"stage"`
	FPS      float64 `json:"fps"`

	Ticks           uint64 `json:"ticks"`
	Results         uint64 `json:"results"`
	CaptureErrors   uint64 `json:"capture_errors"`
	InferenceErrors uint64 `json:"inference_errors"`
	EmptyPoses      uint64 `json:"empty_poses"`

	// DeliveryDrops counts frame results overwritten before the consumer
	// took them
	DeliveryDrops    uint64  `json:"delivery_drops"`
	DeliveryDropRate float64 `json:"delivery_drop_rate"`
	// ConsumerStalled is set when results keep being dropped and the
	// consumer has taken nothing for ConsumerStallAfter
	ConsumerStalled bool `json:"consumer_stalled"`

	SourceStats framesource.Stats `json:"source_stats"`
	PoseStats   pose.Stats        `json:"pose_stats"`
}
