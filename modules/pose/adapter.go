package pose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xixigan/Good-GYM/modules/framesource"
)

// ErrClosed is returned once the adapter has been closed.
var ErrClosed = errors.New("pose: adapter closed")

// DefaultMaxEdge is the largest frame dimension passed to the detector.
const DefaultMaxEdge = 640

// Options configures an Adapter.
type Options struct {
	// Mode is the model mode loaded at construction (default balanced)
	Mode ModelMode
	// Confidence is the score a keypoint must exceed (default 0.5)
	Confidence float64
	// MaxEdge bounds the frame size given to the detector (default 640)
	MaxEdge int
	// SkeletonVisible is the initial overlay flag
	SkeletonVisible bool
}

// Stats contains adapter counters.
type Stats struct {
	Mode            string `json:"mode"`
	Inferences      uint64 `json:"inferences"`
	Empty           uint64 `json:"empty"`
	Errors          uint64 `json:"errors"`
	ModeSwitches    uint64 `json:"mode_switches"`
	ModeFailures    uint64 `json:"mode_failures"`
	SkeletonVisible bool   `json:"skeleton_visible"`
	Failed          bool   `json:"failed"`
}

// Adapter owns the pose model lifecycle and turns frames into PoseResults.
//
// Infer and SetMode may be called from different goroutines, but callers
// should stop inferring while a mode switch runs: Infer blocks on the swap
// and frames captured meanwhile are stale.
type Adapter struct {
	factory    Factory
	confidence float64
	maxEdge    int

	switchMu sync.Mutex // serializes SetMode

	mu     sync.RWMutex // guards det, mode and failed; Infer holds RLock during Detect
	det    Detector
	mode   ModelMode
	failed *RollbackFailure

	skeleton atomic.Bool

	inferences   atomic.Uint64
	empty        atomic.Uint64
	errors       atomic.Uint64
	modeSwitches atomic.Uint64
	modeFailures atomic.Uint64
}

// NewAdapter loads the initial model. It fails if the detector cannot be
// built.
func NewAdapter(ctx context.Context, factory Factory, opts Options) (*Adapter, error) {
	if factory == nil {
		return nil, fmt.Errorf("pose: factory is required")
	}
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("pose: invalid mode %d", int(opts.Mode))
	}
	if opts.Confidence <= 0 {
		opts.Confidence = DefaultConfidence
	}
	if opts.Confidence >= 1 {
		return nil, fmt.Errorf("pose: confidence must be < 1, got %v", opts.Confidence)
	}
	if opts.MaxEdge <= 0 {
		opts.MaxEdge = DefaultMaxEdge
	}

	det, err := factory(ctx, opts.Mode)
	if err != nil {
		return nil, fmt.Errorf("pose: load %s model: %w", opts.Mode, err)
	}

	a := &Adapter{
		factory:    factory,
		confidence: opts.Confidence,
		maxEdge:    opts.MaxEdge,
		det:        det,
		mode:       opts.Mode,
	}
	a.skeleton.Store(opts.SkeletonVisible)

	slog.Info("pose: adapter ready",
		"mode", opts.Mode.String(),
		"model", opts.Mode.Spec().PoseModel,
		"confidence", opts.Confidence,
	)
	return a, nil
}

// Infer detects the most confident person in frame.
//
// Frames larger than the adapter's max edge are downscaled before detection
// and keypoints are mapped back, so results are always in frame coordinates.
// Keypoints at or below the confidence threshold are moved to the sentinel.
// No person is an empty result, not an error. Detector failures are returned
// as *InferenceError alongside an empty result.
func (a *Adapter) Infer(ctx context.Context, frame framesource.Frame) (PoseResult, error) {
	a.inferences.Add(1)

	if err := frame.Validate(); err != nil {
		a.errors.Add(1)
		return PoseResult{}, &InferenceError{Seq: frame.Seq, Err: err}
	}

	img, scale := framesource.Downscale(frame.Image(), a.maxEdge)

	a.mu.RLock()
	if a.det == nil {
		var cause error = ErrClosed
		if a.failed != nil {
			cause = a.failed
		}
		a.mu.RUnlock()
		a.errors.Add(1)
		return PoseResult{}, &InferenceError{Seq: frame.Seq, Err: cause}
	}
	people, err := a.det.Detect(ctx, img)
	a.mu.RUnlock()

	if err != nil {
		a.errors.Add(1)
		return PoseResult{}, &InferenceError{Seq: frame.Seq, Err: err}
	}

	best, ok := mostConfident(people)
	if !ok {
		a.empty.Add(1)
		return PoseResult{}, nil
	}

	return a.normalize(best, scale), nil
}

func mostConfident(people []Person) (Person, bool) {
	bestIdx := -1
	for i, p := range people {
		if len(p.Keypoints) == 0 {
			continue
		}
		if bestIdx < 0 || p.Score > people[bestIdx].Score {
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return Person{}, false
	}
	return people[bestIdx], true
}

// normalize applies the confidence filter and undoes the detection scale.
func (a *Adapter) normalize(p Person, scale float64) PoseResult {
	out := PoseResult{Score: p.Score, Keypoints: make([]Keypoint, NumKeypoints)}
	for i := 0; i < NumKeypoints && i < len(p.Keypoints); i++ {
		k := p.Keypoints[i]
		if k.Score > a.confidence {
			out.Keypoints[i] = Keypoint{X: k.X / scale, Y: k.Y / scale, Score: k.Score}
		} else {
			out.Keypoints[i] = Keypoint{Score: k.Score}
		}
	}
	return out
}

// SetMode replaces the model with one for mode.
//
// The new detector is fully built before the old one is retired. If building
// fails the adapter keeps serving the previous mode and a *ModelLoadError is
// returned. If the previous detector turns out to be dead as well, it is
// rebuilt; when that fails too a *RollbackFailure is returned and the adapter
// stops serving.
func (a *Adapter) SetMode(ctx context.Context, mode ModelMode) error {
	a.switchMu.Lock()
	defer a.switchMu.Unlock()

	a.mu.RLock()
	prev, failed, closed := a.mode, a.failed, a.det == nil
	a.mu.RUnlock()

	if failed != nil {
		return failed
	}
	if closed {
		return ErrClosed
	}
	if !mode.Valid() {
		a.modeFailures.Add(1)
		return &ModelLoadError{Attempted: mode, Active: prev, Err: errors.New("unknown mode")}
	}
	if mode == prev {
		return nil
	}

	slog.Info("pose: switching model mode", "from", prev.String(), "to", mode.String())

	next, loadErr := a.factory(ctx, mode)
	if loadErr == nil {
		a.swap(next, mode)
		a.modeSwitches.Add(1)
		slog.Info("pose: model mode switched", "mode", mode.String(), "model", mode.Spec().PoseModel)
		return nil
	}

	a.modeFailures.Add(1)
	slog.Warn("pose: model load failed, keeping previous mode",
		"attempted", mode.String(),
		"active", prev.String(),
		"error", loadErr,
	)

	a.mu.RLock()
	current := a.det
	a.mu.RUnlock()

	pingErr := current.Ping(ctx)
	if pingErr == nil {
		return &ModelLoadError{Attempted: mode, Active: prev, Err: loadErr}
	}

	slog.Warn("pose: previous model unresponsive, rebuilding", "mode", prev.String(), "error", pingErr)

	rebuilt, rollbackErr := a.factory(ctx, prev)
	if rollbackErr != nil {
		failure := &RollbackFailure{
			Attempted:   mode,
			Previous:    prev,
			LoadErr:     loadErr,
			RollbackErr: rollbackErr,
		}
		a.mu.Lock()
		dead := a.det
		a.det = nil
		a.failed = failure
		a.mu.Unlock()
		if err := dead.Close(); err != nil {
			slog.Debug("pose: closing dead detector", "error", err)
		}
		slog.Error("pose: rollback failed, no usable model",
			"attempted", mode.String(),
			"previous", prev.String(),
			"load_error", loadErr,
			"rollback_error", rollbackErr,
		)
		return failure
	}

	a.swap(rebuilt, prev)
	return &ModelLoadError{Attempted: mode, Active: prev, Rebuilt: true, Err: loadErr}
}

// swap installs det as the active detector and closes the old one once no
// Infer call uses it.
func (a *Adapter) swap(det Detector, mode ModelMode) {
	a.mu.Lock()
	old := a.det
	a.det = det
	a.mode = mode
	a.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			slog.Warn("pose: failed to close retired detector", "error", err)
		}
	}
}

// Mode returns the active model mode.
func (a *Adapter) Mode() ModelMode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode
}

// Failed returns the rollback failure that disabled the adapter, if any.
func (a *Adapter) Failed() *RollbackFailure {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.failed
}

// SetSkeletonVisible stores the overlay flag for renderers.
func (a *Adapter) SetSkeletonVisible(visible bool) {
	a.skeleton.Store(visible)
}

// SkeletonVisible returns the overlay flag.
func (a *Adapter) SkeletonVisible() bool {
	return a.skeleton.Load()
}

// Stats returns adapter counters.
func (a *Adapter) Stats() Stats {
	a.mu.RLock()
	mode, failed := a.mode, a.failed != nil
	a.mu.RUnlock()

	return Stats{
		Mode:            mode.String(),
		Inferences:      a.inferences.Load(),
		Empty:           a.empty.Load(),
		Errors:          a.errors.Load(),
		ModeSwitches:    a.modeSwitches.Load(),
		ModeFailures:    a.modeFailures.Load(),
		SkeletonVisible: a.skeleton.Load(),
		Failed:          failed,
	}
}

// Close releases the active detector.
func (a *Adapter) Close() error {
	a.switchMu.Lock()
	defer a.switchMu.Unlock()

	a.mu.Lock()
	det := a.det
	a.det = nil
	a.mu.Unlock()

	if det == nil {
		return nil
	}
	return det.Close()
}
