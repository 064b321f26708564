// Package pipeline runs the capture → pose → angle → count loop and exposes
// the control surface used by the UI, the MQTT control plane and the CLI.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xixigan/Good-GYM/modules/counter"
	"github.com/xixigan/Good-GYM/modules/eventbus"
	"github.com/xixigan/Good-GYM/modules/exercise"
	"github.com/xixigan/Good-GYM/modules/framesource"
	"github.com/xixigan/Good-GYM/modules/geometry"
	"github.com/xixigan/Good-GYM/modules/mailbox"
	"github.com/xixigan/Good-GYM/modules/pose"
)

var (
	// ErrNotRunning is returned by switches issued outside Run.
	ErrNotRunning = errors.New("pipeline: not running")
	// ErrAlreadyRunning is returned by a second Run.
	ErrAlreadyRunning = errors.New("pipeline: already running")
)

// Config is the initial pipeline state.
type Config struct {
	Source framesource.Spec
	// SourceOptions are used for every source opened; Rotate is the initial
	// rotation and follows SetRotation afterwards
	SourceOptions framesource.Options
	Mirror        bool
	// SessionID tags every event; generated when empty
	SessionID string
}

// Deps are the components a Pipeline drives.
type Deps struct {
	// Opener opens sources; framesource.Open when nil
	Opener  framesource.Opener
	Adapter *pose.Adapter
	Counter *counter.Counter
	// Bus receives count and lifecycle events; optional
	Bus      eventbus.Bus
	Consumer Consumer
}

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Pipeline owns the PipelineState and the capture loop.
//
// One goroutine runs the loop and is the only caller of Read, Infer and
// Observe. Results go through a single-slot mailbox to a delivery goroutine
// that calls the Consumer, so the loop never waits on it. Plain results may
// be overwritten by newer ones; results that counted a rep never are. Source and model
// switches hold switchMu and stop the loop before acting.
type Pipeline struct {
	sessionID string
	opener    framesource.Opener
	srcOpts   framesource.Options
	adapter   *pose.Adapter
	counter   *counter.Counter
	bus       eventbus.Bus
	consumer  Consumer

	switchMu sync.Mutex // serializes Run start/stop and source/model switches

	mu    sync.Mutex // guards state and runCtx
	state PipelineState

	runCtx  context.Context
	ran     bool
	started time.Time

	out   *mailbox.Mailbox[delivery]
	fatal chan error
	wg    sync.WaitGroup

	lastFPS         atomic.Uint64 // math.Float64bits
	ticks           atomic.Uint64
	results         atomic.Uint64
	captureErrors   atomic.Uint64
	inferenceErrors atomic.Uint64
	emptyPoses      atomic.Uint64
}

// New validates deps and builds an idle pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Adapter == nil {
		return nil, fmt.Errorf("pipeline: pose adapter is required")
	}
	if deps.Counter == nil {
		return nil, fmt.Errorf("pipeline: counter is required")
	}
	if deps.Consumer == nil {
		return nil, fmt.Errorf("pipeline: consumer is required")
	}
	if err := cfg.Source.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if deps.Opener == nil {
		deps.Opener = framesource.Open
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	return &Pipeline{
		sessionID: cfg.SessionID,
		opener:    deps.Opener,
		srcOpts:   cfg.SourceOptions,
		adapter:   deps.Adapter,
		counter:   deps.Counter,
		bus:       deps.Bus,
		consumer:  deps.Consumer,
		state: PipelineState{
			Source: cfg.Source,
			Rotate: cfg.SourceOptions.Rotate,
			Mirror: cfg.Mirror,
			Phase:  PhaseIdle,
		},
		out:   mailbox.New[delivery](),
		fatal: make(chan error, 1),
	}, nil
}

// SessionID returns the ID stamped on events.
func (p *Pipeline) SessionID() string {
	return p.sessionID
}

// Run opens the configured source and runs until ctx is done or a fatal
// model failure occurs, which is returned. A source that cannot be opened
// does not end Run: the pipeline halts until SetSource succeeds.
//
// On return the source and the pose adapter are closed and every stream end
// or error notification has reached the consumer.
func (p *Pipeline) Run(ctx context.Context) error {
	p.switchMu.Lock()
	p.mu.Lock()
	if p.ran {
		p.mu.Unlock()
		p.switchMu.Unlock()
		return ErrAlreadyRunning
	}
	p.ran = true
	p.runCtx = ctx
	p.started = time.Now()
	spec := p.state.Source
	p.mu.Unlock()

	slog.Info("pipeline: starting",
		"session_id", p.sessionID,
		"source", spec.String(),
		"exercise", p.counter.Exercise().String(),
		"model_mode", p.adapter.Mode().String(),
	)

	p.wg.Add(1)
	go p.deliver()

	if err := p.openLocked(ctx, spec); err == nil {
		p.startLoopLocked()
	}
	p.switchMu.Unlock()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-p.fatal:
	}

	p.shutdown()
	return runErr
}

func (p *Pipeline) shutdown() {
	p.switchMu.Lock()
	p.stopLoopLocked()

	p.mu.Lock()
	src := p.state.active
	p.state.active = nil
	if p.state.Phase != PhaseFailed {
		p.state.Phase = PhaseStopped
	}
	p.runCtx = nil
	p.mu.Unlock()
	p.switchMu.Unlock()

	if src != nil {
		if err := src.Close(); err != nil {
			slog.Warn("pipeline: failed to close source", "error", err)
		}
	}
	if err := p.adapter.Close(); err != nil {
		slog.Warn("pipeline: failed to close pose adapter", "error", err)
	}

	p.out.Close()
	p.wg.Wait()

	st := p.out.Stats()
	slog.Info("pipeline: stopped",
		"session_id", p.sessionID,
		"ticks", p.ticks.Load(),
		"results", p.results.Load(),
		"capture_errors", p.captureErrors.Load(),
		"inference_errors", p.inferenceErrors.Load(),
		"delivered", st.Delivered,
		"dropped", st.Drops,
	)
}

// openLocked opens spec and installs it as the active source. On failure
// the pipeline halts. Caller holds switchMu with no loop running.
func (p *Pipeline) openLocked(ctx context.Context, spec framesource.Spec) error {
	p.mu.Lock()
	opts := p.srcOpts
	opts.Rotate = p.state.Rotate
	p.mu.Unlock()

	src, err := p.opener(ctx, spec, opts)
	if err != nil {
		var se *framesource.SourceError
		if !errors.As(err, &se) {
			err = &framesource.SourceError{Source: spec.String(), Op: "open", Err: err}
		}
		p.halt(spec, err)
		return err
	}

	p.mu.Lock()
	p.state.Source = spec
	p.state.active = src
	p.state.Phase = PhaseRunning
	p.state.Err = nil
	p.mu.Unlock()

	slog.Info("pipeline: source opened", "source", spec.String(), "rotate", opts.Rotate)
	return nil
}

// halt records a lost source and reports it.
func (p *Pipeline) halt(spec framesource.Spec, err error) {
	p.mu.Lock()
	p.state.Source = spec
	p.state.Phase = PhaseHalted
	p.state.Err = err
	p.mu.Unlock()

	slog.Error("pipeline: source unavailable, halted until a new source is set",
		"source", spec.String(),
		"error", err,
	)
	p.publish(eventbus.KindSourceFailed, func(ev *eventbus.Event) {
		ev.Source = spec.String()
		ev.Error = err.Error()
	})
	p.out.PublishKeep(delivery{err: err})
}

// fail stops the pipeline for good after a rollback failure.
func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	p.state.Phase = PhaseFailed
	p.state.Err = err
	p.mu.Unlock()

	slog.Error("pipeline: no usable pose model, stopping", "error", err)
	p.publish(eventbus.KindPipelineFailed, func(ev *eventbus.Event) {
		ev.Error = err.Error()
	})
	p.out.PublishKeep(delivery{err: err})

	select {
	case p.fatal <- err:
	default:
	}
}

// startLoopLocked starts the capture loop over the active source, if any.
// Caller holds switchMu.
func (p *Pipeline) startLoopLocked() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.runCtx == nil || p.state.Phase != PhaseRunning || p.state.active == nil {
		return
	}

	ctx, cancel := context.WithCancel(p.runCtx)
	h := &loopHandle{cancel: cancel, done: make(chan struct{})}
	p.state.loop = h

	go p.loop(ctx, p.state.active, h.done)
}

// stopLoopLocked cancels the capture loop and waits until it has left its
// current tick. Caller holds switchMu.
func (p *Pipeline) stopLoopLocked() {
	p.mu.Lock()
	h := p.state.loop
	p.state.loop = nil
	p.mu.Unlock()

	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (p *Pipeline) loop(ctx context.Context, src framesource.Source, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		out := p.Tick(ctx, src)

		switch out.Kind {
		case TickResult:
			r := out.Result
			if r.Incremented {
				p.out.PublishKeep(delivery{result: &r})
			} else {
				p.out.Publish(delivery{result: &r})
			}

		case TickSkipped:

		case TickEnded:
			p.mu.Lock()
			spec := p.state.Source
			if p.state.active == src {
				p.state.Phase = PhaseEnded
			}
			p.mu.Unlock()

			slog.Info("pipeline: stream ended", "source", spec.String(), "count", p.counter.Snapshot().Count)
			p.publish(eventbus.KindStreamEnded, func(ev *eventbus.Event) {
				ev.Source = spec.String()
			})
			p.out.PublishKeep(delivery{ended: true})
			return

		case TickFatal:
			p.mu.Lock()
			spec := p.state.Source
			owned := p.state.active == src
			if owned {
				p.state.active = nil
			}
			p.mu.Unlock()

			if owned {
				if err := src.Close(); err != nil {
					slog.Debug("pipeline: closing failed source", "error", err)
				}
			}
			p.halt(spec, out.Err)
			return
		}
	}
}

// Tick runs one read → infer → angle → count step over src.
//
// Cancellation of ctx interrupts the read only; a started inference runs to
// completion.
func (p *Pipeline) Tick(ctx context.Context, src framesource.Source) TickOutcome {
	capture, err := src.Read(ctx)
	if err != nil {
		var ce *framesource.CaptureError
		switch {
		case errors.Is(err, framesource.ErrEndOfStream):
			return TickOutcome{Kind: TickEnded}
		case errors.As(err, &ce):
			p.captureErrors.Add(1)
			slog.Warn("pipeline: capture failed, skipping tick", "error", err)
			return TickOutcome{Kind: TickSkipped, Err: err}
		case ctx.Err() != nil:
			return TickOutcome{Kind: TickSkipped, Err: ctx.Err()}
		default:
			return TickOutcome{Kind: TickFatal, Err: err}
		}
	}
	p.ticks.Add(1)
	p.lastFPS.Store(math.Float64bits(capture.FPS))

	res, inferErr := p.adapter.Infer(context.WithoutCancel(ctx), capture.Inference)
	if inferErr != nil {
		p.inferenceErrors.Add(1)
		slog.Warn("pipeline: inference failed, treating as no person",
			"seq", capture.Inference.Seq,
			"error", inferErr,
		)
		res = pose.PoseResult{}
	} else if res.Empty() {
		p.emptyPoses.Add(1)
	}

	ex := p.counter.Exercise()
	var (
		angle float64
		ok    bool
	)
	if !res.Empty() {
		angle, ok = geometry.JointAngle(res.Points(), exercise.RuleFor(ex).Joints)
	}
	upd := p.counter.Observe(ex, angle, ok)

	if upd.Incremented {
		slog.Info("pipeline: rep counted",
			"exercise", ex.String(),
			"count", upd.Count,
			"milestone", upd.Milestone,
		)
		p.publish(eventbus.KindRepCounted, func(ev *eventbus.Event) {
			ev.Exercise = ex.String()
			ev.Count = upd.Count
			ev.Stage = upd.Stage.String()
			ev.Milestone = upd.Milestone
		})
	} else if upd.Changed {
		slog.Debug("pipeline: stage changed", "stage", upd.Stage.String(), "angle", angle)
	}

	p.mu.Lock()
	mirror := p.state.Mirror
	p.mu.Unlock()

	display := capture.Display
	var keypoints []pose.Keypoint
	if p.adapter.SkeletonVisible() && !res.Empty() {
		keypoints = displayKeypoints(res, capture.Inference, display, mirror)
	}
	if mirror {
		display = framesource.Mirror(display)
	}

	p.results.Add(1)
	return TickOutcome{
		Kind: TickResult,
		Err:  inferErr,
		Result: FrameResult{
			Display:     display,
			Stage:       upd.Stage,
			Count:       upd.Count,
			FPS:         capture.FPS,
			Exercise:    ex,
			Angle:       angle,
			HasAngle:    ok,
			Keypoints:   keypoints,
			Incremented: upd.Incremented,
			Milestone:   upd.Milestone,
			Seq:         display.Seq,
			TraceID:     display.TraceID,
		},
	}
}

// displayKeypoints maps keypoints from inference to display coordinates by
// the frame size ratio and flips them with a mirrored display.
func displayKeypoints(res pose.PoseResult, inference, display framesource.Frame, mirror bool) []pose.Keypoint {
	sx := float64(display.Width) / float64(inference.Width)
	sy := float64(display.Height) / float64(inference.Height)
	scaled := res.Scaled(sx, sy)
	if mirror {
		scaled = scaled.Mirrored(display.Width)
	}
	return scaled.Keypoints
}

// deliver drains the mailbox into the consumer until it is closed.
func (p *Pipeline) deliver() {
	defer p.wg.Done()

	for {
		d, err := p.out.Next()
		if err != nil {
			return
		}
		switch {
		case d.result != nil:
			p.consumer.OnFrameResult(*d.result)
		case d.ended:
			p.consumer.OnStreamEnded()
		case d.err != nil:
			p.consumer.OnPipelineError(d.err)
		}
	}
}

func (p *Pipeline) publish(kind eventbus.Kind, fill func(*eventbus.Event)) {
	if p.bus == nil {
		return
	}
	st := p.counter.Snapshot()
	ev := eventbus.Event{
		Kind:      kind,
		SessionID: p.sessionID,
		Exercise:  st.Exercise.String(),
		Count:     st.Count,
		Stage:     st.Stage.String(),
		ModelMode: p.adapter.Mode().String(),
	}
	if fill != nil {
		fill(&ev)
	}
	p.bus.Publish(ev)
}
