package pipeline

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xixigan/Good-GYM/modules/counter"
	"github.com/xixigan/Good-GYM/modules/eventbus"
	"github.com/xixigan/Good-GYM/modules/exercise"
	"github.com/xixigan/Good-GYM/modules/framesource"
	"github.com/xixigan/Good-GYM/modules/pose"
)

const (
	displayW, displayH     = 320, 240
	inferenceW, inferenceH = 160, 120
	kneeX, kneeY, limbLen  = 80.0, 60.0, 40.0
)

// fakeSource yields one capture per nil step and returns non-nil steps as
// errors. When steps run out it ends the stream, keeps producing frames
// (live) or blocks until cancelled.
type fakeSource struct {
	mu    sync.Mutex
	steps []error
	end   bool
	live  bool
	seq   uint64

	rotated     atomic.Bool
	closed      atomic.Bool
	readsClosed atomic.Int32
}

func (s *fakeSource) Read(ctx context.Context) (framesource.Capture, error) {
	if s.closed.Load() {
		s.readsClosed.Add(1)
	}

	s.mu.Lock()
	if len(s.steps) > 0 {
		err := s.steps[0]
		s.steps = s.steps[1:]
		s.seq++
		seq := s.seq
		s.mu.Unlock()
		if err != nil {
			return framesource.Capture{}, err
		}
		return testCapture(seq), nil
	}
	s.seq++
	seq, end, live := s.seq, s.end, s.live
	s.mu.Unlock()

	switch {
	case end:
		return framesource.Capture{}, framesource.ErrEndOfStream
	case live:
		select {
		case <-ctx.Done():
			return framesource.Capture{}, ctx.Err()
		case <-time.After(2 * time.Millisecond):
			return testCapture(seq), nil
		}
	default:
		<-ctx.Done()
		return framesource.Capture{}, ctx.Err()
	}
}

func (s *fakeSource) SetRotation(enabled bool) { s.rotated.Store(enabled) }

func (s *fakeSource) Stats() framesource.Stats { return framesource.Stats{Source: "fake"} }

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

func frames(n int) []error { return make([]error, n) }

// testCapture returns a display frame with a red marker at the top-left
// pixel and a half-size inference frame.
func testCapture(seq uint64) framesource.Capture {
	disp := image.NewRGBA(image.Rect(0, 0, displayW, displayH))
	disp.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	inf := image.NewRGBA(image.Rect(0, 0, inferenceW, inferenceH))

	d := framesource.FrameFromImage(disp, framesource.TagDisplay)
	i := framesource.FrameFromImage(inf, framesource.TagInference)
	d.Seq, i.Seq = seq, seq
	d.TraceID, i.TraceID = "trace", "trace"
	return framesource.Capture{Display: d, Inference: i, FPS: 30}
}

// squatPerson places hip, knee and ankle so the knee angle is deg.
func squatPerson(deg float64) pose.Person {
	kps := make([]pose.Keypoint, pose.NumKeypoints)
	rad := deg * math.Pi / 180
	kps[pose.RightKnee] = pose.Keypoint{X: kneeX, Y: kneeY, Score: 0.9}
	kps[pose.RightAnkle] = pose.Keypoint{X: kneeX, Y: kneeY + limbLen, Score: 0.9}
	kps[pose.RightHip] = pose.Keypoint{X: kneeX + limbLen*math.Sin(rad), Y: kneeY + limbLen*math.Cos(rad), Score: 0.9}
	return pose.Person{Keypoints: kps, Score: 0.9}
}

// invalidPerson has every keypoint at zero confidence.
func invalidPerson() pose.Person {
	return pose.Person{Keypoints: make([]pose.Keypoint, pose.NumKeypoints), Score: 0.2}
}

// scriptedDetector answers Detect from queues: errs first, then angles.
// With invalid set every answer is a person without confident keypoints.
type scriptedDetector struct {
	mu      sync.Mutex
	errs    []error
	angles  []float64
	invalid bool
	pingErr error

	closed atomic.Bool
}

func (d *scriptedDetector) Detect(context.Context, *image.RGBA) ([]pose.Person, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if d.invalid {
		return []pose.Person{invalidPerson()}, nil
	}
	if len(d.angles) == 0 {
		return nil, nil
	}
	a := d.angles[0]
	d.angles = d.angles[1:]
	return []pose.Person{squatPerson(a)}, nil
}

func (d *scriptedDetector) Ping(context.Context) error { return d.pingErr }

func (d *scriptedDetector) Close() error {
	d.closed.Store(true)
	return nil
}

// factoryOf hands out detectors per mode in order; running out fails the
// load.
func factoryOf(dets map[pose.ModelMode][]*scriptedDetector) pose.Factory {
	var mu sync.Mutex
	return func(_ context.Context, mode pose.ModelMode) (pose.Detector, error) {
		mu.Lock()
		defer mu.Unlock()
		q := dets[mode]
		if len(q) == 0 {
			return nil, errNoWeights
		}
		dets[mode] = q[1:]
		return q[0], nil
	}
}

// recorder is a Consumer that keeps everything it receives.
type recorder struct {
	mu      sync.Mutex
	results []FrameResult
	ended   int
	errs    []error

	endedCh chan struct{}
	errCh   chan error
}

func newRecorder() *recorder {
	return &recorder{endedCh: make(chan struct{}, 8), errCh: make(chan error, 8)}
}

func (r *recorder) OnFrameResult(res FrameResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *recorder) OnStreamEnded() {
	r.mu.Lock()
	r.ended++
	r.mu.Unlock()
	r.endedCh <- struct{}{}
}

func (r *recorder) OnPipelineError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.errCh <- err
}

func (r *recorder) last(t *testing.T) FrameResult {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.results)
	return r.results[len(r.results)-1]
}

func (r *recorder) endedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pipeline delivery")
		var zero T
		return zero
	}
}

type harness struct {
	p      *Pipeline
	rec    *recorder
	events chan eventbus.Event
	opens  atomic.Int32
}

type harnessOptions struct {
	sources  []*fakeSource
	openErrs []error
	dets     map[pose.ModelMode][]*scriptedDetector
	exercise exercise.Type
	mirror   bool
	skeleton bool
	// consumer wraps the recorder, e.g. to slow it down
	consumer func(*recorder) Consumer
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()

	h := &harness{rec: newRecorder(), events: make(chan eventbus.Event, 256)}

	if o.dets == nil {
		o.dets = map[pose.ModelMode][]*scriptedDetector{pose.ModeBalanced: {{}}}
	}
	adapter, err := pose.NewAdapter(context.Background(), factoryOf(o.dets), pose.Options{
		Mode:            pose.ModeBalanced,
		SkeletonVisible: o.skeleton,
	})
	require.NoError(t, err)

	bus := eventbus.New()
	require.NoError(t, bus.Subscribe("test", h.events))
	t.Cleanup(bus.Close)

	var consumer Consumer = h.rec
	if o.consumer != nil {
		consumer = o.consumer(h.rec)
	}

	var mu sync.Mutex
	opener := func(_ context.Context, spec framesource.Spec, opts framesource.Options) (framesource.Source, error) {
		h.opens.Add(1)
		mu.Lock()
		defer mu.Unlock()
		if len(o.openErrs) > 0 {
			err := o.openErrs[0]
			o.openErrs = o.openErrs[1:]
			if err != nil {
				return nil, err
			}
		}
		if len(o.sources) == 0 {
			return &fakeSource{}, nil
		}
		src := o.sources[0]
		o.sources = o.sources[1:]
		src.SetRotation(opts.Rotate)
		return src, nil
	}

	h.p, err = New(Config{
		Source:        framesource.Spec{File: "workout.mp4"},
		SourceOptions: framesource.Options{Rotate: true},
		Mirror:        o.mirror,
	}, Deps{
		Opener:   opener,
		Adapter:  adapter,
		Counter:  counter.New(o.exercise, counter.Options{}),
		Bus:      bus,
		Consumer: consumer,
	})
	require.NoError(t, err)
	return h
}

// start runs the pipeline until the test ends or stop is called, and
// returns Run's error.
func (h *harness) start(t *testing.T) (stop func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.p.Run(ctx) }()

	require.Eventually(t, func() bool { return h.p.Status().Phase != PhaseIdle }, 3*time.Second, time.Millisecond)

	var (
		once   sync.Once
		runErr error
	)
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-errc:
			case <-time.After(5 * time.Second):
				t.Error("Run did not return")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func (h *harness) kinds() []eventbus.Kind {
	var out []eventbus.Kind
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev.Kind)
		default:
			return out
		}
	}
}

// gatedConsumer blocks inside the first OnFrameResult until gate is closed.
type gatedConsumer struct {
	*recorder
	gate chan struct{}
	once sync.Once
}

func (g *gatedConsumer) OnFrameResult(r FrameResult) {
	g.once.Do(func() { <-g.gate })
	g.recorder.OnFrameResult(r)
}
