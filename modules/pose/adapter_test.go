package pose

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xixigan/Good-GYM/modules/framesource"
)

// fakeDetector places a full-confidence person at fixed fractions of the
// image it receives, so that coordinates reveal the scale used.
type fakeDetector struct {
	mode    ModelMode
	people  func(size image.Point) []Person
	err     error
	pingErr error

	closed   atomic.Bool
	lastSize atomic.Value // image.Point
}

func (d *fakeDetector) Detect(_ context.Context, img *image.RGBA) ([]Person, error) {
	size := img.Bounds().Size()
	d.lastSize.Store(size)
	if d.err != nil {
		return nil, d.err
	}
	if d.people == nil {
		return nil, nil
	}
	return d.people(size), nil
}

func (d *fakeDetector) Ping(context.Context) error { return d.pingErr }

func (d *fakeDetector) Close() error {
	d.closed.Store(true)
	return nil
}

func quarterPerson(score float64) func(image.Point) []Person {
	return func(size image.Point) []Person {
		kps := make([]Keypoint, NumKeypoints)
		for i := range kps {
			kps[i] = Keypoint{X: float64(size.X) / 4, Y: float64(size.Y) / 4, Score: 0.9}
		}
		return []Person{{Keypoints: kps, Score: score}}
	}
}

// scriptedFactory hands out detectors per mode; a nil entry fails the load.
type scriptedFactory struct {
	mu    sync.Mutex
	byMod map[ModelMode][]*fakeDetector
	calls []ModelMode
}

func (f *scriptedFactory) build(_ context.Context, mode ModelMode) (Detector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, mode)
	queue := f.byMod[mode]
	if len(queue) == 0 {
		return nil, errors.New("weights not found")
	}
	det := queue[0]
	f.byMod[mode] = queue[1:]
	if det == nil {
		return nil, errors.New("weights not found")
	}
	det.mode = mode
	return det, nil
}

func frameOf(w, h int) framesource.Frame {
	return framesource.FrameFromImage(image.NewRGBA(image.Rect(0, 0, w, h)), framesource.TagInference)
}

func newTestAdapter(t *testing.T, f *scriptedFactory, mode ModelMode) *Adapter {
	t.Helper()
	a, err := NewAdapter(context.Background(), f.build, Options{Mode: mode})
	require.NoError(t, err)
	return a
}

func TestInferRescalesDownsizedFrames(t *testing.T) {
	det := &fakeDetector{people: quarterPerson(0.9)}
	f := &scriptedFactory{byMod: map[ModelMode][]*fakeDetector{ModeBalanced: {det}}}
	a := newTestAdapter(t, f, ModeBalanced)

	res, err := a.Infer(context.Background(), frameOf(1280, 720))
	require.NoError(t, err)

	// Detector saw the frame at scale 0.5 and results are mapped back.
	assert.Equal(t, image.Pt(640, 360), det.lastSize.Load())
	require.Len(t, res.Keypoints, NumKeypoints)
	assert.InDelta(t, 320, res.Keypoints[0].X, 0.5)
	assert.InDelta(t, 180, res.Keypoints[0].Y, 0.5)

	// Frames within bounds pass through untouched.
	res, err = a.Infer(context.Background(), frameOf(640, 480))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(640, 480), det.lastSize.Load())
	assert.Equal(t, 160.0, res.Keypoints[0].X)
}

func TestInferConfidenceFilterAndBestPerson(t *testing.T) {
	det := &fakeDetector{people: func(image.Point) []Person {
		weak := make([]Keypoint, NumKeypoints)
		strong := make([]Keypoint, NumKeypoints)
		for i := range strong {
			weak[i] = Keypoint{X: 1, Y: 1, Score: 0.99}
			strong[i] = Keypoint{X: 10 + float64(i), Y: 20, Score: 0.9}
		}
		strong[RightKnee].Score = 0.5 // at threshold: invalid
		strong[RightAnkle].Score = 0.1
		return []Person{{Keypoints: weak, Score: 0.4}, {Keypoints: strong, Score: 0.8}}
	}}
	f := &scriptedFactory{byMod: map[ModelMode][]*fakeDetector{ModeBalanced: {det}}}
	a := newTestAdapter(t, f, ModeBalanced)

	res, err := a.Infer(context.Background(), frameOf(320, 240))
	require.NoError(t, err)

	assert.Equal(t, 0.8, res.Score)
	assert.Equal(t, Keypoint{X: 10, Y: 20, Score: 0.9}, res.Keypoints[Nose])
	assert.Equal(t, Keypoint{Score: 0.5}, res.Keypoints[RightKnee])
	assert.False(t, res.Keypoints[RightAnkle].Valid())
	assert.True(t, res.Keypoints[RightHip].Valid())
}

func TestInferEmptyAndErrors(t *testing.T) {
	det := &fakeDetector{}
	f := &scriptedFactory{byMod: map[ModelMode][]*fakeDetector{ModeBalanced: {det}}}
	a := newTestAdapter(t, f, ModeBalanced)

	res, err := a.Infer(context.Background(), frameOf(64, 64))
	require.NoError(t, err, "no person is not an error")
	assert.True(t, res.Empty())

	det.err = errors.New("onnx session crashed")
	res, err = a.Infer(context.Background(), frameOf(64, 64))
	var ie *InferenceError
	require.ErrorAs(t, err, &ie)
	assert.True(t, res.Empty())

	_, err = a.Infer(context.Background(), framesource.Frame{Width: 4, Height: 4})
	assert.ErrorAs(t, err, &ie)

	stats := a.Stats()
	assert.Equal(t, uint64(3), stats.Inferences)
	assert.Equal(t, uint64(1), stats.Empty)
	assert.Equal(t, uint64(2), stats.Errors)
}

func TestSetModeSwapsAndClosesOld(t *testing.T) {
	first := &fakeDetector{}
	second := &fakeDetector{people: quarterPerson(0.9)}
	f := &scriptedFactory{byMod: map[ModelMode][]*fakeDetector{
		ModeBalanced:    {first},
		ModePerformance: {second},
	}}
	a := newTestAdapter(t, f, ModeBalanced)

	require.NoError(t, a.SetMode(context.Background(), ModeBalanced), "same mode is a no-op")
	require.NoError(t, a.SetMode(context.Background(), ModePerformance))

	assert.Equal(t, ModePerformance, a.Mode())
	assert.True(t, first.closed.Load())
	assert.False(t, second.closed.Load())

	res, err := a.Infer(context.Background(), frameOf(100, 100))
	require.NoError(t, err)
	assert.False(t, res.Empty())
	assert.Equal(t, uint64(1), a.Stats().ModeSwitches)
}

func TestSetModeFailureKeepsPreviousMode(t *testing.T) {
	active := &fakeDetector{people: quarterPerson(0.9)}
	f := &scriptedFactory{byMod: map[ModelMode][]*fakeDetector{ModeBalanced: {active}}}
	a := newTestAdapter(t, f, ModeBalanced)

	before, err := a.Infer(context.Background(), frameOf(200, 100))
	require.NoError(t, err)

	err = a.SetMode(context.Background(), ModePerformance)
	var mle *ModelLoadError
	require.ErrorAs(t, err, &mle)
	assert.Equal(t, ModePerformance, mle.Attempted)
	assert.Equal(t, ModeBalanced, mle.Active)
	assert.False(t, mle.Rebuilt)

	var rf *RollbackFailure
	assert.False(t, errors.As(err, &rf))

	assert.Equal(t, ModeBalanced, a.Mode())
	assert.False(t, active.closed.Load())

	after, err := a.Infer(context.Background(), frameOf(200, 100))
	require.NoError(t, err)
	assert.Equal(t, before, after, "same inference behavior as before the attempted switch")
}

func TestSetModeRebuildsDeadPreviousModel(t *testing.T) {
	dead := &fakeDetector{pingErr: errors.New("worker exited")}
	replacement := &fakeDetector{people: quarterPerson(0.9)}
	f := &scriptedFactory{byMod: map[ModelMode][]*fakeDetector{
		ModeBalanced: {dead, replacement},
	}}
	a := newTestAdapter(t, f, ModeBalanced)

	err := a.SetMode(context.Background(), ModeLightweight)
	var mle *ModelLoadError
	require.ErrorAs(t, err, &mle)
	assert.True(t, mle.Rebuilt)
	assert.Equal(t, ModeBalanced, a.Mode())
	assert.True(t, dead.closed.Load())

	res, err := a.Infer(context.Background(), frameOf(100, 100))
	require.NoError(t, err)
	assert.False(t, res.Empty())
}

func TestSetModeRollbackFailureIsFatal(t *testing.T) {
	dead := &fakeDetector{pingErr: errors.New("worker exited")}
	f := &scriptedFactory{byMod: map[ModelMode][]*fakeDetector{ModeBalanced: {dead}}}
	a := newTestAdapter(t, f, ModeBalanced)

	err := a.SetMode(context.Background(), ModePerformance)
	var rf *RollbackFailure
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, ModePerformance, rf.Attempted)
	assert.Equal(t, ModeBalanced, rf.Previous)

	var mle *ModelLoadError
	assert.False(t, errors.As(err, &mle), "rollback failure is distinct from a load error")
	assert.Same(t, rf, a.Failed())
	assert.True(t, a.Stats().Failed)

	_, err = a.Infer(context.Background(), frameOf(10, 10))
	require.ErrorAs(t, err, &rf)

	assert.ErrorAs(t, a.SetMode(context.Background(), ModeLightweight), &rf)
	assert.Equal(t, []ModelMode{ModeBalanced, ModePerformance, ModeBalanced}, f.calls)
}

func TestAdapterCloseAndFlags(t *testing.T) {
	det := &fakeDetector{}
	f := &scriptedFactory{byMod: map[ModelMode][]*fakeDetector{ModeLightweight: {det}}}
	a, err := NewAdapter(context.Background(), f.build, Options{Mode: ModeLightweight, SkeletonVisible: true})
	require.NoError(t, err)

	assert.True(t, a.SkeletonVisible())
	a.SetSkeletonVisible(false)
	assert.False(t, a.SkeletonVisible())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.True(t, det.closed.Load())

	_, err = a.Infer(context.Background(), frameOf(10, 10))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.SetMode(context.Background(), ModeBalanced), ErrClosed)
}

func TestNewAdapterValidation(t *testing.T) {
	_, err := NewAdapter(context.Background(), nil, Options{})
	assert.Error(t, err)

	f := &scriptedFactory{byMod: map[ModelMode][]*fakeDetector{}}
	_, err = NewAdapter(context.Background(), f.build, Options{Mode: ModeBalanced})
	assert.Error(t, err)

	_, err = NewAdapter(context.Background(), f.build, Options{Mode: ModelMode(7)})
	assert.Error(t, err)

	_, err = NewAdapter(context.Background(), f.build, Options{Confidence: 1.5})
	assert.Error(t, err)
}
