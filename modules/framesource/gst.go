package framesource

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xixigan/Good-GYM/modules/framesource/internal/gstpipe"
)

const openTimeout = 10 * time.Second

// gstSource is the GStreamer-backed Source.
type gstSource struct {
	spec Spec
	opts Options
	name string

	mu       sync.Mutex // guards elements and rotate
	elements *gstpipe.Elements
	rotate   bool

	ended  atomic.Bool
	closed atomic.Bool

	seq           atomic.Uint64
	framesRead    atomic.Uint64
	captureErrors atomic.Uint64
	loops         atomic.Uint64
	lastSize      atomic.Value // string
	fps           *fpsMeter
}

// Open starts a camera or file source.
//
// A camera that is busy is retried with exponential backoff. Every failure
// to bring the source up is returned as *SourceError.
func Open(ctx context.Context, spec Spec, opts Options) (Source, error) {
	opts = opts.withDefaults()

	if err := spec.Validate(); err != nil {
		return nil, &SourceError{Source: spec.String(), Op: "open", Err: err}
	}

	cfg := gstpipe.Config{Rotate: opts.Rotate}
	if spec.IsFile() {
		abs, err := filepath.Abs(spec.File)
		if err != nil {
			return nil, &SourceError{Source: spec.String(), Op: "open", Err: err}
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, &SourceError{Source: spec.String(), Op: "open", Err: err}
		}
		cfg.URI = "file://" + abs
	} else {
		cfg.Device = fmt.Sprintf("/dev/video%d", spec.Camera)
	}

	s := &gstSource{
		spec:   spec,
		opts:   opts,
		name:   spec.String(),
		rotate: opts.Rotate,
		fps:    newFPSMeter(30),
	}
	s.lastSize.Store("")

	retries := 0
	if !spec.IsFile() {
		retries = opts.OpenRetries
	}
	err := gstpipe.RunWithRetry(ctx, func(ctx context.Context) (bool, error) {
		elements, err := gstpipe.CreatePipeline(cfg)
		if err != nil {
			return false, err
		}
		if err := gstpipe.WaitPlaying(elements, openTimeout); err != nil {
			_ = gstpipe.DestroyPipeline(elements)
			var busErr *gstpipe.BusError
			return errors.As(err, &busErr) && busErr.Category == gstpipe.ErrCategoryDevice, err
		}
		s.elements = elements
		return false, nil
	}, gstpipe.RetryConfig{
		MaxRetries:    retries,
		RetryDelay:    opts.OpenRetryDelay,
		MaxRetryDelay: 4 * opts.OpenRetryDelay,
	})
	if err != nil {
		return nil, &SourceError{Source: s.name, Op: "open", Err: err}
	}

	slog.Info("framesource: source opened",
		"source", s.name,
		"rotate", opts.Rotate,
		"display_max_edge", opts.DisplayMaxEdge,
		"inference_max_edge", opts.InferenceMaxEdge,
	)

	return s, nil
}

// Read blocks until the next capture.
func (s *gstSource) Read(ctx context.Context) (Capture, error) {
	if s.closed.Load() {
		return Capture{}, &SourceError{Source: s.name, Op: "read", Err: errors.New("source closed")}
	}
	if s.ended.Load() {
		return Capture{}, ErrEndOfStream
	}

	for {
		if err := ctx.Err(); err != nil {
			return Capture{}, err
		}

		s.mu.Lock()
		elements := s.elements
		s.mu.Unlock()
		if elements == nil {
			return Capture{}, &SourceError{Source: s.name, Op: "read", Err: errors.New("source closed")}
		}

		sample, result, err := gstpipe.TryPull(elements, s.opts.ReadTimeout)
		if err != nil {
			s.captureErrors.Add(1)
			return Capture{}, &CaptureError{Source: s.name, Err: err}
		}

		switch result {
		case gstpipe.PullFrame:
			return s.capture(sample), nil

		case gstpipe.PullEOS:
			if !s.spec.Loop || !s.spec.IsFile() {
				s.ended.Store(true)
				slog.Info("framesource: end of stream",
					"source", s.name,
					"frames_read", s.framesRead.Load(),
				)
				return Capture{}, ErrEndOfStream
			}
			if err := gstpipe.SeekToStart(elements); err != nil {
				return Capture{}, &SourceError{Source: s.name, Op: "loop", Err: err}
			}
			s.loops.Add(1)
			s.fps.reset()
			slog.Debug("framesource: looped to start", "source", s.name, "loops", s.loops.Load())

		case gstpipe.PullTimeout:
			if busErr := gstpipe.PollBus(elements, 0); busErr != nil {
				if busErr.Category.Fatal() {
					slog.Error("framesource: pipeline error",
						"source", s.name,
						"error", busErr.Message,
						"debug", busErr.Debug,
						"category", busErr.Category.String(),
					)
					return Capture{}, &SourceError{Source: s.name, Op: "read", Err: busErr}
				}
				s.captureErrors.Add(1)
				return Capture{}, &CaptureError{Source: s.name, Err: busErr}
			}
		}
	}
}

func (s *gstSource) capture(sample gstpipe.Sample) Capture {
	now := time.Now()
	seq := s.seq.Add(1)
	s.framesRead.Add(1)
	fps := s.fps.tick(now)
	s.lastSize.Store(fmt.Sprintf("%dx%d", sample.Width, sample.Height))

	raw := &image.RGBA{
		Pix:    sample.Data,
		Stride: sample.Width * 4,
		Rect:   image.Rect(0, 0, sample.Width, sample.Height),
	}
	display, inference := derive(raw, s.opts)

	traceID := uuid.NewString()
	for _, f := range []*Frame{&display, &inference} {
		f.Seq = seq
		f.TraceID = traceID
		f.Timestamp = now
	}

	return Capture{Display: display, Inference: inference, FPS: fps}
}

// SetRotation toggles 90° clockwise rotation on the running pipeline.
func (s *gstSource) SetRotation(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rotate == enabled || s.elements == nil {
		s.rotate = enabled
		return
	}
	if err := gstpipe.SetRotation(s.elements.Flip, enabled); err != nil {
		slog.Warn("framesource: failed to change rotation", "source", s.name, "error", err)
		return
	}
	s.rotate = enabled
	slog.Info("framesource: rotation changed", "source", s.name, "rotate", enabled)
}

// Stats returns source counters.
func (s *gstSource) Stats() Stats {
	s.mu.Lock()
	rotated := s.rotate
	s.mu.Unlock()

	mean, stdDev := s.fps.stats()
	return Stats{
		Source:        s.name,
		FramesRead:    s.framesRead.Load(),
		CaptureErrors: s.captureErrors.Load(),
		Loops:         s.loops.Load(),
		FPS:           mean,
		FPSStdDev:     stdDev,
		Rotated:       rotated,
		Resolution:    s.lastSize.Load().(string),
	}
}

// Close stops the pipeline and releases GStreamer resources.
func (s *gstSource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	elements := s.elements
	s.elements = nil
	s.mu.Unlock()

	if err := gstpipe.DestroyPipeline(elements); err != nil {
		return fmt.Errorf("framesource: close %s: %w", s.name, err)
	}

	slog.Info("framesource: source closed",
		"source", s.name,
		"frames_read", s.framesRead.Load(),
		"capture_errors", s.captureErrors.Load(),
	)
	return nil
}
