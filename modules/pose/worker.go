package pose

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerConfig configures the subprocess pose detector.
type WorkerConfig struct {
	// ID labels log lines of this worker
	ID string
	// Command is the worker executable, typically a wrapper script that
	// activates a virtualenv and runs the rtmlib worker
	Command string
	// Args are extra arguments passed before the generated ones
	Args []string
	// Device is the inference device passed to the worker (cpu, cuda)
	Device string
	// Backend is the inference backend (onnxruntime, opencv, openvino)
	Backend string
	// ModelsDir is where the worker looks for ONNX weights
	ModelsDir string
	// ReadyTimeout bounds model loading at startup (default 60s)
	ReadyTimeout time.Duration
	// RequestTimeout bounds a single detect or ping (default 2s)
	RequestTimeout time.Duration
	// StopTimeout is the grace period before the process is killed (default 2s)
	StopTimeout time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.ID == "" {
		c.ID = "pose-worker"
	}
	if c.Device == "" {
		c.Device = "cpu"
	}
	if c.Backend == "" {
		c.Backend = "onnxruntime"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 2 * time.Second
	}
	return c
}

// WorkerFactory returns a Factory that starts one worker process per mode.
func WorkerFactory(cfg WorkerConfig) Factory {
	return func(ctx context.Context, mode ModelMode) (Detector, error) {
		return StartWorker(ctx, cfg, mode)
	}
}

// WorkerDetector runs pose detection in a subprocess.
//
// Frames go to the worker's stdin and results come back on stdout, both as
// length-prefixed msgpack messages. Requests carry a sequence number and
// the response with the same number completes them; responses to requests
// that already timed out are discarded.
type WorkerDetector struct {
	id  string
	cfg WorkerConfig

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	seq     atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan message

	ready chan message
	dead  chan struct{}
	// deadErr is written once before dead is closed
	deadErr error

	exited   chan struct{}
	closeOne sync.Once
	wg       sync.WaitGroup

	inferences atomic.Uint64
	latencyMS  atomic.Uint64
}

// StartWorker spawns the worker for mode and waits until it reports ready.
func StartWorker(ctx context.Context, cfg WorkerConfig, mode ModelMode) (*WorkerDetector, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("pose: worker command is required")
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("pose: invalid mode %d", int(mode))
	}
	cfg = cfg.withDefaults()

	spec := mode.Spec()
	args := append([]string{}, cfg.Args...)
	args = append(args,
		"--mode", mode.String(),
		"--pose-model", spec.PoseModel,
		"--pose-input", fmt.Sprintf("%dx%d", spec.PoseInput[0], spec.PoseInput[1]),
		"--det-model", spec.Detector,
		"--det-input", fmt.Sprintf("%dx%d", spec.DetectorInput[0], spec.DetectorInput[1]),
		"--device", cfg.Device,
		"--backend", cfg.Backend,
	)
	if cfg.ModelsDir != "" {
		args = append(args, "--models-dir", cfg.ModelsDir)
	}

	// The process outlives ctx, which only bounds startup.
	cmd := exec.Command(cfg.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start pose worker: %w", err)
	}

	slog.Info("pose: worker process spawned",
		"worker_id", cfg.ID,
		"pid", cmd.Process.Pid,
		"mode", mode.String(),
		"model", spec.PoseModel,
	)

	w := newWorkerDetector(cfg, stdin, stdout)
	w.cmd = cmd
	w.exited = make(chan struct{})

	w.wg.Add(2)
	go w.logStderr(stderr)
	go w.waitProcess()

	if err := w.awaitReady(ctx, mode); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// newWorkerDetector wires the protocol over an already running worker's
// pipes and starts the reader.
func newWorkerDetector(cfg WorkerConfig, stdin io.WriteCloser, stdout io.Reader) *WorkerDetector {
	cfg = cfg.withDefaults()
	w := &WorkerDetector{
		id:      cfg.ID,
		cfg:     cfg,
		stdin:   stdin,
		pending: make(map[uint64]chan message),
		ready:   make(chan message, 1),
		dead:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.readLoop(stdout)
	return w
}

func (w *WorkerDetector) awaitReady(ctx context.Context, mode ModelMode) error {
	timer := time.NewTimer(w.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case msg := <-w.ready:
		if msg.Type == msgError {
			return fmt.Errorf("pose worker failed to load %s model: %s", mode, msg.Error)
		}
		slog.Info("pose: worker ready",
			"worker_id", w.id,
			"mode", msg.Mode,
			"model", msg.PoseModel,
		)
		return nil
	case <-w.dead:
		return fmt.Errorf("pose worker exited during startup: %w", w.deadErr)
	case <-timer.C:
		return fmt.Errorf("pose worker not ready after %v", w.cfg.ReadyTimeout)
	case <-ctx.Done():
		return fmt.Errorf("pose worker startup cancelled: %w", ctx.Err())
	}
}

// Detect sends img to the worker and waits for its keypoints.
func (w *WorkerDetector) Detect(ctx context.Context, img *image.RGBA) ([]Person, error) {
	b := img.Bounds()
	data := img.Pix
	if img.Stride != b.Dx()*4 || b.Min != (image.Point{}) {
		packed := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		for y := 0; y < b.Dy(); y++ {
			copy(packed.Pix[y*packed.Stride:], img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):][:b.Dx()*4])
		}
		data = packed.Pix
	}

	start := time.Now()
	resp, err := w.roundTrip(ctx, message{
		Type:      msgDetect,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Format:    "rgba",
		FrameData: data,
	})
	if err != nil {
		return nil, err
	}
	if resp.Type != msgResult {
		return nil, fmt.Errorf("unexpected %q response to detect", resp.Type)
	}

	people := make([]Person, 0, len(resp.People))
	for _, wp := range resp.People {
		p, err := wp.person()
		if err != nil {
			return nil, err
		}
		people = append(people, p)
	}

	w.inferences.Add(1)
	w.latencyMS.Add(uint64(time.Since(start).Milliseconds()))
	return people, nil
}

// Ping checks that the worker process is alive and answering.
func (w *WorkerDetector) Ping(ctx context.Context) error {
	resp, err := w.roundTrip(ctx, message{Type: msgPing})
	if err != nil {
		return err
	}
	if resp.Type != msgPong {
		return fmt.Errorf("unexpected %q response to ping", resp.Type)
	}
	return nil
}

func (w *WorkerDetector) roundTrip(ctx context.Context, req message) (message, error) {
	select {
	case <-w.dead:
		return message{}, fmt.Errorf("pose worker is gone: %w", w.deadErr)
	default:
	}

	req.Seq = w.seq.Add(1)
	ch := make(chan message, 1)

	w.pendingMu.Lock()
	w.pending[req.Seq] = ch
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, req.Seq)
		w.pendingMu.Unlock()
	}()

	timer := time.NewTimer(w.cfg.RequestTimeout)
	defer timer.Stop()

	// Write with timeout: a hung worker stops draining stdin.
	writeErr := make(chan error, 1)
	go func() {
		w.writeMu.Lock()
		defer w.writeMu.Unlock()
		writeErr <- writeMessage(w.stdin, req)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			return message{}, fmt.Errorf("failed to write to pose worker: %w", err)
		}
	case <-timer.C:
		return message{}, fmt.Errorf("pose worker stdin write timeout (worker may be hung)")
	case <-w.dead:
		return message{}, fmt.Errorf("pose worker is gone: %w", w.deadErr)
	case <-ctx.Done():
		return message{}, ctx.Err()
	}

	select {
	case resp := <-ch:
		if resp.Type == msgError {
			return message{}, fmt.Errorf("pose worker error: %s", resp.Error)
		}
		return resp, nil
	case <-timer.C:
		return message{}, fmt.Errorf("pose worker did not answer %s #%d within %v", req.Type, req.Seq, w.cfg.RequestTimeout)
	case <-w.dead:
		return message{}, fmt.Errorf("pose worker is gone: %w", w.deadErr)
	case <-ctx.Done():
		return message{}, ctx.Err()
	}
}

// readLoop routes worker messages to their waiting requests.
func (w *WorkerDetector) readLoop(stdout io.Reader) {
	defer w.wg.Done()

	for {
		msg, err := readMessage(stdout)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				err = fmt.Errorf("worker stdout closed")
			}
			w.deadErr = err
			close(w.dead)
			slog.Debug("pose: worker reader stopped", "worker_id", w.id, "reason", err)
			return
		}

		if msg.Seq == 0 && (msg.Type == msgReady || msg.Type == msgError) {
			select {
			case w.ready <- msg:
			default:
				slog.Warn("pose: unexpected worker status message", "worker_id", w.id, "type", msg.Type, "error", msg.Error)
			}
			continue
		}

		w.pendingMu.Lock()
		ch, ok := w.pending[msg.Seq]
		w.pendingMu.Unlock()
		if !ok {
			slog.Debug("pose: discarding stale worker response", "worker_id", w.id, "seq", msg.Seq, "type", msg.Type)
			continue
		}
		select {
		case ch <- msg:
		default:
		}
	}
}

// logStderr maps worker log levels onto slog levels.
func (w *WorkerDetector) logStderr(stderr io.Reader) {
	defer w.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			slog.Error("pose: worker error", "worker_id", w.id, "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("pose: worker warning", "worker_id", w.id, "log", line)
		default:
			slog.Debug("pose: worker log", "worker_id", w.id, "log", line)
		}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// waitProcess reaps the worker process.
func (w *WorkerDetector) waitProcess() {
	defer w.wg.Done()
	defer close(w.exited)

	err := w.cmd.Wait()
	if err != nil {
		slog.Warn("pose: worker process exited", "worker_id", w.id, "error", err)
		return
	}
	slog.Debug("pose: worker process exited", "worker_id", w.id)
}

// Close asks the worker to exit by closing stdin and kills it after the stop
// timeout.
func (w *WorkerDetector) Close() error {
	var closeErr error
	w.closeOne.Do(func() {
		if err := w.stdin.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close worker stdin: %w", err)
		}

		if w.cmd != nil && w.cmd.Process != nil {
			select {
			case <-w.exited:
			case <-time.After(w.cfg.StopTimeout):
				slog.Warn("pose: worker did not exit, killing", "worker_id", w.id, "timeout", w.cfg.StopTimeout)
				if err := w.cmd.Process.Kill(); err != nil {
					closeErr = fmt.Errorf("failed to kill worker: %w", err)
				}
			}
		}

		w.wg.Wait()

		n := w.inferences.Load()
		var avg uint64
		if n > 0 {
			avg = w.latencyMS.Load() / n
		}
		slog.Info("pose: worker stopped", "worker_id", w.id, "inferences", n, "avg_latency_ms", avg)
	})
	return closeErr
}
