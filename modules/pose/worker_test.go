package pose

import (
	"bytes"
	"context"
	"image"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker speaks the worker protocol over in-memory pipes.
type fakeWorker struct {
	stdinR  *io.PipeReader
	stdoutW *io.PipeWriter
	handle  func(req message, reply func(message))
	done    chan struct{}
}

func startFakeWorker(t *testing.T, ready message, handle func(req message, reply func(message))) (*WorkerDetector, *fakeWorker) {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	fw := &fakeWorker{stdinR: inR, stdoutW: outW, handle: handle, done: make(chan struct{})}

	go func() {
		defer close(fw.done)
		defer outW.Close()

		reply := func(m message) { _ = writeMessage(outW, m) }
		reply(ready)
		for {
			req, err := readMessage(inR)
			if err != nil {
				return
			}
			fw.handle(req, reply)
		}
	}()

	w := newWorkerDetector(WorkerConfig{ID: "test", RequestTimeout: 300 * time.Millisecond, ReadyTimeout: time.Second}, inW, outR)
	t.Cleanup(func() { _ = w.Close() })
	return w, fw
}

func fullPerson(score, x float64) wirePerson {
	p := wirePerson{Score: score}
	for i := 0; i < NumKeypoints; i++ {
		p.Keypoints = append(p.Keypoints, [2]float64{x, float64(i)})
		p.Scores = append(p.Scores, 0.8)
	}
	return p
}

func TestWorkerDetectRoundTrip(t *testing.T) {
	var gotSize atomic.Int64
	w, _ := startFakeWorker(t, message{Type: msgReady, Mode: "balanced", PoseModel: "rtmpose-s"},
		func(req message, reply func(message)) {
			switch req.Type {
			case msgDetect:
				gotSize.Store(int64(req.Width*10000 + req.Height))
				if len(req.FrameData) != req.Width*req.Height*4 {
					reply(message{Type: msgError, Seq: req.Seq, Error: "bad frame"})
					return
				}
				reply(message{Type: msgResult, Seq: req.Seq, People: []wirePerson{fullPerson(0.9, 42)}})
			case msgPing:
				reply(message{Type: msgPong, Seq: req.Seq})
			}
		})
	require.NoError(t, w.awaitReady(context.Background(), ModeBalanced))

	people, err := w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 48)))
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, 0.9, people[0].Score)
	assert.Equal(t, Keypoint{X: 42, Y: 3, Score: 0.8}, people[0].Keypoints[3])
	assert.Equal(t, int64(64*10000+48), gotSize.Load())

	// Sub-images are packed before sending.
	big := image.NewRGBA(image.Rect(0, 0, 100, 100))
	sub := big.SubImage(image.Rect(10, 10, 30, 20)).(*image.RGBA)
	_, err = w.Detect(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, int64(20*10000+10), gotSize.Load())

	require.NoError(t, w.Ping(context.Background()))
}

func TestWorkerStartupError(t *testing.T) {
	w, _ := startFakeWorker(t, message{Type: msgError, Error: "model weights missing"},
		func(message, func(message)) {})

	err := w.awaitReady(context.Background(), ModePerformance)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model weights missing")
}

func TestWorkerErrorResponse(t *testing.T) {
	w, _ := startFakeWorker(t, message{Type: msgReady}, func(req message, reply func(message)) {
		reply(message{Type: msgError, Seq: req.Seq, Error: "cuda out of memory"})
	})
	require.NoError(t, w.awaitReady(context.Background(), ModeBalanced))

	_, err := w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cuda out of memory")
}

func TestWorkerMalformedPerson(t *testing.T) {
	w, _ := startFakeWorker(t, message{Type: msgReady}, func(req message, reply func(message)) {
		reply(message{Type: msgResult, Seq: req.Seq, People: []wirePerson{{Score: 1, Keypoints: [][2]float64{{1, 2}}}}})
	})
	require.NoError(t, w.awaitReady(context.Background(), ModeBalanced))

	_, err := w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	assert.Error(t, err)
}

func TestWorkerStaleResponseDiscarded(t *testing.T) {
	var calls atomic.Int32
	w, _ := startFakeWorker(t, message{Type: msgReady}, func(req message, reply func(message)) {
		if calls.Add(1) == 1 {
			// First request times out; its late answer arrives with the
			// second request and must not be mistaken for it.
			return
		}
		reply(message{Type: msgPong, Seq: req.Seq - 1})
		reply(message{Type: msgPong, Seq: req.Seq})
	})
	require.NoError(t, w.awaitReady(context.Background(), ModeBalanced))

	err := w.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not answer")

	require.NoError(t, w.Ping(context.Background()))
}

func TestWorkerDeath(t *testing.T) {
	w, fw := startFakeWorker(t, message{Type: msgReady}, func(message, func(message)) {})
	require.NoError(t, w.awaitReady(context.Background(), ModeBalanced))

	require.NoError(t, fw.stdoutW.Close())
	require.Eventually(t, func() bool {
		select {
		case <-w.dead:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	err := w.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone")
}

func TestWorkerContextCancel(t *testing.T) {
	w, _ := startFakeWorker(t, message{Type: msgReady}, func(message, func(message)) {})
	require.NoError(t, w.awaitReady(context.Background(), ModeBalanced))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Ping(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerCloseStopsFakeProcess(t *testing.T) {
	w, fw := startFakeWorker(t, message{Type: msgReady}, func(message, func(message)) {})
	require.NoError(t, w.awaitReady(context.Background(), ModeBalanced))

	require.NoError(t, w.Close())
	select {
	case <-fw.done:
	case <-time.After(time.Second):
		t.Fatal("worker did not observe stdin close")
	}
	require.NoError(t, w.Close())
}

func TestWireFraming(t *testing.T) {
	var buf bytes.Buffer
	in := message{Type: msgDetect, Seq: 9, Width: 2, Height: 1, Format: "rgba", FrameData: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	require.NoError(t, writeMessage(&buf, in))
	require.NoError(t, writeMessage(&buf, message{Type: msgPing, Seq: 10}))

	out, err := readMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out, err = readMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, msgPing, out.Type)

	_, err = readMessage(&buf)
	assert.ErrorIs(t, err, io.EOF)

	// Oversized length prefix is rejected without allocating.
	_, err = readMessage(bytes.NewReader([]byte{0x7f, 0xff, 0xff, 0xff}))
	assert.Error(t, err)
}

func TestStartWorkerValidation(t *testing.T) {
	_, err := StartWorker(context.Background(), WorkerConfig{}, ModeBalanced)
	assert.Error(t, err)

	_, err = StartWorker(context.Background(), WorkerConfig{Command: "/bin/true"}, ModelMode(9))
	assert.Error(t, err)
}
