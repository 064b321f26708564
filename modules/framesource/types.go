package framesource

import (
	"fmt"
	"image"
	"time"
)

// Tag marks which role a derived frame plays.
type Tag int

const (
	// TagDisplay is the high-resolution frame meant for presentation.
	TagDisplay Tag = iota
	// TagInference is the downscaled frame fed to pose inference.
	TagInference
)

// String returns a human-readable representation of the tag
func (t Tag) String() string {
	if t == TagInference {
		return "inference"
	}
	return "display"
}

// LayoutRGBA is the only pixel layout produced: 4 bytes per pixel, row-major,
// no row padding.
const LayoutRGBA = "RGBA"

// Frame is one derived frame of a capture.
type Frame struct {
	// Seq is the capture sequence number, shared by the paired display and
	// inference frames of the same tick
	Seq uint64
	// TraceID identifies the capture across logs and events
	TraceID string
	// Timestamp is when the capture was pulled from the source
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Layout is the pixel layout of Data
	Layout string
	// Tag is the role of this frame
	Tag Tag
	// Data holds Width*Height*4 bytes
	Data []byte
}

// Image views the frame as an *image.RGBA without copying.
func (f Frame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Data,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Validate checks that Data matches the declared geometry.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("framesource: invalid frame size %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * 4; len(f.Data) != want {
		return fmt.Errorf("framesource: frame data is %d bytes, want %d for %dx%d RGBA",
			len(f.Data), want, f.Width, f.Height)
	}
	return nil
}

// FrameFromImage wraps img as a Frame. img must be tightly packed
// (Stride == 4*width, origin at 0,0); packed copies are made otherwise.
func FrameFromImage(img *image.RGBA, tag Tag) Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := img.Pix
	if b.Min != (image.Point{}) || img.Stride != w*4 {
		packed := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			src := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
			copy(packed.Pix[y*packed.Stride:(y+1)*packed.Stride], src[:w*4])
		}
		pix = packed.Pix
	}
	return Frame{Width: w, Height: h, Layout: LayoutRGBA, Tag: tag, Data: pix}
}

// Capture is the result of one Read: a display frame and an inference frame
// derived from the same source frame, plus the measured source frame rate.
type Capture struct {
	Display   Frame
	Inference Frame
	FPS       float64
}

// Spec selects a source. Exactly one of Camera or File is used: a non-empty
// File wins over Camera.
type Spec struct {
	// Camera is the capture device index (/dev/video<N>)
	Camera int
	// File is a path to a video file
	File string
	// Loop restarts a file source at end of stream. Ignored for cameras.
	Loop bool
}

// IsFile reports whether the spec names a file.
func (s Spec) IsFile() bool {
	return s.File != ""
}

// String returns a human-readable representation of the spec
func (s Spec) String() string {
	if s.IsFile() {
		if s.Loop {
			return fmt.Sprintf("file:%s (loop)", s.File)
		}
		return "file:" + s.File
	}
	return fmt.Sprintf("camera:%d", s.Camera)
}

// Validate checks the spec for obvious mistakes before touching GStreamer.
func (s Spec) Validate() error {
	if !s.IsFile() && s.Camera < 0 {
		return fmt.Errorf("framesource: camera index must be >= 0, got %d", s.Camera)
	}
	return nil
}

// Options tunes how frames are derived.
type Options struct {
	// DisplayMaxEdge caps the long edge of display frames (default 1920)
	DisplayMaxEdge int
	// InferenceMaxEdge caps the long edge of inference frames (default 640)
	InferenceMaxEdge int
	// Rotate turns frames 90° clockwise
	Rotate bool
	// ReadTimeout bounds a single wait for the next sample (default 100ms);
	// Read keeps waiting across timeouts until ctx is done
	ReadTimeout time.Duration
	// OpenRetries is how many times a busy camera is retried (default 3)
	OpenRetries int
	// OpenRetryDelay is the first backoff delay (default 250ms)
	OpenRetryDelay time.Duration
}

// Default sizes for derived frames.
const (
	DefaultDisplayMaxEdge   = 1920
	DefaultInferenceMaxEdge = 640
)

func (o Options) withDefaults() Options {
	if o.DisplayMaxEdge <= 0 {
		o.DisplayMaxEdge = DefaultDisplayMaxEdge
	}
	if o.InferenceMaxEdge <= 0 {
		o.InferenceMaxEdge = DefaultInferenceMaxEdge
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 100 * time.Millisecond
	}
	if o.OpenRetries < 0 {
		o.OpenRetries = 0
	} else if o.OpenRetries == 0 {
		o.OpenRetries = 3
	}
	if o.OpenRetryDelay <= 0 {
		o.OpenRetryDelay = 250 * time.Millisecond
	}
	return o
}

// Stats contains source statistics
type Stats struct {
	// Source describes the open spec
	Source string
	// FramesRead is the number of captures returned by Read
	FramesRead uint64
	// CaptureErrors is the number of transient capture failures
	CaptureErrors uint64
	// Loops is how many times a looping file restarted
	Loops uint64
	// FPS is the current measured frame rate
	FPS float64
	// FPSStdDev is the spread of instantaneous frame rates in the window
	FPSStdDev float64
	// Rotated reports whether rotation is on
	Rotated bool
	// Resolution is the native (post-rotation) capture size, e.g. "1080x1920"
	Resolution string
}
