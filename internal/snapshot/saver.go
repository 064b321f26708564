package snapshot

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/xixigan/Good-GYM/internal/pipeline"
	"github.com/xixigan/Good-GYM/modules/pose"
)

// Saver writes frame results to disk as PNG or JPEG.
//
// Thread-safe: can be called from multiple goroutines.
type Saver struct {
	outputDir   string
	format      string
	jpegQuality int

	framesSaved   atomic.Uint64
	framesDropped atomic.Uint64
}

// NewSaver creates a saver with given output directory and format.
//
// Format: "png" or "jpeg" ("jpg" is accepted)
// JPEGQuality: 1-100 (only used for JPEG)
func NewSaver(outputDir, format string, jpegQuality int) (*Saver, error) {
	if format == "jpg" {
		format = "jpeg"
	}
	if format != "png" && format != "jpeg" {
		return nil, fmt.Errorf("unsupported format: %s (must be png or jpeg)", format)
	}
	if jpegQuality < 1 || jpegQuality > 100 {
		jpegQuality = 90
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &Saver{
		outputDir:   outputDir,
		format:      format,
		jpegQuality: jpegQuality,
	}, nil
}

// Save writes the display frame of r, with its skeleton drawn when r carries
// keypoints, and returns the file path. A file that fails to encode is
// removed.
//
// Filename format: {exercise}_{count:04d}_{timestamp}.{ext}
// Example: squat_0010_20251105_234517.123.jpeg
func (s *Saver) Save(r pipeline.FrameResult) (string, error) {
	if err := r.Display.Validate(); err != nil {
		s.framesDropped.Add(1)
		return "", fmt.Errorf("invalid display frame: %w", err)
	}

	// Copy so overlay drawing never touches a frame the consumer still holds.
	src := r.Display.Image()
	frame := image.NewRGBA(src.Bounds())
	draw.Draw(frame, frame.Bounds(), src, src.Bounds().Min, draw.Src)
	img := renderSkeleton(frame, pose.PoseResult{Keypoints: r.Keypoints})

	ts := r.Display.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	name := fmt.Sprintf("%s_%04d_%s.%s",
		r.Exercise,
		r.Count,
		ts.Format("20060102_150405.000"),
		s.format)
	path := filepath.Join(s.outputDir, name)

	file, err := os.Create(path)
	if err != nil {
		s.framesDropped.Add(1)
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	switch s.format {
	case "png":
		err = png.Encode(file, img)
	case "jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: s.jpegQuality})
	}
	if err != nil {
		file.Close()
		s.discard(path)
		return "", fmt.Errorf("%s encode failed: %w", s.format, err)
	}
	if err := file.Close(); err != nil {
		s.discard(path)
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	s.framesSaved.Add(1)
	return path, nil
}

// discard removes a partially written file and counts the drop.
func (s *Saver) discard(path string) {
	s.framesDropped.Add(1)
	if err := os.Remove(path); err != nil {
		slog.Warn("snapshot: failed to remove partial file", "path", path, "error", err)
	}
}

// Stats returns current save statistics.
func (s *Saver) Stats() (saved, dropped uint64) {
	return s.framesSaved.Load(), s.framesDropped.Load()
}

var (
	limbColors = map[pose.Limb]color.RGBA{
		pose.LimbHead:  {R: 255, G: 255, B: 0, A: 255},
		pose.LimbTorso: {R: 0, G: 255, B: 255, A: 255},
		pose.LimbArm:   {R: 0, G: 255, B: 0, A: 255},
		pose.LimbLeg:   {R: 255, G: 0, B: 255, A: 255},
	}
	jointColor = color.RGBA{R: 255, A: 255}
)

// lineWidth grows with the frame so the overlay stays visible on large
// frames: 3 px per 640 px of width, at least 2.
func lineWidth(frameWidth int) float64 {
	return math.Max(2, float64(frameWidth)/640*3)
}

// renderSkeleton returns frame with visible edges stroked and valid joints
// drawn as filled circles. frame itself is left as is.
//
// The canvas runs at 72 DPI so one point is one pixel; its origin is the
// bottom-left corner.
func renderSkeleton(frame *image.RGBA, r pose.PoseResult) image.Image {
	if r.Empty() {
		return frame
	}

	c := vgimg.NewWith(vgimg.UseImage(frame), vgimg.UseDPI(vgimg.DefaultDPI))
	height := float64(frame.Bounds().Dy())
	at := func(k pose.Keypoint) vg.Point {
		return vg.Point{X: vg.Length(k.X + 0.5), Y: vg.Length(height - k.Y - 0.5)}
	}

	width := lineWidth(frame.Bounds().Dx())
	c.SetLineWidth(vg.Length(width))
	for _, e := range r.VisibleEdges() {
		var p vg.Path
		p.Move(at(r.Keypoints[e.From]))
		p.Line(at(r.Keypoints[e.To]))
		c.SetColor(limbColors[e.Limb])
		c.Stroke(p)
	}

	radius := vg.Length(1.5 * width)
	c.SetColor(jointColor)
	for _, k := range r.Keypoints {
		if !k.Valid() {
			continue
		}
		center := at(k)
		var p vg.Path
		p.Move(vg.Point{X: center.X + radius, Y: center.Y})
		p.Arc(center, radius, 0, 2*math.Pi)
		p.Close()
		c.Fill(p)
	}
	return c.Image()
}
