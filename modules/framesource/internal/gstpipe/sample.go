package gstpipe

import (
	"fmt"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// Sample is one decoded RGBA frame copied out of GStreamer memory.
type Sample struct {
	Width  int
	Height int
	Data   []byte
}

// PullResult tells the caller what TryPull observed.
type PullResult int

const (
	PullFrame PullResult = iota
	PullTimeout
	PullEOS
)

// TryPull waits up to timeout for the next sample.
//
// The buffer is copied (GStreamer reuses it) and the frame size is read from
// the sample caps, since rotation changes it at runtime.
func TryPull(elements *Elements, timeout time.Duration) (Sample, PullResult, error) {
	sink := elements.AppSink

	sample := sink.TryPullSample(timeout)
	if sample == nil {
		if sink.IsEOS() {
			return Sample{}, PullEOS, nil
		}
		return Sample{}, PullTimeout, nil
	}

	width, height, err := sampleSize(sample)
	if err != nil {
		return Sample{}, PullFrame, err
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return Sample{}, PullFrame, fmt.Errorf("sample has no buffer")
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return Sample{}, PullFrame, fmt.Errorf("empty buffer")
	}

	want := width * height * 4
	if len(data) < want {
		buffer.Unmap()
		return Sample{}, PullFrame, fmt.Errorf("buffer is %d bytes, want %d for %dx%d RGBA", len(data), want, width, height)
	}

	frame := make([]byte, want)
	copy(frame, data[:want])
	buffer.Unmap()

	return Sample{Width: width, Height: height, Data: frame}, PullFrame, nil
}

func sampleSize(sample *gst.Sample) (int, int, error) {
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, fmt.Errorf("sample has no caps")
	}
	s := caps.GetStructureAt(0)

	w, err := s.GetValue("width")
	if err != nil {
		return 0, 0, fmt.Errorf("caps without width: %w", err)
	}
	h, err := s.GetValue("height")
	if err != nil {
		return 0, 0, fmt.Errorf("caps without height: %w", err)
	}

	width, ok1 := w.(int)
	height, ok2 := h.(int)
	if !ok1 || !ok2 || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid caps size %v x %v", w, h)
	}
	return width, height, nil
}
