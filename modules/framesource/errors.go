package framesource

import (
	"errors"
	"fmt"
)

// ErrEndOfStream is returned by Read once a non-looping file is exhausted.
// It is an expected, terminal condition, not a failure.
var ErrEndOfStream = errors.New("framesource: end of stream")

// SourceError reports that a camera or file is unavailable. The source cannot
// be used any further.
type SourceError struct {
	Source string
	Op     string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("framesource: %s %s: %v", e.Op, e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// CaptureError reports a transient failure to produce one capture.
type CaptureError struct {
	Source string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("framesource: capture from %s: %v", e.Source, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }
