package gstpipe

import (
	"strings"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies GStreamer bus errors by how the source should react
type ErrorCategory int

const (
	// ErrCategoryDevice indicates the camera or file is unusable (missing,
	// busy, permission denied, unplugged)
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryDecode indicates a per-frame decode or negotiation failure
	ErrCategoryDecode
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Fatal reports whether the category ends the source.
func (e ErrorCategory) Fatal() bool {
	return e != ErrCategoryDecode
}

var deviceKeywords = []string{
	"no such file",
	"not found",
	"does not exist",
	"could not open",
	"cannot identify device",
	"busy",
	"permission denied",
	"no such device",
	"resource not found",
	"could not read from resource",
	"failed to allocate",
	"not a capture device",
}

var decodeKeywords = []string{
	"decode",
	"decoding",
	"corrupt",
	"invalid data",
	"not negotiated",
	"stream error",
	"qos",
}

// ClassifyMessage categorizes a bus error by its message and debug text.
//
// Device keywords win over decode keywords: a missing file also reports a
// stream error from the demuxer.
func ClassifyMessage(errMsg, debug string) ErrorCategory {
	combined := strings.ToLower(errMsg + " " + debug)
	if containsAny(combined, deviceKeywords) {
		return ErrCategoryDevice
	}
	if containsAny(combined, decodeKeywords) {
		return ErrCategoryDecode
	}
	return ErrCategoryUnknown
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// BusError is an error message popped from the pipeline bus.
type BusError struct {
	Message  string
	Debug    string
	Category ErrorCategory
}

func (e *BusError) Error() string {
	return "[" + e.Category.String() + "] " + e.Message
}

// PollBus drains pending bus messages and returns the first error, if any.
// wait bounds how long to block for the first message.
func PollBus(elements *Elements, wait time.Duration) *BusError {
	bus := elements.Pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(wait)
		if msg == nil {
			return nil
		}
		wait = 0

		if msg.Type() != gst.MessageError {
			continue
		}
		gerr := msg.ParseError()
		if gerr == nil {
			continue
		}
		return &BusError{
			Message:  gerr.Error(),
			Debug:    gerr.DebugString(),
			Category: ClassifyMessage(gerr.Error(), gerr.DebugString()),
		}
	}
}

// WaitPlaying starts the pipeline and waits until it reaches PLAYING (or
// PAUSED for a preroll-less live source), surfacing the first bus error.
func WaitPlaying(elements *Elements, timeout time.Duration) error {
	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		if busErr := PollBus(elements, 0); busErr != nil {
			return busErr
		}
		return err
	}

	bus := elements.Pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return &BusError{
				Message:  gerr.Error(),
				Debug:    gerr.DebugString(),
				Category: ClassifyMessage(gerr.Error(), gerr.DebugString()),
			}
		case gst.MessageStateChanged:
			if msg.Source() != elements.Pipeline.GetName() {
				continue
			}
			if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
				return nil
			}
		case gst.MessageEOS:
			// Empty file: reaching EOS is still a successful open.
			return nil
		}
	}
	return &BusError{Message: "timeout waiting for PLAYING", Category: ErrCategoryDevice}
}
