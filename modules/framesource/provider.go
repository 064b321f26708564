package framesource

import "context"

// Source produces paired display and inference frames from a camera or a
// video file.
//
// Implementations must guarantee:
//   - Read blocks until the next capture, ctx is done, or the stream ends
//   - Read returns ErrEndOfStream on every call once a non-looping file is
//     exhausted
//   - Read returns *CaptureError for a transient failure; the next Read may
//     succeed
//   - Read returns *SourceError when the source is no longer usable
//   - SetRotation and Stats are safe to call from any goroutine
//   - Close is idempotent and releases every native resource
type Source interface {
	Read(ctx context.Context) (Capture, error)
	SetRotation(enabled bool)
	Stats() Stats
	Close() error
}

// Opener opens a Source. Open is the GStreamer-backed implementation.
type Opener func(ctx context.Context, spec Spec, opts Options) (Source, error)

var _ Opener = Open
