/*
Package framesource captures frames from a camera or a video file and hands
out, per tick, a display frame and a smaller inference frame derived from the
same capture.

	src, err := framesource.Open(ctx, framesource.Spec{File: "squats.mp4"}, framesource.Options{Rotate: true})
	if err != nil {
		var srcErr *framesource.SourceError
		...
	}
	defer src.Close()

	for {
		capture, err := src.Read(ctx)
		switch {
		case errors.Is(err, framesource.ErrEndOfStream):
			return
		case err != nil:
			// *CaptureError: skip the tick. *SourceError: stop.
		}
		infer(capture.Inference)
		show(capture.Display)
	}

Capture runs on GStreamer. Rotation is a videoflip element in the graph, so
both derived frames are always rotated together and rotation can change
while the source runs. Display and inference frames are resized on the Go
side from one RGBA sample; their sizes differ only by scale.

Looping file sources seek back to the start on end of stream and never
report ErrEndOfStream.
*/
package framesource
