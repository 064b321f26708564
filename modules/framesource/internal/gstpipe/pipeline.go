package gstpipe

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// videoflip methods (GstVideoFlipMethod)
const (
	flipNone      = 0
	flipClockwise = 1
)

// Config contains configuration for GStreamer pipeline creation
type Config struct {
	// Device is a V4L2 device path; empty when URI is set
	Device string
	// URI is a file:// URI; empty when Device is set
	URI string
	// Rotate turns frames 90° clockwise
	Rotate bool
}

// Live reports whether the pipeline captures from a device.
func (c Config) Live() bool {
	return c.URI == ""
}

// Elements holds references to GStreamer pipeline elements
// These references are needed for live rotation, seeking and cleanup
type Elements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
	Flip     *gst.Element
	Decoder  *gst.Element
}

// CreatePipeline creates and configures a GStreamer pipeline for a camera or
// a file
//
// Pipeline structure:
//
//	camera: v4l2src → decodebin ┐
//	file:   uridecodebin ───────┴→ videoconvert → videoflip → videoconvert →
//	                               capsfilter(RGBA) → appsink
//
// decodebin pads are dynamic and linked in the pad-added callback. The
// pipeline is configured but NOT started.
func CreatePipeline(cfg Config) (*Elements, error) {
	gst.Init(nil)

	if (cfg.Device == "") == (cfg.URI == "") {
		return nil, fmt.Errorf("exactly one of device or uri is required")
	}

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	var src, decoder *gst.Element
	if cfg.Live() {
		src, err = gst.NewElement("v4l2src")
		if err != nil {
			return nil, fmt.Errorf("failed to create v4l2src: %w", err)
		}
		src.SetProperty("device", cfg.Device)

		decoder, err = gst.NewElement("decodebin")
		if err != nil {
			return nil, fmt.Errorf("failed to create decodebin: %w", err)
		}
	} else {
		decoder, err = gst.NewElement("uridecodebin")
		if err != nil {
			return nil, fmt.Errorf("failed to create uridecodebin: %w", err)
		}
		decoder.SetProperty("uri", cfg.URI)
	}

	convertIn, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	convertIn.SetProperty("n-threads", 0)

	flip, err := gst.NewElement("videoflip")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoflip: %w", err)
	}
	flip.SetProperty("method", flipMethod(cfg.Rotate))

	convertOut, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString("video/x-raw,format=RGBA"))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	// Cameras keep only the freshest frame. Files block upstream instead so
	// that every frame is counted.
	appsink.SetProperty("drop", cfg.Live())

	elements := []*gst.Element{decoder, convertIn, flip, convertOut, capsfilter, appsink.Element}
	if src != nil {
		elements = append([]*gst.Element{src}, elements...)
	}
	if err := pipeline.AddMany(elements...); err != nil {
		return nil, fmt.Errorf("failed to add elements: %w", err)
	}

	if src != nil {
		if err := src.Link(decoder); err != nil {
			return nil, fmt.Errorf("failed to link v4l2src to decodebin: %w", err)
		}
	}
	if err := gst.ElementLinkMany(convertIn, flip, convertOut, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	decoder.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		OnPadAdded(srcPad, convertIn)
	})

	slog.Debug("framesource: pipeline created",
		"device", cfg.Device,
		"uri", cfg.URI,
		"rotate", cfg.Rotate,
	)

	return &Elements{
		Pipeline: pipeline,
		AppSink:  appsink,
		Flip:     flip,
		Decoder:  decoder,
	}, nil
}

// OnPadAdded links the first video pad exposed by a decodebin to sinkElement.
// Audio and subtitle pads are ignored.
func OnPadAdded(srcPad *gst.Pad, sinkElement *gst.Element) {
	if caps := srcPad.GetCurrentCaps(); caps != nil && caps.GetSize() > 0 {
		if name := caps.GetStructureAt(0).Name(); !strings.HasPrefix(name, "video/") {
			slog.Debug("framesource: ignoring non-video pad", "pad", srcPad.GetName(), "caps", name)
			return
		}
	}

	sinkPad := sinkElement.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("framesource: failed to get sink pad from videoconvert")
		return
	}
	if sinkPad.IsLinked() {
		return
	}

	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("framesource: failed to link pads",
			"src_pad", srcPad.GetName(),
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
		return
	}

	slog.Debug("framesource: decoder pad linked", "src_pad", srcPad.GetName())
}

// SetRotation switches videoflip between identity and 90° clockwise while
// the pipeline runs. Downstream caps renegotiate to the new orientation.
func SetRotation(flip *gst.Element, rotate bool) error {
	if flip == nil {
		return fmt.Errorf("videoflip is nil")
	}
	return flip.SetProperty("method", flipMethod(rotate))
}

func flipMethod(rotate bool) int {
	if rotate {
		return flipClockwise
	}
	return flipNone
}

// SeekToStart performs a flushing seek to position zero, clearing EOS.
func SeekToStart(elements *Elements) error {
	if elements == nil || elements.Pipeline == nil {
		return fmt.Errorf("pipeline not initialized")
	}
	if ok := elements.Pipeline.SeekSimple(0, gst.FormatTime, gst.SeekFlagFlush|gst.SeekFlagKeyUnit); !ok {
		return fmt.Errorf("seek to start rejected")
	}
	return nil
}

// DestroyPipeline cleans up GStreamer pipeline resources
//
// Sets pipeline state to NULL and releases all resources.
// Safe to call even if pipeline is already destroyed.
func DestroyPipeline(elements *Elements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}
