package pose

import (
	"context"
	"image"
)

// Detector is the external keypoint detection capability.
//
// Detect returns every person found in img, each with NumKeypoints keypoints
// in img coordinates. Ping checks that the model is still able to serve.
type Detector interface {
	Detect(ctx context.Context, img *image.RGBA) ([]Person, error)
	Ping(ctx context.Context) error
	Close() error
}

// Factory loads a detector for one model mode. A returned detector is ready
// to serve Detect.
type Factory func(ctx context.Context, mode ModelMode) (Detector, error)
