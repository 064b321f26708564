package pose

import (
	"fmt"
	"strings"

	"github.com/xixigan/Good-GYM/modules/geometry"
)

// NumKeypoints is the size of the COCO body keypoint set.
const NumKeypoints = 17

// COCO keypoint indices, in detector order.
const (
	Nose = iota
	LeftEye
	RightEye
	LeftEar
	RightEar
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle
)

// DefaultConfidence is the score a keypoint must exceed to be valid.
const DefaultConfidence = 0.5

// Keypoint is one detected joint. Invalid keypoints sit at the (0,0)
// sentinel and keep their original score.
type Keypoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

// Point returns the keypoint position.
func (k Keypoint) Point() geometry.Point {
	return geometry.Point{X: k.X, Y: k.Y}
}

// Valid reports whether the keypoint survived the confidence filter.
func (k Keypoint) Valid() bool {
	return !k.Point().IsSentinel()
}

// Person is one detection as returned by a Detector: NumKeypoints raw
// keypoints in the coordinates of the image passed to Detect.
type Person struct {
	Keypoints []Keypoint
	Score     float64
}

// PoseResult holds the keypoints of the most confident person in a frame,
// or nothing when no person was detected.
type PoseResult struct {
	Keypoints []Keypoint `json:"keypoints,omitempty"`
	Score     float64    `json:"score,omitempty"`
}

// Empty reports whether no person was detected.
func (r PoseResult) Empty() bool {
	return len(r.Keypoints) == 0
}

// Points returns keypoint positions in index order.
func (r PoseResult) Points() []geometry.Point {
	out := make([]geometry.Point, len(r.Keypoints))
	for i, k := range r.Keypoints {
		out[i] = k.Point()
	}
	return out
}

// Scaled returns a copy with valid keypoints multiplied by (sx, sy).
// Sentinel keypoints stay at the sentinel.
func (r PoseResult) Scaled(sx, sy float64) PoseResult {
	if r.Empty() {
		return r
	}
	out := PoseResult{Score: r.Score, Keypoints: make([]Keypoint, len(r.Keypoints))}
	for i, k := range r.Keypoints {
		if k.Valid() {
			k.X *= sx
			k.Y *= sy
		}
		out.Keypoints[i] = k
	}
	return out
}

// Mirrored returns a copy with valid keypoints flipped horizontally inside a
// frame of the given width, matching a mirrored display frame.
func (r PoseResult) Mirrored(width int) PoseResult {
	if r.Empty() {
		return r
	}
	out := PoseResult{Score: r.Score, Keypoints: make([]Keypoint, len(r.Keypoints))}
	for i, k := range r.Keypoints {
		if k.Valid() {
			k.X = float64(width-1) - k.X
		}
		out.Keypoints[i] = k
	}
	return out
}

// ModelMode selects the pose model size.
type ModelMode int

const (
	ModeLightweight ModelMode = iota
	ModeBalanced
	ModePerformance
)

var modeNames = [...]string{
	ModeLightweight: "lightweight",
	ModeBalanced:    "balanced",
	ModePerformance: "performance",
}

// String returns the wire name of the mode.
func (m ModelMode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// Valid reports whether m is a defined mode.
func (m ModelMode) Valid() bool {
	return m >= 0 && int(m) < len(modeNames)
}

// MarshalText implements encoding.TextMarshaler.
func (m ModelMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("pose: invalid mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ModelMode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode resolves a mode from its wire name.
func ParseMode(s string) (ModelMode, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for i, name := range modeNames {
		if name == key {
			return ModelMode(i), nil
		}
	}
	return 0, fmt.Errorf("pose: unknown model mode %q", s)
}

// ModelSpec names the weights a mode loads.
type ModelSpec struct {
	PoseModel     string
	PoseInput     [2]int // width, height
	Detector      string
	DetectorInput [2]int
}

var modelSpecs = [...]ModelSpec{
	ModeLightweight: {PoseModel: "rtmpose-t", PoseInput: [2]int{192, 256}, Detector: "yolox-nano", DetectorInput: [2]int{416, 416}},
	ModeBalanced:    {PoseModel: "rtmpose-s", PoseInput: [2]int{192, 256}, Detector: "yolox-nano", DetectorInput: [2]int{416, 416}},
	ModePerformance: {PoseModel: "rtmpose-m", PoseInput: [2]int{192, 256}, Detector: "yolox-nano", DetectorInput: [2]int{416, 416}},
}

// Spec returns the model weights used by m.
func (m ModelMode) Spec() ModelSpec {
	if !m.Valid() {
		return ModelSpec{}
	}
	return modelSpecs[m]
}
