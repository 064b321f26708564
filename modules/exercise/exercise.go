// Package exercise defines the supported exercises and the static table that
// binds each one to its measured joint triple and stage thresholds.
package exercise

import (
	"fmt"
	"strings"
)

// Type identifies an exercise.
type Type int

const (
	Squat Type = iota
	Pushup
	Situp
	BicepCurl
	LateralRaise
	OverheadPress
	LegRaise
	KneeRaise
	KneePress

	numTypes
)

// COCO keypoint indices used by the rule table.
const (
	rightShoulder = 6
	rightElbow    = 8
	rightWrist    = 10
	leftHip       = 11
	rightHip      = 12
	leftKnee      = 13
	rightKnee     = 14
	leftAnkle     = 15
	rightAnkle    = 16

	keypointCount = 17
)

var names = [numTypes]string{
	Squat:         "squat",
	Pushup:        "pushup",
	Situp:         "situp",
	BicepCurl:     "bicep_curl",
	LateralRaise:  "lateral_raise",
	OverheadPress: "overhead_press",
	LegRaise:      "leg_raise",
	KneeRaise:     "knee_raise",
	KneePress:     "knee_press",
}

// String returns the wire name of the exercise.
func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("exercise(%d)", int(t))
	}
	return names[t]
}

// Valid reports whether t is one of the defined exercises.
func (t Type) Valid() bool {
	return t >= 0 && t < numTypes
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("exercise: invalid type %d", int(t))
	}
	return []byte(names[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Parse resolves an exercise from its wire name.
func Parse(s string) (Type, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for i, name := range names {
		if name == key {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("exercise: unknown type %q", s)
}

// All returns every defined exercise in declaration order.
func All() []Type {
	out := make([]Type, numTypes)
	for i := range out {
		out[i] = Type(i)
	}
	return out
}

// Rule describes how one exercise is measured and staged.
//
// Joints is the ordered keypoint triple with the vertex in the middle. Down is
// the threshold of the band entered at the bottom of the motion and Up the
// threshold of the band entered at completion. When Down > Up the motion
// closes the joint (down band: angle > Down, up band: angle < Up); otherwise
// it opens the joint and the comparisons are mirrored.
type Rule struct {
	Joints [3]int
	Down   float64
	Up     float64
}

// Closing reports whether completing a rep decreases the joint angle.
func (r Rule) Closing() bool {
	return r.Down > r.Up
}

// InDownBand reports whether angle lies strictly inside the down band.
func (r Rule) InDownBand(angle float64) bool {
	if r.Closing() {
		return angle > r.Down
	}
	return angle < r.Down
}

// InUpBand reports whether angle lies strictly inside the up band.
func (r Rule) InUpBand(angle float64) bool {
	if r.Closing() {
		return angle < r.Up
	}
	return angle > r.Up
}

var rules = [numTypes]Rule{
	Squat:         {Joints: [3]int{rightHip, rightKnee, rightAnkle}, Down: 160, Up: 70},
	Pushup:        {Joints: [3]int{rightShoulder, rightElbow, rightWrist}, Down: 160, Up: 90},
	Situp:         {Joints: [3]int{rightShoulder, rightHip, rightKnee}, Down: 130, Up: 70},
	BicepCurl:     {Joints: [3]int{rightShoulder, rightElbow, rightWrist}, Down: 150, Up: 50},
	LateralRaise:  {Joints: [3]int{rightHip, rightShoulder, rightElbow}, Down: 30, Up: 80},
	OverheadPress: {Joints: [3]int{rightHip, rightShoulder, rightElbow}, Down: 100, Up: 150},
	LegRaise:      {Joints: [3]int{rightShoulder, rightHip, rightKnee}, Down: 160, Up: 100},
	KneeRaise:     {Joints: [3]int{rightHip, rightKnee, rightAnkle}, Down: 160, Up: 100},
	KneePress:     {Joints: [3]int{leftHip, leftKnee, leftAnkle}, Down: 100, Up: 150},
}

func init() {
	if err := validateTable(); err != nil {
		panic(err)
	}
}

func validateTable() error {
	for i, r := range rules {
		t := Type(i)
		if r.Joints == ([3]int{}) {
			return fmt.Errorf("exercise: %s has no rule", t)
		}
		for _, j := range r.Joints {
			if j < 0 || j >= keypointCount {
				return fmt.Errorf("exercise: %s joint %d out of range", t, j)
			}
		}
		if r.Joints[0] == r.Joints[1] || r.Joints[1] == r.Joints[2] {
			return fmt.Errorf("exercise: %s vertex repeats an endpoint", t)
		}
		if r.Down == r.Up {
			return fmt.Errorf("exercise: %s has no dead zone (down == up == %v)", t, r.Down)
		}
		if r.Down < 0 || r.Down > 180 || r.Up < 0 || r.Up > 180 {
			return fmt.Errorf("exercise: %s thresholds outside [0,180]", t)
		}
	}
	return nil
}

// RuleFor returns the rule bound to t. It panics on an undefined type.
func RuleFor(t Type) Rule {
	if !t.Valid() {
		panic(fmt.Sprintf("exercise: no rule for %s", t))
	}
	return rules[t]
}
