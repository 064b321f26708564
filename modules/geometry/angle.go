// Package geometry computes joint angles from 2D body keypoints.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Point is a position in pixel coordinates.
//
// The origin (0,0) is reserved as the invalid sentinel: keypoints that fail
// the confidence filter are normalized to it and never take part in an angle.
type Point struct {
	X float64
	Y float64
}

// Sentinel is the position assigned to invalid keypoints.
var Sentinel = Point{}

// IsSentinel reports whether p is the invalid sentinel.
func (p Point) IsSentinel() bool {
	return p.X == 0 && p.Y == 0
}

func (p Point) vec() r2.Vec {
	return r2.Vec{X: p.X, Y: p.Y}
}

// Angle returns the angle at vertex b formed by the rays b→a and b→c, in
// degrees within [0, 180].
//
// It returns false when any point is the sentinel or when either ray has zero
// length (coincident points), since no angle is defined there.
func Angle(a, b, c Point) (float64, bool) {
	if a.IsSentinel() || b.IsSentinel() || c.IsSentinel() {
		return 0, false
	}

	ba := r2.Sub(a.vec(), b.vec())
	bc := r2.Sub(c.vec(), b.vec())

	norms := r2.Norm(ba) * r2.Norm(bc)
	if norms == 0 || math.IsNaN(norms) || math.IsInf(norms, 0) {
		return 0, false
	}

	cos := r2.Dot(ba, bc) / norms
	// Rounding can push the cosine just outside acos's domain.
	cos = math.Max(-1, math.Min(1, cos))

	return math.Acos(cos) * 180 / math.Pi, true
}

// JointAngle evaluates Angle over an ordered joint triple, vertex in the
// middle, looked up in points.
func JointAngle(points []Point, joints [3]int) (float64, bool) {
	for _, j := range joints {
		if j < 0 || j >= len(points) {
			return 0, false
		}
	}
	return Angle(points[joints[0]], points[joints[1]], points[joints[2]])
}
