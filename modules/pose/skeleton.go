package pose

// Limb groups a skeleton edge for coloring.
type Limb int

const (
	LimbHead Limb = iota
	LimbTorso
	LimbArm
	LimbLeg
)

// String returns the limb group name.
func (l Limb) String() string {
	switch l {
	case LimbHead:
		return "head"
	case LimbTorso:
		return "torso"
	case LimbArm:
		return "arm"
	default:
		return "leg"
	}
}

// Edge connects two keypoints in the skeleton overlay.
type Edge struct {
	From, To int
	Limb     Limb
}

// Skeleton is the COCO body skeleton drawn by renderers.
var Skeleton = []Edge{
	{Nose, LeftEye, LimbHead},
	{Nose, RightEye, LimbHead},
	{LeftEye, LeftEar, LimbHead},
	{RightEye, RightEar, LimbHead},

	{LeftShoulder, RightShoulder, LimbTorso},
	{LeftShoulder, LeftHip, LimbTorso},
	{RightShoulder, RightHip, LimbTorso},
	{LeftHip, RightHip, LimbTorso},

	{LeftShoulder, LeftElbow, LimbArm},
	{LeftElbow, LeftWrist, LimbArm},
	{RightShoulder, RightElbow, LimbArm},
	{RightElbow, RightWrist, LimbArm},

	{LeftHip, LeftKnee, LimbLeg},
	{LeftKnee, LeftAnkle, LimbLeg},
	{RightHip, RightKnee, LimbLeg},
	{RightKnee, RightAnkle, LimbLeg},
}

// VisibleEdges returns the skeleton edges whose endpoints are both valid.
func (r PoseResult) VisibleEdges() []Edge {
	if r.Empty() {
		return nil
	}
	var out []Edge
	for _, e := range Skeleton {
		if e.From < len(r.Keypoints) && e.To < len(r.Keypoints) &&
			r.Keypoints[e.From].Valid() && r.Keypoints[e.To].Valid() {
			out = append(out, e)
		}
	}
	return out
}
