package frame

// JointName names one skeleton joint (Kinect v2 topology, 25 joints).
type JointName string

const (
	SpineBase     JointName = "spineBase"
	SpineMid      JointName = "spineMid"
	Neck          JointName = "neck"
	Head          JointName = "head"
	ShoulderLeft  JointName = "shoulderLeft"
	ElbowLeft     JointName = "elbowLeft"
	WristLeft     JointName = "wristLeft"
	HandLeft      JointName = "handLeft"
	ShoulderRight JointName = "shoulderRight"
	ElbowRight    JointName = "elbowRight"
	WristRight    JointName = "wristRight"
	HandRight     JointName = "handRight"
	HipLeft       JointName = "hipLeft"
	KneeLeft      JointName = "kneeLeft"
	AnkleLeft     JointName = "ankleLeft"
	FootLeft      JointName = "footLeft"
	HipRight      JointName = "hipRight"
	KneeRight     JointName = "kneeRight"
	AnkleRight    JointName = "ankleRight"
	FootRight     JointName = "footRight"
	SpineShoulder JointName = "spineShoulder"
	HandTipLeft   JointName = "handTipLeft"
	ThumbLeft     JointName = "thumbLeft"
	HandTipRight  JointName = "handTipRight"
	ThumbRight    JointName = "thumbRight"
)

// Joints lists all joint names in device order.
var Joints = []JointName{
	SpineBase, SpineMid, Neck, Head,
	ShoulderLeft, ElbowLeft, WristLeft, HandLeft,
	ShoulderRight, ElbowRight, WristRight, HandRight,
	HipLeft, KneeLeft, AnkleLeft, FootLeft,
	HipRight, KneeRight, AnkleRight, FootRight,
	SpineShoulder, HandTipLeft, ThumbLeft, HandTipRight, ThumbRight,
}

// HandState is the open/closed classification reported for hand joints.
type HandState int

const (
	HandUnknown HandState = iota
	HandNotTracked
	HandOpen
	HandClosed
	HandLasso
)

// Joint holds one joint position. DepthX/DepthY are normalized to [0,1] in
// depth-image space; Camera* are device-space metres.
type Joint struct {
	DepthX    float64    `json:"depthX" msgpack:"depthX"`
	DepthY    float64    `json:"depthY" msgpack:"depthY"`
	CameraX   float64    `json:"cameraX" msgpack:"cameraX"`
	CameraY   float64    `json:"cameraY" msgpack:"cameraY"`
	CameraZ   float64    `json:"cameraZ" msgpack:"cameraZ"`
	HandState *HandState `json:"handState,omitempty" msgpack:"handState,omitempty"`
}

// Skeleton is one body slot. Untracked slots are still reported by the device.
type Skeleton struct {
	Index      int                 `json:"bodyIndex" msgpack:"bodyIndex"`
	Tracked    bool                `json:"tracked" msgpack:"tracked"`
	TrackingID uint64              `json:"trackingId" msgpack:"trackingId"`
	Joints     map[JointName]Joint `json:"joints,omitempty" msgpack:"joints,omitempty"`
}

// TrackedOnly returns the tracked subset of bodies, preserving order.
func TrackedOnly(bodies []Skeleton) []Skeleton {
	out := make([]Skeleton, 0, len(bodies))
	for _, b := range bodies {
		if b.Tracked {
			out = append(out, b)
		}
	}
	return out
}
