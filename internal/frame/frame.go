package frame

import "time"

// NoBody marks a body-index pixel that belongs to no tracked body.
const NoBody = 0xFF

// Frame is one native buffer emitted by the device session for one modality.
// Which buffers are populated depends on the kind:
//
//	color, infrared, longExposureInfrared  Pixels (RGBA) or Values (16-bit)
//	depth                                  Pixels or Values (millimetres)
//	rawDepth                               Values
//	key                                    Pixels + BodyIndex
//	depthKey                               Values + BodyIndex
//	rgbd                                   Pixels + Values
//	body, trackedBody                      Bodies (+ FloorClipPlane)
type Frame struct {
	Kind      Kind
	Width     int
	Height    int
	Pixels    []byte   // RGBA, 4 bytes per pixel
	Values    []uint16 // native 16-bit samples
	BodyIndex []byte   // 1 byte per pixel, NoBody where empty

	Bodies         []Skeleton
	FloorClipPlane *Plane

	Seq       uint64
	Timestamp time.Time
}

// PixelCount returns the expected pixel count for the frame's declared size.
func (f *Frame) PixelCount() int { return f.Width * f.Height }

// Tick is one composite callback: whichever sub-frames the device had ready.
type Tick struct {
	Frames    map[Kind]*Frame
	Seq       uint64
	Timestamp time.Time
}

// Has reports whether the tick carries a sub-frame for k.
func (t *Tick) Has(k Kind) bool {
	f, ok := t.Frames[k]
	return ok && f != nil
}

// Plane is a floor clip plane in camera space: X*x + Y*y + Z*z + W = 0.
type Plane struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
	W float64 `json:"w" msgpack:"w"`
}

// DistanceTo returns the signed distance in metres from the plane to the
// camera-space point j.
func (p Plane) DistanceTo(j Joint) float64 {
	return p.X*j.CameraX + p.Y*j.CameraY + p.Z*j.CameraZ + p.W
}
