// Package sensor provides device sessions: the frame sources the feed
// controller subscribes to. Synthetic generates test patterns; SharedMemory
// reads frames that the native driver bridge writes into a mapped file.
package sensor

import (
	"errors"
	"time"

	"github.com/1ureka/depthrelay/internal/frame"
)

var (
	// ErrNotOpen is returned when subscribing to a closed session.
	ErrNotOpen = errors.New("sensor session not open")
	// ErrAlreadySubscribed is returned when a kind (or the multi reader)
	// already has a listener.
	ErrAlreadySubscribed = errors.New("already subscribed")
)

// Sample is one device tick: whichever native buffers the driver produced.
// Every image buffer shares Width x Height. Absent buffers are nil.
type Sample struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int

	Color     []byte   // RGBA
	Depth     []uint16 // millimetres
	Infrared  []uint16
	LongIR    []uint16
	BodyIndex []byte // NoBody where empty

	Bodies []frame.Skeleton // nil when the body source did not fire
	Floor  *frame.Plane
}

// derive builds the frame for feed k from the sample's native buffers. It
// reports false when a source k needs is missing.
func (s *Sample) derive(k frame.Kind) (*frame.Frame, bool) {
	f := &frame.Frame{
		Kind:      k,
		Width:     s.Width,
		Height:    s.Height,
		Seq:       s.Seq,
		Timestamp: s.Timestamp,
	}

	switch k {
	case frame.Color:
		f.Pixels = s.Color
		return f, s.Color != nil
	case frame.Depth, frame.RawDepth:
		f.Values = s.Depth
		return f, s.Depth != nil
	case frame.Infrared:
		f.Values = s.Infrared
		return f, s.Infrared != nil
	case frame.LongExposureInfrared:
		f.Values = s.LongIR
		return f, s.LongIR != nil
	case frame.Body, frame.TrackedBody:
		f.Width, f.Height = 0, 0
		f.Bodies, f.FloorClipPlane = s.Bodies, s.Floor
		return f, s.Bodies != nil
	case frame.Key:
		f.Pixels, f.BodyIndex = s.Color, s.BodyIndex
		return f, s.Color != nil && s.BodyIndex != nil
	case frame.DepthKey:
		f.Values, f.BodyIndex = s.Depth, s.BodyIndex
		return f, s.Depth != nil && s.BodyIndex != nil
	case frame.RGBD:
		f.Pixels, f.Values = s.Color, s.Depth
		return f, s.Color != nil && s.Depth != nil
	}
	return nil, false
}
