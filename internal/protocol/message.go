// Package protocol defines the wire messages exchanged with remote peers and
// the chunk framing that carries them over a DataChannel.
package protocol

import (
	"time"

	"github.com/1ureka/depthrelay/internal/codec"
	"github.com/1ureka/depthrelay/internal/frame"
)

// Event tags a wire message. Peers dispatch on the tag alone.
type Event string

// Events consumed by the relay.
const (
	EventInitFeed Event = "initfeed"
	EventFeed     Event = "feed"
	EventMulti    Event = "multi"
	EventRecord   Event = "record"
	EventStatus   Event = "status" // also produced, as the reply
)

// Events produced by the relay.
const (
	EventReady            Event = "ready"
	EventFrame            Event = "frame"
	EventBodyFrame        Event = "bodyFrame"
	EventTrackedBodyFrame Event = "trackedBodyFrame"
	EventRawDepth         Event = "rawDepth"
	EventMultiFrame       Event = "multiFrame"
	EventFloorHeight      Event = "floorHeightTracker"
)

// ImageFrame carries one compressed image modality.
type ImageFrame struct {
	Name      frame.Kind `json:"name" msgpack:"name"`
	ImageData []byte     `json:"imagedata" msgpack:"imagedata"`
	Encoding  string     `json:"encoding" msgpack:"encoding"`
	Width     int        `json:"width" msgpack:"width"`
	Height    int        `json:"height" msgpack:"height"`
}

// RawDepthFrame carries 16-bit depth packed into a lossless png.
type RawDepthFrame struct {
	Name      frame.Kind `json:"name" msgpack:"name"`
	ImageData []byte     `json:"imagedata" msgpack:"imagedata"`
	Width     int        `json:"width" msgpack:"width"`
	Height    int        `json:"height" msgpack:"height"`
}

// BodyFrame carries a skeleton list.
type BodyFrame struct {
	Name           frame.Kind       `json:"name" msgpack:"name"`
	Bodies         []frame.Skeleton `json:"bodies" msgpack:"bodies"`
	FloorClipPlane *frame.Plane     `json:"floorClipPlane,omitempty" msgpack:"floorClipPlane,omitempty"`
}

// MultiFrameBundle holds whichever sub-frames were ready on one tick.
type MultiFrameBundle struct {
	Color                *ImageFrame    `json:"color,omitempty" msgpack:"color,omitempty"`
	Depth                *ImageFrame    `json:"depth,omitempty" msgpack:"depth,omitempty"`
	RawDepth             *RawDepthFrame `json:"rawDepth,omitempty" msgpack:"rawDepth,omitempty"`
	Infrared             *ImageFrame    `json:"infrared,omitempty" msgpack:"infrared,omitempty"`
	LongExposureInfrared *ImageFrame    `json:"longExposureInfrared,omitempty" msgpack:"longExposureInfrared,omitempty"`
	Body                 *BodyFrame     `json:"body,omitempty" msgpack:"body,omitempty"`
}

// Kinds lists the sub-frames present, in canonical order.
func (b *MultiFrameBundle) Kinds() []frame.Kind {
	var out []frame.Kind
	if b.Color != nil {
		out = append(out, frame.Color)
	}
	if b.Depth != nil {
		out = append(out, frame.Depth)
	}
	if b.RawDepth != nil {
		out = append(out, frame.RawDepth)
	}
	if b.Infrared != nil {
		out = append(out, frame.Infrared)
	}
	if b.LongExposureInfrared != nil {
		out = append(out, frame.LongExposureInfrared)
	}
	if b.Body != nil {
		out = append(out, frame.Body)
	}
	return out
}

// Len returns the number of sub-frames present.
func (b *MultiFrameBundle) Len() int { return len(b.Kinds()) }

// Set stores an encoded payload under its modality. Modalities that cannot
// appear in a multi-feed are ignored and reported false.
func (b *MultiFrameBundle) Set(p *codec.Payload) bool {
	switch p.Kind {
	case frame.Color:
		b.Color = NewImageFrame(p)
	case frame.Depth:
		b.Depth = NewImageFrame(p)
	case frame.RawDepth:
		b.RawDepth = NewRawDepthFrame(p)
	case frame.Infrared:
		b.Infrared = NewImageFrame(p)
	case frame.LongExposureInfrared:
		b.LongExposureInfrared = NewImageFrame(p)
	case frame.Body:
		b.Body = NewBodyFrame(p)
	default:
		return false
	}
	return true
}

// Drop removes the sub-frame for k, if present.
func (b *MultiFrameBundle) Drop(k frame.Kind) {
	switch k {
	case frame.Color:
		b.Color = nil
	case frame.Depth:
		b.Depth = nil
	case frame.RawDepth:
		b.RawDepth = nil
	case frame.Infrared:
		b.Infrared = nil
	case frame.LongExposureInfrared:
		b.LongExposureInfrared = nil
	case frame.Body:
		b.Body = nil
	}
}

// Payload returns the encoded sub-frame for k, or nil.
func (b *MultiFrameBundle) Payload(k frame.Kind) *codec.Payload {
	switch k {
	case frame.Color:
		return b.Color.Payload()
	case frame.Depth:
		return b.Depth.Payload()
	case frame.RawDepth:
		return b.RawDepth.Payload()
	case frame.Infrared:
		return b.Infrared.Payload()
	case frame.LongExposureInfrared:
		return b.LongExposureInfrared.Payload()
	case frame.Body:
		return b.Body.Payload()
	}
	return nil
}

func NewImageFrame(p *codec.Payload) *ImageFrame {
	return &ImageFrame{Name: p.Kind, ImageData: p.Data, Encoding: string(p.Encoding), Width: p.Width, Height: p.Height}
}

func NewRawDepthFrame(p *codec.Payload) *RawDepthFrame {
	return &RawDepthFrame{Name: frame.RawDepth, ImageData: p.Data, Width: p.Width, Height: p.Height}
}

func NewBodyFrame(p *codec.Payload) *BodyFrame {
	return &BodyFrame{Name: p.Kind, Bodies: p.Bodies, FloorClipPlane: p.FloorClipPlane}
}

func (f *ImageFrame) Payload() *codec.Payload {
	if f == nil {
		return nil
	}
	return &codec.Payload{Kind: f.Name, Data: f.ImageData, Encoding: codec.Format(f.Encoding), Width: f.Width, Height: f.Height}
}

func (f *RawDepthFrame) Payload() *codec.Payload {
	if f == nil {
		return nil
	}
	return &codec.Payload{Kind: frame.RawDepth, Data: f.ImageData, Encoding: codec.PNG, Width: f.Width, Height: f.Height}
}

func (f *BodyFrame) Payload() *codec.Payload {
	if f == nil {
		return nil
	}
	return &codec.Payload{Kind: f.Name, Bodies: f.Bodies, FloorClipPlane: f.FloorClipPlane}
}

// FrameMessage picks the event tag and body for a single encoded frame.
func FrameMessage(p *codec.Payload) (Event, any) {
	switch p.Kind {
	case frame.RawDepth:
		return EventRawDepth, NewRawDepthFrame(p)
	case frame.Body:
		return EventBodyFrame, NewBodyFrame(p)
	case frame.TrackedBody:
		return EventTrackedBodyFrame, NewBodyFrame(p)
	}
	return EventFrame, NewImageFrame(p)
}

// FeedRequest selects a single feed (or stopAll).
type FeedRequest struct {
	Feed frame.Kind `json:"feed" msgpack:"feed"`
}

// MultiRequest selects a set of modalities streamed together. Order is
// irrelevant; the set is combined as a flag mask.
type MultiRequest struct {
	Frames []frame.Kind `json:"frames" msgpack:"frames"`
}

// Record actions.
const (
	RecordStart = "start"
	RecordStop  = "stop"
)

// RecordRequest starts or stops a recording.
type RecordRequest struct {
	Action string `json:"action" msgpack:"action"`
}

// FloorHeight reports how high a tracked body's joint is above the floor
// plane, in metres.
type FloorHeight struct {
	BodyIndex  int             `json:"bodyIndex" msgpack:"bodyIndex"`
	TrackingID uint64          `json:"trackingId" msgpack:"trackingId"`
	Joint      frame.JointName `json:"joint" msgpack:"joint"`
	Height     float64         `json:"height" msgpack:"height"`
}

// Ready is sent once to each peer when its channel opens.
type Ready struct {
	PeerID string `json:"peerId" msgpack:"peerId"`
	Feed   string `json:"feed" msgpack:"feed"`
}

// Status is the status query surface.
type Status struct {
	Address         string    `json:"address" msgpack:"address"`
	PeerID          string    `json:"peerId,omitempty" msgpack:"peerId,omitempty"`
	Port            int       `json:"port" msgpack:"port"`
	Peers           int       `json:"peers" msgpack:"peers"`
	Feed            string    `json:"feed" msgpack:"feed"`
	Tunnel          string    `json:"tunnel" msgpack:"tunnel"`
	PublicURL       string    `json:"publicUrl,omitempty" msgpack:"publicUrl,omitempty"`
	LastHealthCheck time.Time `json:"lastHealthCheck,omitzero" msgpack:"lastHealthCheck,omitempty"`
	HealthOK        bool      `json:"healthOk" msgpack:"healthOk"`
	RecentError     string    `json:"recentError,omitempty" msgpack:"recentError,omitempty"`
}
