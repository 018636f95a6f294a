// Package frame defines the sensor-side domain types shared by every layer of
// the relay: feed identifiers, per-modality flags, raw frames and skeletons.
package frame

import "fmt"

// Kind identifies a feed. The string values are the names used on the wire.
type Kind string

const (
	Color                Kind = "color"
	Depth                Kind = "depth"
	RawDepth             Kind = "rawDepth"
	Infrared             Kind = "infrared"
	LongExposureInfrared Kind = "longExposureInfrared"
	Body                 Kind = "body"
	TrackedBody          Kind = "trackedBody"
	Key                  Kind = "key"
	RGBD                 Kind = "rgbd"
	DepthKey             Kind = "depthKey"
	Multi                Kind = "multi"
	StopAll              Kind = "stopAll"
)

// allKinds lists every Kind in canonical order.
var allKinds = []Kind{
	Color, Depth, RawDepth, Infrared, LongExposureInfrared,
	Body, TrackedBody, Key, RGBD, DepthKey, Multi, StopAll,
}

// Streamable returns the kinds a single feed can be requested for.
func Streamable() []Kind {
	var out []Kind
	for _, k := range allKinds {
		if k.IsStreamable() {
			out = append(out, k)
		}
	}
	return out
}

// ParseKind converts a wire name into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown feed %q", s)
	}
	return k, nil
}

// Valid reports whether k is one of the known feed identifiers.
func (k Kind) Valid() bool {
	for _, v := range allKinds {
		if v == k {
			return true
		}
	}
	return false
}

// IsImage reports whether frames of this kind travel as compressed images.
func (k Kind) IsImage() bool {
	switch k {
	case Color, Depth, Infrared, LongExposureInfrared, Key, RGBD, DepthKey:
		return true
	}
	return false
}

// IsBody reports whether frames of this kind carry skeletons.
func (k Kind) IsBody() bool {
	return k == Body || k == TrackedBody
}

// IsStreamable reports whether k names a concrete modality that a device
// session can stream (as opposed to the control kinds multi and stopAll).
func (k Kind) IsStreamable() bool {
	return k.Valid() && k != Multi && k != StopAll
}

func (k Kind) String() string { return string(k) }
