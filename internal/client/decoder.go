// Package client turns wire messages from a relay back into images, depth
// samples and skeletons. It is what a Go peer uses in place of a browser.
package client

import (
	"errors"
	"fmt"
	"image"

	"github.com/1ureka/depthrelay/internal/codec"
	"github.com/1ureka/depthrelay/internal/frame"
	"github.com/1ureka/depthrelay/internal/protocol"
)

// Handlers receive decoded messages. Nil handlers are skipped.
type Handlers struct {
	OnReady       func(protocol.Ready)
	OnImage       func(kind frame.Kind, img image.Image)
	OnRawDepth    func(*codec.DepthImage)
	OnBodies      func(kind frame.Kind, bodies []frame.Skeleton)
	OnMulti       func(kinds []frame.Kind)
	OnFloorHeight func([]protocol.FloorHeight)
	OnStatus      func(protocol.Status)
}

// Decoder dispatches inbound wire messages by event tag.
type Decoder struct {
	wire     protocol.WireCodec
	handlers Handlers
}

// NewDecoder creates a Decoder for messages encoded with wire.
func NewDecoder(wire protocol.WireCodec, h Handlers) *Decoder {
	return &Decoder{wire: wire, handlers: h}
}

// Handle decodes one complete wire message. Unknown events are ignored.
func (d *Decoder) Handle(msg []byte) error {
	in, err := d.wire.Unmarshal(msg)
	if err != nil {
		return err
	}

	switch in.Event {
	case protocol.EventReady:
		var r protocol.Ready
		if in.HasData() {
			if err := in.Decode(&r); err != nil {
				return err
			}
		}
		if d.handlers.OnReady != nil {
			d.handlers.OnReady(r)
		}

	case protocol.EventFrame:
		var f protocol.ImageFrame
		if err := in.Decode(&f); err != nil {
			return err
		}
		return d.route(f.Payload())

	case protocol.EventRawDepth:
		var f protocol.RawDepthFrame
		if err := in.Decode(&f); err != nil {
			return err
		}
		return d.route(f.Payload())

	case protocol.EventBodyFrame, protocol.EventTrackedBodyFrame:
		var f protocol.BodyFrame
		if err := in.Decode(&f); err != nil {
			return err
		}
		if f.Name == "" {
			f.Name = frame.Body
			if in.Event == protocol.EventTrackedBodyFrame {
				f.Name = frame.TrackedBody
			}
		}
		return d.route(f.Payload())

	case protocol.EventMultiFrame:
		var b protocol.MultiFrameBundle
		if err := in.Decode(&b); err != nil {
			return err
		}
		return d.multi(&b)

	case protocol.EventFloorHeight:
		var heights []protocol.FloorHeight
		if err := in.Decode(&heights); err != nil {
			return err
		}
		if d.handlers.OnFloorHeight != nil {
			d.handlers.OnFloorHeight(heights)
		}

	case protocol.EventStatus:
		var s protocol.Status
		if err := in.Decode(&s); err != nil {
			return err
		}
		if d.handlers.OnStatus != nil {
			d.handlers.OnStatus(s)
		}
	}
	return nil
}

// multi routes every present sub-frame on its own, then reports the set.
// A sub-frame that fails to decode does not stop the others.
func (d *Decoder) multi(b *protocol.MultiFrameBundle) error {
	kinds := b.Kinds()
	var errs []error
	for _, k := range kinds {
		if err := d.route(b.Payload(k)); err != nil {
			errs = append(errs, fmt.Errorf("multi %s: %w", k, err))
		}
	}
	if d.handlers.OnMulti != nil {
		d.handlers.OnMulti(kinds)
	}
	return errors.Join(errs...)
}

func (d *Decoder) route(p *codec.Payload) error {
	v, err := codec.Decode(p.Kind, p)
	if err != nil {
		return err
	}

	switch v := v.(type) {
	case image.Image:
		if d.handlers.OnImage != nil {
			d.handlers.OnImage(p.Kind, v)
		}
	case *codec.DepthImage:
		if d.handlers.OnRawDepth != nil {
			d.handlers.OnRawDepth(v)
		}
	case []frame.Skeleton:
		if d.handlers.OnBodies != nil {
			d.handlers.OnBodies(p.Kind, v)
		}
	}
	return nil
}
