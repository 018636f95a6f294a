package compose

import (
	"reflect"
	"sync"
	"testing"

	"github.com/1ureka/depthrelay/internal/codec"
	"github.com/1ureka/depthrelay/internal/feed"
	"github.com/1ureka/depthrelay/internal/frame"
)

// stubEncoder returns a tiny payload per kind, fails the kinds in fail and
// runs hook (if any) before returning.
type stubEncoder struct {
	mu    sync.Mutex
	calls []frame.Kind
	fail  map[frame.Kind]bool
	hook  func(k frame.Kind)
}

func (s *stubEncoder) Encode(f *frame.Frame) (*codec.Payload, error) {
	s.mu.Lock()
	s.calls = append(s.calls, f.Kind)
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(f.Kind)
	}
	if s.fail[f.Kind] {
		return nil, &codec.EncodeError{Feed: f.Kind, Reason: "test"}
	}
	return &codec.Payload{Kind: f.Kind, Data: []byte(f.Kind)}, nil
}

func tick(kinds ...frame.Kind) *frame.Tick {
	t := &frame.Tick{Frames: make(map[frame.Kind]*frame.Frame)}
	for _, k := range kinds {
		t.Frames[k] = &frame.Frame{Kind: k}
	}
	return t
}

func TestPartialBundle(t *testing.T) {
	c := New(feed.NewGate(), &stubEncoder{})

	// depth was requested but did not complete this tick.
	b, ok := c.Compose(tick(frame.Color, frame.Body))
	if !ok {
		t.Fatal("Compose returned no bundle")
	}
	if got := b.Kinds(); !reflect.DeepEqual(got, []frame.Kind{frame.Color, frame.Body}) {
		t.Fatalf("bundle keys = %v, want [color body]", got)
	}
	if b.Depth != nil {
		t.Error("depth present in bundle")
	}
}

func TestBusySubFrameOmitted(t *testing.T) {
	g := feed.NewGate()
	c := New(g, &stubEncoder{})

	// A previous tick's depth encode is still running.
	held, _ := g.Acquire(frame.Depth)

	b, ok := c.Compose(tick(frame.Color, frame.Depth))
	if !ok {
		t.Fatal("Compose returned no bundle")
	}
	if got := b.Kinds(); !reflect.DeepEqual(got, []frame.Kind{frame.Color}) {
		t.Fatalf("bundle keys = %v, want [color]", got)
	}
	if !g.Busy(frame.Depth) {
		t.Error("Compose released a ticket it did not own")
	}
	g.Release(held)
}

func TestFailedSubFrameOmitted(t *testing.T) {
	g := feed.NewGate()
	c := New(g, &stubEncoder{fail: map[frame.Kind]bool{frame.Infrared: true}})

	b, ok := c.Compose(tick(frame.Infrared, frame.Body))
	if !ok {
		t.Fatal("Compose returned no bundle")
	}
	if got := b.Kinds(); !reflect.DeepEqual(got, []frame.Kind{frame.Body}) {
		t.Fatalf("bundle keys = %v, want [body]", got)
	}
	if g.Busy(frame.Infrared) {
		t.Error("failed encode left infrared busy")
	}
}

func TestEmptyTickSendsNothing(t *testing.T) {
	g := feed.NewGate()
	enc := &stubEncoder{fail: map[frame.Kind]bool{frame.Color: true}}
	c := New(g, enc)

	if _, ok := c.Compose(tick()); ok {
		t.Error("empty tick produced a bundle")
	}
	if _, ok := c.Compose(nil); ok {
		t.Error("nil tick produced a bundle")
	}
	if _, ok := c.Compose(tick(frame.Color)); ok {
		t.Error("tick whose only sub-frame failed produced a bundle")
	}

	held, _ := g.Acquire(frame.Depth)
	defer g.Release(held)
	if _, ok := c.Compose(tick(frame.Depth)); ok {
		t.Error("tick whose only sub-frame was busy produced a bundle")
	}
}

func TestStaleSubFrameOmitted(t *testing.T) {
	g := feed.NewGate()
	enc := &stubEncoder{}
	// The feed is stopped while color is encoding.
	enc.hook = func(k frame.Kind) {
		if k == frame.Color {
			g.Reset(frame.Color)
		}
	}
	c := New(g, enc)

	b, ok := c.Compose(tick(frame.Color, frame.Body))
	if !ok {
		t.Fatal("Compose returned no bundle")
	}
	if b.Color != nil {
		t.Error("stale color sub-frame forwarded")
	}
	if b.Body == nil {
		t.Error("body sub-frame missing")
	}
}
