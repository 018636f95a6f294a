package sensor

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/1ureka/depthrelay/internal/feed"
	"github.com/1ureka/depthrelay/internal/frame"
)

// Compile-time interface checks.
var (
	_ feed.Session = (*Synthetic)(nil)
	_ feed.Session = (*SharedMemory)(nil)
)

func TestDeriveNeedsEverySource(t *testing.T) {
	full := NewSynthetic(SyntheticConfig{Width: 4, Height: 2, FPS: 30}).Next()
	colorOnly := &Sample{Width: 4, Height: 2, Color: full.Color}

	tests := []struct {
		kind       frame.Kind
		full, part bool
	}{
		{frame.Color, true, true},
		{frame.Depth, true, false},
		{frame.RawDepth, true, false},
		{frame.Infrared, true, false},
		{frame.LongExposureInfrared, true, false},
		{frame.Body, true, false},
		{frame.TrackedBody, true, false},
		{frame.Key, true, false},
		{frame.DepthKey, true, false},
		{frame.RGBD, true, false},
		{frame.Multi, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if _, ok := full.derive(tt.kind); ok != tt.full {
				t.Errorf("derive from full sample = %v, want %v", ok, tt.full)
			}
			if _, ok := colorOnly.derive(tt.kind); ok != tt.part {
				t.Errorf("derive from color-only sample = %v, want %v", ok, tt.part)
			}
		})
	}
}

func TestSyntheticSample(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{Width: 16, Height: 8, FPS: 30})
	smp := s.Next()

	if len(smp.Color) != 16*8*4 || len(smp.Depth) != 16*8 || len(smp.BodyIndex) != 16*8 {
		t.Fatalf("buffer sizes color=%d depth=%d index=%d", len(smp.Color), len(smp.Depth), len(smp.BodyIndex))
	}
	if len(smp.Bodies) != bodySlots {
		t.Fatalf("%d body slots, want %d", len(smp.Bodies), bodySlots)
	}
	tracked := frame.TrackedOnly(smp.Bodies)
	if len(tracked) != 1 {
		t.Fatalf("%d tracked bodies, want 1", len(tracked))
	}
	h := smp.Floor.DistanceTo(tracked[0].Joints[frame.SpineBase])
	if h < 0.89 || h > 0.91 {
		t.Errorf("spine base height = %.3f, want 0.9", h)
	}
	if s.Next().Seq != smp.Seq+1 {
		t.Error("sequence did not advance")
	}
}

func TestSyntheticSubscriptions(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{Width: 8, Height: 8, FPS: 200})

	if err := s.Subscribe(frame.Color, func(*frame.Frame) {}); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Subscribe before Open err = %v", err)
	}
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	frames := make(chan *frame.Frame, 64)
	if err := s.Subscribe(frame.Depth, func(f *frame.Frame) {
		select {
		case frames <- f:
		default:
		}
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Subscribe(frame.Depth, func(*frame.Frame) {}); !errors.Is(err, ErrAlreadySubscribed) {
		t.Errorf("second Subscribe err = %v", err)
	}
	if err := s.Subscribe(frame.StopAll, func(*frame.Frame) {}); err == nil {
		t.Error("Subscribe(stopAll) succeeded")
	}

	select {
	case f := <-frames:
		if f.Kind != frame.Depth || len(f.Values) != 64 {
			t.Errorf("frame = %s with %d values", f.Kind, len(f.Values))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no depth frame")
	}

	ticks := make(chan *frame.Tick, 64)
	flags, _ := frame.FlagsOf(frame.Color, frame.Body)
	if err := s.SubscribeMulti(flags, func(tk *frame.Tick) {
		select {
		case ticks <- tk:
		default:
		}
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case tk := <-ticks:
		if !tk.Has(frame.Color) || !tk.Has(frame.Body) || len(tk.Frames) != 2 {
			t.Errorf("tick frames = %v", tk.Frames)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
	}

	s.Close()
	if err := s.Subscribe(frame.Color, func(*frame.Frame) {}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Subscribe after Close err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Shared memory
// ---------------------------------------------------------------------------

func TestSharedMemoryDispatchesOnlyNewSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.shm")
	w, err := CreateSharedMemory(path, 4, 2)
	if err != nil {
		t.Fatalf("CreateSharedMemory: %v", err)
	}
	defer w.Close()

	// Written before the reader opens: stale, never dispatched.
	if err := w.Write(&Sample{Depth: make([]uint16, 8)}); err != nil {
		t.Fatal(err)
	}

	r := NewSharedMemory(SharedMemoryConfig{Path: path, FPS: 200})
	if err := r.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	depth := make(chan *frame.Frame, 16)
	bodies := make(chan *frame.Frame, 16)
	r.Subscribe(frame.RawDepth, func(f *frame.Frame) { depth <- f })
	r.Subscribe(frame.TrackedBody, func(f *frame.Frame) { bodies <- f })

	select {
	case <-depth:
		t.Fatal("stale slot dispatched")
	case <-time.After(50 * time.Millisecond):
	}

	values := []uint16{0, 1, 1234, 4500, 8000, 65535, 42, 7}
	if err := w.Write(&Sample{Depth: values}); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-depth:
		if !slices.Equal(f.Values, values) || f.Width != 4 || f.Height != 2 {
			t.Errorf("frame = %dx%d %v", f.Width, f.Height, f.Values)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no depth frame")
	}

	// No new write, no new dispatch.
	select {
	case <-depth:
		t.Fatal("slot dispatched twice")
	case <-time.After(50 * time.Millisecond):
	}

	smp := NewSynthetic(SyntheticConfig{Width: 4, Height: 2}).Next()
	if err := w.Write(&Sample{Bodies: smp.Bodies, Floor: smp.Floor}); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-bodies:
		if len(f.Bodies) != bodySlots || f.FloorClipPlane == nil || f.FloorClipPlane.W != 1 {
			t.Errorf("body frame = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no body frame")
	}
	if len(depth) != 0 {
		t.Error("body write re-dispatched depth")
	}
}

func TestSharedMemoryWriterRejectsWrongSize(t *testing.T) {
	w, err := CreateSharedMemory(filepath.Join(t.TempDir(), "frames.shm"), 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Write(&Sample{Color: make([]byte, 4)}); err == nil {
		t.Error("short color buffer accepted")
	}
	if err := w.Write(&Sample{Infrared: make([]uint16, 9)}); err == nil {
		t.Error("long infrared buffer accepted")
	}
}

func TestSharedMemoryOpenErrors(t *testing.T) {
	dir := t.TempDir()

	missing := NewSharedMemory(SharedMemoryConfig{Path: filepath.Join(dir, "missing")})
	if err := missing.Open(); err == nil {
		t.Error("Open of a missing file succeeded")
	}

	junk := filepath.Join(dir, "junk")
	if err := os.WriteFile(junk, make([]byte, 256), 0644); err != nil {
		t.Fatal(err)
	}
	bad := NewSharedMemory(SharedMemoryConfig{Path: junk})
	if err := bad.Open(); !errors.Is(err, ErrBadLayout) {
		t.Errorf("Open of junk err = %v, want ErrBadLayout", err)
	}
}
