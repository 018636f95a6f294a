package codec

import (
	"errors"
	"image"
	"testing"

	"github.com/1ureka/depthrelay/internal/frame"
)

func TestPackDepthExamples(t *testing.T) {
	tests := []struct {
		d    uint16
		r, g byte
	}{
		{1234, 0xD2, 0x04},
		{0, 0, 0},
		{65535, 255, 255},
	}

	for _, tt := range tests {
		dst := image.NewNRGBA(image.Rect(0, 0, 1, 1))
		if err := PackDepth(dst, []uint16{tt.d}); err != nil {
			t.Fatalf("PackDepth(%d): %v", tt.d, err)
		}
		if dst.Pix[0] != tt.r || dst.Pix[1] != tt.g || dst.Pix[2] != 0 || dst.Pix[3] != 255 {
			t.Errorf("PackDepth(%d) = %v, want R=%d G=%d B=0 A=255", tt.d, dst.Pix[:4], tt.r, tt.g)
		}
		if got := UnpackDepth(dst).Values[0]; got != tt.d {
			t.Errorf("UnpackDepth = %d, want %d", got, tt.d)
		}
	}
}

// TestRawDepthRoundTrip pushes every 16-bit value through the png container.
func TestRawDepthRoundTrip(t *testing.T) {
	const w, h = 256, 256
	values := make([]uint16, w*h)
	for i := range values {
		values[i] = uint16(i)
	}

	c := New(nil)
	p, err := c.Encode(&frame.Frame{Kind: frame.RawDepth, Width: w, Height: h, Values: values})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if p.Encoding != PNG {
		t.Fatalf("raw depth encoding = %s, want png", p.Encoding)
	}

	out, err := Decode(frame.RawDepth, p)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	d := out.(*DepthImage)
	if d.Width != w || d.Height != h {
		t.Fatalf("decoded %dx%d, want %dx%d", d.Width, d.Height, w, h)
	}
	for i, v := range values {
		if d.Values[i] != v {
			t.Fatalf("sample %d = %d, want %d", i, d.Values[i], v)
		}
	}
}

func TestRawDepthIgnoresLossyOverride(t *testing.T) {
	c := New(map[frame.Kind]Options{
		frame.RawDepth: {Format: JPEG, Quality: 10, Scale: 0.5},
	})
	o := c.Options(frame.RawDepth)
	if o.Format != PNG || o.Scale != 1 {
		t.Fatalf("raw depth options = %+v, want png at full size", o)
	}
}

func TestEncodeMismatch(t *testing.T) {
	c := New(nil)

	tests := []struct {
		name string
		f    *frame.Frame
	}{
		{"nil", nil},
		{"empty", &frame.Frame{Kind: frame.Color}},
		{"short color", &frame.Frame{Kind: frame.Color, Width: 4, Height: 4, Pixels: make([]byte, 10)}},
		{"short raw depth", &frame.Frame{Kind: frame.RawDepth, Width: 4, Height: 4, Values: make([]uint16, 15)}},
		{"key without index", &frame.Frame{Kind: frame.Key, Width: 2, Height: 2, Pixels: make([]byte, 16)}},
		{"nil bodies", &frame.Frame{Kind: frame.Body}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Encode(tt.f)
			var ee *EncodeError
			if !errors.As(err, &ee) {
				t.Fatalf("err = %v, want *EncodeError", err)
			}
			if !errors.Is(err, ErrEncode) {
				t.Fatal("EncodeError does not match ErrEncode")
			}
		})
	}
}

func TestKeyTransparency(t *testing.T) {
	pixels := []byte{
		10, 20, 30, 255,
		40, 50, 60, 255,
	}
	f := &frame.Frame{
		Kind: frame.Key, Width: 2, Height: 1,
		Pixels:    pixels,
		BodyIndex: []byte{0, frame.NoBody},
	}

	p, err := New(nil).Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(frame.Key, p)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	img := out.(image.Image)

	_, _, _, a0 := img.At(0, 0).RGBA()
	_, _, _, a1 := img.At(1, 0).RGBA()
	if a0 != 0xFFFF {
		t.Errorf("body pixel alpha = %#x, want opaque", a0)
	}
	if a1 != 0 {
		t.Errorf("background pixel alpha = %#x, want 0", a1)
	}
}

func TestColorJPEGScaled(t *testing.T) {
	const w, h = 64, 48
	c := New(map[frame.Kind]Options{frame.Color: {Scale: 0.5}})

	p, err := c.Encode(&frame.Frame{Kind: frame.Color, Width: w, Height: h, Pixels: make([]byte, w*h*4)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if p.Encoding != JPEG {
		t.Fatalf("encoding = %s, want jpeg", p.Encoding)
	}
	if p.Width != 32 || p.Height != 24 {
		t.Fatalf("scaled to %dx%d, want 32x24", p.Width, p.Height)
	}

	out, err := Decode(frame.Color, p)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b := out.(image.Image).Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Fatalf("decoded bounds %v", b)
	}
}

func TestTrackedBodyFilters(t *testing.T) {
	bodies := []frame.Skeleton{
		{Index: 0, Tracked: true},
		{Index: 1, Tracked: false},
		{Index: 2, Tracked: true},
	}

	c := New(nil)
	all, err := c.Encode(&frame.Frame{Kind: frame.Body, Bodies: bodies})
	if err != nil {
		t.Fatalf("Encode body: %v", err)
	}
	if len(all.Bodies) != 3 {
		t.Errorf("body kept %d entries, want 3", len(all.Bodies))
	}

	tracked, err := c.Encode(&frame.Frame{Kind: frame.TrackedBody, Bodies: bodies})
	if err != nil {
		t.Fatalf("Encode trackedBody: %v", err)
	}
	if len(tracked.Bodies) != 2 {
		t.Fatalf("trackedBody kept %d entries, want 2", len(tracked.Bodies))
	}
	for _, b := range tracked.Bodies {
		if !b.Tracked {
			t.Errorf("untracked body %d leaked", b.Index)
		}
	}
}

func TestDepthGrey(t *testing.T) {
	tests := []struct {
		in   uint16
		want byte
	}{
		{0, 0},
		{MaxReliableDepth, 255},
		{60000, 255},
		{MaxReliableDepth / 2, 127},
	}
	for _, tt := range tests {
		if got := depthToGrey(tt.in); got != tt.want {
			t.Errorf("depthToGrey(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
