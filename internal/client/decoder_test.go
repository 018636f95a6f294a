package client

import (
	"context"
	"errors"
	"image"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/depthrelay/internal/codec"
	"github.com/1ureka/depthrelay/internal/frame"
	"github.com/1ureka/depthrelay/internal/protocol"
)

func colorFrame(w, h int) *frame.Frame {
	pix := make([]byte, w*h*4)
	for i := range pix {
		pix[i] = byte(i)
	}
	return &frame.Frame{Kind: frame.Color, Width: w, Height: h, Pixels: pix}
}

func bodyFrame() *frame.Frame {
	return &frame.Frame{Kind: frame.Body, Bodies: []frame.Skeleton{
		{Index: 0, Tracked: true, TrackingID: 7, Joints: map[frame.JointName]frame.Joint{
			frame.SpineBase: {CameraY: -0.2},
		}},
		{Index: 1},
	}}
}

func encode(t *testing.T, f *frame.Frame) *codec.Payload {
	t.Helper()
	p, err := codec.New(nil).Encode(f)
	if err != nil {
		t.Fatalf("Encode %s: %v", f.Kind, err)
	}
	return p
}

func message(t *testing.T, wire protocol.WireCodec, event protocol.Event, data any) []byte {
	t.Helper()
	b, err := wire.Marshal(event, data)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}

// recorder collects handler calls.
type recorder struct {
	mu      sync.Mutex
	images  []frame.Kind
	depth   []*codec.DepthImage
	bodies  map[frame.Kind][]frame.Skeleton
	multi   [][]frame.Kind
	heights []protocol.FloorHeight
	ready   []protocol.Ready
}

func (r *recorder) handlers() Handlers {
	r.bodies = make(map[frame.Kind][]frame.Skeleton)
	return Handlers{
		OnReady: func(m protocol.Ready) { r.mu.Lock(); r.ready = append(r.ready, m); r.mu.Unlock() },
		OnImage: func(k frame.Kind, img image.Image) {
			r.mu.Lock()
			r.images = append(r.images, k)
			r.mu.Unlock()
		},
		OnRawDepth: func(d *codec.DepthImage) { r.mu.Lock(); r.depth = append(r.depth, d); r.mu.Unlock() },
		OnBodies: func(k frame.Kind, b []frame.Skeleton) {
			r.mu.Lock()
			r.bodies[k] = b
			r.mu.Unlock()
		},
		OnMulti:       func(k []frame.Kind) { r.mu.Lock(); r.multi = append(r.multi, k); r.mu.Unlock() },
		OnFloorHeight: func(h []protocol.FloorHeight) { r.mu.Lock(); r.heights = h; r.mu.Unlock() },
	}
}

var wires = []protocol.WireCodec{protocol.JSON{}, protocol.Msgpack{}}

func TestDecodeSingleFrames(t *testing.T) {
	for _, wire := range wires {
		t.Run(wire.Name(), func(t *testing.T) {
			var rec recorder
			d := NewDecoder(wire, rec.handlers())

			color := encode(t, colorFrame(8, 4))
			ev, data := protocol.FrameMessage(color)
			if err := d.Handle(message(t, wire, ev, data)); err != nil {
				t.Fatalf("frame: %v", err)
			}

			values := []uint16{0, 1234, 4500, 65535}
			raw := encode(t, &frame.Frame{Kind: frame.RawDepth, Width: 2, Height: 2, Values: values})
			ev, data = protocol.FrameMessage(raw)
			if err := d.Handle(message(t, wire, ev, data)); err != nil {
				t.Fatalf("rawDepth: %v", err)
			}

			tracked := bodyFrame()
			tracked.Kind = frame.TrackedBody
			ev, data = protocol.FrameMessage(encode(t, tracked))
			if ev != protocol.EventTrackedBodyFrame {
				t.Fatalf("event = %s", ev)
			}
			if err := d.Handle(message(t, wire, ev, data)); err != nil {
				t.Fatalf("trackedBodyFrame: %v", err)
			}

			if !slices.Equal(rec.images, []frame.Kind{frame.Color}) {
				t.Errorf("images = %v", rec.images)
			}
			if len(rec.depth) != 1 || !slices.Equal(rec.depth[0].Values, values) {
				t.Errorf("raw depth = %+v", rec.depth)
			}
			if b := rec.bodies[frame.TrackedBody]; len(b) != 1 || b[0].TrackingID != 7 {
				t.Errorf("tracked bodies = %+v", b)
			}
		})
	}
}

func TestDecodeMultiFramePartial(t *testing.T) {
	for _, wire := range wires {
		t.Run(wire.Name(), func(t *testing.T) {
			var rec recorder
			d := NewDecoder(wire, rec.handlers())

			var b protocol.MultiFrameBundle
			b.Set(encode(t, colorFrame(4, 4)))
			b.Set(encode(t, bodyFrame()))

			if err := d.Handle(message(t, wire, protocol.EventMultiFrame, &b)); err != nil {
				t.Fatalf("Handle: %v", err)
			}

			if !slices.Equal(rec.images, []frame.Kind{frame.Color}) {
				t.Errorf("images = %v", rec.images)
			}
			if len(rec.bodies[frame.Body]) != 2 {
				t.Errorf("bodies = %+v", rec.bodies)
			}
			if len(rec.depth) != 0 {
				t.Error("absent rawDepth was routed")
			}
			if len(rec.multi) != 1 || !slices.Equal(rec.multi[0], []frame.Kind{frame.Color, frame.Body}) {
				t.Errorf("multi = %v", rec.multi)
			}
		})
	}
}

func TestDecodeMultiFrameBadSubFrame(t *testing.T) {
	var rec recorder
	d := NewDecoder(protocol.JSON{}, rec.handlers())

	var b protocol.MultiFrameBundle
	b.Set(encode(t, colorFrame(4, 4)))
	b.Depth = &protocol.ImageFrame{Name: frame.Depth, ImageData: []byte("not a png"), Encoding: "png"}

	err := d.Handle(message(t, protocol.JSON{}, protocol.EventMultiFrame, &b))
	if !errors.Is(err, codec.ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
	if !slices.Equal(rec.images, []frame.Kind{frame.Color}) {
		t.Errorf("good sub-frame not delivered: %v", rec.images)
	}
	if len(rec.multi) != 1 {
		t.Error("OnMulti not called")
	}
}

func TestDecodeControlMessages(t *testing.T) {
	var rec recorder
	d := NewDecoder(protocol.JSON{}, rec.handlers())

	if err := d.Handle(message(t, protocol.JSON{}, protocol.EventReady, protocol.Ready{PeerID: "p1", Feed: "idle"})); err != nil {
		t.Fatalf("ready: %v", err)
	}
	heights := []protocol.FloorHeight{{BodyIndex: 0, TrackingID: 7, Joint: frame.SpineBase, Height: 0.95}}
	if err := d.Handle(message(t, protocol.JSON{}, protocol.EventFloorHeight, heights)); err != nil {
		t.Fatalf("floorHeightTracker: %v", err)
	}
	if err := d.Handle(message(t, protocol.JSON{}, "somethingElse", map[string]int{"x": 1})); err != nil {
		t.Errorf("unknown event err = %v", err)
	}

	if len(rec.ready) != 1 || rec.ready[0].PeerID != "p1" {
		t.Errorf("ready = %+v", rec.ready)
	}
	if len(rec.heights) != 1 || rec.heights[0].Height != 0.95 {
		t.Errorf("heights = %+v", rec.heights)
	}
}

func TestDecodeMalformed(t *testing.T) {
	d := NewDecoder(protocol.JSON{}, Handlers{})
	for _, msg := range []string{``, `{`, `{"data":1}`, `{"event":"frame"}`} {
		if err := d.Handle([]byte(msg)); !errors.Is(err, protocol.ErrMalformed) {
			t.Errorf("Handle(%q) err = %v, want ErrMalformed", msg, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Viewer
// ---------------------------------------------------------------------------

var _ Link = (*mockLink)(nil)

type mockLink struct {
	mu      sync.Mutex
	sent    [][]byte
	onMsg   func([]byte)
	done    chan struct{}
	closeMu sync.Once
}

func newMockLink() *mockLink { return &mockLink{done: make(chan struct{})} }

func (l *mockLink) Send(msg []byte) error {
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	l.mu.Unlock()
	return nil
}

func (l *mockLink) OnMessage(fn func([]byte)) { l.onMsg = fn }
func (l *mockLink) Done() <-chan struct{}     { return l.done }
func (l *mockLink) Close() error              { l.closeMu.Do(func() { close(l.done) }); return nil }

func (l *mockLink) deliver(msg []byte) { l.onMsg(msg) }

func TestViewerRequests(t *testing.T) {
	link := newMockLink()
	v := NewViewer(link, protocol.JSON{})

	if err := v.Init(); err != nil {
		t.Fatal(err)
	}
	if err := v.Request(frame.Depth); err != nil {
		t.Fatal(err)
	}
	if err := v.RequestMulti(frame.Color, frame.Body); err != nil {
		t.Fatal(err)
	}
	if err := v.RequestMulti(frame.Key); err == nil {
		t.Error("RequestMulti(key) succeeded")
	}
	if err := v.Request(frame.Multi); err == nil {
		t.Error("Request(multi) succeeded")
	}

	want := []protocol.Event{protocol.EventInitFeed, protocol.EventFeed, protocol.EventMulti}
	if len(link.sent) != len(want) {
		t.Fatalf("sent %d messages, want %d", len(link.sent), len(want))
	}
	for i, b := range link.sent {
		in, err := protocol.JSON{}.Unmarshal(b)
		if err != nil || in.Event != want[i] {
			t.Errorf("message %d = %v (%v), want %s", i, in, err, want[i])
		}
	}

	in, _ := protocol.JSON{}.Unmarshal(link.sent[2])
	var req protocol.MultiRequest
	if err := in.Decode(&req); err != nil || !slices.Equal(req.Frames, []frame.Kind{frame.Color, frame.Body}) {
		t.Errorf("multi request = %+v, %v", req, err)
	}
}

func TestViewerCounts(t *testing.T) {
	link := newMockLink()
	v := NewViewer(link, protocol.JSON{})

	ev, data := protocol.FrameMessage(encode(t, colorFrame(4, 4)))
	msg := message(t, protocol.JSON{}, ev, data)
	link.deliver(msg)
	link.deliver(msg)
	link.deliver([]byte("garbage"))
	link.deliver(message(t, protocol.JSON{}, protocol.EventReady, protocol.Ready{PeerID: "me"}))

	if n := v.Counts()[frame.Color]; n != 2 {
		t.Errorf("color count = %d, want 2", n)
	}
	if r, ok := v.Ready(); !ok || r.PeerID != "me" {
		t.Errorf("Ready = %+v, %v", r, ok)
	}
	if s := v.Summary(); s != "color=2 multi=0 errors=1" {
		t.Errorf("Summary = %q", s)
	}
}

func TestViewerRunEndsWithLink(t *testing.T) {
	link := newMockLink()
	v := NewViewer(link, protocol.JSON{})

	errCh := make(chan error, 1)
	go func() { errCh <- v.Run(context.Background(), time.Hour) }()

	link.Close()
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Run returned nil after the link closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
