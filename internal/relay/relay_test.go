package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/depthrelay/internal/codec"
	"github.com/1ureka/depthrelay/internal/feed"
	"github.com/1ureka/depthrelay/internal/frame"
	"github.com/1ureka/depthrelay/internal/history"
	"github.com/1ureka/depthrelay/internal/protocol"
	"github.com/1ureka/depthrelay/internal/sensor"
	"github.com/1ureka/depthrelay/internal/tunnel"
)

// Compile-time interface checks.
var (
	_ feed.Sink = (*Relay)(nil)
	_ Peer      = (*mockPeer)(nil)
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockPeer struct {
	id    string
	ready chan struct{}
	done  chan struct{}
	out   chan []byte

	mu    sync.Mutex
	onMsg func([]byte)
}

func newMockPeer(id string) *mockPeer {
	p := &mockPeer{
		id:    id,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
		out:   make(chan []byte, 256),
	}
	close(p.ready)
	return p
}

func (p *mockPeer) ID() string             { return p.id }
func (p *mockPeer) Ready() <-chan struct{} { return p.ready }
func (p *mockPeer) Done() <-chan struct{}  { return p.done }
func (p *mockPeer) BufferedAmount() uint64 { return 0 }

func (p *mockPeer) OnMessage(fn func([]byte)) {
	p.mu.Lock()
	p.onMsg = fn
	p.mu.Unlock()
}

func (p *mockPeer) Send(msg []byte) error {
	select {
	case p.out <- msg:
	default:
	}
	return nil
}

func (p *mockPeer) deliver(t *testing.T, event protocol.Event, data any) {
	t.Helper()
	b, err := protocol.JSON{}.Marshal(event, data)
	if err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	fn := p.onMsg
	p.mu.Unlock()
	fn(b)
}

// expect reads messages until one carries event, then decodes its data into v.
func (p *mockPeer) expect(t *testing.T, event protocol.Event, v any) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case b := <-p.out:
			in, err := protocol.JSON{}.Unmarshal(b)
			if err != nil {
				t.Fatalf("peer received malformed message: %v", err)
			}
			if in.Event != event {
				continue
			}
			if v != nil {
				if err := in.Decode(v); err != nil {
					t.Fatalf("decode %s: %v", event, err)
				}
			}
			return
		case <-deadline:
			t.Fatalf("peer never received %s", event)
		}
	}
}

// events drains whatever is queued and returns the event tags.
func (p *mockPeer) events() []protocol.Event {
	var out []protocol.Event
	for {
		select {
		case b := <-p.out:
			if in, err := (protocol.JSON{}).Unmarshal(b); err == nil {
				out = append(out, in.Event)
			}
		default:
			return out
		}
	}
}

// brokenSession fails to open, like a sensor that is not plugged in.
type brokenSession struct{}

func (brokenSession) Open() error                                         { return errors.New("sensor not found") }
func (brokenSession) Close() error                                        { return nil }
func (brokenSession) Subscribe(frame.Kind, func(*frame.Frame)) error      { return nil }
func (brokenSession) Unsubscribe(frame.Kind)                              {}
func (brokenSession) SubscribeMulti(frame.Flags, func(*frame.Tick)) error { return nil }
func (brokenSession) UnsubscribeMulti()                                   {}

type fakeEndpoint struct{}

func (fakeEndpoint) Addr() string { return "192.168.1.20:8080" }
func (fakeEndpoint) Port() int    { return 8080 }

type fakeTunnel struct{ status tunnel.Status }

func (f fakeTunnel) Status() tunnel.Status { return f.status }

type fakeRecorder struct {
	mu      sync.Mutex
	actions []string
}

func (r *fakeRecorder) Start() error { return r.do("start") }
func (r *fakeRecorder) Stop() error  { return r.do("stop") }

func (r *fakeRecorder) do(action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	feeds  []feed.State
	status int
}

func (n *fakeNotifier) FeedChanged(s feed.State) {
	n.mu.Lock()
	n.feeds = append(n.feeds, s)
	n.mu.Unlock()
}

func (n *fakeNotifier) Status(protocol.Status) {
	n.mu.Lock()
	n.status++
	n.mu.Unlock()
}

func (n *fakeNotifier) Close() error { return nil }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func synthetic() *sensor.Synthetic {
	return sensor.NewSynthetic(sensor.SyntheticConfig{Width: 8, Height: 8, FPS: 100})
}

// startRelay runs r until the test ends.
func startRelay(t *testing.T, r *Relay) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func withPeer(t *testing.T, r *Relay, id string) *mockPeer {
	t.Helper()
	p := newMockPeer(id)
	r.AddPeer(p)
	var ready protocol.Ready
	p.expect(t, protocol.EventReady, &ready)
	if ready.PeerID != id {
		t.Fatalf("ready peer id = %q", ready.PeerID)
	}
	return p
}

// ---------------------------------------------------------------------------
// Feed requests and broadcasts
// ---------------------------------------------------------------------------

func TestRelaySingleFeed(t *testing.T) {
	r := New(Options{Session: synthetic()})
	startRelay(t, r)
	p := withPeer(t, r, "a")

	p.deliver(t, protocol.EventFeed, protocol.FeedRequest{Feed: frame.Depth})

	var img protocol.ImageFrame
	p.expect(t, protocol.EventFrame, &img)
	if img.Name != frame.Depth || img.Encoding != "png" || img.Width != 8 || img.Height != 8 || len(img.ImageData) == 0 {
		t.Errorf("frame = %s %s %dx%d (%d bytes)", img.Name, img.Encoding, img.Width, img.Height, len(img.ImageData))
	}
	if got := r.Feed().String(); got != "single(depth)" {
		t.Errorf("feed = %s", got)
	}

	p.deliver(t, protocol.EventFeed, protocol.FeedRequest{Feed: frame.RawDepth})
	var raw protocol.RawDepthFrame
	p.expect(t, protocol.EventRawDepth, &raw)
	if raw.Name != frame.RawDepth || raw.Width != 8 {
		t.Errorf("rawDepth = %s %dx%d", raw.Name, raw.Width, raw.Height)
	}
}

func TestRelayMultiFeed(t *testing.T) {
	r := New(Options{Session: synthetic()})
	startRelay(t, r)
	p := withPeer(t, r, "a")

	p.deliver(t, protocol.EventMulti, protocol.MultiRequest{Frames: []frame.Kind{frame.Body, frame.Color}})

	// Sub-frames whose modality is still busy may be omitted, but every
	// bundle carries only requested kinds and at least one of them.
	var b protocol.MultiFrameBundle
	p.expect(t, protocol.EventMultiFrame, &b)
	kinds := b.Kinds()
	if len(kinds) == 0 {
		t.Fatal("empty bundle sent")
	}
	for _, k := range kinds {
		if k != frame.Color && k != frame.Body {
			t.Errorf("unrequested sub-frame %s", k)
		}
	}

	st := r.Feed()
	if st.Mode != feed.Multi || len(st.Multi) != 2 {
		t.Errorf("feed = %s", st)
	}
}

func TestRelayStopAll(t *testing.T) {
	n := &fakeNotifier{}
	r := New(Options{Session: synthetic(), Notifier: n})
	startRelay(t, r)
	p := withPeer(t, r, "a")

	p.deliver(t, protocol.EventFeed, protocol.FeedRequest{Feed: frame.Color})
	p.expect(t, protocol.EventFrame, nil)

	p.deliver(t, protocol.EventFeed, protocol.FeedRequest{Feed: frame.StopAll})
	p.deliver(t, protocol.EventStatus, nil)

	var st protocol.Status
	p.expect(t, protocol.EventStatus, &st)
	if st.Feed != "idle" {
		t.Errorf("feed after stopAll = %s", st.Feed)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.feeds) != 2 || n.feeds[0].Single != frame.Color || n.feeds[1].Mode != feed.Idle {
		t.Errorf("feed notifications = %v", n.feeds)
	}
}

// ---------------------------------------------------------------------------
// Encode completions
// ---------------------------------------------------------------------------

func TestCompleteDropsStaleEncode(t *testing.T) {
	r := New(Options{Session: synthetic()})
	p := withPeer(t, r, "a")

	if err := r.controller.Request(frame.Color); err != nil {
		t.Fatal(err)
	}
	defer r.stop()

	f := &frame.Frame{Kind: frame.Color, Width: 2, Height: 2, Pixels: make([]byte, 16)}
	payload, err := r.codec.Encode(f)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		setup func() feed.Ticket
		sent  bool
	}{
		{"current", func() feed.Ticket {
			tk, _ := r.gate.Acquire(frame.Color)
			return tk
		}, true},
		{"reset mid-encode", func() feed.Ticket {
			tk, _ := r.gate.Acquire(frame.Color)
			r.gate.Reset(frame.Color)
			return tk
		}, false},
		{"feed no longer active", func() feed.Ticket {
			tk, _ := r.gate.Acquire(frame.Depth)
			return tk
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p.events()
			tk := tt.setup()
			r.complete(encoded{ticket: tk, payload: payload})

			sent := false
			for _, e := range p.events() {
				if e == protocol.EventFrame {
					sent = true
				}
			}
			if sent != tt.sent {
				t.Errorf("frame sent = %v, want %v", sent, tt.sent)
			}
			if r.gate.Busy(tk.Kind) {
				t.Error("gate left busy")
			}
		})
	}
}

func TestCompleteEmitsFloorHeight(t *testing.T) {
	r := New(Options{Session: synthetic()})
	p := withPeer(t, r, "a")

	if err := r.controller.Request(frame.TrackedBody); err != nil {
		t.Fatal(err)
	}
	defer r.stop()

	f := &frame.Frame{
		Kind: frame.TrackedBody,
		Bodies: []frame.Skeleton{
			{Index: 0, Tracked: true, TrackingID: 42, Joints: map[frame.JointName]frame.Joint{
				frame.SpineBase: {CameraY: -0.1},
			}},
			{Index: 1},
		},
		FloorClipPlane: &frame.Plane{Y: 1, W: 1},
	}
	payload, err := r.codec.Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	tk, _ := r.gate.Acquire(frame.TrackedBody)
	r.complete(encoded{ticket: tk, payload: payload})

	var bf protocol.BodyFrame
	p.expect(t, protocol.EventTrackedBodyFrame, &bf)
	if len(bf.Bodies) != 1 || bf.Bodies[0].TrackingID != 42 {
		t.Errorf("tracked bodies = %+v", bf.Bodies)
	}

	var heights []protocol.FloorHeight
	p.expect(t, protocol.EventFloorHeight, &heights)
	if len(heights) != 1 || heights[0].TrackingID != 42 || heights[0].Height < 0.89 || heights[0].Height > 0.91 {
		t.Errorf("heights = %+v", heights)
	}
}

func TestCompleteCountsEncodeFailure(t *testing.T) {
	r := New(Options{Session: synthetic()})
	tk, _ := r.gate.Acquire(frame.Color)

	r.complete(encoded{ticket: tk, err: errors.New("boom")})
	if r.gate.Busy(frame.Color) {
		t.Error("failed encode left the gate busy")
	}
}

// TestRestartedFeedWaitsForStaleEncode stops and restarts a feed while an
// encode for it is still running: the restarted feed must not start a second
// encode on the same modality until the stale one has returned.
func TestRestartedFeedWaitsForStaleEncode(t *testing.T) {
	r := New(Options{Session: synthetic()})
	p := withPeer(t, r, "a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.controller.Request(frame.Color); err != nil {
		t.Fatal(err)
	}
	defer r.stop()

	f := &frame.Frame{Kind: frame.Color, Width: 2, Height: 2, Pixels: make([]byte, 16)}
	payload, err := r.codec.Encode(f)
	if err != nil {
		t.Fatal(err)
	}

	inFlight, _ := r.gate.Acquire(frame.Color)
	if err := r.controller.Request(frame.StopAll); err != nil {
		t.Fatal(err)
	}
	if err := r.controller.Request(frame.Color); err != nil {
		t.Fatal(err)
	}

	r.encode(ctx, f)
	select {
	case <-r.results:
		t.Fatal("second color encode started while the stale one was running")
	case <-time.After(50 * time.Millisecond):
	}

	p.events()
	r.complete(encoded{ticket: inFlight, payload: payload})
	for _, e := range p.events() {
		if e == protocol.EventFrame {
			t.Fatal("stale encode was broadcast")
		}
	}

	r.encode(ctx, f)
	select {
	case res := <-r.results:
		r.complete(res)
	case <-time.After(3 * time.Second):
		t.Fatal("encode after the stale one returned never completed")
	}
	p.expect(t, protocol.EventFrame, nil)
}

func TestSendBundleDropsStaleSubFrames(t *testing.T) {
	sub := func(k frame.Kind) *codec.Payload {
		if k == frame.Body {
			return &codec.Payload{Kind: k, Bodies: []frame.Skeleton{}}
		}
		return &codec.Payload{Kind: k, Data: []byte{1}, Encoding: codec.PNG, Width: 1, Height: 1}
	}
	bundle := func(kinds ...frame.Kind) *protocol.MultiFrameBundle {
		b := &protocol.MultiFrameBundle{}
		for _, k := range kinds {
			b.Set(sub(k))
		}
		return b
	}

	tests := []struct {
		name string
		// switchTo is requested after the tick was received; nil keeps the feed.
		switchTo []frame.Kind
		stopAll  bool
		bundle   []frame.Kind
		want     []frame.Kind
	}{
		{"unchanged feed", nil, false, []frame.Kind{frame.Color, frame.Depth}, []frame.Kind{frame.Color, frame.Depth}},
		{"switched to another multi", []frame.Kind{frame.Infrared}, false, []frame.Kind{frame.Color, frame.Depth}, nil},
		{"switched to an overlapping multi", []frame.Kind{frame.Color, frame.Infrared}, false, []frame.Kind{frame.Color, frame.Depth}, nil},
		{"restarted same multi", nil, true, []frame.Kind{frame.Color, frame.Depth}, nil},
		{"queued tick of an older multi", nil, false, []frame.Kind{frame.Color, frame.Body}, []frame.Kind{frame.Color}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(Options{Session: synthetic()})
			p := withPeer(t, r, "a")
			defer r.stop()

			initial := []frame.Kind{frame.Color, frame.Depth}
			if err := r.controller.RequestMulti(initial); err != nil {
				t.Fatal(err)
			}
			gen := r.controller.Generation()

			if tt.switchTo != nil {
				if err := r.controller.RequestMulti(tt.switchTo); err != nil {
					t.Fatal(err)
				}
			}
			if tt.stopAll {
				if err := r.controller.Request(frame.StopAll); err != nil {
					t.Fatal(err)
				}
				if err := r.controller.RequestMulti(initial); err != nil {
					t.Fatal(err)
				}
			}

			p.events()
			r.sendBundle(composed{bundle: bundle(tt.bundle...), gen: gen})

			if tt.want == nil {
				for _, e := range p.events() {
					if e == protocol.EventMultiFrame {
						t.Fatal("stale bundle was broadcast")
					}
				}
				return
			}
			var got protocol.MultiFrameBundle
			p.expect(t, protocol.EventMultiFrame, &got)
			if kinds := got.Kinds(); len(kinds) != len(tt.want) || kinds[0] != tt.want[0] || kinds[len(kinds)-1] != tt.want[len(tt.want)-1] {
				t.Errorf("bundle kinds = %v, want %v", kinds, tt.want)
			}
		})
	}
}

func TestFloorHeights(t *testing.T) {
	plane := frame.Plane{Y: 1, W: 1.2}
	bodies := []frame.Skeleton{
		{Index: 0, Tracked: true, TrackingID: 1, Joints: map[frame.JointName]frame.Joint{frame.SpineBase: {CameraY: -0.2}}},
		{Index: 1, Tracked: false, Joints: map[frame.JointName]frame.Joint{frame.SpineBase: {CameraY: 0}}},
		{Index: 2, Tracked: true, TrackingID: 3},
	}

	got := FloorHeights(bodies, plane)
	if len(got) != 1 {
		t.Fatalf("%d heights, want 1", len(got))
	}
	if got[0].BodyIndex != 0 || got[0].Joint != frame.SpineBase || got[0].Height < 0.99 || got[0].Height > 1.01 {
		t.Errorf("height = %+v", got[0])
	}
}

// ---------------------------------------------------------------------------
// Inbound events
// ---------------------------------------------------------------------------

func TestHandleEvents(t *testing.T) {
	rec := &fakeRecorder{}
	r := New(Options{Session: synthetic(), Recorder: rec, Endpoint: fakeEndpoint{}})
	p := withPeer(t, r, "a")
	defer r.stop()

	send := func(event protocol.Event, data any) {
		t.Helper()
		b, err := protocol.JSON{}.Marshal(event, data)
		if err != nil {
			t.Fatal(err)
		}
		r.handle(inbound{peer: "a", msg: b})
	}

	t.Run("initfeed", func(t *testing.T) {
		send(protocol.EventInitFeed, nil)
		var ready protocol.Ready
		p.expect(t, protocol.EventReady, &ready)
		if ready.Feed != "idle" {
			t.Errorf("ready feed = %q", ready.Feed)
		}
	})

	t.Run("status", func(t *testing.T) {
		send(protocol.EventStatus, nil)
		var st protocol.Status
		p.expect(t, protocol.EventStatus, &st)
		if st.Address != "192.168.1.20:8080" || st.Port != 8080 || st.Peers != 1 || st.Tunnel != "disabled" {
			t.Errorf("status = %+v", st)
		}
	})

	t.Run("record", func(t *testing.T) {
		send(protocol.EventRecord, protocol.RecordRequest{Action: protocol.RecordStart})
		send(protocol.EventRecord, protocol.RecordRequest{Action: protocol.RecordStop})
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if strings.Join(rec.actions, ",") != "start,stop" {
			t.Errorf("recorder actions = %v", rec.actions)
		}
	})

	t.Run("invalid requests are recorded", func(t *testing.T) {
		before := len(r.Errors())
		send(protocol.EventFeed, protocol.FeedRequest{Feed: "bogus"})
		send(protocol.EventMulti, protocol.MultiRequest{Frames: []frame.Kind{frame.Key}})
		send(protocol.EventRecord, protocol.RecordRequest{Action: "pause"})
		send("dance", nil)
		r.handle(inbound{peer: "a", msg: []byte("not json")})

		if got := len(r.Errors()) - before; got != 5 {
			t.Errorf("%d errors recorded, want 5", got)
		}
		if st := r.Feed(); st.Mode != feed.Idle {
			t.Errorf("feed = %s after invalid requests", st)
		}
	})
}

func TestRecordWithoutRecorderIsNoop(t *testing.T) {
	r := New(Options{Session: synthetic()})
	b, _ := protocol.JSON{}.Marshal(protocol.EventRecord, protocol.RecordRequest{Action: protocol.RecordStart})
	r.handle(inbound{peer: "a", msg: b})

	if n := len(r.Errors()); n != 0 {
		t.Errorf("%d errors recorded", n)
	}
}

func TestDeviceUnavailable(t *testing.T) {
	r := New(Options{Session: &brokenSession{}})
	b, _ := protocol.JSON{}.Marshal(protocol.EventFeed, protocol.FeedRequest{Feed: frame.Depth})
	r.handle(inbound{peer: "a", msg: b})

	if st := r.Feed(); st.Mode != feed.Idle {
		t.Errorf("feed = %s, want idle", st)
	}
	errs := r.Errors()
	if len(errs) != 1 || errs[0].Kind != "DeviceUnavailable" {
		t.Errorf("errors = %+v", errs)
	}
	if st := r.Status(); !strings.HasPrefix(st.RecentError, "DeviceUnavailable") {
		t.Errorf("recent error = %q", st.RecentError)
	}
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func TestStatusIncludesTunnel(t *testing.T) {
	now := time.Now()
	tn := fakeTunnel{status: tunnel.Status{
		State:           tunnel.Connected,
		PublicURL:       "https://abc.relay.example",
		LastHealthCheck: now,
		HealthOK:        true,
		RecentError:     &history.Entry{Kind: "HealthCheckFailed", Message: "status 502", At: now},
	}}
	r := New(Options{Session: synthetic(), Tunnel: tn})

	st := r.Status()
	if st.Tunnel != "connected" || st.PublicURL != "https://abc.relay.example" || !st.HealthOK {
		t.Errorf("status = %+v", st)
	}
	if st.RecentError != "HealthCheckFailed: status 502" {
		t.Errorf("recent error = %q", st.RecentError)
	}
	if st.Feed != "idle" || st.Peers != 0 {
		t.Errorf("feed = %s peers = %d", st.Feed, st.Peers)
	}
}
