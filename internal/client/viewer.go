package client

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/1ureka/depthrelay/internal/codec"
	"github.com/1ureka/depthrelay/internal/frame"
	"github.com/1ureka/depthrelay/internal/protocol"
	"github.com/1ureka/depthrelay/internal/signaling"
	"github.com/1ureka/depthrelay/internal/util"
)

// Link is the viewer's side of a relay connection. *transport.Transport
// implements it.
type Link interface {
	Send(msg []byte) error
	OnMessage(fn func([]byte))
	Done() <-chan struct{}
	Close() error
}

// Viewer is a headless peer: it selects a feed and tallies what arrives.
type Viewer struct {
	link    Link
	wire    protocol.WireCodec
	decoder *Decoder

	mu       sync.Mutex
	counts   map[frame.Kind]int
	multi    int
	errors   int
	ready    *protocol.Ready
	status   *protocol.Status
	lastSeen time.Time
}

// NewViewer wires a Viewer to link. Messages start flowing immediately.
func NewViewer(link Link, wire protocol.WireCodec) *Viewer {
	v := &Viewer{
		link:   link,
		wire:   wire,
		counts: make(map[frame.Kind]int),
	}
	v.decoder = NewDecoder(wire, Handlers{
		OnReady:    v.onReady,
		OnImage:    func(k frame.Kind, _ image.Image) { v.count(k) },
		OnRawDepth: func(*codec.DepthImage) { v.count(frame.RawDepth) },
		OnBodies:   func(k frame.Kind, _ []frame.Skeleton) { v.count(k) },
		OnMulti: func([]frame.Kind) {
			v.mu.Lock()
			v.multi++
			v.mu.Unlock()
		},
		OnStatus: v.onStatus,
	})

	link.OnMessage(func(msg []byte) {
		if err := v.decoder.Handle(msg); err != nil {
			v.mu.Lock()
			v.errors++
			v.mu.Unlock()
			util.LogDebug("viewer: %v", err)
		}
	})
	return v
}

// Dial connects to a relay's signaling endpoint and returns a Viewer on the
// resulting DataChannel.
func Dial(ctx context.Context, wsURL string, wire protocol.WireCodec, opts signaling.ClientOptions) (*Viewer, error) {
	tr, err := signaling.EstablishAsClient(ctx, wsURL, opts)
	if err != nil {
		return nil, err
	}
	util.LogSuccess("connected to relay as %s", tr.ID())
	return NewViewer(tr, wire), nil
}

func (v *Viewer) onReady(r protocol.Ready) {
	v.mu.Lock()
	v.ready = &r
	v.mu.Unlock()
	util.LogInfo("relay ready (peer %s, feed %s)", r.PeerID, r.Feed)
}

func (v *Viewer) onStatus(s protocol.Status) {
	v.mu.Lock()
	v.status = &s
	v.mu.Unlock()
}

func (v *Viewer) count(k frame.Kind) {
	v.mu.Lock()
	v.counts[k]++
	v.lastSeen = time.Now()
	v.mu.Unlock()
}

func (v *Viewer) send(event protocol.Event, data any) error {
	b, err := v.wire.Marshal(event, data)
	if err != nil {
		return err
	}
	return v.link.Send(b)
}

// Init announces the viewer; the relay answers with ready.
func (v *Viewer) Init() error {
	return v.send(protocol.EventInitFeed, nil)
}

// Request selects a single feed, or stopAll.
func (v *Viewer) Request(k frame.Kind) error {
	if !k.Valid() || k == frame.Multi {
		return fmt.Errorf("cannot request feed %q", k)
	}
	return v.send(protocol.EventFeed, protocol.FeedRequest{Feed: k})
}

// RequestMulti selects a set of modalities streamed together.
func (v *Viewer) RequestMulti(kinds ...frame.Kind) error {
	if _, err := frame.FlagsOf(kinds...); err != nil {
		return err
	}
	return v.send(protocol.EventMulti, protocol.MultiRequest{Frames: kinds})
}

// QueryStatus asks the relay for its status surface.
func (v *Viewer) QueryStatus() error {
	return v.send(protocol.EventStatus, nil)
}

// Counts returns the number of decoded frames per modality.
func (v *Viewer) Counts() map[frame.Kind]int {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[frame.Kind]int, len(v.counts))
	for k, n := range v.counts {
		out[k] = n
	}
	return out
}

// Ready returns the last ready message received, if any.
func (v *Viewer) Ready() (protocol.Ready, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ready == nil {
		return protocol.Ready{}, false
	}
	return *v.ready, true
}

// Status returns the last status reply received, if any.
func (v *Viewer) Status() (protocol.Status, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status == nil {
		return protocol.Status{}, false
	}
	return *v.status, true
}

// Summary formats the per-modality tallies for display.
func (v *Viewer) Summary() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	kinds := make([]string, 0, len(v.counts))
	for k := range v.counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	s := ""
	for _, k := range kinds {
		s += fmt.Sprintf("%s=%d ", k, v.counts[frame.Kind(k)])
	}
	return fmt.Sprintf("%smulti=%d errors=%d", s, v.multi, v.errors)
}

// Run blocks until ctx is cancelled or the link closes, logging a summary
// every interval.
func (v *Viewer) Run(ctx context.Context, interval time.Duration) error {
	defer v.link.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			util.LogInfo("frames: %s", v.Summary())
		case <-v.link.Done():
			return fmt.Errorf("relay connection closed")
		case <-ctx.Done():
			return nil
		}
	}
}
