// Package relay ties the device session to the connected peers: it serves
// feed requests, runs the per-modality encode pipeline and broadcasts the
// results.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/depthrelay/internal/codec"
	"github.com/1ureka/depthrelay/internal/compose"
	"github.com/1ureka/depthrelay/internal/feed"
	"github.com/1ureka/depthrelay/internal/frame"
	"github.com/1ureka/depthrelay/internal/history"
	"github.com/1ureka/depthrelay/internal/notify"
	"github.com/1ureka/depthrelay/internal/protocol"
	"github.com/1ureka/depthrelay/internal/registry"
	"github.com/1ureka/depthrelay/internal/tunnel"
	"github.com/1ureka/depthrelay/internal/util"
)

// Peer is one remote viewer. *transport.Transport implements it.
type Peer interface {
	registry.Conn
	OnMessage(fn func([]byte))
}

// Recorder is the optional recording hook behind the record event.
type Recorder interface {
	Start() error
	Stop() error
}

// Endpoint reports where peers reach the relay. *signaling.Server implements
// it.
type Endpoint interface {
	Addr() string
	Port() int
}

// Tunnel is the part of the tunnel manager the status surface reads.
type Tunnel interface {
	Status() tunnel.Status
}

// Options configures a Relay. Only Session is required.
type Options struct {
	Session  feed.Session
	Wire     protocol.WireCodec
	Codec    map[frame.Kind]codec.Options
	Endpoint Endpoint
	Tunnel   Tunnel
	Recorder Recorder
	Notifier notify.Notifier

	// StatusInterval is how often a status snapshot is published to the
	// notifier. Zero uses DefaultStatusInterval.
	StatusInterval time.Duration
}

const DefaultStatusInterval = 10 * time.Second

// Channel sizes for the dispatch loop. Device callbacks beyond these are
// dropped, never queued.
const (
	frameQueue   = 8
	inboundQueue = 64
)

// ErrUnknownEvent is recorded for inbound events the relay does not serve.
var ErrUnknownEvent = errors.New("unknown event")

type inbound struct {
	peer string
	msg  []byte
}

// composed is a multi bundle tagged with the feed generation its tick was
// received under.
type composed struct {
	bundle *protocol.MultiFrameBundle
	gen    uint64
}

type encoded struct {
	ticket  feed.Ticket
	payload *codec.Payload
	err     error
}

// Relay is the relay-side orchestrator. All feed requests and broadcasts are
// serialized through the loop started by Run.
type Relay struct {
	opts Options
	wire protocol.WireCodec

	gate       *feed.Gate
	codec      *codec.Codec
	composer   *compose.Composer
	controller *feed.Controller
	peers      *registry.Registry
	errors     *history.History

	frames  chan *frame.Frame
	ticks   chan *frame.Tick
	bundles chan composed
	results chan encoded
	inbound chan inbound
}

// New assembles a relay. Nothing runs until Run is called.
func New(opts Options) *Relay {
	if opts.Wire == nil {
		opts.Wire = protocol.JSON{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}

	r := &Relay{
		opts:    opts,
		wire:    opts.Wire,
		gate:    feed.NewGate(),
		codec:   codec.New(opts.Codec),
		peers:   registry.New(opts.Wire),
		errors:  history.New(history.DefaultCapacity),
		frames:  make(chan *frame.Frame, frameQueue),
		ticks:   make(chan *frame.Tick, frameQueue),
		bundles: make(chan composed, frameQueue),
		results: make(chan encoded, frameQueue),
		inbound: make(chan inbound, inboundQueue),
	}
	r.composer = compose.New(r.gate, r.codec)
	r.controller = feed.NewController(opts.Session, r.gate, r)

	r.controller.OnChange(func(s feed.State) {
		util.LogInfo("feed changed: %s", s)
		r.opts.Notifier.FeedChanged(s)
	})
	r.peers.OnReady(func(c registry.Conn) any {
		return protocol.Ready{PeerID: c.ID(), Feed: r.controller.State().String()}
	})
	r.peers.OnChange(func(int) {
		r.opts.Notifier.Status(r.Status())
	})
	return r
}

// AddPeer registers p and routes its inbound messages into the loop.
func (r *Relay) AddPeer(p Peer) {
	id := p.ID()
	p.OnMessage(func(msg []byte) {
		select {
		case r.inbound <- inbound{peer: id, msg: msg}:
		default:
			util.LogWarning("peer %s: inbound queue full, dropping message", id)
		}
	})
	r.peers.Add(p)
}

// Peers exposes the connection registry.
func (r *Relay) Peers() *registry.Registry { return r.peers }

// Feed returns the current feed state.
func (r *Relay) Feed() feed.State { return r.controller.State() }

// Frame implements feed.Sink. It never blocks the device callback.
func (r *Relay) Frame(f *frame.Frame) {
	select {
	case r.frames <- f:
	default:
		util.Stats.FramesOverflow.Add(1)
	}
}

// Tick implements feed.Sink.
func (r *Relay) Tick(t *frame.Tick) {
	select {
	case r.ticks <- t:
	default:
		util.Stats.FramesOverflow.Add(1)
	}
}

// Run is the dispatch loop. It returns when ctx is cancelled, after stopping
// the active feed.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.StatusInterval)
	defer ticker.Stop()
	defer r.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case in := <-r.inbound:
			r.handle(in)

		case f := <-r.frames:
			r.encode(ctx, f)

		case res := <-r.results:
			r.complete(res)

		case t := <-r.ticks:
			go r.compose(ctx, t, r.controller.Generation())

		case c := <-r.bundles:
			r.sendBundle(c)

		case <-ticker.C:
			r.opts.Notifier.Status(r.Status())
		}
	}
}

func (r *Relay) stop() {
	if err := r.controller.Request(frame.StopAll); err != nil {
		util.LogWarning("stop feed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Frame path
// ---------------------------------------------------------------------------

// encode starts an encode for f unless its modality is still busy, in which
// case the frame is dropped.
func (r *Relay) encode(ctx context.Context, f *frame.Frame) {
	ticket, ok := r.gate.Acquire(f.Kind)
	if !ok {
		util.Stats.FramesBusy.Add(1)
		return
	}

	go func() {
		p, err := r.codec.Encode(f)
		select {
		case r.results <- encoded{ticket: ticket, payload: p, err: err}:
		case <-ctx.Done():
			r.gate.Release(ticket)
		}
	}()
}

// complete releases the gate and broadcasts the payload if its feed is still
// the one being served.
func (r *Relay) complete(res encoded) {
	current := r.gate.Release(res.ticket)
	k := res.ticket.Kind

	if res.err != nil {
		util.Stats.FramesFailed.Add(1)
		util.LogDebug("drop %s frame: %v", k, res.err)
		return
	}
	if !current || !r.controller.Active(k) {
		util.Stats.FramesStale.Add(1)
		return
	}
	util.Stats.FramesEncoded.Add(1)

	event, data := protocol.FrameMessage(res.payload)
	r.broadcast(event, data, true)

	if k == frame.TrackedBody && res.payload.FloorClipPlane != nil {
		if heights := FloorHeights(res.payload.Bodies, *res.payload.FloorClipPlane); len(heights) > 0 {
			r.broadcast(protocol.EventFloorHeight, heights, true)
		}
	}
}

func (r *Relay) compose(ctx context.Context, t *frame.Tick, gen uint64) {
	b, ok := r.composer.Compose(t)
	if !ok {
		return
	}
	select {
	case r.bundles <- composed{bundle: b, gen: gen}:
	case <-ctx.Done():
	}
}

// sendBundle broadcasts the sub-frames of c that still belong to the active
// multi feed. A feed switch after the tick arrived makes the whole bundle
// stale, even when the new feed shares some of its modalities.
func (r *Relay) sendBundle(c composed) {
	b := c.bundle
	st := r.controller.State()
	if st.Mode != feed.Multi || c.gen != r.controller.Generation() {
		util.Stats.FramesStale.Add(int64(b.Len()))
		return
	}
	for _, k := range b.Kinds() {
		if !st.Active(k) {
			b.Drop(k)
			util.Stats.FramesStale.Add(1)
		}
	}
	if b.Len() == 0 {
		return
	}
	r.broadcast(protocol.EventMultiFrame, b, true)
}

func (r *Relay) broadcast(event protocol.Event, data any, lossy bool) {
	res, err := r.peers.Broadcast(event, data, lossy)
	if err != nil {
		r.record(err)
		util.LogWarning("broadcast %s: %v", event, err)
		return
	}
	if res.Failed > 0 {
		util.LogDebug("broadcast %s: sent=%d skipped=%d failed=%d", event, res.Sent, res.Skipped, res.Failed)
	}
}

// FloorHeights returns the height of every tracked body's spine base above
// plane.
func FloorHeights(bodies []frame.Skeleton, plane frame.Plane) []protocol.FloorHeight {
	var out []protocol.FloorHeight
	for _, b := range bodies {
		if !b.Tracked {
			continue
		}
		j, ok := b.Joints[frame.SpineBase]
		if !ok {
			continue
		}
		out = append(out, protocol.FloorHeight{
			BodyIndex:  b.Index,
			TrackingID: b.TrackingID,
			Joint:      frame.SpineBase,
			Height:     plane.DistanceTo(j),
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Inbound events
// ---------------------------------------------------------------------------

func (r *Relay) handle(in inbound) {
	msg, err := r.wire.Unmarshal(in.msg)
	if err != nil {
		r.record(err)
		util.LogWarning("peer %s: %v", in.peer, err)
		return
	}
	util.LogDebug("peer %s: %s", in.peer, msg.Event)

	switch msg.Event {
	case protocol.EventInitFeed:
		r.reply(in.peer, protocol.EventReady, protocol.Ready{PeerID: in.peer, Feed: r.controller.State().String()})

	case protocol.EventFeed:
		var req protocol.FeedRequest
		if err = msg.Decode(&req); err == nil {
			err = r.controller.Request(req.Feed)
		}

	case protocol.EventMulti:
		var req protocol.MultiRequest
		if err = msg.Decode(&req); err == nil {
			err = r.controller.RequestMulti(req.Frames)
		}

	case protocol.EventRecord:
		var req protocol.RecordRequest
		if err = msg.Decode(&req); err == nil {
			err = r.recordAction(req.Action)
		}

	case protocol.EventStatus:
		r.reply(in.peer, protocol.EventStatus, r.Status())

	default:
		err = fmt.Errorf("%w %q", ErrUnknownEvent, msg.Event)
	}

	if err != nil {
		r.record(err)
		util.LogWarning("peer %s: %s: %v", in.peer, msg.Event, err)
	}
}

func (r *Relay) recordAction(action string) error {
	if r.opts.Recorder == nil {
		util.LogWarning("record %s ignored: no recorder configured", action)
		return nil
	}
	switch action {
	case protocol.RecordStart:
		return r.opts.Recorder.Start()
	case protocol.RecordStop:
		return r.opts.Recorder.Stop()
	}
	return fmt.Errorf("%w: unknown record action %q", feed.ErrInvalidRequest, action)
}

func (r *Relay) reply(peer string, event protocol.Event, data any) {
	if err := r.peers.Send(peer, event, data); err != nil {
		util.LogDebug("reply %s: %v", event, err)
	}
}

func (r *Relay) record(err error) {
	r.errors.Record(err)
}

// Errors returns the relay's recent request and encode errors, newest first.
func (r *Relay) Errors() []history.Entry { return r.errors.Entries() }

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// Status snapshots the status surface.
func (r *Relay) Status() protocol.Status {
	s := protocol.Status{
		Peers:  r.peers.Count(),
		Feed:   r.controller.State().String(),
		Tunnel: "disabled",
	}
	if ep := r.opts.Endpoint; ep != nil {
		s.Address = ep.Addr()
		s.Port = ep.Port()
	}

	var recent []history.Entry
	if e, ok := r.errors.Latest(); ok {
		recent = append(recent, e)
	}
	if e, ok := r.peers.LastError(); ok {
		recent = append(recent, e)
	}

	if r.opts.Tunnel != nil {
		ts := r.opts.Tunnel.Status()
		s.Tunnel = string(ts.State)
		s.PublicURL = ts.PublicURL
		s.LastHealthCheck = ts.LastHealthCheck
		s.HealthOK = ts.HealthOK
		if ts.RecentError != nil {
			recent = append(recent, *ts.RecentError)
		}
	}

	var latest *history.Entry
	for i := range recent {
		if latest == nil || recent[i].At.After(latest.At) {
			latest = &recent[i]
		}
	}
	if latest != nil {
		s.RecentError = latest.Kind + ": " + latest.Message
	}
	return s
}
