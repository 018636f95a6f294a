// Package transport wraps one WebRTC PeerConnection and its DataChannel as a
// message-oriented link to a single remote peer.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/depthrelay/internal/protocol"
	"github.com/1ureka/depthrelay/internal/util"
)

// Options configures a Transport.
type Options struct {
	ID         string   // peer id reported by ID()
	ICEServers []string // STUN/TURN urls; DefaultSTUNServers when empty
}

// Transport wraps a single PeerConnection + DataChannel pair, providing a
// high-level API for signaling exchange, message sending with backpressure,
// and message receiving.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state is recorded and a failed
// connection shuts the transport down.
type Transport struct {
	id string
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewTransport creates a Transport backed by a new PeerConnection and a
// pre-negotiated DataChannel. The caller should perform signaling via the
// exposed methods (CreateOffer / CreateAnswer / …) and then use Send /
// OnMessage for data transfer.
//
// The Transport is considered alive as long as the DataChannel is open and
// ctx has not been cancelled.
func NewTransport(ctx context.Context, opts Options) (*Transport, error) {
	pc, err := newPeerConnection(opts.ICEServers)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		id:         opts.ID,
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(t.openSignal) })
	})

	// DC close → cancel transport context.
	dc.OnClose(func() {
		util.LogDebug("[%s] DataChannel closed", t.ID())
		tCancel()
	})

	// Record PC state; a failed or closed connection ends the transport.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[%s] PeerConnection state: %s", t.ID(), state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()

		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			tCancel()
		}
	})

	// Start the sender goroutine.
	t.sender = newSender(tCtx, dc, t.openSignal)

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// ID returns the peer id.
func (t *Transport) ID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

// SetID replaces the peer id, e.g. with the one the relay assigned during
// signaling.
func (t *Transport) SetID(id string) {
	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
}

// Ready returns a channel that is closed when the DataChannel is open and
// the Transport is ready to send and receive.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down
// (DataChannel closed, connection failed or parent context cancelled).
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.cancel()
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues one wire message. It never blocks: when the outbound queue
// cannot take the whole message it returns ErrSendQueueFull.
func (t *Transport) Send(msg []byte) error {
	return t.sender.send(t.ctx, msg)
}

// BufferedAmount returns the outbound bytes not yet on the wire: queued
// chunks plus the DataChannel's own buffer.
func (t *Transport) BufferedAmount() uint64 {
	return t.sender.pending() + t.dc.BufferedAmount()
}

// OnMessage registers a callback invoked for every complete inbound wire
// message. Malformed parts are logged and dropped.
func (t *Transport) OnMessage(fn func([]byte)) {
	r := protocol.NewReassembler(protocol.DefaultMaxPending)
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))

		data, ok, err := r.Accept(msg.Data)
		if err != nil {
			util.LogDebug("[%s] dropping chunk: %v", t.ID(), err)
			return
		}
		if ok {
			fn(data)
		}
	})
}
