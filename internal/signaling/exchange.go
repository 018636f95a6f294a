// Package signaling handles the WebSocket-based signaling phase for SDP/ICE
// exchange. The relay side offers; every viewer answers.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/depthrelay/internal/transport"
	"github.com/1ureka/depthrelay/internal/util"
)

// messageType identifies the kind of signaling message.
type messageType string

const (
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
)

// message is the JSON structure exchanged over the WebSocket during signaling.
type message struct {
	Type      messageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
	PeerID    string      `json:"peerId,omitempty"`    // set on the offer: the id the relay assigned
}

// errUnexpected is returned when a side receives a description it should
// have sent itself (an offer at the relay, an answer at a viewer).
var errUnexpected = errors.New("unexpected signaling message")

// exchange runs one side of the SDP/ICE handshake for a Transport over a
// signaling WebSocket.
type exchange struct {
	tr      *transport.Transport
	conn    *websocket.Conn
	offerer bool

	writeMu sync.Mutex

	// Remote candidates that arrive before the remote description are held
	// back; pion rejects them until a description is set.
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func newExchange(tr *transport.Transport, conn *websocket.Conn, offerer bool) *exchange {
	x := &exchange{tr: tr, conn: conn, offerer: offerer}
	tr.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		// Best-effort: the WS may already be closed once the channel is up.
		if err := x.write(message{Type: msgTypeCandidate, Candidate: string(data)}); err != nil {
			util.LogDebug("[%s] candidate not sent: %v", tr.ID(), err)
		}
	})
	return x
}

func (x *exchange) write(msg message) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	return x.conn.WriteJSON(msg)
}

// offer creates the local offer and sends it with the id assigned to the
// remote peer.
func (x *exchange) offer(peerID string) error {
	sdp, err := x.tr.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := x.tr.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return x.write(message{Type: msgTypeOffer, SDP: sdp.SDP, PeerID: peerID})
}

func (x *exchange) answer() error {
	sdp, err := x.tr.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := x.tr.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return x.write(message{Type: msgTypeAnswer, SDP: sdp.SDP})
}

// run reads signaling messages until the WebSocket closes or a message
// cannot be applied.
func (x *exchange) run() error {
	for {
		var msg message
		if err := x.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read WS message: %w", err)
		}

		switch msg.Type {
		case msgTypeOffer:
			if x.offerer {
				return fmt.Errorf("%w: offer", errUnexpected)
			}
			if msg.PeerID != "" {
				x.tr.SetID(msg.PeerID)
			}
			if err := x.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
				return err
			}
			if err := x.answer(); err != nil {
				return err
			}

		case msgTypeAnswer:
			if !x.offerer {
				return fmt.Errorf("%w: answer", errUnexpected)
			}
			if err := x.setRemote(webrtc.SDPTypeAnswer, msg.SDP); err != nil {
				return err
			}

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("parse ICE candidate: %w", err)
			}
			if !x.remoteSet {
				x.pending = append(x.pending, init)
				continue
			}
			if err := x.tr.AddICECandidate(init); err != nil {
				return err
			}

		default:
			util.LogDebug("[%s] ignoring signaling message %q", x.tr.ID(), msg.Type)
		}
	}
}

// setRemote applies the remote description, then any candidates that were
// held back waiting for it.
func (x *exchange) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := x.tr.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", typ, err)
	}
	x.remoteSet = true

	pending := x.pending
	x.pending = nil
	for _, c := range pending {
		if err := x.tr.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}
