package transport

import (
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when no ICE servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ICEServers converts configured server urls. A TURN url may carry its
// credentials in userinfo form, e.g. turn:user:secret@turn.example:3478,
// which pion expects as separate fields.
func ICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		urls = DefaultSTUNServers
	}

	var plain []string
	var out []webrtc.ICEServer
	for _, raw := range urls {
		scheme, rest, ok := strings.Cut(strings.TrimSpace(raw), ":")
		at := strings.LastIndex(rest, "@")
		if !ok || at < 0 || !strings.HasPrefix(scheme, "turn") {
			plain = append(plain, raw)
			continue
		}

		user, pass, _ := strings.Cut(rest[:at], ":")
		if u, err := url.PathUnescape(user); err == nil {
			user = u
		}
		if p, err := url.PathUnescape(pass); err == nil {
			pass = p
		}
		out = append(out, webrtc.ICEServer{
			URLs:       []string{scheme + ":" + rest[at+1:]},
			Username:   user,
			Credential: pass,
		})
	}
	if len(plain) > 0 {
		out = append([]webrtc.ICEServer{{URLs: plain}}, out...)
	}
	return out
}

func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ICEServers(iceServers)})
}

// newDataChannel creates the pre-negotiated frame channel (id 0) so both
// sides can create it without OnDataChannel. Ordered delivery keeps the
// chunks of one frame contiguous, so the receiver rarely holds more than one
// partial message.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered, negotiated := true, true
	var id uint16

	return pc.CreateDataChannel("frames", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
