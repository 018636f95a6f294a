package tunnel

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/depthrelay/internal/util"
)

// Control channel message types.
const (
	typeHTTPRequest  = "http-request"
	typeHTTPResponse = "http-response"
	typeWSOpen       = "ws-open"
	typeWSFrame      = "ws-frame"
	typeWSClose      = "ws-close"
)

type envelope struct {
	Type string `json:"type"`
}

// httpRequest is a visitor request forwarded by the relay.
type httpRequest struct {
	Type    string              `json:"type"`
	ID      string              `json:"id"`
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body,omitempty"` // base64
}

type httpResponse struct {
	Type    string              `json:"type"`
	ID      string              `json:"id"`
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body,omitempty"` // base64
}

type wsOpen struct {
	Type    string              `json:"type"`
	ID      string              `json:"id"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers,omitempty"`
}

type wsFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	IsText  bool   `json:"isText"`
	Payload string `json:"payload"` // raw for text, base64 for binary
}

type wsClose struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// localProxy replays relay traffic against the local signaling server.
type localProxy struct {
	port      int
	client    *http.Client
	writeJSON func(v any) error

	mu       sync.Mutex
	sessions map[string]*wsSession
}

// wsSession is one proxied visitor WebSocket. gorilla/websocket allows a
// single concurrent writer.
type wsSession struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (s *wsSession) write(msgType int, data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteMessage(msgType, data)
}

func newLocalProxy(port int, writeJSON func(v any) error) *localProxy {
	return &localProxy{
		port: port,
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		writeJSON: writeJSON,
		sessions:  make(map[string]*wsSession),
	}
}

func (p *localProxy) host() string {
	return fmt.Sprintf("localhost:%d", p.port)
}

// handleRequest performs req against the local server. Local failures
// become 502 responses rather than errors.
func (p *localProxy) handleRequest(req httpRequest) httpResponse {
	fail := func(msg string) httpResponse {
		return httpResponse{
			Type:   typeHTTPResponse,
			ID:     req.ID,
			Status: http.StatusBadGateway,
			Body:   base64.StdEncoding.EncodeToString([]byte(msg)),
		}
	}

	var body io.Reader
	if req.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return fail("invalid request body")
		}
		body = bytes.NewReader(decoded)
	}

	httpReq, err := http.NewRequest(req.Method, "http://"+p.host()+req.Path, body)
	if err != nil {
		return fail("failed to create request")
	}
	for k, v := range req.Headers {
		httpReq.Header[http.CanonicalHeaderKey(k)] = v
	}
	httpReq.Host = p.host()

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fail(fmt.Sprintf("failed to reach local port %d: %v", p.port, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail("failed to read local response")
	}

	return httpResponse{
		Type:    typeHTTPResponse,
		ID:      req.ID,
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    base64.StdEncoding.EncodeToString(respBody),
	}
}

// openWS dials the local WebSocket endpoint and starts pumping its frames
// back through the relay.
func (p *localProxy) openWS(msg wsOpen) {
	header := http.Header{}
	for k, vals := range msg.Headers {
		canonical := http.CanonicalHeaderKey(k)
		switch canonical {
		case "Upgrade", "Connection", "Sec-Websocket-Key",
			"Sec-Websocket-Version", "Sec-Websocket-Extensions",
			"Sec-Websocket-Protocol", "Host":
			continue // hop-by-hop; the dialer sets these
		default:
			header[canonical] = vals
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+p.host()+msg.Path, header)
	if err != nil {
		util.LogWarning("tunnel: ws open for session %s failed: %v", msg.ID, err)
		_ = p.writeJSON(wsClose{
			Type:   typeWSClose,
			ID:     msg.ID,
			Code:   websocket.CloseInternalServerErr,
			Reason: "failed to connect to local websocket",
		})
		return
	}

	sess := &wsSession{conn: conn}
	p.mu.Lock()
	p.sessions[msg.ID] = sess
	p.mu.Unlock()

	go p.pump(msg.ID, sess)
}

func (p *localProxy) pump(id string, sess *wsSession) {
	defer func() {
		sess.conn.Close()
		p.mu.Lock()
		if p.sessions[id] == sess {
			delete(p.sessions, id)
		}
		p.mu.Unlock()
	}()

	for {
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			msg := wsClose{Type: typeWSClose, ID: id, Code: websocket.CloseNormalClosure}
			if ce, ok := err.(*websocket.CloseError); ok {
				msg.Code, msg.Reason = ce.Code, ce.Text
			}
			_ = p.writeJSON(msg)
			return
		}

		frame := wsFrame{Type: typeWSFrame, ID: id}
		if msgType == websocket.TextMessage {
			frame.IsText = true
			frame.Payload = string(data)
		} else {
			frame.Payload = base64.StdEncoding.EncodeToString(data)
		}
		if err := p.writeJSON(frame); err != nil {
			util.LogDebug("tunnel: ws frame for session %s: %v", id, err)
			return
		}
	}
}

func (p *localProxy) forwardWS(msg wsFrame) {
	p.mu.Lock()
	sess := p.sessions[msg.ID]
	p.mu.Unlock()
	if sess == nil {
		return
	}

	msgType, data := websocket.TextMessage, []byte(msg.Payload)
	if !msg.IsText {
		decoded, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			util.LogDebug("tunnel: bad binary frame for session %s: %v", msg.ID, err)
			return
		}
		msgType, data = websocket.BinaryMessage, decoded
	}
	if err := sess.write(msgType, data); err != nil {
		util.LogDebug("tunnel: write to local ws %s: %v", msg.ID, err)
	}
}

func (p *localProxy) closeWS(msg wsClose) {
	p.mu.Lock()
	sess := p.sessions[msg.ID]
	delete(p.sessions, msg.ID)
	p.mu.Unlock()
	if sess == nil {
		return
	}

	code := msg.Code
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = sess.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg.Reason))
	sess.conn.Close()
}

// closeAll drops every proxied session.
func (p *localProxy) closeAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*wsSession)
	p.mu.Unlock()

	for _, s := range sessions {
		s.conn.Close()
	}
}
