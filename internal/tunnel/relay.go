package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/depthrelay/internal/util"
)

const keepaliveInterval = 30 * time.Second

type registerRequest struct {
	ClientID string `json:"clientId"`
	Ports    []int  `json:"ports"`
	Protocol string `json:"protocol"`
}

// registerResponse maps each local port to its public subdomain.
type registerResponse struct {
	Tunnels map[int]string `json:"tunnels"`
	Error   string         `json:"error,omitempty"`
}

// RelayProvider exposes the local port through a public relay server. It
// registers over HTTP, then holds a WebSocket control channel on which the
// relay forwards visitor HTTP requests and WebSocket sessions.
type RelayProvider struct {
	baseURL  *url.URL
	clientID string
	client   *http.Client

	mu     sync.Mutex
	conn   *websocket.Conn
	proxy  *localProxy
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelayProvider creates a provider for the relay at baseURL
// (e.g. https://relay.example.com).
func NewRelayProvider(baseURL string) (*RelayProvider, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid relay url %q: scheme must be http or https", baseURL)
	}
	return &RelayProvider{
		baseURL:  u,
		clientID: uuid.NewString(),
		client:   &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Open registers the port and connects the control channel.
func (p *RelayProvider) Open(ctx context.Context, opts Options) (string, error) {
	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		return "", errors.New("relay tunnel already open")
	}
	p.mu.Unlock()

	subdomain, err := p.register(ctx, opts)
	if err != nil {
		return "", err
	}

	scheme := "wss"
	if p.baseURL.Scheme == "http" {
		scheme = "ws"
	}
	wsURL := fmt.Sprintf("%s://%s/_tunnel?subdomain=%s", scheme, p.baseURL.Host, url.QueryEscape(subdomain))
	header := http.Header{"Authorization": {"Bearer " + opts.Token}}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return "", fmt.Errorf("relay control channel: %w", err)
	}

	sCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}
	writeText := func(msg string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, []byte(msg))
	}

	px := newLocalProxy(opts.LocalPort, writeJSON)

	p.mu.Lock()
	p.conn, p.proxy, p.cancel, p.done = conn, px, cancel, done
	p.mu.Unlock()

	go p.keepalive(sCtx, writeText)
	go func() {
		defer close(done)
		if err := p.serve(conn, px); err != nil && sCtx.Err() == nil {
			util.LogWarning("tunnel: control channel closed: %v", err)
		}
	}()

	return p.publicURL(subdomain), nil
}

func (p *RelayProvider) register(ctx context.Context, opts Options) (string, error) {
	body, err := json.Marshal(registerRequest{
		ClientID: p.clientID,
		Ports:    []int{opts.LocalPort},
		Protocol: opts.Protocol,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL.String()+"/api/register", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+opts.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("register: %w", ErrAuthRequired)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("register: relay returned status %d", resp.StatusCode)
	}

	var res registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	if res.Error != "" {
		return "", fmt.Errorf("register: relay error: %s", res.Error)
	}
	subdomain, ok := res.Tunnels[opts.LocalPort]
	if !ok || subdomain == "" {
		return "", fmt.Errorf("register: no tunnel assigned for port %d", opts.LocalPort)
	}
	return subdomain, nil
}

func (p *RelayProvider) publicURL(subdomain string) string {
	return fmt.Sprintf("%s://%s.%s", p.baseURL.Scheme, subdomain, p.baseURL.Host)
}

func (p *RelayProvider) keepalive(ctx context.Context, writeText func(string) error) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeText("ping"); err != nil {
				util.LogDebug("tunnel: keepalive failed: %v", err)
				return
			}
		}
	}
}

// serve dispatches relay messages until the control channel closes.
func (p *RelayProvider) serve(conn *websocket.Conn, px *localProxy) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if string(message) == "pong" {
			continue
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			util.LogDebug("tunnel: bad control message: %v", err)
			continue
		}

		switch env.Type {
		case typeHTTPRequest:
			var req httpRequest
			if err := json.Unmarshal(message, &req); err != nil {
				continue
			}
			go func() {
				if err := px.writeJSON(px.handleRequest(req)); err != nil {
					util.LogDebug("tunnel: send response %s: %v", req.ID, err)
				}
			}()
		case typeWSOpen:
			var msg wsOpen
			if err := json.Unmarshal(message, &msg); err == nil {
				go px.openWS(msg)
			}
		case typeWSFrame:
			var msg wsFrame
			if err := json.Unmarshal(message, &msg); err == nil {
				px.forwardWS(msg)
			}
		case typeWSClose:
			var msg wsClose
			if err := json.Unmarshal(message, &msg); err == nil {
				px.closeWS(msg)
			}
		default:
			util.LogDebug("tunnel: unknown control message %q", env.Type)
		}
	}
}

// Close tears down the control channel and every proxied session. It is
// safe to call when nothing is open.
func (p *RelayProvider) Close() error {
	p.mu.Lock()
	conn, px, cancel, done := p.conn, p.proxy, p.cancel, p.done
	p.conn, p.proxy, p.cancel, p.done = nil, nil, nil, nil
	p.mu.Unlock()

	if conn == nil {
		return nil
	}

	cancel()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(time.Second))
	err := conn.Close()
	px.closeAll()
	<-done
	return err
}

// ---------------------------------------------------------------------------
// Prober
// ---------------------------------------------------------------------------

// HTTPProber checks a public URL by fetching its /healthz endpoint through
// the tunnel.
type HTTPProber struct {
	Client *http.Client
}

// Probe returns nil on a 2xx response. Otherwise the error carries the
// response body, so relay messages such as "tunnel not found" survive.
func (p HTTPProber) Probe(ctx context.Context, publicURL string) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(publicURL, "/")+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("health check: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
