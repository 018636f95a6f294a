package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/depthrelay/internal/transport"
	"github.com/1ureka/depthrelay/internal/util"
)

// ClientOptions configures EstablishAsClient.
type ClientOptions struct {
	ICEServers []string
	Timeout    time.Duration // 0 means 30s
}

// EstablishAsClient executes the full viewer-side signaling flow:
//  1. Connect to the relay's WS endpoint
//  2. Create a Transport
//  3. Answer the relay's Offer and exchange ICE candidates
//  4. Wait for the DataChannel to be ready
//  5. Close the WS connection (resource cleanup)
//  6. Return the ready Transport, carrying the peer id the relay assigned
func EstablishAsClient(ctx context.Context, wsURL string, opts ClientOptions) (*transport.Transport, error) {
	// 1. Connect to WS server.
	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("WS connected: %s", wsURL)

	// 2. Create Transport.
	tr, err := transport.NewTransport(ctx, transport.Options{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create Transport: %w", err)
	}

	// 3. Answer the relay's Offer; the offer also carries our peer id.
	x := newExchange(tr, wsConn, false)

	errCh := make(chan error, 1)
	go func() {
		errCh <- x.run() // Exits when wsConn is closed (deferred above); no ctx needed.
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = negotiateTimeout
	}
	return awaitReady(ctx, tr, errCh, timeout)
}

// awaitReady blocks until tr's DataChannel opens. On any other outcome tr is
// closed and an error returned.
func awaitReady(ctx context.Context, tr *transport.Transport, errCh <-chan error, timeout time.Duration) (*transport.Transport, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tr.Ready():
		util.LogDebug("[%s] WebRTC DataChannel established, closing WS", tr.ID())
		return tr, nil

	case err := <-errCh:
		// If WS closed because tr.Ready() already fired, that's fine.
		select {
		case <-tr.Ready():
			return tr, nil
		default:
		}
		tr.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-timer.C:
		tr.Close()
		return nil, fmt.Errorf("signaling timed out after %s", timeout)

	case <-ctx.Done():
		tr.Close()
		return nil, ctx.Err()
	}
}
