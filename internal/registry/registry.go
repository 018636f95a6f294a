// Package registry tracks the connected peers and broadcasts wire messages to
// them.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/depthrelay/internal/history"
	"github.com/1ureka/depthrelay/internal/protocol"
	"github.com/1ureka/depthrelay/internal/util"
)

// Conn is one peer's transport as the registry sees it.
type Conn interface {
	ID() string
	// Ready is closed once the channel is open.
	Ready() <-chan struct{}
	// Done is closed when the channel closes or fails.
	Done() <-chan struct{}
	// BufferedAmount is the number of outbound bytes not yet on the wire.
	BufferedAmount() uint64
	Send(msg []byte) error
}

// ErrPeerSend is matched by every SendError.
var ErrPeerSend = errors.New("peer send failed")

// ErrUnknownPeer is returned by Send for an id that is not registered.
var ErrUnknownPeer = errors.New("unknown peer")

// SendError records a failed send to one peer. The peer stays registered;
// removal is driven by its transport closing.
type SendError struct {
	PeerID string
	Event  protocol.Event
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s to peer %s: %v", e.Event, e.PeerID, e.Err)
}

func (e *SendError) Unwrap() []error { return []error{ErrPeerSend, e.Err} }

// Kind classifies the error for history tallies.
func (e *SendError) Kind() string { return "PeerSendError" }

// Result summarizes one broadcast.
type Result struct {
	Sent    int
	Skipped int // lossy targets with a non-empty outbound buffer, or not yet open
	Failed  int
}

// Registry owns the set of connected peers. Safe for concurrent use.
type Registry struct {
	wire   protocol.WireCodec
	errors *history.History

	mu        sync.RWMutex
	conns     map[string]Conn
	readyData func(Conn) any
	onChange  func(count int)
}

// New creates an empty registry encoding messages with wire.
func New(wire protocol.WireCodec) *Registry {
	return &Registry{
		wire:   wire,
		errors: history.New(history.DefaultCapacity),
		conns:  make(map[string]Conn),
	}
}

// OnReady sets the data sent with each peer's ready message.
func (r *Registry) OnReady(fn func(Conn) any) {
	r.mu.Lock()
	r.readyData = fn
	r.mu.Unlock()
}

// OnChange registers a callback invoked with the new peer count after every
// add and remove.
func (r *Registry) OnChange(fn func(count int)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Add records conn, sends it a ready message once its channel opens and
// removes it when it closes. Adding an id twice replaces the old record.
func (r *Registry) Add(conn Conn) {
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	n := len(r.conns)
	onChange := r.onChange
	r.mu.Unlock()

	util.Stats.PeersAdded.Add(1)
	util.LogInfo("peer %s added (%d connected)", conn.ID(), n)
	if onChange != nil {
		onChange(n)
	}

	go r.watch(conn)
}

func (r *Registry) watch(conn Conn) {
	select {
	case <-conn.Ready():
	case <-conn.Done():
		r.Remove(conn)
		return
	}

	r.mu.RLock()
	readyData := r.readyData
	r.mu.RUnlock()

	var data any
	if readyData != nil {
		data = readyData(conn)
	}
	if err := r.sendTo(conn, protocol.EventReady, data); err != nil {
		util.LogWarning("%v", err)
	}

	<-conn.Done()
	r.Remove(conn)
}

// Remove forgets conn. Removing a connection that is not (or no longer)
// registered does nothing. It reports whether conn was removed.
func (r *Registry) Remove(conn Conn) bool {
	r.mu.Lock()
	cur, ok := r.conns[conn.ID()]
	if !ok || cur != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, conn.ID())
	n := len(r.conns)
	onChange := r.onChange
	r.mu.Unlock()

	util.Stats.PeersRemoved.Add(1)
	util.LogInfo("peer %s removed (%d connected)", conn.ID(), n)
	if onChange != nil {
		onChange(n)
	}
	return true
}

// Count returns the number of registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs returns the registered peer ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// snapshot copies the connection set so that broadcasts are unaffected by
// peers joining or leaving mid-iteration.
func (r *Registry) snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast encodes the message once and sends it to every open peer. In
// lossy mode a peer whose outbound buffer is non-empty is skipped; the message
// is never queued for it. A failing peer does not stop the broadcast. The
// error is non-nil only when the message cannot be encoded.
func (r *Registry) Broadcast(event protocol.Event, data any, lossy bool) (Result, error) {
	var res Result

	msg, err := r.wire.Marshal(event, data)
	if err != nil {
		return res, err
	}

	for _, c := range r.snapshot() {
		if !isOpen(c) || (lossy && c.BufferedAmount() > 0) {
			res.Skipped++
			util.Stats.MessagesSkipped.Add(1)
			continue
		}
		if err := c.Send(msg); err != nil {
			res.Failed++
			r.recordSendError(c, event, err)
			continue
		}
		res.Sent++
	}
	return res, nil
}

// Send delivers one message to a single peer.
func (r *Registry) Send(id string, event protocol.Event, data any) error {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return r.sendTo(c, event, data)
}

func (r *Registry) sendTo(c Conn, event protocol.Event, data any) error {
	msg, err := r.wire.Marshal(event, data)
	if err != nil {
		return err
	}
	if err := c.Send(msg); err != nil {
		return r.recordSendError(c, event, err)
	}
	return nil
}

func (r *Registry) recordSendError(c Conn, event protocol.Event, err error) error {
	se := &SendError{PeerID: c.ID(), Event: event, Err: err}
	r.errors.Record(se)
	util.Stats.SendErrors.Add(1)
	util.LogDebug("%v", se)
	return se
}

// Errors returns the recent send errors, newest first.
func (r *Registry) Errors() []history.Entry { return r.errors.Entries() }

// LastError returns the most recent send error, if any.
func (r *Registry) LastError() (history.Entry, bool) { return r.errors.Latest() }

// ErrorCounts returns the send-error tallies by kind.
func (r *Registry) ErrorCounts() map[string]int { return r.errors.Counts() }

func isOpen(c Conn) bool {
	select {
	case <-c.Done():
		return false
	default:
	}
	select {
	case <-c.Ready():
		return true
	default:
		return false
	}
}
