package feed

import (
	"sync"

	"github.com/1ureka/depthrelay/internal/frame"
)

// slotState is the per-modality busy record.
type slotState uint8

const (
	slotIdle slotState = iota
	slotEncoding
)

// A reset marks the running encode stale but leaves the slot encoding: the
// codec surface is still in use until that encode returns its ticket.
type slot struct {
	state  slotState
	gen    uint64 // bumped on every reset; tickets from older generations are stale
	holder uint64 // id of the ticket that owns the slot while encoding
	issued uint64
}

// Ticket is handed out by Acquire and must be returned through Release once the
// encode finishes, whether it succeeded or not.
type Ticket struct {
	Kind frame.Kind
	id   uint64
	gen  uint64
}

// gateOp names the transitions accepted by Gate.apply.
type gateOp uint8

const (
	opAcquire gateOp = iota
	opRelease
	opReset
)

// Gate enforces at most one in-flight encode per modality. Frames that arrive
// while their modality is encoding are dropped by the caller, never queued.
type Gate struct {
	mu    sync.Mutex
	slots map[frame.Kind]*slot
}

// NewGate creates a gate with every modality idle.
func NewGate() *Gate {
	return &Gate{slots: make(map[frame.Kind]*slot)}
}

// apply is the only place slot records change.
func (g *Gate) apply(op gateOp, k frame.Kind, t Ticket) (Ticket, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[k]
	if !ok {
		s = &slot{}
		g.slots[k] = s
	}

	switch op {
	case opAcquire:
		if s.state == slotEncoding {
			return Ticket{}, false
		}
		s.issued++
		s.holder = s.issued
		s.state = slotEncoding
		return Ticket{Kind: k, id: s.holder, gen: s.gen}, true

	case opRelease:
		owned := t.id != 0 && s.state == slotEncoding && s.holder == t.id
		if owned {
			s.state = slotIdle
		}
		return t, owned && t.gen == s.gen

	case opReset:
		s.gen++
		return Ticket{}, true
	}
	return Ticket{}, false
}

// Acquire marks k as encoding. It returns false when k is already busy; the
// caller must drop the frame.
func (g *Gate) Acquire(k frame.Kind) (Ticket, bool) {
	return g.apply(opAcquire, k, Ticket{})
}

// Release clears the busy flag held by t. It reports whether the ticket is
// still current: false means the modality was reset (feed stopped) while the
// encode was in flight and its output must be discarded.
func (g *Gate) Release(t Ticket) bool {
	_, current := g.apply(opRelease, t.Kind, t)
	return current
}

// Reset invalidates any outstanding ticket for k. An encode still in flight
// keeps k busy until it is released, so a restarted feed never runs a second
// encode against the same surface.
func (g *Gate) Reset(k frame.Kind) {
	g.apply(opReset, k, Ticket{})
}

// ResetAll resets every modality the gate has seen.
func (g *Gate) ResetAll() {
	g.mu.Lock()
	kinds := make([]frame.Kind, 0, len(g.slots))
	for k := range g.slots {
		kinds = append(kinds, k)
	}
	g.mu.Unlock()

	for _, k := range kinds {
		g.Reset(k)
	}
}

// Busy reports whether k has an encode in flight.
func (g *Gate) Busy(k frame.Kind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[k]
	return ok && s.state == slotEncoding
}
