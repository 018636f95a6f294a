// Package history keeps a bounded, newest-first record of errors together with
// per-kind tallies. It backs the status surface of the tunnel manager and the
// peer registry, where failures happen asynchronously to any caller.
package history

import (
	"errors"
	"sync"
	"time"
)

// DefaultCapacity is the ring size used when none is given.
const DefaultCapacity = 10

// Kinded is implemented by errors that classify themselves.
type Kinded interface {
	Kind() string
}

// KindOf returns the kind of err: the first Kinded error in its chain, or
// "unknown".
func KindOf(err error) string {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "unknown"
}

// Entry is one recorded error.
type Entry struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// History is a fixed-capacity ring buffer of entries. Safe for concurrent use.
type History struct {
	mu     sync.Mutex
	buf    []Entry
	next   int // slot the next entry is written to
	size   int
	counts map[string]int
	now    func() time.Time
}

// New creates a History holding at most capacity entries.
func New(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{
		buf:    make([]Entry, capacity),
		counts: make(map[string]int),
		now:    time.Now,
	}
}

// Record appends err, overwriting the oldest entry once full.
func (h *History) Record(err error) Entry {
	return h.RecordKind(KindOf(err), err)
}

// RecordKind appends err under an explicit kind.
func (h *History) RecordKind(kind string, err error) Entry {
	e := Entry{Kind: kind, At: h.now()}
	if err != nil {
		e.Message = err.Error()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = e
	h.next = (h.next + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
	h.counts[kind]++
	return e
}

// Entries returns the recorded entries, newest first.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Entry, 0, h.size)
	for i := 1; i <= h.size; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}

// Latest returns the newest entry, if any.
func (h *History) Latest() (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size == 0 {
		return Entry{}, false
	}
	return h.buf[(h.next-1+len(h.buf))%len(h.buf)], true
}

// Len returns the number of entries held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Counts returns a copy of the per-kind tallies. Tallies are not bounded by
// the ring capacity.
func (h *History) Counts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]int, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}

// Clear drops all entries and tallies.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clear(h.buf)
	h.next = 0
	h.size = 0
	h.counts = make(map[string]int)
}
