package protocol

import (
	"container/heap"

	"github.com/1ureka/depthrelay/internal/util"
)

// DefaultMaxPending bounds how many partially received messages a
// Reassembler holds at once.
const DefaultMaxPending = 16

// Reassembler rebuilds wire messages from chunks. Chunks of one message may
// arrive in any order and interleaved with other messages. It is used by the
// single DataChannel receive goroutine and needs no locking.
type Reassembler struct {
	maxPending int
	pending    map[uint32]*partial
	order      idHeap // oldest message id first; may hold ids already completed
}

type partial struct {
	parts    [][]byte
	received int
	size     int
}

// NewReassembler creates a reassembler holding at most maxPending partial
// messages; when full, the oldest partial message is discarded.
func NewReassembler(maxPending int) *Reassembler {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Reassembler{
		maxPending: maxPending,
		pending:    make(map[uint32]*partial),
	}
}

// Accept takes one DataChannel message. Unframed messages are complete as
// they are; parts are collected until their message is whole.
func (r *Reassembler) Accept(data []byte) (msg []byte, ok bool, err error) {
	if !Framed(data) {
		return data, true, nil
	}
	c, err := DecodeChunk(data)
	if err != nil {
		return nil, false, err
	}
	msg, ok = r.Feed(c)
	return msg, ok, nil
}

// Feed processes one chunk. ok is true when the chunk completes a message,
// which is then returned.
func (r *Reassembler) Feed(c *Chunk) (msg []byte, ok bool) {
	p, found := r.pending[c.MsgID]
	if !found {
		r.evict()
		p = &partial{parts: make([][]byte, c.Count)}
		r.pending[c.MsgID] = p
		heap.Push(&r.order, c.MsgID)
	}

	if int(c.Count) != len(p.parts) {
		util.LogDebug("[%08x] chunk count changed from %d to %d, dropping message", c.MsgID, len(p.parts), c.Count)
		delete(r.pending, c.MsgID)
		return nil, false
	}
	if p.parts[c.Index] != nil {
		util.LogDebug("[%08x] duplicate chunk %d, ignoring", c.MsgID, c.Index)
		return nil, false
	}

	p.parts[c.Index] = c.Payload
	p.received++
	p.size += len(c.Payload)
	if p.received < len(p.parts) {
		return nil, false
	}

	delete(r.pending, c.MsgID)
	msg = make([]byte, 0, p.size)
	for _, part := range p.parts {
		msg = append(msg, part...)
	}
	return msg, true
}

// Pending returns the number of partially received messages.
func (r *Reassembler) Pending() int { return len(r.pending) }

// evict drops the oldest partial messages until there is room for one more.
func (r *Reassembler) evict() {
	for len(r.pending) >= r.maxPending && r.order.Len() > 0 {
		id := heap.Pop(&r.order).(uint32)
		if _, ok := r.pending[id]; ok {
			util.LogDebug("[%08x] discarding incomplete message", id)
			delete(r.pending, id)
		}
	}
	// Drop ids of messages that have since completed.
	for r.order.Len() > 0 {
		if _, ok := r.pending[r.order[0]]; ok {
			break
		}
		heap.Pop(&r.order)
	}
}

// ---------------------------------------------------------------------------
// idHeap implements a min-heap of message ids.
// ---------------------------------------------------------------------------

type idHeap []uint32

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) { *h = append(*h, x.(uint32)) }

func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
