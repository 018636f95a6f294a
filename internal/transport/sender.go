package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/depthrelay/internal/protocol"
	"github.com/1ureka/depthrelay/internal/util"
)

const (
	highWaterMark  = 256 * 1024      // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024       // resume sending when bufferedAmount drops below this
	sendBufferSize = 1024            // outgoing chunk channel capacity
	maxQueuedBytes = 8 * 1024 * 1024 // bytes accepted but not yet handed to the DataChannel
)

// ErrSendQueueFull is returned when a message does not fit in the outbound
// queue. The message is dropped, not retried.
var ErrSendQueueFull = errors.New("send queue full")

// ErrClosed is returned by Send after the transport has shut down.
var ErrClosed = errors.New("transport closed")

// sender is a goroutine-based chunk writer that serializes all writes to a
// single DataChannel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
	queued      atomic.Int64
	msgID       atomic.Uint32 // last message id; ids start at 1

	enqueueMu sync.Mutex // keeps the chunks of one message contiguous
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	// Phase 1: wait for DC to be open.
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	// Phase 2: send chunks with backpressure.
	for {
		select {
		case data := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			err := dc.Send(data)
			s.queued.Add(-int64(len(data)))
			if err != nil {
				util.LogError("failed to send chunk (%d bytes): %v", len(data), err)
				return
			}

			util.Stats.AddSent(len(data))
		case <-ctx.Done():
			return
		}
	}
}

// send splits msg into chunks and enqueues all of them, or none. It never
// blocks.
func (s *sender) send(ctx context.Context, msg []byte) error {
	if ctx.Err() != nil {
		return ErrClosed
	}

	chunks, err := protocol.Split(s.msgID.Add(1), msg)
	if err != nil {
		return err
	}
	size := 0
	for _, c := range chunks {
		size += len(c)
	}

	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	// Only the loop drains the inbox, so room can only grow after this check.
	if len(chunks) > cap(s.inbox)-len(s.inbox) || s.queued.Load()+int64(size) > maxQueuedBytes {
		return ErrSendQueueFull
	}
	s.queued.Add(int64(size))
	for _, c := range chunks {
		s.inbox <- c
	}
	return nil
}

// pending returns the bytes accepted but not yet handed to the DataChannel.
func (s *sender) pending() uint64 {
	if n := s.queued.Load(); n > 0 {
		return uint64(n)
	}
	return 0
}
