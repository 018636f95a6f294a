// Package compose bundles the sub-frames of one multi-feed tick into a single
// multiFrame message.
package compose

import (
	"sync"

	"github.com/1ureka/depthrelay/internal/codec"
	"github.com/1ureka/depthrelay/internal/feed"
	"github.com/1ureka/depthrelay/internal/frame"
	"github.com/1ureka/depthrelay/internal/protocol"
	"github.com/1ureka/depthrelay/internal/util"
)

// Encoder is the part of the codec the composer needs.
type Encoder interface {
	Encode(f *frame.Frame) (*codec.Payload, error)
}

// Composer encodes ticks under the same per-modality gate as single feeds.
type Composer struct {
	gate *feed.Gate
	enc  Encoder
}

func New(gate *feed.Gate, enc Encoder) *Composer {
	return &Composer{gate: gate, enc: enc}
}

// Compose encodes every sub-frame present in t and returns the bundle. A
// sub-frame is omitted when its modality is still busy from an earlier tick,
// when it fails to encode, or when its feed was stopped mid-encode. ok is false
// when nothing is left, in which case no message must be sent.
//
// Sub-frames that are not ready are never waited for.
func (c *Composer) Compose(t *frame.Tick) (bundle *protocol.MultiFrameBundle, ok bool) {
	if t == nil || len(t.Frames) == 0 {
		return nil, false
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[frame.Kind]*codec.Payload, len(t.Frames))
	)

	for k, f := range t.Frames {
		if f == nil {
			continue
		}
		ticket, acquired := c.gate.Acquire(k)
		if !acquired {
			util.Stats.FramesBusy.Add(1)
			continue
		}

		wg.Add(1)
		go func(k frame.Kind, f *frame.Frame, ticket feed.Ticket) {
			defer wg.Done()

			p, err := c.enc.Encode(f)
			current := c.gate.Release(ticket)

			switch {
			case err != nil:
				util.Stats.FramesFailed.Add(1)
				util.LogDebug("multi: drop %s sub-frame: %v", k, err)
				return
			case !current:
				util.Stats.FramesStale.Add(1)
				return
			}

			util.Stats.FramesEncoded.Add(1)
			mu.Lock()
			results[k] = p
			mu.Unlock()
		}(k, f, ticket)
	}
	wg.Wait()

	bundle = &protocol.MultiFrameBundle{}
	for _, p := range results {
		bundle.Set(p)
	}
	if bundle.Len() == 0 {
		return nil, false
	}
	return bundle, true
}
