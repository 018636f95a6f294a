package sensor

import (
	"fmt"
	"sync"

	"github.com/1ureka/depthrelay/internal/frame"
)

// hub holds a session's listeners: at most one per kind plus one composite
// reader. Both session types embed it.
type hub struct {
	mu         sync.Mutex
	open       bool
	singles    map[frame.Kind]func(*frame.Frame)
	multiFlags frame.Flags
	multiFn    func(*frame.Tick)
}

func newHub() *hub {
	return &hub{singles: make(map[frame.Kind]func(*frame.Frame))}
}

func (h *hub) setOpen(open bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open = open
	if !open {
		clear(h.singles)
		h.multiFlags, h.multiFn = 0, nil
	}
}

func (h *hub) Subscribe(k frame.Kind, fn func(*frame.Frame)) error {
	if !k.IsStreamable() {
		return fmt.Errorf("cannot subscribe to %q", k)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open {
		return ErrNotOpen
	}
	if _, ok := h.singles[k]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, k)
	}
	h.singles[k] = fn
	return nil
}

func (h *hub) Unsubscribe(k frame.Kind) {
	h.mu.Lock()
	delete(h.singles, k)
	h.mu.Unlock()
}

func (h *hub) SubscribeMulti(flags frame.Flags, fn func(*frame.Tick)) error {
	if len(flags.Kinds()) == 0 {
		return fmt.Errorf("no streamable modality in flags %#x", uint32(flags))
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open {
		return ErrNotOpen
	}
	if h.multiFn != nil {
		return fmt.Errorf("%w: multi", ErrAlreadySubscribed)
	}
	h.multiFlags, h.multiFn = flags, fn
	return nil
}

func (h *hub) UnsubscribeMulti() {
	h.mu.Lock()
	h.multiFlags, h.multiFn = 0, nil
	h.mu.Unlock()
}

// dispatch hands s to every listener whose sources it carries. Listeners run
// on the caller's goroutine, outside the lock.
func (h *hub) dispatch(s *Sample) {
	type call struct {
		fn func(*frame.Frame)
		f  *frame.Frame
	}

	h.mu.Lock()
	var calls []call
	for k, fn := range h.singles {
		if f, ok := s.derive(k); ok {
			calls = append(calls, call{fn, f})
		}
	}
	var tick *frame.Tick
	multiFn := h.multiFn
	if multiFn != nil {
		tick = &frame.Tick{Frames: make(map[frame.Kind]*frame.Frame), Seq: s.Seq, Timestamp: s.Timestamp}
		for _, k := range h.multiFlags.Kinds() {
			if f, ok := s.derive(k); ok {
				tick.Frames[k] = f
			}
		}
	}
	h.mu.Unlock()

	for _, c := range calls {
		c.fn(c.f)
	}
	if multiFn != nil && len(tick.Frames) > 0 {
		multiFn(tick)
	}
}

// listening reports whether anything is subscribed.
func (h *hub) listening() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.singles) > 0 || h.multiFn != nil
}
