package feed

import (
	"fmt"
	"slices"
	"sync"

	"github.com/1ureka/depthrelay/internal/frame"
)

// Session is the device driver as the controller sees it. Callbacks may be
// invoked from any goroutine; implementations must not block on them.
type Session interface {
	Open() error
	Close() error
	Subscribe(k frame.Kind, fn func(*frame.Frame)) error
	Unsubscribe(k frame.Kind)
	SubscribeMulti(flags frame.Flags, fn func(*frame.Tick)) error
	UnsubscribeMulti()
}

// Sink receives device callbacks: Frame for a single feed (direct broadcast
// path), Tick for a multi feed (composer path).
type Sink interface {
	Frame(f *frame.Frame)
	Tick(t *frame.Tick)
}

// Controller is the feed state machine. It starts and stops device listeners
// and resets the gate for every modality it stops.
type Controller struct {
	session Session
	gate    *Gate
	sink    Sink

	mu       sync.Mutex
	state    State
	gen      uint64 // bumped whenever a feed is stopped
	opened   bool
	onChange func(State)
}

// NewController creates an idle controller.
func NewController(session Session, gate *Gate, sink Sink) *Controller {
	return &Controller{
		session: session,
		gate:    gate,
		sink:    sink,
		state:   IdleState(),
	}
}

// OnChange registers the feed-changed callback, invoked after every
// transition with the new state. It is called without the controller lock.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// State returns a copy of the current feed state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Active reports whether k is part of the current feed. Encode completions use
// it to discard output for feeds that were stopped mid-encode.
func (c *Controller) Active(k frame.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Active(k)
}

// Generation counts feed stops. Output produced from work that started under
// an older generation belongs to a feed that is gone.
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Request switches to a single feed, or tears everything down for stopAll.
// Requesting the feed that is already active does nothing.
func (c *Controller) Request(k frame.Kind) error {
	if !k.Valid() {
		return fmt.Errorf("%w: unknown feed %q", ErrInvalidRequest, k)
	}
	if k == frame.Multi {
		return fmt.Errorf("%w: multi requires a list of feeds", ErrInvalidRequest)
	}

	c.mu.Lock()
	var changes []State

	if k == frame.StopAll {
		if c.state.Mode != Idle {
			c.stopLocked()
			changes = append(changes, c.state.clone())
		}
		c.closeLocked()
		c.mu.Unlock()
		c.notify(changes)
		return nil
	}

	if c.state.Mode == Single && c.state.Single == k {
		c.mu.Unlock()
		return nil
	}

	if c.state.Mode != Idle {
		c.stopLocked()
		changes = append(changes, c.state.clone())
	}

	err := c.startSingleLocked(k)
	if err == nil {
		changes = append(changes, c.state.clone())
	}
	c.mu.Unlock()

	c.notify(changes)
	return err
}

// RequestMulti switches to a composite feed covering the union of kinds.
// Any active feed is stopped first. Requesting the same set again does
// nothing.
func (c *Controller) RequestMulti(kinds []frame.Kind) error {
	if len(kinds) == 0 {
		return fmt.Errorf("%w: empty multi-frame list", ErrInvalidRequest)
	}
	flags, err := frame.FlagsOf(kinds...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	wanted := flags.Kinds()

	c.mu.Lock()
	var changes []State

	if c.state.Mode == Multi && slices.Equal(c.state.Multi, wanted) {
		c.mu.Unlock()
		return nil
	}

	if c.state.Mode != Idle {
		c.stopLocked()
		changes = append(changes, c.state.clone())
	}

	err = c.startMultiLocked(flags, wanted)
	if err == nil {
		changes = append(changes, c.state.clone())
	}
	c.mu.Unlock()

	c.notify(changes)
	return err
}

// ---------------------------------------------------------------------------
// Transitions (caller holds c.mu)
// ---------------------------------------------------------------------------

// stopLocked removes the active listener(s), resets their busy flags and
// returns to idle.
func (c *Controller) stopLocked() {
	switch c.state.Mode {
	case Single:
		c.session.Unsubscribe(c.state.Single)
		c.gate.Reset(c.state.Single)
	case Multi:
		c.session.UnsubscribeMulti()
		for _, k := range c.state.Multi {
			c.gate.Reset(k)
		}
	default:
		return
	}
	c.gen++
	c.state = IdleState()
}

func (c *Controller) openLocked(k frame.Kind) error {
	if c.opened {
		return nil
	}
	if err := c.session.Open(); err != nil {
		return &DeviceError{Feed: k, Err: err}
	}
	c.opened = true
	return nil
}

func (c *Controller) closeLocked() {
	if !c.opened {
		return
	}
	c.opened = false
	_ = c.session.Close()
}

func (c *Controller) startSingleLocked(k frame.Kind) error {
	if err := c.openLocked(k); err != nil {
		return err
	}
	if err := c.session.Subscribe(k, c.sink.Frame); err != nil {
		return &DeviceError{Feed: k, Err: err}
	}
	c.state = State{Mode: Single, Single: k}
	return nil
}

func (c *Controller) startMultiLocked(flags frame.Flags, kinds []frame.Kind) error {
	if err := c.openLocked(frame.Multi); err != nil {
		return err
	}
	if err := c.session.SubscribeMulti(flags, c.sink.Tick); err != nil {
		return &DeviceError{Feed: frame.Multi, Err: err}
	}
	c.state = State{Mode: Multi, Multi: kinds}
	return nil
}

func (c *Controller) notify(changes []State) {
	if len(changes) == 0 {
		return
	}
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()

	if fn == nil {
		return
	}
	for _, s := range changes {
		fn(s)
	}
}
