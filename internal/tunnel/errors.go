package tunnel

import (
	"errors"
	"fmt"
)

// kindedError is a sentinel that classifies itself for history tallies.
type kindedError struct {
	kind string
	msg  string
}

func (e *kindedError) Error() string { return e.msg }
func (e *kindedError) Kind() string  { return e.kind }

var (
	// ErrInvalidTransition is matched by every TransitionError.
	ErrInvalidTransition = errors.New("invalid tunnel transition")

	// ErrAuthRequired is returned by Connect without a token, before any
	// state changes.
	ErrAuthRequired error = &kindedError{kind: "AuthRequired", msg: "tunnel auth token required"}

	// ErrTunnelLost is matched by failures meaning the public tunnel no
	// longer exists.
	ErrTunnelLost error = &kindedError{kind: "TunnelLost", msg: "tunnel lost"}
)

// TransitionError reports an illegal state change. The state is unchanged.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid tunnel transition from %q to %q", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func (e *TransitionError) Kind() string { return "InvalidTransition" }

// ConnectError wraps a failure while opening the tunnel.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "tunnel connect failed: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }
func (e *ConnectError) Kind() string  { return "ConnectFailed" }

// HealthError is a failed probe that did not lose the tunnel.
type HealthError struct {
	Err error
}

func (e *HealthError) Error() string { return "tunnel health check failed: " + e.Err.Error() }
func (e *HealthError) Unwrap() error { return e.Err }
func (e *HealthError) Kind() string  { return "HealthCheckFailed" }

// LostError is a failed probe showing the tunnel is gone.
type LostError struct {
	Err error
}

func (e *LostError) Error() string   { return "tunnel lost: " + e.Err.Error() }
func (e *LostError) Unwrap() []error { return []error{ErrTunnelLost, e.Err} }
func (e *LostError) Kind() string    { return "TunnelLost" }
