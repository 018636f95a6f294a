package feed

import (
	"errors"
	"fmt"

	"github.com/1ureka/depthrelay/internal/frame"
)

// ErrDeviceUnavailable is matched by every DeviceError.
var ErrDeviceUnavailable = errors.New("device unavailable")

// DeviceError reports that the device session could not be opened or could
// not start a listener for the requested feed. The controller is left idle
// and does not retry.
type DeviceError struct {
	Feed frame.Kind
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device unavailable for feed %q: %v", e.Feed, e.Err)
}

func (e *DeviceError) Unwrap() []error { return []error{ErrDeviceUnavailable, e.Err} }

// Kind classifies the error for history tallies.
func (e *DeviceError) Kind() string { return "DeviceUnavailable" }

// ErrInvalidRequest is returned for feed requests the controller cannot act on
// (unknown kinds, an empty multi list, a multi request naming non-multi kinds).
var ErrInvalidRequest = errors.New("invalid feed request")
