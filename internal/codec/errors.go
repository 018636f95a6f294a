package codec

import (
	"errors"
	"fmt"

	"github.com/1ureka/depthrelay/internal/frame"
)

var (
	// ErrEncode is matched by every EncodeError.
	ErrEncode = errors.New("encode error")
	// ErrDecode wraps every decode failure.
	ErrDecode = errors.New("decode error")
)

// EncodeError reports an empty or size-mismatched buffer. The frame is
// dropped; it is never retried.
type EncodeError struct {
	Feed   frame.Kind
	Reason string
	Err    error
}

func (e *EncodeError) Error() string {
	msg := fmt.Sprintf("encode %s: %s", e.Feed, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EncodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrEncode, e.Err}
	}
	return []error{ErrEncode}
}

// Kind classifies the error for history tallies.
func (e *EncodeError) Kind() string { return "EncodeError" }
