// Package feed owns which modality (or set of modalities) is streaming. The
// Controller drives the device session's listeners; the Gate bounds encoding
// to one in-flight frame per modality.
package feed

import (
	"slices"
	"strings"

	"github.com/1ureka/depthrelay/internal/frame"
)

// Mode is the shape of the active feed.
type Mode string

const (
	Idle   Mode = "idle"
	Single Mode = "single"
	Multi  Mode = "multi"
)

// State is the controller's feed state. At most one of Single/Multi is
// populated, matching Mode.
type State struct {
	Mode   Mode         `json:"mode"`
	Single frame.Kind   `json:"single,omitempty"`
	Multi  []frame.Kind `json:"multi,omitempty"`
}

// IdleState is the zero feed.
func IdleState() State { return State{Mode: Idle} }

// Active reports whether k is currently being streamed.
func (s State) Active(k frame.Kind) bool {
	switch s.Mode {
	case Single:
		return s.Single == k
	case Multi:
		return slices.Contains(s.Multi, k)
	}
	return false
}

// Equal compares two states, treating multi sets as ordered lists.
func (s State) Equal(o State) bool {
	return s.Mode == o.Mode && s.Single == o.Single && slices.Equal(s.Multi, o.Multi)
}

func (s State) String() string {
	switch s.Mode {
	case Single:
		return "single(" + string(s.Single) + ")"
	case Multi:
		names := make([]string, len(s.Multi))
		for i, k := range s.Multi {
			names[i] = string(k)
		}
		return "multi(" + strings.Join(names, ",") + ")"
	}
	return "idle"
}

// clone returns a copy that does not share the Multi slice.
func (s State) clone() State {
	s.Multi = slices.Clone(s.Multi)
	return s
}
