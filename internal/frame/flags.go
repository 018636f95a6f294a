package frame

import "fmt"

// Flags is the bitmask a device session understands when opening a composite
// (multi-source) reader. Bits are combined with bitwise OR.
type Flags uint32

const (
	FlagColor                Flags = 1 << 0
	FlagInfrared             Flags = 1 << 1
	FlagLongExposureInfrared Flags = 1 << 2
	FlagDepth                Flags = 1 << 3
	FlagBodyIndex            Flags = 1 << 4
	FlagBody                 Flags = 1 << 5
	FlagRawDepth             Flags = 1 << 8
)

// multiKinds maps every multi-capable kind to its flag, in canonical order.
var multiKinds = []struct {
	kind Kind
	flag Flags
}{
	{Color, FlagColor},
	{Depth, FlagDepth},
	{RawDepth, FlagRawDepth},
	{Infrared, FlagInfrared},
	{LongExposureInfrared, FlagLongExposureInfrared},
	{Body, FlagBody},
}

// FlagOf returns the flag for a multi-capable kind.
func FlagOf(k Kind) (Flags, bool) {
	for _, m := range multiKinds {
		if m.kind == k {
			return m.flag, true
		}
	}
	return 0, false
}

// FlagsOf ORs together the flags of the given kinds. It fails on the first
// kind that cannot take part in a multi-feed.
func FlagsOf(kinds ...Kind) (Flags, error) {
	var f Flags
	for _, k := range kinds {
		bit, ok := FlagOf(k)
		if !ok {
			return 0, fmt.Errorf("feed %q cannot be part of a multi-frame", k)
		}
		f |= bit
	}
	return f, nil
}

// Has reports whether every bit of o is set in f.
func (f Flags) Has(o Flags) bool { return f&o == o }

// Kinds lists the multi-capable kinds set in f, in canonical order.
func (f Flags) Kinds() []Kind {
	var out []Kind
	for _, m := range multiKinds {
		if f.Has(m.flag) {
			out = append(out, m.kind)
		}
	}
	return out
}
