package types

import "strings"

// Position names one brake rotor slot on a bus.
type Position string

// Rotor positions. The string values are what operators see and what is
// persisted.
const (
	FrontLeft   Position = "Front-Left"
	FrontRight  Position = "Front-Right"
	CenterLeft  Position = "Center-Left"
	CenterRight Position = "Center-Right"
	RearLeft    Position = "Rear-Left"
	RearRight   Position = "Rear-Right"
)

var (
	standardPositions    = [...]Position{FrontLeft, FrontRight, RearLeft, RearRight}
	articulatedPositions = [...]Position{FrontLeft, FrontRight, CenterLeft, CenterRight, RearLeft, RearRight}
)

// StandardPositions returns the rotor positions of a rigid bus in display order.
func StandardPositions() []Position {
	out := standardPositions
	return out[:]
}

// ArticulatedPositions returns the rotor positions of an articulated bus in
// display order.
func ArticulatedPositions() []Position {
	out := articulatedPositions
	return out[:]
}

// PositionsFor selects the position set for the articulation flag.
func PositionsFor(articulated bool) []Position {
	if articulated {
		return ArticulatedPositions()
	}
	return StandardPositions()
}

// ParsePosition matches s against the known positions, ignoring case and
// surrounding whitespace.
func ParsePosition(s string) (Position, bool) {
	s = strings.TrimSpace(s)
	for _, p := range articulatedPositions {
		if strings.EqualFold(string(p), s) {
			return p, true
		}
	}
	return "", false
}

// Contains reports whether p is one of positions.
func Contains(positions []Position, p Position) bool {
	for _, q := range positions {
		if q == p {
			return true
		}
	}
	return false
}
