package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidBus is wrapped by Bus.Validate failures.
var ErrInvalidBus = errors.New("invalid bus")

// NewRotorMargin is the thickness, in mm above the bus minimum, assumed for
// a freshly installed rotor.
var NewRotorMargin = decimal.NewFromFloat(8.0)

// maxMinThickness keeps a new rotor (minimum plus NewRotorMargin) below the
// thickness ceiling.
var maxMinThickness = maxThickness.Sub(NewRotorMargin)

// Bus is one vehicle in the fleet.
type Bus struct {
	ID                int64
	Number            string
	Type              string
	Location          string
	CurrentMileage    int64
	Articulated       bool
	MinRotorThickness decimal.Decimal // mm, two fractional digits
}

// RotorPositions returns the active rotor positions for the bus.
func (b Bus) RotorPositions() []Position {
	return PositionsFor(b.Articulated)
}

// Validate checks the structural constraints of a bus record.
func (b Bus) Validate() error {
	if strings.TrimSpace(b.Number) == "" {
		return fmt.Errorf("%w: bus number is required", ErrInvalidBus)
	}
	if len(b.Number) > 50 {
		return fmt.Errorf("%w: bus number longer than 50 characters", ErrInvalidBus)
	}
	if b.CurrentMileage < 0 {
		return fmt.Errorf("%w: current mileage must not be negative", ErrInvalidBus)
	}
	if b.MinRotorThickness.IsNegative() || b.MinRotorThickness.GreaterThanOrEqual(maxMinThickness) {
		return fmt.Errorf("%w: min rotor thickness %s out of range [0, %s)", ErrInvalidBus, b.MinRotorThickness, maxMinThickness)
	}
	if !b.MinRotorThickness.Equal(b.MinRotorThickness.Truncate(2)) {
		return fmt.Errorf("%w: min rotor thickness %s has more than 2 decimal places", ErrInvalidBus, b.MinRotorThickness)
	}
	return nil
}
