package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the wire format of measurement dates.
const DateLayout = "2006-01-02"

// ErrInvalidThickness is returned by ParseThickness.
var ErrInvalidThickness = errors.New("invalid thickness")

var maxThickness = decimal.NewFromInt(1000)

// RotorMeasurement is one recorded rotor thickness reading.
type RotorMeasurement struct {
	ID        int64
	BusID     int64
	Position  Position
	Date      time.Time // UTC midnight
	Mileage   int64
	Thickness decimal.Decimal // mm, three fractional digits
}

// Date truncates t to its civil date in t's location and returns it as UTC
// midnight.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// ParseThickness parses a thickness reading in millimetres. The value must be
// positive, below 1000 and carry at most three fractional digits.
func ParseThickness(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidThickness, s)
	}
	if !d.IsPositive() || d.GreaterThanOrEqual(maxThickness) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s out of range (0, 1000)", ErrInvalidThickness, d)
	}
	if !d.Equal(d.Truncate(3)) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s has more than 3 decimal places", ErrInvalidThickness, d)
	}
	return d, nil
}

// SortMeasurements orders ms by (Date, ID) ascending, in place.
func SortMeasurements(ms []RotorMeasurement) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].Date.Equal(ms[j].Date) {
			return ms[i].Date.Before(ms[j].Date)
		}
		return ms[i].ID < ms[j].ID
	})
}
