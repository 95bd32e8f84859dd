package compute

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rotortrack/rotortrack/pkg/types"
)

// AlertThresholdMiles is the remaining-miles level at or below which a rotor
// is flagged for replacement.
const AlertThresholdMiles = 5000

// Stats is the derived wear projection for one rotor position.
// Nil pointer fields are undefined for the given series.
type Stats struct {
	Position types.Position

	// CurrentThickness is the most recent measured thickness.
	CurrentThickness *decimal.Decimal

	// StartingMileage and StartingThickness are the first measurement of the
	// series, the baseline the projection is drawn from.
	StartingMileage   *int64
	StartingThickness *decimal.Decimal

	// WearRate is mm lost per mile. Display only; projections are computed
	// from the exact ratio, not from this rounded quotient.
	WearRate *decimal.Decimal

	// DailyMiles is the average miles driven per day over the series window.
	DailyMiles *decimal.Decimal

	ServiceLifeMiles   *int64
	ReplacementMileage *int64
	MilesLeft          *int64
	DaysLeft           *int64

	Alert bool
}

// Project computes the wear projection for one rotor of bus from series,
// which must be ordered by (date, id) ascending.
func Project(bus types.Bus, series []types.RotorMeasurement) Stats {
	if len(series) == 0 {
		return Stats{}
	}

	first, last := series[0], series[len(series)-1]
	out := Stats{
		Position:          last.Position,
		CurrentThickness:  ptr(last.Thickness),
		StartingMileage:   ptr(first.Mileage),
		StartingThickness: ptr(first.Thickness),
	}

	milesDriven := last.Mileage - first.Mileage
	wear := first.Thickness.Sub(last.Thickness)

	if milesDriven > 0 && wear.IsPositive() {
		driven := decimal.NewFromInt(milesDriven)
		out.WearRate = ptr(wear.Div(driven))

		// (start - min) / (wear / driven) == (start - min) * driven / wear
		remaining := first.Thickness.Sub(bus.MinRotorThickness)
		life := remaining.Mul(driven).DivRound(wear, 0).IntPart()
		if life < 0 {
			life = 0
		}
		replacement := first.Mileage + life
		left := replacement - bus.CurrentMileage
		if left < 0 {
			left = 0
		}

		out.ServiceLifeMiles = ptr(life)
		out.ReplacementMileage = ptr(replacement)
		out.MilesLeft = ptr(left)
		out.Alert = left <= AlertThresholdMiles
	}

	days, miles, ok := dailyWindow(series)
	if ok {
		out.DailyMiles = ptr(decimal.NewFromInt(miles).Div(decimal.NewFromInt(days)))
		if out.MilesLeft != nil {
			// miles_left / (miles / days) == miles_left * days / miles
			d := decimal.NewFromInt(*out.MilesLeft).
				Mul(decimal.NewFromInt(days)).
				DivRound(decimal.NewFromInt(miles), 0).
				IntPart()
			if d < 0 {
				d = 0
			}
			out.DaysLeft = ptr(d)
		}
	}

	return out
}

// dailyWindow returns the day span and mileage span between the first and
// last measurements, and whether both are strictly positive.
func dailyWindow(series []types.RotorMeasurement) (days, miles int64, ok bool) {
	if len(series) < 2 {
		return 0, 0, false
	}
	first, last := series[0], series[len(series)-1]
	days = DaySpan(first.Date, last.Date)
	miles = last.Mileage - first.Mileage
	if days <= 0 || miles <= 0 {
		return 0, 0, false
	}
	return days, miles, true
}

// DaySpan returns the number of whole civil days from a to b.
func DaySpan(a, b time.Time) int64 {
	return int64(types.Date(b).Sub(types.Date(a)).Hours() / 24)
}

func ptr[T any](v T) *T { return &v }
