package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rotortrack/rotortrack/pkg/types"
	"github.com/rotortrack/rotortrack/server/internal/compute"
	"github.com/rotortrack/rotortrack/server/internal/fleet"
)

func toBusResponse(b types.Bus) BusResponse {
	positions := b.RotorPositions()
	names := make([]string, len(positions))
	for i, p := range positions {
		names[i] = string(p)
	}
	return BusResponse{
		ID:                b.ID,
		Number:            b.Number,
		Type:              b.Type,
		Location:          b.Location,
		CurrentMileage:    b.CurrentMileage,
		Articulated:       b.Articulated,
		MinRotorThickness: b.MinRotorThickness.StringFixed(2),
		Positions:         names,
	}
}

func toRotorResponse(s compute.Stats) RotorResponse {
	return RotorResponse{
		Position:           string(s.Position),
		CurrentThickness:   fixed(s.CurrentThickness, 3),
		StartingMileage:    s.StartingMileage,
		StartingThickness:  fixed(s.StartingThickness, 3),
		WearRate:           fixed(s.WearRate, 6),
		DailyMiles:         fixed(s.DailyMiles, 2),
		ServiceLifeMiles:   s.ServiceLifeMiles,
		ReplacementMileage: s.ReplacementMileage,
		MilesLeft:          s.MilesLeft,
		DaysLeft:           s.DaysLeft,
		Alert:              s.Alert,
	}
}

func toSnapshotResponse(s fleet.BusSnapshot) BusSnapshotResponse {
	rotors := make([]RotorResponse, 0, len(s.Rotors))
	for _, r := range s.Rotors {
		rotors = append(rotors, toRotorResponse(r))
	}
	msgs := s.Alerts
	if msgs == nil {
		msgs = []string{}
	}
	return BusSnapshotResponse{Bus: toBusResponse(s.Bus), Rotors: rotors, Alerts: msgs}
}

func toFleetResponse(snaps []fleet.BusSnapshot, now time.Time) FleetResponse {
	out := make([]BusSnapshotResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toSnapshotResponse(s))
	}
	return FleetResponse{Buses: out, GeneratedAt: now.UTC().Format(time.RFC3339)}
}

func toLowestResponse(l fleet.LowestRotorSummary) LowestRotorResponse {
	out := LowestRotorResponse{
		StatusLabel:      l.StatusLabel,
		StatusClass:      l.StatusClass,
		CurrentThickness: fixed(l.CurrentThickness, 3),
	}
	if l.Position != nil {
		p := string(*l.Position)
		out.Position = &p
	}
	return out
}

func toMeasurementResponses(ms []types.RotorMeasurement) []MeasurementResponse {
	out := make([]MeasurementResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, MeasurementResponse{
			ID:        m.ID,
			BusID:     m.BusID,
			Position:  string(m.Position),
			Date:      m.Date.Format(types.DateLayout),
			Mileage:   m.Mileage,
			Thickness: m.Thickness.StringFixed(3),
		})
	}
	return out
}

// fixed renders d with places fractional digits, or nil.
func fixed(d *decimal.Decimal, places int32) *string {
	if d == nil {
		return nil
	}
	s := d.StringFixed(places)
	return &s
}
