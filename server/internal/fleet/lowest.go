package fleet

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rotortrack/rotortrack/pkg/types"
	"github.com/rotortrack/rotortrack/server/internal/compute"
	"github.com/rotortrack/rotortrack/server/internal/store"
)

// Status labels and CSS classes of the lowest-rotor summary.
const (
	StatusNeedsData = "Needs data"
	StatusAttention = "Attention"
	StatusHealthy   = "Healthy"

	ClassMissing = "status-missing"
	ClassAlert   = "status-alert"
	ClassOK      = "status-ok"
)

// LowestRotorSummary describes the thinnest measured rotor of a bus.
type LowestRotorSummary struct {
	Position         *types.Position
	StatusLabel      string
	StatusClass      string
	CurrentThickness *decimal.Decimal
}

// BusOverview is one row of the fleet overview.
type BusOverview struct {
	Bus         types.Bus
	LowestRotor LowestRotorSummary
}

// LowestRotor picks the rotor with the smallest current thickness. Ties keep
// the first rotor in position order. Rotors without a measurement are
// skipped; if none is measured the summary reports StatusNeedsData.
func LowestRotor(rotors []compute.Stats) LowestRotorSummary {
	var lowest *compute.Stats
	for i := range rotors {
		r := &rotors[i]
		if r.CurrentThickness == nil {
			continue
		}
		if lowest == nil || r.CurrentThickness.LessThan(*lowest.CurrentThickness) {
			lowest = r
		}
	}

	if lowest == nil {
		return LowestRotorSummary{StatusLabel: StatusNeedsData, StatusClass: ClassMissing}
	}

	pos := lowest.Position
	th := *lowest.CurrentThickness
	out := LowestRotorSummary{
		Position:         &pos,
		CurrentThickness: &th,
		StatusLabel:      StatusHealthy,
		StatusClass:      ClassOK,
	}
	if lowest.Alert {
		out.StatusLabel = StatusAttention
		out.StatusClass = ClassAlert
	}
	return out
}

// Overview lists every bus with its lowest-rotor summary, ordered by number.
func (b *Builder) Overview(ctx context.Context, f store.BusFilter) ([]BusOverview, error) {
	buses, err := b.store.ListBuses(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("fleet: list buses: %w", err)
	}
	out := make([]BusOverview, 0, len(buses))
	for _, bus := range buses {
		snap, err := b.snapshotFor(ctx, bus)
		if err != nil {
			return nil, err
		}
		out = append(out, BusOverview{Bus: bus, LowestRotor: LowestRotor(snap.Rotors)})
	}
	return out, nil
}
