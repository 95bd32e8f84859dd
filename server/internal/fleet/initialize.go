package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rotortrack/rotortrack/pkg/types"
	"github.com/rotortrack/rotortrack/server/internal/store"
)

// NewRotorMargin is the thickness, in mm above the bus minimum, assumed for
// a freshly installed rotor.
var NewRotorMargin = types.NewRotorMargin

// Initialize records a baseline measurement for every active rotor position
// of the bus: mileage is the bus's current mileage and thickness is the bus
// minimum plus NewRotorMargin. A nil date means today. Re-running for the
// same date overwrites the same rows.
func (b *Builder) Initialize(ctx context.Context, busID int64, date *time.Time) ([]types.RotorMeasurement, error) {
	day := b.today()
	if date != nil {
		day = types.Date(*date)
	}

	var saved []types.RotorMeasurement
	err := b.store.Update(ctx, func(tx store.Tx) error {
		bus, err := tx.GetBus(ctx, busID)
		if err != nil {
			return err
		}
		thickness, err := types.ParseThickness(bus.MinRotorThickness.Add(NewRotorMargin).String())
		if err != nil {
			return fmt.Errorf("baseline for min %s: %w", bus.MinRotorThickness, err)
		}

		saved = saved[:0]
		for _, pos := range bus.RotorPositions() {
			m, err := tx.UpsertMeasurement(ctx, types.RotorMeasurement{
				BusID:     bus.ID,
				Position:  pos,
				Date:      day,
				Mileage:   bus.CurrentMileage,
				Thickness: thickness,
			})
			if err != nil {
				return fmt.Errorf("upsert %s: %w", pos, err)
			}
			saved = append(saved, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fleet: initialize bus %d: %w", busID, err)
	}

	slog.Info("fleet: rotors initialized",
		"bus_id", busID, "date", day.Format(types.DateLayout), "rotors", len(saved))
	return saved, nil
}

// today is the current UTC civil date.
func (b *Builder) today() time.Time {
	return types.Date(b.now().UTC())
}
