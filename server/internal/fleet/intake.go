package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/rotortrack/rotortrack/pkg/types"
	"github.com/rotortrack/rotortrack/server/internal/store"
)

// ErrInvalidThickness is returned by Record when a submitted thickness is not
// a valid reading. It is the same sentinel as types.ErrInvalidThickness.
var ErrInvalidThickness = types.ErrInvalidThickness

// Intake is one raw measurement submission for a bus. Values arrive as the
// operator typed them and are normalised by Record.
type Intake struct {
	BusID int64

	// Date is YYYY-MM-DD. Blank or unparseable means today.
	Date string

	// Mileage is the odometer reading. Blank, unparseable or negative means
	// the bus's current mileage.
	Mileage string

	// Thickness maps position to reading in mm. Blank readings are skipped.
	Thickness map[types.Position]string
}

// IntakeResult reports what Record stored.
type IntakeResult struct {
	Bus     types.Bus // after the mileage update
	Date    time.Time
	Mileage int64
	Saved   []types.RotorMeasurement
}

// FieldName is the form field carrying the thickness of p, e.g.
// "thickness_front_left".
func FieldName(p types.Position) string {
	return "thickness_" + strings.ReplaceAll(strings.ToLower(string(p)), "-", "_")
}

// Record applies an intake submission: bus mileage is raised to the submitted
// reading if higher, and one measurement per non-blank active position is
// upserted at (bus, position, date). Either everything is written or
// nothing is.
func (b *Builder) Record(ctx context.Context, in Intake) (IntakeResult, error) {
	day := b.today()
	if strings.TrimSpace(in.Date) != "" {
		if d, err := types.ParseDate(in.Date); err == nil {
			day = d
		} else {
			slog.Debug("fleet: intake date invalid, using today", "bus_id", in.BusID, "date", in.Date)
		}
	}

	var res IntakeResult
	err := b.store.Update(ctx, func(tx store.Tx) error {
		bus, err := tx.GetBus(ctx, in.BusID)
		if err != nil {
			return err
		}

		mileage := parseMileage(in.Mileage, bus.CurrentMileage)

		// Validate every reading before writing any of them.
		type reading struct {
			pos types.Position
			raw string
		}
		var readings []reading
		for _, pos := range bus.RotorPositions() {
			raw := strings.TrimSpace(in.Thickness[pos])
			if raw == "" {
				continue
			}
			readings = append(readings, reading{pos: pos, raw: raw})
		}
		saved := make([]types.RotorMeasurement, 0, len(readings))
		for _, r := range readings {
			th, err := types.ParseThickness(r.raw)
			if err != nil {
				return fmt.Errorf("%s: %w", r.pos, err)
			}
			saved = append(saved, types.RotorMeasurement{
				BusID:     bus.ID,
				Position:  r.pos,
				Date:      day,
				Mileage:   mileage,
				Thickness: th,
			})
		}

		if mileage > bus.CurrentMileage {
			if err := tx.UpdateBusMileage(ctx, bus.ID, mileage); err != nil {
				return fmt.Errorf("update mileage: %w", err)
			}
			bus.CurrentMileage = mileage
		}

		for i, m := range saved {
			stored, err := tx.UpsertMeasurement(ctx, m)
			if err != nil {
				return fmt.Errorf("upsert %s: %w", m.Position, err)
			}
			saved[i] = stored
		}

		res = IntakeResult{Bus: bus, Date: day, Mileage: mileage, Saved: saved}
		return nil
	})
	if err != nil {
		return IntakeResult{}, fmt.Errorf("fleet: record bus %d: %w", in.BusID, err)
	}

	slog.Info("fleet: measurements recorded",
		"bus", res.Bus.Number, "date", day.Format(types.DateLayout),
		"mileage", res.Mileage, "rotors", len(res.Saved))
	return res, nil
}

func parseMileage(raw string, fallback int64) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
