package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/rotortrack/rotortrack/pkg/types"
	"github.com/rotortrack/rotortrack/server/internal/compute"
	"github.com/rotortrack/rotortrack/server/internal/store"
)

// BusSnapshot is the maintenance view of one bus.
type BusSnapshot struct {
	Bus types.Bus

	// Rotors holds one entry per active position, in enumeration order,
	// including positions with no measurements.
	Rotors []compute.Stats

	// Alerts holds one message per rotor with Alert set, in rotor order.
	Alerts []string
}

// Builder computes fleet snapshots from a store.
type Builder struct {
	store store.Store
	now   func() time.Time // injectable for deterministic tests
}

// NewBuilder returns a Builder reading from and writing to st.
func NewBuilder(st store.Store) *Builder {
	return &Builder{store: st, now: time.Now}
}

// Snapshot builds the maintenance view of every bus, ordered by bus number.
func (b *Builder) Snapshot(ctx context.Context) ([]BusSnapshot, error) {
	buses, err := b.store.ListBuses(ctx, store.BusFilter{})
	if err != nil {
		return nil, fmt.Errorf("fleet: list buses: %w", err)
	}
	out := make([]BusSnapshot, 0, len(buses))
	for _, bus := range buses {
		snap, err := b.snapshotFor(ctx, bus)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// BusSnapshot builds the maintenance view of one bus.
func (b *Builder) BusSnapshot(ctx context.Context, busID int64) (BusSnapshot, error) {
	bus, err := b.store.GetBus(ctx, busID)
	if err != nil {
		return BusSnapshot{}, fmt.Errorf("fleet: %w", err)
	}
	return b.snapshotFor(ctx, bus)
}

func (b *Builder) snapshotFor(ctx context.Context, bus types.Bus) (BusSnapshot, error) {
	ms, err := b.store.ListMeasurements(ctx, bus.ID)
	if err != nil {
		return BusSnapshot{}, fmt.Errorf("fleet: list measurements for bus %s: %w", bus.Number, err)
	}
	rotors := RotorDetails(bus, ms)
	return BusSnapshot{Bus: bus, Rotors: rotors, Alerts: Alerts(rotors)}, nil
}

// RotorDetails projects every active position of bus from its measurements.
// Measurements for positions outside the bus's active set are ignored.
func RotorDetails(bus types.Bus, measurements []types.RotorMeasurement) []compute.Stats {
	grouped := make(map[types.Position][]types.RotorMeasurement)
	for _, m := range measurements {
		grouped[m.Position] = append(grouped[m.Position], m)
	}

	positions := bus.RotorPositions()
	out := make([]compute.Stats, 0, len(positions))
	for _, pos := range positions {
		series := grouped[pos]
		types.SortMeasurements(series)
		st := compute.Project(bus, series)
		st.Position = pos
		out = append(out, st)
	}
	return out
}

// Alerts returns one "<position> rotor due soon" message per alerting rotor.
func Alerts(rotors []compute.Stats) []string {
	out := make([]string, 0)
	for _, r := range rotors {
		if r.Alert {
			out = append(out, AlertMessage(r.Position))
		}
	}
	return out
}

// AlertMessage is the operator-facing alert text for a rotor position.
func AlertMessage(p types.Position) string {
	return fmt.Sprintf("%s rotor due soon", p)
}

// LatestThickness returns the most recent thickness recorded per position.
func LatestThickness(measurements []types.RotorMeasurement) map[types.Position]types.RotorMeasurement {
	sorted := append([]types.RotorMeasurement(nil), measurements...)
	types.SortMeasurements(sorted)
	out := make(map[types.Position]types.RotorMeasurement)
	for _, m := range sorted {
		out[m.Position] = m
	}
	return out
}
