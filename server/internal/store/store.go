package store

import (
	"context"
	"errors"
	"strings"

	"github.com/rotortrack/rotortrack/pkg/types"
)

// Sentinel errors shared by all implementations.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// BusFilter narrows ListBuses. Zero values match everything.
type BusFilter struct {
	// Search matches bus number, location or type, case-insensitively.
	Search      string
	Location    string
	Articulated *bool
}

// Match reports whether b passes the filter.
func (f BusFilter) Match(b types.Bus) bool {
	if f.Articulated != nil && b.Articulated != *f.Articulated {
		return false
	}
	if f.Location != "" && !strings.EqualFold(b.Location, f.Location) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		return strings.Contains(strings.ToLower(b.Number), q) ||
			strings.Contains(strings.ToLower(b.Location), q) ||
			strings.Contains(strings.ToLower(b.Type), q)
	}
	return true
}

// MeasurementFilter narrows ListAllMeasurements. Zero values match everything.
type MeasurementFilter struct {
	BusID    int64
	Position types.Position
}

// Match reports whether m passes the filter.
func (f MeasurementFilter) Match(m types.RotorMeasurement) bool {
	if f.BusID != 0 && m.BusID != f.BusID {
		return false
	}
	if f.Position != "" && m.Position != f.Position {
		return false
	}
	return true
}

// Tx is the write surface available inside Store.Update.
type Tx interface {
	GetBus(ctx context.Context, id int64) (types.Bus, error)
	// UpdateBusMileage raises the bus's current mileage to mileage. A lower
	// value leaves it unchanged.
	UpdateBusMileage(ctx context.Context, busID, mileage int64) error
	// UpsertMeasurement inserts m, or overwrites mileage and thickness of the
	// existing (bus, position, date) row. The stored record is returned.
	UpsertMeasurement(ctx context.Context, m types.RotorMeasurement) (types.RotorMeasurement, error)
}

// Store persists buses and rotor measurements.
type Store interface {
	ListBuses(ctx context.Context, f BusFilter) ([]types.Bus, error)
	GetBus(ctx context.Context, id int64) (types.Bus, error)
	CreateBus(ctx context.Context, b types.Bus) (types.Bus, error)
	UpdateBus(ctx context.Context, b types.Bus) (types.Bus, error)
	DeleteBus(ctx context.Context, id int64) error

	ListMeasurements(ctx context.Context, busID int64) ([]types.RotorMeasurement, error)
	ListAllMeasurements(ctx context.Context, f MeasurementFilter) ([]types.RotorMeasurement, error)
	DeleteMeasurement(ctx context.Context, id int64) error

	Update(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
