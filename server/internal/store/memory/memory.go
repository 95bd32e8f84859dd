// Package memory is an in-process Store used for tests and for running the
// server without a database (storage.driver: memory).
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rotortrack/rotortrack/pkg/types"
	"github.com/rotortrack/rotortrack/server/internal/store"
)

// Store is a thread-safe in-memory store. Update applies its writes to a
// copy of the data and swaps it in only when fn succeeds.
type Store struct {
	mu   sync.RWMutex
	data *state
}

type state struct {
	buses        map[int64]types.Bus
	measurements map[int64]types.RotorMeasurement
	nextBusID    int64
	nextMeasID   int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: &state{
		buses:        make(map[int64]types.Bus),
		measurements: make(map[int64]types.RotorMeasurement),
		nextBusID:    1,
		nextMeasID:   1,
	}}
}

func (s *state) clone() *state {
	out := &state{
		buses:        make(map[int64]types.Bus, len(s.buses)),
		measurements: make(map[int64]types.RotorMeasurement, len(s.measurements)),
		nextBusID:    s.nextBusID,
		nextMeasID:   s.nextMeasID,
	}
	for k, v := range s.buses {
		out.buses[k] = v
	}
	for k, v := range s.measurements {
		out.measurements[k] = v
	}
	return out
}

func (s *state) numberTaken(number string, exceptID int64) bool {
	for id, b := range s.buses {
		if id != exceptID && b.Number == number {
			return true
		}
	}
	return false
}

// ListBuses returns buses matching f, ordered by number.
func (s *Store) ListBuses(_ context.Context, f store.BusFilter) ([]types.Bus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Bus, 0, len(s.data.buses))
	for _, b := range s.data.buses {
		if f.Match(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// GetBus returns the bus with id, or store.ErrNotFound.
func (s *Store) GetBus(_ context.Context, id int64) (types.Bus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getBus(id)
}

func (s *state) getBus(id int64) (types.Bus, error) {
	b, ok := s.buses[id]
	if !ok {
		return types.Bus{}, fmt.Errorf("bus %d: %w", id, store.ErrNotFound)
	}
	return b, nil
}

// CreateBus assigns an ID to b and stores it.
func (s *Store) CreateBus(_ context.Context, b types.Bus) (types.Bus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.numberTaken(b.Number, 0) {
		return types.Bus{}, fmt.Errorf("bus number %q: %w", b.Number, store.ErrConflict)
	}
	b.ID = s.data.nextBusID
	s.data.nextBusID++
	s.data.buses[b.ID] = b
	return b, nil
}

// UpdateBus replaces the stored bus with the same ID.
func (s *Store) UpdateBus(_ context.Context, b types.Bus) (types.Bus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.data.getBus(b.ID); err != nil {
		return types.Bus{}, err
	}
	if s.data.numberTaken(b.Number, b.ID) {
		return types.Bus{}, fmt.Errorf("bus number %q: %w", b.Number, store.ErrConflict)
	}
	s.data.buses[b.ID] = b
	return b, nil
}

// DeleteBus removes the bus and all of its measurements.
func (s *Store) DeleteBus(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.data.getBus(id); err != nil {
		return err
	}
	delete(s.data.buses, id)
	removed := 0
	for mid, m := range s.data.measurements {
		if m.BusID == id {
			delete(s.data.measurements, mid)
			removed++
		}
	}
	slog.Debug("memory store: bus deleted", "bus_id", id, "measurements", removed)
	return nil
}

// ListMeasurements returns the bus's measurements ordered by (date, id).
func (s *Store) ListMeasurements(ctx context.Context, busID int64) ([]types.RotorMeasurement, error) {
	if _, err := s.GetBus(ctx, busID); err != nil {
		return nil, err
	}
	return s.ListAllMeasurements(ctx, store.MeasurementFilter{BusID: busID})
}

// ListAllMeasurements returns measurements matching f ordered by (date, id).
func (s *Store) ListAllMeasurements(_ context.Context, f store.MeasurementFilter) ([]types.RotorMeasurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.RotorMeasurement, 0)
	for _, m := range s.data.measurements {
		if f.Match(m) {
			out = append(out, m)
		}
	}
	types.SortMeasurements(out)
	return out, nil
}

// DeleteMeasurement removes one measurement.
func (s *Store) DeleteMeasurement(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.measurements[id]; !ok {
		return fmt.Errorf("measurement %d: %w", id, store.ErrNotFound)
	}
	delete(s.data.measurements, id)
	return nil
}

// Update runs fn against a private copy and commits it if fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.data.clone()
	if err := fn(&tx{data: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

type tx struct {
	data *state
}

func (t *tx) GetBus(_ context.Context, id int64) (types.Bus, error) {
	return t.data.getBus(id)
}

func (t *tx) UpdateBusMileage(_ context.Context, busID, mileage int64) error {
	b, err := t.data.getBus(busID)
	if err != nil {
		return err
	}
	if mileage > b.CurrentMileage {
		b.CurrentMileage = mileage
		t.data.buses[busID] = b
	}
	return nil
}

func (t *tx) UpsertMeasurement(_ context.Context, m types.RotorMeasurement) (types.RotorMeasurement, error) {
	if _, err := t.data.getBus(m.BusID); err != nil {
		return types.RotorMeasurement{}, err
	}
	m.Date = types.Date(m.Date)
	for id, existing := range t.data.measurements {
		if existing.BusID == m.BusID && existing.Position == m.Position && existing.Date.Equal(m.Date) {
			m.ID = id
			t.data.measurements[id] = m
			return m, nil
		}
	}
	m.ID = t.data.nextMeasID
	t.data.nextMeasID++
	t.data.measurements[m.ID] = m
	return m, nil
}

var _ store.Store = (*Store)(nil)
