// Package storetest holds the behavioural tests every store.Store
// implementation must pass. Implementations call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rotortrack/rotortrack/pkg/types"
	"github.com/rotortrack/rotortrack/server/internal/store"
)

// Factory returns a new, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Store

var day0 = time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGetBus", func(t *testing.T) { testCreateAndGetBus(t, newStore(t)) })
	t.Run("GetBusMissing", func(t *testing.T) { testGetBusMissing(t, newStore(t)) })
	t.Run("DuplicateBusNumber", func(t *testing.T) { testDuplicateBusNumber(t, newStore(t)) })
	t.Run("ListBusesOrderAndFilter", func(t *testing.T) { testListBuses(t, newStore(t)) })
	t.Run("UpdateBus", func(t *testing.T) { testUpdateBus(t, newStore(t)) })
	t.Run("UpsertMeasurement", func(t *testing.T) { testUpsertMeasurement(t, newStore(t)) })
	t.Run("MeasurementOrder", func(t *testing.T) { testMeasurementOrder(t, newStore(t)) })
	t.Run("UpdateRollsBack", func(t *testing.T) { testUpdateRollsBack(t, newStore(t)) })
	t.Run("DeleteBusCascades", func(t *testing.T) { testDeleteBusCascades(t, newStore(t)) })
	t.Run("DeleteMeasurement", func(t *testing.T) { testDeleteMeasurement(t, newStore(t)) })
	t.Run("ListAllMeasurementsFilter", func(t *testing.T) { testListAllMeasurements(t, newStore(t)) })
	t.Run("ListBusesByteOrder", func(t *testing.T) { testListBusesByteOrder(t, newStore(t)) })
	t.Run("MileageNeverLowered", func(t *testing.T) { testMileageNeverLowered(t, newStore(t)) })
	t.Run("ConcurrentReadWriteUpdates", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
}

// NewBus returns a valid bus record for tests.
func NewBus(number string, articulated bool) types.Bus {
	return types.Bus{
		Number:            number,
		Type:              "40ft Diesel",
		Location:          "North Garage",
		CurrentMileage:    50000,
		Articulated:       articulated,
		MinRotorThickness: decimal.RequireFromString("10.00"),
	}
}

func mustCreate(t *testing.T, st store.Store, b types.Bus) types.Bus {
	t.Helper()
	created, err := st.CreateBus(context.Background(), b)
	if err != nil {
		t.Fatalf("CreateBus(%s): %v", b.Number, err)
	}
	return created
}

func upsert(t *testing.T, st store.Store, m types.RotorMeasurement) types.RotorMeasurement {
	t.Helper()
	var out types.RotorMeasurement
	err := st.Update(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.UpsertMeasurement(context.Background(), m)
		return err
	})
	if err != nil {
		t.Fatalf("UpsertMeasurement: %v", err)
	}
	return out
}

func measurement(busID int64, pos types.Position, days int, mileage int64, thickness string) types.RotorMeasurement {
	return types.RotorMeasurement{
		BusID:     busID,
		Position:  pos,
		Date:      day0.AddDate(0, 0, days),
		Mileage:   mileage,
		Thickness: decimal.RequireFromString(thickness),
	}
}

func testCreateAndGetBus(t *testing.T, st store.Store) {
	ctx := context.Background()
	created := mustCreate(t, st, NewBus("1201", true))
	if created.ID == 0 {
		t.Fatal("CreateBus: ID not assigned")
	}
	got, err := st.GetBus(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetBus: %v", err)
	}
	if got.Number != "1201" || !got.Articulated || got.CurrentMileage != 50000 {
		t.Errorf("GetBus: got %+v", got)
	}
	if !got.MinRotorThickness.Equal(decimal.RequireFromString("10")) {
		t.Errorf("MinRotorThickness: got %s, want 10.00", got.MinRotorThickness)
	}
}

func testGetBusMissing(t *testing.T, st store.Store) {
	_, err := st.GetBus(context.Background(), 999)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetBus(999): got %v, want ErrNotFound", err)
	}
	_, err = st.ListMeasurements(context.Background(), 999)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ListMeasurements(999): got %v, want ErrNotFound", err)
	}
}

func testDuplicateBusNumber(t *testing.T, st store.Store) {
	mustCreate(t, st, NewBus("1201", false))
	_, err := st.CreateBus(context.Background(), NewBus("1201", true))
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate CreateBus: got %v, want ErrConflict", err)
	}
}

func testListBuses(t *testing.T, st store.Store) {
	ctx := context.Background()
	b3 := NewBus("3003", true)
	b3.Location = "South Garage"
	mustCreate(t, st, b3)
	mustCreate(t, st, NewBus("1001", false))
	b2 := NewBus("2002", false)
	b2.Type = "Electric"
	mustCreate(t, st, b2)

	all, err := st.ListBuses(ctx, store.BusFilter{})
	if err != nil {
		t.Fatalf("ListBuses: %v", err)
	}
	want := []string{"1001", "2002", "3003"}
	if len(all) != len(want) {
		t.Fatalf("ListBuses: got %d buses, want %d", len(all), len(want))
	}
	for i, n := range want {
		if all[i].Number != n {
			t.Errorf("ListBuses[%d]: got %s, want %s", i, all[i].Number, n)
		}
	}

	yes := true
	art, err := st.ListBuses(ctx, store.BusFilter{Articulated: &yes})
	if err != nil {
		t.Fatalf("ListBuses(articulated): %v", err)
	}
	if len(art) != 1 || art[0].Number != "3003" {
		t.Errorf("ListBuses(articulated): got %+v", art)
	}

	search, err := st.ListBuses(ctx, store.BusFilter{Search: "electric"})
	if err != nil {
		t.Fatalf("ListBuses(search): %v", err)
	}
	if len(search) != 1 || search[0].Number != "2002" {
		t.Errorf("ListBuses(search): got %+v", search)
	}

	loc, err := st.ListBuses(ctx, store.BusFilter{Location: "South Garage"})
	if err != nil {
		t.Fatalf("ListBuses(location): %v", err)
	}
	if len(loc) != 1 || loc[0].Number != "3003" {
		t.Errorf("ListBuses(location): got %+v", loc)
	}
}

func testUpdateBus(t *testing.T, st store.Store) {
	ctx := context.Background()
	b := mustCreate(t, st, NewBus("1201", false))
	other := mustCreate(t, st, NewBus("1202", false))

	b.Location = "Depot 9"
	b.MinRotorThickness = decimal.RequireFromString("11.50")
	if _, err := st.UpdateBus(ctx, b); err != nil {
		t.Fatalf("UpdateBus: %v", err)
	}
	got, err := st.GetBus(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBus: %v", err)
	}
	if got.Location != "Depot 9" || !got.MinRotorThickness.Equal(decimal.RequireFromString("11.5")) {
		t.Errorf("after UpdateBus: got %+v", got)
	}

	other.Number = "1201"
	if _, err := st.UpdateBus(ctx, other); !errors.Is(err, store.ErrConflict) {
		t.Errorf("UpdateBus to taken number: got %v, want ErrConflict", err)
	}
	if _, err := st.UpdateBus(ctx, types.Bus{ID: 999, Number: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateBus(999): got %v, want ErrNotFound", err)
	}
}

func testUpsertMeasurement(t *testing.T, st store.Store) {
	ctx := context.Background()
	b := mustCreate(t, st, NewBus("1201", false))

	first := upsert(t, st, measurement(b.ID, types.FrontLeft, 0, 40000, "28.000"))
	if first.ID == 0 {
		t.Fatal("UpsertMeasurement: ID not assigned")
	}
	second := upsert(t, st, measurement(b.ID, types.FrontLeft, 0, 40500, "27.500"))
	if second.ID != first.ID {
		t.Errorf("same key upsert: got ID %d, want %d", second.ID, first.ID)
	}

	ms, err := st.ListMeasurements(ctx, b.ID)
	if err != nil {
		t.Fatalf("ListMeasurements: %v", err)
	}
	if len(ms) != 1 {
		t.Fatalf("ListMeasurements: got %d, want 1", len(ms))
	}
	if ms[0].Mileage != 40500 || !ms[0].Thickness.Equal(decimal.RequireFromString("27.5")) {
		t.Errorf("overwritten measurement: got %+v", ms[0])
	}
	if !ms[0].Date.Equal(day0) {
		t.Errorf("Date: got %v, want %v", ms[0].Date, day0)
	}
}

func testMeasurementOrder(t *testing.T, st store.Store) {
	ctx := context.Background()
	b := mustCreate(t, st, NewBus("1201", false))
	upsert(t, st, measurement(b.ID, types.FrontLeft, 20, 42000, "27.000"))
	upsert(t, st, measurement(b.ID, types.RearLeft, 0, 40000, "28.000"))
	upsert(t, st, measurement(b.ID, types.FrontLeft, 0, 40000, "28.000"))

	ms, err := st.ListMeasurements(ctx, b.ID)
	if err != nil {
		t.Fatalf("ListMeasurements: %v", err)
	}
	if len(ms) != 3 {
		t.Fatalf("ListMeasurements: got %d, want 3", len(ms))
	}
	for i := 1; i < len(ms); i++ {
		prev, cur := ms[i-1], ms[i]
		if cur.Date.Before(prev.Date) || (cur.Date.Equal(prev.Date) && cur.ID < prev.ID) {
			t.Errorf("measurements out of (date, id) order at %d: %+v then %+v", i, prev, cur)
		}
	}
	if ms[2].Position != types.FrontLeft || ms[2].Mileage != 42000 {
		t.Errorf("last measurement: got %+v", ms[2])
	}
}

func testUpdateRollsBack(t *testing.T, st store.Store) {
	ctx := context.Background()
	b := mustCreate(t, st, NewBus("1201", false))
	boom := errors.New("boom")

	err := st.Update(ctx, func(tx store.Tx) error {
		if err := tx.UpdateBusMileage(ctx, b.ID, 99999); err != nil {
			return err
		}
		if _, err := tx.UpsertMeasurement(ctx, measurement(b.ID, types.FrontLeft, 0, 99999, "20.000")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update: got %v, want boom", err)
	}

	got, err := st.GetBus(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBus: %v", err)
	}
	if got.CurrentMileage != 50000 {
		t.Errorf("mileage after rollback: got %d, want 50000", got.CurrentMileage)
	}
	ms, err := st.ListMeasurements(ctx, b.ID)
	if err != nil {
		t.Fatalf("ListMeasurements: %v", err)
	}
	if len(ms) != 0 {
		t.Errorf("measurements after rollback: got %d, want 0", len(ms))
	}
}

func testDeleteBusCascades(t *testing.T, st store.Store) {
	ctx := context.Background()
	b := mustCreate(t, st, NewBus("1201", false))
	keep := mustCreate(t, st, NewBus("1202", false))
	upsert(t, st, measurement(b.ID, types.FrontLeft, 0, 40000, "28.000"))
	upsert(t, st, measurement(keep.ID, types.FrontLeft, 0, 40000, "28.000"))

	if err := st.DeleteBus(ctx, b.ID); err != nil {
		t.Fatalf("DeleteBus: %v", err)
	}
	if _, err := st.GetBus(ctx, b.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetBus after delete: got %v, want ErrNotFound", err)
	}
	all, err := st.ListAllMeasurements(ctx, store.MeasurementFilter{})
	if err != nil {
		t.Fatalf("ListAllMeasurements: %v", err)
	}
	if len(all) != 1 || all[0].BusID != keep.ID {
		t.Errorf("measurements after cascade: got %+v", all)
	}
	if err := st.DeleteBus(ctx, b.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second DeleteBus: got %v, want ErrNotFound", err)
	}
}

func testDeleteMeasurement(t *testing.T, st store.Store) {
	ctx := context.Background()
	b := mustCreate(t, st, NewBus("1201", false))
	m := upsert(t, st, measurement(b.ID, types.FrontLeft, 0, 40000, "28.000"))

	if err := st.DeleteMeasurement(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMeasurement: %v", err)
	}
	if err := st.DeleteMeasurement(ctx, m.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second DeleteMeasurement: got %v, want ErrNotFound", err)
	}
}

func testListAllMeasurements(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := mustCreate(t, st, NewBus("1201", false))
	b := mustCreate(t, st, NewBus("1202", false))
	upsert(t, st, measurement(a.ID, types.FrontLeft, 0, 40000, "28.000"))
	upsert(t, st, measurement(a.ID, types.RearRight, 0, 40000, "28.000"))
	upsert(t, st, measurement(b.ID, types.FrontLeft, 0, 40000, "28.000"))

	got, err := st.ListAllMeasurements(ctx, store.MeasurementFilter{Position: types.FrontLeft})
	if err != nil {
		t.Fatalf("ListAllMeasurements: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("filter by position: got %d, want 2", len(got))
	}
	got, err = st.ListAllMeasurements(ctx, store.MeasurementFilter{BusID: a.ID})
	if err != nil {
		t.Fatalf("ListAllMeasurements: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("filter by bus: got %d, want 2", len(got))
	}
}

func testListBusesByteOrder(t *testing.T, st store.Store) {
	for _, n := range []string{"a10", "B20", "b05", "C30"} {
		mustCreate(t, st, NewBus(n, false))
	}
	all, err := st.ListBuses(context.Background(), store.BusFilter{})
	if err != nil {
		t.Fatalf("ListBuses: %v", err)
	}
	want := []string{"B20", "C30", "a10", "b05"}
	if len(all) != len(want) {
		t.Fatalf("ListBuses: got %d buses, want %d", len(all), len(want))
	}
	for i, n := range want {
		if all[i].Number != n {
			t.Errorf("ListBuses[%d]: got %s, want %s", i, all[i].Number, n)
		}
	}
}

func testMileageNeverLowered(t *testing.T, st store.Store) {
	ctx := context.Background()
	b := mustCreate(t, st, NewBus("1201", false))
	err := st.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateBusMileage(ctx, b.ID, 40000)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := st.GetBus(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBus: %v", err)
	}
	if got.CurrentMileage != 50000 {
		t.Errorf("mileage: got %d, want 50000", got.CurrentMileage)
	}
}

// testConcurrentUpdates runs read-then-write units on one bus from many
// goroutines, the shape of an intake.
func testConcurrentUpdates(t *testing.T, st store.Store) {
	ctx := context.Background()
	b := mustCreate(t, st, NewBus("1201", false))

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 1; i <= workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			submitted := int64(50000 + n*100)
			errs <- st.Update(ctx, func(tx store.Tx) error {
				bus, err := tx.GetBus(ctx, b.ID)
				if err != nil {
					return err
				}
				if submitted > bus.CurrentMileage {
					if err := tx.UpdateBusMileage(ctx, bus.ID, submitted); err != nil {
						return err
					}
				}
				_, err = tx.UpsertMeasurement(ctx, measurement(bus.ID, types.FrontLeft, n, submitted, "20.000"))
				if err != nil {
					return fmt.Errorf("worker %d: %w", n, err)
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	failed := 0
	for err := range errs {
		if err != nil {
			failed++
			t.Errorf("Update: %v", err)
		}
	}
	if failed > 0 {
		t.Fatalf("%d/%d concurrent updates failed", failed, workers)
	}

	got, err := st.GetBus(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBus: %v", err)
	}
	if want := int64(50000 + workers*100); got.CurrentMileage != want {
		t.Errorf("mileage: got %d, want %d", got.CurrentMileage, want)
	}
	ms, err := st.ListMeasurements(ctx, b.ID)
	if err != nil {
		t.Fatalf("ListMeasurements: %v", err)
	}
	if len(ms) != workers {
		t.Errorf("measurements: got %d, want %d", len(ms), workers)
	}
}
