package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/rotortrack/rotortrack/server/internal/store"
	"github.com/rotortrack/rotortrack/server/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestConcurrentMixedOps(t *testing.T) {
	st := New()
	ctx := context.Background()
	b, err := st.CreateBus(ctx, storetest.NewBus("1201", false))
	if err != nil {
		t.Fatalf("CreateBus: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			_ = st.Update(ctx, func(tx store.Tx) error {
				return tx.UpdateBusMileage(ctx, b.ID, int64(50000+n))
			})
		}(i)
		go func() {
			defer wg.Done()
			_, _ = st.ListBuses(ctx, store.BusFilter{})
		}()
	}
	wg.Wait()

	if got, _ := st.ListBuses(ctx, store.BusFilter{}); len(got) != 1 {
		t.Errorf("ListBuses after concurrent ops: got %d, want 1", len(got))
	}
}
