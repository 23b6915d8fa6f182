/*
scheduler_test.go - Tests for the background low-stock monitor

PURPOSE:
	Verifies the monitor's notification behavior: one event per low
	(item, hub) pair, no repeats while the pair stays low, and a fresh
	event after the pair recovers and drops again.
*/
package api

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drims/stock-engine/engine"
	"github.com/drims/stock-engine/engine/store"
)

// captureNotifier records published events for assertions.
type captureNotifier struct {
	events []engine.Event
}

func (c *captureNotifier) Publish(_ context.Context, ev engine.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func newMonitorFixture(t *testing.T) (*Handler, *StockMonitor, *captureNotifier) {
	t.Helper()

	h := NewHandler(store.NewMemory(), engine.DefaultLockTTL, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, h.Store.SaveHub(ctx, engine.Hub{
		ID: "hub-central", Name: "Central Warehouse", Kind: engine.HubMain, Status: engine.HubActive,
	}))
	require.NoError(t, h.Store.SaveItem(ctx, engine.Item{
		SKU: "WTR-1L", Name: "Bottled Water 1L", Unit: "bottle", MinQty: 100,
	}))

	sink := &captureNotifier{}
	monitor := NewStockMonitor(h.Stock, sink, zerolog.Nop())
	return h, monitor, sink
}

func TestStockMonitor_NotifiesOncePerLowPair(t *testing.T) {
	// GIVEN: A hub stocked below the item minimum
	h, monitor, sink := newMonitorFixture(t)
	ctx := context.Background()
	admin := engine.Actor{ID: "admin-1", Roles: []engine.Role{engine.RoleAdmin}}

	_, err := h.Ledger.Intake(ctx, admin, engine.IntakeInput{
		SKU: "WTR-1L", HubID: "hub-central", Qty: 40, Donor: "Donor",
	})
	require.NoError(t, err)

	// WHEN: Running two checks back to back
	monitor.RunNow()
	monitor.RunNow()

	// THEN: The pair is reported exactly once
	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, engine.EventLowStock, ev.Type)
	assert.Equal(t, string(engine.RoleInventoryManager), ev.Target)
	assert.Contains(t, ev.Message, "Bottled Water 1L")
	assert.Contains(t, ev.Message, "hub-central")
}

func TestStockMonitor_RenotifiesAfterRecovery(t *testing.T) {
	// GIVEN: A pair that was reported low
	h, monitor, sink := newMonitorFixture(t)
	ctx := context.Background()
	admin := engine.Actor{ID: "admin-1", Roles: []engine.Role{engine.RoleAdmin}}

	_, err := h.Ledger.Intake(ctx, admin, engine.IntakeInput{
		SKU: "WTR-1L", HubID: "hub-central", Qty: 40, Donor: "Donor",
	})
	require.NoError(t, err)
	monitor.RunNow()
	require.Len(t, sink.events, 1)

	// WHEN: Stock recovers above the minimum, then drops again
	_, err = h.Ledger.Intake(ctx, admin, engine.IntakeInput{
		SKU: "WTR-1L", HubID: "hub-central", Qty: 200, Donor: "Donor",
	})
	require.NoError(t, err)
	monitor.RunNow()
	require.Len(t, sink.events, 1, "recovered stock should not notify")

	_, err = h.Ledger.Distribute(ctx, admin, engine.DistributeInput{
		SKU: "WTR-1L", HubID: "hub-central", Qty: 190, Beneficiary: "Shelter",
	})
	require.NoError(t, err)
	monitor.RunNow()

	// THEN: The new drop is reported again
	assert.Len(t, sink.events, 2)
}

func TestStockMonitor_ConcurrentChecksReportOnce(t *testing.T) {
	// GIVEN: A low stock level and checks racing each other
	h, monitor, sink := newMonitorFixture(t)
	ctx := context.Background()
	admin := engine.Actor{ID: "admin-1", Roles: []engine.Role{engine.RoleAdmin}}

	_, err := h.Ledger.Intake(ctx, admin, engine.IntakeInput{
		SKU: "WTR-1L", HubID: "hub-central", Qty: 40, Donor: "Donor",
	})
	require.NoError(t, err)

	// WHEN: Several manual checks run concurrently
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.RunNow()
		}()
	}
	wg.Wait()

	// THEN: The dedup set serializes them to a single notification
	assert.Len(t, sink.events, 1)
}

func TestStockMonitor_DisabledDoesNotStart(t *testing.T) {
	// GIVEN: A disabled monitor
	_, monitor, sink := newMonitorFixture(t)
	monitor.Enabled = false

	// WHEN: Starting and stopping it
	monitor.Start()
	monitor.Stop()

	// THEN: No checks ran
	assert.Empty(t, sink.events)
}
