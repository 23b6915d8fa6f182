package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drims/stock-engine/engine"
	"github.com/drims/stock-engine/engine/store"
)

// =============================================================================
// SHARED FIXTURES
// =============================================================================
// Registry used across the engine tests: one MAIN hub, two SUB hubs, one
// AGENCY hub, and two catalog items with low-stock thresholds.

const (
	hubCentral  = engine.HubID("hub-central")
	hubKingston = engine.HubID("hub-kingston")
	hubField    = engine.HubID("hub-field")
	hubAgency   = engine.HubID("hub-agency")

	skuWater = engine.ItemSKU("WTR-1L")
	skuRice  = engine.ItemSKU("RICE-5KG")
)

func newSeededStore(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()

	require.NoError(t, s.SaveHub(ctx, engine.Hub{
		ID: hubCentral, Name: "Central Warehouse", Kind: engine.HubMain, Status: engine.HubActive,
	}))
	require.NoError(t, s.SaveHub(ctx, engine.Hub{
		ID: hubKingston, Name: "Kingston Depot", Kind: engine.HubSub, ParentID: hubCentral, Status: engine.HubActive,
	}))
	require.NoError(t, s.SaveHub(ctx, engine.Hub{
		ID: hubField, Name: "Field Shelter", Kind: engine.HubSub, ParentID: hubCentral, Status: engine.HubActive,
	}))
	require.NoError(t, s.SaveHub(ctx, engine.Hub{
		ID: hubAgency, Name: "Partner Agency Store", Kind: engine.HubAgency, Status: engine.HubActive,
	}))

	require.NoError(t, s.SaveItem(ctx, engine.Item{
		SKU: skuWater, Name: "Bottled Water 1L", Category: "Water", Unit: "pcs", MinQty: 50,
	}))
	require.NoError(t, s.SaveItem(ctx, engine.Item{
		SKU: skuRice, Name: "Rice 5kg", Category: "Food", Unit: "bags", MinQty: 20,
	}))
	return s
}

// --- Actors ---

func admin() engine.Actor {
	return engine.Actor{ID: "admin-1", Roles: []engine.Role{engine.RoleAdmin}}
}

func warehouseStaff(id string, hubs ...engine.HubID) engine.Actor {
	return engine.Actor{ID: engine.ActorID(id), Roles: []engine.Role{engine.RoleWarehouseStaff}, HubAccess: hubs}
}

func inventoryManager(id string) engine.Actor {
	return engine.Actor{ID: engine.ActorID(id), Roles: []engine.Role{engine.RoleInventoryManager}}
}

func executive(id string) engine.Actor {
	return engine.Actor{ID: engine.ActorID(id), Roles: []engine.Role{engine.RoleExecutive}}
}

func distributor(id string, hubs ...engine.HubID) engine.Actor {
	return engine.Actor{ID: engine.ActorID(id), Roles: []engine.Role{engine.RoleDistributor}, HubAccess: hubs}
}

func auditor(id string) engine.Actor {
	return engine.Actor{ID: engine.ActorID(id), Roles: []engine.Role{engine.RoleAuditor}}
}

// --- Services ---

func newTestWorkflow(s engine.Store) *engine.Workflow {
	locks := engine.NewLockManager(s, engine.DefaultLockTTL)
	return engine.NewWorkflow(s, locks, engine.NopNotifier{})
}

// seedStock records an intake so derived stock at (sku, hub) equals qty.
func seedStock(t *testing.T, ledger *engine.Ledger, sku engine.ItemSKU, hub engine.HubID, qty int64) {
	t.Helper()
	_, err := ledger.Intake(context.Background(), admin(), engine.IntakeInput{
		SKU: sku, HubID: hub, Qty: qty, Donor: "seed",
	})
	require.NoError(t, err)
}
