package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drims/stock-engine/engine"
)

func waterLines(qty int64) []engine.LineItem {
	return []engine.LineItem{{SKU: skuWater, RequestedQty: qty}}
}

// =============================================================================
// SHAPE RULES - no stock reads
// =============================================================================

func TestCheckAllocationShape(t *testing.T) {
	lines := []engine.LineItem{
		{SKU: skuWater, RequestedQty: 100},
		{SKU: skuRice, RequestedQty: 40},
	}

	t.Run("valid split across hubs", func(t *testing.T) {
		err := engine.CheckAllocationShape(lines, []engine.Allocation{
			{SKU: skuWater, HubID: hubCentral, Qty: 60},
			{SKU: skuWater, HubID: hubKingston, Qty: 40},
			{SKU: skuRice, HubID: hubCentral, Qty: 40},
		})
		assert.NoError(t, err)
	})

	t.Run("partial plan is fine", func(t *testing.T) {
		err := engine.CheckAllocationShape(lines, []engine.Allocation{
			{SKU: skuWater, HubID: hubCentral, Qty: 10},
		})
		assert.NoError(t, err)
	})

	t.Run("over-allocation across hubs rejected", func(t *testing.T) {
		err := engine.CheckAllocationShape(lines, []engine.Allocation{
			{SKU: skuWater, HubID: hubCentral, Qty: 60},
			{SKU: skuWater, HubID: hubKingston, Qty: 50},
		})
		assert.ErrorIs(t, err, engine.ErrValidation)
	})

	t.Run("item not on the list rejected", func(t *testing.T) {
		err := engine.CheckAllocationShape(lines, []engine.Allocation{
			{SKU: "TARP-1", HubID: hubCentral, Qty: 5},
		})
		assert.ErrorIs(t, err, engine.ErrValidation)
	})

	t.Run("negative quantity rejected", func(t *testing.T) {
		err := engine.CheckAllocationShape(lines, []engine.Allocation{
			{SKU: skuWater, HubID: hubCentral, Qty: -1},
		})
		assert.ErrorIs(t, err, engine.ErrValidation)
	})

	t.Run("duplicate (item, hub) pair rejected", func(t *testing.T) {
		err := engine.CheckAllocationShape(lines, []engine.Allocation{
			{SKU: skuWater, HubID: hubCentral, Qty: 30},
			{SKU: skuWater, HubID: hubCentral, Qty: 30},
		})
		assert.ErrorIs(t, err, engine.ErrValidation)
	})
}

// =============================================================================
// COMMIT-TIME VALIDATION - live stock
// =============================================================================

func TestValidateAllocations_LiveStock(t *testing.T) {
	// GIVEN: 50 units at Central
	// WHEN: Validating an allocation of 60 from Central
	// THEN: InsufficientStock naming the shortfall exactly

	s := newSeededStore(t)
	ledger := engine.NewLedger(s)
	ctx := context.Background()
	seedStock(t, ledger, skuWater, hubCentral, 50)

	err := engine.ValidateAllocations(ctx, s, waterLines(100), []engine.Allocation{
		{SKU: skuWater, HubID: hubCentral, Qty: 60},
	})
	require.Error(t, err)

	var stockErr *engine.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, hubCentral, stockErr.HubID)
	assert.Equal(t, int64(60), stockErr.Requested)
	assert.Equal(t, int64(50), stockErr.Available)

	// At or below live stock passes.
	err = engine.ValidateAllocations(ctx, s, waterLines(100), []engine.Allocation{
		{SKU: skuWater, HubID: hubCentral, Qty: 50},
	})
	assert.NoError(t, err)
}

func TestValidateAllocations_ZeroQtySkipsStockRead(t *testing.T) {
	// A saved placeholder row with qty 0 must not fail against an empty hub.
	s := newSeededStore(t)

	err := engine.ValidateAllocations(context.Background(), s, waterLines(100), []engine.Allocation{
		{SKU: skuWater, HubID: hubField, Qty: 0},
	})
	assert.NoError(t, err)
}

func TestValidateAllocations_UnknownHub(t *testing.T) {
	s := newSeededStore(t)

	err := engine.ValidateAllocations(context.Background(), s, waterLines(100), []engine.Allocation{
		{SKU: skuWater, HubID: "hub-nowhere", Qty: 10},
	})
	assert.ErrorIs(t, err, engine.ErrHubNotFound)
}

// =============================================================================
// DELTA
// =============================================================================

func TestAllocationDelta(t *testing.T) {
	before := []engine.Allocation{
		{SKU: skuWater, HubID: hubCentral, Qty: 60},
		{SKU: skuWater, HubID: hubKingston, Qty: 40},
	}
	after := []engine.Allocation{
		{SKU: skuWater, HubID: hubCentral, Qty: 50},
		{SKU: skuWater, HubID: hubKingston, Qty: 40},
		{SKU: skuRice, HubID: hubCentral, Qty: 10},
	}

	delta := engine.AllocationDelta(before, after)

	byKey := make(map[string]int64, len(delta))
	for _, d := range delta {
		byKey[string(d.SKU)+"|"+string(d.HubID)] = d.Qty
	}
	assert.Len(t, delta, 2, "unchanged pairs are omitted")
	assert.Equal(t, int64(-10), byKey[string(skuWater)+"|"+string(hubCentral)])
	assert.Equal(t, int64(10), byKey[string(skuRice)+"|"+string(hubCentral)])
}

func TestAllocationDelta_IdenticalPlansAreEmpty(t *testing.T) {
	plan := []engine.Allocation{{SKU: skuWater, HubID: hubCentral, Qty: 25}}
	assert.Empty(t, engine.AllocationDelta(plan, plan))
}
