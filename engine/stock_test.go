package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drims/stock-engine/engine"
)

func TestAggregator_GlobalStock_ExcludesAgencyHubs(t *testing.T) {
	// GIVEN: Water at two warehouse hubs and at a partner agency
	// WHEN: Computing the global total
	// THEN: Agency holdings are excluded; they are no longer ours to allocate

	s := newSeededStore(t)
	ledger := engine.NewLedger(s)
	agg := engine.NewAggregator(s)
	ctx := context.Background()

	seedStock(t, ledger, skuWater, hubCentral, 100)
	seedStock(t, ledger, skuWater, hubKingston, 40)
	seedStock(t, ledger, skuWater, hubAgency, 25)

	total, err := agg.GlobalStockOf(ctx, skuWater)
	require.NoError(t, err)
	assert.Equal(t, int64(140), total)

	byHub, err := agg.StockByHub(ctx, skuWater)
	require.NoError(t, err)
	assert.Equal(t, int64(25), byHub[hubAgency], "per-hub view still shows agency stock")
}

func TestAggregator_StockOf_UnseenKeyIsZero(t *testing.T) {
	s := newSeededStore(t)
	agg := engine.NewAggregator(s)

	stock, err := agg.StockOf(context.Background(), skuRice, hubField)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stock)
}

func TestAggregator_LowStock(t *testing.T) {
	// GIVEN: Water (min 50) at 30 in Kingston and 60 in Central; rice nowhere
	// WHEN: Running the low stock report
	// THEN: Every (item, hub) pair below minimum appears, including zero-stock hubs

	s := newSeededStore(t)
	ledger := engine.NewLedger(s)
	agg := engine.NewAggregator(s)
	ctx := context.Background()

	seedStock(t, ledger, skuWater, hubCentral, 60)
	seedStock(t, ledger, skuWater, hubKingston, 30)

	lines, err := agg.LowStock(ctx)
	require.NoError(t, err)

	type key struct {
		sku engine.ItemSKU
		hub engine.HubID
	}
	got := make(map[key]engine.LowStockLine, len(lines))
	for _, ln := range lines {
		got[key{ln.SKU, ln.HubID}] = ln
	}

	_, centralLow := got[key{skuWater, hubCentral}]
	assert.False(t, centralLow, "60 >= min 50 is not low")

	kingston, ok := got[key{skuWater, hubKingston}]
	require.True(t, ok)
	assert.Equal(t, int64(30), kingston.Stock)
	assert.Equal(t, int64(50), kingston.MinQty)

	// Hubs with no entries at all count as zero stock.
	field, ok := got[key{skuWater, hubField}]
	require.True(t, ok)
	assert.Equal(t, int64(0), field.Stock)

	rice, ok := got[key{skuRice, hubCentral}]
	require.True(t, ok)
	assert.Equal(t, int64(0), rice.Stock)
	assert.Equal(t, int64(20), rice.MinQty)
}

func TestAggregator_LowStock_SkipsItemsWithoutThreshold(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveItem(ctx, engine.Item{
		SKU: "TARP-1", Name: "Tarpaulin", Unit: "sheet", MinQty: 0,
	}))

	agg := engine.NewAggregator(s)
	lines, err := agg.LowStock(ctx)
	require.NoError(t, err)
	for _, ln := range lines {
		assert.NotEqual(t, engine.ItemSKU("TARP-1"), ln.SKU)
	}
}
