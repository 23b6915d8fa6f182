/*
stock.go - Derived stock aggregation

PURPOSE:
  The single source of truth for "how much is available". Stock is never
  stored: it is the signed sum of ledger entries for an (item, hub) key.
  Implementations may pre-aggregate (the SQLite store uses SUM queries)
  but must stay consistent with a full rescan of the entries.

GLOBAL AGGREGATES:
  AGENCY hubs belong to independent organisations. Their movements stay in
  the ledger and in per-hub queries, but global availability excludes them
  by policy, not by omission.
*/
package engine

import "context"

type Aggregator struct {
	Store Store
}

func NewAggregator(store Store) *Aggregator {
	return &Aggregator{Store: store}
}

// StockOf returns current quantity-on-hand for (sku, hub).
func (a *Aggregator) StockOf(ctx context.Context, sku ItemSKU, hub HubID) (int64, error) {
	return a.Store.SumFor(ctx, sku, hub)
}

// GlobalStockOf returns the item's total across all non-agency hubs.
func (a *Aggregator) GlobalStockOf(ctx context.Context, sku ItemSKU) (int64, error) {
	sums, err := a.Store.SumByHub(ctx, sku)
	if err != nil {
		return 0, err
	}
	hubs, err := a.hubKinds(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for hubID, qty := range sums {
		if hubs[hubID] == HubAgency {
			continue
		}
		total += qty
	}
	return total, nil
}

// StockByHub returns per-hub quantities for one item, all hub kinds.
func (a *Aggregator) StockByHub(ctx context.Context, sku ItemSKU) (map[HubID]int64, error) {
	return a.Store.SumByHub(ctx, sku)
}

// =============================================================================
// LOW STOCK REPORTING
// =============================================================================

type LowStockLine struct {
	SKU      ItemSKU
	ItemName string
	HubID    HubID
	Stock    int64
	MinQty   int64
}

// LowStock reports (item, hub) pairs whose stock fell below the item's
// minimum threshold. Negative stock is a bug elsewhere and is excluded so
// it surfaces in its own right rather than as a low-stock line.
func (a *Aggregator) LowStock(ctx context.Context) ([]LowStockLine, error) {
	items, err := a.Store.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	hubs, err := a.Store.ListHubs(ctx)
	if err != nil {
		return nil, err
	}

	var lines []LowStockLine
	for _, it := range items {
		if it.MinQty <= 0 {
			continue
		}
		sums, err := a.Store.SumByHub(ctx, it.SKU)
		if err != nil {
			return nil, err
		}
		for _, h := range hubs {
			stock := sums[h.ID]
			if stock >= 0 && stock < it.MinQty {
				lines = append(lines, LowStockLine{
					SKU:      it.SKU,
					ItemName: it.Name,
					HubID:    h.ID,
					Stock:    stock,
					MinQty:   it.MinQty,
				})
			}
		}
	}
	return lines, nil
}

func (a *Aggregator) hubKinds(ctx context.Context) (map[HubID]HubKind, error) {
	hubs, err := a.Store.ListHubs(ctx)
	if err != nil {
		return nil, err
	}
	kinds := make(map[HubID]HubKind, len(hubs))
	for _, h := range hubs {
		kinds[h.ID] = h.Kind
	}
	return kinds, nil
}
