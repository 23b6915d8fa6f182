/*
allocation.go - Allocation validation

PURPOSE:
  The allocation engine validates, it does not optimize. Allocation
  quantities are supplied by the fulfilment planner; this code rejects
  over-allocation against the request and against live stock. Hub choice
  is a human decision.

POLICY:
  - sum(allocations for a line item) must not exceed the requested qty
  - at commit time, each allocation must not exceed live stock at its hub
  - a zero-stock hub may retain a previously saved allocation for display
    and editing, but it fails validation at commit unless replenished
  - when two commits race for the same (item, hub), the one that obtains
    the serialized validation pass first wins; the loser receives
    InsufficientStock and re-plans. No silent truncation.

STOCK READS:
  Validation reads stock through the store at validation time, never from
  values cached when the plan was prepared. Callers run ValidateAllocations
  inside the same transaction as the write it protects.
*/
package engine

import (
	"context"
	"fmt"
)

// CheckAllocationShape validates the structural rules that hold at every
// save: non-negative quantities, every allocation names a line item, and
// per-item totals stay within the requested quantity. It does not read
// stock, so partially planned and zero-stock allocations pass.
func CheckAllocationShape(lines []LineItem, allocs []Allocation) error {
	requested := make(map[ItemSKU]int64, len(lines))
	for _, li := range lines {
		requested[li.SKU] = li.RequestedQty
	}

	totals := make(map[ItemSKU]int64)
	seen := make(map[string]bool)
	for _, al := range allocs {
		if al.Qty < 0 {
			return &ValidationError{Field: "allocation", Message: fmt.Sprintf("negative quantity for %s at %s", al.SKU, al.HubID)}
		}
		if _, ok := requested[al.SKU]; !ok {
			return &ValidationError{Field: "allocation", Message: fmt.Sprintf("item %s is not on the needs list", al.SKU)}
		}
		key := string(al.SKU) + "|" + string(al.HubID)
		if seen[key] {
			return &ValidationError{Field: "allocation", Message: fmt.Sprintf("duplicate allocation for %s at %s", al.SKU, al.HubID)}
		}
		seen[key] = true
		totals[al.SKU] += al.Qty
	}

	for sku, total := range totals {
		if total > requested[sku] {
			return &ValidationError{Field: "allocation", Message: fmt.Sprintf(
				"allocated %d of %s exceeds requested %d", total, sku, requested[sku])}
		}
	}
	return nil
}

// ValidateAllocations performs full commit-time validation: shape rules
// plus live stock per (item, hub), read through s at validation time.
// Must run inside the same store transaction as the write it gates.
func ValidateAllocations(ctx context.Context, s Store, lines []LineItem, allocs []Allocation) error {
	if err := CheckAllocationShape(lines, allocs); err != nil {
		return err
	}
	for _, al := range allocs {
		if al.Qty == 0 {
			continue
		}
		hub, err := s.GetHub(ctx, al.HubID)
		if err != nil {
			return err
		}
		if hub == nil {
			return fmt.Errorf("%w: %s", ErrHubNotFound, al.HubID)
		}
		available, err := s.SumFor(ctx, al.SKU, al.HubID)
		if err != nil {
			return err
		}
		if al.Qty > available {
			return &InsufficientStockError{SKU: al.SKU, HubID: al.HubID, Requested: al.Qty, Available: available}
		}
	}
	return nil
}

// AllocationDelta returns the per-(item, hub) change from before to after.
// Pairs with zero net change are omitted. Used by the change-resolution
// path, which moves only the delta rather than re-moving everything.
func AllocationDelta(before, after []Allocation) []Allocation {
	type key struct {
		sku ItemSKU
		hub HubID
	}
	net := make(map[key]int64)
	var order []key
	for _, al := range after {
		k := key{al.SKU, al.HubID}
		if _, ok := net[k]; !ok {
			order = append(order, k)
		}
		net[k] += al.Qty
	}
	for _, al := range before {
		k := key{al.SKU, al.HubID}
		if _, ok := net[k]; !ok {
			order = append(order, k)
		}
		net[k] -= al.Qty
	}

	var delta []Allocation
	for _, k := range order {
		if net[k] != 0 {
			delta = append(delta, Allocation{SKU: k.sku, HubID: k.hub, Qty: net[k]})
		}
	}
	return delta
}
