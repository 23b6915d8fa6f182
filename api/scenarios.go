/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	relief-operation data for testing and demos. Each scenario creates
	hubs, catalog items, ledger movements, and Needs Lists in states that
	demonstrate specific features.

AVAILABLE SCENARIOS:

	hub-network:          Hub registry + stocked warehouses, no open work
	needs-list-review:    A submitted Needs List with a fulfilment plan
	                      waiting for executive approval
	post-approval-dispute: An approved and dispatched Needs List with an
	                      open change request from the receiving hub
	low-stock:            Stock levels driven below item minimums

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Register hubs and catalog items
 3. Record intake/transfer movements
 4. Optionally walk Needs Lists into the target workflow state

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "needs-list-review"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler the loaders run against
  - engine/request.go: Workflow the loaders drive
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/drims/stock-engine/engine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "hub-network",
		Name:        "Hub Network",
		Description: "Main warehouse, two sub-hubs and an agency hub with stocked supplies",
	},
	{
		ID:          "needs-list-review",
		Name:        "Needs List In Review",
		Description: "A field Needs List with a prepared fulfilment awaiting approval",
	},
	{
		ID:          "post-approval-dispute",
		Name:        "Post-Approval Dispute",
		Description: "An approved, dispatched Needs List disputed by the receiving hub",
	},
	{
		ID:          "low-stock",
		Name:        "Low Stock",
		Description: "Stock levels below item minimums across the network",
	},
}

// resetter is satisfied by the concrete stores. The engine.Store interface
// deliberately has no Reset; wiping data is a demo-only concern.
type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          h.currentScenario,
		Name:        h.currentScenario,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	rs, ok := h.Store.(resetter)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Store does not support scenarios", nil)
		return
	}
	if err := rs.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	var err error
	switch req.ScenarioID {
	case "hub-network":
		err = h.loadHubNetworkScenario(ctx)
	case "needs-list-review":
		err = h.loadNeedsListReviewScenario(ctx)
	case "post-approval-dispute":
		err = h.loadPostApprovalDisputeScenario(ctx)
	case "low-stock":
		err = h.loadLowStockScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// DEMO CAST
// =============================================================================

// The loaders drive the real engine services with role-scoped actors, so
// loaded data passes the same capability and stock checks as live traffic.

func demoWarehouseStaff() engine.Actor {
	return engine.Actor{
		ID:        "wh-rose",
		Roles:     []engine.Role{engine.RoleWarehouseStaff},
		HubAccess: []engine.HubID{"hub-central", "hub-kingston", "hub-mobay"},
	}
}

func demoDistributor() engine.Actor {
	return engine.Actor{
		ID:        "dist-daniels",
		Roles:     []engine.Role{engine.RoleDistributor},
		HubAccess: []engine.HubID{"hub-mobay"},
	}
}

func demoManager() engine.Actor {
	return engine.Actor{
		ID:    "mgr-chen",
		Roles: []engine.Role{engine.RoleInventoryManager},
	}
}

func demoExecutive() engine.Actor {
	return engine.Actor{
		ID:    "exec-grant",
		Roles: []engine.Role{engine.RoleExecutive},
	}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadHubNetworkScenario registers the hub hierarchy and catalog, then
// stocks the network: donated goods arrive at the main warehouse and part
// of them is pushed out to the sub-hubs.
func (h *Handler) loadHubNetworkScenario(ctx context.Context) error {
	now := time.Now().UTC()

	event := engine.DisasterEvent{
		ID:        "hurricane-melissa",
		Name:      "Hurricane Melissa",
		Type:      "Hurricane",
		StartDate: now.AddDate(0, 0, -14),
		Status:    engine.DisasterActive,
		CreatedAt: now,
	}
	if err := h.Store.SaveDisasterEvent(ctx, event); err != nil {
		return err
	}

	hubs := []engine.Hub{
		{ID: "hub-central", Name: "Central Warehouse", Kind: engine.HubMain, Status: engine.HubActive, OperationalAt: &now},
		{ID: "hub-kingston", Name: "Kingston Depot", Kind: engine.HubSub, ParentID: "hub-central", Status: engine.HubActive, OperationalAt: &now},
		{ID: "hub-mobay", Name: "Montego Bay Depot", Kind: engine.HubSub, ParentID: "hub-central", Status: engine.HubActive, OperationalAt: &now},
		{ID: "hub-redcross", Name: "Red Cross Liaison", Kind: engine.HubAgency, Status: engine.HubActive, OperationalAt: &now},
	}
	for _, hub := range hubs {
		if err := h.Store.SaveHub(ctx, hub); err != nil {
			return err
		}
	}

	items := []engine.Item{
		{SKU: "WTR-1L", Name: "Bottled Water 1L", Category: "Water", Unit: "bottle", MinQty: 500},
		{SKU: "RICE-5KG", Name: "Rice 5kg Bag", Category: "Food", Unit: "bag", MinQty: 200},
		{SKU: "TARP-1", Name: "Tarpaulin 4x6m", Category: "Shelter", Unit: "sheet", MinQty: 50, StorageRequirements: "Keep dry"},
		{SKU: "KIT-HYG", Name: "Hygiene Kit", Category: "Sanitation", Unit: "kit", MinQty: 100},
	}
	for _, it := range items {
		if err := h.Store.SaveItem(ctx, it); err != nil {
			return err
		}
	}

	staff := demoWarehouseStaff()

	intakes := []engine.IntakeInput{
		{SKU: "WTR-1L", HubID: "hub-central", Qty: 2400, Donor: "UNICEF", EventTag: "hurricane-melissa"},
		{SKU: "RICE-5KG", HubID: "hub-central", Qty: 900, Donor: "World Food Programme", EventTag: "hurricane-melissa"},
		{SKU: "TARP-1", HubID: "hub-central", Qty: 300, Donor: "Direct Relief", EventTag: "hurricane-melissa"},
		{SKU: "KIT-HYG", HubID: "hub-central", Qty: 600, Donor: "Rotary Club", EventTag: "hurricane-melissa"},
	}
	for _, in := range intakes {
		if _, err := h.Ledger.Intake(ctx, staff, in); err != nil {
			return err
		}
	}

	transfers := []engine.TransferInput{
		{SKU: "WTR-1L", FromHub: "hub-central", ToHub: "hub-kingston", Qty: 600, EventTag: "hurricane-melissa"},
		{SKU: "WTR-1L", FromHub: "hub-central", ToHub: "hub-mobay", Qty: 600, EventTag: "hurricane-melissa"},
		{SKU: "RICE-5KG", FromHub: "hub-central", ToHub: "hub-kingston", Qty: 250, EventTag: "hurricane-melissa"},
		{SKU: "KIT-HYG", FromHub: "hub-central", ToHub: "hub-mobay", Qty: 150, EventTag: "hurricane-melissa"},
	}
	for _, in := range transfers {
		if _, err := h.Ledger.Transfer(ctx, staff, in); err != nil {
			return err
		}
	}

	// Some goods already reached beneficiaries.
	_, err := h.Ledger.Distribute(ctx, staff, engine.DistributeInput{
		SKU: "WTR-1L", HubID: "hub-kingston", Qty: 150,
		Beneficiary: "Trench Town shelter", EventTag: "hurricane-melissa",
	})
	return err
}

// loadNeedsListReviewScenario builds the network, then walks a Needs List
// from the Montego Bay distributor to Awaiting Approval with a split
// fulfilment plan saved by the inventory manager.
func (h *Handler) loadNeedsListReviewScenario(ctx context.Context) error {
	if err := h.loadHubNetworkScenario(ctx); err != nil {
		return err
	}

	dist := demoDistributor()
	req, err := h.Workflow.Create(ctx, dist, engine.CreateRequestInput{
		HubID:         "hub-mobay",
		Priority:      engine.PriorityHigh,
		Justification: "Shelter intake doubled after the storm surge",
		EventTag:      "hurricane-melissa",
		Lines: []engine.LineItem{
			{SKU: "WTR-1L", RequestedQty: 800},
			{SKU: "TARP-1", RequestedQty: 80},
		},
	})
	if err != nil {
		return err
	}
	if _, err := h.Workflow.Submit(ctx, dist, req.Seq); err != nil {
		return err
	}

	mgr := demoManager()
	if _, err := h.Locks.Acquire(ctx, req.Seq, mgr); err != nil {
		return err
	}
	_, err = h.Workflow.SaveFulfilment(ctx, mgr, req.Seq, []engine.Allocation{
		{SKU: "WTR-1L", HubID: "hub-central", Qty: 500},
		{SKU: "WTR-1L", HubID: "hub-kingston", Qty: 300},
		{SKU: "TARP-1", HubID: "hub-central", Qty: 80},
	})
	if err != nil {
		return err
	}
	_, err = h.Workflow.Finalize(ctx, mgr, req.Seq)
	return err
}

// loadPostApprovalDisputeScenario continues the review scenario through
// approval and dispatch, then has the receiving hub open a change request.
func (h *Handler) loadPostApprovalDisputeScenario(ctx context.Context) error {
	if err := h.loadNeedsListReviewScenario(ctx); err != nil {
		return err
	}

	pending := engine.StatusAwaitingApproval
	reqs, err := h.Workflow.List(ctx, &pending)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return fmt.Errorf("review scenario left no request awaiting approval")
	}
	seq := reqs[0].Seq

	if _, err := h.Workflow.Approve(ctx, demoExecutive(), seq); err != nil {
		return err
	}
	if _, err := h.Workflow.Dispatch(ctx, demoWarehouseStaff(), seq); err != nil {
		return err
	}

	_, err = h.Workflow.OpenChange(ctx, demoDistributor(), seq,
		"Only 600 of 800 water bottles arrived; two pallets were water-damaged")
	return err
}

// loadLowStockScenario leaves every hub short of the item minimums, so
// /api/stock/low and the background monitor have findings to report.
func (h *Handler) loadLowStockScenario(ctx context.Context) error {
	if err := h.loadHubNetworkScenario(ctx); err != nil {
		return err
	}

	staff := demoWarehouseStaff()

	// Drain the main warehouse below the water and rice minimums.
	drains := []engine.DistributeInput{
		{SKU: "WTR-1L", HubID: "hub-central", Qty: 900, Beneficiary: "St. Catherine shelters", EventTag: "hurricane-melissa"},
		{SKU: "RICE-5KG", HubID: "hub-central", Qty: 500, Beneficiary: "St. Catherine shelters", EventTag: "hurricane-melissa"},
		{SKU: "KIT-HYG", HubID: "hub-mobay", Qty: 100, Beneficiary: "Montego Bay clinics", EventTag: "hurricane-melissa"},
	}
	for _, in := range drains {
		if _, err := h.Ledger.Distribute(ctx, staff, in); err != nil {
			return err
		}
	}
	return nil
}
