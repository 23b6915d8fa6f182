/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Hubs and items are registered
	- Stock derives to the expected levels
	- Needs Lists land in the advertised workflow state

These tests double as integration tests for the engine services the
loaders drive.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drims/stock-engine/engine"
	"github.com/drims/stock-engine/engine/store"
)

func newScenarioHandler(t *testing.T) *Handler {
	t.Helper()
	return NewHandler(store.NewMemory(), engine.DefaultLockTTL, zerolog.Nop())
}

func TestScenario_HubNetwork(t *testing.T) {
	// GIVEN: The hub-network scenario
	h := newScenarioHandler(t)
	ctx := context.Background()

	// WHEN: Loading it
	require.NoError(t, h.loadHubNetworkScenario(ctx))

	// THEN: The registry and stock levels match the loader's movements
	hubs, err := h.Store.ListHubs(ctx)
	require.NoError(t, err)
	assert.Len(t, hubs, 4)

	items, err := h.Store.ListItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 4)

	event, err := h.Store.GetDisasterEvent(ctx, "hurricane-melissa")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, engine.DisasterActive, event.Status)

	byHub, err := h.Stock.StockByHub(ctx, "WTR-1L")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), byHub["hub-central"], "2400 in, 1200 transferred out")
	assert.Equal(t, int64(450), byHub["hub-kingston"], "600 in, 150 distributed")
	assert.Equal(t, int64(600), byHub["hub-mobay"])
}

func TestScenario_NeedsListReview(t *testing.T) {
	// GIVEN: The needs-list-review scenario
	h := newScenarioHandler(t)
	ctx := context.Background()

	require.NoError(t, h.loadNeedsListReviewScenario(ctx))

	// THEN: Exactly one request awaits approval, with a split plan and no lock
	pending := engine.StatusAwaitingApproval
	reqs, err := h.Workflow.List(ctx, &pending)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	req := reqs[0]
	assert.Equal(t, engine.HubID("hub-mobay"), req.HubID)
	assert.Equal(t, engine.PriorityHigh, req.Priority)
	assert.Len(t, req.Allocations, 3)
	assert.Nil(t, req.Lock, "finalize releases the edit lock")
	assert.Equal(t, engine.ActorID("dist-daniels"), req.SubmittedBy)
	assert.Equal(t, engine.ActorID("mgr-chen"), req.FinalizedBy)
}

func TestScenario_PostApprovalDispute(t *testing.T) {
	// GIVEN: The post-approval-dispute scenario
	h := newScenarioHandler(t)
	ctx := context.Background()

	require.NoError(t, h.loadPostApprovalDisputeScenario(ctx))

	// THEN: The approved stock moved and the request carries an open dispute
	disputed := engine.StatusChangeRequested
	reqs, err := h.Workflow.List(ctx, &disputed)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	req := reqs[0]
	require.NotEmpty(t, req.OpenChangeID)

	change, err := h.Store.GetChange(ctx, req.OpenChangeID)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, engine.ChangePendingReview, change.Status)
	assert.Equal(t, engine.StatusDispatched, change.PriorStatus)
	assert.Equal(t, engine.ActorID("dist-daniels"), change.CreatedBy)

	byHub, err := h.Stock.StockByHub(ctx, "WTR-1L")
	require.NoError(t, err)
	assert.Equal(t, int64(700), byHub["hub-central"], "500 allocated out of 1200")
	assert.Equal(t, int64(150), byHub["hub-kingston"], "300 allocated out of 450")
	assert.Equal(t, int64(1400), byHub["hub-mobay"], "600 baseline plus 800 fulfilled")
}

func TestScenario_LowStock(t *testing.T) {
	// GIVEN: The low-stock scenario
	h := newScenarioHandler(t)
	ctx := context.Background()

	require.NoError(t, h.loadLowStockScenario(ctx))

	// THEN: The drained main warehouse shows up in the low stock report
	lines, err := h.Stock.LowStock(ctx)
	require.NoError(t, err)

	low := make(map[string]int64)
	for _, l := range lines {
		low[string(l.SKU)+"@"+string(l.HubID)] = l.Stock
	}
	assert.Equal(t, int64(300), low["WTR-1L@hub-central"], "1200 minus 900 distributed, below minimum 500")
	assert.Equal(t, int64(150), low["RICE-5KG@hub-central"], "650 minus 500 distributed, below minimum 200")
	assert.Equal(t, int64(50), low["KIT-HYG@hub-mobay"], "150 minus 100 distributed, below minimum 100")
}

func TestScenario_LoadEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	// Listing advertises every scenario
	rec := f.do("GET", "/api/scenarios", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []ScenarioDTO
	f.decode(rec, &listed)
	assert.Len(t, listed, 4)

	// Nothing loaded yet
	rec = f.do("GET", "/api/scenarios/current", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())

	// Loading a known scenario succeeds and becomes current
	rec = f.do("POST", "/api/scenarios/load", nil, map[string]string{"scenario_id": "hub-network"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do("GET", "/api/scenarios/current", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var current ScenarioDTO
	f.decode(rec, &current)
	assert.Equal(t, "hub-network", current.ID)

	// Unknown scenarios are rejected
	rec = f.do("POST", "/api/scenarios/load", nil, map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenario_LoadResetsPreviousData(t *testing.T) {
	// GIVEN: A loaded scenario with workflow data
	f := newAPIFixture(t)
	rec := f.do("POST", "/api/scenarios/load", nil, map[string]string{"scenario_id": "needs-list-review"})
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: Loading a different scenario on top
	rec = f.do("POST", "/api/scenarios/load", nil, map[string]string{"scenario_id": "hub-network"})
	require.Equal(t, http.StatusOK, rec.Code)

	// THEN: The previous scenario's requests are gone and numbering restarts
	rec = f.do("GET", "/api/requests", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reqs []RequestDTO
	f.decode(rec, &reqs)
	assert.Empty(t, reqs)

	seq, err := f.h.Store.NextRequestSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.RequestSeq("NL-000001"), seq)
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	// GIVEN: All available scenarios
	// WHEN: Loading each on a fresh store
	// THEN: None should error

	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			f := newAPIFixture(t)
			rec := f.do("POST", "/api/scenarios/load", nil, map[string]string{"scenario_id": s.ID})
			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		})
	}
}
