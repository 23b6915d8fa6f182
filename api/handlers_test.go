/*
handlers_test.go - HTTP API tests

Tests for:
- Actor identity extraction from headers
- Registry, ledger and stock endpoints
- Needs List lifecycle over HTTP
- Domain error to HTTP status mapping
- Idempotent operation envelope replay
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drims/stock-engine/engine"
	"github.com/drims/stock-engine/engine/store"
)

// =============================================================================
// FIXTURES
// =============================================================================

type apiFixture struct {
	t      *testing.T
	router http.Handler
	h      *Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	h := NewHandler(store.NewMemory(), engine.DefaultLockTTL, zerolog.Nop())
	return &apiFixture{t: t, router: NewRouter(h), h: h}
}

func apiAdmin() *engine.Actor {
	return &engine.Actor{ID: "admin-1", Roles: []engine.Role{engine.RoleAdmin}}
}

func apiStaff(hubs ...engine.HubID) *engine.Actor {
	return &engine.Actor{ID: "staff-1", Roles: []engine.Role{engine.RoleWarehouseStaff}, HubAccess: hubs}
}

func apiDistributor(hubs ...engine.HubID) *engine.Actor {
	return &engine.Actor{ID: "dist-1", Roles: []engine.Role{engine.RoleDistributor}, HubAccess: hubs}
}

// do performs one request against the router. A nil actor sends no identity
// headers.
func (f *apiFixture) do(method, path string, actor *engine.Actor, body any) *httptest.ResponseRecorder {
	f.t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(f.t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if actor != nil {
		req.Header.Set("X-Actor-Id", string(actor.ID))
		roles := make([]string, len(actor.Roles))
		for i, r := range actor.Roles {
			roles[i] = string(r)
		}
		req.Header.Set("X-Actor-Roles", strings.Join(roles, ","))
		hubs := make([]string, len(actor.HubAccess))
		for i, h := range actor.HubAccess {
			hubs[i] = string(h)
		}
		req.Header.Set("X-Actor-Hubs", strings.Join(hubs, ","))
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) decode(rec *httptest.ResponseRecorder, out any) {
	f.t.Helper()
	require.NoError(f.t, json.NewDecoder(rec.Body).Decode(out))
}

// seedRegistry creates two hubs and one item through the API.
func (f *apiFixture) seedRegistry() {
	f.t.Helper()

	rec := f.do("POST", "/api/hubs", nil, CreateHubRequest{ID: "hub-central", Name: "Central Warehouse", Kind: "MAIN"})
	require.Equal(f.t, http.StatusCreated, rec.Code)
	rec = f.do("POST", "/api/hubs", nil, CreateHubRequest{ID: "hub-field", Name: "Field Depot", Kind: "SUB", ParentID: "hub-central"})
	require.Equal(f.t, http.StatusCreated, rec.Code)

	rec = f.do("POST", "/api/items", nil, ItemDTO{SKU: "WTR-1L", Name: "Bottled Water 1L", Unit: "bottle", MinQty: 50})
	require.Equal(f.t, http.StatusCreated, rec.Code)
}

// seedStock records an intake at hub-central.
func (f *apiFixture) seedStock(qty int64) {
	f.t.Helper()
	rec := f.do("POST", "/api/ledger/intake", apiAdmin(), IntakeRequest{
		SKU: "WTR-1L", HubID: "hub-central", Quantity: qty, Donor: "Donor",
	})
	require.Equal(f.t, http.StatusCreated, rec.Code)
}

// =============================================================================
// ACTOR IDENTITY
// =============================================================================

func TestAPI_MutatingEndpointsRequireActor(t *testing.T) {
	// GIVEN: A request without X-Actor-Id
	f := newAPIFixture(t)
	f.seedRegistry()

	// WHEN: Hitting a mutating endpoint
	rec := f.do("POST", "/api/ledger/intake", nil, IntakeRequest{SKU: "WTR-1L", HubID: "hub-central", Quantity: 10})

	// THEN: 401 with an error body
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp ErrorResponse
	f.decode(rec, &resp)
	assert.Contains(t, resp.Details, "X-Actor-Id")
}

func TestAPI_ActorHeadersParsed(t *testing.T) {
	// GIVEN: Roles and hubs as padded comma-separated lists
	f := newAPIFixture(t)
	f.seedRegistry()

	actor := &engine.Actor{
		ID:        "staff-9",
		Roles:     []engine.Role{engine.RoleWarehouseStaff},
		HubAccess: []engine.HubID{"hub-central"},
	}
	req := httptest.NewRequest("POST", "/api/ledger/intake",
		bytes.NewReader(mustJSON(t, IntakeRequest{SKU: "WTR-1L", HubID: "hub-central", Quantity: 25, Donor: "UNICEF"})))
	req.Header.Set("X-Actor-Id", " staff-9 ")
	req.Header.Set("X-Actor-Roles", " WAREHOUSE_STAFF , ")
	req.Header.Set("X-Actor-Hubs", "hub-central")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	// THEN: The trimmed identity passes the capability and hub checks
	require.Equal(t, http.StatusCreated, rec.Code)
	var entry EntryDTO
	f.decode(rec, &entry)
	assert.Equal(t, string(actor.ID), entry.ActorID)
	assert.Equal(t, int64(25), entry.Quantity)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestAPI_HubRegistry(t *testing.T) {
	f := newAPIFixture(t)

	// WHEN: Creating and fetching a hub
	rec := f.do("POST", "/api/hubs", nil, CreateHubRequest{ID: "hub-central", Name: "Central Warehouse", Kind: "MAIN"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do("GET", "/api/hubs/hub-central", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hub HubDTO
	f.decode(rec, &hub)
	assert.Equal(t, "Central Warehouse", hub.Name)
	assert.Equal(t, "Active", hub.Status)
	assert.NotEmpty(t, hub.OperationalAt)

	// THEN: Unknown hubs are 404, bad kinds are 400
	rec = f.do("GET", "/api/hubs/hub-missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do("POST", "/api/hubs", nil, CreateHubRequest{ID: "hub-x", Name: "X", Kind: "REGIONAL"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ItemCatalog(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do("POST", "/api/items", nil, ItemDTO{SKU: "TARP-1", Name: "Tarpaulin", Unit: "sheet", MinQty: 10})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do("GET", "/api/items/TARP-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var item ItemDTO
	f.decode(rec, &item)
	assert.Equal(t, "Tarpaulin", item.Name)
	assert.Equal(t, int64(10), item.MinQty)

	rec = f.do("GET", "/api/items/NOPE", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_CreateItem_GeneratesSKU(t *testing.T) {
	// GIVEN: A create request without a SKU
	f := newAPIFixture(t)

	rec := f.do("POST", "/api/items", nil, ItemDTO{Name: "Blankets", Unit: "pcs"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// THEN: One is generated and the item is reachable under it
	var item ItemDTO
	f.decode(rec, &item)
	assert.Regexp(t, `^SKU-[0-9A-F]{6}$`, item.SKU)

	rec = f.do("GET", "/api/items/"+item.SKU, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// A name is still required.
	rec = f.do("POST", "/api/items", nil, ItemDTO{Unit: "pcs"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// DISASTER EVENTS
// =============================================================================

func TestAPI_DisasterEvents(t *testing.T) {
	f := newAPIFixture(t)

	// Declaring an event defaults it to Active.
	rec := f.do("POST", "/api/events", nil, DisasterEventRequest{
		Name: "Hurricane Melissa", Type: "Hurricane", StartDate: "2026-08-15",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var ev DisasterEventDTO
	f.decode(rec, &ev)
	require.NotEmpty(t, ev.ID)
	assert.Equal(t, "Active", ev.Status)
	assert.Equal(t, "2026-08-15", ev.StartDate)
	assert.Empty(t, ev.EndDate)

	rec = f.do("GET", "/api/events/"+ev.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do("GET", "/api/events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []DisasterEventDTO
	f.decode(rec, &listed)
	assert.Len(t, listed, 1)

	// Updating can close the event with an end date.
	rec = f.do("PUT", "/api/events/"+ev.ID, nil, DisasterEventRequest{
		Name: "Hurricane Melissa", Type: "Hurricane",
		StartDate: "2026-08-15", EndDate: "2026-08-28", Status: "Closed",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	f.decode(rec, &ev)
	assert.Equal(t, "Closed", ev.Status)
	assert.Equal(t, "2026-08-28", ev.EndDate)
}

func TestAPI_DisasterEvents_Validation(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("name required", func(t *testing.T) {
		rec := f.do("POST", "/api/events", nil, DisasterEventRequest{StartDate: "2026-08-15"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("start date required and well-formed", func(t *testing.T) {
		rec := f.do("POST", "/api/events", nil, DisasterEventRequest{Name: "Flood"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = f.do("POST", "/api/events", nil, DisasterEventRequest{Name: "Flood", StartDate: "15/08/2026"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("status restricted", func(t *testing.T) {
		rec := f.do("POST", "/api/events", nil, DisasterEventRequest{
			Name: "Flood", StartDate: "2026-08-15", Status: "Paused",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown event", func(t *testing.T) {
		rec := f.do("GET", "/api/events/nope", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = f.do("PUT", "/api/events/nope", nil, DisasterEventRequest{
			Name: "Flood", StartDate: "2026-08-15",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

// =============================================================================
// LEDGER AND STOCK
// =============================================================================

func TestAPI_LedgerMovesAndStockDerivation(t *testing.T) {
	// GIVEN: 100 bottles taken in at central
	f := newAPIFixture(t)
	f.seedRegistry()
	f.seedStock(100)

	// WHEN: Transferring 40 to the field depot
	rec := f.do("POST", "/api/ledger/transfer", apiStaff("hub-central"), TransferRequest{
		SKU: "WTR-1L", FromHub: "hub-central", ToHub: "hub-field", Quantity: 40,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var pair []EntryDTO
	f.decode(rec, &pair)
	require.Len(t, pair, 2)
	assert.Equal(t, pair[0].Reference, pair[1].Reference)

	// THEN: Derived stock reflects both sides
	rec = f.do("GET", "/api/stock/WTR-1L", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stock StockDTO
	f.decode(rec, &stock)
	assert.Equal(t, int64(100), stock.Global)
	assert.Equal(t, int64(60), stock.ByHub["hub-central"])
	assert.Equal(t, int64(40), stock.ByHub["hub-field"])

	// And the field depot shows up below the 50 minimum
	rec = f.do("GET", "/api/stock/low", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var low []LowStockDTO
	f.decode(rec, &low)
	found := false
	for _, l := range low {
		if l.HubID == "hub-field" && l.SKU == "WTR-1L" {
			found = true
			assert.Equal(t, int64(40), l.Stock)
		}
	}
	assert.True(t, found, "hub-field should be reported low")
}

func TestAPI_LedgerListFilters(t *testing.T) {
	f := newAPIFixture(t)
	f.seedRegistry()
	f.seedStock(100)

	rec := f.do("POST", "/api/ledger/transfer", apiAdmin(), TransferRequest{
		SKU: "WTR-1L", FromHub: "hub-central", ToHub: "hub-field", Quantity: 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var pair []EntryDTO
	f.decode(rec, &pair)
	ref := pair[0].Reference

	// Filter by reference returns exactly the transfer pair
	rec = f.do("GET", "/api/ledger?reference="+ref, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var byRef []EntryDTO
	f.decode(rec, &byRef)
	assert.Len(t, byRef, 2)

	// Filter by (sku, hub) returns that hub's movements
	rec = f.do("GET", "/api/ledger?sku=WTR-1L&hub=hub-field", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var byHub []EntryDTO
	f.decode(rec, &byHub)
	require.Len(t, byHub, 1)
	assert.Equal(t, int64(10), byHub[0].Quantity)
}

// =============================================================================
// NEEDS LIST LIFECYCLE
// =============================================================================

func TestAPI_NeedsListLifecycle(t *testing.T) {
	// GIVEN: Stocked registry and a field distributor's Needs List
	f := newAPIFixture(t)
	f.seedRegistry()
	f.seedStock(100)

	dist := apiDistributor("hub-field")
	rec := f.do("POST", "/api/requests", dist, CreateNeedsListRequest{
		HubID:    "hub-field",
		Priority: "High",
		Lines:    []LineItemDTO{{SKU: "WTR-1L", RequestedQty: 60}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var req RequestDTO
	f.decode(rec, &req)
	assert.Equal(t, "NL-000001", req.Seq)
	assert.Equal(t, "Draft", req.Status)

	base := "/api/requests/" + req.Seq

	// WHEN: Walking the full workflow over HTTP
	mgr := &engine.Actor{ID: "mgr-1", Roles: []engine.Role{engine.RoleInventoryManager}}
	exec := &engine.Actor{ID: "exec-1", Roles: []engine.Role{engine.RoleExecutive}}
	auditor := &engine.Actor{ID: "aud-1", Roles: []engine.Role{engine.RoleAuditor}}

	rec = f.do("POST", base+"/submit", dist, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do("POST", base+"/lock", mgr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lock LockDTO
	f.decode(rec, &lock)
	assert.Equal(t, "mgr-1", lock.HolderID)

	rec = f.do("POST", base+"/fulfilment", mgr, SaveFulfilmentRequest{
		Allocations: []AllocationDTO{{SKU: "WTR-1L", HubID: "hub-central", Qty: 60}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do("POST", base+"/finalize", mgr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	f.decode(rec, &req)
	assert.Equal(t, "Awaiting Approval", req.Status)
	assert.Nil(t, req.Lock, "finalize should release the edit lock")

	rec = f.do("POST", base+"/approve", exec, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// THEN: Approval moved the stock
	rec = f.do("GET", "/api/stock/WTR-1L", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stock StockDTO
	f.decode(rec, &stock)
	assert.Equal(t, int64(40), stock.ByHub["hub-central"])
	assert.Equal(t, int64(60), stock.ByHub["hub-field"])

	rec = f.do("POST", base+"/dispatch", apiStaff("hub-central"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do("POST", base+"/receive", dist, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do("POST", base+"/complete", auditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	f.decode(rec, &req)
	assert.Equal(t, "Completed", req.Status)

	// And the adjustment history recorded the approval
	rec = f.do("GET", base+"/versions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []VersionDTO
	f.decode(rec, &versions)
	require.Len(t, versions, 1)
	assert.Equal(t, "Awaiting Approval", versions[0].BeforeStatus)
	assert.Equal(t, "Approved", versions[0].AfterStatus)
}

func TestAPI_ListRequestsByStatus(t *testing.T) {
	f := newAPIFixture(t)
	f.seedRegistry()

	dist := apiDistributor("hub-field")
	for i := 0; i < 2; i++ {
		rec := f.do("POST", "/api/requests", dist, CreateNeedsListRequest{
			HubID: "hub-field",
			Lines: []LineItemDTO{{SKU: "WTR-1L", RequestedQty: 10}},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := f.do("POST", "/api/requests/NL-000001/submit", dist, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do("GET", "/api/requests?status=Draft", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var drafts []RequestDTO
	f.decode(rec, &drafts)
	require.Len(t, drafts, 1)
	assert.Equal(t, "NL-000002", drafts[0].Seq)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_ErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	f.seedRegistry()
	f.seedStock(30)

	t.Run("capability failure is 403", func(t *testing.T) {
		rec := f.do("POST", "/api/ledger/distribute", apiDistributor("hub-central"), DistributeRequest{
			SKU: "WTR-1L", HubID: "hub-central", Quantity: 5,
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown request is 404", func(t *testing.T) {
		rec := f.do("GET", "/api/requests/NL-999999", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("insufficient stock is 409", func(t *testing.T) {
		rec := f.do("POST", "/api/ledger/distribute", apiAdmin(), DistributeRequest{
			SKU: "WTR-1L", HubID: "hub-central", Quantity: 500,
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("illegal transition is 400", func(t *testing.T) {
		dist := apiDistributor("hub-field")
		rec := f.do("POST", "/api/requests", dist, CreateNeedsListRequest{
			HubID: "hub-field",
			Lines: []LineItemDTO{{SKU: "WTR-1L", RequestedQty: 5}},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		var req RequestDTO
		f.decode(rec, &req)

		// Approving a Draft skips the whole review chain
		exec := &engine.Actor{ID: "exec-1", Roles: []engine.Role{engine.RoleExecutive}}
		rec = f.do("POST", "/api/requests/"+req.Seq+"/approve", exec, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("lock conflict is 409", func(t *testing.T) {
		dist := apiDistributor("hub-field")
		rec := f.do("POST", "/api/requests", dist, CreateNeedsListRequest{
			HubID: "hub-field",
			Lines: []LineItemDTO{{SKU: "WTR-1L", RequestedQty: 5}},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		var req RequestDTO
		f.decode(rec, &req)
		rec = f.do("POST", "/api/requests/"+req.Seq+"/submit", dist, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		mgrA := &engine.Actor{ID: "mgr-a", Roles: []engine.Role{engine.RoleInventoryManager}}
		mgrB := &engine.Actor{ID: "mgr-b", Roles: []engine.Role{engine.RoleInventoryManager}}
		rec = f.do("POST", "/api/requests/"+req.Seq+"/lock", mgrA, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		rec = f.do("POST", "/api/requests/"+req.Seq+"/lock", mgrB, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

// =============================================================================
// IDEMPOTENT OPERATIONS
// =============================================================================

func TestAPI_OperationReplay(t *testing.T) {
	// GIVEN: An intake submitted through the operation envelope
	f := newAPIFixture(t)
	f.seedRegistry()

	env := OperationEnvelope{
		ClientOperationID: "op-intake-1",
		OperationType:     "intake",
		Payload:           mustJSON(t, IntakeRequest{SKU: "WTR-1L", HubID: "hub-central", Quantity: 70, Donor: "UNICEF"}),
	}

	rec := f.do("POST", "/api/operations", apiAdmin(), env)
	require.Equal(t, http.StatusOK, rec.Code)
	var first OperationResult
	f.decode(rec, &first)
	assert.True(t, first.Success)
	assert.False(t, first.Replayed)

	// WHEN: The client retries the same envelope
	rec = f.do("POST", "/api/operations", apiAdmin(), env)
	require.Equal(t, http.StatusOK, rec.Code)
	var second OperationResult
	f.decode(rec, &second)

	// THEN: The replay returns the stored result without a second intake
	assert.True(t, second.Replayed)
	assert.Equal(t, string(first.Result), string(second.Result))

	rec = f.do("GET", "/api/stock/WTR-1L", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stock StockDTO
	f.decode(rec, &stock)
	assert.Equal(t, int64(70), stock.Global)
}

func TestAPI_OperationEnvelopeValidation(t *testing.T) {
	f := newAPIFixture(t)
	f.seedRegistry()

	t.Run("missing client_operation_id", func(t *testing.T) {
		rec := f.do("POST", "/api/operations", apiAdmin(), OperationEnvelope{
			OperationType: "intake",
			Payload:       mustJSON(t, IntakeRequest{SKU: "WTR-1L", HubID: "hub-central", Quantity: 5, Donor: "D"}),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("actor mismatch", func(t *testing.T) {
		rec := f.do("POST", "/api/operations", apiAdmin(), OperationEnvelope{
			ClientOperationID: "op-x",
			ActorID:           "somebody-else",
			OperationType:     "intake",
			Payload:           mustJSON(t, IntakeRequest{SKU: "WTR-1L", HubID: "hub-central", Quantity: 5, Donor: "D"}),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown operation type", func(t *testing.T) {
		rec := f.do("POST", "/api/operations", apiAdmin(), OperationEnvelope{
			ClientOperationID: "op-y",
			OperationType:     "request.explode",
			Payload:           mustJSON(t, map[string]string{"seq": "NL-000001"}),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAPI_OperationTransitionBySeq(t *testing.T) {
	// GIVEN: A draft created through the envelope
	f := newAPIFixture(t)
	f.seedRegistry()

	dist := apiDistributor("hub-field")
	rec := f.do("POST", "/api/operations", dist, OperationEnvelope{
		ClientOperationID: "op-create",
		OperationType:     "request.create",
		Payload: mustJSON(t, CreateNeedsListRequest{
			HubID: "hub-field",
			Lines: []LineItemDTO{{SKU: "WTR-1L", RequestedQty: 20}},
		}),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var result OperationResult
	f.decode(rec, &result)
	var created RequestDTO
	require.NoError(t, json.Unmarshal(result.Result, &created))

	// WHEN: Submitting it by seq through the envelope, twice
	submit := OperationEnvelope{
		ClientOperationID: "op-submit",
		OperationType:     "request.submit",
		Payload:           mustJSON(t, map[string]string{"seq": created.Seq}),
	}
	rec = f.do("POST", "/api/operations", dist, submit)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do("POST", "/api/operations", dist, submit)
	require.Equal(t, http.StatusOK, rec.Code)
	f.decode(rec, &result)

	// THEN: The retry replays instead of tripping the transition guard
	assert.True(t, result.Replayed)

	rec = f.do("GET", fmt.Sprintf("/api/requests/%s", created.Seq), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var req RequestDTO
	f.decode(rec, &req)
	assert.Equal(t, "Submitted", req.Status)
}
