/*
handlers.go - HTTP API handlers for the relief stock engine

PURPOSE:
  Exposes the stock engine via REST API. Handles HTTP request/response,
  JSON serialization, actor extraction, and delegates to domain logic.

ENDPOINTS:
  Registry:
    GET    /api/hubs                 List hubs
    POST   /api/hubs                 Create hub
    GET    /api/hubs/{id}            Get hub
    GET    /api/items                List items
    POST   /api/items                Create item (SKU generated when absent)
    GET    /api/items/{sku}          Get item
    GET    /api/events               List disaster events
    POST   /api/events               Declare disaster event
    GET    /api/events/{id}          Get disaster event
    PUT    /api/events/{id}          Update disaster event

  Stock:
    GET    /api/stock/{sku}          Derived stock (per hub + global)
    GET    /api/stock/low            Items below their minimum threshold

  Ledger:
    POST   /api/ledger/intake        Record arriving goods
    POST   /api/ledger/distribute    Record goods leaving to beneficiaries
    POST   /api/ledger/transfer      Hub-to-hub movement
    GET    /api/ledger               Recent entries

  Needs Lists:
    POST   /api/requests                    Create (Draft)
    GET    /api/requests                    List (optionally by status)
    GET    /api/requests/{seq}              Get
    PUT    /api/requests/{seq}              Edit draft
    POST   /api/requests/{seq}/submit       Draft -> Submitted
    POST   /api/requests/{seq}/lock         Acquire edit lock
    PUT    /api/requests/{seq}/lock         Renew edit lock
    DELETE /api/requests/{seq}/lock         Release edit lock
    POST   /api/requests/{seq}/fulfilment   Save allocation draft
    POST   /api/requests/{seq}/finalize     -> Awaiting Approval
    POST   /api/requests/{seq}/approve      Commit allocation, move stock
    POST   /api/requests/{seq}/send-back    -> Submitted (with note)
    POST   /api/requests/{seq}/dispatch     -> Dispatched
    POST   /api/requests/{seq}/receive      -> Received
    POST   /api/requests/{seq}/complete     -> Completed
    POST   /api/requests/{seq}/reject       Terminal rejection
    POST   /api/requests/{seq}/changes      Open post-approval dispute
    GET    /api/requests/{seq}/changes      List disputes
    GET    /api/requests/{seq}/versions     Adjustment history

  Change reviews:
    GET    /api/changes/{id}                Get change request
    POST   /api/changes/{id}/resolve        Apply edited allocation
    POST   /api/changes/{id}/dismiss        Reject / ask clarification

  Operations:
    POST   /api/operations                  Idempotent operation envelope

  Scenarios (development/demo only):
    GET    /api/scenarios                   List demo scenarios
    GET    /api/scenarios/current           Currently loaded scenario
    POST   /api/scenarios/load              Reset and load a scenario

ACTOR IDENTITY:
  The caller's identity arrives in headers, set by the auth layer in
  front of this service:
    X-Actor-Id:    actor identifier (required on mutating endpoints)
    X-Actor-Roles: comma-separated role names
    X-Actor-Hubs:  comma-separated hub ids (empty = unrestricted)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, capability failures, illegal transitions
  - 404: Hub/item/request/change not found
  - 409: Lock conflicts, insufficient stock, duplicate operations
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drims/stock-engine/engine"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    engine.Store
	Ledger   *engine.Ledger
	Stock    *engine.Aggregator
	Locks    *engine.LockManager
	Workflow *engine.Workflow
	Ops      *engine.IdempotencyLog
	Logger   zerolog.Logger

	currentScenario string
}

// NewHandler wires the engine services around a single store.
func NewHandler(store engine.Store, lockTTL time.Duration, logger zerolog.Logger) *Handler {
	locks := engine.NewLockManager(store, lockTTL)
	wf := engine.NewWorkflow(store, locks, &engine.LogNotifier{Logger: logger})
	wf.Logger = logger

	return &Handler{
		Store:    store,
		Ledger:   engine.NewLedger(store),
		Stock:    engine.NewAggregator(store),
		Locks:    locks,
		Workflow: wf,
		Ops:      engine.NewIdempotencyLog(store),
		Logger:   logger,
	}
}

// actorFromRequest builds the acting identity from trusted headers.
func actorFromRequest(r *http.Request) (engine.Actor, error) {
	id := strings.TrimSpace(r.Header.Get("X-Actor-Id"))
	if id == "" {
		return engine.Actor{}, fmt.Errorf("missing X-Actor-Id header")
	}

	actor := engine.Actor{ID: engine.ActorID(id)}
	for _, role := range splitList(r.Header.Get("X-Actor-Roles")) {
		actor.Roles = append(actor.Roles, engine.Role(role))
	}
	for _, hub := range splitList(r.Header.Get("X-Actor-Hubs")) {
		actor.HubAccess = append(actor.HubAccess, engine.HubID(hub))
	}
	return actor, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// HUB HANDLERS
// =============================================================================

// ListHubs returns all hubs.
func (h *Handler) ListHubs(w http.ResponseWriter, r *http.Request) {
	hubs, err := h.Store.ListHubs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list hubs", err)
		return
	}

	dtos := make([]HubDTO, len(hubs))
	for i, hub := range hubs {
		dtos[i] = toHubDTO(hub)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetHub returns a single hub.
func (h *Handler) GetHub(w http.ResponseWriter, r *http.Request) {
	id := engine.HubID(chi.URLParam(r, "id"))

	hub, err := h.Store.GetHub(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get hub", err)
		return
	}
	if hub == nil {
		writeError(w, http.StatusNotFound, "Hub not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toHubDTO(*hub))
}

// CreateHub registers a new hub. New hubs start Active.
func (h *Handler) CreateHub(w http.ResponseWriter, r *http.Request) {
	var req CreateHubRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}

	kind := engine.HubKind(req.Kind)
	switch kind {
	case engine.HubMain, engine.HubSub, engine.HubAgency:
	default:
		writeError(w, http.StatusBadRequest, "kind must be MAIN, SUB or AGENCY", nil)
		return
	}

	now := time.Now().UTC()
	hub := engine.Hub{
		ID:            engine.HubID(req.ID),
		Name:          req.Name,
		Kind:          kind,
		ParentID:      engine.HubID(req.ParentID),
		Status:        engine.HubActive,
		OperationalAt: &now,
	}
	if err := h.Store.SaveHub(r.Context(), hub); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create hub", err)
		return
	}
	writeJSON(w, http.StatusCreated, toHubDTO(hub))
}

// =============================================================================
// ITEM HANDLERS
// =============================================================================

// ListItems returns the supply catalog.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Store.ListItems(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list items", err)
		return
	}

	dtos := make([]ItemDTO, len(items))
	for i, it := range items {
		dtos[i] = toItemDTO(it)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetItem returns a single catalog item.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	sku := engine.ItemSKU(chi.URLParam(r, "sku"))

	item, err := h.Store.GetItem(r.Context(), sku)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get item", err)
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "Item not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(*item))
}

// CreateItem adds an item to the catalog. A SKU is generated when the
// request does not bring one.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req ItemDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	sku := engine.ItemSKU(req.SKU)
	if sku == "" {
		generated, err := engine.AllocateSKU(r.Context(), h.Store)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to allocate SKU", err)
			return
		}
		sku = generated
	}

	item := engine.Item{
		SKU:                 sku,
		Name:                req.Name,
		Category:            req.Category,
		Unit:                req.Unit,
		MinQty:              req.MinQty,
		Description:         req.Description,
		StorageRequirements: req.StorageRequirements,
	}
	if err := h.Store.SaveItem(r.Context(), item); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create item", err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(item))
}

// =============================================================================
// DISASTER EVENT HANDLERS
// =============================================================================

// ListDisasterEvents returns declared relief operations, newest first.
func (h *Handler) ListDisasterEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Store.ListDisasterEvents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list disaster events", err)
		return
	}

	dtos := make([]DisasterEventDTO, len(events))
	for i, ev := range events {
		dtos[i] = toDisasterEventDTO(ev)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDisasterEvent returns one declared event.
func (h *Handler) GetDisasterEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ev, err := h.Store.GetDisasterEvent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get disaster event", err)
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "Disaster event not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toDisasterEventDTO(*ev))
}

// CreateDisasterEvent declares a new relief operation. New events default
// to Active.
func (h *Handler) CreateDisasterEvent(w http.ResponseWriter, r *http.Request) {
	var req DisasterEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	now := time.Now().UTC()
	ev := engine.DisasterEvent{
		ID:        uuid.NewString(),
		Status:    engine.DisasterActive,
		CreatedAt: now,
	}
	if err := applyDisasterEventRequest(&ev, req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	if err := h.Store.SaveDisasterEvent(r.Context(), ev); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create disaster event", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisasterEventDTO(ev))
}

// UpdateDisasterEvent edits a declared event, including closing it.
func (h *Handler) UpdateDisasterEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	var req DisasterEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ev, err := h.Store.GetDisasterEvent(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get disaster event", err)
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "Disaster event not found", nil)
		return
	}

	if err := applyDisasterEventRequest(ev, req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	if err := h.Store.SaveDisasterEvent(ctx, *ev); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update disaster event", err)
		return
	}
	writeJSON(w, http.StatusOK, toDisasterEventDTO(*ev))
}

// applyDisasterEventRequest validates the request body and copies it onto
// the event. Name and start date are required; status defaults stay.
func applyDisasterEventRequest(ev *engine.DisasterEvent, req DisasterEventRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if req.StartDate == "" {
		return fmt.Errorf("start_date is required")
	}
	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return fmt.Errorf("start_date must be YYYY-MM-DD")
	}

	ev.Name = req.Name
	ev.Type = req.Type
	ev.StartDate = start
	ev.Description = req.Description
	ev.EndDate = nil
	if req.EndDate != "" {
		end, err := time.Parse("2006-01-02", req.EndDate)
		if err != nil {
			return fmt.Errorf("end_date must be YYYY-MM-DD")
		}
		ev.EndDate = &end
	}
	if req.Status != "" {
		status := engine.DisasterStatus(req.Status)
		if status != engine.DisasterActive && status != engine.DisasterClosed {
			return fmt.Errorf("status must be Active or Closed")
		}
		ev.Status = status
	}
	return nil
}

// =============================================================================
// STOCK HANDLERS
// =============================================================================

// GetStock returns derived stock for one item: per hub and global.
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	sku := engine.ItemSKU(chi.URLParam(r, "sku"))
	ctx := r.Context()

	item, err := h.Store.GetItem(ctx, sku)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get item", err)
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "Item not found", nil)
		return
	}

	byHub, err := h.Stock.StockByHub(ctx, sku)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to derive stock", err)
		return
	}
	global, err := h.Stock.GlobalStockOf(ctx, sku)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to derive stock", err)
		return
	}

	dto := StockDTO{SKU: string(sku), Global: global, ByHub: make(map[string]int64, len(byHub))}
	for hub, qty := range byHub {
		dto.ByHub[string(hub)] = qty
	}
	writeJSON(w, http.StatusOK, dto)
}

// LowStock returns all (item, hub) pairs below the item's minimum.
func (h *Handler) LowStock(w http.ResponseWriter, r *http.Request) {
	lines, err := h.Stock.LowStock(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to derive low stock", err)
		return
	}

	dtos := make([]LowStockDTO, len(lines))
	for i, l := range lines {
		dtos[i] = LowStockDTO{
			SKU:      string(l.SKU),
			ItemName: l.ItemName,
			HubID:    string(l.HubID),
			Stock:    l.Stock,
			MinQty:   l.MinQty,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// Intake records arriving goods.
func (h *Handler) Intake(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor identity required", err)
		return
	}

	var req IntakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in, err := intakeInput(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expiry_date format (use YYYY-MM-DD)", err)
		return
	}

	entry, err := h.Ledger.Intake(r.Context(), actor, in)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// Distribute records goods leaving to beneficiaries.
func (h *Handler) Distribute(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor identity required", err)
		return
	}

	var req DistributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Ledger.Distribute(r.Context(), actor, engine.DistributeInput{
		SKU:         engine.ItemSKU(req.SKU),
		HubID:       engine.HubID(req.HubID),
		Qty:         req.Quantity,
		Beneficiary: req.Beneficiary,
		EventTag:    req.EventTag,
		Note:        req.Note,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// Transfer moves goods between hubs.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor identity required", err)
		return
	}

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entries, err := h.Ledger.Transfer(r.Context(), actor, engine.TransferInput{
		SKU:      engine.ItemSKU(req.SKU),
		FromHub:  engine.HubID(req.FromHub),
		ToHub:    engine.HubID(req.ToHub),
		Qty:      req.Quantity,
		EventTag: req.EventTag,
		Note:     req.Note,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTOs(entries))
}

// ListEntries returns ledger entries: recent ones by default, or filtered
// by (sku, hub) or by reference.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var entries []engine.LedgerEntry
	var err error
	switch {
	case q.Get("reference") != "":
		entries, err = h.Store.EntriesByReference(ctx, q.Get("reference"))
	case q.Get("sku") != "" && q.Get("hub") != "":
		entries, err = h.Ledger.Entries(ctx, engine.ItemSKU(q.Get("sku")), engine.HubID(q.Get("hub")))
	default:
		limit := 100
		if raw := q.Get("limit"); raw != "" {
			if n, convErr := strconv.Atoi(raw); convErr == nil && n > 0 {
				limit = n
			}
		}
		entries, err = h.Ledger.Recent(ctx, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// NEEDS LIST HANDLERS
// =============================================================================

// CreateRequest opens a new Needs List in Draft.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor identity required", err)
		return
	}

	var req CreateNeedsListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	created, err := h.Workflow.Create(r.Context(), actor, engine.CreateRequestInput{
		HubID:         engine.HubID(req.HubID),
		Priority:      engine.Priority(req.Priority),
		Justification: req.Justification,
		EventTag:      req.EventTag,
		Lines:         fromLineDTOs(req.Lines),
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(created))
}

// ListRequests returns Needs Lists, optionally filtered by status.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	var status *engine.RequestStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := engine.RequestStatus(raw)
		status = &s
	}

	requests, err := h.Workflow.List(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list requests", err)
		return
	}

	dtos := make([]RequestDTO, len(requests))
	for i, req := range requests {
		dtos[i] = toRequestDTO(req)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRequest returns one Needs List.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	seq := engine.RequestSeq(chi.URLParam(r, "seq"))

	req, err := h.Workflow.Get(r.Context(), seq)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// UpdateDraft edits a Needs List still in Draft.
func (h *Handler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor identity required", err)
		return
	}
	seq := engine.RequestSeq(chi.URLParam(r, "seq"))

	var req UpdateDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	updated, err := h.Workflow.UpdateDraft(r.Context(), actor, seq, engine.UpdateDraftInput{
		Priority:      engine.Priority(req.Priority),
		Justification: req.Justification,
		Lines:         fromLineDTOs(req.Lines),
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(updated))
}

// Submit moves a Draft to Submitted.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Workflow.Submit)
}

// Finalize moves a prepared fulfilment to Awaiting Approval.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Workflow.Finalize)
}

// Approve commits the allocation and moves stock.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Workflow.Approve)
}

// Dispatch marks goods as on the way.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Workflow.Dispatch)
}

// Receive confirms arrival at the requesting hub.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Workflow.ConfirmReceipt)
}

// Complete closes out the Needs List.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Workflow.Complete)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, engine.Actor, engine.RequestSeq) (*engine.Request, error)) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor identity required", err)
		return
	}
	seq := engine.RequestSeq(chi.URLParam(r, "seq"))

	req, err := fn(r.Context(), actor, seq)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// SendBack returns an Awaiting Approval request to Submitted with a note.
func (h *Handler) SendBack(w http.ResponseWriter, r *http.Request) {
	h.transitionWithNote(w, r, h.Workflow.SendBack)
}

// Reject terminally rejects a request, compensating any committed stock.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transitionWithNote(w, r, h.Workflow.Reject)
}

func (h *Handler) transitionWithNote(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, engine.Actor, engine.RequestSeq, string) (*engine.Request, error)) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor identity required", err)
		return
	}
	seq := engine.RequestSeq(chi.URLParam(r, "seq"))

	var body NoteRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body) // empty note is allowed
	}

	req, err := fn(r.Context(), actor, seq, body.Note)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// SaveFulfilment saves the allocation draft under the edit lock.
func (h *Handler) SaveFulfilment(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor identity required", err)
		return
	}
	seq := engine.RequestSeq(chi.URLParam(r, "seq"))

	var req SaveFulfilmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	updated, err := h.Workflow.SaveFulfilment(r.Context(), actor, seq, fromAllocationDTOs(req.Allocations))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(updated))
}

// =============================================================================
// LOCK HANDLERS
// =============================================================================

// AcquireLock grants the fulfilment edit lock.
func (h *Handler) AcquireLock(w http.ResponseWriter, r *http.Request) {
	h.lockOp(w, r, h.Locks.Acquire)
}

// RenewLock extends a held lock.
func (h *Handler) RenewLock(w http.ResponseWriter, r *http.Request) {
	h.lockOp(w, r, h.Locks.Renew)
}

func (h *Handler) lockOp(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, engine.RequestSeq, engine.Actor) (*engine.Lock, error)) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor identity required", err)
		return
	}
	seq := engine.RequestSeq(chi.URLParam(r, "seq"))

	lock, err := fn(r.Context(), seq, actor)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LockDTO{
		HolderID:   string(lock.HolderID),
		AcquiredAt: lock.AcquiredAt.Format(time.RFC3339),
	})
}

// ReleaseLock drops the edit lock (holder or force-release capability).
func (h *Handler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor identity required", err)
		return
	}
	seq := engine.RequestSeq(chi.URLParam(r, "seq"))

	if err := h.Locks.Release(r.Context(), seq, actor); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CHANGE REQUEST HANDLERS
// =============================================================================

// OpenChange opens a post-approval dispute against a request.
func (h *Handler) OpenChange(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor identity required", err)
		return
	}
	seq := engine.RequestSeq(chi.URLParam(r, "seq"))

	var req OpenChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	change, err := h.Workflow.OpenChange(r.Context(), actor, seq, req.Comments)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChangeDTO(*change))
}

// ListChanges returns all disputes for a request.
func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	seq := engine.RequestSeq(chi.URLParam(r, "seq"))

	changes, err := h.Workflow.Changes(r.Context(), seq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list changes", err)
		return
	}

	dtos := make([]ChangeDTO, len(changes))
	for i, c := range changes {
		dtos[i] = toChangeDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetChange returns one change request.
func (h *Handler) GetChange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	change, err := h.Store.GetChange(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get change", err)
		return
	}
	if change == nil {
		writeError(w, http.StatusNotFound, "Change request not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toChangeDTO(*change))
}

// ResolveChange applies an edited allocation to the disputed request.
func (h *Handler) ResolveChange(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor identity required", err)
		return
	}
	id := chi.URLParam(r, "id")

	var req ResolveChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	updated, err := h.Workflow.ResolveChange(r.Context(), actor, id, fromAllocationDTOs(req.Allocations), req.ReviewComments)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(updated))
}

// DismissChange closes a dispute without an allocation edit.
func (h *Handler) DismissChange(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor identity required", err)
		return
	}
	id := chi.URLParam(r, "id")

	var req DismissChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	status := engine.ChangeStatus(req.Status)
	if status != engine.ChangeRejected && status != engine.ChangeClarificationNeeded {
		writeError(w, http.StatusBadRequest, "status must be 'Rejected' or 'Clarification Needed'", nil)
		return
	}

	change, err := h.Workflow.DismissChange(r.Context(), actor, id, status, req.Comments)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChangeDTO(*change))
}

// ListVersions returns the adjustment history for a request.
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	seq := engine.RequestSeq(chi.URLParam(r, "seq"))

	versions, err := h.Workflow.Versions(r.Context(), seq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list versions", err)
		return
	}

	dtos := make([]VersionDTO, len(versions))
	for i, v := range versions {
		dtos[i] = toVersionDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// IDEMPOTENT OPERATIONS
// =============================================================================

// SubmitOperation executes a client-submitted operation exactly once per
// (client_operation_id, actor) pair. Replays return the stored result
// byte-identical, without re-running the effect.
func (h *Handler) SubmitOperation(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor identity required", err)
		return
	}

	var env OperationEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if env.ClientOperationID == "" {
		writeError(w, http.StatusBadRequest, "client_operation_id is required", nil)
		return
	}
	if env.ActorID != "" && env.ActorID != string(actor.ID) {
		writeError(w, http.StatusBadRequest, "actor_id does not match X-Actor-Id", nil)
		return
	}

	ctx := r.Context()
	result, replayed, err := h.Ops.ExecuteOnce(ctx,
		engine.OperationID(env.ClientOperationID), actor.ID, env.OperationType,
		func(s engine.Store) ([]byte, error) {
			return h.runOperation(ctx, s, actor, env.OperationType, env.Payload)
		})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, OperationResult{
		Success:  true,
		Replayed: replayed,
		Result:   result,
	})
}

type seqPayload struct {
	Seq  string `json:"seq"`
	Note string `json:"note"`
}

// runOperation dispatches an envelope to the engine, building the services
// on the transactional store view so the effect and the idempotency record
// commit together.
func (h *Handler) runOperation(ctx context.Context, s engine.Store, actor engine.Actor, opType string, payload json.RawMessage) ([]byte, error) {
	ledger := engine.NewLedger(s)
	locks := engine.NewLockManager(s, h.Locks.TTL)
	wf := engine.NewWorkflow(s, locks, h.Workflow.Notifier)
	wf.Logger = h.Logger

	switch opType {
	case "intake":
		var req IntakeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, &engine.ValidationError{Field: "payload", Message: err.Error()}
		}
		in, err := intakeInput(req)
		if err != nil {
			return nil, &engine.ValidationError{Field: "expiry_date", Message: "use YYYY-MM-DD"}
		}
		entry, err := ledger.Intake(ctx, actor, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(toEntryDTO(*entry))

	case "distribute":
		var req DistributeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, &engine.ValidationError{Field: "payload", Message: err.Error()}
		}
		entry, err := ledger.Distribute(ctx, actor, engine.DistributeInput{
			SKU:         engine.ItemSKU(req.SKU),
			HubID:       engine.HubID(req.HubID),
			Qty:         req.Quantity,
			Beneficiary: req.Beneficiary,
			EventTag:    req.EventTag,
			Note:        req.Note,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(toEntryDTO(*entry))

	case "transfer":
		var req TransferRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, &engine.ValidationError{Field: "payload", Message: err.Error()}
		}
		entries, err := ledger.Transfer(ctx, actor, engine.TransferInput{
			SKU:      engine.ItemSKU(req.SKU),
			FromHub:  engine.HubID(req.FromHub),
			ToHub:    engine.HubID(req.ToHub),
			Qty:      req.Quantity,
			EventTag: req.EventTag,
			Note:     req.Note,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(toEntryDTOs(entries))

	case "request.create":
		var req CreateNeedsListRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, &engine.ValidationError{Field: "payload", Message: err.Error()}
		}
		created, err := wf.Create(ctx, actor, engine.CreateRequestInput{
			HubID:         engine.HubID(req.HubID),
			Priority:      engine.Priority(req.Priority),
			Justification: req.Justification,
			EventTag:      req.EventTag,
			Lines:         fromLineDTOs(req.Lines),
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(toRequestDTO(created))

	case "request.submit":
		return h.runTransition(ctx, actor, payload, wf.Submit)
	case "request.finalize":
		return h.runTransition(ctx, actor, payload, wf.Finalize)
	case "request.approve":
		return h.runTransition(ctx, actor, payload, wf.Approve)
	case "request.dispatch":
		return h.runTransition(ctx, actor, payload, wf.Dispatch)
	case "request.receive":
		return h.runTransition(ctx, actor, payload, wf.ConfirmReceipt)
	case "request.complete":
		return h.runTransition(ctx, actor, payload, wf.Complete)

	case "request.reject":
		var p seqPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &engine.ValidationError{Field: "payload", Message: err.Error()}
		}
		req, err := wf.Reject(ctx, actor, engine.RequestSeq(p.Seq), p.Note)
		if err != nil {
			return nil, err
		}
		return json.Marshal(toRequestDTO(req))

	default:
		return nil, &engine.ValidationError{Field: "operation_type", Message: "unknown operation type " + opType}
	}
}

func (h *Handler) runTransition(ctx context.Context, actor engine.Actor, payload json.RawMessage,
	fn func(context.Context, engine.Actor, engine.RequestSeq) (*engine.Request, error)) ([]byte, error) {
	var p seqPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, &engine.ValidationError{Field: "payload", Message: err.Error()}
	}
	req, err := fn(ctx, actor, engine.RequestSeq(p.Seq))
	if err != nil {
		return nil, err
	}
	return json.Marshal(toRequestDTO(req))
}

func intakeInput(req IntakeRequest) (engine.IntakeInput, error) {
	in := engine.IntakeInput{
		SKU:      engine.ItemSKU(req.SKU),
		HubID:    engine.HubID(req.HubID),
		Qty:      req.Quantity,
		Donor:    req.Donor,
		EventTag: req.EventTag,
		Note:     req.Note,
	}
	if req.ExpiryDate != "" {
		expiry, err := time.Parse("2006-01-02", req.ExpiryDate)
		if err != nil {
			return in, err
		}
		in.ExpiryDate = &expiry
	}
	return in, nil
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps domain errors onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInsufficientCapability):
		writeError(w, http.StatusForbidden, "Forbidden", err)
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case engine.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	case engine.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		h.Logger.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
