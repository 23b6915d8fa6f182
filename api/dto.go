/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

CONVENTIONS:
  - snake_case JSON field names
  - Times as RFC3339 strings; absent times are omitted
  - Quantities as integers (discrete units)

VALIDATION:
  Validation is done in the engine, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/types.go: The domain types these mirror
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/drims/stock-engine/engine"
)

// =============================================================================
// REGISTRY TYPES
// =============================================================================

type HubDTO struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	ParentID      string `json:"parent_id,omitempty"`
	Status        string `json:"status"`
	OperationalAt string `json:"operational_at,omitempty"`
}

type CreateHubRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	ParentID string `json:"parent_id"`
}

type ItemDTO struct {
	SKU                 string `json:"sku"`
	Name                string `json:"name"`
	Category            string `json:"category,omitempty"`
	Unit                string `json:"unit,omitempty"`
	MinQty              int64  `json:"min_qty"`
	Description         string `json:"description,omitempty"`
	StorageRequirements string `json:"storage_requirements,omitempty"`
}

type DisasterEventDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	StartDate   string `json:"start_date"` // YYYY-MM-DD
	EndDate     string `json:"end_date,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// DisasterEventRequest is the body for creating or updating an event.
type DisasterEventRequest struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	StartDate   string `json:"start_date"` // YYYY-MM-DD
	EndDate     string `json:"end_date"`   // YYYY-MM-DD, optional
	Description string `json:"description"`
	Status      string `json:"status"` // Active (default) or Closed
}

// =============================================================================
// LEDGER TYPES
// =============================================================================

type EntryDTO struct {
	ID               string `json:"id"`
	SKU              string `json:"sku"`
	HubID            string `json:"hub_id"`
	Quantity         int64  `json:"quantity"`
	Kind             string `json:"kind"`
	CounterpartyKind string `json:"counterparty_kind,omitempty"`
	CounterpartyName string `json:"counterparty_name,omitempty"`
	EventTag         string `json:"event_tag,omitempty"`
	ExpiryDate       string `json:"expiry_date,omitempty"`
	Reference        string `json:"reference,omitempty"`
	Note             string `json:"note,omitempty"`
	ActorID          string `json:"actor_id"`
	CreatedAt        string `json:"created_at"`
}

type IntakeRequest struct {
	SKU        string `json:"sku"`
	HubID      string `json:"hub_id"`
	Quantity   int64  `json:"quantity"`
	Donor      string `json:"donor"`
	EventTag   string `json:"event_tag"`
	ExpiryDate string `json:"expiry_date"` // YYYY-MM-DD, optional
	Note       string `json:"note"`
}

type DistributeRequest struct {
	SKU         string `json:"sku"`
	HubID       string `json:"hub_id"`
	Quantity    int64  `json:"quantity"`
	Beneficiary string `json:"beneficiary"`
	EventTag    string `json:"event_tag"`
	Note        string `json:"note"`
}

type TransferRequest struct {
	SKU      string `json:"sku"`
	FromHub  string `json:"from_hub"`
	ToHub    string `json:"to_hub"`
	Quantity int64  `json:"quantity"`
	EventTag string `json:"event_tag"`
	Note     string `json:"note"`
}

// =============================================================================
// STOCK TYPES
// =============================================================================

type StockDTO struct {
	SKU    string           `json:"sku"`
	Global int64            `json:"global"`
	ByHub  map[string]int64 `json:"by_hub"`
}

type LowStockDTO struct {
	SKU      string `json:"sku"`
	ItemName string `json:"item_name"`
	HubID    string `json:"hub_id"`
	Stock    int64  `json:"stock"`
	MinQty   int64  `json:"min_qty"`
}

// =============================================================================
// NEEDS LIST TYPES
// =============================================================================

type LineItemDTO struct {
	SKU          string `json:"sku"`
	RequestedQty int64  `json:"requested_qty"`
	Note         string `json:"note,omitempty"`
}

type AllocationDTO struct {
	SKU   string `json:"sku"`
	HubID string `json:"hub_id"`
	Qty   int64  `json:"qty"`
}

type LockDTO struct {
	HolderID   string `json:"holder_id"`
	AcquiredAt string `json:"acquired_at"`
}

type RequestDTO struct {
	Seq           string          `json:"seq"`
	HubID         string          `json:"hub_id"`
	Status        string          `json:"status"`
	Priority      string          `json:"priority"`
	Justification string          `json:"justification,omitempty"`
	EventTag      string          `json:"event_tag,omitempty"`
	Lines         []LineItemDTO   `json:"lines"`
	Allocations   []AllocationDTO `json:"allocations"`

	CreatedBy    string `json:"created_by"`
	CreatedAt    string `json:"created_at"`
	SubmittedBy  string `json:"submitted_by,omitempty"`
	SubmittedAt  string `json:"submitted_at,omitempty"`
	FinalizedBy  string `json:"finalized_by,omitempty"`
	FinalizedAt  string `json:"finalized_at,omitempty"`
	ApprovedBy   string `json:"approved_by,omitempty"`
	ApprovedAt   string `json:"approved_at,omitempty"`
	DispatchedBy string `json:"dispatched_by,omitempty"`
	DispatchedAt string `json:"dispatched_at,omitempty"`
	ReceivedBy   string `json:"received_by,omitempty"`
	ReceivedAt   string `json:"received_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`

	RejectionNote string   `json:"rejection_note,omitempty"`
	Lock          *LockDTO `json:"lock,omitempty"`
	OpenChangeID  string   `json:"open_change_id,omitempty"`
	UpdatedAt     string   `json:"updated_at"`
}

type CreateNeedsListRequest struct {
	HubID         string        `json:"hub_id"`
	Priority      string        `json:"priority"`
	Justification string        `json:"justification"`
	EventTag      string        `json:"event_tag"`
	Lines         []LineItemDTO `json:"lines"`
}

type UpdateDraftRequest struct {
	Priority      string        `json:"priority"`
	Justification string        `json:"justification"`
	Lines         []LineItemDTO `json:"lines"`
}

type SaveFulfilmentRequest struct {
	Allocations []AllocationDTO `json:"allocations"`
}

type NoteRequest struct {
	Note string `json:"note"`
}

// =============================================================================
// CHANGE REQUEST TYPES
// =============================================================================

type ChangeDTO struct {
	ID             string `json:"id"`
	Seq            string `json:"seq"`
	HubID          string `json:"hub_id"`
	Status         string `json:"status"`
	Comments       string `json:"comments,omitempty"`
	ReviewerID     string `json:"reviewer_id,omitempty"`
	ReviewComments string `json:"review_comments,omitempty"`
	CreatedBy      string `json:"created_by"`
	CreatedAt      string `json:"created_at"`
	ReviewedAt     string `json:"reviewed_at,omitempty"`
}

type OpenChangeRequest struct {
	Comments string `json:"comments"`
}

type ResolveChangeRequest struct {
	Allocations    []AllocationDTO `json:"allocations"`
	ReviewComments string          `json:"review_comments"`
}

type DismissChangeRequest struct {
	Status   string `json:"status"` // "Rejected" or "Clarification Needed"
	Comments string `json:"comments"`
}

type VersionDTO struct {
	Seq               string          `json:"seq"`
	Number            int             `json:"number"`
	ChangeID          string          `json:"change_id,omitempty"`
	BeforeStatus      string          `json:"before_status"`
	AfterStatus       string          `json:"after_status"`
	BeforeAllocations []AllocationDTO `json:"before_allocations"`
	AfterAllocations  []AllocationDTO `json:"after_allocations"`
	Reason            string          `json:"reason,omitempty"`
	ActorID           string          `json:"actor_id"`
	CreatedAt         string          `json:"created_at"`
}

// =============================================================================
// IDEMPOTENT OPERATION ENVELOPE
// =============================================================================

// OperationEnvelope is the client-submitted wrapper for operations that
// must survive retries. The (client_operation_id, actor) pair deduplicates.
type OperationEnvelope struct {
	ClientOperationID string          `json:"client_operation_id"`
	ActorID           string          `json:"actor_id"`
	OperationType     string          `json:"operation_type"`
	Payload           json.RawMessage `json:"payload"`
}

type OperationResult struct {
	Success  bool            `json:"success"`
	Replayed bool            `json:"replayed"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toHubDTO(h engine.Hub) HubDTO {
	return HubDTO{
		ID:            string(h.ID),
		Name:          h.Name,
		Kind:          string(h.Kind),
		ParentID:      string(h.ParentID),
		Status:        string(h.Status),
		OperationalAt: fmtTimePtr(h.OperationalAt),
	}
}

func toItemDTO(it engine.Item) ItemDTO {
	return ItemDTO{
		SKU:                 string(it.SKU),
		Name:                it.Name,
		Category:            it.Category,
		Unit:                it.Unit,
		MinQty:              it.MinQty,
		Description:         it.Description,
		StorageRequirements: it.StorageRequirements,
	}
}

func toDisasterEventDTO(ev engine.DisasterEvent) DisasterEventDTO {
	dto := DisasterEventDTO{
		ID:          ev.ID,
		Name:        ev.Name,
		Type:        ev.Type,
		StartDate:   ev.StartDate.Format("2006-01-02"),
		Description: ev.Description,
		Status:      string(ev.Status),
		CreatedAt:   ev.CreatedAt.Format(time.RFC3339),
	}
	if ev.EndDate != nil {
		dto.EndDate = ev.EndDate.Format("2006-01-02")
	}
	return dto
}

func toEntryDTO(e engine.LedgerEntry) EntryDTO {
	dto := EntryDTO{
		ID:         string(e.ID),
		SKU:        string(e.SKU),
		HubID:      string(e.HubID),
		Quantity:   e.Quantity,
		Kind:       string(e.Kind),
		EventTag:   e.EventTag,
		ExpiryDate: fmtTimePtr(e.ExpiryDate),
		Reference:  e.Reference,
		Note:       e.Note,
		ActorID:    string(e.ActorID),
		CreatedAt:  e.CreatedAt.Format(time.RFC3339),
	}
	if e.Counterparty != nil {
		dto.CounterpartyKind = string(e.Counterparty.Kind)
		dto.CounterpartyName = e.Counterparty.Name
	}
	return dto
}

func toEntryDTOs(es []engine.LedgerEntry) []EntryDTO {
	dtos := make([]EntryDTO, len(es))
	for i, e := range es {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toRequestDTO(r *engine.Request) RequestDTO {
	dto := RequestDTO{
		Seq:           string(r.Seq),
		HubID:         string(r.HubID),
		Status:        string(r.Status),
		Priority:      string(r.Priority),
		Justification: r.Justification,
		EventTag:      r.EventTag,
		Lines:         toLineDTOs(r.Lines),
		Allocations:   toAllocationDTOs(r.Allocations),
		CreatedBy:     string(r.CreatedBy),
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
		SubmittedBy:   string(r.SubmittedBy),
		SubmittedAt:   fmtTimePtr(r.SubmittedAt),
		FinalizedBy:   string(r.FinalizedBy),
		FinalizedAt:   fmtTimePtr(r.FinalizedAt),
		ApprovedBy:    string(r.ApprovedBy),
		ApprovedAt:    fmtTimePtr(r.ApprovedAt),
		DispatchedBy:  string(r.DispatchedBy),
		DispatchedAt:  fmtTimePtr(r.DispatchedAt),
		ReceivedBy:    string(r.ReceivedBy),
		ReceivedAt:    fmtTimePtr(r.ReceivedAt),
		CompletedAt:   fmtTimePtr(r.CompletedAt),
		RejectionNote: r.RejectionNote,
		OpenChangeID:  r.OpenChangeID,
		UpdatedAt:     r.UpdatedAt.Format(time.RFC3339),
	}
	if r.Lock != nil {
		dto.Lock = &LockDTO{
			HolderID:   string(r.Lock.HolderID),
			AcquiredAt: r.Lock.AcquiredAt.Format(time.RFC3339),
		}
	}
	return dto
}

func toLineDTOs(lines []engine.LineItem) []LineItemDTO {
	dtos := make([]LineItemDTO, len(lines))
	for i, li := range lines {
		dtos[i] = LineItemDTO{SKU: string(li.SKU), RequestedQty: li.RequestedQty, Note: li.Note}
	}
	return dtos
}

func fromLineDTOs(dtos []LineItemDTO) []engine.LineItem {
	lines := make([]engine.LineItem, len(dtos))
	for i, d := range dtos {
		lines[i] = engine.LineItem{SKU: engine.ItemSKU(d.SKU), RequestedQty: d.RequestedQty, Note: d.Note}
	}
	return lines
}

func toAllocationDTOs(allocs []engine.Allocation) []AllocationDTO {
	dtos := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		dtos[i] = AllocationDTO{SKU: string(a.SKU), HubID: string(a.HubID), Qty: a.Qty}
	}
	return dtos
}

func fromAllocationDTOs(dtos []AllocationDTO) []engine.Allocation {
	allocs := make([]engine.Allocation, len(dtos))
	for i, d := range dtos {
		allocs[i] = engine.Allocation{SKU: engine.ItemSKU(d.SKU), HubID: engine.HubID(d.HubID), Qty: d.Qty}
	}
	return allocs
}

func toChangeDTO(c engine.ChangeRequest) ChangeDTO {
	return ChangeDTO{
		ID:             c.ID,
		Seq:            string(c.Seq),
		HubID:          string(c.HubID),
		Status:         string(c.Status),
		Comments:       c.Comments,
		ReviewerID:     string(c.ReviewerID),
		ReviewComments: c.ReviewComments,
		CreatedBy:      string(c.CreatedBy),
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
		ReviewedAt:     fmtTimePtr(c.ReviewedAt),
	}
}

func toVersionDTO(v engine.Version) VersionDTO {
	return VersionDTO{
		Seq:               string(v.Seq),
		Number:            v.Number,
		ChangeID:          v.ChangeID,
		BeforeStatus:      string(v.BeforeStatus),
		AfterStatus:       string(v.AfterStatus),
		BeforeAllocations: toAllocationDTOs(v.BeforeAllocations),
		AfterAllocations:  toAllocationDTOs(v.AfterAllocations),
		Reason:            v.Reason,
		ActorID:           string(v.ActorID),
		CreatedAt:         v.CreatedAt.Format(time.RFC3339),
	}
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
