/*
Package engine is the core of the relief stock system.

PURPOSE:
  This package contains the domain types and algorithms for coordinating
  relief-supply stock across a hierarchy of storage hubs: the append-only
  movement ledger, derived stock aggregation, and the Needs List
  fulfilment workflow that moves goods between hubs.

KEY CONCEPTS IN THIS FILE (types.go):
  - LedgerEntry: An immutable signed stock movement (positive = inbound)
  - Hub/Item:    The registry the ledger is keyed on
  - Request:     A Needs List moving through the approval workflow
  - Allocation:  A planned quantity sourced from one hub for one line item
  - Lock:        A time-bounded advisory hold on fulfilment editing

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified, only offset
  2. Derivation: Stock is always computed from entries, never stored
  3. Type Safety: Strong typing for IDs prevents mixing hub/item/actor IDs
  4. Auditability: Every movement carries actor, reference, and reason

QUANTITIES:
  Stock quantities are discrete units (pcs, boxes, kits) stored as int64.
  Movements are signed; current stock is the sum of all signed movements
  for an (item, hub) key.

SEE ALSO:
  - ledger.go: Append-only entry recording
  - stock.go:  Derived stock aggregation
  - request.go: Needs List workflow
*/
package engine

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type HubID string
type ItemSKU string
type ActorID string
type EntryID string

// RequestSeq is the human-facing Needs List number, e.g. "NL-000042".
type RequestSeq string

// OperationID is a client-generated id for an idempotent submission.
type OperationID string

// =============================================================================
// HUBS - Physical storage/distribution locations
// =============================================================================

// HubKind places a hub in the three-tier hierarchy. AGENCY hubs belong to
// independent organisations: their stock stays in the ledger but is excluded
// from global availability by policy.
type HubKind string

const (
	HubMain   HubKind = "MAIN"
	HubSub    HubKind = "SUB"
	HubAgency HubKind = "AGENCY"
)

type HubStatus string

const (
	HubActive HubStatus = "Active"
	HubClosed HubStatus = "Closed"
)

type Hub struct {
	ID       HubID
	Name     string
	Kind     HubKind
	ParentID HubID // empty for the MAIN hub
	Status   HubStatus

	// When the hub last became operational.
	OperationalAt *time.Time
}

// =============================================================================
// ITEMS - Relief supply catalog
// =============================================================================

type Item struct {
	SKU      ItemSKU
	Name     string
	Category string // e.g. Food, Water, Hygiene, Medical
	Unit     string // unit of measure: pcs, kg, L, boxes

	// MinQty is the low-stock threshold per hub.
	MinQty int64

	Description         string
	StorageRequirements string // e.g. "Keep refrigerated"
}

// =============================================================================
// DISASTER EVENTS - Declared relief operations
// =============================================================================

type DisasterStatus string

const (
	DisasterActive DisasterStatus = "Active"
	DisasterClosed DisasterStatus = "Closed"
)

// DisasterEvent is a declared relief operation. Ledger entries and Needs
// Lists reference it by its id via their event tag.
type DisasterEvent struct {
	ID          string
	Name        string
	Type        string // e.g. Hurricane, Earthquake, Flood
	StartDate   time.Time
	EndDate     *time.Time
	Description string
	Status      DisasterStatus
	CreatedAt   time.Time
}

// =============================================================================
// LEDGER ENTRY - One immutable signed stock movement
// =============================================================================

type EntryKind string

const (
	EntryIntake       EntryKind = "intake"       // donation or procurement arriving
	EntryDistribution EntryKind = "distribution" // handed to beneficiaries
	EntryTransfer     EntryKind = "transfer"     // hub-to-hub movement
	EntryFulfillment  EntryKind = "fulfillment"  // Needs List approval movement
	EntryCompensation EntryKind = "compensation" // offsetting correction
)

type CounterpartyKind string

const (
	CounterpartyDonor       CounterpartyKind = "donor"
	CounterpartyBeneficiary CounterpartyKind = "beneficiary"
	CounterpartyHub         CounterpartyKind = "hub"
)

// Counterparty names the other side of a movement: who donated, who
// received, or which hub the goods came from / went to.
type Counterparty struct {
	Kind CounterpartyKind
	Name string
}

// LedgerEntry records one stock movement. Entries are append-only:
// corrections are new offsetting entries, never edits.
type LedgerEntry struct {
	ID       EntryID
	SKU      ItemSKU
	HubID    HubID
	Quantity int64 // signed: positive inbound, negative outbound
	Kind     EntryKind

	Counterparty *Counterparty
	EventTag     string     // disaster event this movement belongs to
	ExpiryDate   *time.Time // batch expiry, intake only

	// Reference ties the entry to its originating operation: a Needs List
	// sequence number or a transfer id.
	Reference string
	Note      string

	ActorID   ActorID
	CreatedAt time.Time // absolute instant, UTC
}

// =============================================================================
// REQUEST (NEEDS LIST) - Supply request moving through the workflow
// =============================================================================

type RequestStatus string

const (
	StatusDraft            RequestStatus = "Draft"
	StatusSubmitted        RequestStatus = "Submitted"
	StatusPrepared         RequestStatus = "Fulfilment Prepared"
	StatusAwaitingApproval RequestStatus = "Awaiting Approval"
	StatusApproved         RequestStatus = "Approved"
	StatusDispatched       RequestStatus = "Dispatched"
	StatusReceived         RequestStatus = "Received"
	StatusCompleted        RequestStatus = "Completed"
	StatusRejected         RequestStatus = "Rejected"
	StatusChangeRequested  RequestStatus = "Change Requested"
)

// Terminal reports whether no further transition is legal from s.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityNormal Priority = "Normal"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

// LineItem is one requested item on a Needs List. Owned by its Request;
// immutable once the request leaves Draft except via the versioned
// change-request path.
type LineItem struct {
	SKU          ItemSKU
	RequestedQty int64
	Note         string
}

// Allocation is a planned quantity of one item sourced from one hub.
// sum(allocations per line item) never exceeds the requested quantity,
// and at commit time each allocation is validated against live stock.
type Allocation struct {
	SKU   ItemSKU
	HubID HubID
	Qty   int64
}

// Lock is a time-bounded advisory hold on editing a request's in-progress
// allocation. Owned state with expiry, not a boolean flag.
type Lock struct {
	HolderID   ActorID
	AcquiredAt time.Time
}

// Request is a Needs List. It is never physically deleted; Rejected and
// Completed are its soft-terminal states.
type Request struct {
	Seq           RequestSeq
	HubID         HubID // requesting hub
	Status        RequestStatus
	Priority      Priority
	Justification string
	EventTag      string

	Lines       []LineItem
	Allocations []Allocation

	// Transition stamps. Every workflow step records who and when.
	CreatedBy    ActorID
	CreatedAt    time.Time
	SubmittedBy  ActorID
	SubmittedAt  *time.Time
	DraftSavedBy ActorID // last fulfilment save while Prepared
	DraftSavedAt *time.Time
	FinalizedBy  ActorID
	FinalizedAt  *time.Time
	ApprovedBy   ActorID
	ApprovedAt   *time.Time
	DispatchedBy ActorID
	DispatchedAt *time.Time
	ReceivedBy   ActorID
	ReceivedAt   *time.Time
	CompletedAt  *time.Time

	RejectionNote string

	Lock *Lock

	// OpenChangeID references the change request currently blocking the
	// workflow, when Status is ChangeRequested.
	OpenChangeID string

	UpdatedAt time.Time
}

// RequestedQty returns the requested quantity for sku, 0 if not on the list.
func (r *Request) RequestedQty(sku ItemSKU) int64 {
	for _, li := range r.Lines {
		if li.SKU == sku {
			return li.RequestedQty
		}
	}
	return 0
}

// =============================================================================
// CHANGE REQUESTS - Post-approval disputes
// =============================================================================

type ChangeStatus string

const (
	ChangePendingReview       ChangeStatus = "Pending Review"
	ChangeInProgress          ChangeStatus = "In Progress"
	ChangeApprovedResent      ChangeStatus = "Approved & Resent"
	ChangeRejected            ChangeStatus = "Rejected"
	ChangeClarificationNeeded ChangeStatus = "Clarification Needed"
)

type ChangeRequest struct {
	ID    string
	Seq   RequestSeq
	HubID HubID // disputing hub
	// PriorStatus is what the request goes back to if the change is
	// dismissed without an allocation edit.
	PriorStatus    RequestStatus
	Comments       string
	Status         ChangeStatus
	ReviewerID     ActorID
	ReviewComments string
	CreatedBy      ActorID
	CreatedAt      time.Time
	ReviewedAt     *time.Time
}

// =============================================================================
// VERSIONS - Append-only adjustment history
// =============================================================================

// Version snapshots before/after state for every adjustment to an approved
// request. One per adjustment event; (Seq, Number) is unique.
type Version struct {
	Seq      RequestSeq
	Number   int
	ChangeID string // originating change request, if any

	BeforeStatus      RequestStatus
	AfterStatus       RequestStatus
	BeforeAllocations []Allocation
	AfterAllocations  []Allocation

	Reason    string
	ActorID   ActorID
	CreatedAt time.Time
}

// =============================================================================
// IDEMPOTENCY RECORD - Stored result of a client-submitted operation
// =============================================================================

// IdempotencyRecord is created once per first-seen (OperationID, ActorID)
// pair; replays read it instead of re-executing the effect.
type IdempotencyRecord struct {
	OperationID   OperationID
	ActorID       ActorID
	OperationType string
	Result        []byte // response payload, returned byte-identical on replay
	CreatedAt     time.Time
}
