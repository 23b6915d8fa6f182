/*
request.go - Needs List workflow

PURPOSE:
  Drives a Needs List through its lifecycle and enforces legal transitions
  and actor capabilities per transition:

    Draft ──▶ Submitted ──▶ Fulfilment Prepared ──▶ Awaiting Approval
                  ▲                                      │
                  └──────────── sent back ◀──────────────┤
                                                         ▼
    Completed ◀── Received ◀── Dispatched ◀────────── Approved
                                    │                    │
                                    └──▶ Change Requested┘
                                              │
                                   resolved ──▶ Approved (delta entries)

  Rejected is reachable from any non-terminal state by a high-privilege
  actor. Completed and Rejected are terminal.

LEDGER DISCIPLINE:
  Approval is the only transition that writes ledger entries for this
  workflow: one outbound entry per (source hub, item) allocation and one
  inbound aggregate entry per item at the requesting hub. The goods move
  logically at approval; dispatch and receipt are physical confirmations.

  Approval re-validates every allocation against live stock inside the
  same store transaction as the writes. Stock may have moved since the
  plan was prepared; first validation pass wins, the loser re-plans.

LOCKING:
  Saving and finalizing a fulfilment plan mutate allocation rows and
  require the advisory edit lock (lock.go). Read-only views never do.

SEE ALSO:
  - allocation.go: Validation rules
  - version.go:    Snapshot recording on approval and adjustment
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// TRANSITION TABLE
// =============================================================================

var legalTransitions = map[RequestStatus][]RequestStatus{
	StatusDraft:            {StatusDraft, StatusSubmitted},
	StatusSubmitted:        {StatusPrepared},
	StatusPrepared:         {StatusPrepared, StatusAwaitingApproval},
	StatusAwaitingApproval: {StatusApproved, StatusSubmitted},
	StatusApproved:         {StatusDispatched, StatusChangeRequested},
	StatusDispatched:       {StatusReceived, StatusChangeRequested},
	StatusReceived:         {StatusCompleted},
	// DismissChange restores the prior status directly; no live
	// transition leaves a disputed request except via resolution.
	StatusChangeRequested: {StatusApproved},
}

func canTransition(from, to RequestStatus) bool {
	if to == StatusRejected {
		return !from.Terminal()
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// WORKFLOW SERVICE
// =============================================================================

type Workflow struct {
	Store    Store
	Locks    *LockManager
	Notifier Notifier
	Logger   zerolog.Logger
	Now      func() time.Time
}

func NewWorkflow(store Store, locks *LockManager, notifier Notifier) *Workflow {
	return &Workflow{
		Store:    store,
		Locks:    locks,
		Notifier: notifier,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

type CreateRequestInput struct {
	HubID         HubID
	Priority      Priority
	Justification string
	EventTag      string
	Lines         []LineItem
}

// Create opens a new Needs List in Draft for the requesting hub.
func (w *Workflow) Create(ctx context.Context, actor Actor, in CreateRequestInput) (*Request, error) {
	if err := authorize(actor, CapEditRequest, in.HubID); err != nil {
		return nil, err
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}

	var created *Request
	err := w.Store.WithTx(ctx, func(s Store) error {
		hub, err := s.GetHub(ctx, in.HubID)
		if err != nil {
			return err
		}
		if hub == nil {
			return fmt.Errorf("%w: %s", ErrHubNotFound, in.HubID)
		}
		if hub.Status != HubActive {
			return &ValidationError{Field: "hub", Message: fmt.Sprintf("hub %s is not active", in.HubID)}
		}
		if err := validateLines(ctx, s, in.Lines); err != nil {
			return err
		}

		seq, err := s.NextRequestSeq(ctx)
		if err != nil {
			return err
		}
		now := w.Now()
		created = &Request{
			Seq:           seq,
			HubID:         in.HubID,
			Status:        StatusDraft,
			Priority:      in.Priority,
			Justification: in.Justification,
			EventTag:      in.EventTag,
			Lines:         in.Lines,
			CreatedBy:     actor.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return s.SaveRequest(ctx, created)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

type UpdateDraftInput struct {
	Priority      Priority
	Justification string
	Lines         []LineItem
}

// UpdateDraft edits line items while the request is still in Draft. Once
// submitted, line items are immutable except via the change-request path.
func (w *Workflow) UpdateDraft(ctx context.Context, actor Actor, seq RequestSeq, in UpdateDraftInput) (*Request, error) {
	return w.mutate(ctx, seq, func(s Store, req *Request) error {
		if err := authorize(actor, CapEditRequest, req.HubID); err != nil {
			return err
		}
		if req.Status != StatusDraft {
			return &IllegalTransitionError{Seq: seq, From: req.Status, To: StatusDraft}
		}
		if err := validateLines(ctx, s, in.Lines); err != nil {
			return err
		}
		req.Lines = in.Lines
		req.Justification = in.Justification
		if in.Priority != "" {
			req.Priority = in.Priority
		}
		return nil
	})
}

// Submit moves Draft to Submitted and locks line items from free edits.
func (w *Workflow) Submit(ctx context.Context, actor Actor, seq RequestSeq) (*Request, error) {
	var ev *Event
	req, err := w.mutate(ctx, seq, func(s Store, req *Request) error {
		if err := authorize(actor, CapEditRequest, req.HubID); err != nil {
			return err
		}
		if err := checkTransition(req, StatusSubmitted); err != nil {
			return err
		}
		if len(req.Lines) == 0 {
			return &ValidationError{Field: "lines", Message: "a needs list requires at least one line item"}
		}
		now := w.Now()
		req.Status = StatusSubmitted
		req.SubmittedBy = actor.ID
		req.SubmittedAt = &now
		ev = &Event{Type: EventSubmitted, Target: string(RoleInventoryManager), Seq: seq,
			Message: fmt.Sprintf("Needs list %s submitted by hub %s", seq, req.HubID)}
		return nil
	})
	if err == nil {
		w.notify(ctx, ev)
	}
	return req, err
}

// SaveFulfilment records an in-progress allocation plan and moves the
// request to Fulfilment Prepared. May be called repeatedly; each save
// overwrites the previous plan without version history (drafts are not
// audited, only approved and adjusted states are). Requires the edit lock.
func (w *Workflow) SaveFulfilment(ctx context.Context, actor Actor, seq RequestSeq, allocs []Allocation) (*Request, error) {
	var ev *Event
	req, err := w.mutate(ctx, seq, func(s Store, req *Request) error {
		if !actor.Can(CapPlanFulfilment) {
			return &CapabilityError{ActorID: actor.ID, Capability: CapPlanFulfilment}
		}
		if err := checkTransition(req, StatusPrepared); err != nil {
			return err
		}
		if err := w.requireLock(req, actor); err != nil {
			return err
		}
		// Shape rules only: partial plans and zero-stock holdovers are
		// fine to save, they just cannot be finalized.
		if err := CheckAllocationShape(req.Lines, allocs); err != nil {
			return err
		}
		now := w.Now()
		req.Status = StatusPrepared
		req.Allocations = allocs
		req.DraftSavedBy = actor.ID
		req.DraftSavedAt = &now
		ev = &Event{Type: EventFulfilmentSaved, Target: string(req.CreatedBy), Seq: seq,
			Message: fmt.Sprintf("Fulfilment plan for %s saved", seq)}
		return nil
	})
	if err == nil {
		w.notify(ctx, ev)
	}
	return req, err
}

// Finalize validates the full plan against live stock and moves the
// request to Awaiting Approval. The edit lock is released on success.
func (w *Workflow) Finalize(ctx context.Context, actor Actor, seq RequestSeq) (*Request, error) {
	var ev *Event
	req, err := w.mutate(ctx, seq, func(s Store, req *Request) error {
		if !actor.Can(CapPlanFulfilment) {
			return &CapabilityError{ActorID: actor.ID, Capability: CapPlanFulfilment}
		}
		if err := checkTransition(req, StatusAwaitingApproval); err != nil {
			return err
		}
		if err := w.requireLock(req, actor); err != nil {
			return err
		}
		if err := ValidateAllocations(ctx, s, req.Lines, req.Allocations); err != nil {
			return err
		}
		now := w.Now()
		req.Status = StatusAwaitingApproval
		req.FinalizedBy = actor.ID
		req.FinalizedAt = &now
		req.Lock = nil
		ev = &Event{Type: EventFinalized, Target: string(RoleExecutive), Seq: seq,
			Message: fmt.Sprintf("Needs list %s awaiting approval", seq)}
		return nil
	})
	if err == nil {
		w.notify(ctx, ev)
	}
	return req, err
}

// Approve commits the fulfilment plan. This is the only workflow
// transition that mutates the ledger: validation and writes happen in one
// store transaction, so a concurrent approval that drained a source hub
// makes this one fail with InsufficientStock and nothing commits.
func (w *Workflow) Approve(ctx context.Context, actor Actor, seq RequestSeq) (*Request, error) {
	var ev *Event
	req, err := w.mutate(ctx, seq, func(s Store, req *Request) error {
		if !actor.Can(CapApprove) {
			return &CapabilityError{ActorID: actor.ID, Capability: CapApprove}
		}
		if err := checkTransition(req, StatusApproved); err != nil {
			return err
		}
		// Stock may have moved since the plan was finalized.
		if err := ValidateAllocations(ctx, s, req.Lines, req.Allocations); err != nil {
			return err
		}

		now := w.Now()
		before := snapshotAllocations(req.Allocations)
		entries := w.approvalEntries(req, actor.ID, now)
		if err := s.AppendEntries(ctx, entries); err != nil {
			return err
		}
		if err := recordVersion(ctx, s, Version{
			Seq:               seq,
			BeforeStatus:      req.Status,
			AfterStatus:       StatusApproved,
			BeforeAllocations: before,
			AfterAllocations:  before,
			Reason:            "fulfilment approved",
			ActorID:           actor.ID,
			CreatedAt:         now,
		}); err != nil {
			return err
		}

		req.Status = StatusApproved
		req.ApprovedBy = actor.ID
		req.ApprovedAt = &now
		ev = &Event{Type: EventApproved, Target: string(req.CreatedBy), Seq: seq,
			Message: fmt.Sprintf("Needs list %s approved; stock reserved", seq)}
		return nil
	})
	if err == nil {
		w.notify(ctx, ev)
	}
	return req, err
}

// SendBack rejects a fulfilment plan at approval stage: allocations are
// cleared and the request returns to Submitted for re-planning.
func (w *Workflow) SendBack(ctx context.Context, actor Actor, seq RequestSeq, note string) (*Request, error) {
	var ev *Event
	req, err := w.mutate(ctx, seq, func(s Store, req *Request) error {
		if !actor.Can(CapApprove) {
			return &CapabilityError{ActorID: actor.ID, Capability: CapApprove}
		}
		if req.Status != StatusAwaitingApproval {
			return &IllegalTransitionError{Seq: seq, From: req.Status, To: StatusSubmitted}
		}
		req.Status = StatusSubmitted
		req.Allocations = nil
		req.RejectionNote = note
		req.Lock = nil
		ev = &Event{Type: EventFulfilmentSentBack, Target: string(req.DraftSavedBy), Seq: seq,
			Message: fmt.Sprintf("Fulfilment plan for %s sent back: %s", seq, note)}
		return nil
	})
	if err == nil {
		w.notify(ctx, ev)
	}
	return req, err
}

// Dispatch confirms physical release of the goods at a source hub. The
// goods already moved logically at approval; no ledger change here.
func (w *Workflow) Dispatch(ctx context.Context, actor Actor, seq RequestSeq) (*Request, error) {
	var ev *Event
	req, err := w.mutate(ctx, seq, func(s Store, req *Request) error {
		if !actor.Can(CapDispatch) {
			return &CapabilityError{ActorID: actor.ID, Capability: CapDispatch}
		}
		if err := checkTransition(req, StatusDispatched); err != nil {
			return err
		}
		if !w.actorAtSourceHub(actor, req) {
			return &CapabilityError{ActorID: actor.ID, Capability: CapDispatch, HubID: req.HubID}
		}
		now := w.Now()
		req.Status = StatusDispatched
		req.DispatchedBy = actor.ID
		req.DispatchedAt = &now
		ev = &Event{Type: EventDispatched, Target: string(req.CreatedBy), Seq: seq,
			Message: fmt.Sprintf("Needs list %s dispatched", seq)}
		return nil
	})
	if err == nil {
		w.notify(ctx, ev)
	}
	return req, err
}

// ConfirmReceipt records arrival at the requesting hub.
func (w *Workflow) ConfirmReceipt(ctx context.Context, actor Actor, seq RequestSeq) (*Request, error) {
	var ev *Event
	req, err := w.mutate(ctx, seq, func(s Store, req *Request) error {
		if err := authorize(actor, CapReceive, req.HubID); err != nil {
			return err
		}
		if err := checkTransition(req, StatusReceived); err != nil {
			return err
		}
		now := w.Now()
		req.Status = StatusReceived
		req.ReceivedBy = actor.ID
		req.ReceivedAt = &now
		ev = &Event{Type: EventReceived, Target: string(RoleAuditor), Seq: seq,
			Message: fmt.Sprintf("Needs list %s received at hub %s", seq, req.HubID)}
		return nil
	})
	if err == nil {
		w.notify(ctx, ev)
	}
	return req, err
}

// Complete finalizes a received request; line items become immutable.
func (w *Workflow) Complete(ctx context.Context, actor Actor, seq RequestSeq) (*Request, error) {
	var ev *Event
	req, err := w.mutate(ctx, seq, func(s Store, req *Request) error {
		if !actor.Can(CapComplete) {
			return &CapabilityError{ActorID: actor.ID, Capability: CapComplete}
		}
		if err := checkTransition(req, StatusCompleted); err != nil {
			return err
		}
		now := w.Now()
		req.Status = StatusCompleted
		req.CompletedAt = &now
		ev = &Event{Type: EventCompleted, Target: string(req.CreatedBy), Seq: seq,
			Message: fmt.Sprintf("Needs list %s completed", seq)}
		return nil
	})
	if err == nil {
		w.notify(ctx, ev)
	}
	return req, err
}

// Reject terminally rejects from any non-terminal state. If goods already
// moved for this request, compensating entries reverse them; rejection
// never silently strands moved stock.
func (w *Workflow) Reject(ctx context.Context, actor Actor, seq RequestSeq, note string) (*Request, error) {
	var ev *Event
	req, err := w.mutate(ctx, seq, func(s Store, req *Request) error {
		if !actor.Can(CapTerminalReject) {
			return &CapabilityError{ActorID: actor.ID, Capability: CapTerminalReject}
		}
		if err := checkTransition(req, StatusRejected); err != nil {
			return err
		}
		moved, err := s.EntriesByReference(ctx, string(seq))
		if err != nil {
			return err
		}
		now := w.Now()
		if len(moved) > 0 {
			comp := compensationEntries(moved, seq, actor.ID, now)
			if err := s.AppendEntries(ctx, comp); err != nil {
				return err
			}
			if err := recordVersion(ctx, s, Version{
				Seq:               seq,
				BeforeStatus:      req.Status,
				AfterStatus:       StatusRejected,
				BeforeAllocations: snapshotAllocations(req.Allocations),
				AfterAllocations:  nil,
				Reason:            "terminal rejection; movements compensated",
				ActorID:           actor.ID,
				CreatedAt:         now,
			}); err != nil {
				return err
			}
		}
		req.Status = StatusRejected
		req.RejectionNote = note
		req.Lock = nil
		req.OpenChangeID = ""
		ev = &Event{Type: EventRejected, Target: string(req.CreatedBy), Seq: seq,
			Message: fmt.Sprintf("Needs list %s rejected: %s", seq, note)}
		return nil
	})
	if err == nil {
		w.notify(ctx, ev)
	}
	return req, err
}

// =============================================================================
// CHANGE REQUESTS
// =============================================================================

// OpenChange lets the requesting hub dispute an approved or dispatched
// allocation. The ledger is not rolled back; resolution moves deltas.
func (w *Workflow) OpenChange(ctx context.Context, actor Actor, seq RequestSeq, comments string) (*ChangeRequest, error) {
	var change *ChangeRequest
	var ev *Event
	_, err := w.mutate(ctx, seq, func(s Store, req *Request) error {
		if err := authorize(actor, CapEditRequest, req.HubID); err != nil {
			return err
		}
		if err := checkTransition(req, StatusChangeRequested); err != nil {
			return err
		}
		now := w.Now()
		change = &ChangeRequest{
			ID:          uuid.NewString(),
			Seq:         seq,
			HubID:       req.HubID,
			PriorStatus: req.Status,
			Comments:    comments,
			Status:      ChangePendingReview,
			CreatedBy:   actor.ID,
			CreatedAt:   now,
		}
		if err := s.SaveChange(ctx, *change); err != nil {
			return err
		}
		req.Status = StatusChangeRequested
		req.OpenChangeID = change.ID
		ev = &Event{Type: EventChangeOpened, Target: string(RoleExecutive), Seq: seq,
			Message: fmt.Sprintf("Change requested on %s: %s", seq, comments)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.notify(ctx, ev)
	return change, nil
}

// ResolveChange applies an edited allocation to an approved request. Only
// the delta against the committed allocation is validated and moved; a
// new version snapshot records the adjustment.
func (w *Workflow) ResolveChange(ctx context.Context, actor Actor, changeID string, newAllocs []Allocation, reviewComments string) (*Request, error) {
	var ev *Event
	var out *Request
	err := w.Store.WithTx(ctx, func(s Store) error {
		change, err := getChange(ctx, s, changeID)
		if err != nil {
			return err
		}
		if !actor.Can(CapApprove) {
			return &CapabilityError{ActorID: actor.ID, Capability: CapApprove}
		}
		if change.Status != ChangePendingReview && change.Status != ChangeInProgress && change.Status != ChangeClarificationNeeded {
			return &ValidationError{Field: "change", Message: fmt.Sprintf("change %s already resolved", changeID)}
		}
		req, err := getRequest(ctx, s, change.Seq)
		if err != nil {
			return err
		}
		if err := checkTransition(req, StatusApproved); err != nil {
			return err
		}
		if err := CheckAllocationShape(req.Lines, newAllocs); err != nil {
			return err
		}

		before := snapshotAllocations(req.Allocations)
		delta := AllocationDelta(before, newAllocs)
		now := w.Now()
		if len(delta) > 0 {
			entries, err := w.deltaEntries(ctx, s, req, delta, actor.ID, now)
			if err != nil {
				return err
			}
			if err := s.AppendEntries(ctx, entries); err != nil {
				return err
			}
		}
		if err := recordVersion(ctx, s, Version{
			Seq:               req.Seq,
			ChangeID:          change.ID,
			BeforeStatus:      req.Status,
			AfterStatus:       StatusApproved,
			BeforeAllocations: before,
			AfterAllocations:  snapshotAllocations(newAllocs),
			Reason:            reviewComments,
			ActorID:           actor.ID,
			CreatedAt:         now,
		}); err != nil {
			return err
		}

		change.Status = ChangeApprovedResent
		change.ReviewerID = actor.ID
		change.ReviewComments = reviewComments
		change.ReviewedAt = &now
		if err := s.SaveChange(ctx, *change); err != nil {
			return err
		}

		req.Status = StatusApproved
		req.Allocations = newAllocs
		req.ApprovedBy = actor.ID
		req.ApprovedAt = &now
		req.OpenChangeID = ""
		req.UpdatedAt = now
		out = req
		ev = &Event{Type: EventChangeResolved, Target: string(change.CreatedBy), Seq: req.Seq,
			Message: fmt.Sprintf("Change on %s approved and resent", req.Seq)}
		return s.SaveRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	w.notify(ctx, ev)
	return out, nil
}

// DismissChange closes a change without an allocation edit. Rejected
// returns the request to its pre-change status; Clarification Needed
// keeps the dispute open and only records the reviewer's question.
func (w *Workflow) DismissChange(ctx context.Context, actor Actor, changeID string, status ChangeStatus, comments string) (*ChangeRequest, error) {
	var out *ChangeRequest
	err := w.Store.WithTx(ctx, func(s Store) error {
		if !actor.Can(CapReviewChanges) {
			return &CapabilityError{ActorID: actor.ID, Capability: CapReviewChanges}
		}
		if status != ChangeRejected && status != ChangeClarificationNeeded {
			return &ValidationError{Field: "status", Message: "dismissal status must be Rejected or Clarification Needed"}
		}
		change, err := getChange(ctx, s, changeID)
		if err != nil {
			return err
		}
		if change.Status == ChangeApprovedResent || change.Status == ChangeRejected {
			return &ValidationError{Field: "change", Message: fmt.Sprintf("change %s already resolved", changeID)}
		}
		now := w.Now()
		change.Status = status
		change.ReviewerID = actor.ID
		change.ReviewComments = comments
		change.ReviewedAt = &now
		if err := s.SaveChange(ctx, *change); err != nil {
			return err
		}
		if status == ChangeRejected {
			req, err := getRequest(ctx, s, change.Seq)
			if err != nil {
				return err
			}
			req.Status = change.PriorStatus
			req.OpenChangeID = ""
			req.UpdatedAt = now
			if err := s.SaveRequest(ctx, req); err != nil {
				return err
			}
		}
		out = change
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (w *Workflow) Get(ctx context.Context, seq RequestSeq) (*Request, error) {
	return getRequest(ctx, w.Store, seq)
}

func (w *Workflow) List(ctx context.Context, status *RequestStatus) ([]*Request, error) {
	return w.Store.ListRequests(ctx, status)
}

func (w *Workflow) Versions(ctx context.Context, seq RequestSeq) ([]Version, error) {
	return w.Store.ListVersions(ctx, seq)
}

func (w *Workflow) Changes(ctx context.Context, seq RequestSeq) ([]ChangeRequest, error) {
	return w.Store.ListChanges(ctx, seq)
}

// =============================================================================
// INTERNALS
// =============================================================================

// mutate loads, edits and saves one request inside a store transaction.
func (w *Workflow) mutate(ctx context.Context, seq RequestSeq, fn func(Store, *Request) error) (*Request, error) {
	var out *Request
	err := w.Store.WithTx(ctx, func(s Store) error {
		req, err := getRequest(ctx, s, seq)
		if err != nil {
			return err
		}
		if err := fn(s, req); err != nil {
			return err
		}
		req.UpdatedAt = w.Now()
		out = req
		return s.SaveRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (w *Workflow) requireLock(req *Request, actor Actor) error {
	if w.Locks == nil {
		return nil
	}
	if !w.Locks.Holds(req, actor.ID) {
		if req.Lock != nil && w.Locks.activeLock(req) != nil {
			return w.Locks.heldErr(req.Seq, req.Lock)
		}
		return fmt.Errorf("%w: acquire the edit lock on %s before saving", ErrLockRequired, req.Seq)
	}
	return nil
}

func (w *Workflow) notify(ctx context.Context, ev *Event) {
	if ev == nil || w.Notifier == nil {
		return
	}
	ev.At = w.Now()
	if err := w.Notifier.Publish(ctx, *ev); err != nil {
		// Never roll back a transition over a notification failure.
		w.Logger.Warn().Err(err).Str("event", string(ev.Type)).
			Str("request", string(ev.Seq)).Msg("notification delivery failed; dropped")
	}
}

// approvalEntries builds the ledger movements for an approval: one
// outbound per (source hub, item) allocation, one inbound aggregate per
// item at the requesting hub.
func (w *Workflow) approvalEntries(req *Request, actorID ActorID, now time.Time) []LedgerEntry {
	var entries []LedgerEntry
	inbound := make(map[ItemSKU]int64)
	var skuOrder []ItemSKU

	for _, al := range req.Allocations {
		if al.Qty == 0 {
			continue
		}
		entries = append(entries, LedgerEntry{
			ID:           EntryID(uuid.NewString()),
			SKU:          al.SKU,
			HubID:        al.HubID,
			Quantity:     -al.Qty,
			Kind:         EntryFulfillment,
			Counterparty: &Counterparty{Kind: CounterpartyHub, Name: string(req.HubID)},
			EventTag:     req.EventTag,
			Reference:    string(req.Seq),
			ActorID:      actorID,
			CreatedAt:    now,
		})
		if _, ok := inbound[al.SKU]; !ok {
			skuOrder = append(skuOrder, al.SKU)
		}
		inbound[al.SKU] += al.Qty
	}
	for _, sku := range skuOrder {
		entries = append(entries, LedgerEntry{
			ID:        EntryID(uuid.NewString()),
			SKU:       sku,
			HubID:     req.HubID,
			Quantity:  inbound[sku],
			Kind:      EntryFulfillment,
			EventTag:  req.EventTag,
			Reference: string(req.Seq),
			ActorID:   actorID,
			CreatedAt: now,
		})
	}
	return entries
}

// deltaEntries builds movements for a change resolution. Positive deltas
// draw more stock from a source hub (validated against live stock);
// negative deltas return goods from the requesting hub (validated there).
func (w *Workflow) deltaEntries(ctx context.Context, s Store, req *Request, delta []Allocation, actorID ActorID, now time.Time) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	net := make(map[ItemSKU]int64)
	var skuOrder []ItemSKU

	for _, d := range delta {
		if d.Qty > 0 {
			if err := ensureAvailable(ctx, s, d.SKU, d.HubID, d.Qty); err != nil {
				return nil, err
			}
		}
		entries = append(entries, LedgerEntry{
			ID:           EntryID(uuid.NewString()),
			SKU:          d.SKU,
			HubID:        d.HubID,
			Quantity:     -d.Qty,
			Kind:         EntryFulfillment,
			Counterparty: &Counterparty{Kind: CounterpartyHub, Name: string(req.HubID)},
			EventTag:     req.EventTag,
			Reference:    string(req.Seq),
			Note:         "allocation adjustment",
			ActorID:      actorID,
			CreatedAt:    now,
		})
		if _, ok := net[d.SKU]; !ok {
			skuOrder = append(skuOrder, d.SKU)
		}
		net[d.SKU] += d.Qty
	}

	for _, sku := range skuOrder {
		qty := net[sku]
		if qty == 0 {
			continue
		}
		if qty < 0 {
			// Goods flow back out of the requesting hub.
			if err := ensureAvailable(ctx, s, sku, req.HubID, -qty); err != nil {
				return nil, err
			}
		}
		entries = append(entries, LedgerEntry{
			ID:        EntryID(uuid.NewString()),
			SKU:       sku,
			HubID:     req.HubID,
			Quantity:  qty,
			Kind:      EntryFulfillment,
			EventTag:  req.EventTag,
			Reference: string(req.Seq),
			Note:      "allocation adjustment",
			ActorID:   actorID,
			CreatedAt: now,
		})
	}
	return entries, nil
}

// compensationEntries negates previously written movements for a request.
func compensationEntries(moved []LedgerEntry, seq RequestSeq, actorID ActorID, now time.Time) []LedgerEntry {
	comp := make([]LedgerEntry, 0, len(moved))
	for _, e := range moved {
		if e.Kind == EntryCompensation {
			continue
		}
		comp = append(comp, LedgerEntry{
			ID:        EntryID(uuid.NewString()),
			SKU:       e.SKU,
			HubID:     e.HubID,
			Quantity:  -e.Quantity,
			Kind:      EntryCompensation,
			Reference: string(seq),
			Note:      fmt.Sprintf("compensates %s", e.ID),
			ActorID:   actorID,
			CreatedAt: now,
		})
	}
	return comp
}

func checkTransition(req *Request, to RequestStatus) error {
	if !canTransition(req.Status, to) {
		return &IllegalTransitionError{Seq: req.Seq, From: req.Status, To: to}
	}
	return nil
}

func authorize(actor Actor, cap Capability, hub HubID) error {
	if !actor.Can(cap) {
		return &CapabilityError{ActorID: actor.ID, Capability: cap}
	}
	if !actor.HasHub(hub) {
		return &CapabilityError{ActorID: actor.ID, Capability: cap, HubID: hub}
	}
	return nil
}

// actorAtSourceHub reports whether the actor may dispatch for this
// request: it must have access to at least one allocated source hub.
func (w *Workflow) actorAtSourceHub(actor Actor, req *Request) bool {
	if len(actor.HubAccess) == 0 {
		return true
	}
	for _, al := range req.Allocations {
		if al.Qty > 0 && actor.HasHub(al.HubID) {
			return true
		}
	}
	return false
}

func validateLines(ctx context.Context, s Store, lines []LineItem) error {
	if len(lines) == 0 {
		return &ValidationError{Field: "lines", Message: "at least one line item required"}
	}
	seen := make(map[ItemSKU]bool, len(lines))
	for _, li := range lines {
		if li.RequestedQty <= 0 {
			return &ValidationError{Field: "requested_qty", Message: fmt.Sprintf("requested quantity for %s must be positive", li.SKU)}
		}
		if seen[li.SKU] {
			return &ValidationError{Field: "lines", Message: fmt.Sprintf("duplicate line item for %s", li.SKU)}
		}
		seen[li.SKU] = true
		item, err := s.GetItem(ctx, li.SKU)
		if err != nil {
			return err
		}
		if item == nil {
			return fmt.Errorf("%w: %s", ErrItemNotFound, li.SKU)
		}
	}
	return nil
}

func snapshotAllocations(allocs []Allocation) []Allocation {
	if allocs == nil {
		return nil
	}
	out := make([]Allocation, len(allocs))
	copy(out, allocs)
	return out
}

func getChange(ctx context.Context, s Store, id string) (*ChangeRequest, error) {
	change, err := s.GetChange(ctx, id)
	if err != nil {
		return nil, err
	}
	if change == nil {
		return nil, fmt.Errorf("%w: %s", ErrChangeNotFound, id)
	}
	return change, nil
}
