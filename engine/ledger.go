/*
ledger.go - Append-only stock movement ledger

PURPOSE:
  The Ledger is the immutable source of truth for every stock change.
  Intake, distribution, transfers and fulfilment movements are recorded
  here; current stock is always derived by summing entries (stock.go).

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. Ever.
  2. IMMUTABLE: Once written, entries cannot be modified.
  3. AUDITABLE: Every movement carries actor, reference and timestamp.
  4. NON-NEGATIVE: Any outbound movement validates live stock inside the
     same store transaction as its write, so derived stock never goes
     negative in a correct execution.

WHY SIGNED ENTRIES?
  Two concurrent inbound movements for the same (item, hub) never conflict
  because neither overwrites the other; entries commute. Only the
  read-then-validate step of outbound movements needs serialization, which
  WithTx provides.

CORRECTIONS:
  Mistakes are fixed with offsetting compensation entries. Both the
  original and the offset remain in the ledger.

SEE ALSO:
  - stock.go:   Derived aggregation
  - request.go: Fulfilment movements written at approval
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store Store
	Now   func() time.Time
}

func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store, Now: func() time.Time { return time.Now().UTC() }}
}

// Append validates and persists one entry. ValidationError if the quantity
// is zero or the hub/item do not exist; closed hubs reject movements.
func (l *Ledger) Append(ctx context.Context, e LedgerEntry) error {
	return l.Store.WithTx(ctx, func(s Store) error {
		if err := validateEntry(ctx, s, e); err != nil {
			return err
		}
		return s.AppendEntry(ctx, e)
	})
}

// AppendBatch validates and persists a set of entries atomically: either
// every entry lands or none do.
func (l *Ledger) AppendBatch(ctx context.Context, entries []LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return l.Store.WithTx(ctx, func(s Store) error {
		for _, e := range entries {
			if err := validateEntry(ctx, s, e); err != nil {
				return err
			}
		}
		return s.AppendEntries(ctx, entries)
	})
}

func validateEntry(ctx context.Context, s Store, e LedgerEntry) error {
	if e.Quantity == 0 {
		return &ValidationError{Field: "quantity", Message: "must be non-zero"}
	}
	item, err := s.GetItem(ctx, e.SKU)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("%w: %s", ErrItemNotFound, e.SKU)
	}
	hub, err := s.GetHub(ctx, e.HubID)
	if err != nil {
		return err
	}
	if hub == nil {
		return fmt.Errorf("%w: %s", ErrHubNotFound, e.HubID)
	}
	if hub.Status != HubActive {
		return &ValidationError{Field: "hub", Message: fmt.Sprintf("hub %s is not active", e.HubID)}
	}
	return nil
}

// =============================================================================
// MOVEMENT OPERATIONS - Intake, distribution, transfer
// =============================================================================

type IntakeInput struct {
	SKU        ItemSKU
	HubID      HubID
	Qty        int64 // must be positive
	Donor      string
	EventTag   string
	ExpiryDate *time.Time
	Note       string
}

// Intake records goods arriving at a hub from a donor.
func (l *Ledger) Intake(ctx context.Context, actor Actor, in IntakeInput) (*LedgerEntry, error) {
	if err := l.authorizeMovement(actor, in.HubID); err != nil {
		return nil, err
	}
	if in.Qty <= 0 {
		return nil, &ValidationError{Field: "quantity", Message: "intake quantity must be positive"}
	}
	e := LedgerEntry{
		ID:         EntryID(uuid.NewString()),
		SKU:        in.SKU,
		HubID:      in.HubID,
		Quantity:   in.Qty,
		Kind:       EntryIntake,
		EventTag:   in.EventTag,
		ExpiryDate: in.ExpiryDate,
		Note:       in.Note,
		ActorID:    actor.ID,
		CreatedAt:  l.Now(),
	}
	if in.Donor != "" {
		e.Counterparty = &Counterparty{Kind: CounterpartyDonor, Name: in.Donor}
	}
	if err := l.Append(ctx, e); err != nil {
		return nil, err
	}
	return &e, nil
}

type DistributeInput struct {
	SKU         ItemSKU
	HubID       HubID
	Qty         int64 // must be positive
	Beneficiary string
	EventTag    string
	Note        string
}

// Distribute records goods leaving a hub to beneficiaries. Live stock at
// the hub is validated inside the same transaction as the write.
func (l *Ledger) Distribute(ctx context.Context, actor Actor, in DistributeInput) (*LedgerEntry, error) {
	if err := l.authorizeMovement(actor, in.HubID); err != nil {
		return nil, err
	}
	if in.Qty <= 0 {
		return nil, &ValidationError{Field: "quantity", Message: "distribution quantity must be positive"}
	}
	e := LedgerEntry{
		ID:        EntryID(uuid.NewString()),
		SKU:       in.SKU,
		HubID:     in.HubID,
		Quantity:  -in.Qty,
		Kind:      EntryDistribution,
		EventTag:  in.EventTag,
		Note:      in.Note,
		ActorID:   actor.ID,
		CreatedAt: l.Now(),
	}
	if in.Beneficiary != "" {
		e.Counterparty = &Counterparty{Kind: CounterpartyBeneficiary, Name: in.Beneficiary}
	}
	err := l.Store.WithTx(ctx, func(s Store) error {
		if err := validateEntry(ctx, s, e); err != nil {
			return err
		}
		if err := ensureAvailable(ctx, s, in.SKU, in.HubID, in.Qty); err != nil {
			return err
		}
		return s.AppendEntry(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type TransferInput struct {
	SKU      ItemSKU
	FromHub  HubID
	ToHub    HubID
	Qty      int64 // must be positive
	EventTag string
	Note     string
}

// Transfer moves goods between hubs: one outbound and one inbound entry,
// appended atomically, sharing a transfer reference.
func (l *Ledger) Transfer(ctx context.Context, actor Actor, in TransferInput) ([]LedgerEntry, error) {
	if err := l.authorizeMovement(actor, in.FromHub); err != nil {
		return nil, err
	}
	if in.Qty <= 0 {
		return nil, &ValidationError{Field: "quantity", Message: "transfer quantity must be positive"}
	}
	if in.FromHub == in.ToHub {
		return nil, &ValidationError{Field: "to_hub", Message: "source and destination hubs must differ"}
	}

	ref := "TR-" + uuid.NewString()
	now := l.Now()
	out := LedgerEntry{
		ID:           EntryID(uuid.NewString()),
		SKU:          in.SKU,
		HubID:        in.FromHub,
		Quantity:     -in.Qty,
		Kind:         EntryTransfer,
		Counterparty: &Counterparty{Kind: CounterpartyHub, Name: string(in.ToHub)},
		EventTag:     in.EventTag,
		Reference:    ref,
		Note:         in.Note,
		ActorID:      actor.ID,
		CreatedAt:    now,
	}
	inbound := LedgerEntry{
		ID:           EntryID(uuid.NewString()),
		SKU:          in.SKU,
		HubID:        in.ToHub,
		Quantity:     in.Qty,
		Kind:         EntryTransfer,
		Counterparty: &Counterparty{Kind: CounterpartyHub, Name: string(in.FromHub)},
		EventTag:     in.EventTag,
		Reference:    ref,
		Note:         in.Note,
		ActorID:      actor.ID,
		CreatedAt:    now,
	}

	err := l.Store.WithTx(ctx, func(s Store) error {
		if err := validateEntry(ctx, s, out); err != nil {
			return err
		}
		if err := validateEntry(ctx, s, inbound); err != nil {
			return err
		}
		if err := ensureAvailable(ctx, s, in.SKU, in.FromHub, in.Qty); err != nil {
			return err
		}
		return s.AppendEntries(ctx, []LedgerEntry{out, inbound})
	})
	if err != nil {
		return nil, err
	}
	return []LedgerEntry{out, inbound}, nil
}

// Entries returns the movement history for (sku, hub), oldest first.
func (l *Ledger) Entries(ctx context.Context, sku ItemSKU, hub HubID) ([]LedgerEntry, error) {
	return l.Store.EntriesFor(ctx, sku, hub)
}

// Recent returns the newest entries across all keys.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]LedgerEntry, error) {
	return l.Store.ListEntries(ctx, limit)
}

func (l *Ledger) authorizeMovement(actor Actor, hub HubID) error {
	if !actor.Can(CapRecordMovement) {
		return &CapabilityError{ActorID: actor.ID, Capability: CapRecordMovement}
	}
	if !actor.HasHub(hub) {
		return &CapabilityError{ActorID: actor.ID, Capability: CapRecordMovement, HubID: hub}
	}
	return nil
}

// ensureAvailable checks live stock for an outbound movement of qty units.
// Must be called inside the same transaction as the subsequent write.
func ensureAvailable(ctx context.Context, s Store, sku ItemSKU, hub HubID, qty int64) error {
	available, err := s.SumFor(ctx, sku, hub)
	if err != nil {
		return err
	}
	if available < qty {
		return &InsufficientStockError{SKU: sku, HubID: hub, Requested: qty, Available: available}
	}
	return nil
}
