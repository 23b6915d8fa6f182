/*
store.go - Persistence interface for the stock engine

PURPOSE:
  Defines the interface between the domain logic and the database. The
  ledger portion is append-only; requests, changes, versions and
  idempotency records have their own contracts. Different implementations
  can use SQLite or in-memory storage.

APPEND-ONLY CONTRACT:
  Ledger entries and versions have Append* methods only. No Update, no
  Delete. Corrections are offsetting entries.

ATOMICITY:
  WithTx runs a function against a transactional view of the whole store.
  Every operation that reads current stock and then commits a ledger write
  (approval, change resolution, distribution) runs validate-then-write
  inside one WithTx call, so two racing commits serialize and the loser
  sees the winner's writes. This is the single most safety-critical
  mechanism in the engine.

IMPLEMENTATIONS:
  - store/sqlite:  production SQLite
  - engine/store:  in-memory for tests and development
*/
package engine

import "context"

// Store is the full persistence surface of the engine.
//
// Lookup methods (GetHub, GetItem, GetDisasterEvent, GetRequest, GetChange,
// GetOperation)
// return (nil, nil) when the record does not exist; callers translate to
// the typed not-found errors.
type Store interface {
	// --- Hubs ---
	SaveHub(ctx context.Context, h Hub) error
	GetHub(ctx context.Context, id HubID) (*Hub, error)
	ListHubs(ctx context.Context) ([]Hub, error)

	// --- Items ---
	SaveItem(ctx context.Context, it Item) error
	GetItem(ctx context.Context, sku ItemSKU) (*Item, error)
	ListItems(ctx context.Context) ([]Item, error)

	// --- Disaster events ---
	SaveDisasterEvent(ctx context.Context, ev DisasterEvent) error
	GetDisasterEvent(ctx context.Context, id string) (*DisasterEvent, error)
	ListDisasterEvents(ctx context.Context) ([]DisasterEvent, error)

	// --- Ledger (append-only) ---

	// AppendEntry persists one entry. This and AppendEntries are the only
	// ledger write operations.
	AppendEntry(ctx context.Context, e LedgerEntry) error

	// AppendEntries persists multiple entries atomically.
	AppendEntries(ctx context.Context, es []LedgerEntry) error

	// EntriesFor returns all entries for (sku, hub), oldest first.
	EntriesFor(ctx context.Context, sku ItemSKU, hub HubID) ([]LedgerEntry, error)

	// EntriesByReference returns entries tied to a request or transfer.
	EntriesByReference(ctx context.Context, ref string) ([]LedgerEntry, error)

	// ListEntries returns the most recent entries, newest first.
	ListEntries(ctx context.Context, limit int) ([]LedgerEntry, error)

	// SumFor returns the signed quantity sum for (sku, hub). Must always
	// equal recomputing from EntriesFor.
	SumFor(ctx context.Context, sku ItemSKU, hub HubID) (int64, error)

	// SumByHub returns per-hub signed sums for one item.
	SumByHub(ctx context.Context, sku ItemSKU) (map[HubID]int64, error)

	// --- Requests ---

	// NextRequestSeq allocates the next Needs List sequence number.
	NextRequestSeq(ctx context.Context) (RequestSeq, error)

	// SaveRequest upserts the whole request aggregate: header, line items
	// and allocations.
	SaveRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, seq RequestSeq) (*Request, error)

	// ListRequests returns requests, optionally filtered by status,
	// newest first.
	ListRequests(ctx context.Context, status *RequestStatus) ([]*Request, error)

	// --- Change requests ---
	SaveChange(ctx context.Context, c ChangeRequest) error
	GetChange(ctx context.Context, id string) (*ChangeRequest, error)
	ListChanges(ctx context.Context, seq RequestSeq) ([]ChangeRequest, error)

	// --- Versions (append-only) ---
	AppendVersion(ctx context.Context, v Version) error
	ListVersions(ctx context.Context, seq RequestSeq) ([]Version, error)

	// NextVersionNumber returns the next monotonic version number for seq.
	NextVersionNumber(ctx context.Context, seq RequestSeq) (int, error)

	// --- Idempotency ---

	// InsertOperation persists a record, failing with ErrDuplicateOperation
	// if the (OperationID, ActorID) pair exists. The uniqueness constraint
	// is the sole correctness mechanism for deduplication.
	InsertOperation(ctx context.Context, rec IdempotencyRecord) error
	GetOperation(ctx context.Context, opID OperationID, actor ActorID) (*IdempotencyRecord, error)

	// --- Transactions ---

	// WithTx executes fn against a transactional view. If fn returns an
	// error the transaction is rolled back; otherwise it is committed.
	// Nested calls run within the enclosing transaction.
	WithTx(ctx context.Context, fn func(Store) error) error
}
