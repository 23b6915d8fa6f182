/*
Package sqlite provides the SQLite-backed implementation of engine.Store.

PURPOSE:
  Implements the full persistence surface (hubs, items, ledger, requests,
  change requests, versions, idempotency records) using SQLite. In
  production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

APPEND-ONLY ENFORCEMENT:
  The store enforces append-only semantics where the domain requires it:
  - No UPDATE or DELETE statements on ledger_entries
  - No UPDATE or DELETE statements on versions
  - Corrections happen through offsetting entries

KEY TABLES:
  ledger_entries:  Immutable ledger of signed stock movements
  hubs, items:     Registry the ledger is keyed on
  disaster_events: Declared relief operations referenced by event tags
  requests:        Needs List aggregates (lines and allocations as JSON)
  change_requests: Post-approval disputes
  versions:        Append-only adjustment history, unique on (seq, number)
  operations:      Idempotency records, unique on (operation_id, actor_id)

INDEXES:
  - idx_entries_sku_hub:   Stock derivation (hot path)
  - idx_entries_reference: Needs List / transfer tracking
  - idx_requests_status:   Workflow queue queries

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, and WithTx holds the write lock for
  the whole callback so validate-then-write sequences serialize. In
  production with PostgreSQL, database-level concurrency control handles
  this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  wf := engine.NewWorkflow(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definition
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/drims/stock-engine/engine"
)

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ engine.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Hubs (storage/distribution locations)
	CREATE TABLE IF NOT EXISTS hubs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		operational_at TEXT
	);

	-- Items (relief supply catalog)
	CREATE TABLE IF NOT EXISTS items (
		sku TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL DEFAULT '',
		min_qty INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		storage_requirements TEXT NOT NULL DEFAULT ''
	);

	-- Disaster events (declared relief operations)
	CREATE TABLE IF NOT EXISTS disaster_events (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL,
		end_date TEXT,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		sku TEXT NOT NULL,
		hub_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		kind TEXT NOT NULL,
		counterparty_kind TEXT,
		counterparty_name TEXT,
		event_tag TEXT NOT NULL DEFAULT '',
		expiry_date TEXT,
		reference TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Stock derivation (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_sku_hub
		ON ledger_entries(sku, hub_id);
	CREATE INDEX IF NOT EXISTS idx_entries_reference
		ON ledger_entries(reference) WHERE reference != '';
	CREATE INDEX IF NOT EXISTS idx_entries_created_at
		ON ledger_entries(created_at DESC);

	-- Needs Lists. Lines and allocations live with the aggregate as JSON;
	-- they are only ever read and written whole.
	CREATE TABLE IF NOT EXISTS requests (
		seq TEXT PRIMARY KEY,
		hub_id TEXT NOT NULL,
		status TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'Normal',
		justification TEXT NOT NULL DEFAULT '',
		event_tag TEXT NOT NULL DEFAULT '',
		lines_json TEXT NOT NULL,
		allocations_json TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		submitted_by TEXT NOT NULL DEFAULT '',
		submitted_at TEXT,
		draft_saved_by TEXT NOT NULL DEFAULT '',
		draft_saved_at TEXT,
		finalized_by TEXT NOT NULL DEFAULT '',
		finalized_at TEXT,
		approved_by TEXT NOT NULL DEFAULT '',
		approved_at TEXT,
		dispatched_by TEXT NOT NULL DEFAULT '',
		dispatched_at TEXT,
		received_by TEXT NOT NULL DEFAULT '',
		received_at TEXT,
		completed_at TEXT,
		rejection_note TEXT NOT NULL DEFAULT '',
		lock_holder TEXT NOT NULL DEFAULT '',
		lock_acquired_at TEXT,
		open_change_id TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON requests(status);
	CREATE INDEX IF NOT EXISTS idx_requests_hub
		ON requests(hub_id);

	-- Change requests (post-approval disputes)
	CREATE TABLE IF NOT EXISTS change_requests (
		id TEXT PRIMARY KEY,
		seq TEXT NOT NULL,
		hub_id TEXT NOT NULL,
		prior_status TEXT NOT NULL,
		comments TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reviewer_id TEXT NOT NULL DEFAULT '',
		review_comments TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		reviewed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_changes_seq
		ON change_requests(seq);

	-- Versions (append-only adjustment history)
	CREATE TABLE IF NOT EXISTS versions (
		seq TEXT NOT NULL,
		number INTEGER NOT NULL,
		change_id TEXT NOT NULL DEFAULT '',
		before_status TEXT NOT NULL,
		after_status TEXT NOT NULL,
		before_allocations_json TEXT NOT NULL,
		after_allocations_json TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (seq, number)
	);

	-- CRITICAL: the unique pair is the sole deduplication mechanism for
	-- client-submitted operations. Replays must hit this constraint.
	CREATE TABLE IF NOT EXISTS operations (
		operation_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		result BLOB,
		created_at TEXT NOT NULL,
		PRIMARY KEY (operation_id, actor_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset wipes every table. Only the demo scenario loader calls this; the
// append-only guarantees hold for all regular operations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"ledger_entries", "versions", "change_requests",
		"requests", "operations", "disaster_events", "items", "hubs",
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, table := range tables {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return sqlTx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx so every statement can
// run either standalone or inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// HUBS
// =============================================================================

func (s *Store) SaveHub(ctx context.Context, h engine.Hub) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveHub(ctx, s.db, h)
}

func (s *Store) saveHub(ctx context.Context, db querier, h engine.Hub) error {
	query := `
		INSERT INTO hubs (id, name, kind, parent_id, status, operational_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			parent_id = excluded.parent_id,
			status = excluded.status,
			operational_at = excluded.operational_at
	`
	_, err := db.ExecContext(ctx, query,
		h.ID, h.Name, h.Kind, h.ParentID, h.Status, nullTime(h.OperationalAt))
	return err
}

func (s *Store) GetHub(ctx context.Context, id engine.HubID) (*engine.Hub, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getHub(ctx, s.db, id)
}

func (s *Store) getHub(ctx context.Context, db querier, id engine.HubID) (*engine.Hub, error) {
	var h engine.Hub
	var operationalAt sql.NullString

	err := db.QueryRowContext(ctx,
		"SELECT id, name, kind, parent_id, status, operational_at FROM hubs WHERE id = ?",
		id,
	).Scan(&h.ID, &h.Name, &h.Kind, &h.ParentID, &h.Status, &operationalAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h.OperationalAt = parseTimePtr(operationalAt)
	return &h, nil
}

func (s *Store) ListHubs(ctx context.Context) ([]engine.Hub, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listHubs(ctx, s.db)
}

func (s *Store) listHubs(ctx context.Context, db querier) ([]engine.Hub, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, name, kind, parent_id, status, operational_at FROM hubs ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hubs []engine.Hub
	for rows.Next() {
		var h engine.Hub
		var operationalAt sql.NullString
		if err := rows.Scan(&h.ID, &h.Name, &h.Kind, &h.ParentID, &h.Status, &operationalAt); err != nil {
			return nil, err
		}
		h.OperationalAt = parseTimePtr(operationalAt)
		hubs = append(hubs, h)
	}
	return hubs, rows.Err()
}

// =============================================================================
// ITEMS
// =============================================================================

func (s *Store) SaveItem(ctx context.Context, it engine.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveItem(ctx, s.db, it)
}

func (s *Store) saveItem(ctx context.Context, db querier, it engine.Item) error {
	query := `
		INSERT INTO items (sku, name, category, unit, min_qty, description, storage_requirements)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sku) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			unit = excluded.unit,
			min_qty = excluded.min_qty,
			description = excluded.description,
			storage_requirements = excluded.storage_requirements
	`
	_, err := db.ExecContext(ctx, query,
		it.SKU, it.Name, it.Category, it.Unit, it.MinQty, it.Description, it.StorageRequirements)
	return err
}

func (s *Store) GetItem(ctx context.Context, sku engine.ItemSKU) (*engine.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getItem(ctx, s.db, sku)
}

func (s *Store) getItem(ctx context.Context, db querier, sku engine.ItemSKU) (*engine.Item, error) {
	var it engine.Item
	err := db.QueryRowContext(ctx,
		"SELECT sku, name, category, unit, min_qty, description, storage_requirements FROM items WHERE sku = ?",
		sku,
	).Scan(&it.SKU, &it.Name, &it.Category, &it.Unit, &it.MinQty, &it.Description, &it.StorageRequirements)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *Store) ListItems(ctx context.Context) ([]engine.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listItems(ctx, s.db)
}

func (s *Store) listItems(ctx context.Context, db querier) ([]engine.Item, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT sku, name, category, unit, min_qty, description, storage_requirements FROM items ORDER BY sku")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []engine.Item
	for rows.Next() {
		var it engine.Item
		if err := rows.Scan(&it.SKU, &it.Name, &it.Category, &it.Unit, &it.MinQty, &it.Description, &it.StorageRequirements); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// =============================================================================
// DISASTER EVENTS
// =============================================================================

func (s *Store) SaveDisasterEvent(ctx context.Context, ev engine.DisasterEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveDisasterEvent(ctx, s.db, ev)
}

func (s *Store) saveDisasterEvent(ctx context.Context, db querier, ev engine.DisasterEvent) error {
	query := `
		INSERT INTO disaster_events (id, name, event_type, start_date, end_date, description, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			event_type = excluded.event_type,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			description = excluded.description,
			status = excluded.status
	`
	_, err := db.ExecContext(ctx, query,
		ev.ID, ev.Name, ev.Type, ev.StartDate.UTC().Format(time.RFC3339),
		nullTime(ev.EndDate), ev.Description, ev.Status,
		ev.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *Store) GetDisasterEvent(ctx context.Context, id string) (*engine.DisasterEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getDisasterEvent(ctx, s.db, id)
}

func (s *Store) getDisasterEvent(ctx context.Context, db querier, id string) (*engine.DisasterEvent, error) {
	row := db.QueryRowContext(ctx,
		"SELECT id, name, event_type, start_date, end_date, description, status, created_at FROM disaster_events WHERE id = ?",
		id)
	ev, err := scanDisasterEvent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *Store) ListDisasterEvents(ctx context.Context) ([]engine.DisasterEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listDisasterEvents(ctx, s.db)
}

func (s *Store) listDisasterEvents(ctx context.Context, db querier) ([]engine.DisasterEvent, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, name, event_type, start_date, end_date, description, status, created_at FROM disaster_events ORDER BY start_date DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []engine.DisasterEvent
	for rows.Next() {
		ev, err := scanDisasterEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func scanDisasterEvent(scan func(...any) error) (*engine.DisasterEvent, error) {
	var ev engine.DisasterEvent
	var startDate, createdAt string
	var endDate sql.NullString

	if err := scan(&ev.ID, &ev.Name, &ev.Type, &startDate, &endDate,
		&ev.Description, &ev.Status, &createdAt); err != nil {
		return nil, err
	}
	ev.StartDate, _ = time.Parse(time.RFC3339, startDate)
	ev.EndDate = parseTimePtr(endDate)
	ev.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &ev, nil
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

const entryColumns = `id, sku, hub_id, quantity, kind, counterparty_kind, counterparty_name,
	event_tag, expiry_date, reference, note, actor_id, created_at`

func (s *Store) AppendEntry(ctx context.Context, e engine.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEntry(ctx, s.db, e)
}

func (s *Store) appendEntry(ctx context.Context, db querier, e engine.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var cpKind, cpName sql.NullString
	if e.Counterparty != nil {
		cpKind = sql.NullString{String: string(e.Counterparty.Kind), Valid: true}
		cpName = sql.NullString{String: e.Counterparty.Name, Valid: true}
	}

	_, err := db.ExecContext(ctx, query,
		e.ID, e.SKU, e.HubID, e.Quantity, e.Kind,
		cpKind, cpName,
		e.EventTag, nullTime(e.ExpiryDate),
		e.Reference, e.Note, e.ActorID,
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (s *Store) AppendEntries(ctx context.Context, es []engine.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, e := range es {
		if err := s.appendEntry(ctx, sqlTx, e); err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

func (s *Store) EntriesFor(ctx context.Context, sku engine.ItemSKU, hub engine.HubID) ([]engine.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEntries(ctx, s.db,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE sku = ? AND hub_id = ? ORDER BY created_at ASC, rowid ASC",
		sku, hub)
}

func (s *Store) EntriesByReference(ctx context.Context, ref string) ([]engine.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEntries(ctx, s.db,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE reference = ? ORDER BY created_at ASC, rowid ASC",
		ref)
}

func (s *Store) ListEntries(ctx context.Context, limit int) ([]engine.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return s.queryEntries(ctx, s.db,
		"SELECT "+entryColumns+" FROM ledger_entries ORDER BY created_at DESC, rowid DESC LIMIT ?",
		limit)
}

func (s *Store) SumFor(ctx context.Context, sku engine.ItemSKU, hub engine.HubID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumFor(ctx, s.db, sku, hub)
}

func (s *Store) sumFor(ctx context.Context, db querier, sku engine.ItemSKU, hub engine.HubID) (int64, error) {
	var total int64
	err := db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(quantity), 0) FROM ledger_entries WHERE sku = ? AND hub_id = ?",
		sku, hub,
	).Scan(&total)
	return total, err
}

func (s *Store) SumByHub(ctx context.Context, sku engine.ItemSKU) (map[engine.HubID]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumByHub(ctx, s.db, sku)
}

func (s *Store) sumByHub(ctx context.Context, db querier, sku engine.ItemSKU) (map[engine.HubID]int64, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT hub_id, SUM(quantity) FROM ledger_entries WHERE sku = ? GROUP BY hub_id",
		sku)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sums := make(map[engine.HubID]int64)
	for rows.Next() {
		var hub engine.HubID
		var total int64
		if err := rows.Scan(&hub, &total); err != nil {
			return nil, err
		}
		sums[hub] = total
	}
	return sums, rows.Err()
}

func (s *Store) queryEntries(ctx context.Context, db querier, query string, args ...any) ([]engine.LedgerEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []engine.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (engine.LedgerEntry, error) {
	var (
		e          engine.LedgerEntry
		cpKind     sql.NullString
		cpName     sql.NullString
		expiryDate sql.NullString
		createdAt  string
	)

	err := rows.Scan(
		&e.ID, &e.SKU, &e.HubID, &e.Quantity, &e.Kind,
		&cpKind, &cpName, &e.EventTag, &expiryDate,
		&e.Reference, &e.Note, &e.ActorID, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if cpKind.Valid {
		e.Counterparty = &engine.Counterparty{
			Kind: engine.CounterpartyKind(cpKind.String),
			Name: cpName.String,
		}
	}
	e.ExpiryDate = parseTimePtr(expiryDate)
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return e, nil
}

// =============================================================================
// REQUESTS
// =============================================================================

func (s *Store) NextRequestSeq(ctx context.Context) (engine.RequestSeq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRequestSeq(ctx, s.db)
}

func (s *Store) nextRequestSeq(ctx context.Context, db querier) (engine.RequestSeq, error) {
	var next int
	err := db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(CAST(SUBSTR(seq, 4) AS INTEGER)), 0) + 1 FROM requests",
	).Scan(&next)
	if err != nil {
		return "", err
	}
	return engine.RequestSeq(fmt.Sprintf("NL-%06d", next)), nil
}

const requestColumns = `seq, hub_id, status, priority, justification, event_tag,
	lines_json, allocations_json,
	created_by, created_at, submitted_by, submitted_at, draft_saved_by, draft_saved_at,
	finalized_by, finalized_at, approved_by, approved_at, dispatched_by, dispatched_at,
	received_by, received_at, completed_at, rejection_note,
	lock_holder, lock_acquired_at, open_change_id, updated_at`

func (s *Store) SaveRequest(ctx context.Context, r *engine.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveRequest(ctx, s.db, r)
}

func (s *Store) saveRequest(ctx context.Context, db querier, r *engine.Request) error {
	if r == nil || r.Seq == "" {
		return fmt.Errorf("request requires a sequence number")
	}

	linesJSON, err := json.Marshal(r.Lines)
	if err != nil {
		return fmt.Errorf("failed to marshal lines: %w", err)
	}
	allocsJSON, err := json.Marshal(r.Allocations)
	if err != nil {
		return fmt.Errorf("failed to marshal allocations: %w", err)
	}

	var lockHolder engine.ActorID
	var lockAcquiredAt sql.NullString
	if r.Lock != nil {
		lockHolder = r.Lock.HolderID
		lockAcquiredAt = sql.NullString{String: r.Lock.AcquiredAt.UTC().Format(time.RFC3339), Valid: true}
	}

	query := `
		INSERT INTO requests (` + requestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO UPDATE SET
			hub_id = excluded.hub_id,
			status = excluded.status,
			priority = excluded.priority,
			justification = excluded.justification,
			event_tag = excluded.event_tag,
			lines_json = excluded.lines_json,
			allocations_json = excluded.allocations_json,
			submitted_by = excluded.submitted_by,
			submitted_at = excluded.submitted_at,
			draft_saved_by = excluded.draft_saved_by,
			draft_saved_at = excluded.draft_saved_at,
			finalized_by = excluded.finalized_by,
			finalized_at = excluded.finalized_at,
			approved_by = excluded.approved_by,
			approved_at = excluded.approved_at,
			dispatched_by = excluded.dispatched_by,
			dispatched_at = excluded.dispatched_at,
			received_by = excluded.received_by,
			received_at = excluded.received_at,
			completed_at = excluded.completed_at,
			rejection_note = excluded.rejection_note,
			lock_holder = excluded.lock_holder,
			lock_acquired_at = excluded.lock_acquired_at,
			open_change_id = excluded.open_change_id,
			updated_at = excluded.updated_at
	`

	_, err = db.ExecContext(ctx, query,
		r.Seq, r.HubID, r.Status, r.Priority, r.Justification, r.EventTag,
		string(linesJSON), string(allocsJSON),
		r.CreatedBy, r.CreatedAt.UTC().Format(time.RFC3339),
		r.SubmittedBy, nullTime(r.SubmittedAt),
		r.DraftSavedBy, nullTime(r.DraftSavedAt),
		r.FinalizedBy, nullTime(r.FinalizedAt),
		r.ApprovedBy, nullTime(r.ApprovedAt),
		r.DispatchedBy, nullTime(r.DispatchedAt),
		r.ReceivedBy, nullTime(r.ReceivedAt),
		nullTime(r.CompletedAt), r.RejectionNote,
		lockHolder, lockAcquiredAt,
		r.OpenChangeID, r.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, seq engine.RequestSeq) (*engine.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRequest(ctx, s.db, seq)
}

func (s *Store) getRequest(ctx context.Context, db querier, seq engine.RequestSeq) (*engine.Request, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+requestColumns+" FROM requests WHERE seq = ?", seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanRequest(rows)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) ListRequests(ctx context.Context, status *engine.RequestStatus) ([]*engine.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRequests(ctx, s.db, status)
}

func (s *Store) listRequests(ctx context.Context, db querier, status *engine.RequestStatus) ([]*engine.Request, error) {
	query := "SELECT " + requestColumns + " FROM requests ORDER BY seq DESC"
	var args []any
	if status != nil {
		query = "SELECT " + requestColumns + " FROM requests WHERE status = ? ORDER BY seq DESC"
		args = []any{*status}
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []*engine.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func scanRequest(rows *sql.Rows) (*engine.Request, error) {
	var (
		r              engine.Request
		linesJSON      string
		allocsJSON     string
		createdAt      string
		submittedAt    sql.NullString
		draftSavedAt   sql.NullString
		finalizedAt    sql.NullString
		approvedAt     sql.NullString
		dispatchedAt   sql.NullString
		receivedAt     sql.NullString
		completedAt    sql.NullString
		lockHolder     string
		lockAcquiredAt sql.NullString
		updatedAt      string
	)

	err := rows.Scan(
		&r.Seq, &r.HubID, &r.Status, &r.Priority, &r.Justification, &r.EventTag,
		&linesJSON, &allocsJSON,
		&r.CreatedBy, &createdAt, &r.SubmittedBy, &submittedAt,
		&r.DraftSavedBy, &draftSavedAt,
		&r.FinalizedBy, &finalizedAt, &r.ApprovedBy, &approvedAt,
		&r.DispatchedBy, &dispatchedAt, &r.ReceivedBy, &receivedAt,
		&completedAt, &r.RejectionNote,
		&lockHolder, &lockAcquiredAt, &r.OpenChangeID, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan request: %w", err)
	}

	if err := json.Unmarshal([]byte(linesJSON), &r.Lines); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lines: %w", err)
	}
	if err := json.Unmarshal([]byte(allocsJSON), &r.Allocations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allocations: %w", err)
	}

	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	r.SubmittedAt = parseTimePtr(submittedAt)
	r.DraftSavedAt = parseTimePtr(draftSavedAt)
	r.FinalizedAt = parseTimePtr(finalizedAt)
	r.ApprovedAt = parseTimePtr(approvedAt)
	r.DispatchedAt = parseTimePtr(dispatchedAt)
	r.ReceivedAt = parseTimePtr(receivedAt)
	r.CompletedAt = parseTimePtr(completedAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	if lockHolder != "" && lockAcquiredAt.Valid {
		acquired, _ := time.Parse(time.RFC3339, lockAcquiredAt.String)
		r.Lock = &engine.Lock{HolderID: engine.ActorID(lockHolder), AcquiredAt: acquired}
	}
	return &r, nil
}

// =============================================================================
// CHANGE REQUESTS
// =============================================================================

func (s *Store) SaveChange(ctx context.Context, c engine.ChangeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveChange(ctx, s.db, c)
}

func (s *Store) saveChange(ctx context.Context, db querier, c engine.ChangeRequest) error {
	query := `
		INSERT INTO change_requests
		(id, seq, hub_id, prior_status, comments, status, reviewer_id, review_comments, created_by, created_at, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reviewer_id = excluded.reviewer_id,
			review_comments = excluded.review_comments,
			reviewed_at = excluded.reviewed_at
	`
	_, err := db.ExecContext(ctx, query,
		c.ID, c.Seq, c.HubID, c.PriorStatus, c.Comments, c.Status,
		c.ReviewerID, c.ReviewComments, c.CreatedBy,
		c.CreatedAt.UTC().Format(time.RFC3339), nullTime(c.ReviewedAt),
	)
	return err
}

func (s *Store) GetChange(ctx context.Context, id string) (*engine.ChangeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getChange(ctx, s.db, id)
}

func (s *Store) getChange(ctx context.Context, db querier, id string) (*engine.ChangeRequest, error) {
	var c engine.ChangeRequest
	var createdAt string
	var reviewedAt sql.NullString

	err := db.QueryRowContext(ctx,
		`SELECT id, seq, hub_id, prior_status, comments, status, reviewer_id, review_comments, created_by, created_at, reviewed_at
		 FROM change_requests WHERE id = ?`, id,
	).Scan(&c.ID, &c.Seq, &c.HubID, &c.PriorStatus, &c.Comments, &c.Status,
		&c.ReviewerID, &c.ReviewComments, &c.CreatedBy, &createdAt, &reviewedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.ReviewedAt = parseTimePtr(reviewedAt)
	return &c, nil
}

func (s *Store) ListChanges(ctx context.Context, seq engine.RequestSeq) ([]engine.ChangeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listChanges(ctx, s.db, seq)
}

func (s *Store) listChanges(ctx context.Context, db querier, seq engine.RequestSeq) ([]engine.ChangeRequest, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, seq, hub_id, prior_status, comments, status, reviewer_id, review_comments, created_by, created_at, reviewed_at
		 FROM change_requests WHERE seq = ? ORDER BY created_at ASC, id ASC`, seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []engine.ChangeRequest
	for rows.Next() {
		var c engine.ChangeRequest
		var createdAt string
		var reviewedAt sql.NullString
		if err := rows.Scan(&c.ID, &c.Seq, &c.HubID, &c.PriorStatus, &c.Comments, &c.Status,
			&c.ReviewerID, &c.ReviewComments, &c.CreatedBy, &createdAt, &reviewedAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		c.ReviewedAt = parseTimePtr(reviewedAt)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// =============================================================================
// VERSIONS (append-only)
// =============================================================================

func (s *Store) AppendVersion(ctx context.Context, v engine.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendVersion(ctx, s.db, v)
}

func (s *Store) appendVersion(ctx context.Context, db querier, v engine.Version) error {
	beforeJSON, err := json.Marshal(v.BeforeAllocations)
	if err != nil {
		return fmt.Errorf("failed to marshal before allocations: %w", err)
	}
	afterJSON, err := json.Marshal(v.AfterAllocations)
	if err != nil {
		return fmt.Errorf("failed to marshal after allocations: %w", err)
	}

	query := `
		INSERT INTO versions
		(seq, number, change_id, before_status, after_status, before_allocations_json, after_allocations_json, reason, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		v.Seq, v.Number, v.ChangeID, v.BeforeStatus, v.AfterStatus,
		string(beforeJSON), string(afterJSON),
		v.Reason, v.ActorID, v.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append version: %w", err)
	}
	return nil
}

func (s *Store) ListVersions(ctx context.Context, seq engine.RequestSeq) ([]engine.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listVersions(ctx, s.db, seq)
}

func (s *Store) listVersions(ctx context.Context, db querier, seq engine.RequestSeq) ([]engine.Version, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT seq, number, change_id, before_status, after_status, before_allocations_json, after_allocations_json, reason, actor_id, created_at
		 FROM versions WHERE seq = ? ORDER BY number ASC`, seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []engine.Version
	for rows.Next() {
		var v engine.Version
		var beforeJSON, afterJSON, createdAt string
		if err := rows.Scan(&v.Seq, &v.Number, &v.ChangeID, &v.BeforeStatus, &v.AfterStatus,
			&beforeJSON, &afterJSON, &v.Reason, &v.ActorID, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(beforeJSON), &v.BeforeAllocations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal before allocations: %w", err)
		}
		if err := json.Unmarshal([]byte(afterJSON), &v.AfterAllocations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal after allocations: %w", err)
		}
		v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Store) NextVersionNumber(ctx context.Context, seq engine.RequestSeq) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextVersionNumber(ctx, s.db, seq)
}

func (s *Store) nextVersionNumber(ctx context.Context, db querier, seq engine.RequestSeq) (int, error) {
	var next int
	err := db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(number), 0) + 1 FROM versions WHERE seq = ?", seq,
	).Scan(&next)
	return next, err
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func (s *Store) InsertOperation(ctx context.Context, rec engine.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertOperation(ctx, s.db, rec)
}

func (s *Store) insertOperation(ctx context.Context, db querier, rec engine.IdempotencyRecord) error {
	query := `
		INSERT INTO operations (operation_id, actor_id, operation_type, result, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		rec.OperationID, rec.ActorID, rec.OperationType, rec.Result,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateOperation
		}
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

func (s *Store) GetOperation(ctx context.Context, opID engine.OperationID, actor engine.ActorID) (*engine.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOperation(ctx, s.db, opID, actor)
}

func (s *Store) getOperation(ctx context.Context, db querier, opID engine.OperationID, actor engine.ActorID) (*engine.IdempotencyRecord, error) {
	var rec engine.IdempotencyRecord
	var createdAt string

	err := db.QueryRowContext(ctx,
		"SELECT operation_id, actor_id, operation_type, result, created_at FROM operations WHERE operation_id = ? AND actor_id = ?",
		opID, actor,
	).Scan(&rec.OperationID, &rec.ActorID, &rec.OperationType, &rec.Result, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &rec, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. The write lock is held
// for the whole callback so racing validate-then-write sequences serialize;
// the loser re-reads state the winner committed.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txs := &txStore{tx: sqlTx, parent: s}
	if err := fn(txs); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore routes every Store call through the open *sql.Tx.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

var _ engine.Store = (*txStore)(nil)

func (ts *txStore) SaveHub(ctx context.Context, h engine.Hub) error {
	return ts.parent.saveHub(ctx, ts.tx, h)
}

func (ts *txStore) GetHub(ctx context.Context, id engine.HubID) (*engine.Hub, error) {
	return ts.parent.getHub(ctx, ts.tx, id)
}

func (ts *txStore) ListHubs(ctx context.Context) ([]engine.Hub, error) {
	return ts.parent.listHubs(ctx, ts.tx)
}

func (ts *txStore) SaveItem(ctx context.Context, it engine.Item) error {
	return ts.parent.saveItem(ctx, ts.tx, it)
}

func (ts *txStore) GetItem(ctx context.Context, sku engine.ItemSKU) (*engine.Item, error) {
	return ts.parent.getItem(ctx, ts.tx, sku)
}

func (ts *txStore) ListItems(ctx context.Context) ([]engine.Item, error) {
	return ts.parent.listItems(ctx, ts.tx)
}

func (ts *txStore) SaveDisasterEvent(ctx context.Context, ev engine.DisasterEvent) error {
	return ts.parent.saveDisasterEvent(ctx, ts.tx, ev)
}

func (ts *txStore) GetDisasterEvent(ctx context.Context, id string) (*engine.DisasterEvent, error) {
	return ts.parent.getDisasterEvent(ctx, ts.tx, id)
}

func (ts *txStore) ListDisasterEvents(ctx context.Context) ([]engine.DisasterEvent, error) {
	return ts.parent.listDisasterEvents(ctx, ts.tx)
}

func (ts *txStore) AppendEntry(ctx context.Context, e engine.LedgerEntry) error {
	return ts.parent.appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) AppendEntries(ctx context.Context, es []engine.LedgerEntry) error {
	for _, e := range es {
		if err := ts.parent.appendEntry(ctx, ts.tx, e); err != nil {
			return err
		}
	}
	return nil
}

func (ts *txStore) EntriesFor(ctx context.Context, sku engine.ItemSKU, hub engine.HubID) ([]engine.LedgerEntry, error) {
	return ts.parent.queryEntries(ctx, ts.tx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE sku = ? AND hub_id = ? ORDER BY created_at ASC, rowid ASC",
		sku, hub)
}

func (ts *txStore) EntriesByReference(ctx context.Context, ref string) ([]engine.LedgerEntry, error) {
	return ts.parent.queryEntries(ctx, ts.tx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE reference = ? ORDER BY created_at ASC, rowid ASC",
		ref)
}

func (ts *txStore) ListEntries(ctx context.Context, limit int) ([]engine.LedgerEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	return ts.parent.queryEntries(ctx, ts.tx,
		"SELECT "+entryColumns+" FROM ledger_entries ORDER BY created_at DESC, rowid DESC LIMIT ?",
		limit)
}

func (ts *txStore) SumFor(ctx context.Context, sku engine.ItemSKU, hub engine.HubID) (int64, error) {
	return ts.parent.sumFor(ctx, ts.tx, sku, hub)
}

func (ts *txStore) SumByHub(ctx context.Context, sku engine.ItemSKU) (map[engine.HubID]int64, error) {
	return ts.parent.sumByHub(ctx, ts.tx, sku)
}

func (ts *txStore) NextRequestSeq(ctx context.Context) (engine.RequestSeq, error) {
	return ts.parent.nextRequestSeq(ctx, ts.tx)
}

func (ts *txStore) SaveRequest(ctx context.Context, r *engine.Request) error {
	return ts.parent.saveRequest(ctx, ts.tx, r)
}

func (ts *txStore) GetRequest(ctx context.Context, seq engine.RequestSeq) (*engine.Request, error) {
	return ts.parent.getRequest(ctx, ts.tx, seq)
}

func (ts *txStore) ListRequests(ctx context.Context, status *engine.RequestStatus) ([]*engine.Request, error) {
	return ts.parent.listRequests(ctx, ts.tx, status)
}

func (ts *txStore) SaveChange(ctx context.Context, c engine.ChangeRequest) error {
	return ts.parent.saveChange(ctx, ts.tx, c)
}

func (ts *txStore) GetChange(ctx context.Context, id string) (*engine.ChangeRequest, error) {
	return ts.parent.getChange(ctx, ts.tx, id)
}

func (ts *txStore) ListChanges(ctx context.Context, seq engine.RequestSeq) ([]engine.ChangeRequest, error) {
	return ts.parent.listChanges(ctx, ts.tx, seq)
}

func (ts *txStore) AppendVersion(ctx context.Context, v engine.Version) error {
	return ts.parent.appendVersion(ctx, ts.tx, v)
}

func (ts *txStore) ListVersions(ctx context.Context, seq engine.RequestSeq) ([]engine.Version, error) {
	return ts.parent.listVersions(ctx, ts.tx, seq)
}

func (ts *txStore) NextVersionNumber(ctx context.Context, seq engine.RequestSeq) (int, error) {
	return ts.parent.nextVersionNumber(ctx, ts.tx, seq)
}

func (ts *txStore) InsertOperation(ctx context.Context, rec engine.IdempotencyRecord) error {
	return ts.parent.insertOperation(ctx, ts.tx, rec)
}

func (ts *txStore) GetOperation(ctx context.Context, opID engine.OperationID, actor engine.ActorID) (*engine.IdempotencyRecord, error) {
	return ts.parent.getOperation(ctx, ts.tx, opID, actor)
}

// WithTx on a transactional view runs within the enclosing transaction.
func (ts *txStore) WithTx(_ context.Context, fn func(store engine.Store) error) error {
	return fn(ts)
}

// Helper functions

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
