// Package store provides the in-memory Store implementation, used by
// tests and development setups.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drims/stock-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type opKey struct {
	Op    engine.OperationID
	Actor engine.ActorID
}

type Memory struct {
	mu sync.RWMutex

	hubs     map[engine.HubID]engine.Hub
	items    map[engine.ItemSKU]engine.Item
	events   map[string]engine.DisasterEvent
	entries  []engine.LedgerEntry
	requests map[engine.RequestSeq]*engine.Request
	seq      int
	changes  map[string]engine.ChangeRequest
	versions map[engine.RequestSeq][]engine.Version
	ops      map[opKey]engine.IdempotencyRecord
}

func NewMemory() *Memory {
	return &Memory{
		hubs:     make(map[engine.HubID]engine.Hub),
		items:    make(map[engine.ItemSKU]engine.Item),
		events:   make(map[string]engine.DisasterEvent),
		requests: make(map[engine.RequestSeq]*engine.Request),
		changes:  make(map[string]engine.ChangeRequest),
		versions: make(map[engine.RequestSeq][]engine.Version),
		ops:      make(map[opKey]engine.IdempotencyRecord),
	}
}

var _ engine.Store = (*Memory)(nil)

// --- Hubs ---

func (m *Memory) SaveHub(_ context.Context, h engine.Hub) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hubs[h.ID] = h
	return nil
}

func (m *Memory) GetHub(_ context.Context, id engine.HubID) (*engine.Hub, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getHubLocked(id), nil
}

func (m *Memory) ListHubs(_ context.Context) ([]engine.Hub, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listHubsLocked(), nil
}

func (m *Memory) getHubLocked(id engine.HubID) *engine.Hub {
	if h, ok := m.hubs[id]; ok {
		return &h
	}
	return nil
}

func (m *Memory) listHubsLocked() []engine.Hub {
	out := make([]engine.Hub, 0, len(m.hubs))
	for _, h := range m.hubs {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// --- Items ---

func (m *Memory) SaveItem(_ context.Context, it engine.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[it.SKU] = it
	return nil
}

func (m *Memory) GetItem(_ context.Context, sku engine.ItemSKU) (*engine.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItemLocked(sku), nil
}

func (m *Memory) ListItems(_ context.Context) ([]engine.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listItemsLocked(), nil
}

func (m *Memory) getItemLocked(sku engine.ItemSKU) *engine.Item {
	if it, ok := m.items[sku]; ok {
		return &it
	}
	return nil
}

func (m *Memory) listItemsLocked() []engine.Item {
	out := make([]engine.Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}

// --- Disaster events ---

func (m *Memory) SaveDisasterEvent(_ context.Context, ev engine.DisasterEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = ev
	return nil
}

func (m *Memory) GetDisasterEvent(_ context.Context, id string) (*engine.DisasterEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDisasterEventLocked(id), nil
}

func (m *Memory) ListDisasterEvents(_ context.Context) ([]engine.DisasterEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDisasterEventsLocked(), nil
}

func (m *Memory) getDisasterEventLocked(id string) *engine.DisasterEvent {
	if ev, ok := m.events[id]; ok {
		return &ev
	}
	return nil
}

func (m *Memory) listDisasterEventsLocked() []engine.DisasterEvent {
	out := make([]engine.DisasterEvent, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Ledger (append-only) ---

func (m *Memory) AppendEntry(_ context.Context, e engine.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) AppendEntries(_ context.Context, es []engine.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, es...)
	return nil
}

func (m *Memory) EntriesFor(_ context.Context, sku engine.ItemSKU, hub engine.HubID) ([]engine.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesForLocked(sku, hub), nil
}

func (m *Memory) EntriesByReference(_ context.Context, ref string) ([]engine.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesByReferenceLocked(ref), nil
}

func (m *Memory) ListEntries(_ context.Context, limit int) ([]engine.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEntriesLocked(limit), nil
}

func (m *Memory) SumFor(_ context.Context, sku engine.ItemSKU, hub engine.HubID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumForLocked(sku, hub), nil
}

func (m *Memory) SumByHub(_ context.Context, sku engine.ItemSKU) (map[engine.HubID]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumByHubLocked(sku), nil
}

func (m *Memory) entriesForLocked(sku engine.ItemSKU, hub engine.HubID) []engine.LedgerEntry {
	var out []engine.LedgerEntry
	for _, e := range m.entries {
		if e.SKU == sku && e.HubID == hub {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) entriesByReferenceLocked(ref string) []engine.LedgerEntry {
	var out []engine.LedgerEntry
	for _, e := range m.entries {
		if e.Reference == ref {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) listEntriesLocked(limit int) []engine.LedgerEntry {
	n := len(m.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]engine.LedgerEntry, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out
}

func (m *Memory) sumForLocked(sku engine.ItemSKU, hub engine.HubID) int64 {
	var total int64
	for _, e := range m.entries {
		if e.SKU == sku && e.HubID == hub {
			total += e.Quantity
		}
	}
	return total
}

func (m *Memory) sumByHubLocked(sku engine.ItemSKU) map[engine.HubID]int64 {
	sums := make(map[engine.HubID]int64)
	for _, e := range m.entries {
		if e.SKU == sku {
			sums[e.HubID] += e.Quantity
		}
	}
	return sums
}

// --- Requests ---

func (m *Memory) NextRequestSeq(_ context.Context) (engine.RequestSeq, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextRequestSeqLocked(), nil
}

func (m *Memory) SaveRequest(_ context.Context, r *engine.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveRequestLocked(r)
}

func (m *Memory) GetRequest(_ context.Context, seq engine.RequestSeq) (*engine.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRequestLocked(seq), nil
}

func (m *Memory) ListRequests(_ context.Context, status *engine.RequestStatus) ([]*engine.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRequestsLocked(status), nil
}

func (m *Memory) nextRequestSeqLocked() engine.RequestSeq {
	m.seq++
	return engine.RequestSeq(fmt.Sprintf("NL-%06d", m.seq))
}

func (m *Memory) saveRequestLocked(r *engine.Request) error {
	if r == nil || r.Seq == "" {
		return fmt.Errorf("request requires a sequence number")
	}
	m.requests[r.Seq] = cloneRequest(r)
	return nil
}

func (m *Memory) getRequestLocked(seq engine.RequestSeq) *engine.Request {
	if r, ok := m.requests[seq]; ok {
		return cloneRequest(r)
	}
	return nil
}

func (m *Memory) listRequestsLocked(status *engine.RequestStatus) []*engine.Request {
	var out []*engine.Request
	for _, r := range m.requests {
		if status != nil && r.Status != *status {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out
}

// --- Change requests ---

func (m *Memory) SaveChange(_ context.Context, c engine.ChangeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes[c.ID] = c
	return nil
}

func (m *Memory) GetChange(_ context.Context, id string) (*engine.ChangeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getChangeLocked(id), nil
}

func (m *Memory) ListChanges(_ context.Context, seq engine.RequestSeq) ([]engine.ChangeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listChangesLocked(seq), nil
}

func (m *Memory) getChangeLocked(id string) *engine.ChangeRequest {
	if c, ok := m.changes[id]; ok {
		return &c
	}
	return nil
}

func (m *Memory) listChangesLocked(seq engine.RequestSeq) []engine.ChangeRequest {
	var out []engine.ChangeRequest
	for _, c := range m.changes {
		if c.Seq == seq {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// --- Versions (append-only) ---

func (m *Memory) AppendVersion(_ context.Context, v engine.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendVersionLocked(v)
}

func (m *Memory) ListVersions(_ context.Context, seq engine.RequestSeq) ([]engine.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Version, len(m.versions[seq]))
	copy(out, m.versions[seq])
	return out, nil
}

func (m *Memory) NextVersionNumber(_ context.Context, seq engine.RequestSeq) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextVersionNumberLocked(seq), nil
}

func (m *Memory) appendVersionLocked(v engine.Version) error {
	for _, existing := range m.versions[v.Seq] {
		if existing.Number == v.Number {
			return fmt.Errorf("version %d for %s already exists", v.Number, v.Seq)
		}
	}
	m.versions[v.Seq] = append(m.versions[v.Seq], v)
	return nil
}

func (m *Memory) nextVersionNumberLocked(seq engine.RequestSeq) int {
	max := 0
	for _, v := range m.versions[seq] {
		if v.Number > max {
			max = v.Number
		}
	}
	return max + 1
}

// --- Idempotency ---

func (m *Memory) InsertOperation(_ context.Context, rec engine.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertOperationLocked(rec)
}

func (m *Memory) GetOperation(_ context.Context, opID engine.OperationID, actor engine.ActorID) (*engine.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getOperationLocked(opID, actor), nil
}

func (m *Memory) insertOperationLocked(rec engine.IdempotencyRecord) error {
	k := opKey{Op: rec.OperationID, Actor: rec.ActorID}
	if _, exists := m.ops[k]; exists {
		return engine.ErrDuplicateOperation
	}
	m.ops[k] = rec
	return nil
}

func (m *Memory) getOperationLocked(opID engine.OperationID, actor engine.ActorID) *engine.IdempotencyRecord {
	if rec, ok := m.ops[opKey{Op: opID, Actor: actor}]; ok {
		return &rec
	}
	return nil
}

// Reset drops all state. Used by the demo scenario loader.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hubs = make(map[engine.HubID]engine.Hub)
	m.items = make(map[engine.ItemSKU]engine.Item)
	m.events = make(map[string]engine.DisasterEvent)
	m.entries = nil
	m.requests = make(map[engine.RequestSeq]*engine.Request)
	m.seq = 0
	m.changes = make(map[string]engine.ChangeRequest)
	m.versions = make(map[engine.RequestSeq][]engine.Version)
	m.ops = make(map[opKey]engine.IdempotencyRecord)
	return nil
}

// =============================================================================
// TRANSACTIONS - Snapshot + rollback
// =============================================================================

// WithTx executes fn while holding the write lock, simulating a database
// transaction with a snapshot restored on error. Holding the lock for the
// whole callback serializes validate-then-write sequences, which is what
// gives approval its first-pass-wins semantics on this store.
func (m *Memory) WithTx(_ context.Context, fn func(engine.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	view := &txView{parent: m}
	if err := fn(view); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	hubs     map[engine.HubID]engine.Hub
	items    map[engine.ItemSKU]engine.Item
	events   map[string]engine.DisasterEvent
	entries  []engine.LedgerEntry
	requests map[engine.RequestSeq]*engine.Request
	seq      int
	changes  map[string]engine.ChangeRequest
	versions map[engine.RequestSeq][]engine.Version
	ops      map[opKey]engine.IdempotencyRecord
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		hubs:     make(map[engine.HubID]engine.Hub, len(m.hubs)),
		items:    make(map[engine.ItemSKU]engine.Item, len(m.items)),
		events:   make(map[string]engine.DisasterEvent, len(m.events)),
		entries:  append([]engine.LedgerEntry(nil), m.entries...),
		requests: make(map[engine.RequestSeq]*engine.Request, len(m.requests)),
		seq:      m.seq,
		changes:  make(map[string]engine.ChangeRequest, len(m.changes)),
		versions: make(map[engine.RequestSeq][]engine.Version, len(m.versions)),
		ops:      make(map[opKey]engine.IdempotencyRecord, len(m.ops)),
	}
	for k, v := range m.hubs {
		s.hubs[k] = v
	}
	for k, v := range m.items {
		s.items[k] = v
	}
	for k, v := range m.events {
		s.events[k] = v
	}
	for k, v := range m.requests {
		s.requests[k] = v // stored values are immutable; SaveRequest replaces, never mutates
	}
	for k, v := range m.changes {
		s.changes[k] = v
	}
	for k, v := range m.versions {
		s.versions[k] = append([]engine.Version(nil), v...)
	}
	for k, v := range m.ops {
		s.ops[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.hubs = s.hubs
	m.items = s.items
	m.events = s.events
	m.entries = s.entries
	m.requests = s.requests
	m.seq = s.seq
	m.changes = s.changes
	m.versions = s.versions
	m.ops = s.ops
}

// txView routes Store calls to the parent's unlocked internals; the
// parent holds its write lock for the duration of WithTx.
type txView struct {
	parent *Memory
}

var _ engine.Store = (*txView)(nil)

func (t *txView) SaveHub(_ context.Context, h engine.Hub) error {
	t.parent.hubs[h.ID] = h
	return nil
}

func (t *txView) GetHub(_ context.Context, id engine.HubID) (*engine.Hub, error) {
	return t.parent.getHubLocked(id), nil
}

func (t *txView) ListHubs(_ context.Context) ([]engine.Hub, error) {
	return t.parent.listHubsLocked(), nil
}

func (t *txView) SaveItem(_ context.Context, it engine.Item) error {
	t.parent.items[it.SKU] = it
	return nil
}

func (t *txView) GetItem(_ context.Context, sku engine.ItemSKU) (*engine.Item, error) {
	return t.parent.getItemLocked(sku), nil
}

func (t *txView) ListItems(_ context.Context) ([]engine.Item, error) {
	return t.parent.listItemsLocked(), nil
}

func (t *txView) SaveDisasterEvent(_ context.Context, ev engine.DisasterEvent) error {
	t.parent.events[ev.ID] = ev
	return nil
}

func (t *txView) GetDisasterEvent(_ context.Context, id string) (*engine.DisasterEvent, error) {
	return t.parent.getDisasterEventLocked(id), nil
}

func (t *txView) ListDisasterEvents(_ context.Context) ([]engine.DisasterEvent, error) {
	return t.parent.listDisasterEventsLocked(), nil
}

func (t *txView) AppendEntry(_ context.Context, e engine.LedgerEntry) error {
	t.parent.entries = append(t.parent.entries, e)
	return nil
}

func (t *txView) AppendEntries(_ context.Context, es []engine.LedgerEntry) error {
	t.parent.entries = append(t.parent.entries, es...)
	return nil
}

func (t *txView) EntriesFor(_ context.Context, sku engine.ItemSKU, hub engine.HubID) ([]engine.LedgerEntry, error) {
	return t.parent.entriesForLocked(sku, hub), nil
}

func (t *txView) EntriesByReference(_ context.Context, ref string) ([]engine.LedgerEntry, error) {
	return t.parent.entriesByReferenceLocked(ref), nil
}

func (t *txView) ListEntries(_ context.Context, limit int) ([]engine.LedgerEntry, error) {
	return t.parent.listEntriesLocked(limit), nil
}

func (t *txView) SumFor(_ context.Context, sku engine.ItemSKU, hub engine.HubID) (int64, error) {
	return t.parent.sumForLocked(sku, hub), nil
}

func (t *txView) SumByHub(_ context.Context, sku engine.ItemSKU) (map[engine.HubID]int64, error) {
	return t.parent.sumByHubLocked(sku), nil
}

func (t *txView) NextRequestSeq(_ context.Context) (engine.RequestSeq, error) {
	return t.parent.nextRequestSeqLocked(), nil
}

func (t *txView) SaveRequest(_ context.Context, r *engine.Request) error {
	return t.parent.saveRequestLocked(r)
}

func (t *txView) GetRequest(_ context.Context, seq engine.RequestSeq) (*engine.Request, error) {
	return t.parent.getRequestLocked(seq), nil
}

func (t *txView) ListRequests(_ context.Context, status *engine.RequestStatus) ([]*engine.Request, error) {
	return t.parent.listRequestsLocked(status), nil
}

func (t *txView) SaveChange(_ context.Context, c engine.ChangeRequest) error {
	t.parent.changes[c.ID] = c
	return nil
}

func (t *txView) GetChange(_ context.Context, id string) (*engine.ChangeRequest, error) {
	return t.parent.getChangeLocked(id), nil
}

func (t *txView) ListChanges(_ context.Context, seq engine.RequestSeq) ([]engine.ChangeRequest, error) {
	return t.parent.listChangesLocked(seq), nil
}

func (t *txView) AppendVersion(_ context.Context, v engine.Version) error {
	return t.parent.appendVersionLocked(v)
}

func (t *txView) ListVersions(_ context.Context, seq engine.RequestSeq) ([]engine.Version, error) {
	out := make([]engine.Version, len(t.parent.versions[seq]))
	copy(out, t.parent.versions[seq])
	return out, nil
}

func (t *txView) NextVersionNumber(_ context.Context, seq engine.RequestSeq) (int, error) {
	return t.parent.nextVersionNumberLocked(seq), nil
}

func (t *txView) InsertOperation(_ context.Context, rec engine.IdempotencyRecord) error {
	return t.parent.insertOperationLocked(rec)
}

func (t *txView) GetOperation(_ context.Context, opID engine.OperationID, actor engine.ActorID) (*engine.IdempotencyRecord, error) {
	return t.parent.getOperationLocked(opID, actor), nil
}

// WithTx on a view runs within the enclosing transaction.
func (t *txView) WithTx(_ context.Context, fn func(engine.Store) error) error {
	return fn(t)
}

// cloneRequest deep-copies the mutable parts of a request so stored state
// is never aliased by callers.
func cloneRequest(r *engine.Request) *engine.Request {
	cp := *r
	cp.Lines = append([]engine.LineItem(nil), r.Lines...)
	cp.Allocations = append([]engine.Allocation(nil), r.Allocations...)
	if r.Lock != nil {
		lk := *r.Lock
		cp.Lock = &lk
	}
	return &cp
}
