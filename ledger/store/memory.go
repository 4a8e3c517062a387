// Package store provides an in-memory TxStore implementation
// (for testing/dev).
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/session-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	grants  map[ledger.GrantID]ledger.Grant
	entries map[ledger.OwnerID][]ledger.Entry
	// idempotency maps reason+key to the committed entry.
	idempotency map[string]ledger.Entry
}

func NewMemory() *Memory {
	return &Memory{
		grants:      make(map[ledger.GrantID]ledger.Grant),
		entries:     make(map[ledger.OwnerID][]ledger.Entry),
		idempotency: make(map[string]ledger.Entry),
	}
}

func idemKey(key string, reason ledger.Reason) string {
	return string(reason) + "|" + key
}

// =============================================================================
// GRANTS
// =============================================================================

func (m *Memory) InsertGrant(_ context.Context, g ledger.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertGrantLocked(g)
}

func (m *Memory) insertGrantLocked(g ledger.Grant) error {
	if g.Version == 0 {
		g.Version = 1
	}
	m.grants[g.ID] = g
	return nil
}

func (m *Memory) Grant(_ context.Context, id ledger.GrantID) (*ledger.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grantLocked(id)
}

func (m *Memory) grantLocked(id ledger.GrantID) (*ledger.Grant, error) {
	g, ok := m.grants[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &g, nil
}

func (m *Memory) GrantsByOwner(_ context.Context, owner ledger.OwnerID) ([]ledger.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grantsByOwnerLocked(owner, func(ledger.Grant) bool { return true }), nil
}

func (m *Memory) ActiveGrants(_ context.Context, owner ledger.OwnerID, now time.Time) ([]ledger.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeGrantsLocked(owner, now), nil
}

func (m *Memory) activeGrantsLocked(owner ledger.OwnerID, now time.Time) []ledger.Grant {
	return m.grantsByOwnerLocked(owner, func(g ledger.Grant) bool {
		return g.Status == ledger.StatusActive && !g.ExpiredAt(now)
	})
}

func (m *Memory) grantsByOwnerLocked(owner ledger.OwnerID, keep func(ledger.Grant) bool) []ledger.Grant {
	var result []ledger.Grant
	for _, g := range m.grants {
		if g.OwnerID == owner && keep(g) {
			result = append(result, g)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].GrantedAt.Equal(result[j].GrantedAt) {
			return result[i].GrantedAt.Before(result[j].GrantedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Memory) UpdateGrant(_ context.Context, g ledger.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateGrantLocked(g)
}

func (m *Memory) updateGrantLocked(g ledger.Grant) error {
	stored, ok := m.grants[g.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	if stored.Version != g.Version {
		return ledger.ErrConcurrencyConflict
	}
	g.Version++
	m.grants[g.ID] = g
	return nil
}

func (m *Memory) ExpiryCandidates(_ context.Context, now time.Time) ([]ledger.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Grant
	for _, g := range m.grants {
		if g.Status == ledger.StatusActive && g.ExpiredAt(now) {
			result = append(result, g)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// ENTRIES - Append-only
// =============================================================================

func (m *Memory) AppendEntry(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntryLocked(e)
}

func (m *Memory) appendEntryLocked(e ledger.Entry) error {
	if e.IdempotencyKey != "" {
		if _, exists := m.idempotency[idemKey(e.IdempotencyKey, e.Reason)]; exists {
			return ledger.ErrDuplicateIdempotencyKey
		}
		m.idempotency[idemKey(e.IdempotencyKey, e.Reason)] = e
	}
	m.entries[e.OwnerID] = append(m.entries[e.OwnerID], e)
	return nil
}

func (m *Memory) Entries(_ context.Context, owner ledger.OwnerID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(owner, f), nil
}

func (m *Memory) entriesLocked(owner ledger.OwnerID, f ledger.EntryFilter) []ledger.Entry {
	var result []ledger.Entry
	for _, e := range m.entries[owner] {
		if f.From != nil && e.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && e.CreatedAt.After(*f.To) {
			continue
		}
		if f.Reason != nil && e.Reason != *f.Reason {
			continue
		}
		if f.GrantID != "" && e.GrantID != f.GrantID {
			continue
		}
		result = append(result, e)
	}
	return result
}

func (m *Memory) EntryByKey(_ context.Context, key string, reason ledger.Reason) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entryByKeyLocked(key, reason), nil
}

func (m *Memory) entryByKeyLocked(key string, reason ledger.Reason) *ledger.Entry {
	if key == "" {
		return nil
	}
	if e, ok := m.idempotency[idemKey(key, reason)]; ok {
		return &e
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on
// error; the store mutex is held for the duration, so transactions
// serialize against each other and against direct reads.
func (tm *TxMemory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	grants      map[ledger.GrantID]ledger.Grant
	entries     map[ledger.OwnerID][]ledger.Entry
	idempotency map[string]ledger.Entry
}

func (tm *TxMemory) snapshot() memorySnapshot {
	grants := make(map[ledger.GrantID]ledger.Grant, len(tm.grants))
	for k, v := range tm.grants {
		grants[k] = v
	}
	entries := make(map[ledger.OwnerID][]ledger.Entry, len(tm.entries))
	for k, v := range tm.entries {
		entries[k] = append([]ledger.Entry{}, v...)
	}
	idem := make(map[string]ledger.Entry, len(tm.idempotency))
	for k, v := range tm.idempotency {
		idem[k] = v
	}
	return memorySnapshot{grants: grants, entries: entries, idempotency: idem}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.grants = s.grants
	tm.entries = s.entries
	tm.idempotency = s.idempotency
}

// txMemoryView forwards to the parent's locked methods; the parent mutex
// is already held by WithTx.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) InsertGrant(_ context.Context, g ledger.Grant) error {
	return tv.parent.insertGrantLocked(g)
}

func (tv *txMemoryView) Grant(_ context.Context, id ledger.GrantID) (*ledger.Grant, error) {
	return tv.parent.grantLocked(id)
}

func (tv *txMemoryView) GrantsByOwner(_ context.Context, owner ledger.OwnerID) ([]ledger.Grant, error) {
	return tv.parent.grantsByOwnerLocked(owner, func(ledger.Grant) bool { return true }), nil
}

func (tv *txMemoryView) ActiveGrants(_ context.Context, owner ledger.OwnerID, now time.Time) ([]ledger.Grant, error) {
	return tv.parent.activeGrantsLocked(owner, now), nil
}

func (tv *txMemoryView) UpdateGrant(_ context.Context, g ledger.Grant) error {
	return tv.parent.updateGrantLocked(g)
}

func (tv *txMemoryView) ExpiryCandidates(_ context.Context, now time.Time) ([]ledger.Grant, error) {
	var result []ledger.Grant
	for _, g := range tv.parent.grants {
		if g.Status == ledger.StatusActive && g.ExpiredAt(now) {
			result = append(result, g)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (tv *txMemoryView) AppendEntry(_ context.Context, e ledger.Entry) error {
	return tv.parent.appendEntryLocked(e)
}

func (tv *txMemoryView) Entries(_ context.Context, owner ledger.OwnerID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	return tv.parent.entriesLocked(owner, f), nil
}

func (tv *txMemoryView) EntryByKey(_ context.Context, key string, reason ledger.Reason) (*ledger.Entry, error) {
	return tv.parent.entryByKeyLocked(key, reason), nil
}
