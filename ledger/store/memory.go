// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/finance-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	entries     map[ledger.EntryID]ledger.Entry
	idempotency map[string]ledger.EntryID
	accounts    map[ledger.OwnerID]ledger.Account
	runs        []ledger.SweepRun
}

func NewMemory() *Memory {
	return &Memory{
		entries:     make(map[ledger.EntryID]ledger.Entry),
		idempotency: make(map[string]ledger.EntryID),
		accounts:    make(map[ledger.OwnerID]ledger.Account),
	}
}

// =============================================================================
// ENTRIES
// =============================================================================

func (m *Memory) InsertEntry(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(e)
}

func (m *Memory) insertLocked(e ledger.Entry) error {
	if e.IdempotencyKey != "" {
		if _, ok := m.idempotency[e.IdempotencyKey]; ok {
			return ledger.ErrDuplicateIdempotencyKey
		}
		m.idempotency[e.IdempotencyKey] = e.ID
	}
	m.entries[e.ID] = cloneEntry(e)
	return nil
}

func (m *Memory) UpdateEntry(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(e)
}

func (m *Memory) updateLocked(e ledger.Entry) error {
	if _, ok := m.entries[e.ID]; !ok {
		return ledger.ErrNotFound
	}
	m.entries[e.ID] = cloneEntry(e)
	return nil
}

func (m *Memory) DeleteEntry(_ context.Context, id ledger.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

func (m *Memory) deleteLocked(id ledger.EntryID) error {
	e, ok := m.entries[id]
	if !ok {
		return ledger.ErrNotFound
	}
	if e.IdempotencyKey != "" {
		delete(m.idempotency, e.IdempotencyKey)
	}
	delete(m.entries, id)
	return nil
}

func (m *Memory) GetEntry(_ context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id), nil
}

// LockEntry is GetEntry; WithTx already holds the store-wide lock.
func (m *Memory) LockEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return m.GetEntry(ctx, id)
}

func (m *Memory) getLocked(id ledger.EntryID) *ledger.Entry {
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	c := cloneEntry(e)
	return &c
}

func (m *Memory) QueryEntries(_ context.Context, owner ledger.OwnerID, f ledger.Filter) ([]ledger.Entry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, total := m.queryLocked(owner, f)
	return entries, total, nil
}

func (m *Memory) queryLocked(owner ledger.OwnerID, f ledger.Filter) ([]ledger.Entry, int) {
	var matched []ledger.Entry
	for _, e := range m.entries {
		if e.OwnerID == owner && matches(e, f) {
			matched = append(matched, cloneEntry(e))
		}
	}
	sortEntries(matched, f.SortBy, f.Desc)

	total := len(matched)
	if f.Limit <= 0 {
		return matched, total
	}
	start := f.Offset()
	if start >= total {
		return []ledger.Entry{}, total
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total
}

func matches(e ledger.Entry, f ledger.Filter) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Category != "" && !strings.Contains(strings.ToLower(e.Category), strings.ToLower(f.Category)) {
		return false
	}
	if f.From != nil && e.OccurredAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.OccurredAt.After(*f.To) {
		return false
	}
	if f.Templates != nil && e.IsTemplate != *f.Templates {
		return false
	}
	if f.WalletID != nil && e.WalletID != *f.WalletID {
		return false
	}
	return true
}

func sortEntries(entries []ledger.Entry, by ledger.SortField, desc bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if desc {
			a, b = b, a
		}
		if by == ledger.SortByAmount && !a.Amount.Equal(b.Amount) {
			return a.Amount.LessThan(b.Amount)
		}
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (m *Memory) FindSimilar(_ context.Context, q ledger.SimilarQuery) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.similarLocked(q), nil
}

func (m *Memory) similarLocked(q ledger.SimilarQuery) []ledger.Entry {
	var result []ledger.Entry
	for _, e := range m.entries {
		if e.OwnerID == q.OwnerID && e.Kind == q.Kind && e.Category == q.Category && !e.OccurredAt.Before(q.Since) {
			result = append(result, cloneEntry(e))
		}
	}
	return result
}

func (m *Memory) DueTemplates(_ context.Context, scope ledger.Scope, asOf time.Time) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dueLocked(scope, asOf), nil
}

func (m *Memory) dueLocked(scope ledger.Scope, asOf time.Time) []ledger.Entry {
	var due []ledger.Entry
	for _, e := range m.entries {
		if !scope.Global() && e.OwnerID != scope.OwnerID {
			continue
		}
		if e.IsDue(asOf) {
			due = append(due, cloneEntry(e))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextFireAt.Equal(*due[j].NextFireAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextFireAt.Before(*due[j].NextFireAt)
	})
	return due
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAccountLocked(a)
}

func (m *Memory) createAccountLocked(a ledger.Account) error {
	if _, ok := m.accounts[a.OwnerID]; ok {
		return ledger.ErrAccountExists
	}
	m.accounts[a.OwnerID] = a
	return nil
}

func (m *Memory) GetAccount(_ context.Context, owner ledger.OwnerID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountLocked(owner), nil
}

func (m *Memory) accountLocked(owner ledger.OwnerID) *ledger.Account {
	a, ok := m.accounts[owner]
	if !ok {
		return nil
	}
	return &a
}

func (m *Memory) AdjustBalance(_ context.Context, owner ledger.OwnerID, delta decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustLocked(owner, delta)
}

func (m *Memory) adjustLocked(owner ledger.OwnerID, delta decimal.Decimal) (decimal.Decimal, error) {
	a, ok := m.accounts[owner]
	if !ok {
		return decimal.Zero, ledger.ErrAccountNotFound
	}
	a.Balance = a.Balance.Add(delta)
	a.UpdatedAt = time.Now().UTC()
	m.accounts[owner] = a
	return a.Balance, nil
}

// =============================================================================
// SWEEP LOG
// =============================================================================

func (m *Memory) SaveSweepRun(_ context.Context, run ledger.SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

// ListSweepRuns returns the most recent runs first.
func (m *Memory) ListSweepRuns(_ context.Context, limit int) ([]ledger.SweepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.SweepRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, m.runs[i])
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole call, so transactions are serialized.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries     map[ledger.EntryID]ledger.Entry
	idempotency map[string]ledger.EntryID
	accounts    map[ledger.OwnerID]ledger.Account
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		entries:     make(map[ledger.EntryID]ledger.Entry, len(m.entries)),
		idempotency: make(map[string]ledger.EntryID, len(m.idempotency)),
		accounts:    make(map[ledger.OwnerID]ledger.Account, len(m.accounts)),
	}
	for k, v := range m.entries {
		s.entries[k] = v
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range m.accounts {
		s.accounts[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.entries = s.entries
	m.idempotency = s.idempotency
	m.accounts = s.accounts
}

// txView runs against the parent's maps without taking the lock WithTx holds.
type txView struct {
	parent *Memory
}

func (tv *txView) InsertEntry(_ context.Context, e ledger.Entry) error {
	return tv.parent.insertLocked(e)
}

func (tv *txView) UpdateEntry(_ context.Context, e ledger.Entry) error {
	return tv.parent.updateLocked(e)
}

func (tv *txView) DeleteEntry(_ context.Context, id ledger.EntryID) error {
	return tv.parent.deleteLocked(id)
}

func (tv *txView) GetEntry(_ context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return tv.parent.getLocked(id), nil
}

func (tv *txView) LockEntry(_ context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return tv.parent.getLocked(id), nil
}

func (tv *txView) QueryEntries(_ context.Context, owner ledger.OwnerID, f ledger.Filter) ([]ledger.Entry, int, error) {
	entries, total := tv.parent.queryLocked(owner, f)
	return entries, total, nil
}

func (tv *txView) FindSimilar(_ context.Context, q ledger.SimilarQuery) ([]ledger.Entry, error) {
	return tv.parent.similarLocked(q), nil
}

func (tv *txView) DueTemplates(_ context.Context, scope ledger.Scope, asOf time.Time) ([]ledger.Entry, error) {
	return tv.parent.dueLocked(scope, asOf), nil
}

func (tv *txView) CreateAccount(_ context.Context, a ledger.Account) error {
	return tv.parent.createAccountLocked(a)
}

func (tv *txView) GetAccount(_ context.Context, owner ledger.OwnerID) (*ledger.Account, error) {
	return tv.parent.accountLocked(owner), nil
}

func (tv *txView) AdjustBalance(_ context.Context, owner ledger.OwnerID, delta decimal.Decimal) (decimal.Decimal, error) {
	return tv.parent.adjustLocked(owner, delta)
}

func cloneEntry(e ledger.Entry) ledger.Entry {
	if e.NextFireAt != nil {
		next := *e.NextFireAt
		e.NextFireAt = &next
	}
	return e
}

var (
	_ ledger.TxStore  = (*Memory)(nil)
	_ ledger.SweepLog = (*Memory)(nil)
)
