/*
store.go - Persistence interfaces for entries and accounts

KEY INTERFACES:
  EntryStore:   Ledger entries (postings and templates), queries
  AccountStore: Per-owner running balance with atomic increment
  TxStore:      Runs a function against a transactional Store view
  SweepLog:     Optional record of scheduler sweeps

BALANCE RULE:
  AdjustBalance is the only way the balance moves. It is an atomic
  increment, never a read-modify-write performed by the caller. Only the
  Reconciler calls it, always on the Store view it was handed inside WithTx
  so the entry write and the balance delta commit together.

LOCKING:
  LockEntry reads an entry and holds it until the surrounding WithTx ends.
  SQLite and memory stores serialize all WithTx calls, so it is a plain read
  there. Postgres issues SELECT ... FOR UPDATE.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUERIES
// =============================================================================

type SortField string

const (
	SortByDate   SortField = "date"
	SortByAmount SortField = "amount"
)

// Filter selects, sorts and paginates entries of one owner.
// A Limit of 0 returns every match (used internally for balance replay).
type Filter struct {
	Kind      Kind
	Category  string // case-insensitive substring
	From      *time.Time
	To        *time.Time
	Templates *bool // nil = both, true = templates only, false = postings only
	WalletID  *WalletID
	SortBy    SortField
	Desc      bool
	Page      int
	Limit     int
}

// Offset returns the number of rows to skip for the filter's page.
func (f Filter) Offset() int {
	if f.Limit <= 0 || f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// SimilarQuery looks for entries that would make a candidate a duplicate.
type SimilarQuery struct {
	OwnerID  OwnerID
	Kind     Kind
	Category string
	Since    time.Time
}

// Scope restricts a sweep. Empty OwnerID = every owner.
type Scope struct {
	OwnerID OwnerID
}

func (s Scope) Global() bool { return s.OwnerID == "" }

// =============================================================================
// STORE INTERFACES
// =============================================================================

type EntryStore interface {
	// InsertEntry persists a new entry. Returns ErrDuplicateIdempotencyKey
	// if a non-empty idempotency key is already used.
	InsertEntry(ctx context.Context, e Entry) error

	// UpdateEntry overwrites an existing entry. ErrNotFound if absent.
	UpdateEntry(ctx context.Context, e Entry) error

	// DeleteEntry removes an entry. ErrNotFound if absent.
	DeleteEntry(ctx context.Context, id EntryID) error

	// GetEntry returns the entry or nil if it does not exist.
	GetEntry(ctx context.Context, id EntryID) (*Entry, error)

	// LockEntry is GetEntry holding the row until the transaction ends.
	LockEntry(ctx context.Context, id EntryID) (*Entry, error)

	// QueryEntries returns one page of an owner's entries and the total match count.
	QueryEntries(ctx context.Context, owner OwnerID, f Filter) ([]Entry, int, error)

	// FindSimilar returns entries matching owner, kind and category with
	// OccurredAt >= Since. Amount comparison is left to the caller.
	FindSimilar(ctx context.Context, q SimilarQuery) ([]Entry, error)

	// DueTemplates returns templates in scope with NextFireAt <= asOf,
	// ordered by NextFireAt.
	DueTemplates(ctx context.Context, scope Scope, asOf time.Time) ([]Entry, error)
}

type AccountStore interface {
	// CreateAccount persists a new account. ErrAccountExists if present.
	CreateAccount(ctx context.Context, a Account) error

	// GetAccount returns the account or nil if it does not exist.
	GetAccount(ctx context.Context, owner OwnerID) (*Account, error)

	// AdjustBalance atomically adds delta and returns the new balance.
	// ErrAccountNotFound if the owner has no account.
	AdjustBalance(ctx context.Context, owner OwnerID, delta decimal.Decimal) (decimal.Decimal, error)
}

type Store interface {
	EntryStore
	AccountStore
}

// TxStore wraps Store with transaction support.
// If fn returns an error the transaction is rolled back, otherwise committed.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// SWEEP LOG - Audit of scheduler runs
// =============================================================================

type SweepStatus string

const (
	SweepRunning   SweepStatus = "running"
	SweepCompleted SweepStatus = "completed"
	SweepFailed    SweepStatus = "failed"
)

// SweepRun records one pass of the discharger.
type SweepRun struct {
	ID          string
	OwnerID     OwnerID // empty for a global sweep
	Status      SweepStatus
	Fired       int
	Skipped     int
	Failed      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// SweepLog is implemented by stores that keep sweep history.
type SweepLog interface {
	SaveSweepRun(ctx context.Context, run SweepRun) error
	ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error)
}
