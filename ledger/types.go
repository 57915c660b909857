/*
Package ledger provides the balance consistency and recurring-posting engine.

PURPOSE:
  Every income or expense a user records moves their running balance. This
  package owns the rules for how that happens: entries and the account
  balance are written together, duplicate postings are caught before they
  land, and recurring templates are turned into dated postings exactly once
  per due occurrence.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: A ledger record, either a dated posting or a recurring template
  - Account: The owner's running balance (a mutable aggregate)
  - Kind: income or expense, determines the sign of a posting
  - Interval: daily, weekly, monthly cadence of a template

DESIGN PRINCIPLES:
  1. Precision: amounts are decimal.Decimal, never float64
  2. Single funnel: balances only move through Reconciler -> AdjustBalance
  3. Templates never touch the balance; the postings they fire do
  4. Shared-wallet entries never touch the personal balance

USAGE:
  svc := ledger.NewService(store, ledger.Options{})
  res, err := svc.AddTransaction(ctx, "user-1", ledger.Draft{
      Kind:     ledger.KindExpense,
      Amount:   decimal.NewFromInt(200),
      Category: "food",
  })

SEE ALSO:
  - reconciler.go: signed deltas applied to the account
  - discharge.go: recurring template firing
  - service.go: the public operations
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type EntryID string
type WalletID string

// =============================================================================
// KIND - Direction of money
// =============================================================================

type Kind string

const (
	KindIncome  Kind = "income"
	KindExpense Kind = "expense"
)

func (k Kind) Valid() bool { return k == KindIncome || k == KindExpense }

// Sign returns +1 for income and -1 for expense.
func (k Kind) Sign() decimal.Decimal {
	if k == KindExpense {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// ParseKind accepts the wire spelling case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", &ValidationError{Field: "kind", Message: "must be income or expense"}
	}
	return k, nil
}

// =============================================================================
// ENTRY - Posting or recurring template
// =============================================================================

type Entry struct {
	ID            EntryID
	OwnerID       OwnerID
	Kind          Kind
	Amount        decimal.Decimal // always positive, the sign comes from Kind
	Category      string
	Description   string
	OccurredAt    time.Time
	PaymentMethod string

	// Recurring template state. NextFireAt is nil for postings.
	IsTemplate bool
	Interval   Interval
	NextFireAt *time.Time

	// WalletID marks a shared-wallet entry. Those are kept out of the
	// personal balance.
	WalletID WalletID

	// Set on postings fired from a template.
	TemplateID     EntryID
	IdempotencyKey string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Signed returns the amount with the sign of the entry's kind.
func (e Entry) Signed() decimal.Decimal {
	return e.Amount.Mul(e.Kind.Sign())
}

// AffectsBalance reports whether the entry counts toward the personal balance.
func (e Entry) AffectsBalance() bool {
	return !e.IsTemplate && e.WalletID == ""
}

// BalanceDelta is the contribution of this entry to the owner's balance.
func (e Entry) BalanceDelta() decimal.Decimal {
	if !e.AffectsBalance() {
		return decimal.Zero
	}
	return e.Signed()
}

// IsDue reports whether a template should fire at now.
func (e Entry) IsDue(now time.Time) bool {
	return e.IsTemplate && e.NextFireAt != nil && !e.NextFireAt.After(now)
}

// =============================================================================
// ACCOUNT - Running balance per owner
// =============================================================================

type Account struct {
	OwnerID   OwnerID
	Balance   decimal.Decimal
	Opening   decimal.Decimal // seed balance at account creation
	Strict    bool            // reject expenses that would overdraft
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// INPUTS
// =============================================================================

// Draft is a transaction to add.
type Draft struct {
	Kind          Kind
	Amount        decimal.Decimal
	Category      string
	Description   string
	OccurredAt    *time.Time // defaults to now
	PaymentMethod string
	Recurring     Interval // empty = one-off posting
	WalletID      WalletID

	// ForceDuplicate skips the duplicate guard ("add anyway").
	ForceDuplicate bool
}

// Patch holds the fields to change on an existing entry. Nil = unchanged.
type Patch struct {
	Kind          *Kind
	Amount        *decimal.Decimal
	Category      *string
	Description   *string
	OccurredAt    *time.Time
	PaymentMethod *string
	Interval      *Interval
	WalletID      *WalletID
}

// =============================================================================
// OUTPUTS
// =============================================================================

// AddResult is returned by AddTransaction. When Duplicate is true nothing
// was written and Entry is nil.
type AddResult struct {
	Duplicate bool
	Entry     *Entry
	// Posting is the first occurrence created together with a template.
	Posting  *Entry
	Balance  decimal.Decimal
	Activity *Activity

	// firstPosting is decided inside the write transaction.
	firstPosting bool
}

type Page struct {
	Entries []Entry
	Total   int
	Page    int
	Limit   int
	Pages   int
}

// BalanceCheck compares the stored balance with a full replay of entries.
type BalanceCheck struct {
	OwnerID  OwnerID
	Stored   decimal.Decimal
	Computed decimal.Decimal
	Drift    decimal.Decimal // Stored - Computed
	Entries  int
}

func (c BalanceCheck) Consistent() bool { return c.Drift.IsZero() }
