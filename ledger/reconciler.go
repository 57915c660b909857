/*
reconciler.go - Applies posting deltas to the owner's balance

PURPOSE:
  The account balance is a running aggregate, not a view computed on read.
  It stays correct only if every create, edit and delete of a posting
  moves it by exactly the right amount. The Reconciler is that single path.

OPERATIONS:
  ApplyCreate: balance += delta(entry)
  ApplyUpdate: balance += delta(new) - delta(old)   (one increment)
  ApplyDelete: balance -= delta(entry)

  delta(e) is +amount for income, -amount for expense and zero for
  templates and shared-wallet entries (see Entry.BalanceDelta).

STRICT MODE:
  When strict, a change that lowers the balance below zero is rejected with
  InsufficientFundsError before anything is written. Otherwise overdraft is
  a normal state for a budgeting tool.

CALLER CONTRACT:
  Run inside TxStore.WithTx and pass the transactional view, so the entry
  write and the balance change are committed together. Never call
  ApplyCreate or ApplyDelete twice for the same entry.
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

type Reconciler struct{}

func NewReconciler() *Reconciler { return &Reconciler{} }

// ApplyCreate adds a new entry's delta to its owner's balance.
func (r *Reconciler) ApplyCreate(ctx context.Context, s AccountStore, e Entry, strict bool) (decimal.Decimal, error) {
	return r.apply(ctx, s, e.OwnerID, e.BalanceDelta(), strict)
}

// ApplyUpdate reverts old and applies updated as a single increment.
// Both entries must belong to the same owner.
func (r *Reconciler) ApplyUpdate(ctx context.Context, s AccountStore, old, updated Entry, strict bool) (decimal.Decimal, error) {
	delta := updated.BalanceDelta().Sub(old.BalanceDelta())
	return r.apply(ctx, s, updated.OwnerID, delta, strict)
}

// ApplyDelete reverts a removed entry's delta. Strict mode does not apply:
// removing a record never counts as spending.
func (r *Reconciler) ApplyDelete(ctx context.Context, s AccountStore, e Entry) (decimal.Decimal, error) {
	return r.apply(ctx, s, e.OwnerID, e.BalanceDelta().Neg(), false)
}

func (r *Reconciler) apply(ctx context.Context, s AccountStore, owner OwnerID, delta decimal.Decimal, strict bool) (decimal.Decimal, error) {
	if strict && delta.IsNegative() {
		acct, err := s.GetAccount(ctx, owner)
		if err != nil {
			return decimal.Zero, err
		}
		if acct == nil {
			return decimal.Zero, ErrAccountNotFound
		}
		after := acct.Balance.Add(delta)
		if after.IsNegative() {
			return decimal.Zero, &InsufficientFundsError{
				OwnerID:   owner,
				Balance:   acct.Balance,
				Requested: delta.Neg(),
				Shortfall: after.Neg(),
			}
		}
	}
	if delta.IsZero() {
		acct, err := s.GetAccount(ctx, owner)
		if err != nil {
			return decimal.Zero, err
		}
		if acct == nil {
			return decimal.Zero, ErrAccountNotFound
		}
		return acct.Balance, nil
	}
	return s.AdjustBalance(ctx, owner, delta)
}
