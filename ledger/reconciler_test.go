package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-ledger/ledger"
	"github.com/warp/finance-ledger/ledger/store"
)

func newReconcilerStore(t *testing.T, opening int64) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateAccount(context.Background(), ledger.Account{OwnerID: "u1", Balance: dec(opening), Opening: dec(opening)}))
	return mem
}

func TestReconciler_Deltas(t *testing.T) {
	ctx := context.Background()
	mem := newReconcilerStore(t, 1000)
	r := ledger.NewReconciler()

	exp := ledger.Entry{OwnerID: "u1", Kind: ledger.KindExpense, Amount: dec(100)}
	bal, err := r.ApplyCreate(ctx, mem, exp, false)
	require.NoError(t, err)
	assert.Equal(t, "900", bal.String())

	inc := exp
	inc.Kind = ledger.KindIncome
	inc.Amount = dec(200)
	bal, err = r.ApplyUpdate(ctx, mem, exp, inc, false)
	require.NoError(t, err)
	assert.Equal(t, "1200", bal.String())

	bal, err = r.ApplyDelete(ctx, mem, inc)
	require.NoError(t, err)
	assert.Equal(t, "1000", bal.String())
}

func TestReconciler_ZeroDeltaEntries(t *testing.T) {
	ctx := context.Background()
	mem := newReconcilerStore(t, 1000)
	r := ledger.NewReconciler()

	tpl := ledger.Entry{OwnerID: "u1", Kind: ledger.KindExpense, Amount: dec(100), IsTemplate: true}
	wallet := ledger.Entry{OwnerID: "u1", Kind: ledger.KindExpense, Amount: dec(100), WalletID: "w1"}

	for _, e := range []ledger.Entry{tpl, wallet} {
		bal, err := r.ApplyCreate(ctx, mem, e, true)
		require.NoError(t, err)
		assert.Equal(t, "1000", bal.String())
	}
}

func TestReconciler_Strict(t *testing.T) {
	ctx := context.Background()
	mem := newReconcilerStore(t, 30)
	r := ledger.NewReconciler()

	_, err := r.ApplyCreate(ctx, mem, ledger.Entry{OwnerID: "u1", Kind: ledger.KindExpense, Amount: dec(45)}, true)
	var fundsErr *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	assert.Equal(t, "30", fundsErr.Balance.String())
	assert.Equal(t, "45", fundsErr.Requested.String())
	assert.Equal(t, "15", fundsErr.Shortfall.String())

	acct, err := mem.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "30", acct.Balance.String())
}

func TestReconciler_UnknownOwner(t *testing.T) {
	_, err := ledger.NewReconciler().ApplyCreate(context.Background(), store.NewMemory(),
		ledger.Entry{OwnerID: "ghost", Kind: ledger.KindIncome, Amount: dec(1)}, false)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
