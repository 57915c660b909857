package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-ledger/ledger"
	"github.com/warp/finance-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var jan1 = time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *ledger.Service
	store *store.Memory
	clock *ledger.FixedClock
}

func newFixture(t *testing.T, opts ledger.Options) *fixture {
	t.Helper()
	clock := &ledger.FixedClock{At: jan1}
	opts.Clock = clock
	mem := store.NewMemory()
	return &fixture{
		svc:   ledger.NewService(mem, opts),
		store: mem,
		clock: clock,
	}
}

func (f *fixture) open(t *testing.T, owner ledger.OwnerID, opening int64) {
	t.Helper()
	_, err := f.svc.OpenAccount(context.Background(), owner, decimal.NewFromInt(opening), false)
	require.NoError(t, err)
}

func (f *fixture) add(t *testing.T, owner ledger.OwnerID, d ledger.Draft) *ledger.AddResult {
	t.Helper()
	res, err := f.svc.AddTransaction(context.Background(), owner, d)
	require.NoError(t, err)
	return res
}

func (f *fixture) balance(t *testing.T, owner ledger.OwnerID) decimal.Decimal {
	t.Helper()
	acct, err := f.svc.Account(context.Background(), owner)
	require.NoError(t, err)
	return acct.Balance
}

// requireConsistent checks the balance invariant by full replay.
func (f *fixture) requireConsistent(t *testing.T, owner ledger.OwnerID) {
	t.Helper()
	check, err := f.svc.VerifyBalance(context.Background(), owner)
	require.NoError(t, err)
	require.True(t, check.Consistent(), "stored %s, computed %s", check.Stored, check.Computed)
}

func expense(amount int64, category string) ledger.Draft {
	return ledger.Draft{Kind: ledger.KindExpense, Amount: decimal.NewFromInt(amount), Category: category}
}

func income(amount int64, category string) ledger.Draft {
	return ledger.Draft{Kind: ledger.KindIncome, Amount: decimal.NewFromInt(amount), Category: category}
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// recordingPublisher captures published topics.
type recordingPublisher struct {
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _ any) error {
	p.topics = append(p.topics, topic)
	return nil
}
