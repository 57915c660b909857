package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-ledger/ledger"
	"github.com/warp/finance-ledger/ledger/store"
)

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: An account with balance 100
	// WHEN: A transaction writes an entry, moves the balance, then fails
	// THEN: Neither write is visible afterwards

	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateAccount(ctx, ledger.Account{OwnerID: "u1", Balance: decimal.NewFromInt(100)}))

	boom := errors.New("boom")
	err := mem.WithTx(ctx, func(s ledger.Store) error {
		require.NoError(t, s.InsertEntry(ctx, ledger.Entry{ID: "e1", OwnerID: "u1", IdempotencyKey: "k1"}))
		_, err := s.AdjustBalance(ctx, "u1", decimal.NewFromInt(-40))
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	e, err := mem.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, e)
	acct, err := mem.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "100", acct.Balance.String())

	// The idempotency key was released with the rollback.
	assert.NoError(t, mem.InsertEntry(ctx, ledger.Entry{ID: "e2", OwnerID: "u1", IdempotencyKey: "k1"}))
}

func TestMemory_IdempotencyKeyUnique(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	require.NoError(t, mem.InsertEntry(ctx, ledger.Entry{ID: "a", IdempotencyKey: "tpl@2025-02-01T09:00:00Z"}))
	err := mem.InsertEntry(ctx, ledger.Entry{ID: "b", IdempotencyKey: "tpl@2025-02-01T09:00:00Z"})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	// Entries without a key never conflict.
	require.NoError(t, mem.InsertEntry(ctx, ledger.Entry{ID: "c"}))
	require.NoError(t, mem.InsertEntry(ctx, ledger.Entry{ID: "d"}))
}

func TestMemory_DueTemplates_ScopeAndOrder(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	at := func(d int) *time.Time { t := now.AddDate(0, 0, d); return &t }

	for _, e := range []ledger.Entry{
		{ID: "late", OwnerID: "u1", IsTemplate: true, Interval: ledger.IntervalDaily, NextFireAt: at(-1)},
		{ID: "early", OwnerID: "u2", IsTemplate: true, Interval: ledger.IntervalDaily, NextFireAt: at(-5)},
		{ID: "future", OwnerID: "u1", IsTemplate: true, Interval: ledger.IntervalDaily, NextFireAt: at(1)},
		{ID: "posting", OwnerID: "u1"},
	} {
		require.NoError(t, mem.InsertEntry(ctx, e))
	}

	due, err := mem.DueTemplates(ctx, ledger.Scope{}, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, ledger.EntryID("early"), due[0].ID)
	assert.Equal(t, ledger.EntryID("late"), due[1].ID)

	due, err = mem.DueTemplates(ctx, ledger.Scope{OwnerID: "u1"}, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, ledger.EntryID("late"), due[0].ID)
}

func TestMemory_ReturnedEntriesAreCopies(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	next := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, mem.InsertEntry(ctx, ledger.Entry{ID: "t", IsTemplate: true, NextFireAt: &next}))

	e, err := mem.GetEntry(ctx, "t")
	require.NoError(t, err)
	*e.NextFireAt = next.AddDate(1, 0, 0)

	again, err := mem.GetEntry(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, next, *again.NextFireAt)
}

func TestMemory_ListSweepRuns_NewestFirst(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, mem.SaveSweepRun(ctx, ledger.SweepRun{ID: id, Status: ledger.SweepRunning}))
	}
	require.NoError(t, mem.SaveSweepRun(ctx, ledger.SweepRun{ID: "r2", Status: ledger.SweepCompleted}))

	runs, err := mem.ListSweepRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].ID)
	assert.Equal(t, ledger.SweepCompleted, runs[1].Status)
}
