package api

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-ledger/ledger"
	"github.com/warp/finance-ledger/ledger/store"
)

// dueRent returns a service whose single monthly template is already due.
func dueRent(t *testing.T) (*ledger.Service, *store.Memory) {
	t.Helper()
	ctx := context.Background()
	clock := &ledger.FixedClock{At: jan1}
	mem := store.NewMemory()
	svc := ledger.NewService(mem, ledger.Options{Clock: clock})

	_, err := svc.OpenAccount(ctx, "u1", decimal.NewFromInt(1000), false)
	require.NoError(t, err)
	_, err = svc.AddTransaction(ctx, "u1", ledger.Draft{
		Kind:      ledger.KindExpense,
		Amount:    decimal.NewFromInt(100),
		Category:  "rent",
		Recurring: ledger.IntervalMonthly,
	})
	require.NoError(t, err)

	clock.Set(time.Date(2025, time.February, 2, 0, 0, 0, 0, time.UTC))
	return svc, mem
}

func TestSweepScheduler_RunsOnStart(t *testing.T) {
	// GIVEN: A due template and a scheduler with a long interval
	svc, mem := dueRent(t)
	s := NewSweepScheduler(svc.Discharger(), nil)
	s.Interval = time.Hour

	// WHEN: Started
	s.Start()
	defer s.Stop()

	// THEN: The first sweep happens right away
	require.Eventually(t, func() bool {
		acct, err := svc.Account(context.Background(), "u1")
		return err == nil && acct.Balance.Equal(decimal.NewFromInt(800))
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		runs, err := mem.ListSweepRuns(context.Background(), 10)
		return err == nil && len(runs) == 1 && runs[0].Status == ledger.SweepCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSweepScheduler_Disabled(t *testing.T) {
	svc, _ := dueRent(t)
	s := NewSweepScheduler(svc.Discharger(), nil)
	s.Enabled = false

	s.Start()
	s.Stop()

	acct, err := svc.Account(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "900", acct.Balance.String())
}

func TestSweepScheduler_RunNow(t *testing.T) {
	svc, _ := dueRent(t)
	s := NewSweepScheduler(svc.Discharger(), nil)
	s.Interval = 30 * time.Minute

	res, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)

	res, err = s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fired)

	next := s.NextRunTime()
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), next, 5*time.Second)
}

func TestSweepScheduler_StopIsIdempotent(t *testing.T) {
	svc, _ := dueRent(t)
	s := NewSweepScheduler(svc.Discharger(), nil)

	s.Stop()
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
