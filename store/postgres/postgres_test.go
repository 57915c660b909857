package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-ledger/ledger"
)

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("duplicate key")))
}

func TestNullHelpers(t *testing.T) {
	assert.False(t, nullString("").Valid)
	assert.Equal(t, "w1", nullString("w1").String)
	assert.False(t, nullTime(nil).Valid)

	at := time.Date(2025, time.January, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	nt := nullTime(&at)
	assert.True(t, nt.Valid)
	assert.Equal(t, time.UTC, nt.Time.Location())
}

// newIntegrationStore connects to LEDGER_TEST_DATABASE_URL and skips without it.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := New(ctx, dsn)
	require.NoError(t, err)
	_, err = store.db.ExecContext(ctx, "TRUNCATE entries, accounts, sweep_runs")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestIntegration_RecurringSweep(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	clock := &ledger.FixedClock{At: time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC)}
	svc := ledger.NewService(store, ledger.Options{Clock: clock})

	_, err := svc.OpenAccount(ctx, "u1", decimal.NewFromInt(1000), false)
	require.NoError(t, err)
	res, err := svc.AddTransaction(ctx, "u1", ledger.Draft{
		Kind:      ledger.KindExpense,
		Amount:    decimal.NewFromInt(50),
		Category:  "rent",
		Recurring: ledger.IntervalMonthly,
	})
	require.NoError(t, err)

	clock.Set(clock.At.AddDate(0, 0, 34))
	first, err := svc.Discharger().RunDue(ctx, ledger.Scope{})
	require.NoError(t, err)
	second, err := svc.Discharger().RunDue(ctx, ledger.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Fired+second.Fired)

	tpl, err := store.GetEntry(ctx, res.Entry.ID)
	require.NoError(t, err)
	assert.True(t, tpl.NextFireAt.Equal(time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)))

	check, err := svc.VerifyBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, check.Consistent())
	assert.Equal(t, "900", check.Stored.String())
}

func TestIntegration_StrictConcurrentDebits(t *testing.T) {
	// GIVEN: A strict account holding 100
	// WHEN: Two forced expenses of 80 race
	// THEN: One is rejected and the balance never goes below zero

	store := newIntegrationStore(t)
	ctx := context.Background()
	svc := ledger.NewService(store, ledger.Options{})
	_, err := svc.OpenAccount(ctx, "u1", decimal.NewFromInt(100), true)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AddTransaction(ctx, "u1", ledger.Draft{
				Kind:           ledger.KindExpense,
				Amount:         decimal.NewFromInt(80),
				Category:       "food",
				ForceDuplicate: true,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ledger.ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, rejected)
	check, err := svc.VerifyBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, check.Consistent())
	assert.Equal(t, "20", check.Stored.String())
}
