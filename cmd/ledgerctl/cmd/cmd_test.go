package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-ledger/app"
	"github.com/warp/finance-ledger/config"
	"github.com/warp/finance-ledger/ledger"
)

// seed points the environment at a fresh SQLite file and records, two days
// ago, an account with a daily template. The template is due now.
func seed(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DRIVER", config.DriverSQLite)
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "ledger.db"))
	t.Setenv("DISPLAY_CURRENCY", "USD")
	t.Setenv("BACKLOG_POLICY", "")
	t.Setenv("STRICT_MODE", "")

	cfg, err := config.Load()
	require.NoError(t, err)
	a, err := app.New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	past := ledger.NewService(a.Store, ledger.Options{
		Clock: &ledger.FixedClock{At: time.Now().UTC().Add(-48 * time.Hour)},
	})
	_, err = past.OpenAccount(ctx, "u1", decimal.NewFromInt(1000), false)
	require.NoError(t, err)
	_, err = past.AddTransaction(ctx, "u1", ledger.Draft{
		Kind:      ledger.KindExpense,
		Amount:    decimal.NewFromInt(100),
		Category:  "coffee",
		Recurring: ledger.IntervalDaily,
	})
	require.NoError(t, err)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestBalance(t *testing.T) {
	seed(t)

	out, err := run(t, "balance", "--owner", "u1")

	require.NoError(t, err)
	assert.Contains(t, out, "u1\t900\t($900.00)")
}

func TestBalance_UnknownOwner(t *testing.T) {
	seed(t)

	_, err := run(t, "balance", "--owner", "nobody")

	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestBalance_RequiresOwner(t *testing.T) {
	seed(t)

	_, err := run(t, "balance")

	assert.Error(t, err)
}

func TestSweepThenVerify(t *testing.T) {
	// GIVEN: A daily template that fell due yesterday
	seed(t)

	// WHEN: Sweeping
	out, err := run(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "fired=1")

	// THEN: One occurrence per sweep, the second is still behind
	out, err = run(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "fired=1")

	out, err = run(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "fired=0")

	// AND: The stored balance replays cleanly
	out, err = run(t, "balance", "--owner", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "u1\t700\t($700.00)")

	out, err = run(t, "verify", "--owner", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "entries:  4")
	assert.Contains(t, out, "consistent")
}
