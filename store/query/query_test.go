package query_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/finance-ledger/ledger"
	"github.com/warp/finance-ledger/store/query"
)

func TestEntryFilter_Postgres_NumbersPlaceholders(t *testing.T) {
	from := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	postings := false
	f := ledger.Filter{
		Kind:      ledger.KindExpense,
		Category:  "Food",
		From:      &from,
		Templates: &postings,
		Page:      3,
		Limit:     10,
	}

	b := query.EntryFilter(query.Postgres, "u1", f)
	page := query.Paginate(b, f)

	assert.Equal(t,
		`WHERE owner_id = $1 AND kind = $2 AND LOWER(category) LIKE $3 ESCAPE '\' AND occurred_at >= $4 AND is_template = $5`,
		b.Clause())
	assert.Equal(t, "LIMIT $6 OFFSET $7", page)
	assert.Equal(t, []any{"u1", "expense", "%food%", from, false, 10, 20}, b.Args())
}

func TestEntryFilter_SQLite_FormatsTimes(t *testing.T) {
	to := time.Date(2025, time.March, 5, 10, 0, 0, 0, time.FixedZone("CET", 3600))

	b := query.EntryFilter(query.SQLite, "u1", ledger.Filter{To: &to})

	assert.Equal(t, "WHERE owner_id = ? AND occurred_at <= ?", b.Clause())
	assert.Equal(t, []any{"u1", "2025-03-05T09:00:00.000000000Z"}, b.Args())
	assert.Empty(t, query.Paginate(b, ledger.Filter{}))
}

func TestEntryFilter_PersonalWallet(t *testing.T) {
	personal := ledger.WalletID("")
	b := query.EntryFilter(query.SQLite, "u1", ledger.Filter{WalletID: &personal})
	assert.Equal(t, "WHERE owner_id = ? AND wallet_id IS NULL", b.Clause())
}

func TestEntryOrder(t *testing.T) {
	assert.Equal(t, "ORDER BY occurred_at ASC, created_at ASC, id ASC",
		query.EntryOrder(query.SQLite, ledger.Filter{}))
	assert.Equal(t, "ORDER BY CAST(amount AS REAL) DESC, occurred_at DESC, created_at DESC, id DESC",
		query.EntryOrder(query.SQLite, ledger.Filter{SortBy: ledger.SortByAmount, Desc: true}))
	assert.Equal(t, "ORDER BY amount ASC, occurred_at ASC, created_at ASC, id ASC",
		query.EntryOrder(query.Postgres, ledger.Filter{SortBy: ledger.SortByAmount}))
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\% off\_sale\\x`, query.EscapeLike(`50% off_sale\x`))
}
