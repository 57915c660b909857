// Package query builds the entry listing SQL shared by the SQL stores.
package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/finance-ledger/ledger"
)

// EntryColumns is the column list every entry SELECT uses, in scan order.
const EntryColumns = `id, owner_id, kind, amount, category, description, occurred_at,
	payment_method, is_template, recurring_interval, next_fire_at, wallet_id,
	template_id, idempotency_key, created_at, updated_at`

// Dialect captures what differs between the SQL backends.
type Dialect struct {
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// AmountSort is the expression used to order by amount numerically.
	AmountSort string
	// Time converts a time to the driver argument stored in time columns.
	Time func(t time.Time) any
}

// TimeLayout is fixed width so text comparison of stored times is chronological.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

var (
	SQLite = Dialect{
		Placeholder: func(int) string { return "?" },
		AmountSort:  "CAST(amount AS REAL)",
		Time:        func(t time.Time) any { return t.UTC().Format(TimeLayout) },
	}
	Postgres = Dialect{
		Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		AmountSort:  "amount",
		Time:        func(t time.Time) any { return t.UTC() },
	}
)

// Builder accumulates WHERE conditions and their bind arguments.
type Builder struct {
	dialect Dialect
	conds   []string
	args    []any
}

func New(d Dialect) *Builder {
	return &Builder{dialect: d}
}

// Arg binds v and returns its placeholder.
func (b *Builder) Arg(v any) string {
	b.args = append(b.args, v)
	return b.dialect.Placeholder(len(b.args))
}

// Where adds a condition. Each "?" in cond binds the next value of args.
func (b *Builder) Where(cond string, args ...any) *Builder {
	for _, a := range args {
		cond = strings.Replace(cond, "?", b.Arg(a), 1)
	}
	b.conds = append(b.conds, cond)
	return b
}

// Clause renders the WHERE clause, or "" without conditions.
func (b *Builder) Clause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(b.conds, " AND ")
}

func (b *Builder) Args() []any { return b.args }

// EntryFilter builds the conditions selecting an owner's entries for f.
func EntryFilter(d Dialect, owner ledger.OwnerID, f ledger.Filter) *Builder {
	b := New(d).Where("owner_id = ?", string(owner))
	if f.Kind != "" {
		b.Where("kind = ?", string(f.Kind))
	}
	if f.Category != "" {
		b.Where(`LOWER(category) LIKE ? ESCAPE '\'`, "%"+EscapeLike(strings.ToLower(f.Category))+"%")
	}
	if f.From != nil {
		b.Where("occurred_at >= ?", d.Time(*f.From))
	}
	if f.To != nil {
		b.Where("occurred_at <= ?", d.Time(*f.To))
	}
	if f.Templates != nil {
		b.Where("is_template = ?", *f.Templates)
	}
	if f.WalletID != nil {
		if *f.WalletID == "" {
			b.Where("wallet_id IS NULL")
		} else {
			b.Where("wallet_id = ?", string(*f.WalletID))
		}
	}
	return b
}

// EntryOrder renders the ORDER BY clause. Ties fall back to creation order so
// pagination is stable.
func EntryOrder(d Dialect, f ledger.Filter) string {
	dir := "ASC"
	if f.Desc {
		dir = "DESC"
	}
	if f.SortBy == ledger.SortByAmount {
		return fmt.Sprintf("ORDER BY %s %s, occurred_at %s, created_at %s, id %s", d.AmountSort, dir, dir, dir, dir)
	}
	return fmt.Sprintf("ORDER BY occurred_at %s, created_at %s, id %s", dir, dir, dir)
}

// Paginate renders LIMIT/OFFSET, binding both on b. Empty when f.Limit is 0.
func Paginate(b *Builder, f ledger.Filter) string {
	if f.Limit <= 0 {
		return ""
	}
	return fmt.Sprintf("LIMIT %s OFFSET %s", b.Arg(f.Limit), b.Arg(f.Offset()))
}

// EscapeLike escapes LIKE wildcards so s matches literally.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
