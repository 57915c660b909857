/*
Package postgres provides a PostgreSQL-backed implementation of the ledger stores.

PURPOSE:
  Production counterpart of store/sqlite. Same tables, native types:
  NUMERIC for amounts and balances, TIMESTAMPTZ for times.

CONCURRENCY:
  No process-level mutex. The database does the isolation:
  - AdjustBalance is a single UPDATE ... SET balance = balance + $1
    RETURNING balance, an atomic increment under the row lock
  - LockEntry inside WithTx is SELECT ... FOR UPDATE; a second sweep
    blocks on the template row and then sees the advanced next_fire_at
  - FindSimilar and GetAccount inside WithTx lock the owner's account row,
    so two identical concurrent adds cannot both pass the duplicate guard
    and two strict-mode debits cannot both pass the overdraft check
  - Lock order is always entry row, then account row
  Several processes can sweep the same database safely.

USAGE:
  store, err := postgres.New(ctx, "postgres://ledger@localhost/ledger?sslmode=disable")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/warp/finance-ledger/ledger"
	"github.com/warp/finance-ledger/store/query"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New connects to dsn, verifies the connection and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('income', 'expense')),
		amount NUMERIC NOT NULL CHECK (amount > 0),
		category TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		is_template BOOLEAN NOT NULL DEFAULT FALSE,
		recurring_interval TEXT,
		next_fire_at TIMESTAMPTZ,
		wallet_id TEXT,
		template_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_owner_date
		ON entries(owner_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_entries_similar
		ON entries(owner_id, kind, category, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_entries_due
		ON entries(next_fire_at) WHERE is_template;

	CREATE TABLE IF NOT EXISTS accounts (
		owner_id TEXT PRIMARY KEY,
		balance NUMERIC NOT NULL,
		opening NUMERIC NOT NULL,
		strict BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		fired INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// ENTRY STORE
// =============================================================================

func (s *Store) InsertEntry(ctx context.Context, e ledger.Entry) error {
	return insertEntry(ctx, s.db, e)
}

func insertEntry(ctx context.Context, q querier, e ledger.Entry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO entries (`+query.EntryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		string(e.ID), string(e.OwnerID), string(e.Kind), e.Amount, e.Category, e.Description,
		e.OccurredAt.UTC(), e.PaymentMethod, e.IsTemplate,
		nullString(string(e.Interval)), nullTime(e.NextFireAt), nullString(string(e.WalletID)),
		nullString(string(e.TemplateID)), nullString(e.IdempotencyKey),
		e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func (s *Store) UpdateEntry(ctx context.Context, e ledger.Entry) error {
	return updateEntry(ctx, s.db, e)
}

func updateEntry(ctx context.Context, q querier, e ledger.Entry) error {
	res, err := q.ExecContext(ctx, `
		UPDATE entries SET
			kind = $1, amount = $2, category = $3, description = $4, occurred_at = $5,
			payment_method = $6, is_template = $7, recurring_interval = $8, next_fire_at = $9,
			wallet_id = $10, updated_at = $11
		WHERE id = $12
	`,
		string(e.Kind), e.Amount, e.Category, e.Description, e.OccurredAt.UTC(),
		e.PaymentMethod, e.IsTemplate, nullString(string(e.Interval)), nullTime(e.NextFireAt),
		nullString(string(e.WalletID)), e.UpdatedAt.UTC(),
		string(e.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	return requireRow(res)
}

func (s *Store) DeleteEntry(ctx context.Context, id ledger.EntryID) error {
	return deleteEntry(ctx, s.db, id)
}

func deleteEntry(ctx context.Context, q querier, id ledger.EntryID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM entries WHERE id = $1", string(id))
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return requireRow(res)
}

func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return getEntry(ctx, s.db, id, false)
}

// LockEntry outside WithTx has nothing to hold the lock, so it is GetEntry.
func (s *Store) LockEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return getEntry(ctx, s.db, id, false)
}

func getEntry(ctx context.Context, q querier, id ledger.EntryID, forUpdate bool) (*ledger.Entry, error) {
	stmt := "SELECT " + query.EntryColumns + " FROM entries WHERE id = $1"
	if forUpdate {
		stmt += " FOR UPDATE"
	}
	entries, err := queryEntries(ctx, q, stmt, string(id))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *Store) QueryEntries(ctx context.Context, owner ledger.OwnerID, f ledger.Filter) ([]ledger.Entry, int, error) {
	return listEntries(ctx, s.db, owner, f)
}

func listEntries(ctx context.Context, q querier, owner ledger.OwnerID, f ledger.Filter) ([]ledger.Entry, int, error) {
	b := query.EntryFilter(query.Postgres, owner, f)

	var total int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries "+b.Clause(), b.Args()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count entries: %w", err)
	}

	stmt := fmt.Sprintf("SELECT %s FROM entries %s %s", query.EntryColumns, b.Clause(), query.EntryOrder(query.Postgres, f))
	if page := query.Paginate(b, f); page != "" {
		stmt += " " + page
	}
	entries, err := queryEntries(ctx, q, stmt, b.Args()...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *Store) FindSimilar(ctx context.Context, sq ledger.SimilarQuery) ([]ledger.Entry, error) {
	return findSimilar(ctx, s.db, sq)
}

func findSimilar(ctx context.Context, q querier, sq ledger.SimilarQuery) ([]ledger.Entry, error) {
	return queryEntries(ctx, q, `
		SELECT `+query.EntryColumns+`
		FROM entries
		WHERE owner_id = $1 AND kind = $2 AND category = $3 AND occurred_at >= $4
	`, string(sq.OwnerID), string(sq.Kind), sq.Category, sq.Since.UTC())
}

func (s *Store) DueTemplates(ctx context.Context, scope ledger.Scope, asOf time.Time) ([]ledger.Entry, error) {
	return dueTemplates(ctx, s.db, scope, asOf)
}

func dueTemplates(ctx context.Context, q querier, scope ledger.Scope, asOf time.Time) ([]ledger.Entry, error) {
	b := query.New(query.Postgres).
		Where("is_template").
		Where("next_fire_at <= ?", asOf.UTC())
	if !scope.Global() {
		b.Where("owner_id = ?", string(scope.OwnerID))
	}
	return queryEntries(ctx, q,
		fmt.Sprintf("SELECT %s FROM entries %s ORDER BY next_fire_at ASC, id ASC", query.EntryColumns, b.Clause()),
		b.Args()...)
}

func queryEntries(ctx context.Context, q querier, stmt string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e                              ledger.Entry
			nextFireAt                     sql.NullTime
			interval, walletID, templateID sql.NullString
			idempotencyKey                 sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &e.OwnerID, &e.Kind, &e.Amount, &e.Category, &e.Description, &e.OccurredAt,
			&e.PaymentMethod, &e.IsTemplate, &interval, &nextFireAt, &walletID,
			&templateID, &idempotencyKey, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}

		e.OccurredAt = e.OccurredAt.UTC()
		e.CreatedAt = e.CreatedAt.UTC()
		e.UpdatedAt = e.UpdatedAt.UTC()
		e.Interval = ledger.Interval(interval.String)
		if nextFireAt.Valid {
			t := nextFireAt.Time.UTC()
			e.NextFireAt = &t
		}
		e.WalletID = ledger.WalletID(walletID.String)
		e.TemplateID = ledger.EntryID(templateID.String)
		e.IdempotencyKey = idempotencyKey.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) error {
	return createAccount(ctx, s.db, a)
}

func createAccount(ctx context.Context, q querier, a ledger.Account) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (owner_id, balance, opening, strict, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(a.OwnerID), a.Balance, a.Opening, a.Strict, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, owner ledger.OwnerID) (*ledger.Account, error) {
	return getAccount(ctx, s.db, owner, false)
}

func getAccount(ctx context.Context, q querier, owner ledger.OwnerID, forUpdate bool) (*ledger.Account, error) {
	stmt := `
		SELECT owner_id, balance, opening, strict, created_at, updated_at
		FROM accounts WHERE owner_id = $1`
	if forUpdate {
		stmt += " FOR UPDATE"
	}

	var a ledger.Account
	err := q.QueryRowContext(ctx, stmt, string(owner)).
		Scan(&a.OwnerID, &a.Balance, &a.Opening, &a.Strict, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func (s *Store) AdjustBalance(ctx context.Context, owner ledger.OwnerID, delta decimal.Decimal) (decimal.Decimal, error) {
	return adjustBalance(ctx, s.db, owner, delta)
}

func adjustBalance(ctx context.Context, q querier, owner ledger.OwnerID, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := q.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = NOW()
		WHERE owner_id = $2
		RETURNING balance
	`, delta, string(owner)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ledger.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to adjust balance: %w", err)
	}
	return balance, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ledger.ErrTransientStore, err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) InsertEntry(ctx context.Context, e ledger.Entry) error {
	return insertEntry(ctx, ts.tx, e)
}

func (ts *txStore) UpdateEntry(ctx context.Context, e ledger.Entry) error {
	return updateEntry(ctx, ts.tx, e)
}

func (ts *txStore) DeleteEntry(ctx context.Context, id ledger.EntryID) error {
	return deleteEntry(ctx, ts.tx, id)
}

func (ts *txStore) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return getEntry(ctx, ts.tx, id, false)
}

func (ts *txStore) LockEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return getEntry(ctx, ts.tx, id, true)
}

func (ts *txStore) QueryEntries(ctx context.Context, owner ledger.OwnerID, f ledger.Filter) ([]ledger.Entry, int, error) {
	return listEntries(ctx, ts.tx, owner, f)
}

// FindSimilar takes the owner's account row lock before reading, which
// serializes concurrent adds of the same owner until commit.
func (ts *txStore) FindSimilar(ctx context.Context, q ledger.SimilarQuery) ([]ledger.Entry, error) {
	if _, err := getAccount(ctx, ts.tx, q.OwnerID, true); err != nil {
		return nil, err
	}
	return findSimilar(ctx, ts.tx, q)
}

func (ts *txStore) DueTemplates(ctx context.Context, scope ledger.Scope, asOf time.Time) ([]ledger.Entry, error) {
	return dueTemplates(ctx, ts.tx, scope, asOf)
}

func (ts *txStore) CreateAccount(ctx context.Context, a ledger.Account) error {
	return createAccount(ctx, ts.tx, a)
}

// GetAccount locks the account row until commit. The strict-mode check reads
// the balance through here, so a concurrent debit cannot slip between the
// check and the increment.
func (ts *txStore) GetAccount(ctx context.Context, owner ledger.OwnerID) (*ledger.Account, error) {
	return getAccount(ctx, ts.tx, owner, true)
}

func (ts *txStore) AdjustBalance(ctx context.Context, owner ledger.OwnerID, delta decimal.Decimal) (decimal.Decimal, error) {
	return adjustBalance(ctx, ts.tx, owner, delta)
}

// =============================================================================
// SWEEP LOG
// =============================================================================

func (s *Store) SaveSweepRun(ctx context.Context, r ledger.SweepRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (id, owner_id, status, fired, skipped, failed, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			fired = EXCLUDED.fired,
			skipped = EXCLUDED.skipped,
			failed = EXCLUDED.failed,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at
	`,
		r.ID, string(r.OwnerID), string(r.Status), r.Fired, r.Skipped, r.Failed, r.Error,
		r.StartedAt.UTC(), nullTime(r.CompletedAt),
	)
	return err
}

func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]ledger.SweepRun, error) {
	stmt := `
		SELECT id, owner_id, status, fired, skipped, failed, error, started_at, completed_at
		FROM sweep_runs
		ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		stmt += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ledger.SweepRun
	for rows.Next() {
		var (
			r           ledger.SweepRun
			completedAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Status, &r.Fired, &r.Skipped, &r.Failed, &r.Error,
			&r.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		r.StartedAt = r.StartedAt.UTC()
		if completedAt.Valid {
			t := completedAt.Time.UTC()
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

var (
	_ ledger.TxStore  = (*Store)(nil)
	_ ledger.SweepLog = (*Store)(nil)
)
