/*
Package sqlite provides a SQLite-backed implementation of the ledger stores.

PURPOSE:
  Implements ledger.TxStore and ledger.SweepLog using SQLite. The Postgres
  store (store/postgres) follows the same layout with dialect differences.

INTERFACES IMPLEMENTED:
  ledger.EntryStore:   Postings and recurring templates
  ledger.AccountStore: Per-owner running balance
  ledger.TxStore:      WithTx over a database transaction
  ledger.SweepLog:     Scheduler sweep history

KEY TABLES:
  entries:    Postings and templates of every owner
  accounts:   One row per owner holding the running balance
  sweep_runs: One row per global discharge sweep

INDEXES:
  - idx_entries_owner_date: Listing (hot path)
  - idx_entries_similar: Duplicate guard lookups
  - idx_entries_due: Due template scan, templates only
  - entries.idempotency_key UNIQUE: a template occurrence fires once

STORAGE FORMAT:
  Amounts are decimal strings, never REAL, so no precision is lost.
  Times are UTC in a fixed-width layout (query.TimeLayout) so that text
  comparison in SQL is chronological.

CONCURRENCY:
  One connection, guarded by sync.RWMutex. WithTx holds the write lock for
  the whole transaction, so LockEntry is a plain read and AdjustBalance
  can read-then-write safely. Methods on the transactional view never take
  the lock again.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, ledger.Options{})
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/finance-ledger/ledger"
	"github.com/warp/finance-ledger/store/query"
)

// Store implements the ledger storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and matches
	// SQLite's single writer.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		occurred_at TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		is_template BOOLEAN NOT NULL DEFAULT FALSE,
		recurring_interval TEXT,
		next_fire_at TEXT,
		wallet_id TEXT,
		template_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_owner_date
		ON entries(owner_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_entries_similar
		ON entries(owner_id, kind, category, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_entries_due
		ON entries(next_fire_at) WHERE is_template = 1;
	CREATE INDEX IF NOT EXISTS idx_entries_template
		ON entries(template_id) WHERE template_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS accounts (
		owner_id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		opening TEXT NOT NULL,
		strict BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		fired INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_runs_started
		ON sweep_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ENTRY STORE (ledger.EntryStore interface)
// =============================================================================

func (s *Store) InsertEntry(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertEntry(ctx, s.db, e)
}

func insertEntry(ctx context.Context, q querier, e ledger.Entry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO entries (`+query.EntryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.OwnerID, e.Kind, e.Amount.String(), e.Category, e.Description,
		formatTime(e.OccurredAt), e.PaymentMethod, e.IsTemplate,
		nullString(string(e.Interval)), nullTime(e.NextFireAt), nullString(string(e.WalletID)),
		nullString(string(e.TemplateID)), nullString(e.IdempotencyKey),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func (s *Store) UpdateEntry(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateEntry(ctx, s.db, e)
}

func updateEntry(ctx context.Context, q querier, e ledger.Entry) error {
	res, err := q.ExecContext(ctx, `
		UPDATE entries SET
			kind = ?, amount = ?, category = ?, description = ?, occurred_at = ?,
			payment_method = ?, is_template = ?, recurring_interval = ?, next_fire_at = ?,
			wallet_id = ?, updated_at = ?
		WHERE id = ?
	`,
		e.Kind, e.Amount.String(), e.Category, e.Description, formatTime(e.OccurredAt),
		e.PaymentMethod, e.IsTemplate, nullString(string(e.Interval)), nullTime(e.NextFireAt),
		nullString(string(e.WalletID)), formatTime(e.UpdatedAt),
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	return requireRow(res)
}

func (s *Store) DeleteEntry(ctx context.Context, id ledger.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteEntry(ctx, s.db, id)
}

func deleteEntry(ctx context.Context, q querier, id ledger.EntryID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return requireRow(res)
}

func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

// LockEntry is GetEntry. Outside WithTx it gives no lock beyond the call.
func (s *Store) LockEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return s.GetEntry(ctx, id)
}

func getEntry(ctx context.Context, q querier, id ledger.EntryID) (*ledger.Entry, error) {
	entries, err := queryEntries(ctx, q, "SELECT "+query.EntryColumns+" FROM entries WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *Store) QueryEntries(ctx context.Context, owner ledger.OwnerID, f ledger.Filter) ([]ledger.Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEntries(ctx, s.db, owner, f)
}

func listEntries(ctx context.Context, q querier, owner ledger.OwnerID, f ledger.Filter) ([]ledger.Entry, int, error) {
	b := query.EntryFilter(query.SQLite, owner, f)

	var total int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries "+b.Clause(), b.Args()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count entries: %w", err)
	}

	stmt := fmt.Sprintf("SELECT %s FROM entries %s %s", query.EntryColumns, b.Clause(), query.EntryOrder(query.SQLite, f))
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
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findSimilar(ctx, s.db, sq)
}

func findSimilar(ctx context.Context, q querier, sq ledger.SimilarQuery) ([]ledger.Entry, error) {
	return queryEntries(ctx, q, `
		SELECT `+query.EntryColumns+`
		FROM entries
		WHERE owner_id = ? AND kind = ? AND category = ? AND occurred_at >= ?
	`, sq.OwnerID, sq.Kind, sq.Category, formatTime(sq.Since))
}

func (s *Store) DueTemplates(ctx context.Context, scope ledger.Scope, asOf time.Time) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return dueTemplates(ctx, s.db, scope, asOf)
}

func dueTemplates(ctx context.Context, q querier, scope ledger.Scope, asOf time.Time) ([]ledger.Entry, error) {
	b := query.New(query.SQLite).
		Where("is_template = ?", true).
		Where("next_fire_at IS NOT NULL").
		Where("next_fire_at <= ?", formatTime(asOf))
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
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e                              ledger.Entry
		amount, occurredAt             string
		createdAt, updatedAt           string
		interval, nextFireAt, walletID sql.NullString
		templateID, idempotencyKey     sql.NullString
	)

	err := rows.Scan(
		&e.ID, &e.OwnerID, &e.Kind, &amount, &e.Category, &e.Description, &occurredAt,
		&e.PaymentMethod, &e.IsTemplate, &interval, &nextFireAt, &walletID,
		&templateID, &idempotencyKey, &createdAt, &updatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, fmt.Errorf("entry %s has invalid amount %q: %w", e.ID, amount, err)
	}
	e.OccurredAt = parseTime(occurredAt)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	e.Interval = ledger.Interval(interval.String)
	if nextFireAt.Valid {
		t := parseTime(nextFireAt.String)
		e.NextFireAt = &t
	}
	e.WalletID = ledger.WalletID(walletID.String)
	e.TemplateID = ledger.EntryID(templateID.String)
	e.IdempotencyKey = idempotencyKey.String

	return e, nil
}

// =============================================================================
// ACCOUNT STORE (ledger.AccountStore interface)
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createAccount(ctx, s.db, a)
}

func createAccount(ctx context.Context, q querier, a ledger.Account) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (owner_id, balance, opening, strict, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.OwnerID, a.Balance.String(), a.Opening.String(), a.Strict, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, owner ledger.OwnerID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, owner)
}

func getAccount(ctx context.Context, q querier, owner ledger.OwnerID) (*ledger.Account, error) {
	var (
		a                    ledger.Account
		balance, opening     string
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT owner_id, balance, opening, strict, created_at, updated_at
		FROM accounts WHERE owner_id = ?
	`, owner).Scan(&a.OwnerID, &balance, &opening, &a.Strict, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("account %s has invalid balance %q: %w", owner, balance, err)
	}
	if a.Opening, err = decimal.NewFromString(opening); err != nil {
		return nil, fmt.Errorf("account %s has invalid opening balance %q: %w", owner, opening, err)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// AdjustBalance adds delta to the stored balance. The caller holds the write
// lock, so the read and the write cannot interleave with another mutation.
func (s *Store) AdjustBalance(ctx context.Context, owner ledger.OwnerID, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return adjustBalance(ctx, s.db, owner, delta)
}

func adjustBalance(ctx context.Context, q querier, owner ledger.OwnerID, delta decimal.Decimal) (decimal.Decimal, error) {
	acct, err := getAccount(ctx, q, owner)
	if err != nil {
		return decimal.Zero, err
	}
	if acct == nil {
		return decimal.Zero, ledger.ErrAccountNotFound
	}

	balance := acct.Balance.Add(delta)
	_, err = q.ExecContext(ctx,
		"UPDATE accounts SET balance = ?, updated_at = ? WHERE owner_id = ?",
		balance.String(), formatTime(time.Now()), owner,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to adjust balance: %w", err)
	}
	return balance, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
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
	return getEntry(ctx, ts.tx, id)
}

func (ts *txStore) LockEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return getEntry(ctx, ts.tx, id)
}

func (ts *txStore) QueryEntries(ctx context.Context, owner ledger.OwnerID, f ledger.Filter) ([]ledger.Entry, int, error) {
	return listEntries(ctx, ts.tx, owner, f)
}

func (ts *txStore) FindSimilar(ctx context.Context, q ledger.SimilarQuery) ([]ledger.Entry, error) {
	return findSimilar(ctx, ts.tx, q)
}

func (ts *txStore) DueTemplates(ctx context.Context, scope ledger.Scope, asOf time.Time) ([]ledger.Entry, error) {
	return dueTemplates(ctx, ts.tx, scope, asOf)
}

func (ts *txStore) CreateAccount(ctx context.Context, a ledger.Account) error {
	return createAccount(ctx, ts.tx, a)
}

func (ts *txStore) GetAccount(ctx context.Context, owner ledger.OwnerID) (*ledger.Account, error) {
	return getAccount(ctx, ts.tx, owner)
}

func (ts *txStore) AdjustBalance(ctx context.Context, owner ledger.OwnerID, delta decimal.Decimal) (decimal.Decimal, error) {
	return adjustBalance(ctx, ts.tx, owner, delta)
}

// =============================================================================
// SWEEP LOG (ledger.SweepLog interface)
// =============================================================================

// SaveSweepRun inserts a run or updates it when the ID already exists.
func (s *Store) SaveSweepRun(ctx context.Context, r ledger.SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt := `
		INSERT INTO sweep_runs (id, owner_id, status, fired, skipped, failed, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			fired = excluded.fired,
			skipped = excluded.skipped,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, stmt,
		r.ID, r.OwnerID, r.Status, r.Fired, r.Skipped, r.Failed, r.Error,
		formatTime(r.StartedAt), nullTime(r.CompletedAt),
	)
	return err
}

// ListSweepRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]ledger.SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stmt := `
		SELECT id, owner_id, status, fired, skipped, failed, error, started_at, completed_at
		FROM sweep_runs
		ORDER BY started_at DESC, rowid DESC
	`
	var args []any
	if limit > 0 {
		stmt += " LIMIT ?"
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
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.OwnerID, &r.Status, &r.Fired, &r.Skipped, &r.Failed, &r.Error,
			&startedAt, &completedAt,
		); err != nil {
			return nil, err
		}

		r.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}

		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(query.TimeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(query.TimeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
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

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

var (
	_ ledger.TxStore  = (*Store)(nil)
	_ ledger.SweepLog = (*Store)(nil)
)
