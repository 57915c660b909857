/*
service.go - Ledger Service, the public operations

OPERATIONS:
  AddTransaction     validate -> [duplicate guard -> entry + balance] -> notify
  UpdateTransaction  [lock -> merge -> revert old/apply new -> save]
  DeleteTransaction  [lock -> revert -> delete]
  ListTransactions   eager discharge of the owner's templates -> query

  Brackets mark a single TxStore.WithTx. Notifications (gamification,
  events) run after commit and never fail the call.

RECURRING DRAFTS:
  A draft with an interval creates two entries in one transaction: the
  template (NextFireAt = now + 1 interval) and the first posting for the
  draft's date. Only the posting moves the balance.

STRICT MODE:
  Options.Strict turns the overdraft rule on for every account. An account
  can also opt in on its own with Account.Strict.
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	maxCategoryLen    = 64
	maxDescriptionLen = 500
)

func NewEntryID() EntryID { return EntryID(uuid.NewString()) }

type Options struct {
	Clock           Clock
	Logger          *zerolog.Logger // nil = discard
	Gamifier        Gamifier
	Publisher       Publisher
	Strict          bool
	DuplicateWindow time.Duration
	Backlog         BacklogPolicy
	TxTimeout       time.Duration
}

type Service struct {
	store      TxStore
	guard      *DuplicateGuard
	reconciler *Reconciler
	discharger *Discharger
	gamifier   Gamifier
	publisher  Publisher
	clock      Clock
	log        zerolog.Logger
	strict     bool
}

func NewService(store TxStore, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Gamifier == nil {
		opts.Gamifier = NopGamifier{}
	}
	if opts.Publisher == nil {
		opts.Publisher = NopPublisher{}
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	return &Service{
		store:      store,
		guard:      NewDuplicateGuard(store, opts.Clock, opts.DuplicateWindow),
		reconciler: NewReconciler(),
		discharger: NewDischarger(store, DischargeOptions{
			Clock:     opts.Clock,
			Logger:    &log,
			Publisher: opts.Publisher,
			Backlog:   opts.Backlog,
			Strict:    opts.Strict,
			TxTimeout: opts.TxTimeout,
		}),
		gamifier:  opts.Gamifier,
		publisher: opts.Publisher,
		clock:     opts.Clock,
		log:       log,
		strict:    opts.Strict,
	}
}

// Discharger returns the recurring discharge service shared with the scheduler.
func (s *Service) Discharger() *Discharger { return s.discharger }

// =============================================================================
// ACCOUNTS
// =============================================================================

// OpenAccount creates the owner's account with an opening balance.
func (s *Service) OpenAccount(ctx context.Context, owner OwnerID, opening decimal.Decimal, strict bool) (*Account, error) {
	if strings.TrimSpace(string(owner)) == "" {
		return nil, &ValidationError{Field: "owner_id", Message: "required"}
	}
	now := s.clock.Now()
	acct := Account{
		OwnerID:   owner,
		Balance:   opening,
		Opening:   opening,
		Strict:    strict,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *Service) Account(ctx context.Context, owner OwnerID) (*Account, error) {
	acct, err := s.store.GetAccount(ctx, owner)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrNotFound
	}
	return acct, nil
}

// =============================================================================
// ADD
// =============================================================================

// AddTransaction records a posting, or a template plus its first posting.
// A suspected duplicate returns AddResult{Duplicate: true} and writes nothing.
func (s *Service) AddTransaction(ctx context.Context, owner OwnerID, d Draft) (*AddResult, error) {
	if strings.TrimSpace(string(owner)) == "" {
		return nil, &ValidationError{Field: "owner_id", Message: "required"}
	}
	now := s.clock.Now()
	entry := entryFromDraft(owner, d, now)
	if err := validateEntry(entry); err != nil {
		return nil, err
	}

	res := &AddResult{}
	err := s.store.WithTx(ctx, func(st Store) error {
		// The guard reads through the transactional view so two identical
		// concurrent adds cannot both pass it.
		if !d.ForceDuplicate {
			dup, err := s.guard.Within(st).IsDuplicate(ctx, owner, Candidate{
				Kind:     entry.Kind,
				Amount:   entry.Amount,
				Category: entry.Category,
			})
			if err != nil {
				return err
			}
			if dup {
				res.Duplicate = true
				return nil
			}
		}

		acct, err := st.GetAccount(ctx, owner)
		if err != nil {
			return err
		}
		if acct == nil {
			return ErrAccountNotFound
		}

		posting := entry
		if entry.IsTemplate {
			posting = firstOccurrence(entry, now)
		}
		// Reconcile first so a strict-mode rejection happens before any write.
		if res.Balance, err = s.reconciler.ApplyCreate(ctx, st, posting, s.strictFor(acct)); err != nil {
			return err
		}
		if err := st.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if entry.IsTemplate {
			if err := st.InsertEntry(ctx, posting); err != nil {
				return err
			}
			res.Posting = &posting
		}

		// Counted under the same transaction as the insert, so exactly one
		// of several concurrent first adds sees a single posting.
		postings := false
		_, total, err := st.QueryEntries(ctx, owner, Filter{Templates: &postings, Limit: 1, Page: 1})
		if err != nil {
			return err
		}
		res.firstPosting = total == 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		s.log.Debug().Str("owner_id", string(owner)).Str("category", entry.Category).Msg("duplicate transaction suppressed")
		return res, nil
	}
	res.Entry = &entry

	s.afterCreate(ctx, owner, res)
	return res, nil
}

func entryFromDraft(owner OwnerID, d Draft, now time.Time) Entry {
	occurred := now
	if d.OccurredAt != nil && !d.OccurredAt.IsZero() {
		occurred = d.OccurredAt.UTC()
	}
	e := Entry{
		ID:            NewEntryID(),
		OwnerID:       owner,
		Kind:          d.Kind,
		Amount:        d.Amount,
		Category:      strings.TrimSpace(d.Category),
		Description:   strings.TrimSpace(d.Description),
		OccurredAt:    occurred,
		PaymentMethod: strings.TrimSpace(d.PaymentMethod),
		WalletID:      d.WalletID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if d.Recurring != "" {
		next := d.Recurring.Advance(now)
		e.IsTemplate = true
		e.Interval = d.Recurring
		e.NextFireAt = &next
	}
	return e
}

// firstOccurrence is the posting recorded together with a new template.
func firstOccurrence(tpl Entry, now time.Time) Entry {
	p := tpl
	p.ID = NewEntryID()
	p.IsTemplate = false
	p.Interval = ""
	p.NextFireAt = nil
	p.TemplateID = tpl.ID
	p.IdempotencyKey = InitialKey(tpl.ID)
	p.CreatedAt = now
	p.UpdatedAt = now
	return p
}

// afterCreate runs the best-effort side effects of a committed add.
func (s *Service) afterCreate(ctx context.Context, owner OwnerID, res *AddResult) {
	log := s.log.With().Str("owner_id", string(owner)).Logger()

	activity, err := s.gamifier.RecordActivity(ctx, owner)
	if err != nil {
		log.Warn().Err(err).Msg("gamification: record activity failed")
	} else {
		res.Activity = activity
	}

	if res.firstPosting {
		badge, err := s.gamifier.AwardBadge(ctx, owner, BadgeFirstTransaction)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("gamification: award badge failed")
		case badge != nil && res.Activity != nil:
			res.Activity.UnlockedBadges = append(res.Activity.UnlockedBadges, badge.Key)
		}
	}

	s.publish(ctx, TopicEntryCreated, *res.Entry, res.Balance)
	if res.Posting != nil {
		s.publish(ctx, TopicEntryCreated, *res.Posting, res.Balance)
	}
}

// =============================================================================
// UPDATE / DELETE
// =============================================================================

// UpdateTransaction merges patch into the owner's entry and moves the balance
// by the difference between the new and the old posting.
func (s *Service) UpdateTransaction(ctx context.Context, owner OwnerID, id EntryID, p Patch) (*Entry, error) {
	now := s.clock.Now()
	var (
		updated Entry
		balance decimal.Decimal
	)
	err := s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.LockEntry(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil || cur.OwnerID != owner {
			return ErrNotFound
		}

		merged, err := applyPatch(*cur, p, now)
		if err != nil {
			return err
		}
		if err := validateEntry(merged); err != nil {
			return err
		}

		acct, err := st.GetAccount(ctx, owner)
		if err != nil {
			return err
		}
		if acct == nil {
			return ErrAccountNotFound
		}
		if balance, err = s.reconciler.ApplyUpdate(ctx, st, *cur, merged, s.strictFor(acct)); err != nil {
			return err
		}
		if err := st.UpdateEntry(ctx, merged); err != nil {
			return err
		}
		updated = merged
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, TopicEntryUpdated, updated, balance)
	return &updated, nil
}

func applyPatch(e Entry, p Patch, now time.Time) (Entry, error) {
	if p.Kind != nil {
		e.Kind = *p.Kind
	}
	if p.Amount != nil {
		e.Amount = *p.Amount
	}
	if p.Category != nil {
		e.Category = strings.TrimSpace(*p.Category)
	}
	if p.Description != nil {
		e.Description = strings.TrimSpace(*p.Description)
	}
	if p.OccurredAt != nil {
		e.OccurredAt = p.OccurredAt.UTC()
	}
	if p.PaymentMethod != nil {
		e.PaymentMethod = strings.TrimSpace(*p.PaymentMethod)
	}
	if p.WalletID != nil {
		e.WalletID = *p.WalletID
	}
	if p.Interval != nil {
		if !e.IsTemplate {
			return e, &ValidationError{Field: "recurring_interval", Message: "only recurring templates have an interval"}
		}
		if *p.Interval != e.Interval {
			e.Interval = *p.Interval
			next := e.Interval.Advance(now)
			e.NextFireAt = &next
		}
	}
	e.UpdatedAt = now
	return e, nil
}

// DeleteTransaction removes the owner's entry and reverts its balance effect.
// Deleting a template stops the schedule; postings it fired are kept.
func (s *Service) DeleteTransaction(ctx context.Context, owner OwnerID, id EntryID) error {
	var (
		deleted Entry
		balance decimal.Decimal
	)
	err := s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.LockEntry(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil || cur.OwnerID != owner {
			return ErrNotFound
		}
		if balance, err = s.reconciler.ApplyDelete(ctx, st, *cur); err != nil {
			return err
		}
		deleted = *cur
		return st.DeleteEntry(ctx, id)
	})
	if err != nil {
		return err
	}

	s.publish(ctx, TopicEntryDeleted, deleted, balance)
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// ListTransactions discharges the owner's due templates and then returns one
// page of entries. A failed discharge is logged; the listing still succeeds.
func (s *Service) ListTransactions(ctx context.Context, owner OwnerID, f Filter) (*Page, error) {
	if err := validateFilter(f); err != nil {
		return nil, err
	}
	if _, err := s.discharger.RunDue(ctx, Scope{OwnerID: owner}); err != nil {
		s.log.Warn().Err(err).Str("owner_id", string(owner)).Msg("eager recurring discharge failed")
	}

	f = normalizeFilter(f)
	entries, total, err := s.store.QueryEntries(ctx, owner, f)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return &Page{
		Entries: entries,
		Total:   total,
		Page:    f.Page,
		Limit:   f.Limit,
		Pages:   (total + f.Limit - 1) / f.Limit,
	}, nil
}

// UpcomingRecurring returns the owner's templates that fire within horizon.
// Read-only; used by reminder jobs.
func (s *Service) UpcomingRecurring(ctx context.Context, owner OwnerID, horizon time.Duration) ([]Entry, error) {
	if horizon < 0 {
		return nil, &ValidationError{Field: "horizon", Message: "must not be negative"}
	}
	return s.store.DueTemplates(ctx, Scope{OwnerID: owner}, s.clock.Now().Add(horizon))
}

// VerifyBalance replays every entry of the owner and compares the result with
// the stored balance. It never writes.
func (s *Service) VerifyBalance(ctx context.Context, owner OwnerID) (*BalanceCheck, error) {
	acct, err := s.Account(ctx, owner)
	if err != nil {
		return nil, err
	}
	entries, _, err := s.store.QueryEntries(ctx, owner, Filter{})
	if err != nil {
		return nil, err
	}

	computed := acct.Opening
	for _, e := range entries {
		computed = computed.Add(e.BalanceDelta())
	}
	check := &BalanceCheck{
		OwnerID:  owner,
		Stored:   acct.Balance,
		Computed: computed,
		Drift:    acct.Balance.Sub(computed),
		Entries:  len(entries),
	}
	if !check.Consistent() {
		s.log.Error().Str("owner_id", string(owner)).
			Str("stored", check.Stored.String()).
			Str("computed", check.Computed.String()).
			Msg("balance drift detected")
	}
	return check, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) strictFor(acct *Account) bool {
	return s.strict || acct.Strict
}

func (s *Service) publish(ctx context.Context, topic string, e Entry, balance decimal.Decimal) {
	if err := s.publisher.Publish(ctx, topic, newEntryEvent(e, balance)); err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Str("entry_id", string(e.ID)).Msg("event publish failed")
	}
}

func validateEntry(e Entry) error {
	if !e.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: "must be income or expense"}
	}
	if !e.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if e.Category == "" {
		return &ValidationError{Field: "category", Message: "required"}
	}
	if len(e.Category) > maxCategoryLen {
		return &ValidationError{Field: "category", Message: "too long"}
	}
	if len(e.Description) > maxDescriptionLen {
		return &ValidationError{Field: "description", Message: "too long"}
	}
	if e.IsTemplate {
		if !e.Interval.Valid() {
			return &ValidationError{Field: "recurring_interval", Message: "must be daily, weekly or monthly"}
		}
		if e.NextFireAt == nil {
			return &ValidationError{Field: "next_fire_at", Message: "required for recurring templates"}
		}
	} else if e.Interval != "" {
		return &ValidationError{Field: "recurring_interval", Message: "only recurring templates have an interval"}
	}
	return nil
}

func validateFilter(f Filter) error {
	if f.Kind != "" && !f.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: "must be income or expense"}
	}
	if f.SortBy != "" && f.SortBy != SortByDate && f.SortBy != SortByAmount {
		return &ValidationError{Field: "sort", Message: "must be date or amount"}
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return &ValidationError{Field: "to", Message: "must not be before from"}
	}
	return nil
}

func normalizeFilter(f Filter) Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.SortBy == "" {
		f.SortBy = SortByDate
	}
	return f
}
