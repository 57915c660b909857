/*
discharge.go - Fires due recurring templates

PURPOSE:
  A template holds a cadence and a NextFireAt. When NextFireAt has passed,
  the template is "discharged": a normal dated posting is created from it,
  the posting is reconciled into the balance and NextFireAt moves forward.

  There is ONE implementation of this, used by both call sites:
  - the periodic global sweep (api.SweepScheduler, ledgerctl sweep)
  - the eager per-owner sweep that runs before every listing

STATE MACHINE (per template):
  Scheduled (NextFireAt > now) -> Due (NextFireAt <= now)
    -> Fired (posting created, NextFireAt advanced) -> Scheduled
  Only an explicit delete ends it.

EXACTLY ONCE:
  Each template is fired in its own WithTx:
  1. LockEntry re-reads the template under the store's lock
  2. IsDue is re-checked inside the lock; a sweep that lost the race sees
     the advanced NextFireAt and skips
  3. posting insert + ApplyCreate + NextFireAt update commit together
  On any error the transaction rolls back and the template is untouched,
  so the next sweep retries it. Fired postings also carry an idempotency
  key "<template>@<scheduled time>" which the stores keep unique.

CADENCE:
  NextFireAt advances from its previous value, not from now, so a late
  sweep does not shift the schedule.

BACKLOG:
  A template that missed several intervals is handled per BacklogPolicy:
  - one_per_sweep (default): fire once, advance once; the backlog drains
    one occurrence per sweep
  - catch_up: fire every missed occurrence, each dated at its schedule
  - skip_missed: fire once, then advance past now
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxCatchUp bounds the number of postings a single catch_up firing creates.
const maxCatchUp = 1000

type BacklogPolicy string

const (
	BacklogOnePerSweep BacklogPolicy = "one_per_sweep"
	BacklogCatchUp     BacklogPolicy = "catch_up"
	BacklogSkipMissed  BacklogPolicy = "skip_missed"
)

func ParseBacklogPolicy(s string) (BacklogPolicy, error) {
	p := BacklogPolicy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "":
		return BacklogOnePerSweep, nil
	case BacklogOnePerSweep, BacklogCatchUp, BacklogSkipMissed:
		return p, nil
	}
	return "", fmt.Errorf("unknown backlog policy %q", s)
}

// FireFailure records a template whose transaction was rolled back.
type FireFailure struct {
	TemplateID EntryID
	Err        error
}

type SweepResult struct {
	RunID    string
	Fired    int
	Skipped  int
	Failed   int
	Postings []Entry
	Failures []FireFailure
}

type DischargeOptions struct {
	Clock     Clock
	Logger    *zerolog.Logger // nil = discard
	Publisher Publisher
	Backlog   BacklogPolicy
	// Strict applies the overdraft rule to every account, on top of the
	// per-account flag.
	Strict bool
	// TxTimeout bounds each per-template transaction. Zero = caller's context.
	TxTimeout time.Duration
}

// Discharger is the single recurring-discharge service.
type Discharger struct {
	store      TxStore
	sweepLog   SweepLog // nil if the store keeps no sweep history
	reconciler *Reconciler
	clock      Clock
	log        zerolog.Logger
	publisher  Publisher
	backlog    BacklogPolicy
	strict     bool
	txTimeout  time.Duration
}

func NewDischarger(store TxStore, opts DischargeOptions) *Discharger {
	d := &Discharger{
		store:      store,
		reconciler: NewReconciler(),
		clock:      opts.Clock,
		log:        zerolog.Nop(),
		publisher:  opts.Publisher,
		backlog:    opts.Backlog,
		strict:     opts.Strict,
		txTimeout:  opts.TxTimeout,
	}
	if opts.Logger != nil {
		d.log = *opts.Logger
	}
	if d.clock == nil {
		d.clock = SystemClock{}
	}
	if d.publisher == nil {
		d.publisher = NopPublisher{}
	}
	if d.backlog == "" {
		d.backlog = BacklogOnePerSweep
	}
	if sl, ok := store.(SweepLog); ok {
		d.sweepLog = sl
	}
	return d
}

// RunDue fires every template in scope whose NextFireAt has passed.
// A failing template is logged and counted; the rest of the batch continues.
// The returned error is only set when the due list itself cannot be loaded
// or ctx is cancelled.
func (d *Discharger) RunDue(ctx context.Context, scope Scope) (*SweepResult, error) {
	now := d.clock.Now()
	run := SweepRun{
		ID:        uuid.NewString(),
		OwnerID:   scope.OwnerID,
		Status:    SweepRunning,
		StartedAt: now,
	}
	// Eager per-owner sweeps run on every listing and are not recorded.
	record := scope.Global() && d.sweepLog != nil
	if record {
		d.saveRun(ctx, run)
	}

	due, err := d.store.DueTemplates(ctx, scope, now)
	if err != nil {
		err = fmt.Errorf("%w: load due templates: %v", ErrTransientStore, err)
		if record {
			d.finishRun(ctx, run, SweepFailed, err)
		}
		return nil, err
	}

	res := &SweepResult{RunID: run.ID}
	for _, tpl := range due {
		if err := ctx.Err(); err != nil {
			if record {
				d.finishRun(ctx, run, SweepFailed, err)
			}
			return res, err
		}

		fired, balance, err := d.fire(ctx, tpl.ID, now)
		switch {
		case err != nil:
			res.Failed++
			res.Failures = append(res.Failures, FireFailure{TemplateID: tpl.ID, Err: err})
			d.log.Error().Err(err).
				Str("template_id", string(tpl.ID)).
				Str("owner_id", string(tpl.OwnerID)).
				Msg("recurring template discharge failed, will retry next sweep")
		case len(fired) == 0:
			res.Skipped++
		default:
			res.Fired += len(fired)
			res.Postings = append(res.Postings, fired...)
			for _, p := range fired {
				d.publish(ctx, TopicTemplateFired, p, balance)
			}
		}
	}

	run.Fired, run.Skipped, run.Failed = res.Fired, res.Skipped, res.Failed
	if record {
		d.finishRun(ctx, run, SweepCompleted, nil)
	}
	if res.Fired > 0 || res.Failed > 0 {
		d.log.Info().
			Str("owner_id", string(scope.OwnerID)).
			Int("fired", res.Fired).
			Int("skipped", res.Skipped).
			Int("failed", res.Failed).
			Msg("recurring sweep completed")
	}
	return res, nil
}

// fire discharges one template inside its own transaction. It returns no
// postings when the template was no longer due once locked.
func (d *Discharger) fire(ctx context.Context, id EntryID, now time.Time) ([]Entry, decimal.Decimal, error) {
	if d.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.txTimeout)
		defer cancel()
	}

	var (
		fired   []Entry
		balance decimal.Decimal
	)
	err := d.store.WithTx(ctx, func(s Store) error {
		fired, balance = nil, decimal.Zero

		tpl, err := s.LockEntry(ctx, id)
		if err != nil {
			return err
		}
		if tpl == nil || !tpl.IsDue(now) {
			return nil
		}
		if !tpl.Interval.Valid() {
			return &ValidationError{Field: "recurring_interval", Message: fmt.Sprintf("template has invalid interval %q", tpl.Interval)}
		}

		acct, err := s.GetAccount(ctx, tpl.OwnerID)
		if err != nil {
			return err
		}
		if acct == nil {
			return ErrAccountNotFound
		}
		strict := d.strict || acct.Strict

		for {
			scheduled := *tpl.NextFireAt
			occurred := now
			if d.backlog == BacklogCatchUp {
				occurred = scheduled
			}

			posting := postingFromTemplate(*tpl, occurred, scheduled, now)
			if err := s.InsertEntry(ctx, posting); err != nil {
				return err
			}
			if balance, err = d.reconciler.ApplyCreate(ctx, s, posting, strict); err != nil {
				return err
			}
			fired = append(fired, posting)

			next := tpl.Interval.Advance(scheduled)
			tpl.NextFireAt = &next

			if d.backlog == BacklogCatchUp && !next.After(now) && len(fired) < maxCatchUp {
				continue
			}
			if d.backlog == BacklogSkipMissed {
				for !next.After(now) {
					next = tpl.Interval.Advance(next)
				}
				tpl.NextFireAt = &next
			}
			break
		}

		tpl.UpdatedAt = now
		return s.UpdateEntry(ctx, *tpl)
	})
	if err != nil {
		return nil, decimal.Zero, err
	}
	return fired, balance, nil
}

func postingFromTemplate(tpl Entry, occurred, scheduled, now time.Time) Entry {
	return Entry{
		ID:             NewEntryID(),
		OwnerID:        tpl.OwnerID,
		Kind:           tpl.Kind,
		Amount:         tpl.Amount,
		Category:       tpl.Category,
		Description:    tpl.Description,
		OccurredAt:     occurred,
		PaymentMethod:  tpl.PaymentMethod,
		WalletID:       tpl.WalletID,
		TemplateID:     tpl.ID,
		IdempotencyKey: FireKey(tpl.ID, scheduled),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// FireKey is the idempotency key of the posting fired for a template's
// scheduled occurrence.
func FireKey(templateID EntryID, scheduled time.Time) string {
	return fmt.Sprintf("%s@%s", templateID, scheduled.UTC().Format(time.RFC3339))
}

// InitialKey is the idempotency key of the posting recorded together with a
// new template. It never collides with a FireKey, so a draft dated on a
// scheduled occurrence does not block that occurrence from firing.
func InitialKey(templateID EntryID) string {
	return string(templateID) + "@initial"
}

func (d *Discharger) publish(ctx context.Context, topic string, e Entry, balance decimal.Decimal) {
	if err := d.publisher.Publish(ctx, topic, newEntryEvent(e, balance)); err != nil {
		d.log.Warn().Err(err).Str("topic", topic).Str("entry_id", string(e.ID)).Msg("event publish failed")
	}
}

func (d *Discharger) saveRun(ctx context.Context, run SweepRun) {
	if err := d.sweepLog.SaveSweepRun(ctx, run); err != nil {
		d.log.Warn().Err(err).Str("run_id", run.ID).Msg("failed to save sweep run")
	}
}

func (d *Discharger) finishRun(ctx context.Context, run SweepRun, status SweepStatus, err error) {
	completed := d.clock.Now()
	run.Status = status
	run.CompletedAt = &completed
	if err != nil {
		run.Error = err.Error()
	}
	d.saveRun(ctx, run)
}
