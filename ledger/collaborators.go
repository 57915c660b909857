package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GAMIFICATION - Called after a successful AddTransaction
// =============================================================================

// BadgeFirstTransaction is awarded on the owner's first recorded transaction.
const BadgeFirstTransaction = "first_transaction"

type Activity struct {
	XPGained       int
	UnlockedBadges []string
}

type Badge struct {
	Key       string
	Name      string
	AwardedAt time.Time
}

// Gamifier scores user activity. Failures are logged by the service and
// never turned into ledger errors.
type Gamifier interface {
	RecordActivity(ctx context.Context, owner OwnerID) (*Activity, error)
	// AwardBadge returns nil when the badge was already held.
	AwardBadge(ctx context.Context, owner OwnerID, key string) (*Badge, error)
}

type NopGamifier struct{}

func (NopGamifier) RecordActivity(context.Context, OwnerID) (*Activity, error) {
	return &Activity{}, nil
}

func (NopGamifier) AwardBadge(context.Context, OwnerID, string) (*Badge, error) {
	return nil, nil
}

// =============================================================================
// EVENTS - Fire-and-continue notifications after a committed mutation
// =============================================================================

const (
	TopicEntryCreated  = "ledger.entry.created"
	TopicEntryUpdated  = "ledger.entry.updated"
	TopicEntryDeleted  = "ledger.entry.deleted"
	TopicTemplateFired = "ledger.template.fired"
)

// EntryEvent is the payload published for every committed mutation.
type EntryEvent struct {
	EntryID    EntryID         `json:"entry_id"`
	OwnerID    OwnerID         `json:"owner_id"`
	Kind       Kind            `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	Category   string          `json:"category"`
	OccurredAt time.Time       `json:"occurred_at"`
	TemplateID EntryID         `json:"template_id,omitempty"`
	Balance    decimal.Decimal `json:"balance"`
}

func newEntryEvent(e Entry, balance decimal.Decimal) EntryEvent {
	return EntryEvent{
		EntryID:    e.ID,
		OwnerID:    e.OwnerID,
		Kind:       e.Kind,
		Amount:     e.Amount,
		Category:   e.Category,
		OccurredAt: e.OccurredAt,
		TemplateID: e.TemplateID,
		Balance:    balance,
	}
}

// Publisher delivers events to downstream consumers (notifications,
// analytics). Implemented by events/kafka.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }
