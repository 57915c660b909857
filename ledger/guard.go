package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultDuplicateWindow is how far back the guard looks for a twin entry.
const DefaultDuplicateWindow = 24 * time.Hour

// Candidate is the part of a draft the guard compares.
type Candidate struct {
	Kind     Kind
	Amount   decimal.Decimal
	Category string
}

// DuplicateGuard flags a posting that repeats a recent one. It is a
// heuristic: two real identical purchases inside the window look the same.
type DuplicateGuard struct {
	store  EntryStore
	clock  Clock
	window time.Duration
}

func NewDuplicateGuard(store EntryStore, clock Clock, window time.Duration) *DuplicateGuard {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	return &DuplicateGuard{store: store, clock: clock, window: window}
}

// Within returns a guard that reads through s, typically a transactional view.
func (g *DuplicateGuard) Within(s EntryStore) *DuplicateGuard {
	return &DuplicateGuard{store: s, clock: g.clock, window: g.window}
}

// IsDuplicate reports whether owner already has an entry with the same kind,
// amount and category that occurred within the window. Read-only.
func (g *DuplicateGuard) IsDuplicate(ctx context.Context, owner OwnerID, c Candidate) (bool, error) {
	similar, err := g.store.FindSimilar(ctx, SimilarQuery{
		OwnerID:  owner,
		Kind:     c.Kind,
		Category: c.Category,
		Since:    g.clock.Now().Add(-g.window),
	})
	if err != nil {
		return false, err
	}
	for _, e := range similar {
		if e.Amount.Equal(c.Amount) {
			return true, nil
		}
	}
	return false, nil
}
