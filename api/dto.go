/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Amounts travel as decimal strings ("19.99"). Requests also accept bare
  JSON numbers. Every amount in a response has a *_display twin rendered
  in the configured currency.

DATES:
  Responses use RFC3339 in UTC. Requests accept RFC3339 or YYYY-MM-DD.

VALIDATION:
  Validation is done by the ledger service, not in DTOs. DTOs are pure
  data carriers.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/finance-ledger/display"
	"github.com/warp/finance-ledger/ledger"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type OpenAccountRequest struct {
	OwnerID        string          `json:"owner_id"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	Strict         bool            `json:"strict"`
}

type AccountDTO struct {
	OwnerID        string          `json:"owner_id"`
	Balance        decimal.Decimal `json:"balance"`
	BalanceDisplay string          `json:"balance_display"`
	Currency       string          `json:"currency"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	Strict         bool            `json:"strict"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// BalanceCheckDTO is the result of replaying an owner's entries.
type BalanceCheckDTO struct {
	OwnerID    string          `json:"owner_id"`
	Stored     decimal.Decimal `json:"stored"`
	Computed   decimal.Decimal `json:"computed"`
	Drift      decimal.Decimal `json:"drift"`
	Entries    int             `json:"entries"`
	Consistent bool            `json:"consistent"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type AddTransactionRequest struct {
	Type              string          `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	Category          string          `json:"category"`
	Description       string          `json:"description,omitempty"`
	Date              string          `json:"date,omitempty"`
	PaymentMethod     string          `json:"payment_method,omitempty"`
	RecurringInterval string          `json:"recurring_interval,omitempty"`
	WalletID          string          `json:"wallet_id,omitempty"`
	// Force records the transaction even if it looks like a duplicate.
	Force bool `json:"force,omitempty"`
}

// UpdateTransactionRequest carries only the fields to change.
type UpdateTransactionRequest struct {
	Type              *string          `json:"type,omitempty"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	Category          *string          `json:"category,omitempty"`
	Description       *string          `json:"description,omitempty"`
	Date              *string          `json:"date,omitempty"`
	PaymentMethod     *string          `json:"payment_method,omitempty"`
	RecurringInterval *string          `json:"recurring_interval,omitempty"`
	WalletID          *string          `json:"wallet_id,omitempty"`
}

type TransactionDTO struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	AmountDisplay     string          `json:"amount_display"`
	Category          string          `json:"category"`
	Description       string          `json:"description,omitempty"`
	Date              string          `json:"date"`
	PaymentMethod     string          `json:"payment_method,omitempty"`
	IsRecurring       bool            `json:"is_recurring"`
	RecurringInterval string          `json:"recurring_interval,omitempty"`
	NextFireAt        *string         `json:"next_fire_at,omitempty"`
	WalletID          string          `json:"wallet_id,omitempty"`
	TemplateID        string          `json:"template_id,omitempty"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
}

// AddTransactionResponse is returned with 201, or with 200 and only
// Duplicate set when the draft looks like a recent twin.
type AddTransactionResponse struct {
	Duplicate      bool            `json:"duplicate"`
	Message        string          `json:"message,omitempty"`
	Transaction    *TransactionDTO `json:"transaction,omitempty"`
	Posting        *TransactionDTO `json:"posting,omitempty"`
	Balance        *string         `json:"balance,omitempty"`
	BalanceDisplay string          `json:"balance_display,omitempty"`
	XPGained       int             `json:"xp_gained,omitempty"`
	UnlockedBadges []string        `json:"unlocked_badges,omitempty"`
}

type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	Total        int              `json:"total"`
	Page         int              `json:"page"`
	Limit        int              `json:"limit"`
	Pages        int              `json:"pages"`
}

// =============================================================================
// SWEEPS
// =============================================================================

type SweepFailureDTO struct {
	TemplateID string `json:"template_id"`
	Error      string `json:"error"`
}

type SweepResultDTO struct {
	RunID    string            `json:"run_id"`
	Fired    int               `json:"fired"`
	Skipped  int               `json:"skipped"`
	Failed   int               `json:"failed"`
	Failures []SweepFailureDTO `json:"failures,omitempty"`
}

type SweepRunDTO struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"owner_id,omitempty"`
	Status      string  `json:"status"`
	Fired       int     `json:"fired"`
	Skipped     int     `json:"skipped"`
	Failed      int     `json:"failed"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toAccountDTO(a ledger.Account, f *display.Formatter) AccountDTO {
	return AccountDTO{
		OwnerID:        string(a.OwnerID),
		Balance:        a.Balance,
		BalanceDisplay: f.Format(a.Balance),
		Currency:       f.Code(),
		OpeningBalance: a.Opening,
		Strict:         a.Strict,
		CreatedAt:      formatTime(a.CreatedAt),
		UpdatedAt:      formatTime(a.UpdatedAt),
	}
}

func toTransactionDTO(e ledger.Entry, f *display.Formatter) TransactionDTO {
	dto := TransactionDTO{
		ID:                string(e.ID),
		Type:              string(e.Kind),
		Amount:            e.Amount,
		AmountDisplay:     f.Signed(e),
		Category:          e.Category,
		Description:       e.Description,
		Date:              formatTime(e.OccurredAt),
		PaymentMethod:     e.PaymentMethod,
		IsRecurring:       e.IsTemplate,
		RecurringInterval: string(e.Interval),
		WalletID:          string(e.WalletID),
		TemplateID:        string(e.TemplateID),
		CreatedAt:         formatTime(e.CreatedAt),
		UpdatedAt:         formatTime(e.UpdatedAt),
	}
	if e.NextFireAt != nil {
		next := formatTime(*e.NextFireAt)
		dto.NextFireAt = &next
	}
	return dto
}

func toTransactionDTOs(entries []ledger.Entry, f *display.Formatter) []TransactionDTO {
	dtos := make([]TransactionDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toTransactionDTO(e, f)
	}
	return dtos
}

func toSweepResultDTO(res *ledger.SweepResult) SweepResultDTO {
	dto := SweepResultDTO{
		RunID:   res.RunID,
		Fired:   res.Fired,
		Skipped: res.Skipped,
		Failed:  res.Failed,
	}
	for _, f := range res.Failures {
		dto.Failures = append(dto.Failures, SweepFailureDTO{
			TemplateID: string(f.TemplateID),
			Error:      f.Err.Error(),
		})
	}
	return dto
}

func toSweepRunDTO(run ledger.SweepRun) SweepRunDTO {
	dto := SweepRunDTO{
		ID:        run.ID,
		OwnerID:   string(run.OwnerID),
		Status:    string(run.Status),
		Fired:     run.Fired,
		Skipped:   run.Skipped,
		Failed:    run.Failed,
		Error:     run.Error,
		StartedAt: formatTime(run.StartedAt),
	}
	if run.CompletedAt != nil {
		completed := formatTime(*run.CompletedAt)
		dto.CompletedAt = &completed
	}
	return dto
}
