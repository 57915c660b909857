/*
handlers.go - HTTP API handlers for the finance ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to the ledger package.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                           Open an account
    GET    /api/accounts/{owner}                   Balance
    GET    /api/accounts/{owner}/verify            Replay entries, report drift

  Transactions:
    GET    /api/accounts/{owner}/transactions      Filtered, paginated list
    POST   /api/accounts/{owner}/transactions      Add (201, or 200 if duplicate)
    PUT    /api/accounts/{owner}/transactions/{id} Partial update
    DELETE /api/accounts/{owner}/transactions/{id} Delete

  Recurring:
    GET    /api/accounts/{owner}/recurring/upcoming?days=N

  Admin:
    POST   /api/admin/sweep                        Global recurring sweep
    GET    /api/admin/sweeps                       Sweep history

ERROR HANDLING:
  - 400: Validation errors, malformed body or query
  - 404: Entry absent or owned by someone else, unknown account
  - 409: Account already open
  - 422: Strict-mode overdraft
  - 503: Transient store failure, with Retry-After
  - 500: Other store failures (details are logged, not returned)

SECURITY NOTE:
  The owner is taken from the URL. Authentication belongs in front of this
  router; the ledger only guarantees one owner cannot touch another's data.
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/warp/finance-ledger/display"
	"github.com/warp/finance-ledger/ledger"
	"github.com/warp/finance-ledger/logger"
)

const (
	defaultUpcomingDays = 7
	maxUpcomingDays     = 366
	defaultSweepRuns    = 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
	Sweeps  ledger.SweepLog // nil if the store keeps no history
	Display *display.Formatter

	// Scheduler, when set, runs admin sweeps so they count as its last run.
	Scheduler *SweepScheduler

	log zerolog.Logger
}

func NewHandler(svc *ledger.Service, sweeps ledger.SweepLog, disp *display.Formatter, log *zerolog.Logger) *Handler {
	h := &Handler{
		Service: svc,
		Sweeps:  sweeps,
		Display: disp,
		log:     zerolog.Nop(),
	}
	if log != nil {
		h.log = *log
	}
	return h
}

// Health reports liveness and, when a scheduler is attached, the time of
// the next recurring sweep.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if h.Scheduler != nil {
		resp["next_sweep_at"] = formatTime(h.Scheduler.NextRunTime())
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	acct, err := h.Service.OpenAccount(r.Context(), ledger.OwnerID(req.OwnerID), req.OpeningBalance, req.Strict)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(*acct, h.Display))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Service.Account(r.Context(), ownerParam(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*acct, h.Display))
}

func (h *Handler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	check, err := h.Service.VerifyBalance(r.Context(), ownerParam(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceCheckDTO{
		OwnerID:    string(check.OwnerID),
		Stored:     check.Stored,
		Computed:   check.Computed,
		Drift:      check.Drift,
		Entries:    check.Entries,
		Consistent: check.Consistent(),
	})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ListTransactions returns one page of the owner's entries.
// GET /api/accounts/{owner}/transactions?type=&category=&from=&to=&recurring=&wallet=&sort=&order=&page=&limit=
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	page, err := h.Service.ListTransactions(r.Context(), ownerParam(r), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionPageDTO{
		Transactions: toTransactionDTOs(page.Entries, h.Display),
		Total:        page.Total,
		Page:         page.Page,
		Limit:        page.Limit,
		Pages:        page.Pages,
	})
}

// AddTransaction records a transaction.
// POST /api/accounts/{owner}/transactions
func (h *Handler) AddTransaction(w http.ResponseWriter, r *http.Request) {
	var req AddTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	draft, err := req.toDraft()
	if err != nil {
		writeValidationError(w, err)
		return
	}

	res, err := h.Service.AddTransaction(r.Context(), ownerParam(r), draft)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if res.Duplicate {
		writeJSON(w, http.StatusOK, AddTransactionResponse{
			Duplicate: true,
			Message:   "A similar transaction was recorded recently. Resend with force=true to add it anyway.",
		})
		return
	}

	tx := toTransactionDTO(*res.Entry, h.Display)
	balance := res.Balance.String()
	resp := AddTransactionResponse{
		Transaction:    &tx,
		Balance:        &balance,
		BalanceDisplay: h.Display.Format(res.Balance),
	}
	if res.Posting != nil {
		posting := toTransactionDTO(*res.Posting, h.Display)
		resp.Posting = &posting
	}
	if res.Activity != nil {
		resp.XPGained = res.Activity.XPGained
		resp.UnlockedBadges = res.Activity.UnlockedBadges
	}
	writeJSON(w, http.StatusCreated, resp)
}

// UpdateTransaction applies a partial update.
// PUT /api/accounts/{owner}/transactions/{id}
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	var req UpdateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patch, err := req.toPatch()
	if err != nil {
		writeValidationError(w, err)
		return
	}

	entry, err := h.Service.UpdateTransaction(r.Context(), ownerParam(r), ledger.EntryID(chi.URLParam(r, "id")), patch)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*entry, h.Display))
}

// DeleteTransaction removes an entry and reverts its balance effect.
// DELETE /api/accounts/{owner}/transactions/{id}
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	err := h.Service.DeleteTransaction(r.Context(), ownerParam(r), ledger.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpcomingRecurring lists templates firing within the next N days.
// GET /api/accounts/{owner}/recurring/upcoming?days=N
func (h *Handler) UpcomingRecurring(w http.ResponseWriter, r *http.Request) {
	days := defaultUpcomingDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxUpcomingDays {
			writeValidationError(w, &ledger.ValidationError{Field: "days", Message: "must be between 0 and 366"})
			return
		}
		days = n
	}

	entries, err := h.Service.UpcomingRecurring(r.Context(), ownerParam(r), time.Duration(days)*24*time.Hour)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(entries, h.Display))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs a global recurring sweep now.
// POST /api/admin/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	var (
		res *ledger.SweepResult
		err error
	)
	if h.Scheduler != nil {
		res, err = h.Scheduler.RunNow(r.Context())
	} else {
		res, err = h.Service.Discharger().RunDue(r.Context(), ledger.Scope{})
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepResultDTO(res))
}

// ListSweepRuns returns recent global sweeps, newest first.
// GET /api/admin/sweeps?limit=N
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultSweepRuns
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > ledger.MaxPageSize {
			writeValidationError(w, &ledger.ValidationError{Field: "limit", Message: "must be between 1 and 100"})
			return
		}
		limit = n
	}

	dtos := []SweepRunDTO{}
	if h.Sweeps != nil {
		runs, err := h.Sweeps.ListSweepRuns(r.Context(), limit)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		for _, run := range runs {
			dtos = append(dtos, toSweepRunDTO(run))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REQUEST PARSING
// =============================================================================

func ownerParam(r *http.Request) ledger.OwnerID {
	return ledger.OwnerID(chi.URLParam(r, "owner"))
}

// parseDate accepts RFC3339 or a bare YYYY-MM-DD (midnight UTC).
func parseDate(field, s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, &ledger.ValidationError{Field: field, Message: "use RFC3339 or YYYY-MM-DD"}
}

func (req AddTransactionRequest) toDraft() (ledger.Draft, error) {
	kind, err := ledger.ParseKind(req.Type)
	if err != nil {
		return ledger.Draft{}, err
	}
	interval, err := ledger.ParseInterval(req.RecurringInterval)
	if err != nil {
		return ledger.Draft{}, err
	}
	d := ledger.Draft{
		Kind:           kind,
		Amount:         req.Amount,
		Category:       req.Category,
		Description:    req.Description,
		PaymentMethod:  req.PaymentMethod,
		Recurring:      interval,
		WalletID:       ledger.WalletID(req.WalletID),
		ForceDuplicate: req.Force,
	}
	if req.Date != "" {
		t, err := parseDate("date", req.Date)
		if err != nil {
			return ledger.Draft{}, err
		}
		d.OccurredAt = &t
	}
	return d, nil
}

func (req UpdateTransactionRequest) toPatch() (ledger.Patch, error) {
	p := ledger.Patch{
		Amount:        req.Amount,
		Category:      req.Category,
		Description:   req.Description,
		PaymentMethod: req.PaymentMethod,
	}
	if req.Type != nil {
		kind, err := ledger.ParseKind(*req.Type)
		if err != nil {
			return p, err
		}
		p.Kind = &kind
	}
	if req.Date != nil {
		t, err := parseDate("date", *req.Date)
		if err != nil {
			return p, err
		}
		p.OccurredAt = &t
	}
	if req.RecurringInterval != nil {
		interval, err := ledger.ParseInterval(*req.RecurringInterval)
		if err != nil {
			return p, err
		}
		p.Interval = &interval
	}
	if req.WalletID != nil {
		wallet := ledger.WalletID(*req.WalletID)
		p.WalletID = &wallet
	}
	return p, nil
}

// parseFilter reads the list query. wallet=personal selects entries outside
// any shared wallet.
func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		Category: strings.TrimSpace(q.Get("category")),
		SortBy:   ledger.SortField(strings.ToLower(q.Get("sort"))),
	}

	if v := q.Get("type"); v != "" {
		kind, err := ledger.ParseKind(v)
		if err != nil {
			return f, err
		}
		f.Kind = kind
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := q.Get(p.name); v != "" {
			t, err := parseDate(p.name, v)
			if err != nil {
				return f, err
			}
			*p.dst = &t
		}
	}
	if v := q.Get("recurring"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, &ledger.ValidationError{Field: "recurring", Message: "must be true or false"}
		}
		f.Templates = &b
	}
	if v := q.Get("wallet"); v != "" {
		wallet := ledger.WalletID(v)
		if v == "personal" {
			wallet = ""
		}
		f.WalletID = &wallet
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
		f.Desc = true
	case "asc":
	default:
		return f, &ledger.ValidationError{Field: "order", Message: "must be asc or desc"}
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &f.Page}, {"limit", &f.Limit}} {
		if v := q.Get(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return f, &ledger.ValidationError{Field: p.name, Message: "must be a positive integer"}
			}
			*p.dst = n
		}
	}
	return f, nil
}

// =============================================================================
// RESPONSES
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeValidationError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var ve *ledger.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

// writeServiceError maps ledger errors to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var funds *ledger.InsufficientFundsError
	switch {
	case errors.As(err, &funds):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":             "insufficient funds",
			"balance":           funds.Balance,
			"requested":         funds.Requested,
			"shortfall":         funds.Shortfall,
			"shortfall_display": h.Display.Format(funds.Shortfall),
		})
	case errors.Is(err, ledger.ErrAccountExists):
		writeError(w, http.StatusConflict, "Account already exists", nil)
	case ledger.IsClientError(err):
		writeValidationError(w, err)
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "Account not found", nil)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", nil)
	case ledger.IsRetryable(err):
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Msg("request failed, retryable")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Temporarily unavailable", nil)
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

// withRequestLogger stores a logger carrying the request id, method and path
// in the request context. It must run after middleware.RequestID.
func (h *Handler) withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLog := logger.WithFields(h.log, map[string]any{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context(), reqLog)))
	})
}
