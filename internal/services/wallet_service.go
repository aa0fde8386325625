package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/tunewave/backend/internal/config"
	"github.com/tunewave/backend/internal/ledger"
	"github.com/tunewave/backend/internal/models"
	"github.com/tunewave/backend/internal/store"
)

// WalletService is the read side of wallet accounts. All writes go through the executor.
type WalletService struct {
	store     store.Store
	executor  *ledger.Executor
	validator *ValidationHelper
	cfg       *config.LedgerConfig
}

// LedgerQuery selects a page of an account's history
type LedgerQuery struct {
	EntityType models.EntityType
	EntityID   string
	Currency   string
	From       time.Time
	To         time.Time
	Page       int
	PageSize   int
}

type LedgerPage struct {
	Entries  []models.LedgerEntry `json:"entries"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"pageSize"`
	From     time.Time            `json:"from"`
	To       time.Time            `json:"to"`
}

// ReconciliationReport compares the materialized account against its ledger history
type ReconciliationReport struct {
	Account    models.BalanceSnapshot `json:"account"`
	LedgerSum  decimal.Decimal        `json:"ledgerSum"`
	EntryCount int64                  `json:"entryCount"`
	Consistent bool                   `json:"consistent"`
}

func NewWalletService(s store.Store, executor *ledger.Executor, cfg *config.LedgerConfig) *WalletService {
	return &WalletService{
		store:     s,
		executor:  executor,
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// GetBalance returns the account snapshot, opening the account when it does not exist yet
func (ws *WalletService) GetBalance(ctx context.Context, key models.AccountKey) (models.BalanceSnapshot, error) {
	if err := ledger.ValidateAccount(key); err != nil {
		return models.BalanceSnapshot{}, err
	}

	acct, err := ws.store.GetAccount(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		opened, err := ws.executor.OpenAccount(ctx, key)
		if err != nil {
			return models.BalanceSnapshot{}, err
		}
		return opened.Snapshot(), nil
	}
	if err != nil {
		return models.BalanceSnapshot{}, ledger.WrapStorage("get account", err)
	}
	return acct.Snapshot(), nil
}

// PeekBalance reports an absent account as zero without creating it
func (ws *WalletService) PeekBalance(ctx context.Context, key models.AccountKey) (models.BalanceSnapshot, error) {
	if err := ledger.ValidateAccount(key); err != nil {
		return models.BalanceSnapshot{}, err
	}

	acct, err := ws.store.GetAccount(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return models.NewWalletAccount(key, time.Time{}).Snapshot(), nil
	}
	if err != nil {
		return models.BalanceSnapshot{}, ledger.WrapStorage("get account", err)
	}
	return acct.Snapshot(), nil
}

// GetLedger returns one page of history, newest first, inside a bounded time window
func (ws *WalletService) GetLedger(ctx context.Context, q LedgerQuery) (*LedgerPage, error) {
	if !q.EntityType.Valid() {
		return nil, ledger.ValidationError{Field: "entityType", Message: fmt.Sprintf("unknown entity type %q", q.EntityType)}
	}
	if q.EntityID == "" {
		return nil, ledger.ValidationError{Field: "entityId", Message: "entity id is required"}
	}
	if q.Currency != "" {
		if err := ledger.ValidateAccount(models.AccountKey{EntityType: q.EntityType, EntityID: q.EntityID, Currency: q.Currency}); err != nil {
			return nil, err
		}
	}

	pageSize := q.PageSize
	switch {
	case pageSize == 0:
		pageSize = ws.cfg.DefaultPageSize
	case pageSize < 0 || pageSize > ws.cfg.MaxPageSize:
		return nil, ledger.ValidationError{Field: "pageSize", Message: fmt.Sprintf("must be between 1 and %d", ws.cfg.MaxPageSize)}
	}
	page := q.Page
	if page == 0 {
		page = 1
	}
	if page < 0 {
		return nil, ledger.ValidationError{Field: "page", Message: "must be positive"}
	}

	to := q.To
	if to.IsZero() {
		to = ws.executor.Now()
	}
	from := q.From
	if from.IsZero() {
		from = to.Add(-ws.cfg.DefaultLedgerWindow)
	}
	if !from.Before(to) {
		return nil, ledger.ValidationError{Field: "from", Message: "from must be before to"}
	}
	if to.Sub(from) > ws.cfg.MaxLedgerWindow {
		return nil, ledger.ValidationError{Field: "to", Message: fmt.Sprintf("window must not exceed %s", ws.cfg.MaxLedgerWindow)}
	}

	entries, err := ws.store.ListEntries(ctx, models.LedgerFilter{
		EntityType: q.EntityType,
		EntityID:   q.EntityID,
		Currency:   q.Currency,
		From:       from,
		To:         to,
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
	})
	if err != nil {
		return nil, ledger.WrapStorage("list entries", err)
	}

	return &LedgerPage{Entries: entries, Page: page, PageSize: pageSize, From: from, To: to}, nil
}

// Reconcile checks balance - reserved against the sum of the account's entries
func (ws *WalletService) Reconcile(ctx context.Context, key models.AccountKey) (*ReconciliationReport, error) {
	if err := ledger.ValidateAccount(key); err != nil {
		return nil, err
	}
	acct, err := ws.store.GetAccount(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, ledger.WrapStorage("get account", err)
	}
	sum, err := ws.store.SumEntries(ctx, key)
	if err != nil {
		return nil, ledger.WrapStorage("sum entries", err)
	}
	return &ReconciliationReport{
		Account:    acct.Snapshot(),
		LedgerSum:  sum.Total,
		EntryCount: sum.Count,
		Consistent: acct.Available().Equal(sum.Total),
	}, nil
}

func accountKeyFromURL(r *http.Request) models.AccountKey {
	return models.AccountKey{
		EntityType: models.EntityType(chi.URLParam(r, "entityType")),
		EntityID:   chi.URLParam(r, "entityId"),
		Currency:   chi.URLParam(r, "currency"),
	}
}

// GetBalanceHandler returns one wallet balance
// @Summary Get wallet balance
// @Description Returns balance, reserved and available funds; the account is opened on first access
// @Tags wallets
// @Produce json
// @Param entityType path string true "Entity type"
// @Param entityId path string true "Entity ID"
// @Param currency path string true "Currency code"
// @Success 200 {object} models.BalanceSnapshot
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /wallets/{entityType}/{entityId}/{currency} [get]
func (ws *WalletService) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	key := accountKeyFromURL(r)
	if _, ok := authorize(w, r, key.EntityType, key.EntityID); !ok {
		return
	}

	snapshot, err := ws.GetBalance(r.Context(), key)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, snapshot)
}

// ListBalancesHandler returns balances for the requested currencies without opening accounts
// @Summary List wallet balances
// @Tags wallets
// @Produce json
// @Param entityType path string true "Entity type"
// @Param entityId path string true "Entity ID"
// @Param currency query []string true "Currency codes" collectionFormat(multi)
// @Success 200 {array} models.BalanceSnapshot
// @Failure 400 {object} ErrorResponse
// @Router /wallets/{entityType}/{entityId} [get]
func (ws *WalletService) ListBalancesHandler(w http.ResponseWriter, r *http.Request) {
	entityType := models.EntityType(chi.URLParam(r, "entityType"))
	entityID := chi.URLParam(r, "entityId")
	if _, ok := authorize(w, r, entityType, entityID); !ok {
		return
	}

	currencies := r.URL.Query()["currency"]
	if len(currencies) == 0 {
		SendServiceError(w, ledger.ValidationError{Field: "currency", Message: "at least one currency is required"})
		return
	}

	balances := make([]models.BalanceSnapshot, 0, len(currencies))
	for _, currency := range currencies {
		snapshot, err := ws.PeekBalance(r.Context(), models.AccountKey{EntityType: entityType, EntityID: entityID, Currency: currency})
		if err != nil {
			SendServiceError(w, err)
			return
		}
		balances = append(balances, snapshot)
	}
	SendJSON(w, http.StatusOK, balances)
}

// GetLedgerHandler returns a page of ledger history
// @Summary Get ledger history
// @Description Newest first; defaults to the last 90 days and 50 entries per page
// @Tags wallets
// @Produce json
// @Param entityType path string true "Entity type"
// @Param entityId path string true "Entity ID"
// @Param currency query string false "Currency code"
// @Param from query string false "RFC3339 start"
// @Param to query string false "RFC3339 end"
// @Param page query int false "Page number"
// @Param pageSize query int false "Page size (max 200)"
// @Success 200 {object} LedgerPage
// @Failure 400 {object} ErrorResponse
// @Router /wallets/{entityType}/{entityId}/ledger [get]
func (ws *WalletService) GetLedgerHandler(w http.ResponseWriter, r *http.Request) {
	q := LedgerQuery{
		EntityType: models.EntityType(chi.URLParam(r, "entityType")),
		EntityID:   chi.URLParam(r, "entityId"),
		Currency:   r.URL.Query().Get("currency"),
	}
	if _, ok := authorize(w, r, q.EntityType, q.EntityID); !ok {
		return
	}

	var err error
	if q.From, err = queryTime(r, "from"); err != nil {
		SendServiceError(w, err)
		return
	}
	if q.To, err = queryTime(r, "to"); err != nil {
		SendServiceError(w, err)
		return
	}
	if q.Page, err = queryInt(r, "page"); err != nil {
		SendServiceError(w, err)
		return
	}
	if q.PageSize, err = queryInt(r, "pageSize"); err != nil {
		SendServiceError(w, err)
		return
	}

	page, err := ws.GetLedger(r.Context(), q)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, page)
}

// ReconcileHandler compares an account with its ledger history
// @Summary Reconcile wallet
// @Tags wallets
// @Produce json
// @Param entityType path string true "Entity type"
// @Param entityId path string true "Entity ID"
// @Param currency path string true "Currency code"
// @Success 200 {object} ReconciliationReport
// @Failure 404 {object} ErrorResponse
// @Router /wallets/{entityType}/{entityId}/{currency}/reconciliation [get]
func (ws *WalletService) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	report, err := ws.Reconcile(r.Context(), accountKeyFromURL(r))
	if err != nil {
		SendServiceError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, report)
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, ledger.ValidationError{Field: name, Message: "must be an RFC3339 timestamp"}
	}
	return t, nil
}
