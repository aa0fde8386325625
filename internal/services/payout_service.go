package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/tunewave/backend/internal/audit"
	"github.com/tunewave/backend/internal/config"
	"github.com/tunewave/backend/internal/ledger"
	"github.com/tunewave/backend/internal/middleware"
	"github.com/tunewave/backend/internal/models"
	"github.com/tunewave/backend/internal/rail"
	"github.com/tunewave/backend/internal/store"
)

// railUser is recorded as the processor of transitions reported by the payment rail
const railUser = "rail"

type PayoutService struct {
	store     store.Store
	executor  *ledger.Executor
	rail      rail.Rail
	publisher ledger.Publisher
	audit     *audit.Logger
	validator *ValidationHelper

	feePercentage   decimal.Decimal
	feeFixed        decimal.Decimal
	systemEntityID  string
	defaultPageSize int
	maxPageSize     int
}

type PayoutRequest struct {
	EntityType  models.EntityType `json:"entityType" validate:"required,oneof=Label Enterprise Artist"`
	EntityID    string            `json:"entityId" validate:"required,max=64"`
	Currency    string            `json:"currency" validate:"required,len=3,uppercase"`
	Amount      decimal.Decimal   `json:"amount" validate:"required,gt=0" swaggertype:"string" example:"400.00"`
	BankDetails models.Metadata   `json:"bankDetails" validate:"required"`
	Notes       string            `json:"notes,omitempty" validate:"max=500"`
}

func (r PayoutRequest) Account() models.AccountKey {
	return models.AccountKey{EntityType: r.EntityType, EntityID: r.EntityID, Currency: r.Currency}
}

// ApprovalResult reports the approval and whether the rail accepted the hand-off
type ApprovalResult struct {
	Payout       *models.PayoutTransaction `json:"payout"`
	HandedOff    bool                      `json:"handedOff"`
	HandoffError string                    `json:"handoffError,omitempty"`
}

// PayoutCallback is the rail's report on a submitted payout
type PayoutCallback struct {
	PayoutID int64  `json:"payoutId" validate:"required,gt=0"`
	Outcome  string `json:"outcome" validate:"required"`
	Reason   string `json:"reason,omitempty"`
}

// PayoutStatusEvent is published after every payout status change
type PayoutStatusEvent struct {
	Type   string                    `json:"type"`
	Payout *models.PayoutTransaction `json:"payout"`
}

func NewPayoutService(s store.Store, executor *ledger.Executor, r rail.Rail, publisher ledger.Publisher, cfg *config.LedgerConfig) *PayoutService {
	return &PayoutService{
		store:           s,
		executor:        executor,
		rail:            r,
		publisher:       publisher,
		audit:           audit.NewLogger(),
		validator:       NewValidationHelper(),
		feePercentage:   cfg.PayoutFeePercentage,
		feeFixed:        cfg.PayoutFeeFixed,
		systemEntityID:  cfg.SystemEntityID,
		defaultPageSize: cfg.DefaultPageSize,
		maxPageSize:     cfg.MaxPageSize,
	}
}

// CalculateFee returns amount*pct/100 + fixed, rounded to 2 decimal places
func (ps *PayoutService) CalculateFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(ps.feePercentage).Div(decimal.NewFromInt(100)).Add(ps.feeFixed).Round(2)
}

// RequestPayout reserves amount on the wallet and records a PENDING payout
func (ps *PayoutService) RequestPayout(ctx context.Context, req PayoutRequest, requestedBy string) (*models.PayoutTransaction, error) {
	if err := ps.validator.ValidateStruct(&req); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, ledger.ValidationError{Field: "amount", Message: "must be positive"}
	}
	fee := ps.CalculateFee(req.Amount)
	if fee.GreaterThanOrEqual(req.Amount) {
		return nil, ledger.ValidationError{Field: "amount", Message: fmt.Sprintf("must exceed the payout fee of %s", fee.StringFixed(2))}
	}

	payoutID, err := ps.store.NextPayoutID(ctx)
	if err != nil {
		return nil, ledger.WrapStorage("allocate payout id", err)
	}

	now := ps.executor.Now()
	key := req.Account()
	ref := models.PayoutReference(payoutID)
	payout := &models.PayoutTransaction{
		PayoutID:          payoutID,
		EntityType:        key.EntityType,
		EntityID:          key.EntityID,
		Currency:          key.Currency,
		Amount:            req.Amount,
		FeeAmount:         fee,
		NetAmount:         req.Amount.Sub(fee),
		Status:            models.PayoutPending,
		BankDetails:       req.BankDetails,
		RequestedByUserID: requestedBy,
		Notes:             req.Notes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	_, err = ps.executor.Apply(ctx, ledger.Request{
		Key:      ledger.IdempotencyKey{EntryType: models.EntryPayoutLock, Reference: ref},
		Entries:  []models.LedgerEntry{models.NewEntry(key, models.EntryPayoutLock, req.Amount.Neg(), ref, req.Notes)},
		Postings: []ledger.Posting{{Account: key, BalanceDelta: decimal.Zero, ReservedDelta: req.Amount}},
		Hooks: []ledger.Hook{func(ctx context.Context, tx store.Tx) error {
			if err := tx.InsertPayout(ctx, payout); err != nil {
				return ledger.WrapStorage("insert payout", err)
			}
			return nil
		}},
	})
	if err != nil {
		log.Printf("[PAYOUT] Request for %s on %s rejected: %v", req.Amount.StringFixed(2), key, err)
		return nil, err
	}

	log.Printf("[PAYOUT] Payout %d requested: %s %s reserved on %s", payoutID, req.Amount.StringFixed(2), key.Currency, key)
	ps.publishStatus(ctx, payout)
	return payout, nil
}

// ApprovePayout moves PENDING to APPROVED and hands the payout to the rail after the status change is stored
func (ps *PayoutService) ApprovePayout(ctx context.Context, payoutID int64, operator string) (*ApprovalResult, error) {
	payout, err := ps.store.TransitionPayout(ctx, models.PayoutTransition{
		PayoutID:    payoutID,
		From:        []models.PayoutStatus{models.PayoutPending},
		To:          models.PayoutApproved,
		ProcessedBy: operator,
		At:          ps.executor.Now(),
	})
	if err != nil {
		return nil, ps.transitionError(ctx, payoutID, models.PayoutApproved, err)
	}
	ps.audit.LogOperation(models.PayoutReference(payoutID), payout.Account().String(), "PayoutApproved", "approved by "+operator)
	ps.publishStatus(ctx, payout)

	result := &ApprovalResult{Payout: payout}
	err = ps.rail.Submit(ctx, rail.Instruction{
		PayoutID:    payout.PayoutID,
		Account:     payout.Account(),
		NetAmount:   payout.NetAmount,
		BankDetails: payout.BankDetails,
	})
	if err != nil {
		log.Printf("[PAYOUT] Rail hand-off failed for payout %d, status stays APPROVED: %v", payoutID, err)
		ps.audit.LogError(models.PayoutReference(payoutID), payout.Account().String(), err)
		result.HandoffError = err.Error()
		return result, nil
	}
	result.HandedOff = true
	return result, nil
}

// SettlePayout completes an APPROVED payout: the reservation and the balance leave the wallet together
// and the fee is credited to the platform account
func (ps *PayoutService) SettlePayout(ctx context.Context, payoutID int64) (*models.PayoutTransaction, error) {
	payout, err := ps.getPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if payout.Status == models.PayoutCompleted {
		return payout, nil
	}
	if payout.Status != models.PayoutApproved {
		return nil, fmt.Errorf("%w: payout %d is %s, settlement requires %s",
			ledger.ErrInvalidStateTransition, payoutID, payout.Status, models.PayoutApproved)
	}

	key := payout.Account()
	ref := models.PayoutReference(payoutID)
	entries := []models.LedgerEntry{models.NewEntry(key, models.EntryPayoutSettle, decimal.Zero, ref, "payout settled")}
	postings := []ledger.Posting{{Account: key, BalanceDelta: payout.Amount.Neg(), ReservedDelta: payout.Amount.Neg()}}
	if payout.FeeAmount.IsPositive() {
		system := models.AccountKey{EntityType: models.EntitySystem, EntityID: ps.systemEntityID, Currency: key.Currency}
		entries = append(entries, models.NewEntry(system, models.EntryTunewaveCommission, payout.FeeAmount, ref, "payout fee"))
		postings = append(postings, ledger.Posting{Account: system, BalanceDelta: payout.FeeAmount, ReservedDelta: decimal.Zero})
	}

	var settled *models.PayoutTransaction
	res, err := ps.executor.Apply(ctx, ledger.Request{
		Key:      ledger.IdempotencyKey{EntryType: models.EntryPayoutSettle, Reference: ref},
		Entries:  entries,
		Postings: postings,
		Guards: []ledger.Hook{func(ctx context.Context, tx store.Tx) error {
			var err error
			settled, err = tx.TransitionPayout(ctx, models.PayoutTransition{
				PayoutID:    payoutID,
				From:        []models.PayoutStatus{models.PayoutApproved},
				To:          models.PayoutCompleted,
				ProcessedBy: railUser,
				At:          ps.executor.Now(),
			})
			return hookTransitionError(payoutID, models.PayoutCompleted, err)
		}},
	})
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		return ps.getPayout(ctx, payoutID)
	}

	log.Printf("[PAYOUT] Payout %d settled: %s paid out, fee %s", payoutID, payout.NetAmount.StringFixed(2), payout.FeeAmount.StringFixed(2))
	ps.publishStatus(ctx, settled)
	return settled, nil
}

// FailPayout releases the reservation after the rail reported failure
func (ps *PayoutService) FailPayout(ctx context.Context, payoutID int64, reason string) (*models.PayoutTransaction, error) {
	return ps.releasePayout(ctx, payoutID, models.PayoutFailed, railUser, reason)
}

// RejectPayout releases the reservation of a payout an operator declined
func (ps *PayoutService) RejectPayout(ctx context.Context, payoutID int64, operator, notes string) (*models.PayoutTransaction, error) {
	return ps.releasePayout(ctx, payoutID, models.PayoutRejected, operator, notes)
}

func (ps *PayoutService) releasePayout(ctx context.Context, payoutID int64, to models.PayoutStatus, processedBy, notes string) (*models.PayoutTransaction, error) {
	payout, err := ps.getPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	// the reservation was already released, whichever way; payout:<id> carries its reversal entry
	if payout.Status == models.PayoutFailed || payout.Status == models.PayoutRejected {
		return payout, nil
	}
	if payout.Status.Terminal() {
		return nil, fmt.Errorf("%w: payout %d is already %s", ledger.ErrInvalidStateTransition, payoutID, payout.Status)
	}

	key := payout.Account()
	ref := models.PayoutReference(payoutID)
	var released *models.PayoutTransaction
	res, err := ps.executor.Apply(ctx, ledger.Request{
		Key:      ledger.IdempotencyKey{EntryType: models.EntryPayoutLockReversal, Reference: ref},
		Entries:  []models.LedgerEntry{models.NewEntry(key, models.EntryPayoutLockReversal, payout.Amount, ref, notes)},
		Postings: []ledger.Posting{{Account: key, BalanceDelta: decimal.Zero, ReservedDelta: payout.Amount.Neg()}},
		Guards: []ledger.Hook{func(ctx context.Context, tx store.Tx) error {
			var err error
			released, err = tx.TransitionPayout(ctx, models.PayoutTransition{
				PayoutID:    payoutID,
				From:        []models.PayoutStatus{models.PayoutPending, models.PayoutApproved},
				To:          to,
				ProcessedBy: processedBy,
				At:          ps.executor.Now(),
				Notes:       notes,
			})
			return hookTransitionError(payoutID, to, err)
		}},
	})
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		return ps.getPayout(ctx, payoutID)
	}

	log.Printf("[PAYOUT] Payout %d %s: %s released on %s", payoutID, to, payout.Amount.StringFixed(2), key)
	ps.publishStatus(ctx, released)
	return released, nil
}

func (ps *PayoutService) GetPayout(ctx context.Context, payoutID int64) (*models.PayoutTransaction, error) {
	return ps.getPayout(ctx, payoutID)
}

func (ps *PayoutService) ListPayouts(ctx context.Context, filter models.PayoutFilter) ([]models.PayoutTransaction, error) {
	payouts, err := ps.store.ListPayouts(ctx, filter)
	if err != nil {
		return nil, ledger.WrapStorage("list payouts", err)
	}
	return payouts, nil
}

func (ps *PayoutService) getPayout(ctx context.Context, payoutID int64) (*models.PayoutTransaction, error) {
	payout, err := ps.store.GetPayout(ctx, payoutID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ledger.ErrPayoutNotFound, payoutID)
	}
	if err != nil {
		return nil, ledger.WrapStorage("get payout", err)
	}
	return payout, nil
}

// transitionError explains a failed conditional transition using the stored status
func (ps *PayoutService) transitionError(ctx context.Context, payoutID int64, to models.PayoutStatus, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %d", ledger.ErrPayoutNotFound, payoutID)
	case errors.Is(err, store.ErrStateConflict):
		if current, getErr := ps.store.GetPayout(ctx, payoutID); getErr == nil {
			return fmt.Errorf("%w: payout %d is %s, cannot move to %s", ledger.ErrInvalidStateTransition, payoutID, current.Status, to)
		}
		return fmt.Errorf("%w: payout %d cannot move to %s", ledger.ErrInvalidStateTransition, payoutID, to)
	default:
		return ledger.WrapStorage("transition payout", err)
	}
}

func hookTransitionError(payoutID int64, to models.PayoutStatus, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %d", ledger.ErrPayoutNotFound, payoutID)
	case errors.Is(err, store.ErrStateConflict):
		return fmt.Errorf("%w: payout %d cannot move to %s", ledger.ErrInvalidStateTransition, payoutID, to)
	default:
		return ledger.WrapStorage("transition payout", err)
	}
}

func (ps *PayoutService) publishStatus(ctx context.Context, payout *models.PayoutTransaction) {
	if ps.publisher == nil || payout == nil {
		return
	}
	event := PayoutStatusEvent{Type: "payout." + strings.ToLower(string(payout.Status)), Payout: payout}
	if err := ps.publisher.Publish(ctx, models.PayoutReference(payout.PayoutID), event); err != nil {
		log.Printf("[PAYOUT] Failed to publish status event for payout %d: %v", payout.PayoutID, err)
	}
}

func payoutIDFromURL(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "payoutId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, ledger.ValidationError{Field: "payoutId", Message: "must be a positive integer"}
	}
	return id, nil
}

// RequestPayoutHandler reserves funds for a withdrawal
// @Summary Request payout
// @Description Reserves the amount on the wallet and creates a PENDING payout
// @Tags payouts
// @Accept json
// @Produce json
// @Param request body PayoutRequest true "Payout request"
// @Success 201 {object} models.PayoutTransaction
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /payouts [post]
func (ps *PayoutService) RequestPayoutHandler(w http.ResponseWriter, r *http.Request) {
	var req PayoutRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	principal, ok := authorize(w, r, req.EntityType, req.EntityID)
	if !ok {
		return
	}

	payout, err := ps.RequestPayout(r.Context(), req, principal.UserID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	SendJSON(w, http.StatusCreated, payout)
}

// GetPayoutHandler returns one payout
// @Summary Get payout
// @Tags payouts
// @Produce json
// @Param payoutId path int true "Payout ID"
// @Success 200 {object} models.PayoutTransaction
// @Failure 404 {object} ErrorResponse
// @Router /payouts/{payoutId} [get]
func (ps *PayoutService) GetPayoutHandler(w http.ResponseWriter, r *http.Request) {
	payoutID, err := payoutIDFromURL(r)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	payout, err := ps.GetPayout(r.Context(), payoutID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	if _, ok := authorize(w, r, payout.EntityType, payout.EntityID); !ok {
		return
	}
	SendJSON(w, http.StatusOK, payout)
}

// ListPayoutsHandler lists payouts; tenants only see their own
// @Summary List payouts
// @Tags payouts
// @Produce json
// @Param entityType query string false "Entity type"
// @Param entityId query string false "Entity ID"
// @Param status query string false "Status"
// @Param page query int false "Page number"
// @Param pageSize query int false "Page size"
// @Success 200 {array} models.PayoutTransaction
// @Router /payouts [get]
func (ps *PayoutService) ListPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.PayoutFilter{
		EntityType: models.EntityType(q.Get("entityType")),
		EntityID:   q.Get("entityId"),
		Status:     models.PayoutStatus(strings.ToUpper(q.Get("status"))),
	}

	principal, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if !principal.IsOperator() {
		if principal.EntityType == "" || principal.EntityID == "" {
			SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
			return
		}
		if (filter.EntityType != "" || filter.EntityID != "") && !principal.CanAccess(filter.EntityType, filter.EntityID) {
			SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
			return
		}
		filter.EntityType = principal.EntityType
		filter.EntityID = principal.EntityID
	}

	page, err := queryInt(r, "page")
	if err != nil {
		SendServiceError(w, err)
		return
	}
	pageSize, err := queryInt(r, "pageSize")
	if err != nil {
		SendServiceError(w, err)
		return
	}
	if pageSize <= 0 || pageSize > ps.maxPageSize {
		pageSize = ps.defaultPageSize
	}
	if page <= 0 {
		page = 1
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize

	payouts, err := ps.ListPayouts(r.Context(), filter)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, payouts)
}

// ApprovePayoutHandler approves a PENDING payout and submits it to the rail
// @Summary Approve payout
// @Tags payouts
// @Produce json
// @Param payoutId path int true "Payout ID"
// @Success 200 {object} ApprovalResult
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /payouts/{payoutId}/approve [post]
func (ps *PayoutService) ApprovePayoutHandler(w http.ResponseWriter, r *http.Request) {
	payoutID, err := payoutIDFromURL(r)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	principal, _ := middleware.PrincipalFrom(r.Context())

	result, err := ps.ApprovePayout(r.Context(), payoutID, principal.UserID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, result)
}

// RejectPayoutHandler rejects a payout and releases its reservation
// @Summary Reject payout
// @Tags payouts
// @Accept json
// @Produce json
// @Param payoutId path int true "Payout ID"
// @Param request body object{notes=string} false "Rejection notes"
// @Success 200 {object} models.PayoutTransaction
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /payouts/{payoutId}/reject [post]
func (ps *PayoutService) RejectPayoutHandler(w http.ResponseWriter, r *http.Request) {
	payoutID, err := payoutIDFromURL(r)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	var req struct {
		Notes string `json:"notes" validate:"max=500"`
	}
	if r.ContentLength > 0 && !decodeJSONBody(w, r, &req) {
		return
	}
	principal, _ := middleware.PrincipalFrom(r.Context())

	payout, err := ps.RejectPayout(r.Context(), payoutID, principal.UserID, req.Notes)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, payout)
}

// PayoutCallbackHandler receives the rail's settled/failed report
// @Summary Payout rail callback
// @Description Signed with HMAC-SHA256 in X-Signature. Outcome is settled|failed or the ISO 20022 codes ACSC|RJCT.
// @Tags callbacks
// @Accept json
// @Produce json
// @Param callback body PayoutCallback true "Rail report"
// @Success 200 {object} models.PayoutTransaction
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /callbacks/payouts [post]
func (ps *PayoutService) PayoutCallbackHandler(w http.ResponseWriter, r *http.Request) {
	var cb PayoutCallback
	if !decodeJSONBody(w, r, &cb) {
		return
	}
	if err := ps.validator.ValidateStruct(&cb); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var (
		payout *models.PayoutTransaction
		err    error
	)
	switch strings.ToUpper(cb.Outcome) {
	case "SETTLED", rail.StatusSettled:
		payout, err = ps.SettlePayout(r.Context(), cb.PayoutID)
	case "FAILED", rail.StatusRejected:
		payout, err = ps.FailPayout(r.Context(), cb.PayoutID, cb.Reason)
	default:
		SendServiceError(w, ledger.ValidationError{Field: "outcome", Message: "must be settled or failed"})
		return
	}
	if err != nil {
		SendServiceError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, payout)
}
