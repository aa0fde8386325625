package services

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tunewave/backend/internal/config"
	"github.com/tunewave/backend/internal/ledger"
	"github.com/tunewave/backend/internal/models"
)

const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

// RoyaltyService credits tenant wallets from royalty runs and operator adjustments
type RoyaltyService struct {
	executor       *ledger.Executor
	validator      *ValidationHelper
	commissionRate decimal.Decimal
	systemEntityID string
}

type RoyaltyEvent struct {
	EntityType models.EntityType `json:"entityType" validate:"required,oneof=Label Enterprise Artist"`
	EntityID   string            `json:"entityId" validate:"required,max=64"`
	Currency   string            `json:"currency" validate:"required,len=3,uppercase"`
	Amount     decimal.Decimal   `json:"amount" validate:"required,gt=0" swaggertype:"string" example:"1000.00"`
	Reference  string            `json:"reference" validate:"required,max=128"`
	// CommissionRate overrides the configured rate, as a fraction in [0, 1)
	CommissionRate *decimal.Decimal `json:"commissionRate,omitempty" swaggertype:"string" example:"0.15"`
	Notes          string           `json:"notes,omitempty" validate:"max=500"`
}

func (e RoyaltyEvent) Account() models.AccountKey {
	return models.AccountKey{EntityType: e.EntityType, EntityID: e.EntityID, Currency: e.Currency}
}

type Adjustment struct {
	EntityType models.EntityType `json:"entityType" validate:"required,oneof=Label Enterprise Artist System"`
	EntityID   string            `json:"entityId" validate:"required,max=64"`
	Currency   string            `json:"currency" validate:"required,len=3,uppercase"`
	Amount     decimal.Decimal   `json:"amount" validate:"required,gt=0" swaggertype:"string" example:"25.00"`
	Direction  string            `json:"direction" validate:"required,oneof=credit debit"`
	Reference  string            `json:"reference" validate:"required,max=128"`
	Notes      string            `json:"notes,omitempty" validate:"max=500"`
}

func (a Adjustment) Account() models.AccountKey {
	return models.AccountKey{EntityType: a.EntityType, EntityID: a.EntityID, Currency: a.Currency}
}

func NewRoyaltyService(executor *ledger.Executor, cfg *config.LedgerConfig) *RoyaltyService {
	return &RoyaltyService{
		executor:       executor,
		validator:      NewValidationHelper(),
		commissionRate: cfg.CommissionRate,
		systemEntityID: cfg.SystemEntityID,
	}
}

// DistributeRoyalty credits the net royalty to the entity and the commission to the platform
func (rs *RoyaltyService) DistributeRoyalty(ctx context.Context, event RoyaltyEvent) (*ledger.Result, error) {
	if err := rs.validator.ValidateStruct(&event); err != nil {
		return nil, err
	}
	if !event.Amount.IsPositive() {
		return nil, ledger.ValidationError{Field: "amount", Message: "must be positive"}
	}
	rate := rs.commissionRate
	if event.CommissionRate != nil {
		rate = *event.CommissionRate
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ledger.ValidationError{Field: "commissionRate", Message: "must be in [0, 1)"}
	}

	commission := event.Amount.Mul(rate).Round(2)
	net := event.Amount.Sub(commission)
	key := event.Account()
	ref := models.RoyaltyReference(event.Reference)

	entries := []models.LedgerEntry{models.NewEntry(key, models.EntryRoyaltyCredit, net, ref, event.Notes)}
	postings := []ledger.Posting{{Account: key, BalanceDelta: net, ReservedDelta: decimal.Zero}}
	if commission.IsPositive() {
		system := models.AccountKey{EntityType: models.EntitySystem, EntityID: rs.systemEntityID, Currency: key.Currency}
		entries = append(entries, models.NewEntry(system, models.EntryTunewaveCommission, commission, ref, "royalty commission"))
		postings = append(postings, ledger.Posting{Account: system, BalanceDelta: commission, ReservedDelta: decimal.Zero})
	}

	res, err := rs.executor.Apply(ctx, ledger.Request{
		Key:      ledger.IdempotencyKey{EntryType: models.EntryRoyaltyCredit, Reference: ref},
		Entries:  entries,
		Postings: postings,
	})
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		log.Printf("[ROYALTY] Credited %s to %s (commission %s)", net.StringFixed(2), key, commission.StringFixed(2))
	}
	return res, nil
}

// Adjust posts an operator correction. Debits are checked against available funds.
func (rs *RoyaltyService) Adjust(ctx context.Context, adj Adjustment) (*ledger.Result, error) {
	adj.Direction = strings.ToLower(adj.Direction)
	if err := rs.validator.ValidateStruct(&adj); err != nil {
		return nil, err
	}
	if !adj.Amount.IsPositive() {
		return nil, ledger.ValidationError{Field: "amount", Message: "must be positive"}
	}

	key := adj.Account()
	ref := models.AdjustmentReference(adj.Reference)
	entryType := models.EntryAdjustmentCredit
	delta := adj.Amount
	if adj.Direction == DirectionDebit {
		entryType = models.EntryAdjustmentDebit
		delta = adj.Amount.Neg()
	}

	res, err := rs.executor.Apply(ctx, ledger.Request{
		Key:      ledger.IdempotencyKey{EntryType: entryType, Reference: ref},
		Entries:  []models.LedgerEntry{models.NewEntry(key, entryType, delta, ref, adj.Notes)},
		Postings: []ledger.Posting{{Account: key, BalanceDelta: delta, ReservedDelta: decimal.Zero}},
	})
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		log.Printf("[ROYALTY] Adjustment %s of %s on %s", adj.Direction, adj.Amount.StringFixed(2), key)
	}
	return res, nil
}

func resultStatus(res *ledger.Result) int {
	if res.Duplicate {
		return http.StatusOK
	}
	return http.StatusCreated
}

// DistributeRoyaltyHandler credits a royalty run
// @Summary Distribute royalty
// @Tags royalties
// @Accept json
// @Produce json
// @Param event body RoyaltyEvent true "Royalty event"
// @Success 201 {object} ledger.Result
// @Success 200 {object} ledger.Result "Already applied"
// @Failure 400 {object} ErrorResponse
// @Router /royalties/distributions [post]
func (rs *RoyaltyService) DistributeRoyaltyHandler(w http.ResponseWriter, r *http.Request) {
	var event RoyaltyEvent
	if !decodeJSONBody(w, r, &event) {
		return
	}
	res, err := rs.DistributeRoyalty(r.Context(), event)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	SendJSON(w, resultStatus(res), res)
}

// AdjustmentHandler posts a manual credit or debit
// @Summary Post adjustment
// @Tags royalties
// @Accept json
// @Produce json
// @Param adjustment body Adjustment true "Adjustment"
// @Success 201 {object} ledger.Result
// @Success 200 {object} ledger.Result "Already applied"
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /adjustments [post]
func (rs *RoyaltyService) AdjustmentHandler(w http.ResponseWriter, r *http.Request) {
	var adj Adjustment
	if !decodeJSONBody(w, r, &adj) {
		return
	}
	res, err := rs.Adjust(r.Context(), adj)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	SendJSON(w, resultStatus(res), res)
}
