package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/tunewave/backend/internal/ledger"
	"github.com/tunewave/backend/internal/middleware"
	"github.com/tunewave/backend/internal/models"
	"github.com/tunewave/backend/internal/store"
	"golang.org/x/sync/singleflight"
)

type InvoiceService struct {
	store     store.Store
	executor  *ledger.Executor
	validator *ValidationHelper
	inflight  singleflight.Group
}

// InvoiceSync is the billing subsystem's view of an invoice
type InvoiceSync struct {
	InvoiceID  string            `json:"invoiceId" validate:"required,max=64"`
	CustomerID string            `json:"customerId" validate:"max=64"`
	TenantType models.EntityType `json:"tenantType" validate:"required,oneof=Label Enterprise Artist"`
	TenantID   string            `json:"tenantId" validate:"required,max=64"`
	Status     string            `json:"status" validate:"required"`
	DueDate    *time.Time        `json:"dueDate,omitempty"`
	Total      decimal.Decimal   `json:"total" validate:"gte=0" swaggertype:"string" example:"250.00"`
	Currency   string            `json:"currency" validate:"required,len=3,uppercase"`
}

type PayInvoiceRequest struct {
	PaymentMethod models.PaymentMethod `json:"paymentMethod"`
}

type PayInvoiceResponse struct {
	InvoiceID     string               `json:"invoiceId"`
	Status        models.InvoiceStatus `json:"status"`
	PaidAt        *time.Time           `json:"paidAt,omitempty"`
	PaymentMethod models.PaymentMethod `json:"paymentMethod,omitempty"`
}

func NewInvoiceService(s store.Store, executor *ledger.Executor) *InvoiceService {
	return &InvoiceService{
		store:     s,
		executor:  executor,
		validator: NewValidationHelper(),
	}
}

// PayInvoiceFromWallet debits the tenant wallet and marks the invoice Paid in one unit.
// Paying an already Paid invoice returns it unchanged.
func (is *InvoiceService) PayInvoiceFromWallet(ctx context.Context, invoiceID string, method models.PaymentMethod) (*models.Invoice, error) {
	if method == "" {
		method = models.PaymentWallet
	}
	if method != models.PaymentWallet {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnsupportedPaymentMethod, method)
	}
	if invoiceID == "" {
		return nil, ledger.ValidationError{Field: "invoiceId", Message: "invoice id is required"}
	}

	// concurrent clicks on the same invoice share one attempt
	v, err, _ := is.inflight.Do(invoiceID, func() (any, error) {
		return is.payFromWallet(ctx, invoiceID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Invoice), nil
}

func (is *InvoiceService) payFromWallet(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	invoice, err := is.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.Status == models.InvoicePaid {
		log.Printf("[INVOICE] Invoice %s already paid, nothing to do", invoiceID)
		return invoice, nil
	}

	// the debit and the Paid flip both come from this read; the guard refuses the flip if the invoice moved
	payment := invoice.PaymentFor(models.PaymentWallet, is.executor.Now())
	key := payment.Account
	ref := models.InvoiceReference(invoiceID)
	var paid *models.Invoice
	res, err := is.executor.Apply(ctx, ledger.Request{
		Key:      ledger.IdempotencyKey{EntryType: models.EntrySaaSFeeDebit, Reference: ref},
		Entries:  []models.LedgerEntry{models.NewEntry(key, models.EntrySaaSFeeDebit, payment.Amount.Neg(), ref, "invoice paid from wallet")},
		Postings: []ledger.Posting{{Account: key, BalanceDelta: payment.Amount.Neg(), ReservedDelta: decimal.Zero}},
		Guards: []ledger.Hook{func(ctx context.Context, tx store.Tx) error {
			var err error
			paid, err = tx.MarkInvoicePaid(ctx, payment)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("%w: %s", ledger.ErrInvoiceNotFound, invoiceID)
			case errors.Is(err, store.ErrStateConflict):
				return fmt.Errorf("%w: invoice %s is no longer unpaid for %s %s", ledger.ErrInvalidStateTransition, invoiceID, payment.Amount.StringFixed(2), key)
			default:
				return ledger.WrapStorage("mark invoice paid", err)
			}
		}},
	})
	if errors.Is(err, ledger.ErrInvalidStateTransition) {
		// settled externally between the read and the lock
		if current, getErr := is.GetInvoice(ctx, invoiceID); getErr == nil && current.Status == models.InvoicePaid {
			return current, nil
		}
	}
	if err != nil {
		log.Printf("[INVOICE] Wallet payment of invoice %s failed: %v", invoiceID, err)
		return nil, err
	}
	if res.Duplicate {
		return is.GetInvoice(ctx, invoiceID)
	}

	log.Printf("[INVOICE] Invoice %s paid from wallet %s: %s", invoiceID, key, payment.Amount.StringFixed(2))
	return paid, nil
}

func (is *InvoiceService) GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	invoice, err := is.store.GetInvoice(ctx, invoiceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrInvoiceNotFound, invoiceID)
	}
	if err != nil {
		return nil, ledger.WrapStorage("get invoice", err)
	}
	return invoice, nil
}

// SyncInvoice records the billing subsystem's invoice. A status of "paid" means paid outside the wallet.
func (is *InvoiceService) SyncInvoice(ctx context.Context, req InvoiceSync) (*models.Invoice, error) {
	if err := is.validator.ValidateStruct(&req); err != nil {
		return nil, err
	}
	if req.Total.IsNegative() {
		return nil, ledger.ValidationError{Field: "total", Message: "must not be negative"}
	}

	now := is.executor.Now()
	invoice := &models.Invoice{
		InvoiceID:   req.InvoiceID,
		CustomerID:  req.CustomerID,
		TenantType:  req.TenantType,
		TenantID:    req.TenantID,
		TotalAmount: req.Total,
		Currency:    req.Currency,
		Status:      models.InvoiceUnpaid,
		DueDate:     req.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if strings.EqualFold(req.Status, string(models.InvoicePaid)) {
		invoice.Status = models.InvoicePaid
		invoice.PaymentMethod = models.PaymentExternal
		invoice.PaidAt = &now
	}

	stored, err := is.store.UpsertInvoice(ctx, invoice)
	if err != nil {
		return nil, ledger.WrapStorage("upsert invoice", err)
	}
	log.Printf("[INVOICE] Synced invoice %s for %s:%s (%s)", stored.InvoiceID, stored.TenantType, stored.TenantID, stored.Status)
	return stored, nil
}

// PayInvoiceHandler pays an invoice from the tenant wallet
// @Summary Pay invoice from wallet
// @Description Debits the tenant wallet and marks the invoice Paid. Repeating the call is a no-op.
// @Tags invoices
// @Accept json
// @Produce json
// @Param invoiceId path string true "Invoice ID"
// @Param request body PayInvoiceRequest false "Payment method, WALLET only"
// @Success 200 {object} PayInvoiceResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /invoices/{invoiceId}/pay [post]
func (is *InvoiceService) PayInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	invoiceID := chi.URLParam(r, "invoiceId")

	var req PayInvoiceRequest
	if r.ContentLength > 0 && !decodeJSONBody(w, r, &req) {
		return
	}

	if _, ok := middleware.PrincipalFrom(r.Context()); !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	invoice, err := is.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	if _, ok := authorize(w, r, invoice.TenantType, invoice.TenantID); !ok {
		return
	}

	paid, err := is.PayInvoiceFromWallet(r.Context(), invoiceID, req.PaymentMethod)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, PayInvoiceResponse{
		InvoiceID:     paid.InvoiceID,
		Status:        paid.Status,
		PaidAt:        paid.PaidAt,
		PaymentMethod: paid.PaymentMethod,
	})
}

// InvoiceWebhookHandler receives invoice updates from billing
// @Summary Invoice sync webhook
// @Description Signed with HMAC-SHA256 in X-Signature
// @Tags callbacks
// @Accept json
// @Produce json
// @Param invoice body InvoiceSync true "Invoice"
// @Success 200 {object} models.Invoice
// @Failure 400 {object} ErrorResponse
// @Router /webhooks/invoices [post]
func (is *InvoiceService) InvoiceWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var req InvoiceSync
	if !decodeJSONBody(w, r, &req) {
		return
	}
	invoice, err := is.SyncInvoice(r.Context(), req)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, invoice)
}
