package services

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	mW "github.com/tunewave/backend/internal/middleware"
	"github.com/tunewave/backend/internal/models"
)

// API groups the HTTP-facing services mounted under /api/v1
type API struct {
	Wallets   *WalletService
	Payouts   *PayoutService
	Invoices  *InvoiceService
	Royalties *RoyaltyService

	Redis          *redis.Client
	IdempotencyTTL time.Duration
	CallbackSecret string
	WebhookSecret  string
}

// Mount registers the wallet routes on r
func (a *API) Mount(r chi.Router) {
	// Server-to-server notifications, authenticated by HMAC signature
	r.With(mW.VerifySignature(a.CallbackSecret)).Post("/callbacks/payouts", a.Payouts.PayoutCallbackHandler)
	r.With(mW.VerifySignature(a.WebhookSecret)).Post("/webhooks/invoices", a.Invoices.InvoiceWebhookHandler)

	// Protected endpoints (auth required)
	r.Group(func(r chi.Router) {
		r.Use(mW.AuthMiddleware)
		r.Use(mW.Idempotency(a.Redis, a.IdempotencyTTL))

		r.Get("/wallets/{entityType}/{entityId}", a.Wallets.ListBalancesHandler)
		r.Get("/wallets/{entityType}/{entityId}/ledger", a.Wallets.GetLedgerHandler)
		r.Get("/wallets/{entityType}/{entityId}/{currency}", a.Wallets.GetBalanceHandler)

		r.Post("/payouts", a.Payouts.RequestPayoutHandler)
		r.Get("/payouts", a.Payouts.ListPayoutsHandler)
		r.Get("/payouts/{payoutId}", a.Payouts.GetPayoutHandler)

		r.Post("/invoices/{invoiceId}/pay", a.Invoices.PayInvoiceHandler)

		// Operator endpoints
		r.Group(func(r chi.Router) {
			r.Use(mW.RequireRole(models.RoleOperator, models.RoleAdmin))

			r.Post("/payouts/{payoutId}/approve", a.Payouts.ApprovePayoutHandler)
			r.Post("/payouts/{payoutId}/reject", a.Payouts.RejectPayoutHandler)
			r.Get("/wallets/{entityType}/{entityId}/{currency}/reconciliation", a.Wallets.ReconcileHandler)
			r.Post("/royalties/distributions", a.Royalties.DistributeRoyaltyHandler)
			r.Post("/adjustments", a.Royalties.AdjustmentHandler)
		})
	})
}
