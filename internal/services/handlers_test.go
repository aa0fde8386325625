package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mW "github.com/tunewave/backend/internal/middleware"
	"github.com/tunewave/backend/internal/models"
)

func (f *fixture) doSigned(t *testing.T, path, secret string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(mW.SignatureHeader, "sha256="+mW.Sign(secret, payload))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestWalletHandlers(t *testing.T) {
	f := newFixture(t)
	f.fund(t, artistUSD, "1000", "seed")
	own := tenantToken(t, artistUSD)
	other := tenantToken(t, models.AccountKey{EntityType: models.EntityLabel, EntityID: "label-9", Currency: "USD"})

	t.Run("tenant reads own balance", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/wallets/Artist/artist-1/USD", own, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		snapshot := decodeBody[models.BalanceSnapshot](t, w)
		assert.True(t, snapshot.Available.Equal(dec("1000")))
	})

	t.Run("tenant cannot read another wallet", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/wallets/Artist/artist-1/USD", other, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/wallets/Artist/artist-1/USD", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("lists balances without opening accounts", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/wallets/Artist/artist-1?currency=USD&currency=EUR", own, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		balances := decodeBody[[]models.BalanceSnapshot](t, w)
		require.Len(t, balances, 2)
		assert.True(t, balances[0].Balance.Equal(dec("1000")))
		assert.True(t, balances[1].Balance.IsZero())
	})

	t.Run("ledger history", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/wallets/Artist/artist-1/ledger?pageSize=10", own, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		page := decodeBody[LedgerPage](t, w)
		assert.Equal(t, 10, page.PageSize)
		assert.Len(t, page.Entries, 1)
	})

	t.Run("ledger rejects a bad timestamp", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/wallets/Artist/artist-1/ledger?from=yesterday", own, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeBody[ErrorResponse](t, w).Details, "from")
	})

	t.Run("reconciliation is operator only", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/wallets/Artist/artist-1/USD/reconciliation", own, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = f.do(t, http.MethodGet, "/api/v1/wallets/Artist/artist-1/USD/reconciliation", operatorToken(t), nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.True(t, decodeBody[ReconciliationReport](t, w).Consistent)
	})
}

func TestPayoutHandlers(t *testing.T) {
	f := newFixture(t)
	f.fund(t, artistUSD, "1000", "seed")
	tenant := tenantToken(t, artistUSD)
	operator := operatorToken(t)

	body := map[string]any{
		"entityType":  "Artist",
		"entityId":    "artist-1",
		"currency":    "USD",
		"amount":      "400",
		"bankDetails": map[string]string{"accountNumber": "0123456789", "bankCode": "058"},
	}

	w := f.do(t, http.MethodPost, "/api/v1/payouts", tenant, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	payout := decodeBody[models.PayoutTransaction](t, w)
	assert.Equal(t, models.PayoutPending, payout.Status)
	assert.NotZero(t, payout.PayoutID)

	t.Run("insufficient funds returns 422 with available", func(t *testing.T) {
		over := map[string]any{}
		for k, v := range body {
			over[k] = v
		}
		over["amount"] = "700"
		w := f.do(t, http.MethodPost, "/api/v1/payouts", tenant, over)
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "600.00", decodeBody[ErrorResponse](t, w).Available)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/payouts", tenant, map[string]any{"amount": "1", "priority": "high"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("tenant cannot request for another entity", func(t *testing.T) {
		foreign := map[string]any{}
		for k, v := range body {
			foreign[k] = v
		}
		foreign["entityId"] = "artist-2"
		w := f.do(t, http.MethodPost, "/api/v1/payouts", tenant, foreign)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("tenant lists only own payouts", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/payouts", tenant, nil)
		require.Equal(t, http.StatusOK, w.Code)
		payouts := decodeBody[[]models.PayoutTransaction](t, w)
		require.Len(t, payouts, 1)
		assert.Equal(t, "artist-1", payouts[0].EntityID)
	})

	t.Run("tenant without an entity lists nothing", func(t *testing.T) {
		bare := signTestToken(t, jwt.MapClaims{
			"user_id": "user-x",
			"exp":     time.Now().Add(time.Hour).Unix(),
		})
		w := f.do(t, http.MethodGet, "/api/v1/payouts", bare, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NotContains(t, w.Body.String(), "accountNumber")

		req := httptest.NewRequest(http.MethodGet, "/api/v1/payouts", nil)
		req = req.WithContext(mW.WithPrincipal(req.Context(), models.Principal{UserID: "user-x", Role: models.RoleTenant}))
		w = httptest.NewRecorder()
		f.payouts.ListPayoutsHandler(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.NotContains(t, w.Body.String(), "accountNumber")
	})

	t.Run("tenant cannot approve", func(t *testing.T) {
		w := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/payouts/%d/approve", payout.PayoutID), tenant, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("operator approves and the rail settles", func(t *testing.T) {
		w := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/payouts/%d/approve", payout.PayoutID), operator, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		result := decodeBody[ApprovalResult](t, w)
		assert.True(t, result.HandedOff)
		assert.Equal(t, models.PayoutApproved, result.Payout.Status)

		w = f.doSigned(t, "/api/v1/callbacks/payouts", testCallbackSecret, PayoutCallback{PayoutID: payout.PayoutID, Outcome: "settled"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, models.PayoutCompleted, decodeBody[models.PayoutTransaction](t, w).Status)

		acct := f.account(t, artistUSD)
		assert.True(t, acct.Balance.Equal(dec("600")))
		assert.True(t, acct.Reserved.IsZero())

		w = f.doSigned(t, "/api/v1/callbacks/payouts", testCallbackSecret, PayoutCallback{PayoutID: payout.PayoutID, Outcome: "ACSC"})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("late failure callback conflicts", func(t *testing.T) {
		w := f.doSigned(t, "/api/v1/callbacks/payouts", testCallbackSecret, PayoutCallback{PayoutID: payout.PayoutID, Outcome: "failed"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("callback with a bad signature", func(t *testing.T) {
		w := f.doSigned(t, "/api/v1/callbacks/payouts", "wrong-secret", PayoutCallback{PayoutID: payout.PayoutID, Outcome: "settled"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("callback with an unknown outcome", func(t *testing.T) {
		w := f.doSigned(t, "/api/v1/callbacks/payouts", testCallbackSecret, PayoutCallback{PayoutID: payout.PayoutID, Outcome: "maybe"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("reject with notes", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/payouts", tenant, body)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		second := decodeBody[models.PayoutTransaction](t, w)

		w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/payouts/%d/reject", second.PayoutID), operator, map[string]string{"notes": "duplicate request"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		rejected := decodeBody[models.PayoutTransaction](t, w)
		assert.Equal(t, models.PayoutRejected, rejected.Status)
		assert.Equal(t, "duplicate request", rejected.Notes)
		assert.True(t, f.account(t, artistUSD).Available().Equal(dec("600")))
	})

	t.Run("unknown payout", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/payouts/999", operator, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = f.do(t, http.MethodGet, "/api/v1/payouts/abc", operator, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestInvoiceHandlers(t *testing.T) {
	f := newFixture(t)
	f.fund(t, artistUSD, "1000", "seed")
	tenant := tenantToken(t, artistUSD)

	w := f.doSigned(t, "/api/v1/webhooks/invoices", testWebhookSecret, map[string]any{
		"invoiceId":  "inv-1",
		"customerId": "cus-1",
		"tenantType": "Artist",
		"tenantId":   "artist-1",
		"status":     "unpaid",
		"total":      "250",
		"currency":   "USD",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.InvoiceUnpaid, decodeBody[models.Invoice](t, w).Status)

	t.Run("webhook requires the webhook secret", func(t *testing.T) {
		w := f.doSigned(t, "/api/v1/webhooks/invoices", testCallbackSecret, map[string]any{"invoiceId": "inv-2"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("another tenant cannot pay", func(t *testing.T) {
		other := tenantToken(t, models.AccountKey{EntityType: models.EntityArtist, EntityID: "artist-2", Currency: "USD"})
		w := f.do(t, http.MethodPost, "/api/v1/invoices/inv-1/pay", other, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unsupported payment method", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/invoices/inv-1/pay", tenant, map[string]string{"paymentMethod": "CARD"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("pays from the wallet", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/invoices/inv-1/pay", tenant, map[string]string{"paymentMethod": "WALLET"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decodeBody[PayInvoiceResponse](t, w)
		assert.Equal(t, "inv-1", resp.InvoiceID)
		assert.Equal(t, models.InvoicePaid, resp.Status)
		assert.NotNil(t, resp.PaidAt)
		assert.True(t, f.account(t, artistUSD).Balance.Equal(dec("750")))

		w = f.do(t, http.MethodPost, "/api/v1/invoices/inv-1/pay", tenant, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, f.account(t, artistUSD).Balance.Equal(dec("750")))
	})

	t.Run("unknown invoice", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/invoices/missing/pay", tenant, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRoyaltyHandlers(t *testing.T) {
	f := newFixture(t)
	operator := operatorToken(t)
	event := map[string]any{
		"entityType": "Artist",
		"entityId":   "artist-1",
		"currency":   "USD",
		"amount":     "120.00",
		"reference":  "2026-09",
	}

	w := f.do(t, http.MethodPost, "/api/v1/royalties/distributions", operator, event)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/v1/royalties/distributions", operator, event)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"duplicate":true`))
	assert.True(t, f.account(t, artistUSD).Balance.Equal(dec("120")))

	t.Run("tenant cannot credit", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/royalties/distributions", tenantToken(t, artistUSD), event)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("adjustment debit beyond available", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/adjustments", operator, map[string]any{
			"entityType": "Artist",
			"entityId":   "artist-1",
			"currency":   "USD",
			"amount":     "500",
			"direction":  "debit",
			"reference":  "ticket-1",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "120.00", decodeBody[ErrorResponse](t, w).Available)
	})

	t.Run("adjustment validation", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/adjustments", operator, map[string]any{
			"entityType": "Artist",
			"entityId":   "artist-1",
			"currency":   "USD",
			"amount":     "5",
			"direction":  "sideways",
			"reference":  "ticket-2",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeBody[ErrorResponse](t, w).Details, "Direction")
	})
}
