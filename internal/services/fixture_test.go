package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tunewave/backend/internal/config"
	"github.com/tunewave/backend/internal/ledger"
	"github.com/tunewave/backend/internal/models"
	"github.com/tunewave/backend/internal/store/memory"
)

const (
	testJWTSecret      = "test-jwt-secret"
	testCallbackSecret = "callback-secret"
	testWebhookSecret  = "webhook-secret"
)

var (
	artistUSD = models.AccountKey{EntityType: models.EntityArtist, EntityID: "artist-1", Currency: "USD"}
	systemUSD = models.AccountKey{EntityType: models.EntitySystem, EntityID: "tunewave", Currency: "USD"}
)

type fixture struct {
	store     *memory.Store
	executor  *ledger.Executor
	rail      *MockRail
	publisher *MockPublisher
	cfg       *config.LedgerConfig

	wallets   *WalletService
	payouts   *PayoutService
	invoices  *InvoiceService
	royalties *RoyaltyService
	router    chi.Router
}

func testConfig() *config.LedgerConfig {
	return &config.LedgerConfig{
		PayoutFeePercentage: decimal.Zero,
		PayoutFeeFixed:      decimal.Zero,
		CommissionRate:      decimal.Zero,
		SystemEntityID:      "tunewave",
		DefaultPageSize:     50,
		MaxPageSize:         200,
		DefaultLedgerWindow: 90 * 24 * time.Hour,
		MaxLedgerWindow:     366 * 24 * time.Hour,
		CallbackSecret:      testCallbackSecret,
		WebhookSecret:       testWebhookSecret,
		IdempotencyTTL:      time.Hour,
	}
}

func newFixture(t *testing.T, tweaks ...func(*config.LedgerConfig)) *fixture {
	t.Helper()
	cfg := testConfig()
	for _, tweak := range tweaks {
		tweak(cfg)
	}

	f := &fixture{
		store:     memory.New(),
		rail:      &MockRail{},
		publisher: &MockPublisher{},
		cfg:       cfg,
	}
	f.rail.On("Submit", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	f.executor = ledger.NewExecutor(f.store, ledger.WithPublisher(f.publisher))
	f.wallets = NewWalletService(f.store, f.executor, cfg)
	f.payouts = NewPayoutService(f.store, f.executor, f.rail, f.publisher, cfg)
	f.invoices = NewInvoiceService(f.store, f.executor)
	f.royalties = NewRoyaltyService(f.executor, cfg)

	api := &API{
		Wallets:        f.wallets,
		Payouts:        f.payouts,
		Invoices:       f.invoices,
		Royalties:      f.royalties,
		IdempotencyTTL: cfg.IdempotencyTTL,
		CallbackSecret: cfg.CallbackSecret,
		WebhookSecret:  cfg.WebhookSecret,
	}
	r := chi.NewRouter()
	r.Route("/api/v1", api.Mount)
	f.router = r

	viper.Set("jwt.secret_key", testJWTSecret)
	t.Cleanup(viper.Reset)
	return f
}

// fund credits amount to key through a commission-free royalty
func (f *fixture) fund(t *testing.T, key models.AccountKey, amount, reference string) {
	t.Helper()
	zero := decimal.Zero
	_, err := f.royalties.DistributeRoyalty(context.Background(), RoyaltyEvent{
		EntityType:     key.EntityType,
		EntityID:       key.EntityID,
		Currency:       key.Currency,
		Amount:         decimal.RequireFromString(amount),
		Reference:      reference,
		CommissionRate: &zero,
	})
	require.NoError(t, err)
}

func (f *fixture) account(t *testing.T, key models.AccountKey) models.WalletAccount {
	t.Helper()
	acct, err := f.store.GetAccount(context.Background(), key)
	require.NoError(t, err)
	return *acct
}

func (f *fixture) syncInvoice(t *testing.T, id string, key models.AccountKey, total string) {
	t.Helper()
	_, err := f.invoices.SyncInvoice(context.Background(), InvoiceSync{
		InvoiceID:  id,
		CustomerID: "cus-1",
		TenantType: key.EntityType,
		TenantID:   key.EntityID,
		Status:     "unpaid",
		Total:      decimal.RequireFromString(total),
		Currency:   key.Currency,
	})
	require.NoError(t, err)
}

func tenantToken(t *testing.T, key models.AccountKey) string {
	return signTestToken(t, jwt.MapClaims{
		"user_id":     "user-" + key.EntityID,
		"role":        models.RoleTenant,
		"entity_type": string(key.EntityType),
		"entity_id":   key.EntityID,
		"exp":         time.Now().Add(time.Hour).Unix(),
	})
}

func operatorToken(t *testing.T) string {
	return signTestToken(t, jwt.MapClaims{
		"user_id": "op-1",
		"role":    models.RoleOperator,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
}

func signTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
