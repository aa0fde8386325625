package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/tunewave/backend/internal/ledger"
	"github.com/tunewave/backend/internal/models"
)

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid payout request", func(t *testing.T) {
		req := payoutRequest(artistUSD, "12.34")
		assert.NoError(t, vh.ValidateStruct(&req))
	})

	t.Run("decimal amounts are compared numerically", func(t *testing.T) {
		req := payoutRequest(artistUSD, "-0.01")
		err := vh.ValidateStruct(&req)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 1)
		assert.Equal(t, "Amount", validationErrors[0].Field())
		assert.Equal(t, "gt", validationErrors[0].Tag())
	})

	t.Run("missing required fields", func(t *testing.T) {
		err := vh.ValidateStruct(&PayoutRequest{})
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 5) // EntityType, EntityID, Currency, Amount, BankDetails
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("error response without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("error response with validation errors", func(t *testing.T) {
		validationErr := NewValidationHelper().ValidateStruct(&PayoutRequest{Currency: "usd"})
		assert.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Validation failed", response.Error)
		assert.Contains(t, response.Details, "Currency")
		assert.Contains(t, response.Details, "Amount")
	})

	t.Run("error response with a ledger validation error", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest,
			fmt.Errorf("wrapped: %w", ledger.ValidationError{Field: "pageSize", Message: "too large"}))

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "too large", response.Details["pageSize"])
	})
}

func TestSendServiceError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{
			name: "insufficient funds",
			err: &ledger.InsufficientFundsError{
				Account:   artistUSD,
				Available: dec("600"),
				Requested: dec("700"),
			},
			status: http.StatusUnprocessableEntity,
			body:   `"available":"600.00"`,
		},
		{"validation", ledger.ValidationError{Field: "amount", Message: "must be positive"}, http.StatusBadRequest, `"amount":"must be positive"`},
		{"state transition", fmt.Errorf("%w: payout 1 is COMPLETED", ledger.ErrInvalidStateTransition), http.StatusConflict, "COMPLETED"},
		{"unsupported method", ledger.ErrUnsupportedPaymentMethod, http.StatusBadRequest, "Unsupported payment method"},
		{"payout not found", fmt.Errorf("%w: 7", ledger.ErrPayoutNotFound), http.StatusNotFound, "Payout not found"},
		{"invoice not found", ledger.ErrInvoiceNotFound, http.StatusNotFound, "Invoice not found"},
		{"account not found", ledger.ErrAccountNotFound, http.StatusNotFound, "Account not found"},
		{"storage failure", ledger.WrapStorage("get account", errors.New("connection reset")), http.StatusInternalServerError, "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SendServiceError(w, tt.err)
			assert.Equal(t, tt.status, w.Code)
			assert.True(t, strings.Contains(w.Body.String(), tt.body), w.Body.String())
			assert.NotContains(t, w.Body.String(), "connection reset")
		})
	}
}

func TestNewValidationHelper(t *testing.T) {
	vh := NewValidationHelper()
	assert.NotNil(t, vh)
	assert.NotNil(t, vh.validator)
}

func TestDecodeJSONBody(t *testing.T) {
	t.Run("single object", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"paymentMethod":"WALLET"}`))
		w := httptest.NewRecorder()
		var req PayInvoiceRequest
		assert.True(t, decodeJSONBody(w, r, &req))
		assert.Equal(t, models.PaymentWallet, req.PaymentMethod)
	})

	t.Run("trailing data", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"paymentMethod":"WALLET"}{}`))
		w := httptest.NewRecorder()
		var req PayInvoiceRequest
		assert.False(t, decodeJSONBody(w, r, &req))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
