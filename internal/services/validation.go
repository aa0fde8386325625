package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"reflect"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/tunewave/backend/internal/ledger"
	"github.com/tunewave/backend/internal/middleware"
	"github.com/tunewave/backend/internal/models"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error     string            `json:"error"`               // Error message
	Details   map[string]string `json:"details,omitempty"`   // Validation details
	Available string            `json:"available,omitempty"` // Available funds on insufficient funds
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return &ValidationHelper{
		validator: v,
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	errorResp := ErrorResponse{Error: message}

	var fieldErrs validator.ValidationErrors
	var ledgerErr ledger.ValidationError
	switch {
	case errors.As(validationErr, &fieldErrs):
		errorResp.Details = make(map[string]string)
		for _, err := range fieldErrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	case errors.As(validationErr, &ledgerErr):
		errorResp.Details = map[string]string{ledgerErr.Field: ledgerErr.Message}
	}

	SendJSON(w, statusCode, errorResp)
}

// SendJSON writes v as the JSON response body
func SendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// SendServiceError maps ledger errors onto HTTP responses
func SendServiceError(w http.ResponseWriter, err error) {
	var fundsErr *ledger.InsufficientFundsError
	var fieldErrs validator.ValidationErrors
	switch {
	case errors.As(err, &fieldErrs):
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
	case errors.As(err, &fundsErr):
		SendJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:     "Insufficient funds",
			Available: fundsErr.Available.StringFixed(2),
		})
	case errors.Is(err, ledger.ErrInvalidRequest):
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
	case errors.Is(err, ledger.ErrUnsupportedPaymentMethod):
		SendErrorResponse(w, "Unsupported payment method", http.StatusBadRequest, nil)
	case errors.Is(err, ledger.ErrInvalidStateTransition):
		SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.Is(err, ledger.ErrPayoutNotFound):
		SendErrorResponse(w, "Payout not found", http.StatusNotFound, nil)
	case errors.Is(err, ledger.ErrInvoiceNotFound):
		SendErrorResponse(w, "Invoice not found", http.StatusNotFound, nil)
	case errors.Is(err, ledger.ErrAccountNotFound):
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
	default:
		log.Printf("[HTTP] Internal error: %v", err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}

// decodeJSONBody reads exactly one JSON object into dst, writing the error response itself on failure
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// authorize checks the caller may act on the entity, writing 401/403 itself
func authorize(w http.ResponseWriter, r *http.Request, entityType models.EntityType, entityID string) (models.Principal, bool) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return p, false
	}
	if !p.CanAccess(entityType, entityID) {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return p, false
	}
	return p, true
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ledger.ValidationError{Field: name, Message: "must be an integer"}
	}
	return v, nil
}
