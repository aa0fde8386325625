package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tunewave/backend/internal/models"
)

var (
	ErrInsufficientFunds        = errors.New("ledger: insufficient funds")
	ErrInvalidStateTransition   = errors.New("ledger: invalid state transition")
	ErrAccountNotFound          = errors.New("ledger: account not found")
	ErrStorageFailure           = errors.New("ledger: storage failure")
	ErrDuplicateRequest         = errors.New("ledger: duplicate request")
	ErrInvalidRequest           = errors.New("ledger: invalid request")
	ErrReservationUnderflow     = errors.New("ledger: reserved funds would become negative")
	ErrPayoutNotFound           = errors.New("ledger: payout not found")
	ErrInvoiceNotFound          = errors.New("ledger: invoice not found")
	ErrUnsupportedPaymentMethod = errors.New("ledger: unsupported payment method")
)

// InsufficientFundsError carries the available balance so callers can retry with a smaller amount
type InsufficientFundsError struct {
	Account   models.AccountKey
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("ledger: insufficient funds on %s: available %s, requested %s",
		e.Account, e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// ValidationError represents a rejected request field
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("ledger: validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// IsUserFacing reports whether err is a recoverable rejection rather than a system failure
func IsUserFacing(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnsupportedPaymentMethod)
}

// WrapStorage classifies err as a storage failure
func WrapStorage(op string, err error) error {
	return storageErr(op, err)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageFailure, op, err)
}
