package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayoutStatus is the state of a payout in the reservation workflow
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutApproved  PayoutStatus = "APPROVED"
	PayoutRejected  PayoutStatus = "REJECTED"
	PayoutCompleted PayoutStatus = "COMPLETED"
	PayoutFailed    PayoutStatus = "FAILED"
)

// Terminal reports whether no further transition is possible
func (s PayoutStatus) Terminal() bool {
	return s == PayoutRejected || s == PayoutCompleted || s == PayoutFailed
}

// PayoutTransaction is a two-phase withdrawal from a wallet
type PayoutTransaction struct {
	PayoutID          int64           `json:"payoutId" db:"payout_id"`
	EntityType        EntityType      `json:"entityType" db:"entity_type"`
	EntityID          string          `json:"entityId" db:"entity_id"`
	Currency          string          `json:"currency" db:"currency"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	FeeAmount         decimal.Decimal `json:"feeAmount" db:"fee_amount"`
	NetAmount         decimal.Decimal `json:"netAmount" db:"net_amount"`
	Status            PayoutStatus    `json:"status" db:"status"`
	BankDetails       Metadata        `json:"bankDetails" db:"bank_details"`
	RequestedByUserID string          `json:"requestedByUserId" db:"requested_by_user_id"`
	ProcessedByUserID string          `json:"processedByUserId,omitempty" db:"processed_by_user_id"`
	ProcessedAt       *time.Time      `json:"processedAt,omitempty" db:"processed_at"`
	Notes             string          `json:"notes,omitempty" db:"notes"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time       `json:"updatedAt" db:"updated_at"`
}

// Account returns the wallet the payout draws from
func (p PayoutTransaction) Account() AccountKey {
	return AccountKey{EntityType: p.EntityType, EntityID: p.EntityID, Currency: p.Currency}
}

// PayoutTransition describes a conditional status change
type PayoutTransition struct {
	PayoutID    int64
	From        []PayoutStatus
	To          PayoutStatus
	ProcessedBy string
	At          time.Time
	Notes       string
}

// Allows reports whether the transition may start from status
func (t PayoutTransition) Allows(status PayoutStatus) bool {
	for _, s := range t.From {
		if s == status {
			return true
		}
	}
	return false
}

// PayoutFilter selects payouts for listing
type PayoutFilter struct {
	EntityType EntityType
	EntityID   string
	Status     PayoutStatus
	Limit      int
	Offset     int
}
