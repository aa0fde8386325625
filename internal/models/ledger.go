package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EntryType classifies a ledger entry. Together with Reference it forms the idempotency key.
type EntryType string

const (
	EntryRoyaltyCredit      EntryType = "RoyaltyCredit"
	EntrySaaSFeeDebit       EntryType = "SaaSFeeDebit"
	EntryTunewaveCommission EntryType = "TunewaveCommission"
	EntryPayoutLock         EntryType = "PayoutLock"
	EntryPayoutSettle       EntryType = "PayoutSettle"
	EntryPayoutLockReversal EntryType = "PayoutLockReversal"
	EntryAdjustmentCredit   EntryType = "AdjustmentCredit"
	EntryAdjustmentDebit    EntryType = "AdjustmentDebit"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryRoyaltyCredit, EntrySaaSFeeDebit, EntryTunewaveCommission,
		EntryPayoutLock, EntryPayoutSettle, EntryPayoutLockReversal,
		EntryAdjustmentCredit, EntryAdjustmentDebit:
		return true
	}
	return false
}

// LedgerEntry is one immutable, signed monetary fact.
// Amount is the entry's effect on the account's available funds.
type LedgerEntry struct {
	ID         int64           `json:"id" db:"id"`
	EntityType EntityType      `json:"entityType" db:"entity_type"`
	EntityID   string          `json:"entityId" db:"entity_id"`
	Currency   string          `json:"currency" db:"currency"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	EntryType  EntryType       `json:"entryType" db:"entry_type"`
	Reference  string          `json:"reference" db:"reference"`
	Notes      string          `json:"notes,omitempty" db:"notes"`
	CreatedAt  time.Time       `json:"createdAt" db:"created_at"`
}

// Account returns the key of the account the entry belongs to
func (e LedgerEntry) Account() AccountKey {
	return AccountKey{EntityType: e.EntityType, EntityID: e.EntityID, Currency: e.Currency}
}

// NewEntry builds an entry draft for key
func NewEntry(key AccountKey, entryType EntryType, amount decimal.Decimal, reference, notes string) LedgerEntry {
	return LedgerEntry{
		EntityType: key.EntityType,
		EntityID:   key.EntityID,
		Currency:   key.Currency,
		Amount:     amount,
		EntryType:  entryType,
		Reference:  reference,
		Notes:      notes,
	}
}

// LedgerFilter selects a page of an account's history
type LedgerFilter struct {
	EntityType EntityType
	EntityID   string
	Currency   string // optional
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Reference helpers shared by the workflows.

func PayoutReference(payoutID int64) string {
	return fmt.Sprintf("payout:%d", payoutID)
}

func InvoiceReference(invoiceID string) string {
	return "invoice:" + invoiceID
}

func RoyaltyReference(ref string) string {
	return "royalty:" + ref
}

func AdjustmentReference(ref string) string {
	return "adjustment:" + ref
}

// AccountOpenReference marks the zero-amount entry that opens an account
const AccountOpenReference = "account-open"

// LedgerSum aggregates an account's history for reconciliation
type LedgerSum struct {
	Total decimal.Decimal `json:"total"`
	Count int64           `json:"count"`
}
