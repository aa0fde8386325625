package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies the kind of tenant that owns a wallet
type EntityType string

const (
	EntityLabel      EntityType = "Label"
	EntityEnterprise EntityType = "Enterprise"
	EntityArtist     EntityType = "Artist"
	EntitySystem     EntityType = "System"
)

// Valid reports whether t is one of the known entity types
func (t EntityType) Valid() bool {
	switch t {
	case EntityLabel, EntityEnterprise, EntityArtist, EntitySystem:
		return true
	}
	return false
}

// AccountKey addresses one wallet account. Currency is never defaulted.
type AccountKey struct {
	EntityType EntityType `json:"entityType" validate:"required,oneof=Label Enterprise Artist System"`
	EntityID   string     `json:"entityId" validate:"required,max=64"`
	Currency   string     `json:"currency" validate:"required,len=3,uppercase"`
}

func (k AccountKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.EntityType, k.EntityID, k.Currency)
}

// Less orders keys so that multi-account locks are always taken in the same order
func (k AccountKey) Less(other AccountKey) bool {
	if k.EntityType != other.EntityType {
		return k.EntityType < other.EntityType
	}
	if k.EntityID != other.EntityID {
		return k.EntityID < other.EntityID
	}
	return k.Currency < other.Currency
}

// WalletAccount is the materialized balance of one (entity, currency) pair
type WalletAccount struct {
	AccountKey
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Reserved  decimal.Decimal `json:"reserved" db:"reserved"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}

// Available is balance minus reserved
func (a WalletAccount) Available() decimal.Decimal {
	return a.Balance.Sub(a.Reserved)
}

// BalanceSnapshot is the read model returned by balance queries
type BalanceSnapshot struct {
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
	Reserved   decimal.Decimal `json:"reserved"`
	Available  decimal.Decimal `json:"available"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Snapshot converts the account into its read model
func (a WalletAccount) Snapshot() BalanceSnapshot {
	return BalanceSnapshot{
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		Currency:   a.Currency,
		Balance:    a.Balance,
		Reserved:   a.Reserved,
		Available:  a.Available(),
		UpdatedAt:  a.UpdatedAt,
	}
}

// NewWalletAccount returns a zero account for key
func NewWalletAccount(key AccountKey, now time.Time) *WalletAccount {
	return &WalletAccount{
		AccountKey: key,
		Balance:    decimal.Zero,
		Reserved:   decimal.Zero,
		UpdatedAt:  now,
	}
}
