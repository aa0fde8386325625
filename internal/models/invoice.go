package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceUnpaid InvoiceStatus = "Unpaid"
	InvoicePaid   InvoiceStatus = "Paid"
)

type PaymentMethod string

const (
	PaymentWallet   PaymentMethod = "WALLET"
	PaymentExternal PaymentMethod = "EXTERNAL"
)

// Invoice mirrors the billing subsystem's invoice. Only Unpaid -> Paid happens here.
type Invoice struct {
	InvoiceID     string          `json:"invoiceId" db:"invoice_id"`
	CustomerID    string          `json:"customerId" db:"customer_id"`
	TenantType    EntityType      `json:"tenantType" db:"tenant_type"`
	TenantID      string          `json:"tenantId" db:"tenant_id"`
	TotalAmount   decimal.Decimal `json:"totalAmount" db:"total_amount"`
	Currency      string          `json:"currency" db:"currency"`
	Status        InvoiceStatus   `json:"status" db:"status"`
	DueDate       *time.Time      `json:"dueDate,omitempty" db:"due_date"`
	PaidAt        *time.Time      `json:"paidAt,omitempty" db:"paid_at"`
	PaymentMethod PaymentMethod   `json:"paymentMethod,omitempty" db:"payment_method"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time       `json:"updatedAt" db:"updated_at"`
}

// Account returns the tenant wallet that pays the invoice
func (i Invoice) Account() AccountKey {
	return AccountKey{EntityType: i.TenantType, EntityID: i.TenantID, Currency: i.Currency}
}

// InvoicePayment is the wallet debit an invoice is marked Paid against.
// The invoice only flips when it still bills exactly this account and amount.
type InvoicePayment struct {
	InvoiceID string
	Account   AccountKey
	Amount    decimal.Decimal
	Method    PaymentMethod
	PaidAt    time.Time
}

// PaymentFor captures what the invoice bills right now
func (i Invoice) PaymentFor(method PaymentMethod, paidAt time.Time) InvoicePayment {
	return InvoicePayment{
		InvoiceID: i.InvoiceID,
		Account:   i.Account(),
		Amount:    i.TotalAmount,
		Method:    method,
		PaidAt:    paidAt,
	}
}

// Covers reports whether p settles inv as it is billed now
func (p InvoicePayment) Covers(inv Invoice) bool {
	return inv.Status == InvoiceUnpaid && inv.Account() == p.Account && inv.TotalAmount.Equal(p.Amount)
}
