// Package store defines the persistence contract of the wallet engine.
// Only the ledger executor writes ledger entries and wallet accounts, always through a Tx.
package store

import (
	"context"
	"errors"

	"github.com/tunewave/backend/internal/models"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrDuplicateEntry = errors.New("store: duplicate ledger entry")
	ErrStateConflict  = errors.New("store: row not in expected state")
	ErrCheckViolation = errors.New("store: balance constraint violated")
)

// Store is the read side plus the transaction entry point
type Store interface {
	// RunInTx runs fn inside one atomic unit. fn's error rolls everything back.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetAccount(ctx context.Context, key models.AccountKey) (*models.WalletAccount, error)
	ListEntries(ctx context.Context, filter models.LedgerFilter) ([]models.LedgerEntry, error)
	SumEntries(ctx context.Context, key models.AccountKey) (models.LedgerSum, error)

	NextPayoutID(ctx context.Context) (int64, error)
	GetPayout(ctx context.Context, payoutID int64) (*models.PayoutTransaction, error)
	ListPayouts(ctx context.Context, filter models.PayoutFilter) ([]models.PayoutTransaction, error)
	// TransitionPayout applies a status change that has no ledger effect (approval)
	TransitionPayout(ctx context.Context, t models.PayoutTransition) (*models.PayoutTransaction, error)

	GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error)
	// UpsertInvoice inserts or refreshes an invoice by id. A Paid invoice is never moved back to Unpaid
	// and keeps the tenant, currency and total it was paid with.
	UpsertInvoice(ctx context.Context, inv *models.Invoice) (*models.Invoice, error)

	Close() error
}

// Tx is one atomic unit of work
type Tx interface {
	// LockAccount returns the account row locked until the unit ends, creating a zero row when absent
	LockAccount(ctx context.Context, key models.AccountKey) (acct *models.WalletAccount, created bool, err error)
	UpdateAccount(ctx context.Context, acct *models.WalletAccount) error

	FindEntries(ctx context.Context, entryType models.EntryType, reference string) ([]models.LedgerEntry, error)
	// InsertEntry assigns ID and CreatedAt. Returns ErrDuplicateEntry on an idempotency key collision.
	InsertEntry(ctx context.Context, entry *models.LedgerEntry) error

	InsertPayout(ctx context.Context, p *models.PayoutTransaction) error
	TransitionPayout(ctx context.Context, t models.PayoutTransition) (*models.PayoutTransaction, error)

	// MarkInvoicePaid flips an Unpaid invoice that still bills p.Account for p.Amount.
	// Anything else that exists is ErrStateConflict.
	MarkInvoicePaid(ctx context.Context, p models.InvoicePayment) (*models.Invoice, error)
}
