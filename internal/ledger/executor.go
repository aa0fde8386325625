// Package ledger holds the transaction executor: the single code path that writes
// ledger entries and wallet balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tunewave/backend/internal/audit"
	"github.com/tunewave/backend/internal/models"
	"github.com/tunewave/backend/internal/store"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// IdempotencyKey is the (entryType, reference) pair that makes a retried call a no-op
type IdempotencyKey struct {
	EntryType models.EntryType
	Reference string
}

func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%s/%s", k.EntryType, k.Reference)
}

// Posting is the balance/reserved movement of one account
type Posting struct {
	Account       models.AccountKey
	BalanceDelta  decimal.Decimal
	ReservedDelta decimal.Decimal
}

// AvailableDelta is the change in available funds the posting causes
func (p Posting) AvailableDelta() decimal.Decimal {
	return p.BalanceDelta.Sub(p.ReservedDelta)
}

// Hook runs inside the executor's unit. An error rolls the unit back.
type Hook func(ctx context.Context, tx store.Tx) error

type Request struct {
	Key      IdempotencyKey
	Entries  []models.LedgerEntry
	Postings []Posting
	// Guards run after the accounts are locked and the key is known to be new, before the funds check
	Guards []Hook
	// Hooks run after the ledger writes
	Hooks []Hook
}

type Result struct {
	Entries   []models.LedgerEntry   `json:"entries"`
	Accounts  []models.WalletAccount `json:"accounts"`
	Duplicate bool                   `json:"duplicate"`
}

// Account returns the post-commit snapshot of key
func (r *Result) Account(key models.AccountKey) (models.WalletAccount, bool) {
	for _, a := range r.Accounts {
		if a.AccountKey == key {
			return a, true
		}
	}
	return models.WalletAccount{}, false
}

// Publisher receives post-commit events
type Publisher interface {
	Publish(ctx context.Context, key string, value any) error
}

// AppliedEvent is emitted after every committed application
type AppliedEvent struct {
	Type       string                 `json:"type"`
	Key        string                 `json:"key"`
	Entries    []models.LedgerEntry   `json:"entries"`
	Accounts   []models.WalletAccount `json:"accounts"`
	OccurredAt time.Time              `json:"occurredAt"`
}

type Executor struct {
	store     store.Store
	publisher Publisher
	audit     *audit.Logger
	now       func() time.Time
}

type Option func(*Executor)

func WithPublisher(p Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

func WithAuditLogger(a *audit.Logger) Option {
	return func(e *Executor) { e.audit = a }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(s store.Store, opts ...Option) *Executor {
	e := &Executor{
		store: s,
		audit: audit.NewLogger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now is the executor's clock, shared with the workflows so timestamps agree
func (e *Executor) Now() time.Time {
	return e.now().UTC()
}

// Apply writes req's entries and postings as one atomic unit.
// Accounts are locked in key order before the idempotency and funds checks.
func (e *Executor) Apply(ctx context.Context, req Request) (*Result, error) {
	postings, err := prepare(req)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, req, postings, true)
}

func (e *Executor) apply(ctx context.Context, req Request, postings []Posting, replayOnCollision bool) (*Result, error) {
	var result *Result
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		result = nil

		accounts := make(map[models.AccountKey]*models.WalletAccount, len(postings))
		for _, p := range postings {
			acct, created, err := tx.LockAccount(ctx, p.Account)
			if err != nil {
				return storageErr("lock account", err)
			}
			if created {
				log.Printf("[LEDGER] Created wallet account %s", p.Account)
			}
			accounts[p.Account] = acct
		}

		prior, err := tx.FindEntries(ctx, req.Key.EntryType, req.Key.Reference)
		if err != nil {
			return storageErr("find entries", err)
		}
		if len(prior) > 0 {
			result = &Result{Entries: prior, Accounts: snapshots(accounts, postings), Duplicate: true}
			return nil
		}

		for _, guard := range req.Guards {
			if err := guard(ctx, tx); err != nil {
				return err
			}
		}

		now := e.Now()
		for _, p := range postings {
			acct := accounts[p.Account]
			balance := acct.Balance.Add(p.BalanceDelta)
			reserved := acct.Reserved.Add(p.ReservedDelta)
			if reserved.IsNegative() {
				return fmt.Errorf("%w: %s", ErrReservationUnderflow, p.Account)
			}
			if balance.Sub(reserved).IsNegative() {
				return &InsufficientFundsError{
					Account:   p.Account,
					Available: acct.Available(),
					Requested: p.AvailableDelta().Neg(),
				}
			}
			acct.Balance = balance
			acct.Reserved = reserved
			acct.UpdatedAt = now
		}

		entries := make([]models.LedgerEntry, 0, len(req.Entries))
		for _, draft := range req.Entries {
			entry := draft
			entry.ID = 0
			entry.CreatedAt = now
			if err := tx.InsertEntry(ctx, &entry); err != nil {
				if errors.Is(err, store.ErrDuplicateEntry) {
					return err
				}
				return storageErr("insert entry", err)
			}
			entries = append(entries, entry)
		}

		for _, p := range postings {
			acct := accounts[p.Account]
			if err := tx.UpdateAccount(ctx, acct); err != nil {
				if errors.Is(err, store.ErrCheckViolation) {
					return &InsufficientFundsError{
						Account:   p.Account,
						Available: acct.Available().Sub(p.AvailableDelta()),
						Requested: p.AvailableDelta().Neg(),
					}
				}
				return storageErr("update account", err)
			}
		}

		for _, hook := range req.Hooks {
			if err := hook(ctx, tx); err != nil {
				return err
			}
		}

		result = &Result{Entries: entries, Accounts: snapshots(accounts, postings)}
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicateEntry) && replayOnCollision:
		// a concurrent call with the same key committed first
		log.Printf("[LEDGER] Idempotency collision on %s, returning prior result", req.Key)
		return e.apply(ctx, req, postings, false)
	case classified(err):
		e.audit.LogError(req.Key.Reference, postings[0].Account.String(), err)
		return nil, err
	default:
		e.audit.LogError(req.Key.Reference, postings[0].Account.String(), err)
		return nil, storageErr("apply", err)
	}

	if result.Duplicate {
		log.Printf("[LEDGER] Duplicate request %s ignored", req.Key)
		return result, nil
	}

	e.audit.LogEntries(result.Entries)
	e.publish(ctx, req.Key, result)
	return result, nil
}

// OpenAccount creates key with a zero-amount adjustment, or returns the existing account
func (e *Executor) OpenAccount(ctx context.Context, key models.AccountKey) (models.WalletAccount, error) {
	res, err := e.Apply(ctx, Request{
		Key: IdempotencyKey{EntryType: models.EntryAdjustmentCredit, Reference: models.AccountOpenReference + ":" + key.String()},
		Entries: []models.LedgerEntry{
			models.NewEntry(key, models.EntryAdjustmentCredit, decimal.Zero, models.AccountOpenReference+":"+key.String(), "account opened"),
		},
		Postings: []Posting{{Account: key, BalanceDelta: decimal.Zero, ReservedDelta: decimal.Zero}},
	})
	if err != nil {
		return models.WalletAccount{}, err
	}
	acct, _ := res.Account(key)
	return acct, nil
}

func (e *Executor) publish(ctx context.Context, key IdempotencyKey, result *Result) {
	if e.publisher == nil {
		return
	}
	event := AppliedEvent{
		Type:       "ledger.applied",
		Key:        key.String(),
		Entries:    result.Entries,
		Accounts:   result.Accounts,
		OccurredAt: e.Now(),
	}
	if err := e.publisher.Publish(ctx, key.Reference, event); err != nil {
		log.Printf("[LEDGER] Failed to publish ledger event for %s: %v", key, err)
	}
}

// prepare validates req and returns its postings merged per account, in lock order
func prepare(req Request) ([]Posting, error) {
	if !req.Key.EntryType.Valid() {
		return nil, ValidationError{Field: "entryType", Message: "unknown entry type"}
	}
	if req.Key.Reference == "" {
		return nil, ValidationError{Field: "reference", Message: "idempotency reference is required"}
	}
	if len(req.Entries) == 0 || len(req.Postings) == 0 {
		return nil, ValidationError{Field: "entries", Message: "at least one entry and one posting are required"}
	}

	merged := make(map[models.AccountKey]Posting, len(req.Postings))
	for _, p := range req.Postings {
		if err := validateAccount(p.Account); err != nil {
			return nil, err
		}
		cur, ok := merged[p.Account]
		if !ok {
			cur = Posting{Account: p.Account, BalanceDelta: decimal.Zero, ReservedDelta: decimal.Zero}
		}
		cur.BalanceDelta = cur.BalanceDelta.Add(p.BalanceDelta)
		cur.ReservedDelta = cur.ReservedDelta.Add(p.ReservedDelta)
		merged[p.Account] = cur
	}

	sums := make(map[models.AccountKey]decimal.Decimal, len(merged))
	keyed := false
	for _, entry := range req.Entries {
		if !entry.EntryType.Valid() {
			return nil, ValidationError{Field: "entryType", Message: fmt.Sprintf("unknown entry type %q", entry.EntryType)}
		}
		if entry.Reference == "" {
			return nil, ValidationError{Field: "reference", Message: "entry reference is required"}
		}
		key := entry.Account()
		if _, ok := merged[key]; !ok {
			return nil, ValidationError{Field: "entries", Message: fmt.Sprintf("entry for %s has no posting", key)}
		}
		sums[key] = sums[key].Add(entry.Amount)
		if entry.EntryType == req.Key.EntryType && entry.Reference == req.Key.Reference {
			keyed = true
		}
	}
	if !keyed {
		return nil, ValidationError{Field: "reference", Message: "no entry carries the idempotency key"}
	}

	postings := make([]Posting, 0, len(merged))
	for key, p := range merged {
		if !sums[key].Equal(p.AvailableDelta()) {
			return nil, ValidationError{
				Field:   "postings",
				Message: fmt.Sprintf("entries for %s sum to %s but postings move available funds by %s", key, sums[key], p.AvailableDelta()),
			}
		}
		postings = append(postings, p)
	}
	sort.Slice(postings, func(i, j int) bool {
		return postings[i].Account.Less(postings[j].Account)
	})
	return postings, nil
}

func validateAccount(key models.AccountKey) error {
	if !key.EntityType.Valid() {
		return ValidationError{Field: "entityType", Message: fmt.Sprintf("unknown entity type %q", key.EntityType)}
	}
	if key.EntityID == "" {
		return ValidationError{Field: "entityId", Message: "entity id is required"}
	}
	if !currencyPattern.MatchString(key.Currency) {
		return ValidationError{Field: "currency", Message: "currency must be a 3-letter upper-case code"}
	}
	return nil
}

// ValidateAccount is exported for the read paths, which share the key rules
func ValidateAccount(key models.AccountKey) error {
	return validateAccount(key)
}

func snapshots(accounts map[models.AccountKey]*models.WalletAccount, postings []Posting) []models.WalletAccount {
	out := make([]models.WalletAccount, 0, len(postings))
	for _, p := range postings {
		out = append(out, *accounts[p.Account])
	}
	return out
}

func classified(err error) bool {
	for _, target := range []error{
		ErrInsufficientFunds, ErrInvalidStateTransition, ErrStorageFailure, ErrInvalidRequest,
		ErrReservationUnderflow, ErrPayoutNotFound, ErrInvoiceNotFound, ErrUnsupportedPaymentMethod,
		ErrAccountNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
