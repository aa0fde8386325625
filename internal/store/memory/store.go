// Package memory is an in-process Store used by tests and local runs.
// Account rows are locked with one mutex per key; writes are staged and become
// visible together when the unit commits.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunewave/backend/internal/models"
	"github.com/tunewave/backend/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	accounts map[models.AccountKey]models.WalletAccount
	entries  []models.LedgerEntry
	byKey    map[string][]int
	unique   map[string]struct{}
	payouts  map[int64]models.PayoutTransaction
	invoices map[string]models.Invoice

	locksMu sync.Mutex
	locks   map[models.AccountKey]*sync.Mutex

	entrySeq  int64
	payoutSeq int64
	now       func() time.Time
}

func New() *Store {
	return &Store{
		accounts: make(map[models.AccountKey]models.WalletAccount),
		byKey:    make(map[string][]int),
		unique:   make(map[string]struct{}),
		payouts:  make(map[int64]models.PayoutTransaction),
		invoices: make(map[string]models.Invoice),
		locks:    make(map[models.AccountKey]*sync.Mutex),
		now:      time.Now,
	}
}

func idempotencyKey(entryType models.EntryType, reference string) string {
	return string(entryType) + "|" + reference
}

func uniqueKey(e models.LedgerEntry) string {
	return idempotencyKey(e.EntryType, e.Reference) + "|" + e.Account().String()
}

func (s *Store) accountLock(key models.AccountKey) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		store:    s,
		held:     make(map[models.AccountKey]*sync.Mutex),
		accounts: make(map[models.AccountKey]*models.WalletAccount),
		payouts:  make(map[int64]*models.PayoutTransaction),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (s *Store) GetAccount(ctx context.Context, key models.AccountKey) (*models.WalletAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &acct, nil
}

func (s *Store) ListEntries(ctx context.Context, filter models.LedgerFilter) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.EntityType != filter.EntityType || e.EntityID != filter.EntityID {
			continue
		}
		if filter.Currency != "" && e.Currency != filter.Currency {
			continue
		}
		if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.CreatedAt.After(filter.To) {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *Store) SumEntries(ctx context.Context, key models.AccountKey) (models.LedgerSum, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := models.LedgerSum{}
	for _, e := range s.entries {
		if e.Account() == key {
			sum.Total = sum.Total.Add(e.Amount)
			sum.Count++
		}
	}
	return sum, nil
}

func (s *Store) NextPayoutID(ctx context.Context) (int64, error) {
	return atomic.AddInt64(&s.payoutSeq, 1), nil
}

func (s *Store) GetPayout(ctx context.Context, payoutID int64) (*models.PayoutTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payouts[payoutID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListPayouts(ctx context.Context, filter models.PayoutFilter) ([]models.PayoutTransaction, error) {
	s.mu.RLock()
	var out []models.PayoutTransaction
	for _, p := range s.payouts {
		if filter.EntityType != "" && p.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && p.EntityID != filter.EntityID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PayoutID > out[j].PayoutID })
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *Store) TransitionPayout(ctx context.Context, t models.PayoutTransition) (*models.PayoutTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated, err := s.transitionLocked(t)
	if err != nil {
		return nil, err
	}
	s.payouts[updated.PayoutID] = *updated
	return updated, nil
}

// transitionLocked computes the transitioned payout; s.mu must be held
func (s *Store) transitionLocked(t models.PayoutTransition) (*models.PayoutTransaction, error) {
	p, ok := s.payouts[t.PayoutID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !t.Allows(p.Status) {
		return nil, store.ErrStateConflict
	}
	at := t.At
	p.Status = t.To
	p.ProcessedByUserID = t.ProcessedBy
	p.ProcessedAt = &at
	p.UpdatedAt = at
	if t.Notes != "" {
		p.Notes = t.Notes
	}
	return &p, nil
}

func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &inv, nil
}

func (s *Store) UpsertInvoice(ctx context.Context, inv *models.Invoice) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	next := *inv
	if existing, ok := s.invoices[inv.InvoiceID]; ok {
		next.CreatedAt = existing.CreatedAt
		if existing.Status == models.InvoicePaid {
			next.Status = models.InvoicePaid
			next.PaidAt = existing.PaidAt
			next.PaymentMethod = existing.PaymentMethod
			next.TenantType = existing.TenantType
			next.TenantID = existing.TenantID
			next.TotalAmount = existing.TotalAmount
			next.Currency = existing.Currency
		}
	} else if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	s.invoices[next.InvoiceID] = next
	return &next, nil
}

func (s *Store) Close() error { return nil }

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

type memTx struct {
	store *Store
	held  map[models.AccountKey]*sync.Mutex

	accounts map[models.AccountKey]*models.WalletAccount
	entries  []models.LedgerEntry
	payouts  map[int64]*models.PayoutTransaction
	inserted []int64
	moves    []models.PayoutTransition
	invoices []models.InvoicePayment
	done     bool
}

func (t *memTx) release() {
	for _, l := range t.held {
		l.Unlock()
	}
	t.held = nil
}

func (t *memTx) LockAccount(ctx context.Context, key models.AccountKey) (*models.WalletAccount, bool, error) {
	if acct, ok := t.accounts[key]; ok {
		return acct, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l := t.store.accountLock(key)
	l.Lock()
	t.held[key] = l

	t.store.mu.RLock()
	existing, ok := t.store.accounts[key]
	t.store.mu.RUnlock()

	acct := &existing
	if !ok {
		acct = models.NewWalletAccount(key, t.store.now().UTC())
	}
	t.accounts[key] = acct
	return acct, !ok, nil
}

func (t *memTx) UpdateAccount(ctx context.Context, acct *models.WalletAccount) error {
	if _, ok := t.held[acct.AccountKey]; !ok {
		return store.ErrNotFound
	}
	if acct.Reserved.IsNegative() || acct.Available().IsNegative() {
		return store.ErrCheckViolation
	}
	copied := *acct
	t.accounts[acct.AccountKey] = &copied
	return nil
}

func (t *memTx) FindEntries(ctx context.Context, entryType models.EntryType, reference string) ([]models.LedgerEntry, error) {
	key := idempotencyKey(entryType, reference)
	var out []models.LedgerEntry

	t.store.mu.RLock()
	for _, idx := range t.store.byKey[key] {
		out = append(out, t.store.entries[idx])
	}
	t.store.mu.RUnlock()

	for _, e := range t.entries {
		if e.EntryType == entryType && e.Reference == reference {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) InsertEntry(ctx context.Context, entry *models.LedgerEntry) error {
	uk := uniqueKey(*entry)
	t.store.mu.RLock()
	_, exists := t.store.unique[uk]
	t.store.mu.RUnlock()
	if exists {
		return store.ErrDuplicateEntry
	}
	for _, e := range t.entries {
		if uniqueKey(e) == uk {
			return store.ErrDuplicateEntry
		}
	}
	entry.ID = atomic.AddInt64(&t.store.entrySeq, 1)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.store.now().UTC()
	}
	t.entries = append(t.entries, *entry)
	return nil
}

func (t *memTx) InsertPayout(ctx context.Context, p *models.PayoutTransaction) error {
	t.store.mu.RLock()
	_, exists := t.store.payouts[p.PayoutID]
	t.store.mu.RUnlock()
	if _, staged := t.payouts[p.PayoutID]; exists || staged {
		return store.ErrDuplicateEntry
	}
	copied := *p
	t.payouts[p.PayoutID] = &copied
	t.inserted = append(t.inserted, p.PayoutID)
	return nil
}

func (t *memTx) TransitionPayout(ctx context.Context, tr models.PayoutTransition) (*models.PayoutTransaction, error) {
	t.store.mu.RLock()
	updated, err := t.store.transitionLocked(tr)
	t.store.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	t.moves = append(t.moves, tr)
	return updated, nil
}

func (t *memTx) MarkInvoicePaid(ctx context.Context, p models.InvoicePayment) (*models.Invoice, error) {
	t.store.mu.RLock()
	inv, ok := t.store.invoices[p.InvoiceID]
	t.store.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	if !p.Covers(inv) {
		return nil, store.ErrStateConflict
	}
	paidAt := p.PaidAt
	inv.Status = models.InvoicePaid
	inv.PaymentMethod = p.Method
	inv.PaidAt = &paidAt
	inv.UpdatedAt = paidAt
	t.invoices = append(t.invoices, p)
	return &inv, nil
}

// commit re-checks every conditional write against committed state, then applies all of them
func (t *memTx) commit() error {
	if t.done {
		return nil
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range t.entries {
		if _, exists := s.unique[uniqueKey(e)]; exists {
			return store.ErrDuplicateEntry
		}
	}
	payouts := make(map[int64]models.PayoutTransaction, len(t.moves))
	for _, mv := range t.moves {
		updated, err := s.transitionLocked(mv)
		if err != nil {
			return err
		}
		payouts[updated.PayoutID] = *updated
	}
	for _, pi := range t.invoices {
		inv, ok := s.invoices[pi.InvoiceID]
		if !ok {
			return store.ErrNotFound
		}
		if !pi.Covers(inv) {
			return store.ErrStateConflict
		}
	}

	for key, acct := range t.accounts {
		s.accounts[key] = *acct
	}
	for _, e := range t.entries {
		s.entries = append(s.entries, e)
		idx := len(s.entries) - 1
		k := idempotencyKey(e.EntryType, e.Reference)
		s.byKey[k] = append(s.byKey[k], idx)
		s.unique[uniqueKey(e)] = struct{}{}
	}
	for _, id := range t.inserted {
		s.payouts[id] = *t.payouts[id]
	}
	for id, p := range payouts {
		s.payouts[id] = p
	}
	for _, pi := range t.invoices {
		inv := s.invoices[pi.InvoiceID]
		at := pi.PaidAt
		inv.Status = models.InvoicePaid
		inv.PaymentMethod = pi.Method
		inv.PaidAt = &at
		inv.UpdatedAt = at
		s.invoices[pi.InvoiceID] = inv
	}
	return nil
}
