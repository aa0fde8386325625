// Package postgres implements the Store on PostgreSQL. Account rows are locked with
// SELECT ... FOR UPDATE; the ledger's unique key and CHECK constraints back the executor's checks.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/tunewave/backend/internal/models"
	"github.com/tunewave/backend/internal/store"
)

const (
	uniqueViolation = "23505"
	checkViolation  = "23514"
)

const entryColumns = `id, entity_type, entity_id, currency, amount, entry_type, reference, notes, created_at`

const payoutColumns = `payout_id, entity_type, entity_id, currency, amount, fee_amount, net_amount, status,
	bank_details, requested_by_user_id, processed_by_user_id, processed_at, notes, created_at, updated_at`

const invoiceColumns = `invoice_id, customer_id, tenant_type, tenant_id, total_amount, currency, status,
	due_date, paid_at, payment_method, created_at, updated_at`

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// translate maps constraint violations onto store sentinels
func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrDuplicateEntry, pqErr.Constraint)
		case checkViolation:
			return fmt.Errorf("%w: %s", store.ErrCheckViolation, pqErr.Constraint)
		}
	}
	return err
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", translate(err))
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, key models.AccountKey) (*models.WalletAccount, error) {
	acct := models.WalletAccount{AccountKey: key}
	err := s.db.QueryRowContext(ctx, `
		SELECT balance, reserved, updated_at
		FROM wallet_accounts
		WHERE entity_type = $1 AND entity_id = $2 AND currency = $3`,
		key.EntityType, key.EntityID, key.Currency,
	).Scan(&acct.Balance, &acct.Reserved, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *Store) ListEntries(ctx context.Context, filter models.LedgerFilter) ([]models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE entity_type = $1 AND entity_id = $2`
	args := []any{filter.EntityType, filter.EntityID}
	if filter.Currency != "" {
		args = append(args, filter.Currency)
		query += fmt.Sprintf(" AND currency = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) SumEntries(ctx context.Context, key models.AccountKey) (models.LedgerSum, error) {
	var sum models.LedgerSum
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*)
		FROM ledger_entries
		WHERE entity_type = $1 AND entity_id = $2 AND currency = $3`,
		key.EntityType, key.EntityID, key.Currency,
	).Scan(&sum.Total, &sum.Count)
	return sum, err
}

func (s *Store) NextPayoutID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT nextval('payout_id_seq')`).Scan(&id)
	return id, err
}

func (s *Store) GetPayout(ctx context.Context, payoutID int64) (*models.PayoutTransaction, error) {
	p, err := scanPayout(s.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payout_transactions WHERE payout_id = $1`, payoutID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return p, err
}

func (s *Store) ListPayouts(ctx context.Context, filter models.PayoutFilter) ([]models.PayoutTransaction, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_transactions WHERE 1 = 1`
	var args []any
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		query += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		query += fmt.Sprintf(" AND entity_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY payout_id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payouts := []models.PayoutTransaction{}
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

func (s *Store) TransitionPayout(ctx context.Context, t models.PayoutTransition) (*models.PayoutTransaction, error) {
	return transitionPayout(ctx, s.db, t)
}

func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE invoice_id = $1`, invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return inv, err
}

func (s *Store) UpsertInvoice(ctx context.Context, inv *models.Invoice) (*models.Invoice, error) {
	return scanInvoice(s.db.QueryRowContext(ctx, `
		INSERT INTO invoices (invoice_id, customer_id, tenant_type, tenant_id, total_amount, currency,
			status, due_date, paid_at, payment_method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (invoice_id) DO UPDATE SET
			customer_id = EXCLUDED.customer_id,
			tenant_type = CASE WHEN invoices.status = 'Paid' THEN invoices.tenant_type ELSE EXCLUDED.tenant_type END,
			tenant_id = CASE WHEN invoices.status = 'Paid' THEN invoices.tenant_id ELSE EXCLUDED.tenant_id END,
			total_amount = CASE WHEN invoices.status = 'Paid' THEN invoices.total_amount ELSE EXCLUDED.total_amount END,
			currency = CASE WHEN invoices.status = 'Paid' THEN invoices.currency ELSE EXCLUDED.currency END,
			due_date = EXCLUDED.due_date,
			status = CASE WHEN invoices.status = 'Paid' THEN invoices.status ELSE EXCLUDED.status END,
			paid_at = CASE WHEN invoices.status = 'Paid' THEN invoices.paid_at ELSE EXCLUDED.paid_at END,
			payment_method = CASE WHEN invoices.status = 'Paid' THEN invoices.payment_method ELSE EXCLUDED.payment_method END,
			updated_at = NOW()
		RETURNING `+invoiceColumns,
		inv.InvoiceID, inv.CustomerID, inv.TenantType, inv.TenantID, inv.TotalAmount, inv.Currency,
		inv.Status, inv.DueDate, inv.PaidAt, inv.PaymentMethod,
	))
}

func (s *Store) Close() error {
	return s.db.Close()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, key models.AccountKey) (*models.WalletAccount, bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallet_accounts (entity_type, entity_id, currency, balance, reserved, updated_at)
		VALUES ($1, $2, $3, 0, 0, NOW())
		ON CONFLICT (entity_type, entity_id, currency) DO NOTHING`,
		key.EntityType, key.EntityID, key.Currency)
	if err != nil {
		return nil, false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	acct := &models.WalletAccount{AccountKey: key}
	err = t.tx.QueryRowContext(ctx, `
		SELECT balance, reserved, updated_at
		FROM wallet_accounts
		WHERE entity_type = $1 AND entity_id = $2 AND currency = $3
		FOR UPDATE`,
		key.EntityType, key.EntityID, key.Currency,
	).Scan(&acct.Balance, &acct.Reserved, &acct.UpdatedAt)
	if err != nil {
		return nil, false, err
	}
	return acct, inserted == 1, nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, acct *models.WalletAccount) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE wallet_accounts
		SET balance = $1, reserved = $2, updated_at = $3
		WHERE entity_type = $4 AND entity_id = $5 AND currency = $6`,
		acct.Balance, acct.Reserved, acct.UpdatedAt, acct.EntityType, acct.EntityID, acct.Currency)
	if err != nil {
		return translate(err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) FindEntries(ctx context.Context, entryType models.EntryType, reference string) ([]models.LedgerEntry, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE entry_type = $1 AND reference = $2 ORDER BY id`,
		entryType, reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (t *pgTx) InsertEntry(ctx context.Context, entry *models.LedgerEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (entity_type, entity_id, currency, amount, entry_type, reference, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		entry.EntityType, entry.EntityID, entry.Currency, entry.Amount,
		entry.EntryType, entry.Reference, entry.Notes, entry.CreatedAt,
	).Scan(&entry.ID)
	return translate(err)
}

func (t *pgTx) InsertPayout(ctx context.Context, p *models.PayoutTransaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payout_transactions (payout_id, entity_type, entity_id, currency, amount, fee_amount,
			net_amount, status, bank_details, requested_by_user_id, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.PayoutID, p.EntityType, p.EntityID, p.Currency, p.Amount, p.FeeAmount,
		p.NetAmount, p.Status, p.BankDetails, p.RequestedByUserID, p.Notes, p.CreatedAt, p.UpdatedAt)
	return translate(err)
}

func (t *pgTx) TransitionPayout(ctx context.Context, tr models.PayoutTransition) (*models.PayoutTransaction, error) {
	return transitionPayout(ctx, t.tx, tr)
}

func (t *pgTx) MarkInvoicePaid(ctx context.Context, p models.InvoicePayment) (*models.Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRowContext(ctx, `
		UPDATE invoices
		SET status = 'Paid', payment_method = $1, paid_at = $2, updated_at = $2
		WHERE invoice_id = $3 AND status = 'Unpaid'
			AND tenant_type = $4 AND tenant_id = $5 AND currency = $6 AND total_amount = $7
		RETURNING `+invoiceColumns,
		p.Method, p.PaidAt, p.InvoiceID, p.Account.EntityType, p.Account.EntityID, p.Account.Currency, p.Amount))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, missingOrConflict(ctx, t.tx, `SELECT 1 FROM invoices WHERE invoice_id = $1`, p.InvoiceID)
	}
	return inv, err
}

// transitionPayout is a conditional update: the row only moves when its status is one of t.From
func transitionPayout(ctx context.Context, q querier, t models.PayoutTransition) (*models.PayoutTransaction, error) {
	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}
	p, err := scanPayout(q.QueryRowContext(ctx, `
		UPDATE payout_transactions
		SET status = $1, processed_by_user_id = $2, processed_at = $3, updated_at = $3,
			notes = CASE WHEN $4::text = '' THEN notes ELSE $4::text END
		WHERE payout_id = $5 AND status = ANY($6)
		RETURNING `+payoutColumns,
		t.To, t.ProcessedBy, t.At, t.Notes, t.PayoutID, pq.Array(from)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, missingOrConflict(ctx, q, `SELECT 1 FROM payout_transactions WHERE payout_id = $1`, t.PayoutID)
	}
	return p, err
}

// missingOrConflict distinguishes a missing row from one in the wrong state after a conditional update matched nothing
func missingOrConflict(ctx context.Context, q querier, query string, id any) error {
	var one int
	err := q.QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrStateConflict
}

func scanEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Currency, &e.Amount,
			&e.EntryType, &e.Reference, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanPayout(row scanner) (*models.PayoutTransaction, error) {
	var p models.PayoutTransaction
	var processedAt sql.NullTime
	if err := row.Scan(&p.PayoutID, &p.EntityType, &p.EntityID, &p.Currency, &p.Amount, &p.FeeAmount,
		&p.NetAmount, &p.Status, &p.BankDetails, &p.RequestedByUserID, &p.ProcessedByUserID,
		&processedAt, &p.Notes, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if processedAt.Valid {
		p.ProcessedAt = &processedAt.Time
	}
	return &p, nil
}

func scanInvoice(row scanner) (*models.Invoice, error) {
	var inv models.Invoice
	var dueDate, paidAt sql.NullTime
	if err := row.Scan(&inv.InvoiceID, &inv.CustomerID, &inv.TenantType, &inv.TenantID, &inv.TotalAmount,
		&inv.Currency, &inv.Status, &dueDate, &paidAt, &inv.PaymentMethod, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	if dueDate.Valid {
		inv.DueDate = &dueDate.Time
	}
	if paidAt.Valid {
		inv.PaidAt = &paidAt.Time
	}
	return &inv, nil
}
