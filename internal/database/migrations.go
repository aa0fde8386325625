package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// schema is applied in order inside one transaction; every statement is idempotent
var schema = []string{
	`CREATE TABLE IF NOT EXISTS wallet_accounts (
		entity_type VARCHAR(16) NOT NULL,
		entity_id   VARCHAR(64) NOT NULL,
		currency    CHAR(3) NOT NULL,
		balance     NUMERIC(20,4) NOT NULL DEFAULT 0,
		reserved    NUMERIC(20,4) NOT NULL DEFAULT 0,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (entity_type, entity_id, currency),
		CONSTRAINT wallet_reserved_non_negative CHECK (reserved >= 0),
		CONSTRAINT wallet_available_non_negative CHECK (balance - reserved >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id          BIGSERIAL PRIMARY KEY,
		entity_type VARCHAR(16) NOT NULL,
		entity_id   VARCHAR(64) NOT NULL,
		currency    CHAR(3) NOT NULL,
		amount      NUMERIC(20,4) NOT NULL,
		entry_type  VARCHAR(32) NOT NULL,
		reference   VARCHAR(128) NOT NULL,
		notes       TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		FOREIGN KEY (entity_type, entity_id, currency) REFERENCES wallet_accounts (entity_type, entity_id, currency),
		CONSTRAINT ledger_entries_idempotency UNIQUE (entry_type, reference, entity_type, entity_id, currency)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account
		ON ledger_entries (entity_type, entity_id, currency, created_at DESC)`,
	`CREATE OR REPLACE FUNCTION ledger_entries_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'ledger_entries is append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS ledger_entries_append_only ON ledger_entries`,
	`CREATE TRIGGER ledger_entries_append_only
		BEFORE UPDATE OR DELETE ON ledger_entries
		FOR EACH ROW EXECUTE FUNCTION ledger_entries_append_only()`,
	`CREATE SEQUENCE IF NOT EXISTS payout_id_seq`,
	`CREATE TABLE IF NOT EXISTS payout_transactions (
		payout_id            BIGINT PRIMARY KEY,
		entity_type          VARCHAR(16) NOT NULL,
		entity_id            VARCHAR(64) NOT NULL,
		currency             CHAR(3) NOT NULL,
		amount               NUMERIC(20,4) NOT NULL CHECK (amount > 0),
		fee_amount           NUMERIC(20,4) NOT NULL DEFAULT 0,
		net_amount           NUMERIC(20,4) NOT NULL,
		status               VARCHAR(16) NOT NULL,
		bank_details         JSONB,
		requested_by_user_id VARCHAR(64) NOT NULL DEFAULT '',
		processed_by_user_id VARCHAR(64) NOT NULL DEFAULT '',
		processed_at         TIMESTAMPTZ,
		notes                TEXT NOT NULL DEFAULT '',
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payout_transactions_entity
		ON payout_transactions (entity_type, entity_id, status)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		invoice_id     VARCHAR(64) PRIMARY KEY,
		customer_id    VARCHAR(64) NOT NULL DEFAULT '',
		tenant_type    VARCHAR(16) NOT NULL,
		tenant_id      VARCHAR(64) NOT NULL,
		total_amount   NUMERIC(20,4) NOT NULL,
		currency       CHAR(3) NOT NULL,
		status         VARCHAR(16) NOT NULL DEFAULT 'Unpaid',
		due_date       TIMESTAMPTZ,
		paid_at        TIMESTAMPTZ,
		payment_method VARCHAR(16) NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the wallet schema when it does not exist yet
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error applying migration step %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing migration: %w", err)
	}
	log.Printf("Database schema up to date (%d statements)", len(schema))
	return nil
}
