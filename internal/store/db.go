package store

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Open connects to the backing store and ensures the schema exists.
// Supported drivers are "postgres" and "sqlite". Pass ":memory:" as the
// sqlite DSN for an in-memory database (tests).
func Open(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if driver == "sqlite" {
		// A pool of connections against :memory: would each see a
		// distinct empty database.
		db.SetMaxOpenConns(1)

		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set wal mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if err := createTables(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB, driver string) error {
	seqCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == "postgres" {
		seqCol = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fee_policy_versions (
			version TEXT PRIMARY KEY,
			effective_at TIMESTAMP NOT NULL,
			activated_at TIMESTAMP NOT NULL,
			retired_at TIMESTAMP,
			posting_fee_pct NUMERIC NOT NULL,
			booking_fee_pct NUMERIC NOT NULL,
			transaction_fee_pct NUMERIC NOT NULL,
			tiers TEXT NOT NULL,
			regions TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_policy_active ON fee_policy_versions(retired_at)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			gross_amount NUMERIC NOT NULL,
			fee_amount NUMERIC NOT NULL,
			net_amount NUMERIC NOT NULL,
			fx_rate NUMERIC,
			fx_captured_at TIMESTAMP,
			policy_version TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			event_id TEXT,
			external_payment_ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_event_id
			ON transactions(event_id) WHERE event_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_type ON transactions(type)`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			seq ` + seqCol + `,
			id TEXT NOT NULL UNIQUE,
			transaction_id TEXT NOT NULL,
			account_type TEXT NOT NULL,
			account_id TEXT,
			direction TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			balance_after NUMERIC NOT NULL,
			policy_version TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account
			ON ledger_entries(account_type, account_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_transaction
			ON ledger_entries(transaction_id)`,

		`CREATE TABLE IF NOT EXISTS kyc_verifications (
			id TEXT PRIMARY KEY,
			seller_id TEXT NOT NULL,
			status TEXT NOT NULL,
			tier TEXT NOT NULL,
			documents TEXT NOT NULL,
			risk_score INTEGER NOT NULL,
			submitted_at TIMESTAMP NOT NULL,
			reviewed_at TIMESTAMP,
			reviewer_id TEXT NOT NULL DEFAULT '',
			rejection_reason TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMP NOT NULL,
			trace_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kyc_seller ON kyc_verifications(seller_id)`,
		`CREATE INDEX IF NOT EXISTS idx_kyc_status ON kyc_verifications(status)`,

		`CREATE TABLE IF NOT EXISTS seller_compliance (
			seller_id TEXT PRIMARY KEY,
			verified INTEGER NOT NULL DEFAULT 0,
			risk_score INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS decision_audit_log (
			seq ` + seqCol + `,
			id TEXT NOT NULL UNIQUE,
			actor TEXT NOT NULL,
			subsystem TEXT NOT NULL,
			action TEXT NOT NULL,
			reason_code TEXT NOT NULL,
			policy_version TEXT NOT NULL,
			context TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_subsystem
			ON decision_audit_log(subsystem, seq)`,

		`CREATE TABLE IF NOT EXISTS accounting_events (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS revenue_metrics (
			day TEXT NOT NULL,
			category TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			count INTEGER NOT NULL,
			PRIMARY KEY (day, category)
		)`,

		`CREATE TABLE IF NOT EXISTS payout_metrics (
			day TEXT NOT NULL PRIMARY KEY,
			amount NUMERIC NOT NULL,
			count INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}
