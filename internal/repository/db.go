package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so repositories can be
// bound to a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Pass ":memory:" for an in-memory database.
func InitDB(dsn string) (*sql.DB, error) {
	memory := dsn == ":memory:"
	if !memory && !strings.Contains(dsn, "?") {
		// Writers take the lock at BEGIN so read-then-write transactions
		// never fail on snapshot upgrade.
		dsn += "?_txlock=immediate&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if memory {
		// Every new connection to :memory: is a fresh database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		// Enable WAL mode for better concurrent read performance.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set wal mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			external_id TEXT UNIQUE,
			batch_date TEXT NOT NULL,
			total_amount TEXT NOT NULL,
			reconciliation_status TEXT NOT NULL DEFAULT 'PENDING',
			reconciled_at TEXT,
			discrepancy_reason TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(reconciliation_status)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_date ON batches(batch_date)`,

		`CREATE TABLE IF NOT EXISTS deposits (
			id TEXT PRIMARY KEY,
			external_id TEXT UNIQUE NOT NULL,
			deposit_date TEXT NOT NULL,
			total_amount TEXT NOT NULL,
			batch_id TEXT UNIQUE,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (batch_id) REFERENCES batches(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deposits_date ON deposits(deposit_date)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			external_id TEXT UNIQUE NOT NULL,
			transaction_date TEXT NOT NULL,
			amount TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			batch_id TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (batch_id) REFERENCES batches(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(transaction_date)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_batch ON transactions(batch_id)`,

		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			operation TEXT NOT NULL,
			status TEXT NOT NULL,
			http_status INTEGER,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			error_message TEXT,
			request TEXT,
			response TEXT,
			batch_id TEXT,
			FOREIGN KEY (batch_id) REFERENCES batches(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_provider ON sync_logs(provider)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_status ON sync_logs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_batch ON sync_logs(batch_id)`,

		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			realm_id TEXT UNIQUE NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}

// Timestamps are stored as fixed-width UTC text so that string comparison
// in SQL orders them chronologically.
const (
	tsLayout   = "2006-01-02T15:04:05.000000Z"
	dateLayout = "2006-01-02"
)

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func formatNullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTS(*t)
}

func parseNullableTS(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTS(ns.String)
	return &t
}

func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}

func parseDate(s string) time.Time {
	t, _ := time.Parse(dateLayout, s)
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
