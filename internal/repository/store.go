package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/settleup/reconciler/internal/domain"
)

// Store groups the repositories. A Store returned inside InTx has every
// repository bound to the same transaction.
type Store struct {
	db           *sql.DB
	Batches      *BatchRepo
	Deposits     *DepositRepo
	Transactions *TransactionRepo
	SyncLogs     *SyncLogRepo
	Tokens       *TokenRepo
}

func NewStore(db *sql.DB) *Store {
	return bind(db, db)
}

func bind(db *sql.DB, q DBTX) *Store {
	return &Store{
		db:           db,
		Batches:      &BatchRepo{db: q},
		Deposits:     &DepositRepo{db: q},
		Transactions: &TransactionRepo{db: q},
		SyncLogs:     &SyncLogRepo{db: q},
		Tokens:       &TokenRepo{db: q},
	}
}

// InTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(bind(s.db, sqlTx)); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ResetBatch releases every link to the batch and moves it back to PENDING
// so the matcher evaluates it again.
func (s *Store) ResetBatch(ctx context.Context, batchID string, now time.Time) error {
	if err := s.Deposits.UnlinkBatch(ctx, batchID, now); err != nil {
		return fmt.Errorf("unlink deposit: %w", err)
	}
	if err := s.Transactions.UnlinkBatch(ctx, batchID, now); err != nil {
		return fmt.Errorf("unlink transactions: %w", err)
	}
	if err := s.Batches.ResetStatus(ctx, batchID, now); err != nil {
		return fmt.Errorf("reset status: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE/PRIMARY KEY constraint
// failure raised by SQLite.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}

func conflictOr(err error, entity, key string) error {
	if isUniqueViolation(err) {
		return &domain.ConcurrencyConflictError{Entity: entity, Key: key, Err: err}
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func paginate(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}
