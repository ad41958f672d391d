package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settleup/reconciler/internal/domain"
)

type TransactionRepo struct {
	db DBTX
}

const transactionColumns = `id, external_id, transaction_date, amount, description, batch_id,
	version, created_at, updated_at`

func (r *TransactionRepo) Insert(ctx context.Context, t *domain.Transaction) error {
	if t.Version == 0 {
		t.Version = 1
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ExternalID, formatDate(t.TransactionDate), t.Amount.String(), t.Description,
		nullableString(t.BatchID), t.Version, formatTS(t.CreatedAt), formatTS(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", conflictOr(err, "transaction", t.ExternalID))
	}
	return nil
}

func (r *TransactionRepo) GetByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE external_id = ?", externalID)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

// UpdateSource overwrites the ledger fields of a transaction.
func (r *TransactionRepo) UpdateSource(ctx context.Context, id string, date time.Time, amount decimal.Decimal,
	description string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET transaction_date = ?, amount = ?, description = ?,
		version = version + 1, updated_at = ?
		WHERE id = ?`,
		formatDate(date), amount.String(), description, formatTS(now), id,
	)
	return err
}

func (r *TransactionRepo) ListByBatchID(ctx context.Context, batchID string) ([]domain.Transaction, error) {
	return r.query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE batch_id = ? ORDER BY transaction_date, external_id",
		batchID,
	)
}

// ListUnlinkedBetween returns transactions with no batch whose date falls
// in [from, to].
func (r *TransactionRepo) ListUnlinkedBetween(ctx context.Context, from, to time.Time) ([]domain.Transaction, error) {
	return r.query(ctx,
		"SELECT "+transactionColumns+` FROM transactions
		WHERE batch_id IS NULL AND transaction_date >= ? AND transaction_date <= ?
		ORDER BY transaction_date, external_id`,
		formatDate(from), formatDate(to),
	)
}

// Link attaches an unlinked transaction to a batch. It fails with a conflict
// if the transaction changed or was linked since it was read.
func (r *TransactionRepo) Link(ctx context.Context, id string, version int64, batchID string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET batch_id = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND batch_id IS NULL`,
		batchID, formatTS(now), id, version,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return &domain.ConcurrencyConflictError{Entity: "transaction", Key: id}
	}
	return nil
}

func (r *TransactionRepo) UnlinkBatch(ctx context.Context, batchID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET batch_id = NULL, version = version + 1, updated_at = ? WHERE batch_id = ?`,
		formatTS(now), batchID,
	)
	return err
}

func (r *TransactionRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions").Scan(&count)
	return count, err
}

// --- helpers ---

func (r *TransactionRepo) query(ctx context.Context, q string, args ...any) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var batchID sql.NullString
	var txnDate, amount, createdAt, updatedAt string

	err := s.Scan(
		&t.ID, &t.ExternalID, &txnDate, &amount, &t.Description, &batchID,
		&t.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.TransactionDate = parseDate(txnDate)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("transaction %s amount %q: %w", t.ID, amount, err)
	}
	t.BatchID = batchID.String
	t.CreatedAt = parseTS(createdAt)
	t.UpdatedAt = parseTS(updatedAt)

	return &t, nil
}
