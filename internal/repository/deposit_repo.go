package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settleup/reconciler/internal/domain"
)

type DepositRepo struct {
	db DBTX
}

const depositColumns = `id, external_id, deposit_date, total_amount, batch_id, version, created_at, updated_at`

func (r *DepositRepo) Insert(ctx context.Context, d *domain.Deposit) error {
	if d.Version == 0 {
		d.Version = 1
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO deposits (`+depositColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.ExternalID, formatDate(d.DepositDate), d.TotalAmount.String(),
		nullableString(d.BatchID), d.Version, formatTS(d.CreatedAt), formatTS(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert deposit: %w", conflictOr(err, "deposit", d.ExternalID))
	}
	return nil
}

func (r *DepositRepo) GetByID(ctx context.Context, id string) (*domain.Deposit, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+depositColumns+" FROM deposits WHERE id = ?", id)
	d, err := scanDeposit(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (r *DepositRepo) GetByExternalID(ctx context.Context, externalID string) (*domain.Deposit, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+depositColumns+" FROM deposits WHERE external_id = ?", externalID)
	d, err := scanDeposit(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// GetByBatchID returns the deposit linked to a batch, or ErrNotFound.
func (r *DepositRepo) GetByBatchID(ctx context.Context, batchID string) (*domain.Deposit, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+depositColumns+" FROM deposits WHERE batch_id = ?", batchID)
	d, err := scanDeposit(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// UpdateSource overwrites the accounting-system fields of a deposit.
func (r *DepositRepo) UpdateSource(ctx context.Context, id string, date time.Time, total decimal.Decimal, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE deposits SET deposit_date = ?, total_amount = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		formatDate(date), total.String(), formatTS(now), id,
	)
	return err
}

// ListUnlinkedBetween returns deposits with no batch whose date falls in
// [from, to].
func (r *DepositRepo) ListUnlinkedBetween(ctx context.Context, from, to time.Time) ([]domain.Deposit, error) {
	return r.query(ctx,
		"SELECT "+depositColumns+` FROM deposits
		WHERE batch_id IS NULL AND deposit_date >= ? AND deposit_date <= ?
		ORDER BY deposit_date, external_id`,
		formatDate(from), formatDate(to),
	)
}

// ListBetween returns all deposits dated in [from, to].
func (r *DepositRepo) ListBetween(ctx context.Context, from, to time.Time) ([]domain.Deposit, error) {
	return r.query(ctx,
		"SELECT "+depositColumns+` FROM deposits
		WHERE deposit_date >= ? AND deposit_date <= ?
		ORDER BY deposit_date, external_id`,
		formatDate(from), formatDate(to),
	)
}

// Link attaches an unlinked deposit to a batch. It fails with a conflict if
// the deposit changed or was linked since it was read.
func (r *DepositRepo) Link(ctx context.Context, id string, version int64, batchID string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE deposits SET batch_id = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND batch_id IS NULL`,
		batchID, formatTS(now), id, version,
	)
	if err != nil {
		return conflictOr(err, "deposit", id)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return &domain.ConcurrencyConflictError{Entity: "deposit", Key: id}
	}
	return nil
}

func (r *DepositRepo) Unlink(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE deposits SET batch_id = NULL, version = version + 1, updated_at = ? WHERE id = ?`,
		formatTS(now), id,
	)
	return err
}

func (r *DepositRepo) UnlinkBatch(ctx context.Context, batchID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE deposits SET batch_id = NULL, version = version + 1, updated_at = ? WHERE batch_id = ?`,
		formatTS(now), batchID,
	)
	return err
}

func (r *DepositRepo) query(ctx context.Context, q string, args ...any) ([]domain.Deposit, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deposits []domain.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, *d)
	}
	return deposits, rows.Err()
}

func scanDeposit(s scanner) (*domain.Deposit, error) {
	var d domain.Deposit
	var batchID sql.NullString
	var depositDate, amount, createdAt, updatedAt string

	err := s.Scan(&d.ID, &d.ExternalID, &depositDate, &amount, &batchID, &d.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.DepositDate = parseDate(depositDate)
	if d.TotalAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("deposit %s amount %q: %w", d.ID, amount, err)
	}
	d.BatchID = batchID.String
	d.CreatedAt = parseTS(createdAt)
	d.UpdatedAt = parseTS(updatedAt)

	return &d, nil
}
