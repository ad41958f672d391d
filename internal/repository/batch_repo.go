package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settleup/reconciler/internal/domain"
)

type BatchRepo struct {
	db DBTX
}

const batchColumns = `id, external_id, batch_date, total_amount, reconciliation_status,
	reconciled_at, discrepancy_reason, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (r *BatchRepo) Insert(ctx context.Context, b *domain.Batch) error {
	if b.Version == 0 {
		b.Version = 1
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO batches (`+batchColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.ID, nullableString(b.ExternalID), formatDate(b.BatchDate), b.TotalAmount.String(),
		string(b.Status), formatNullableTS(b.ReconciledAt), nullableString(b.DiscrepancyReason),
		b.Version, formatTS(b.CreatedAt), formatTS(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", conflictOr(err, "batch", b.ExternalID))
	}
	return nil
}

func (r *BatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM batches WHERE id = ?", id)
	b, err := scanBatch(row)
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

func (r *BatchRepo) GetByExternalID(ctx context.Context, externalID string) (*domain.Batch, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM batches WHERE external_id = ?", externalID)
	b, err := scanBatch(row)
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

// UpdateSource overwrites the processor-owned fields of a batch.
func (r *BatchRepo) UpdateSource(ctx context.Context, id string, date time.Time, total decimal.Decimal, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE batches SET batch_date = ?, total_amount = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		formatDate(date), total.String(), formatTS(now), id,
	)
	return err
}

// ResetStatus moves a batch back to PENDING and clears the matcher's verdict.
func (r *BatchRepo) ResetStatus(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE batches SET reconciliation_status = 'PENDING', reconciled_at = NULL,
		discrepancy_reason = NULL, version = version + 1, updated_at = ?
		WHERE id = ?`,
		formatTS(now), id,
	)
	return err
}

// SetDecision records the matcher's verdict. The write only applies if the
// batch is still at the version the matcher evaluated.
func (r *BatchRepo) SetDecision(ctx context.Context, id string, version int64, status domain.ReconciliationStatus,
	reconciledAt *time.Time, reason string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE batches SET reconciliation_status = ?, reconciled_at = ?, discrepancy_reason = ?,
		version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(status), formatNullableTS(reconciledAt), nullableString(reason), formatTS(now), id, version,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return &domain.ConcurrencyConflictError{Entity: "batch", Key: id}
	}
	return nil
}

// ListByStatus returns batches in the given status, oldest batch date first.
func (r *BatchRepo) ListByStatus(ctx context.Context, status domain.ReconciliationStatus) ([]domain.Batch, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+batchColumns+" FROM batches WHERE reconciliation_status = ? ORDER BY batch_date, external_id, id",
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatches(rows)
}

// ListBetween returns batches dated within [from, to], oldest first.
func (r *BatchRepo) ListBetween(ctx context.Context, from, to time.Time) ([]domain.Batch, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+batchColumns+" FROM batches WHERE batch_date BETWEEN ? AND ? ORDER BY batch_date, external_id, id",
		formatDate(from), formatDate(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatches(rows)
}

// ListByStatusBetween returns batches in the given status dated within
// [from, to], oldest first.
func (r *BatchRepo) ListByStatusBetween(ctx context.Context, status domain.ReconciliationStatus, from, to time.Time) ([]domain.Batch, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+batchColumns+" FROM batches WHERE reconciliation_status = ? AND batch_date BETWEEN ? AND ? ORDER BY batch_date, external_id, id",
		string(status), formatDate(from), formatDate(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatches(rows)
}

type BatchFilter struct {
	Status string
	From   *time.Time
	To     *time.Time
	Page   int
	Limit  int
}

func (r *BatchRepo) List(ctx context.Context, f BatchFilter) ([]domain.Batch, int, error) {
	where, args := buildBatchWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM batches"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	limit, offset := paginate(f.Page, f.Limit)
	q := "SELECT " + batchColumns + " FROM batches" + where + " ORDER BY batch_date DESC, external_id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	batches, err := scanBatches(rows)
	return batches, total, err
}

// Stats holds batch counts and amounts per reconciliation status.
type Stats struct {
	Total         int             `json:"total"`
	Matched       int             `json:"matched"`
	Discrepancies int             `json:"discrepancies"`
	Pending       int             `json:"pending"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	MatchedAmount decimal.Decimal `json:"matched_amount"`
}

// Stats aggregates in Go since amounts are stored as decimal text.
func (r *BatchRepo) Stats(ctx context.Context) (*Stats, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT reconciliation_status, total_amount FROM batches")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	s := &Stats{TotalAmount: decimal.Zero, MatchedAmount: decimal.Zero}
	for rows.Next() {
		var status, amount string
		if err := rows.Scan(&status, &amount); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("batch amount %q: %w", amount, err)
		}
		s.Total++
		s.TotalAmount = s.TotalAmount.Add(d)
		switch domain.ReconciliationStatus(status) {
		case domain.StatusMatched:
			s.Matched++
			s.MatchedAmount = s.MatchedAmount.Add(d)
		case domain.StatusDiscrepancy:
			s.Discrepancies++
		default:
			s.Pending++
		}
	}
	return s, rows.Err()
}

// --- helpers ---

func buildBatchWhere(f BatchFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Status != "" {
		clauses = append(clauses, "reconciliation_status = ?")
		args = append(args, f.Status)
	}
	if f.From != nil {
		clauses = append(clauses, "batch_date >= ?")
		args = append(args, formatDate(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "batch_date <= ?")
		args = append(args, formatDate(*f.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanBatches(rows *sql.Rows) ([]domain.Batch, error) {
	var batches []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func scanBatch(s scanner) (*domain.Batch, error) {
	var b domain.Batch
	var externalID, reconciledAt, reason sql.NullString
	var batchDate, amount, status, createdAt, updatedAt string

	err := s.Scan(
		&b.ID, &externalID, &batchDate, &amount, &status,
		&reconciledAt, &reason, &b.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.ExternalID = externalID.String
	b.BatchDate = parseDate(batchDate)
	if b.TotalAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("batch %s amount %q: %w", b.ID, amount, err)
	}
	b.Status = domain.ReconciliationStatus(status)
	b.ReconciledAt = parseNullableTS(reconciledAt)
	b.DiscrepancyReason = reason.String
	b.CreatedAt = parseTS(createdAt)
	b.UpdatedAt = parseTS(updatedAt)

	return &b, nil
}
