package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/settleup/reconciler/internal/domain"
)

type SyncLogRepo struct {
	db DBTX
}

const syncLogColumns = `id, provider, operation, status, http_status, started_at, finished_at,
	error_message, request, response, batch_id`

// Insert writes the log in its PENDING state.
func (r *SyncLogRepo) Insert(ctx context.Context, l *domain.SyncLog) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_logs (`+syncLogColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, string(l.Provider), l.Operation, string(l.Status), nullableInt(l.HTTPStatus),
		formatTS(l.StartedAt), formatNullableTS(l.FinishedAt), nullableString(l.ErrorMessage),
		nullableJSON(l.Request), nullableJSON(l.Response), nullableString(l.BatchID),
	)
	if err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}
	return nil
}

// Complete moves a PENDING log to its terminal state. A log that is already
// terminal is left untouched and ErrNotFound is returned.
func (r *SyncLogRepo) Complete(ctx context.Context, l *domain.SyncLog) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_logs SET status = ?, http_status = ?, finished_at = ?, error_message = ?, response = ?
		WHERE id = ? AND status = 'PENDING'`,
		string(l.Status), nullableInt(l.HTTPStatus), formatNullableTS(l.FinishedAt),
		nullableString(l.ErrorMessage), nullableJSON(l.Response), l.ID,
	)
	if err != nil {
		return fmt.Errorf("complete sync log: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SyncLogRepo) GetByID(ctx context.Context, id string) (*domain.SyncLog, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+syncLogColumns+" FROM sync_logs WHERE id = ?", id)
	l, err := scanSyncLog(row)
	if err != nil {
		return nil, notFound(err)
	}
	return l, nil
}

type SyncLogFilter struct {
	Provider  string
	Operation string
	Status    string
	BatchID   string
	From      *time.Time
	To        *time.Time
	Page      int
	Limit     int
}

func (r *SyncLogRepo) List(ctx context.Context, f SyncLogFilter) ([]domain.SyncLog, int, error) {
	where, args := buildSyncLogWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	limit, offset := paginate(f.Page, f.Limit)
	q := "SELECT " + syncLogColumns + " FROM sync_logs" + where + " ORDER BY started_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	logs, err := scanSyncLogs(rows)
	return logs, total, err
}

// ListStale returns logs still PENDING that started before the cutoff.
// They belong to calls whose process died before completion.
func (r *SyncLogRepo) ListStale(ctx context.Context, before time.Time) ([]domain.SyncLog, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+syncLogColumns+" FROM sync_logs WHERE status = 'PENDING' AND started_at < ? ORDER BY started_at",
		formatTS(before),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSyncLogs(rows)
}

type ProviderSyncStat struct {
	Provider string `json:"provider"`
	Success  int    `json:"success"`
	Failure  int    `json:"failure"`
	Pending  int    `json:"pending"`
}

func (r *SyncLogRepo) StatsByProvider(ctx context.Context) ([]ProviderSyncStat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT provider,
			SUM(CASE WHEN status = 'SUCCESS' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'FAILURE' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END)
		FROM sync_logs GROUP BY provider ORDER BY provider
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []ProviderSyncStat
	for rows.Next() {
		var s ProviderSyncStat
		if err := rows.Scan(&s.Provider, &s.Success, &s.Failure, &s.Pending); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// --- helpers ---

func buildSyncLogWhere(f SyncLogFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Operation != "" {
		clauses = append(clauses, "operation = ?")
		args = append(args, f.Operation)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.BatchID != "" {
		clauses = append(clauses, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	if f.From != nil {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, formatTS(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "started_at <= ?")
		args = append(args, formatTS(*f.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanSyncLogs(rows *sql.Rows) ([]domain.SyncLog, error) {
	var logs []domain.SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

func scanSyncLog(s scanner) (*domain.SyncLog, error) {
	var l domain.SyncLog
	var provider, status, startedAt string
	var httpStatus sql.NullInt64
	var finishedAt, errMsg, request, response, batchID sql.NullString

	err := s.Scan(
		&l.ID, &provider, &l.Operation, &status, &httpStatus, &startedAt, &finishedAt,
		&errMsg, &request, &response, &batchID,
	)
	if err != nil {
		return nil, err
	}

	l.Provider = domain.Provider(provider)
	l.Status = domain.SyncStatus(status)
	if httpStatus.Valid {
		code := int(httpStatus.Int64)
		l.HTTPStatus = &code
	}
	l.StartedAt = parseTS(startedAt)
	l.FinishedAt = parseNullableTS(finishedAt)
	l.ErrorMessage = errMsg.String
	if request.Valid {
		l.Request = json.RawMessage(request.String)
	}
	if response.Valid {
		l.Response = json.RawMessage(response.String)
	}
	l.BatchID = batchID.String

	return &l, nil
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}
