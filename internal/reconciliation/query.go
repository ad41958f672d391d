package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settleup/reconciler/internal/currency"
	"github.com/settleup/reconciler/internal/domain"
	"github.com/settleup/reconciler/internal/repository"
)

// BatchView is a batch with the items linked to it.
type BatchView struct {
	domain.Batch
	Deposit      *domain.Deposit      `json:"deposit,omitempty"`
	Transactions []domain.Transaction `json:"transactions"`
}

// BatchDetail adds the audit trail and the transaction validation.
type BatchDetail struct {
	BatchView
	SyncLogs   []domain.SyncLog `json:"sync_logs"`
	Validation *Validation      `json:"validation"`
}

type BatchPage struct {
	Batches []BatchView `json:"batches"`
	Total   int         `json:"total"`
	Page    int         `json:"page"`
	Limit   int         `json:"limit"`
}

func (s *Service) ListBatches(ctx context.Context, f repository.BatchFilter) (*BatchPage, error) {
	batches, total, err := s.store.Batches.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	out := &BatchPage{Batches: make([]BatchView, 0, len(batches)), Total: total, Page: f.Page, Limit: f.Limit}
	for _, b := range batches {
		v, err := s.view(ctx, b)
		if err != nil {
			return nil, err
		}
		out.Batches = append(out.Batches, *v)
	}
	return out, nil
}

const recentSyncLogs = 10

func (s *Service) GetBatch(ctx context.Context, id string) (*BatchDetail, error) {
	b, err := s.store.Batches.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	v, err := s.view(ctx, *b)
	if err != nil {
		return nil, err
	}
	logs, _, err := s.store.SyncLogs.List(ctx, repository.SyncLogFilter{BatchID: id, Limit: recentSyncLogs})
	if err != nil {
		return nil, fmt.Errorf("batch sync logs: %w", err)
	}
	return &BatchDetail{
		BatchView:  *v,
		SyncLogs:   logs,
		Validation: validate(b, v.Transactions, s.cfg.Tolerance),
	}, nil
}

func (s *Service) view(ctx context.Context, b domain.Batch) (*BatchView, error) {
	v := &BatchView{Batch: b}
	dep, err := s.store.Deposits.GetByBatchID(ctx, b.ID)
	switch {
	case err == nil:
		v.Deposit = dep
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("batch %s deposit: %w", b.ID, err)
	}
	if v.Transactions, err = s.store.Transactions.ListByBatchID(ctx, b.ID); err != nil {
		return nil, fmt.Errorf("batch %s transactions: %w", b.ID, err)
	}
	if v.Transactions == nil {
		v.Transactions = []domain.Transaction{}
	}
	return v, nil
}

// Stats combines batch counts with per-provider sync outcomes.
type Stats struct {
	Batches        *repository.Stats             `json:"batches"`
	MatchRate      decimal.Decimal               `json:"match_rate"`
	Transactions   int                           `json:"transactions"`
	SyncByProvider []repository.ProviderSyncStat `json:"sync_by_provider"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	bs, err := s.store.Batches.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("batch stats: %w", err)
	}
	n, err := s.store.Transactions.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count transactions: %w", err)
	}
	sync, err := s.store.SyncLogs.StatsByProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync stats: %w", err)
	}
	rate := decimal.Zero
	if bs.Total > 0 {
		rate = decimal.NewFromInt(int64(bs.Matched)).Div(decimal.NewFromInt(int64(bs.Total))).Round(4)
	}
	return &Stats{Batches: bs, MatchRate: rate, Transactions: n, SyncByProvider: sync}, nil
}

// Issue types reported by the daily summary.
const (
	IssueAmountMismatch       = "amount_mismatch"
	IssueNoDeposit            = "no_deposit_match"
	IssueDiscrepancy          = "discrepancy"
	IssueUnmatchedDeposit     = "unmatched_deposit"
	IssueUnlinkedTransactions = "unlinked_transactions"
)

type Issue struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	BatchID string `json:"batch_id,omitempty"`
}

// Daily day status values.
const (
	DayMatched = "matched"
	DayPending = "pending"
	DayIssues  = "issues"
)

type DailySummary struct {
	Date                 string               `json:"date"`
	Status               string               `json:"status"`
	MSCTotal             decimal.Decimal      `json:"msc_total"`
	QBOTotal             decimal.Decimal      `json:"qbo_total"`
	BlueprintTotal       decimal.Decimal      `json:"blueprint_total"`
	Issues               []Issue              `json:"issues"`
	Batches              []BatchView          `json:"batches"`
	UnmatchedDeposits    []domain.Deposit     `json:"unmatched_deposits"`
	UnlinkedTransactions []domain.Transaction `json:"unlinked_transactions"`
}

// Daily summarises one calendar day across all three sources. The day is
// "pending" when the only issues are batches still waiting for a deposit.
func (s *Service) Daily(ctx context.Context, date time.Time) (*DailySummary, error) {
	d := domain.DateOnly(date)
	batches, err := s.store.Batches.ListBetween(ctx, d, d)
	if err != nil {
		return nil, fmt.Errorf("daily batches: %w", err)
	}
	deposits, err := s.store.Deposits.ListUnlinkedBetween(ctx, d, d)
	if err != nil {
		return nil, fmt.Errorf("daily deposits: %w", err)
	}
	txns, err := s.store.Transactions.ListUnlinkedBetween(ctx, d, d)
	if err != nil {
		return nil, fmt.Errorf("daily transactions: %w", err)
	}

	out := &DailySummary{
		Date:                 d.Format("2006-01-02"),
		MSCTotal:             decimal.Zero,
		QBOTotal:             decimal.Zero,
		BlueprintTotal:       decimal.Zero,
		Issues:               []Issue{},
		Batches:              make([]BatchView, 0, len(batches)),
		UnmatchedDeposits:    deposits,
		UnlinkedTransactions: txns,
	}
	for _, b := range batches {
		v, err := s.view(ctx, b)
		if err != nil {
			return nil, err
		}
		out.Batches = append(out.Batches, *v)
		out.MSCTotal = out.MSCTotal.Add(b.TotalAmount)
		if v.Deposit != nil {
			out.QBOTotal = out.QBOTotal.Add(v.Deposit.TotalAmount)
		}

		val := validate(&b, v.Transactions, s.cfg.Tolerance)
		out.BlueprintTotal = out.BlueprintTotal.Add(val.TransactionSum)
		if len(v.Transactions) > 0 && !val.Valid {
			word := "short"
			if val.Difference.IsNegative() {
				word = "over"
			}
			out.Issues = append(out.Issues, Issue{Type: IssueAmountMismatch, BatchID: b.ID,
				Message: fmt.Sprintf("ledger transactions %s by %s", word, currency.Format(val.Difference.Abs()))})
		}
		switch {
		case b.Status == domain.StatusDiscrepancy:
			out.Issues = append(out.Issues, Issue{Type: IssueDiscrepancy, BatchID: b.ID, Message: b.DiscrepancyReason})
		case v.Deposit == nil && len(v.Transactions) == 0:
			out.Issues = append(out.Issues, Issue{Type: IssueNoDeposit, BatchID: b.ID, Message: "no deposit matched"})
		}
	}
	for _, dep := range deposits {
		out.QBOTotal = out.QBOTotal.Add(dep.TotalAmount)
		out.Issues = append(out.Issues, Issue{Type: IssueUnmatchedDeposit,
			Message: fmt.Sprintf("deposit %s of %s has no matching batch", dep.ExternalID, currency.Format(dep.TotalAmount))})
	}
	for _, t := range txns {
		out.BlueprintTotal = out.BlueprintTotal.Add(t.Amount)
	}
	if len(txns) > 0 {
		out.Issues = append(out.Issues, Issue{Type: IssueUnlinkedTransactions,
			Message: fmt.Sprintf("%d ledger transactions not linked to any batch", len(txns))})
	}

	out.Status = DayMatched
	for _, is := range out.Issues {
		if is.Type != IssueNoDeposit {
			out.Status = DayIssues
			break
		}
		out.Status = DayPending
	}
	return out, nil
}
