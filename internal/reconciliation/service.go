package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/settleup/reconciler/internal/currency"
	"github.com/settleup/reconciler/internal/domain"
	"github.com/settleup/reconciler/internal/repository"
)

// PassResult summarises one matching pass.
type PassResult struct {
	Evaluated     int `json:"evaluated"`
	Matched       int `json:"matched"`
	Discrepancies int `json:"discrepancies"`
	Pending       int `json:"pending"`
	Conflicts     int `json:"conflicts"`
}

// Service persists matcher decisions. Each batch is decided in its own
// transaction and every link is guarded by the row version read with it.
type Service struct {
	store *repository.Store
	cfg   Config
	now   func() time.Time
	log   logrus.FieldLogger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store *repository.Store, cfg Config, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		log:   log.WithField("module", "reconciliation"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Config() Config { return s.cfg }

// RunPass evaluates every PENDING batch in batch-date order. Items linked
// to an earlier batch are no longer candidates for later ones.
//
// The pass sweeps twice. The first sweep only commits matches; the second
// may record discrepancies. A batch is therefore never flagged because of
// a candidate that another batch in the same pass goes on to claim.
func (s *Service) RunPass(ctx context.Context) (*PassResult, error) {
	pending, err := s.store.Batches.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	res := &PassResult{Evaluated: len(pending)}
	undecided := make([]string, 0, len(pending))
	for _, b := range pending {
		undecided = append(undecided, b.ID)
	}

	for sweep := 0; sweep < 2; sweep++ {
		allowDiscrepancy := sweep == 1
		var next []string
		for _, id := range undecided {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			status, err := s.evaluate(ctx, id, allowDiscrepancy)
			if domain.IsConflict(err) {
				res.Conflicts++
				s.log.WithError(err).WithField("batch_id", id).Warn("batch changed during evaluation")
				continue
			}
			if err != nil {
				return res, fmt.Errorf("evaluate batch %s: %w", id, err)
			}
			switch status {
			case domain.StatusMatched:
				res.Matched++
			case domain.StatusDiscrepancy:
				res.Discrepancies++
			default:
				next = append(next, id)
			}
		}
		undecided = next
	}
	res.Pending = len(undecided)

	s.log.WithFields(logrus.Fields{
		"evaluated":     res.Evaluated,
		"matched":       res.Matched,
		"discrepancies": res.Discrepancies,
		"pending":       res.Pending,
		"conflicts":     res.Conflicts,
	}).Info("reconciliation pass complete")
	return res, nil
}

// evaluate decides one batch, retrying once if a concurrent writer touched
// the batch or a candidate in between.
func (s *Service) evaluate(ctx context.Context, batchID string, allowDiscrepancy bool) (domain.ReconciliationStatus, error) {
	var status domain.ReconciliationStatus
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.store.InTx(ctx, func(tx *repository.Store) error {
			var err error
			status, err = s.decide(ctx, tx, batchID, allowDiscrepancy)
			return err
		})
		if !domain.IsConflict(err) {
			break
		}
	}
	return status, err
}

func (s *Service) decide(ctx context.Context, tx *repository.Store, batchID string, allowDiscrepancy bool) (domain.ReconciliationStatus, error) {
	b, err := tx.Batches.GetByID(ctx, batchID)
	if err != nil {
		return "", err
	}
	if b.Status != domain.StatusPending {
		return b.Status, nil
	}

	from, to := s.cfg.Window(b.BatchDate)
	deposits, err := tx.Deposits.ListUnlinkedBetween(ctx, from, to)
	if err != nil {
		return "", fmt.Errorf("candidate deposits: %w", err)
	}
	txns, err := tx.Transactions.ListUnlinkedBetween(ctx, from, to)
	if err != nil {
		return "", fmt.Errorf("candidate transactions: %w", err)
	}

	d := Match(*b, deposits, txns, s.cfg)
	if d.Status == domain.StatusPending || (d.Status == domain.StatusDiscrepancy && !allowDiscrepancy) {
		return domain.StatusPending, nil
	}

	now := s.now().UTC()
	if d.Deposit != nil {
		if err := tx.Deposits.Link(ctx, d.Deposit.ID, d.Deposit.Version, b.ID, now); err != nil {
			return "", err
		}
	}
	for _, t := range d.Transactions {
		if err := tx.Transactions.Link(ctx, t.ID, t.Version, b.ID, now); err != nil {
			return "", err
		}
	}
	if err := tx.Batches.SetDecision(ctx, b.ID, b.Version, d.Status, &now, d.Reason, now); err != nil {
		return "", err
	}

	s.log.WithFields(logrus.Fields{
		"batch_id":     b.ID,
		"external_id":  b.ExternalID,
		"status":       d.Status,
		"deposit":      d.Deposit != nil,
		"transactions": len(d.Transactions),
	}).Debug("batch decided")
	return d.Status, nil
}

// Reevaluate releases a batch's links, resets it to PENDING and decides it
// again immediately. This is the manual override for MATCHED and
// DISCREPANCY batches.
func (s *Service) Reevaluate(ctx context.Context, batchID string) (*domain.Batch, error) {
	var out *domain.Batch
	err := s.store.InTx(ctx, func(tx *repository.Store) error {
		if _, err := tx.Batches.GetByID(ctx, batchID); err != nil {
			return err
		}
		if err := tx.ResetBatch(ctx, batchID, s.now().UTC()); err != nil {
			return err
		}
		if _, err := s.decide(ctx, tx, batchID, true); err != nil {
			return err
		}
		b, err := tx.Batches.GetByID(ctx, batchID)
		out = b
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reevaluate %s: %w", batchID, err)
	}
	return out, nil
}

// ManualMatch links a chosen deposit to a batch and marks it MATCHED. The
// amounts must agree within tolerance; mismatched amounts are never linked.
func (s *Service) ManualMatch(ctx context.Context, batchID, depositID string) (*domain.Batch, error) {
	var out *domain.Batch
	err := s.store.InTx(ctx, func(tx *repository.Store) error {
		b, err := tx.Batches.GetByID(ctx, batchID)
		if err != nil {
			return err
		}
		dep, err := tx.Deposits.GetByID(ctx, depositID)
		if err != nil {
			return err
		}
		if dep.BatchID != "" && dep.BatchID != b.ID {
			return &domain.ValidationError{Entity: "deposit", ExternalID: dep.ExternalID,
				Reason: "already linked to another batch"}
		}
		if !s.cfg.Tolerance.Equal(dep.TotalAmount, b.TotalAmount) {
			return &domain.ValidationError{Entity: "deposit", ExternalID: dep.ExternalID, Field: "total_amount",
				Reason: fmt.Sprintf("%s does not match batch total %s",
					currency.Format(dep.TotalAmount), currency.Format(b.TotalAmount))}
		}

		now := s.now().UTC()
		if err := tx.ResetBatch(ctx, b.ID, now); err != nil {
			return err
		}
		// Reset bumped both versions.
		if dep, err = tx.Deposits.GetByID(ctx, depositID); err != nil {
			return err
		}
		if b, err = tx.Batches.GetByID(ctx, batchID); err != nil {
			return err
		}
		if err := tx.Deposits.Link(ctx, dep.ID, dep.Version, b.ID, now); err != nil {
			return err
		}
		if err := tx.Batches.SetDecision(ctx, b.ID, b.Version, domain.StatusMatched, &now, "", now); err != nil {
			return err
		}
		out, err = tx.Batches.GetByID(ctx, batchID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("manual match %s: %w", batchID, err)
	}
	s.log.WithFields(logrus.Fields{"batch_id": batchID, "deposit_id": depositID}).Info("manual match")
	return out, nil
}

// Unmatch releases every link of a batch and returns it to PENDING.
func (s *Service) Unmatch(ctx context.Context, batchID string) error {
	err := s.store.InTx(ctx, func(tx *repository.Store) error {
		if _, err := tx.Batches.GetByID(ctx, batchID); err != nil {
			return err
		}
		return tx.ResetBatch(ctx, batchID, s.now().UTC())
	})
	if err != nil {
		return fmt.Errorf("unmatch %s: %w", batchID, err)
	}
	return nil
}

// Validation compares a batch with the transactions linked to it.
type Validation struct {
	Valid            bool            `json:"valid"`
	BatchTotal       decimal.Decimal `json:"batch_total"`
	TransactionSum   decimal.Decimal `json:"transaction_sum"`
	Difference       decimal.Decimal `json:"difference"`
	TransactionCount int             `json:"transaction_count"`
}

func (s *Service) Validate(ctx context.Context, batchID string) (*Validation, error) {
	b, err := s.store.Batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	txns, err := s.store.Transactions.ListByBatchID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return validate(b, txns, s.cfg.Tolerance), nil
}

func validate(b *domain.Batch, txns []domain.Transaction, tol currency.Tolerance) *Validation {
	sum := decimal.Zero
	for _, t := range txns {
		sum = sum.Add(t.Amount)
	}
	return &Validation{
		Valid:            tol.Equal(b.TotalAmount, sum),
		BatchTotal:       b.TotalAmount,
		TransactionSum:   sum,
		Difference:       b.TotalAmount.Sub(sum),
		TransactionCount: len(txns),
	}
}

// IsNotFound reports whether err means a referenced entity is missing.
func IsNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }
