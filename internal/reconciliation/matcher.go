package reconciliation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settleup/reconciler/internal/currency"
	"github.com/settleup/reconciler/internal/domain"
)

// Config controls the matcher.
type Config struct {
	Tolerance currency.Tolerance
	// WindowDays is how many calendar days a candidate may be dated before
	// or after the batch.
	WindowDays int
	// MaxStates bounds the distinct partial sums tracked by the subset
	// search. A search that outgrows it decides nothing and the batch stays
	// PENDING.
	MaxStates int
}

func DefaultConfig() Config {
	return Config{
		Tolerance:  currency.Exact(),
		WindowDays: 3,
		MaxStates:  200000,
	}
}

// Window returns the inclusive date range searched for a batch.
func (c Config) Window(batchDate time.Time) (time.Time, time.Time) {
	d := domain.DateOnly(batchDate)
	return d.AddDate(0, 0, -c.WindowDays), d.AddDate(0, 0, c.WindowDays)
}

// Decision is the matcher's verdict for one batch. Deposit and Transactions
// are only set for MATCHED.
type Decision struct {
	Status       domain.ReconciliationStatus
	Deposit      *domain.Deposit
	Transactions []domain.Transaction
	Reason       string
}

// Match decides a batch against the given candidates. Candidates that are
// already linked or dated outside the window are ignored. Match has no side
// effects.
func Match(b domain.Batch, deposits []domain.Deposit, txns []domain.Transaction, cfg Config) Decision {
	var d Decision

	depCandidates := inWindowDeposits(b, deposits, cfg)
	if dep := bestDeposit(b, depCandidates, cfg); dep != nil {
		d.Deposit = dep
	}

	txCandidates := inWindowTransactions(b, txns, cfg)
	subset, truncated := bestSubset(b, txCandidates, cfg)
	d.Transactions = subset

	switch {
	case d.Deposit != nil || len(d.Transactions) > 0:
		d.Status = domain.StatusMatched
	case truncated:
		// An unfinished search proves nothing.
		d.Status = domain.StatusPending
	case len(depCandidates) > 0 || len(txCandidates) > 0:
		d.Status = domain.StatusDiscrepancy
		d.Reason = mismatchReason(b, depCandidates, txCandidates, cfg)
	default:
		d.Status = domain.StatusPending
	}
	return d
}

func inWindowDeposits(b domain.Batch, deposits []domain.Deposit, cfg Config) []domain.Deposit {
	var out []domain.Deposit
	for _, dep := range deposits {
		if dep.BatchID != "" || domain.DaysBetween(dep.DepositDate, b.BatchDate) > cfg.WindowDays {
			continue
		}
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := domain.DaysBetween(out[i].DepositDate, b.BatchDate), domain.DaysBetween(out[j].DepositDate, b.BatchDate)
		if di != dj {
			return di < dj
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out
}

// bestDeposit returns the nearest-dated deposit equal to the batch total,
// breaking ties on external id. Candidates arrive sorted that way.
func bestDeposit(b domain.Batch, candidates []domain.Deposit, cfg Config) *domain.Deposit {
	for i := range candidates {
		if cfg.Tolerance.Equal(candidates[i].TotalAmount, b.TotalAmount) {
			dep := candidates[i]
			return &dep
		}
	}
	return nil
}

func inWindowTransactions(b domain.Batch, txns []domain.Transaction, cfg Config) []domain.Transaction {
	var out []domain.Transaction
	for _, t := range txns {
		if t.BatchID != "" || domain.DaysBetween(t.TransactionDate, b.BatchDate) > cfg.WindowDays {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := domain.DaysBetween(out[i].TransactionDate, b.BatchDate), domain.DaysBetween(out[j].TransactionDate, b.BatchDate)
		if di != dj {
			return di < dj
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out
}

// subsetNode is the last pick of a candidate subset; prev links to the rest.
type subsetNode struct {
	idx   int
	prev  *subsetNode
	count int
	dist  int
}

// subsetSearch finds the preferred transaction subset summing to the batch
// total: fewest transactions, then smallest summed date distance, then the
// lexicographically smallest sorted external ids.
//
// It is an exact dynamic program over reachable sums in source minor units,
// keeping the preferred subset per sum. The preference survives adding the
// same transaction to two subsets, so the per-sum optimum is the global one.
type subsetSearch struct {
	dists []int
	ids   []string
}

func bestSubset(b domain.Batch, candidates []domain.Transaction, cfg Config) ([]domain.Transaction, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	limit := cfg.MaxStates
	if limit <= 0 {
		limit = DefaultConfig().MaxStates
	}

	n := len(candidates)
	s := &subsetSearch{dists: make([]int, n), ids: make([]string, n)}
	amounts := make([]int64, n)
	for i, t := range candidates {
		amounts[i] = currency.MinorUnits(t.Amount, currency.SourceScale)
		s.dists[i] = domain.DaysBetween(t.TransactionDate, b.BatchDate)
		s.ids[i] = t.ExternalID
	}

	// posAfter[i] and negAfter[i] bound what candidates i.. can still add.
	posAfter := make([]int64, n+1)
	negAfter := make([]int64, n+1)
	for i := n - 1; i >= 0; i-- {
		posAfter[i], negAfter[i] = posAfter[i+1], negAfter[i+1]
		if amounts[i] > 0 {
			posAfter[i] += amounts[i]
		} else {
			negAfter[i] += amounts[i]
		}
	}
	target := currency.MinorUnits(b.TotalAmount, currency.SourceScale)
	slack := slackUnits(cfg.Tolerance)
	lo, hi := target-slack, target+slack
	reachable := func(sum int64, next int) bool {
		return sum+posAfter[next] >= lo && sum+negAfter[next] <= hi
	}

	states := map[int64]*subsetNode{0: {idx: -1}}
	for i, a := range amounts {
		adds := make(map[int64]*subsetNode)
		for sum, node := range states {
			next := sum + a
			if !reachable(next, i+1) {
				continue
			}
			cand := &subsetNode{idx: i, prev: node, count: node.count + 1, dist: node.dist + s.dists[i]}
			if cur, ok := adds[next]; ok && !s.better(cand, cur) {
				continue
			}
			adds[next] = cand
		}
		for sum, cand := range adds {
			if cur, ok := states[sum]; ok && !s.better(cand, cur) {
				continue
			}
			states[sum] = cand
		}
		for sum := range states {
			if !reachable(sum, i+1) {
				delete(states, sum)
			}
		}
		if len(states) > limit {
			return nil, true
		}
	}

	var best *subsetNode
	for sum, node := range states {
		if node.count == 0 || !cfg.Tolerance.Equal(decimal.New(sum, -currency.SourceScale), b.TotalAmount) {
			continue
		}
		if best == nil || s.better(node, best) {
			best = node
		}
	}
	if best == nil {
		return nil, false
	}
	out := make([]domain.Transaction, 0, best.count)
	for node := best; node.count > 0; node = node.prev {
		out = append(out, candidates[node.idx])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, false
}

// better reports whether subset a is strictly preferred over b.
func (s *subsetSearch) better(a, b *subsetNode) bool {
	if a.count != b.count {
		return a.count < b.count
	}
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	ka, kb := s.sortedIDs(a), s.sortedIDs(b)
	for i := range ka {
		if ka[i] != kb[i] {
			return ka[i] < kb[i]
		}
	}
	return false
}

func (s *subsetSearch) sortedIDs(node *subsetNode) []string {
	out := make([]string, 0, node.count)
	for ; node.count > 0; node = node.prev {
		out = append(out, s.ids[node.idx])
	}
	sort.Strings(out)
	return out
}

// slackUnits bounds, in source minor units, how far a sum may exceed the
// target and still compare equal under the tolerance.
func slackUnits(t currency.Tolerance) int64 {
	return t.Amount.Abs().Add(decimal.New(1, -t.Scale)).Shift(currency.SourceScale).Ceil().IntPart()
}

func mismatchReason(b domain.Batch, deps []domain.Deposit, txns []domain.Transaction, cfg Config) string {
	var parts []string
	if len(deps) > 0 {
		// Closest in amount, then in date.
		best := deps[0]
		bestDiff := cfg.Tolerance.Diff(best.TotalAmount, b.TotalAmount).Abs()
		for _, dep := range deps[1:] {
			if diff := cfg.Tolerance.Diff(dep.TotalAmount, b.TotalAmount).Abs(); diff.LessThan(bestDiff) {
				best, bestDiff = dep, diff
			}
		}
		parts = append(parts, fmt.Sprintf("deposit %s total %s differs from batch total %s by %s",
			best.ExternalID, currency.Format(best.TotalAmount), currency.Format(b.TotalAmount),
			currency.Format(best.TotalAmount.Sub(b.TotalAmount))))
	}
	if len(txns) > 0 {
		sum := decimal.Zero
		for _, t := range txns {
			sum = sum.Add(t.Amount)
		}
		parts = append(parts, fmt.Sprintf("no combination of %d ledger transactions in window sums to %s (all sum to %s)",
			len(txns), currency.Format(b.TotalAmount), currency.Format(sum)))
	}
	return strings.Join(parts, "; ")
}
