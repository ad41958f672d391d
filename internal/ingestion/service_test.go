package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settleup/reconciler/internal/config"
	"github.com/settleup/reconciler/internal/domain"
	"github.com/settleup/reconciler/internal/keylock"
	"github.com/settleup/reconciler/internal/reconciliation"
	"github.com/settleup/reconciler/internal/repository"
	"github.com/settleup/reconciler/internal/synclog"
)

var now = time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T, opts ...Option) (*Service, *repository.Store) {
	t.Helper()
	db, err := repository.InitDB(":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := repository.NewStore(db)
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewService(store, keylock.NewLocal(), config.NewDiscardLogger(), opts...), store
}

func TestUpsertBatchesIsIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	raws := []domain.RawBatch{
		{ExternalID: "MSC-1", BatchDate: day(10), TotalAmount: amt("100.00")},
		{ExternalID: "MSC-2", BatchDate: day(11), TotalAmount: amt("250.10")},
	}

	first, err := svc.UpsertBatches(ctx, raws)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.Created != 2 {
		t.Fatalf("first = %+v", first)
	}
	before, _ := store.Batches.GetByExternalID(ctx, "MSC-1")

	for i := 0; i < 3; i++ {
		res, err := svc.UpsertBatches(ctx, raws)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if res.Unchanged != 2 || res.Created != 0 || res.Updated != 0 {
			t.Fatalf("replay %d = %+v", i, res)
		}
	}

	after, _ := store.Batches.GetByExternalID(ctx, "MSC-1")
	if after.ID != before.ID || after.Version != before.Version || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("replay modified batch: before %+v after %+v", before, after)
	}
	stats, _ := store.Batches.Stats(ctx)
	if stats.Total != 2 {
		t.Fatalf("total batches = %d", stats.Total)
	}
}

func TestUpsertIsolatesInvalidRecords(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	raws := []domain.RawTransaction{
		{ExternalID: "BP-1", TransactionDate: day(10), Amount: amt("5.00")},
		{ExternalID: "", TransactionDate: day(10), Amount: amt("6.00")},
		{ExternalID: "BP-3", Amount: amt("7.00")},
		{ExternalID: "BP-4", TransactionDate: day(10), Amount: amt("8.00"), Malformed: "line 5: amount: empty amount"},
		{ExternalID: "BP-5", TransactionDate: day(11), Amount: amt("9.00")},
	}

	res, err := svc.UpsertTransactions(ctx, raws)
	if err != nil {
		t.Fatalf("UpsertTransactions: %v", err)
	}
	if res.Created != 2 || len(res.Rejected) != 3 {
		t.Fatalf("result = %+v", res)
	}
	wantIdx := []int{1, 2, 3}
	for i, r := range res.Rejected {
		var verr *domain.ValidationError
		if !errors.As(r.Err, &verr) {
			t.Errorf("rejection %d: %v is not a ValidationError", i, r.Err)
		}
		if r.Index != wantIdx[i] {
			t.Errorf("rejection %d index = %d, want %d", i, r.Index, wantIdx[i])
		}
	}
	if n, _ := store.Transactions.Count(ctx); n != 2 {
		t.Fatalf("stored %d transactions", n)
	}
}

func TestUpsertDuplicateExternalIDLastWins(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	res, err := svc.UpsertDeposits(ctx, []domain.RawDeposit{
		{ExternalID: "Q1", DepositDate: day(10), TotalAmount: amt("1.00")},
		{ExternalID: "Q1", DepositDate: day(10), TotalAmount: amt("2.00")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 || res.Unchanged != 1 {
		t.Fatalf("result = %+v", res)
	}
	d, _ := store.Deposits.GetByExternalID(ctx, "Q1")
	if !d.TotalAmount.Equal(amt("2")) {
		t.Fatalf("amount = %s, want 2.00", d.TotalAmount)
	}
}

func TestCorrectedBatchTotalResetsMatch(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	recon := reconciliation.NewService(store, reconciliation.DefaultConfig(), config.NewDiscardLogger())

	if _, err := svc.UpsertBatches(ctx, []domain.RawBatch{{ExternalID: "MSC-1", BatchDate: day(10), TotalAmount: amt("100.00")}}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpsertDeposits(ctx, []domain.RawDeposit{
		{ExternalID: "Q1", DepositDate: day(11), TotalAmount: amt("100.00")},
		{ExternalID: "Q2", DepositDate: day(12), TotalAmount: amt("120.00")},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := recon.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	b, _ := store.Batches.GetByExternalID(ctx, "MSC-1")
	if b.Status != domain.StatusMatched {
		t.Fatalf("initial status = %s", b.Status)
	}

	res, err := svc.UpsertBatches(ctx, []domain.RawBatch{{ExternalID: "MSC-1", BatchDate: day(10), TotalAmount: amt("120.00")}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reset != 1 {
		t.Fatalf("result = %+v", res)
	}
	b, _ = store.Batches.GetByExternalID(ctx, "MSC-1")
	if b.Status != domain.StatusPending || b.ReconciledAt != nil {
		t.Fatalf("after correction: %+v", b)
	}
	if q1, _ := store.Deposits.GetByExternalID(ctx, "Q1"); q1.BatchID != "" {
		t.Fatal("old deposit still linked")
	}

	if _, err := recon.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	q2, _ := store.Deposits.GetByExternalID(ctx, "Q2")
	if q2.BatchID != b.ID {
		t.Fatalf("re-evaluation linked %q, want %q", q2.BatchID, b.ID)
	}
}

func TestTransactionDescriptionChangeKeepsMatch(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	recon := reconciliation.NewService(store, reconciliation.DefaultConfig(), config.NewDiscardLogger())

	svc.UpsertBatches(ctx, []domain.RawBatch{{ExternalID: "MSC-1", BatchDate: day(10), TotalAmount: amt("30.00")}})
	raws := []domain.RawTransaction{
		{ExternalID: "BP-1", TransactionDate: day(10), Amount: amt("10.00"), Description: "a"},
		{ExternalID: "BP-2", TransactionDate: day(10), Amount: amt("20.00"), Description: "b"},
	}
	svc.UpsertTransactions(ctx, raws)
	if _, err := recon.RunPass(ctx); err != nil {
		t.Fatal(err)
	}

	raws[0].Description = "renamed"
	res, err := svc.UpsertTransactions(ctx, raws)
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 || res.Reset != 0 || res.Unchanged != 1 {
		t.Fatalf("description change = %+v", res)
	}
	b, _ := store.Batches.GetByExternalID(ctx, "MSC-1")
	if b.Status != domain.StatusMatched {
		t.Fatalf("status = %s, want MATCHED", b.Status)
	}

	raws[1].Amount = amt("21.00")
	res, err = svc.UpsertTransactions(ctx, raws)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reset != 1 {
		t.Fatalf("amount change = %+v", res)
	}
	b, _ = store.Batches.GetByExternalID(ctx, "MSC-1")
	if b.Status != domain.StatusPending {
		t.Fatalf("status = %s, want PENDING", b.Status)
	}
}

func TestCorrectedCandidateReleasesDiscrepancy(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	recon := reconciliation.NewService(store, reconciliation.DefaultConfig(), config.NewDiscardLogger())

	svc.UpsertBatches(ctx, []domain.RawBatch{
		{ExternalID: "MSC-1", BatchDate: day(10), TotalAmount: amt("100.00")},
		{ExternalID: "MSC-2", BatchDate: day(20), TotalAmount: amt("40.00")},
	})
	svc.UpsertDeposits(ctx, []domain.RawDeposit{
		{ExternalID: "Q1", DepositDate: day(11), TotalAmount: amt("95.00")},
		{ExternalID: "Q2", DepositDate: day(20), TotalAmount: amt("41.00")},
	})
	if _, err := recon.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	for _, ext := range []string{"MSC-1", "MSC-2"} {
		if b, _ := store.Batches.GetByExternalID(ctx, ext); b.Status != domain.StatusDiscrepancy {
			t.Fatalf("%s initial status = %s", ext, b.Status)
		}
	}

	res, err := svc.UpsertDeposits(ctx, []domain.RawDeposit{{ExternalID: "Q1", DepositDate: day(11), TotalAmount: amt("100.00")}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 || res.Reset != 1 {
		t.Fatalf("result = %+v", res)
	}
	b1, _ := store.Batches.GetByExternalID(ctx, "MSC-1")
	if b1.Status != domain.StatusPending || b1.DiscrepancyReason != "" {
		t.Fatalf("MSC-1 after correction: %+v", b1)
	}
	if b2, _ := store.Batches.GetByExternalID(ctx, "MSC-2"); b2.Status != domain.StatusDiscrepancy {
		t.Fatalf("MSC-2 outside the window changed to %s", b2.Status)
	}

	if _, err := recon.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	q1, _ := store.Deposits.GetByExternalID(ctx, "Q1")
	if q1.BatchID != b1.ID {
		t.Fatalf("Q1 linked to %q, want %q", q1.BatchID, b1.ID)
	}
}

func TestMovedTransactionReleasesDiscrepancyAtOldDate(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	recon := reconciliation.NewService(store, reconciliation.DefaultConfig(), config.NewDiscardLogger())

	svc.UpsertBatches(ctx, []domain.RawBatch{{ExternalID: "MSC-1", BatchDate: day(10), TotalAmount: amt("30.00")}})
	svc.UpsertTransactions(ctx, []domain.RawTransaction{{ExternalID: "BP-1", TransactionDate: day(10), Amount: amt("25.00")}})
	if _, err := recon.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	if b, _ := store.Batches.GetByExternalID(ctx, "MSC-1"); b.Status != domain.StatusDiscrepancy {
		t.Fatalf("initial status = %s", b.Status)
	}

	res, err := svc.UpsertTransactions(ctx, []domain.RawTransaction{{ExternalID: "BP-1", TransactionDate: day(25), Amount: amt("25.00")}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reset != 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := recon.RunPass(ctx); err != nil {
		t.Fatal(err)
	}
	if b, _ := store.Batches.GetByExternalID(ctx, "MSC-1"); b.Status != domain.StatusPending {
		t.Fatalf("status = %s, want PENDING with no candidate left", b.Status)
	}
}

type syncLogStore struct{ store *repository.Store }

func (s syncLogStore) Insert(ctx context.Context, l *domain.SyncLog) error {
	return s.store.SyncLogs.Insert(ctx, l)
}

func (s syncLogStore) Complete(ctx context.Context, l *domain.SyncLog) error {
	return s.store.SyncLogs.Complete(ctx, l)
}

func (s syncLogStore) ListStale(ctx context.Context, before time.Time) ([]domain.SyncLog, error) {
	return s.store.SyncLogs.ListStale(ctx, before)
}

func TestImportRecordsSyncLogAndReconciles(t *testing.T) {
	db, err := repository.InitDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store := repository.NewStore(db)
	log := config.NewDiscardLogger()
	rec := synclog.NewRecorder(syncLogStore{store}, time.Minute, log)
	recon := reconciliation.NewService(store, reconciliation.DefaultConfig(), log)
	svc := NewService(store, keylock.NewLocal(), log, WithImports(rec, recon))
	ctx := context.Background()

	if _, err := svc.Import(ctx, FormatDepositsJSON, []byte(`[{"Id":"Q1","TxnDate":"2024-03-10","TotalAmt":75}]`)); err != nil {
		t.Fatalf("deposits import: %v", err)
	}
	out, err := svc.Import(ctx, FormatMSCCSV, []byte("Batch ID,Batch Date,Total Amount\nMSC-1,2024-03-10,75.00\n"))
	if err != nil {
		t.Fatalf("batches import: %v", err)
	}
	if out.Upsert.Created != 1 || out.Pass == nil || out.Pass.Matched != 1 {
		t.Fatalf("import = %+v pass = %+v", out.Upsert, out.Pass)
	}

	logs, total, err := store.SyncLogs.List(ctx, repository.SyncLogFilter{Operation: domain.OpImport})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("import logs = %d", total)
	}
	for _, l := range logs {
		if l.Status != domain.SyncSuccess || l.FinishedAt == nil {
			t.Fatalf("log = %+v", l)
		}
	}

	_, err = svc.Import(ctx, FormatMSCCSV, []byte("nonsense"))
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("bad file: err = %v", err)
	}
	failed, _, _ := store.SyncLogs.List(ctx, repository.SyncLogFilter{Status: string(domain.SyncFailure)})
	if len(failed) != 1 || failed[0].ErrorMessage == "" {
		t.Fatalf("failed logs = %+v", failed)
	}
}

func TestImportDisabled(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Import(context.Background(), FormatMSCCSV, nil); !errors.Is(err, ErrImportsDisabled) {
		t.Fatalf("err = %v", err)
	}
}
