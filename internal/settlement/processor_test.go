package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shiftstack-work/payments-backend/internal/escrow"
	"github.com/shiftstack-work/payments-backend/internal/ledger"
	"github.com/shiftstack-work/payments-backend/internal/models"
	"github.com/shiftstack-work/payments-backend/pkg/providerclient"
)

type memBatches struct {
	rows map[string]*models.PayoutBatch
}

func newMemBatches() *memBatches {
	return &memBatches{rows: make(map[string]*models.PayoutBatch)}
}

func periodKey(batchType string, start, end time.Time) string {
	return batchType + "|" + start.Format(time.RFC3339) + "|" + end.Format(time.RFC3339)
}

func (m *memBatches) InsertProcessing(_ context.Context, b *models.PayoutBatch) error {
	key := periodKey(b.BatchType, b.PeriodStart, b.PeriodEnd)
	if _, ok := m.rows[key]; ok {
		return ErrBatchExists
	}
	b.ID = uuid.New()
	b.Status = models.BatchProcessing
	b.StartedAt = time.Now().UTC()
	cp := *b
	m.rows[key] = &cp
	return nil
}

func (m *memBatches) Finish(_ context.Context, b *models.PayoutBatch) error {
	now := time.Now().UTC()
	b.CompletedAt = &now
	cp := *b
	m.rows[periodKey(b.BatchType, b.PeriodStart, b.PeriodEnd)] = &cp
	return nil
}

func (m *memBatches) GetByPeriod(_ context.Context, batchType string, start, end time.Time) (*models.PayoutBatch, error) {
	b, ok := m.rows[periodKey(batchType, start, end)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

type stubEscrow struct {
	releasable []*models.EscrowRecord
	releaseErr map[uuid.UUID]error
	released   []uuid.UUID
	expired    int
	reconciled int
}

func (s *stubEscrow) ListReleasable(_ context.Context, _ time.Time, _ int) ([]*models.EscrowRecord, error) {
	return s.releasable, nil
}

func (s *stubEscrow) Release(_ context.Context, id uuid.UUID) error {
	if err := s.releaseErr[id]; err != nil {
		return err
	}
	s.released = append(s.released, id)
	return nil
}

func (s *stubEscrow) ExpireDue(_ context.Context, _ time.Time, _ int) (int, error) {
	return s.expired, nil
}

func (s *stubEscrow) ReconcileRefunds(_ context.Context, _ time.Time, _ int) (int, error) {
	return s.reconciled, nil
}

type stubSweeper struct{ swept int }

func (s *stubSweeper) SweepOverdue(_ context.Context) (int64, error) {
	s.swept++
	return 0, nil
}

type stubCompletion struct {
	unconfirmed map[uuid.UUID]bool
}

func (s *stubCompletion) Confirmed(_ context.Context, shiftPaymentID uuid.UUID) (bool, error) {
	return !s.unconfirmed[shiftPaymentID], nil
}

type noTx struct{}

func (noTx) Begin(_ context.Context) (pgx.Tx, error)   { panic("not implemented") }
func (noTx) Commit(_ context.Context) error            { return nil }
func (noTx) Rollback(_ context.Context) error          { return nil }
func (noTx) Conn() *pgx.Conn                           { return nil }
func (noTx) LargeObjects() pgx.LargeObjects            { panic("not implemented") }
func (noTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}
func (noTx) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { panic("not implemented") }
func (noTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}
func (noTx) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}
func (noTx) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	panic("not implemented")
}
func (noTx) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { panic("not implemented") }

type stubLedger struct {
	payable  []ledger.AccountBalance
	appended []ledger.Draft
	faults   []ledger.StreamFault
}

func (s *stubLedger) Begin(_ context.Context) (pgx.Tx, error) { return noTx{}, nil }

func (s *stubLedger) AppendTx(_ context.Context, _ pgx.Tx, d ledger.Draft) (*models.LedgerEntry, error) {
	s.appended = append(s.appended, d)
	return &models.LedgerEntry{EntryType: d.EntryType, Amount: d.Amount}, nil
}

func (s *stubLedger) ListWorkerPayable(_ context.Context, _ int) ([]ledger.AccountBalance, error) {
	return s.payable, nil
}

func (s *stubLedger) VerifyStreams(_ context.Context, _, _ time.Time) ([]ledger.StreamFault, error) {
	return s.faults, nil
}

type stubProvider struct {
	transferErr   error
	statusByKey   map[string]*providerclient.Transfer
	transferCalls int
}

func (s *stubProvider) CreateTransfer(_ context.Context, req providerclient.TransferRequest) (*providerclient.Transfer, error) {
	s.transferCalls++
	if s.transferErr != nil {
		return nil, s.transferErr
	}
	return &providerclient.Transfer{
		ID:     "tr-" + req.IdempotencyKey,
		Status: providerclient.TransferSucceeded,
	}, nil
}

func (s *stubProvider) GetTransferStatus(_ context.Context, key string) (*providerclient.Transfer, error) {
	t, ok := s.statusByKey[key]
	if !ok {
		return nil, providerclient.ErrNotFound
	}
	return t, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func heldEscrow(amount int64) *models.EscrowRecord {
	captured := time.Now().UTC().Add(-48 * time.Hour)
	return &models.EscrowRecord{
		ID:             uuid.New(),
		ShiftPaymentID: uuid.New(),
		BusinessID:     uuid.New(),
		WorkerID:       uuid.New(),
		AmountCents:    amount,
		Currency:       "USD",
		Status:         models.EscrowHeld,
		CapturedAt:     &captured,
	}
}

func TestDailySettlementPartialBatch(t *testing.T) {
	e1, e2, e3 := heldEscrow(10000), heldEscrow(20000), heldEscrow(30000)
	es := &stubEscrow{
		releasable: []*models.EscrowRecord{e1, e2, e3},
		releaseErr: map[uuid.UUID]error{e2.ID: errors.New("provider rejected transfer")},
	}
	sweeper := &stubSweeper{}
	p := NewProcessor(newMemBatches(), es, sweeper, &stubLedger{}, &stubProvider{}, nil, quietLogger())

	b, err := p.RunDailySettlement(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("RunDailySettlement: %v", err)
	}
	if b.ProcessedCount != 2 || b.FailedCount != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", b.ProcessedCount, b.FailedCount)
	}
	if b.Status != models.BatchPartial {
		t.Fatalf("status = %s, want %s", b.Status, models.BatchPartial)
	}
	if b.TotalAmountCents != 40000 {
		t.Fatalf("total = %d, want 40000", b.TotalAmountCents)
	}
	if len(b.ErrorSummary) != 1 || b.ErrorSummary[0].ID != e2.ID.String() {
		t.Fatalf("error summary = %+v", b.ErrorSummary)
	}
	if b.ProcessedCount+b.FailedCount != len(es.releasable) {
		t.Fatalf("processed+failed = %d, want %d", b.ProcessedCount+b.FailedCount, len(es.releasable))
	}
	if sweeper.swept != 1 {
		t.Fatalf("overdue sweep ran %d times, want 1", sweeper.swept)
	}
}

func TestDailySettlementRerunIsNoop(t *testing.T) {
	es := &stubEscrow{releasable: []*models.EscrowRecord{heldEscrow(5000)}}
	p := NewProcessor(newMemBatches(), es, nil, &stubLedger{}, &stubProvider{}, nil, quietLogger())
	now := time.Now().UTC()

	first, err := p.RunDailySettlement(context.Background(), now)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := p.RunDailySettlement(context.Background(), now)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second run created a new batch %s, want existing %s", second.ID, first.ID)
	}
	if len(es.released) != 1 {
		t.Fatalf("released %d escrows across two runs, want 1", len(es.released))
	}
}

func TestDailySettlementSkipsGatedAndUnconfirmed(t *testing.T) {
	gated, unconfirmed, clean := heldEscrow(1000), heldEscrow(2000), heldEscrow(3000)
	es := &stubEscrow{
		releasable: []*models.EscrowRecord{gated, unconfirmed, clean},
		releaseErr: map[uuid.UUID]error{gated.ID: escrow.ErrReleaseBlocked},
	}
	completion := &stubCompletion{unconfirmed: map[uuid.UUID]bool{unconfirmed.ShiftPaymentID: true}}
	p := NewProcessor(newMemBatches(), es, nil, &stubLedger{}, &stubProvider{}, completion, quietLogger())

	b, err := p.RunDailySettlement(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("RunDailySettlement: %v", err)
	}
	// Skips are neither processed nor failed, so the batch still completes.
	if b.ProcessedCount != 1 || b.FailedCount != 0 {
		t.Fatalf("counts = %d/%d, want 1/0", b.ProcessedCount, b.FailedCount)
	}
	if b.Status != models.BatchCompleted {
		t.Fatalf("status = %s, want %s", b.Status, models.BatchCompleted)
	}
}

func TestDailySettlementEmptyDayCompletes(t *testing.T) {
	p := NewProcessor(newMemBatches(), &stubEscrow{}, nil, &stubLedger{}, &stubProvider{}, nil, quietLogger())
	b, err := p.RunDailySettlement(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("RunDailySettlement: %v", err)
	}
	if b.Status != models.BatchCompleted || b.ProcessedCount != 0 || b.FailedCount != 0 {
		t.Fatalf("empty day batch = %s %d/%d, want COMPLETED 0/0", b.Status, b.ProcessedCount, b.FailedCount)
	}
}

func TestDailySettlementIntegrityFlagged(t *testing.T) {
	bad := heldEscrow(7000)
	es := &stubEscrow{
		releasable: []*models.EscrowRecord{bad},
		releaseErr: map[uuid.UUID]error{
			bad.ID: fmt.Errorf("%w: transfer tr-1 done but local commit failed", escrow.ErrIntegrityViolation),
		},
	}
	p := NewProcessor(newMemBatches(), es, nil, &stubLedger{}, &stubProvider{}, nil, quietLogger())

	b, err := p.RunDailySettlement(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("RunDailySettlement: %v", err)
	}
	if b.Status != models.BatchFailed {
		t.Fatalf("status = %s, want %s", b.Status, models.BatchFailed)
	}
	if len(b.ErrorSummary) != 1 || !b.ErrorSummary[0].Integrity {
		t.Fatalf("integrity flag missing: %+v", b.ErrorSummary)
	}
}

func TestWeeklyPayoutReservesThenPays(t *testing.T) {
	worker := uuid.New()
	lg := &stubLedger{payable: []ledger.AccountBalance{{UserID: worker, Currency: "USD", BalanceCents: 8500}}}
	provider := &stubProvider{}
	p := NewProcessor(newMemBatches(), &stubEscrow{}, nil, lg, provider, nil, quietLogger())

	b, err := p.RunWeeklyPayout(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("RunWeeklyPayout: %v", err)
	}
	if b.Status != models.BatchCompleted || b.ProcessedCount != 1 {
		t.Fatalf("batch = %s %d, want COMPLETED 1", b.Status, b.ProcessedCount)
	}
	if b.TotalAmountCents != 8500 {
		t.Fatalf("total = %d, want 8500", b.TotalAmountCents)
	}
	if len(lg.appended) != 2 {
		t.Fatalf("appended %d entries, want 2", len(lg.appended))
	}
	if lg.appended[0].EntryType != models.EntryPayoutInitiated || lg.appended[0].Amount != -8500 {
		t.Fatalf("first entry = %s %d, want payout_initiated -8500", lg.appended[0].EntryType, lg.appended[0].Amount)
	}
	if lg.appended[1].EntryType != models.EntryPayoutSucceeded || lg.appended[1].Amount != 0 {
		t.Fatalf("second entry = %s %d, want payout_succeeded 0", lg.appended[1].EntryType, lg.appended[1].Amount)
	}
}

func TestWeeklyPayoutRestoresOnRejection(t *testing.T) {
	worker := uuid.New()
	lg := &stubLedger{payable: []ledger.AccountBalance{{UserID: worker, Currency: "USD", BalanceCents: 5000}}}
	provider := &stubProvider{transferErr: &providerclient.APIError{StatusCode: 422, Message: "beneficiary blocked"}}
	p := NewProcessor(newMemBatches(), &stubEscrow{}, nil, lg, provider, nil, quietLogger())

	b, err := p.RunWeeklyPayout(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("RunWeeklyPayout: %v", err)
	}
	if b.Status != models.BatchFailed || b.FailedCount != 1 {
		t.Fatalf("batch = %s failed=%d, want FAILED 1", b.Status, b.FailedCount)
	}
	if len(lg.appended) != 2 {
		t.Fatalf("appended %d entries, want 2", len(lg.appended))
	}
	if lg.appended[1].EntryType != models.EntryPayoutFailed || lg.appended[1].Amount != 5000 {
		t.Fatalf("restore entry = %s %d, want payout_failed 5000", lg.appended[1].EntryType, lg.appended[1].Amount)
	}
}

func TestWeeklyPayoutTimeoutReconciledAsSuccess(t *testing.T) {
	worker := uuid.New()
	lg := &stubLedger{payable: []ledger.AccountBalance{{UserID: worker, Currency: "USD", BalanceCents: 6000}}}
	_, periodEnd := weekRange(time.Now().UTC())
	key := payoutKey(worker, periodEnd)
	provider := &stubProvider{
		transferErr: providerclient.ErrTimeout,
		statusByKey: map[string]*providerclient.Transfer{
			key: {ID: "tr-9", Status: providerclient.TransferSucceeded},
		},
	}
	p := NewProcessor(newMemBatches(), &stubEscrow{}, nil, lg, provider, nil, quietLogger())

	b, err := p.RunWeeklyPayout(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("RunWeeklyPayout: %v", err)
	}
	if b.Status != models.BatchCompleted || b.ProcessedCount != 1 {
		t.Fatalf("batch = %s %d, want COMPLETED 1", b.Status, b.ProcessedCount)
	}
	// The create timed out but the status query proved it landed; no second
	// create and no restore entry.
	if provider.transferCalls != 1 {
		t.Fatalf("transfer created %d times, want 1", provider.transferCalls)
	}
	if lg.appended[len(lg.appended)-1].EntryType != models.EntryPayoutSucceeded {
		t.Fatalf("last entry = %s, want payout_succeeded", lg.appended[len(lg.appended)-1].EntryType)
	}
}

func TestMonthlyReconciliationReportsFaults(t *testing.T) {
	lg := &stubLedger{faults: []ledger.StreamFault{
		{EntryID: 42, UserID: uuid.New(), Currency: "USD", Expected: 1000, Actual: 900},
	}}
	p := NewProcessor(newMemBatches(), &stubEscrow{}, nil, lg, &stubProvider{}, nil, quietLogger())

	b, err := p.RunMonthlyReconciliation(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("RunMonthlyReconciliation: %v", err)
	}
	if b.Status != models.BatchFailed {
		t.Fatalf("status = %s, want %s", b.Status, models.BatchFailed)
	}
	if len(b.ErrorSummary) != 1 || !b.ErrorSummary[0].Integrity || b.ErrorSummary[0].ID != "42" {
		t.Fatalf("error summary = %+v", b.ErrorSummary)
	}

	clean := &stubLedger{}
	p2 := NewProcessor(newMemBatches(), &stubEscrow{}, nil, clean, &stubProvider{}, nil, quietLogger())
	b2, err := p2.RunMonthlyReconciliation(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("clean reconciliation: %v", err)
	}
	if b2.Status != models.BatchCompleted {
		t.Fatalf("clean status = %s, want %s", b2.Status, models.BatchCompleted)
	}
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		processed, failed int
		want              string
	}{
		{3, 0, models.BatchCompleted},
		{0, 0, models.BatchCompleted},
		{2, 1, models.BatchPartial},
		{0, 3, models.BatchFailed},
	}
	for _, c := range cases {
		if got := models.DeriveStatus(c.processed, c.failed); got != c.want {
			t.Errorf("DeriveStatus(%d, %d) = %s, want %s", c.processed, c.failed, got, c.want)
		}
	}
}
