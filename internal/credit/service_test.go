package credit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftstack-work/payments-backend/internal/models"
)

type fakeTx struct {
	commitErr error
	commits   int
}

func (t *fakeTx) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(_ context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.commits++
	return nil
}
func (t *fakeTx) Rollback(_ context.Context) error { return nil }
func (t *fakeTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}
func (t *fakeTx) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}
func (t *fakeTx) LargeObjects() pgx.LargeObjects { panic("not implemented") }
func (t *fakeTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}
func (t *fakeTx) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}
func (t *fakeTx) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	panic("not implemented")
}
func (t *fakeTx) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	panic("not implemented")
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

type memRepo struct {
	tx       *fakeTx
	invoices map[uuid.UUID]*models.CreditInvoice
	items    map[uuid.UUID][]*models.CreditInvoiceItem
	stream   []*models.BusinessCreditTransaction
	seq      map[string]int
	nextID   int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		tx:       &fakeTx{},
		invoices: make(map[uuid.UUID]*models.CreditInvoice),
		items:    make(map[uuid.UUID][]*models.CreditInvoiceItem),
		seq:      make(map[string]int),
	}
}

func (m *memRepo) Begin(_ context.Context) (pgx.Tx, error) { return m.tx, nil }

func (m *memRepo) GetInvoice(_ context.Context, id uuid.UUID) (*models.CreditInvoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *memRepo) GetInvoiceForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.CreditInvoice, error) {
	return m.GetInvoice(ctx, id)
}

func (m *memRepo) GetOrCreateDraft(_ context.Context, _ pgx.Tx, businessID uuid.UUID, periodStart, periodEnd time.Time) (*models.CreditInvoice, error) {
	for _, inv := range m.invoices {
		if inv.BusinessID == businessID && inv.PeriodStart.Equal(periodStart) && inv.PeriodEnd.Equal(periodEnd) {
			cp := *inv
			return &cp, nil
		}
	}
	key := periodEnd.Format("200601")
	m.seq[key]++
	inv := &models.CreditInvoice{
		ID:            uuid.New(),
		BusinessID:    businessID,
		InvoiceNumber: FormatInvoiceNumber(key, m.seq[key]),
		PeriodStart:   periodStart,
		PeriodEnd:     periodEnd,
		Status:        models.InvoiceDraft,
		Currency:      "USD",
	}
	m.invoices[inv.ID] = inv
	cp := *inv
	return &cp, nil
}

func (m *memRepo) AddItem(_ context.Context, _ pgx.Tx, item *models.CreditInvoiceItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	m.items[item.InvoiceID] = append(m.items[item.InvoiceID], item)
	return nil
}

func (m *memRepo) SumItems(_ context.Context, _ pgx.Tx, invoiceID uuid.UUID) (int64, error) {
	var sum int64
	for _, it := range m.items[invoiceID] {
		sum += it.Amount
	}
	return sum, nil
}

func (m *memRepo) UpdateAmounts(_ context.Context, _ pgx.Tx, inv *models.CreditInvoice) error {
	cp := *inv
	m.invoices[inv.ID] = &cp
	return nil
}

func (m *memRepo) LatestCreditBalance(_ context.Context, _ pgx.Tx, businessID uuid.UUID) (int64, error) {
	for i := len(m.stream) - 1; i >= 0; i-- {
		if m.stream[i].BusinessID == businessID {
			return m.stream[i].BalanceAfter, nil
		}
	}
	return 0, nil
}

func (m *memRepo) InsertCreditTx(_ context.Context, _ pgx.Tx, c *models.BusinessCreditTransaction) error {
	m.nextID++
	c.ID = m.nextID
	m.stream = append(m.stream, c)
	return nil
}

func (m *memRepo) ListTransactions(_ context.Context, businessID uuid.UUID, _ int) ([]*models.BusinessCreditTransaction, error) {
	var out []*models.BusinessCreditTransaction
	for i := len(m.stream) - 1; i >= 0; i-- {
		if m.stream[i].BusinessID == businessID {
			out = append(out, m.stream[i])
		}
	}
	return out, nil
}

func (m *memRepo) MarkOverdue(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for _, inv := range m.invoices {
		switch inv.Status {
		case models.InvoiceIssued, models.InvoiceSent, models.InvoicePartiallyPaid:
			if inv.DueDate != nil && inv.DueDate.Before(now) && inv.AmountDue > 0 {
				inv.Status = models.InvoiceOverdue
				n++
			}
		}
	}
	return n, nil
}

func newTestService(repo *memRepo) *Service {
	s := NewService(repo, slog.New(slog.NewTextHandler(testWriter{}, nil)))
	s.now = func() time.Time { return time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC) }
	return s
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestApplyChargeCreatesWeeklyDraft(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	businessID := uuid.New()
	shiftID := uuid.New()

	inv, err := svc.ApplyCharge(context.Background(), ChargeParams{
		BusinessID:     businessID,
		AmountCents:    1000,
		ShiftPaymentID: &shiftID,
		Description:    "shift charge",
	})
	require.NoError(t, err)

	assert.Equal(t, models.InvoiceDraft, inv.Status)
	assert.Equal(t, "INV-202503-0001", inv.InvoiceNumber)
	// 2025-03-12 is a Wednesday; the billing week runs Mon 10th to Sun 16th.
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), inv.PeriodStart)
	assert.Equal(t, time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC), inv.PeriodEnd)
	assert.Equal(t, int64(1000), inv.Subtotal)
	assert.Equal(t, int64(1000), inv.TotalAmount)
	assert.Equal(t, int64(1000), inv.AmountDue)

	// Second charge in the same week lands on the same invoice.
	inv2, err := svc.ApplyCharge(context.Background(), ChargeParams{
		BusinessID:  businessID,
		AmountCents: 2500,
		Description: "second shift",
	})
	require.NoError(t, err)
	assert.Equal(t, inv.ID, inv2.ID)
	assert.Equal(t, int64(3500), inv2.Subtotal)

	txs, err := svc.ListTransactions(context.Background(), businessID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(3500), txs[0].BalanceAfter)
	assert.Equal(t, int64(1000), txs[0].BalanceBefore)
}

func TestInvoiceArithmeticInvariant(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	businessID := uuid.New()

	inv, err := svc.ApplyCharge(ctx, ChargeParams{BusinessID: businessID, AmountCents: 1000, Description: "shift"})
	require.NoError(t, err)

	inv, err = svc.Finalize(ctx, inv.ID, time.Date(2025, 3, 23, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceIssued, inv.Status)
	require.NotNil(t, inv.IssuedAt)

	inv, err = svc.AddLateFee(ctx, inv.ID, 50, "7 days past due")
	require.NoError(t, err)
	assert.Equal(t, int64(1050), inv.TotalAmount)
	assert.Equal(t, inv.Subtotal+inv.LateFees+inv.Adjustments, inv.TotalAmount)
	assert.Equal(t, inv.TotalAmount-inv.AmountPaid, inv.AmountDue)

	inv, err = svc.RecordPayment(ctx, inv.ID, 1050, "wire-991")
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaid, inv.Status)
	assert.Equal(t, int64(0), inv.AmountDue)
	require.NotNil(t, inv.PaidAt)

	// No further fees once paid.
	_, err = svc.AddLateFee(ctx, inv.ID, 25, "late again")
	assert.ErrorIs(t, err, ErrInvoiceClosed)
}

func TestPartialThenOverpayment(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	businessID := uuid.New()

	inv, err := svc.ApplyCharge(ctx, ChargeParams{BusinessID: businessID, AmountCents: 10000, Description: "shift"})
	require.NoError(t, err)
	inv, err = svc.Finalize(ctx, inv.ID, time.Date(2025, 3, 23, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	inv, err = svc.RecordPayment(ctx, inv.ID, 4000, "wire-1")
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePartiallyPaid, inv.Status)
	assert.Equal(t, int64(6000), inv.AmountDue)

	// Paying 7000 against the remaining 6000 floors due at zero and leaves
	// the 1000 excess as negative running balance on the stream.
	inv, err = svc.RecordPayment(ctx, inv.ID, 7000, "wire-2")
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaid, inv.Status)
	assert.Equal(t, int64(0), inv.AmountDue)
	assert.Equal(t, int64(11000), inv.AmountPaid)

	txs, err := svc.ListTransactions(ctx, businessID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, int64(-1000), txs[0].BalanceAfter)

	_, err = svc.RecordPayment(ctx, inv.ID, 100, "wire-3")
	assert.ErrorIs(t, err, ErrInvoiceClosed)
}

func TestFinalizeRejectsItemMismatch(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	inv, err := svc.ApplyCharge(ctx, ChargeParams{BusinessID: uuid.New(), AmountCents: 1000, Description: "shift"})
	require.NoError(t, err)

	// Corrupt the stored subtotal so it no longer matches the items.
	repo.invoices[inv.ID].Subtotal = 900

	_, err = svc.Finalize(ctx, inv.ID, time.Now())
	assert.ErrorIs(t, err, ErrItemMismatch)
}

func TestVoidReversesOutstanding(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	businessID := uuid.New()

	inv, err := svc.ApplyCharge(ctx, ChargeParams{BusinessID: businessID, AmountCents: 3000, Description: "shift"})
	require.NoError(t, err)
	inv, err = svc.Finalize(ctx, inv.ID, time.Date(2025, 3, 23, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	inv, err = svc.RecordPayment(ctx, inv.ID, 1000, "wire-1")
	require.NoError(t, err)

	inv, err = svc.Void(ctx, inv.ID, "duplicate billing")
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceVoid, inv.Status)
	assert.Equal(t, int64(0), inv.AmountDue)
	// The reversal is an adjustment, so the arithmetic still holds.
	assert.Equal(t, int64(-2000), inv.Adjustments)
	assert.Equal(t, int64(1000), inv.TotalAmount)
	assert.Equal(t, inv.Subtotal+inv.LateFees+inv.Adjustments, inv.TotalAmount)
	assert.Equal(t, inv.TotalAmount-inv.AmountPaid, inv.AmountDue)
	// Number stays consumed.
	assert.Equal(t, "INV-202503-0001", inv.InvoiceNumber)

	txs, err := svc.ListTransactions(ctx, businessID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, models.CreditTxAdjustment, txs[0].TxType)
	assert.Equal(t, int64(-2000), txs[0].Amount)
	assert.Equal(t, int64(0), txs[0].BalanceAfter)

	_, err = svc.Void(ctx, inv.ID, "again")
	assert.ErrorIs(t, err, ErrInvoiceClosed)
}

func TestSweepOverdue(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	inv, err := svc.ApplyCharge(ctx, ChargeParams{BusinessID: uuid.New(), AmountCents: 500, Description: "shift"})
	require.NoError(t, err)
	// Due date in the past relative to the fixed clock.
	_, err = svc.Finalize(ctx, inv.ID, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	n, err := svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceOverdue, got.Status)

	// Second sweep is a no-op.
	n, err = svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	svc := newTestService(newMemRepo())
	ctx := context.Background()

	_, err := svc.ApplyCharge(ctx, ChargeParams{BusinessID: uuid.New(), AmountCents: 0})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.RecordPayment(ctx, uuid.New(), -5, "x")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.AddLateFee(ctx, uuid.New(), 0, "x")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestBillingPeriodBoundaries(t *testing.T) {
	// Sunday belongs to the week that started the previous Monday.
	start, end := BillingPeriod(time.Date(2025, 3, 16, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC), end)

	// Monday starts a fresh week.
	start, end = BillingPeriod(time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 3, 23, 0, 0, 0, 0, time.UTC), end)
}
