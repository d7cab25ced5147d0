package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shiftstack-work/payments-backend/internal/models"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrInvoiceClosed = errors.New("invoice is paid or void")
	ErrInvalidStatus = errors.New("invoice status does not allow this operation")
	ErrItemMismatch  = errors.New("line items do not sum to invoice subtotal")
)

// invoiceRepo is the persistence surface the service needs.
type invoiceRepo interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (*models.CreditInvoice, error)
	GetInvoiceForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.CreditInvoice, error)
	GetOrCreateDraft(ctx context.Context, tx pgx.Tx, businessID uuid.UUID, periodStart, periodEnd time.Time) (*models.CreditInvoice, error)
	AddItem(ctx context.Context, tx pgx.Tx, item *models.CreditInvoiceItem) error
	SumItems(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID) (int64, error)
	UpdateAmounts(ctx context.Context, tx pgx.Tx, inv *models.CreditInvoice) error
	LatestCreditBalance(ctx context.Context, tx pgx.Tx, businessID uuid.UUID) (int64, error)
	InsertCreditTx(ctx context.Context, tx pgx.Tx, c *models.BusinessCreditTransaction) error
	ListTransactions(ctx context.Context, businessID uuid.UUID, limit int) ([]*models.BusinessCreditTransaction, error)
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)
}

type Service struct {
	repo   invoiceRepo
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo invoiceRepo, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// ChargeParams describes one shift charge rolled onto the business's open
// weekly invoice.
type ChargeParams struct {
	BusinessID     uuid.UUID
	AmountCents    int64
	ShiftPaymentID *uuid.UUID
	Description    string
}

// ApplyCharge adds a line item to the business's draft invoice for the
// current billing week, creating the invoice if the week has none yet, and
// appends a charge to the credit stream.
func (s *Service) ApplyCharge(ctx context.Context, p ChargeParams) (*models.CreditInvoice, error) {
	if p.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	start, end := BillingPeriod(s.now().UTC())

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.GetOrCreateDraft(ctx, tx, p.BusinessID, start, end)
	if err != nil {
		return nil, err
	}
	if inv.Status != models.InvoiceDraft {
		return nil, fmt.Errorf("%w: period invoice is %s", ErrInvalidStatus, inv.Status)
	}

	item := &models.CreditInvoiceItem{
		InvoiceID:      inv.ID,
		ShiftPaymentID: p.ShiftPaymentID,
		Description:    p.Description,
		Amount:         p.AmountCents,
	}
	if err := s.repo.AddItem(ctx, tx, item); err != nil {
		return nil, err
	}

	inv.Subtotal += p.AmountCents
	recompute(inv)
	if err := s.repo.UpdateAmounts(ctx, tx, inv); err != nil {
		return nil, err
	}
	if err := s.appendCreditTx(ctx, tx, inv, models.CreditTxCharge, p.AmountCents, p.ShiftPaymentID, p.Description); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inv, nil
}

// RecordPayment applies a payment against an invoice. Overpayment floors
// amount_due at zero; the excess remains on the credit stream as a negative
// running balance and offsets future charges.
func (s *Service) RecordPayment(ctx context.Context, invoiceID uuid.UUID, amountCents int64, reference string) (*models.CreditInvoice, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.GetInvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == models.InvoiceVoid || inv.Status == models.InvoicePaid {
		return nil, fmt.Errorf("%w: %s", ErrInvoiceClosed, inv.Status)
	}

	inv.AmountPaid += amountCents
	recompute(inv)
	if inv.AmountDue == 0 {
		inv.Status = models.InvoicePaid
		now := s.now().UTC()
		inv.PaidAt = &now
	} else if inv.Status != models.InvoiceOverdue {
		inv.Status = models.InvoicePartiallyPaid
	}
	if err := s.repo.UpdateAmounts(ctx, tx, inv); err != nil {
		return nil, err
	}
	if err := s.appendCreditTx(ctx, tx, inv, models.CreditTxPayment, -amountCents, nil, reference); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if inv.TotalAmount < inv.AmountPaid {
		s.logger.Info("invoice overpaid, excess carried as credit",
			"invoice_id", inv.ID,
			"business_id", inv.BusinessID,
			"excess_cents", inv.AmountPaid-inv.TotalAmount)
	}
	return inv, nil
}

// AddLateFee adds a fee to an unpaid invoice. Paid and void invoices never
// accrue fees.
func (s *Service) AddLateFee(ctx context.Context, invoiceID uuid.UUID, amountCents int64, reason string) (*models.CreditInvoice, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.GetInvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == models.InvoicePaid || inv.Status == models.InvoiceVoid {
		return nil, fmt.Errorf("%w: %s", ErrInvoiceClosed, inv.Status)
	}

	inv.LateFees += amountCents
	recompute(inv)
	if err := s.repo.UpdateAmounts(ctx, tx, inv); err != nil {
		return nil, err
	}
	if err := s.appendCreditTx(ctx, tx, inv, models.CreditTxLateFee, amountCents, nil, reason); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inv, nil
}

// Finalize moves a draft invoice to issued after verifying its line items
// sum to the recorded subtotal.
func (s *Service) Finalize(ctx context.Context, invoiceID uuid.UUID, dueDate time.Time) (*models.CreditInvoice, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.GetInvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != models.InvoiceDraft {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, inv.Status)
	}
	sum, err := s.repo.SumItems(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if sum != inv.Subtotal {
		s.logger.Error("invoice subtotal diverged from line items",
			"invoice_id", inv.ID, "subtotal", inv.Subtotal, "items_sum", sum)
		return nil, fmt.Errorf("%w: subtotal %d, items %d", ErrItemMismatch, inv.Subtotal, sum)
	}

	now := s.now().UTC()
	inv.Status = models.InvoiceIssued
	inv.IssuedAt = &now
	inv.DueDate = &dueDate
	recompute(inv)
	if err := s.repo.UpdateAmounts(ctx, tx, inv); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inv, nil
}

// MarkSent records delivery of an issued invoice.
func (s *Service) MarkSent(ctx context.Context, invoiceID uuid.UUID) (*models.CreditInvoice, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.GetInvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != models.InvoiceIssued {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, inv.Status)
	}
	now := s.now().UTC()
	inv.Status = models.InvoiceSent
	inv.SentAt = &now
	if err := s.repo.UpdateAmounts(ctx, tx, inv); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inv, nil
}

// Void cancels an invoice. The invoice number stays consumed and the charges
// are reversed on the credit stream so the running balance nets out.
func (s *Service) Void(ctx context.Context, invoiceID uuid.UUID, reason string) (*models.CreditInvoice, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.GetInvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == models.InvoicePaid || inv.Status == models.InvoiceVoid {
		return nil, fmt.Errorf("%w: %s", ErrInvoiceClosed, inv.Status)
	}

	outstanding := inv.TotalAmount - inv.AmountPaid
	now := s.now().UTC()
	inv.Status = models.InvoiceVoid
	inv.VoidedAt = &now
	// The reversal lands in Adjustments so the invoice arithmetic still
	// holds: total = subtotal + late_fees + adjustments, due = total - paid.
	if outstanding > 0 {
		inv.Adjustments -= outstanding
	}
	recompute(inv)
	if err := s.repo.UpdateAmounts(ctx, tx, inv); err != nil {
		return nil, err
	}
	if outstanding > 0 {
		if err := s.appendCreditTx(ctx, tx, inv, models.CreditTxAdjustment, -outstanding, nil, reason); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*models.CreditInvoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

func (s *Service) ListTransactions(ctx context.Context, businessID uuid.UUID, limit int) ([]*models.BusinessCreditTransaction, error) {
	return s.repo.ListTransactions(ctx, businessID, limit)
}

// SweepOverdue flags unpaid invoices past their due date. Run by the nightly
// settlement job.
func (s *Service) SweepOverdue(ctx context.Context) (int64, error) {
	n, err := s.repo.MarkOverdue(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("invoices marked overdue", "count", n)
	}
	return n, nil
}

func (s *Service) appendCreditTx(ctx context.Context, tx pgx.Tx, inv *models.CreditInvoice, txType string, amount int64, shiftPaymentID *uuid.UUID, reference string) error {
	balance, err := s.repo.LatestCreditBalance(ctx, tx, inv.BusinessID)
	if err != nil {
		return err
	}
	return s.repo.InsertCreditTx(ctx, tx, &models.BusinessCreditTransaction{
		BusinessID:     inv.BusinessID,
		InvoiceID:      &inv.ID,
		ShiftPaymentID: shiftPaymentID,
		TxType:         txType,
		Amount:         amount,
		BalanceBefore:  balance,
		BalanceAfter:   balance + amount,
		Reference:      reference,
	})
}

// recompute re-derives the invoice arithmetic. AmountDue never goes negative;
// overpayment is visible as AmountPaid > TotalAmount.
func recompute(inv *models.CreditInvoice) {
	inv.TotalAmount = inv.Subtotal + inv.LateFees + inv.Adjustments
	due := inv.TotalAmount - inv.AmountPaid
	if due < 0 {
		due = 0
	}
	inv.AmountDue = due
}

// BillingPeriod returns the Monday..Sunday week containing t, at UTC date
// precision.
func BillingPeriod(t time.Time) (start, end time.Time) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	start = day.AddDate(0, 0, -offset)
	end = start.AddDate(0, 0, 6)
	return start, end
}
