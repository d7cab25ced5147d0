package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiftstack-work/payments-backend/internal/models"
)

// ErrNotFound is returned when no invoice matches the lookup.
var ErrNotFound = errors.New("invoice not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const invoiceColumns = `
	id, business_id, invoice_number, period_start, period_end, status,
	subtotal, late_fees, adjustments, total_amount, amount_paid, amount_due,
	currency, due_date, issued_at, sent_at, paid_at, voided_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (*models.CreditInvoice, error) {
	var inv models.CreditInvoice
	err := row.Scan(&inv.ID, &inv.BusinessID, &inv.InvoiceNumber, &inv.PeriodStart,
		&inv.PeriodEnd, &inv.Status, &inv.Subtotal, &inv.LateFees, &inv.Adjustments,
		&inv.TotalAmount, &inv.AmountPaid, &inv.AmountDue, &inv.Currency,
		&inv.DueDate, &inv.IssuedAt, &inv.SentAt, &inv.PaidAt, &inv.VoidedAt,
		&inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *Repository) GetInvoice(ctx context.Context, id uuid.UUID) (*models.CreditInvoice, error) {
	return scanInvoice(r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM credit_invoices WHERE id = $1`, id))
}

func (r *Repository) GetInvoiceForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.CreditInvoice, error) {
	return scanInvoice(tx.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM credit_invoices WHERE id = $1 FOR UPDATE`, id))
}

// GetOrCreateDraft returns the business's draft invoice for the period,
// creating it (and consuming an invoice number) when none exists. The row is
// locked for the caller's transaction either way.
func (r *Repository) GetOrCreateDraft(ctx context.Context, tx pgx.Tx, businessID uuid.UUID, periodStart, periodEnd time.Time) (*models.CreditInvoice, error) {
	inv, err := scanInvoice(tx.QueryRow(ctx, `
		SELECT `+invoiceColumns+` FROM credit_invoices
		WHERE business_id = $1 AND period_start = $2 AND period_end = $3
		FOR UPDATE
	`, businessID, periodStart, periodEnd))
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	number, err := r.nextInvoiceNumber(ctx, tx, periodEnd)
	if err != nil {
		return nil, err
	}
	inv = &models.CreditInvoice{
		ID:            uuid.New(),
		BusinessID:    businessID,
		InvoiceNumber: number,
		PeriodStart:   periodStart,
		PeriodEnd:     periodEnd,
		Status:        models.InvoiceDraft,
		Currency:      "USD",
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_invoices (id, business_id, invoice_number, period_start, period_end, status, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, inv.ID, inv.BusinessID, inv.InvoiceNumber, inv.PeriodStart, inv.PeriodEnd,
		inv.Status, inv.Currency).Scan(&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// nextInvoiceNumber consumes the next per-month sequence value. Numbers are
// never reused, even for invoices that are later voided.
func (r *Repository) nextInvoiceNumber(ctx context.Context, tx pgx.Tx, periodEnd time.Time) (string, error) {
	monthKey := periodEnd.Format("200601")
	var n int
	err := tx.QueryRow(ctx, `
		INSERT INTO invoice_sequences (month_key, last_value)
		VALUES ($1, 1)
		ON CONFLICT (month_key) DO UPDATE SET last_value = invoice_sequences.last_value + 1
		RETURNING last_value
	`, monthKey).Scan(&n)
	if err != nil {
		return "", err
	}
	return FormatInvoiceNumber(monthKey, n), nil
}

// FormatInvoiceNumber renders INV-YYYYMM-NNNN.
func FormatInvoiceNumber(monthKey string, n int) string {
	return fmt.Sprintf("INV-%s-%04d", monthKey, n)
}

// AddItem appends a line item inside the caller's transaction.
func (r *Repository) AddItem(ctx context.Context, tx pgx.Tx, item *models.CreditInvoiceItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	return tx.QueryRow(ctx, `
		INSERT INTO credit_invoice_items (id, invoice_id, shift_payment_id, description, amount)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, item.ID, item.InvoiceID, item.ShiftPaymentID, item.Description, item.Amount).
		Scan(&item.CreatedAt)
}

// SumItems totals the invoice's line items, for the finalization check.
func (r *Repository) SumItems(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID) (int64, error) {
	var sum int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_invoice_items WHERE invoice_id = $1`,
		invoiceID).Scan(&sum)
	return sum, err
}

// UpdateAmounts writes the recomputed arithmetic and status back.
func (r *Repository) UpdateAmounts(ctx context.Context, tx pgx.Tx, inv *models.CreditInvoice) error {
	_, err := tx.Exec(ctx, `
		UPDATE credit_invoices
		SET status = $1, subtotal = $2, late_fees = $3, adjustments = $4,
		    total_amount = $5, amount_paid = $6, amount_due = $7, due_date = $8,
		    issued_at = $9, sent_at = $10, paid_at = $11, voided_at = $12,
		    updated_at = now()
		WHERE id = $13
	`, inv.Status, inv.Subtotal, inv.LateFees, inv.Adjustments, inv.TotalAmount,
		inv.AmountPaid, inv.AmountDue, inv.DueDate, inv.IssuedAt, inv.SentAt,
		inv.PaidAt, inv.VoidedAt, inv.ID)
	return err
}

// LatestCreditBalance reads the business's running credit balance, locking
// the newest row so concurrent stream appends serialize.
func (r *Repository) LatestCreditBalance(ctx context.Context, tx pgx.Tx, businessID uuid.UUID) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `
		SELECT balance_after FROM business_credit_transactions
		WHERE business_id = $1
		ORDER BY id DESC LIMIT 1
		FOR UPDATE
	`, businessID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// InsertCreditTx appends one running-balance row to the business stream.
func (r *Repository) InsertCreditTx(ctx context.Context, tx pgx.Tx, c *models.BusinessCreditTransaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO business_credit_transactions
			(business_id, invoice_id, shift_payment_id, tx_type, amount,
			 balance_before, balance_after, reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, c.BusinessID, c.InvoiceID, c.ShiftPaymentID, c.TxType, c.Amount,
		c.BalanceBefore, c.BalanceAfter, nullable(c.Reference)).
		Scan(&c.ID, &c.CreatedAt)
}

// ListTransactions returns the business stream, newest first.
func (r *Repository) ListTransactions(ctx context.Context, businessID uuid.UUID, limit int) ([]*models.BusinessCreditTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, business_id, invoice_id, shift_payment_id, tx_type, amount,
		       balance_before, balance_after, COALESCE(reference, ''), created_at
		FROM business_credit_transactions
		WHERE business_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, businessID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.BusinessCreditTransaction
	for rows.Next() {
		var c models.BusinessCreditTransaction
		if err := rows.Scan(&c.ID, &c.BusinessID, &c.InvoiceID, &c.ShiftPaymentID,
			&c.TxType, &c.Amount, &c.BalanceBefore, &c.BalanceAfter,
			&c.Reference, &c.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &c)
	}
	return list, rows.Err()
}

// MarkOverdue flips past-due unpaid invoices to overdue. Returns how many
// rows changed; safe to run repeatedly.
func (r *Repository) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE credit_invoices
		SET status = 'overdue', updated_at = now()
		WHERE status IN ('issued', 'sent', 'partially_paid')
		  AND due_date IS NOT NULL AND due_date < $1
		  AND amount_due > 0
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
