package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Invoice statuses.
const (
	InvoiceDraft         = "draft"
	InvoiceIssued        = "issued"
	InvoiceSent          = "sent"
	InvoicePartiallyPaid = "partially_paid"
	InvoicePaid          = "paid"
	InvoiceOverdue       = "overdue"
	InvoiceVoid          = "void"
)

// CreditInvoice is one invoice per business per billing period. All amounts
// are integer minor units; display totals are derived with DisplayTotal.
// Invariants: TotalAmount == Subtotal + LateFees + Adjustments and
// AmountDue == max(TotalAmount - AmountPaid, 0) at all times.
type CreditInvoice struct {
	ID            uuid.UUID  `json:"id"`
	BusinessID    uuid.UUID  `json:"business_id"`
	InvoiceNumber string     `json:"invoice_number"`
	PeriodStart   time.Time  `json:"period_start"`
	PeriodEnd     time.Time  `json:"period_end"`
	Status        string     `json:"status"`
	Subtotal      int64      `json:"subtotal"`
	LateFees      int64      `json:"late_fees"`
	Adjustments   int64      `json:"adjustments"`
	TotalAmount   int64      `json:"total_amount"`
	AmountPaid    int64      `json:"amount_paid"`
	AmountDue     int64      `json:"amount_due"`
	Currency      string     `json:"currency"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	IssuedAt      *time.Time `json:"issued_at,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	VoidedAt      *time.Time `json:"voided_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// DisplayTotal renders TotalAmount as a two-decimal major-unit amount.
func (i *CreditInvoice) DisplayTotal() decimal.Decimal {
	return decimal.New(i.TotalAmount, -2)
}

// DisplayDue renders AmountDue as a two-decimal major-unit amount.
func (i *CreditInvoice) DisplayDue() decimal.Decimal {
	return decimal.New(i.AmountDue, -2)
}

// CreditInvoiceItem is a line-level charge. Item amounts sum to the invoice
// subtotal at finalization.
type CreditInvoiceItem struct {
	ID             uuid.UUID  `json:"id"`
	InvoiceID      uuid.UUID  `json:"invoice_id"`
	ShiftPaymentID *uuid.UUID `json:"shift_payment_id,omitempty"`
	Description    string     `json:"description"`
	Amount         int64      `json:"amount"`
	CreatedAt      time.Time  `json:"created_at"`
}
