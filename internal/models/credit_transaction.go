package models

import (
	"time"

	"github.com/google/uuid"
)

// Business credit tx_type values. Payments and refunds are stored negative:
// they reduce the business's outstanding balance.
const (
	CreditTxCharge     = "charge"
	CreditTxPayment    = "payment"
	CreditTxLateFee    = "late_fee"
	CreditTxRefund     = "refund"
	CreditTxAdjustment = "adjustment"
)

// BusinessCreditTransaction is a running-balance entry on a business credit
// account, keyed by BusinessID. Same append-only discipline as LedgerEntry:
// BalanceAfter == BalanceBefore + Amount, and BalanceBefore of entry N equals
// BalanceAfter of entry N-1 in the same stream.
type BusinessCreditTransaction struct {
	ID             int64      `json:"id"`
	BusinessID     uuid.UUID  `json:"business_id"`
	InvoiceID      *uuid.UUID `json:"invoice_id,omitempty"`
	ShiftPaymentID *uuid.UUID `json:"shift_payment_id,omitempty"`
	TxType         string     `json:"tx_type"`
	Amount         int64      `json:"amount"`
	BalanceBefore  int64      `json:"balance_before"`
	BalanceAfter   int64      `json:"balance_after"`
	Reference      string     `json:"reference,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
