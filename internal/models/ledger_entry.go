package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Ledger entry_type values. Entries are append-only; corrections are new
// entries of type adjustment referencing the corrected entry.
const (
	EntryEscrowCaptured     = "escrow_captured"
	EntryEscrowReleased     = "escrow_released"
	EntryRefundInitiated    = "refund_initiated"
	EntryRefundCompleted    = "refund_completed"
	EntryDisputeOpened      = "dispute_opened"
	EntryDisputeResolved    = "dispute_resolved"
	EntryPayoutInitiated    = "payout_initiated"
	EntryPayoutSucceeded    = "payout_succeeded"
	EntryPayoutFailed       = "payout_failed"
	EntryFeeDeducted        = "fee_deducted"
	EntryCommissionDeducted = "commission_deducted"
	EntryAdjustment         = "adjustment"
)

// created_source values.
const (
	SourceUser    = "user"
	SourceWebhook = "webhook"
	SourceCron    = "cron"
	SourceSystem  = "system"
)

// LedgerEntry is one immutable balance-affecting event for one account.
// BalanceAfter is the account's running balance immediately after the entry:
// BalanceAfter(n) == BalanceAfter(n-1) + Amount(n) for consecutive entries of
// the same (UserID, Currency) stream.
type LedgerEntry struct {
	ID                 int64           `json:"id"`
	UserID             uuid.UUID       `json:"user_id"`
	ShiftPaymentID     *uuid.UUID      `json:"shift_payment_id,omitempty"`
	ShiftAssignmentID  *uuid.UUID      `json:"shift_assignment_id,omitempty"`
	Provider           string          `json:"provider,omitempty"`
	ProviderPaymentID  *string         `json:"provider_payment_id,omitempty"`
	ProviderTransferID *string         `json:"provider_transfer_id,omitempty"`
	EntryType          string          `json:"entry_type"`
	Amount             int64           `json:"amount"`
	BalanceAfter       int64           `json:"balance_after"`
	Currency           string          `json:"currency"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	Reference          string          `json:"reference,omitempty"`
	Description        string          `json:"description,omitempty"`
	CreatedBy          string          `json:"created_by,omitempty"`
	CreatedSource      string          `json:"created_source"`
	WebhookEventID     *uuid.UUID      `json:"webhook_event_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}
