package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Batch types.
const (
	BatchDailySettlement       = "DAILY_SETTLEMENT"
	BatchWeeklyPayout          = "WEEKLY_PAYOUT"
	BatchInstapay              = "INSTAPAY"
	BatchMonthlyReconciliation = "MONTHLY_RECONCILIATION"
)

// Batch statuses. COMPLETED iff FailedCount == 0; PARTIAL iff both counts
// are positive; FAILED iff nothing processed and at least one item failed.
const (
	BatchPending    = "PENDING"
	BatchProcessing = "PROCESSING"
	BatchCompleted  = "COMPLETED"
	BatchPartial    = "PARTIAL"
	BatchFailed     = "FAILED"
)

// BatchError is one error_summary element.
type BatchError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	// Integrity marks partial-application failures that need manual
	// reconciliation rather than a retry on the next run.
	Integrity bool `json:"integrity,omitempty"`
}

// PayoutBatch is the aggregate summary of one settlement run. Exactly one row
// exists per (BatchType, PeriodStart, PeriodEnd); re-running a period no-ops.
type PayoutBatch struct {
	ID               uuid.UUID       `json:"id"`
	BatchType        string          `json:"batch_type"`
	PeriodStart      time.Time       `json:"period_start"`
	PeriodEnd        time.Time       `json:"period_end"`
	Status           string          `json:"status"`
	ProcessedCount   int             `json:"processed_count"`
	FailedCount      int             `json:"failed_count"`
	TotalAmountCents int64           `json:"total_amount_cents"`
	ErrorSummary     []BatchError    `json:"error_summary"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// DeriveStatus returns the batch status implied by the final counts.
func DeriveStatus(processed, failed int) string {
	switch {
	case failed == 0:
		return BatchCompleted
	case processed > 0:
		return BatchPartial
	default:
		return BatchFailed
	}
}
