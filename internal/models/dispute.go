package models

import (
	"time"

	"github.com/google/uuid"
)

// Dispute statuses. A dispute in open or under_review gates escrow release.
const (
	DisputeOpen             = "open"
	DisputeUnderReview      = "under_review"
	DisputeResolvedRelease  = "resolved_release"
	DisputeResolvedRefund   = "resolved_refund"
	DisputeResolvedAdjusted = "resolved_adjusted"
)

// Dispute resolution outcomes passed to the escrow manager.
const (
	OutcomeWorkerFull     = "worker_full"
	OutcomeWorkerAdjusted = "worker_adjusted"
	OutcomeBusinessRefund = "business_refund"
)

// AdminDispute is a queued dispute against an escrowed shift payment.
type AdminDispute struct {
	ID                  uuid.UUID  `json:"id"`
	EscrowRecordID      uuid.UUID  `json:"escrow_record_id"`
	ShiftPaymentID      uuid.UUID  `json:"shift_payment_id"`
	OpenedBy            *uuid.UUID `json:"opened_by,omitempty"`
	Reason              string     `json:"reason,omitempty"`
	Status              string     `json:"status"`
	AdjustedAmountCents *int64     `json:"adjusted_amount_cents,omitempty"`
	ResolvedBy          *uuid.UUID `json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Penalty statuses. An active penalty with no approved appeal gates release.
const (
	PenaltyActive  = "active"
	PenaltyWaived  = "waived"
	PenaltyApplied = "applied"
)

// WorkerPenalty is a sanction against a worker, optionally tied to a shift
// payment. AmountCents > 0 penalties are deducted from the worker at release.
type WorkerPenalty struct {
	ID             uuid.UUID  `json:"id"`
	WorkerID       uuid.UUID  `json:"worker_id"`
	ShiftPaymentID *uuid.UUID `json:"shift_payment_id,omitempty"`
	AmountCents    int64      `json:"amount_cents"`
	Status         string     `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Appeal statuses.
const (
	AppealPending  = "pending"
	AppealApproved = "approved"
	AppealRejected = "rejected"
)

// PenaltyAppeal is a worker's appeal against a penalty. An approved appeal
// waives the penalty and clears its gate.
type PenaltyAppeal struct {
	ID          uuid.UUID  `json:"id"`
	PenaltyID   uuid.UUID  `json:"penalty_id"`
	Status      string     `json:"status"`
	SubmittedBy *uuid.UUID `json:"submitted_by,omitempty"`
	DecidedBy   *uuid.UUID `json:"decided_by,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
