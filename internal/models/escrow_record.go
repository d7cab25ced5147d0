package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Escrow statuses. RELEASED, REFUNDED and EXPIRED are terminal.
const (
	EscrowPending  = "PENDING"
	EscrowHeld     = "HELD"
	EscrowReleased = "RELEASED"
	EscrowDisputed = "DISPUTED"
	EscrowExpired  = "EXPIRED"
	EscrowRefunded = "REFUNDED"
)

// EscrowRecord holds funds captured for one shift payment. AmountCents is
// fixed at creation; adjustments are expressed through ledger entries, never
// by mutating the record.
type EscrowRecord struct {
	ID                 uuid.UUID       `json:"id"`
	ShiftPaymentID     uuid.UUID       `json:"shift_payment_id"`
	ShiftAssignmentID  *uuid.UUID      `json:"shift_assignment_id,omitempty"`
	BusinessID         uuid.UUID       `json:"business_id"`
	WorkerID           uuid.UUID       `json:"worker_id"`
	AmountCents        int64           `json:"amount_cents"`
	Currency           string          `json:"currency"`
	Status             string          `json:"status"`
	ProviderTransferID *string         `json:"provider_transfer_id,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	CapturedAt         *time.Time      `json:"captured_at,omitempty"`
	ReleasedAt         *time.Time      `json:"released_at,omitempty"`
	RefundedAt         *time.Time      `json:"refunded_at,omitempty"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Terminal reports whether the record is in a state that permits no further
// transition.
func (e *EscrowRecord) Terminal() bool {
	switch e.Status {
	case EscrowReleased, EscrowRefunded, EscrowExpired:
		return true
	}
	return false
}
