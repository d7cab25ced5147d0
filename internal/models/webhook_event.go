package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Webhook event statuses. A processed event is never reprocessed.
const (
	WebhookPending    = "pending"
	WebhookProcessing = "processing"
	WebhookProcessed  = "processed"
	WebhookFailed     = "failed"
)

// MaxWebhookRetries caps reprocessing attempts for a non-processed event.
const MaxWebhookRetries = 5

// WebhookStaleClaimAfter is how long a processing or pending claim may sit
// untouched before a redelivery may reclaim it. Covers handlers that crashed
// after claiming without ever marking an outcome.
const WebhookStaleClaimAfter = 10 * time.Minute

// WebhookEvent records one inbound provider event. (Provider, EventID) is
// unique; the row is the idempotency boundary in front of the ledger.
type WebhookEvent struct {
	ID         uuid.UUID       `json:"id"`
	Provider   string          `json:"provider"`
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retry_count"`
	LastError  *string         `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
