package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shiftstack-work/payments-backend/internal/models"
)

// Decision is the guard's verdict for one inbound event.
type Decision int

const (
	// DecisionProcess: the caller owns this event and must process it.
	DecisionProcess Decision = iota
	// DecisionAlreadyProcessed: the event was seen before and is done or in
	// flight elsewhere; acknowledge without side effects.
	DecisionAlreadyProcessed
	// DecisionRetry: a previously failed event, re-claimed for another
	// attempt.
	DecisionRetry
	// DecisionExhausted: the event failed MaxWebhookRetries times; manual
	// intervention required.
	DecisionExhausted
)

func (d Decision) String() string {
	switch d {
	case DecisionProcess:
		return "process"
	case DecisionAlreadyProcessed:
		return "already_processed"
	case DecisionRetry:
		return "retry"
	case DecisionExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// eventStore is the persistence surface the guard needs.
type eventStore interface {
	Insert(ctx context.Context, e *models.WebhookEvent) (bool, error)
	GetByKey(ctx context.Context, provider, eventID string) (*models.WebhookEvent, error)
	ClaimRetry(ctx context.Context, provider, eventID string) (*models.WebhookEvent, bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// Guard is the idempotency boundary in front of event processing. The unique
// (provider, event_id) row decides ownership: exactly one of any number of
// concurrent deliveries of the same event gets DecisionProcess.
type Guard struct {
	store  eventStore
	logger *slog.Logger
}

func NewGuard(store eventStore, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, logger: logger}
}

// Admit decides what to do with a delivery of (provider, eventID). The
// returned event is non-nil for Process, Retry and Exhausted.
func (g *Guard) Admit(ctx context.Context, provider, eventID, eventType string, payload json.RawMessage) (Decision, *models.WebhookEvent, error) {
	e := &models.WebhookEvent{
		Provider:  provider,
		EventID:   eventID,
		EventType: eventType,
		Payload:   payload,
		Status:    models.WebhookProcessing,
	}
	inserted, err := g.store.Insert(ctx, e)
	if err != nil {
		return 0, nil, err
	}
	if inserted {
		return DecisionProcess, e, nil
	}

	existing, err := g.store.GetByKey(ctx, provider, eventID)
	if err != nil {
		return 0, nil, err
	}
	switch existing.Status {
	case models.WebhookProcessed:
		return DecisionAlreadyProcessed, existing, nil
	case models.WebhookProcessing, models.WebhookPending:
		// A fresh claim means another delivery is working on it right now.
		// A stale one means the claimant died without marking an outcome;
		// treat it like a failed attempt and reclaim it.
		if time.Since(existing.UpdatedAt) < models.WebhookStaleClaimAfter {
			return DecisionAlreadyProcessed, existing, nil
		}
		g.logger.Warn("reclaiming stale webhook claim",
			"provider", provider, "event_id", eventID, "claimed_at", existing.UpdatedAt)
		return g.claimRetry(ctx, provider, eventID, existing)
	case models.WebhookFailed:
		return g.claimRetry(ctx, provider, eventID, existing)
	default:
		return DecisionAlreadyProcessed, existing, nil
	}
}

func (g *Guard) claimRetry(ctx context.Context, provider, eventID string, existing *models.WebhookEvent) (Decision, *models.WebhookEvent, error) {
	if existing.RetryCount >= models.MaxWebhookRetries {
		g.logger.Error("webhook event exhausted retries",
			"provider", provider, "event_id", eventID, "retries", existing.RetryCount)
		return DecisionExhausted, existing, nil
	}
	claimed, ok, err := g.store.ClaimRetry(ctx, provider, eventID)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		// Raced by another delivery or crossed the cap between reads.
		return DecisionAlreadyProcessed, existing, nil
	}
	return DecisionRetry, claimed, nil
}

// MarkProcessed closes a Process/Retry attempt successfully.
func (g *Guard) MarkProcessed(ctx context.Context, e *models.WebhookEvent) error {
	return g.store.MarkProcessed(ctx, e.ID)
}

// MarkFailed records a failed attempt; the event becomes retryable until the
// cap.
func (g *Guard) MarkFailed(ctx context.Context, e *models.WebhookEvent, reason string) error {
	return g.store.MarkFailed(ctx, e.ID, reason)
}
