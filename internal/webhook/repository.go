package webhook

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiftstack-work/payments-backend/internal/models"
)

var ErrNotFound = errors.New("webhook event not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert claims the (provider, event_id) key. Returns false when the key
// already exists; exactly one concurrent caller gets true.
func (r *Repository) Insert(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (id, provider, event_id, event_type, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, event_id) DO NOTHING
		RETURNING created_at, updated_at
	`, e.ID, e.Provider, e.EventID, e.EventType, e.Payload, e.Status).
		Scan(&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanEvent(row pgx.Row) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var payload []byte
	err := row.Scan(&e.ID, &e.Provider, &e.EventID, &e.EventType, &payload,
		&e.Status, &e.RetryCount, &e.LastError, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

const eventColumns = `
	id, provider, event_id, event_type, payload, status, retry_count,
	last_error, created_at, updated_at`

func (r *Repository) GetByKey(ctx context.Context, provider, eventID string) (*models.WebhookEvent, error) {
	return scanEvent(r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID))
}

// ClaimRetry atomically moves a failed event, or a processing/pending claim
// gone stale, back to processing while incrementing retry_count, respecting
// the retry cap. Returns false when the event is not retryable (processed,
// fresh claim, raced, or over the cap).
func (r *Repository) ClaimRetry(ctx context.Context, provider, eventID string) (*models.WebhookEvent, bool, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx, `
		UPDATE webhook_events
		SET status = 'processing', retry_count = retry_count + 1, updated_at = now()
		WHERE provider = $1 AND event_id = $2
		  AND retry_count < $3
		  AND (status = 'failed'
		       OR (status IN ('processing', 'pending') AND updated_at <= now() - $4::interval))
		RETURNING `+eventColumns+`
	`, provider, eventID, models.MaxWebhookRetries, models.WebhookStaleClaimAfter))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'processed', last_error = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'failed', last_error = $2, updated_at = now()
		WHERE id = $1
	`, id, reason)
	return err
}
