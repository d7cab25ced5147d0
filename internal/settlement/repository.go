package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiftstack-work/payments-backend/internal/models"
)

var (
	// ErrBatchExists signals the period already has a batch row; the run is a
	// duplicate and must return the existing batch instead.
	ErrBatchExists = errors.New("batch already exists for period")

	ErrNotFound = errors.New("batch not found")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertProcessing claims the period by inserting the batch row up front.
// A unique violation on (batch_type, period_start, period_end) maps to
// ErrBatchExists.
func (r *Repository) InsertProcessing(ctx context.Context, b *models.PayoutBatch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.Status = models.BatchProcessing
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payout_batches (id, batch_type, period_start, period_end, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING started_at
	`, b.ID, b.BatchType, b.PeriodStart, b.PeriodEnd, b.Status, b.Metadata).
		Scan(&b.StartedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrBatchExists
	}
	return err
}

// Finish writes the final counts and derived status in one UPDATE.
func (r *Repository) Finish(ctx context.Context, b *models.PayoutBatch) error {
	summary, err := json.Marshal(b.ErrorSummary)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	b.CompletedAt = &now
	_, err = r.pool.Exec(ctx, `
		UPDATE payout_batches
		SET status = $1, processed_count = $2, failed_count = $3,
		    total_amount_cents = $4, error_summary = $5, completed_at = $6
		WHERE id = $7
	`, b.Status, b.ProcessedCount, b.FailedCount, b.TotalAmountCents,
		summary, b.CompletedAt, b.ID)
	return err
}

const batchColumns = `
	id, batch_type, period_start, period_end, status, processed_count,
	failed_count, total_amount_cents, error_summary, metadata, started_at, completed_at`

func scanBatch(row pgx.Row) (*models.PayoutBatch, error) {
	var b models.PayoutBatch
	var summary []byte
	err := row.Scan(&b.ID, &b.BatchType, &b.PeriodStart, &b.PeriodEnd, &b.Status,
		&b.ProcessedCount, &b.FailedCount, &b.TotalAmountCents, &summary,
		&b.Metadata, &b.StartedAt, &b.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &b.ErrorSummary); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.PayoutBatch, error) {
	return scanBatch(r.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM payout_batches WHERE id = $1`, id))
}

func (r *Repository) GetByPeriod(ctx context.Context, batchType string, periodStart, periodEnd time.Time) (*models.PayoutBatch, error) {
	return scanBatch(r.pool.QueryRow(ctx, `
		SELECT `+batchColumns+` FROM payout_batches
		WHERE batch_type = $1 AND period_start = $2 AND period_end = $3
	`, batchType, periodStart, periodEnd))
}

// List returns batches newest first, optionally filtered by type.
func (r *Repository) List(ctx context.Context, batchType string, limit int) ([]*models.PayoutBatch, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	query := `SELECT ` + batchColumns + ` FROM payout_batches`
	args := []any{}
	if batchType != "" {
		query += ` WHERE batch_type = $1`
		args = append(args, batchType)
	}
	query += ` ORDER BY started_at DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.PayoutBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
