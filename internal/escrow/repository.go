package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiftstack-work/payments-backend/internal/models"
)

// ErrNotFound is returned when no escrow record matches the lookup.
var ErrNotFound = errors.New("escrow record not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const escrowColumns = `
	id, shift_payment_id, shift_assignment_id, business_id, worker_id,
	amount_cents, currency, status, provider_transfer_id, metadata,
	captured_at, released_at, refunded_at, expires_at, created_at, updated_at`

func scanEscrow(row pgx.Row) (*models.EscrowRecord, error) {
	var e models.EscrowRecord
	err := row.Scan(&e.ID, &e.ShiftPaymentID, &e.ShiftAssignmentID, &e.BusinessID,
		&e.WorkerID, &e.AmountCents, &e.Currency, &e.Status, &e.ProviderTransferID,
		&e.Metadata, &e.CapturedAt, &e.ReleasedAt, &e.RefundedAt, &e.ExpiresAt,
		&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Create inserts a new PENDING record at shift-payment authorization time.
func (r *Repository) Create(ctx context.Context, e *models.EscrowRecord) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = models.EscrowPending
	}
	if e.Currency == "" {
		e.Currency = "USD"
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO escrow_records
			(id, shift_payment_id, shift_assignment_id, business_id, worker_id,
			 amount_cents, currency, status, metadata, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, '{}'::jsonb), $10)
		RETURNING created_at, updated_at
	`, e.ID, e.ShiftPaymentID, e.ShiftAssignmentID, e.BusinessID, e.WorkerID,
		e.AmountCents, e.Currency, e.Status, e.Metadata, e.ExpiresAt).
		Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowRecord, error) {
	return scanEscrow(r.pool.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrow_records WHERE id = $1`, id))
}

func (r *Repository) GetByShiftPaymentID(ctx context.Context, shiftPaymentID uuid.UUID) (*models.EscrowRecord, error) {
	return scanEscrow(r.pool.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrow_records WHERE shift_payment_id = $1`, shiftPaymentID))
}

// GetForUpdate locks the record row for the duration of the transaction.
// Every state transition goes through this lock.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.EscrowRecord, error) {
	return scanEscrow(tx.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrow_records WHERE id = $1 FOR UPDATE`, id))
}

// SetStatus updates status and the matching timestamp column inside the
// caller's transaction. It is only called after GetForUpdate has verified the
// transition is legal.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, at time.Time) error {
	var stampCol string
	switch status {
	case models.EscrowHeld:
		stampCol = "captured_at"
	case models.EscrowReleased:
		stampCol = "released_at"
	case models.EscrowRefunded:
		stampCol = "refunded_at"
	}
	query := `UPDATE escrow_records SET status = $1, updated_at = now() WHERE id = $2`
	if stampCol != "" {
		query = `UPDATE escrow_records SET status = $1, ` + stampCol + ` = $3, updated_at = now() WHERE id = $2`
		tag, err := tx.Exec(ctx, query, status, id, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	}
	tag, err := tx.Exec(ctx, query, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProviderTransferID records the provider correlation id.
func (r *Repository) SetProviderTransferID(ctx context.Context, tx pgx.Tx, id uuid.UUID, transferID string) error {
	_, err := tx.Exec(ctx,
		`UPDATE escrow_records SET provider_transfer_id = $1, updated_at = now() WHERE id = $2`,
		transferID, id)
	return err
}

// ListExpirable returns ids of PENDING/HELD records whose expiry has passed.
// The sweep re-checks status under lock per record, so a stale id is harmless.
func (r *Repository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM escrow_records
		WHERE status IN ('PENDING', 'HELD') AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListReleasable returns HELD records created within the period, for the
// settlement batch processor. Gating and completion checks happen per item.
func (r *Repository) ListReleasable(ctx context.Context, asOf time.Time, limit int) ([]*models.EscrowRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+escrowColumns+` FROM escrow_records
		WHERE status = 'HELD' AND captured_at <= $1
		ORDER BY captured_at
		LIMIT $2
	`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.EscrowRecord
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// ListRefundInitiated returns reconcile candidates: records with captured
// funds whose refund was initiated but never confirmed. The candidate carries
// the initiated amount, which is partial for adjusted-dispute refunds, so
// both fully refunded and released-with-adjustment records are selected on
// their ledger entries rather than on status alone. Never-captured voids fall
// out via the capture-entry guard.
func (r *Repository) ListRefundInitiated(ctx context.Context, olderThan time.Time, limit int) ([]RefundCandidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.id, e.shift_payment_id, e.shift_assignment_id, e.business_id, e.worker_id,
		       e.amount_cents, e.currency, e.status, e.provider_transfer_id, e.metadata,
		       e.captured_at, e.released_at, e.refunded_at, e.expires_at, e.created_at, e.updated_at,
		       ri.amount
		FROM escrow_records e
		JOIN LATERAL (
			SELECT le.amount FROM ledger_entries le
			WHERE le.shift_payment_id = e.shift_payment_id
			  AND le.entry_type = 'refund_initiated'
			ORDER BY le.id DESC
			LIMIT 1) ri ON TRUE
		WHERE e.status IN ('REFUNDED', 'RELEASED')
		  AND COALESCE(e.refunded_at, e.released_at, e.updated_at) <= $1
		  AND EXISTS (
			SELECT 1 FROM ledger_entries le
			WHERE le.shift_payment_id = e.shift_payment_id
			  AND le.entry_type = 'escrow_captured')
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries le
			WHERE le.shift_payment_id = e.shift_payment_id
			  AND le.entry_type = 'refund_completed')
		ORDER BY COALESCE(e.refunded_at, e.released_at, e.updated_at)
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []RefundCandidate
	for rows.Next() {
		var e models.EscrowRecord
		var amount int64
		if err := rows.Scan(&e.ID, &e.ShiftPaymentID, &e.ShiftAssignmentID, &e.BusinessID,
			&e.WorkerID, &e.AmountCents, &e.Currency, &e.Status, &e.ProviderTransferID,
			&e.Metadata, &e.CapturedAt, &e.ReleasedAt, &e.RefundedAt, &e.ExpiresAt,
			&e.CreatedAt, &e.UpdatedAt, &amount); err != nil {
			return nil, err
		}
		// refund_initiated books the negative movement, the provider wants
		// the positive cents.
		list = append(list, RefundCandidate{Record: &e, RefundCents: -amount})
	}
	return list, rows.Err()
}
