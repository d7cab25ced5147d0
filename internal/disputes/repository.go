package disputes

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiftstack-work/payments-backend/internal/models"
)

// ErrNotFound is returned when no dispute/penalty/appeal matches the lookup.
var ErrNotFound = errors.New("dispute record not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateDispute queues a dispute against an escrowed shift payment.
func (r *Repository) CreateDispute(ctx context.Context, d *models.AdminDispute) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = models.DisputeOpen
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO admin_dispute_queue
			(id, escrow_record_id, shift_payment_id, opened_by, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, d.ID, d.EscrowRecordID, d.ShiftPaymentID, d.OpenedBy, d.Reason, d.Status).
		Scan(&d.CreatedAt)
}

func (r *Repository) GetDispute(ctx context.Context, id uuid.UUID) (*models.AdminDispute, error) {
	var d models.AdminDispute
	err := r.pool.QueryRow(ctx, `
		SELECT id, escrow_record_id, shift_payment_id, opened_by, COALESCE(reason, ''),
		       status, adjusted_amount_cents, resolved_by, resolved_at, created_at
		FROM admin_dispute_queue WHERE id = $1
	`, id).Scan(&d.ID, &d.EscrowRecordID, &d.ShiftPaymentID, &d.OpenedBy, &d.Reason,
		&d.Status, &d.AdjustedAmountCents, &d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ResolveDispute finalizes the queue row. Only open/under_review disputes can
// resolve; the RowsAffected guard catches double resolution.
func (r *Repository) ResolveDispute(ctx context.Context, id uuid.UUID, status string, adjusted *int64, resolvedBy uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE admin_dispute_queue
		SET status = $1, adjusted_amount_cents = $2, resolved_by = $3, resolved_at = $4
		WHERE id = $5 AND status IN ('open', 'under_review')
	`, status, adjusted, resolvedBy, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// HasOpenDispute reports whether an unresolved dispute references the shift
// payment.
func (r *Repository) HasOpenDispute(ctx context.Context, shiftPaymentID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM admin_dispute_queue
			WHERE shift_payment_id = $1 AND status IN ('open', 'under_review'))
	`, shiftPaymentID).Scan(&exists)
	return exists, err
}

// CreatePenalty records a sanction against a worker.
func (r *Repository) CreatePenalty(ctx context.Context, p *models.WorkerPenalty) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = models.PenaltyActive
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO worker_penalties (id, worker_id, shift_payment_id, amount_cents, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, p.ID, p.WorkerID, p.ShiftPaymentID, p.AmountCents, p.Status, p.Reason).
		Scan(&p.CreatedAt)
}

// gatingPenalty is the release-time view of one penalty tied to a shift
// payment: its amount plus the state of its latest appeal, if any.
type gatingPenalty struct {
	ID           uuid.UUID
	AmountCents  int64
	AppealStatus *string
}

// ActivePenalties returns active penalties for the worker scoped to the shift
// payment (or unscoped worker-level penalties), each with its latest appeal
// status.
func (r *Repository) ActivePenalties(ctx context.Context, shiftPaymentID, workerID uuid.UUID) ([]gatingPenalty, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.amount_cents,
		       (SELECT a.status FROM penalty_appeals a
		        WHERE a.penalty_id = p.id
		        ORDER BY a.created_at DESC LIMIT 1)
		FROM worker_penalties p
		WHERE p.worker_id = $1
		  AND p.status = 'active'
		  AND (p.shift_payment_id = $2 OR p.shift_payment_id IS NULL)
	`, workerID, shiftPaymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []gatingPenalty
	for rows.Next() {
		var g gatingPenalty
		if err := rows.Scan(&g.ID, &g.AmountCents, &g.AppealStatus); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkPenaltyApplied flips an active penalty to applied inside the release
// transaction, so the deduction and the penalty close together.
func (r *Repository) MarkPenaltyApplied(ctx context.Context, tx pgx.Tx, penaltyID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE worker_penalties SET status = 'applied' WHERE id = $1 AND status = 'active'
	`, penaltyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAppeal files an appeal against a penalty.
func (r *Repository) CreateAppeal(ctx context.Context, a *models.PenaltyAppeal) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = models.AppealPending
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO penalty_appeals (id, penalty_id, status, submitted_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, a.ID, a.PenaltyID, a.Status, a.SubmittedBy).Scan(&a.CreatedAt)
}

// DecideAppeal records the decision. An approved appeal also waives the
// penalty in the same transaction.
func (r *Repository) DecideAppeal(ctx context.Context, appealID uuid.UUID, approved bool, decidedBy uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	status := models.AppealRejected
	if approved {
		status = models.AppealApproved
	}
	var penaltyID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE penalty_appeals SET status = $1, decided_by = $2, decided_at = $3
		WHERE id = $4 AND status = 'pending'
		RETURNING penalty_id
	`, status, decidedBy, time.Now().UTC(), appealID).Scan(&penaltyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if approved {
		if _, err := tx.Exec(ctx,
			`UPDATE worker_penalties SET status = 'waived' WHERE id = $1`, penaltyID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
