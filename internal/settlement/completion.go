package settlement

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ShiftCompletions records which shift payments have a confirmed completion.
// The shift service reports completions over the API; daily settlement only
// releases escrows whose shift payment appears here.
type ShiftCompletions struct {
	pool *pgxpool.Pool
}

func NewShiftCompletions(pool *pgxpool.Pool) *ShiftCompletions {
	return &ShiftCompletions{pool: pool}
}

// Record marks a shift payment's work as completed. Repeat confirmations are
// no-ops.
func (s *ShiftCompletions) Record(ctx context.Context, shiftPaymentID uuid.UUID, confirmedBy string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO shift_completions (shift_payment_id, confirmed_by)
		VALUES ($1, $2)
		ON CONFLICT (shift_payment_id) DO NOTHING
	`, shiftPaymentID, confirmedBy)
	return err
}

// Confirmed reports whether the shift payment's completion has been recorded.
func (s *ShiftCompletions) Confirmed(ctx context.Context, shiftPaymentID uuid.UUID) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM shift_completions WHERE shift_payment_id = $1)
	`, shiftPaymentID).Scan(&ok)
	return ok, err
}
