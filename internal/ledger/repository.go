package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiftstack-work/payments-backend/internal/models"
)

// ErrConcurrentModification is returned when the prior-balance read and the
// insert could not be made atomic (lock timeout, serialization failure,
// deadlock). Callers retry with backoff; the balance computation is never
// skipped.
var ErrConcurrentModification = errors.New("concurrent ledger modification")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// AppendTx inserts an immutable entry inside the caller's transaction. It
// locks the account's latest row, derives balance_after from it, and writes
// the new row. Concurrent appends for the same (user, currency) serialize on
// the row lock; different accounts proceed independently.
func (r *Repository) AppendTx(ctx context.Context, tx pgx.Tx, d Draft) (*models.LedgerEntry, error) {
	var prev int64
	err := tx.QueryRow(ctx, `
		SELECT balance_after FROM ledger_entries
		WHERE user_id = $1 AND currency = $2
		ORDER BY id DESC LIMIT 1
		FOR UPDATE
	`, d.UserID, d.Currency).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapConcurrencyErr(err)
	}

	e := d.toEntry()
	e.BalanceAfter = prev + d.Amount
	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_entries
			(user_id, shift_payment_id, shift_assignment_id, provider,
			 provider_payment_id, provider_transfer_id, entry_type, amount,
			 balance_after, currency, metadata, reference, description,
			 created_by, created_source, webhook_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        COALESCE($11, '{}'::jsonb), $12, $13, $14, $15, $16)
		RETURNING id, created_at
	`, e.UserID, e.ShiftPaymentID, e.ShiftAssignmentID, nullable(e.Provider),
		e.ProviderPaymentID, e.ProviderTransferID, e.EntryType, e.Amount,
		e.BalanceAfter, e.Currency, e.Metadata, nullable(e.Reference),
		nullable(e.Description), nullable(e.CreatedBy), e.CreatedSource,
		e.WebhookEventID).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return nil, mapConcurrencyErr(err)
	}
	return e, nil
}

// CurrentBalance reads the latest balance_after for the account, 0 if the
// stream is empty. O(1) via the (user_id, currency, id DESC) index.
func (r *Repository) CurrentBalance(ctx context.Context, userID uuid.UUID, currency string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `
		SELECT balance_after FROM ledger_entries
		WHERE user_id = $1 AND currency = $2
		ORDER BY id DESC LIMIT 1
	`, userID, currency).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// History lists entries for an account, newest first.
func (r *Repository) History(ctx context.Context, userID uuid.UUID, f Filters) ([]*models.LedgerEntry, error) {
	query := `
		SELECT id, user_id, shift_payment_id, shift_assignment_id,
		       COALESCE(provider, ''), provider_payment_id, provider_transfer_id,
		       entry_type, amount, balance_after, currency, metadata,
		       COALESCE(reference, ''), COALESCE(description, ''),
		       COALESCE(created_by, ''), created_source, webhook_event_id, created_at
		FROM ledger_entries
		WHERE user_id = $1`
	args := []any{userID}
	if f.Currency != "" {
		args = append(args, f.Currency)
		query += fmt.Sprintf(" AND currency = $%d", len(args))
	}
	if f.EntryType != "" {
		args = append(args, f.EntryType)
		query += fmt.Sprintf(" AND entry_type = $%d", len(args))
	}
	if f.ShiftPaymentID != nil {
		args = append(args, *f.ShiftPaymentID)
		query += fmt.Sprintf(" AND shift_payment_id = $%d", len(args))
	}
	query += " ORDER BY id DESC"
	limit := f.Limit
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.ShiftPaymentID, &e.ShiftAssignmentID,
			&e.Provider, &e.ProviderPaymentID, &e.ProviderTransferID,
			&e.EntryType, &e.Amount, &e.BalanceAfter, &e.Currency, &e.Metadata,
			&e.Reference, &e.Description, &e.CreatedBy, &e.CreatedSource,
			&e.WebhookEventID, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

const maxHistoryLimit = 500

// AccountBalance is the head of one (user, currency) stream.
type AccountBalance struct {
	UserID       uuid.UUID
	Currency     string
	BalanceCents int64
}

// ListWorkerPayable returns accounts with a positive balance that have
// received at least one release, the weekly payout candidate set. Streams
// that only ever saw business-side entries are excluded.
func (r *Repository) ListWorkerPayable(ctx context.Context, limit int) ([]AccountBalance, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (user_id, currency) user_id, currency, balance_after
		FROM ledger_entries le
		WHERE EXISTS (
			SELECT 1 FROM ledger_entries w
			WHERE w.user_id = le.user_id AND w.currency = le.currency
			  AND w.entry_type = 'escrow_released'
		)
		ORDER BY user_id, currency, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccountBalance
	for rows.Next() {
		var a AccountBalance
		if err := rows.Scan(&a.UserID, &a.Currency, &a.BalanceCents); err != nil {
			return nil, err
		}
		if a.BalanceCents > 0 {
			out = append(out, a)
		}
	}
	return out, rows.Err()
}

// StreamFault is one broken link in a running-balance chain.
type StreamFault struct {
	EntryID  int64
	UserID   uuid.UUID
	Currency string
	Expected int64
	Actual   int64
}

// VerifyStreams audits every running-balance chain and reports entries in
// [from, to) whose balance_after disagrees with the prior entry plus amount.
// An empty result means the append-only invariant held for the window.
func (r *Repository) VerifyStreams(ctx context.Context, from, to time.Time) ([]StreamFault, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, currency, expected, balance_after FROM (
			SELECT id, user_id, currency, created_at, balance_after,
			       COALESCE(LAG(balance_after) OVER w, 0) + amount AS expected
			FROM ledger_entries
			WINDOW w AS (PARTITION BY user_id, currency ORDER BY id)
		) chain
		WHERE balance_after <> expected
		  AND created_at >= $1 AND created_at < $2
		ORDER BY id
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var faults []StreamFault
	for rows.Next() {
		var f StreamFault
		if err := rows.Scan(&f.EntryID, &f.UserID, &f.Currency, &f.Expected, &f.Actual); err != nil {
			return nil, err
		}
		faults = append(faults, f)
	}
	return faults, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// mapConcurrencyErr translates lock/serialization failures into
// ErrConcurrentModification; everything else passes through.
func mapConcurrencyErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", ErrConcurrentModification, pgErr.Code)
		}
	}
	return err
}
