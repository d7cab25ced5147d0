package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shiftstack-work/payments-backend/internal/escrow"
	"github.com/shiftstack-work/payments-backend/internal/ledger"
	"github.com/shiftstack-work/payments-backend/internal/models"
	"github.com/shiftstack-work/payments-backend/pkg/providerclient"
)

// EscrowSettler is the escrow manager surface the processor drives.
type EscrowSettler interface {
	ListReleasable(ctx context.Context, asOf time.Time, limit int) ([]*models.EscrowRecord, error)
	Release(ctx context.Context, id uuid.UUID) error
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
	ReconcileRefunds(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// CompletionChecker answers whether the underlying shift was confirmed
// complete. Escrows for unconfirmed shifts are skipped, not failed; they
// become eligible again on a later run.
type CompletionChecker interface {
	Confirmed(ctx context.Context, shiftPaymentID uuid.UUID) (bool, error)
}

// InvoiceSweeper is the credit-side hook run with the nightly batch.
type InvoiceSweeper interface {
	SweepOverdue(ctx context.Context) (int64, error)
}

// PayoutLedger is the ledger surface for weekly payouts and the monthly
// audit.
type PayoutLedger interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	AppendTx(ctx context.Context, tx pgx.Tx, d ledger.Draft) (*models.LedgerEntry, error)
	ListWorkerPayable(ctx context.Context, limit int) ([]ledger.AccountBalance, error)
	VerifyStreams(ctx context.Context, from, to time.Time) ([]ledger.StreamFault, error)
}

// BatchStore persists batch rows.
type BatchStore interface {
	InsertProcessing(ctx context.Context, b *models.PayoutBatch) error
	Finish(ctx context.Context, b *models.PayoutBatch) error
	GetByPeriod(ctx context.Context, batchType string, periodStart, periodEnd time.Time) (*models.PayoutBatch, error)
}

// TransferClient is the provider surface for payout transfers.
type TransferClient interface {
	CreateTransfer(ctx context.Context, req providerclient.TransferRequest) (*providerclient.Transfer, error)
	GetTransferStatus(ctx context.Context, idempotencyKey string) (*providerclient.Transfer, error)
}

const defaultItemLimit = 500

// Processor runs the periodic settlement batches. Each run claims its
// deterministic period row first, processes items in isolation so one
// failure never aborts the rest, and closes the row with a single final
// update.
type Processor struct {
	batches    BatchStore
	escrow     EscrowSettler
	invoices   InvoiceSweeper
	ledger     PayoutLedger
	provider   TransferClient
	completion CompletionChecker
	logger     *slog.Logger
	itemLimit  int
}

func NewProcessor(batches BatchStore, es EscrowSettler, invoices InvoiceSweeper, lg PayoutLedger, provider TransferClient, completion CompletionChecker, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		batches:    batches,
		escrow:     es,
		invoices:   invoices,
		ledger:     lg,
		provider:   provider,
		completion: completion,
		logger:     logger,
		itemLimit:  defaultItemLimit,
	}
}

// claim inserts the PROCESSING row for the period, or returns the existing
// batch when the period already ran.
func (p *Processor) claim(ctx context.Context, batchType string, periodStart, periodEnd time.Time) (*models.PayoutBatch, bool, error) {
	b := &models.PayoutBatch{
		BatchType:   batchType,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}
	err := p.batches.InsertProcessing(ctx, b)
	if errors.Is(err, ErrBatchExists) {
		existing, err := p.batches.GetByPeriod(ctx, batchType, periodStart, periodEnd)
		if err != nil {
			return nil, false, err
		}
		p.logger.Info("batch period already claimed, skipping",
			"batch_type", batchType, "batch_id", existing.ID, "status", existing.Status)
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// RunDailySettlement releases all eligible held escrows for the day ending
// at asOf and sweeps overdue invoices. Eligibility is HELD, captured within
// the period, shift confirmed complete, and not gated by a dispute or
// penalty; gated and unconfirmed items are skipped and retried tomorrow.
func (p *Processor) RunDailySettlement(ctx context.Context, asOf time.Time) (*models.PayoutBatch, error) {
	periodEnd := dayStart(asOf)
	periodStart := periodEnd.AddDate(0, 0, -1)

	b, claimed, err := p.claim(ctx, models.BatchDailySettlement, periodStart, periodEnd)
	if err != nil || !claimed {
		return b, err
	}

	candidates, err := p.escrow.ListReleasable(ctx, periodEnd, p.itemLimit)
	if err != nil {
		b.Status = models.BatchFailed
		b.ErrorSummary = append(b.ErrorSummary, models.BatchError{Reason: err.Error()})
		if finishErr := p.batches.Finish(ctx, b); finishErr != nil {
			p.logger.Error("batch finish failed", "batch_id", b.ID, "error", finishErr)
		}
		return b, err
	}

	for _, rec := range candidates {
		if p.completion != nil {
			ok, err := p.completion.Confirmed(ctx, rec.ShiftPaymentID)
			if err != nil {
				b.FailedCount++
				b.ErrorSummary = append(b.ErrorSummary, models.BatchError{
					ID: rec.ID.String(), Reason: "completion check: " + err.Error()})
				continue
			}
			if !ok {
				continue
			}
		}

		err := p.escrow.Release(ctx, rec.ID)
		switch {
		case err == nil:
			b.ProcessedCount++
			b.TotalAmountCents += rec.AmountCents
		case errors.Is(err, escrow.ErrReleaseBlocked), errors.Is(err, escrow.ErrInvalidState):
			// Gated or raced by another transition. Not a failure; the record
			// is picked up again once the gate clears.
			p.logger.Info("escrow skipped", "escrow_id", rec.ID, "reason", err.Error())
		case errors.Is(err, escrow.ErrIntegrityViolation):
			b.FailedCount++
			b.ErrorSummary = append(b.ErrorSummary, models.BatchError{
				ID: rec.ID.String(), Reason: err.Error(), Integrity: true})
			p.logger.Error("integrity violation during batch release",
				"escrow_id", rec.ID, "batch_id", b.ID, "error", err, "integrity", true)
		default:
			b.FailedCount++
			b.ErrorSummary = append(b.ErrorSummary, models.BatchError{
				ID: rec.ID.String(), Reason: err.Error()})
			p.logger.Warn("escrow release failed in batch",
				"escrow_id", rec.ID, "batch_id", b.ID, "error", err)
		}
	}

	if p.invoices != nil {
		if _, err := p.invoices.SweepOverdue(ctx); err != nil {
			p.logger.Error("overdue invoice sweep failed", "batch_id", b.ID, "error", err)
		}
	}

	b.Status = models.DeriveStatus(b.ProcessedCount, b.FailedCount)
	if err := p.batches.Finish(ctx, b); err != nil {
		return b, err
	}
	p.logger.Info("daily settlement finished", "batch_id", b.ID, "status", b.Status,
		"processed", b.ProcessedCount, "failed", b.FailedCount, "total_cents", b.TotalAmountCents)
	return b, nil
}

// RunWeeklyPayout pays out each worker's positive balance for the week
// ending before asOf. Funds are reserved with a payout_initiated entry
// before the provider transfer; a definite provider failure restores them
// with payout_failed, an unknown outcome is left reserved for the status
// query on the next run.
func (p *Processor) RunWeeklyPayout(ctx context.Context, asOf time.Time) (*models.PayoutBatch, error) {
	periodStart, periodEnd := weekRange(asOf)

	b, claimed, err := p.claim(ctx, models.BatchWeeklyPayout, periodStart, periodEnd)
	if err != nil || !claimed {
		return b, err
	}

	accounts, err := p.ledger.ListWorkerPayable(ctx, p.itemLimit)
	if err != nil {
		b.Status = models.BatchFailed
		b.ErrorSummary = append(b.ErrorSummary, models.BatchError{Reason: err.Error()})
		if finishErr := p.batches.Finish(ctx, b); finishErr != nil {
			p.logger.Error("batch finish failed", "batch_id", b.ID, "error", finishErr)
		}
		return b, err
	}

	for _, acct := range accounts {
		paid, err := p.payoutOne(ctx, acct, periodEnd)
		switch {
		case err == nil:
			b.ProcessedCount++
			b.TotalAmountCents += paid
		case errors.Is(err, escrow.ErrIntegrityViolation):
			b.FailedCount++
			b.ErrorSummary = append(b.ErrorSummary, models.BatchError{
				ID: acct.UserID.String(), Reason: err.Error(), Integrity: true})
			p.logger.Error("integrity violation during payout",
				"user_id", acct.UserID, "batch_id", b.ID, "error", err, "integrity", true)
		default:
			b.FailedCount++
			b.ErrorSummary = append(b.ErrorSummary, models.BatchError{
				ID: acct.UserID.String(), Reason: err.Error()})
			p.logger.Warn("payout failed", "user_id", acct.UserID, "batch_id", b.ID, "error", err)
		}
	}

	b.Status = models.DeriveStatus(b.ProcessedCount, b.FailedCount)
	if err := p.batches.Finish(ctx, b); err != nil {
		return b, err
	}
	p.logger.Info("weekly payout finished", "batch_id", b.ID, "status", b.Status,
		"processed", b.ProcessedCount, "failed", b.FailedCount, "total_cents", b.TotalAmountCents)
	return b, nil
}

// payoutOne moves one worker balance out through the provider. Returns the
// amount paid.
func (p *Processor) payoutOne(ctx context.Context, acct ledger.AccountBalance, periodEnd time.Time) (int64, error) {
	key := payoutKey(acct.UserID, periodEnd)

	// Reserve first. The balance goes to zero before any provider call, so a
	// crash mid-payout can never pay twice.
	tx, err := p.ledger.Begin(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := p.ledger.AppendTx(ctx, tx, ledger.Draft{
		UserID:        acct.UserID,
		EntryType:     models.EntryPayoutInitiated,
		Amount:        -acct.BalanceCents,
		Currency:      acct.Currency,
		Reference:     key,
		Description:   "weekly payout",
		CreatedSource: models.SourceCron,
	}); err != nil {
		tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		tx.Rollback(ctx)
		return 0, err
	}

	transfer, err := p.provider.CreateTransfer(ctx, providerclient.TransferRequest{
		IdempotencyKey:     key,
		DestinationAccount: acct.UserID.String(),
		AmountCents:        acct.BalanceCents,
		Currency:           acct.Currency,
		Description:        "weekly payout " + periodEnd.Format("2006-01-02"),
	})
	if errors.Is(err, providerclient.ErrTimeout) {
		// Unknown outcome. Query before deciding; never blind-retry the
		// create.
		transfer, err = p.provider.GetTransferStatus(ctx, key)
		if errors.Is(err, providerclient.ErrNotFound) {
			return 0, p.restorePayout(ctx, acct, key, "provider transfer never landed")
		}
		if err != nil {
			// Still unknown. Funds stay reserved under the idempotency key.
			return 0, fmt.Errorf("payout outcome unknown for %s: %w", key, err)
		}
	} else if err != nil {
		return 0, p.restorePayout(ctx, acct, key, err.Error())
	}

	switch transfer.Status {
	case providerclient.TransferSucceeded, providerclient.TransferPending:
		tx, err := p.ledger.Begin(ctx)
		if err != nil {
			return 0, fmt.Errorf("%w: payout %s transferred but confirmation not booked: %v",
				escrow.ErrIntegrityViolation, key, err)
		}
		_, err = p.ledger.AppendTx(ctx, tx, ledger.Draft{
			UserID:        acct.UserID,
			EntryType:     models.EntryPayoutSucceeded,
			Amount:        0,
			Currency:      acct.Currency,
			Reference:     key,
			CreatedSource: models.SourceCron,
		})
		if err == nil {
			err = tx.Commit(ctx)
		}
		if err != nil {
			tx.Rollback(ctx)
			return 0, fmt.Errorf("%w: payout %s transferred but confirmation not booked: %v",
				escrow.ErrIntegrityViolation, key, err)
		}
		return acct.BalanceCents, nil
	default:
		return 0, p.restorePayout(ctx, acct, key, "provider transfer status "+transfer.Status)
	}
}

// restorePayout books the compensating payout_failed entry and reports the
// original failure.
func (p *Processor) restorePayout(ctx context.Context, acct ledger.AccountBalance, key, reason string) error {
	tx, err := p.ledger.Begin(ctx)
	if err == nil {
		_, err = p.ledger.AppendTx(ctx, tx, ledger.Draft{
			UserID:        acct.UserID,
			EntryType:     models.EntryPayoutFailed,
			Amount:        acct.BalanceCents,
			Currency:      acct.Currency,
			Reference:     key,
			Description:   reason,
			CreatedSource: models.SourceCron,
		})
		if err == nil {
			err = tx.Commit(ctx)
		} else {
			tx.Rollback(ctx)
		}
	}
	if err != nil {
		return fmt.Errorf("%w: payout %s failed and funds not restored: %v",
			escrow.ErrIntegrityViolation, key, err)
	}
	return errors.New(reason)
}

// RunMonthlyReconciliation audits every running-balance chain for the
// previous calendar month. Any broken link is recorded as an integrity
// error; the batch fails when the audit finds one.
func (p *Processor) RunMonthlyReconciliation(ctx context.Context, asOf time.Time) (*models.PayoutBatch, error) {
	end := monthStart(asOf)
	start := end.AddDate(0, -1, 0)

	b, claimed, err := p.claim(ctx, models.BatchMonthlyReconciliation, start, end)
	if err != nil || !claimed {
		return b, err
	}

	faults, err := p.ledger.VerifyStreams(ctx, start, end)
	if err != nil {
		b.Status = models.BatchFailed
		b.ErrorSummary = append(b.ErrorSummary, models.BatchError{Reason: err.Error()})
		if finishErr := p.batches.Finish(ctx, b); finishErr != nil {
			p.logger.Error("batch finish failed", "batch_id", b.ID, "error", finishErr)
		}
		return b, err
	}

	for _, f := range faults {
		b.FailedCount++
		b.ErrorSummary = append(b.ErrorSummary, models.BatchError{
			ID: strconv.FormatInt(f.EntryID, 10),
			Reason: fmt.Sprintf("balance chain broken for %s/%s: expected %d, found %d",
				f.UserID, f.Currency, f.Expected, f.Actual),
			Integrity: true,
		})
		p.logger.Error("ledger balance chain broken",
			"entry_id", f.EntryID, "user_id", f.UserID, "currency", f.Currency,
			"expected", f.Expected, "actual", f.Actual, "integrity", true)
	}

	b.Status = models.DeriveStatus(b.ProcessedCount, b.FailedCount)
	if err := p.batches.Finish(ctx, b); err != nil {
		return b, err
	}
	p.logger.Info("monthly reconciliation finished", "batch_id", b.ID,
		"status", b.Status, "faults", len(faults))
	return b, nil
}

// ExpireEscrows sweeps past-expiry records; run by its own periodic job.
func (p *Processor) ExpireEscrows(ctx context.Context, now time.Time) (int, error) {
	n, err := p.escrow.ExpireDue(ctx, now, p.itemLimit)
	if err != nil {
		return n, err
	}
	if n > 0 {
		p.logger.Info("escrows expired", "count", n)
	}
	return n, nil
}

// ReconcileRefunds resolves initiated-only refunds older than an hour.
func (p *Processor) ReconcileRefunds(ctx context.Context, now time.Time) (int, error) {
	n, err := p.escrow.ReconcileRefunds(ctx, now.Add(-time.Hour), p.itemLimit)
	if err != nil {
		return n, err
	}
	if n > 0 {
		p.logger.Info("refunds confirmed by reconcile", "count", n)
	}
	return n, nil
}

func payoutKey(userID uuid.UUID, periodEnd time.Time) string {
	return "payout-" + userID.String() + "-" + periodEnd.Format("20060102")
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// weekRange returns the Monday..next-Monday week preceding t.
func weekRange(t time.Time) (start, end time.Time) {
	day := dayStart(t)
	offset := (int(day.Weekday()) + 6) % 7
	end = day.AddDate(0, 0, -offset)
	start = end.AddDate(0, 0, -7)
	return start, end
}
