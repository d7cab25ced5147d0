package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shiftstack-work/payments-backend/internal/ledger"
	"github.com/shiftstack-work/payments-backend/internal/models"
	"github.com/shiftstack-work/payments-backend/pkg/providerclient"
)

// Repo is the minimal escrow persistence interface for the manager.
type Repo interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, e *models.EscrowRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowRecord, error)
	GetByShiftPaymentID(ctx context.Context, shiftPaymentID uuid.UUID) (*models.EscrowRecord, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.EscrowRecord, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, at time.Time) error
	SetProviderTransferID(ctx context.Context, tx pgx.Tx, id uuid.UUID, transferID string) error
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListReleasable(ctx context.Context, asOf time.Time, limit int) ([]*models.EscrowRecord, error)
	ListRefundInitiated(ctx context.Context, olderThan time.Time, limit int) ([]RefundCandidate, error)
}

// RefundCandidate is one stuck refund for the reconcile job: the record plus
// the amount its refund_initiated entry booked. The amount is partial for
// adjusted-dispute refunds, so re-issues must use it rather than the
// record's full AmountCents.
type RefundCandidate struct {
	Record      *models.EscrowRecord
	RefundCents int64
}

// Ledger is the append path into the ledger store. Appends run inside the
// same transaction as the status update so the two commit or fail together.
type Ledger interface {
	AppendTx(ctx context.Context, tx pgx.Tx, d ledger.Draft) (*models.LedgerEntry, error)
}

// Gate is the dispute/penalty gating answer for one shift payment.
// PenaltyCents is the deductible amount of a penalty whose appeal was
// rejected; it does not block release but is withheld from the worker.
type Gate struct {
	Blocked      bool
	Reason       string
	PenaltyID    *uuid.UUID
	PenaltyCents int64
}

// ReleaseGate is the read-only view into the dispute/penalty machines the
// manager consults before releasing.
type ReleaseGate interface {
	Check(ctx context.Context, shiftPaymentID, workerID uuid.UUID) (Gate, error)
	MarkPenaltyApplied(ctx context.Context, tx pgx.Tx, penaltyID uuid.UUID) error
}

// TransferClient is the provider surface the manager needs.
type TransferClient interface {
	CreateTransfer(ctx context.Context, req providerclient.TransferRequest) (*providerclient.Transfer, error)
	GetTransferStatus(ctx context.Context, idempotencyKey string) (*providerclient.Transfer, error)
	CreateRefund(ctx context.Context, req providerclient.RefundRequest) (*providerclient.Refund, error)
	GetRefundStatus(ctx context.Context, idempotencyKey string) (*providerclient.Refund, error)
}

// Service owns the escrow state machine:
// PENDING → HELD → {RELEASED | DISPUTED | EXPIRED | REFUNDED},
// DISPUTED → {RELEASED | REFUNDED}. RELEASED, REFUNDED and EXPIRED are
// terminal. Every transition locks the record row, appends its ledger entries
// and updates status in one transaction.
type Service struct {
	repo          Repo
	ledger        Ledger
	gate          ReleaseGate
	provider      TransferClient
	commissionBps int64
	logger        *slog.Logger
}

// NewService creates an escrow manager. commissionBps is the platform
// commission in basis points withheld from the worker at release (0 disables
// the commission entry). provider may be nil when transfers are initiated
// out-of-band.
func NewService(repo Repo, lg Ledger, gate ReleaseGate, provider TransferClient, commissionBps int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:          repo,
		ledger:        lg,
		gate:          gate,
		provider:      provider,
		commissionBps: commissionBps,
		logger:        logger,
	}
}

// HoldParams creates a PENDING record at shift-payment authorization time.
type HoldParams struct {
	ShiftPaymentID    uuid.UUID
	ShiftAssignmentID *uuid.UUID
	BusinessID        uuid.UUID
	WorkerID          uuid.UUID
	AmountCents       int64
	Currency          string
	ExpiresAt         *time.Time
}

// CreateHold registers a pending escrow. No ledger entry is written until the
// provider confirms capture.
func (s *Service) CreateHold(ctx context.Context, p HoldParams) (*models.EscrowRecord, error) {
	if p.AmountCents <= 0 {
		return nil, fmt.Errorf("escrow hold amount must be positive, got %d", p.AmountCents)
	}
	rec := &models.EscrowRecord{
		ID:                uuid.New(),
		ShiftPaymentID:    p.ShiftPaymentID,
		ShiftAssignmentID: p.ShiftAssignmentID,
		BusinessID:        p.BusinessID,
		WorkerID:          p.WorkerID,
		AmountCents:       p.AmountCents,
		Currency:          p.Currency,
		Status:            models.EscrowPending,
		ExpiresAt:         p.ExpiresAt,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the record by id.
// GetByShiftPaymentID resolves the record for webhook dispatch, where the
// provider only knows the shift payment.
func (s *Service) GetByShiftPaymentID(ctx context.Context, shiftPaymentID uuid.UUID) (*models.EscrowRecord, error) {
	return s.repo.GetByShiftPaymentID(ctx, shiftPaymentID)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.EscrowRecord, error) {
	return s.repo.GetByID(ctx, id)
}

// Capture confirms the provider captured the funds: PENDING → HELD, one
// escrow_captured entry of +amount on the business stream.
func (s *Service) Capture(ctx context.Context, id uuid.UUID, providerTransferID string, webhookEventID *uuid.UUID) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if rec.Status != models.EscrowPending {
		return fmt.Errorf("%w: capture on %s escrow %s", ErrInvalidState, rec.Status, id)
	}

	d := s.draftFor(rec, rec.BusinessID, models.EntryEscrowCaptured, rec.AmountCents)
	d.ProviderTransferID = nullableStr(providerTransferID)
	d.WebhookEventID = webhookEventID
	d.CreatedSource = sourceFor(webhookEventID)
	d.Description = "escrow captured for shift payment"
	if _, err := s.ledger.AppendTx(ctx, tx, d); err != nil {
		return err
	}
	if err := s.repo.SetStatus(ctx, tx, id, models.EscrowHeld, time.Now().UTC()); err != nil {
		return err
	}
	if providerTransferID != "" {
		if err := s.repo.SetProviderTransferID(ctx, tx, id, providerTransferID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Release moves a HELD escrow to RELEASED: the provider transfer to the
// worker is initiated under an idempotency key, then escrow_released (and any
// commission/penalty deductions) is appended and the status updated, all in
// one transaction. Returns ErrReleaseBlocked while a gate is active.
func (s *Service) Release(ctx context.Context, id uuid.UUID) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	// A disputed record is HELD money behind a gate, not a wrong state.
	if rec.Status == models.EscrowDisputed {
		return fmt.Errorf("%w: escrow %s is disputed", ErrReleaseBlocked, id)
	}
	if rec.Status != models.EscrowHeld {
		return fmt.Errorf("%w: release on %s escrow %s", ErrInvalidState, rec.Status, id)
	}

	gate, err := s.gate.Check(ctx, rec.ShiftPaymentID, rec.WorkerID)
	if err != nil {
		return fmt.Errorf("gate check for escrow %s: %w", id, err)
	}
	if gate.Blocked {
		return fmt.Errorf("%w: %s", ErrReleaseBlocked, gate.Reason)
	}

	transferID, err := s.initiateReleaseTransfer(ctx, rec)
	if err != nil {
		return err
	}

	if err := s.appendReleaseEntries(ctx, tx, rec, rec.AmountCents, gate); err != nil {
		return s.integrityAfterTransfer(transferID, err)
	}
	if err := s.repo.SetStatus(ctx, tx, id, models.EscrowReleased, time.Now().UTC()); err != nil {
		return s.integrityAfterTransfer(transferID, err)
	}
	if transferID != "" {
		if err := s.repo.SetProviderTransferID(ctx, tx, id, transferID); err != nil {
			return s.integrityAfterTransfer(transferID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return s.integrityAfterTransfer(transferID, err)
	}
	return nil
}

// initiateReleaseTransfer creates the provider transfer for a release. On
// timeout the outcome is reconciled through the status endpoint before the
// call is treated as failed; the transfer is never blindly re-created.
func (s *Service) initiateReleaseTransfer(ctx context.Context, rec *models.EscrowRecord) (string, error) {
	if s.provider == nil {
		return "", nil
	}
	key := "release-" + rec.ID.String()
	sourcePayment := ""
	if rec.ProviderTransferID != nil {
		sourcePayment = *rec.ProviderTransferID
	}
	t, err := s.provider.CreateTransfer(ctx, providerclient.TransferRequest{
		IdempotencyKey:     key,
		SourcePaymentID:    sourcePayment,
		DestinationAccount: rec.WorkerID.String(),
		AmountCents:        rec.AmountCents,
		Currency:           rec.Currency,
		Description:        "shift payment release",
	})
	if errors.Is(err, providerclient.ErrTimeout) {
		status, serr := s.provider.GetTransferStatus(ctx, key)
		if errors.Is(serr, providerclient.ErrNotFound) {
			// Original call never landed; safe to retry on the next run.
			return "", err
		}
		if serr != nil {
			return "", fmt.Errorf("reconcile transfer %s after timeout: %w", key, serr)
		}
		if status.Status == providerclient.TransferSucceeded {
			return status.ID, nil
		}
		return "", err
	}
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// appendReleaseEntries books the worker-side release entries: the full
// escrow_released amount, then commission and applied-penalty deductions.
func (s *Service) appendReleaseEntries(ctx context.Context, tx pgx.Tx, rec *models.EscrowRecord, releaseCents int64, gate Gate) error {
	d := s.draftFor(rec, rec.WorkerID, models.EntryEscrowReleased, releaseCents)
	d.Description = "escrow released to worker"
	if _, err := s.ledger.AppendTx(ctx, tx, d); err != nil {
		return err
	}

	if commission := releaseCents * s.commissionBps / 10000; commission > 0 {
		c := s.draftFor(rec, rec.WorkerID, models.EntryCommissionDeducted, -commission)
		c.Description = "platform commission"
		if _, err := s.ledger.AppendTx(ctx, tx, c); err != nil {
			return err
		}
	}

	if gate.PenaltyCents > 0 && gate.PenaltyID != nil {
		penalty := min(gate.PenaltyCents, releaseCents)
		p := s.draftFor(rec, rec.WorkerID, models.EntryFeeDeducted, -penalty)
		p.Reference = "penalty:" + gate.PenaltyID.String()
		p.Description = "worker penalty withheld at release"
		if _, err := s.ledger.AppendTx(ctx, tx, p); err != nil {
			return err
		}
		if err := s.gate.MarkPenaltyApplied(ctx, tx, *gate.PenaltyID); err != nil {
			return err
		}
	}
	return nil
}

// Refund moves a PENDING or HELD escrow to REFUNDED. Two-phase: the status
// flips and refund_initiated is appended now; money is considered moved only
// once refund_completed exists (ConfirmRefund, webhook- or reconcile-driven).
func (s *Service) Refund(ctx context.Context, id uuid.UUID, reason string) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if rec.Status != models.EscrowPending && rec.Status != models.EscrowHeld {
		return fmt.Errorf("%w: refund on %s escrow %s", ErrInvalidState, rec.Status, id)
	}
	captured := rec.Status == models.EscrowHeld

	// A never-captured authorization is voided: no funds move, amount 0.
	var amount int64
	if captured {
		amount = -rec.AmountCents
	}
	d := s.draftFor(rec, rec.BusinessID, models.EntryRefundInitiated, amount)
	d.Description = "refund initiated: " + reason
	if _, err := s.ledger.AppendTx(ctx, tx, d); err != nil {
		return err
	}
	if !captured {
		// Nothing for the provider to return, so the refund stream closes
		// immediately. Keeps voids out of the reconcile candidate set.
		c := s.draftFor(rec, rec.BusinessID, models.EntryRefundCompleted, 0)
		c.Description = "void, no captured funds to return"
		if _, err := s.ledger.AppendTx(ctx, tx, c); err != nil {
			return err
		}
	}
	if err := s.repo.SetStatus(ctx, tx, id, models.EscrowRefunded, time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if captured {
		return s.initiateProviderRefund(ctx, rec, rec.AmountCents, reason)
	}
	return nil
}

// initiateProviderRefund runs after the local two-phase state is committed.
// A timeout leaves the refund for the reconcile job; a provider rejection is
// surfaced for manual handling while the ledger still shows initiated-only.
func (s *Service) initiateProviderRefund(ctx context.Context, rec *models.EscrowRecord, amountCents int64, reason string) error {
	if s.provider == nil {
		return nil
	}
	paymentID := ""
	if rec.ProviderTransferID != nil {
		paymentID = *rec.ProviderTransferID
	}
	_, err := s.provider.CreateRefund(ctx, providerclient.RefundRequest{
		IdempotencyKey: "refund-" + rec.ID.String(),
		PaymentID:      paymentID,
		AmountCents:    amountCents,
		Currency:       rec.Currency,
		Reason:         reason,
	})
	if errors.Is(err, providerclient.ErrTimeout) {
		s.logger.Warn("provider refund timed out, leaving for reconcile",
			"escrow_id", rec.ID, "shift_payment_id", rec.ShiftPaymentID)
		return nil
	}
	if err != nil {
		s.logger.Error("provider refund rejected",
			"escrow_id", rec.ID, "error", err)
		return err
	}
	return nil
}

// ConfirmRefund records provider confirmation that refunded money actually
// moved: one refund_completed entry on the business stream. Valid for
// REFUNDED records and for RELEASED records that carry an adjusted-dispute
// partial refund.
func (s *Service) ConfirmRefund(ctx context.Context, shiftPaymentID uuid.UUID, webhookEventID *uuid.UUID) error {
	rec, err := s.repo.GetByShiftPaymentID(ctx, shiftPaymentID)
	if err != nil {
		return err
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rec, err = s.repo.GetForUpdate(ctx, tx, rec.ID)
	if err != nil {
		return err
	}
	if rec.Status != models.EscrowRefunded && rec.Status != models.EscrowReleased {
		return fmt.Errorf("%w: refund confirmation on %s escrow %s", ErrInvalidState, rec.Status, rec.ID)
	}

	d := s.draftFor(rec, rec.BusinessID, models.EntryRefundCompleted, 0)
	d.WebhookEventID = webhookEventID
	d.CreatedSource = sourceFor(webhookEventID)
	d.Description = "provider confirmed refund"
	if _, err := s.ledger.AppendTx(ctx, tx, d); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListReleasable returns HELD records whose capture is at or before asOf,
// the settlement processor's candidate set.
func (s *Service) ListReleasable(ctx context.Context, asOf time.Time, limit int) ([]*models.EscrowRecord, error) {
	return s.repo.ListReleasable(ctx, asOf, limit)
}

// ReconcileRefunds resolves refunds stuck in the initiated-only state.
// Candidates are records with captured funds whose refund_initiated entry has
// no matching refund_completed; voided authorizations never qualify. For each
// the provider is queried by idempotency key: succeeded confirms the refund,
// a missing refund means the original create never landed and is re-issued at
// the initiated amount, pending is left for the next run. Returns how many
// were confirmed.
func (s *Service) ReconcileRefunds(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	if s.provider == nil {
		return 0, nil
	}
	cands, err := s.repo.ListRefundInitiated(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}
	confirmed := 0
	for _, cand := range cands {
		rec := cand.Record
		ref, err := s.provider.GetRefundStatus(ctx, "refund-"+rec.ID.String())
		switch {
		case errors.Is(err, providerclient.ErrNotFound):
			// The create never reached the provider. Safe to re-issue under
			// the same idempotency key.
			if err := s.initiateProviderRefund(ctx, rec, cand.RefundCents, "reconcile re-issue"); err != nil {
				s.logger.Error("refund re-issue failed", "escrow_id", rec.ID, "error", err)
			}
		case err != nil:
			s.logger.Warn("refund status query failed", "escrow_id", rec.ID, "error", err)
		case ref.Status == providerclient.TransferSucceeded:
			if err := s.ConfirmRefund(ctx, rec.ShiftPaymentID, nil); err != nil {
				s.logger.Error("refund confirmation failed", "escrow_id", rec.ID, "error", err)
				continue
			}
			confirmed++
		case ref.Status == providerclient.TransferFailed:
			s.logger.Error("provider reports refund failed, manual intervention needed",
				"escrow_id", rec.ID, "shift_payment_id", rec.ShiftPaymentID)
		}
	}
	return confirmed, nil
}

// OpenDispute moves HELD → DISPUTED and appends dispute_opened. The dispute
// queue row itself is owned by the disputes service, which calls this.
func (s *Service) OpenDispute(ctx context.Context, id uuid.UUID) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if rec.Status != models.EscrowHeld {
		return fmt.Errorf("%w: dispute on %s escrow %s", ErrInvalidState, rec.Status, id)
	}

	d := s.draftFor(rec, rec.WorkerID, models.EntryDisputeOpened, 0)
	d.Description = "dispute opened, release suspended"
	if _, err := s.ledger.AppendTx(ctx, tx, d); err != nil {
		return err
	}
	if err := s.repo.SetStatus(ctx, tx, id, models.EscrowDisputed, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ResolveDispute closes a DISPUTED escrow. Outcomes:
//   - worker_full: full amount to the worker, DISPUTED → RELEASED
//   - worker_adjusted: adjustedCents to the worker, the difference back to
//     the business as an initiated refund, DISPUTED → RELEASED
//   - business_refund: full amount back to the business, DISPUTED → REFUNDED
//
// The original AmountCents is never overwritten; adjustments exist only as
// ledger entries.
func (s *Service) ResolveDispute(ctx context.Context, id uuid.UUID, outcome string, adjustedCents int64) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if rec.Status != models.EscrowDisputed {
		return fmt.Errorf("%w: resolve on %s escrow %s", ErrInvalidState, rec.Status, id)
	}

	d := s.draftFor(rec, rec.WorkerID, models.EntryDisputeResolved, 0)
	d.Description = "dispute resolved: " + outcome
	if _, err := s.ledger.AppendTx(ctx, tx, d); err != nil {
		return err
	}

	var refundCents int64
	var next string
	switch outcome {
	case models.OutcomeWorkerFull:
		r := s.draftFor(rec, rec.WorkerID, models.EntryEscrowReleased, rec.AmountCents)
		r.Description = "escrow released after dispute"
		if _, err := s.ledger.AppendTx(ctx, tx, r); err != nil {
			return err
		}
		next = models.EscrowReleased
	case models.OutcomeWorkerAdjusted:
		if adjustedCents <= 0 || adjustedCents > rec.AmountCents {
			return fmt.Errorf("adjusted amount %d out of range (0, %d]", adjustedCents, rec.AmountCents)
		}
		r := s.draftFor(rec, rec.WorkerID, models.EntryEscrowReleased, adjustedCents)
		r.Description = "escrow released at adjusted amount after dispute"
		if _, err := s.ledger.AppendTx(ctx, tx, r); err != nil {
			return err
		}
		if diff := rec.AmountCents - adjustedCents; diff > 0 {
			b := s.draftFor(rec, rec.BusinessID, models.EntryRefundInitiated, -diff)
			b.Description = "dispute adjustment refunded to business"
			if _, err := s.ledger.AppendTx(ctx, tx, b); err != nil {
				return err
			}
			refundCents = diff
		}
		next = models.EscrowReleased
	case models.OutcomeBusinessRefund:
		b := s.draftFor(rec, rec.BusinessID, models.EntryRefundInitiated, -rec.AmountCents)
		b.Description = "escrow refunded to business after dispute"
		if _, err := s.ledger.AppendTx(ctx, tx, b); err != nil {
			return err
		}
		refundCents = rec.AmountCents
		next = models.EscrowRefunded
	default:
		return fmt.Errorf("unknown dispute outcome %q", outcome)
	}

	if err := s.repo.SetStatus(ctx, tx, id, next, time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if refundCents > 0 {
		return s.initiateProviderRefund(ctx, rec, refundCents, "dispute resolution")
	}
	return nil
}

// ExpireDue sweeps PENDING/HELD records past their expiry. The per-record
// status guard under lock makes the sweep idempotent: a second run appends no
// duplicate entries. Returns the number of records expired.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := s.repo.ListExpirable(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		if err := s.expireOne(ctx, id); err != nil {
			s.logger.Error("expire escrow failed", "escrow_id", id, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, id uuid.UUID) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	// Re-check under lock: another sweep or a webhook may have won.
	if rec.Status != models.EscrowPending && rec.Status != models.EscrowHeld {
		return nil
	}
	if rec.Status == models.EscrowHeld {
		d := s.draftFor(rec, rec.BusinessID, models.EntryAdjustment, -rec.AmountCents)
		d.Reference = "escrow-expired:" + rec.ID.String()
		d.Description = "expired escrow hold returned to business"
		d.CreatedSource = models.SourceCron
		if _, err := s.ledger.AppendTx(ctx, tx, d); err != nil {
			return err
		}
	}
	if err := s.repo.SetStatus(ctx, tx, id, models.EscrowExpired, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// draftFor builds the common entry fields tying an entry to its escrow.
func (s *Service) draftFor(rec *models.EscrowRecord, account uuid.UUID, entryType string, amount int64) ledger.Draft {
	spid := rec.ShiftPaymentID
	return ledger.Draft{
		UserID:            account,
		ShiftPaymentID:    &spid,
		ShiftAssignmentID: rec.ShiftAssignmentID,
		EntryType:         entryType,
		Amount:            amount,
		Currency:          rec.Currency,
		CreatedSource:     models.SourceSystem,
	}
}

// integrityAfterTransfer distinguishes an ordinary rollback from a partial
// application: once the provider transfer went through, a failed local commit
// means money moved without a ledger record.
func (s *Service) integrityAfterTransfer(transferID string, err error) error {
	if transferID == "" {
		return err
	}
	s.logger.Error("escrow release partially applied", "integrity", true,
		"provider_transfer_id", transferID, "error", err)
	return fmt.Errorf("%w: transfer %s committed at provider: %v", ErrIntegrityViolation, transferID, err)
}

func sourceFor(webhookEventID *uuid.UUID) string {
	if webhookEventID != nil {
		return models.SourceWebhook
	}
	return models.SourceSystem
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
