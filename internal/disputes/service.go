package disputes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shiftstack-work/payments-backend/internal/escrow"
	"github.com/shiftstack-work/payments-backend/internal/models"
)

// gateRepo is the read surface the release gate needs.
type gateRepo interface {
	HasOpenDispute(ctx context.Context, shiftPaymentID uuid.UUID) (bool, error)
	ActivePenalties(ctx context.Context, shiftPaymentID, workerID uuid.UUID) ([]gatingPenalty, error)
	MarkPenaltyApplied(ctx context.Context, tx pgx.Tx, penaltyID uuid.UUID) error
}

// Gate answers the escrow manager's release-time question: is there an open
// dispute or an active un-appealed penalty on this shift payment? It owns no
// references into the escrow subsystem; the check is a read-only query.
type Gate struct {
	repo gateRepo
}

func NewGate(repo *Repository) *Gate {
	return &Gate{repo: repo}
}

var _ escrow.ReleaseGate = (*Gate)(nil)

// Check implements escrow.ReleaseGate. An open dispute blocks outright. An
// active penalty blocks while no appeal has been decided; once its appeal is
// rejected the penalty stops blocking and becomes a deduction instead.
func (g *Gate) Check(ctx context.Context, shiftPaymentID, workerID uuid.UUID) (escrow.Gate, error) {
	open, err := g.repo.HasOpenDispute(ctx, shiftPaymentID)
	if err != nil {
		return escrow.Gate{}, err
	}
	if open {
		return escrow.Gate{Blocked: true, Reason: "open dispute on shift payment"}, nil
	}

	penalties, err := g.repo.ActivePenalties(ctx, shiftPaymentID, workerID)
	if err != nil {
		return escrow.Gate{}, err
	}
	for _, p := range penalties {
		if p.AppealStatus == nil || *p.AppealStatus == models.AppealPending {
			return escrow.Gate{Blocked: true, Reason: "active penalty pending appeal"}, nil
		}
	}
	// All remaining active penalties have a rejected appeal; the first one is
	// withheld at this release, any others on later payments.
	for _, p := range penalties {
		if *p.AppealStatus == models.AppealRejected && p.AmountCents > 0 {
			id := p.ID
			return escrow.Gate{PenaltyID: &id, PenaltyCents: p.AmountCents}, nil
		}
	}
	return escrow.Gate{}, nil
}

// MarkPenaltyApplied implements escrow.ReleaseGate.
func (g *Gate) MarkPenaltyApplied(ctx context.Context, tx pgx.Tx, penaltyID uuid.UUID) error {
	return g.repo.MarkPenaltyApplied(ctx, tx, penaltyID)
}

// EscrowManager is the slice of the escrow manager the dispute lifecycle
// drives.
type EscrowManager interface {
	Get(ctx context.Context, id uuid.UUID) (*models.EscrowRecord, error)
	OpenDispute(ctx context.Context, id uuid.UUID) error
	ResolveDispute(ctx context.Context, id uuid.UUID, outcome string, adjustedCents int64) error
}

// Service owns the dispute queue and penalty/appeal lifecycles and drives the
// escrow manager when they touch held money.
type Service struct {
	repo   *Repository
	escrow EscrowManager
	logger *slog.Logger
}

func NewService(repo *Repository, em EscrowManager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, escrow: em, logger: logger}
}

// Open suspends the escrow's release path and queues the dispute. The escrow
// transition runs first so the state machine rejects non-HELD records before
// any queue row exists.
func (s *Service) Open(ctx context.Context, escrowID uuid.UUID, openedBy *uuid.UUID, reason string) (*models.AdminDispute, error) {
	rec, err := s.escrow.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := s.escrow.OpenDispute(ctx, escrowID); err != nil {
		return nil, err
	}
	d := &models.AdminDispute{
		EscrowRecordID: escrowID,
		ShiftPaymentID: rec.ShiftPaymentID,
		OpenedBy:       openedBy,
		Reason:         reason,
	}
	if err := s.repo.CreateDispute(ctx, d); err != nil {
		// The DISPUTED status still blocks release; the queue row is for the
		// admin workflow.
		s.logger.Error("dispute queued in escrow but row insert failed",
			"escrow_id", escrowID, "error", err)
		return nil, err
	}
	return d, nil
}

// Resolve closes the dispute and instructs the escrow manager. outcome is one
// of the models.Outcome* values; adjustedCents applies to worker_adjusted.
func (s *Service) Resolve(ctx context.Context, disputeID uuid.UUID, outcome string, adjustedCents int64, resolvedBy uuid.UUID) error {
	d, err := s.repo.GetDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	if d.Status != models.DisputeOpen && d.Status != models.DisputeUnderReview {
		return fmt.Errorf("dispute %s already %s", disputeID, d.Status)
	}

	var rowStatus string
	var adjusted *int64
	switch outcome {
	case models.OutcomeWorkerFull:
		rowStatus = models.DisputeResolvedRelease
	case models.OutcomeWorkerAdjusted:
		rowStatus = models.DisputeResolvedAdjusted
		adjusted = &adjustedCents
	case models.OutcomeBusinessRefund:
		rowStatus = models.DisputeResolvedRefund
	default:
		return fmt.Errorf("unknown dispute outcome %q", outcome)
	}

	if err := s.escrow.ResolveDispute(ctx, d.EscrowRecordID, outcome, adjustedCents); err != nil {
		return err
	}
	if err := s.repo.ResolveDispute(ctx, disputeID, rowStatus, adjusted, resolvedBy); err != nil {
		// The escrow is already terminal; a stale queue row must not block
		// anything else, so surface loudly.
		s.logger.Error("escrow resolved but dispute row update failed",
			"dispute_id", disputeID, "error", err)
		return err
	}
	return nil
}

// Penalize records a worker penalty. A new penalty gates future releases for
// the worker's affected shift payment until appealed or waived.
func (s *Service) Penalize(ctx context.Context, p *models.WorkerPenalty) error {
	if p.AmountCents < 0 {
		return fmt.Errorf("penalty amount must be >= 0, got %d", p.AmountCents)
	}
	return s.repo.CreatePenalty(ctx, p)
}

// Appeal files an appeal against a penalty.
func (s *Service) Appeal(ctx context.Context, penaltyID uuid.UUID, submittedBy *uuid.UUID) (*models.PenaltyAppeal, error) {
	a := &models.PenaltyAppeal{PenaltyID: penaltyID, SubmittedBy: submittedBy}
	if err := s.repo.CreateAppeal(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// DecideAppeal approves (penalty waived) or rejects (penalty deductible at
// next release) an appeal.
func (s *Service) DecideAppeal(ctx context.Context, appealID uuid.UUID, approved bool, decidedBy uuid.UUID) error {
	return s.repo.DecideAppeal(ctx, appealID, approved, decidedBy)
}
