package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shiftstack-work/payments-backend/internal/models"
)

// Draft is an entry before it is assigned an id and a running balance. Amount
// is signed, in minor currency units.
type Draft struct {
	UserID             uuid.UUID
	ShiftPaymentID     *uuid.UUID
	ShiftAssignmentID  *uuid.UUID
	Provider           string
	ProviderPaymentID  *string
	ProviderTransferID *string
	EntryType          string
	Amount             int64
	Currency           string
	Metadata           json.RawMessage
	Reference          string
	Description        string
	CreatedBy          string
	CreatedSource      string
	WebhookEventID     *uuid.UUID
}

func (d Draft) toEntry() *models.LedgerEntry {
	source := d.CreatedSource
	if source == "" {
		source = models.SourceSystem
	}
	return &models.LedgerEntry{
		UserID:             d.UserID,
		ShiftPaymentID:     d.ShiftPaymentID,
		ShiftAssignmentID:  d.ShiftAssignmentID,
		Provider:           d.Provider,
		ProviderPaymentID:  d.ProviderPaymentID,
		ProviderTransferID: d.ProviderTransferID,
		EntryType:          d.EntryType,
		Amount:             d.Amount,
		Currency:           d.Currency,
		Metadata:           d.Metadata,
		Reference:          d.Reference,
		Description:        d.Description,
		CreatedBy:          d.CreatedBy,
		CreatedSource:      source,
	}
}

var validEntryTypes = map[string]bool{
	models.EntryEscrowCaptured:     true,
	models.EntryEscrowReleased:     true,
	models.EntryRefundInitiated:    true,
	models.EntryRefundCompleted:    true,
	models.EntryDisputeOpened:      true,
	models.EntryDisputeResolved:    true,
	models.EntryPayoutInitiated:    true,
	models.EntryPayoutSucceeded:    true,
	models.EntryPayoutFailed:       true,
	models.EntryFeeDeducted:        true,
	models.EntryCommissionDeducted: true,
	models.EntryAdjustment:         true,
}

// Entry types that record a confirmation or state change without moving
// balance; only these may carry a zero amount. refund_initiated is zero when
// it voids a never-captured authorization.
var zeroAmountTypes = map[string]bool{
	models.EntryDisputeOpened:   true,
	models.EntryDisputeResolved: true,
	models.EntryRefundInitiated: true,
	models.EntryRefundCompleted: true,
	models.EntryPayoutSucceeded: true,
}

// Validate rejects malformed drafts before they reach the store.
func (d Draft) Validate() error {
	if d.UserID == uuid.Nil {
		return errors.New("ledger draft: user id required")
	}
	if !validEntryTypes[d.EntryType] {
		return fmt.Errorf("ledger draft: unknown entry_type %q", d.EntryType)
	}
	if len(d.Currency) != 3 {
		return fmt.Errorf("ledger draft: invalid currency %q", d.Currency)
	}
	if d.Amount == 0 && !zeroAmountTypes[d.EntryType] {
		return fmt.Errorf("ledger draft: zero amount not allowed for %s", d.EntryType)
	}
	return nil
}

// Filters narrows History reads.
type Filters struct {
	Currency       string
	EntryType      string
	ShiftPaymentID *uuid.UUID
	Limit          int
}

// Service is the ledger store contract. The store is append-only: no update
// or delete exists anywhere in the API.
type Service interface {
	Append(ctx context.Context, d Draft) (*models.LedgerEntry, error)
	AppendTx(ctx context.Context, tx pgx.Tx, d Draft) (*models.LedgerEntry, error)
	CurrentBalance(ctx context.Context, userID uuid.UUID, currency string) (int64, error)
	History(ctx context.Context, userID uuid.UUID, f Filters) ([]*models.LedgerEntry, error)
}

type service struct {
	repo *Repository
}

func NewService(repo *Repository) Service {
	return &service{repo: repo}
}

var _ Service = (*service)(nil)

// Append writes a single entry in its own transaction.
func (s *service) Append(ctx context.Context, d Draft) (*models.LedgerEntry, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	entry, err := s.repo.AppendTx(ctx, tx, d)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapConcurrencyErr(err)
	}
	return entry, nil
}

// AppendTx writes an entry inside the caller's transaction so a status update
// and its ledger entry commit or roll back together.
func (s *service) AppendTx(ctx context.Context, tx pgx.Tx, d Draft) (*models.LedgerEntry, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return s.repo.AppendTx(ctx, tx, d)
}

func (s *service) CurrentBalance(ctx context.Context, userID uuid.UUID, currency string) (int64, error) {
	return s.repo.CurrentBalance(ctx, userID, currency)
}

func (s *service) History(ctx context.Context, userID uuid.UUID, f Filters) ([]*models.LedgerEntry, error) {
	return s.repo.History(ctx, userID, f)
}
