package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shiftstack-work/payments-backend/internal/escrow"
	"github.com/shiftstack-work/payments-backend/internal/settlement"
)

// EscrowHandler serves the /v1/escrows endpoints used by the shift service.
type EscrowHandler struct {
	Escrow      *escrow.Service
	Completions *settlement.ShiftCompletions
	Logger      *slog.Logger
}

type CreateHoldRequest struct {
	ShiftPaymentID    uuid.UUID  `json:"shift_payment_id"`
	ShiftAssignmentID *uuid.UUID `json:"shift_assignment_id,omitempty"`
	BusinessID        uuid.UUID  `json:"business_id"`
	WorkerID          uuid.UUID  `json:"worker_id"`
	AmountCents       int64      `json:"amount_cents"`
	Currency          string     `json:"currency"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

type CaptureRequest struct {
	ProviderTransferID string `json:"provider_transfer_id"`
}

type RefundRequest struct {
	Reason string `json:"reason"`
}

// CreateHold registers a PENDING escrow for a shift payment. One escrow per
// shift payment; a second call for the same payment returns 409.
func (h *EscrowHandler) CreateHold(w http.ResponseWriter, r *http.Request) {
	var req CreateHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ShiftPaymentID == uuid.Nil || req.BusinessID == uuid.Nil || req.WorkerID == uuid.Nil {
		http.Error(w, `{"error":"missing required ids"}`, http.StatusBadRequest)
		return
	}
	if req.AmountCents <= 0 {
		http.Error(w, `{"error":"amount_cents must be positive"}`, http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	rec, err := h.Escrow.CreateHold(r.Context(), escrow.HoldParams{
		ShiftPaymentID:    req.ShiftPaymentID,
		ShiftAssignmentID: req.ShiftAssignmentID,
		BusinessID:        req.BusinessID,
		WorkerID:          req.WorkerID,
		AmountCents:       req.AmountCents,
		Currency:          req.Currency,
		ExpiresAt:         req.ExpiresAt,
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			http.Error(w, `{"error":"escrow already exists for this shift payment"}`, http.StatusConflict)
			return
		}
		h.Logger.Error("create hold failed", "shift_payment_id", req.ShiftPaymentID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Get returns one escrow record.
func (h *EscrowHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid escrow id"}`, http.StatusBadRequest)
		return
	}
	rec, err := h.Escrow.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			http.Error(w, `{"error":"escrow not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get escrow failed", "escrow_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Capture confirms the provider captured the hold. Most captures arrive via
// the provider webhook; this is the manual path for out-of-band confirmations.
func (h *EscrowHandler) Capture(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid escrow id"}`, http.StatusBadRequest)
		return
	}
	var req CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ProviderTransferID == "" {
		http.Error(w, `{"error":"missing provider_transfer_id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Escrow.Capture(r.Context(), id, req.ProviderTransferID, nil); err != nil {
		h.transitionError(w, "capture", id, err)
		return
	}
	h.respondWithRecord(w, r, id)
}

// Release pays the worker out of a HELD escrow. Blocked while a dispute or
// active penalty gates the record.
func (h *EscrowHandler) Release(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid escrow id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Escrow.Release(r.Context(), id); err != nil {
		h.transitionError(w, "release", id, err)
		return
	}
	h.respondWithRecord(w, r, id)
}

// Refund returns escrowed funds toward the business. The refund is initiated
// here; money is confirmed back when the provider acknowledges.
func (h *EscrowHandler) Refund(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid escrow id"}`, http.StatusBadRequest)
		return
	}
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.Escrow.Refund(r.Context(), id, req.Reason); err != nil {
		h.transitionError(w, "refund", id, err)
		return
	}
	h.respondWithRecord(w, r, id)
}

// ConfirmCompletion records that the shift behind a payment was worked.
// Daily settlement will not release an escrow without this confirmation.
func (h *EscrowHandler) ConfirmCompletion(w http.ResponseWriter, r *http.Request) {
	shiftPaymentID, err := uuid.Parse(r.PathValue("shiftPaymentID"))
	if err != nil {
		http.Error(w, `{"error":"invalid shift payment id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Completions.Record(r.Context(), shiftPaymentID, serviceName(r)); err != nil {
		h.Logger.Error("confirm completion failed", "shift_payment_id", shiftPaymentID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (h *EscrowHandler) transitionError(w http.ResponseWriter, op string, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		http.Error(w, `{"error":"escrow not found"}`, http.StatusNotFound)
	case errors.Is(err, escrow.ErrInvalidState):
		http.Error(w, `{"error":"escrow state does not permit this transition"}`, http.StatusConflict)
	case errors.Is(err, escrow.ErrReleaseBlocked):
		http.Error(w, `{"error":"release blocked by open dispute or penalty"}`, http.StatusConflict)
	case errors.Is(err, escrow.ErrIntegrityViolation):
		h.Logger.Error("escrow integrity violation", "op", op, "escrow_id", id, "integrity", true, "error", err)
		http.Error(w, `{"error":"partial failure, manual reconciliation required"}`, http.StatusInternalServerError)
	default:
		h.Logger.Error("escrow transition failed", "op", op, "escrow_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func (h *EscrowHandler) respondWithRecord(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	rec, err := h.Escrow.Get(r.Context(), id)
	if err != nil {
		h.Logger.Error("reload escrow failed", "escrow_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
