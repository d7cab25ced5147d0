package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shiftstack-work/payments-backend/internal/disputes"
	"github.com/shiftstack-work/payments-backend/internal/escrow"
	"github.com/shiftstack-work/payments-backend/internal/middleware"
	"github.com/shiftstack-work/payments-backend/internal/models"
	"github.com/shiftstack-work/payments-backend/internal/settlement"
)

// OpsHandler serves the operator surface: dispute queue, penalties, appeals
// and settlement batches.
type OpsHandler struct {
	Disputes  *disputes.Service
	Processor *settlement.Processor
	Batches   *settlement.Repository
	Logger    *slog.Logger
}

type OpenDisputeRequest struct {
	EscrowID uuid.UUID `json:"escrow_id"`
	Reason   string    `json:"reason"`
}

type ResolveDisputeRequest struct {
	Outcome       string `json:"outcome"`
	AdjustedCents int64  `json:"adjusted_cents"`
}

type PenalizeRequest struct {
	WorkerID       uuid.UUID  `json:"worker_id"`
	ShiftPaymentID *uuid.UUID `json:"shift_payment_id,omitempty"`
	AmountCents    int64      `json:"amount_cents"`
	Reason         string     `json:"reason"`
}

type AppealDecisionRequest struct {
	Approved bool `json:"approved"`
}

type RunSettlementRequest struct {
	BatchType string     `json:"batch_type"`
	AsOf      *time.Time `json:"as_of,omitempty"`
}

// OpenDispute suspends an escrow's release and queues it for review.
func (h *OpsHandler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	var req OpenDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.EscrowID == uuid.Nil {
		http.Error(w, `{"error":"missing escrow_id"}`, http.StatusBadRequest)
		return
	}
	operatorID := middleware.OperatorFromCtx(r.Context())
	d, err := h.Disputes.Open(r.Context(), req.EscrowID, &operatorID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			http.Error(w, `{"error":"escrow not found"}`, http.StatusNotFound)
		case errors.Is(err, escrow.ErrInvalidState):
			http.Error(w, `{"error":"escrow state does not permit a dispute"}`, http.StatusConflict)
		default:
			h.Logger.Error("open dispute failed", "escrow_id", req.EscrowID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// ResolveDispute closes a dispute with one of the worker_full,
// worker_adjusted or business_refund outcomes.
func (h *OpsHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	disputeID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid dispute id"}`, http.StatusBadRequest)
		return
	}
	var req ResolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	operatorID := middleware.OperatorFromCtx(r.Context())
	if err := h.Disputes.Resolve(r.Context(), disputeID, req.Outcome, req.AdjustedCents, operatorID); err != nil {
		switch {
		case errors.Is(err, disputes.ErrNotFound):
			http.Error(w, `{"error":"dispute not found"}`, http.StatusNotFound)
		case errors.Is(err, escrow.ErrInvalidState):
			http.Error(w, `{"error":"escrow state does not permit this resolution"}`, http.StatusConflict)
		case errors.Is(err, escrow.ErrIntegrityViolation):
			h.Logger.Error("dispute resolution integrity violation", "dispute_id", disputeID, "integrity", true, "error", err)
			http.Error(w, `{"error":"partial failure, manual reconciliation required"}`, http.StatusInternalServerError)
		default:
			h.Logger.Error("resolve dispute failed", "dispute_id", disputeID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Penalize records a worker penalty.
func (h *OpsHandler) Penalize(w http.ResponseWriter, r *http.Request) {
	var req PenalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.WorkerID == uuid.Nil {
		http.Error(w, `{"error":"missing worker_id"}`, http.StatusBadRequest)
		return
	}
	p := &models.WorkerPenalty{
		WorkerID:       req.WorkerID,
		ShiftPaymentID: req.ShiftPaymentID,
		AmountCents:    req.AmountCents,
		Reason:         req.Reason,
	}
	if err := h.Disputes.Penalize(r.Context(), p); err != nil {
		h.Logger.Error("penalize failed", "worker_id", req.WorkerID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Appeal files an appeal against a penalty on a worker's behalf.
func (h *OpsHandler) Appeal(w http.ResponseWriter, r *http.Request) {
	penaltyID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid penalty id"}`, http.StatusBadRequest)
		return
	}
	operatorID := middleware.OperatorFromCtx(r.Context())
	a, err := h.Disputes.Appeal(r.Context(), penaltyID, &operatorID)
	if err != nil {
		h.Logger.Error("appeal failed", "penalty_id", penaltyID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// DecideAppeal approves or rejects a pending appeal.
func (h *OpsHandler) DecideAppeal(w http.ResponseWriter, r *http.Request) {
	appealID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid appeal id"}`, http.StatusBadRequest)
		return
	}
	var req AppealDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	operatorID := middleware.OperatorFromCtx(r.Context())
	if err := h.Disputes.DecideAppeal(r.Context(), appealID, req.Approved, operatorID); err != nil {
		if errors.Is(err, disputes.ErrNotFound) {
			http.Error(w, `{"error":"appeal not found or already decided"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("decide appeal failed", "appeal_id", appealID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunSettlement triggers a settlement batch outside the periodic schedule.
// Re-running a period returns the existing batch.
func (h *OpsHandler) RunSettlement(w http.ResponseWriter, r *http.Request) {
	var req RunSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	asOf := time.Now().UTC()
	if req.AsOf != nil {
		asOf = req.AsOf.UTC()
	}

	var batch *models.PayoutBatch
	var err error
	switch req.BatchType {
	case models.BatchDailySettlement, "":
		batch, err = h.Processor.RunDailySettlement(r.Context(), asOf)
	case models.BatchWeeklyPayout:
		batch, err = h.Processor.RunWeeklyPayout(r.Context(), asOf)
	case models.BatchMonthlyReconciliation:
		batch, err = h.Processor.RunMonthlyReconciliation(r.Context(), asOf)
	default:
		http.Error(w, `{"error":"unknown batch_type"}`, http.StatusBadRequest)
		return
	}
	if err != nil {
		h.Logger.Error("settlement run failed", "batch_type", req.BatchType, "error", err)
		http.Error(w, `{"error":"settlement run failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// ListBatches returns recent batches, optionally filtered by ?batch_type=.
func (h *OpsHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}
	batches, err := h.Batches.List(r.Context(), r.URL.Query().Get("batch_type"), limit)
	if err != nil {
		h.Logger.Error("list batches failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if batches == nil {
		batches = []*models.PayoutBatch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

// GetBatch returns one batch with its error summary.
func (h *OpsHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid batch id"}`, http.StatusBadRequest)
		return
	}
	batch, err := h.Batches.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			http.Error(w, `{"error":"batch not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get batch failed", "batch_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}
