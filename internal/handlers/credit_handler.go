package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shiftstack-work/payments-backend/internal/credit"
	"github.com/shiftstack-work/payments-backend/internal/models"
)

// CreditService is the credit surface the handler consumes.
type CreditService interface {
	ApplyCharge(ctx context.Context, p credit.ChargeParams) (*models.CreditInvoice, error)
	RecordPayment(ctx context.Context, invoiceID uuid.UUID, amountCents int64, reference string) (*models.CreditInvoice, error)
	AddLateFee(ctx context.Context, invoiceID uuid.UUID, amountCents int64, reason string) (*models.CreditInvoice, error)
	Finalize(ctx context.Context, invoiceID uuid.UUID, dueDate time.Time) (*models.CreditInvoice, error)
	MarkSent(ctx context.Context, invoiceID uuid.UUID) (*models.CreditInvoice, error)
	Void(ctx context.Context, invoiceID uuid.UUID, reason string) (*models.CreditInvoice, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (*models.CreditInvoice, error)
	ListTransactions(ctx context.Context, businessID uuid.UUID, limit int) ([]*models.BusinessCreditTransaction, error)
}

// CreditHandler serves business credit: weekly invoices, charges, payments
// and the credit transaction stream.
type CreditHandler struct {
	Credit CreditService
	Logger *slog.Logger
}

// InvoiceResponse decorates the stored minor-unit amounts with two-decimal
// display strings for billing UIs.
type InvoiceResponse struct {
	*models.CreditInvoice
	TotalDisplay string `json:"total_display"`
	DueDisplay   string `json:"due_display"`
}

func invoiceResponse(inv *models.CreditInvoice) InvoiceResponse {
	return InvoiceResponse{
		CreditInvoice: inv,
		TotalDisplay:  inv.DisplayTotal().StringFixed(2),
		DueDisplay:    inv.DisplayDue().StringFixed(2),
	}
}

type ChargeRequest struct {
	AmountCents    int64      `json:"amount_cents"`
	ShiftPaymentID *uuid.UUID `json:"shift_payment_id,omitempty"`
	Description    string     `json:"description"`
}

type PaymentRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference"`
}

type LateFeeRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

type FinalizeRequest struct {
	DueDate time.Time `json:"due_date"`
}

type VoidRequest struct {
	Reason string `json:"reason"`
}

// Charge rolls a shift charge onto the business's open weekly invoice,
// creating the draft if the week has none yet.
func (h *CreditHandler) Charge(w http.ResponseWriter, r *http.Request) {
	businessID, err := uuid.Parse(r.PathValue("businessID"))
	if err != nil {
		http.Error(w, `{"error":"invalid business id"}`, http.StatusBadRequest)
		return
	}
	var req ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	inv, err := h.Credit.ApplyCharge(r.Context(), credit.ChargeParams{
		BusinessID:     businessID,
		AmountCents:    req.AmountCents,
		ShiftPaymentID: req.ShiftPaymentID,
		Description:    req.Description,
	})
	if err != nil {
		h.creditError(w, "charge", err)
		return
	}
	writeJSON(w, http.StatusCreated, invoiceResponse(inv))
}

// RecordPayment applies a payment against an issued invoice. Overpayment is
// accepted; the excess becomes credit on the business stream.
func (h *CreditHandler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid invoice id"}`, http.StatusBadRequest)
		return
	}
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	inv, err := h.Credit.RecordPayment(r.Context(), invoiceID, req.AmountCents, req.Reference)
	if err != nil {
		h.creditError(w, "payment", err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceResponse(inv))
}

// AddLateFee adds a late fee to an open invoice.
func (h *CreditHandler) AddLateFee(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid invoice id"}`, http.StatusBadRequest)
		return
	}
	var req LateFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	inv, err := h.Credit.AddLateFee(r.Context(), invoiceID, req.AmountCents, req.Reason)
	if err != nil {
		h.creditError(w, "late fee", err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceResponse(inv))
}

// GetInvoice returns one invoice with its computed amounts.
func (h *CreditHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid invoice id"}`, http.StatusBadRequest)
		return
	}
	inv, err := h.Credit.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		h.creditError(w, "get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceResponse(inv))
}

// Transactions returns the business's credit stream, newest first.
func (h *CreditHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	businessID, err := uuid.Parse(r.PathValue("businessID"))
	if err != nil {
		http.Error(w, `{"error":"invalid business id"}`, http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}
	txs, err := h.Credit.ListTransactions(r.Context(), businessID, limit)
	if err != nil {
		h.creditError(w, "list transactions", err)
		return
	}
	if txs == nil {
		txs = []*models.BusinessCreditTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// Finalize issues a draft invoice and starts its due-date clock. Operator
// action.
func (h *CreditHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid invoice id"}`, http.StatusBadRequest)
		return
	}
	var req FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.DueDate.IsZero() {
		http.Error(w, `{"error":"missing due_date"}`, http.StatusBadRequest)
		return
	}
	inv, err := h.Credit.Finalize(r.Context(), invoiceID, req.DueDate)
	if err != nil {
		h.creditError(w, "finalize", err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceResponse(inv))
}

// MarkSent records that the issued invoice went out to the business.
func (h *CreditHandler) MarkSent(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid invoice id"}`, http.StatusBadRequest)
		return
	}
	inv, err := h.Credit.MarkSent(r.Context(), invoiceID)
	if err != nil {
		h.creditError(w, "mark sent", err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceResponse(inv))
}

// Void cancels an invoice and reverses its outstanding balance on the credit
// stream. The invoice number is not reused.
func (h *CreditHandler) Void(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid invoice id"}`, http.StatusBadRequest)
		return
	}
	var req VoidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	inv, err := h.Credit.Void(r.Context(), invoiceID, req.Reason)
	if err != nil {
		h.creditError(w, "void", err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceResponse(inv))
}

func (h *CreditHandler) creditError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, credit.ErrNotFound):
		http.Error(w, `{"error":"invoice not found"}`, http.StatusNotFound)
	case errors.Is(err, credit.ErrInvalidAmount):
		http.Error(w, `{"error":"amount_cents must be positive"}`, http.StatusBadRequest)
	case errors.Is(err, credit.ErrInvoiceClosed):
		http.Error(w, `{"error":"invoice is closed"}`, http.StatusConflict)
	case errors.Is(err, credit.ErrInvalidStatus):
		http.Error(w, `{"error":"invoice status does not permit this operation"}`, http.StatusConflict)
	case errors.Is(err, credit.ErrItemMismatch):
		http.Error(w, `{"error":"invoice items do not sum to subtotal"}`, http.StatusConflict)
	default:
		h.Logger.Error("credit operation failed", "op", op, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}
