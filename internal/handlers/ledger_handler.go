package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shiftstack-work/payments-backend/internal/ledger"
	"github.com/shiftstack-work/payments-backend/internal/models"
)

// LedgerHandler serves read-only balance and history endpoints.
type LedgerHandler struct {
	Ledger ledger.Service
	Logger *slog.Logger
}

type BalanceResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Currency     string    `json:"currency"`
	BalanceCents int64     `json:"balance_cents"`
}

// Balance returns the user's current balance, read from the latest entry's
// running balance. Currency defaults to USD; override with ?currency=.
func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = "USD"
	}
	balance, err := h.Ledger.CurrentBalance(r.Context(), userID, currency)
	if err != nil {
		h.Logger.Error("balance read failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Currency: currency, BalanceCents: balance})
}

// Entries returns the user's ledger history, newest first. Supports
// ?currency=, ?entry_type=, ?shift_payment_id= and ?limit= filters.
func (h *LedgerHandler) Entries(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	f := ledger.Filters{
		Currency:  q.Get("currency"),
		EntryType: q.Get("entry_type"),
	}
	if raw := q.Get("shift_payment_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, `{"error":"invalid shift_payment_id"}`, http.StatusBadRequest)
			return
		}
		f.ShiftPaymentID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	entries, err := h.Ledger.History(r.Context(), userID, f)
	if err != nil {
		h.Logger.Error("history read failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
