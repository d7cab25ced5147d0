package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/shiftstack-work/payments-backend/internal/escrow"
	"github.com/shiftstack-work/payments-backend/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

const maxBodyBytes = 1 << 20

// Event types the intake understands.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventRefundCompleted = "refund.completed"
	EventTransferFailed  = "transfer.failed"
)

// EscrowManager is the escrow surface webhook dispatch drives.
type EscrowManager interface {
	GetByShiftPaymentID(ctx context.Context, shiftPaymentID uuid.UUID) (*models.EscrowRecord, error)
	Capture(ctx context.Context, id uuid.UUID, providerTransferID string, webhookEventID *uuid.UUID) error
	ConfirmRefund(ctx context.Context, shiftPaymentID uuid.UUID, webhookEventID *uuid.UUID) error
}

// Handler serves POST /v1/webhooks/{provider}.
type Handler struct {
	Guard     *Guard
	Escrow    EscrowManager
	Validator *Validator
	Secret    string
	Logger    *slog.Logger
}

type envelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type paymentEvent struct {
	ShiftPaymentID    uuid.UUID `json:"shift_payment_id"`
	ProviderPaymentID string    `json:"provider_payment_id"`
	AmountCents       int64     `json:"amount_cents"`
	Currency          string    `json:"currency"`
	Reason            string    `json:"reason,omitempty"`
}

// Receive handles one provider delivery. The flow is signature check,
// envelope parse, schema validation, idempotency guard, dispatch, mark.
// A 5xx tells the provider to redeliver; anything the guard refuses gets a
// 200 so the provider stops retrying.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if provider == "" {
		http.Error(w, `{"error":"provider is required"}`, http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	if !h.validSignature(r.Header.Get(SignatureHeader), body) {
		h.Logger.Warn("webhook signature mismatch", "provider", provider)
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if env.EventID == "" || env.EventType == "" {
		http.Error(w, `{"error":"event_id and event_type are required"}`, http.StatusBadRequest)
		return
	}
	if err := h.Validator.Validate(env.EventType, env.Data); err != nil {
		if errors.Is(err, ErrValidation) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		// Unknown event type. Acknowledge so the provider stops resending;
		// nothing here can process it.
		h.Logger.Warn("unknown webhook event type", "provider", provider, "event_type", env.EventType)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	decision, event, err := h.Guard.Admit(r.Context(), provider, env.EventID, env.EventType, env.Data)
	if err != nil {
		h.Logger.Error("webhook admit failed", "provider", provider, "event_id", env.EventID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	switch decision {
	case DecisionAlreadyProcessed:
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
		return
	case DecisionExhausted:
		writeJSON(w, http.StatusOK, map[string]string{"status": "exhausted"})
		return
	}

	if err := h.dispatch(r.Context(), event); err != nil {
		h.Logger.Error("webhook dispatch failed",
			"provider", provider, "event_id", env.EventID, "event_type", env.EventType, "error", err)
		if markErr := h.Guard.MarkFailed(r.Context(), event, err.Error()); markErr != nil {
			h.Logger.Error("mark failed errored", "event_id", env.EventID, "error", markErr)
		}
		http.Error(w, `{"error":"processing failed"}`, http.StatusInternalServerError)
		return
	}
	if err := h.Guard.MarkProcessed(r.Context(), event); err != nil {
		h.Logger.Error("mark processed errored", "event_id", env.EventID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (h *Handler) dispatch(ctx context.Context, event *models.WebhookEvent) error {
	var data paymentEvent
	if err := json.Unmarshal(event.Payload, &data); err != nil {
		return err
	}

	switch event.EventType {
	case EventPaymentCaptured:
		rec, err := h.Escrow.GetByShiftPaymentID(ctx, data.ShiftPaymentID)
		if err != nil {
			return err
		}
		err = h.Escrow.Capture(ctx, rec.ID, data.ProviderPaymentID, &event.ID)
		if errors.Is(err, escrow.ErrInvalidState) {
			// Already captured by an earlier delivery or a manual action.
			h.Logger.Info("capture event on non-pending escrow, ignoring",
				"escrow_id", rec.ID, "event_id", event.EventID)
			return nil
		}
		return err
	case EventRefundCompleted:
		err := h.Escrow.ConfirmRefund(ctx, data.ShiftPaymentID, &event.ID)
		if errors.Is(err, escrow.ErrInvalidState) {
			h.Logger.Info("refund confirmation on non-refunded escrow, ignoring",
				"shift_payment_id", data.ShiftPaymentID, "event_id", event.EventID)
			return nil
		}
		return err
	case EventPaymentFailed, EventTransferFailed:
		// Nothing to book; the escrow stays where it is for manual review.
		h.Logger.Error("provider reported failure",
			"event_type", event.EventType, "shift_payment_id", data.ShiftPaymentID,
			"reason", data.Reason)
		return nil
	default:
		return errors.New("unhandled event type " + event.EventType)
	}
}

func (h *Handler) validSignature(header string, body []byte) bool {
	if h.Secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
