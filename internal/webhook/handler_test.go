package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/shiftstack-work/payments-backend/internal/escrow"
	"github.com/shiftstack-work/payments-backend/internal/models"
)

type mockEscrow struct {
	record      *models.EscrowRecord
	captureErr  error
	captured    []uuid.UUID
	captureEvts []*uuid.UUID
	confirmed   []uuid.UUID
}

func (m *mockEscrow) GetByShiftPaymentID(_ context.Context, shiftPaymentID uuid.UUID) (*models.EscrowRecord, error) {
	if m.record == nil || m.record.ShiftPaymentID != shiftPaymentID {
		return nil, escrow.ErrNotFound
	}
	return m.record, nil
}

func (m *mockEscrow) Capture(_ context.Context, id uuid.UUID, _ string, webhookEventID *uuid.UUID) error {
	if m.captureErr != nil {
		return m.captureErr
	}
	m.captured = append(m.captured, id)
	m.captureEvts = append(m.captureEvts, webhookEventID)
	return nil
}

func (m *mockEscrow) ConfirmRefund(_ context.Context, shiftPaymentID uuid.UUID, _ *uuid.UUID) error {
	m.confirmed = append(m.confirmed, shiftPaymentID)
	return nil
}

const testSecret = "whsec_test"

func newHandler(t *testing.T, es *mockEscrow) (*Handler, *memEventStore) {
	t.Helper()
	validator, err := NewValidator("../../schemas/webhooks")
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	store := newMemEventStore()
	return &Handler{
		Guard:     NewGuard(store, quietLogger()),
		Escrow:    es,
		Validator: validator,
		Secret:    testSecret,
		Logger:    quietLogger(),
	}, store
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func deliver(h *Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payprovider", bytes.NewReader([]byte(body)))
	req.SetPathValue("provider", "payprovider")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rr := httptest.NewRecorder()
	h.Receive(rr, req)
	return rr
}

func capturedBody(shiftPaymentID uuid.UUID, eventID string) string {
	return `{"event_id":"` + eventID + `","event_type":"payment.captured","data":{` +
		`"shift_payment_id":"` + shiftPaymentID.String() + `",` +
		`"provider_payment_id":"pay_123","amount_cents":10000,"currency":"USD"}}`
}

func TestReceiveCapturesEscrow(t *testing.T) {
	shiftID := uuid.New()
	es := &mockEscrow{record: &models.EscrowRecord{
		ID:             uuid.New(),
		ShiftPaymentID: shiftID,
		Status:         models.EscrowPending,
	}}
	h, _ := newHandler(t, es)

	body := capturedBody(shiftID, "evt-1")
	rr := deliver(h, body, sign(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if len(es.captured) != 1 || es.captured[0] != es.record.ID {
		t.Fatalf("captured = %v, want [%s]", es.captured, es.record.ID)
	}
	if es.captureEvts[0] == nil {
		t.Fatal("capture did not carry the webhook event id")
	}
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	h, _ := newHandler(t, &mockEscrow{})
	body := capturedBody(uuid.New(), "evt-1")

	rr := deliver(h, body, "deadbeef")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	rr = deliver(h, body, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature status = %d, want 401", rr.Code)
	}
}

func TestReceiveRejectsSchemaViolation(t *testing.T) {
	h, _ := newHandler(t, &mockEscrow{})
	// amount_cents must be a positive integer.
	body := `{"event_id":"evt-1","event_type":"payment.captured","data":{` +
		`"shift_payment_id":"` + uuid.NewString() + `",` +
		`"provider_payment_id":"pay_1","amount_cents":0,"currency":"USD"}}`

	rr := deliver(h, body, sign(body))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
}

func TestReceiveDuplicateDeliveryNoSecondCapture(t *testing.T) {
	shiftID := uuid.New()
	es := &mockEscrow{record: &models.EscrowRecord{
		ID:             uuid.New(),
		ShiftPaymentID: shiftID,
		Status:         models.EscrowPending,
	}}
	h, _ := newHandler(t, es)
	body := capturedBody(shiftID, "evt-dup")

	first := deliver(h, body, sign(body))
	second := deliver(h, body, sign(body))
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d/%d, want 200/200", first.Code, second.Code)
	}
	if !strings.Contains(second.Body.String(), "already_processed") {
		t.Fatalf("second delivery body = %s", second.Body.String())
	}
	if len(es.captured) != 1 {
		t.Fatalf("captured %d times, want 1", len(es.captured))
	}
}

func TestReceiveFailureMarksRetryable(t *testing.T) {
	shiftID := uuid.New()
	es := &mockEscrow{
		record: &models.EscrowRecord{ID: uuid.New(), ShiftPaymentID: shiftID},
	}
	es.captureErr = errors.New("ledger unavailable")
	h, store := newHandler(t, es)
	body := capturedBody(shiftID, "evt-flaky")

	rr := deliver(h, body, sign(body))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	event, err := store.GetByKey(context.Background(), "payprovider", "evt-flaky")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if event.Status != models.WebhookFailed {
		t.Fatalf("status = %s, want failed", event.Status)
	}

	// Redelivery retries and succeeds.
	es.captureErr = nil
	rr = deliver(h, body, sign(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body %s", rr.Code, rr.Body.String())
	}
	event, _ = store.GetByKey(context.Background(), "payprovider", "evt-flaky")
	if event.Status != models.WebhookProcessed || event.RetryCount != 1 {
		t.Fatalf("event = %s retries=%d, want processed/1", event.Status, event.RetryCount)
	}
}

func TestReceiveIgnoresUnknownEventType(t *testing.T) {
	h, _ := newHandler(t, &mockEscrow{})
	body := `{"event_id":"evt-1","event_type":"payout.created","data":{}}`

	rr := deliver(h, body, sign(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "ignored") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestReceiveCaptureOnHeldEscrowAcknowledged(t *testing.T) {
	shiftID := uuid.New()
	es := &mockEscrow{
		record:     &models.EscrowRecord{ID: uuid.New(), ShiftPaymentID: shiftID, Status: models.EscrowHeld},
		captureErr: escrow.ErrInvalidState,
	}
	h, store := newHandler(t, es)
	body := capturedBody(shiftID, "evt-late")

	rr := deliver(h, body, sign(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	event, _ := store.GetByKey(context.Background(), "payprovider", "evt-late")
	if event.Status != models.WebhookProcessed {
		t.Fatalf("event status = %s, want processed", event.Status)
	}
}
