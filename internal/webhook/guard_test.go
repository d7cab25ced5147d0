package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shiftstack-work/payments-backend/internal/models"
)

type memEventStore struct {
	mu     sync.Mutex
	events map[string]*models.WebhookEvent
}

func newMemEventStore() *memEventStore {
	return &memEventStore{events: make(map[string]*models.WebhookEvent)}
}

func key(provider, eventID string) string { return provider + "|" + eventID }

func (m *memEventStore) Insert(_ context.Context, e *models.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(e.Provider, e.EventID)
	if _, ok := m.events[k]; ok {
		return false, nil
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.UpdatedAt = time.Now()
	cp := *e
	m.events[k] = &cp
	return true, nil
}

func (m *memEventStore) GetByKey(_ context.Context, provider, eventID string) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[key(provider, eventID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memEventStore) ClaimRetry(_ context.Context, provider, eventID string) (*models.WebhookEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[key(provider, eventID)]
	if !ok || e.RetryCount >= models.MaxWebhookRetries {
		return nil, false, nil
	}
	stale := (e.Status == models.WebhookProcessing || e.Status == models.WebhookPending) &&
		time.Since(e.UpdatedAt) >= models.WebhookStaleClaimAfter
	if e.Status != models.WebhookFailed && !stale {
		return nil, false, nil
	}
	e.Status = models.WebhookProcessing
	e.RetryCount++
	e.UpdatedAt = time.Now()
	cp := *e
	return &cp, true, nil
}

func (m *memEventStore) MarkProcessed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			e.Status = models.WebhookProcessed
			e.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (m *memEventStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			e.Status = models.WebhookFailed
			e.LastError = &reason
			e.UpdatedAt = time.Now()
		}
	}
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func payload() json.RawMessage {
	return json.RawMessage(`{"shift_payment_id":"7b4f9c6e-1111-4222-8333-444455556666"}`)
}

func TestAdmitFirstDeliveryProcesses(t *testing.T) {
	g := NewGuard(newMemEventStore(), quietLogger())

	decision, event, err := g.Admit(context.Background(), "payprovider", "evt-1", EventPaymentCaptured, payload())
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if decision != DecisionProcess {
		t.Fatalf("decision = %s, want process", decision)
	}
	if event == nil || event.ID == uuid.Nil {
		t.Fatal("event row missing")
	}
}

func TestAdmitDuplicateOfProcessed(t *testing.T) {
	store := newMemEventStore()
	g := NewGuard(store, quietLogger())
	ctx := context.Background()

	_, event, err := g.Admit(ctx, "payprovider", "evt-1", EventPaymentCaptured, payload())
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := g.MarkProcessed(ctx, event); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	decision, _, err := g.Admit(ctx, "payprovider", "evt-1", EventPaymentCaptured, payload())
	if err != nil {
		t.Fatalf("second Admit: %v", err)
	}
	if decision != DecisionAlreadyProcessed {
		t.Fatalf("decision = %s, want already_processed", decision)
	}
}

func TestAdmitConcurrentDeliveriesOneWinner(t *testing.T) {
	g := NewGuard(newMemEventStore(), quietLogger())
	ctx := context.Background()

	const deliveries = 8
	decisions := make([]Decision, deliveries)
	var wg sync.WaitGroup
	for i := range decisions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, _, err := g.Admit(ctx, "payprovider", "evt-race", EventPaymentCaptured, payload())
			if err != nil {
				t.Errorf("Admit: %v", err)
				return
			}
			decisions[i] = d
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, d := range decisions {
		switch d {
		case DecisionProcess:
			winners++
		case DecisionAlreadyProcessed:
		default:
			t.Fatalf("unexpected decision %s", d)
		}
	}
	if winners != 1 {
		t.Fatalf("%d deliveries won processing, want exactly 1", winners)
	}
}

func TestAdmitRetriesFailedUntilCap(t *testing.T) {
	store := newMemEventStore()
	g := NewGuard(store, quietLogger())
	ctx := context.Background()

	_, event, err := g.Admit(ctx, "payprovider", "evt-flaky", EventPaymentCaptured, payload())
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	for attempt := 1; attempt <= models.MaxWebhookRetries; attempt++ {
		if err := g.MarkFailed(ctx, event, "downstream unavailable"); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		decision, claimed, err := g.Admit(ctx, "payprovider", "evt-flaky", EventPaymentCaptured, payload())
		if err != nil {
			t.Fatalf("Admit attempt %d: %v", attempt, err)
		}
		if decision != DecisionRetry {
			t.Fatalf("attempt %d decision = %s, want retry", attempt, decision)
		}
		if claimed.RetryCount != attempt {
			t.Fatalf("attempt %d retry_count = %d", attempt, claimed.RetryCount)
		}
		event = claimed
	}

	// The cap is reached; one more failure exhausts the event.
	if err := g.MarkFailed(ctx, event, "still failing"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	decision, _, err := g.Admit(ctx, "payprovider", "evt-flaky", EventPaymentCaptured, payload())
	if err != nil {
		t.Fatalf("final Admit: %v", err)
	}
	if decision != DecisionExhausted {
		t.Fatalf("decision = %s, want exhausted", decision)
	}
}

// backdate shifts an event's updated_at into the past, simulating a claimant
// that died without marking an outcome.
func (m *memEventStore) backdate(provider, eventID string, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[key(provider, eventID)]; ok {
		e.UpdatedAt = e.UpdatedAt.Add(-by)
	}
}

func TestAdmitReclaimsStaleProcessingClaim(t *testing.T) {
	store := newMemEventStore()
	g := NewGuard(store, quietLogger())
	ctx := context.Background()

	decision, _, err := g.Admit(ctx, "payprovider", "evt-crash", EventPaymentCaptured, payload())
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if decision != DecisionProcess {
		t.Fatalf("decision = %s, want process", decision)
	}
	// No Mark call: the handler crashed mid-processing.

	// A prompt redelivery must not steal a live claim.
	decision, _, err = g.Admit(ctx, "payprovider", "evt-crash", EventPaymentCaptured, payload())
	if err != nil {
		t.Fatalf("prompt redelivery: %v", err)
	}
	if decision != DecisionAlreadyProcessed {
		t.Fatalf("prompt redelivery decision = %s, want already_processed", decision)
	}

	store.backdate("payprovider", "evt-crash", models.WebhookStaleClaimAfter+5*time.Minute)

	decision, claimed, err := g.Admit(ctx, "payprovider", "evt-crash", EventPaymentCaptured, payload())
	if err != nil {
		t.Fatalf("late redelivery: %v", err)
	}
	if decision != DecisionRetry {
		t.Fatalf("late redelivery decision = %s, want retry", decision)
	}
	if claimed.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", claimed.RetryCount)
	}
	if claimed.Status != models.WebhookProcessing {
		t.Fatalf("status = %s, want processing", claimed.Status)
	}
}

func TestAdmitDistinctEventsIndependent(t *testing.T) {
	g := NewGuard(newMemEventStore(), quietLogger())
	ctx := context.Background()

	d1, _, _ := g.Admit(ctx, "payprovider", "evt-a", EventPaymentCaptured, payload())
	d2, _, _ := g.Admit(ctx, "payprovider", "evt-b", EventPaymentCaptured, payload())
	d3, _, _ := g.Admit(ctx, "otherprovider", "evt-a", EventPaymentCaptured, payload())
	if d1 != DecisionProcess || d2 != DecisionProcess || d3 != DecisionProcess {
		t.Fatalf("decisions = %s/%s/%s, want all process", d1, d2, d3)
	}
}
