package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/shiftstack-work/payments-backend/internal/auth"
	"github.com/shiftstack-work/payments-backend/internal/models"
)

type fakeKeyLookup struct {
	byHash map[string]*models.APIKey
}

func (f *fakeKeyLookup) FindByKeyHash(_ context.Context, keyHash string) (*models.APIKey, error) {
	if k, ok := f.byHash[keyHash]; ok {
		return k, nil
	}
	return nil, auth.ErrNotFound
}

func TestAPIKeyAuthAcceptsValidKey(t *testing.T) {
	raw := "shfk_testkey"
	key := &models.APIKey{ID: uuid.New(), ServiceName: "shift-service"}
	lookup := &fakeKeyLookup{byHash: map[string]*models.APIKey{auth.HashKey(raw): key}}

	var got *models.APIKey
	handler := APIKeyAuth(lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ServiceFromCtx(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/x", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || got.ServiceName != "shift-service" {
		t.Fatalf("service from ctx = %+v, want shift-service", got)
	}
}

func TestAPIKeyAuthRejectsUnknownAndMissing(t *testing.T) {
	lookup := &fakeKeyLookup{byHash: map[string]*models.APIKey{}}
	handler := APIKeyAuth(lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	for _, header := range []string{"", "Bearer nope", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/escrows/x", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rec.Code)
		}
	}
}

type fakeTokens struct {
	id  uuid.UUID
	err error
}

func (f *fakeTokens) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	return f.id, nil
}

func TestOperatorAuthSetsOperatorID(t *testing.T) {
	opID := uuid.New()
	var got uuid.UUID
	handler := OperatorAuth(&fakeTokens{id: opID})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = OperatorFromCtx(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/ops/settlements/run", nil)
	req.Header.Set("Authorization", "Bearer sometoken")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got != opID {
		t.Fatalf("operator from ctx = %s, want %s", got, opID)
	}
}

func TestOperatorAuthRejectsBadToken(t *testing.T) {
	handler := OperatorAuth(&fakeTokens{err: errors.New("expired")})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/ops/settlements/run", nil)
	req.Header.Set("Authorization", "Bearer expiredtoken")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
