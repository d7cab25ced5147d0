// Package providerclient is an HTTP client for the payment provider's
// transfer and refund endpoints. Every call is bounded by the client timeout;
// a timeout means unknown outcome, and callers must reconcile through the
// status endpoints before attempting the money movement again.
package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrTimeout is returned when a provider call did not complete within the
// deadline. The outcome is unknown: the transfer may or may not exist.
var ErrTimeout = errors.New("provider call timed out")

// ErrNotFound is returned by status lookups when the provider has no record
// for the idempotency key, meaning the original call never took effect.
var ErrNotFound = errors.New("provider has no record for key")

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error %d: %s %s", e.StatusCode, e.Code, e.Message)
}

// Transfer statuses reported by the provider.
const (
	TransferPending   = "pending"
	TransferSucceeded = "succeeded"
	TransferFailed    = "failed"
)

// TransferRequest initiates a transfer of held funds. IdempotencyKey makes
// repeated submissions safe; the provider returns the original transfer for
// a repeated key.
type TransferRequest struct {
	IdempotencyKey     string `json:"idempotency_key"`
	SourcePaymentID    string `json:"source_payment_id,omitempty"`
	DestinationAccount string `json:"destination_account"`
	AmountCents        int64  `json:"amount_cents"`
	Currency           string `json:"currency"`
	Description        string `json:"description,omitempty"`
}

// Transfer is the provider's view of a transfer.
type Transfer struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// RefundRequest reverses a captured payment, fully or partially.
type RefundRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	PaymentID      string `json:"payment_id"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	Reason         string `json:"reason,omitempty"`
}

// Refund is the provider's view of a refund.
type Refund struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount_cents"`
}

// Client talks to the provider API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a provider client with the given call timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// CreateTransfer initiates a payout/release transfer.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	var out Transfer
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransferStatus looks a transfer up by idempotency key. Used to reconcile
// unknown-outcome calls before any compensating action.
func (c *Client) GetTransferStatus(ctx context.Context, idempotencyKey string) (*Transfer, error) {
	var out Transfer
	path := "/v1/transfers/by-key/" + url.PathEscape(idempotencyKey)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRefund initiates a refund against a captured payment.
func (c *Client) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	var out Refund
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRefundStatus looks a refund up by idempotency key.
func (c *Client) GetRefundStatus(ctx context.Context, idempotencyKey string) (*Refund, error) {
	var out Refund
	path := "/v1/refunds/by-key/" + url.PathEscape(idempotencyKey)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal provider request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return fmt.Errorf("provider call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode provider response: %w", err)
		}
	}
	return nil
}

func isClientTimeout(err error) bool {
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout()
}
