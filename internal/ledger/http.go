package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient is a JSON client for a hosted processor.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type createIntentRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	CustomerRef string `json:"customer_ref"`
}

type refundRequest struct {
	IntentRef string `json:"intent_ref"`
	Amount    int64  `json:"amount"`
}

type transferRequest struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

type refResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *HTTPClient) CreateIntent(ctx context.Context, amount int64, currency, customerRef, key string) (string, error) {
	return c.post(ctx, "/intents", kindIntent, key, createIntentRequest{
		Amount:      amount,
		Currency:    currency,
		CustomerRef: customerRef,
	})
}

func (c *HTTPClient) Refund(ctx context.Context, intentRef string, amount int64, key string) (string, error) {
	return c.post(ctx, "/refunds", kindRefund, key, refundRequest{IntentRef: intentRef, Amount: amount})
}

func (c *HTTPClient) Transfer(ctx context.Context, destination string, amount int64, currency, key string) (string, error) {
	return c.post(ctx, "/transfers", kindTransfer, key, transferRequest{
		Destination: destination,
		Amount:      amount,
		Currency:    currency,
	})
}

func (c *HTTPClient) post(ctx context.Context, path, op, key string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read %s response: %v", ErrUnavailable, op, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: %s status %d", ErrUnavailable, op, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrNotFound
	case resp.StatusCode >= 400:
		var apiErr errorResponse
		reason := fmt.Sprintf("status %d", resp.StatusCode)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			reason = apiErr.Error.Message
		}
		return "", &DeclinedError{Op: op, Reason: reason}
	}

	var out refResponse
	if err := json.Unmarshal(respBody, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("%w: malformed %s response", ErrUnavailable, op)
	}
	return out.ID, nil
}
