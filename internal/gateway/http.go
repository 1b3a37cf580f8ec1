package gateway

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

// HTTPClient creates intents against a provider REST endpoint
// (POST {BaseURL}/v1/payment_intents) and forwards the idempotency key as the
// Idempotency-Key header so a retried request maps to the same intent.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

type createIntentBody struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type intentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

func (c *HTTPClient) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	body, err := json.Marshal(createIntentBody{
		Amount:   req.AmountCents,
		Currency: strings.ToLower(req.Currency),
		Metadata: req.Metadata,
	})
	if err != nil {
		return Intent{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/payment_intents", bytes.NewReader(body))
	if err != nil {
		return Intent{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Intent{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Intent{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return Intent{}, fmt.Errorf("gateway rejected intent: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out intentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	if out.ID == "" || out.ClientSecret == "" {
		return Intent{}, fmt.Errorf("gateway returned an incomplete intent")
	}
	return Intent{ID: out.ID, ClientSecret: out.ClientSecret, Status: out.Status}, nil
}
