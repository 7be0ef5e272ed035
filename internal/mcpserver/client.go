package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the metering API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional bearer token when the API sits behind a gateway
}

// PaymeterClient is a pure HTTP client for the metering API.
type PaymeterClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewPaymeterClient creates a new client for the metering API.
func NewPaymeterClient(cfg Config) *PaymeterClient {
	return &PaymeterClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *PaymeterClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListSessions lists metered sessions for a merchant or a user,
// optionally filtered by status.
func (c *PaymeterClient) ListSessions(ctx context.Context, merchantID, userID, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if merchantID != "" {
		q.Set("merchant", merchantID)
	}
	if userID != "" {
		q.Set("user", userID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/api/v1/sessions", q, nil)
}

// GetSession returns a single session by ID.
func (c *PaymeterClient) GetSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID, nil, nil)
}

// GetSessionLedger returns the debit entries recorded for a session.
func (c *PaymeterClient) GetSessionLedger(ctx context.Context, sessionID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID+"/ledger", q, nil)
}

// StopSession stops the running session for a user/merchant pair and
// settles it from the user's wallet.
func (c *PaymeterClient) StopSession(ctx context.Context, userID, merchantID, reason string) (json.RawMessage, error) {
	body := map[string]string{
		"userId":     userID,
		"merchantId": merchantID,
		"reason":     reason,
		"rail":       "wallet",
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/sessions/stop", nil, body)
}

// GetBalance returns a user's wallet balance.
func (c *PaymeterClient) GetBalance(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/wallets/"+userID, nil, nil)
}

// CreditWallet credits a user's wallet directly.
func (c *PaymeterClient) CreditWallet(ctx context.Context, userID string, amountCents int64, reference string) (json.RawMessage, error) {
	body := map[string]any{
		"amountCents": amountCents,
	}
	if reference != "" {
		body["reference"] = reference
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/wallets/"+userID+"/topup", nil, body)
}

// GetTariff returns a merchant's rate card.
func (c *PaymeterClient) GetTariff(ctx context.Context, merchantID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/tariffs/"+merchantID, nil, nil)
}

// RunReconcile triggers an immediate reconcile pass and returns its report.
func (c *PaymeterClient) RunReconcile(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/admin/reconcile", nil, nil)
}
