package settle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/paymeter/paymeter/internal/circuitbreaker"
	"github.com/paymeter/paymeter/internal/retry"
	"github.com/paymeter/paymeter/pkg/x402"
)

// Facilitator confirms and executes external payments. Verify is a dry run
// and may be retried freely; Settle moves money and is called exactly once
// per proof.
type Facilitator interface {
	Verify(ctx context.Context, req *x402.PaymentRequirement, proof *x402.PaymentProof) error
	Settle(ctx context.Context, req *x402.PaymentRequirement, proof *x402.PaymentProof) (txHash string, err error)
}

const breakerKey = "facilitator"

// HTTPFacilitator talks to an x402 facilitator service over HTTP. A
// circuit breaker stops hammering a facilitator that is down.
type HTTPFacilitator struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewHTTPFacilitator creates a facilitator client with a per-call timeout.
func NewHTTPFacilitator(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPFacilitator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFacilitator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

// facilitatorCall is the request body for both endpoints.
type facilitatorCall struct {
	Requirement *x402.PaymentRequirement `json:"requirement"`
	Proof       *x402.PaymentProof       `json:"proof"`
}

type facilitatorResult struct {
	Valid   bool   `json:"valid"`
	Settled bool   `json:"settled"`
	TxHash  string `json:"txHash"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Verify asks the facilitator to dry-run the payment. Transient failures
// are retried with backoff; a rejection is permanent.
func (f *HTTPFacilitator) Verify(ctx context.Context, req *x402.PaymentRequirement, proof *x402.PaymentProof) error {
	return retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		result, err := f.post(ctx, "/verify", req, proof)
		if err != nil {
			return err
		}
		if !result.Valid {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrVerifyFailed, result.reason()))
		}
		return nil
	})
}

// Settle asks the facilitator to execute the payment. Never retried here:
// settlement moves money, and a timeout leaves us unsure whether it moved.
// The caller degrades to an unconfirmed record instead.
func (f *HTTPFacilitator) Settle(ctx context.Context, req *x402.PaymentRequirement, proof *x402.PaymentProof) (string, error) {
	result, err := f.post(ctx, "/settle", req, proof)
	if err != nil {
		return "", err
	}
	if !result.Settled {
		return "", fmt.Errorf("%w: %s", ErrVerifyFailed, result.reason())
	}
	txHash := result.TxHash
	if txHash == "" {
		txHash = proof.TxHash
	}
	return txHash, nil
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, req *x402.PaymentRequirement, proof *x402.PaymentProof) (*facilitatorResult, error) {
	if !f.breaker.Allow(breakerKey) {
		return nil, retry.Permanent(fmt.Errorf("settle: facilitator circuit open"))
	}

	body, err := json.Marshal(facilitatorCall{Requirement: req, Proof: proof})
	if err != nil {
		return nil, retry.Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		f.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("settle: facilitator unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		f.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("settle: failed to read facilitator response: %w", err)
	}

	if resp.StatusCode >= 500 {
		f.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("settle: facilitator returned %d", resp.StatusCode)
	}
	f.breaker.RecordSuccess(breakerKey)

	var result facilitatorResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, retry.Permanent(fmt.Errorf("settle: malformed facilitator response: %w", err))
	}

	// 4xx is the facilitator rejecting the payment itself.
	if resp.StatusCode >= 400 {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrVerifyFailed, result.reason()))
	}
	return &result, nil
}

func (r *facilitatorResult) reason() string {
	if r.Message != "" {
		return r.Message
	}
	if r.Error != "" {
		return r.Error
	}
	return "no reason given"
}

var _ Facilitator = (*HTTPFacilitator)(nil)
