package x402

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Payer settles one requirement out of band and returns the proof. How the
// money actually moves (on-chain transfer, custodial API, test stub) is the
// caller's business.
type Payer func(ctx context.Context, req *PaymentRequirement) (*PaymentProof, error)

// Client wraps http.Client with automatic 402 handling: when a request
// comes back 402 it pays the requirement through the Payer and retries with
// the proof attached.
type Client struct {
	httpClient *http.Client
	payer      Payer

	MaxRetries     int   // payment retries per request (default 1)
	AutoPay        bool  // pay 402s automatically (default true)
	MaxAmountCents int64 // refuse requirements above this, 0 = unlimited

	// OnPayment is called after each successful payment, before the retry.
	OnPayment func(req *PaymentRequirement, proof *PaymentProof)
}

// NewClient creates an x402-enabled HTTP client.
func NewClient(payer Payer) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		payer:      payer,
		MaxRetries: 1,
		AutoPay:    true,
	}
}

// Do performs an HTTP request with automatic 402 payment handling.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoContext(req.Context(), req)
}

// DoContext performs an HTTP request with context and automatic 402 handling.
func (c *Client) DoContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	// Buffer the body so a 402 retry can replay it.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("x402: failed to read request body: %w", err)
		}
		_ = req.Body.Close()
	}

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("x402: request failed: %w", err)
		}

		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}
		if !c.AutoPay {
			return resp, nil
		}

		payReq, err := ParsePaymentRequirement(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if err := payReq.Validate(); err != nil {
			return nil, err
		}
		if c.MaxAmountCents > 0 && payReq.AmountCents > c.MaxAmountCents {
			return nil, fmt.Errorf("x402: requirement of %d cents exceeds limit of %d",
				payReq.AmountCents, c.MaxAmountCents)
		}

		if c.payer == nil {
			return nil, fmt.Errorf("x402: got a 402 but no payer is configured")
		}
		proof, err := c.payer(ctx, payReq)
		if err != nil {
			return nil, fmt.Errorf("x402: payment failed: %w", err)
		}

		if c.OnPayment != nil {
			c.OnPayment(payReq, proof)
		}

		if err := AddProofToRequest(req, proof); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("x402: max payment retries exceeded")
}

// Get performs a GET request with automatic 402 handling.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.DoContext(ctx, req)
}
