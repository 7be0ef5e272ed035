// Package x402 implements the pay-to-unlock wire protocol: a server answers
// 402 Payment Required with a PaymentRequirement, the client settles it out
// of band and retries the request carrying a PaymentProof header.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Headers used by the protocol. The requirement rides in the 402 body and
// is mirrored into headers for clients that don't parse JSON.
const (
	HeaderAmount   = "X-Payment-Amount"
	HeaderCurrency = "X-Payment-Currency"
	HeaderPayTo    = "X-Payment-Address"
	HeaderNonce    = "X-Payment-Nonce"
	HeaderProof    = "X-Payment-Proof"
)

var txHashRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// PaymentRequirement is the body of a 402 response: what to pay, where,
// and the single-use nonce binding the payment to this challenge.
type PaymentRequirement struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId,omitempty"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	PayTo       string `json:"payTo"`
	Scheme      string `json:"scheme"`
	Description string `json:"description,omitempty"`
	ValidFor    int64  `json:"validFor,omitempty"` // seconds until the nonce expires
	Nonce       string `json:"nonce"`
}

// Validate checks the requirement is well-formed enough to pay.
func (r *PaymentRequirement) Validate() error {
	if r.AmountCents <= 0 {
		return fmt.Errorf("x402: amount must be positive, got %d", r.AmountCents)
	}
	if !common.IsHexAddress(r.PayTo) {
		return fmt.Errorf("x402: invalid pay-to address %q", r.PayTo)
	}
	if r.Nonce == "" {
		return fmt.Errorf("x402: requirement has no nonce")
	}
	return nil
}

// PaymentProof is what the client sends back: the transaction that paid the
// requirement, the payer, and the nonce it answers.
type PaymentProof struct {
	TxHash    string `json:"txHash"`
	From      string `json:"from"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// Validate checks the proof's shape. It says nothing about whether the
// transaction exists or moved money; only a facilitator can confirm that.
func (p *PaymentProof) Validate() error {
	if !txHashRe.MatchString(p.TxHash) {
		return fmt.Errorf("x402: invalid transaction hash %q", p.TxHash)
	}
	if !common.IsHexAddress(p.From) {
		return fmt.Errorf("x402: invalid payer address %q", p.From)
	}
	if p.Nonce == "" {
		return fmt.Errorf("x402: proof has no nonce")
	}
	if p.Timestamp <= 0 {
		return fmt.Errorf("x402: proof has no timestamp")
	}
	return nil
}

// Error is an x402 error response body.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response reports whether an HTTP response is a payment challenge.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParsePaymentRequirement extracts the requirement from a 402 response body.
func ParsePaymentRequirement(resp *http.Response) (*PaymentRequirement, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("x402: not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("x402: failed to read response: %w", err)
	}

	var req PaymentRequirement
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("x402: failed to parse payment requirement: %w", err)
	}
	return &req, nil
}

// NewProof creates a proof for a completed payment, stamped now.
func NewProof(txHash, from, nonce string) *PaymentProof {
	return &PaymentProof{
		TxHash:    txHash,
		From:      from,
		Nonce:     nonce,
		Timestamp: time.Now().Unix(),
	}
}

// ToHeader serializes the proof for the X-Payment-Proof header.
func (p *PaymentProof) ToHeader() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("x402: failed to marshal proof: %w", err)
	}
	return string(data), nil
}

// ParseProofHeader decodes an X-Payment-Proof header value.
func ParseProofHeader(value string) (*PaymentProof, error) {
	if value == "" {
		return nil, fmt.Errorf("x402: empty proof header")
	}
	var p PaymentProof
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return nil, fmt.Errorf("x402: failed to parse proof header: %w", err)
	}
	return &p, nil
}

// AddProofToRequest attaches the proof header to an outgoing request.
func AddProofToRequest(req *http.Request, proof *PaymentProof) error {
	header, err := proof.ToHeader()
	if err != nil {
		return err
	}
	req.Header.Set(HeaderProof, header)
	return nil
}

// ProofFromRequest reads the proof header from an incoming request, nil
// when the header is absent.
func ProofFromRequest(req *http.Request) (*PaymentProof, error) {
	value := req.Header.Get(HeaderProof)
	if value == "" {
		return nil, nil
	}
	return ParseProofHeader(value)
}
