// Package receipts issues signed settlement receipts.
//
// Every settled session produces an HMAC-signed receipt naming the user,
// the merchant, the amount, and the rail the money moved on. Anyone holding
// the signing secret can verify a receipt offline; the verify endpoint does
// it server-side for everyone else.
package receipts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no HMAC secret configured)")
)

// Rail identifies how the settlement money moved.
type Rail string

const (
	RailWallet   Rail = "wallet"   // debited from the prepaid wallet
	RailExternal Rail = "external" // settled via the x402 facilitator
)

// Receipt statuses.
const (
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Receipt is a signed proof that a session was settled.
type Receipt struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	MerchantID  string    `json:"merchantId"`
	Rail        Rail      `json:"rail"`
	AmountCents int64     `json:"amountCents"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	TxHash      string    `json:"txHash,omitempty"` // external rail only
	PayloadHash string    `json:"payloadHash"`      // SHA-256 of the canonical payload
	Signature   string    `json:"signature"`        // HMAC-SHA256 over the canonical payload
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IssueRequest is the input for creating a receipt.
type IssueRequest struct {
	SessionID   string
	UserID      string
	MerchantID  string
	Rail        Rail
	AmountCents int64
	Currency    string
	Status      string
	TxHash      string
}

// VerifyRequest is the input for verifying a receipt signature.
type VerifyRequest struct {
	ReceiptID string `json:"receiptId" binding:"required"`
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipts.
type Store interface {
	Create(ctx context.Context, receipt *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	ListBySession(ctx context.Context, sessionID string) ([]*Receipt, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Receipt, error)
}

// receiptPayload is the canonical struct the HMAC covers. Fields are
// alphabetical so the marshalled bytes are deterministic.
type receiptPayload struct {
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	MerchantID  string `json:"merchantId"`
	Rail        string `json:"rail"`
	SessionID   string `json:"sessionId"`
	Status      string `json:"status"`
	TxHash      string `json:"txHash"`
	UserID      string `json:"userId"`
}
