// Package settle closes the money loop on stopped sessions.
//
// A stopped session owes its frozen final amount. Settlement collects it on
// one of two rails:
//
//   - wallet: the remainder not already collected by per-tick debits is
//     taken from the user's prepaid wallet
//   - external: the caller pays out of band via the x402 pay-to-unlock
//     handshake — a 402 challenge carrying a PaymentRequirement, answered
//     with a PaymentProof that a facilitator verifies and settles
//
// Either way the session moves stopped → paid, at most one PaymentRecord
// exists per session, and a signed receipt is issued. When the facilitator
// accepts a payment but the confirmation step fails, the record is kept
// unconfirmed and the reconciliation sweep re-flags it instead of risking a
// double charge.
package settle

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPaymentNotFound = errors.New("settle: payment not found")
	ErrPaymentExists   = errors.New("settle: session already has a payment record")
	ErrNotStopped      = errors.New("settle: session is not stopped")
	ErrRailUnavailable = errors.New("settle: external rail not configured")
	ErrInvalidProof    = errors.New("settle: invalid payment proof")
	ErrNonceInvalid    = errors.New("settle: unknown, reused, or expired nonce")
	ErrVerifyFailed    = errors.New("settle: facilitator rejected the payment")
)

// Rail identifies how settlement money moves.
type Rail string

const (
	RailWallet   Rail = "wallet"
	RailExternal Rail = "external"
)

// Payment record statuses. Unconfirmed means the facilitator settled the
// payment but the final confirmation didn't land; the reconciliation sweep
// picks these up.
const (
	StatusConfirmed   = "confirmed"
	StatusUnconfirmed = "unconfirmed"
)

// PaymentRecord is the single settlement record of a session.
type PaymentRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	MerchantID  string    `json:"merchantId"`
	Rail        Rail      `json:"rail"`
	AmountCents int64     `json:"amountCents"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	TxHash      string    `json:"txHash,omitempty"`    // external rail
	PayerAddr   string    `json:"payerAddr,omitempty"` // external rail
	ReceiptID   string    `json:"receiptId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists payment records.
type Store interface {
	// Create inserts a record, failing with ErrPaymentExists when the
	// session already has one. This is the at-most-one guarantee.
	Create(ctx context.Context, p *PaymentRecord) error

	Get(ctx context.Context, id string) (*PaymentRecord, error)

	// GetBySession returns the session's record, ErrPaymentNotFound when
	// the session was never settled.
	GetBySession(ctx context.Context, sessionID string) (*PaymentRecord, error)

	// MarkConfirmed moves a record to confirmed and attaches the receipt.
	MarkConfirmed(ctx context.Context, id, txHash, receiptID string) error

	// ListUnconfirmed returns records awaiting confirmation, oldest first.
	ListUnconfirmed(ctx context.Context, limit int) ([]*PaymentRecord, error)
}

// SettleRequest asks the mediator to settle one stopped session.
type SettleRequest struct {
	SessionID string `json:"-"`
	Rail      Rail   `json:"rail"`
}

// StopRequest stops the running session of a (user, merchant) pair and
// settles it in the same call.
type StopRequest struct {
	UserID     string `json:"userId" binding:"required"`
	MerchantID string `json:"merchantId" binding:"required"`
	Reason     string `json:"reason"`
	Rail       Rail   `json:"rail"`
}
