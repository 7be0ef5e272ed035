package receipts

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/paymeter/paymeter/internal/idgen"
)

// Service implements receipt business logic.
type Service struct {
	store  Store
	signer *Signer
}

// NewService creates a receipt service. With a nil signer, Issue is a no-op
// and Verify reports signing as disabled.
func NewService(store Store, signer *Signer) *Service {
	return &Service{
		store:  store,
		signer: signer,
	}
}

// Issue signs and persists a receipt, returning it so the caller can link
// it to the payment record. Nil-safe: a nil service or disabled signer
// returns (nil, nil).
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Receipt, error) {
	if s == nil || s.signer == nil {
		return nil, nil
	}

	if req.Currency == "" {
		req.Currency = "USD"
	}
	if req.Status == "" {
		req.Status = StatusConfirmed
	}

	payload := receiptPayload{
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		MerchantID:  req.MerchantID,
		Rail:        string(req.Rail),
		SessionID:   req.SessionID,
		Status:      req.Status,
		TxHash:      req.TxHash,
		UserID:      req.UserID,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("receipts: failed to marshal payload: %w", err)
	}
	hash := sha256.Sum256(data)

	sig, issuedAt, expiresAt, err := s.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("receipts: failed to sign: %w", err)
	}

	receipt := &Receipt{
		ID:          idgen.WithPrefix(idgen.PrefixReceipt),
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		MerchantID:  req.MerchantID,
		Rail:        req.Rail,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Status:      req.Status,
		TxHash:      req.TxHash,
		PayloadHash: fmt.Sprintf("%x", hash),
		Signature:   sig,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.Create(ctx, receipt); err != nil {
		return nil, err
	}
	receiptsIssued.WithLabelValues(string(req.Rail)).Inc()
	return receipt, nil
}

// Get returns a receipt by ID.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.Get(ctx, id)
}

// ListBySession returns a session's receipts, newest first.
func (s *Service) ListBySession(ctx context.Context, sessionID string) ([]*Receipt, error) {
	return s.store.ListBySession(ctx, sessionID)
}

// ListByUser returns a user's receipts, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// Verify checks whether a stored receipt's signature still holds over its
// recorded fields.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResponse, error) {
	if s.signer == nil {
		return &VerifyResponse{
			Valid:     false,
			ReceiptID: receiptID,
			Error:     ErrSigningDisabled.Error(),
		}, nil
	}

	receipt, err := s.store.Get(ctx, receiptID)
	if err != nil {
		return &VerifyResponse{
			Valid:     false,
			ReceiptID: receiptID,
			Error:     ErrReceiptNotFound.Error(),
		}, nil
	}

	payload := receiptPayload{
		AmountCents: receipt.AmountCents,
		Currency:    receipt.Currency,
		MerchantID:  receipt.MerchantID,
		Rail:        string(receipt.Rail),
		SessionID:   receipt.SessionID,
		Status:      receipt.Status,
		TxHash:      receipt.TxHash,
		UserID:      receipt.UserID,
	}

	valid := s.signer.Verify(payload, receipt.Signature)
	resp := &VerifyResponse{
		Valid:     valid,
		ReceiptID: receiptID,
	}
	if valid && time.Now().After(receipt.ExpiresAt) {
		resp.Expired = true
	}
	if !valid {
		resp.Error = "signature verification failed"
	}
	return resp, nil
}
