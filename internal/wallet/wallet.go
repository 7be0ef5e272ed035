// Package wallet tracks prepaid user balances and the append-only entry
// ledger behind them.
//
// Flow:
//  1. User tops up (Stripe or direct credit) and the balance increases
//  2. The tick engine debits one tick at a time while a session runs
//  3. Settlement debits any remainder when a session stops
//
// Every debit is an atomic conditional decrement: it succeeds only if the
// resulting balance stays non-negative, and the entry recording it commits
// in the same transaction. Balances never go below zero.
package wallet

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/paymeter/paymeter/internal/idgen"
	"github.com/paymeter/paymeter/internal/traces"
)

var (
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrWalletNotFound    = errors.New("wallet: wallet not found")
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrDuplicateTick     = errors.New("wallet: tick already debited")
	ErrDuplicateCredit   = errors.New("wallet: credit already applied")
)

// Entry types.
const (
	EntryTick       = "tick"       // one tick debit, ordered by Seq within a session
	EntrySettlement = "settlement" // remainder collected at session stop
	EntryCredit     = "credit"     // top-up
)

// Balance is a snapshot of one user's wallet.
type Balance struct {
	UserID        string    `json:"userId"`
	BalanceCents  int64     `json:"balanceCents"`
	TotalInCents  int64     `json:"totalInCents"`
	TotalOutCents int64     `json:"totalOutCents"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Entry is one immutable ledger record. Tick entries carry the session and
// sequence number that produced them; the sum of a session's tick entries
// always equals the session's accumulated amount.
type Entry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	SessionID   string    `json:"sessionId,omitempty"`
	MerchantID  string    `json:"merchantId,omitempty"`
	Type        string    `json:"type"`
	Seq         int64     `json:"seq,omitempty"`
	AmountCents int64     `json:"amountCents"`
	Reference   string    `json:"reference,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists wallets and ledger entries.
type Store interface {
	// GetBalance returns the user's balance, zero-valued for users who have
	// never been credited.
	GetBalance(ctx context.Context, userID string) (*Balance, error)

	// Credit adds funds, creating the wallet on first use. When the entry
	// carries a reference that was already credited it returns
	// ErrDuplicateCredit without changing the balance.
	Credit(ctx context.Context, e *Entry) error

	// HasCredit reports whether a credit with this reference exists.
	HasCredit(ctx context.Context, reference string) (bool, error)

	// DebitForTick atomically inserts a tick entry and decrements the
	// balance. A duplicate (session, seq) pair returns ErrDuplicateTick; a
	// balance below the amount returns ErrInsufficientFunds. Either way the
	// wallet and ledger are left untouched.
	DebitForTick(ctx context.Context, e *Entry) error

	// DebitForSettlement atomically inserts a settlement entry and
	// decrements the balance, failing with ErrInsufficientFunds when the
	// balance cannot cover it.
	DebitForSettlement(ctx context.Context, e *Entry) error

	// SumTicksBySession returns the total tick amount and the highest tick
	// sequence recorded for a session. Both are 0 when no ticks exist.
	SumTicksBySession(ctx context.Context, sessionID string) (sumCents int64, maxSeq int64, err error)

	// ListBySession returns a session's entries in tick order.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*Entry, error)

	// ListByUser returns a user's entries, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error)
}

// Service implements wallet business logic over a Store.
type Service struct {
	store Store
}

// NewService creates a new wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// GetBalance returns the user's current balance. Unknown users get a
// zero-valued balance, not an error.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return s.store.GetBalance(ctx, userID)
}

// Credit adds amountCents to a user's wallet. Credits with a non-empty
// reference are idempotent: applying the same reference twice fails with
// ErrDuplicateCredit.
func (s *Service) Credit(ctx context.Context, userID string, amountCents int64, reference string) (_ *Entry, retErr error) {
	ctx, span := traces.StartSpan(ctx, "wallet.Credit",
		traces.UserID(userID),
		traces.AmountCents(amountCents),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	e := &Entry{
		ID:          idgen.WithPrefix(idgen.PrefixLedger),
		UserID:      userID,
		Type:        EntryCredit,
		AmountCents: amountCents,
		Reference:   reference,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Credit(ctx, e); err != nil {
		return nil, err
	}

	creditsTotal.Inc()
	creditAmount.Observe(float64(amountCents))
	return e, nil
}

// DebitTick takes one tick's worth of money from the user's wallet and
// records the entry, all-or-nothing. seq orders the entry within its
// session.
func (s *Service) DebitTick(ctx context.Context, sessionID, userID, merchantID string, seq, amountCents int64) (_ *Entry, retErr error) {
	ctx, span := traces.StartSpan(ctx, "wallet.DebitTick",
		traces.SessionID(sessionID),
		traces.TickSeq(seq),
		traces.AmountCents(amountCents),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if amountCents <= 0 || seq <= 0 {
		return nil, ErrInvalidAmount
	}

	e := &Entry{
		ID:          idgen.WithPrefix(idgen.PrefixLedger),
		UserID:      userID,
		SessionID:   sessionID,
		MerchantID:  merchantID,
		Type:        EntryTick,
		Seq:         seq,
		AmountCents: amountCents,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.DebitForTick(ctx, e); err != nil {
		observeDebit(EntryTick, err)
		return nil, err
	}

	observeDebit(EntryTick, nil)
	debitAmount.Observe(float64(amountCents))
	return e, nil
}

// DebitSettlement collects a settlement remainder from the user's wallet.
// reference links the entry to its payment record.
func (s *Service) DebitSettlement(ctx context.Context, sessionID, userID, merchantID string, amountCents int64, reference string) (_ *Entry, retErr error) {
	ctx, span := traces.StartSpan(ctx, "wallet.DebitSettlement",
		traces.SessionID(sessionID),
		traces.AmountCents(amountCents),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	e := &Entry{
		ID:          idgen.WithPrefix(idgen.PrefixLedger),
		UserID:      userID,
		SessionID:   sessionID,
		MerchantID:  merchantID,
		Type:        EntrySettlement,
		AmountCents: amountCents,
		Reference:   reference,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.DebitForSettlement(ctx, e); err != nil {
		observeDebit(EntrySettlement, err)
		return nil, err
	}

	observeDebit(EntrySettlement, nil)
	debitAmount.Observe(float64(amountCents))
	return e, nil
}

// SessionTotal returns the ledger-derived amount collected for a session so
// far and the highest tick sequence seen.
func (s *Service) SessionTotal(ctx context.Context, sessionID string) (int64, int64, error) {
	return s.store.SumTicksBySession(ctx, sessionID)
}

// SessionLedger returns a session's entries in tick order.
func (s *Service) SessionLedger(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.store.ListBySession(ctx, sessionID, limit)
}

// History returns a user's most recent entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// CanCover reports whether the user's balance covers amountCents. Not a
// debit guard (check-then-act races); it exists for advisory checks like
// resume eligibility.
func (s *Service) CanCover(ctx context.Context, userID string, amountCents int64) (bool, error) {
	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return bal.BalanceCents >= amountCents, nil
}
