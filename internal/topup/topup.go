// Package topup credits wallets from payment providers.
//
// Two entry points feed the same wallet credit primitive: the Stripe
// checkout webhook (signature-verified, idempotent by the Stripe event
// id) and a direct credit endpoint for kiosk and cash flows.
package topup

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v81"
	"go.opentelemetry.io/otel/codes"

	"github.com/paymeter/paymeter/internal/traces"
	"github.com/paymeter/paymeter/internal/wallet"
)

var (
	// ErrNoUser means the checkout session carries no user reference.
	// Retrying the event cannot fix this.
	ErrNoUser = errors.New("topup: checkout session has no user reference")

	// ErrNoAmount means the checkout session has no positive amount.
	ErrNoAmount = errors.New("topup: checkout session has no positive amount")
)

// Service applies top-ups to wallets.
type Service struct {
	wallet *wallet.Service
}

// NewService creates a new top-up service.
func NewService(w *wallet.Service) *Service {
	return &Service{wallet: w}
}

// ApplyStripeCheckout credits the wallet for one completed Stripe
// checkout session. The user comes from the checkout's client reference
// id (or the "userId" metadata key), the amount from AmountTotal, and
// the credit reference from the Stripe event id so redelivered events
// fail with wallet.ErrDuplicateCredit instead of double-crediting.
func (s *Service) ApplyStripeCheckout(ctx context.Context, eventID string, cs *stripe.CheckoutSession) (_ *wallet.Entry, retErr error) {
	ctx, span := traces.StartSpan(ctx, "topup.ApplyStripeCheckout")
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	userID := cs.ClientReferenceID
	if userID == "" {
		userID = cs.Metadata["userId"]
	}
	if userID == "" {
		return nil, ErrNoUser
	}
	if cs.AmountTotal <= 0 {
		return nil, ErrNoAmount
	}

	return s.wallet.Credit(ctx, userID, cs.AmountTotal, "stripe:"+eventID)
}

// Direct credits a wallet outside Stripe, for kiosk and cash flows. A
// non-empty reference makes the credit idempotent; callers replaying
// the same reference get wallet.ErrDuplicateCredit.
func (s *Service) Direct(ctx context.Context, userID string, amountCents int64, reference string) (_ *wallet.Entry, retErr error) {
	ctx, span := traces.StartSpan(ctx, "topup.Direct",
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

	return s.wallet.Credit(ctx, userID, amountCents, reference)
}

// Balance returns the user's wallet balance after a credit, for the
// handler's response body.
func (s *Service) Balance(ctx context.Context, userID string) (*wallet.Balance, error) {
	return s.wallet.GetBalance(ctx, userID)
}
