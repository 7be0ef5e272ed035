package settle

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/paymeter/paymeter/internal/idgen"
	"github.com/paymeter/paymeter/pkg/x402"
)

// RequirementIssuer mints payment requirements and tracks their single-use
// nonces. A nonce is consumed the first time a proof presents it; replays
// and expired nonces are rejected.
type RequirementIssuer struct {
	payTo    string
	scheme   string
	currency string
	ttl      time.Duration

	mu   sync.Mutex
	open map[string]issuedNonce // nonce → challenge it belongs to
}

type issuedNonce struct {
	sessionID   string
	amountCents int64
	issuedAt    time.Time
}

// NewRequirementIssuer creates an issuer. payTo is the address payments are
// directed to; ttl bounds how long a challenge stays answerable.
func NewRequirementIssuer(payTo, scheme, currency string, ttl time.Duration) *RequirementIssuer {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RequirementIssuer{
		payTo:    payTo,
		scheme:   scheme,
		currency: currency,
		ttl:      ttl,
		open:     make(map[string]issuedNonce),
	}
}

// TTL returns how long issued requirements stay valid.
func (ri *RequirementIssuer) TTL() time.Duration {
	return ri.ttl
}

// Issue mints a requirement for one session's settlement amount.
func (ri *RequirementIssuer) Issue(sessionID string, amountCents int64) (*x402.PaymentRequirement, error) {
	nonce, err := secureNonce()
	if err != nil {
		return nil, err
	}

	ri.mu.Lock()
	ri.open[nonce] = issuedNonce{
		sessionID:   sessionID,
		amountCents: amountCents,
		issuedAt:    time.Now(),
	}
	ri.purgeLocked()
	ri.mu.Unlock()

	requirementsIssued.Inc()
	return &x402.PaymentRequirement{
		ID:          idgen.WithPrefix(idgen.PrefixRequirement),
		SessionID:   sessionID,
		AmountCents: amountCents,
		Currency:    ri.currency,
		PayTo:       ri.payTo,
		Scheme:      ri.scheme,
		Description: fmt.Sprintf("settlement for session %s", sessionID),
		ValidFor:    int64(ri.ttl.Seconds()),
		Nonce:       nonce,
	}, nil
}

// Consume redeems a nonce for a session. It succeeds at most once per
// nonce, and only while the challenge is fresh and bound to this session.
// The redeemed amount is returned so the payment matches the challenge
// even if the session's numbers moved in between.
func (ri *RequirementIssuer) Consume(nonce, sessionID string) (int64, bool) {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	issued, ok := ri.open[nonce]
	if !ok {
		return 0, false
	}
	delete(ri.open, nonce) // single use, even on mismatch
	if issued.sessionID != sessionID {
		return 0, false
	}
	if time.Since(issued.issuedAt) > ri.ttl {
		return 0, false
	}
	return issued.amountCents, true
}

// Describe rebuilds the requirement a consumed nonce was issued for, so
// facilitator calls carry the same terms the payer saw.
func (ri *RequirementIssuer) Describe(sessionID string, amountCents int64, nonce string) *x402.PaymentRequirement {
	return &x402.PaymentRequirement{
		SessionID:   sessionID,
		AmountCents: amountCents,
		Currency:    ri.currency,
		PayTo:       ri.payTo,
		Scheme:      ri.scheme,
		ValidFor:    int64(ri.ttl.Seconds()),
		Nonce:       nonce,
	}
}

// purgeLocked drops expired nonces. Caller holds ri.mu.
func (ri *RequirementIssuer) purgeLocked() {
	cutoff := time.Now().Add(-2 * ri.ttl)
	for nonce, issued := range ri.open {
		if issued.issuedAt.Before(cutoff) {
			delete(ri.open, nonce)
		}
	}
}

func secureNonce() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("settle: failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
