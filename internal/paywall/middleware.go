// Package paywall gates session start behind a token x402 payment.
//
// The probe reuses the settlement rail's requirement/proof/verify flow
// with a nominal amount from the merchant's tariff: a client without a
// proof gets a 402 challenge, pays it out of band, and retries the
// start request with the proof header. It filters out callers who can't
// complete an external payment at all before any metering state exists.
//
// Disabled by default; the server mounts it per-route when configured.
package paywall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/paymeter/paymeter/internal/logging"
	"github.com/paymeter/paymeter/internal/settle"
	"github.com/paymeter/paymeter/internal/tariff"
	"github.com/paymeter/paymeter/pkg/x402"
)

// DefaultProbeCents is charged when the merchant's tariff sets no probe
// amount.
const DefaultProbeCents = 1

const maxProbeBody = 64 * 1024

var probesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "paymeter",
	Subsystem: "paywall",
	Name:      "probes_total",
	Help:      "Total start-probe outcomes.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(probesTotal)
}

// TariffReader resolves a merchant's probe amount.
type TariffReader interface {
	Get(ctx context.Context, merchantID string) (*tariff.Tariff, error)
}

// Prober issues and verifies start-probe challenges. It shares the
// settlement rail's issuer and facilitator but binds its nonces to the
// merchant, not a session: no session exists yet at probe time.
type Prober struct {
	issuer       *settle.RequirementIssuer
	fac          settle.Facilitator
	tariffs      TariffReader
	defaultCents int64
}

// NewProber creates a start prober. defaultCents falls back to
// DefaultProbeCents when non-positive.
func NewProber(issuer *settle.RequirementIssuer, fac settle.Facilitator, tariffs TariffReader, defaultCents int64) *Prober {
	if defaultCents <= 0 {
		defaultCents = DefaultProbeCents
	}
	return &Prober{
		issuer:       issuer,
		fac:          fac,
		tariffs:      tariffs,
		defaultCents: defaultCents,
	}
}

// probeScope namespaces probe nonces away from settlement nonces.
func probeScope(merchantID string) string {
	return "probe:" + merchantID
}

// Middleware returns the gin middleware for the session start route.
func (p *Prober) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		merchantID, ok := p.peekMerchant(c)
		if !ok {
			// Malformed body; let the handler produce its own 400.
			c.Next()
			return
		}

		proof, err := x402.ProofFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payment_proof",
				"message": err.Error(),
			})
			return
		}
		if proof == nil {
			p.challenge(c, merchantID)
			return
		}
		p.verify(c, merchantID, proof)
	}
}

// peekMerchant reads the merchant id out of the body without consuming
// it for the downstream handler.
func (p *Prober) peekMerchant(c *gin.Context) (string, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxProbeBody))
	if err != nil {
		return "", false
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	var req struct {
		MerchantID string `json:"merchantId"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.MerchantID == "" {
		return "", false
	}
	return req.MerchantID, true
}

func (p *Prober) challenge(c *gin.Context, merchantID string) {
	amount := p.probeAmount(c, merchantID)
	requirement, err := p.issuer.Issue(probeScope(merchantID), amount)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue payment requirement",
		})
		return
	}
	requirement.Description = "start probe for merchant " + merchantID

	probesTotal.WithLabelValues("challenged").Inc()
	c.Header(x402.HeaderAmount, strconv.FormatInt(requirement.AmountCents, 10))
	c.Header(x402.HeaderCurrency, requirement.Currency)
	c.Header(x402.HeaderPayTo, requirement.PayTo)
	c.Header(x402.HeaderNonce, requirement.Nonce)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, requirement)
}

func (p *Prober) verify(c *gin.Context, merchantID string, proof *x402.PaymentProof) {
	ctx := c.Request.Context()

	if err := proof.Validate(); err != nil {
		probesTotal.WithLabelValues("rejected").Inc()
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payment_proof",
			"message": err.Error(),
		})
		return
	}

	amount, ok := p.issuer.Consume(proof.Nonce, probeScope(merchantID))
	if !ok {
		probesTotal.WithLabelValues("rejected").Inc()
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_nonce",
			"message": "Probe nonce is unknown, reused, or expired",
		})
		return
	}
	if age := time.Since(time.Unix(proof.Timestamp, 0)); age > p.issuer.TTL() || age < -30*time.Second {
		probesTotal.WithLabelValues("rejected").Inc()
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payment_proof",
			"message": "Proof expired or has a future timestamp",
		})
		return
	}

	requirement := p.issuer.Describe(probeScope(merchantID), amount, proof.Nonce)
	if err := p.fac.Verify(ctx, requirement, proof); err != nil {
		probesTotal.WithLabelValues("rejected").Inc()
		logging.L(ctx).Warn("start probe rejected",
			"merchantId", merchantID,
			"txHash", proof.TxHash,
			"error", err,
		)
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":   "payment_rejected",
			"message": "Probe payment did not verify",
		})
		return
	}

	probesTotal.WithLabelValues("accepted").Inc()
	c.Set("probeAmountCents", amount)
	c.Set("probeTxHash", proof.TxHash)
	c.Next()
}

// probeAmount resolves the merchant's probe price, falling back to the
// configured default when the merchant has no card or sets none.
func (p *Prober) probeAmount(c *gin.Context, merchantID string) int64 {
	if p.tariffs == nil {
		return p.defaultCents
	}
	card, err := p.tariffs.Get(c.Request.Context(), merchantID)
	if err != nil {
		if !errors.Is(err, tariff.ErrNotFound) {
			logging.L(c.Request.Context()).Warn("failed to resolve probe amount, using default",
				"merchantId", merchantID,
				"error", err,
			)
		}
		return p.defaultCents
	}
	return card.ProbeOrDefault(p.defaultCents)
}
