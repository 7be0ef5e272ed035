package topup

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/paymeter/paymeter/internal/logging"
	"github.com/paymeter/paymeter/internal/wallet"
)

// Stripe caps event payloads well below this.
const maxStripeBody = 64 * 1024

// Handler exposes top-ups over HTTP.
type Handler struct {
	service       *Service
	webhookSecret string
}

// NewHandler creates a new top-up handler. webhookSecret is the Stripe
// signing secret; when empty the Stripe route answers 503.
func NewHandler(service *Service, webhookSecret string) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret}
}

// RegisterRoutes sets up the top-up routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/topups/stripe", h.StripeWebhook)
	r.POST("/wallets/:user/topup", h.DirectTopup)
}

// StripeWebhook handles POST /api/v1/topups/stripe
//
// Verifies the Stripe-Signature header, then credits the wallet for
// checkout.session.completed events. Anything permanently unprocessable
// still answers 200 so Stripe stops redelivering it; only transient
// failures return 5xx.
func (h *Handler) StripeWebhook(c *gin.Context) {
	if h.webhookSecret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "stripe_not_configured",
			"message": "Stripe webhook secret is not configured",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxStripeBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	event, err := webhook.ConstructEvent(body, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		topupsTotal.WithLabelValues("stripe", "bad_signature").Inc()
		logging.L(c.Request.Context()).Warn("stripe webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Stripe signature verification failed",
		})
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		h.handleCheckoutCompleted(c, event)
	default:
		topupsTotal.WithLabelValues("stripe", "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

func (h *Handler) handleCheckoutCompleted(c *gin.Context, event stripe.Event) {
	ctx := c.Request.Context()

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		logging.L(ctx).Error("stripe checkout event has malformed payload",
			"eventId", event.ID,
			"error", err,
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed checkout session payload",
		})
		return
	}

	entry, err := h.service.ApplyStripeCheckout(ctx, event.ID, &cs)
	switch {
	case errors.Is(err, wallet.ErrDuplicateCredit):
		// Stripe redelivered an event we already applied.
		topupsTotal.WithLabelValues("stripe", "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
		return
	case errors.Is(err, ErrNoUser), errors.Is(err, ErrNoAmount):
		// Permanent: redelivery cannot fix a checkout without a user
		// or amount. Acknowledge and make noise.
		topupsTotal.WithLabelValues("stripe", "unattributable").Inc()
		logging.L(ctx).Error("stripe checkout cannot be credited",
			"eventId", event.ID,
			"checkoutId", cs.ID,
			"error", err,
		)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	case err != nil:
		topupsTotal.WithLabelValues("stripe", "failed").Inc()
		logging.L(ctx).Error("stripe checkout credit failed",
			"eventId", event.ID,
			"error", err,
		)
		// 5xx so Stripe retries the delivery.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to apply credit",
		})
		return
	}

	topupsTotal.WithLabelValues("stripe", "credited").Inc()
	logging.L(ctx).Info("wallet credited from stripe checkout",
		"eventId", event.ID,
		"userId", entry.UserID,
		"amountCents", entry.AmountCents,
		"entryId", entry.ID,
	)
	c.JSON(http.StatusOK, gin.H{
		"status":  "credited",
		"entryId": entry.ID,
	})
}

// DirectTopupRequest is the body for POST /api/v1/wallets/:user/topup
type DirectTopupRequest struct {
	AmountCents int64  `json:"amountCents" binding:"required,gt=0"`
	Reference   string `json:"reference"`
}

// DirectTopup handles POST /api/v1/wallets/:user/topup
func (h *Handler) DirectTopup(c *gin.Context) {
	userID := c.Param("user")

	var req DirectTopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amountCents must be a positive integer",
		})
		return
	}

	entry, err := h.service.Direct(c.Request.Context(), userID, req.AmountCents, req.Reference)
	switch {
	case errors.Is(err, wallet.ErrDuplicateCredit):
		topupsTotal.WithLabelValues("direct", "duplicate").Inc()
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_reference",
			"message": "A credit with this reference was already applied",
		})
		return
	case errors.Is(err, wallet.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amountCents must be a positive integer",
		})
		return
	case err != nil:
		topupsTotal.WithLabelValues("direct", "failed").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	topupsTotal.WithLabelValues("direct", "credited").Inc()
	balance, err := h.service.Balance(c.Request.Context(), userID)
	if err != nil {
		// The credit landed; answer with the entry alone.
		c.JSON(http.StatusOK, gin.H{"entry": entry})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entry":   entry,
		"balance": balance,
	})
}
