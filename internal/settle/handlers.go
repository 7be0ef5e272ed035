package settle

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/paymeter/paymeter/internal/session"
	"github.com/paymeter/paymeter/internal/wallet"
	"github.com/paymeter/paymeter/pkg/x402"
)

// Handler exposes settlement over HTTP.
type Handler struct {
	mediator *Mediator
}

// NewHandler creates a new settlement handler.
func NewHandler(mediator *Mediator) *Handler {
	return &Handler{mediator: mediator}
}

// RegisterRoutes sets up the settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/stop", h.StopSession)
	r.POST("/sessions/:id/settle", h.SettleSession)
	r.GET("/sessions/:id/payment", h.GetPayment)
}

// StopSession handles POST /api/v1/sessions/stop
//
// Stops the running session for (user, merchant) and settles it in the
// same call. On the external rail the 402 response carries the
// requirement plus the session id to resubmit the proof against.
func (h *Handler) StopSession(c *gin.Context) {
	var req StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId and merchantId are required",
		})
		return
	}

	proof, err := x402.ProofFromRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payment_proof",
			"message": err.Error(),
		})
		return
	}

	out, err := h.mediator.StopAndSettle(c.Request.Context(), req, proof)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No running session for this user and merchant",
			})
			return
		}
		h.settleError(c, err)
		return
	}
	h.writeOutcome(c, out)
}

// SettleSession handles POST /api/v1/sessions/:id/settle
//
// The body picks the rail; an external-rail retry carries the payment
// proof in the X-Payment-Proof header. A 402 response means pay the
// requirement in the body and call again.
func (h *Handler) SettleSession(c *gin.Context) {
	req := SettleRequest{SessionID: c.Param("id")}

	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.SessionID = c.Param("id")

	proof, err := x402.ProofFromRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payment_proof",
			"message": err.Error(),
		})
		return
	}

	out, err := h.mediator.Settle(c.Request.Context(), req, proof)
	if err != nil {
		h.settleError(c, err)
		return
	}
	h.writeOutcome(c, out)
}

// writeOutcome maps a settlement outcome onto the wire: 402 with the
// requirement, 202 for an unconfirmed payment, 200 otherwise.
func (h *Handler) writeOutcome(c *gin.Context, out *Outcome) {
	if out.Requirement != nil {
		requirement := out.Requirement
		c.Header(x402.HeaderAmount, strconv.FormatInt(requirement.AmountCents, 10))
		c.Header(x402.HeaderCurrency, requirement.Currency)
		c.Header(x402.HeaderPayTo, requirement.PayTo)
		c.Header(x402.HeaderNonce, requirement.Nonce)
		c.JSON(http.StatusPaymentRequired, requirement)
		return
	}

	resp := gin.H{
		"session": out.Session,
		"payment": out.Payment,
	}
	if out.Receipt != nil {
		resp["receipt"] = out.Receipt
	}

	if out.Payment != nil && out.Payment.Status == StatusUnconfirmed {
		c.JSON(http.StatusAccepted, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetPayment handles GET /api/v1/sessions/:id/payment
func (h *Handler) GetPayment(c *gin.Context) {
	payment, err := h.mediator.GetBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session has no payment record",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

func (h *Handler) settleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Session not found",
		})
	case errors.Is(err, ErrNotStopped):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "session_not_stopped",
			"message": "Only stopped sessions can be settled",
		})
	case errors.Is(err, ErrNonceInvalid):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_nonce",
			"message": "Payment nonce is unknown, reused, or expired",
		})
	case errors.Is(err, ErrInvalidProof):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payment_proof",
			"message": err.Error(),
		})
	case errors.Is(err, ErrVerifyFailed):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "payment_rejected",
			"message": err.Error(),
		})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Wallet balance does not cover the final amount",
		})
	case errors.Is(err, ErrRailUnavailable):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "rail_unavailable",
			"message": "External settlement is not configured",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
