package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paymeter/paymeter/internal/events"
	"github.com/paymeter/paymeter/internal/idgen"
	"github.com/paymeter/paymeter/internal/security"
)

// Handler provides HTTP endpoints for webhook management.
type Handler struct {
	store Store
}

// NewHandler creates a new webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks/:merchant", h.ListWebhooks)
	r.DELETE("/webhooks/:merchant/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest registers a merchant delivery endpoint.
type CreateWebhookRequest struct {
	MerchantID string        `json:"merchantId" binding:"required"`
	URL        string        `json:"url" binding:"required"`
	Kinds      []events.Kind `json:"kinds"`
}

// CreateWebhook handles POST /api/v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Merchant-supplied URL: refuse anything that could reach internal
	// infrastructure.
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:         idgen.WithPrefix(idgen.PrefixWebhook),
		MerchantID: req.MerchantID,
		URL:        req.URL,
		Secret:     secret,
		Kinds:      req.Kinds,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only shown once
		"usage": gin.H{
			"signature": "HMAC-SHA256(body, secret), hex encoded",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /api/v1/webhooks/:merchant
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByMerchant(c.Request.Context(), c.Param("merchant"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /api/v1/webhooks/:merchant/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	id := c.Param("webhookId")

	sub, err := h.store.Get(c.Request.Context(), id)
	if err != nil || sub.MerchantID != c.Param("merchant") {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrWebhookNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Webhook not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
