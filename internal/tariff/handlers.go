package tariff

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paymeter/paymeter/internal/validation"
)

// Handler exposes rate cards over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a new tariff handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the tariff routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tariffs/:merchant", h.GetTariff)
	r.PUT("/tariffs/:merchant", h.PutTariff)
}

// GetTariff handles GET /api/v1/tariffs/:merchant
func (h *Handler) GetTariff(c *gin.Context) {
	card, err := h.service.Get(c.Request.Context(), c.Param("merchant"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Merchant has no rate card",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tariff": card})
}

// PutTariffRequest is the body for PUT /api/v1/tariffs/:merchant
type PutTariffRequest struct {
	Currency               string           `json:"currency"`
	DefaultRateCentsPerMin int64            `json:"defaultRateCentsPerMin" binding:"required"`
	ProbeAmountCents       int64            `json:"probeAmountCents"`
	Categories             map[string]int64 `json:"categories"`
}

// PutTariff handles PUT /api/v1/tariffs/:merchant
//
// Upserts the merchant's card. Running sessions keep the rate they
// snapshotted at start.
func (h *Handler) PutTariff(c *gin.Context) {
	merchantID := c.Param("merchant")
	if !validation.IsValidID(merchantID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid merchant id",
		})
		return
	}

	var req PutTariffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "defaultRateCentsPerMin is required",
		})
		return
	}

	card := &Tariff{
		MerchantID:             merchantID,
		Currency:               req.Currency,
		DefaultRateCentsPerMin: req.DefaultRateCentsPerMin,
		ProbeAmountCents:       req.ProbeAmountCents,
		Categories:             req.Categories,
	}
	if err := h.service.Put(c.Request.Context(), card); err != nil {
		if errors.Is(err, ErrInvalidRate) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_rate",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tariff": card})
}
