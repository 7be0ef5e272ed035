package wallet

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/paymeter/paymeter/internal/validation"
)

const (
	defaultEntryLimit = 50
	maxEntryLimit     = 200
)

// Handler exposes wallet reads over HTTP. Credits go through the top-up
// handler; debits only ever happen on the tick and settlement paths.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:user", h.GetBalance)
	r.GET("/wallets/:user/ledger", h.GetLedger)
}

// GetBalance handles GET /api/v1/wallets/:user
//
// Users that never topped up get a zero balance, not a 404.
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("user")
	if !validation.IsValidID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid user id",
		})
		return
	}

	balance, err := h.service.GetBalance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetLedger handles GET /api/v1/wallets/:user/ledger?limit=
//
// A user's entries, newest first.
func (h *Handler) GetLedger(c *gin.Context) {
	userID := c.Param("user")
	if !validation.IsValidID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid user id",
		})
		return
	}

	limit := defaultEntryLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxEntryLimit {
		limit = maxEntryLimit
	}

	entries, err := h.service.History(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}
