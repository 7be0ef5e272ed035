package reconcile

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes an on-demand reconcile run for operators. The timer
// covers the steady state; this is for "check it now".
type Handler struct {
	checker *Checker
}

// NewHandler creates a new reconcile handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// RegisterRoutes sets up the reconcile routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconcile", h.RunNow)
}

// RunNow handles POST /api/v1/admin/reconcile
func (h *Handler) RunNow(c *gin.Context) {
	report, err := h.checker.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
