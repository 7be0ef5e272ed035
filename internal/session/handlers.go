package session

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paymeter/paymeter/internal/pagination"
	"github.com/paymeter/paymeter/internal/validation"
	"github.com/paymeter/paymeter/internal/wallet"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	// How far back the ledger endpoint will paginate. Session ledgers
	// are bounded by tick count, so one window covers them in practice.
	ledgerWindow = 1000
)

// LedgerReader is the slice of the wallet the ledger endpoint needs.
type LedgerReader interface {
	SessionLedger(ctx context.Context, sessionID string, limit int) ([]*wallet.Entry, error)
}

// Handler exposes the session lifecycle over HTTP. Stop lives with the
// settlement handler, which collects payment in the same call.
type Handler struct {
	service *Service
	ledger  LedgerReader
}

// NewHandler creates a new session handler.
func NewHandler(service *Service, ledger LedgerReader) *Handler {
	return &Handler{service: service, ledger: ledger}
}

// RegisterRoutes sets up the session routes. startMW runs before the
// start handler only; the server mounts the payment probe there when
// it is enabled.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, startMW ...gin.HandlerFunc) {
	r.POST("/sessions", append(startMW, gin.HandlerFunc(h.StartSession))...)
	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:id", h.GetSession)
	r.GET("/sessions/:id/ledger", h.GetLedger)
	r.POST("/sessions/:id/resume", h.ResumeSession)
}

// StartSession handles POST /api/v1/sessions
//
// Starting while the (user, merchant) pair already has a running session
// returns that session with created=false instead of an error, so
// clients can blindly retry.
func (h *Handler) StartSession(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId and merchantId are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("userId", req.UserID),
		validation.ValidID("merchantId", req.MerchantID),
		validation.NonNegativeCents("rateCentsPerMin", req.RateCentsPerMin),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}

	sess, created, err := h.service.Start(c.Request.Context(), req)
	if err != nil {
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

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"session": sess,
		"created": created,
	})
}

// GetSession handles GET /api/v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// ListSessions handles GET /api/v1/sessions?merchant=&user=&status=&limit=
//
// Exactly one of merchant or user selects the listing dimension; status
// filters the result.
func (h *Handler) ListSessions(c *gin.Context) {
	merchantID := c.Query("merchant")
	userID := c.Query("user")
	if (merchantID == "") == (userID == "") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Provide exactly one of merchant or user",
		})
		return
	}
	limit := parseLimit(c.Query("limit"))

	var (
		sessions []*Session
		err      error
	)
	if merchantID != "" {
		sessions, err = h.service.ListByMerchant(c.Request.Context(), merchantID, limit)
	} else {
		sessions, err = h.service.ListByUser(c.Request.Context(), userID, limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	if status := c.Query("status"); status != "" {
		filtered := sessions[:0]
		for _, sess := range sessions {
			if sess.Status == Status(status) {
				filtered = append(filtered, sess)
			}
		}
		sessions = filtered
	}
	if sessions == nil {
		sessions = []*Session{}
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetLedger handles GET /api/v1/sessions/:id/ledger?limit=&cursor=
//
// Entries come back in tick order with an opaque cursor for the next
// page.
func (h *Handler) GetLedger(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.service.Get(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}
	limit := parseLimit(c.Query("limit"))

	entries, err := h.ledger.SessionLedger(c.Request.Context(), sessionID, ledgerWindow)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if cursor != nil {
		entries = entriesAfter(entries, cursor)
	}
	if len(entries) > limit+1 {
		entries = entries[:limit+1]
	}

	page, next, hasMore := pagination.ComputePage(entries, limit, func(e *wallet.Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if page == nil {
		page = []*wallet.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":    page,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// entriesAfter drops everything up to and including the cursor position.
func entriesAfter(entries []*wallet.Entry, cursor *pagination.Cursor) []*wallet.Entry {
	for i, e := range entries {
		if e.ID == cursor.ID {
			return entries[i+1:]
		}
	}
	// Cursor entry vanished; fall back to the timestamp.
	for i, e := range entries {
		if e.CreatedAt.After(cursor.CreatedAt) {
			return entries[i:]
		}
	}
	return nil
}

// ResumeSession handles POST /api/v1/sessions/:id/resume
//
// Manual re-activation after a low-balance pause and top-up.
func (h *Handler) ResumeSession(c *gin.Context) {
	sess, err := h.service.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session not found",
			})
		case errors.Is(err, ErrInvalidStatus):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "cannot_resume",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func parseLimit(raw string) int {
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
