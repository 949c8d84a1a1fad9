package booking

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexusmarket/nexus/internal/escrow"
	"github.com/nexusmarket/nexus/internal/ledger"
	"github.com/nexusmarket/nexus/internal/validation"
)

// Handler provides HTTP endpoints for booking operations
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new booking handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up booking routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.Create)
	r.GET("/bookings/:id", h.Get)
	r.POST("/bookings/:id/accept", h.Accept)
	r.POST("/bookings/:id/cancel", h.Cancel)
	r.POST("/bookings/:id/rate", h.Rate)
	r.GET("/users/:id/bookings", h.ListByUser)
}

// CreateRequest is the body for POST /bookings
type CreateRequest struct {
	CustomerID  string     `json:"customerId" binding:"required"`
	ProviderID  string     `json:"providerId" binding:"required"`
	Service     string     `json:"service" binding:"required"`
	Amount      int64      `json:"amount" binding:"required"`
	ScheduledAt *time.Time `json:"scheduledAt"`
}

// Create handles POST /bookings
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("customerId", req.CustomerID),
		validation.ValidID("providerId", req.ProviderID),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("service", req.Service, 200),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	booking, err := h.service.Create(c.Request.Context(), req.CustomerID, req.ProviderID,
		validation.SanitizeString(req.Service, 200), req.Amount, req.ScheduledAt)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"booking": booking})
}

// Get handles GET /bookings/:id
func (h *Handler) Get(c *gin.Context) {
	booking, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": booking})
}

// ActorRequest carries the account performing a booking action.
type ActorRequest struct {
	ActorID string `json:"actorId" binding:"required"`
}

// Accept handles POST /bookings/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	booking, err := h.service.Accept(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": booking})
}

// CancelRequest is the body for POST /bookings/:id/cancel
type CancelRequest struct {
	ActorID string `json:"actorId" binding:"required"`
	Reason  string `json:"reason"`
}

// Cancel handles POST /bookings/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	booking, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.ActorID,
		validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": booking})
}

// RateRequest is the body for POST /bookings/:id/rate
type RateRequest struct {
	ActorID string `json:"actorId" binding:"required"`
	Rating  int    `json:"rating" binding:"required"`
}

// Rate handles POST /bookings/:id/rate
func (h *Handler) Rate(c *gin.Context) {
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	booking, err := h.service.Rate(c.Request.Context(), c.Param("id"), req.ActorID, req.Rating)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": booking})
}

// ListByUser handles GET /users/:id/bookings
func (h *Handler) ListByUser(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	bookings, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": bookings})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBookingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": err.Error()})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, escrow.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidRating):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		h.logger.Error("booking operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "booking_error", "message": "Internal error"})
	}
}
