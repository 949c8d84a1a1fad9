package dispute

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nexusmarket/nexus/internal/escrow"
	"github.com/nexusmarket/nexus/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new dispute handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up dispute routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/dispute", h.Open)
	r.GET("/disputes", h.ListOpen)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/evidence", h.SubmitEvidence)
}

// RegisterAdminRoutes sets up resolution routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// OpenRequest is the body for POST /escrows/:id/dispute
type OpenRequest struct {
	ActorID string `json:"actorId" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

// Open handles POST /escrows/:id/dispute
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	dispute, err := h.service.Open(c.Request.Context(), c.Param("id"), req.ActorID,
		validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// Get handles GET /disputes/:id
func (h *Handler) Get(c *gin.Context) {
	dispute, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ListOpen handles GET /disputes
func (h *Handler) ListOpen(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	disputes, err := h.service.ListOpen(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

// EvidenceRequest is the body for POST /disputes/:id/evidence
type EvidenceRequest struct {
	ActorID string `json:"actorId" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// SubmitEvidence handles POST /disputes/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	dispute, err := h.service.SubmitEvidence(c.Request.Context(), c.Param("id"), req.ActorID,
		validation.SanitizeString(req.Content, validation.MaxStringLength))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ResolveRequest is the body for POST /disputes/:id/resolve
type ResolveRequest struct {
	ActorID       string  `json:"actorId" binding:"required"`
	Outcome       string  `json:"outcome" binding:"required"`
	ProviderShare float64 `json:"providerShare"`
	Note          string  `json:"note"`
}

// Resolve handles POST /disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if errs := validation.Validate(
		validation.SplitRatio("providerShare", req.ProviderShare),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	dispute, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.Outcome,
		req.ProviderShare, req.ActorID, validation.SanitizeString(req.Note, validation.MaxStringLength))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, escrow.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrAlreadyOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_already_open", "message": err.Error()})
	case errors.Is(err, ErrInvalidState), errors.Is(err, escrow.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrNotParty), errors.Is(err, escrow.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, escrow.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		h.logger.Error("dispute operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispute_error", "message": "Internal error"})
	}
}
