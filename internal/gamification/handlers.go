package gamification

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for provider rewards
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new gamification handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up reward routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/providers/:id/level", h.GetLevel)
	r.GET("/providers/:id/awards", h.History)
	r.GET("/leaderboard", h.Leaderboard)
}

// GetLevel handles GET /providers/:id/level
func (h *Handler) GetLevel(c *gin.Context) {
	info, err := h.service.GetLevel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"standing": info})
}

// History handles GET /providers/:id/awards
func (h *Handler) History(c *gin.Context) {
	awards, err := h.service.History(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"awards": awards})
}

// Leaderboard handles GET /leaderboard
func (h *Handler) Leaderboard(c *gin.Context) {
	standings, err := h.service.Leaderboard(c.Request.Context(), queryLimit(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": standings})
}

func queryLimit(c *gin.Context) int {
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			return n
		}
	}
	return 0
}

func (h *Handler) respondError(c *gin.Context, err error) {
	if errors.Is(err, ErrScoreNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	h.logger.Error("gamification operation failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "gamification_error", "message": "Internal error"})
}
