package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexusmarket/nexus/internal/logging"
	"github.com/nexusmarket/nexus/internal/pagination"
	"github.com/nexusmarket/nexus/internal/validation"
)

// Handler provides HTTP endpoints for accounts and ledger operations
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up account and ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.CreateAccount)
	r.GET("/accounts/:id", h.GetAccount)
	r.POST("/accounts/:id/archive", h.ArchiveAccount)
	r.POST("/accounts/:id/deposit", h.Deposit)
	r.POST("/accounts/:id/withdraw", h.Withdraw)
	r.GET("/accounts/:id/balance", h.GetBalance)
	r.GET("/accounts/:id/ledger", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconcile", h.Reconcile)
}

// CreateAccountRequest is the body for POST /accounts
type CreateAccountRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
	Role        string `json:"role" binding:"required"`
}

// CreateAccount handles POST /accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("displayName", req.DisplayName, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	account, err := h.service.CreateAccount(c.Request.Context(),
		validation.SanitizeString(req.DisplayName, 255), req.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}

	logging.L(c.Request.Context()).Info("account created",
		"account_id", account.ID, "role", account.Role)
	c.JSON(http.StatusCreated, gin.H{"account": account})
}

// GetAccount handles GET /accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.service.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

// ArchiveAccount handles POST /accounts/:id/archive
func (h *Handler) ArchiveAccount(c *gin.Context) {
	if err := h.service.ArchiveAccount(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": true})
}

// MoveFundsRequest is the body for deposits and withdrawals
type MoveFundsRequest struct {
	Amount         int64  `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Deposit handles POST /accounts/:id/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req MoveFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	posting, err := h.service.Deposit(c.Request.Context(), c.Param("id"), req.Amount, req.IdempotencyKey)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posting": posting})
}

// Withdraw handles POST /accounts/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req MoveFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	posting, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), req.Amount, req.IdempotencyKey)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posting": posting})
}

// GetBalance handles GET /accounts/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.service.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetHistory handles GET /accounts/:id/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid cursor"})
		return
	}

	// Fetch one extra row to know whether another page exists.
	postings, err := h.service.GetHistory(c.Request.Context(), c.Param("id"), limit+1, cursor)
	if err != nil {
		h.respondError(c, err)
		return
	}

	postings, next, hasMore := pagination.ComputePage(postings, limit, func(p *Posting) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	resp := gin.H{"postings": postings, "hasMore": hasMore}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Reconcile handles GET /admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	result, err := h.service.Reconcile(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_error", "message": err.Error()})
		return
	}
	status := http.StatusOK
	if !result.Match {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"reconciliation": result})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrPostingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": err.Error()})
	case errors.Is(err, ErrAccountArchived):
		c.JSON(http.StatusConflict, gin.H{"error": "account_archived", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrDuplicateAccount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		h.logger.Error("ledger operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Internal error"})
	}
}
