package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for the trade lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up trade and user routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.GET("/trades/:id", h.GetTrade)
	r.POST("/trades/:id/join", h.JoinTrade)
	r.POST("/trades/:id/confirm", h.ConfirmDelivery)
	r.POST("/trades/:id/cancel", h.CancelTrade)
	r.POST("/trades/:id/dispute", h.DisputeTrade)
	r.POST("/trades/:id/refund", h.RefundTrade)
	r.GET("/users/:handle/trades", h.ListUserTrades)
	r.GET("/users/:handle/stats", h.GetUserStats)
	r.GET("/sellers/:handle/trade", h.GetSellerTrade)
}

// RegisterAdminRoutes sets up admin-only routes; the server guards the
// group with the admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/resolve", h.ResolveDispute)
	r.GET("/stats", h.GetPlatformStats)
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("sellerHandle", req.SellerHandle),
		validation.ValidHandle("sellerHandle", req.SellerHandle),
		validation.Required("item", req.Item),
		validation.MaxLength("item", req.Item, 500),
		validation.ValidAmount("amount", req.Amount.String()),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.Item = validation.SanitizeString(req.Item, 500)

	trade, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trade": trade})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	trade, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

type joinRequest struct {
	BuyerID     int64  `json:"buyerId"`
	BuyerHandle string `json:"buyerHandle" binding:"required"`
}

// JoinTrade handles POST /v1/trades/:id/join
func (h *Handler) JoinTrade(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidHandle(req.BuyerHandle) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_handle",
			"message": "buyerHandle must be a valid username",
		})
		return
	}

	trade, err := h.service.Join(c.Request.Context(), c.Param("id"), req.BuyerHandle, req.BuyerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

type actorRequest struct {
	Actor string `json:"actor" binding:"required"`
}

func bindActor(c *gin.Context) (string, bool) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actor is required",
		})
		return "", false
	}
	return req.Actor, true
}

// ConfirmDelivery handles POST /v1/trades/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	actor, ok := bindActor(c)
	if !ok {
		return
	}
	trade, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// CancelTrade handles POST /v1/trades/:id/cancel
func (h *Handler) CancelTrade(c *gin.Context) {
	actor, ok := bindActor(c)
	if !ok {
		return
	}
	trade, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// DisputeTrade handles POST /v1/trades/:id/dispute
func (h *Handler) DisputeTrade(c *gin.Context) {
	actor, ok := bindActor(c)
	if !ok {
		return
	}
	trade, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// RefundTrade handles POST /v1/trades/:id/refund
func (h *Handler) RefundTrade(c *gin.Context) {
	actor, ok := bindActor(c)
	if !ok {
		return
	}
	trade, err := h.service.Refund(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

type resolveRequest struct {
	Winner string `json:"winner" binding:"required"`
}

// ResolveDispute handles POST /admin/trades/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "winner is required",
		})
		return
	}

	trade, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req.Winner)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// ListUserTrades handles GET /v1/users/:handle/trades
func (h *Handler) ListUserTrades(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	trades, err := h.service.ListByUser(c.Request.Context(), c.Param("handle"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// GetUserStats handles GET /v1/users/:handle/stats
func (h *Handler) GetUserStats(c *gin.Context) {
	stats, err := h.service.UserStats(c.Request.Context(), c.Param("handle"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GetSellerTrade handles GET /v1/sellers/:handle/trade
func (h *Handler) GetSellerTrade(c *gin.Context) {
	trade, err := h.service.ActiveBySeller(c.Request.Context(), c.Param("handle"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// GetPlatformStats handles GET /admin/stats
func (h *Handler) GetPlatformStats(c *gin.Context) {
	stats, err := h.service.PlatformStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// respondError maps engine errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Trade not found",
		})
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNoWallet):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_payout_wallet",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
