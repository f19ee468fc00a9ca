package wallet

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for payout wallet management.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new wallet handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/users/:handle/wallets/:currency", h.SetWallet)
	r.GET("/users/:handle/wallets", h.ListWallets)
	r.GET("/users/:handle/wallets/:currency", h.GetWallet)
	r.DELETE("/users/:handle/wallets/:currency", h.DeleteWallet)
}

type setWalletRequest struct {
	Address string `json:"address" binding:"required"`
}

// SetWallet handles PUT /v1/users/:handle/wallets/:currency
func (h *Handler) SetWallet(c *gin.Context) {
	handle := c.Param("handle")
	if !validation.IsValidHandle(handle) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_handle",
			"message": "handle must be a valid username",
		})
		return
	}

	var req setWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	w, err := h.registry.Set(c.Request.Context(), handle, c.Param("currency"), req.Address)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListWallets handles GET /v1/users/:handle/wallets
func (h *Handler) ListWallets(c *gin.Context) {
	wallets, err := h.registry.List(c.Request.Context(), c.Param("handle"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallets": wallets,
		"count":   len(wallets),
	})
}

// GetWallet handles GET /v1/users/:handle/wallets/:currency
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.registry.Get(c.Request.Context(), c.Param("handle"), c.Param("currency"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// DeleteWallet handles DELETE /v1/users/:handle/wallets/:currency
func (h *Handler) DeleteWallet(c *gin.Context) {
	if err := h.registry.Remove(c.Request.Context(), c.Param("handle"), c.Param("currency")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Wallet not found",
		})
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
