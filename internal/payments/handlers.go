package payments

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/escrow"
)

// Handler provides HTTP endpoints for payment sessions and gateway webhooks.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/payments/crypto", h.InitiateCrypto)
	r.POST("/trades/:id/payments/card", h.InitiateCard)
	r.GET("/trades/:id/payments", h.ListForTrade)
	r.GET("/payments/:sessionId", h.GetSession)
	r.POST("/payments/:sessionId/poll", h.PollSession)
}

// RegisterWebhookRoutes sets up the gateway callback endpoints. These are
// unauthenticated; each request is verified by its gateway signature.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/nowpayments", h.NOWPaymentsIPN)
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

type initiateCryptoRequest struct {
	PayCurrency string `json:"payCurrency"`
}

// InitiateCrypto handles POST /v1/trades/:id/payments/crypto
func (h *Handler) InitiateCrypto(c *gin.Context) {
	var req initiateCryptoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	session, err := h.service.InitiateCrypto(c.Request.Context(), c.Param("id"), req.PayCurrency)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

// InitiateCard handles POST /v1/trades/:id/payments/card
func (h *Handler) InitiateCard(c *gin.Context) {
	session, err := h.service.InitiateCard(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

// ListForTrade handles GET /v1/trades/:id/payments
func (h *Handler) ListForTrade(c *gin.Context) {
	sessions, err := h.service.SessionsForTrade(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession handles GET /v1/payments/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.service.Session(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// PollSession handles POST /v1/payments/:sessionId/poll
func (h *Handler) PollSession(c *gin.Context) {
	session, err := h.service.PollPayment(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// NOWPaymentsIPN handles POST /webhooks/nowpayments
func (h *Handler) NOWPaymentsIPN(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	signature := c.GetHeader("x-nowpayments-sig")
	if signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_signature"})
		return
	}

	if err := h.service.HandleIPN(c.Request.Context(), body, signature); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StripeWebhook handles POST /webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	if err := h.service.HandleStripeWebhook(c.Request.Context(), body, c.GetHeader("Stripe-Signature")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps domain errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrBadSignature):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
	case errors.Is(err, ErrInvalidInput), errors.Is(err, escrow.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUpstream):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_error",
			"message": "Payment gateway request failed",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
