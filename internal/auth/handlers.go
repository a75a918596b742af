package auth

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/obridge/internal/validation"
)

// Handler provides HTTP endpoints for key management.
type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up the public registration route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/keys", h.Register)
}

// RegisterProtectedRoutes sets up key management routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/keys", h.ListKeys)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
	r.GET("/auth/me", h.Me)
}

type registerRequest struct {
	Address   string        `json:"address" binding:"required"`
	Timestamp int64         `json:"timestamp" binding:"required"`
	Signature hexutil.Bytes `json:"signature" binding:"required"`
	Name      string        `json:"name"`
}

// Register handles POST /v1/auth/keys
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address, timestamp and signature are required",
		})
		return
	}
	addr, ok := validation.ParseAddress(req.Address)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "address must be a valid Ethereum address"})
		return
	}
	if len(req.Name) > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_name", "message": "name must be at most 100 characters"})
		return
	}

	rawKey, key, err := h.manager.Register(c.Request.Context(), addr, req.Timestamp, req.Signature, req.Name)
	switch {
	case errors.Is(err, ErrChallengeExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "challenge_expired", "message": err.Error()})
		return
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create API key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /v1/auth/keys
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	keys, err := h.manager.ListKeys(c.Request.Context(), key.Address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey handles DELETE /v1/auth/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	keyID := c.Param("keyId")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}
	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.Address); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
}

// Me handles GET /v1/auth/me
func (h *Handler) Me(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": key.Address, "key": key})
}
