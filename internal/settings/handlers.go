package settings

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/obridge/internal/validation"
)

// Handler provides HTTP endpoints for fee settings.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) settings routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings", h.GetSettings)
	r.GET("/settings/tokens", h.ListTokens)
	r.GET("/settings/tokens/:asset", h.GetToken)
}

// RegisterAdminRoutes sets up admin-only settings routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/settings/admin", h.ChangeAdmin)
	r.POST("/admin/settings/fee-recipient", h.SetFeeRecipient)
	r.POST("/admin/settings/fee-rate", h.SetFeeRate)
	r.POST("/admin/settings/tokens/:asset", h.SetMaxFee)
}

// GetSettings handles GET /v1/settings
func (h *Handler) GetSettings(c *gin.Context) {
	st, err := h.service.Get(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": st})
}

// ListTokens handles GET /v1/settings/tokens
func (h *Handler) ListTokens(c *gin.Context) {
	tokens, err := h.service.Tokens(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if tokens == nil {
		tokens = []*TokenSettings{}
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens, "count": len(tokens)})
}

// GetToken handles GET /v1/settings/tokens/:asset
func (h *Handler) GetToken(c *gin.Context) {
	asset, ok := validation.ParseAddress(c.Param("asset"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset", "message": "asset must be a valid Ethereum address"})
		return
	}
	t, err := h.service.Token(c.Request.Context(), asset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": t})
}

type addressRequest struct {
	Address string `json:"address" binding:"required"`
}

type feeRateRequest struct {
	FeeRateBp *uint16 `json:"feeRateBp" binding:"required"`
}

type maxFeeRequest struct {
	MaxFee string `json:"maxFee" binding:"required"`
}

// ChangeAdmin handles POST /v1/admin/settings/admin
func (h *Handler) ChangeAdmin(c *gin.Context) {
	addr, ok := bindAddress(c)
	if !ok {
		return
	}
	st, err := h.service.ChangeAdmin(c.Request.Context(), caller(c), addr)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": st})
}

// SetFeeRecipient handles POST /v1/admin/settings/fee-recipient
func (h *Handler) SetFeeRecipient(c *gin.Context) {
	addr, ok := bindAddress(c)
	if !ok {
		return
	}
	st, err := h.service.SetFeeRecipient(c.Request.Context(), caller(c), addr)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": st})
}

// SetFeeRate handles POST /v1/admin/settings/fee-rate
func (h *Handler) SetFeeRate(c *gin.Context) {
	var req feeRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "feeRateBp is required"})
		return
	}
	st, err := h.service.SetFeeRate(c.Request.Context(), caller(c), *req.FeeRateBp)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": st})
}

// SetMaxFee handles POST /v1/admin/settings/tokens/:asset
func (h *Handler) SetMaxFee(c *gin.Context) {
	asset, ok := validation.ParseAddress(c.Param("asset"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset", "message": "asset must be a valid Ethereum address"})
		return
	}
	var req maxFeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "maxFee is required"})
		return
	}
	maxFee, ok := validation.ParseAmount(req.MaxFee)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "maxFee must be an unsigned integer"})
		return
	}
	t, err := h.service.SetMaxFee(c.Request.Context(), caller(c), asset, maxFee)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": t})
}

func caller(c *gin.Context) common.Address {
	return common.HexToAddress(c.GetString("authAgentAddr"))
}

func bindAddress(c *gin.Context) (common.Address, bool) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "address is required"})
		return common.Address{}, false
	}
	addr, ok := validation.ParseAddress(req.Address)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "address must be a valid Ethereum address"})
		return common.Address{}, false
	}
	return addr, true
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrAccountMismatch):
		status, code = http.StatusForbidden, "account_mismatch"
	case errors.Is(err, ErrInvalidFeeRate):
		status, code = http.StatusBadRequest, "invalid_fee_rate"
	case errors.Is(err, ErrInvalidAddress):
		status, code = http.StatusBadRequest, "invalid_address"
	case errors.Is(err, ErrNotInitialized):
		status, code = http.StatusServiceUnavailable, "not_initialized"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
