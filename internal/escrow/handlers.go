package escrow

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/obridge/internal/idgen"
	"github.com/mbd888/obridge/internal/lock"
	"github.com/mbd888/obridge/internal/logging"
	"github.com/mbd888/obridge/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/agents/:address/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up escrow routes that require authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/confirm", h.ConfirmEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
}

type legRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount" binding:"required"`
}

type createEscrowRequest struct {
	ID       idgen.ID       `json:"id"`
	To       string         `json:"to" binding:"required"`
	Legs     []legRequest   `json:"legs" binding:"required"`
	Relative *lock.Relative `json:"relative"`
	Absolute *lock.Absolute `json:"absolute"`
	IsOut    bool           `json:"isOut"`
	Memo     hexutil.Bytes  `json:"memo"`
}

type confirmEscrowRequest struct {
	Preimage hexutil.Bytes `json:"preimage" binding:"required"`
	IsOut    bool          `json:"isOut"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req createEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "id, to, legs and one lock are required",
		})
		return
	}

	to, ok := validation.ParseAddress(req.To)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_recipient", "message": "to must be a valid Ethereum address"})
		return
	}
	legs := make([]LegRequest, 0, len(req.Legs))
	for _, l := range req.Legs {
		var asset common.Address
		if l.Asset != "" {
			if asset, ok = validation.ParseAddress(l.Asset); !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset", "message": "asset must be a valid Ethereum address"})
				return
			}
		}
		amount, ok := validation.ParseAmount(l.Amount)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be an unsigned integer in base units"})
			return
		}
		legs = append(legs, LegRequest{Asset: asset, Amount: amount})
	}

	from := caller(c)
	escrow, err := h.service.Create(c.Request.Context(), from, CreateRequest{
		ID:       req.ID,
		From:     from,
		To:       to,
		Legs:     legs,
		Relative: req.Relative,
		Absolute: req.Absolute,
		IsOut:    req.IsOut,
		Memo:     req.Memo,
	})
	if err != nil {
		writeError(c, "create", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, "get", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/agents/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	party, ok := validation.ParseAddress(c.Param("address"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "address must be a valid Ethereum address"})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByParty(c.Request.Context(), party, limit)
	if err != nil {
		writeError(c, "list", err)
		return
	}
	if escrows == nil {
		escrows = []*Escrow{}
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// ConfirmEscrow handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req confirmEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "preimage is required"})
		return
	}

	escrow, err := h.service.Confirm(c.Request.Context(), id, caller(c), ConfirmRequest{
		Preimage: req.Preimage,
		IsOut:    req.IsOut,
	})
	if err != nil {
		writeError(c, "confirm", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	escrow, err := h.service.Refund(c.Request.Context(), id, caller(c))
	if err != nil {
		writeError(c, "refund", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

func caller(c *gin.Context) common.Address {
	return common.HexToAddress(c.GetString("authAgentAddr"))
}

func parseID(c *gin.Context) (idgen.ID, bool) {
	id, err := idgen.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "id must be 32 bytes of hex"})
		return id, false
	}
	return id, true
}

func writeError(c *gin.Context, op string, err error) {
	status, code := ErrorCode(err)
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("escrow "+op+" failed", "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
