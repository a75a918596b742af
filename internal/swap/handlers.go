package swap

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

// Handler provides HTTP endpoints for swaps.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) swap routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/swaps/:id", h.GetSwap)
	r.GET("/agents/:address/swaps", h.ListSwaps)
}

// RegisterProtectedRoutes sets up swap routes that require authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/swaps", h.SubmitSwap)
	r.POST("/swaps/:id/confirm", h.ConfirmSwap)
	r.POST("/swaps/:id/refund", h.RefundSwap)
}

type legRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount" binding:"required"`
}

type submitSwapRequest struct {
	ID   idgen.ID      `json:"id"`
	To   string        `json:"to" binding:"required"`
	Src  legRequest    `json:"src" binding:"required"`
	Dst  legRequest    `json:"dst" binding:"required"`
	Lock lock.StepLock `json:"lock"`
	Memo hexutil.Bytes `json:"memo"`
}

// SubmitSwap handles POST /v1/swaps
func (h *Handler) SubmitSwap(c *gin.Context) {
	var req submitSwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "id, to, src, dst and lock are required",
		})
		return
	}
	to, ok := validation.ParseAddress(req.To)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_recipient", "message": "to must be a valid Ethereum address"})
		return
	}
	src, ok := parseLeg(c, req.Src)
	if !ok {
		return
	}
	dst, ok := parseLeg(c, req.Dst)
	if !ok {
		return
	}

	from := caller(c)
	sw, err := h.service.Submit(c.Request.Context(), from, SubmitRequest{
		ID:   req.ID,
		From: from,
		To:   to,
		Src:  src,
		Dst:  dst,
		Lock: req.Lock,
		Memo: req.Memo,
	})
	if err != nil {
		writeError(c, "submit", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"swap": sw})
}

// GetSwap handles GET /v1/swaps/:id
func (h *Handler) GetSwap(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	sw, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swap": sw})
}

// ListSwaps handles GET /v1/agents/:address/swaps
func (h *Handler) ListSwaps(c *gin.Context) {
	party, ok := validation.ParseAddress(c.Param("address"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "address must be a valid Ethereum address"})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	swaps, err := h.service.ListByParty(c.Request.Context(), party, limit)
	if err != nil {
		writeError(c, "list", err)
		return
	}
	if swaps == nil {
		swaps = []*Swap{}
	}
	c.JSON(http.StatusOK, gin.H{"swaps": swaps, "count": len(swaps)})
}

// ConfirmSwap handles POST /v1/swaps/:id/confirm
func (h *Handler) ConfirmSwap(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	sw, err := h.service.Confirm(c.Request.Context(), id, caller(c))
	if err != nil {
		writeError(c, "confirm", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swap": sw})
}

// RefundSwap handles POST /v1/swaps/:id/refund
func (h *Handler) RefundSwap(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	sw, err := h.service.Refund(c.Request.Context(), id, caller(c))
	if err != nil {
		writeError(c, "refund", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swap": sw})
}

func parseLeg(c *gin.Context, l legRequest) (LegRequest, bool) {
	var asset common.Address
	if l.Asset != "" {
		var ok bool
		if asset, ok = validation.ParseAddress(l.Asset); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset", "message": "asset must be a valid Ethereum address"})
			return LegRequest{}, false
		}
	}
	amount, ok := validation.ParseAmount(l.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be an unsigned integer in base units"})
		return LegRequest{}, false
	}
	return LegRequest{Asset: asset, Amount: amount}, true
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
		logging.L(c.Request.Context()).Error("swap "+op+" failed", "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
