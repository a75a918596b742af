package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/obridge/internal/validation"
)

// AdminGate authorizes admin-only operations.
type AdminGate interface {
	RequireAdmin(ctx context.Context, caller common.Address) error
}

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	admin  AdminGate
	logger *slog.Logger
}

func NewHandler(ledger *Ledger, admin AdminGate, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, admin: admin, logger: logger}
}

// RegisterRoutes sets up public ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents/:address/balances", h.GetBalances)
	r.GET("/agents/:address/history", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/ledger/deposit", h.RecordDeposit)
}

// GetBalances handles GET /v1/agents/:address/balances
func (h *Handler) GetBalances(c *gin.Context) {
	owner, ok := validation.ParseAddress(c.Param("address"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "address must be a valid Ethereum address"})
		return
	}

	if a := c.Query("asset"); a != "" {
		asset, ok := validation.ParseAddress(a)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_asset", "message": "asset must be a valid Ethereum address"})
			return
		}
		amount, err := h.ledger.Balance(c.Request.Context(), owner, asset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_error", "message": "Failed to retrieve balance"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": Balance{Owner: owner, Asset: asset, Amount: amount}})
		return
	}

	balances, err := h.ledger.Balances(c.Request.Context(), owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_error", "message": "Failed to retrieve balances"})
		return
	}
	if balances == nil {
		balances = []Balance{}
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

// GetHistory handles GET /v1/agents/:address/history
func (h *Handler) GetHistory(c *gin.Context) {
	owner, ok := validation.ParseAddress(c.Param("address"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "address must be a valid Ethereum address"})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), owner, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to retrieve ledger history"})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// DepositRequest credits an owner from outside the system.
type DepositRequest struct {
	Owner     string `json:"owner" binding:"required"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// RecordDeposit handles POST /v1/admin/ledger/deposit
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("owner", req.Owner),
		validation.ValidAddress("asset", req.Asset),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("reference", req.Reference, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	caller := common.HexToAddress(c.GetString("authAgentAddr"))
	if err := h.admin.RequireAdmin(c.Request.Context(), caller); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
		return
	}

	owner := common.HexToAddress(req.Owner)
	asset := Native
	if req.Asset != "" {
		asset = common.HexToAddress(req.Asset)
	}
	amount, _ := validation.ParseAmount(req.Amount)

	if err := h.ledger.Deposit(c.Request.Context(), owner, asset, amount, req.Reference); err != nil {
		status, code := http.StatusInternalServerError, "deposit_failed"
		switch {
		case errors.Is(err, ErrInvalidAmount):
			status, code = http.StatusBadRequest, "invalid_amount"
		case errors.Is(err, ErrBalanceOverflow):
			status, code = http.StatusConflict, "balance_overflow"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	h.logger.Info("deposit recorded", "owner", owner.Hex(), "asset", asset.Hex(), "amount", amount, "reference", req.Reference)
	c.JSON(http.StatusOK, gin.H{"status": "credited"})
}
