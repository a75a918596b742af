package reconciliation

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// AdminGate authorizes admin-only operations.
type AdminGate interface {
	RequireAdmin(ctx context.Context, caller common.Address) error
}

// Handler exposes reconciliation to admins.
type Handler struct {
	runner *Runner
	admin  AdminGate
	logger *slog.Logger
}

func NewHandler(runner *Runner, admin AdminGate, logger *slog.Logger) *Handler {
	return &Handler{runner: runner, admin: admin, logger: logger}
}

// RegisterAdminRoutes sets up admin-only reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconcile", h.Run)
	r.GET("/admin/reconcile", h.LastReport)
}

func (h *Handler) authorize(c *gin.Context) bool {
	caller := common.HexToAddress(c.GetString("authAgentAddr"))
	if err := h.admin.RequireAdmin(c.Request.Context(), caller); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
		return false
	}
	return true
}

// Run handles POST /v1/admin/reconcile
func (h *Handler) Run(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	if h.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "Reconciliation is not configured"})
		return
	}
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		h.logger.Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed", "message": "Reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// LastReport handles GET /v1/admin/reconcile
func (h *Handler) LastReport(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	if h.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "Reconciliation is not configured"})
		return
	}
	report := h.runner.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_report", "message": "Reconciliation has not run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
