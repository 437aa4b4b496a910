package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos-escrow/internal/middleware"
	"github.com/eidos-exchange/eidos-escrow/internal/rpc"
	"github.com/eidos-exchange/eidos-escrow/internal/service"
	apperr "github.com/eidos-exchange/eidos-escrow/pkg/errors"
)

// AdminWagerService 管理员对赌操作
type AdminWagerService interface {
	ForceRefund(ctx context.Context, wagerID, adminID, reason string) (*service.CloseResult, error)
	ExportEscrowKey(ctx context.Context, wagerID, role, adminID string) (*service.ExportedKey, error)
}

// RecoveryService 托管钱包恢复与对账
type RecoveryService interface {
	FindStuckEscrows(ctx context.Context) ([]*service.StuckEscrow, error)
	VerifyAllEscrows(ctx context.Context, since time.Time) (*service.EscrowAuditReport, error)
	ReviewQueue(ctx context.Context, limit int) ([]*service.StuckEscrow, error)
}

// EndpointAdmin RPC 节点状态与熔断器运维
type EndpointAdmin interface {
	Stats() []rpc.EndpointStats
	ResetBreaker(label string) bool
}

// ForceRefundRequest 强制退款请求
type ForceRefundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ExportKeyRequest 导出私钥请求
type ExportKeyRequest struct {
	Role string `json:"role" binding:"required,oneof=creator acceptor"`
}

// AdminHandler 管理接口
type AdminHandler struct {
	wagers    AdminWagerService
	recovery  RecoveryService
	endpoints EndpointAdmin
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(wagers AdminWagerService, recovery RecoveryService, endpoints EndpointAdmin) *AdminHandler {
	return &AdminHandler{wagers: wagers, recovery: recovery, endpoints: endpoints}
}

// ForceRefund 强制退款
// POST /admin/v1/wagers/:id/force-refund
func (h *AdminHandler) ForceRefund(c *gin.Context) {
	var req ForceRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	result, err := h.wagers.ForceRefund(c.Request.Context(), c.Param("id"), middleware.GetAdminID(c), req.Reason)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, result)
}

// ExportEscrowKey 应急导出托管私钥
// POST /admin/v1/wagers/:id/export-key
func (h *AdminHandler) ExportEscrowKey(c *gin.Context) {
	var req ExportKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	key, err := h.wagers.ExportEscrowKey(c.Request.Context(), c.Param("id"), req.Role, middleware.GetAdminID(c))
	if err != nil {
		Error(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	Success(c, key)
}

// StuckEscrows 长时间未到终态或待复核的对赌
// GET /admin/v1/escrows/stuck
func (h *AdminHandler) StuckEscrows(c *gin.Context) {
	items, err := h.recovery.FindStuckEscrows(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, items)
}

// AuditEscrows 核对终态对赌的托管钱包余额
// GET /admin/v1/escrows/audit?since=<RFC3339>，默认最近 24 小时
func (h *AdminHandler) AuditEscrows(c *gin.Context) {
	since := time.Now().Add(-24 * time.Hour)
	if v := c.Query("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			BadRequest(c, "since must be RFC3339")
			return
		}
		since = ts
	}
	report, err := h.recovery.VerifyAllEscrows(c.Request.Context(), since)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, report)
}

// ReviewQueue 待人工复核的对赌
// GET /admin/v1/escrows/review?limit=50
func (h *AdminHandler) ReviewQueue(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		BadRequest(c, "limit must be a positive integer")
		return
	}
	items, err := h.recovery.ReviewQueue(c.Request.Context(), limit)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, items)
}

// RPCEndpoints 节点熔断状态
// GET /admin/v1/rpc/endpoints
func (h *AdminHandler) RPCEndpoints(c *gin.Context) {
	Success(c, h.endpoints.Stats())
}

// ResetRPCEndpoint 节点恢复后手动关闭熔断器
// POST /admin/v1/rpc/endpoints/:host/reset
func (h *AdminHandler) ResetRPCEndpoint(c *gin.Context) {
	if !h.endpoints.ResetBreaker(c.Param("host")) {
		Error(c, apperr.ErrNotFound.WithMessage("rpc endpoint not found"))
		return
	}
	Success(c, gin.H{"endpoint": c.Param("host"), "admin_id": middleware.GetAdminID(c)})
}
