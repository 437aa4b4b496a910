// Package router 提供路由注册
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eidos-exchange/eidos-escrow/internal/handler"
	"github.com/eidos-exchange/eidos-escrow/internal/middleware"
)

// Router 路由管理器
type Router struct {
	engine    *gin.Engine
	adminAuth *middleware.AdminAuth
}

// New 创建路由管理器
func New(engine *gin.Engine, adminAuth *middleware.AdminAuth) *Router {
	return &Router{engine: engine, adminAuth: adminAuth}
}

// RegisterMiddleware 注册全局中间件
func (r *Router) RegisterMiddleware() {
	// Recovery → RequestID → Logger → Metrics
	r.engine.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Logger(),
		middleware.Metrics(),
	)
}

// RegisterRoutes 注册路由
func (r *Router) RegisterRoutes(
	healthHandler *handler.HealthHandler,
	wagerHandler *handler.WagerHandler,
	adminHandler *handler.AdminHandler,
) {
	// ========== 健康检查 ==========
	r.engine.GET("/health/live", healthHandler.Live)
	r.engine.GET("/health/ready", healthHandler.Ready)

	// ========== Prometheus 监控端点 ==========
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ========== API v1 ==========
	v1 := r.engine.Group("/api/v1")
	wagers := v1.Group("/wagers")
	{
		wagers.POST("", wagerHandler.Create)
		wagers.GET("", wagerHandler.ListOpen)
		wagers.GET("/:id", wagerHandler.Get)
		wagers.POST("/:id/deposit", wagerHandler.ConfirmDeposit)
		wagers.GET("/:id/deposit-status", wagerHandler.DepositStatus)
		wagers.POST("/:id/prepare-accept", wagerHandler.PrepareAccept)
		wagers.POST("/:id/accept", wagerHandler.Accept)
		wagers.POST("/:id/abandon", wagerHandler.AbandonAccept)
		wagers.POST("/:id/cancel", wagerHandler.Cancel)
		wagers.GET("/:id/verify", wagerHandler.VerifyOutcome)
	}
	v1.POST("/referrals/claim", wagerHandler.ClaimReferralEarnings)

	// ========== 管理接口 ==========
	admin := r.engine.Group("/admin/v1")
	admin.Use(r.adminAuth.Required())
	{
		admin.POST("/wagers/:id/force-refund", adminHandler.ForceRefund)
		admin.POST("/wagers/:id/export-key", adminHandler.ExportEscrowKey)
		admin.GET("/escrows/stuck", adminHandler.StuckEscrows)
		admin.GET("/escrows/audit", adminHandler.AuditEscrows)
		admin.GET("/escrows/review", adminHandler.ReviewQueue)
		admin.GET("/rpc/endpoints", adminHandler.RPCEndpoints)
		admin.POST("/rpc/endpoints/:host/reset", adminHandler.ResetRPCEndpoint)
	}
}
