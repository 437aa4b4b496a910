package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-escrow/internal/middleware"
	"github.com/eidos-exchange/eidos-escrow/internal/rpc"
	"github.com/eidos-exchange/eidos-escrow/internal/service"
	"github.com/eidos-exchange/eidos-escrow/pkg/circuitbreaker"
	apperr "github.com/eidos-exchange/eidos-escrow/pkg/errors"
)

type MockAdminService struct {
	mock.Mock
}

func (m *MockAdminService) ForceRefund(ctx context.Context, wagerID, adminID, reason string) (*service.CloseResult, error) {
	args := m.Called(ctx, wagerID, adminID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.CloseResult), args.Error(1)
}

func (m *MockAdminService) ExportEscrowKey(ctx context.Context, wagerID, role, adminID string) (*service.ExportedKey, error) {
	args := m.Called(ctx, wagerID, role, adminID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ExportedKey), args.Error(1)
}

type MockRecoveryService struct {
	mock.Mock
}

func (m *MockRecoveryService) FindStuckEscrows(ctx context.Context) ([]*service.StuckEscrow, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*service.StuckEscrow), args.Error(1)
}

func (m *MockRecoveryService) VerifyAllEscrows(ctx context.Context, since time.Time) (*service.EscrowAuditReport, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.EscrowAuditReport), args.Error(1)
}

func (m *MockRecoveryService) ReviewQueue(ctx context.Context, limit int) ([]*service.StuckEscrow, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*service.StuckEscrow), args.Error(1)
}

type MockEndpointAdmin struct {
	mock.Mock
}

func (m *MockEndpointAdmin) Stats() []rpc.EndpointStats {
	return m.Called().Get(0).([]rpc.EndpointStats)
}

func (m *MockEndpointAdmin) ResetBreaker(label string) bool {
	return m.Called(label).Bool(0)
}

func setupAdminRouter(wagers *MockAdminService, recovery *MockRecoveryService, endpoints ...*MockEndpointAdmin) *gin.Engine {
	r := gin.New()
	ep := new(MockEndpointAdmin)
	if len(endpoints) > 0 {
		ep = endpoints[0]
	}
	h := NewAdminHandler(wagers, recovery, ep)
	withAdmin := func(next gin.HandlerFunc) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set(middleware.ContextKeyAdminID, "ops-1")
			next(c)
		}
	}
	r.POST("/wagers/:id/force-refund", withAdmin(h.ForceRefund))
	r.POST("/wagers/:id/export-key", withAdmin(h.ExportEscrowKey))
	r.GET("/escrows/stuck", h.StuckEscrows)
	r.GET("/escrows/audit", h.AuditEscrows)
	r.GET("/escrows/review", h.ReviewQueue)
	r.GET("/rpc/endpoints", h.RPCEndpoints)
	r.POST("/rpc/endpoints/:host/reset", withAdmin(h.ResetRPCEndpoint))
	return r
}

func TestForceRefund(t *testing.T) {
	wagers := new(MockAdminService)
	r := setupAdminRouter(wagers, new(MockRecoveryService))
	wagers.On("ForceRefund", mock.Anything, "w1", "ops-1", "stuck").Return(&service.CloseResult{
		WagerID:  "w1",
		Status:   "REFUNDED",
		TxHashes: []string{"0xa", "0xb"},
	}, nil)
	wagers.On("ForceRefund", mock.Anything, "w2", "ops-1", "stuck").Return(nil, apperr.ErrInvalidWagerStatus)

	w := serve(r, http.MethodPost, "/wagers/w1/force-refund", `{"reason":"stuck"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "REFUNDED", decode(t, w)["data"].(map[string]interface{})["status"])

	w = serve(r, http.MethodPost, "/wagers/w2/force-refund", `{"reason":"stuck"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(r, http.MethodPost, "/wagers/w1/force-refund", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	wagers.AssertNumberOfCalls(t, "ForceRefund", 2)
}

func TestExportEscrowKey(t *testing.T) {
	wagers := new(MockAdminService)
	r := setupAdminRouter(wagers, new(MockRecoveryService))
	wagers.On("ExportEscrowKey", mock.Anything, "w1", "creator", "ops-1").Return(&service.ExportedKey{
		WagerID: "w1",
		Role:    "creator",
		Address: "0xe5c0",
		Secret:  "0xsecret",
	}, nil)

	w := serve(r, http.MethodPost, "/wagers/w1/export-key", `{"role":"creator"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "0xsecret", decode(t, w)["data"].(map[string]interface{})["secret"])

	w = serve(r, http.MethodPost, "/wagers/w1/export-key", `{"role":"treasury"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	wagers.AssertNumberOfCalls(t, "ExportEscrowKey", 1)
}

func TestStuckEscrows(t *testing.T) {
	recovery := new(MockRecoveryService)
	r := setupAdminRouter(new(MockAdminService), recovery)
	recovery.On("FindStuckEscrows", mock.Anything).Return([]*service.StuckEscrow{
		{WagerID: "w1", Status: "ACCEPTING", NeedsReview: true},
	}, nil)

	w := serve(r, http.MethodGet, "/escrows/stuck", "")
	assert.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["data"].([]interface{})
	assert.Len(t, items, 1)
}

func TestAuditEscrows(t *testing.T) {
	recovery := new(MockRecoveryService)
	r := setupAdminRouter(new(MockAdminService), recovery)

	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	recovery.On("VerifyAllEscrows", mock.Anything, mock.MatchedBy(func(ts time.Time) bool {
		return ts.Equal(since)
	})).Return(&service.EscrowAuditReport{
		Checked: 3,
		Residuals: []service.EscrowResidual{
			{WagerID: "w1", Role: "creator", Balance: decimal.RequireFromString("0.5")},
		},
		TotalResidual: decimal.RequireFromString("0.5"),
	}, nil)

	w := serve(r, http.MethodGet, "/escrows/audit?since=2026-01-02T03:04:05Z", "")
	assert.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(3), data["checked"])
	assert.Equal(t, "0.5", data["total_residual"])

	w = serve(r, http.MethodGet, "/escrows/audit?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	recovery.AssertNumberOfCalls(t, "VerifyAllEscrows", 1)
}

func TestReviewQueue(t *testing.T) {
	recovery := new(MockRecoveryService)
	r := setupAdminRouter(new(MockAdminService), recovery)
	recovery.On("ReviewQueue", mock.Anything, 50).Return([]*service.StuckEscrow{
		{WagerID: "w1", Status: "ACCEPTING", NeedsReview: true, FailedStep: "loser_sweep"},
	}, nil)
	recovery.On("ReviewQueue", mock.Anything, 5).Return([]*service.StuckEscrow{}, nil)

	w := serve(r, http.MethodGet, "/escrows/review", "")
	assert.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["data"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "loser_sweep", items[0].(map[string]interface{})["failed_step"])

	w = serve(r, http.MethodGet, "/escrows/review?limit=5", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, http.MethodGet, "/escrows/review?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	recovery.AssertNumberOfCalls(t, "ReviewQueue", 2)
}

func TestRPCEndpoints(t *testing.T) {
	endpoints := new(MockEndpointAdmin)
	r := setupAdminRouter(new(MockAdminService), new(MockRecoveryService), endpoints)
	endpoints.On("Stats").Return([]rpc.EndpointStats{
		{URL: "primary.example.com", State: circuitbreaker.StateOpen, Failures: 3},
		{URL: "backup.example.com", State: circuitbreaker.StateClosed},
	})
	endpoints.On("ResetBreaker", "primary.example.com").Return(true)
	endpoints.On("ResetBreaker", "unknown.example.com").Return(false)

	w := serve(r, http.MethodGet, "/rpc/endpoints", "")
	assert.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["data"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, "open", items[0].(map[string]interface{})["state"])

	w = serve(r, http.MethodPost, "/rpc/endpoints/primary.example.com/reset", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops-1", decode(t, w)["data"].(map[string]interface{})["admin_id"])

	w = serve(r, http.MethodPost, "/rpc/endpoints/unknown.example.com/reset", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	endpoints.AssertNumberOfCalls(t, "ResetBreaker", 2)
}
