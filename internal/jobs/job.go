// Package jobs 定时巡检任务
package jobs

import (
	"context"
	"time"

	"github.com/eidos-exchange/eidos-escrow/internal/service"
)

// 任务名称
const (
	JobNameStrandedReview = "stranded-wager-review"
	JobNameEscrowAudit    = "escrow-balance-audit"
)

// Job 任务接口
type Job interface {
	// Name 任务名称，同时作为分布式锁的 key
	Name() string
	// Execute 执行任务
	Execute(ctx context.Context) (*Result, error)
	// Timeout 单次执行超时
	Timeout() time.Duration
}

// Result 任务执行结果
type Result struct {
	Processed int
	Flagged   int
	Errors    int
}

// RecoveryService 巡检依赖的恢复服务
type RecoveryService interface {
	FindStuckEscrows(ctx context.Context) ([]*service.StuckEscrow, error)
	VerifyAllEscrows(ctx context.Context, since time.Time) (*service.EscrowAuditReport, error)
}
