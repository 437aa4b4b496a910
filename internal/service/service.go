// Package service 对赌托管结算的业务逻辑
//
// ========================================
// 对赌生命周期
// ========================================
//
//	PendingDeposit --ConfirmDeposit--> Open --Accept--> Accepting --Settle--> Accepted
//	                                     |                  |
//	                                     |                  +-- 结算前失败 --> Open (清空 acceptor_id)
//	                                     +-- Cancel --> Cancelled
//	任意非终态 --ForceRefund--> Refunded
//
// 并发约束:
//   - status 是唯一的真实来源，所有状态变更走 WagerRepository.TryTransition 条件更新
//   - 软锁 (accepting_party/accepting_since) 只在读取路径上惰性判断是否过期，没有后台清理
//   - 同一笔入金签名只能被 SignatureRepository.RecordIfUnused 消费一次
//
// 资金约束:
//   - 托管私钥只在转账前解密，不写日志，不出现在错误信息中
//   - 结算中途失败时保留已广播的交易哈希并标记 NeedsReview，不自动回滚也不自动重试
//
// ========================================
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos-escrow/internal/repository"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
)

// EventPublisher 对赌事件发布接口，由 kafka.EventPublisher 实现
type EventPublisher interface {
	PublishWagerCreated(ctx context.Context, event *model.WagerCreatedEvent) error
	PublishWagerSettled(ctx context.Context, event *model.WagerSettledEvent) error
	PublishWagerClosed(ctx context.Context, event *model.WagerClosedEvent) error
	PublishSettlementReview(ctx context.Context, event *model.SettlementReviewEvent) error
}

type noopPublisher struct{}

func (noopPublisher) PublishWagerCreated(context.Context, *model.WagerCreatedEvent) error {
	return nil
}

func (noopPublisher) PublishWagerSettled(context.Context, *model.WagerSettledEvent) error {
	return nil
}

func (noopPublisher) PublishWagerClosed(context.Context, *model.WagerClosedEvent) error {
	return nil
}

func (noopPublisher) PublishSettlementReview(context.Context, *model.SettlementReviewEvent) error {
	return nil
}

// auditWriter 审计日志写入失败只记录日志，不影响业务结果
type auditWriter struct {
	repo repository.AuditRepository
}

func newAuditWriter(repo repository.AuditRepository) *auditWriter {
	return &auditWriter{repo: repo}
}

func (a *auditWriter) record(ctx context.Context, event model.AuditEvent, severity model.AuditSeverity,
	userID, wagerID string, details map[string]interface{}) {
	if a == nil || a.repo == nil {
		return
	}

	entry := &model.AuditLog{
		EventType: event,
		UserID:    userID,
		WagerID:   wagerID,
		Severity:  severity,
	}
	if err := entry.SetDetails(details); err != nil {
		logger.Warn("marshal audit details failed",
			zap.String("event", string(event)),
			zap.Error(err))
	}
	if err := a.repo.Create(ctx, entry); err != nil {
		logger.Warn("write audit log failed",
			zap.String("event", string(event)),
			zap.String("wager_id", wagerID),
			zap.Error(err))
	}
}

// publish 事件发布失败不回滚业务
func publish(ctx context.Context, kind string, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		logger.Warn("publish event failed",
			zap.String("event", kind),
			zap.Error(err))
	}
}

func nowMillis(clock func() time.Time) int64 {
	return clock().UnixMilli()
}
