package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-escrow/internal/model"
)

// AuditRepository 审计日志仓储
type AuditRepository interface {
	Create(ctx context.Context, log *model.AuditLog) error
	ListByWager(ctx context.Context, wagerID string) ([]*model.AuditLog, error)
	ListByEvent(ctx context.Context, event model.AuditEvent, page *Pagination) ([]*model.AuditLog, error)
}

type auditRepository struct {
	*Repository
}

// NewAuditRepository 创建审计日志仓储
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{Repository: NewRepository(db)}
}

func (r *auditRepository) Create(ctx context.Context, log *model.AuditLog) error {
	log.CreatedAt = time.Now().UnixMilli()
	if log.Details == "" {
		log.Details = "{}"
	}
	return r.DB(ctx).Create(log).Error
}

func (r *auditRepository) ListByWager(ctx context.Context, wagerID string) ([]*model.AuditLog, error) {
	var logs []*model.AuditLog
	err := r.DB(ctx).
		Where("wager_id = ?", wagerID).
		Order("id ASC").
		Find(&logs).Error
	return logs, err
}

func (r *auditRepository) ListByEvent(ctx context.Context, event model.AuditEvent, page *Pagination) ([]*model.AuditLog, error) {
	var logs []*model.AuditLog
	query := r.DB(ctx).Model(&model.AuditLog{}).Where("event_type = ?", event)

	if page != nil {
		if err := query.Count(&page.Total).Error; err != nil {
			return nil, err
		}
		query = query.Offset(page.Offset()).Limit(page.Limit())
	}

	err := query.Order("id DESC").Find(&logs).Error
	return logs, err
}
