package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-escrow/internal/model"
)

var (
	ErrWagerNotFound  = errors.New("wager not found")
	ErrDuplicateWager = errors.New("duplicate wager")
)

// WagerRepository 对赌仓储接口
// status 是唯一的真实来源，状态变更一律走条件更新
type WagerRepository interface {
	Create(ctx context.Context, wager *model.Wager) error
	GetByID(ctx context.Context, id string) (*model.Wager, error)

	// TryTransition 仅当当前状态为 from 时切换到 to，并写入 extra 字段
	// 返回 false 表示前置条件不满足，未做任何修改
	TryTransition(ctx context.Context, id string, from, to model.WagerStatus, extra map[string]interface{}) (bool, error)
	// TryAccept 原子接受: Open -> Accepting 并写入 acceptor_id
	TryAccept(ctx context.Context, id, acceptorID string) (bool, error)
	// RevertAccept Accepting -> Open 并清空 acceptor_id
	RevertAccept(ctx context.Context, id string) (bool, error)
	// TryCancel Open -> Cancelled，要求没有未过期的软锁 (accepting_since < staleBefore 视为过期)
	// 且接受方未登记入金，同时清除软锁
	TryCancel(ctx context.Context, id string, staleBefore int64) (bool, error)

	// SetSoftLock 在 Open 状态下占用软锁并写入接受方托管钱包
	// 已有他人的软锁且未过期 (accepting_since >= staleBefore) 时返回 false
	SetSoftLock(ctx context.Context, id, party string, escrow model.EscrowRecord, now, staleBefore int64) (bool, error)
	// ClearSoftLock 仅持有者可清除软锁
	ClearSoftLock(ctx context.Context, id, party string) (bool, error)
	// SetAcceptorDeposit 记录接受方入金签名
	SetAcceptorDeposit(ctx context.Context, id, txSignature string) error

	UpdateProgress(ctx context.Context, id string, progress model.SettlementProgress, needsReview bool) error
	ClearReview(ctx context.Context, id string) error

	ListByStatus(ctx context.Context, status model.WagerStatus, page *Pagination) ([]*model.Wager, error)
	ListStuck(ctx context.Context, createdBefore int64, limit int) ([]*model.Wager, error)
	ListNeedsReview(ctx context.Context, limit int) ([]*model.Wager, error)
	ListTerminalSince(ctx context.Context, updatedAfter int64, limit int) ([]*model.Wager, error)
	CountNeedsReview(ctx context.Context) (int64, error)
}

type wagerRepository struct {
	*Repository
}

// NewWagerRepository 创建对赌仓储
func NewWagerRepository(db *gorm.DB) WagerRepository {
	return &wagerRepository{Repository: NewRepository(db)}
}

func (r *wagerRepository) Create(ctx context.Context, wager *model.Wager) error {
	now := time.Now().UnixMilli()
	wager.CreatedAt = now
	wager.UpdatedAt = now
	err := r.DB(ctx).Create(wager).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateWager
	}
	return err
}

func (r *wagerRepository) GetByID(ctx context.Context, id string) (*model.Wager, error) {
	var wager model.Wager
	err := r.DB(ctx).Where("id = ?", id).First(&wager).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWagerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wager, nil
}

func (r *wagerRepository) TryTransition(ctx context.Context, id string, from, to model.WagerStatus, extra map[string]interface{}) (bool, error) {
	updates := make(map[string]interface{}, len(extra)+2)
	for k, v := range extra {
		updates[k] = v
	}
	updates["status"] = to
	updates["updated_at"] = time.Now().UnixMilli()

	result := r.DB(ctx).Model(&model.Wager{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *wagerRepository) TryAccept(ctx context.Context, id, acceptorID string) (bool, error) {
	return r.TryTransition(ctx, id, model.WagerStatusOpen, model.WagerStatusAccepting, map[string]interface{}{
		"acceptor_id": acceptorID,
	})
}

func (r *wagerRepository) RevertAccept(ctx context.Context, id string) (bool, error) {
	return r.TryTransition(ctx, id, model.WagerStatusAccepting, model.WagerStatusOpen, map[string]interface{}{
		"acceptor_id": "",
	})
}

func (r *wagerRepository) TryCancel(ctx context.Context, id string, staleBefore int64) (bool, error) {
	result := r.DB(ctx).Model(&model.Wager{}).
		Where("id = ? AND status = ?", id, model.WagerStatusOpen).
		Where("(accepting_party = '' OR accepting_since < ?)", staleBefore).
		Where("acceptor_escrow_deposit_tx = ''").
		Updates(map[string]interface{}{
			"status":          model.WagerStatusCancelled,
			"accepting_party": "",
			"accepting_since": 0,
			"updated_at":      time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *wagerRepository) SetSoftLock(ctx context.Context, id, party string, escrow model.EscrowRecord, now, staleBefore int64) (bool, error) {
	result := r.DB(ctx).Model(&model.Wager{}).
		Where("id = ? AND status = ?", id, model.WagerStatusOpen).
		Where("(acceptor_escrow_deposit_tx = '' OR accepting_party = ?)", party).
		Where("(accepting_party = '' OR accepting_party = ? OR accepting_since < ?)", party, staleBefore).
		Updates(map[string]interface{}{
			"accepting_party":            party,
			"accepting_since":            now,
			"acceptor_escrow_address":    escrow.Address,
			"acceptor_escrow_secret":     escrow.Secret,
			"acceptor_escrow_deposit_tx": escrow.DepositTx,
			"updated_at":                 now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *wagerRepository) ClearSoftLock(ctx context.Context, id, party string) (bool, error) {
	result := r.DB(ctx).Model(&model.Wager{}).
		Where("id = ? AND accepting_party = ?", id, party).
		Updates(map[string]interface{}{
			"accepting_party": "",
			"accepting_since": 0,
			"updated_at":      time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *wagerRepository) SetAcceptorDeposit(ctx context.Context, id, txSignature string) error {
	result := r.DB(ctx).Model(&model.Wager{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"acceptor_escrow_deposit_tx": txSignature,
			"updated_at":                 time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWagerNotFound
	}
	return nil
}

func (r *wagerRepository) UpdateProgress(ctx context.Context, id string, p model.SettlementProgress, needsReview bool) error {
	result := r.DB(ctx).Model(&model.Wager{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"settle_game_id":          p.GameID,
			"settle_block_hash":       p.BlockHash,
			"settle_result":           p.Result,
			"settle_winner_payout_tx": p.WinnerPayoutTx,
			"settle_loser_payout_tx":  p.LoserPayoutTx,
			"settle_referral_tx":      p.ReferralTx,
			"settle_winner_sweep_tx":  p.WinnerSweepTx,
			"settle_loser_sweep_tx":   p.LoserSweepTx,
			"settle_failed_step":      p.FailedStep,
			"settle_error":            truncate(p.Error, 500),
			"needs_review":            needsReview,
			"updated_at":              time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWagerNotFound
	}
	return nil
}

func (r *wagerRepository) ClearReview(ctx context.Context, id string) error {
	return r.DB(ctx).Model(&model.Wager{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"needs_review": false,
			"updated_at":   time.Now().UnixMilli(),
		}).Error
}

func (r *wagerRepository) ListByStatus(ctx context.Context, status model.WagerStatus, page *Pagination) ([]*model.Wager, error) {
	var wagers []*model.Wager
	query := r.DB(ctx).Model(&model.Wager{}).Where("status = ?", status)

	if page != nil {
		if err := query.Count(&page.Total).Error; err != nil {
			return nil, err
		}
		query = query.Offset(page.Offset()).Limit(page.Limit())
	}

	err := query.Order("created_at DESC").Find(&wagers).Error
	return wagers, err
}

func (r *wagerRepository) ListStuck(ctx context.Context, createdBefore int64, limit int) ([]*model.Wager, error) {
	var wagers []*model.Wager
	err := r.DB(ctx).
		Where("(status IN ? AND created_at < ?) OR needs_review = ?",
			[]model.WagerStatus{model.WagerStatusPendingDeposit, model.WagerStatusOpen, model.WagerStatusAccepting},
			createdBefore, true).
		Order("created_at ASC").
		Limit(limit).
		Find(&wagers).Error
	return wagers, err
}

func (r *wagerRepository) ListNeedsReview(ctx context.Context, limit int) ([]*model.Wager, error) {
	var wagers []*model.Wager
	err := r.DB(ctx).
		Where("needs_review = ?", true).
		Order("updated_at ASC").
		Limit(limit).
		Find(&wagers).Error
	return wagers, err
}

func (r *wagerRepository) ListTerminalSince(ctx context.Context, updatedAfter int64, limit int) ([]*model.Wager, error) {
	var wagers []*model.Wager
	err := r.DB(ctx).
		Where("status IN ? AND updated_at >= ?",
			[]model.WagerStatus{model.WagerStatusAccepted, model.WagerStatusCancelled, model.WagerStatusRefunded},
			updatedAfter).
		Order("updated_at ASC").
		Limit(limit).
		Find(&wagers).Error
	return wagers, err
}

func (r *wagerRepository) CountNeedsReview(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Wager{}).Where("needs_review = ?", true).Count(&count).Error
	return count, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
