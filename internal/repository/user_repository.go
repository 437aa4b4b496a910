package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eidos-exchange/eidos-escrow/internal/model"
)

var ErrUserNotFound = errors.New("user not found")

const volumeTxRetries = 3

// UserRepository 玩家仓储
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	// Ensure 不存在时创建，已存在时不覆盖
	Ensure(ctx context.Context, user *model.User) error
	SetPayoutAddress(ctx context.Context, id, address string) error
	// AddVolume 累加交易量并重算等级
	AddVolume(ctx context.Context, id string, amount decimal.Decimal) (*model.User, error)
	// SetReferralEscrow 仅在尚未生成时写入推荐人收款托管钱包
	SetReferralEscrow(ctx context.Context, id, address, secret string) (bool, error)
	AddReferralEarnings(ctx context.Context, id string, amount decimal.Decimal) error
}

type userRepository struct {
	*Repository
}

// NewUserRepository 创建玩家仓储
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{Repository: NewRepository(db)}
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := r.DB(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) Ensure(ctx context.Context, user *model.User) error {
	now := time.Now().UnixMilli()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Tier == "" {
		user.Tier = model.VolumeTierStarter
	}
	if user.TokenTier == "" {
		user.TokenTier = model.TokenTierNormie
	}
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(user).Error
}

func (r *userRepository) SetPayoutAddress(ctx context.Context, id, address string) error {
	result := r.DB(ctx).Model(&model.User{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"payout_address": address,
			"updated_at":     time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *userRepository) AddVolume(ctx context.Context, id string, amount decimal.Decimal) (*model.User, error) {
	var updated *model.User
	// 两个玩家的结算可能并发累加同一行，序列化冲突时整体重试
	err := r.TransactionWithRetry(ctx, volumeTxRetries, func(ctx context.Context) error {
		result := r.DB(ctx).Model(&model.User{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"total_volume": gorm.Expr("total_volume + ?", amount),
				"updated_at":   time.Now().UnixMilli(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrUserNotFound
		}

		user, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		tier := model.TierForVolume(user.TotalVolume).Tier
		if tier != user.Tier {
			if err := r.DB(ctx).Model(&model.User{}).
				Where("id = ?", id).
				Update("tier", tier).Error; err != nil {
				return err
			}
			user.Tier = tier
		}
		updated = user
		return nil
	})
	return updated, err
}

func (r *userRepository) SetReferralEscrow(ctx context.Context, id, address, secret string) (bool, error) {
	result := r.DB(ctx).Model(&model.User{}).
		Where("id = ? AND referral_escrow_address = ''", id).
		Updates(map[string]interface{}{
			"referral_escrow_address": address,
			"referral_escrow_secret":  secret,
			"updated_at":              time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *userRepository) AddReferralEarnings(ctx context.Context, id string, amount decimal.Decimal) error {
	return r.DB(ctx).Model(&model.User{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_referral_earnings": gorm.Expr("total_referral_earnings + ?", amount),
			"updated_at":              time.Now().UnixMilli(),
		}).Error
}
