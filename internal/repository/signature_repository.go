package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eidos-exchange/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
)

// ErrSignatureNotFound 签名未被消费
var ErrSignatureNotFound = errors.New("signature not found")

const (
	signatureKeyPrefix = "eidos:escrow:sig:"
	signatureCacheTTL  = 7 * 24 * time.Hour
)

// SignatureRepository 入金签名防重放仓储
// Redis 只做已消费签名的快速拒绝，数据库唯一约束是最终依据
type SignatureRepository interface {
	// IsUsed 先查 Redis，未命中或 Redis 异常时查数据库
	IsUsed(ctx context.Context, signature string) (bool, error)
	// RecordIfUnused 检查并记录在一步内完成，返回 false 表示签名已被消费
	RecordIfUnused(ctx context.Context, sig *model.UsedSignature) (bool, error)
	GetBySignature(ctx context.Context, signature string) (*model.UsedSignature, error)
}

type signatureRepository struct {
	*Repository
	rdb redis.Cmdable
}

// NewSignatureRepository 创建签名仓储
func NewSignatureRepository(db *gorm.DB, rdb redis.Cmdable) SignatureRepository {
	return &signatureRepository{
		Repository: NewRepository(db),
		rdb:        rdb,
	}
}

func signatureKey(signature string) string {
	return signatureKeyPrefix + signature
}

func (r *signatureRepository) IsUsed(ctx context.Context, signature string) (bool, error) {
	if r.rdb != nil {
		exists, err := r.rdb.Exists(ctx, signatureKey(signature)).Result()
		if err == nil && exists > 0 {
			return true, nil
		}
	}

	var count int64
	err := r.DB(ctx).Model(&model.UsedSignature{}).
		Where("signature = ?", signature).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check signature in db failed: %w", err)
	}
	return count > 0, nil
}

func (r *signatureRepository) RecordIfUnused(ctx context.Context, sig *model.UsedSignature) (bool, error) {
	if r.rdb != nil {
		exists, err := r.rdb.Exists(ctx, signatureKey(sig.Signature)).Result()
		if err == nil && exists > 0 {
			return false, nil
		}
	}

	sig.CreatedAt = time.Now().UnixMilli()
	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "signature"}},
		DoNothing: true,
	}).Create(sig)
	if result.Error != nil {
		if isDuplicateKeyError(result.Error) {
			r.cache(ctx, sig.Signature)
			return false, nil
		}
		return false, fmt.Errorf("record signature failed: %w", result.Error)
	}

	r.cache(ctx, sig.Signature)
	return result.RowsAffected > 0, nil
}

func (r *signatureRepository) cache(ctx context.Context, signature string) {
	if r.rdb == nil {
		return
	}
	// 缓存写失败不影响结果，下次查询回落到数据库
	if err := r.rdb.Set(ctx, signatureKey(signature), "1", signatureCacheTTL).Err(); err != nil {
		logger.Warn("cache used signature failed", zap.String("signature", signature), zap.Error(err))
	}
}

func (r *signatureRepository) GetBySignature(ctx context.Context, signature string) (*model.UsedSignature, error) {
	var sig model.UsedSignature
	err := r.DB(ctx).Where("signature = ?", signature).First(&sig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSignatureNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sig, nil
}
