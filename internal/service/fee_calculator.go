package service

import (
	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos-escrow/internal/config"
	"github.com/eidos-exchange/eidos-escrow/internal/model"
)

// amountPrecision 链上最小单位 (wei) 对应的小数位
const amountPrecision = 18

// FeeCalculator 手续费计算
//
// 获胜方的交易量等级决定费率，推荐人的等级决定佣金比例。
// 交易量折扣 = 1 - 等级费率/基础费率，与持币折扣相加后不超过 MaxCombinedDiscount。
type FeeCalculator struct {
	baseRate    decimal.Decimal
	maxDiscount decimal.Decimal
}

// FeeQuote 一次结算的金额拆分
type FeeQuote struct {
	Rate            decimal.Decimal
	PayoutPerEscrow decimal.Decimal // 每个托管钱包转给获胜方的金额
	TotalFee        decimal.Decimal // 两个托管钱包合计扣除的手续费
	Commission      decimal.Decimal // 推荐佣金，从手续费中支出
}

// NewFeeCalculator 创建手续费计算器
func NewFeeCalculator(cfg config.FeeConfig) *FeeCalculator {
	base := cfg.BaseRate
	if base.IsZero() {
		base = decimal.RequireFromString("0.02")
	}
	maxDiscount := cfg.MaxCombinedDiscount
	if maxDiscount.IsZero() {
		maxDiscount = decimal.RequireFromString("0.40")
	}
	return &FeeCalculator{baseRate: base, maxDiscount: maxDiscount}
}

// BaseRate 基础费率
func (c *FeeCalculator) BaseRate() decimal.Decimal {
	return c.baseRate
}

// VolumeDiscount 交易量等级折扣
func (c *FeeCalculator) VolumeDiscount(tier model.VolumeTier) decimal.Decimal {
	tierRate := model.LookupTier(tier).FeeRate
	if !tierRate.LessThan(c.baseRate) {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Sub(tierRate.Div(c.baseRate))
}

// CombinedDiscount 合并折扣，封顶 maxDiscount
func (c *FeeCalculator) CombinedDiscount(tier model.VolumeTier, token model.TokenTier) decimal.Decimal {
	combined := c.VolumeDiscount(tier).Add(token.Discount())
	if combined.GreaterThan(c.maxDiscount) {
		return c.maxDiscount
	}
	return combined
}

// EffectiveRate 实际费率
func (c *FeeCalculator) EffectiveRate(tier model.VolumeTier, token model.TokenTier) decimal.Decimal {
	discount := c.CombinedDiscount(tier, token)
	return c.baseRate.Mul(decimal.NewFromInt(1).Sub(discount))
}

// Quote 按费率与推荐佣金比例拆分金额，所有金额截断到 18 位小数
func (c *FeeCalculator) Quote(stake, rate, commissionRate decimal.Decimal) FeeQuote {
	payout := stake.Mul(decimal.NewFromInt(1).Sub(rate)).Truncate(amountPrecision)
	totalFee := stake.Sub(payout).Mul(decimal.NewFromInt(2))
	return FeeQuote{
		Rate:            rate,
		PayoutPerEscrow: payout,
		TotalFee:        totalFee,
		Commission:      totalFee.Mul(commissionRate).Truncate(amountPrecision),
	}
}
