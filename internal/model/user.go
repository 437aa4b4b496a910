package model

import "github.com/shopspring/decimal"

// VolumeTier 交易量等级
type VolumeTier string

const (
	VolumeTierStarter VolumeTier = "starter"
	VolumeTierBronze  VolumeTier = "bronze"
	VolumeTierSilver  VolumeTier = "silver"
	VolumeTierGold    VolumeTier = "gold"
	VolumeTierDiamond VolumeTier = "diamond"
)

// TierSpec 等级参数
type TierSpec struct {
	Tier           VolumeTier
	MinVolume      decimal.Decimal
	FeeRate        decimal.Decimal
	CommissionRate decimal.Decimal
}

// VolumeTiers 按门槛升序排列
var VolumeTiers = []TierSpec{
	{VolumeTierStarter, decimal.Zero, decimal.RequireFromString("0.02"), decimal.Zero},
	{VolumeTierBronze, decimal.NewFromInt(250), decimal.RequireFromString("0.019"), decimal.RequireFromString("0.025")},
	{VolumeTierSilver, decimal.NewFromInt(500), decimal.RequireFromString("0.018"), decimal.RequireFromString("0.05")},
	{VolumeTierGold, decimal.NewFromInt(1000), decimal.RequireFromString("0.017"), decimal.RequireFromString("0.075")},
	{VolumeTierDiamond, decimal.NewFromInt(5000), decimal.RequireFromString("0.015"), decimal.RequireFromString("0.10")},
}

// TierForVolume 根据累计交易量确定等级
func TierForVolume(volume decimal.Decimal) TierSpec {
	spec := VolumeTiers[0]
	for _, t := range VolumeTiers {
		if volume.GreaterThanOrEqual(t.MinVolume) {
			spec = t
		}
	}
	return spec
}

// LookupTier 按名称查等级，未知名称按 starter 处理
func LookupTier(tier VolumeTier) TierSpec {
	for _, t := range VolumeTiers {
		if t.Tier == tier {
			return t
		}
	}
	return VolumeTiers[0]
}

// TokenTier 持币等级
type TokenTier string

const (
	TokenTierNormie   TokenTier = "normie"
	TokenTierDegen    TokenTier = "degen"
	TokenTierApe      TokenTier = "ape"
	TokenTierChad     TokenTier = "chad"
	TokenTierGigachad TokenTier = "gigachad"
	TokenTierWhale    TokenTier = "whale"
)

var tokenDiscounts = map[TokenTier]decimal.Decimal{
	TokenTierWhale:    decimal.RequireFromString("0.15"),
	TokenTierGigachad: decimal.RequireFromString("0.12"),
	TokenTierChad:     decimal.RequireFromString("0.09"),
	TokenTierApe:      decimal.RequireFromString("0.06"),
	TokenTierDegen:    decimal.RequireFromString("0.03"),
}

// Discount 持币折扣
func (t TokenTier) Discount() decimal.Decimal {
	if d, ok := tokenDiscounts[t]; ok {
		return d
	}
	return decimal.Zero
}

// User 玩家
type User struct {
	ID                    string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	PayoutAddress         string          `gorm:"column:payout_address;type:varchar(42)" json:"payout_address"`
	ReferrerID            string          `gorm:"column:referrer_id;type:varchar(64);index" json:"referrer_id"`
	ReferralCode          string          `gorm:"column:referral_code;type:varchar(32)" json:"referral_code"`
	TotalVolume           decimal.Decimal `gorm:"column:total_volume;type:decimal(36,18);not null;default:0" json:"total_volume"`
	Tier                  VolumeTier      `gorm:"column:tier;type:varchar(16);not null;default:'starter'" json:"tier"`
	TokenTier             TokenTier       `gorm:"column:token_tier;type:varchar(16);not null;default:'normie'" json:"token_tier"`
	ReferralEscrowAddress string          `gorm:"column:referral_escrow_address;type:varchar(42)" json:"referral_escrow_address"`
	ReferralEscrowSecret  string          `gorm:"column:referral_escrow_secret;type:text" json:"-"`
	TotalReferralEarnings decimal.Decimal `gorm:"column:total_referral_earnings;type:decimal(36,18);not null;default:0" json:"total_referral_earnings"`
	CreatedAt             int64           `gorm:"column:created_at;type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt             int64           `gorm:"column:updated_at;type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (User) TableName() string {
	return "escrow_users"
}
