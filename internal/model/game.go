package model

import "github.com/shopspring/decimal"

// Game 对赌结果记录，创建后不可变
// Result 可由任何人根据 (BlockHash, ID) 复算
type Game struct {
	ID              string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	WagerID         string          `gorm:"column:wager_id;type:varchar(36);uniqueIndex;not null" json:"wager_id"`
	BlockHash       string          `gorm:"column:block_hash;type:varchar(66);not null" json:"block_hash"`
	Result          Side            `gorm:"column:result;type:smallint;not null" json:"result"`
	WinnerID        string          `gorm:"column:winner_id;type:varchar(64);not null" json:"winner_id"`
	LoserID         string          `gorm:"column:loser_id;type:varchar(64);not null" json:"loser_id"`
	FeeRate         decimal.Decimal `gorm:"column:fee_rate;type:decimal(10,6);not null" json:"fee_rate"`
	PayoutPerEscrow decimal.Decimal `gorm:"column:payout_per_escrow;type:decimal(36,18);not null" json:"payout_per_escrow"`
	ReferralAmount  decimal.Decimal `gorm:"column:referral_amount;type:decimal(36,18);not null;default:0" json:"referral_amount"`
	// 获胜方收到的两笔转账
	PayoutTxWinner string `gorm:"column:payout_tx_winner;type:varchar(66)" json:"payout_tx_winner"`
	PayoutTxLoser  string `gorm:"column:payout_tx_loser;type:varchar(66)" json:"payout_tx_loser"`
	ReferralTx     string `gorm:"column:referral_tx;type:varchar(66)" json:"referral_tx"`
	// 归集到金库的两笔转账
	FeeTxWinner string `gorm:"column:fee_tx_winner;type:varchar(66)" json:"fee_tx_winner"`
	FeeTxLoser  string `gorm:"column:fee_tx_loser;type:varchar(66)" json:"fee_tx_loser"`
	CreatedAt   int64  `gorm:"column:created_at;type:bigint;not null;autoCreateTime:milli" json:"created_at"`
}

// TableName 返回表名
func (Game) TableName() string {
	return "escrow_games"
}

// TotalPayout 获胜方收到的总额
func (g *Game) TotalPayout() decimal.Decimal {
	return g.PayoutPerEscrow.Mul(decimal.NewFromInt(2))
}

// OutcomeVerification 公开的结果校验视图
type OutcomeVerification struct {
	WagerID          string `json:"wager_id"`
	GameID           string `json:"game_id"`
	BlockHash        string `json:"block_hash"`
	Result           string `json:"result"`
	RecomputedResult string `json:"recomputed_result"`
	Verified         bool   `json:"verified"`
}
