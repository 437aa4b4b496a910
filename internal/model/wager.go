package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// WagerStatus 对赌状态
type WagerStatus int8

const (
	WagerStatusPendingDeposit WagerStatus = 0 // 等待创建者入金
	WagerStatusOpen           WagerStatus = 1 // 已入金，等待对手
	WagerStatusAccepting      WagerStatus = 2 // 已锁定对手，结算中
	WagerStatusAccepted       WagerStatus = 3 // 已结算
	WagerStatusCancelled      WagerStatus = 4 // 创建者取消
	WagerStatusRefunded       WagerStatus = 5 // 管理员强制退款
)

func (s WagerStatus) String() string {
	switch s {
	case WagerStatusPendingDeposit:
		return "PENDING_DEPOSIT"
	case WagerStatusOpen:
		return "OPEN"
	case WagerStatusAccepting:
		return "ACCEPTING"
	case WagerStatusAccepted:
		return "ACCEPTED"
	case WagerStatusCancelled:
		return "CANCELLED"
	case WagerStatusRefunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s WagerStatus) IsTerminal() bool {
	return s == WagerStatusAccepted || s == WagerStatusCancelled || s == WagerStatusRefunded
}

// Side 硬币面
type Side int8

const (
	SideA Side = 1 // heads
	SideB Side = 2 // tails
)

func (s Side) String() string {
	switch s {
	case SideA:
		return "A"
	case SideB:
		return "B"
	default:
		return "UNKNOWN"
	}
}

// Valid 是否合法
func (s Side) Valid() bool {
	return s == SideA || s == SideB
}

// Opposite 对手方
func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// ParseSide 解析外部输入，接受 A/B 与 heads/tails
func ParseSide(v string) (Side, bool) {
	switch v {
	case "A", "a", "heads", "HEADS":
		return SideA, true
	case "B", "b", "tails", "TAILS":
		return SideB, true
	default:
		return 0, false
	}
}

// EscrowRecord 单次使用的托管钱包
// Secret 为加密后的私钥，只在转账调用内解密
type EscrowRecord struct {
	Address   string `gorm:"column:address;type:varchar(42)" json:"address"`
	Secret    string `gorm:"column:secret;type:text" json:"-"`
	DepositTx string `gorm:"column:deposit_tx;type:varchar(66)" json:"deposit_tx"`
}

// IsZero 是否尚未生成
func (e EscrowRecord) IsZero() bool {
	return e.Address == ""
}

// SettlementStep 结算进度
type SettlementStep string

const (
	SettlementStepNone           SettlementStep = ""
	SettlementStepWinnerPayout   SettlementStep = "winner_payout"
	SettlementStepLoserPayout    SettlementStep = "loser_payout"
	SettlementStepReferral       SettlementStep = "referral"
	SettlementStepWinnerSweep    SettlementStep = "winner_sweep"
	SettlementStepLoserSweep     SettlementStep = "loser_sweep"
	SettlementStepPersistOutcome SettlementStep = "persist_outcome"
	SettlementStepDone           SettlementStep = "done"

	// 取消流程
	SettlementStepRefund      SettlementStep = "refund"
	SettlementStepRefundSweep SettlementStep = "refund_sweep"
)

// SettlementProgress 记录已广播的转账，部分结算时供人工对账
type SettlementProgress struct {
	GameID         string         `gorm:"column:game_id;type:varchar(36)" json:"game_id"`
	BlockHash      string         `gorm:"column:block_hash;type:varchar(66)" json:"block_hash"`
	Result         Side           `gorm:"column:result;type:smallint;default:0" json:"result"`
	WinnerPayoutTx string         `gorm:"column:winner_payout_tx;type:varchar(66)" json:"winner_payout_tx"`
	LoserPayoutTx  string         `gorm:"column:loser_payout_tx;type:varchar(66)" json:"loser_payout_tx"`
	ReferralTx     string         `gorm:"column:referral_tx;type:varchar(66)" json:"referral_tx"`
	WinnerSweepTx  string         `gorm:"column:winner_sweep_tx;type:varchar(66)" json:"winner_sweep_tx"`
	LoserSweepTx   string         `gorm:"column:loser_sweep_tx;type:varchar(66)" json:"loser_sweep_tx"`
	FailedStep     SettlementStep `gorm:"column:failed_step;type:varchar(32)" json:"failed_step"`
	Error          string         `gorm:"column:error;type:varchar(500)" json:"error"`
}

// AnyBroadcast 是否已有转账广播上链
func (p SettlementProgress) AnyBroadcast() bool {
	return p.WinnerPayoutTx != "" || p.LoserPayoutTx != "" || p.ReferralTx != "" ||
		p.WinnerSweepTx != "" || p.LoserSweepTx != ""
}

// Wager 点对点硬币对赌
type Wager struct {
	ID             string             `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CreatorID      string             `gorm:"column:creator_id;type:varchar(64);index;not null" json:"creator_id"`
	AcceptorID     string             `gorm:"column:acceptor_id;type:varchar(64)" json:"acceptor_id"`
	Side           Side               `gorm:"column:side;type:smallint;not null" json:"side"`
	StakeAmount    decimal.Decimal    `gorm:"column:stake_amount;type:decimal(36,18);not null" json:"stake_amount"`
	Status         WagerStatus        `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	CreatorEscrow  EscrowRecord       `gorm:"embedded;embeddedPrefix:creator_escrow_" json:"creator_escrow"`
	AcceptorEscrow EscrowRecord       `gorm:"embedded;embeddedPrefix:acceptor_escrow_" json:"acceptor_escrow"`
	AcceptingParty string             `gorm:"column:accepting_party;type:varchar(64)" json:"accepting_party"`
	AcceptingSince int64              `gorm:"column:accepting_since;type:bigint;not null;default:0" json:"accepting_since"`
	SettledGameID  string             `gorm:"column:settled_game_id;type:varchar(36)" json:"settled_game_id"`
	NeedsReview    bool               `gorm:"column:needs_review;index;not null;default:false" json:"needs_review"`
	Progress       SettlementProgress `gorm:"embedded;embeddedPrefix:settle_" json:"progress"`
	CreatedAt      int64              `gorm:"column:created_at;type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt      int64              `gorm:"column:updated_at;type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (Wager) TableName() string {
	return "escrow_wagers"
}

// SoftLockActive 软锁是否仍有效，过期即视为已放弃
func (w *Wager) SoftLockActive(nowMs int64, timeout time.Duration) bool {
	if w.AcceptingParty == "" {
		return false
	}
	return nowMs-w.AcceptingSince < timeout.Milliseconds()
}

// AcceptorSide 接受方押注的一面
func (w *Wager) AcceptorSide() Side {
	return w.Side.Opposite()
}

// RequiredDeposit 每方需存入的金额：本金加手续费
func (w *Wager) RequiredDeposit(processingFee decimal.Decimal) decimal.Decimal {
	return w.StakeAmount.Add(processingFee)
}
