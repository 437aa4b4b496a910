package model

// Kafka 消息体

// WagerCreatedEvent 对赌创建
type WagerCreatedEvent struct {
	WagerID       string `json:"wager_id"`
	CreatorID     string `json:"creator_id"`
	Side          string `json:"side"`
	StakeAmount   string `json:"stake_amount"`
	EscrowAddress string `json:"escrow_address"`
	CreatedAt     int64  `json:"created_at"`
}

// WagerSettledEvent 对赌结算完成
type WagerSettledEvent struct {
	WagerID        string `json:"wager_id"`
	GameID         string `json:"game_id"`
	BlockHash      string `json:"block_hash"`
	Result         string `json:"result"`
	WinnerID       string `json:"winner_id"`
	LoserID        string `json:"loser_id"`
	TotalPayout    string `json:"total_payout"`
	FeeRate        string `json:"fee_rate"`
	ReferralAmount string `json:"referral_amount"`
	SettledAt      int64  `json:"settled_at"`
}

// WagerClosedEvent 取消或强制退款
type WagerClosedEvent struct {
	WagerID  string   `json:"wager_id"`
	Status   string   `json:"status"`
	Reason   string   `json:"reason,omitempty"`
	TxHashes []string `json:"tx_hashes"`
	ClosedAt int64    `json:"closed_at"`
}

// SettlementReviewEvent 部分结算，需人工处理
type SettlementReviewEvent struct {
	WagerID    string             `json:"wager_id"`
	FailedStep string             `json:"failed_step"`
	Error      string             `json:"error"`
	Progress   SettlementProgress `json:"progress"`
	FlaggedAt  int64              `json:"flagged_at"`
}
