package model

// SignaturePurpose 签名用途
type SignaturePurpose string

const (
	SignaturePurposeCreatorDeposit  SignaturePurpose = "creator_deposit"
	SignaturePurposeAcceptorDeposit SignaturePurpose = "acceptor_deposit"
)

// UsedSignature 已消费的入金交易签名，只追加
type UsedSignature struct {
	ID          int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	Signature   string           `gorm:"column:signature;type:varchar(128);uniqueIndex;not null" json:"signature"`
	OwnerWallet string           `gorm:"column:owner_wallet;type:varchar(64);not null" json:"owner_wallet"`
	ConsumedFor SignaturePurpose `gorm:"column:consumed_for;type:varchar(32);not null" json:"consumed_for"`
	WagerID     string           `gorm:"column:wager_id;type:varchar(36);index" json:"wager_id"`
	CreatedAt   int64            `gorm:"column:created_at;type:bigint;not null;autoCreateTime:milli" json:"created_at"`
}

// TableName 返回表名
func (UsedSignature) TableName() string {
	return "escrow_used_signatures"
}
