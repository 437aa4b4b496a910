package model

import "encoding/json"

// AuditEvent 审计事件类型
type AuditEvent string

const (
	AuditWagerCreated        AuditEvent = "wager_created"
	AuditDepositVerified     AuditEvent = "deposit_verified"
	AuditSignatureReplay     AuditEvent = "signature_replay"
	AuditWagerAccepted       AuditEvent = "wager_accepted"
	AuditAcceptReverted      AuditEvent = "accept_reverted"
	AuditSettlementCompleted AuditEvent = "settlement_completed"
	AuditSettlementPartial   AuditEvent = "settlement_partial"
	AuditReferralCommission  AuditEvent = "referral_commission"
	AuditReferralClaimed     AuditEvent = "referral_claimed"
	AuditWagerCancelled      AuditEvent = "wager_cancelled"
	AuditForceRefund         AuditEvent = "force_refund"
	AuditKeyExported         AuditEvent = "escrow_key_exported"
)

// AuditSeverity 严重级别
type AuditSeverity string

const (
	AuditSeverityInfo     AuditSeverity = "info"
	AuditSeverityWarning  AuditSeverity = "warning"
	AuditSeverityCritical AuditSeverity = "critical"
)

// AuditLog 审计日志
type AuditLog struct {
	ID        int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType AuditEvent    `gorm:"column:event_type;type:varchar(32);index;not null" json:"event_type"`
	UserID    string        `gorm:"column:user_id;type:varchar(64);index" json:"user_id"`
	WagerID   string        `gorm:"column:wager_id;type:varchar(36);index" json:"wager_id"`
	Details   string        `gorm:"column:details;type:text" json:"details"` // JSON 对象
	Severity  AuditSeverity `gorm:"column:severity;type:varchar(16);not null" json:"severity"`
	CreatedAt int64         `gorm:"column:created_at;type:bigint;not null;autoCreateTime:milli" json:"created_at"`
}

// TableName 返回表名
func (AuditLog) TableName() string {
	return "escrow_audit_logs"
}

// SetDetails 序列化详情
func (a *AuditLog) SetDetails(details map[string]interface{}) error {
	if len(details) == 0 {
		a.Details = "{}"
		return nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return err
	}
	a.Details = string(data)
	return nil
}

// GetDetails 解析详情
func (a *AuditLog) GetDetails() (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if a.Details == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(a.Details), &out); err != nil {
		return nil, err
	}
	return out, nil
}
