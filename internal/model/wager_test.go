package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestWagerStatus_String(t *testing.T) {
	tests := []struct {
		status   WagerStatus
		expected string
	}{
		{WagerStatusPendingDeposit, "PENDING_DEPOSIT"},
		{WagerStatusOpen, "OPEN"},
		{WagerStatusAccepting, "ACCEPTING"},
		{WagerStatusAccepted, "ACCEPTED"},
		{WagerStatusCancelled, "CANCELLED"},
		{WagerStatusRefunded, "REFUNDED"},
		{WagerStatus(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

func TestWagerStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status     WagerStatus
		isTerminal bool
	}{
		{WagerStatusPendingDeposit, false},
		{WagerStatusOpen, false},
		{WagerStatusAccepting, false},
		{WagerStatusAccepted, true},
		{WagerStatusCancelled, true},
		{WagerStatusRefunded, true},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.isTerminal, tt.status.IsTerminal())
		})
	}
}

func TestSide(t *testing.T) {
	assert.Equal(t, SideB, SideA.Opposite())
	assert.Equal(t, SideA, SideB.Opposite())
	assert.True(t, SideA.Valid())
	assert.False(t, Side(0).Valid())
	assert.Equal(t, "UNKNOWN", Side(7).String())

	s, ok := ParseSide("heads")
	assert.True(t, ok)
	assert.Equal(t, SideA, s)
	s, ok = ParseSide("B")
	assert.True(t, ok)
	assert.Equal(t, SideB, s)
	_, ok = ParseSide("edge")
	assert.False(t, ok)
}

func TestWager_SoftLockActive(t *testing.T) {
	now := time.Now().UnixMilli()
	w := &Wager{}
	assert.False(t, w.SoftLockActive(now, time.Minute))

	w.AcceptingParty = "bob"
	w.AcceptingSince = now - 30_000
	assert.True(t, w.SoftLockActive(now, time.Minute))

	w.AcceptingSince = now - 60_000
	assert.False(t, w.SoftLockActive(now, time.Minute))
}

func TestWager_RequiredDeposit(t *testing.T) {
	w := &Wager{StakeAmount: decimal.NewFromInt(1)}
	assert.Equal(t, "1.025", w.RequiredDeposit(decimal.RequireFromString("0.025")).String())
	assert.Equal(t, SideB, (&Wager{Side: SideA}).AcceptorSide())
}

func TestSettlementProgress_AnyBroadcast(t *testing.T) {
	assert.False(t, SettlementProgress{BlockHash: "0xabc"}.AnyBroadcast())
	assert.True(t, SettlementProgress{LoserSweepTx: "0x1"}.AnyBroadcast())
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "escrow_wagers", Wager{}.TableName())
	assert.Equal(t, "escrow_games", Game{}.TableName())
	assert.Equal(t, "escrow_used_signatures", UsedSignature{}.TableName())
	assert.Equal(t, "escrow_users", User{}.TableName())
	assert.Equal(t, "escrow_audit_logs", AuditLog{}.TableName())
}
