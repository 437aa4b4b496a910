// Package ledger 链上账本能力：生成托管钱包、查询余额、转账、查询交易
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrTxNotFound 交易不存在 (或尚未被节点索引)
	ErrTxNotFound = errors.New("transaction not found")
	// ErrInvalidSecret 私钥格式无效
	ErrInvalidSecret = errors.New("invalid escrow secret")
	// ErrInvalidAddress 地址格式无效
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidAmount 转账金额无效
	ErrInvalidAmount = errors.New("invalid transfer amount")
)

// Instruction 交易中的一笔原生币转账
type Instruction struct {
	Source      string
	Destination string
	Amount      decimal.Decimal
}

// Transaction 链上交易
type Transaction struct {
	Signature    string
	Success      bool
	BlockNumber  uint64
	Instructions []Instruction
}

// Client 账本客户端
// 所有金额均以链上原生币为单位 (ether)，调用方不感知最小单位
type Client interface {
	// GenerateKeypair 生成新的托管钱包，secret 为明文私钥，调用方负责加密
	GenerateKeypair() (address string, secret string, err error)
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	// Transfer 从 fromSecret 对应的钱包转出 amount，返回交易签名
	// fee 为调用方按 TransferFee 预留的网络费用，实际扣除不超过该值；为零时按当前报价
	Transfer(ctx context.Context, fromSecret string, to string, amount, fee decimal.Decimal) (string, error)
	GetRecentBlockHash(ctx context.Context) (string, error)
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)
	// GetRecentTransactions 返回最近转入 address 的交易签名，新的在前
	GetRecentTransactions(ctx context.Context, address string, limit int) ([]string, error)
	// TransferFee 单笔转账从发送方扣除的网络费用
	TransferFee(ctx context.Context) (decimal.Decimal, error)
}
