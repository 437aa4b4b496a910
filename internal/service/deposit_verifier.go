package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-escrow/internal/ledger"
	"github.com/eidos-exchange/eidos-escrow/internal/repository"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
)

// recentTxScanLimit 轮询时每次检查的最近入账交易数
const recentTxScanLimit = 10

// PollPolicy 入金轮询策略
// Timeout 为 0 时只检查一次
type PollPolicy struct {
	Interval  time.Duration
	Timeout   time.Duration
	Tolerance decimal.Decimal
}

// DepositMatch 匹配到的入金
type DepositMatch struct {
	Signature string
	Source    string
	Amount    decimal.Decimal
}

// DepositVerifier 入金校验
// 只校验收款地址与金额，不校验付款方
type DepositVerifier struct {
	ledger     ledger.Client
	signatures repository.SignatureRepository
}

// NewDepositVerifier 创建入金校验器
func NewDepositVerifier(client ledger.Client, signatures repository.SignatureRepository) *DepositVerifier {
	return &DepositVerifier{ledger: client, signatures: signatures}
}

// Verify 校验交易是否向 recipient 转入 amount (误差 tolerance 内)
// 交易不存在或链上失败返回 false，节点不可用返回 error
func (v *DepositVerifier) Verify(ctx context.Context, signature, recipient string, amount, tolerance decimal.Decimal) (bool, error) {
	match, err := v.match(ctx, signature, recipient, amount, tolerance)
	if err != nil {
		return false, err
	}
	return match != nil, nil
}

func (v *DepositVerifier) match(ctx context.Context, signature, recipient string, amount, tolerance decimal.Decimal) (*DepositMatch, error) {
	if signature == "" {
		return nil, nil
	}

	tx, err := v.ledger.GetTransaction(ctx, signature)
	if errors.Is(err, ledger.ErrTxNotFound) {
		logger.Info("deposit transaction not found", zap.String("signature", signature))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", signature, err)
	}
	if !tx.Success {
		logger.Info("deposit transaction failed on chain", zap.String("signature", signature))
		return nil, nil
	}

	for _, ins := range tx.Instructions {
		if !strings.EqualFold(ins.Destination, recipient) {
			continue
		}
		if ins.Amount.Sub(amount).Abs().LessThanOrEqual(tolerance) {
			return &DepositMatch{Signature: signature, Source: ins.Source, Amount: ins.Amount}, nil
		}
		logger.Info("deposit amount mismatch",
			zap.String("signature", signature),
			zap.String("expected", amount.String()),
			zap.String("actual", ins.Amount.String()))
	}
	return nil, nil
}

// PollForDeposit 轮询托管钱包直到发现未被消费的匹配入金或超时
// 超时返回 (nil, nil)
func (v *DepositVerifier) PollForDeposit(ctx context.Context, escrowAddress string, amount decimal.Decimal, policy PollPolicy) (*DepositMatch, error) {
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}
	interval := policy.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}

	for {
		match, err := v.scan(ctx, escrowAddress, amount, policy.Tolerance)
		if err != nil && ctx.Err() == nil {
			// 单次轮询失败不终止，等待下一轮
			logger.Warn("poll deposit failed",
				zap.String("escrow", escrowAddress),
				zap.Error(err))
		}
		if match != nil {
			return match, nil
		}
		if policy.Timeout <= 0 {
			return nil, err
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (v *DepositVerifier) scan(ctx context.Context, escrowAddress string, amount, tolerance decimal.Decimal) (*DepositMatch, error) {
	balance, err := v.ledger.GetBalance(ctx, escrowAddress)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(amount.Sub(tolerance)) {
		return nil, nil
	}

	signatures, err := v.ledger.GetRecentTransactions(ctx, escrowAddress, recentTxScanLimit)
	if err != nil {
		return nil, err
	}
	for _, sig := range signatures {
		used, err := v.signatures.IsUsed(ctx, sig)
		if err != nil {
			return nil, err
		}
		if used {
			continue
		}
		match, err := v.match(ctx, sig, escrowAddress, amount, tolerance)
		if err != nil {
			return nil, err
		}
		if match != nil {
			return match, nil
		}
	}
	return nil, nil
}
