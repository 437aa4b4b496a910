package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-escrow/internal/ledger"
	"github.com/eidos-exchange/eidos-escrow/internal/metrics"
	"github.com/eidos-exchange/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos-escrow/internal/rpc"
	"github.com/eidos-exchange/eidos-escrow/internal/secret"
	apperr "github.com/eidos-exchange/eidos-escrow/pkg/errors"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
)

// 转账用途，用于指标与日志
const (
	purposeWinnerPayout = "winner_payout"
	purposeLoserPayout  = "loser_payout"
	purposeReferral     = "referral"
	purposeWinnerSweep  = "winner_sweep"
	purposeLoserSweep   = "loser_sweep"
	purposeRefund       = "refund"
	purposeRefundSweep  = "refund_sweep"
	purposeForceRefund  = "force_refund"
	purposeReviewSweep  = "review_sweep"
	purposeClaim        = "referral_claim"
	purposeClaimFee     = "referral_claim_fee"
)

// escrowOps 托管钱包的生成与转出
type escrowOps struct {
	ledger  ledger.Client
	secrets secret.Store
}

// generate 生成托管钱包并加密私钥
func (o *escrowOps) generate() (model.EscrowRecord, error) {
	address, plain, err := o.ledger.GenerateKeypair()
	if err != nil {
		return model.EscrowRecord{}, apperr.Wrap(apperr.ErrInternal, err)
	}
	encrypted, err := o.secrets.Encrypt(plain)
	if err != nil {
		return model.EscrowRecord{}, apperr.Wrap(apperr.ErrInternal, err)
	}
	return model.EscrowRecord{Address: address, Secret: encrypted}, nil
}

// transfer 解密私钥后立即转出，私钥不离开本函数
// txFee 为本次流程报价的网络费用，转账按该报价签名
func (o *escrowOps) transfer(ctx context.Context, escrow model.EscrowRecord, to string, amount, txFee decimal.Decimal, purpose string) (string, error) {
	key, err := o.secrets.Decrypt(escrow.Secret)
	if err != nil {
		metrics.RecordTransfer(purpose, "failed", 0)
		return "", err
	}

	txHash, err := o.ledger.Transfer(ctx, key, to, amount, txFee)
	if err != nil {
		metrics.RecordTransfer(purpose, "failed", 0)
		return "", ledgerError(apperr.ErrTransferFailed, err).
			WithDetail("purpose", purpose).
			WithDetail("escrow", escrow.Address)
	}

	f, _ := amount.Float64()
	metrics.RecordTransfer(purpose, "success", f)
	logger.WithContext(ctx).Info("escrow transfer sent",
		zap.String("purpose", purpose),
		zap.String("escrow", escrow.Address),
		zap.String("to", to),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", txHash))
	return txHash, nil
}

// drain 将余额扣除网络费用与保留下限后全部转出，余额不足时返回空签名
func (o *escrowOps) drain(ctx context.Context, escrow model.EscrowRecord, balance, txFee, floor decimal.Decimal, to, purpose string) (string, decimal.Decimal, error) {
	amount := balance.Sub(txFee).Sub(floor).Truncate(amountPrecision)
	if !amount.IsPositive() {
		logger.WithContext(ctx).Info("escrow balance at floor, nothing to drain",
			zap.String("purpose", purpose),
			zap.String("escrow", escrow.Address),
			zap.String("balance", balance.String()))
		return "", decimal.Zero, nil
	}
	txHash, err := o.transfer(ctx, escrow, to, amount, txFee, purpose)
	if err != nil {
		return "", decimal.Zero, err
	}
	return txHash, amount, nil
}

// ledgerError 节点全部不可用时归为 LEDGER_UNAVAILABLE
func ledgerError(target *apperr.Error, err error) *apperr.Error {
	if errors.Is(err, rpc.ErrAllEndpointsFailed) || errors.Is(err, rpc.ErrNoEndpoints) {
		target = apperr.ErrLedgerUnavailable
	}
	return apperr.Wrap(target, err)
}
