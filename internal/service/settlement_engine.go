package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-escrow/internal/ledger"
	"github.com/eidos-exchange/eidos-escrow/internal/metrics"
	"github.com/eidos-exchange/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos-escrow/internal/oracle"
	"github.com/eidos-exchange/eidos-escrow/internal/repository"
	"github.com/eidos-exchange/eidos-escrow/internal/secret"
	apperr "github.com/eidos-exchange/eidos-escrow/pkg/errors"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
	"github.com/eidos-exchange/eidos-escrow/pkg/tracing"
)

// SettlementConfig 结算配置
type SettlementConfig struct {
	TreasuryAddress string
	// RentFloor 归集后每个托管钱包保留的余额
	RentFloor decimal.Decimal
}

// SettlementEngine 结算引擎
//
// 流程: 取区块哈希抛硬币 -> 两个托管钱包各向获胜方转出 stake*(1-rate)
// -> 有推荐人时从失败方钱包支付佣金 -> 两个钱包剩余归集到金库 -> 写入 Game。
//
// 所有金额在开始时按一次余额读取与一次网络费用报价推算，不在转账之间重读余额。
// 任一步失败即中止；已广播过交易时标记 NeedsReview，不回滚不重试。
type SettlementEngine struct {
	escrow    *escrowOps
	ledger    ledger.Client
	wagers    repository.WagerRepository
	games     repository.GameRepository
	users     repository.UserRepository
	fees      *FeeCalculator
	audit     *auditWriter
	publisher EventPublisher
	cfg       SettlementConfig
	clock     func() time.Time
}

// NewSettlementEngine 创建结算引擎
func NewSettlementEngine(
	client ledger.Client,
	secrets secret.Store,
	wagers repository.WagerRepository,
	games repository.GameRepository,
	users repository.UserRepository,
	audits repository.AuditRepository,
	fees *FeeCalculator,
	publisher EventPublisher,
	cfg *SettlementConfig,
) *SettlementEngine {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &SettlementEngine{
		escrow:    &escrowOps{ledger: client, secrets: secrets},
		ledger:    client,
		wagers:    wagers,
		games:     games,
		users:     users,
		fees:      fees,
		audit:     newAuditWriter(audits),
		publisher: publisher,
		cfg:       *cfg,
		clock:     time.Now,
	}
}

// settlementRun 单次结算的进度
type settlementRun struct {
	wager    *model.Wager
	step     model.SettlementStep
	progress model.SettlementProgress
}

// Settle 结算已进入 Accepting 的对赌
// 返回 ErrSettlementPartial 表示已有转账广播、对赌已标记 NeedsReview；
// 其它错误表示没有任何资金移动，调用方可将对赌退回 Open。
func (e *SettlementEngine) Settle(ctx context.Context, wager *model.Wager) (game *model.Game, err error) {
	ctx, span := tracing.StartSpan(ctx, "escrow.settle", tracing.AttrWagerID.String(wager.ID))
	start := e.clock()
	defer func() {
		result := "success"
		if apperr.Is(err, apperr.ErrSettlementPartial) {
			result = "partial"
		} else if err != nil {
			result = "failed"
		}
		metrics.RecordSettlement(result, e.clock().Sub(start).Seconds())
		tracing.End(span, err)
	}()

	if wager.Status != model.WagerStatusAccepting || wager.AcceptorID == "" || wager.AcceptorEscrow.IsZero() {
		return nil, apperr.ErrInvalidWagerStatus.WithDetail("status", wager.Status.String())
	}

	run := &settlementRun{wager: wager}
	game, err = e.settle(ctx, run)
	if err != nil {
		span.SetAttributes(tracing.AttrStep.String(string(run.step)))
		return nil, e.fail(ctx, run, err)
	}
	span.SetAttributes(tracing.AttrGameID.String(game.ID))
	return game, nil
}

func (e *SettlementEngine) settle(ctx context.Context, run *settlementRun) (*model.Game, error) {
	wager := run.wager
	log := logger.WithContext(ctx).With(zap.String("wager_id", wager.ID))

	creator, err := e.users.GetByID(ctx, wager.CreatorID)
	if err != nil {
		return nil, fmt.Errorf("load creator: %w", err)
	}
	acceptor, err := e.users.GetByID(ctx, wager.AcceptorID)
	if err != nil {
		return nil, fmt.Errorf("load acceptor: %w", err)
	}

	// 对局 ID 先于区块哈希落库，之前失败的结算沿用已提交的 ID
	gameID := wager.Progress.GameID
	if gameID == "" {
		gameID = oracle.NewGameID()
	}
	run.progress.GameID = gameID
	if err := e.wagers.UpdateProgress(ctx, wager.ID, run.progress, false); err != nil {
		return nil, fmt.Errorf("commit game id: %w", err)
	}

	blockHash, err := e.ledger.GetRecentBlockHash(ctx)
	if err != nil {
		return nil, ledgerError(apperr.ErrLedgerUnavailable, err)
	}
	result := oracle.Flip(blockHash, gameID)
	run.progress.BlockHash = blockHash
	run.progress.Result = result

	winner, loser := creator, acceptor
	winnerEscrow, loserEscrow := wager.CreatorEscrow, wager.AcceptorEscrow
	if result != wager.Side {
		winner, loser = acceptor, creator
		winnerEscrow, loserEscrow = wager.AcceptorEscrow, wager.CreatorEscrow
	}
	if winner.PayoutAddress == "" {
		return nil, apperr.ErrInvalidRequest.WithMessage("winner has no payout address")
	}

	referrer, err := e.loadReferrer(ctx, winner)
	if err != nil {
		return nil, err
	}
	commissionRate := decimal.Zero
	if referrer != nil {
		commissionRate = model.LookupTier(referrer.Tier).CommissionRate
	}
	rate := e.fees.EffectiveRate(winner.Tier, winner.TokenTier)
	quote := e.fees.Quote(wager.StakeAmount, rate, commissionRate)
	payReferral := referrer != nil && quote.Commission.IsPositive()

	txFee, err := e.ledger.TransferFee(ctx)
	if err != nil {
		return nil, ledgerError(apperr.ErrLedgerUnavailable, err)
	}
	winnerBalance, err := e.ledger.GetBalance(ctx, winnerEscrow.Address)
	if err != nil {
		return nil, ledgerError(apperr.ErrLedgerUnavailable, err)
	}
	loserBalance, err := e.ledger.GetBalance(ctx, loserEscrow.Address)
	if err != nil {
		return nil, ledgerError(apperr.ErrLedgerUnavailable, err)
	}

	winnerNeed := quote.PayoutPerEscrow.Add(txFee)
	loserNeed := winnerNeed
	if payReferral {
		loserNeed = loserNeed.Add(quote.Commission).Add(txFee)
	}
	if winnerBalance.LessThan(winnerNeed) || loserBalance.LessThan(loserNeed) {
		return nil, apperr.ErrTransferFailed.WithMessagef(
			"escrow underfunded: winner=%s need=%s, loser=%s need=%s",
			winnerBalance, winnerNeed, loserBalance, loserNeed)
	}

	log.Info("settling wager",
		zap.String("game_id", gameID),
		zap.String("result", result.String()),
		zap.String("winner_id", winner.ID),
		zap.String("fee_rate", rate.String()),
		zap.String("payout_per_escrow", quote.PayoutPerEscrow.String()),
		zap.String("commission", quote.Commission.String()))
	e.saveProgress(ctx, run)

	run.step = model.SettlementStepWinnerPayout
	if run.progress.WinnerPayoutTx, err = e.escrow.transfer(ctx, winnerEscrow, winner.PayoutAddress, quote.PayoutPerEscrow, txFee, purposeWinnerPayout); err != nil {
		return nil, err
	}
	winnerBalance = winnerBalance.Sub(quote.PayoutPerEscrow).Sub(txFee)
	e.saveProgress(ctx, run)

	run.step = model.SettlementStepLoserPayout
	if run.progress.LoserPayoutTx, err = e.escrow.transfer(ctx, loserEscrow, winner.PayoutAddress, quote.PayoutPerEscrow, txFee, purposeLoserPayout); err != nil {
		return nil, err
	}
	loserBalance = loserBalance.Sub(quote.PayoutPerEscrow).Sub(txFee)
	e.saveProgress(ctx, run)

	referralAmount := decimal.Zero
	if payReferral {
		run.step = model.SettlementStepReferral
		destination, err := e.referralEscrow(ctx, referrer)
		if err != nil {
			return nil, err
		}
		if run.progress.ReferralTx, err = e.escrow.transfer(ctx, loserEscrow, destination, quote.Commission, txFee, purposeReferral); err != nil {
			return nil, err
		}
		loserBalance = loserBalance.Sub(quote.Commission).Sub(txFee)
		referralAmount = quote.Commission
		e.saveProgress(ctx, run)

		if err := e.users.AddReferralEarnings(ctx, referrer.ID, quote.Commission); err != nil {
			log.Warn("add referral earnings failed", zap.String("referrer_id", referrer.ID), zap.Error(err))
		}
		e.audit.record(ctx, model.AuditReferralCommission, model.AuditSeverityInfo, referrer.ID, wager.ID, map[string]interface{}{
			"amount":      quote.Commission.String(),
			"referred_id": winner.ID,
			"tx":          run.progress.ReferralTx,
		})
	}

	run.step = model.SettlementStepWinnerSweep
	if run.progress.WinnerSweepTx, _, err = e.escrow.drain(ctx, winnerEscrow, winnerBalance, txFee, e.cfg.RentFloor, e.cfg.TreasuryAddress, purposeWinnerSweep); err != nil {
		return nil, err
	}
	e.saveProgress(ctx, run)

	run.step = model.SettlementStepLoserSweep
	if run.progress.LoserSweepTx, _, err = e.escrow.drain(ctx, loserEscrow, loserBalance, txFee, e.cfg.RentFloor, e.cfg.TreasuryAddress, purposeLoserSweep); err != nil {
		return nil, err
	}
	e.saveProgress(ctx, run)

	run.step = model.SettlementStepPersistOutcome
	game := &model.Game{
		ID:              gameID,
		WagerID:         wager.ID,
		BlockHash:       blockHash,
		Result:          result,
		WinnerID:        winner.ID,
		LoserID:         loser.ID,
		FeeRate:         rate,
		PayoutPerEscrow: quote.PayoutPerEscrow,
		ReferralAmount:  referralAmount,
		PayoutTxWinner:  run.progress.WinnerPayoutTx,
		PayoutTxLoser:   run.progress.LoserPayoutTx,
		ReferralTx:      run.progress.ReferralTx,
		FeeTxWinner:     run.progress.WinnerSweepTx,
		FeeTxLoser:      run.progress.LoserSweepTx,
	}
	if err := e.games.Create(ctx, game); err != nil {
		return nil, fmt.Errorf("persist game: %w", err)
	}

	run.step = model.SettlementStepDone
	e.saveProgress(ctx, run)

	for _, id := range []string{creator.ID, acceptor.ID} {
		if _, err := e.users.AddVolume(ctx, id, wager.StakeAmount); err != nil {
			log.Warn("add volume failed", zap.String("user_id", id), zap.Error(err))
		}
	}

	e.audit.record(ctx, model.AuditSettlementCompleted, model.AuditSeverityInfo, winner.ID, wager.ID, map[string]interface{}{
		"game_id":      gameID,
		"block_hash":   blockHash,
		"result":       result.String(),
		"winner_id":    winner.ID,
		"total_payout": game.TotalPayout().String(),
		"fee_rate":     rate.String(),
	})
	publish(ctx, "wager_settled", func(ctx context.Context) error {
		return e.publisher.PublishWagerSettled(ctx, &model.WagerSettledEvent{
			WagerID:        wager.ID,
			GameID:         gameID,
			BlockHash:      blockHash,
			Result:         result.String(),
			WinnerID:       winner.ID,
			LoserID:        loser.ID,
			TotalPayout:    game.TotalPayout().String(),
			FeeRate:        rate.String(),
			ReferralAmount: referralAmount.String(),
			SettledAt:      nowMillis(e.clock),
		})
	})

	log.Info("wager settled",
		zap.String("game_id", gameID),
		zap.String("winner_id", winner.ID),
		zap.String("total_payout", game.TotalPayout().String()))
	return game, nil
}

// loadReferrer 推荐人不存在时按无推荐人处理
func (e *SettlementEngine) loadReferrer(ctx context.Context, winner *model.User) (*model.User, error) {
	if winner.ReferrerID == "" || winner.ReferrerID == winner.ID {
		return nil, nil
	}
	referrer, err := e.users.GetByID(ctx, winner.ReferrerID)
	if errors.Is(err, repository.ErrUserNotFound) {
		logger.WithContext(ctx).Warn("referrer not found, skipping commission",
			zap.String("user_id", winner.ID),
			zap.String("referrer_id", winner.ReferrerID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load referrer: %w", err)
	}
	return referrer, nil
}

// referralEscrow 推荐人的佣金收款钱包，首次支付佣金时生成
func (e *SettlementEngine) referralEscrow(ctx context.Context, referrer *model.User) (string, error) {
	if referrer.ReferralEscrowAddress != "" {
		return referrer.ReferralEscrowAddress, nil
	}

	escrow, err := e.escrow.generate()
	if err != nil {
		return "", err
	}
	ok, err := e.users.SetReferralEscrow(ctx, referrer.ID, escrow.Address, escrow.Secret)
	if err != nil {
		return "", fmt.Errorf("save referral escrow: %w", err)
	}
	if ok {
		referrer.ReferralEscrowAddress = escrow.Address
		return escrow.Address, nil
	}

	// 并发结算已生成
	latest, err := e.users.GetByID(ctx, referrer.ID)
	if err != nil {
		return "", fmt.Errorf("reload referrer: %w", err)
	}
	return latest.ReferralEscrowAddress, nil
}

func (e *SettlementEngine) saveProgress(ctx context.Context, run *settlementRun) {
	if err := e.wagers.UpdateProgress(ctx, run.wager.ID, run.progress, false); err != nil {
		logger.WithContext(ctx).Warn("save settlement progress failed",
			zap.String("wager_id", run.wager.ID),
			zap.String("step", string(run.step)),
			zap.Error(err))
	}
}

// fail 记录失败步骤；已有资金移动时标记 NeedsReview 并返回 ErrSettlementPartial
func (e *SettlementEngine) fail(ctx context.Context, run *settlementRun, cause error) error {
	wager := run.wager
	run.progress.FailedStep = run.step
	run.progress.Error = cause.Error()
	partial := run.progress.AnyBroadcast()

	// 使用独立 context，确保请求取消后进度仍能落库
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.wagers.UpdateProgress(persistCtx, wager.ID, run.progress, partial); err != nil {
		logger.Error("persist settlement failure failed",
			zap.String("wager_id", wager.ID),
			zap.String("step", string(run.step)),
			zap.Error(err))
	}

	if !partial {
		logger.WithContext(ctx).Warn("settlement aborted before any transfer",
			zap.String("wager_id", wager.ID),
			zap.String("step", string(run.step)),
			zap.Error(cause))
		return cause
	}

	logger.Error("settlement partially completed, needs review",
		zap.String("wager_id", wager.ID),
		zap.String("step", string(run.step)),
		zap.String("winner_payout_tx", run.progress.WinnerPayoutTx),
		zap.String("loser_payout_tx", run.progress.LoserPayoutTx),
		zap.String("referral_tx", run.progress.ReferralTx),
		zap.String("winner_sweep_tx", run.progress.WinnerSweepTx),
		zap.String("loser_sweep_tx", run.progress.LoserSweepTx),
		zap.Error(cause))
	metrics.NeedsReviewGauge.Inc()

	e.audit.record(persistCtx, model.AuditSettlementPartial, model.AuditSeverityCritical, wager.AcceptorID, wager.ID, map[string]interface{}{
		"failed_step": string(run.step),
		"error":       cause.Error(),
		"progress":    run.progress,
	})
	publish(persistCtx, "settlement_review", func(ctx context.Context) error {
		return e.publisher.PublishSettlementReview(ctx, &model.SettlementReviewEvent{
			WagerID:    wager.ID,
			FailedStep: string(run.step),
			Error:      cause.Error(),
			Progress:   run.progress,
			FlaggedAt:  nowMillis(e.clock),
		})
	})

	return apperr.WrapWithCause(apperr.ErrSettlementPartial, cause, "failed at %s", run.step).
		WithDetail("step", string(run.step)).
		WithDetail("game_id", run.progress.GameID)
}
