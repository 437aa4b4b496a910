package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
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

// WagerServiceConfig 对赌服务配置
type WagerServiceConfig struct {
	TreasuryAddress string
	ProcessingFee   decimal.Decimal
	RentFloor       decimal.Decimal
	VerifyTolerance decimal.Decimal
	PollTolerance   decimal.Decimal
	SoftLockTimeout time.Duration
	PollInterval    time.Duration
	PollTimeout     time.Duration

	// 推荐收益领取：金库抽成比例与最低可领余额
	ReferralClaimRate decimal.Decimal
	ReferralClaimMin  decimal.Decimal
}

// CreateWagerRequest 创建对赌
type CreateWagerRequest struct {
	CreatorID     string
	Side          model.Side
	Stake         decimal.Decimal
	PayoutAddress string
	ReferrerID    string
}

// AcceptRequest 接受对赌
// PrepareAccept 不使用 Signature
type AcceptRequest struct {
	WagerID       string
	AcceptorID    string
	PayoutAddress string
	ReferrerID    string
	Signature     string
}

// DepositStatus 托管钱包入金状态
type DepositStatus struct {
	WagerID       string          `json:"wager_id"`
	Role          string          `json:"role"`
	EscrowAddress string          `json:"escrow_address"`
	Required      decimal.Decimal `json:"required"`
	Balance       decimal.Decimal `json:"balance"`
	Funded        bool            `json:"funded"`
	Signature     string          `json:"signature,omitempty"`
	Status        string          `json:"status"`
}

// CloseResult 取消或强制退款的结果
type CloseResult struct {
	WagerID  string   `json:"wager_id"`
	Status   string   `json:"status"`
	TxHashes []string `json:"tx_hashes"`
	Failures []string `json:"failures,omitempty"`
}

// ExportedKey 导出的托管私钥
type ExportedKey struct {
	WagerID string `json:"wager_id"`
	Role    string `json:"role"`
	Address string `json:"address"`
	Secret  string `json:"secret"`
}

const (
	roleCreator  = "creator"
	roleAcceptor = "acceptor"
)

// WagerService 对赌生命周期
type WagerService struct {
	wagers     repository.WagerRepository
	signatures repository.SignatureRepository
	games      repository.GameRepository
	users      repository.UserRepository
	ledger     ledger.Client
	secrets    secret.Store
	escrow     *escrowOps
	verifier   *DepositVerifier
	engine     *SettlementEngine
	audit      *auditWriter
	publisher  EventPublisher
	cfg        WagerServiceConfig
	clock      func() time.Time
	claimMu    sync.Mutex
}

// NewWagerService 创建对赌服务
func NewWagerService(
	wagers repository.WagerRepository,
	signatures repository.SignatureRepository,
	games repository.GameRepository,
	users repository.UserRepository,
	audits repository.AuditRepository,
	client ledger.Client,
	secrets secret.Store,
	verifier *DepositVerifier,
	engine *SettlementEngine,
	publisher EventPublisher,
	cfg *WagerServiceConfig,
) *WagerService {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	c := *cfg
	if c.SoftLockTimeout == 0 {
		c.SoftLockTimeout = 60 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 2 * time.Minute
	}
	if c.ReferralClaimRate.IsZero() {
		c.ReferralClaimRate = decimal.RequireFromString("0.01")
	}
	if c.ReferralClaimMin.IsZero() {
		c.ReferralClaimMin = decimal.RequireFromString("0.01")
	}
	return &WagerService{
		wagers:     wagers,
		signatures: signatures,
		games:      games,
		users:      users,
		ledger:     client,
		secrets:    secrets,
		escrow:     &escrowOps{ledger: client, secrets: secrets},
		verifier:   verifier,
		engine:     engine,
		audit:      newAuditWriter(audits),
		publisher:  publisher,
		cfg:        c,
		clock:      time.Now,
	}
}

// Create 创建对赌并生成创建者托管钱包，状态为 PendingDeposit
func (s *WagerService) Create(ctx context.Context, req *CreateWagerRequest) (*model.Wager, error) {
	if strings.TrimSpace(req.CreatorID) == "" {
		return nil, apperr.ErrInvalidRequest.WithMessage("creator_id is required")
	}
	if !req.Side.Valid() {
		return nil, apperr.ErrInvalidSide
	}
	if !req.Stake.IsPositive() || req.Stake.Exponent() < -amountPrecision {
		return nil, apperr.ErrInvalidStake
	}
	if _, err := s.ensureUser(ctx, req.CreatorID, req.PayoutAddress, req.ReferrerID); err != nil {
		return nil, err
	}

	escrow, err := s.escrow.generate()
	if err != nil {
		return nil, err
	}
	wager := &model.Wager{
		ID:            uuid.NewString(),
		CreatorID:     req.CreatorID,
		Side:          req.Side,
		StakeAmount:   req.Stake,
		Status:        model.WagerStatusPendingDeposit,
		CreatorEscrow: escrow,
	}
	if err := s.wagers.Create(ctx, wager); err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, err)
	}

	metrics.RecordWagerEvent("created")
	s.audit.record(ctx, model.AuditWagerCreated, model.AuditSeverityInfo, wager.CreatorID, wager.ID, map[string]interface{}{
		"side":           wager.Side.String(),
		"stake":          wager.StakeAmount.String(),
		"escrow_address": escrow.Address,
	})
	publish(ctx, "wager_created", func(ctx context.Context) error {
		return s.publisher.PublishWagerCreated(ctx, &model.WagerCreatedEvent{
			WagerID:       wager.ID,
			CreatorID:     wager.CreatorID,
			Side:          wager.Side.String(),
			StakeAmount:   wager.StakeAmount.String(),
			EscrowAddress: escrow.Address,
			CreatedAt:     wager.CreatedAt,
		})
	})

	logger.WithContext(ctx).Info("wager created",
		zap.String("wager_id", wager.ID),
		zap.String("creator_id", wager.CreatorID),
		zap.String("stake", wager.StakeAmount.String()),
		zap.String("escrow", escrow.Address))
	return wager, nil
}

// RequiredDeposit 每方需存入托管钱包的金额
func (s *WagerService) RequiredDeposit(wager *model.Wager) decimal.Decimal {
	return wager.RequiredDeposit(s.cfg.ProcessingFee)
}

// Get 查询对赌
func (s *WagerService) Get(ctx context.Context, wagerID string) (*model.Wager, error) {
	return s.getWager(ctx, wagerID)
}

// ConfirmDeposit 校验创建者入金，PendingDeposit -> Open
// 校验失败时状态不变
func (s *WagerService) ConfirmDeposit(ctx context.Context, wagerID, signature string) (*model.Wager, error) {
	if signature == "" {
		return nil, apperr.ErrInvalidRequest.WithMessage("signature is required")
	}
	wager, err := s.getWager(ctx, wagerID)
	if err != nil {
		return nil, err
	}
	if wager.Status != model.WagerStatusPendingDeposit {
		return nil, apperr.ErrInvalidWagerStatus.WithDetail("status", wager.Status.String())
	}
	return s.confirmCreatorDeposit(ctx, wager, signature, s.cfg.VerifyTolerance)
}

func (s *WagerService) confirmCreatorDeposit(ctx context.Context, wager *model.Wager, signature string, tolerance decimal.Decimal) (*model.Wager, error) {
	purpose := model.SignaturePurposeCreatorDeposit
	match, err := s.verifier.match(ctx, signature, wager.CreatorEscrow.Address, s.RequiredDeposit(wager), tolerance)
	if err != nil {
		metrics.RecordDepositVerification(string(purpose), "error")
		return nil, ledgerError(apperr.ErrLedgerUnavailable, err)
	}
	if match == nil {
		metrics.RecordDepositVerification(string(purpose), "rejected")
		return nil, apperr.ErrDepositNotVerified.WithDetail("signature", signature)
	}
	if err := s.consumeSignature(ctx, wager, match, purpose, wager.CreatorID); err != nil {
		return nil, err
	}

	ok, err := s.wagers.TryTransition(ctx, wager.ID, model.WagerStatusPendingDeposit, model.WagerStatusOpen, map[string]interface{}{
		"creator_escrow_deposit_tx": signature,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, err)
	}
	if !ok {
		return nil, apperr.ErrInvalidWagerStatus.WithMessage("wager is no longer pending deposit")
	}

	metrics.RecordDepositVerification(string(purpose), "verified")
	metrics.RecordWagerEvent("opened")
	s.audit.record(ctx, model.AuditDepositVerified, model.AuditSeverityInfo, wager.CreatorID, wager.ID, map[string]interface{}{
		"purpose":   string(purpose),
		"signature": signature,
		"amount":    match.Amount.String(),
	})
	logger.WithContext(ctx).Info("creator deposit confirmed",
		zap.String("wager_id", wager.ID),
		zap.String("signature", signature))
	return s.getWager(ctx, wager.ID)
}

// consumeSignature 记录入金签名，已被其它对赌或用途消费时返回 ErrSignatureReplayed
// 同一对赌同一用途已记录的签名视为成功，签名落库后状态变更失败的请求可以重试
func (s *WagerService) consumeSignature(ctx context.Context, wager *model.Wager, match *DepositMatch, purpose model.SignaturePurpose, userID string) error {
	ok, err := s.signatures.RecordIfUnused(ctx, &model.UsedSignature{
		Signature:   match.Signature,
		OwnerWallet: match.Source,
		ConsumedFor: purpose,
		WagerID:     wager.ID,
	})
	if err != nil {
		return apperr.Wrap(apperr.ErrInternal, err)
	}
	if !ok {
		existing, err := s.signatures.GetBySignature(ctx, match.Signature)
		if err != nil && !errors.Is(err, repository.ErrSignatureNotFound) {
			return apperr.Wrap(apperr.ErrInternal, err)
		}
		if existing != nil && existing.WagerID == wager.ID && existing.ConsumedFor == purpose {
			logger.WithContext(ctx).Info("deposit signature already recorded for wager",
				zap.String("wager_id", wager.ID),
				zap.String("signature", match.Signature))
			return nil
		}

		metrics.RecordDepositVerification(string(purpose), "replayed")
		s.audit.record(ctx, model.AuditSignatureReplay, model.AuditSeverityWarning, userID, wager.ID, map[string]interface{}{
			"purpose":   string(purpose),
			"signature": match.Signature,
		})
		logger.WithContext(ctx).Warn("deposit signature replayed",
			zap.String("wager_id", wager.ID),
			zap.String("signature", match.Signature))
		return apperr.ErrSignatureReplayed.WithDetail("signature", match.Signature)
	}
	return nil
}

// ListOpen 可接受的对赌
func (s *WagerService) ListOpen(ctx context.Context, page *repository.Pagination) ([]*model.Wager, error) {
	wagers, err := s.wagers.ListByStatus(ctx, model.WagerStatusOpen, page)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, err)
	}
	return wagers, nil
}

// PrepareAccept 占用软锁并生成接受方托管钱包，状态保持 Open
// 同一接受方重复调用会续期软锁并复用已有托管钱包
func (s *WagerService) PrepareAccept(ctx context.Context, req *AcceptRequest) (*model.Wager, error) {
	if strings.TrimSpace(req.AcceptorID) == "" {
		return nil, apperr.ErrInvalidRequest.WithMessage("acceptor_id is required")
	}
	wager, err := s.getWager(ctx, req.WagerID)
	if err != nil {
		return nil, err
	}
	if wager.Status != model.WagerStatusOpen {
		return nil, apperr.ErrInvalidWagerStatus.WithDetail("status", wager.Status.String())
	}
	if wager.CreatorID == req.AcceptorID {
		return nil, apperr.ErrSelfAccept
	}
	if _, err := s.ensureUser(ctx, req.AcceptorID, req.PayoutAddress, req.ReferrerID); err != nil {
		return nil, err
	}

	now := nowMillis(s.clock)
	if wager.AcceptingParty != req.AcceptorID && wager.SoftLockActive(now, s.cfg.SoftLockTimeout) {
		return nil, apperr.ErrSoftLocked
	}

	escrow := wager.AcceptorEscrow
	if wager.AcceptingParty != req.AcceptorID || escrow.IsZero() {
		if !escrow.IsZero() {
			// 上一个接受方遗留的钱包，有资金时不能覆盖
			if err := s.ensureEscrowEmpty(ctx, escrow); err != nil {
				return nil, err
			}
		}
		if escrow, err = s.escrow.generate(); err != nil {
			return nil, err
		}
	}

	ok, err := s.wagers.SetSoftLock(ctx, wager.ID, req.AcceptorID, escrow, now, now-s.cfg.SoftLockTimeout.Milliseconds())
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, err)
	}
	if !ok {
		return nil, apperr.ErrSoftLocked
	}

	logger.WithContext(ctx).Info("accept prepared",
		zap.String("wager_id", wager.ID),
		zap.String("acceptor_id", req.AcceptorID),
		zap.String("escrow", escrow.Address))
	return s.getWager(ctx, wager.ID)
}

func (s *WagerService) ensureEscrowEmpty(ctx context.Context, escrow model.EscrowRecord) error {
	if escrow.DepositTx != "" {
		return apperr.ErrSoftLocked.WithMessage("acceptor escrow already funded")
	}
	balance, err := s.ledger.GetBalance(ctx, escrow.Address)
	if err != nil {
		return ledgerError(apperr.ErrLedgerUnavailable, err)
	}
	if balance.GreaterThan(s.cfg.RentFloor) {
		return apperr.ErrSoftLocked.WithMessage("acceptor escrow holds funds").
			WithDetail("escrow", escrow.Address).
			WithDetail("balance", balance.String())
	}
	return nil
}

// DepositStatus 查询入金状态；wait 为 true 时轮询直到发现入金或超时
// 创建者入金被发现时直接确认，对赌进入 Open
func (s *WagerService) DepositStatus(ctx context.Context, wagerID, party string, wait bool) (*DepositStatus, error) {
	wager, err := s.getWager(ctx, wagerID)
	if err != nil {
		return nil, err
	}

	var escrow model.EscrowRecord
	var role string
	switch {
	case party != "" && party == wager.CreatorID:
		role, escrow = roleCreator, wager.CreatorEscrow
	case party != "" && party == wager.AcceptingParty && !wager.AcceptorEscrow.IsZero():
		role, escrow = roleAcceptor, wager.AcceptorEscrow
	default:
		return nil, apperr.ErrNotAcceptingParty
	}

	status := &DepositStatus{
		WagerID:       wager.ID,
		Role:          role,
		EscrowAddress: escrow.Address,
		Required:      s.RequiredDeposit(wager),
		Funded:        escrow.DepositTx != "",
		Signature:     escrow.DepositTx,
		Status:        wager.Status.String(),
	}

	if !status.Funded {
		policy := PollPolicy{Interval: s.cfg.PollInterval, Tolerance: s.cfg.PollTolerance}
		if wait {
			policy.Timeout = s.cfg.PollTimeout
		}
		match, err := s.verifier.PollForDeposit(ctx, escrow.Address, status.Required, policy)
		if err != nil {
			return nil, ledgerError(apperr.ErrLedgerUnavailable, err)
		}
		if match != nil {
			status.Funded = true
			status.Signature = match.Signature
			if role == roleCreator && wager.Status == model.WagerStatusPendingDeposit {
				updated, err := s.confirmCreatorDeposit(ctx, wager, match.Signature, s.cfg.PollTolerance)
				if err != nil {
					return nil, err
				}
				status.Status = updated.Status.String()
			}
		}
	}

	balance, err := s.ledger.GetBalance(ctx, escrow.Address)
	if err != nil {
		return nil, ledgerError(apperr.ErrLedgerUnavailable, err)
	}
	status.Balance = balance
	return status, nil
}

// Accept 接受对赌并结算
//
// tryAccept 成功后依次: 校验接受方入金 -> 记录签名 -> 结算 -> Accepted。
// 结算前任一步失败退回 Open 并清空 acceptor_id；已有转账广播时保持 Accepting 并标记 NeedsReview。
func (s *WagerService) Accept(ctx context.Context, req *AcceptRequest) (game *model.Game, err error) {
	ctx, span := tracing.StartSpan(ctx, "escrow.accept", tracing.AttrWagerID.String(req.WagerID))
	defer func() { tracing.End(span, err) }()

	if strings.TrimSpace(req.AcceptorID) == "" {
		return nil, apperr.ErrInvalidRequest.WithMessage("acceptor_id is required")
	}
	wager, err := s.getWager(ctx, req.WagerID)
	if err != nil {
		return nil, err
	}
	switch wager.Status {
	case model.WagerStatusOpen:
	case model.WagerStatusAccepting:
		return nil, apperr.ErrAcceptConflict
	default:
		return nil, apperr.ErrInvalidWagerStatus.WithDetail("status", wager.Status.String())
	}
	if wager.CreatorID == req.AcceptorID {
		return nil, apperr.ErrSelfAccept
	}
	if wager.AcceptingParty != req.AcceptorID || wager.AcceptorEscrow.IsZero() {
		if wager.SoftLockActive(nowMillis(s.clock), s.cfg.SoftLockTimeout) {
			return nil, apperr.ErrSoftLocked
		}
		return nil, apperr.ErrNotAcceptingParty.WithMessage("prepare-accept must be called first")
	}
	if wager.AcceptorEscrow.DepositTx == "" && req.Signature == "" {
		return nil, apperr.ErrInvalidRequest.WithMessage("signature is required")
	}

	ok, err := s.wagers.TryAccept(ctx, wager.ID, req.AcceptorID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, err)
	}
	if !ok {
		metrics.RecordWagerEvent("accept_conflict")
		return nil, apperr.ErrAcceptConflict
	}
	s.audit.record(ctx, model.AuditWagerAccepted, model.AuditSeverityInfo, req.AcceptorID, wager.ID, map[string]interface{}{
		"signature": req.Signature,
	})
	logger.WithContext(ctx).Info("wager accepting",
		zap.String("wager_id", wager.ID),
		zap.String("acceptor_id", req.AcceptorID))

	return s.settleAccepted(ctx, wager.ID, req.AcceptorID, req.Signature)
}

func (s *WagerService) settleAccepted(ctx context.Context, wagerID, acceptorID, signature string) (*model.Game, error) {
	wager, err := s.getWager(ctx, wagerID)
	if err != nil {
		s.revertAccept(ctx, wagerID, acceptorID, err)
		return nil, err
	}

	// 重试时入金已记录，不再重复校验
	if wager.AcceptorEscrow.DepositTx == "" {
		purpose := model.SignaturePurposeAcceptorDeposit
		match, err := s.verifier.match(ctx, signature, wager.AcceptorEscrow.Address, s.RequiredDeposit(wager), s.cfg.VerifyTolerance)
		if err != nil {
			metrics.RecordDepositVerification(string(purpose), "error")
			s.revertAccept(ctx, wagerID, acceptorID, err)
			return nil, ledgerError(apperr.ErrLedgerUnavailable, err)
		}
		if match == nil {
			metrics.RecordDepositVerification(string(purpose), "rejected")
			verr := apperr.ErrDepositNotVerified.WithDetail("signature", signature)
			s.revertAccept(ctx, wagerID, acceptorID, verr)
			return nil, verr
		}
		if err := s.consumeSignature(ctx, wager, match, purpose, acceptorID); err != nil {
			s.revertAccept(ctx, wagerID, acceptorID, err)
			return nil, err
		}
		if err := s.wagers.SetAcceptorDeposit(ctx, wagerID, signature); err != nil {
			s.revertAccept(ctx, wagerID, acceptorID, err)
			return nil, apperr.Wrap(apperr.ErrInternal, err)
		}
		wager.AcceptorEscrow.DepositTx = signature
		metrics.RecordDepositVerification(string(purpose), "verified")
		s.audit.record(ctx, model.AuditDepositVerified, model.AuditSeverityInfo, acceptorID, wagerID, map[string]interface{}{
			"purpose":   string(purpose),
			"signature": signature,
			"amount":    match.Amount.String(),
		})
	}

	game, err := s.engine.Settle(ctx, wager)
	if err != nil {
		if !apperr.Is(err, apperr.ErrSettlementPartial) {
			s.revertAccept(ctx, wagerID, acceptorID, err)
		}
		return nil, err
	}

	ok, err := s.wagers.TryTransition(ctx, wagerID, model.WagerStatusAccepting, model.WagerStatusAccepted, map[string]interface{}{
		"settled_game_id": game.ID,
	})
	if err != nil || !ok {
		// 资金已结算完毕，只是状态未落库
		logger.Error("mark wager accepted failed",
			zap.String("wager_id", wagerID),
			zap.String("game_id", game.ID),
			zap.Bool("transitioned", ok),
			zap.Error(err))
		s.flagReview(ctx, wager, model.SettlementStepPersistOutcome, errors.New("status transition to accepted failed"))
		return game, nil
	}

	metrics.RecordWagerEvent("settled")
	return game, nil
}

// revertAccept Accepting -> Open，清空 acceptor_id，软锁与接受方钱包保留供同一接受方重试
func (s *WagerService) revertAccept(ctx context.Context, wagerID, acceptorID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	ok, err := s.wagers.RevertAccept(ctx, wagerID)
	if err != nil || !ok {
		logger.Error("revert accept failed",
			zap.String("wager_id", wagerID),
			zap.Bool("reverted", ok),
			zap.Error(err))
		return
	}
	metrics.RecordWagerEvent("accept_reverted")
	s.audit.record(ctx, model.AuditAcceptReverted, model.AuditSeverityWarning, acceptorID, wagerID, map[string]interface{}{
		"reason": cause.Error(),
	})
	logger.WithContext(ctx).Warn("accept reverted",
		zap.String("wager_id", wagerID),
		zap.String("acceptor_id", acceptorID),
		zap.Error(cause))
}

// AbandonAccept 接受方放弃，清除软锁
// 接受方托管钱包已有资金时拒绝，避免资金失去归属
func (s *WagerService) AbandonAccept(ctx context.Context, wagerID, acceptorID string) error {
	wager, err := s.getWager(ctx, wagerID)
	if err != nil {
		return err
	}
	if acceptorID == "" || wager.AcceptingParty != acceptorID {
		return apperr.ErrNotAcceptingParty
	}
	if wager.Status != model.WagerStatusOpen {
		return apperr.ErrInvalidWagerStatus.WithDetail("status", wager.Status.String())
	}
	if !wager.AcceptorEscrow.IsZero() {
		if err := s.ensureEscrowEmpty(ctx, wager.AcceptorEscrow); err != nil {
			if apperr.Is(err, apperr.ErrSoftLocked) {
				return apperr.ErrInvalidWagerStatus.WithMessage("acceptor escrow is funded, complete the accept or request a refund")
			}
			return err
		}
	}

	ok, err := s.wagers.ClearSoftLock(ctx, wagerID, acceptorID)
	if err != nil {
		return apperr.Wrap(apperr.ErrInternal, err)
	}
	if !ok {
		return apperr.ErrNotAcceptingParty
	}
	logger.WithContext(ctx).Info("accept abandoned",
		zap.String("wager_id", wagerID),
		zap.String("acceptor_id", acceptorID))
	return nil
}

// Cancel 创建者取消：退还本金，手续费归集到金库
func (s *WagerService) Cancel(ctx context.Context, wagerID, creatorID string) (*CloseResult, error) {
	wager, err := s.getWager(ctx, wagerID)
	if err != nil {
		return nil, err
	}
	if wager.CreatorID != creatorID {
		return nil, apperr.ErrNotCreator
	}
	if wager.Status != model.WagerStatusOpen {
		return nil, apperr.ErrInvalidWagerStatus.WithDetail("status", wager.Status.String())
	}
	if wager.SoftLockActive(nowMillis(s.clock), s.cfg.SoftLockTimeout) {
		return nil, apperr.ErrSoftLocked
	}
	if !wager.AcceptorEscrow.IsZero() {
		if err := s.ensureEscrowEmpty(ctx, wager.AcceptorEscrow); err != nil {
			return nil, err
		}
	}
	creator, err := s.users.GetByID(ctx, creatorID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, err)
	}

	// 余额与网络费用在状态变更前读取，读取失败时对赌保持 Open
	balance, err := s.ledger.GetBalance(ctx, wager.CreatorEscrow.Address)
	if err != nil {
		return nil, ledgerError(apperr.ErrLedgerUnavailable, err)
	}
	txFee, err := s.ledger.TransferFee(ctx)
	if err != nil {
		return nil, ledgerError(apperr.ErrLedgerUnavailable, err)
	}
	if balance.LessThan(wager.StakeAmount.Add(txFee)) {
		return nil, apperr.ErrTransferFailed.WithMessagef("creator escrow underfunded: balance=%s", balance)
	}

	// 读取余额期间可能有接受方占用软锁并入金，状态变更以数据库条件为准
	staleBefore := nowMillis(s.clock) - s.cfg.SoftLockTimeout.Milliseconds()
	ok, err := s.wagers.TryCancel(ctx, wagerID, staleBefore)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, err)
	}
	if !ok {
		return nil, s.cancelRejected(ctx, wagerID)
	}

	result := &CloseResult{WagerID: wagerID, Status: model.WagerStatusCancelled.String()}
	refundTx, err := s.escrow.transfer(ctx, wager.CreatorEscrow, creator.PayoutAddress, wager.StakeAmount, txFee, purposeRefund)
	if err != nil {
		s.flagReview(ctx, wager, model.SettlementStepRefund, err)
		return nil, err
	}
	result.TxHashes = append(result.TxHashes, refundTx)

	remaining := balance.Sub(wager.StakeAmount).Sub(txFee)
	sweepTx, _, err := s.escrow.drain(ctx, wager.CreatorEscrow, remaining, txFee, s.cfg.RentFloor, s.cfg.TreasuryAddress, purposeRefundSweep)
	if err != nil {
		// 本金已退还，剩余只有手续费，由托管审计任务跟进
		result.Failures = append(result.Failures, err.Error())
		s.flagReview(ctx, wager, model.SettlementStepRefundSweep, err)
	} else if sweepTx != "" {
		result.TxHashes = append(result.TxHashes, sweepTx)
	}

	metrics.RecordWagerEvent("cancelled")
	s.audit.record(ctx, model.AuditWagerCancelled, model.AuditSeverityInfo, creatorID, wagerID, map[string]interface{}{
		"refund":    wager.StakeAmount.String(),
		"tx_hashes": result.TxHashes,
	})
	publish(ctx, "wager_cancelled", func(ctx context.Context) error {
		return s.publisher.PublishWagerClosed(ctx, &model.WagerClosedEvent{
			WagerID:  wagerID,
			Status:   result.Status,
			TxHashes: result.TxHashes,
			ClosedAt: nowMillis(s.clock),
		})
	})
	logger.WithContext(ctx).Info("wager cancelled",
		zap.String("wager_id", wagerID),
		zap.String("refund_tx", refundTx),
		zap.String("sweep_tx", sweepTx))
	return result, nil
}

// cancelRejected 条件取消未生效时按最新状态给出原因
func (s *WagerService) cancelRejected(ctx context.Context, wagerID string) error {
	latest, err := s.getWager(ctx, wagerID)
	if err != nil {
		return err
	}
	if latest.Status != model.WagerStatusOpen {
		return apperr.ErrInvalidWagerStatus.WithDetail("status", latest.Status.String())
	}
	return apperr.ErrSoftLocked
}

// ForceRefund 管理员强制退款，状态置为 Refunded
//
// 未发生过结算转账的托管钱包全额退回所有者；部分结算时，已向获胜方付款的钱包
// 剩余部分归集到金库，未付款的钱包退回所有者，已广播的转账不重复支付。
// 结算进行中 (Accepting 且未标记复核) 时拒绝。
func (s *WagerService) ForceRefund(ctx context.Context, wagerID, adminID, reason string) (*CloseResult, error) {
	wager, err := s.getWager(ctx, wagerID)
	if err != nil {
		return nil, err
	}
	if wager.Status.IsTerminal() {
		return nil, apperr.ErrInvalidWagerStatus.WithDetail("status", wager.Status.String())
	}
	if wager.Status == model.WagerStatusAccepting && !wager.NeedsReview {
		return nil, apperr.ErrInvalidWagerStatus.WithMessage("settlement in progress").
			WithDetail("status", wager.Status.String())
	}

	ok, err := s.wagers.TryTransition(ctx, wagerID, wager.Status, model.WagerStatusRefunded, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, err)
	}
	if !ok {
		return nil, apperr.ErrInvalidWagerStatus.WithMessage("wager status changed concurrently")
	}

	result := &CloseResult{WagerID: wagerID, Status: model.WagerStatusRefunded.String()}
	targets := refundTargets(wager)
	var treasuryRoles []string

	txFee, feeErr := s.ledger.TransferFee(ctx)
	for _, t := range targets {
		if t.escrow.IsZero() {
			continue
		}
		if t.toTreasury {
			treasuryRoles = append(treasuryRoles, t.role)
		}
		if feeErr != nil {
			result.Failures = append(result.Failures, t.role+": "+feeErr.Error())
			continue
		}
		txHash, err := s.refundEscrow(ctx, t, txFee)
		if err != nil {
			result.Failures = append(result.Failures, t.role+": "+err.Error())
			continue
		}
		if txHash != "" {
			result.TxHashes = append(result.TxHashes, txHash)
		}
	}
	if len(result.Failures) > 0 {
		s.flagReview(ctx, wager, model.SettlementStepRefund, errors.New(strings.Join(result.Failures, "; ")))
	} else if wager.NeedsReview {
		if err := s.wagers.ClearReview(ctx, wagerID); err != nil {
			logger.Error("clear wager review failed",
				zap.String("wager_id", wagerID),
				zap.Error(err))
		} else {
			metrics.NeedsReviewGauge.Dec()
		}
	}

	metrics.RecordWagerEvent("refunded")
	s.audit.record(ctx, model.AuditForceRefund, model.AuditSeverityCritical, adminID, wagerID, map[string]interface{}{
		"reason":         reason,
		"from_status":    wager.Status.String(),
		"needs_review":   wager.NeedsReview,
		"treasury_roles": treasuryRoles,
		"tx_hashes":      result.TxHashes,
		"failures":       result.Failures,
	})
	publish(ctx, "wager_refunded", func(ctx context.Context) error {
		return s.publisher.PublishWagerClosed(ctx, &model.WagerClosedEvent{
			WagerID:  wagerID,
			Status:   result.Status,
			Reason:   reason,
			TxHashes: result.TxHashes,
			ClosedAt: nowMillis(s.clock),
		})
	})
	logger.WithContext(ctx).Warn("wager force refunded",
		zap.String("wager_id", wagerID),
		zap.String("admin_id", adminID),
		zap.String("reason", reason),
		zap.Strings("treasury_roles", treasuryRoles),
		zap.Strings("tx_hashes", result.TxHashes),
		zap.Strings("failures", result.Failures))
	return result, nil
}

// refundTarget 强制退款时单个托管钱包的去向
type refundTarget struct {
	role       string
	owner      string
	escrow     model.EscrowRecord
	toTreasury bool
}

// refundTargets 按结算进度决定两个托管钱包的去向
func refundTargets(wager *model.Wager) []refundTarget {
	acceptorOwner := wager.AcceptorID
	if acceptorOwner == "" {
		acceptorOwner = wager.AcceptingParty
	}
	creator := refundTarget{role: roleCreator, owner: wager.CreatorID, escrow: wager.CreatorEscrow}
	acceptor := refundTarget{role: roleAcceptor, owner: acceptorOwner, escrow: wager.AcceptorEscrow}

	p := wager.Progress
	if p.AnyBroadcast() {
		winnerPaid, loserPaid := p.WinnerPayoutTx != "", p.LoserPayoutTx != ""
		if p.Result == wager.Side {
			creator.toTreasury, acceptor.toTreasury = winnerPaid, loserPaid
		} else {
			creator.toTreasury, acceptor.toTreasury = loserPaid, winnerPaid
		}
	}
	return []refundTarget{creator, acceptor}
}

func (s *WagerService) refundEscrow(ctx context.Context, t refundTarget, txFee decimal.Decimal) (string, error) {
	to, purpose := s.cfg.TreasuryAddress, purposeReviewSweep
	if !t.toTreasury {
		if t.owner == "" {
			return "", errors.New("escrow has no owner")
		}
		owner, err := s.users.GetByID(ctx, t.owner)
		if err != nil {
			return "", err
		}
		if owner.PayoutAddress == "" {
			return "", errors.New("owner has no payout address")
		}
		to, purpose = owner.PayoutAddress, purposeForceRefund
	}
	balance, err := s.ledger.GetBalance(ctx, t.escrow.Address)
	if err != nil {
		return "", err
	}
	txHash, _, err := s.escrow.drain(ctx, t.escrow, balance, txFee, s.cfg.RentFloor, to, purpose)
	return txHash, err
}

// flagReview 资金流程中途失败，标记人工复核
func (s *WagerService) flagReview(ctx context.Context, wager *model.Wager, step model.SettlementStep, cause error) {
	ctx = context.WithoutCancel(ctx)
	progress := wager.Progress
	progress.FailedStep = step
	progress.Error = cause.Error()
	if err := s.wagers.UpdateProgress(ctx, wager.ID, progress, true); err != nil {
		logger.Error("flag wager for review failed",
			zap.String("wager_id", wager.ID),
			zap.Error(err))
	}
	metrics.NeedsReviewGauge.Inc()
	logger.Error("wager needs review",
		zap.String("wager_id", wager.ID),
		zap.String("step", string(step)),
		zap.Error(cause))
	publish(ctx, "settlement_review", func(ctx context.Context) error {
		return s.publisher.PublishSettlementReview(ctx, &model.SettlementReviewEvent{
			WagerID:    wager.ID,
			FailedStep: string(step),
			Error:      cause.Error(),
			Progress:   progress,
			FlaggedAt:  nowMillis(s.clock),
		})
	})
}

// ClaimResult 推荐收益领取结果
type ClaimResult struct {
	UserID  string          `json:"user_id"`
	Claimed decimal.Decimal `json:"claimed"`
	Fee     decimal.Decimal `json:"fee"`
	ClaimTx string          `json:"claim_tx"`
	FeeTx   string          `json:"fee_tx,omitempty"`
}

// ClaimReferralEarnings 将推荐收款钱包的余额转到玩家收款地址
//
// 金库按 ReferralClaimRate 抽成，并预留两笔转账的网络费用与保留下限。
// 余额低于 ReferralClaimMin 或扣除后不为正时返回 NOTHING_TO_CLAIM。
func (s *WagerService) ClaimReferralEarnings(ctx context.Context, userID string) (*ClaimResult, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, apperr.ErrNotFound.WithMessage("user not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, err)
	}
	if user.PayoutAddress == "" {
		return nil, apperr.ErrInvalidRequest.WithMessage("payout address not set")
	}
	if user.ReferralEscrowAddress == "" {
		return nil, apperr.ErrNothingToClaim.WithMessage("no referral earnings yet")
	}
	escrow := model.EscrowRecord{Address: user.ReferralEscrowAddress, Secret: user.ReferralEscrowSecret}

	balance, err := s.ledger.GetBalance(ctx, escrow.Address)
	if err != nil {
		return nil, ledgerError(apperr.ErrLedgerUnavailable, err)
	}
	if balance.LessThan(s.cfg.ReferralClaimMin) {
		return nil, apperr.ErrNothingToClaim.
			WithDetail("balance", balance.String()).
			WithDetail("minimum", s.cfg.ReferralClaimMin.String())
	}
	txFee, err := s.ledger.TransferFee(ctx)
	if err != nil {
		return nil, ledgerError(apperr.ErrLedgerUnavailable, err)
	}

	fee := balance.Mul(s.cfg.ReferralClaimRate).Truncate(amountPrecision)
	claim := balance.Sub(fee).Sub(txFee.Mul(decimal.NewFromInt(2))).Sub(s.cfg.RentFloor).Truncate(amountPrecision)
	if !claim.IsPositive() {
		return nil, apperr.ErrNothingToClaim.
			WithMessage("balance does not cover fees").
			WithDetail("balance", balance.String())
	}

	result := &ClaimResult{UserID: userID, Claimed: claim, Fee: fee}
	if fee.IsPositive() {
		if result.FeeTx, err = s.escrow.transfer(ctx, escrow, s.cfg.TreasuryAddress, fee, txFee, purposeClaimFee); err != nil {
			return nil, err
		}
	}
	if result.ClaimTx, err = s.escrow.transfer(ctx, escrow, user.PayoutAddress, claim, txFee, purposeClaim); err != nil {
		// 抽成已转出，余额仍留在推荐钱包，重试时按新余额计算
		logger.WithContext(ctx).Error("referral claim transfer failed after fee",
			zap.String("user_id", userID),
			zap.String("fee_tx", result.FeeTx),
			zap.Error(err))
		return nil, err
	}

	s.audit.record(ctx, model.AuditReferralClaimed, model.AuditSeverityInfo, userID, "", map[string]interface{}{
		"balance":  balance.String(),
		"claimed":  claim.String(),
		"fee":      fee.String(),
		"claim_tx": result.ClaimTx,
		"fee_tx":   result.FeeTx,
	})
	logger.WithContext(ctx).Info("referral earnings claimed",
		zap.String("user_id", userID),
		zap.String("claimed", claim.String()),
		zap.String("fee", fee.String()),
		zap.String("claim_tx", result.ClaimTx))
	return result, nil
}

// ExportEscrowKey 管理员导出托管私钥 (应急)，写入 critical 审计
func (s *WagerService) ExportEscrowKey(ctx context.Context, wagerID, role, adminID string) (*ExportedKey, error) {
	wager, err := s.getWager(ctx, wagerID)
	if err != nil {
		return nil, err
	}

	var escrow model.EscrowRecord
	switch role {
	case roleCreator:
		escrow = wager.CreatorEscrow
	case roleAcceptor:
		escrow = wager.AcceptorEscrow
	default:
		return nil, apperr.ErrInvalidRequest.WithMessage("role must be creator or acceptor")
	}
	if escrow.IsZero() {
		return nil, apperr.ErrNotFound.WithMessage("escrow not generated")
	}

	plain, err := s.secrets.Decrypt(escrow.Secret)
	if err != nil {
		return nil, err
	}

	s.audit.record(ctx, model.AuditKeyExported, model.AuditSeverityCritical, adminID, wagerID, map[string]interface{}{
		"role":    role,
		"address": escrow.Address,
	})
	logger.WithContext(ctx).Warn("escrow key exported",
		zap.String("wager_id", wagerID),
		zap.String("role", role),
		zap.String("address", escrow.Address),
		zap.String("admin_id", adminID))
	return &ExportedKey{WagerID: wagerID, Role: role, Address: escrow.Address, Secret: plain}, nil
}

// VerifyOutcome 公开复算对局结果
func (s *WagerService) VerifyOutcome(ctx context.Context, wagerID string) (*model.OutcomeVerification, error) {
	if _, err := s.getWager(ctx, wagerID); err != nil {
		return nil, err
	}
	game, err := s.games.GetByWagerID(ctx, wagerID)
	if errors.Is(err, repository.ErrGameNotFound) {
		return nil, apperr.ErrNotSettled
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, err)
	}
	return oracle.Verification(game), nil
}

func (s *WagerService) getWager(ctx context.Context, id string) (*model.Wager, error) {
	wager, err := s.wagers.GetByID(ctx, id)
	if errors.Is(err, repository.ErrWagerNotFound) {
		return nil, apperr.ErrWagerNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, err)
	}
	return wager, nil
}

// ensureUser 首次出现时创建玩家，返回最新记录；玩家必须有收款地址
func (s *WagerService) ensureUser(ctx context.Context, id, payoutAddress, referrerID string) (*model.User, error) {
	user := &model.User{ID: id, PayoutAddress: payoutAddress}
	if referrerID != "" && referrerID != id {
		user.ReferrerID = referrerID
	}
	if err := s.users.Ensure(ctx, user); err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, err)
	}

	existing, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, err)
	}
	if payoutAddress != "" && existing.PayoutAddress != payoutAddress {
		if err := s.users.SetPayoutAddress(ctx, id, payoutAddress); err != nil {
			return nil, apperr.Wrap(apperr.ErrInternal, err)
		}
		existing.PayoutAddress = payoutAddress
	}
	if existing.PayoutAddress == "" {
		return nil, apperr.ErrInvalidRequest.WithMessage("payout_address is required")
	}
	return existing, nil
}
