package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-escrow/internal/ledger"
	"github.com/eidos-exchange/eidos-escrow/internal/metrics"
	"github.com/eidos-exchange/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos-escrow/internal/repository"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
)

// RecoveryServiceConfig 恢复服务配置
type RecoveryServiceConfig struct {
	StuckAfter        time.Duration
	RentFloor         decimal.Decimal
	// ResidualTolerance 终态钱包余额超过 RentFloor 的容忍值
	ResidualTolerance decimal.Decimal
	ScanLimit         int
}

// StuckEscrow 长时间未到终态或待复核的对赌
type StuckEscrow struct {
	WagerID         string                   `json:"wager_id"`
	Status          string                   `json:"status"`
	AgeSeconds      int64                    `json:"age_seconds"`
	NeedsReview     bool                     `json:"needs_review"`
	FailedStep      model.SettlementStep     `json:"failed_step,omitempty"`
	Error           string                   `json:"error,omitempty"`
	CreatorEscrow   string                   `json:"creator_escrow"`
	CreatorBalance  *decimal.Decimal         `json:"creator_balance,omitempty"`
	AcceptorEscrow  string                   `json:"acceptor_escrow,omitempty"`
	AcceptorBalance *decimal.Decimal         `json:"acceptor_balance,omitempty"`
	Progress        model.SettlementProgress `json:"progress"`
}

// EscrowResidual 终态对赌托管钱包中的残留资金
type EscrowResidual struct {
	WagerID string          `json:"wager_id"`
	Status  string          `json:"status"`
	Role    string          `json:"role"`
	Address string          `json:"address"`
	Balance decimal.Decimal `json:"balance"`
}

// EscrowAuditReport 托管钱包审计结果
type EscrowAuditReport struct {
	Checked       int              `json:"checked"`
	Residuals     []EscrowResidual `json:"residuals"`
	TotalResidual decimal.Decimal  `json:"total_residual"`
	Errors        []string         `json:"errors,omitempty"`
}

// RecoveryService 托管钱包恢复与对账
type RecoveryService struct {
	wagers repository.WagerRepository
	ledger ledger.Client
	cfg    RecoveryServiceConfig
	clock  func() time.Time
}

// NewRecoveryService 创建恢复服务
func NewRecoveryService(wagers repository.WagerRepository, client ledger.Client, cfg *RecoveryServiceConfig) *RecoveryService {
	c := *cfg
	if c.StuckAfter == 0 {
		c.StuckAfter = 30 * time.Minute
	}
	if c.ScanLimit == 0 {
		c.ScanLimit = 200
	}
	if c.ResidualTolerance.IsZero() {
		c.ResidualTolerance = decimal.RequireFromString("0.001")
	}
	return &RecoveryService{wagers: wagers, ledger: client, cfg: c, clock: time.Now}
}

// FindStuckEscrows 列出超过 StuckAfter 仍未到终态的对赌，以及所有待复核的对赌
// 余额查询失败不影响结果，对应字段留空
func (s *RecoveryService) FindStuckEscrows(ctx context.Context) ([]*StuckEscrow, error) {
	now := s.clock()
	wagers, err := s.wagers.ListStuck(ctx, now.Add(-s.cfg.StuckAfter).UnixMilli(), s.cfg.ScanLimit)
	if err != nil {
		return nil, err
	}

	result := make([]*StuckEscrow, 0, len(wagers))
	for _, w := range wagers {
		result = append(result, s.describe(ctx, w, now))
	}
	s.refreshReviewGauge(ctx)
	return result, nil
}

// ReviewQueue 待人工复核的对赌，按最后更新时间升序，最多 limit 条
func (s *RecoveryService) ReviewQueue(ctx context.Context, limit int) ([]*StuckEscrow, error) {
	if limit <= 0 || limit > s.cfg.ScanLimit {
		limit = s.cfg.ScanLimit
	}
	wagers, err := s.wagers.ListNeedsReview(ctx, limit)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	result := make([]*StuckEscrow, 0, len(wagers))
	for _, w := range wagers {
		result = append(result, s.describe(ctx, w, now))
	}
	s.refreshReviewGauge(ctx)
	return result, nil
}

func (s *RecoveryService) describe(ctx context.Context, w *model.Wager, now time.Time) *StuckEscrow {
	item := &StuckEscrow{
		WagerID:        w.ID,
		Status:         w.Status.String(),
		AgeSeconds:     (now.UnixMilli() - w.CreatedAt) / 1000,
		NeedsReview:    w.NeedsReview,
		FailedStep:     w.Progress.FailedStep,
		Error:          w.Progress.Error,
		CreatorEscrow:  w.CreatorEscrow.Address,
		AcceptorEscrow: w.AcceptorEscrow.Address,
		Progress:       w.Progress,
	}
	item.CreatorBalance = s.balance(ctx, w.CreatorEscrow)
	item.AcceptorBalance = s.balance(ctx, w.AcceptorEscrow)
	return item
}

func (s *RecoveryService) refreshReviewGauge(ctx context.Context) {
	if count, err := s.wagers.CountNeedsReview(ctx); err == nil {
		metrics.NeedsReviewGauge.Set(float64(count))
	}
}

func (s *RecoveryService) balance(ctx context.Context, escrow model.EscrowRecord) *decimal.Decimal {
	if escrow.IsZero() {
		return nil
	}
	b, err := s.ledger.GetBalance(ctx, escrow.Address)
	if err != nil {
		logger.Warn("query escrow balance failed",
			zap.String("escrow", escrow.Address),
			zap.Error(err))
		return nil
	}
	return &b
}

// VerifyAllEscrows 核对 since 之后进入终态的对赌，找出余额高于下限的托管钱包
func (s *RecoveryService) VerifyAllEscrows(ctx context.Context, since time.Time) (*EscrowAuditReport, error) {
	wagers, err := s.wagers.ListTerminalSince(ctx, since.UnixMilli(), s.cfg.ScanLimit)
	if err != nil {
		return nil, err
	}

	threshold := s.cfg.RentFloor.Add(s.cfg.ResidualTolerance)
	report := &EscrowAuditReport{TotalResidual: decimal.Zero}
	for _, w := range wagers {
		for _, e := range []struct {
			role   string
			escrow model.EscrowRecord
		}{
			{roleCreator, w.CreatorEscrow},
			{roleAcceptor, w.AcceptorEscrow},
		} {
			if e.escrow.IsZero() {
				continue
			}
			report.Checked++
			balance, err := s.ledger.GetBalance(ctx, e.escrow.Address)
			if err != nil {
				report.Errors = append(report.Errors, e.escrow.Address+": "+err.Error())
				continue
			}
			if balance.GreaterThan(threshold) {
				residual := balance.Sub(s.cfg.RentFloor)
				report.Residuals = append(report.Residuals, EscrowResidual{
					WagerID: w.ID,
					Status:  w.Status.String(),
					Role:    e.role,
					Address: e.escrow.Address,
					Balance: balance,
				})
				report.TotalResidual = report.TotalResidual.Add(residual)
			}
		}
	}

	metrics.EscrowResidualGauge.Set(float64(len(report.Residuals)))
	logger.Info("escrow audit finished",
		zap.Int("wagers", len(wagers)),
		zap.Int("checked", report.Checked),
		zap.Int("residuals", len(report.Residuals)),
		zap.String("total_residual", report.TotalResidual.String()),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}
