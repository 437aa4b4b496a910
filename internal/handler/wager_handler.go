package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos-escrow/internal/repository"
	"github.com/eidos-exchange/eidos-escrow/internal/service"
	apperr "github.com/eidos-exchange/eidos-escrow/pkg/errors"
)

// WagerService 对赌服务接口
type WagerService interface {
	Create(ctx context.Context, req *service.CreateWagerRequest) (*model.Wager, error)
	Get(ctx context.Context, wagerID string) (*model.Wager, error)
	RequiredDeposit(wager *model.Wager) decimal.Decimal
	ConfirmDeposit(ctx context.Context, wagerID, signature string) (*model.Wager, error)
	ListOpen(ctx context.Context, page *repository.Pagination) ([]*model.Wager, error)
	PrepareAccept(ctx context.Context, req *service.AcceptRequest) (*model.Wager, error)
	DepositStatus(ctx context.Context, wagerID, party string, wait bool) (*service.DepositStatus, error)
	Accept(ctx context.Context, req *service.AcceptRequest) (*model.Game, error)
	AbandonAccept(ctx context.Context, wagerID, acceptorID string) error
	Cancel(ctx context.Context, wagerID, creatorID string) (*service.CloseResult, error)
	VerifyOutcome(ctx context.Context, wagerID string) (*model.OutcomeVerification, error)
	ClaimReferralEarnings(ctx context.Context, userID string) (*service.ClaimResult, error)
}

// WagerView 对外展示的对赌，不含托管私钥
type WagerView struct {
	ID              string `json:"id"`
	CreatorID       string `json:"creator_id"`
	AcceptorID      string `json:"acceptor_id,omitempty"`
	Side            string `json:"side"`
	StakeAmount     string `json:"stake_amount"`
	RequiredDeposit string `json:"required_deposit"`
	Status          string `json:"status"`
	CreatorEscrow   string `json:"creator_escrow"`
	AcceptorEscrow  string `json:"acceptor_escrow,omitempty"`
	AcceptingParty  string `json:"accepting_party,omitempty"`
	AcceptingSince  int64  `json:"accepting_since,omitempty"`
	SettledGameID   string `json:"settled_game_id,omitempty"`
	NeedsReview     bool   `json:"needs_review"`
	CreatedAt       int64  `json:"created_at"`
}

// GameView 结算结果
type GameView struct {
	ID              string `json:"id"`
	WagerID         string `json:"wager_id"`
	BlockHash       string `json:"block_hash"`
	Result          string `json:"result"`
	WinnerID        string `json:"winner_id"`
	LoserID         string `json:"loser_id"`
	FeeRate         string `json:"fee_rate"`
	PayoutPerEscrow string `json:"payout_per_escrow"`
	TotalPayout     string `json:"total_payout"`
	ReferralAmount  string `json:"referral_amount"`
	PayoutTxWinner  string `json:"payout_tx_winner"`
	PayoutTxLoser   string `json:"payout_tx_loser"`
}

// CreateWagerRequest 创建对赌请求
type CreateWagerRequest struct {
	CreatorID     string `json:"creator_id" binding:"required"`
	Side          string `json:"side" binding:"required"`
	Stake         string `json:"stake" binding:"required"`
	PayoutAddress string `json:"payout_address"`
	ReferrerID    string `json:"referrer_id"`
}

// ConfirmDepositRequest 创建者入金确认
type ConfirmDepositRequest struct {
	Signature string `json:"signature" binding:"required"`
}

// AcceptWagerRequest prepare-accept 与 accept 共用
type AcceptWagerRequest struct {
	AcceptorID    string `json:"acceptor_id" binding:"required"`
	PayoutAddress string `json:"payout_address"`
	ReferrerID    string `json:"referrer_id"`
	Signature     string `json:"signature"`
}

// PartyRequest 只携带调用方 ID 的请求
type PartyRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// WagerHandler 对赌接口
type WagerHandler struct {
	svc WagerService
}

// NewWagerHandler 创建对赌处理器
func NewWagerHandler(svc WagerService) *WagerHandler {
	return &WagerHandler{svc: svc}
}

func (h *WagerHandler) view(w *model.Wager) *WagerView {
	return &WagerView{
		ID:              w.ID,
		CreatorID:       w.CreatorID,
		AcceptorID:      w.AcceptorID,
		Side:            w.Side.String(),
		StakeAmount:     w.StakeAmount.String(),
		RequiredDeposit: h.svc.RequiredDeposit(w).String(),
		Status:          w.Status.String(),
		CreatorEscrow:   w.CreatorEscrow.Address,
		AcceptorEscrow:  w.AcceptorEscrow.Address,
		AcceptingParty:  w.AcceptingParty,
		AcceptingSince:  w.AcceptingSince,
		SettledGameID:   w.SettledGameID,
		NeedsReview:     w.NeedsReview,
		CreatedAt:       w.CreatedAt,
	}
}

func gameView(g *model.Game) *GameView {
	return &GameView{
		ID:              g.ID,
		WagerID:         g.WagerID,
		BlockHash:       g.BlockHash,
		Result:          g.Result.String(),
		WinnerID:        g.WinnerID,
		LoserID:         g.LoserID,
		FeeRate:         g.FeeRate.String(),
		PayoutPerEscrow: g.PayoutPerEscrow.String(),
		TotalPayout:     g.TotalPayout().String(),
		ReferralAmount:  g.ReferralAmount.String(),
		PayoutTxWinner:  g.PayoutTxWinner,
		PayoutTxLoser:   g.PayoutTxLoser,
	}
}

// Create 创建对赌
// POST /api/v1/wagers
func (h *WagerHandler) Create(c *gin.Context) {
	var req CreateWagerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	side, ok := model.ParseSide(req.Side)
	if !ok {
		Error(c, apperr.ErrInvalidSide)
		return
	}
	stake, err := decimal.NewFromString(req.Stake)
	if err != nil {
		Error(c, apperr.ErrInvalidStake)
		return
	}

	wager, err := h.svc.Create(c.Request.Context(), &service.CreateWagerRequest{
		CreatorID:     req.CreatorID,
		Side:          side,
		Stake:         stake,
		PayoutAddress: req.PayoutAddress,
		ReferrerID:    req.ReferrerID,
	})
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, h.view(wager))
}

// Get 查询对赌
// GET /api/v1/wagers/:id
func (h *WagerHandler) Get(c *gin.Context) {
	wager, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, h.view(wager))
}

// ListOpen 可接受的对赌
// GET /api/v1/wagers?page=1&page_size=20
func (h *WagerHandler) ListOpen(c *gin.Context) {
	page := &repository.Pagination{Page: 1, PageSize: 20}
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page.Page = p
	}
	if ps, err := strconv.Atoi(c.Query("page_size")); err == nil && ps > 0 && ps <= 100 {
		page.PageSize = ps
	}

	wagers, err := h.svc.ListOpen(c.Request.Context(), page)
	if err != nil {
		Error(c, err)
		return
	}
	views := make([]*WagerView, 0, len(wagers))
	for _, w := range wagers {
		views = append(views, h.view(w))
	}
	SuccessPaged(c, views, page.Page, page.PageSize, page.Total)
}

// ConfirmDeposit 创建者提交入金签名
// POST /api/v1/wagers/:id/deposit
func (h *WagerHandler) ConfirmDeposit(c *gin.Context) {
	var req ConfirmDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	wager, err := h.svc.ConfirmDeposit(c.Request.Context(), c.Param("id"), req.Signature)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, h.view(wager))
}

// DepositStatus 查询入金状态
// GET /api/v1/wagers/:id/deposit-status?party=<user_id>&wait=true
func (h *WagerHandler) DepositStatus(c *gin.Context) {
	party := c.Query("party")
	if party == "" {
		BadRequest(c, "party is required")
		return
	}
	wait, _ := strconv.ParseBool(c.Query("wait"))

	status, err := h.svc.DepositStatus(c.Request.Context(), c.Param("id"), party, wait)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, status)
}

// PrepareAccept 占用软锁并返回接受方托管地址
// POST /api/v1/wagers/:id/prepare-accept
func (h *WagerHandler) PrepareAccept(c *gin.Context) {
	var req AcceptWagerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	wager, err := h.svc.PrepareAccept(c.Request.Context(), &service.AcceptRequest{
		WagerID:       c.Param("id"),
		AcceptorID:    req.AcceptorID,
		PayoutAddress: req.PayoutAddress,
		ReferrerID:    req.ReferrerID,
	})
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, h.view(wager))
}

// Accept 接受并结算
// POST /api/v1/wagers/:id/accept
func (h *WagerHandler) Accept(c *gin.Context) {
	var req AcceptWagerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	game, err := h.svc.Accept(c.Request.Context(), &service.AcceptRequest{
		WagerID:    c.Param("id"),
		AcceptorID: req.AcceptorID,
		Signature:  req.Signature,
	})
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gameView(game))
}

// AbandonAccept 接受方放弃
// POST /api/v1/wagers/:id/abandon
func (h *WagerHandler) AbandonAccept(c *gin.Context) {
	var req PartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if err := h.svc.AbandonAccept(c.Request.Context(), c.Param("id"), req.UserID); err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"wager_id": c.Param("id")})
}

// Cancel 创建者取消
// POST /api/v1/wagers/:id/cancel
func (h *WagerHandler) Cancel(c *gin.Context) {
	var req PartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	result, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, result)
}

// VerifyOutcome 公开复算结果
// GET /api/v1/wagers/:id/verify
func (h *WagerHandler) VerifyOutcome(c *gin.Context) {
	v, err := h.svc.VerifyOutcome(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, v)
}

// ClaimReferralEarnings 领取推荐收益
// POST /api/v1/referrals/claim
func (h *WagerHandler) ClaimReferralEarnings(c *gin.Context) {
	var req PartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	result, err := h.svc.ClaimReferralEarnings(c.Request.Context(), req.UserID)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, result)
}
