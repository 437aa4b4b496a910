package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-escrow/internal/config"
	"github.com/eidos-exchange/eidos-escrow/internal/ledger"
	"github.com/eidos-exchange/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos-escrow/internal/repository"
	"github.com/eidos-exchange/eidos-escrow/internal/secret"
)

const testEncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var (
	testNetworkFee = decimal.RequireFromString("0.000021")
	testProcessing = decimal.RequireFromString("0.025")
	treasuryAddr   = "0x7e4a5a7e4a5a7e4a5a7e4a5a7e4a5a7e4a5a0001"
)

var errInsufficientFunds = errors.New("insufficient funds for gas * price + value")

// fakeLedger 内存账本，每笔转账从发送方额外扣除网络费用
type fakeLedger struct {
	mu sync.Mutex

	fee       decimal.Decimal
	blockHash string
	balances  map[string]decimal.Decimal
	keys      map[string]string
	txs       map[string]*ledger.Transaction
	recent    map[string][]string
	transfers []fakeTransfer
	burned    decimal.Decimal
	seq       int

	// failTransferAt 第 N 次 Transfer 调用失败 (从 1 开始)，0 表示不注入
	failTransferAt int
	transferCalls  int
	down           error

	// afterFeeQuote 下一次 TransferFee 报价后执行一次，模拟报价与状态变更之间的并发
	afterFeeQuote func()
	// beforeBlockHash 下一次取区块哈希前执行一次
	beforeBlockHash func()
}

type fakeTransfer struct {
	From   string
	To     string
	Amount decimal.Decimal
	Sig    string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		fee:       testNetworkFee,
		blockHash: "0x9d3c6f1b2a4e5d7c8b9a0f1e2d3c4b5a69788796a5b4c3d2e1f0a9b8c7d6e5f4",
		balances:  make(map[string]decimal.Decimal),
		keys:      make(map[string]string),
		txs:       make(map[string]*ledger.Transaction),
		recent:    make(map[string][]string),
		burned:    decimal.Zero,
	}
}

func norm(addr string) string {
	return strings.ToLower(addr)
}

func (f *fakeLedger) nextSig() string {
	f.seq++
	return fmt.Sprintf("0x%064x", f.seq)
}

func (f *fakeLedger) GenerateKeypair() (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	address := fmt.Sprintf("0x%040x", 0xe5c0000+f.seq)
	secretKey := fmt.Sprintf("0x%064x", 0x5ec0000+f.seq)
	f.keys[secretKey] = address
	return address, secretKey, nil
}

func (f *fakeLedger) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down != nil {
		return decimal.Zero, f.down
	}
	return f.balanceOf(address), nil
}

func (f *fakeLedger) balanceOf(address string) decimal.Decimal {
	if b, ok := f.balances[norm(address)]; ok {
		return b
	}
	return decimal.Zero
}

func (f *fakeLedger) Transfer(ctx context.Context, fromSecret, to string, amount, fee decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down != nil {
		return "", f.down
	}
	f.transferCalls++
	if f.failTransferAt == f.transferCalls {
		return "", errors.New("injected transfer failure")
	}
	from, ok := f.keys[fromSecret]
	if !ok {
		return "", ledger.ErrInvalidSecret
	}
	if !amount.IsPositive() {
		return "", ledger.ErrInvalidAmount
	}
	// 按签名时的费用扣除，未指定时按当前网络费用
	charged := f.fee
	if fee.IsPositive() {
		charged = fee
	}
	if f.balanceOf(from).LessThan(amount.Add(charged)) {
		return "", errInsufficientFunds
	}

	f.balances[norm(from)] = f.balanceOf(from).Sub(amount).Sub(charged)
	f.burned = f.burned.Add(charged)
	sig := f.record(from, to, amount)
	f.transfers = append(f.transfers, fakeTransfer{From: from, To: to, Amount: amount, Sig: sig})
	return sig, nil
}

// record 记账并登记交易，调用方持锁
func (f *fakeLedger) record(from, to string, amount decimal.Decimal) string {
	f.balances[norm(to)] = f.balanceOf(to).Add(amount)
	sig := f.nextSig()
	f.txs[sig] = &ledger.Transaction{
		Signature:    sig,
		Success:      true,
		Instructions: []ledger.Instruction{{Source: from, Destination: to, Amount: amount}},
	}
	f.recent[norm(to)] = append([]string{sig}, f.recent[norm(to)]...)
	return sig
}

// deposit 模拟外部钱包向地址转账
func (f *fakeLedger) deposit(from, to string, amount decimal.Decimal) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record(from, to, amount)
}

// addTx 直接登记任意交易，不改变余额
func (f *fakeLedger) addTx(tx *ledger.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[tx.Signature] = tx
	for _, ins := range tx.Instructions {
		f.recent[norm(ins.Destination)] = append([]string{tx.Signature}, f.recent[norm(ins.Destination)]...)
		if tx.Success {
			f.balances[norm(ins.Destination)] = f.balanceOf(ins.Destination).Add(ins.Amount)
		}
	}
}

func (f *fakeLedger) GetRecentBlockHash(ctx context.Context) (string, error) {
	f.mu.Lock()
	hook := f.beforeBlockHash
	f.beforeBlockHash = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down != nil {
		return "", f.down
	}
	return f.blockHash, nil
}

func (f *fakeLedger) GetTransaction(ctx context.Context, signature string) (*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down != nil {
		return nil, f.down
	}
	tx, ok := f.txs[signature]
	if !ok {
		return nil, ledger.ErrTxNotFound
	}
	return tx, nil
}

func (f *fakeLedger) GetRecentTransactions(ctx context.Context, address string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down != nil {
		return nil, f.down
	}
	sigs := f.recent[norm(address)]
	if len(sigs) > limit {
		sigs = sigs[:limit]
	}
	return append([]string(nil), sigs...), nil
}

func (f *fakeLedger) TransferFee(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	fee, down := f.fee, f.down
	hook := f.afterFeeQuote
	f.afterFeeQuote = nil
	f.mu.Unlock()
	if down != nil {
		return decimal.Zero, down
	}
	if hook != nil {
		hook()
	}
	return fee, nil
}

func (f *fakeLedger) setFee(fee decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fee = fee
}

// total 所有地址余额加已消耗的网络费用
func (f *fakeLedger) total() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := f.burned
	for _, b := range f.balances {
		sum = sum.Add(b)
	}
	return sum
}

func (f *fakeLedger) balance(address string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceOf(address)
}

func (f *fakeLedger) transfersFrom(address string) []fakeTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeTransfer
	for _, t := range f.transfers {
		if norm(t.From) == norm(address) {
			out = append(out, t)
		}
	}
	return out
}

var _ ledger.Client = (*fakeLedger)(nil)

// recordingPublisher 记录发布的事件
type recordingPublisher struct {
	mu      sync.Mutex
	created []*model.WagerCreatedEvent
	settled []*model.WagerSettledEvent
	closed  []*model.WagerClosedEvent
	reviews []*model.SettlementReviewEvent
}

func (p *recordingPublisher) PublishWagerCreated(ctx context.Context, e *model.WagerCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return nil
}

func (p *recordingPublisher) PublishWagerSettled(ctx context.Context, e *model.WagerSettledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled = append(p.settled, e)
	return nil
}

func (p *recordingPublisher) PublishWagerClosed(ctx context.Context, e *model.WagerClosedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, e)
	return nil
}

func (p *recordingPublisher) PublishSettlementReview(ctx context.Context, e *model.SettlementReviewEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reviews = append(p.reviews, e)
	return nil
}

var testDBSeq int64

func setupTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:servicetest%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&model.Wager{},
		&model.UsedSignature{},
		&model.Game{},
		&model.User{},
		&model.AuditLog{},
	))
	return db
}

type testEnv struct {
	db         *gorm.DB
	ledger     *fakeLedger
	secrets    secret.Store
	wagers     repository.WagerRepository
	signatures repository.SignatureRepository
	games      repository.GameRepository
	users      repository.UserRepository
	audits     repository.AuditRepository
	publisher  *recordingPublisher
	verifier   *DepositVerifier
	engine     *SettlementEngine
	svc        *WagerService
	recovery   *RecoveryService
	now        time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	db := setupTestDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	secrets, err := secret.NewStore(testEncryptionKey)
	require.NoError(t, err)

	env := &testEnv{
		db:         db,
		ledger:     newFakeLedger(),
		secrets:    secrets,
		wagers:     repository.NewWagerRepository(db),
		signatures: repository.NewSignatureRepository(db, rdb),
		games:      repository.NewGameRepository(db),
		users:      repository.NewUserRepository(db),
		audits:     repository.NewAuditRepository(db),
		publisher:  &recordingPublisher{},
		now:        time.Now(),
	}

	fees := NewFeeCalculator(feeConfig())
	env.verifier = NewDepositVerifier(env.ledger, env.signatures)
	env.engine = NewSettlementEngine(env.ledger, secrets, env.wagers, env.games, env.users, env.audits, fees, env.publisher,
		&SettlementConfig{TreasuryAddress: treasuryAddr, RentFloor: decimal.Zero})
	env.svc = NewWagerService(env.wagers, env.signatures, env.games, env.users, env.audits, env.ledger, secrets,
		env.verifier, env.engine, env.publisher, &WagerServiceConfig{
			TreasuryAddress: treasuryAddr,
			ProcessingFee:   testProcessing,
			RentFloor:       decimal.Zero,
			VerifyTolerance: decimal.RequireFromString("0.0001"),
			PollTolerance:   decimal.RequireFromString("0.001"),
			SoftLockTimeout: 60 * time.Second,
			PollInterval:    10 * time.Millisecond,
			PollTimeout:     100 * time.Millisecond,
		})
	env.svc.clock = func() time.Time { return env.now }
	env.recovery = NewRecoveryService(env.wagers, env.ledger, &RecoveryServiceConfig{StuckAfter: 30 * time.Minute})
	return env
}

// payout 玩家收款地址，由用户名唯一确定
func payout(user string) string {
	return fmt.Sprintf("0x%040x", new(big.Int).SetBytes([]byte(user)))
}

func feeConfig() config.FeeConfig {
	return config.FeeConfig{
		BaseRate:            decimal.RequireFromString("0.02"),
		MaxCombinedDiscount: decimal.RequireFromString("0.40"),
	}
}

// openWager 创建对赌并完成创建者入金
func (e *testEnv) openWager(t *testing.T, creator string, side model.Side, stake string) *model.Wager {
	ctx := context.Background()
	w, err := e.svc.Create(ctx, &CreateWagerRequest{
		CreatorID:     creator,
		Side:          side,
		Stake:         decimal.RequireFromString(stake),
		PayoutAddress: payout(creator),
	})
	require.NoError(t, err)

	sig := e.ledger.deposit(payout(creator), w.CreatorEscrow.Address, e.svc.RequiredDeposit(w))
	w, err = e.svc.ConfirmDeposit(ctx, w.ID, sig)
	require.NoError(t, err)
	return w
}

// prepareFunded 占用软锁并向接受方托管钱包入金，返回入金签名
func (e *testEnv) prepareFunded(t *testing.T, wagerID, acceptor string) string {
	w, err := e.svc.PrepareAccept(context.Background(), &AcceptRequest{
		WagerID:       wagerID,
		AcceptorID:    acceptor,
		PayoutAddress: payout(acceptor),
	})
	require.NoError(t, err)
	return e.ledger.deposit(payout(acceptor), w.AcceptorEscrow.Address, e.svc.RequiredDeposit(w))
}
