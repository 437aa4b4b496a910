package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/eidos-exchange/eidos-escrow/pkg/lock"
)

var (
	ErrNonceLockFailed  = errors.New("failed to acquire nonce lock")
	ErrNonceNotAcquired = errors.New("nonce not acquired")
)

// NonceSource 链上 pending nonce 来源
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManagerConfig 配置
type NonceManagerConfig struct {
	ChainID           int64
	LockTimeout       time.Duration
	LockRetryInterval time.Duration
	LockRetries       int
}

// NonceManager 托管钱包 Nonce 管理器
// 每个托管地址独立计数，Redis 分布式锁保证多实例下分配不冲突
type NonceManager struct {
	source  NonceSource
	redis   redis.UniversalClient
	locker  *lock.RedisLocker
	chainID int64

	retryInterval time.Duration
	retries       int
}

// NewNonceManager 创建 Nonce 管理器
func NewNonceManager(source NonceSource, rdb redis.UniversalClient, cfg *NonceManagerConfig) *NonceManager {
	lockTimeout := cfg.LockTimeout
	if lockTimeout == 0 {
		lockTimeout = 30 * time.Second
	}
	retryInterval := cfg.LockRetryInterval
	if retryInterval == 0 {
		retryInterval = 50 * time.Millisecond
	}
	retries := cfg.LockRetries
	if retries == 0 {
		retries = 100
	}

	return &NonceManager{
		source:        source,
		redis:         rdb,
		locker:        lock.NewRedisLocker(rdb, "eidos:escrow:nonce:lock:", lockTimeout),
		chainID:       cfg.ChainID,
		retryInterval: retryInterval,
		retries:       retries,
	}
}

func (m *NonceManager) nonceKey(addr common.Address) string {
	return fmt.Sprintf("eidos:escrow:nonce:%s:%d", addr.Hex(), m.chainID)
}

func (m *NonceManager) lockKey(addr common.Address) string {
	return fmt.Sprintf("%s:%d", addr.Hex(), m.chainID)
}

func (m *NonceManager) pendingKey(addr common.Address) string {
	return fmt.Sprintf("eidos:escrow:nonce:pending:%s:%d", addr.Hex(), m.chainID)
}

func (m *NonceManager) withLock(ctx context.Context, addr common.Address, fn func(ctx context.Context) error) error {
	err := m.locker.WithLockRetry(ctx, m.lockKey(addr), m.retryInterval, m.retries, fn)
	if errors.Is(err, lock.ErrLockAcquireFailed) {
		return ErrNonceLockFailed
	}
	return err
}

// AcquireNonce 分配下一个 nonce
// 返回的 nonce 必须通过 ConfirmNonce 或 ReleaseNonce 处理
func (m *NonceManager) AcquireNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var nonce uint64
	err := m.withLock(ctx, addr, func(ctx context.Context) error {
		current, err := m.getCurrentNonce(ctx, addr)
		if err != nil {
			return err
		}
		if err := m.setCurrentNonce(ctx, addr, current+1); err != nil {
			return err
		}
		nonce = current
		return nil
	})
	return nonce, err
}

// ConfirmNonce 交易已广播，记录到待确认队列
func (m *NonceManager) ConfirmNonce(ctx context.Context, addr common.Address, nonce uint64, txHash string) error {
	return m.redis.ZAdd(ctx, m.pendingKey(addr), redis.Z{
		Score:  float64(nonce),
		Member: fmt.Sprintf("%d:%s", nonce, txHash),
	}).Err()
}

// ReleaseNonce 交易未广播时归还 nonce
// 仅当没有更高的 nonce 被分配时才回退计数器，否则留下空洞由 SyncFromChain 修复
func (m *NonceManager) ReleaseNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	return m.withLock(ctx, addr, func(ctx context.Context) error {
		val, err := m.redis.Get(ctx, m.nonceKey(addr)).Uint64()
		if err == redis.Nil {
			return ErrNonceNotAcquired
		}
		if err != nil {
			return err
		}
		if val == nonce+1 {
			return m.setCurrentNonce(ctx, addr, nonce)
		}
		return nil
	})
}

// OnTxConfirmed 交易上链后从待确认队列移除
func (m *NonceManager) OnTxConfirmed(ctx context.Context, addr common.Address, nonce uint64, txHash string) error {
	return m.redis.ZRem(ctx, m.pendingKey(addr), fmt.Sprintf("%d:%s", nonce, txHash)).Err()
}

// PendingCount 待确认交易数量
func (m *NonceManager) PendingCount(ctx context.Context, addr common.Address) (int64, error) {
	return m.redis.ZCard(ctx, m.pendingKey(addr)).Result()
}

// SyncFromChain 以链上 pending nonce 覆盖本地计数
func (m *NonceManager) SyncFromChain(ctx context.Context, addr common.Address) error {
	return m.withLock(ctx, addr, func(ctx context.Context) error {
		chainNonce, err := m.source.PendingNonceAt(ctx, addr)
		if err != nil {
			return err
		}
		return m.setCurrentNonce(ctx, addr, chainNonce)
	})
}

// CurrentNonce 当前计数 (不加锁，仅用于查询)
func (m *NonceManager) CurrentNonce(ctx context.Context, addr common.Address) (uint64, error) {
	return m.getCurrentNonce(ctx, addr)
}

// getCurrentNonce 首次使用时从链上获取
func (m *NonceManager) getCurrentNonce(ctx context.Context, addr common.Address) (uint64, error) {
	val, err := m.redis.Get(ctx, m.nonceKey(addr)).Result()
	if err == redis.Nil {
		return m.source.PendingNonceAt(ctx, addr)
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(val, 10, 64)
}

func (m *NonceManager) setCurrentNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	return m.redis.Set(ctx, m.nonceKey(addr), nonce, 0).Err()
}
