package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-escrow/internal/config"
	"github.com/eidos-exchange/eidos-escrow/internal/rpc"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
)

const (
	// weiDecimals 原生币精度
	weiDecimals = 18
	// defaultGasLimit 原生币转账固定 gas
	defaultGasLimit = 21000
	// defaultScanBlocks GetRecentTransactions 默认扫描区块数
	defaultScanBlocks = 128
	// defaultGasPriceTTL 同一次结算中的 TransferFee 与各笔转账使用同一 gas 价格
	defaultGasPriceTTL = 15 * time.Second
)

var (
	// ErrNonceTooLow 节点拒绝：nonce 已被使用且本交易未上链
	ErrNonceTooLow = errors.New("nonce too low")
	// ErrTxRejected 节点明确拒绝交易 (余额不足、gas 过低等)
	ErrTxRejected = errors.New("transaction rejected")
)

// Backend 单个节点上使用到的 RPC 能力，*ethclient.Client 经 ethclientBackend 适配后满足
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockTransactions(ctx context.Context, number *big.Int) (types.Transactions, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Dialer 按节点地址建立连接
type Dialer func(ctx context.Context, url string) (Backend, error)

type ethclientBackend struct {
	*ethclient.Client
}

func (b ethclientBackend) BlockTransactions(ctx context.Context, number *big.Int) (types.Transactions, error) {
	block, err := b.BlockByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	return block.Transactions(), nil
}

// DialEthclient 默认拨号器
func DialEthclient(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return ethclientBackend{client}, nil
}

// EVMClientOption 选项
type EVMClientOption func(*EVMClient)

// WithDialer 替换拨号器，测试使用
func WithDialer(d Dialer) EVMClientOption {
	return func(c *EVMClient) {
		c.dial = d
	}
}

// WithGasPriceTTL 设置 gas 价格缓存时长，0 表示不缓存
func WithGasPriceTTL(ttl time.Duration) EVMClientOption {
	return func(c *EVMClient) {
		c.gasPriceTTL = ttl
	}
}

// EVMClient 基于 EVM 链的账本实现
// 每次调用都经由 rpc.Gateway 做节点故障转移，节点连接懒加载
type EVMClient struct {
	gateway    *rpc.Gateway
	dial       Dialer
	chainID    *big.Int
	signer     types.Signer
	gasLimit   uint64
	scanBlocks int
	retry      rpc.RetryPolicy
	nonces     *NonceManager

	mu       sync.Mutex
	backends map[string]Backend

	gasMu       sync.Mutex
	gasPrice    *big.Int
	gasPriceAt  time.Time
	gasPriceTTL time.Duration
	now         func() time.Time
}

var _ Client = (*EVMClient)(nil)

// NewEVMClient 创建 EVM 账本客户端
func NewEVMClient(gateway *rpc.Gateway, rdb redis.UniversalClient, cfg config.BlockchainConfig, opts ...EVMClientOption) *EVMClient {
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	scanBlocks := cfg.ScanBlocks
	if scanBlocks <= 0 {
		scanBlocks = defaultScanBlocks
	}

	chainID := big.NewInt(cfg.ChainID)
	c := &EVMClient{
		gateway:     gateway,
		dial:        DialEthclient,
		chainID:     chainID,
		signer:      types.NewEIP155Signer(chainID),
		gasLimit:    gasLimit,
		scanBlocks:  scanBlocks,
		retry:       rpc.NewRetryPolicy(cfg.TransferRetry, isRetryableSend),
		backends:    make(map[string]Backend),
		gasPriceTTL: defaultGasPriceTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.nonces = NewNonceManager(c, rdb, &NonceManagerConfig{ChainID: cfg.ChainID})
	return c
}

// backend 获取节点连接，首次使用时拨号
func (c *EVMClient) backend(ctx context.Context, url string) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.backends[url]; ok {
		return b, nil
	}
	b, err := c.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	c.backends[url] = b
	return b, nil
}

// call 经网关在某个健康节点上执行
func (c *EVMClient) call(ctx context.Context, fn func(ctx context.Context, b Backend) error) error {
	return c.gateway.CallWithFailover(ctx, func(ctx context.Context, url string) error {
		b, err := c.backend(ctx, url)
		if err != nil {
			return err
		}
		return fn(ctx, b)
	})
}

// Close 关闭所有节点连接
func (c *EVMClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, b := range c.backends {
		b.Close()
		delete(c.backends, url)
	}
}

// Nonces 返回 nonce 管理器
func (c *EVMClient) Nonces() *NonceManager {
	return c.nonces
}

// GenerateKeypair 生成托管钱包，secret 为 hex 私钥
func (c *EVMClient) GenerateKeypair() (string, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	return address, hexutil.Encode(crypto.FromECDSA(key)), nil
}

// GetBalance 查询余额 (ether)
func (c *EVMClient) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, ErrInvalidAddress
	}
	var wei *big.Int
	err := c.call(ctx, func(ctx context.Context, b Backend) error {
		var err error
		wei, err = b.BalanceAt(ctx, common.HexToAddress(address), nil)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return FromWei(wei), nil
}

// PendingNonceAt 链上 pending nonce，供 NonceManager 使用
func (c *EVMClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.call(ctx, func(ctx context.Context, b Backend) error {
		var err error
		nonce, err = b.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// suggestGasPrice 带短期缓存的 gas 价格，结算按同一价格预留每笔转账的网络费用
func (c *EVMClient) suggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.gasMu.Lock()
	defer c.gasMu.Unlock()

	if c.gasPrice != nil && c.gasPriceTTL > 0 && c.now().Sub(c.gasPriceAt) < c.gasPriceTTL {
		return new(big.Int).Set(c.gasPrice), nil
	}

	var price *big.Int
	err := c.call(ctx, func(ctx context.Context, b Backend) error {
		var err error
		price, err = b.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.gasPrice = price
	c.gasPriceAt = c.now()
	return new(big.Int).Set(price), nil
}

// TransferFee 单笔转账的网络费用 gasPrice * gasLimit
func (c *EVMClient) TransferFee(ctx context.Context) (decimal.Decimal, error) {
	price, err := c.suggestGasPrice(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	fee := new(big.Int).Mul(price, new(big.Int).SetUint64(c.gasLimit))
	return FromWei(fee), nil
}

// transferGasPrice 按预留费用反推 gas 价格 (向下取整)，签名后的交易不会比预留更贵
func (c *EVMClient) transferGasPrice(ctx context.Context, fee decimal.Decimal) (*big.Int, error) {
	if !fee.IsPositive() {
		return c.suggestGasPrice(ctx)
	}
	price := new(big.Int).Quo(ToWei(fee), new(big.Int).SetUint64(c.gasLimit))
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("reserved fee %s below one wei per gas", fee)
	}
	return price, nil
}

// Transfer 从托管钱包转出原生币
// 同一笔已签名交易在重试中原样重发，节点返回 already known 视为成功
func (c *EVMClient) Transfer(ctx context.Context, fromSecret string, to string, amount, fee decimal.Decimal) (string, error) {
	key, err := parseSecret(fromSecret)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(to) {
		return "", ErrInvalidAddress
	}
	value := ToWei(amount)
	if value.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	toAddr := common.HexToAddress(to)

	gasPrice, err := c.transferGasPrice(ctx, fee)
	if err != nil {
		return "", err
	}

	nonce, err := c.nonces.AcquireNonce(ctx, from)
	if err != nil {
		return "", err
	}

	signed, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    value,
		Gas:      c.gasLimit,
		GasPrice: gasPrice,
	}), c.signer, key)
	if err != nil {
		_ = c.nonces.ReleaseNonce(ctx, from, nonce)
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	txHash := signed.Hash().Hex()

	err = c.retry.Do(ctx, func(ctx context.Context) error {
		return c.call(ctx, func(ctx context.Context, b Backend) error {
			return c.send(ctx, b, signed)
		})
	})
	if err != nil {
		// 交易可能已进入内存池，以链上 pending nonce 为准重新对齐
		if syncErr := c.nonces.SyncFromChain(context.Background(), from); syncErr != nil {
			logger.Warn("nonce resync after failed transfer",
				zap.String("from", from.Hex()),
				zap.Error(syncErr))
		}
		return "", fmt.Errorf("send transaction %s: %w", txHash, err)
	}

	if err := c.nonces.ConfirmNonce(ctx, from, nonce, txHash); err != nil {
		logger.Warn("record pending nonce failed",
			zap.String("from", from.Hex()),
			zap.Uint64("nonce", nonce),
			zap.Error(err))
	}

	logger.Info("transfer broadcast",
		zap.String("from", from.Hex()),
		zap.String("to", toAddr.Hex()),
		zap.String("amount", amount.String()),
		zap.Uint64("nonce", nonce),
		zap.String("tx_hash", txHash))
	return txHash, nil
}

// send 在单个节点上广播交易
func (c *EVMClient) send(ctx context.Context, b Backend, signed *types.Transaction) error {
	err := b.SendTransaction(ctx, signed)
	if err == nil || isAlreadyKnown(err) {
		return nil
	}

	if isNonceTooLow(err) {
		// 之前的重发可能已上链
		receipt, rerr := b.TransactionReceipt(ctx, signed.Hash())
		if rerr == nil && receipt != nil {
			return nil
		}
		return rpc.Permanent(fmt.Errorf("%w: %v", ErrNonceTooLow, err))
	}

	if isRejection(err) {
		return rpc.Permanent(fmt.Errorf("%w: %v", ErrTxRejected, err))
	}
	return err
}

// GetRecentBlockHash 最新区块哈希
func (c *EVMClient) GetRecentBlockHash(ctx context.Context) (string, error) {
	var header *types.Header
	err := c.call(ctx, func(ctx context.Context, b Backend) error {
		var err error
		header, err = b.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return "", err
	}
	return header.Hash().Hex(), nil
}

// GetTransaction 查询交易及回执
// 未上链 (pending) 的交易视为不存在
func (c *EVMClient) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	hash := common.HexToHash(signature)

	var (
		tx      *types.Transaction
		receipt *types.Receipt
	)
	err := c.call(ctx, func(ctx context.Context, b Backend) error {
		var (
			pending bool
			err     error
		)
		tx, pending, err = b.TransactionByHash(ctx, hash)
		if errors.Is(err, ethereum.NotFound) || (err == nil && pending) {
			return rpc.Permanent(ErrTxNotFound)
		}
		if err != nil {
			return err
		}

		receipt, err = b.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return rpc.Permanent(ErrTxNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &Transaction{
		Signature: hash.Hex(),
		Success:   receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if tx.To() != nil && tx.Value() != nil && tx.Value().Sign() > 0 {
		inst := Instruction{
			Destination: tx.To().Hex(),
			Amount:      FromWei(tx.Value()),
		}
		if sender, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx); err == nil {
			inst.Source = sender.Hex()
		}
		result.Instructions = append(result.Instructions, inst)
	}
	return result, nil
}

// GetRecentTransactions 从最新区块向前扫描转入 address 的交易
func (c *EVMClient) GetRecentTransactions(ctx context.Context, address string, limit int) ([]string, error) {
	if !common.IsHexAddress(address) {
		return nil, ErrInvalidAddress
	}
	target := common.HexToAddress(address)

	var head uint64
	err := c.call(ctx, func(ctx context.Context, b Backend) error {
		var err error
		head, err = b.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var sigs []string
	for i := 0; i < c.scanBlocks && uint64(i) <= head; i++ {
		number := new(big.Int).SetUint64(head - uint64(i))
		var txs types.Transactions
		err := c.call(ctx, func(ctx context.Context, b Backend) error {
			var err error
			txs, err = b.BlockTransactions(ctx, number)
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, tx := range txs {
			if tx.To() != nil && *tx.To() == target {
				sigs = append(sigs, tx.Hash().Hex())
				if limit > 0 && len(sigs) >= limit {
					return sigs, nil
				}
			}
		}
	}
	return sigs, nil
}

// parseSecret 解析 hex 私钥，错误信息不包含私钥内容
func parseSecret(secret string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(secret, "0x"))
	if err != nil {
		return nil, ErrInvalidSecret
	}
	return key, nil
}

// AddressFromSecret 由私钥推导地址
func AddressFromSecret(secret string) (string, error) {
	key, err := parseSecret(secret)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// ToWei ether -> wei，超出精度部分截断
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(weiDecimals).Truncate(0).BigInt()
}

// FromWei wei -> ether
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -weiDecimals)
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

func isRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"insufficient funds",
		"intrinsic gas too low",
		"exceeds block gas limit",
		"replacement transaction underpriced",
		"invalid sender",
		"gas price too low",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isRetryableSend 只有整轮节点都失败时才重发
func isRetryableSend(err error) bool {
	return errors.Is(err, rpc.ErrAllEndpointsFailed)
}
