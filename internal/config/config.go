package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/eidos-exchange/eidos-escrow/pkg/alert"
	"github.com/eidos-exchange/eidos-escrow/pkg/tracing"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Escrow     EscrowConfig     `yaml:"escrow" json:"escrow"`
	Fees       FeeConfig        `yaml:"fees" json:"fees"`
	Admin      AdminConfig      `yaml:"admin" json:"admin"`
	Jobs       JobsConfig       `yaml:"jobs" json:"jobs"`
	Alert      alert.Config     `yaml:"alert" json:"alert"`
	Tracing    tracing.Config   `yaml:"tracing" json:"tracing"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	SSLMode         string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DSN 返回 PostgreSQL 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	// RPCURLs 按优先级排列的节点地址
	RPCURLs        []string      `yaml:"rpc_urls" json:"rpc_urls"`
	ChainID        int64         `yaml:"chain_id" json:"chain_id"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	GasLimit       uint64        `yaml:"gas_limit" json:"gas_limit"`
	ScanBlocks     int           `yaml:"scan_blocks" json:"scan_blocks"`
	Breaker        BreakerConfig `yaml:"breaker" json:"breaker"`
	TransferRetry  RetryConfig   `yaml:"transfer_retry" json:"transfer_retry"`
}

// BreakerConfig 单节点熔断配置
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`
}

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// EscrowConfig 托管钱包配置
type EscrowConfig struct {
	// EncryptionKey 托管私钥加密密钥 (32 字节 hex)
	EncryptionKey   string          `yaml:"encryption_key" json:"-"`
	TreasuryAddress string          `yaml:"treasury_address" json:"treasury_address"`
	// ProcessingFee 每方额外存入的固定手续费，取消时归金库
	ProcessingFee   decimal.Decimal `yaml:"processing_fee" json:"processing_fee"`
	// RentFloor 归集后保留在托管钱包中的最低余额
	RentFloor       decimal.Decimal `yaml:"rent_floor" json:"rent_floor"`
	VerifyTolerance decimal.Decimal `yaml:"verify_tolerance" json:"verify_tolerance"`
	PollTolerance   decimal.Decimal `yaml:"poll_tolerance" json:"poll_tolerance"`
	SoftLockTimeout time.Duration   `yaml:"soft_lock_timeout" json:"soft_lock_timeout"`
	PollInterval    time.Duration   `yaml:"poll_interval" json:"poll_interval"`
	PollTimeout     time.Duration   `yaml:"poll_timeout" json:"poll_timeout"`
	StuckAfter      time.Duration   `yaml:"stuck_after" json:"stuck_after"`
}

// FeeConfig 手续费配置
type FeeConfig struct {
	BaseRate            decimal.Decimal `yaml:"base_rate" json:"base_rate"`
	MaxCombinedDiscount decimal.Decimal `yaml:"max_combined_discount" json:"max_combined_discount"`
	ReferralClaimRate   decimal.Decimal `yaml:"referral_claim_rate" json:"referral_claim_rate"`
	ReferralClaimMin    decimal.Decimal `yaml:"referral_claim_min" json:"referral_claim_min"`
}

// AdminConfig 管理接口配置
type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret" json:"-"`
}

// JobsConfig 定时任务配置
type JobsConfig struct {
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	StrandedReview    string `yaml:"stranded_review" json:"stranded_review"`
	EscrowAudit       string `yaml:"escrow_audit" json:"escrow_audit"`
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析配置内容
func Parse(data []byte) (*Config, error) {
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验关键配置
func (c *Config) Validate() error {
	if len(c.Blockchain.RPCURLs) == 0 {
		return fmt.Errorf("blockchain.rpc_urls is required")
	}
	if c.Fees.MaxCombinedDiscount.GreaterThan(decimal.NewFromInt(1)) || c.Fees.MaxCombinedDiscount.IsNegative() {
		return fmt.Errorf("fees.max_combined_discount must be within [0, 1]")
	}
	if c.Escrow.RentFloor.IsNegative() || c.Escrow.ProcessingFee.IsNegative() {
		return fmt.Errorf("escrow amounts must not be negative")
	}
	return nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(parts[0])
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-escrow"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8080
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50060
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	bc := &cfg.Blockchain
	if bc.ChainID == 0 {
		bc.ChainID = 31337
	}
	if bc.RequestTimeout == 0 {
		bc.RequestTimeout = 10 * time.Second
	}
	if bc.GasLimit == 0 {
		bc.GasLimit = 21000
	}
	if bc.ScanBlocks == 0 {
		bc.ScanBlocks = 50
	}
	if bc.Breaker.FailureThreshold == 0 {
		bc.Breaker.FailureThreshold = 3
	}
	if bc.Breaker.SuccessThreshold == 0 {
		bc.Breaker.SuccessThreshold = 2
	}
	if bc.Breaker.Cooldown == 0 {
		bc.Breaker.Cooldown = 60 * time.Second
	}
	if bc.TransferRetry.MaxAttempts == 0 {
		bc.TransferRetry.MaxAttempts = 3
	}
	if bc.TransferRetry.InitialBackoff == 0 {
		bc.TransferRetry.InitialBackoff = 500 * time.Millisecond
	}
	if bc.TransferRetry.MaxBackoff == 0 {
		bc.TransferRetry.MaxBackoff = 4 * time.Second
	}

	es := &cfg.Escrow
	if es.ProcessingFee.IsZero() {
		es.ProcessingFee = decimal.RequireFromString("0.025")
	}
	if es.VerifyTolerance.IsZero() {
		es.VerifyTolerance = decimal.RequireFromString("0.0001")
	}
	if es.PollTolerance.IsZero() {
		es.PollTolerance = decimal.RequireFromString("0.001")
	}
	if es.SoftLockTimeout == 0 {
		es.SoftLockTimeout = 60 * time.Second
	}
	if es.PollInterval == 0 {
		es.PollInterval = 3 * time.Second
	}
	if es.PollTimeout == 0 {
		es.PollTimeout = 2 * time.Minute
	}
	if es.StuckAfter == 0 {
		es.StuckAfter = 30 * time.Minute
	}

	if cfg.Fees.BaseRate.IsZero() {
		cfg.Fees.BaseRate = decimal.RequireFromString("0.02")
	}
	if cfg.Fees.MaxCombinedDiscount.IsZero() {
		cfg.Fees.MaxCombinedDiscount = decimal.RequireFromString("0.40")
	}
	if cfg.Fees.ReferralClaimRate.IsZero() {
		cfg.Fees.ReferralClaimRate = decimal.RequireFromString("0.01")
	}
	if cfg.Fees.ReferralClaimMin.IsZero() {
		cfg.Fees.ReferralClaimMin = decimal.RequireFromString("0.01")
	}

	if cfg.Jobs.StrandedReview == "" {
		cfg.Jobs.StrandedReview = "0 */1 * * * *"
	}
	if cfg.Jobs.EscrowAudit == "" {
		cfg.Jobs.EscrowAudit = "0 0 * * * *"
	}
	if cfg.Jobs.MaxConcurrentJobs == 0 {
		cfg.Jobs.MaxConcurrentJobs = 2
	}

	if cfg.Alert.ServiceName == "" {
		cfg.Alert.ServiceName = cfg.Service.Name
	}
	if cfg.Alert.Environment == "" {
		cfg.Alert.Environment = cfg.Service.Env
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = cfg.Service.Name
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
