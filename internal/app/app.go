// Package app 提供 eidos-escrow 服务的应用生命周期管理
//
// ========================================
// eidos-escrow 服务对接说明
// ========================================
//
// ## 服务职责
// 1. 对赌生命周期: 创建、入金确认、接受、取消、强制退款
// 2. 托管钱包: 每个参与方一个链上钱包，私钥加密落库
// 3. 结算: 区块哈希抛硬币，两个托管钱包向获胜方付款，剩余归集到金库
// 4. 巡检: 滞留对赌与终态钱包残留资金告警
//
// ## HTTP
// - /api/v1/wagers/*: 玩家接口
// - /admin/v1/*: 管理接口，JWT (HS256) 认证
// - /health/live, /health/ready, /metrics
//
// ## gRPC
// - 仅注册 grpc.health.v1
//
// ## Kafka (可选，kafka.enabled)
// - wager-created, wager-settled, wager-cancelled, wager-refunded, settlement-review-required
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-escrow/internal/config"
	"github.com/eidos-exchange/eidos-escrow/internal/handler"
	"github.com/eidos-exchange/eidos-escrow/internal/jobs"
	"github.com/eidos-exchange/eidos-escrow/internal/kafka"
	"github.com/eidos-exchange/eidos-escrow/internal/ledger"
	"github.com/eidos-exchange/eidos-escrow/internal/middleware"
	"github.com/eidos-exchange/eidos-escrow/internal/repository"
	"github.com/eidos-exchange/eidos-escrow/internal/router"
	"github.com/eidos-exchange/eidos-escrow/internal/rpc"
	"github.com/eidos-exchange/eidos-escrow/internal/secret"
	"github.com/eidos-exchange/eidos-escrow/internal/service"
	"github.com/eidos-exchange/eidos-escrow/pkg/alert"
	"github.com/eidos-exchange/eidos-escrow/pkg/lock"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
	"github.com/eidos-exchange/eidos-escrow/pkg/tracing"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis redis.UniversalClient

	// 区块链
	gateway *rpc.Gateway
	ledger  *ledger.EVMClient

	// 服务
	wagerSvc    *service.WagerService
	recoverySvc *service.RecoveryService

	// 事件与告警
	producer *kafka.Producer
	alerter  alert.Alerter

	// 服务器
	httpServer   *http.Server
	health       *handler.HealthHandler
	grpcServer   *grpc.Server
	healthServer *health.Server
	scheduler    *jobs.Scheduler

	shutdownTracing func(context.Context) error
	stopCh          chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	shutdown, err := tracing.Init(&cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	app.shutdownTracing = shutdown

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}
	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}
	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}
	if err := app.initJobs(); err != nil {
		return nil, fmt.Errorf("failed to init jobs: %w", err)
	}
	app.initHTTP()
	app.initGRPC()

	return app, nil
}

// OpenDatabase 按配置连接 PostgreSQL
func OpenDatabase(cfg config.PostgresConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	return db, nil
}

// initInfrastructure 初始化数据库与 Redis，表结构由 migrate 子命令维护
func (a *App) initInfrastructure() error {
	db, err := OpenDatabase(a.cfg.Postgres)
	if err != nil {
		return err
	}
	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.cfg.Redis.Addresses,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})
	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.Strings("addrs", a.cfg.Redis.Addresses))
	return nil
}

// initBlockchain 初始化节点网关与账本客户端
func (a *App) initBlockchain() error {
	bc := a.cfg.Blockchain
	gateway, err := rpc.NewGateway(bc.RPCURLs, bc.Breaker, rpc.WithCallTimeout(bc.RequestTimeout))
	if err != nil {
		return err
	}
	a.gateway = gateway
	a.ledger = ledger.NewEVMClient(gateway, a.redis, bc)

	logger.Info("ledger client initialized",
		zap.Int64("chain_id", bc.ChainID),
		zap.Int("endpoints", len(bc.RPCURLs)))
	return nil
}

// initServices 初始化仓储与服务
func (a *App) initServices() error {
	secrets, err := secret.NewStore(a.cfg.Escrow.EncryptionKey)
	if err != nil {
		return err
	}

	var publisher service.EventPublisher
	if a.cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(&kafka.ProducerConfig{
			Brokers:  a.cfg.Kafka.Brokers,
			ClientID: a.cfg.Kafka.ClientID,
		})
		if err != nil {
			return fmt.Errorf("failed to create kafka producer: %w", err)
		}
		a.producer = producer
		publisher = kafka.NewEventPublisher(producer)
		logger.Info("kafka producer initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	}

	wagers := repository.NewWagerRepository(a.db)
	signatures := repository.NewSignatureRepository(a.db, a.redis)
	games := repository.NewGameRepository(a.db)
	users := repository.NewUserRepository(a.db)
	audits := repository.NewAuditRepository(a.db)

	es := a.cfg.Escrow
	engine := service.NewSettlementEngine(
		a.ledger, secrets, wagers, games, users, audits,
		service.NewFeeCalculator(a.cfg.Fees),
		publisher,
		&service.SettlementConfig{
			TreasuryAddress: es.TreasuryAddress,
			RentFloor:       es.RentFloor,
		},
	)
	a.wagerSvc = service.NewWagerService(
		wagers, signatures, games, users, audits,
		a.ledger, secrets,
		service.NewDepositVerifier(a.ledger, signatures),
		engine,
		publisher,
		&service.WagerServiceConfig{
			TreasuryAddress: es.TreasuryAddress,
			ProcessingFee:   es.ProcessingFee,
			RentFloor:       es.RentFloor,
			VerifyTolerance: es.VerifyTolerance,
			PollTolerance:   es.PollTolerance,
			SoftLockTimeout: es.SoftLockTimeout,
			PollInterval:    es.PollInterval,
			PollTimeout:     es.PollTimeout,

			ReferralClaimRate: a.cfg.Fees.ReferralClaimRate,
			ReferralClaimMin:  a.cfg.Fees.ReferralClaimMin,
		},
	)
	a.recoverySvc = service.NewRecoveryService(wagers, a.ledger, &service.RecoveryServiceConfig{
		StuckAfter:        es.StuckAfter,
		RentFloor:         es.RentFloor,
		ResidualTolerance: es.PollTolerance,
	})

	a.alerter = alert.NewAlerter(&a.cfg.Alert)
	logger.Info("services initialized")
	return nil
}

// initJobs 初始化巡检任务
func (a *App) initJobs() error {
	if !a.cfg.Jobs.Enabled {
		return nil
	}
	locker := lock.NewRedisLocker(a.redis, "eidos:escrow:job:", 5*time.Minute)
	a.scheduler = jobs.NewScheduler(locker, a.cfg.Jobs.MaxConcurrentJobs)

	if err := a.scheduler.Register(jobs.NewStrandedReviewJob(a.recoverySvc, a.alerter), a.cfg.Jobs.StrandedReview); err != nil {
		return err
	}
	return a.scheduler.Register(jobs.NewEscrowAuditJob(a.recoverySvc, a.alerter, 0), a.cfg.Jobs.EscrowAudit)
}

// initHTTP 初始化 HTTP 服务
func (a *App) initHTTP() {
	if a.cfg.Service.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	adminAuth := middleware.NewAdminAuth(a.cfg.Admin.JWTSecret)
	if a.cfg.Admin.JWTSecret == "" {
		logger.Warn("admin jwt secret not configured, admin api disabled")
	}

	a.health = handler.NewHealthHandler(map[string]handler.Pinger{
		"postgres": handler.PingFunc(func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}),
		"redis": handler.PingFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}),
		"rpc": handler.PingFunc(func(context.Context) error {
			if !a.gateway.Healthy() {
				return errors.New("all rpc endpoints open")
			}
			return nil
		}),
	})

	r := router.New(engine, adminAuth)
	r.RegisterMiddleware()
	r.RegisterRoutes(
		a.health,
		handler.NewWagerHandler(a.wagerSvc),
		handler.NewAdminHandler(a.wagerSvc, a.recoverySvc, a.gateway),
	)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// initGRPC 初始化 gRPC 健康检查
func (a *App) initGRPC() {
	a.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			recoveryInterceptor(),
			errorInterceptor(),
		),
	)
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)
}

// Run 运行应用，收到退出信号后优雅关闭
func (a *App) Run() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		logger.Info("grpc server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)
	a.health.SetReady(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 按依赖逆序关闭
func (a *App) shutdown() error {
	a.health.SetReady(false)
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	a.grpcServer.GracefulStop()

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			logger.Error("kafka producer close failed", zap.Error(err))
		}
	}
	a.alerter.Close()
	a.ledger.Close()

	if err := a.redis.Close(); err != nil {
		logger.Error("redis close failed", zap.Error(err))
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := a.shutdownTracing(ctx); err != nil {
		logger.Error("tracing shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 请求关闭
func (a *App) Stop() {
	close(a.stopCh)
}
