package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-escrow/internal/metrics"
	"github.com/eidos-exchange/eidos-escrow/pkg/lock"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
)

// ErrJobSkipped 任务未执行 (并发已满或其他实例持有锁)
var ErrJobSkipped = errors.New("job skipped")

// Scheduler 任务调度器，多实例部署时通过 Redis 锁保证同一任务只有一个实例执行
type Scheduler struct {
	cron    *cron.Cron
	locker  *lock.RedisLocker
	jobs    map[string]Job
	mu      sync.RWMutex
	running chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler 创建调度器，locker 为 nil 时不加锁
func NewScheduler(locker *lock.RedisLocker, maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		locker:  locker,
		jobs:    make(map[string]Job),
		running: make(chan struct{}, maxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register 注册任务，spec 为 6 段 cron 表达式
func (s *Scheduler) Register(job Job, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}
	if _, err := s.cron.AddFunc(spec, func() {
		_ = s.execute(job)
	}); err != nil {
		return fmt.Errorf("failed to add cron job %s: %w", job.Name(), err)
	}
	s.jobs[job.Name()] = job

	logger.Info("job registered", zap.String("job", job.Name()), zap.String("cron", spec))
	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度并等待正在执行的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	logger.Info("scheduler stopped")
}

// RunNow 同步执行一次任务
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(job)
}

func (s *Scheduler) execute(job Job) error {
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", job.Name()))
		return ErrJobSkipped
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	var result *Result
	run := func(ctx context.Context) error {
		var err error
		result, err = job.Execute(ctx)
		return err
	}

	start := time.Now()
	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, job.Name(), run)
	} else {
		err = run(ctx)
	}

	if errors.Is(err, lock.ErrLockAcquireFailed) {
		logger.Debug("job is running on another instance", zap.String("job", job.Name()))
		return ErrJobSkipped
	}
	metrics.RecordJobRun(job.Name(), err)
	if err != nil {
		logger.Error("job failed",
			zap.String("job", job.Name()),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}

	fields := []zap.Field{zap.String("job", job.Name()), zap.Duration("duration", time.Since(start))}
	if result != nil {
		fields = append(fields,
			zap.Int("processed", result.Processed),
			zap.Int("flagged", result.Flagged),
			zap.Int("errors", result.Errors))
	}
	logger.Info("job completed", fields...)
	return nil
}
