package rpc

import (
	"context"
	"time"

	"github.com/eidos-exchange/eidos-escrow/internal/config"
)

// RetryPolicy 有界重试策略，网关与转账提交共用
type RetryPolicy struct {
	// MaxAttempts 总尝试次数 (含首次)，<=0 视为 1
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Retryable 判断错误是否可重试，nil 表示全部可重试
	Retryable func(error) bool
}

// NewRetryPolicy 从配置创建重试策略
func NewRetryPolicy(cfg config.RetryConfig, retryable func(error) bool) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Retryable:      retryable,
	}
}

// Backoff 第 attempt 次失败后的等待时间 (attempt 从 1 开始，指数退避)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do 按策略执行 fn，返回最后一次错误
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	max := p.attempts()

	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.retryable(lastErr) || attempt == max {
			return lastErr
		}

		wait := p.Backoff(attempt)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}
