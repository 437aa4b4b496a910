// Package rpc 多节点 RPC 网关：按优先级故障转移，每个节点独立熔断
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-escrow/internal/config"
	"github.com/eidos-exchange/eidos-escrow/internal/metrics"
	"github.com/eidos-exchange/eidos-escrow/pkg/circuitbreaker"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
)

var (
	// ErrNoEndpoints 未配置任何节点
	ErrNoEndpoints = errors.New("no rpc endpoints configured")
	// ErrAllEndpointsFailed 所有节点均失败或处于熔断
	ErrAllEndpointsFailed = errors.New("all rpc endpoints failed")
)

// ExhaustedError 所有节点都已尝试或跳过
type ExhaustedError struct {
	Attempted int
	Skipped   int
	// Last 最后一个被尝试节点的错误；全部被跳过时为 circuitbreaker.ErrCircuitOpen
	Last error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s (attempted=%d, skipped=%d): last error: %v",
		ErrAllEndpointsFailed, e.Attempted, e.Skipped, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllEndpointsFailed
}

// permanentError 节点已正常应答，但业务层面失败 (如交易不存在、nonce 过低)
// 节点健康，不触发故障转移
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记节点已应答的错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 是否为节点已应答的错误
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Op 在指定节点上执行的操作
type Op func(ctx context.Context, endpoint string) error

type endpoint struct {
	url     string
	label   string
	breaker *circuitbreaker.CircuitBreaker
}

// EndpointStats 节点状态快照 (进程内，重启后重置)
type EndpointStats struct {
	URL           string               `json:"url"`
	State         circuitbreaker.State `json:"state"`
	Failures      int                  `json:"failures"`
	Successes     int                  `json:"successes"`
	LastFailureAt time.Time            `json:"last_failure_at"`
}

// Gateway RPC 故障转移网关，不感知业务
type Gateway struct {
	endpoints []*endpoint
	retry     RetryPolicy
	timeout   time.Duration
	clock     func() time.Time
}

// Option 网关选项
type Option func(*Gateway)

// WithClock 替换熔断器时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.clock = now
	}
}

// WithRetry 整轮故障转移失败后的重试策略
func WithRetry(policy RetryPolicy) Option {
	return func(g *Gateway) {
		g.retry = policy
	}
}

// WithCallTimeout 单节点调用超时
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = d
	}
}

// NewGateway 创建网关，urls 按优先级排列
func NewGateway(urls []string, cfg config.BreakerConfig, opts ...Option) (*Gateway, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}

	g := &Gateway{
		retry: RetryPolicy{MaxAttempts: 1},
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	breakerCfg := circuitbreaker.DefaultConfig()
	if cfg.FailureThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.SuccessThreshold > 0 {
		breakerCfg.SuccessThreshold = cfg.SuccessThreshold
	}
	if cfg.Cooldown > 0 {
		breakerCfg.Cooldown = cfg.Cooldown
	}
	// 半开状态只允许一个试探请求
	breakerCfg.MaxHalfOpenRequests = 1

	for _, u := range urls {
		ep := &endpoint{url: u, label: endpointLabel(u)}
		label := ep.label
		ep.breaker = circuitbreaker.New(breakerCfg,
			circuitbreaker.WithClock(g.clock),
			circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
				metrics.SetBreakerState(label, int(to))
				logger.Warn("rpc endpoint breaker state changed",
					zap.String("endpoint", label),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			}),
		)
		metrics.SetBreakerState(label, int(circuitbreaker.StateClosed))
		g.endpoints = append(g.endpoints, ep)
	}
	return g, nil
}

// CallWithFailover 按优先级依次尝试节点，首次成功即返回
// 熔断中的节点被跳过；全部失败返回 *ExhaustedError
func (g *Gateway) CallWithFailover(ctx context.Context, op Op) error {
	policy := g.retry
	// 只有整轮失败才重试，节点已应答的错误直接返回
	policy.Retryable = func(err error) bool {
		if !errors.Is(err, ErrAllEndpointsFailed) {
			return false
		}
		return g.retry.Retryable == nil || g.retry.Retryable(err)
	}
	return policy.Do(ctx, func(ctx context.Context) error {
		return g.callOnce(ctx, op)
	})
}

func (g *Gateway) callOnce(ctx context.Context, op Op) error {
	var (
		lastErr   error
		attempted int
		skipped   int
	)

	for _, ep := range g.endpoints {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := ep.breaker.Allow(); err != nil {
			skipped++
			metrics.RecordRPCCall(ep.label, "skipped")
			continue
		}
		attempted++

		err := g.invoke(ctx, ep, op)
		if err == nil {
			ep.breaker.Success()
			metrics.RecordRPCCall(ep.label, "success")
			return nil
		}

		var pe *permanentError
		if errors.As(err, &pe) {
			ep.breaker.Success()
			metrics.RecordRPCCall(ep.label, "success")
			return pe.err
		}

		// 调用方取消不计入节点失败
		if ctx.Err() != nil {
			ep.breaker.Release()
			return err
		}

		ep.breaker.Failure()
		metrics.RecordRPCCall(ep.label, "failure")
		logger.Warn("rpc endpoint call failed",
			zap.String("endpoint", ep.label),
			zap.Error(err))
		lastErr = err
	}

	if lastErr == nil {
		lastErr = circuitbreaker.ErrCircuitOpen
	}
	metrics.RPCExhaustedTotal.Inc()
	return &ExhaustedError{Attempted: attempted, Skipped: skipped, Last: lastErr}
}

func (g *Gateway) invoke(ctx context.Context, ep *endpoint, op Op) error {
	if g.timeout <= 0 {
		return op(ctx, ep.url)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return op(callCtx, ep.url)
}

// Stats 返回所有节点的状态快照
func (g *Gateway) Stats() []EndpointStats {
	stats := make([]EndpointStats, 0, len(g.endpoints))
	for _, ep := range g.endpoints {
		s := ep.breaker.Stats()
		stats = append(stats, EndpointStats{
			URL:           ep.label,
			State:         s.State,
			Failures:      s.Failures,
			Successes:     s.Successes,
			LastFailureAt: s.LastFailureAt,
		})
	}
	return stats
}

// ResetBreaker 手动关闭指定节点的熔断器，label 为 Stats 中的节点标签
func (g *Gateway) ResetBreaker(label string) bool {
	for _, ep := range g.endpoints {
		if ep.label == label {
			ep.breaker.Reset()
			logger.Warn("rpc endpoint breaker reset", zap.String("endpoint", ep.label))
			return true
		}
	}
	return false
}

// Healthy 是否至少有一个节点未熔断
func (g *Gateway) Healthy() bool {
	for _, ep := range g.endpoints {
		if ep.breaker.State() != circuitbreaker.StateOpen {
			return true
		}
	}
	return false
}

// endpointLabel 节点标签，只保留 host，避免在日志和指标中暴露 API key
func endpointLabel(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
