package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen 熔断器打开
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态 (正常)
	StateClosed State = iota
	// StateOpen 打开状态 (熔断)
	StateOpen
	// StateHalfOpen 半开状态 (试探恢复)
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText 以状态名序列化
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config 熔断器配置
type Config struct {
	// 失败阈值：连续失败多少次后打开熔断器
	FailureThreshold int
	// 成功阈值：半开状态下连续成功多少次后关闭熔断器
	SuccessThreshold int
	// 冷却时间：熔断器打开后多久进入半开状态
	Cooldown time.Duration
	// 半开状态同时在途的试探请求上限
	MaxHalfOpenRequests int
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Cooldown:            60 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker 熔断器
type CircuitBreaker struct {
	config *Config
	now    func() time.Time

	// 状态变化回调，在锁外调用
	onStateChange func(from, to State)

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	lastFailureTime  time.Time
	halfOpenInFlight int
}

// Option 熔断器选项
type Option func(*CircuitBreaker)

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithStateChange 注册状态变化回调
func WithStateChange(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// New 创建熔断器
func New(config *Config, opts ...Option) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	cb := &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// State 获取当前状态
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState 计算当前状态 (调用方持有锁)
// Open 状态在冷却期过后视为 HalfOpen
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.config.Cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Allow 检查是否允许请求通过
// 返回 nil 时调用方必须随后调用 Success 或 Failure
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from := cb.state
	var err error

	switch cb.currentState() {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.state == StateOpen {
			cb.state = StateHalfOpen
			cb.successes = 0
			cb.halfOpenInFlight = 0
		}
		if cb.halfOpenInFlight >= cb.config.MaxHalfOpenRequests {
			err = ErrCircuitOpen
		} else {
			cb.halfOpenInFlight++
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return err
}

// Success 记录成功
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	from := cb.state

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.halfOpenInFlight = 0
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// Failure 记录失败
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	from := cb.state

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		// 半开状态下任意失败立即回到打开状态
		cb.trip()
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// Release 放弃一次已放行的请求，不计入成功或失败
// 用于调用方主动取消 (如 context 取消) 的场景
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.lastFailureTime = cb.now()
	cb.successes = 0
	cb.halfOpenInFlight = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// Execute 执行函数并自动记录结果
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		cb.Failure()
		return err
	}

	cb.Success()
	return nil
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInFlight = 0
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

// Stats 统计信息
type Stats struct {
	State            State
	Failures         int
	Successes        int
	HalfOpenInFlight int
	LastFailureAt    time.Time
}

// Stats 获取统计信息
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:            cb.currentState(),
		Failures:         cb.failures,
		Successes:        cb.successes,
		HalfOpenInFlight: cb.halfOpenInFlight,
		LastFailureAt:    cb.lastFailureTime,
	}
}
